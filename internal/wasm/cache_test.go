package wasm

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/vhqtvn/krakatau-wasm/internal/codec"
)

// Test Plan for CachingEngine:
// - Size zero disables caching and returns the wrapped engine
// - Repeated identical decompiles hit the engine once
// - Different flags produce different keys
// - Errors and engine-reported failures are never cached
// - Successful assemble results are cached

type mockEngine struct {
	mock.Mock
}

func (m *mockEngine) Decompile(ctx context.Context, req codec.DecompileRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *mockEngine) Assemble(ctx context.Context, req codec.AssembleRequest) (*codec.Response, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*codec.Response)
	return resp, args.Error(1)
}

func TestNewCachingEngine_Disabled(t *testing.T) {
	next := &mockEngine{}
	assert.Same(t, next, NewCachingEngine(next, 0, zerolog.Nop()))
	assert.Same(t, next, NewCachingEngine(next, -1, zerolog.Nop()))
}

func TestCachingEngine_Decompile(t *testing.T) {
	ctx := context.Background()
	next := &mockEngine{}
	engine := NewCachingEngine(next, 8, zerolog.Nop()).(*CachingEngine)

	plain := codec.DecompileRequest{FilePath: "A.class", Content: []byte{0xCA, 0xFE, 0xBA, 0xBE}}
	roundtrip := plain
	roundtrip.Roundtrip = true

	next.On("Decompile", mock.Anything, plain).Return("plain output", nil).Once()
	next.On("Decompile", mock.Anything, roundtrip).Return("roundtrip output", nil).Once()

	for range 3 {
		out, err := engine.Decompile(ctx, plain)
		require.NoError(t, err)
		assert.Equal(t, "plain output", out)
	}

	out, err := engine.Decompile(ctx, roundtrip)
	require.NoError(t, err)
	assert.Equal(t, "roundtrip output", out)

	next.AssertExpectations(t)
	assert.Equal(t, 2, engine.Len())
}

func TestCachingEngine_ErrorsNotCached(t *testing.T) {
	ctx := context.Background()
	next := &mockEngine{}
	engine := NewCachingEngine(next, 8, zerolog.Nop()).(*CachingEngine)

	req := codec.DecompileRequest{FilePath: "A.class", Content: []byte{0xCA, 0xFE, 0xBA, 0xBE}}
	next.On("Decompile", mock.Anything, req).Return("", ErrEngineBusy).Twice()

	for range 2 {
		_, err := engine.Decompile(ctx, req)
		assert.ErrorIs(t, err, ErrEngineBusy)
	}

	failed := &codec.Response{Success: false}
	src := codec.AssembleRequest{FilePath: "A.j", Source: "bad"}
	next.On("Assemble", mock.Anything, src).Return(failed, &EngineFailureError{Message: "bad"}).Twice()

	for range 2 {
		resp, err := engine.Assemble(ctx, src)
		assert.True(t, errors.Is(err, ErrEngineReportedFailure))
		assert.Same(t, failed, resp)
	}

	next.AssertExpectations(t)
	assert.Equal(t, 0, engine.Len())
}

func TestCachingEngine_Assemble(t *testing.T) {
	ctx := context.Background()
	next := &mockEngine{}
	engine := NewCachingEngine(next, 8, zerolog.Nop())

	src := codec.AssembleRequest{FilePath: "A.j", Source: ".class A"}
	ok := &codec.Response{Success: true, FilePath: "A.j"}
	next.On("Assemble", mock.Anything, src).Return(ok, nil).Once()

	for range 2 {
		resp, err := engine.Assemble(ctx, src)
		require.NoError(t, err)
		assert.Same(t, ok, resp)
	}
	next.AssertExpectations(t)
}
