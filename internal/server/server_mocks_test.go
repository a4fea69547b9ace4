package server

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/vhqtvn/krakatau-wasm/internal/codec"
)

// Mock implementations for testing the server
type mockEngine struct {
	mock.Mock
}

func (m *mockEngine) Decompile(ctx context.Context, req codec.DecompileRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *mockEngine) Assemble(ctx context.Context, req codec.AssembleRequest) (*codec.Response, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*codec.Response), args.Error(1)
}
