package wasm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/vhqtvn/krakatau-wasm/internal/codec"
)

// Engine is the operation surface exposed to the service layer and the CLI.
type Engine interface {
	// Decompile returns the disassembled text of a class file.
	Decompile(ctx context.Context, req codec.DecompileRequest) (string, error)

	// Assemble returns the engine's structured result. When the engine reports a failure the
	// decoded response is returned together with an *EngineFailureError.
	Assemble(ctx context.Context, req codec.AssembleRequest) (*codec.Response, error)
}

// BridgeConfig holds configuration for the engine bridge.
type BridgeConfig struct {
	// ModulePath is the engine .wasm file.
	ModulePath string

	// CompilationCacheDir persists compiled machine code across restarts when set.
	CompilationCacheDir string

	// AcquireTimeout bounds how long a caller waits for the engine. Zero waits for as long as
	// the caller's context allows.
	AcquireTimeout time.Duration

	// HostModules are registered on the runtime before the engine is instantiated.
	HostModules []HostModuleFunc

	Logger zerolog.Logger
}

// Bridge owns the single engine instance and serializes every request cycle onto it.
// The engine allocator is process-global and not re-entrant, so at most one cycle is in flight.
type Bridge struct {
	config BridgeConfig
	logger zerolog.Logger

	// lock guards the request cycle and all access to engine memory.
	lock *semaphore.Weighted

	// loadGroup collapses concurrent first loads into one.
	loadGroup singleflight.Group
	engine    atomic.Pointer[engineInstance]
	loads     atomic.Int32

	mu     sync.Mutex
	closed bool

	waiting  atomic.Int32
	inFlight atomic.Int32
}

// NewBridge creates a bridge. The engine is loaded on first use or by an explicit Load.
func NewBridge(config BridgeConfig) (*Bridge, error) {
	if config.ModulePath == "" {
		return nil, errors.New("module path cannot be empty")
	}
	if config.AcquireTimeout < 0 {
		return nil, errors.New("acquire timeout cannot be negative")
	}

	return &Bridge{
		config: config,
		logger: config.Logger.With().Str("component", "engine").Logger(),
		lock:   semaphore.NewWeighted(1),
	}, nil
}

// Load compiles and instantiates the engine if that has not happened yet.
func (b *Bridge) Load(ctx context.Context) error {
	_, err := b.instance(ctx)
	return err
}

// Loaded reports whether the engine instance exists.
func (b *Bridge) Loaded() bool {
	return b.engine.Load() != nil
}

// Decompile implements Engine.
func (b *Bridge) Decompile(ctx context.Context, req codec.DecompileRequest) (string, error) {
	resp, err := b.Invoke(ctx, req)
	if err != nil {
		return "", err
	}
	if resp.Output == nil || *resp.Output == "" {
		return "", fmt.Errorf("%w: successful response has no output", ErrResponseDecode)
	}
	return *resp.Output, nil
}

// Assemble implements Engine.
func (b *Bridge) Assemble(ctx context.Context, req codec.AssembleRequest) (*codec.Response, error) {
	return b.Invoke(ctx, req)
}

// Invoke runs one full request cycle under exclusive access to the engine.
// Cancelling ctx aborts the wait for the engine, never a call already running inside it.
func (b *Bridge) Invoke(ctx context.Context, req codec.Request) (*codec.Response, error) {
	payload, err := codec.Encode(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	inst, err := b.instance(ctx)
	if err != nil {
		return nil, err
	}

	release, err := b.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	if b.isClosed() {
		return nil, ErrBridgeClosed
	}

	return b.cycle(context.WithoutCancel(ctx), inst, req, payload)
}

// InFlight returns the number of request cycles currently running (0 or 1).
func (b *Bridge) InFlight() uint {
	return uint(b.inFlight.Load())
}

// Waiting returns the number of callers blocked on the engine.
func (b *Bridge) Waiting() uint {
	return uint(b.waiting.Load())
}

// Close waits for the running cycle, then releases the engine. Later calls fail with
// ErrBridgeClosed.
func (b *Bridge) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	if err := b.lock.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("failed to wait for in-flight engine call: %w", err)
	}
	defer b.lock.Release(1)

	inst := b.engine.Swap(nil)
	if inst == nil {
		return nil
	}
	b.logger.Info().Msg("engine closed")
	return inst.close(ctx)
}

func (b *Bridge) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Bridge) instance(ctx context.Context) (*engineInstance, error) {
	if inst := b.engine.Load(); inst != nil {
		return inst, nil
	}
	if b.isClosed() {
		return nil, ErrBridgeClosed
	}

	v, err, _ := b.loadGroup.Do("load", func() (any, error) {
		if inst := b.engine.Load(); inst != nil {
			return inst, nil
		}

		b.loads.Add(1)
		start := time.Now()
		loadCtx := context.WithoutCancel(ctx)

		inst, err := loadEngine(loadCtx, moduleConfig{
			path:        b.config.ModulePath,
			cacheDir:    b.config.CompilationCacheDir,
			hostModules: b.config.HostModules,
			logger:      b.logger,
		})
		if err != nil {
			b.logger.Error().Err(err).Str("module", b.config.ModulePath).Msg("failed to load engine")
			return nil, err
		}

		b.mu.Lock()
		defer b.mu.Unlock()
		if b.closed {
			_ = inst.close(loadCtx)
			return nil, ErrBridgeClosed
		}
		b.engine.Store(inst)

		b.logger.Info().
			Str("module", b.config.ModulePath).
			Bool("assemble", inst.assemble != nil).
			Dur("duration", time.Since(start)).
			Msg("engine loaded")
		return inst, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*engineInstance), nil
}

func (b *Bridge) acquire(ctx context.Context) (func(), error) {
	if b.config.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.config.AcquireTimeout)
		defer cancel()
	}

	b.waiting.Add(1)
	err := b.lock.Acquire(ctx, 1)
	b.waiting.Add(-1)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEngineBusy, err)
	}

	b.inFlight.Add(1)
	return func() {
		b.inFlight.Add(-1)
		b.lock.Release(1)
	}, nil
}

func (b *Bridge) cycle(ctx context.Context, inst *engineInstance, req codec.Request, payload []byte) (*codec.Response, error) {
	logger := b.logger.With().
		Str("call_id", uuid.NewString()).
		Str("op", string(req.Operation())).
		Str("file_path", req.Path()).
		Logger()
	start := time.Now()

	raw, err := inst.call(ctx, req.Operation(), payload)
	if err != nil {
		logger.Warn().Err(err).Dur("duration", time.Since(start)).Msg("engine call failed")
		return nil, err
	}

	resp, err := codec.Decode(raw)
	if err != nil {
		logger.Warn().Err(err).Int("response_bytes", len(raw)).Msg("engine response rejected")
		return nil, fmt.Errorf("%w: %w", ErrResponseDecode, err)
	}

	logger.Debug().
		Bool("success", resp.Success).
		Int("request_bytes", len(payload)).
		Int("response_bytes", len(raw)).
		Dur("duration", time.Since(start)).
		Msg("engine call completed")

	if !resp.Success {
		msg := resp.ErrorText()
		if msg == "" {
			msg = ErrEngineReportedFailure.Error()
		}
		return resp, &EngineFailureError{Message: msg}
	}
	return resp, nil
}
