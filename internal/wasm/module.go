package wasm

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// Export names are the engine ABI and must match the module build exactly.
const (
	exportMemory         = "memory"
	exportAllocate       = "allocate_input_buffer"
	exportDecompile      = "decompile_json"
	exportAssemble       = "assemble_json"
	exportResponseLength = "get_response_length"
	exportResponsePtr    = "get_response_ptr"
	exportFreeResponse   = "free_response"
)

// requiredExports is checked in order; the first absent name is reported.
var requiredExports = []string{
	exportAllocate,
	exportDecompile,
	exportResponseLength,
	exportResponsePtr,
	exportFreeResponse,
}

// HostModuleFunc registers an extra host module on the engine runtime before the engine module
// is instantiated. The "env" module name is reserved by the bridge.
type HostModuleFunc func(ctx context.Context, runtime wazero.Runtime) error

type moduleConfig struct {
	path        string
	cacheDir    string
	hostModules []HostModuleFunc
	logger      zerolog.Logger
}

// engineInstance is the one live engine: runtime, instance, memory and resolved exports.
type engineInstance struct {
	runtime wazero.Runtime
	cache   wazero.CompilationCache
	module  api.Module
	memory  api.Memory

	allocate       api.Function
	decompile      api.Function
	assemble       api.Function // nil when the build omits assemble_json
	responseLength api.Function
	responsePtr    api.Function
	freeResponse   api.Function

	// aborted is set by env.abort. Only touched while the bridge lock is held.
	aborted bool
}

func loadEngine(ctx context.Context, cfg moduleConfig) (*engineInstance, error) {
	wasmBytes, err := os.ReadFile(cfg.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, cfg.path)
		}
		return nil, fmt.Errorf("failed to read engine module: %w", err)
	}
	if len(wasmBytes) == 0 {
		return nil, fmt.Errorf("engine module %s is empty", cfg.path)
	}

	inst := &engineInstance{}

	runtimeConfig := wazero.NewRuntimeConfig()
	if cfg.cacheDir != "" {
		cache, err := wazero.NewCompilationCacheWithDir(cfg.cacheDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open compilation cache: %w", err)
		}
		inst.cache = cache
		runtimeConfig = runtimeConfig.WithCompilationCache(cache)
	}
	inst.runtime = wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	if err := inst.setup(ctx, cfg, wasmBytes); err != nil {
		inst.close(ctx)
		return nil, err
	}
	return inst, nil
}

func (e *engineInstance) setup(ctx context.Context, cfg moduleConfig, wasmBytes []byte) error {
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, e.runtime); err != nil {
		return fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	if err := e.registerEnv(ctx); err != nil {
		return fmt.Errorf("failed to instantiate env host module: %w", err)
	}

	for _, register := range cfg.hostModules {
		if err := register(ctx, e.runtime); err != nil {
			return fmt.Errorf("failed to register host module: %w", err)
		}
	}

	compiled, err := e.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return fmt.Errorf("failed to compile engine module: %w", err)
	}

	memoryName, ok := findMemoryExport(compiled)
	if !ok {
		return ErrNoMemoryExport
	}

	// Reactor-style module: don't call _start
	config := wazero.NewModuleConfig().
		WithStdout(&logWriter{logger: cfg.logger, stream: "stdout"}).
		WithStderr(&logWriter{logger: cfg.logger, stream: "stderr"}).
		WithName("").
		WithStartFunctions()

	module, err := e.runtime.InstantiateModule(ctx, compiled, config)
	if err != nil {
		return fmt.Errorf("failed to instantiate engine module: %w", err)
	}
	e.module = module

	if initialize := module.ExportedFunction("_initialize"); initialize != nil {
		if _, err := initialize.Call(ctx); err != nil {
			return fmt.Errorf("failed to call _initialize: %w", err)
		}
	}

	e.memory = module.ExportedMemory(memoryName)
	if e.memory == nil {
		return ErrNoMemoryExport
	}

	for _, name := range requiredExports {
		if module.ExportedFunction(name) == nil {
			return &MissingExportError{Name: name}
		}
	}

	e.allocate = module.ExportedFunction(exportAllocate)
	e.decompile = module.ExportedFunction(exportDecompile)
	e.assemble = module.ExportedFunction(exportAssemble)
	e.responseLength = module.ExportedFunction(exportResponseLength)
	e.responsePtr = module.ExportedFunction(exportResponsePtr)
	e.freeResponse = module.ExportedFunction(exportFreeResponse)

	return nil
}

// registerEnv provides env.abort, the only import the engine build needs beyond WASI.
// Aborting unwinds the guest with a panic that wazero reports as a call error.
func (e *engineInstance) registerEnv(ctx context.Context) error {
	_, err := e.runtime.NewHostModuleBuilder("env").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
			e.aborted = true
			panic(fmt.Errorf("%w at %d:%d", ErrEngineAborted, uint32(stack[2]), uint32(stack[3])))
		}), []api.ValueType{
			api.ValueTypeI32, // message
			api.ValueTypeI32, // file name
			api.ValueTypeI32, // line
			api.ValueTypeI32, // column
		}, []api.ValueType{}).
		Export("abort").
		Instantiate(ctx)
	return err
}

func findMemoryExport(compiled wazero.CompiledModule) (string, bool) {
	memories := compiled.ExportedMemories()
	if _, ok := memories[exportMemory]; ok {
		return exportMemory, true
	}
	if len(memories) == 1 {
		for name := range memories {
			return name, true
		}
	}
	return "", false
}

func (e *engineInstance) close(ctx context.Context) error {
	var err error
	if e.runtime != nil {
		err = e.runtime.Close(ctx)
	}
	if e.cache != nil {
		if cacheErr := e.cache.Close(ctx); cacheErr != nil && err == nil {
			err = cacheErr
		}
	}
	return err
}

// logWriter forwards engine stdout/stderr to the logger.
type logWriter struct {
	logger zerolog.Logger
	stream string
}

func (w *logWriter) Write(p []byte) (int, error) {
	if msg := strings.TrimRight(string(p), "\n"); msg != "" {
		w.logger.Debug().Str("stream", w.stream).Msg(msg)
	}
	return len(p), nil
}
