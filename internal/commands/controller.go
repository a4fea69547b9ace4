// Package commands contains the CLI commands for the application
package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/vhqtvn/krakatau-wasm/internal/config"
	"github.com/vhqtvn/krakatau-wasm/internal/wasm"
)

const bridgeCloseTimeout = 30 * time.Second

type Flags struct {
	LogLevel   string
	ConfigPath string
}

// FileSystem is the file access the commands need.
type FileSystem interface {
	ReadFile(name string) ([]byte, error)
	MkdirAll(path string, perm os.FileMode) error
	WriteFile(name string, data []byte, perm os.FileMode) error
}

type osFileSystem struct{}

func (osFileSystem) ReadFile(name string) ([]byte, error) { return os.ReadFile(name) }

func (osFileSystem) MkdirAll(path string, perm os.FileMode) error { return os.MkdirAll(path, perm) }

func (osFileSystem) WriteFile(name string, data []byte, perm os.FileMode) error {
	return os.WriteFile(name, data, perm)
}

type Controller struct {
	Flags  *Flags
	Config *config.Config
	Logger zerolog.Logger

	// Stdout receives command output. Defaults to os.Stdout.
	Stdout io.Writer
	// FS defaults to the operating system.
	FS FileSystem
}

func (c *Controller) stdout() io.Writer {
	if c.Stdout == nil {
		return os.Stdout
	}
	return c.Stdout
}

func (c *Controller) fs() FileSystem {
	if c.FS == nil {
		return osFileSystem{}
	}
	return c.FS
}

func (c *Controller) config() (*config.Config, error) {
	cfg := c.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newBridge creates the engine bridge from the configuration. The caller owns Close.
func (c *Controller) newBridge(cfg *config.Config) (*wasm.Bridge, error) {
	bridge, err := wasm.NewBridge(wasm.BridgeConfig{
		ModulePath:          cfg.ModulePath,
		CompilationCacheDir: cfg.CompilationCacheDir,
		AcquireTimeout:      time.Duration(cfg.Engine.AcquireTimeout),
		Logger:              c.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create engine bridge: %w", err)
	}
	return bridge, nil
}

func closeBridge(bridge *wasm.Bridge, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), bridgeCloseTimeout)
	defer cancel()
	if err := bridge.Close(ctx); err != nil {
		logger.Warn().Err(err).Msg("failed to close engine")
	}
}
