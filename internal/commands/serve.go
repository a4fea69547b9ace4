package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/vhqtvn/krakatau-wasm/internal/server"
	"github.com/vhqtvn/krakatau-wasm/internal/wasm"
)

// Serve runs the HTTP service until a signal arrives or ctx is cancelled.
func (c *Controller) Serve(ctx context.Context) error {
	cfg, err := c.config()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	bridge, err := c.newBridge(cfg)
	if err != nil {
		return err
	}
	defer closeBridge(bridge, c.Logger)

	if cfg.Engine.EagerLoad {
		if err := bridge.Load(ctx); err != nil {
			return fmt.Errorf("failed to load engine: %w", err)
		}
	}

	var engine wasm.Engine = bridge
	engine = wasm.NewCachingEngine(engine, cfg.Engine.CacheSize, c.Logger)

	srv := server.New(engine, cfg, c.Logger)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start(ctx)
	}()

	// Setup signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	// Wait for shutdown signal or error
	select {
	case sig := <-sigChan:
		c.Logger.Info().Str("signal", sig.String()).Msg("received signal, shutting down")
		cancel()
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
		c.Logger.Info().Msg("context cancelled, shutting down")
	}

	if err := <-errChan; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server shutdown: %w", err)
	}

	c.Logger.Info().Msg("serve shutdown complete")
	return nil
}
