package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"

	"github.com/vhqtvn/krakatau-wasm/internal/classfile"
	"github.com/vhqtvn/krakatau-wasm/internal/codec"
)

// RunOptions are the engine flags for a single decompile.
type RunOptions struct {
	Roundtrip       bool
	NoShortCodeAttr bool
}

// Run decompiles one class file and writes the disassembly to stdout.
func (c *Controller) Run(ctx context.Context, path string, opts RunOptions) error {
	if path == "" {
		return errors.New("class file path is required")
	}

	data, err := c.fs().ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("class file %s not found", path)
		}
		return fmt.Errorf("failed to read class file: %w", err)
	}
	if !classfile.HasMagic(data) {
		return fmt.Errorf("%s is not a class file (missing 0xCAFEBABE magic number)", path)
	}

	cfg, err := c.config()
	if err != nil {
		return err
	}
	bridge, err := c.newBridge(cfg)
	if err != nil {
		return err
	}
	defer closeBridge(bridge, c.Logger)

	out, err := bridge.Decompile(ctx, codec.DecompileRequest{
		FilePath:        filepath.Base(path),
		Content:         data,
		Roundtrip:       opts.Roundtrip,
		NoShortCodeAttr: opts.NoShortCodeAttr,
	})
	if err != nil {
		return fmt.Errorf("decompilation failed: %w", err)
	}

	_, err = io.WriteString(c.stdout(), out)
	return err
}
