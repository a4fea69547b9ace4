package commands

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"strings"

	"github.com/vhqtvn/krakatau-wasm/internal/classfile"
	"github.com/vhqtvn/krakatau-wasm/internal/codec"
)

// AssembleOptions controls where assembled classes are written.
type AssembleOptions struct {
	// OutDir receives the classes, laid out by package. Defaults to the current directory.
	OutDir string
}

// Assemble assembles one source file and writes every produced class under OutDir, printing
// each written path.
func (c *Controller) Assemble(ctx context.Context, sourcePath string, opts AssembleOptions) error {
	if sourcePath == "" {
		return errors.New("source file path is required")
	}

	source, err := c.fs().ReadFile(sourcePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("source file %s not found", sourcePath)
		}
		return fmt.Errorf("failed to read source file: %w", err)
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

	resp, err := bridge.Assemble(ctx, codec.AssembleRequest{
		FilePath: filepath.Base(sourcePath),
		Source:   string(source),
	})
	if err != nil {
		return fmt.Errorf("assembly failed: %w", err)
	}

	outDir := opts.OutDir
	if outDir == "" {
		outDir = "."
	}

	for i, class := range resp.ClassFiles {
		data, err := class.Bytes()
		if err != nil {
			return err
		}

		name, err := classPath(class, data, i)
		if err != nil {
			return err
		}
		target := filepath.Join(outDir, filepath.FromSlash(name))

		if err := c.fs().MkdirAll(filepath.Dir(target), 0755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
		if err := c.fs().WriteFile(target, data, 0644); err != nil {
			return fmt.Errorf("failed to write %s: %w", target, err)
		}

		c.Logger.Debug().Str("class", name).Int("bytes", len(data)).Msg("wrote class")
		fmt.Fprintln(c.stdout(), target)
	}
	return nil
}

// classPath is the slash-separated path of a class relative to the output directory. The name
// reported by the engine wins over the one in the class header.
func classPath(class codec.ClassFile, data []byte, index int) (string, error) {
	name := ""
	if class.Name != nil {
		name = strings.TrimSuffix(*class.Name, ".class")
	}
	if name == "" {
		if info, err := classfile.Inspect(data); err == nil {
			name = info.ClassName
		}
	}
	if name == "" {
		name = fmt.Sprintf("class%d", index)
	}

	clean := path.Clean(name)
	if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("refusing to write class %q outside the output directory", name)
	}
	return clean + ".class", nil
}
