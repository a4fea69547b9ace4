package wasm

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vhqtvn/krakatau-wasm/internal/testutil"
)

// Test Plan for engine loading:
// - Loads a module that satisfies the export contract
// - Reports a missing module file as ErrModuleNotFound
// - Rejects bytes that are not a valid module
// - Rejects a module without an exported memory
// - Names the first missing required export
// - Treats assemble_json as optional
// - Reuses a compilation cache directory across loads

func testModuleConfig(path string) moduleConfig {
	return moduleConfig{path: path, logger: zerolog.Nop()}
}

func TestLoadEngine(t *testing.T) {
	ctx := context.Background()

	t.Run("loads a complete module", func(t *testing.T) {
		inst, err := loadEngine(ctx, testModuleConfig(testutil.FakeEngine{}.WriteFile(t)))
		require.NoError(t, err)
		defer inst.close(ctx)

		assert.NotNil(t, inst.memory)
		assert.NotNil(t, inst.allocate)
		assert.NotNil(t, inst.decompile)
		assert.NotNil(t, inst.assemble)
		assert.NotNil(t, inst.responseLength)
		assert.NotNil(t, inst.responsePtr)
		assert.NotNil(t, inst.freeResponse)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := loadEngine(ctx, testModuleConfig(filepath.Join(t.TempDir(), "absent.wasm")))
		assert.ErrorIs(t, err, ErrModuleNotFound)
	})

	t.Run("invalid module bytes", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "junk.wasm")
		require.NoError(t, os.WriteFile(path, []byte("definitely not wasm"), 0644))

		_, err := loadEngine(ctx, testModuleConfig(path))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to compile engine module")
	})

	t.Run("no memory export", func(t *testing.T) {
		_, err := loadEngine(ctx, testModuleConfig(testutil.FakeEngine{OmitMemory: true}.WriteFile(t)))
		assert.ErrorIs(t, err, ErrNoMemoryExport)
	})

	t.Run("assemble is optional", func(t *testing.T) {
		inst, err := loadEngine(ctx, testModuleConfig(testutil.FakeEngine{OmitAssemble: true}.WriteFile(t)))
		require.NoError(t, err)
		defer inst.close(ctx)

		assert.Nil(t, inst.assemble)
		assert.NotNil(t, inst.decompile)
	})

	t.Run("compilation cache", func(t *testing.T) {
		cfg := testModuleConfig(testutil.FakeEngine{}.WriteFile(t))
		cfg.cacheDir = t.TempDir()

		for range 2 {
			inst, err := loadEngine(ctx, cfg)
			require.NoError(t, err)
			require.NotNil(t, inst.cache)
			require.NoError(t, inst.close(ctx))
		}
	})
}

func TestLoadEngine_MissingExports(t *testing.T) {
	ctx := context.Background()

	for _, name := range requiredExports {
		t.Run(name, func(t *testing.T) {
			_, err := loadEngine(ctx, testModuleConfig(testutil.FakeEngine{OmitExport: name}.WriteFile(t)))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMissingExport)

			var missing *MissingExportError
			require.True(t, errors.As(err, &missing))
			assert.Equal(t, name, missing.Name)
			assert.Contains(t, err.Error(), name)
		})
	}
}
