package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test Plan for config:
// - Loads every field from krakatau.json and applies defaults to the rest
// - Resolves a relative module path against the config file
// - Reports unreadable and malformed files
// - Finds krakatau.json in the current directory or a parent
// - Distinguishes a missing file from a malformed one
// - Validates ports, endpoints, body limits and paired auth settings

func TestLoadConfigFromPath(t *testing.T) {
	tests := []struct {
		name  string
		input string
		check func(t *testing.T, dir string, got *Config)
	}{
		{
			name: "all fields",
			input: `{
				"module_path": "/opt/krakatau/engine.wasm",
				"host": "127.0.0.1",
				"port": 9000,
				"decompile_endpoint": "/api/decompile",
				"assemble_endpoint": "/api/assemble",
				"auth": {"username": "admin", "password": "secret", "token_header": "X-Token", "token_value": "abc"},
				"engine": {"eager_load": true, "acquire_timeout": "1500ms", "cache_size": 64},
				"max_body_bytes": 2048,
				"compilation_cache_dir": "/var/cache/krakatau"
			}`,
			check: func(t *testing.T, dir string, got *Config) {
				assert.Equal(t, "/opt/krakatau/engine.wasm", got.ModulePath)
				assert.Equal(t, "127.0.0.1:9000", got.Addr())
				assert.Equal(t, "/api/decompile", got.DecompileEndpoint)
				assert.Equal(t, "/api/assemble", got.AssembleEndpoint)
				assert.True(t, got.Auth.BasicEnabled())
				assert.True(t, got.Auth.TokenEnabled())
				assert.True(t, got.Engine.EagerLoad)
				assert.Equal(t, 1500*time.Millisecond, time.Duration(got.Engine.AcquireTimeout))
				assert.Equal(t, 64, got.Engine.CacheSize)
				assert.Equal(t, int64(2048), got.MaxBodyBytes)
				assert.Equal(t, "/var/cache/krakatau", got.CompilationCacheDir)
			},
		},
		{
			name:  "defaults",
			input: `{}`,
			check: func(t *testing.T, dir string, got *Config) {
				assert.Equal(t, DefaultModulePath, got.ModulePath)
				assert.Equal(t, "0.0.0.0:8080", got.Addr())
				assert.Equal(t, "/decompile", got.DecompileEndpoint)
				assert.Equal(t, "/assemble", got.AssembleEndpoint)
				assert.Equal(t, int64(10<<20), got.MaxBodyBytes)
				assert.False(t, got.Auth.BasicEnabled())
				assert.False(t, got.Auth.TokenEnabled())
				assert.False(t, got.Engine.EagerLoad)
				assert.Zero(t, got.Engine.AcquireTimeout)
				assert.NoError(t, got.Validate())
			},
		},
		{
			name:  "relative module path",
			input: `{"module_path": "wasm/krakatau.wasm"}`,
			check: func(t *testing.T, dir string, got *Config) {
				assert.Equal(t, filepath.Join(dir, "wasm", "krakatau.wasm"), got.ModulePath)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()
			configPath := filepath.Join(tmpDir, FileName)
			require.NoError(t, os.WriteFile(configPath, []byte(tt.input), 0644))

			got, err := LoadConfigFromPath(configPath)
			require.NoError(t, err)
			require.NotNil(t, got)
			tt.check(t, tmpDir, got)
		})
	}
}

func TestLoadConfigFromPath_Errors(t *testing.T) {
	tests := []struct {
		name        string
		setupFunc   func(string) string
		errContains string
	}{
		{
			name: "file not found",
			setupFunc: func(tmpDir string) string {
				return filepath.Join(tmpDir, "nonexistent.json")
			},
			errContains: "failed to read config file",
		},
		{
			name: "invalid json",
			setupFunc: func(tmpDir string) string {
				path := filepath.Join(tmpDir, FileName)
				os.WriteFile(path, []byte("invalid json"), 0644)
				return path
			},
			errContains: "failed to parse config file",
		},
		{
			name: "invalid duration",
			setupFunc: func(tmpDir string) string {
				path := filepath.Join(tmpDir, FileName)
				os.WriteFile(path, []byte(`{"engine": {"acquire_timeout": "soon"}}`), 0644)
				return path
			},
			errContains: "failed to parse config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()
			configPath := tt.setupFunc(tmpDir)

			_, err := LoadConfigFromPath(configPath)
			assert.Error(t, err)
			assert.Contains(t, err.Error(), tt.errContains)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	writeConfig := func(t *testing.T, dir string, config Config) {
		data, err := json.MarshalIndent(config, "", "  ")
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), data, 0644))
	}

	// Test finding krakatau.json in current directory
	t.Run("config in current dir", func(t *testing.T) {
		tmpDir := t.TempDir()
		writeConfig(t, tmpDir, Config{Port: 9001})

		// Change to temp dir
		oldWd, _ := os.Getwd()
		defer os.Chdir(oldWd)
		require.NoError(t, os.Chdir(tmpDir))

		got, projectRoot, err := LoadConfig()
		require.NoError(t, err)
		assert.Equal(t, 9001, got.Port)
		// Use filepath.EvalSymlinks to resolve any symlinks for comparison
		expectedRoot, _ := filepath.EvalSymlinks(tmpDir)
		actualRoot, _ := filepath.EvalSymlinks(projectRoot)
		assert.Equal(t, expectedRoot, actualRoot)
	})

	// Test finding krakatau.json in parent directory
	t.Run("config in parent dir", func(t *testing.T) {
		tmpDir := t.TempDir()
		subDir := filepath.Join(tmpDir, "subdir")
		require.NoError(t, os.MkdirAll(subDir, 0755))
		writeConfig(t, tmpDir, Config{Port: 9002})

		oldWd, _ := os.Getwd()
		defer os.Chdir(oldWd)
		require.NoError(t, os.Chdir(subDir))

		got, projectRoot, err := LoadConfig()
		require.NoError(t, err)
		assert.Equal(t, 9002, got.Port)
		expectedRoot, _ := filepath.EvalSymlinks(tmpDir)
		actualRoot, _ := filepath.EvalSymlinks(projectRoot)
		assert.Equal(t, expectedRoot, actualRoot)
	})

	t.Run("no config found", func(t *testing.T) {
		tmpDir := t.TempDir()

		oldWd, _ := os.Getwd()
		defer os.Chdir(oldWd)
		require.NoError(t, os.Chdir(tmpDir))

		_, _, err := LoadConfig()
		require.ErrorIs(t, err, ErrConfigNotFound)
		assert.Contains(t, err.Error(), "no krakatau.json in")
	})

	t.Run("malformed config is not reported as missing", func(t *testing.T) {
		tmpDir := t.TempDir()
		bad := `{"auth": {"username": "admin", "password": "s3cret",}}`
		require.NoError(t, os.WriteFile(filepath.Join(tmpDir, FileName), []byte(bad), 0644))

		oldWd, _ := os.Getwd()
		defer os.Chdir(oldWd)
		require.NoError(t, os.Chdir(tmpDir))

		_, _, err := LoadConfig()
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrConfigNotFound)
		assert.Contains(t, err.Error(), "failed to parse config file")
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(c *Config)
		errContains string
	}{
		{
			name:   "defaults are valid",
			mutate: func(c *Config) {},
		},
		{
			name: "both auth pairs",
			mutate: func(c *Config) {
				c.Auth = AuthConfig{Username: "u", Password: "p", TokenHeader: "X-Token", TokenValue: "v"}
			},
		},
		{
			name:        "username without password",
			mutate:      func(c *Config) { c.Auth.Username = "admin" },
			errContains: "Config.Auth.Password: failed required_with=Username",
		},
		{
			name:        "token value without header",
			mutate:      func(c *Config) { c.Auth.TokenValue = "abc" },
			errContains: "Config.Auth.TokenHeader: failed required_with=TokenValue",
		},
		{
			name:        "port out of range",
			mutate:      func(c *Config) { c.Port = 70000 },
			errContains: "Config.Port: failed max=65535",
		},
		{
			name:        "endpoint without slash",
			mutate:      func(c *Config) { c.DecompileEndpoint = "decompile" },
			errContains: "Config.DecompileEndpoint: failed startswith=/",
		},
		{
			name:        "same endpoint twice",
			mutate:      func(c *Config) { c.AssembleEndpoint = c.DecompileEndpoint },
			errContains: "Config.AssembleEndpoint: failed nefield=DecompileEndpoint",
		},
		{
			name:        "negative body limit",
			mutate:      func(c *Config) { c.MaxBodyBytes = -1 },
			errContains: "Config.MaxBodyBytes: failed gt",
		},
		{
			name:        "negative acquire timeout",
			mutate:      func(c *Config) { c.Engine.AcquireTimeout = Duration(-time.Second) },
			errContains: "Config.Engine.AcquireTimeout: failed min=0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)

			err := c.Validate()
			if tt.errContains == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errContains)
		})
	}
}

func TestDuration_JSON(t *testing.T) {
	data, err := json.Marshal(EngineConfig{AcquireTimeout: Duration(2 * time.Second)})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"acquire_timeout":"2s"`)
}
