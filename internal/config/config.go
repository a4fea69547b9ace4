package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/go-playground/validator/v10"
)

// FileName is the configuration file searched for by LoadConfig.
const FileName = "krakatau.json"

const (
	DefaultHost              = "0.0.0.0"
	DefaultPort              = 8080
	DefaultDecompileEndpoint = "/decompile"
	DefaultAssembleEndpoint  = "/assemble"
	DefaultModulePath        = "./krakatau.wasm"
	DefaultMaxBodyBytes      = 10 << 20
)

var validate = validator.New()

// ErrConfigNotFound is returned by LoadConfig when no krakatau.json exists in the current
// directory or any parent.
var ErrConfigNotFound = errors.New("config file not found")

// Config represents the krakatau.json configuration file
type Config struct {
	ModulePath          string       `json:"module_path" validate:"required"`
	Host                string       `json:"host"`
	Port                int          `json:"port" validate:"min=1,max=65535"`
	DecompileEndpoint   string       `json:"decompile_endpoint" validate:"required,startswith=/"`
	AssembleEndpoint    string       `json:"assemble_endpoint" validate:"required,startswith=/,nefield=DecompileEndpoint"`
	Auth                AuthConfig   `json:"auth"`
	Engine              EngineConfig `json:"engine"`
	MaxBodyBytes        int64        `json:"max_body_bytes" validate:"gt=0"`
	CompilationCacheDir string       `json:"compilation_cache_dir"`
}

// AuthConfig enables basic auth, a token header, or both. Each pair is all or nothing.
type AuthConfig struct {
	Username    string `json:"username" validate:"required_with=Password"`
	Password    string `json:"password" validate:"required_with=Username"`
	TokenHeader string `json:"token_header" validate:"required_with=TokenValue"`
	TokenValue  string `json:"token_value" validate:"required_with=TokenHeader"`
}

// BasicEnabled reports whether username and password are both configured.
func (a AuthConfig) BasicEnabled() bool {
	return a.Username != "" && a.Password != ""
}

// TokenEnabled reports whether the token header and value are both configured.
func (a AuthConfig) TokenEnabled() bool {
	return a.TokenHeader != "" && a.TokenValue != ""
}

// EngineConfig controls the engine bridge.
type EngineConfig struct {
	// EagerLoad loads the engine at startup instead of on the first request.
	EagerLoad      bool     `json:"eager_load"`
	AcquireTimeout Duration `json:"acquire_timeout" validate:"min=0"`
	CacheSize      int      `json:"cache_size" validate:"min=0"`
}

// Duration is a time.Duration written as a Go duration string in JSON.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"5s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	config := &Config{}
	config.ApplyDefaults()
	return config
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.ModulePath == "" {
		c.ModulePath = DefaultModulePath
	}
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.DecompileEndpoint == "" {
		c.DecompileEndpoint = DefaultDecompileEndpoint
	}
	if c.AssembleEndpoint == "" {
		c.AssembleEndpoint = DefaultAssembleEndpoint
	}
	if c.MaxBodyBytes == 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
}

// Validate checks the configuration. A half-configured auth pair is an error.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("config validation failed: %w", err)
	}

	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s", fe.Namespace(), fe.Tag()))
		}
	}
	return fmt.Errorf("config validation failed: %s", strings.Join(msgs, "; "))
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LoadConfig loads krakatau.json from the current directory or a parent directory
func LoadConfig() (*Config, string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return nil, "", fmt.Errorf("failed to get current directory: %w", err)
	}

	return loadConfigFromDir(dir)
}

// LoadConfigFromPath loads the configuration from a specific path. Defaults are applied; the
// result is not validated so callers can layer overrides first.
func LoadConfigFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Relative module paths are resolved against the config file.
	if config.ModulePath != "" && !filepath.IsAbs(config.ModulePath) {
		config.ModulePath = filepath.Join(filepath.Dir(path), config.ModulePath)
	}

	config.ApplyDefaults()
	return &config, nil
}

// loadConfigFromDir searches for krakatau.json in the given directory and its parents
func loadConfigFromDir(startDir string) (*Config, string, error) {
	dir := startDir
	for {
		configPath := filepath.Join(dir, FileName)
		if _, err := os.Stat(configPath); err == nil {
			config, err := LoadConfigFromPath(configPath)
			if err != nil {
				return nil, "", err
			}
			return config, dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root directory
			break
		}
		dir = parent
	}

	return nil, "", fmt.Errorf("%w: no %s in %s or any parent directory", ErrConfigNotFound, FileName, startDir)
}
