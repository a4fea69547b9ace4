package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/vhqtvn/krakatau-wasm/internal/commands"
	"github.com/vhqtvn/krakatau-wasm/internal/config"
)

var (
	// Build information. Populated at build-time via -ldflags flag.
	version = "dev"
	commit  = "HEAD"
	date    = "now"
)

func build() string {
	short := commit
	if len(commit) > 7 {
		short = commit[:7]
	}

	return fmt.Sprintf("%s (%s) %s", version, short, date)
}

func main() {
	ctrl := &commands.Controller{
		Flags: &commands.Flags{},
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	app := &cli.Command{
		Name:    "krakatau",
		Usage:   "Java byte-code decompiler and assembler served from a WebAssembly engine",
		Version: build(),
		Flags:   rootFlags(),
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			level, err := zerolog.ParseLevel(c.String("log-level"))
			if err != nil {
				return ctx, fmt.Errorf("failed to parse log level: %w", err)
			}

			log.Logger = log.Level(level)
			ctrl.Flags.LogLevel = c.String("log-level")
			ctrl.Flags.ConfigPath = c.String("config")
			ctrl.Logger = log.Logger

			return ctx, nil
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Serve the decompile and assemble endpoints over HTTP",
				Flags: serveFlags(),
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := resolveConfig(c)
					if err != nil {
						return err
					}
					ctrl.Config = cfg
					return ctrl.Serve(ctx)
				},
			},
			{
				Name:      "run",
				Usage:     "Decompile one class file to stdout",
				ArgsUsage: "<class-file>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "roundtrip", Usage: "emit output that reassembles to the identical class"},
					&cli.BoolFlag{Name: "no-short-code-attr", Usage: "disable the short Code attribute form"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := resolveConfig(c)
					if err != nil {
						return err
					}
					ctrl.Config = cfg
					return ctrl.Run(ctx, c.Args().First(), commands.RunOptions{
						Roundtrip:       c.Bool("roundtrip"),
						NoShortCodeAttr: c.Bool("no-short-code-attr"),
					})
				},
			},
			{
				Name:      "assemble",
				Usage:     "Assemble one .j source file into class files",
				ArgsUsage: "<source.j>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "out", Usage: "output directory", Value: "."},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := resolveConfig(c)
					if err != nil {
						return err
					}
					ctrl.Config = cfg
					return ctrl.Assemble(ctx, c.Args().First(), commands.AssembleOptions{
						OutDir: c.String("out"),
					})
				},
			},
		},
	}

	ctx := context.Background()

	if err := app.Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "log level (debug, info, warn, error, fatal, panic)",
			Sources: cli.EnvVars("LOG_LEVEL"),
			Value:   "info",
		},
		&cli.StringFlag{
			Name:    "config",
			Usage:   "path to a " + config.FileName + " file",
			Sources: cli.EnvVars("KRAKATAU_CONFIG"),
		},
		&cli.StringFlag{
			Name:    "module",
			Usage:   "path to the engine .wasm module",
			Sources: cli.EnvVars("KRAKATAU_WASM"),
		},
		&cli.StringFlag{
			Name:    "compilation-cache-dir",
			Usage:   "directory for the compiled engine cache",
			Sources: cli.EnvVars("WAZERO_CACHE_DIR"),
		},
		&cli.DurationFlag{
			Name:    "acquire-timeout",
			Usage:   "how long a request waits for the engine (0 waits indefinitely)",
			Sources: cli.EnvVars("ENGINE_ACQUIRE_TIMEOUT"),
		},
	}
}

func serveFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "host", Usage: "bind host", Sources: cli.EnvVars("HOST")},
		&cli.IntFlag{Name: "port", Usage: "bind port", Sources: cli.EnvVars("PORT")},
		&cli.StringFlag{Name: "decompile-endpoint", Usage: "decompile route", Sources: cli.EnvVars("DECOMPILE_ENDPOINT")},
		&cli.StringFlag{Name: "assemble-endpoint", Usage: "assemble route", Sources: cli.EnvVars("ASSEMBLE_ENDPOINT")},
		&cli.StringFlag{Name: "auth-user", Usage: "basic auth username", Sources: cli.EnvVars("AUTH_USER")},
		&cli.StringFlag{Name: "auth-password", Usage: "basic auth password", Sources: cli.EnvVars("AUTH_PASSWORD")},
		&cli.StringFlag{Name: "auth-token-header", Usage: "token header name", Sources: cli.EnvVars("AUTH_TOKEN_HEADER")},
		&cli.StringFlag{Name: "auth-token-value", Usage: "token header value", Sources: cli.EnvVars("AUTH_TOKEN_VALUE")},
		&cli.BoolFlag{Name: "eager", Usage: "load the engine at startup", Sources: cli.EnvVars("ENGINE_EAGER")},
		&cli.IntFlag{Name: "max-body-bytes", Usage: "request body limit", Sources: cli.EnvVars("MAX_BODY_BYTES")},
		&cli.IntFlag{Name: "result-cache-size", Usage: "number of results to memoize (0 disables)", Sources: cli.EnvVars("RESULT_CACHE_SIZE")},
	}
}

// resolveConfig layers the config file (--config, else the nearest krakatau.json), then
// explicitly set flags and environment variables.
func resolveConfig(c *cli.Command) (*config.Config, error) {
	cfg := config.Default()
	if path := c.String("config"); path != "" {
		loaded, err := config.LoadConfigFromPath(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		found, _, err := config.LoadConfig()
		switch {
		case err == nil:
			cfg = found
		case !errors.Is(err, config.ErrConfigNotFound):
			return nil, err
		}
	}

	stringFlags := map[string]*string{
		"module":                &cfg.ModulePath,
		"compilation-cache-dir": &cfg.CompilationCacheDir,
		"host":                  &cfg.Host,
		"decompile-endpoint":    &cfg.DecompileEndpoint,
		"assemble-endpoint":     &cfg.AssembleEndpoint,
		"auth-user":             &cfg.Auth.Username,
		"auth-password":         &cfg.Auth.Password,
		"auth-token-header":     &cfg.Auth.TokenHeader,
		"auth-token-value":      &cfg.Auth.TokenValue,
	}
	for name, dst := range stringFlags {
		if c.IsSet(name) {
			*dst = c.String(name)
		}
	}

	if c.IsSet("port") {
		cfg.Port = int(c.Int("port"))
	}
	if c.IsSet("max-body-bytes") {
		cfg.MaxBodyBytes = int64(c.Int("max-body-bytes"))
	}
	if c.IsSet("result-cache-size") {
		cfg.Engine.CacheSize = int(c.Int("result-cache-size"))
	}
	if c.IsSet("eager") {
		cfg.Engine.EagerLoad = c.Bool("eager")
	}
	if c.IsSet("acquire-timeout") {
		cfg.Engine.AcquireTimeout = config.Duration(c.Duration("acquire-timeout"))
	}

	cfg.ApplyDefaults()
	return cfg, nil
}
