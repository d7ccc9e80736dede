// Package cli provides the docbridge command-line interface.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	abi "github.com/woxQAQ/docbridge/api/wasm"
	"github.com/woxQAQ/docbridge/internal/catalog"
	"github.com/woxQAQ/docbridge/internal/config"
	"github.com/woxQAQ/docbridge/pkg/docbridge"
)

// App holds what the commands share. Zero fields get defaults.
type App struct {
	// Version of the CLI itself.
	Version string

	// Imports are added to the import table of every core the CLI loads.
	Imports abi.Imports

	// Logger overrides the logger built from log_level.
	Logger *zap.Logger

	// FS is used to read input files. Defaults to the OS filesystem.
	FS afero.Fs

	configPath string
	cfg        *config.Config
	logger     *zap.Logger
}

var errNoModule = errors.New("no core module configured: set --module, module.url or DOCBRIDGE_MODULE_URL")

// NewRootCmd creates the root command.
func NewRootCmd(app *App) *cobra.Command {
	if app.Version == "" {
		app.Version = "dev"
	}
	if app.FS == nil {
		app.FS = afero.NewOsFs()
	}

	rootCmd := &cobra.Command{
		Use:   "docbridge",
		Short: "Drive a document-language core compiled to WebAssembly",
		Long: `docbridge loads a compiled document-language core and runs its parser,
evaluator and serializers from the command line.`,
		Version: app.Version,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Name() == "__complete" {
				return nil
			}

			cfg, err := config.Load(app.configPath, cmd.Root().PersistentFlags())
			if err != nil {
				return err
			}
			app.cfg = cfg

			if app.Logger != nil {
				app.logger = app.Logger
				return nil
			}
			logger, err := newLogger(cfg.LogLevel)
			if err != nil {
				return fmt.Errorf("failed to create logger: %w", err)
			}
			app.logger = logger
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if app.logger != nil && app.Logger == nil {
				_ = app.logger.Sync()
			}
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&app.configPath, "config", "", "config file (YAML)")
	rootCmd.PersistentFlags().String("module", "", "core module: file path, file:// or http(s) URL")
	rootCmd.PersistentFlags().String("core", "", "name of a catalog core (overrides --module)")
	rootCmd.PersistentFlags().StringSlice("catalog", nil, "directories scanned for catalog cores")
	rootCmd.PersistentFlags().String("cache-dir", "", "compilation cache directory")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("pretty", false, "pretty-print JSON output")

	_ = rootCmd.RegisterFlagCompletionFunc("log-level", func(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective) {
		return []string{"debug", "info", "warn", "error"}, cobra.ShellCompDirectiveNoFileComp
	})

	rootCmd.AddCommand(newVersionCommand(app))
	rootCmd.AddCommand(newParseCommand(app))
	rootCmd.AddCommand(newEvalCommand(app))
	rootCmd.AddCommand(newConvertCommand(app))
	rootCmd.AddCommand(newCoresCommand(app))

	return rootCmd
}

// Execute runs the root command until ctx is done.
func Execute(ctx context.Context, app *App) error {
	rootCmd := NewRootCmd(app)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}
	return nil
}

// newLogger logs to stderr so stdout carries only command output.
func newLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}

	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

// openClient instantiates the configured core. A module.name selects a catalog core,
// otherwise module.url is loaded. The returned release closes the client and anything
// opened for it.
func (a *App) openClient(ctx context.Context) (*docbridge.Client, func(), error) {
	caps := docbridge.LocalCapabilities()
	caps.FS = a.FS

	opts := docbridge.Options{
		Imports:       a.Imports,
		Capabilities:  &caps,
		RuntimeConfig: a.cfg.Runtime(),
		Logger:        a.logger,
	}

	if a.cfg.Module.Name == "" {
		if a.cfg.Module.URL == "" {
			return nil, nil, errNoModule
		}
		opts.URL = a.cfg.Module.URL
		client, err := docbridge.New(ctx, opts)
		if err != nil {
			return nil, nil, err
		}
		return client, func() { _ = client.Close(ctx) }, nil
	}

	cat, runtime, err := a.openCatalog(ctx)
	if err != nil {
		return nil, nil, err
	}
	core, err := cat.Get(a.cfg.Module.Name)
	if err != nil {
		_ = runtime.Close(ctx)
		return nil, nil, err
	}

	opts.Module = core.Compiled.Module
	opts.Runtime = runtime
	client, err := docbridge.New(ctx, opts)
	if err != nil {
		_ = runtime.Close(ctx)
		return nil, nil, err
	}
	return client, func() {
		_ = client.Close(ctx)
		_ = runtime.Close(ctx)
	}, nil
}

// openCatalog compiles every core under catalog.paths into a fresh runtime.
func (a *App) openCatalog(ctx context.Context) (*catalog.Catalog, *docbridge.Runtime, error) {
	runtime, err := docbridge.NewRuntime(ctx, a.logger, a.cfg.Runtime())
	if err != nil {
		return nil, nil, err
	}

	cat := catalog.New(a.logger)
	if err := catalog.NewLoader(runtime, a.FS, a.logger).Discover(ctx, cat, a.cfg.Catalog.Paths); err != nil {
		_ = runtime.Close(ctx)
		return nil, nil, err
	}
	return cat, runtime, nil
}

// readInput returns the contents of path, or of in when path is empty or "-".
func (a *App) readInput(path string, in io.Reader) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(in)
	}
	return afero.ReadFile(a.FS, path)
}
