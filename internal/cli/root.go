package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"PocketLM/internal/config"
	"PocketLM/internal/logging"
	"PocketLM/internal/runtime"
)

// app carries state shared by every subcommand once the root has resolved
// the configuration.
type app struct {
	cfg      config.Config
	registry runtime.Registry

	configPath string
	logLevel   string
	logFormat  string
	backend    string
	model      string
	ctxSize    int
	batchSize  int
	threads    int
	stops      []string
}

// Execute is the entry point for the PocketLM CLI.
func Execute() int {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	root := NewRootCmd(runtime.DefaultRegistry)
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return 130
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

// NewRootCmd builds the command tree against the given engine registry.
func NewRootCmd(registry runtime.Registry) *cobra.Command {
	a := &app{registry: registry}

	root := &cobra.Command{
		Use:           "pocketlm",
		Short:         "On-device text generation with a single model session",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			logging.Close()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&a.configPath, "config", "c", "", "config file (YAML or TOML); defaults to $APP_CONFIG or ./pocketlm.yaml")
	pf.StringVar(&a.logLevel, "log-level", "", "log level: debug|info|warn|error")
	pf.StringVar(&a.logFormat, "log-format", "", "log format: console|json")
	pf.StringVar(&a.backend, "backend", "", "engine backend name")
	pf.StringVarP(&a.model, "model", "m", "", "path to the model file")
	pf.IntVar(&a.ctxSize, "ctx-size", 0, "context window in tokens")
	pf.IntVar(&a.batchSize, "batch-size", 0, "prompt batch capacity in tokens")
	pf.IntVar(&a.threads, "threads", 0, "generation threads")
	pf.StringArrayVar(&a.stops, "stop", nil, "stop string (repeatable)")

	root.AddCommand(
		newGenerateCmd(a),
		newChatCmd(a),
		newBenchCmd(a),
		newInferBenchCmd(a),
		newServeCmd(a),
		newReportCmd(a),
		newConfigCmd(a),
		newSysinfoCmd(a),
	)
	return root
}

// load resolves the config, applies flag overrides and sets up logging.
func (a *app) load(cmd *cobra.Command) error {
	var (
		cfg config.Config
		err error
	)
	if a.configPath != "" {
		cfg, err = config.ResolveFile(a.configPath)
	} else {
		cfg, err = config.Resolve()
	}
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("backend") {
		cfg.Runtime.Backend = a.backend
	}
	if flags.Changed("model") {
		cfg.Runtime.ModelPath = a.model
	}
	if flags.Changed("ctx-size") {
		cfg.Runtime.ContextSize = a.ctxSize
	}
	if flags.Changed("batch-size") {
		cfg.Runtime.BatchSize = a.batchSize
	}
	if flags.Changed("threads") {
		cfg.Runtime.Threads = a.threads
	}
	if flags.Changed("stop") {
		cfg.Runtime.Stop = a.stops
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = a.logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = a.logFormat
	}

	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg

	// The full-screen chat owns the terminal, so its logs go to a file.
	if cmd.Name() == "chat" {
		if plain, _ := flags.GetBool("plain"); !plain {
			return logging.Init(true, cfg.Log.Level)
		}
	}
	logging.SetOutput(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)
	return nil
}
