package cli

import (
	"errors"
	"strings"

	"github.com/spf13/cobra"

	"PocketLM/internal/cli/subcommands"
	"PocketLM/internal/promptfile"
)

func newGenerateCmd(a *app) *cobra.Command {
	var (
		opts   subcommands.ChatOptions
		file   string
		remote string
		seed   uint32
	)
	cmd := &cobra.Command{
		Use:   "generate [prompt]",
		Short: "Generate a completion for one prompt",
		Example: "  pocketlm generate \"Write a haiku about rain\"\n" +
			"  pocketlm generate --file notes.pdf --stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			input := strings.Join(args, " ")
			if file != "" {
				text, err := promptfile.Load(file)
				if err != nil {
					return err
				}
				if input != "" {
					text = input + "\n\n" + text
				}
				input = text
			}
			if strings.TrimSpace(input) == "" {
				return errors.New("generate requires a prompt argument or --file")
			}
			if cmd.Flags().Changed("seed") {
				opts.Seed = seed
			}
			if remote != "" {
				return subcommands.RunRemoteGenerate(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), a.cfg, remote, input, opts)
			}
			return subcommands.RunGenerate(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), a.cfg, a.registry, input, opts)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&file, "file", "f", "", "read the prompt from a text, markdown or PDF file")
	f.BoolVarP(&opts.Stream, "stream", "s", false, "print tokens as they are generated")
	f.BoolVar(&opts.ShowStats, "stats", false, "print timing statistics")
	f.BoolVar(&opts.Raw, "raw", false, "send the prompt without the chat template")
	f.StringVar(&opts.System, "system", "", "system message for the chat template")
	f.StringVar(&remote, "remote", "", "send the prompt to a running server, e.g. http://127.0.0.1:42068")
	addSamplingFlags(cmd, &opts, &seed)
	return cmd
}

func newChatCmd(a *app) *cobra.Command {
	var (
		opts  subcommands.ChatOptions
		plain bool
		seed  uint32
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive multi-turn chat",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("seed") {
				opts.Seed = seed
			}
			if plain {
				return subcommands.RunCli(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), a.cfg, a.registry, opts)
			}
			return subcommands.RunTui(cmd.Context(), a.cfg, a.registry, opts)
		},
	}
	f := cmd.Flags()
	f.BoolVar(&plain, "plain", false, "line-based chat instead of the full-screen interface")
	f.BoolVar(&opts.Stream, "stream", true, "print tokens as they are generated")
	f.BoolVar(&opts.ShowStats, "stats", false, "print timing statistics after each reply")
	f.BoolVar(&opts.Raw, "raw", false, "send input without the chat template")
	f.StringVar(&opts.System, "system", "", "system message for the chat template")
	f.IntVar(&opts.HistoryTurns, "history", 4, "number of previous turns replayed into each prompt")
	addSamplingFlags(cmd, &opts, &seed)
	return cmd
}

func addSamplingFlags(cmd *cobra.Command, opts *subcommands.ChatOptions, seed *uint32) {
	f := cmd.Flags()
	f.IntVarP(&opts.MaxTokens, "max-tokens", "n", 0, "generation limit (0 uses the config default)")
	f.Float64Var(&opts.Temperature, "temperature", 0, "sampling temperature (0 uses the config default)")
	f.IntVar(&opts.TopK, "top-k", 0, "top-k sampling (0 uses the config default)")
	f.Uint32Var(seed, "seed", 0, "sampling seed")
}

func newBenchCmd(a *app) *cobra.Command {
	var opts subcommands.BenchOptions
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure prompt processing and generation throughput",
		Long: "Runs the pp/tg benchmark: nr repetitions of a pp-token prompt batch\n" +
			"and tg single-token decodes, reported as mean ± stddev tokens per second.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return subcommands.RunBench(cmd.Context(), cmd.OutOrStdout(), a.cfg, a.registry, opts)
		},
	}
	f := cmd.Flags()
	f.IntVar(&opts.PP, "pp", 0, "prompt tokens per trial")
	f.IntVar(&opts.TG, "tg", 0, "generated tokens per trial")
	f.IntVar(&opts.PL, "pl", 0, "parallel sequences")
	f.IntVar(&opts.NR, "nr", 0, "repetitions")
	f.BoolVar(&opts.Plain, "plain", false, "print the raw markdown table")
	f.BoolVar(&opts.NoSave, "no-save", false, "do not record the run in the history store")
	f.IntVar(&opts.Width, "width", 100, "render width for the styled table")
	return cmd
}

func newInferBenchCmd(a *app) *cobra.Command {
	var opts subcommands.InferBenchOptions
	cmd := &cobra.Command{
		Use:   "infer-bench",
		Short: "End-to-end latency benchmark over a prompt suite",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return subcommands.RunInferBench(cmd.Context(), cmd.OutOrStdout(), a.cfg, a.registry, opts)
		},
	}
	f := cmd.Flags()
	f.IntVar(&opts.Iterations, "iterations", 0, "measured iterations per prompt")
	f.IntVar(&opts.MaxTokens, "max-tokens", 0, "generation limit per iteration")
	f.IntVar(&opts.Warmup, "warmup", -1, "warmup iterations per prompt (-1 uses the default)")
	f.StringVarP(&opts.Output, "output", "o", "", "write the JSON report to this file")
	f.StringVar(&opts.Prompt, "prompt", "", "benchmark a single custom prompt")
	f.StringVar(&opts.PromptFile, "prompt-file", "", "benchmark a prompt loaded from a file")
	f.StringVar(&opts.DType, "dtype", "", "label recorded with each CSV row")
	f.StringVar(&opts.CSVPath, "csv", "", "generation log path (defaults to store.csv_path)")
	f.BoolVarP(&opts.Verbose, "verbose", "v", false, "print every iteration")
	f.BoolVar(&opts.NoSave, "no-save", false, "do not record results in the history store")
	f.BoolVar(&opts.Compare, "compare", false, "compare runs with the token cache off and on")
	return cmd
}

func newServeCmd(a *app) *cobra.Command {
	var opts subcommands.ServeOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve generation over TCP and HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return subcommands.RunServe(cmd.Context(), cmd.OutOrStdout(), a.cfg, a.registry, opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.Host, "host", "", "listen address")
	f.IntVar(&opts.Port, "port", 0, "TCP line protocol port")
	f.IntVar(&opts.HTTPPort, "http-port", 0, "HTTP API port")
	f.BoolVar(&opts.NoTCP, "no-tcp", false, "disable the TCP listener")
	f.BoolVar(&opts.NoHTTP, "no-http", false, "disable the HTTP listener")
	return cmd
}

func newReportCmd(a *app) *cobra.Command {
	var opts subcommands.ReportOptions
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Summarize recorded benchmark runs and generations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return subcommands.RunReport(cmd.Context(), cmd.OutOrStdout(), a.cfg, opts)
		},
	}
	cmd.Flags().IntVar(&opts.Limit, "limit", 10, "number of benchmark runs to show")
	cmd.Flags().StringVar(&opts.CSVPath, "csv", "", "generation log path (defaults to store.csv_path)")
	return cmd
}

func newConfigCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return subcommands.RunConfig(cmd.OutOrStdout(), a.cfg)
		},
	}
}

func newSysinfoCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sysinfo",
		Short: "Show registered backends and model details",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return subcommands.RunSysinfo(cmd.OutOrStdout(), a.cfg, a.registry)
		},
	}
}
