package subcommands

import (
	"context"
	"fmt"
	"io"

	"PocketLM/internal/config"
	"PocketLM/internal/inferbench"
	"PocketLM/internal/promptfile"
	"PocketLM/internal/runtime"
	"PocketLM/internal/store"
)

// InferBenchOptions are the infer-bench flags.
type InferBenchOptions struct {
	Iterations int
	MaxTokens  int
	Warmup     int
	Output     string
	Prompt     string
	PromptFile string
	DType      string
	CSVPath    string
	Verbose    bool
	NoSave     bool

	// Compare runs once without the tokenization cache and once with it.
	Compare bool
}

// RunInferBench executes the end-to-end inference benchmark suite.
func RunInferBench(ctx context.Context, w io.Writer, cfg config.Config, registry runtime.Registry, opts InferBenchOptions) error {
	benchCfg := inferbench.DefaultConfig()
	if opts.Iterations > 0 {
		benchCfg.Iterations = opts.Iterations
	}
	if opts.MaxTokens > 0 {
		benchCfg.MaxTokens = opts.MaxTokens
	}
	if opts.Warmup >= 0 {
		benchCfg.WarmupIterations = opts.Warmup
	}
	if opts.DType != "" {
		benchCfg.DType = opts.DType
	}
	benchCfg.OutputPath = opts.Output
	benchCfg.Verbose = opts.Verbose
	benchCfg.CSVPath = opts.CSVPath
	if benchCfg.CSVPath == "" {
		benchCfg.CSVPath = cfg.Store.CSVPath
	}

	switch {
	case opts.PromptFile != "":
		text, err := promptfile.Load(opts.PromptFile)
		if err != nil {
			return err
		}
		benchCfg.Prompts = []inferbench.Prompt{{Name: "file", Text: promptfile.ChatML(cfg.Conversation.SystemMessage, text), Repeat: true}}
	case opts.Prompt != "":
		benchCfg.Prompts = []inferbench.Prompt{{Name: "custom", Text: promptfile.ChatML(cfg.Conversation.SystemMessage, opts.Prompt), Repeat: true}}
	}

	var sink inferbench.Sink
	if !opts.NoSave && cfg.Store.Path != "" {
		st, err := store.Open(cfg.Store.Path)
		if err != nil {
			return err
		}
		defer st.Close()
		sink = st
	}

	if opts.Compare {
		return runComparison(ctx, w, cfg, registry, benchCfg, sink)
	}

	report, err := runSingle(ctx, w, cfg, registry, benchCfg, sink)
	if err != nil {
		return err
	}
	printReport(w, report)
	return nil
}

// runSingle executes one benchmark run with the given runtime config.
func runSingle(ctx context.Context, w io.Writer, cfg config.Config, registry runtime.Registry, benchCfg inferbench.Config, sink inferbench.Sink) (*inferbench.BenchmarkReport, error) {
	mgr, err := runtime.NewManager(cfg.Runtime, registry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize runtime: %w", err)
	}
	defer mgr.Close()

	info := mgr.Info()
	fmt.Fprintf(w, "PocketLM Inference Benchmark\n")
	fmt.Fprintf(w, "Backend: %s  Model: %s\n", info.Backend, info.Model.Description)
	fmt.Fprintf(w, "Iterations: %d (warmup: %d)\n", benchCfg.Iterations, benchCfg.WarmupIterations)
	fmt.Fprintf(w, "Max tokens: %d  Token cache: %v\n", benchCfg.MaxTokens, info.TokenCache != nil)

	opts := []inferbench.Option{inferbench.WithOutput(w), inferbench.WithSystemInfo(info.SystemInfo)}
	if sink != nil {
		opts = append(opts, inferbench.WithSink(sink))
	}
	report, err := inferbench.NewRunner(mgr, benchCfg, opts...).Run(ctx)
	if err != nil {
		return nil, fmt.Errorf("benchmark failed: %w", err)
	}
	return report, nil
}

// runComparison runs a baseline without the tokenization cache and then the
// configured run, and prints the delta.
func runComparison(ctx context.Context, w io.Writer, cfg config.Config, registry runtime.Registry, benchCfg inferbench.Config, sink inferbench.Sink) error {
	fmt.Fprintf(w, "=== BASELINE (token cache off) ===\n")
	baselineCfg := cfg
	baselineCfg.Runtime.TokenCache.Enabled = false
	baseBench := benchCfg
	baseBench.OutputPath = ""
	baseReport, err := runSingle(ctx, w, baselineCfg, registry, baseBench, sink)
	if err != nil {
		return fmt.Errorf("baseline: %w", err)
	}

	fmt.Fprintf(w, "\n=== TOKEN CACHE ON ===\n")
	optCfg := cfg
	optCfg.Runtime.TokenCache.Enabled = true
	optReport, err := runSingle(ctx, w, optCfg, registry, benchCfg, sink)
	if err != nil {
		return fmt.Errorf("cached: %w", err)
	}

	fmt.Fprintf(w, "\n=== COMPARISON (baseline vs cached) ===\n")
	printComparison(w, baseReport, optReport)
	return nil
}

// printReport prints the final summary for a benchmark run.
func printReport(w io.Writer, report *inferbench.BenchmarkReport) {
	fmt.Fprintf(w, "\n=== Final Summary ===\n")
	for _, s := range report.Summaries {
		fmt.Fprintf(w, "\n[%s]\n", s.Name)
		fmt.Fprintf(w, "  TTFT:       avg=%v  p95=%v\n", s.TTFT.Mean, s.TTFT.P95)
		fmt.Fprintf(w, "  Gen TPS:    avg=%.1f  p95=%.1f\n", s.GenerationTPS.Mean, s.GenerationTPS.P95)
		fmt.Fprintf(w, "  Prompt TPS: avg=%.1f\n", s.PromptTPS.Mean)
		if s.PeakRSSBytes > 0 {
			fmt.Fprintf(w, "  Peak RSS:   %.1f MB\n", float64(s.PeakRSSBytes)/(1024*1024))
		}
		if s.RepeatImprove != 0 {
			fmt.Fprintf(w, "  Repeat:     TTFT %.1f%% faster\n", s.RepeatImprove)
		}
		if s.Errors > 0 {
			fmt.Fprintf(w, "  Errors:     %d\n", s.Errors)
		}
	}
	if report.ProcessPeak > 0 {
		fmt.Fprintf(w, "\nProcess peak RSS: %.1f MB\n", float64(report.ProcessPeak)/(1024*1024))
	}
}

// printComparison prints a side-by-side delta table for two benchmark reports.
func printComparison(w io.Writer, base, opt *inferbench.BenchmarkReport) {
	optMap := make(map[string]inferbench.PromptSummary, len(opt.Summaries))
	for _, s := range opt.Summaries {
		optMap[s.Name] = s
	}

	fmt.Fprintf(w, "%-15s  %12s  %12s  %10s\n", "Metric", "Baseline", "Cached", "Delta")
	fmt.Fprintf(w, "%-15s  %12s  %12s  %10s\n", "------", "--------", "------", "-----")

	for _, bs := range base.Summaries {
		os, ok := optMap[bs.Name]
		if !ok {
			continue
		}
		fmt.Fprintf(w, "\n[%s]\n", bs.Name)
		fmt.Fprintf(w, "  %-13s  %12v  %12v  %+9.1f%%\n", "TTFT avg",
			bs.TTFT.Mean, os.TTFT.Mean, deltaPercent(float64(bs.TTFT.Mean), float64(os.TTFT.Mean)))
		fmt.Fprintf(w, "  %-13s  %12.1f  %12.1f  %+9.1f%%\n", "Prompt TPS",
			bs.PromptTPS.Mean, os.PromptTPS.Mean, deltaPercent(bs.PromptTPS.Mean, os.PromptTPS.Mean))
		fmt.Fprintf(w, "  %-13s  %12.1f  %12.1f  %+9.1f%%\n", "Gen TPS avg",
			bs.GenerationTPS.Mean, os.GenerationTPS.Mean, deltaPercent(bs.GenerationTPS.Mean, os.GenerationTPS.Mean))
		fmt.Fprintf(w, "  %-13s  %12v  %12v  %+9.1f%%\n", "Duration avg",
			bs.Duration.Mean, os.Duration.Mean, deltaPercent(float64(bs.Duration.Mean), float64(os.Duration.Mean)))
		if bs.PeakRSSBytes > 0 || os.PeakRSSBytes > 0 {
			fmt.Fprintf(w, "  %-13s  %10.1f MB  %10.1f MB  %+9.1f%%\n", "Peak RSS",
				float64(bs.PeakRSSBytes)/(1024*1024),
				float64(os.PeakRSSBytes)/(1024*1024),
				deltaPercent(float64(bs.PeakRSSBytes), float64(os.PeakRSSBytes)))
		}
	}
}

// deltaPercent computes the percentage change from baseline to optimized.
// Negative means faster/less, positive means slower/more.
func deltaPercent(baseline, optimized float64) float64 {
	if baseline == 0 {
		return 0
	}
	return (optimized - baseline) / baseline * 100.0
}
