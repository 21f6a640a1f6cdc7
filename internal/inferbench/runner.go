// Package inferbench measures end-to-end generation performance through the
// runtime: time to first token, throughput and process memory per request.
// Iterations can be appended to the CSV generation log and the run store.
package inferbench

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"

	"PocketLM/internal/logging"
	"PocketLM/internal/promptfile"
	"PocketLM/internal/runtime"
	"PocketLM/internal/store"
)

// Generator is the part of runtime.Manager the runner needs.
type Generator interface {
	Generate(ctx context.Context, req runtime.Request) (runtime.Response, error)
}

// Sink receives one record per measured iteration.
type Sink interface {
	SaveGeneration(ctx context.Context, g store.Generation) error
}

// Config controls the benchmark parameters.
type Config struct {
	Iterations       int `json:"iterations"`
	WarmupIterations int `json:"warmup_iterations"`
	MaxTokens        int `json:"max_tokens"`

	// Prompts to benchmark. If empty, StandardPrompts() is used.
	Prompts []Prompt `json:"prompts"`

	// DType labels the model build in the CSV log, e.g. "q4_0".
	DType string `json:"dtype"`

	OutputPath string `json:"output_path,omitempty"`
	CSVPath    string `json:"csv_path,omitempty"`

	// MemInterval is the RSS polling period during a generation.
	MemInterval time.Duration `json:"mem_interval_ns"`

	Verbose bool `json:"-"`
}

// DefaultConfig returns reasonable defaults for edge benchmarking.
func DefaultConfig() Config {
	return Config{
		Iterations:       5,
		WarmupIterations: 1,
		MaxTokens:        128,
		DType:            "unknown",
		MemInterval:      10 * time.Millisecond,
	}
}

// Prompt is a single benchmark prompt with metadata.
type Prompt struct {
	Name string `json:"name"`
	Text string `json:"-"`
	// Repeat runs the same prompt twice in a row to measure warm tokenization.
	Repeat bool `json:"repeat,omitempty"`
}

// StandardPrompts returns ChatML prompts of increasing length.
func StandardPrompts() []Prompt {
	const sys = "You are a helpful assistant."
	return []Prompt{
		{Name: "short", Text: promptfile.ChatML(sys, "Hello!")},
		{Name: "medium", Text: promptfile.ChatML(sys+" Answer clearly and concisely.",
			"Explain the difference between a stack and a queue. Give a real-world analogy for each.")},
		{Name: "long", Text: promptfile.ChatML(sys+" You specialise in science and technology.",
			"I'm building a small weather station with a single-board computer. I want to measure temperature, "+
				"humidity, barometric pressure, wind speed and rainfall. Which sensors should I use, how should I wire "+
				"them, and what software would you recommend for logging every five minutes and serving a dashboard "+
				"on my local network?")},
		{Name: "repeat", Text: promptfile.ChatML(sys, "What is the capital of France?"), Repeat: true},
	}
}

// IterationResult captures metrics from a single generation call.
type IterationResult struct {
	PromptName      string        `json:"prompt_name"`
	Iteration       int           `json:"iteration"`
	TTFT            time.Duration `json:"ttft_ns"`
	Duration        time.Duration `json:"duration_ns"`
	TokensEvaluated int           `json:"tokens_evaluated"`
	TokensGenerated int           `json:"tokens_generated"`
	PromptTPS       float64       `json:"prompt_tps"`
	GenerationTPS   float64       `json:"generation_tps"`
	DecodeFailures  int           `json:"decode_failures,omitempty"`
	Finish          string        `json:"finish"`
	AvgRSSBytes     int64         `json:"avg_rss_bytes"`
	PeakRSSBytes    int64         `json:"peak_rss_bytes"`
	PromptChars     int           `json:"prompt_chars"`
	ResponseChars   int           `json:"response_chars"`
	Error           string        `json:"error,omitempty"`
}

// Generation converts the result into a log record.
func (r IterationResult) Generation(dtype string, at time.Time) store.Generation {
	return store.Generation{
		DType:         dtype,
		Timestamp:     at,
		TTFTMillis:    float64(r.TTFT) / float64(time.Millisecond),
		Tokens:        r.TokensGenerated,
		TPS:           r.GenerationTPS,
		PeakMemMB:     float64(r.PeakRSSBytes) / (1024 * 1024),
		AvgMemMB:      float64(r.AvgRSSBytes) / (1024 * 1024),
		PromptChars:   r.PromptChars,
		ResponseChars: r.ResponseChars,
	}
}

// PromptSummary aggregates results across iterations for a single prompt.
type PromptSummary struct {
	Name           string        `json:"name"`
	Iterations     int           `json:"iterations"`
	TTFT           DurationStats `json:"ttft"`
	Duration       DurationStats `json:"duration"`
	PromptTPS      FloatStats    `json:"prompt_tps"`
	GenerationTPS  FloatStats    `json:"generation_tps"`
	AvgTokensGen   float64       `json:"avg_tokens_generated"`
	RepeatImprove  float64       `json:"repeat_ttft_improvement_pct,omitempty"`
	PeakRSSBytes   int64         `json:"peak_rss_bytes"`
	DecodeFailures int           `json:"decode_failures,omitempty"`
	Errors         int           `json:"errors"`
}

// BenchmarkReport is the top-level result container.
type BenchmarkReport struct {
	Timestamp   time.Time         `json:"timestamp"`
	Config      Config            `json:"config"`
	SystemInfo  string            `json:"system_info,omitempty"`
	ProcessPeak int64             `json:"process_peak_rss_bytes"`
	Summaries   []PromptSummary   `json:"summaries"`
	Raw         []IterationResult `json:"raw_results,omitempty"`
}

// Runner executes inference benchmarks against a Generator.
type Runner struct {
	gen  Generator
	cfg  Config
	out  io.Writer
	sink Sink
	info string
}

// Option customises a Runner.
type Option func(*Runner)

// WithOutput sets where progress and summaries are printed.
func WithOutput(w io.Writer) Option { return func(r *Runner) { r.out = w } }

// WithSink records each measured iteration, e.g. in a *store.Store.
func WithSink(s Sink) Option { return func(r *Runner) { r.sink = s } }

// WithSystemInfo stores the backend description in the report.
func WithSystemInfo(info string) Option { return func(r *Runner) { r.info = info } }

// NewRunner creates a benchmark runner.
func NewRunner(gen Generator, cfg Config, opts ...Option) *Runner {
	if len(cfg.Prompts) == 0 {
		cfg.Prompts = StandardPrompts()
	}
	if cfg.Iterations <= 0 {
		cfg.Iterations = 1
	}
	if cfg.MemInterval <= 0 {
		cfg.MemInterval = 10 * time.Millisecond
	}
	if cfg.DType == "" {
		cfg.DType = "unknown"
	}
	r := &Runner{gen: gen, cfg: cfg, out: io.Discard}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes the full benchmark suite and returns a report.
func (r *Runner) Run(ctx context.Context) (*BenchmarkReport, error) {
	log := logging.With("inferbench")
	report := &BenchmarkReport{
		Timestamp:  time.Now(),
		Config:     r.cfg,
		SystemInfo: r.info,
	}

	for _, prompt := range r.cfg.Prompts {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		fmt.Fprintf(r.out, "\n--- Benchmark: %s ---\n", prompt.Name)

		results := r.benchmarkPrompt(ctx, prompt)
		report.Raw = append(report.Raw, results...)
		summary := summarize(prompt, results)
		report.Summaries = append(report.Summaries, summary)

		printSummary(r.out, summary)
		log.Info().Str("prompt", prompt.Name).Int("iterations", summary.Iterations).
			Float64("gen_tps", summary.GenerationTPS.Mean).Dur("ttft", summary.TTFT.Mean).Msg("prompt benchmarked")
	}
	report.ProcessPeak = peakRSS()

	if r.cfg.OutputPath != "" {
		if err := saveReport(report, r.cfg.OutputPath); err != nil {
			log.Warn().Err(err).Str("path", r.cfg.OutputPath).Msg("failed to save report")
		} else {
			fmt.Fprintf(r.out, "\nResults saved to %s\n", r.cfg.OutputPath)
		}
	}

	return report, nil
}

// benchmarkPrompt runs warmup and recorded iterations for a single prompt.
func (r *Runner) benchmarkPrompt(ctx context.Context, prompt Prompt) []IterationResult {
	for i := 0; i < r.cfg.WarmupIterations; i++ {
		if r.cfg.Verbose {
			fmt.Fprintf(r.out, "  warmup %d/%d...\n", i+1, r.cfg.WarmupIterations)
		}
		_, _ = r.runOnce(ctx, prompt, -1)
	}

	var results []IterationResult
	for i := 0; i < r.cfg.Iterations; i++ {
		if ctx.Err() != nil {
			break
		}
		if r.cfg.Verbose {
			fmt.Fprintf(r.out, "  iteration %d/%d...\n", i+1, r.cfg.Iterations)
		}
		results = append(results, r.record(ctx, prompt, prompt.Name, i))

		if prompt.Repeat {
			results = append(results, r.record(ctx, prompt, prompt.Name+"-repeat", i))
		}
	}
	return results
}

// record runs one measured iteration and forwards it to the CSV log and sink.
func (r *Runner) record(ctx context.Context, prompt Prompt, name string, i int) IterationResult {
	res, err := r.runOnce(ctx, prompt, i)
	res.PromptName = name
	if err != nil {
		res.Error = err.Error()
		return res
	}

	log := logging.With("inferbench")
	g := res.Generation(r.cfg.DType, time.Now())
	if r.cfg.CSVPath != "" {
		if err := store.AppendCSV(r.cfg.CSVPath, g); err != nil {
			log.Warn().Err(err).Str("path", r.cfg.CSVPath).Msg("failed to append generation log")
		}
	}
	if r.sink != nil {
		if err := r.sink.SaveGeneration(ctx, g); err != nil {
			log.Warn().Err(err).Msg("failed to store generation")
		}
	}
	return res
}

// runOnce executes a single Generate call and captures metrics.
func (r *Runner) runOnce(ctx context.Context, prompt Prompt, iteration int) (IterationResult, error) {
	req := runtime.Request{
		Prompt: prompt.Text,
		Options: runtime.GenerationOptions{
			MaxTokens:    r.cfg.MaxTokens,
			ParseSpecial: true,
		},
	}

	mem := newMemSampler(r.cfg.MemInterval, readRSS)
	mem.Start()
	resp, err := r.gen.Generate(ctx, req)
	avg, peak := mem.Stop()

	result := IterationResult{
		PromptName:   prompt.Name,
		Iteration:    iteration,
		AvgRSSBytes:  avg,
		PeakRSSBytes: peak,
		PromptChars:  len([]rune(prompt.Text)),
	}
	if err != nil {
		return result, err
	}

	result.TTFT = resp.Stats.TTFT
	result.Duration = resp.Stats.Duration
	result.TokensEvaluated = resp.Stats.TokensEvaluated
	result.TokensGenerated = resp.Stats.TokensGenerated
	result.PromptTPS = resp.Stats.PromptTPS
	result.GenerationTPS = resp.Stats.GenerationTPS
	result.DecodeFailures = resp.Stats.DecodeFailures
	result.Finish = resp.Finish
	result.ResponseChars = len([]rune(resp.Text))

	if r.cfg.Verbose {
		fmt.Fprintf(r.out, "    TTFT=%v  gen=%d tok @ %.1f tok/s  finish=%s\n",
			result.TTFT.Round(time.Millisecond),
			result.TokensGenerated,
			result.GenerationTPS,
			result.Finish)
	}

	return result, nil
}

// summarize computes aggregate statistics for a prompt's results.
func summarize(prompt Prompt, results []IterationResult) PromptSummary {
	summary := PromptSummary{Name: prompt.Name}

	valid, failed := split(results, prompt.Name)
	summary.Iterations = len(valid)
	summary.Errors = failed
	if len(valid) == 0 {
		return summary
	}

	summary.TTFT = spreadOf(pluck(valid, func(r IterationResult) time.Duration { return r.TTFT }))
	summary.Duration = spreadOf(pluck(valid, func(r IterationResult) time.Duration { return r.Duration }))
	summary.PromptTPS = spreadOf(pluck(valid, func(r IterationResult) float64 { return r.PromptTPS }))
	summary.GenerationTPS = spreadOf(pluck(valid, func(r IterationResult) float64 { return r.GenerationTPS }))

	var tokGenSum float64
	for _, r := range valid {
		tokGenSum += float64(r.TokensGenerated)
		summary.DecodeFailures += r.DecodeFailures
		summary.PeakRSSBytes = max(summary.PeakRSSBytes, r.PeakRSSBytes)
	}
	summary.AvgTokensGen = tokGenSum / float64(len(valid))

	if prompt.Repeat && summary.TTFT.Mean > 0 {
		if warmRuns, _ := split(results, prompt.Name+"-repeat"); len(warmRuns) > 0 {
			warm := spreadOf(pluck(warmRuns, func(r IterationResult) time.Duration { return r.TTFT }))
			improvement := float64(summary.TTFT.Mean-warm.Mean) / float64(summary.TTFT.Mean) * 100
			summary.RepeatImprove = math.Round(improvement*10) / 10
		}
	}

	return summary
}

func printSummary(w io.Writer, s PromptSummary) {
	fmt.Fprintf(w, "  TTFT:       min=%v  avg=%v  p95=%v\n",
		s.TTFT.Min.Round(time.Millisecond),
		s.TTFT.Mean.Round(time.Millisecond),
		s.TTFT.P95.Round(time.Millisecond))
	fmt.Fprintf(w, "  Duration:   min=%v  avg=%v  p95=%v\n",
		s.Duration.Min.Round(time.Millisecond),
		s.Duration.Mean.Round(time.Millisecond),
		s.Duration.P95.Round(time.Millisecond))
	fmt.Fprintf(w, "  Gen TPS:    min=%.1f  avg=%.1f  p95=%.1f\n",
		s.GenerationTPS.Min, s.GenerationTPS.Mean, s.GenerationTPS.P95)
	fmt.Fprintf(w, "  Prompt TPS: min=%.1f  avg=%.1f  p95=%.1f\n",
		s.PromptTPS.Min, s.PromptTPS.Mean, s.PromptTPS.P95)
	fmt.Fprintf(w, "  Tokens:     avg_gen=%.0f\n", s.AvgTokensGen)
	if s.PeakRSSBytes > 0 {
		fmt.Fprintf(w, "  RSS:        peak=%.1f MB\n", float64(s.PeakRSSBytes)/(1024*1024))
	}
	if s.RepeatImprove != 0 {
		fmt.Fprintf(w, "  Repeat:     TTFT improvement=%.1f%%\n", s.RepeatImprove)
	}
	if s.DecodeFailures > 0 {
		fmt.Fprintf(w, "  Decode:     %d failed steps\n", s.DecodeFailures)
	}
	if s.Errors > 0 {
		fmt.Fprintf(w, "  Errors:     %d/%d\n", s.Errors, s.Iterations+s.Errors)
	}
}

func saveReport(report *BenchmarkReport, path string) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0o644)
}
