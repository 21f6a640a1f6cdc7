package inferbench

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PocketLM/internal/config"
	"PocketLM/internal/engine"
	"PocketLM/internal/engine/sim"
	"PocketLM/internal/runtime"
	"PocketLM/internal/store"
)

func TestSpreadOf(t *testing.T) {
	tests := []struct {
		name string
		in   []float64
		want FloatStats
	}{
		{"empty", nil, FloatStats{}},
		{"single", []float64{42}, FloatStats{Min: 42, Max: 42, Mean: 42, Median: 42, P95: 42}},
		{"odd", []float64{10, 20, 30, 40, 50}, FloatStats{Min: 10, Max: 50, Mean: 30, Median: 30, P95: 50}},
		{"even", []float64{10, 20, 30, 40}, FloatStats{Min: 10, Max: 40, Mean: 25, Median: 25, P95: 40}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, spreadOf(tt.in))
		})
	}

	t.Run("input untouched", func(t *testing.T) {
		in := []float64{50, 10, 30, 20, 40}
		s := spreadOf(in)
		assert.Equal(t, 10.0, s.Min)
		assert.Equal(t, 50.0, s.Max)
		assert.Equal(t, []float64{50, 10, 30, 20, 40}, in)
	})

	t.Run("durations", func(t *testing.T) {
		s := spreadOf([]time.Duration{300 * time.Millisecond, 100 * time.Millisecond, 200 * time.Millisecond})
		assert.Equal(t, 100*time.Millisecond, s.Min)
		assert.Equal(t, 300*time.Millisecond, s.Max)
		assert.Equal(t, 200*time.Millisecond, s.Mean)
		assert.Equal(t, 200*time.Millisecond, s.Median)
	})
}

func TestNearestRank(t *testing.T) {
	tests := []struct {
		n, pct, want int
	}{
		{0, 95, 0},
		{1, 95, 0},
		{5, 95, 4},
		{10, 50, 4},
		{100, 95, 94},
		{100, 99, 98},
		{20, 95, 18},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, nearestRank(tt.n, tt.pct), "n=%d pct=%d", tt.n, tt.pct)
	}
}

func TestSplit(t *testing.T) {
	results := []IterationResult{
		{PromptName: "a"},
		{PromptName: "a", Error: "boom"},
		{PromptName: "b"},
		{PromptName: "a"},
	}
	ok, failed := split(results, "a")
	assert.Len(t, ok, 2)
	assert.Equal(t, 1, failed)
}

func TestSummarizeRepeat(t *testing.T) {
	prompt := Prompt{Name: "r", Text: "x", Repeat: true}
	results := []IterationResult{
		{PromptName: "r", TTFT: 200 * time.Millisecond, TokensGenerated: 50, DecodeFailures: 1, PeakRSSBytes: 10},
		{PromptName: "r-repeat", TTFT: 50 * time.Millisecond, TokensGenerated: 50},
		{PromptName: "r", Error: "boom"},
	}
	s := summarize(prompt, results)
	assert.Equal(t, 75.0, s.RepeatImprove)
	assert.Equal(t, 1, s.Iterations)
	assert.Equal(t, 1, s.Errors)
	assert.Equal(t, 1, s.DecodeFailures)
	assert.Equal(t, int64(10), s.PeakRSSBytes)
}

func TestIterationResultGeneration(t *testing.T) {
	r := IterationResult{
		TTFT: 1500 * time.Microsecond, TokensGenerated: 7, GenerationTPS: 3.5,
		PeakRSSBytes: 3 << 20, AvgRSSBytes: 1 << 20, PromptChars: 4, ResponseChars: 9,
	}
	at := time.Unix(1_700_000_000, 0)
	g := r.Generation("q4_0", at)
	assert.Equal(t, store.Generation{
		DType: "q4_0", Timestamp: at, TTFTMillis: 1.5, Tokens: 7, TPS: 3.5,
		PeakMemMB: 3, AvgMemMB: 1, PromptChars: 4, ResponseChars: 9,
	}, g)
}

func TestMemSampler(t *testing.T) {
	var mu sync.Mutex
	vals := []int64{100, 300}
	i := 0
	read := func() int64 {
		mu.Lock()
		defer mu.Unlock()
		v := vals[min(i, len(vals)-1)]
		i++
		return v
	}
	m := newMemSampler(time.Hour, read)
	m.Start()
	avg, peak := m.Stop()
	assert.Equal(t, int64(200), avg)
	assert.Equal(t, int64(300), peak)
}

type fakeSink struct {
	mu  sync.Mutex
	got []store.Generation
}

func (f *fakeSink) SaveGeneration(_ context.Context, g store.Generation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, g)
	return nil
}

type failingGenerator struct{}

func (failingGenerator) Generate(context.Context, runtime.Request) (runtime.Response, error) {
	return runtime.Response{}, errors.New("engine down")
}

func TestRunnerAgainstSim(t *testing.T) {
	rc := config.Default().Runtime
	mgr, err := runtime.NewManager(rc, runtime.Registry{
		"sim": func(config.RuntimeConfig) (engine.Backend, error) {
			return sim.NewBackend(sim.Config{Reply: "Paris."}), nil
		},
	})
	require.NoError(t, err)
	defer mgr.Close()

	dir := t.TempDir()
	csvPath := filepath.Join(dir, "gen.csv")
	outPath := filepath.Join(dir, "out", "report.json")
	sink := &fakeSink{}
	var out bytes.Buffer

	cfg := DefaultConfig()
	cfg.Iterations = 2
	cfg.DType = "q4_0"
	cfg.CSVPath = csvPath
	cfg.OutputPath = outPath
	cfg.Prompts = []Prompt{
		{Name: "short", Text: "<|im_start|>user\nhi<|im_end|>\n<|im_start|>assistant\n"},
		{Name: "again", Text: "capital?", Repeat: true},
	}

	report, err := NewRunner(mgr, cfg, WithOutput(&out), WithSink(sink)).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Summaries, 2)
	assert.Equal(t, 2, report.Summaries[0].Iterations)
	assert.Equal(t, 6.0, report.Summaries[0].AvgTokensGen)
	// 2 short + 2 again + 2 again-repeat.
	assert.Len(t, report.Raw, 6)
	for _, r := range report.Raw {
		assert.Equal(t, "eog", r.Finish)
		assert.Equal(t, 6, r.ResponseChars)
	}
	assert.Contains(t, out.String(), "--- Benchmark: short ---")

	logged, err := store.ReadCSV(csvPath)
	require.NoError(t, err)
	assert.Len(t, logged, 6)
	assert.Len(t, sink.got, 6)
	assert.Equal(t, "q4_0", sink.got[0].DType)

	data, err := os.ReadFile(outPath)
	require.NoError(t, err)
	var decoded BenchmarkReport
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Len(t, decoded.Summaries, 2)
}

func TestRunnerRecordsErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Iterations = 3
	cfg.WarmupIterations = 0
	cfg.Prompts = []Prompt{{Name: "p", Text: "x"}}
	var out bytes.Buffer

	report, err := NewRunner(failingGenerator{}, cfg, WithOutput(&out)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Summaries[0].Errors)
	assert.Equal(t, 0, report.Summaries[0].Iterations)
	assert.True(t, strings.Contains(out.String(), "Errors:     3/3"))
}
