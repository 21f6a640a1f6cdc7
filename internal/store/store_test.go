package store

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PocketLM/internal/bench"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBenchRuns(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	base := time.UnixMilli(1_700_000_000_000)
	for i, model := range []string{"first", "second", "third"} {
		run := BenchRunFromReport(bench.Report{
			Model: model, Backend: "sim", PP: 512, TG: 128, PL: 1, NR: 3,
			PPMean: float64(100 * (i + 1)), PPStd: 1.5, TGMean: 20, DecodeFailures: i,
		})
		run.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		id, err := s.SaveBench(ctx, run)
		require.NoError(t, err)
		assert.Equal(t, run.ID, id)
	}

	runs, err := s.RecentBench(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "third", runs[0].Model)
	assert.Equal(t, "second", runs[1].Model)
	assert.Equal(t, 300.0, runs[0].PPMean)
	assert.Equal(t, 2, runs[0].DecodeFailures)
	assert.NotEqual(t, uuid.Nil, runs[0].ID)
	assert.True(t, runs[0].CreatedAt.Equal(base.Add(2*time.Minute)))

	t.Run("assigns id", func(t *testing.T) {
		id, err := s.SaveBench(ctx, BenchRun{Model: "m", Backend: "sim"})
		require.NoError(t, err)
		assert.NotEqual(t, uuid.Nil, id)
	})

	t.Run("bad limit", func(t *testing.T) {
		_, err := s.RecentBench(ctx, 0)
		assert.Error(t, err)
	})
}

func TestGenerations(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	g := Generation{
		DType: "q4_0", Timestamp: time.UnixMilli(1_700_000_000_000),
		TTFTMillis: 120.5, Tokens: 64, TPS: 18.25, PeakMemMB: 512, AvgMemMB: 480,
		PromptChars: 30, ResponseChars: 250,
	}
	require.NoError(t, s.SaveGeneration(ctx, g))
	g2 := g
	g2.DType = "f16"
	g2.Timestamp = g.Timestamp.Add(time.Second)
	require.NoError(t, s.SaveGeneration(ctx, g2))

	got, err := s.RecentGenerations(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "f16", got[0].DType)
	assert.Equal(t, g.TTFTMillis, got[1].TTFTMillis)
	assert.True(t, got[1].Timestamp.Equal(g.Timestamp))

	assert.Error(t, s.SaveGeneration(ctx, Generation{}))
}

func TestClosedStore(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	_, err = s.RecentBench(context.Background(), 1)
	assert.Error(t, err)
}

func TestCSVLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "generations.csv")
	ts := time.UnixMilli(1_700_000_000_123)

	require.NoError(t, AppendCSV(path, Generation{DType: "q4_0", Timestamp: ts, TTFTMillis: 99.999, Tokens: 10, TPS: 12.5}))
	require.NoError(t, AppendCSV(path, Generation{DType: "q8_0", Timestamp: ts, Tokens: 20, PromptChars: 7, ResponseChars: 40}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "# dtype,timestamp,ttft_ms,tokens,tps,peak_mem_mb,avg_mem_mb,prompt_chars,response_chars", lines[0])
	assert.Equal(t, "q4_0,1700000000123,100.00,10,12.50,0.00,0.00,0,0", lines[1])

	got, err := ReadCSV(path)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "q8_0", got[1].DType)
	assert.Equal(t, 20, got[1].Tokens)
	assert.Equal(t, 40, got[1].ResponseChars)
	assert.True(t, got[0].Timestamp.Equal(ts))

	t.Run("malformed record", func(t *testing.T) {
		bad := filepath.Join(t.TempDir(), "bad.csv")
		require.NoError(t, os.WriteFile(bad, []byte("q4_0,notatime,1,2,3,4,5,6,7\n"), 0o644))
		_, err := ReadCSV(bad)
		assert.Error(t, err)
	})
}
