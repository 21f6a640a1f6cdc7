package analytics

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PocketLM/internal/store"
)

func TestSummarize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gen's log.csv")
	records := []store.Generation{
		{DType: "q4_0", TTFTMillis: 100, Tokens: 10, TPS: 20, PeakMemMB: 400, AvgMemMB: 300},
		{DType: "q4_0", TTFTMillis: 300, Tokens: 30, TPS: 10, PeakMemMB: 500, AvgMemMB: 350},
		{DType: "f16", TTFTMillis: 900, Tokens: 8, TPS: 4, PeakMemMB: 1200, AvgMemMB: 1100},
	}
	for _, r := range records {
		require.NoError(t, store.AppendCSV(path, r))
	}

	got, err := Summarize(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "f16", got[0].DType)
	assert.Equal(t, int64(1), got[0].Runs)

	q4 := got[1]
	assert.Equal(t, "q4_0", q4.DType)
	assert.Equal(t, int64(2), q4.Runs)
	assert.InDelta(t, 200, q4.AvgTTFT, 1e-9)
	assert.InDelta(t, 100, q4.MinTTFT, 1e-9)
	assert.InDelta(t, 300, q4.MaxTTFT, 1e-9)
	assert.InDelta(t, 15, q4.AvgTPS, 1e-9)
	assert.InDelta(t, 20, q4.AvgTokens, 1e-9)
	assert.InDelta(t, 500, q4.PeakMemMB, 1e-9)
	assert.InDelta(t, 325, q4.AvgMemMB, 1e-9)
}

func TestSummarizeMissingFile(t *testing.T) {
	_, err := Summarize(context.Background(), filepath.Join(t.TempDir(), "missing.csv"))
	assert.Error(t, err)
}

func TestSummarizeQuotedField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "generations.csv")
	require.NoError(t, store.AppendCSV(path, store.Generation{DType: "q8,0 \"imatrix\"", TTFTMillis: 50, Tokens: 5, TPS: 12}))

	got, err := Summarize(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "q8,0 \"imatrix\"", got[0].DType)
	assert.InDelta(t, 50, got[0].AvgTTFT, 1e-9)
}

func TestSummaryQueryDialect(t *testing.T) {
	q := summaryQuery("/tmp/log.csv")
	assert.Contains(t, q, "auto_detect = false")
	assert.Contains(t, q, "delim = ','")
	assert.Contains(t, q, "comment = '#'")
	assert.Contains(t, q, "'ttft_ms': 'DOUBLE'")
}

func TestQuote(t *testing.T) {
	assert.Equal(t, `'it''s.csv'`, quote("it's.csv"))
}
