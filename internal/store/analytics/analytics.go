// Package analytics summarises the generation CSV log with DuckDB.
package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/marcboeker/go-duckdb"

	"PocketLM/internal/store"
)

// Summary aggregates the records of one dtype.
type Summary struct {
	DType     string
	Runs      int64
	AvgTTFT   float64
	MinTTFT   float64
	MaxTTFT   float64
	AvgTPS    float64
	AvgTokens float64
	PeakMemMB float64
	AvgMemMB  float64
}

// Summarize groups the CSV log at csvPath by dtype using an in-memory
// DuckDB database.
func Summarize(ctx context.Context, csvPath string) ([]Summary, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("analytics: open duckdb: %w", err)
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, summaryQuery(csvPath))
	if err != nil {
		return nil, fmt.Errorf("analytics: summarize %q: %w", csvPath, err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var s Summary
		if err := rows.Scan(&s.DType, &s.Runs, &s.AvgTTFT, &s.MinTTFT, &s.MaxTTFT,
			&s.AvgTPS, &s.AvgTokens, &s.PeakMemMB, &s.AvgMemMB); err != nil {
			return nil, fmt.Errorf("analytics: scan summary: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

var columnTypes = map[string]string{
	"dtype":          "VARCHAR",
	"timestamp":      "BIGINT",
	"ttft_ms":        "DOUBLE",
	"tokens":         "BIGINT",
	"tps":            "DOUBLE",
	"peak_mem_mb":    "DOUBLE",
	"avg_mem_mb":     "DOUBLE",
	"prompt_chars":   "BIGINT",
	"response_chars": "BIGINT",
}

// summaryQuery inlines the path because table function arguments cannot be
// bound as parameters. The dialect is spelled out: the '#' header line
// defeats DuckDB's sniffer.
func summaryQuery(csvPath string) string {
	cols := make([]string, 0, len(store.CSVColumns))
	for _, c := range store.CSVColumns {
		cols = append(cols, fmt.Sprintf("'%s': '%s'", c, columnTypes[c]))
	}
	return fmt.Sprintf(`
		SELECT dtype,
			count(*) AS runs,
			avg(ttft_ms), min(ttft_ms), max(ttft_ms),
			avg(tps),
			avg(tokens),
			max(peak_mem_mb),
			avg(avg_mem_mb)
		FROM read_csv(%s,
			auto_detect = false, header = false,
			delim = ',', quote = '"', escape = '"', comment = '#',
			columns = {%s})
		GROUP BY dtype
		ORDER BY dtype`,
		quote(csvPath), strings.Join(cols, ", "))
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
