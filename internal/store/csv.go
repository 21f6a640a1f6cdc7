package store

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// CSVColumns is the column order of the generation log.
var CSVColumns = []string{
	"dtype", "timestamp", "ttft_ms", "tokens", "tps",
	"peak_mem_mb", "avg_mem_mb", "prompt_chars", "response_chars",
}

// AppendCSV appends g to the log at path. A new log starts with the column
// names as a '#' comment line so readers that skip comments see data only.
func AppendCSV(path string, g Generation) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("store: open csv log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("store: stat csv log: %w", err)
	}
	if info.Size() == 0 {
		if _, err := fmt.Fprintf(f, "# %s\n", strings.Join(CSVColumns, ",")); err != nil {
			return fmt.Errorf("store: write csv header: %w", err)
		}
	}

	if g.Timestamp.IsZero() {
		g.Timestamp = time.Now()
	}
	w := csv.NewWriter(f)
	if err := w.Write(g.record()); err != nil {
		return fmt.Errorf("store: write csv record: %w", err)
	}
	w.Flush()
	return w.Error()
}

func (g Generation) record() []string {
	ff := func(v float64) string { return strconv.FormatFloat(v, 'f', 2, 64) }
	return []string{
		g.DType,
		strconv.FormatInt(g.Timestamp.UnixMilli(), 10),
		ff(g.TTFTMillis),
		strconv.Itoa(g.Tokens),
		ff(g.TPS),
		ff(g.PeakMemMB),
		ff(g.AvgMemMB),
		strconv.Itoa(g.PromptChars),
		strconv.Itoa(g.ResponseChars),
	}
}

// ReadCSV parses every record of the log at path, skipping comment lines.
func ReadCSV(path string) ([]Generation, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("store: open csv log: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(bufio.NewReader(f))
	r.Comment = '#'
	r.FieldsPerRecord = len(CSVColumns)

	var out []Generation
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("store: read csv log: %w", err)
		}
		g, err := parseRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
}

func parseRecord(rec []string) (Generation, error) {
	var (
		g    Generation
		errs []error
	)
	pf := func(s string) float64 {
		v, err := strconv.ParseFloat(s, 64)
		errs = append(errs, err)
		return v
	}
	pi := func(s string) int {
		v, err := strconv.Atoi(s)
		errs = append(errs, err)
		return v
	}
	g.DType = rec[0]
	ts, err := strconv.ParseInt(rec[1], 10, 64)
	errs = append(errs, err)
	g.Timestamp = time.UnixMilli(ts)
	g.TTFTMillis = pf(rec[2])
	g.Tokens = pi(rec[3])
	g.TPS = pf(rec[4])
	g.PeakMemMB = pf(rec[5])
	g.AvgMemMB = pf(rec[6])
	g.PromptChars = pi(rec[7])
	g.ResponseChars = pi(rec[8])
	if err := errors.Join(errs...); err != nil {
		return Generation{}, fmt.Errorf("store: bad csv record %v: %w", rec, err)
	}
	return g, nil
}
