package subcommands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"PocketLM/internal/config"
	"PocketLM/internal/store"
	"PocketLM/internal/store/analytics"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#1a1a2e")).Background(lipgloss.Color("#00D9FF"))
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#00D9FF")).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	tableBorder = lipgloss.NewStyle().Foreground(lipgloss.Color("#3d3d5c"))
)

// ReportOptions select what the report shows.
type ReportOptions struct {
	Limit   int
	CSVPath string
}

// RunReport prints recent benchmark runs from the history store and a
// per-dtype summary of the generation log.
func RunReport(ctx context.Context, w io.Writer, cfg config.Config, opts ReportOptions) error {
	if opts.Limit <= 0 {
		opts.Limit = 10
	}
	csvPath := opts.CSVPath
	if csvPath == "" {
		csvPath = cfg.Store.CSVPath
	}

	if err := benchSection(ctx, w, cfg.Store.Path, opts.Limit); err != nil {
		return err
	}
	fmt.Fprintln(w)
	return generationSection(ctx, w, csvPath)
}

func benchSection(ctx context.Context, w io.Writer, dbPath string, limit int) error {
	fmt.Fprintln(w, titleStyle.Render(" Benchmark runs "))
	if dbPath == "" || !exists(dbPath) {
		fmt.Fprintf(w, "%sno history store at %q%s\n", colorGray, dbPath, colorReset)
		return nil
	}
	st, err := store.Open(dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	runs, err := st.RecentBench(ctx, limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintf(w, "%sno benchmark runs recorded%s\n", colorGray, colorReset)
		return nil
	}

	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		rows = append(rows, []string{
			r.ID.String()[:8],
			r.CreatedAt.Format("2006-01-02 15:04"),
			r.Model,
			r.Backend,
			fmt.Sprintf("pp %d / tg %d / pl %d", r.PP, r.TG, r.PL),
			fmt.Sprintf("%.2f ± %.2f", r.PPMean, r.PPStd),
			fmt.Sprintf("%.2f ± %.2f", r.TGMean, r.TGStd),
		})
	}
	fmt.Fprintln(w, renderTable([]string{"id", "when", "model", "backend", "test", "pp t/s", "tg t/s"}, rows))
	return nil
}

func generationSection(ctx context.Context, w io.Writer, csvPath string) error {
	fmt.Fprintln(w, titleStyle.Render(" Generation log "))
	if csvPath == "" || !exists(csvPath) {
		fmt.Fprintf(w, "%sno generation log at %q%s\n", colorGray, csvPath, colorReset)
		return nil
	}
	summaries, err := analytics.Summarize(ctx, csvPath)
	if err != nil {
		return err
	}
	if len(summaries) == 0 {
		fmt.Fprintf(w, "%sgeneration log is empty%s\n", colorGray, colorReset)
		return nil
	}

	rows := make([][]string, 0, len(summaries))
	for _, s := range summaries {
		rows = append(rows, []string{
			s.DType,
			strconv.FormatInt(s.Runs, 10),
			fmt.Sprintf("%.1f", s.AvgTTFT),
			fmt.Sprintf("%.1f / %.1f", s.MinTTFT, s.MaxTTFT),
			fmt.Sprintf("%.2f", s.AvgTPS),
			fmt.Sprintf("%.1f", s.AvgTokens),
			fmt.Sprintf("%.1f", s.PeakMemMB),
		})
	}
	fmt.Fprintln(w, renderTable([]string{"dtype", "runs", "ttft ms", "min / max", "tok/s", "tokens", "peak MB"}, rows))
	return nil
}

func renderTable(headers []string, rows [][]string) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(tableBorder).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	return t.Render()
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return !errors.Is(err, fs.ErrNotExist)
}
