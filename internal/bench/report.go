package bench

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
)

// Report is the outcome of Harness.Run.
type Report struct {
	Model     string
	SizeBytes uint64
	Params    uint64
	Backend   string

	PP, TG, PL, NR int

	PPMean, PPStd float64
	TGMean, TGStd float64

	Trials         []Trial
	DecodeFailures int
}

// SizeGiB is the model size in GiB.
func (r Report) SizeGiB() float64 { return float64(r.SizeBytes) / 1024 / 1024 / 1024 }

// ParamsB is the parameter count in billions.
func (r Report) ParamsB() float64 { return float64(r.Params) / 1e9 }

// Markdown renders the report as a llama-bench style table.
func (r Report) Markdown() string {
	var sb strings.Builder
	sb.WriteString("| model | size | params | backend | test | t/s |\n")
	sb.WriteString("| --- | --- | --- | --- | --- | --- |\n")
	row := func(test string, mean, std float64) {
		fmt.Fprintf(&sb, "| %s | %.2fGiB | %.2fB | %s | %s | %.2f ± %.2f |\n",
			r.Model, r.SizeGiB(), r.ParamsB(), r.Backend, test, mean, std)
	}
	row(fmt.Sprintf("pp %d", r.PP), r.PPMean, r.PPStd)
	row(fmt.Sprintf("tg %d", r.TG), r.TGMean, r.TGStd)
	return sb.String()
}

// Render formats the markdown table for a terminal of the given width.
func (r Report) Render(width int) (string, error) {
	if width <= 0 {
		width = 100
	}
	tr, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return "", fmt.Errorf("bench: create renderer: %w", err)
	}
	out, err := tr.Render(r.Markdown())
	if err != nil {
		return "", fmt.Errorf("bench: render report: %w", err)
	}
	return out, nil
}
