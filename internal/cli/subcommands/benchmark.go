package subcommands

import (
	"context"
	"fmt"
	"io"

	"PocketLM/internal/config"
	"PocketLM/internal/logging"
	"PocketLM/internal/runtime"
	"PocketLM/internal/store"
)

// BenchOptions select the benchmark shape. Zero values use the config.
type BenchOptions struct {
	PP, TG, PL, NR int

	// Plain prints the raw markdown table instead of the styled one.
	Plain  bool
	NoSave bool
	Width  int
}

// RunBench measures prompt processing and generation throughput, prints the
// report and records it in the history store.
func RunBench(ctx context.Context, w io.Writer, cfg config.Config, registry runtime.Registry, opts BenchOptions) error {
	log := logging.With("bench")
	pp, tg, pl, nr := pick(opts.PP, cfg.Bench.PromptTokens), pick(opts.TG, cfg.Bench.GenTokens),
		pick(opts.PL, cfg.Bench.ParallelSeqs), pick(opts.NR, cfg.Bench.Repetitions)

	mgr, err := runtime.NewManager(cfg.Runtime, registry)
	if err != nil {
		return fmt.Errorf("failed to initialize runtime: %w", err)
	}
	defer mgr.Close()

	rep, err := mgr.Bench(ctx, pp, tg, pl, nr)
	if err != nil {
		return fmt.Errorf("benchmark failed: %w", err)
	}

	out := rep.Markdown()
	if !opts.Plain {
		if out, err = rep.Render(opts.Width); err != nil {
			return err
		}
	}
	fmt.Fprint(w, out)
	if rep.DecodeFailures > 0 {
		fmt.Fprintf(w, "%s%d decode failures during the run%s\n", colorYellow, rep.DecodeFailures, colorReset)
	}

	if opts.NoSave || cfg.Store.Path == "" {
		return nil
	}
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer st.Close()
	id, err := st.SaveBench(ctx, store.BenchRunFromReport(rep))
	if err != nil {
		return err
	}
	log.Info().Str("id", id.String()).Str("db", cfg.Store.Path).Msg("benchmark saved")
	return nil
}

func pick(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
