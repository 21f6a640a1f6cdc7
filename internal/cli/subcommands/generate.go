package subcommands

import (
	"context"
	"fmt"
	"io"
	"time"

	"PocketLM/internal/config"
	"PocketLM/internal/logging"
	"PocketLM/internal/runtime"
)

// RunGenerate runs a single prompt and prints the completion to w. Progress
// and statistics go to errw.
func RunGenerate(ctx context.Context, w, errw io.Writer, cfg config.Config, registry runtime.Registry, input string, opts ChatOptions) error {
	log := logging.With("generate")
	mgr, err := runtime.NewManager(cfg.Runtime, registry)
	if err != nil {
		return fmt.Errorf("failed to initialize runtime: %w", err)
	}
	defer func() {
		if closeErr := mgr.Close(); closeErr != nil {
			log.Warn().Err(closeErr).Msg("failed to close runtime")
		}
	}()

	opts = chatOptionsFrom(cfg, opts)
	req := runtime.Request{
		Prompt:  newConversation(opts).prompt(input),
		Options: opts.generation(),
	}

	start := time.Now()
	var (
		stats  runtime.Stats
		finish string
	)
	if opts.Stream {
		err = mgr.Stream(ctx, req, func(evt runtime.StreamEvent) error {
			if evt.Final {
				fmt.Fprintln(w)
				if evt.Stats != nil {
					stats = *evt.Stats
				}
				finish = evt.Finish
				return nil
			}
			_, werr := io.WriteString(w, evt.Token)
			return werr
		})
	} else {
		stop := startSpinner(errw, "Thinking")
		var resp runtime.Response
		resp, err = mgr.Generate(ctx, req)
		stop()
		if err == nil {
			fmt.Fprintln(w, resp.Text)
		}
		stats, finish = resp.Stats, resp.Finish
		for _, warning := range resp.Warnings {
			log.Warn().Msg(warning)
		}
	}
	if err != nil {
		return fmt.Errorf("runtime error: %w", err)
	}

	if opts.ShowStats {
		fmt.Fprintf(errw, "%s--- Statistics ---%s\n", colorGray+colorBold, colorReset)
		fmt.Fprintf(errw, "%s%s%s\n", colorGray, formatStats(stats, finish), colorReset)
		fmt.Fprintf(errw, "%sDuration:%s %s\n", colorGray, colorReset, time.Since(start).Truncate(time.Millisecond))
	}
	log.Debug().
		Int("prompt_tokens", stats.TokensEvaluated).
		Int("gen_tokens", stats.TokensGenerated).
		Str("finish", finish).
		Dur("elapsed", time.Since(start)).
		Msg("completed")
	return nil
}
