// Package bench measures prompt-processing and text-generation throughput of
// an engine context with synthetic batches.
package bench

import (
	"context"
	"fmt"
	"math"
	"time"

	"PocketLM/internal/batch"
	"PocketLM/internal/engine"
	"PocketLM/internal/logging"
)

// Clock returns the current time. Tests inject a fake one.
type Clock func() time.Time

// Trial is the measurement of one repetition.
type Trial struct {
	PPElapsed time.Duration
	TGElapsed time.Duration
	PPSpeed   float64
	TGSpeed   float64
}

// Harness runs benchmarks against one context. Not safe for concurrent use.
type Harness struct {
	ctx     engine.Context
	backend string
	clock   Clock
	alloc   batch.Allocator
}

// Option customises a Harness.
type Option func(*Harness)

// WithClock replaces time.Now.
func WithClock(c Clock) Option { return func(h *Harness) { h.clock = c } }

// WithBackend sets the label of the backend column.
func WithBackend(label string) Option { return func(h *Harness) { h.backend = label } }

// WithAllocator routes the benchmark batch allocation through a.
func WithAllocator(a batch.Allocator) Option { return func(h *Harness) { h.alloc = a } }

// New creates a harness for ctx.
func New(ctx engine.Context, opts ...Option) *Harness {
	h := &Harness{ctx: ctx, backend: "CPU", clock: time.Now}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run measures nr trials. Each trial times one decode of pp prompt tokens and
// tg decodes of pl parallel sequences. The context memory is cleared around
// every phase, so anything cached in it is lost.
func (h *Harness) Run(ctx context.Context, pp, tg, pl, nr int) (Report, error) {
	if pp <= 0 || tg <= 0 || pl <= 0 || nr <= 0 {
		return Report{}, fmt.Errorf("bench: pp, tg, pl and nr must be positive (got %d, %d, %d, %d)", pp, tg, pl, nr)
	}
	var opts []batch.Option
	if h.alloc != nil {
		opts = append(opts, batch.WithAllocator(h.alloc))
	}
	b, err := batch.New(max(pp, pl), 0, 1, opts...)
	if err != nil {
		return Report{}, fmt.Errorf("bench: %w", err)
	}
	defer b.Release()

	log := logging.With("bench")
	info := h.ctx.Model()
	rep := Report{
		Model:     info.Description,
		SizeBytes: info.SizeBytes,
		Params:    info.Params,
		Backend:   h.backend,
		PP:        pp,
		TG:        tg,
		PL:        pl,
		NR:        nr,
	}
	log.Info().Int("n_ctx", h.ctx.Size()).Int("pp", pp).Int("tg", tg).Int("pl", pl).Int("nr", nr).Msg("benchmark started")

	var ppSum, ppSq, tgSum, tgSq float64
	for r := 0; r < nr; r++ {
		if err := ctx.Err(); err != nil {
			return rep, err
		}

		b.Clear()
		for i := 0; i < pp; i++ {
			if err := b.Add(0, int32(i), []int32{0}, false); err != nil {
				return rep, fmt.Errorf("bench: fill prompt batch: %w", err)
			}
		}
		b.SetLogits(b.LastIndex(), true)
		h.ctx.ClearMemory(false)

		ppStart := h.clock()
		if err := h.ctx.Decode(b); err != nil {
			rep.DecodeFailures++
			log.Error().Err(err).Msg("decode failed during prompt processing")
		}
		ppElapsed := h.clock().Sub(ppStart)

		h.ctx.ClearMemory(false)
		tgStart := h.clock()
		for i := 0; i < tg; i++ {
			if err := ctx.Err(); err != nil {
				h.ctx.ClearMemory(false)
				return rep, err
			}
			b.Clear()
			for j := 0; j < pl; j++ {
				if err := b.Add(0, int32(i), []int32{int32(j)}, true); err != nil {
					return rep, fmt.Errorf("bench: fill generation batch: %w", err)
				}
			}
			if err := h.ctx.Decode(b); err != nil {
				rep.DecodeFailures++
				log.Error().Err(err).Int("step", i).Msg("decode failed during text generation")
			}
		}
		tgElapsed := h.clock().Sub(tgStart)
		h.ctx.ClearMemory(false)

		t := Trial{
			PPElapsed: ppElapsed,
			TGElapsed: tgElapsed,
			PPSpeed:   speed(pp, ppElapsed),
			TGSpeed:   speed(pl*tg, tgElapsed),
		}
		rep.Trials = append(rep.Trials, t)
		ppSum += t.PPSpeed
		ppSq += t.PPSpeed * t.PPSpeed
		tgSum += t.TGSpeed
		tgSq += t.TGSpeed * t.TGSpeed
		log.Info().Float64("pp_tps", t.PPSpeed).Float64("tg_tps", t.TGSpeed).Int("trial", r+1).Msg("trial done")
	}

	rep.PPMean, rep.PPStd = MeanStd(ppSum, ppSq, nr)
	rep.TGMean, rep.TGStd = MeanStd(tgSum, tgSq, nr)
	return rep, nil
}

// speed is 0 for a phase the clock could not resolve.
func speed(tokens int, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(tokens) / d.Seconds()
}

// MeanStd turns a running sum and sum of squares over n samples into the mean
// and the sample standard deviation. With a single sample the deviation is 0.
func MeanStd(sum, sumSq float64, n int) (mean, std float64) {
	if n <= 0 {
		return 0, 0
	}
	fn := float64(n)
	mean = sum / fn
	if n == 1 {
		return mean, 0
	}
	variance := sumSq/(fn-1) - mean*mean*fn/(fn-1)
	if variance <= 0 {
		return mean, 0
	}
	return mean, math.Sqrt(variance)
}
