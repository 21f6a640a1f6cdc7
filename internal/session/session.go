// Package session drives one text generation over an engine context: prompt
// scoring, token-by-token stepping with stop conditions, and UTF-8 safe
// release of text increments.
//
// A Session is not safe for concurrent use. Run one generation per context
// and call Reset between unrelated generations.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"PocketLM/internal/batch"
	"PocketLM/internal/detok"
	"PocketLM/internal/engine"
	"PocketLM/internal/logging"
	"PocketLM/internal/stops"
)

var (
	// ErrContextTooSmall is recorded as a warning when prompt plus length
	// limit exceed the context window. Generation still proceeds.
	ErrContextTooSmall = errors.New("session: context window too small for prompt and length limit")
	// ErrEmptyPrompt is returned when the prompt tokenizes to nothing.
	ErrEmptyPrompt = errors.New("session: prompt produced no tokens")
	// ErrNotIdle is returned by InitPrompt unless the session is Idle.
	ErrNotIdle = errors.New("session: prompt already loaded, call Reset first")
	// ErrNoPrompt is returned by Step before InitPrompt.
	ErrNoPrompt = errors.New("session: no prompt loaded")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session: closed")
	// ErrBusy is returned by SetSampler while a generation is running.
	ErrBusy = errors.New("session: generation in progress")
)

// Session holds everything one generation needs. The context is borrowed;
// the sampler and batch are owned and released by Close.
type Session struct {
	ctx     engine.Context
	sampler engine.Sampler
	stops   *stops.Registry
	batch   *batch.Buffer
	acc     detok.Accumulator

	policy   DecodePolicy
	observer Observer

	state    State
	reason   StopReason
	maxLen   int
	prompt   int
	warnings []error
	failures int
	closed   bool
	lastStep time.Time
}

// Option customises New.
type Option func(*config)

type config struct {
	batchSize int
	policy    DecodePolicy
	observer  Observer
	allocator batch.Allocator
}

// WithBatchSize sets the batch capacity. Prompts longer than it are decoded
// in chunks.
func WithBatchSize(n int) Option { return func(c *config) { c.batchSize = n } }

// WithDecodePolicy sets what a failed step decode does.
func WithDecodePolicy(p DecodePolicy) Option { return func(c *config) { c.policy = p } }

// WithObserver attaches an event observer.
func WithObserver(o Observer) Option { return func(c *config) { c.observer = o } }

// WithAllocator routes batch allocations through a.
func WithAllocator(a batch.Allocator) Option { return func(c *config) { c.allocator = a } }

// New creates an Idle session. The sampler must belong to ctx.
func New(ctx engine.Context, sampler engine.Sampler, reg *stops.Registry, opts ...Option) (*Session, error) {
	if ctx == nil {
		return nil, errors.New("session: nil context")
	}
	if sampler == nil {
		return nil, errors.New("session: nil sampler")
	}
	if reg == nil {
		reg = stops.NewRegistry()
	}
	cfg := config{batchSize: engine.DefaultBatchSize, observer: nopObserver{}}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.batchSize <= 0 {
		cfg.batchSize = engine.DefaultBatchSize
	}
	var bopts []batch.Option
	if cfg.allocator != nil {
		bopts = append(bopts, batch.WithAllocator(cfg.allocator))
	}
	b, err := batch.New(cfg.batchSize, 0, 1, bopts...)
	if err != nil {
		return nil, fmt.Errorf("session: allocate batch: %w", err)
	}
	return &Session{
		ctx:      ctx,
		sampler:  sampler,
		stops:    reg,
		batch:    b,
		policy:   cfg.policy,
		observer: cfg.observer,
	}, nil
}

func (s *Session) log() *zerolog.Logger {
	l := logging.With("session")
	return &l
}

// State returns the lifecycle state.
func (s *Session) State() State { return s.state }

// StopReason is why the session reached Stopped, or StopNone.
func (s *Session) StopReason() StopReason { return s.reason }

// PromptTokens is the token count of the loaded prompt.
func (s *Session) PromptTokens() int { return s.prompt }

// MaxLen is the cursor value at which generation stops.
func (s *Session) MaxLen() int { return s.maxLen }

// DecodeFailures counts step decodes that failed since the last InitPrompt.
func (s *Session) DecodeFailures() int { return s.failures }

// Warnings returns the soft diagnostics recorded since the last InitPrompt.
func (s *Session) Warnings() []error { return append([]error(nil), s.warnings...) }

// Context returns the engine context the session runs on.
func (s *Session) Context() engine.Context { return s.ctx }

func (s *Session) warn(err error) { s.warnings = append(s.warnings, err) }

// InitPrompt tokenizes text with BOS, scores it in sequence 0 with logits on
// the last token only, and returns the prompt token count. A prompt that does
// not leave room for maxLen in the context window is recorded as
// ErrContextTooSmall in Warnings and loaded anyway.
func (s *Session) InitPrompt(text string, parseSpecial bool, maxLen int) (int, error) {
	if s.closed {
		return 0, ErrClosed
	}
	if s.state != Idle {
		return 0, ErrNotIdle
	}
	if text == "" {
		return 0, ErrEmptyPrompt
	}
	s.acc.Reset()
	s.warnings = nil
	s.failures = 0
	s.reason = StopNone
	s.stops.EnsureInitialized(s.ctx)

	ids, err := s.ctx.Tokenize(text, true, parseSpecial)
	if err != nil {
		return 0, fmt.Errorf("session: tokenize prompt: %w", err)
	}
	if len(ids) == 0 {
		return 0, ErrEmptyPrompt
	}

	log := s.log()
	nCtx := s.ctx.Size()
	if need := len(ids) + maxLen; need > nCtx {
		w := fmt.Errorf("%w: need %d tokens, window is %d", ErrContextTooSmall, need, nCtx)
		log.Warn().Int("prompt_tokens", len(ids)).Int("max_len", maxLen).Int("n_ctx", nCtx).
			Msg("context window too small, continuing")
		s.warn(w)
	}

	start := time.Now()
	if err := s.decodePrompt(ids); err != nil {
		// Chunks that did decode must not outlive the failed prompt.
		s.ctx.ClearMemory(true)
		return 0, err
	}
	elapsed := time.Since(start)
	s.observer.PromptDecoded(len(ids), elapsed)
	log.Debug().Int("prompt_tokens", len(ids)).Dur("elapsed", elapsed).Msg("prompt decoded")

	s.prompt = len(ids)
	s.maxLen = maxLen
	s.state = PromptLoaded
	s.lastStep = time.Now()
	return len(ids), nil
}

// decodePrompt fills the batch with ids in capacity-sized chunks. Only the
// final token of the final chunk requests logits.
func (s *Session) decodePrompt(ids []int32) error {
	capacity := s.batch.Cap()
	for start := 0; start < len(ids); start += capacity {
		end := min(start+capacity, len(ids))
		s.batch.Clear()
		for i := start; i < end; i++ {
			if err := s.batch.Add(ids[i], int32(i), seq0, i == len(ids)-1); err != nil {
				return fmt.Errorf("session: fill prompt batch: %w", err)
			}
		}
		if err := s.ctx.Decode(s.batch); err != nil {
			s.observer.DecodeFailed(err)
			return fmt.Errorf("session: decode prompt: %w", err)
		}
	}
	return nil
}

var seq0 = []int32{0}

// Step samples one token and advances generation. It returns ok == false once
// a stop condition fires; the stopping token is never detokenized. While a
// multi-byte character is incomplete, text is "" with ok == true.
func (s *Session) Step(cur *Cursor) (string, bool, error) {
	switch {
	case s.closed:
		return "", false, ErrClosed
	case s.state == Idle:
		return "", false, ErrNoPrompt
	case s.state == Stopped:
		return "", false, nil
	}
	s.state = Generating

	id, err := s.sampler.Sample()
	if err != nil {
		s.stop(StopError)
		return "", false, fmt.Errorf("session: sample: %w", err)
	}

	switch {
	case s.ctx.IsEndOfGeneration(id):
		s.stop(StopEndOfGeneration)
		return "", false, nil
	case s.stops.IsStopToken(id):
		s.stop(StopToken)
		return "", false, nil
	case cur.Value() >= s.maxLen:
		s.stop(StopLength)
		return "", false, nil
	}

	s.acc.Append(s.ctx.DetokenizeOne(id))
	if s.stops.ContainsStopString(string(s.acc.Pending())) {
		s.stop(StopString)
		return "", false, nil
	}

	text, _, rerr := s.acc.TryRelease()
	if rerr != nil {
		s.log().Warn().Err(rerr).Int32("token", id).Msg("dropped malformed text")
		s.warn(rerr)
	}

	s.batch.Clear()
	if err := s.batch.Add(id, int32(cur.Value()), seq0, true); err != nil {
		s.stop(StopError)
		return "", false, fmt.Errorf("session: fill step batch: %w", err)
	}
	cur.Increment()

	now := time.Now()
	s.observer.TokenGenerated(now.Sub(s.lastStep))
	s.lastStep = now

	if err := s.ctx.Decode(s.batch); err != nil {
		s.failures++
		s.observer.DecodeFailed(err)
		s.warn(err)
		s.log().Error().Err(err).Int("pos", cur.Value()-1).Int("failures", s.failures).Msg("decode failed")
		if s.policy == DecodeAbort {
			s.stop(StopError)
			return text, false, err
		}
	}
	return text, true, nil
}

func (s *Session) stop(reason StopReason) {
	s.state = Stopped
	s.reason = reason
	s.observer.Stopped(reason)
	s.log().Debug().Stringer("reason", reason).Msg("generation stopped")
}

// SetSampler replaces the sampler, closing the previous one. It is refused
// mid-generation. The sampler must belong to the session's context.
func (s *Session) SetSampler(sampler engine.Sampler) error {
	switch {
	case s.closed:
		return ErrClosed
	case sampler == nil:
		return errors.New("session: nil sampler")
	case s.state == Generating:
		return ErrBusy
	}
	old := s.sampler
	s.sampler = sampler
	if old == sampler {
		return nil
	}
	return old.Close()
}

// Reset clears the context memory, keeping the model, and returns to Idle.
func (s *Session) Reset() {
	if s.closed {
		return
	}
	s.ctx.ClearMemory(true)
	s.sampler.Reset()
	s.acc.Reset()
	s.batch.Clear()
	s.state = Idle
	s.reason = StopNone
	s.prompt = 0
	s.maxLen = 0
}

// Close releases the batch and the sampler. The context stays with its owner.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.batch.Release()
	return s.sampler.Close()
}
