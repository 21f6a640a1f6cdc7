package sim

import (
	"errors"

	"PocketLM/internal/engine"
)

var errNoLogits = errors.New("sim: no logits available, decode a slot with logits first")

// Sampler follows the context's scripted reply. Sampling parameters are kept
// for inspection but do not change the outcome.
type Sampler struct {
	ctx     *Context
	params  engine.SamplerParams
	samples int
	closed  bool
}

func (s *Sampler) Sample() (int32, error) {
	if s.closed {
		return 0, engine.ErrClosed
	}
	id, err := s.ctx.next()
	if err != nil {
		return 0, err
	}
	s.samples++
	return id, nil
}

func (s *Sampler) Reset() { s.samples = 0 }

func (s *Sampler) Close() error {
	s.closed = true
	return nil
}

// Params returns the parameters the sampler was built with.
func (s *Sampler) Params() engine.SamplerParams { return s.params }

// Samples is the number of tokens sampled since the last Reset.
func (s *Sampler) Samples() int { return s.samples }
