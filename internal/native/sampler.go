//go:build native

package native

/*
#include "llama.h"
*/
import "C"
import (
	"PocketLM/internal/engine"
)

// Sampler is a llama.cpp sampler chain bound to one context. The chain owns
// its stage samplers and frees them on Close.
type Sampler struct {
	ctx   *Context
	chain *C.struct_llama_sampler
}

func newSampler(ctx *Context, p engine.SamplerParams) *Sampler {
	chain := C.llama_sampler_chain_init(C.llama_sampler_chain_default_params())
	for _, st := range samplerStages(p) {
		C.llama_sampler_chain_add(chain, stageSampler(st, p))
	}
	return &Sampler{ctx: ctx, chain: chain}
}

func stageSampler(st stage, p engine.SamplerParams) *C.struct_llama_sampler {
	switch st {
	case stagePenalties:
		return C.llama_sampler_init_penalties(C.int32_t(p.PenaltyLastN),
			C.float(p.RepeatPenalty), C.float(p.FreqPenalty), C.float(p.PresencePenalty))
	case stageTopK:
		return C.llama_sampler_init_top_k(C.int32_t(p.TopK))
	case stageTopP:
		return C.llama_sampler_init_top_p(C.float(p.TopP), 1)
	case stageMinP:
		return C.llama_sampler_init_min_p(C.float(p.MinP), 1)
	case stageTemperature:
		return C.llama_sampler_init_temp(C.float(p.Temperature))
	case stageDist:
		return C.llama_sampler_init_dist(C.uint32_t(p.Seed))
	default:
		return C.llama_sampler_init_greedy()
	}
}

// Sample picks from the logits of the last slot that requested them.
func (s *Sampler) Sample() (int32, error) {
	s.ctx.mu.Lock()
	defer s.ctx.mu.Unlock()
	if s.chain == nil || s.ctx.closed {
		return 0, engine.ErrClosed
	}
	return int32(C.llama_sampler_sample(s.chain, s.ctx.handle, -1)), nil
}

func (s *Sampler) Reset() {
	if s.chain != nil {
		C.llama_sampler_reset(s.chain)
	}
}

func (s *Sampler) Close() error {
	if s.chain != nil {
		C.llama_sampler_free(s.chain)
		s.chain = nil
	}
	return nil
}
