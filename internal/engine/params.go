package engine

// ModelParams configures model loading.
type ModelParams struct {
	// GPULayers is the number of layers to offload. 0 = CPU only, -1 = all.
	GPULayers int
	UseMmap   bool
	UseMlock  bool
}

// DefaultModelParams are CPU-only with mmap.
func DefaultModelParams() ModelParams {
	return ModelParams{UseMmap: true}
}

const (
	DefaultContextSize = 1024
	MinContextSize     = 512
	DefaultBatchSize   = 512
	MaxThreads         = 8
)

// ContextParams configures an inference context.
type ContextParams struct {
	ContextSize  int
	BatchSize    int
	Threads      int
	ThreadsBatch int
	Seed         uint32
}

// Clamp fills defaults and bounds the values for a device with nproc cores.
// Threads default to nproc-2 and stay within [1, 8]; the window is at least
// MinContextSize.
func (p ContextParams) Clamp(nproc int) ContextParams {
	ceiling := MaxThreads
	if nproc > 0 && nproc < ceiling {
		ceiling = nproc
	}
	if ceiling < 1 {
		ceiling = 1
	}
	if p.Threads <= 0 {
		p.Threads = nproc - 2
	}
	p.Threads = clampInt(p.Threads, 1, ceiling)
	if p.ThreadsBatch <= 0 {
		p.ThreadsBatch = p.Threads
	}
	p.ThreadsBatch = clampInt(p.ThreadsBatch, 1, ceiling)

	if p.ContextSize <= 0 {
		p.ContextSize = DefaultContextSize
	}
	if p.ContextSize < MinContextSize {
		p.ContextSize = MinContextSize
	}
	if p.BatchSize <= 0 {
		p.BatchSize = DefaultBatchSize
	}
	return p
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// SeedRandom asks the sampler for a random seed.
const SeedRandom uint32 = 0xFFFFFFFF

// SamplerParams configures the sampler chain. The chain is applied in the
// order penalties, top-k, top-p, min-p, temperature, then dist or greedy.
type SamplerParams struct {
	Temperature float32
	TopK        int
	TopP        float32
	MinP        float32

	PenaltyLastN    int
	RepeatPenalty   float32
	FreqPenalty     float32
	PresencePenalty float32

	Seed uint32
}

// DefaultSamplerParams returns the chat defaults.
func DefaultSamplerParams() SamplerParams {
	return SamplerParams{
		Temperature:     0.8,
		TopP:            0.9,
		MinP:            0.05,
		PenaltyLastN:    32,
		RepeatPenalty:   1.1,
		FreqPenalty:     1.0,
		PresencePenalty: 1.0,
		Seed:            SeedRandom,
	}
}

// Greedy reports whether the chain ends in argmax selection.
func (p SamplerParams) Greedy() bool { return p.Temperature <= 0 }

// PenaltiesEnabled reports whether the penalties stage is part of the chain.
func (p SamplerParams) PenaltiesEnabled() bool {
	return p.PenaltyLastN > 0 &&
		(p.RepeatPenalty != 1.0 || p.FreqPenalty != 0.0 || p.PresencePenalty != 0.0)
}
