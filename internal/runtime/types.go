package runtime

import (
	"errors"
	"time"

	"PocketLM/internal/engine"
)

// ErrClosed is returned by a Manager after Close.
var ErrClosed = errors.New("runtime: manager closed")

// Request is one prompt and its per-call overrides.
type Request struct {
	Prompt  string
	Options GenerationOptions
}

// GenerationOptions override the configured generation and sampler
// settings. Zero fields keep the configured value.
type GenerationOptions struct {
	MaxTokens     int
	ParseSpecial  bool
	Temperature   float64
	TopK          int
	TopP          float64
	MinP          float64
	RepeatPenalty float64
	RepeatLastN   int
	Seed          uint32
}

// Response is the outcome of a blocking Generate.
type Response struct {
	Text     string
	Finish   string
	Stats    Stats
	Warnings []string
}

// Stats summarises one generation.
type Stats struct {
	TokensEvaluated int
	TokensGenerated int
	Duration        time.Duration

	// TTFT is the time from request start until the first generated token.
	TTFT time.Duration

	PromptTPS     float64
	GenerationTPS float64

	// DecodeFailures counts step decodes that failed and were skipped.
	DecodeFailures int
}

// StreamEvent is emitted for each text increment and once at the end.
type StreamEvent struct {
	Token  string
	Index  int
	Final  bool
	Finish string
	Err    error

	// Stats is populated on the final event.
	Stats *Stats
}

// StreamCallback returning an error stops the generation with that error.
type StreamCallback func(StreamEvent) error

// Info describes the loaded backend, model and context.
type Info struct {
	Backend      string
	SystemInfo   string
	Model        engine.ModelInfo
	ContextSize  int
	BatchSize    int
	DecodePolicy string
	StopStrings  []string

	TokenCache *TokenCacheStats `json:",omitempty"`
}

// TokenCacheStats reports the tokenization cache counters.
type TokenCacheStats struct {
	Hits    uint64
	Misses  uint64
	Entries int
}
