// Package engine defines the boundary between generation sessions and a
// token-level inference engine. Implementations live in engine/sim (pure Go)
// and internal/native (llama.cpp through cgo).
package engine

import (
	"errors"
	"fmt"

	"PocketLM/internal/batch"
)

var (
	// ErrNotFound is returned when a model file does not exist.
	ErrNotFound = errors.New("engine: model not found")
	// ErrCorrupt is returned when a model file cannot be parsed.
	ErrCorrupt = errors.New("engine: model corrupt")
	// ErrOutOfResources is returned when a model or context cannot be allocated.
	ErrOutOfResources = errors.New("engine: out of resources")
	// ErrClosed is returned by any call on a closed model, context or sampler.
	ErrClosed = errors.New("engine: closed")
)

// DecodeError carries the engine's non-zero decode status.
// Code 1 conventionally means no KV slot was available for the batch.
type DecodeError struct {
	Code int
}

func (e *DecodeError) Error() string {
	if e.Code == 1 {
		return "engine: decode failed: no KV slot for batch (code 1)"
	}
	return fmt.Sprintf("engine: decode failed with code %d", e.Code)
}

// ModelInfo is model metadata used by reports and presets.
type ModelInfo struct {
	Description string
	Path        string
	SizeBytes   uint64
	Params      uint64
	NCtxTrain   int
	VocabSize   int
}

// Backend loads models.
type Backend interface {
	Name() string
	LoadModel(path string, params ModelParams) (Model, error)
	SystemInfo() string
}

// Model is a loaded set of weights shared by its contexts.
type Model interface {
	Info() ModelInfo
	NewContext(params ContextParams) (Context, error)
	Close() error
}

// Tokenizer converts between text and token ids.
type Tokenizer interface {
	Tokenize(text string, addBOS, parseSpecial bool) ([]int32, error)
	DetokenizeOne(id int32) []byte
	IsEndOfGeneration(id int32) bool
}

// Context holds the KV memory for one sequence of generation. Not safe for
// concurrent use.
type Context interface {
	Tokenizer

	// Decode evaluates the batch, appending to memory.
	Decode(b *batch.Buffer) error
	// ClearMemory drops the KV memory. With preserveModel the weights and
	// context allocation stay; only cached positions are removed.
	ClearMemory(preserveModel bool)
	// Size is the context window in tokens.
	Size() int
	Model() ModelInfo
	NewSampler(params SamplerParams) (Sampler, error)
	Close() error
}

// Sampler picks the next token from the logits of its context's last decode.
type Sampler interface {
	Sample() (int32, error)
	Reset()
	Close() error
}
