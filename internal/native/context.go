//go:build native

package native

/*
#include "llama.h"
*/
import "C"
import (
	"sync"
	"unsafe"

	"PocketLM/internal/batch"
	"PocketLM/internal/engine"
)

// Context owns a llama_context and the C-side batch that mirrors the Go
// batch buffer on each decode.
type Context struct {
	model  *Model
	params engine.ContextParams

	mu     sync.Mutex
	handle *C.struct_llama_context
	cbatch C.struct_llama_batch
	shape  batchShape
	closed bool
}

type batchShape struct {
	capacity, embd, nSeqMax int
}

func (c *Context) Tokenize(text string, addBOS, parseSpecial bool) ([]int32, error) {
	return c.model.tokenize(text, addBOS, parseSpecial)
}

func (c *Context) DetokenizeOne(id int32) []byte { return c.model.piece(id) }

func (c *Context) IsEndOfGeneration(id int32) bool { return c.model.isEOG(id) }

func (c *Context) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return c.params.ContextSize
	}
	return int(C.llama_n_ctx(c.handle))
}

func (c *Context) Model() engine.ModelInfo { return c.model.info }

// Decode copies b into the C batch and evaluates it.
func (c *Context) Decode(b *batch.Buffer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return engine.ErrClosed
	}
	n := b.Len()
	if n == 0 {
		return &engine.DecodeError{Code: -1}
	}
	c.ensureBatch(batchShape{capacity: b.Cap(), embd: b.EmbeddingDim(), nSeqMax: b.SeqMax()})

	cb := &c.cbatch
	pos := unsafe.Slice((*int32)(unsafe.Pointer(cb.pos)), n)
	nSeq := unsafe.Slice((*int32)(unsafe.Pointer(cb.n_seq_id)), n)
	seqLists := unsafe.Slice((**C.llama_seq_id)(unsafe.Pointer(cb.seq_id)), n)
	logits := unsafe.Slice((*int8)(unsafe.Pointer(cb.logits)), n)

	if c.shape.embd > 0 {
		embd := unsafe.Slice((*float32)(unsafe.Pointer(cb.embd)), n*c.shape.embd)
		for i := 0; i < n; i++ {
			copy(embd[i*c.shape.embd:(i+1)*c.shape.embd], b.Embedding(i))
		}
	} else {
		tokens := unsafe.Slice((*int32)(unsafe.Pointer(cb.token)), n)
		copy(tokens, b.Tokens())
	}
	for i := 0; i < n; i++ {
		pos[i] = b.Pos(i)
		ids := b.SeqIDs(i)
		nSeq[i] = int32(len(ids))
		copy(unsafe.Slice((*int32)(unsafe.Pointer(seqLists[i])), len(ids)), ids)
		if b.Logits(i) {
			logits[i] = 1
		} else {
			logits[i] = 0
		}
	}
	cb.n_tokens = C.int32_t(n)

	return decodeStatus(int32(C.llama_decode(c.handle, *cb)))
}

// ensureBatch reallocates the C batch when b's shape outgrows it.
func (c *Context) ensureBatch(want batchShape) {
	have := c.shape
	if have.capacity >= want.capacity && have.embd == want.embd && have.nSeqMax >= want.nSeqMax {
		return
	}
	if have.capacity > 0 {
		C.llama_batch_free(c.cbatch)
	}
	c.cbatch = C.llama_batch_init(C.int32_t(want.capacity), C.int32_t(want.embd), C.int32_t(want.nSeqMax))
	c.shape = want
}

// ClearMemory forwards preserveModel as llama_memory_clear's data flag.
func (c *Context) ClearMemory(preserveModel bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	C.llama_memory_clear(C.llama_get_memory(c.handle), C.bool(preserveModel))
}

func (c *Context) NewSampler(params engine.SamplerParams) (engine.Sampler, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, engine.ErrClosed
	}
	return newSampler(c, params), nil
}

func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.shape.capacity > 0 {
		C.llama_batch_free(c.cbatch)
		c.shape = batchShape{}
	}
	C.llama_free(c.handle)
	c.handle = nil
	return nil
}
