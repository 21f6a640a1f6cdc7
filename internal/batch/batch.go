// Package batch implements the fixed-capacity slot arena that describes a
// single decode call: per-slot token (or embedding), position, sequence
// membership and a request-logits flag, stored as parallel arrays.
//
// A Buffer exclusively owns its per-slot sequence-id lists. They are allocated
// together in New and freed together in Release, never individually.
package batch

import (
	"errors"
	"fmt"
)

var (
	// ErrOutOfMemory is returned by New when any allocation step fails.
	ErrOutOfMemory = errors.New("batch: out of memory")

	// ErrBatchFull is returned when adding a slot would exceed capacity.
	ErrBatchFull = errors.New("batch: capacity exceeded")

	// ErrTooManySeqIDs is returned when a slot names more sequences than the
	// per-slot depth fixed at allocation.
	ErrTooManySeqIDs = errors.New("batch: too many sequence ids for slot")

	// ErrNoSeqIDs is returned when a slot has no sequence membership.
	ErrNoSeqIDs = errors.New("batch: slot needs at least one sequence id")

	// ErrWrongKind is returned when adding a token to an embedding buffer or
	// the reverse, or when an embedding has the wrong width.
	ErrWrongKind = errors.New("batch: slot kind does not match buffer")

	// ErrReleased is returned when a released buffer is used.
	ErrReleased = errors.New("batch: buffer released")
)

// Buffer is the decode batch. It is not safe for concurrent use.
type Buffer struct {
	alloc Allocator

	capacity int
	embd     int
	nSeqMax  int
	n        int

	token  []int32   // capacity entries, nil when embd > 0
	embdV  []float32 // capacity*embd entries, nil when embd == 0
	pos    []int32
	nSeqID []int32
	seqID  [][]int32 // capacity lists of nSeqMax entries
	logits []int8

	released bool
}

// Option customises New.
type Option func(*Buffer)

// WithAllocator routes every array allocation through a.
func WithAllocator(a Allocator) Option {
	return func(b *Buffer) { b.alloc = a }
}

// New allocates a buffer for capacity slots. When embd is zero each slot holds
// a token id, otherwise an embedding of embd floats. Each slot may belong to up
// to nSeqMax sequences. On any allocation failure everything allocated so far
// is released and ErrOutOfMemory is returned.
func New(capacity, embd, nSeqMax int, opts ...Option) (*Buffer, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("batch: invalid capacity %d (must be positive)", capacity)
	}
	if nSeqMax <= 0 {
		return nil, fmt.Errorf("batch: invalid sequence depth %d (must be positive)", nSeqMax)
	}
	if embd < 0 {
		return nil, fmt.Errorf("batch: invalid embedding width %d", embd)
	}

	b := &Buffer{alloc: HeapAllocator{}, capacity: capacity, embd: embd, nSeqMax: nSeqMax}
	for _, opt := range opts {
		opt(b)
	}

	if err := b.allocate(); err != nil {
		b.free()
		return nil, err
	}
	return b, nil
}

func (b *Buffer) allocate() error {
	var err error
	if b.embd > 0 {
		if b.embdV, err = b.alloc.Float32s(b.capacity * b.embd); err != nil {
			return fmt.Errorf("%w: embeddings: %v", ErrOutOfMemory, err)
		}
	} else {
		if b.token, err = b.alloc.Int32s(b.capacity); err != nil {
			return fmt.Errorf("%w: tokens: %v", ErrOutOfMemory, err)
		}
	}
	if b.pos, err = b.alloc.Int32s(b.capacity); err != nil {
		return fmt.Errorf("%w: positions: %v", ErrOutOfMemory, err)
	}
	if b.nSeqID, err = b.alloc.Int32s(b.capacity); err != nil {
		return fmt.Errorf("%w: sequence counts: %v", ErrOutOfMemory, err)
	}
	if b.seqID, err = b.alloc.Lists(b.capacity); err != nil {
		return fmt.Errorf("%w: sequence lists: %v", ErrOutOfMemory, err)
	}
	if b.logits, err = b.alloc.Int8s(b.capacity); err != nil {
		return fmt.Errorf("%w: logits: %v", ErrOutOfMemory, err)
	}
	for i := range b.seqID {
		if b.seqID[i], err = b.alloc.Int32s(b.nSeqMax); err != nil {
			return fmt.Errorf("%w: sequence list %d: %v", ErrOutOfMemory, i, err)
		}
	}
	return nil
}

// free returns whatever has been allocated. Safe on a partially built buffer.
func (b *Buffer) free() {
	for i := range b.seqID {
		if b.seqID[i] != nil {
			b.alloc.Free(b.seqID[i])
			b.seqID[i] = nil
		}
	}
	if b.token != nil {
		b.alloc.Free(b.token)
	}
	if b.embdV != nil {
		b.alloc.Free(b.embdV)
	}
	if b.pos != nil {
		b.alloc.Free(b.pos)
	}
	if b.nSeqID != nil {
		b.alloc.Free(b.nSeqID)
	}
	if b.seqID != nil {
		b.alloc.Free(b.seqID)
	}
	if b.logits != nil {
		b.alloc.Free(b.logits)
	}
	b.token, b.embdV, b.pos, b.nSeqID, b.seqID, b.logits = nil, nil, nil, nil, nil, nil
	b.n = 0
}

// Release frees every array, including all capacity per-slot sequence lists.
// Calling it again is a no-op.
func (b *Buffer) Release() {
	if b == nil || b.released {
		return
	}
	b.free()
	b.released = true
}

// Clear resets the slot count to zero without freeing anything.
func (b *Buffer) Clear() { b.n = 0 }

// Add appends a token slot.
func (b *Buffer) Add(token, pos int32, seqIDs []int32, logits bool) error {
	if b.embd > 0 {
		return ErrWrongKind
	}
	if err := b.check(seqIDs); err != nil {
		return err
	}
	b.token[b.n] = token
	b.fill(pos, seqIDs, logits)
	return nil
}

// AddEmbedding appends an embedding slot. vec must have the buffer's width.
func (b *Buffer) AddEmbedding(vec []float32, pos int32, seqIDs []int32, logits bool) error {
	if b.embd == 0 || len(vec) != b.embd {
		return ErrWrongKind
	}
	if err := b.check(seqIDs); err != nil {
		return err
	}
	copy(b.embdV[b.n*b.embd:(b.n+1)*b.embd], vec)
	b.fill(pos, seqIDs, logits)
	return nil
}

func (b *Buffer) check(seqIDs []int32) error {
	switch {
	case b.released:
		return ErrReleased
	case b.n >= b.capacity:
		return ErrBatchFull
	case len(seqIDs) == 0:
		return ErrNoSeqIDs
	case len(seqIDs) > b.nSeqMax:
		return ErrTooManySeqIDs
	}
	return nil
}

func (b *Buffer) fill(pos int32, seqIDs []int32, logits bool) {
	i := b.n
	b.pos[i] = pos
	b.nSeqID[i] = int32(len(seqIDs))
	copy(b.seqID[i], seqIDs)
	if logits {
		b.logits[i] = 1
	} else {
		b.logits[i] = 0
	}
	b.n++
}

// SetLogits toggles the request-logits flag on slot i.
func (b *Buffer) SetLogits(i int, on bool) {
	if on {
		b.logits[i] = 1
	} else {
		b.logits[i] = 0
	}
}

// Len is the number of slots in use.
func (b *Buffer) Len() int { return b.n }

// Cap is the fixed slot capacity.
func (b *Buffer) Cap() int { return b.capacity }

// SeqMax is the fixed per-slot sequence depth.
func (b *Buffer) SeqMax() int { return b.nSeqMax }

// EmbeddingDim is zero for token buffers.
func (b *Buffer) EmbeddingDim() int { return b.embd }

// LastIndex returns the index of the last slot in use, or -1.
func (b *Buffer) LastIndex() int { return b.n - 1 }

// Token returns the token id in slot i.
func (b *Buffer) Token(i int) int32 { return b.token[i] }

// Embedding returns the embedding in slot i. The slice aliases the buffer.
func (b *Buffer) Embedding(i int) []float32 { return b.embdV[i*b.embd : (i+1)*b.embd] }

// Pos returns the position of slot i.
func (b *Buffer) Pos(i int) int32 { return b.pos[i] }

// SeqIDs returns the sequence ids of slot i. The slice aliases the buffer.
func (b *Buffer) SeqIDs(i int) []int32 { return b.seqID[i][:b.nSeqID[i]] }

// Logits reports whether slot i requests logits.
func (b *Buffer) Logits(i int) bool { return b.logits[i] != 0 }

// Tokens returns the token ids in use. The slice aliases the buffer.
func (b *Buffer) Tokens() []int32 {
	if b.token == nil {
		return nil
	}
	return b.token[:b.n]
}
