package batch

import (
	"errors"
	"sync"
)

// Allocator provides the backing arrays of a Buffer. Engines that want the
// arrays in foreign memory, and tests that count allocations, plug in here.
type Allocator interface {
	Int32s(n int) ([]int32, error)
	Float32s(n int) ([]float32, error)
	Int8s(n int) ([]int8, error)
	Lists(n int) ([][]int32, error)
	Free(buf any)
}

// HeapAllocator allocates on the Go heap. Free is a no-op.
type HeapAllocator struct{}

func (HeapAllocator) Int32s(n int) ([]int32, error)     { return make([]int32, n), nil }
func (HeapAllocator) Float32s(n int) ([]float32, error) { return make([]float32, n), nil }
func (HeapAllocator) Int8s(n int) ([]int8, error)       { return make([]int8, n), nil }
func (HeapAllocator) Lists(n int) ([][]int32, error)    { return make([][]int32, n), nil }
func (HeapAllocator) Free(any)                          {}

// ErrAllocLimit is returned by a TrackingAllocator once its failure point is reached.
var ErrAllocLimit = errors.New("batch: allocation limit reached")

// TrackingAllocator counts live allocations. FailAfter, when positive, makes
// the allocation with that ordinal (1-based) and every later one fail.
type TrackingAllocator struct {
	FailAfter int

	mu     sync.Mutex
	allocs int
	frees  int
	live   int
}

func (t *TrackingAllocator) take() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.FailAfter > 0 && t.allocs+1 >= t.FailAfter {
		return ErrAllocLimit
	}
	t.allocs++
	t.live++
	return nil
}

func (t *TrackingAllocator) Int32s(n int) ([]int32, error) {
	if err := t.take(); err != nil {
		return nil, err
	}
	return make([]int32, n), nil
}

func (t *TrackingAllocator) Float32s(n int) ([]float32, error) {
	if err := t.take(); err != nil {
		return nil, err
	}
	return make([]float32, n), nil
}

func (t *TrackingAllocator) Int8s(n int) ([]int8, error) {
	if err := t.take(); err != nil {
		return nil, err
	}
	return make([]int8, n), nil
}

func (t *TrackingAllocator) Lists(n int) ([][]int32, error) {
	if err := t.take(); err != nil {
		return nil, err
	}
	return make([][]int32, n), nil
}

func (t *TrackingAllocator) Free(any) {
	t.mu.Lock()
	t.frees++
	t.live--
	t.mu.Unlock()
}

// Allocs is the number of successful allocations.
func (t *TrackingAllocator) Allocs() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.allocs
}

// Frees is the number of frees.
func (t *TrackingAllocator) Frees() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frees
}

// Live is allocations minus frees.
func (t *TrackingAllocator) Live() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live
}
