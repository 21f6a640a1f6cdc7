package batch

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTripReleasesEverything(t *testing.T) {
	tracker := &TrackingAllocator{}
	b, err := New(16, 0, 4, WithAllocator(tracker))
	require.NoError(t, err)

	// 5 top-level arrays plus one sequence list per slot.
	assert.Equal(t, 5+16, tracker.Allocs())

	for i := 0; i < 16; i++ {
		require.NoError(t, b.Add(int32(100+i), int32(i), []int32{0}, i == 15))
	}
	assert.Equal(t, 16, b.Len())

	b.Clear()
	assert.Equal(t, 0, b.Len())
	assert.Equal(t, 16, b.Cap())

	b.Release()
	assert.Equal(t, 0, tracker.Live(), "leaked allocations")
	assert.Equal(t, 5+16, tracker.Frees())
}

func TestReleaseFreesUnusedSlots(t *testing.T) {
	tracker := &TrackingAllocator{}
	b, err := New(8, 0, 2, WithAllocator(tracker))
	require.NoError(t, err)

	require.NoError(t, b.Add(1, 0, []int32{0}, true))
	b.Release()

	assert.Equal(t, 0, tracker.Live())
	assert.Equal(t, 5+8, tracker.Frees())
}

func TestReleaseTwiceIsNoop(t *testing.T) {
	tracker := &TrackingAllocator{}
	b, err := New(4, 0, 1, WithAllocator(tracker))
	require.NoError(t, err)

	b.Release()
	b.Release()
	assert.Equal(t, 5+4, tracker.Frees())
	assert.ErrorIs(t, b.Add(1, 0, []int32{0}, false), ErrReleased)
}

func TestPartialAllocationFailureLeaksNothing(t *testing.T) {
	const capacity = 6
	total := 5 + capacity
	for failAt := 1; failAt <= total; failAt++ {
		tracker := &TrackingAllocator{FailAfter: failAt}
		b, err := New(capacity, 0, 3, WithAllocator(tracker))
		if b != nil {
			t.Fatalf("failAt=%d: got a buffer, want nil", failAt)
		}
		if !errors.Is(err, ErrOutOfMemory) {
			t.Fatalf("failAt=%d: err = %v, want ErrOutOfMemory", failAt, err)
		}
		if tracker.Live() != 0 {
			t.Errorf("failAt=%d: %d allocations leaked", failAt, tracker.Live())
		}
		if tracker.Allocs() != failAt-1 {
			t.Errorf("failAt=%d: allocs = %d, want %d", failAt, tracker.Allocs(), failAt-1)
		}
	}
}

func TestEmbeddingBuffer(t *testing.T) {
	tracker := &TrackingAllocator{}
	b, err := New(3, 4, 1, WithAllocator(tracker))
	require.NoError(t, err)
	defer b.Release()

	assert.Equal(t, 4, b.EmbeddingDim())
	assert.ErrorIs(t, b.Add(7, 0, []int32{0}, false), ErrWrongKind)
	assert.ErrorIs(t, b.AddEmbedding([]float32{1, 2}, 0, []int32{0}, false), ErrWrongKind)

	require.NoError(t, b.AddEmbedding([]float32{1, 2, 3, 4}, 0, []int32{0}, false))
	require.NoError(t, b.AddEmbedding([]float32{5, 6, 7, 8}, 1, []int32{0}, true))
	assert.Equal(t, []float32{5, 6, 7, 8}, b.Embedding(1))
	assert.Nil(t, b.Tokens())
	assert.Equal(t, 5+3, tracker.Allocs())
}

func TestAddConstraints(t *testing.T) {
	b, err := New(2, 0, 2)
	require.NoError(t, err)
	defer b.Release()

	t.Run("no sequence ids", func(t *testing.T) {
		assert.ErrorIs(t, b.Add(1, 0, nil, true), ErrNoSeqIDs)
	})
	t.Run("too many sequence ids", func(t *testing.T) {
		assert.ErrorIs(t, b.Add(1, 0, []int32{0, 1, 2}, true), ErrTooManySeqIDs)
	})
	t.Run("capacity", func(t *testing.T) {
		require.NoError(t, b.Add(1, 0, []int32{0}, false))
		require.NoError(t, b.Add(2, 1, []int32{0, 1}, true))
		assert.ErrorIs(t, b.Add(3, 2, []int32{0}, true), ErrBatchFull)
	})
}

func TestSlotAccessors(t *testing.T) {
	b, err := New(4, 0, 3)
	require.NoError(t, err)
	defer b.Release()

	require.NoError(t, b.Add(11, 5, []int32{0, 2}, false))
	require.NoError(t, b.Add(12, 6, []int32{1}, false))
	b.SetLogits(b.LastIndex(), true)

	assert.Equal(t, int32(11), b.Token(0))
	assert.Equal(t, int32(5), b.Pos(0))
	assert.Equal(t, []int32{0, 2}, b.SeqIDs(0))
	assert.False(t, b.Logits(0))
	assert.Equal(t, []int32{1}, b.SeqIDs(1))
	assert.True(t, b.Logits(1))
	assert.Equal(t, []int32{11, 12}, b.Tokens())

	// Clearing and re-adding overwrites stale sequence ids.
	b.Clear()
	require.NoError(t, b.Add(13, 0, []int32{1}, true))
	assert.Equal(t, []int32{1}, b.SeqIDs(0))
	assert.Equal(t, 0, b.LastIndex())
}

func TestNewRejectsBadShape(t *testing.T) {
	tests := []struct {
		name           string
		capacity, embd int
		nSeqMax        int
	}{
		{"zero capacity", 0, 0, 1},
		{"zero seq depth", 4, 0, 0},
		{"negative embd", 4, -1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := New(tt.capacity, tt.embd, tt.nSeqMax)
			assert.Nil(t, b)
			assert.Error(t, err)
		})
	}
}
