package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PocketLM/internal/batch"
	"PocketLM/internal/detok"
	"PocketLM/internal/engine"
	"PocketLM/internal/engine/sim"
	"PocketLM/internal/stops"
)

func newSession(t *testing.T, cfg sim.Config, params engine.ContextParams, opts ...Option) (*Session, *sim.Context) {
	t.Helper()
	m, err := sim.NewBackend(cfg).LoadModel("", engine.DefaultModelParams())
	require.NoError(t, err)
	ec, err := m.NewContext(params)
	require.NoError(t, err)
	sampler, err := ec.NewSampler(engine.DefaultSamplerParams())
	require.NoError(t, err)
	s, err := New(ec, sampler, stops.NewRegistry(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		s.Close()
		ec.Close()
		m.Close()
	})
	return s, ec.(*sim.Context)
}

// drain steps until the session reports no more output.
func drain(t *testing.T, s *Session, cur *Cursor) []string {
	t.Helper()
	var out []string
	for i := 0; i < 1000; i++ {
		text, ok, err := s.Step(cur)
		require.NoError(t, err)
		if !ok {
			return out
		}
		out = append(out, text)
	}
	t.Fatal("generation did not stop")
	return nil
}

func TestLengthLimitScenario(t *testing.T) {
	s, _ := newSession(t, sim.Config{Reply: "abcdef"}, engine.ContextParams{ContextSize: 1024})

	n, err := s.InitPrompt("H", false, 5)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, s.Warnings())
	assert.Equal(t, PromptLoaded, s.State())

	cur := NewCursor(n)
	for _, want := range []string{"a", "b", "c"} {
		text, ok, err := s.Step(cur)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want, text)
	}
	text, ok, err := s.Step(cur)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, text)
	assert.Equal(t, 5, cur.Value())
	assert.Equal(t, Stopped, s.State())
	assert.Equal(t, StopLength, s.StopReason())

	// Further steps keep reporting no more output without moving the cursor.
	_, ok, err = s.Step(cur)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 5, cur.Value())
}

func TestCursorAdvancesOncePerStep(t *testing.T) {
	s, ctx := newSession(t, sim.Config{Reply: "monotonic"}, engine.ContextParams{})
	n, err := s.InitPrompt("go", false, 100)
	require.NoError(t, err)

	cur := NewCursor(n)
	prev := cur.Value()
	for {
		_, ok, err := s.Step(cur)
		require.NoError(t, err)
		if !ok {
			break
		}
		assert.Equal(t, prev+1, cur.Value())
		prev = cur.Value()
	}
	assert.Equal(t, n+len("monotonic"), cur.Value())
	// Every generated token landed in memory at its cursor position.
	assert.Len(t, ctx.History(), n+len("monotonic"))
}

func TestStopTokenNeverLeaks(t *testing.T) {
	s, _ := newSession(t, sim.Config{Reply: "hi<|im_end|>more"}, engine.ContextParams{})
	n, err := s.InitPrompt("q", false, 100)
	require.NoError(t, err)

	out := drain(t, s, NewCursor(n))
	assert.Equal(t, "hi", strings.Join(out, ""))
	assert.Equal(t, StopToken, s.StopReason())
}

func TestEndOfGeneration(t *testing.T) {
	s, _ := newSession(t, sim.Config{Reply: "done"}, engine.ContextParams{})
	n, err := s.InitPrompt("q", false, 100)
	require.NoError(t, err)

	out := drain(t, s, NewCursor(n))
	assert.Equal(t, "done", strings.Join(out, ""))
	assert.Equal(t, StopEndOfGeneration, s.StopReason())
}

// noStopTokens fails stop-string tokenization so only the literal string
// check can catch them.
type noStopTokens struct{ engine.Context }

func (c noStopTokens) Tokenize(text string, addBOS, parseSpecial bool) ([]int32, error) {
	if !addBOS {
		return nil, errors.New("no stop tokens")
	}
	return c.Context.Tokenize(text, addBOS, parseSpecial)
}

func TestStopStringInPendingText(t *testing.T) {
	m, err := sim.NewBackend(sim.Config{Reply: "ok<|im_end|>tail"}).LoadModel("", engine.DefaultModelParams())
	require.NoError(t, err)
	ec, err := m.NewContext(engine.ContextParams{})
	require.NoError(t, err)
	ctx := noStopTokens{ec}
	sampler, err := ctx.NewSampler(engine.DefaultSamplerParams())
	require.NoError(t, err)
	reg := stops.NewRegistry()
	s, err := New(ctx, sampler, reg)
	require.NoError(t, err)
	defer s.Close()

	n, err := s.InitPrompt("q", false, 100)
	require.NoError(t, err)
	assert.True(t, reg.Ready())
	assert.Empty(t, reg.Tokens())

	out := drain(t, s, NewCursor(n))
	assert.Equal(t, "ok", strings.Join(out, ""))
	assert.Equal(t, StopString, s.StopReason())
}

func TestMultiByteIncrements(t *testing.T) {
	reply := "aé\U0001F600z"
	s, _ := newSession(t, sim.Config{Reply: reply}, engine.ContextParams{})
	n, err := s.InitPrompt("q", false, 100)
	require.NoError(t, err)

	out := drain(t, s, NewCursor(n))
	assert.Equal(t, []string{"a", "", "é", "", "", "", "\U0001F600", "z"}, out)
	assert.Equal(t, reply, strings.Join(out, ""))
}

func TestMalformedTextIsDropped(t *testing.T) {
	s, _ := newSession(t, sim.Config{Reply: "a\xffb"}, engine.ContextParams{})
	n, err := s.InitPrompt("q", false, 100)
	require.NoError(t, err)

	out := drain(t, s, NewCursor(n))
	assert.Equal(t, []string{"a", "", "b"}, out)
	require.Len(t, s.Warnings(), 1)
	assert.ErrorIs(t, s.Warnings()[0], detok.ErrMalformedText)
}

func TestContextTooSmallIsAWarning(t *testing.T) {
	s, _ := newSession(t, sim.Config{}, engine.ContextParams{ContextSize: 512})
	n, err := s.InitPrompt("H", false, 600)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, s.Warnings(), 1)
	assert.ErrorIs(t, s.Warnings()[0], ErrContextTooSmall)
	assert.Equal(t, PromptLoaded, s.State())
}

func TestLongPromptIsChunked(t *testing.T) {
	s, ctx := newSession(t, sim.Config{}, engine.ContextParams{}, WithBatchSize(4))
	// BOS plus ten digits; the limit leaves room for ten new tokens.
	const promptTokens = 11
	n, err := s.InitPrompt("0123456789", false, promptTokens+10)
	require.NoError(t, err)
	assert.Equal(t, promptTokens, n)
	assert.Equal(t, 3, ctx.Stats().DecodeCalls)
	assert.Len(t, ctx.History(), 11)

	text, ok, err := s.Step(NewCursor(n))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "H", text)
}

func TestDecodeFailurePolicies(t *testing.T) {
	// Decode call 1 is the prompt, call 2 the first step.
	cfg := sim.Config{Reply: "xyz", FailDecode: map[int]int{2: -1}}

	t.Run("continue", func(t *testing.T) {
		s, _ := newSession(t, cfg, engine.ContextParams{})
		n, err := s.InitPrompt("q", false, 100)
		require.NoError(t, err)
		cur := NewCursor(n)

		text, ok, err := s.Step(cur)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "x", text)
		assert.Equal(t, n+1, cur.Value())
		assert.Equal(t, 1, s.DecodeFailures())

		out := drain(t, s, cur)
		assert.Equal(t, "yz", strings.Join(out, ""))
	})

	t.Run("abort", func(t *testing.T) {
		s, _ := newSession(t, cfg, engine.ContextParams{}, WithDecodePolicy(DecodeAbort))
		n, err := s.InitPrompt("q", false, 100)
		require.NoError(t, err)

		text, ok, err := s.Step(NewCursor(n))
		var de *engine.DecodeError
		require.True(t, errors.As(err, &de))
		assert.Equal(t, -1, de.Code)
		assert.False(t, ok)
		assert.Equal(t, "x", text)
		assert.Equal(t, Stopped, s.State())
		assert.Equal(t, StopError, s.StopReason())
	})
}

func TestPromptDecodeFailureIsFatal(t *testing.T) {
	s, _ := newSession(t, sim.Config{FailDecode: map[int]int{1: 1}}, engine.ContextParams{})
	_, err := s.InitPrompt("q", false, 10)
	var de *engine.DecodeError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, Idle, s.State())
}

func TestFailedPromptChunkClearsMemory(t *testing.T) {
	// Three chunks of four; the second one fails.
	s, ctx := newSession(t, sim.Config{FailDecode: map[int]int{2: 1}}, engine.ContextParams{}, WithBatchSize(4))
	_, err := s.InitPrompt("0123456789", false, 21)
	var de *engine.DecodeError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, Idle, s.State())

	st := ctx.Stats()
	assert.Equal(t, 2, st.DecodeCalls)
	assert.Equal(t, 1, st.Clears)
	assert.True(t, st.LastClearPreserve)
	assert.Equal(t, 0, st.Used)
	assert.Empty(t, ctx.History())

	// The session is usable again without a Reset.
	n, err := s.InitPrompt("q", false, 10)
	require.NoError(t, err)
	assert.Len(t, ctx.History(), n)
}

func TestSetSampler(t *testing.T) {
	s, ctx := newSession(t, sim.Config{Reply: "ab"}, engine.ContextParams{})
	old := s.sampler

	next, err := ctx.NewSampler(engine.DefaultSamplerParams())
	require.NoError(t, err)
	require.NoError(t, s.SetSampler(next))
	_, err = old.Sample()
	assert.ErrorIs(t, err, engine.ErrClosed)
	require.NoError(t, s.SetSampler(next))

	n, err := s.InitPrompt("q", false, 100)
	require.NoError(t, err)
	cur := NewCursor(n)
	_, _, err = s.Step(cur)
	require.NoError(t, err)
	assert.ErrorIs(t, s.SetSampler(next), ErrBusy)
	assert.Equal(t, "b", strings.Join(drain(t, s, cur), ""))

	require.NoError(t, s.SetSampler(next))
	assert.Error(t, s.SetSampler(nil))
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.SetSampler(next), ErrClosed)
}

func TestLifecycleErrors(t *testing.T) {
	s, ctx := newSession(t, sim.Config{}, engine.ContextParams{})

	_, _, err := s.Step(NewCursor(0))
	assert.ErrorIs(t, err, ErrNoPrompt)

	_, err = s.InitPrompt("", false, 10)
	assert.ErrorIs(t, err, ErrEmptyPrompt)
	_, err = s.InitPrompt("q", false, 10)
	require.NoError(t, err)
	_, err = s.InitPrompt("q", false, 10)
	assert.ErrorIs(t, err, ErrNotIdle)

	s.Reset()
	assert.Equal(t, Idle, s.State())
	st := ctx.Stats()
	assert.Equal(t, 1, st.Clears)
	assert.True(t, st.LastClearPreserve)
	assert.Equal(t, 0, st.Used)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	_, err = s.InitPrompt("q", false, 10)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestBatchAllocationFailure(t *testing.T) {
	m, err := sim.NewBackend(sim.Config{}).LoadModel("", engine.DefaultModelParams())
	require.NoError(t, err)
	ec, err := m.NewContext(engine.ContextParams{})
	require.NoError(t, err)
	sampler, err := ec.NewSampler(engine.DefaultSamplerParams())
	require.NoError(t, err)

	tracker := &batch.TrackingAllocator{FailAfter: 3}
	_, err = New(ec, sampler, nil, WithAllocator(tracker))
	assert.ErrorIs(t, err, batch.ErrOutOfMemory)
	assert.Equal(t, 0, tracker.Live())
}

type countingObserver struct {
	mu       sync.Mutex
	prompts  int
	tokens   int
	failures int
	reasons  []StopReason
}

func (o *countingObserver) PromptDecoded(int, time.Duration) {
	o.mu.Lock()
	o.prompts++
	o.mu.Unlock()
}

func (o *countingObserver) TokenGenerated(time.Duration) {
	o.mu.Lock()
	o.tokens++
	o.mu.Unlock()
}

func (o *countingObserver) DecodeFailed(error) {
	o.mu.Lock()
	o.failures++
	o.mu.Unlock()
}

func (o *countingObserver) Stopped(r StopReason) {
	o.mu.Lock()
	o.reasons = append(o.reasons, r)
	o.mu.Unlock()
}

func TestGenerate(t *testing.T) {
	t.Run("runs to end of generation", func(t *testing.T) {
		obs := &countingObserver{}
		s, _ := newSession(t, sim.Config{Reply: "Hello world"}, engine.ContextParams{}, WithObserver(obs))
		var streamed []string
		res, err := s.Generate(context.Background(), "hi", GenerateOptions{MaxTokens: 64}, func(t string) error {
			streamed = append(streamed, t)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, "Hello world", res.Text)
		assert.Equal(t, "Hello world", strings.Join(streamed, ""))
		assert.Equal(t, 3, res.PromptTokens)
		assert.Equal(t, 11, res.GeneratedTokens)
		assert.Equal(t, StopEndOfGeneration, res.StopReason)
		assert.Positive(t, res.TTFT)

		assert.Equal(t, 1, obs.prompts)
		assert.Equal(t, 11, obs.tokens)
		assert.Equal(t, []StopReason{StopEndOfGeneration}, obs.reasons)
	})

	t.Run("max tokens counts new tokens", func(t *testing.T) {
		s, _ := newSession(t, sim.Config{Reply: "Hello world"}, engine.ContextParams{})
		res, err := s.Generate(context.Background(), "a longer prompt", GenerateOptions{MaxTokens: 5}, nil)
		require.NoError(t, err)
		assert.Equal(t, "Hello", res.Text)
		assert.Equal(t, StopLength, res.StopReason)
	})

	t.Run("callback error cancels", func(t *testing.T) {
		s, _ := newSession(t, sim.Config{Reply: "Hello world"}, engine.ContextParams{})
		gone := errors.New("client went away")
		calls := 0
		res, err := s.Generate(context.Background(), "hi", GenerateOptions{MaxTokens: 64}, func(string) error {
			calls++
			if calls == 3 {
				return gone
			}
			return nil
		})
		assert.ErrorIs(t, err, gone)
		assert.Equal(t, 3, calls)
		assert.Equal(t, "Hel", res.Text)
		assert.Equal(t, 3, res.GeneratedTokens)
		assert.Equal(t, StopCancelled, res.StopReason)
	})

	t.Run("aborted decode still streams its text", func(t *testing.T) {
		// Decode call 1 is the prompt; the step decode for "y" fails.
		cfg := sim.Config{Reply: "xyz", FailDecode: map[int]int{3: -1}}
		s, _ := newSession(t, cfg, engine.ContextParams{}, WithDecodePolicy(DecodeAbort))
		var streamed []string
		res, err := s.Generate(context.Background(), "q", GenerateOptions{MaxTokens: 64}, func(t string) error {
			streamed = append(streamed, t)
			return nil
		})
		var de *engine.DecodeError
		require.True(t, errors.As(err, &de))
		assert.Equal(t, "xy", res.Text)
		assert.Equal(t, res.Text, strings.Join(streamed, ""))
		assert.Equal(t, 2, res.GeneratedTokens)
		assert.Equal(t, StopError, res.StopReason)
		assert.Equal(t, 1, res.DecodeFailures)
	})

	t.Run("cancelled context", func(t *testing.T) {
		s, _ := newSession(t, sim.Config{Reply: "Hello world"}, engine.ContextParams{})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		res, err := s.Generate(ctx, "hi", GenerateOptions{MaxTokens: 64}, nil)
		require.NoError(t, err)
		assert.Empty(t, res.Text)
		assert.Equal(t, StopCancelled, res.StopReason)
	})

	t.Run("reusable across generations", func(t *testing.T) {
		s, ctx := newSession(t, sim.Config{Responder: func(p string) string { return "len" }}, engine.ContextParams{})
		for i := 0; i < 3; i++ {
			res, err := s.Generate(context.Background(), "again", GenerateOptions{MaxTokens: 16}, nil)
			require.NoError(t, err)
			assert.Equal(t, "len", res.Text)
		}
		assert.Equal(t, 3, ctx.Stats().Clears)
	})
}
