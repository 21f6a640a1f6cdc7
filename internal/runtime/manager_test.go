package runtime

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PocketLM/internal/config"
	"PocketLM/internal/engine"
	"PocketLM/internal/engine/sim"
	"PocketLM/internal/session"
)

func simRegistry(cfg sim.Config) Registry {
	return Registry{
		"sim": func(config.RuntimeConfig) (engine.Backend, error) { return sim.NewBackend(cfg), nil },
	}
}

func newManager(t *testing.T, cfg sim.Config, mutate ...func(*config.RuntimeConfig)) *Manager {
	t.Helper()
	rc := config.Default().Runtime
	for _, fn := range mutate {
		fn(&rc)
	}
	m, err := NewManager(rc, simRegistry(cfg))
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestNewManagerUnknownBackend(t *testing.T) {
	rc := config.Default().Runtime
	rc.Backend = "cuda"
	_, err := NewManager(rc, DefaultRegistry)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"cuda" not registered`)
}

func TestNewManagerMissingModel(t *testing.T) {
	rc := config.Default().Runtime
	rc.ModelPath = "/nonexistent/model.gguf"
	_, err := NewManager(rc, DefaultRegistry)
	assert.ErrorIs(t, err, engine.ErrNotFound)
}

func TestGenerate(t *testing.T) {
	m := newManager(t, sim.Config{Reply: "Hi there"})

	resp, err := m.Generate(context.Background(), Request{Prompt: "Hello"})
	require.NoError(t, err)
	assert.Equal(t, "Hi there", resp.Text)
	assert.Equal(t, "eog", resp.Finish)
	assert.Equal(t, len("Hi there"), resp.Stats.TokensGenerated)
	// BOS plus one token per byte.
	assert.Equal(t, 6, resp.Stats.TokensEvaluated)
	assert.Empty(t, resp.Warnings)

	t.Run("repeatable after reset", func(t *testing.T) {
		again, err := m.Generate(context.Background(), Request{Prompt: "Hello"})
		require.NoError(t, err)
		assert.Equal(t, resp.Text, again.Text)
	})

	t.Run("length limit", func(t *testing.T) {
		short, err := m.Generate(context.Background(), Request{Prompt: "Hello", Options: GenerationOptions{MaxTokens: 2}})
		require.NoError(t, err)
		assert.Equal(t, "Hi", short.Text)
		assert.Equal(t, "length", short.Finish)
	})
}

func TestGenerateStopsOnStopToken(t *testing.T) {
	m := newManager(t, sim.Config{Reply: "answer<|im_end|>ignored"})

	resp, err := m.Generate(context.Background(), Request{Prompt: "q"})
	require.NoError(t, err)
	assert.Equal(t, "answer", resp.Text)
	assert.Equal(t, "stop_token", resp.Finish)
}

func TestStream(t *testing.T) {
	m := newManager(t, sim.Config{Reply: "día"})

	var pieces []string
	var final StreamEvent
	err := m.Stream(context.Background(), Request{Prompt: "x"}, func(ev StreamEvent) error {
		if ev.Final {
			final = ev
			return nil
		}
		pieces = append(pieces, ev.Token)
		return nil
	})
	require.NoError(t, err)
	// The two bytes of "í" are released together.
	assert.Equal(t, []string{"d", "í", "a"}, pieces)
	assert.True(t, final.Final)
	assert.Equal(t, 3, final.Index)
	assert.Equal(t, "eog", final.Finish)
	require.NotNil(t, final.Stats)
	assert.Equal(t, 4, final.Stats.TokensGenerated)
}

func TestStreamCallbackError(t *testing.T) {
	m := newManager(t, sim.Config{Reply: "abcdef"})
	stop := errors.New("client went away")

	var seen strings.Builder
	err := m.Stream(context.Background(), Request{Prompt: "x"}, func(ev StreamEvent) error {
		seen.WriteString(ev.Token)
		if seen.Len() == 2 {
			return stop
		}
		return nil
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, "ab", seen.String())
}

func TestStreamAbortedDecode(t *testing.T) {
	// Decode call 1 is the prompt; the step decode for "y" fails.
	m := newManager(t, sim.Config{Reply: "xyz", FailDecode: map[int]int{3: -1}},
		func(rc *config.RuntimeConfig) { rc.DecodePolicy = "abort" })

	var pieces []string
	var final StreamEvent
	err := m.Stream(context.Background(), Request{Prompt: "q"}, func(ev StreamEvent) error {
		if ev.Final {
			final = ev
			return nil
		}
		pieces = append(pieces, ev.Token)
		return nil
	})
	var de *engine.DecodeError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, []string{"x", "y"}, pieces)
	assert.Equal(t, "error", final.Finish)
	assert.Equal(t, err, final.Err)
	require.NotNil(t, final.Stats)
	assert.Equal(t, 2, final.Stats.TokensGenerated)
}

func TestSessionReusedAcrossRequests(t *testing.T) {
	m := newManager(t, sim.Config{Reply: "ok"})
	sess := m.sess

	for i := range 3 {
		resp, err := m.Generate(context.Background(), Request{Prompt: "q", Options: GenerationOptions{Seed: uint32(i + 1)}})
		require.NoError(t, err)
		assert.Equal(t, "ok", resp.Text)
		assert.Same(t, sess, m.sess)
	}
	require.NoError(t, m.Close())
	assert.ErrorIs(t, sess.SetSampler(nil), session.ErrClosed)
}

func TestTokenCacheCountsRepeatedPrompts(t *testing.T) {
	m := newManager(t, sim.Config{})

	for range 2 {
		_, err := m.Generate(context.Background(), Request{Prompt: "same prompt"})
		require.NoError(t, err)
	}
	info := m.Info()
	require.NotNil(t, info.TokenCache)
	assert.Equal(t, uint64(1), info.TokenCache.Hits)
}

func TestTokenCacheDisabled(t *testing.T) {
	m := newManager(t, sim.Config{}, func(rc *config.RuntimeConfig) { rc.TokenCache.Enabled = false })
	assert.Nil(t, m.Info().TokenCache)
}

func TestInfo(t *testing.T) {
	m := newManager(t, sim.Config{}, func(rc *config.RuntimeConfig) {
		rc.ContextSize = 2048
		rc.Stop = []string{"</s>"}
		rc.DecodePolicy = "abort"
	})
	info := m.Info()
	assert.Equal(t, "sim", info.Backend)
	assert.Equal(t, 2048, info.ContextSize)
	assert.Equal(t, []string{"</s>"}, info.StopStrings)
	assert.Equal(t, "abort", info.DecodePolicy)
	assert.Equal(t, "sim 0.5B Q4_0", info.Model.Description)
}

func TestBench(t *testing.T) {
	m := newManager(t, sim.Config{})
	rep, err := m.Bench(context.Background(), 16, 4, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, "sim", rep.Backend)
	assert.Len(t, rep.Trials, 2)

	// Generation still works after the benchmark wiped the memory.
	resp, err := m.Generate(context.Background(), Request{Prompt: "after"})
	require.NoError(t, err)
	assert.Equal(t, sim.DefaultReply, resp.Text)
}

func TestClosedManager(t *testing.T) {
	m := newManager(t, sim.Config{})
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	_, err := m.Generate(context.Background(), Request{Prompt: "x"})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = m.Bench(context.Background(), 1, 1, 1, 1)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSamplerParamsLayering(t *testing.T) {
	m := &Manager{cfg: config.Default().Runtime}
	m.cfg.Defaults.TopK = 40

	p := m.samplerParams(GenerationOptions{Temperature: 0.2, Seed: 7})
	assert.InDelta(t, 0.2, p.Temperature, 1e-6)
	assert.Equal(t, 40, p.TopK)
	assert.InDelta(t, 0.9, p.TopP, 1e-6)
	assert.Equal(t, uint32(7), p.Seed)
	assert.Equal(t, 32, p.PenaltyLastN)
}
