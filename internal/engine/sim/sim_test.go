package sim

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PocketLM/internal/batch"
	"PocketLM/internal/engine"
)

func newContext(t *testing.T, cfg Config, params engine.ContextParams) *Context {
	t.Helper()
	m, err := NewBackend(cfg).LoadModel("", engine.DefaultModelParams())
	require.NoError(t, err)
	ctx, err := m.NewContext(params)
	require.NoError(t, err)
	t.Cleanup(func() { ctx.Close(); m.Close() })
	return ctx.(*Context)
}

func decodeText(t *testing.T, ctx *Context, text string) {
	t.Helper()
	ids, err := ctx.Tokenize(text, true, true)
	require.NoError(t, err)
	b, err := batch.New(len(ids), 0, 1)
	require.NoError(t, err)
	defer b.Release()
	for i, id := range ids {
		require.NoError(t, b.Add(id, int32(i), []int32{0}, i == len(ids)-1))
	}
	require.NoError(t, ctx.Decode(b))
}

func TestTokenizeSpecials(t *testing.T) {
	ctx := newContext(t, Config{}, engine.ContextParams{})

	ids, err := ctx.Tokenize("hi<|im_end|>", false, true)
	require.NoError(t, err)
	assert.Equal(t, []int32{'h', 'i', TokenIMEnd}, ids)

	ids, err = ctx.Tokenize("hi<|im_end|>", true, false)
	require.NoError(t, err)
	assert.Equal(t, TokenBOS, ids[0])
	assert.Len(t, ids, 1+2+len("<|im_end|>"))

	assert.Equal(t, []byte("<|im_end|>"), ctx.DetokenizeOne(TokenIMEnd))
	assert.Equal(t, []byte{0xC3}, ctx.DetokenizeOne(0xC3))
	assert.Empty(t, ctx.DetokenizeOne(TokenBOS))
	assert.True(t, ctx.IsEndOfGeneration(TokenEOS))
	assert.False(t, ctx.IsEndOfGeneration(TokenIMEnd))
}

func TestScriptedReply(t *testing.T) {
	ctx := newContext(t, Config{Reply: "ok"}, engine.ContextParams{})
	s, err := ctx.NewSampler(engine.DefaultSamplerParams())
	require.NoError(t, err)

	_, err = s.Sample()
	assert.Error(t, err, "sampling before any decode")

	decodeText(t, ctx, "prompt")
	var got []int32
	for i := 0; i < 3; i++ {
		id, err := s.Sample()
		require.NoError(t, err)
		got = append(got, id)
	}
	assert.Equal(t, []int32{'o', 'k', TokenEOS}, got)
}

func TestResponderSeesPrompt(t *testing.T) {
	var seen string
	ctx := newContext(t, Config{Responder: func(p string) string { seen = p; return "x" }}, engine.ContextParams{})
	decodeText(t, ctx, "<|im_start|>user\nhey<|im_end|>")
	s, _ := ctx.NewSampler(engine.DefaultSamplerParams())
	id, err := s.Sample()
	require.NoError(t, err)
	assert.Equal(t, int32('x'), id)
	assert.Equal(t, "<|im_start|>user\nhey<|im_end|>", seen)
}

func TestDecodeOverflowAndInjectedFailure(t *testing.T) {
	ctx := newContext(t, Config{FailDecode: map[int]int{2: -7}}, engine.ContextParams{ContextSize: 512})

	b, err := batch.New(512, 0, 1)
	require.NoError(t, err)
	defer b.Release()

	require.NoError(t, b.Add(1, 0, []int32{0}, true))
	require.NoError(t, ctx.Decode(b))

	err = ctx.Decode(b)
	var de *engine.DecodeError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, -7, de.Code)

	b.Clear()
	for i := 0; i < 512; i++ {
		require.NoError(t, b.Add(1, int32(i+1), []int32{0}, false))
	}
	err = ctx.Decode(b)
	require.True(t, errors.As(err, &de))
	assert.Equal(t, 1, de.Code, "window full")

	ctx.ClearMemory(true)
	require.NoError(t, ctx.Decode(b))
	st := ctx.Stats()
	assert.Equal(t, 1, st.Clears)
	assert.True(t, st.LastClearPreserve)
	assert.Equal(t, 512, st.Used)
}

func TestLoadModelErrors(t *testing.T) {
	be := NewBackend(Config{})
	dir := t.TempDir()

	_, err := be.LoadModel(filepath.Join(dir, "missing.gguf"), engine.DefaultModelParams())
	assert.ErrorIs(t, err, engine.ErrNotFound)

	empty := filepath.Join(dir, "empty.gguf")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	_, err = be.LoadModel(empty, engine.DefaultModelParams())
	assert.ErrorIs(t, err, engine.ErrCorrupt)

	ok := filepath.Join(dir, "tiny.gguf")
	require.NoError(t, os.WriteFile(ok, []byte("GGUF"), 0o644))
	m, err := be.LoadModel(ok, engine.DefaultModelParams())
	require.NoError(t, err)
	assert.Equal(t, uint64(4), m.Info().SizeBytes)

	limited := NewBackend(Config{MaxContextSize: 1024})
	m, err = limited.LoadModel("", engine.DefaultModelParams())
	require.NoError(t, err)
	_, err = m.NewContext(engine.ContextParams{ContextSize: 4096})
	assert.ErrorIs(t, err, engine.ErrOutOfResources)
}

func TestClosedContext(t *testing.T) {
	ctx := newContext(t, Config{}, engine.ContextParams{})
	require.NoError(t, ctx.Close())
	_, err := ctx.Tokenize("x", false, false)
	assert.ErrorIs(t, err, engine.ErrClosed)
	_, err = ctx.NewSampler(engine.DefaultSamplerParams())
	assert.ErrorIs(t, err, engine.ErrClosed)
}
