package stops

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingTokenizer maps each stop string to fixed ids and counts calls.
type countingTokenizer struct {
	calls atomic.Int32
	delay time.Duration
	fail  map[string]bool
}

func (c *countingTokenizer) Tokenize(text string, addBOS, parseSpecial bool) ([]int32, error) {
	c.calls.Add(1)
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	if addBOS || !parseSpecial {
		return nil, errors.New("stop strings must be tokenized without BOS and with special parsing")
	}
	if c.fail[text] {
		return nil, errors.New("tokenize failed")
	}
	switch text {
	case "<|im_end|>":
		return []int32{151645}, nil
	case "<|endoftext|>":
		return []int32{151643}, nil
	default:
		// Multi-token stop: one id per byte.
		ids := make([]int32, len(text))
		for i := range text {
			ids[i] = int32(text[i])
		}
		return ids, nil
	}
}

func TestEnsureInitializedConcurrent(t *testing.T) {
	const n = 32
	reg := NewRegistry()
	tok := &countingTokenizer{delay: 10 * time.Millisecond}

	var wg sync.WaitGroup
	results := make([][]int32, n)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			reg.EnsureInitialized(tok)
			// Every caller must see the full set on return.
			got := reg.Tokens()
			sort.Slice(got, func(a, b int) bool { return got[a] < got[b] })
			results[i] = got
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, reg.Populations())
	assert.Equal(t, int32(len(DefaultStrings)), tok.calls.Load())
	for i := range results {
		assert.Equal(t, []int32{151643, 151645}, results[i], "observer %d", i)
	}
}

func TestEnsureInitializedIdempotent(t *testing.T) {
	reg := NewRegistry()
	tok := &countingTokenizer{}
	for i := 0; i < 5; i++ {
		reg.EnsureInitialized(tok)
	}
	assert.Equal(t, 1, reg.Populations())
	assert.Equal(t, int32(2), tok.calls.Load())
	assert.True(t, reg.Ready())
}

func TestIsStopToken(t *testing.T) {
	reg := NewRegistry()
	assert.False(t, reg.IsStopToken(151645), "no stop tokens before initialization")

	reg.EnsureInitialized(&countingTokenizer{})
	assert.True(t, reg.IsStopToken(151645))
	assert.True(t, reg.IsStopToken(151643))
	assert.False(t, reg.IsStopToken(42))
}

func TestTokenizeFailureStillPublishes(t *testing.T) {
	reg := NewRegistry()
	tok := &countingTokenizer{fail: map[string]bool{"<|endoftext|>": true}}
	reg.EnsureInitialized(tok)

	require.True(t, reg.Ready())
	assert.True(t, reg.IsStopToken(151645))
	assert.False(t, reg.IsStopToken(151643))
}

func TestContainsStopString(t *testing.T) {
	reg := NewRegistry("###", "<|im_end|>")
	tests := []struct {
		text string
		want bool
	}{
		{"", false},
		{"plain text", false},
		{"answer<|im_end|>", true},
		{"<|im_", false},
		{"a ### b", true},
	}
	for _, tt := range tests {
		if got := reg.ContainsStopString(tt.text); got != tt.want {
			t.Errorf("ContainsStopString(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestNewRegistryDefaults(t *testing.T) {
	assert.Equal(t, DefaultStrings, NewRegistry().Strings())
	assert.Equal(t, DefaultStrings, NewRegistry("", "").Strings())
	assert.Equal(t, []string{"</s>"}, NewRegistry("</s>").Strings())
}

func TestMatchPreset(t *testing.T) {
	tests := []struct {
		desc, file string
		want       string
		ok         bool
	}{
		{"qwen2 0.5B Q4_K - Medium", "", "ChatML (Qwen)", true},
		{"", "/models/Llama-3.2-1B-Instruct-Q4_K_M.gguf", "Llama 3", true},
		{"gemma2 2B", "", "Gemma", true},
		{"", "phi-3.5-mini.gguf", "Phi-3", true},
		{"mystery 7B", "model.gguf", "", false},
	}
	for _, tt := range tests {
		p, ok := MatchPreset(tt.desc, tt.file)
		if ok != tt.ok || p.Name != tt.want {
			t.Errorf("MatchPreset(%q, %q) = (%q, %v), want (%q, %v)", tt.desc, tt.file, p.Name, ok, tt.want, tt.ok)
		}
	}
}

func TestForModel(t *testing.T) {
	assert.Equal(t, []string{"STOP"}, ForModel("qwen", "", []string{"STOP"}).Strings())
	assert.Equal(t, []string{"<end_of_turn>", "<eos>"}, ForModel("gemma 2b", "", nil).Strings())
	assert.Equal(t, DefaultStrings, ForModel("unknown", "x.gguf", nil).Strings())
}
