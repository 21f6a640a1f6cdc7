// Package sim is a deterministic, pure-Go inference engine. It tokenizes at
// the byte level, keeps an exact count of KV cells, and "generates" a scripted
// reply. Sessions, benchmarks and transports run against it without cgo.
package sim

import (
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"PocketLM/internal/batch"
	"PocketLM/internal/engine"
	"PocketLM/internal/logging"
)

// Config controls the simulated model.
type Config struct {
	// Reply is the text generated after any prompt. Special tokens inside it
	// are parsed, so a reply may end in "<|im_end|>".
	Reply string
	// Responder, when set, computes the reply from the decoded prompt text and
	// takes precedence over Reply.
	Responder func(prompt string) string

	// EndOfGeneration lists ids IsEndOfGeneration reports. Default: TokenEOS.
	EndOfGeneration []int32

	// DecodeLatency is slept once per decoded slot.
	DecodeLatency time.Duration
	// FailDecode maps a 1-based decode call ordinal to the status it returns.
	FailDecode map[int]int

	// MaxContextSize rejects larger contexts with ErrOutOfResources. 0 = no limit.
	MaxContextSize int

	Description string
	SizeBytes   uint64
	Params      uint64
}

// DefaultReply is used when neither Reply nor Responder is set.
const DefaultReply = "Hello from PocketLM."

func (c Config) withDefaults() Config {
	if c.Reply == "" && c.Responder == nil {
		c.Reply = DefaultReply
	}
	if len(c.EndOfGeneration) == 0 {
		c.EndOfGeneration = []int32{TokenEOS}
	}
	if c.Description == "" {
		c.Description = "sim 0.5B Q4_0"
	}
	if c.SizeBytes == 0 {
		c.SizeBytes = 352 << 20
	}
	if c.Params == 0 {
		c.Params = 494_032_768
	}
	return c
}

// Backend is the "sim" backend.
type Backend struct {
	cfg Config
}

// NewBackend returns a backend whose models use cfg.
func NewBackend(cfg Config) *Backend {
	return &Backend{cfg: cfg.withDefaults()}
}

func (b *Backend) Name() string { return "sim" }

func (b *Backend) SystemInfo() string {
	return fmt.Sprintf("sim | GOOS = %s | GOARCH = %s | NumCPU = %d", runtime.GOOS, runtime.GOARCH, runtime.NumCPU())
}

// LoadModel accepts an empty path for the built-in model. A non-empty path
// must name an existing, non-empty file.
func (b *Backend) LoadModel(path string, params engine.ModelParams) (engine.Model, error) {
	info := engine.ModelInfo{
		Description: b.cfg.Description,
		Path:        path,
		SizeBytes:   b.cfg.SizeBytes,
		Params:      b.cfg.Params,
		NCtxTrain:   32768,
		VocabSize:   VocabSize,
	}
	if path != "" {
		st, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("%w: %s", engine.ErrNotFound, path)
			}
			return nil, fmt.Errorf("sim: stat model: %w", err)
		}
		if st.Size() == 0 || st.IsDir() {
			return nil, fmt.Errorf("%w: %s", engine.ErrCorrupt, path)
		}
		info.SizeBytes = uint64(st.Size())
	}
	log := logging.With("sim")
	log.Info().Str("path", path).Str("model", info.Description).Msg("model loaded")
	return &Model{cfg: b.cfg, info: info}, nil
}

// Model is a simulated model.
type Model struct {
	cfg    Config
	info   engine.ModelInfo
	mu     sync.Mutex
	closed bool
}

func (m *Model) Info() engine.ModelInfo { return m.info }

func (m *Model) NewContext(params engine.ContextParams) (engine.Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, engine.ErrClosed
	}
	params = params.Clamp(runtime.NumCPU())
	if m.cfg.MaxContextSize > 0 && params.ContextSize > m.cfg.MaxContextSize {
		return nil, fmt.Errorf("%w: context of %d tokens exceeds %d", engine.ErrOutOfResources, params.ContextSize, m.cfg.MaxContextSize)
	}
	eog := make(map[int32]struct{}, len(m.cfg.EndOfGeneration))
	for _, id := range m.cfg.EndOfGeneration {
		eog[id] = struct{}{}
	}
	return &Context{model: m, params: params, eog: eog}, nil
}

func (m *Model) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Context is a simulated KV memory.
type Context struct {
	model  *Model
	params engine.ContextParams
	eog    map[int32]struct{}

	mu          sync.Mutex
	closed      bool
	used        int
	history     []int32
	logitsReady bool
	reply       []int32
	replyPos    int

	decodeCalls int
	clears      int
	lastClear   bool
}

func (c *Context) Tokenize(text string, addBOS, parseSpecial bool) ([]int32, error) {
	if c.isClosed() {
		return nil, engine.ErrClosed
	}
	return tokenize(text, addBOS, parseSpecial), nil
}

func (c *Context) DetokenizeOne(id int32) []byte { return pieceOf(id) }

func (c *Context) IsEndOfGeneration(id int32) bool {
	_, ok := c.eog[id]
	return ok
}

func (c *Context) Size() int { return c.params.ContextSize }

func (c *Context) Model() engine.ModelInfo { return c.model.info }

// Params returns the clamped parameters the context was created with.
func (c *Context) Params() engine.ContextParams { return c.params }

func (c *Context) Decode(b *batch.Buffer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return engine.ErrClosed
	}
	c.decodeCalls++
	if code, ok := c.model.cfg.FailDecode[c.decodeCalls]; ok && code != 0 {
		return &engine.DecodeError{Code: code}
	}
	n := b.Len()
	if n == 0 {
		return &engine.DecodeError{Code: -1}
	}
	if c.used+n > c.params.ContextSize {
		return &engine.DecodeError{Code: 1}
	}
	if d := c.model.cfg.DecodeLatency; d > 0 {
		time.Sleep(time.Duration(n) * d)
	}

	c.used += n
	for i := 0; i < n; i++ {
		if b.EmbeddingDim() == 0 && containsSeq(b.SeqIDs(i), 0) {
			c.history = append(c.history, b.Token(i))
		}
		if b.Logits(i) {
			c.logitsReady = true
		}
	}
	return nil
}

func containsSeq(ids []int32, seq int32) bool {
	for _, id := range ids {
		if id == seq {
			return true
		}
	}
	return false
}

func (c *Context) ClearMemory(preserveModel bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.used = 0
	c.history = c.history[:0]
	c.logitsReady = false
	c.reply = nil
	c.replyPos = 0
	c.clears++
	c.lastClear = preserveModel
}

func (c *Context) NewSampler(params engine.SamplerParams) (engine.Sampler, error) {
	if c.isClosed() {
		return nil, engine.ErrClosed
	}
	return &Sampler{ctx: c, params: params}, nil
}

func (c *Context) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *Context) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Stats is a snapshot of the context's counters.
type Stats struct {
	DecodeCalls       int
	Clears            int
	LastClearPreserve bool
	Used              int
}

func (c *Context) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{DecodeCalls: c.decodeCalls, Clears: c.clears, LastClearPreserve: c.lastClear, Used: c.used}
}

// History returns the tokens decoded in sequence 0 since the last clear.
func (c *Context) History() []int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int32(nil), c.history...)
}

// next returns the next reply token; the reply is computed from the decoded
// prompt on first use after a clear. Past its end the reply yields TokenEOS.
func (c *Context) next() (int32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, engine.ErrClosed
	}
	if !c.logitsReady {
		return 0, errNoLogits
	}
	if c.reply == nil {
		text := c.model.cfg.Reply
		if r := c.model.cfg.Responder; r != nil {
			text = r(detokenize(c.history))
		}
		c.reply = tokenize(text, false, true)
	}
	if c.replyPos >= len(c.reply) {
		return TokenEOS, nil
	}
	id := c.reply[c.replyPos]
	c.replyPos++
	return id, nil
}
