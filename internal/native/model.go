//go:build native

package native

/*
#include <stdlib.h>
#include "llama.h"
*/
import "C"
import (
	"fmt"
	goruntime "runtime"
	"sync"
	"unsafe"

	"PocketLM/internal/config"
	"PocketLM/internal/engine"
	"PocketLM/internal/logging"
)

// Backend loads GGUF models through llama.cpp.
type Backend struct{}

// NewBackend initializes llama.cpp once per process.
func NewBackend(config.RuntimeConfig) (engine.Backend, error) {
	backendInit()
	return &Backend{}, nil
}

func (b *Backend) Name() string { return BackendName }

func (b *Backend) SystemInfo() string { return systemInfo() }

func (b *Backend) LoadModel(path string, params engine.ModelParams) (engine.Model, error) {
	if err := checkModelFile(path); err != nil {
		return nil, err
	}

	mp := C.llama_model_default_params()
	mp.n_gpu_layers = C.int32_t(params.GPULayers)
	mp.use_mmap = C.bool(params.UseMmap)
	mp.use_mlock = C.bool(params.UseMlock)

	cpath := C.CString(path)
	defer C.free(unsafe.Pointer(cpath))
	handle := C.llama_model_load_from_file(cpath, mp)
	if handle == nil {
		return nil, fmt.Errorf("%w: llama.cpp could not load %s", engine.ErrCorrupt, path)
	}

	m := &Model{handle: handle, vocab: C.llama_model_get_vocab(handle)}
	m.info = m.readInfo(path)
	log := logging.With("native")
	log.Info().
		Str("path", path).
		Str("model", m.info.Description).
		Int("gpu_layers", params.GPULayers).
		Msg("model loaded")
	return m, nil
}

// Model owns a llama_model. Contexts borrow its vocabulary.
type Model struct {
	mu     sync.RWMutex
	handle *C.struct_llama_model
	vocab  *C.struct_llama_vocab
	info   engine.ModelInfo
	closed bool
}

func (m *Model) readInfo(path string) engine.ModelInfo {
	desc := make([]byte, 128)
	C.llama_model_desc(m.handle, (*C.char)(unsafe.Pointer(&desc[0])), C.size_t(len(desc)))
	return engine.ModelInfo{
		Description: cString(desc),
		Path:        path,
		SizeBytes:   uint64(C.llama_model_size(m.handle)),
		Params:      uint64(C.llama_model_n_params(m.handle)),
		NCtxTrain:   int(C.llama_model_n_ctx_train(m.handle)),
		VocabSize:   int(C.llama_vocab_n_tokens(m.vocab)),
	}
}

func (m *Model) Info() engine.ModelInfo { return m.info }

func (m *Model) NewContext(params engine.ContextParams) (engine.Context, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, engine.ErrClosed
	}
	params = params.Clamp(goruntime.NumCPU())

	cp := C.llama_context_default_params()
	cp.n_ctx = C.uint32_t(params.ContextSize)
	cp.n_batch = C.uint32_t(params.BatchSize)
	cp.n_ubatch = C.uint32_t(params.BatchSize)
	cp.n_threads = C.int32_t(params.Threads)
	cp.n_threads_batch = C.int32_t(params.ThreadsBatch)

	handle := C.llama_init_from_model(m.handle, cp)
	if handle == nil {
		return nil, fmt.Errorf("%w: context of %d tokens", engine.ErrOutOfResources, params.ContextSize)
	}
	log := logging.With("native")
	log.Debug().
		Int("n_ctx", params.ContextSize).
		Int("n_batch", params.BatchSize).
		Int("threads", params.Threads).
		Msg("context created")
	return &Context{model: m, handle: handle, params: params}, nil
}

// Close frees the weights. Contexts must be closed first.
func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	C.llama_model_free(m.handle)
	m.handle, m.vocab = nil, nil
	return nil
}

func (m *Model) tokenize(text string, addBOS, parseSpecial bool) ([]int32, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, engine.ErrClosed
	}

	ctext := C.CString(text)
	defer C.free(unsafe.Pointer(ctext))

	// A first call with no room returns the negated token count.
	n := int32(C.llama_tokenize(m.vocab, ctext, C.int32_t(len(text)), nil, 0, C.bool(addBOS), C.bool(parseSpecial)))
	if n == 0 {
		return nil, nil
	}
	if n < 0 {
		n = -n
	}
	tokens := make([]int32, n)
	got := int32(C.llama_tokenize(m.vocab, ctext, C.int32_t(len(text)),
		(*C.llama_token)(unsafe.Pointer(&tokens[0])), C.int32_t(n), C.bool(addBOS), C.bool(parseSpecial)))
	goruntime.KeepAlive(tokens)
	if got < 0 {
		return nil, fmt.Errorf("native: tokenize needs %d tokens, had %d", -got, n)
	}
	return tokens[:got], nil
}

func (m *Model) piece(id int32) []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil
	}
	buf := make([]byte, 32)
	for {
		n := int32(C.llama_token_to_piece(m.vocab, C.llama_token(id),
			(*C.char)(unsafe.Pointer(&buf[0])), C.int32_t(len(buf)), 0, C.bool(true)))
		if n >= 0 {
			return buf[:n]
		}
		buf = make([]byte, -n)
	}
}

func (m *Model) isEOG(id int32) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return true
	}
	return bool(C.llama_vocab_is_eog(m.vocab, C.llama_token(id)))
}
