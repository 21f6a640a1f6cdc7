// Package native binds llama.cpp through cgo and implements the engine
// interfaces on top of it. The cgo half is compiled only with -tags native and
// expects a built llama.cpp tree next to the module (llama.cpp/build).
//
// The helpers in this file are pure Go so they can be tested without the
// native libraries.
package native

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"PocketLM/internal/engine"
)

// BackendName is the registry key for this backend.
const BackendName = "native"

var ggufMagic = []byte("GGUF")

// checkModelFile classifies path before handing it to llama.cpp, which only
// reports a null model on failure.
func checkModelFile(path string) error {
	if path == "" {
		return fmt.Errorf("%w: native backend needs runtime.model_path", engine.ErrNotFound)
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", engine.ErrNotFound, path)
		}
		return fmt.Errorf("native: open model: %w", err)
	}
	defer f.Close()

	magic := make([]byte, len(ggufMagic))
	if _, err := io.ReadFull(f, magic); err != nil || !bytes.Equal(magic, ggufMagic) {
		return fmt.Errorf("%w: %s is not a GGUF file", engine.ErrCorrupt, path)
	}
	return nil
}

// decodeStatus maps a llama_decode return code.
func decodeStatus(rc int32) error {
	if rc == 0 {
		return nil
	}
	return &engine.DecodeError{Code: int(rc)}
}

type stage int

const (
	stagePenalties stage = iota
	stageTopK
	stageTopP
	stageMinP
	stageTemperature
	stageDist
	stageGreedy
)

func (s stage) String() string {
	switch s {
	case stagePenalties:
		return "penalties"
	case stageTopK:
		return "top-k"
	case stageTopP:
		return "top-p"
	case stageMinP:
		return "min-p"
	case stageTemperature:
		return "temp"
	case stageDist:
		return "dist"
	case stageGreedy:
		return "greedy"
	}
	return "unknown"
}

// samplerStages lists the chain the sampler builds for p, in order.
// Disabled filters are left out; the chain always ends in one selector.
func samplerStages(p engine.SamplerParams) []stage {
	var out []stage
	if p.PenaltiesEnabled() {
		out = append(out, stagePenalties)
	}
	if p.TopK > 0 {
		out = append(out, stageTopK)
	}
	if p.TopP > 0 && p.TopP < 1 {
		out = append(out, stageTopP)
	}
	if p.MinP > 0 {
		out = append(out, stageMinP)
	}
	if p.Greedy() {
		return append(out, stageGreedy)
	}
	return append(out, stageTemperature, stageDist)
}

// ggml_log_level values.
const (
	ggmlLogNone = iota
	ggmlLogDebug
	ggmlLogInfo
	ggmlLogWarn
	ggmlLogError
	ggmlLogCont
)

// logLevel maps a ggml log level onto zerolog. llama.cpp is chatty at info,
// so info lines are demoted to debug.
func logLevel(level int) zerolog.Level {
	switch level {
	case ggmlLogError:
		return zerolog.ErrorLevel
	case ggmlLogWarn:
		return zerolog.WarnLevel
	case ggmlLogInfo, ggmlLogDebug, ggmlLogCont:
		return zerolog.DebugLevel
	}
	return zerolog.Disabled
}

// cString trims a fixed C buffer at its first NUL.
func cString(buf []byte) string {
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		buf = buf[:i]
	}
	return string(buf)
}
