// Package stops holds the stop conditions shared by every generation session
// in a process: literal stop strings and the token ids they tokenize to.
package stops

import (
	"strings"
	"sync/atomic"

	"PocketLM/internal/logging"
)

// DefaultStrings are the ChatML end-of-turn and end-of-text markers.
var DefaultStrings = []string{"<|im_end|>", "<|endoftext|>"}

// Tokenizer converts text to token ids against the active vocabulary.
type Tokenizer interface {
	Tokenize(text string, addBOS, parseSpecial bool) ([]int32, error)
}

type tokenSet map[int32]struct{}

// Registry is populated exactly once and immutable afterwards. Create one per
// process and hand it to every session.
type Registry struct {
	strs []string

	claimed atomic.Bool
	ready   chan struct{}
	set     atomic.Pointer[tokenSet]
	passes  atomic.Int32
}

// NewRegistry creates an unpopulated registry. With no arguments the
// DefaultStrings are used.
func NewRegistry(stopStrings ...string) *Registry {
	strs := make([]string, 0, len(stopStrings))
	for _, s := range stopStrings {
		if s != "" {
			strs = append(strs, s)
		}
	}
	if len(strs) == 0 {
		strs = append(strs, DefaultStrings...)
	}
	return &Registry{strs: strs, ready: make(chan struct{})}
}

// EnsureInitialized tokenizes the stop strings once. The first caller claims
// the registry and populates it; concurrent callers wait until the populated
// set is published. Once published this is a single atomic load.
func (r *Registry) EnsureInitialized(tok Tokenizer) {
	if r.set.Load() != nil {
		return
	}
	if !r.claimed.CompareAndSwap(false, true) {
		<-r.ready
		return
	}
	r.populate(tok)
}

func (r *Registry) populate(tok Tokenizer) {
	set := make(tokenSet)
	defer func() {
		r.set.Store(&set)
		close(r.ready)
	}()
	r.passes.Add(1)

	log := logging.With("stops")
	for _, s := range r.strs {
		ids, err := tok.Tokenize(s, false, true)
		if err != nil {
			log.Warn().Err(err).Str("stop", s).Msg("failed to tokenize stop string")
			continue
		}
		for _, id := range ids {
			set[id] = struct{}{}
		}
	}
	log.Debug().Int("tokens", len(set)).Strs("strings", r.strs).Msg("stop registry populated")
}

// Ready reports whether the token set has been published.
func (r *Registry) Ready() bool { return r.set.Load() != nil }

// Populations is the number of population passes run, 0 or 1.
func (r *Registry) Populations() int { return int(r.passes.Load()) }

// IsStopToken reports whether id is a stop token. False before initialization.
func (r *Registry) IsStopToken(id int32) bool {
	s := r.set.Load()
	if s == nil {
		return false
	}
	_, ok := (*s)[id]
	return ok
}

// ContainsStopString reports whether text contains any literal stop string.
func (r *Registry) ContainsStopString(text string) bool {
	for _, s := range r.strs {
		if strings.Contains(text, s) {
			return true
		}
	}
	return false
}

// Strings returns a copy of the literal stop strings.
func (r *Registry) Strings() []string {
	return append([]string(nil), r.strs...)
}

// Tokens returns the published stop token ids in no particular order.
func (r *Registry) Tokens() []int32 {
	s := r.set.Load()
	if s == nil {
		return nil
	}
	out := make([]int32, 0, len(*s))
	for id := range *s {
		out = append(out, id)
	}
	return out
}
