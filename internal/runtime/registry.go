package runtime

import (
	"slices"

	"PocketLM/internal/config"
	"PocketLM/internal/engine"
	"PocketLM/internal/engine/sim"
)

// BackendFactory constructs an engine backend from configuration.
type BackendFactory func(config.RuntimeConfig) (engine.Backend, error)

// Registry maps backend keys to factories.
type Registry map[string]BackendFactory

// DefaultRegistry provides built-in backends. The native backend adds itself
// when built with -tags native.
var DefaultRegistry = Registry{
	"sim": newSimBackend,
}

// Register adds a new backend factory to the default registry.
func Register(name string, factory BackendFactory) {
	DefaultRegistry[name] = factory
}

// Names lists the registered backend keys in order.
func (r Registry) Names() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func newSimBackend(cfg config.RuntimeConfig) (engine.Backend, error) {
	return sim.NewBackend(sim.Config{
		Reply:         cfg.Sim.Reply,
		DecodeLatency: cfg.SimDecodeLatency(),
	}), nil
}
