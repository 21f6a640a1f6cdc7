package runtime

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"PocketLM/internal/bench"
	"PocketLM/internal/config"
	"PocketLM/internal/engine"
	"PocketLM/internal/logging"
	"PocketLM/internal/session"
	"PocketLM/internal/stops"
	"PocketLM/internal/tokcache"
)

// Manager owns one loaded model and context and serializes generations and
// benchmarks on it.
type Manager struct {
	mu sync.Mutex

	cfg     config.RuntimeConfig
	backend engine.Backend
	model   engine.Model
	ctx     engine.Context
	sess    *session.Session
	cache   *tokcache.Context
	stops   *stops.Registry
	policy  session.DecodePolicy
	info    Info

	observer session.Observer
	closed   bool
}

// Option customises NewManager.
type Option func(*Manager)

// WithObserver forwards session events, typically to metrics.
func WithObserver(o session.Observer) Option {
	return func(m *Manager) { m.observer = o }
}

// NewManager loads the configured model and creates its context.
func NewManager(cfg config.RuntimeConfig, registry Registry, opts ...Option) (*Manager, error) {
	name := strings.TrimSpace(strings.ToLower(cfg.Backend))
	if name == "" {
		name = "sim"
	}

	factory, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("runtime: backend %q not registered (have %s)", name, strings.Join(registry.Names(), ", "))
	}

	backend, err := factory(cfg)
	if err != nil {
		return nil, err
	}

	log := logging.With("runtime")

	mp := engine.DefaultModelParams()
	mp.GPULayers = cfg.GPULayers
	if cfg.Mmap != nil {
		mp.UseMmap = *cfg.Mmap
	}
	if cfg.Mlock != nil {
		mp.UseMlock = *cfg.Mlock
	}
	model, err := backend.LoadModel(cfg.ModelPath, mp)
	if err != nil {
		return nil, fmt.Errorf("runtime: load model: %w", err)
	}

	cp := engine.ContextParams{
		ContextSize:  cfg.ContextSize,
		BatchSize:    cfg.BatchSize,
		Threads:      cfg.Threads,
		ThreadsBatch: cfg.ThreadsBatch,
		Seed:         cfg.Defaults.Seed,
	}
	ectx, err := model.NewContext(cp)
	if err != nil {
		model.Close()
		return nil, fmt.Errorf("runtime: create context: %w", err)
	}

	m := &Manager{
		cfg:     cfg,
		backend: backend,
		model:   model,
		ctx:     ectx,
		policy:  session.ParseDecodePolicy(cfg.DecodePolicy),
	}
	if cfg.TokenCache.Enabled {
		m.cache = tokcache.Wrap(ectx, tokcache.Options{
			TTL:      cfg.TokenCacheTTL(),
			Capacity: uint64(max(cfg.TokenCache.Capacity, 0)),
		})
		m.ctx = m.cache
	}

	info := model.Info()
	m.stops = stops.ForModel(info.Description, cfg.ModelPath, cfg.Stop)

	for _, opt := range opts {
		opt(m)
	}

	if err := m.newSession(); err != nil {
		ectx.Close()
		model.Close()
		return nil, err
	}

	m.info = Info{
		Backend:      backend.Name(),
		SystemInfo:   backend.SystemInfo(),
		Model:        info,
		ContextSize:  m.ctx.Size(),
		BatchSize:    cfg.BatchSize,
		DecodePolicy: m.policy.String(),
		StopStrings:  m.stops.Strings(),
	}
	if m.info.BatchSize <= 0 {
		m.info.BatchSize = engine.DefaultBatchSize
	}

	log.Info().
		Str("backend", backend.Name()).
		Str("model", info.Description).
		Int("n_ctx", m.ctx.Size()).
		Strs("stop", m.stops.Strings()).
		Stringer("decode_policy", m.policy).
		Msg("runtime ready")

	return m, nil
}

// Close frees the context and the model.
func (m *Manager) Close() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	serr := m.sess.Close()
	cerr := m.ctx.Close()
	merr := m.model.Close()
	return cmp.Or(serr, cerr, merr)
}

// newSession builds the session every request reuses. Its sampler is
// replaced per request.
func (m *Manager) newSession() error {
	sampler, err := m.ctx.NewSampler(m.samplerParams(GenerationOptions{}))
	if err != nil {
		return fmt.Errorf("runtime: create sampler: %w", err)
	}
	sopts := []session.Option{
		session.WithBatchSize(m.cfg.BatchSize),
		session.WithDecodePolicy(m.policy),
	}
	if m.observer != nil {
		sopts = append(sopts, session.WithObserver(m.observer))
	}
	sess, err := session.New(m.ctx, sampler, m.stops, sopts...)
	if err != nil {
		sampler.Close()
		return err
	}
	m.sess = sess
	return nil
}

// Generate runs a single-shot completion request.
func (m *Manager) Generate(ctx context.Context, req Request) (Response, error) {
	return m.run(ctx, req, nil)
}

// Stream runs a generation and calls cb for every text increment, then once
// with Final set. An error from cb stops generation and is returned.
func (m *Manager) Stream(ctx context.Context, req Request, cb StreamCallback) error {
	idx := 0
	var cbErr error
	onText := func(text string) error {
		if err := cb(StreamEvent{Token: text, Index: idx}); err != nil {
			cbErr = err
			return err
		}
		idx++
		return nil
	}
	resp, err := m.run(ctx, req, onText)
	if cbErr != nil {
		return cbErr
	}
	final := StreamEvent{Index: idx, Final: true, Finish: resp.Finish, Err: err, Stats: &resp.Stats}
	if ferr := cb(final); ferr != nil && err == nil {
		err = ferr
	}
	return err
}

func (m *Manager) run(ctx context.Context, req Request, onText func(string) error) (Response, error) {
	if m == nil {
		return Response{}, fmt.Errorf("runtime: no manager configured")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Response{}, ErrClosed
	}

	// A fresh sampler per request keeps seeded sampling reproducible; the
	// session and its batch are reused.
	sampler, err := m.ctx.NewSampler(m.samplerParams(req.Options))
	if err != nil {
		return Response{}, fmt.Errorf("runtime: create sampler: %w", err)
	}
	if err := m.sess.SetSampler(sampler); err != nil {
		sampler.Close()
		return Response{}, err
	}

	maxTokens := req.Options.MaxTokens
	if maxTokens <= 0 {
		maxTokens = m.cfg.Defaults.MaxTokens
	}
	parseSpecial := req.Options.ParseSpecial || m.cfg.Defaults.ParseSpecial

	res, err := m.sess.Generate(ctx, req.Prompt, session.GenerateOptions{
		MaxTokens:    maxTokens,
		ParseSpecial: parseSpecial,
	}, onText)

	resp := Response{
		Text:   res.Text,
		Finish: res.StopReason.String(),
		Stats: Stats{
			TokensEvaluated: res.PromptTokens,
			TokensGenerated: res.GeneratedTokens,
			Duration:        res.PromptDuration + res.GenDuration,
			TTFT:            res.TTFT,
			PromptTPS:       res.PromptTokensPerSecond(),
			GenerationTPS:   res.TokensPerSecond(),
			DecodeFailures:  res.DecodeFailures,
		},
	}
	for _, w := range res.Warnings {
		resp.Warnings = append(resp.Warnings, w.Error())
	}
	return resp, err
}

// samplerParams layers configured defaults and request options over the
// engine defaults.
func (m *Manager) samplerParams(o GenerationOptions) engine.SamplerParams {
	p := engine.DefaultSamplerParams()
	apply := func(d config.GenerationDefaults) {
		if d.Temperature != 0 {
			p.Temperature = float32(d.Temperature)
		}
		if d.TopK != 0 {
			p.TopK = d.TopK
		}
		if d.TopP != 0 {
			p.TopP = float32(d.TopP)
		}
		if d.MinP != 0 {
			p.MinP = float32(d.MinP)
		}
		if d.RepeatPenalty != 0 {
			p.RepeatPenalty = float32(d.RepeatPenalty)
		}
		if d.RepeatLastN != 0 {
			p.PenaltyLastN = d.RepeatLastN
		}
		if d.FrequencyPenalty != 0 {
			p.FreqPenalty = float32(d.FrequencyPenalty)
		}
		if d.PresencePenalty != 0 {
			p.PresencePenalty = float32(d.PresencePenalty)
		}
		if d.Seed != 0 {
			p.Seed = d.Seed
		}
	}
	apply(m.cfg.Defaults)
	apply(config.GenerationDefaults{
		Temperature:   o.Temperature,
		TopK:          o.TopK,
		TopP:          o.TopP,
		MinP:          o.MinP,
		RepeatPenalty: o.RepeatPenalty,
		RepeatLastN:   o.RepeatLastN,
		Seed:          o.Seed,
	})
	return p
}

// Bench runs the throughput benchmark on the managed context. The context
// memory is cleared, so the next generation starts cold.
func (m *Manager) Bench(ctx context.Context, pp, tg, pl, nr int) (bench.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return bench.Report{}, ErrClosed
	}
	return bench.New(m.ctx, bench.WithBackend(m.backend.Name())).Run(ctx, pp, tg, pl, nr)
}

// Info describes the loaded runtime. It does not wait for a running
// generation.
func (m *Manager) Info() Info {
	info := m.info
	info.StopStrings = slices.Clone(m.info.StopStrings)
	if m.cache != nil {
		hits, misses, entries := m.cache.Stats()
		info.TokenCache = &TokenCacheStats{Hits: hits, Misses: misses, Entries: entries}
	}
	return info
}

// Context exposes the engine context for callers that drive a session
// directly. Callers must not use it concurrently with the manager.
func (m *Manager) Context() engine.Context { return m.ctx }
