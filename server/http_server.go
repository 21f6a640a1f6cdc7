package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"PocketLM/internal/bench"
	"PocketLM/internal/config"
	"PocketLM/internal/logging"
	"PocketLM/internal/metrics"
	"PocketLM/internal/runtime"
	"PocketLM/internal/session"
)

const maxBodyBytes = 1 << 20

// GenerateRequest is the body of POST /v1/generate.
type GenerateRequest struct {
	Prompt        string  `json:"prompt"`
	Stream        bool    `json:"stream,omitempty"`
	MaxTokens     int     `json:"max_tokens,omitempty"`
	ParseSpecial  bool    `json:"parse_special,omitempty"`
	Temperature   float64 `json:"temperature,omitempty"`
	TopK          int     `json:"top_k,omitempty"`
	TopP          float64 `json:"top_p,omitempty"`
	MinP          float64 `json:"min_p,omitempty"`
	RepeatPenalty float64 `json:"repeat_penalty,omitempty"`
	RepeatLastN   int     `json:"repeat_last_n,omitempty"`
	Seed          uint32  `json:"seed,omitempty"`
}

func (r GenerateRequest) options() runtime.GenerationOptions {
	return runtime.GenerationOptions{
		MaxTokens:     r.MaxTokens,
		ParseSpecial:  r.ParseSpecial,
		Temperature:   r.Temperature,
		TopK:          r.TopK,
		TopP:          r.TopP,
		MinP:          r.MinP,
		RepeatPenalty: r.RepeatPenalty,
		RepeatLastN:   r.RepeatLastN,
		Seed:          r.Seed,
	}
}

// GenerateResponse is both the non-streaming answer and each SSE event.
type GenerateResponse struct {
	Text   string        `json:"text,omitempty"`
	Token  string        `json:"token,omitempty"`
	Finish string        `json:"finish,omitempty"`
	Stats  *StatsPayload `json:"stats,omitempty"`
	Done   bool          `json:"done"`
	Error  string        `json:"error,omitempty"`
}

// StatsPayload is the wire form of runtime.Stats.
type StatsPayload struct {
	PromptTokens    int     `json:"prompt_tokens"`
	GeneratedTokens int     `json:"generated_tokens"`
	TTFTMillis      float64 `json:"ttft_ms"`
	DurationMillis  float64 `json:"duration_ms"`
	PromptTPS       float64 `json:"prompt_tps"`
	GenerationTPS   float64 `json:"generation_tps"`
	DecodeFailures  int     `json:"decode_failures"`
}

func statsPayload(s *runtime.Stats) *StatsPayload {
	if s == nil {
		return nil
	}
	return &StatsPayload{
		PromptTokens:    s.TokensEvaluated,
		GeneratedTokens: s.TokensGenerated,
		TTFTMillis:      float64(s.TTFT.Microseconds()) / 1000,
		DurationMillis:  float64(s.Duration.Microseconds()) / 1000,
		PromptTPS:       s.PromptTPS,
		GenerationTPS:   s.GenerationTPS,
		DecodeFailures:  s.DecodeFailures,
	}
}

// BenchRequest is the body of POST /v1/bench. Zero fields use the configured
// defaults.
type BenchRequest struct {
	PP int `json:"pp,omitempty"`
	TG int `json:"tg,omitempty"`
	PL int `json:"pl,omitempty"`
	NR int `json:"nr,omitempty"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status  string `json:"status"`
	Backend string `json:"backend,omitempty"`
	Uptime  string `json:"uptime"`
}

// ErrorResponse is the JSON error body.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// Service is the part of runtime.Manager the HTTP layer calls directly.
type Service interface {
	Info() runtime.Info
	Bench(ctx context.Context, pp, tg, pl, nr int) (bench.Report, error)
}

// HTTPOptions tunes the HTTP server.
type HTTPOptions struct {
	CORSOrigins []string
	Bench       config.BenchConfig
	Metrics     *metrics.Metrics

	// MetricsHandler serves /metrics. Defaults to promhttp.Handler().
	MetricsHandler http.Handler
}

// HTTPServer exposes generation and benchmarking over HTTP. Generations go
// through the shared inbox; benchmarks and info call the service directly.
type HTTPServer struct {
	Address string
	Port    string

	svc        Service
	inbox      chan<- Message
	opts       HTTPOptions
	httpServer *http.Server
	ln         net.Listener
	mu         sync.RWMutex
	shutdown   chan struct{}
	once       sync.Once
	startTime  time.Time
	log        zerolog.Logger
}

// NewHTTPServer creates a new HTTP server instance.
func NewHTTPServer(address, port string, svc Service, inbox chan<- Message, opts HTTPOptions) *HTTPServer {
	if opts.MetricsHandler == nil {
		opts.MetricsHandler = promhttp.Handler()
	}
	return &HTTPServer{
		Address:   address,
		Port:      port,
		svc:       svc,
		inbox:     inbox,
		opts:      opts,
		shutdown:  make(chan struct{}),
		startTime: time.Now(),
		log:       logging.With("http"),
	}
}

// Handler builds the router.
func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if len(s.opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.opts.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
			MaxAge:         300,
		}))
	}
	if s.opts.Metrics != nil {
		r.Use(s.opts.Metrics.Middleware)
	}

	r.Get("/health", s.handleHealth)
	r.Get("/v1/info", s.handleInfo)
	r.Post("/v1/generate", s.handleGenerate)
	r.Post("/v1/bench", s.handleBench)
	r.Method(http.MethodGet, "/metrics", s.opts.MetricsHandler)
	return r
}

// Start begins listening for HTTP requests in the background.
func (s *HTTPServer) Start() error {
	ln, err := net.Listen("tcp", net.JoinHostPort(s.Address, s.Port))
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.ln = ln
	s.httpServer = srv
	s.mu.Unlock()

	s.log.Info().Str("addr", ln.Addr().String()).Msg("HTTP server started")
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("HTTP server failed")
		}
	}()
	return nil
}

// Addr returns the bound listener address, or "" before Start.
func (s *HTTPServer) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// IsRunning returns true if the server is running.
func (s *HTTPServer) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.httpServer != nil
}

// Stop gracefully shuts down the HTTP server. Pending streams receive a
// shutdown error event.
func (s *HTTPServer) Stop(ctx context.Context) error {
	var err error
	s.once.Do(func() {
		close(s.shutdown)
		s.mu.Lock()
		srv := s.httpServer
		s.httpServer = nil
		s.mu.Unlock()
		if srv == nil {
			return
		}
		if serr := srv.Shutdown(ctx); serr != nil {
			err = fmt.Errorf("server: shutdown HTTP server: %w", serr)
			return
		}
		s.log.Info().Msg("HTTP server stopped")
	})
	return err
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Backend: s.svc.Info().Backend,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
	})
}

func (s *HTTPServer) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Info())
}

func (s *HTTPServer) handleBench(w http.ResponseWriter, r *http.Request) {
	var req BenchRequest
	if r.ContentLength != 0 {
		if !decodeJSON(w, r, &req) {
			return
		}
	}
	def := s.opts.Bench
	pp, tg, pl, nr := orDefault(req.PP, def.PromptTokens), orDefault(req.TG, def.GenTokens),
		orDefault(req.PL, def.ParallelSeqs), orDefault(req.NR, def.Repetitions)
	if pp <= 0 || tg <= 0 || pl <= 0 || nr <= 0 {
		writeJSONError(w, http.StatusBadRequest, "pp, tg, pl and nr must be positive")
		return
	}

	rep, err := s.svc.Bench(r.Context(), pp, tg, pl, nr)
	if err != nil {
		writeJSONError(w, statusFor(err), err.Error())
		return
	}
	if s.opts.Metrics != nil {
		s.opts.Metrics.ObserveBench(rep)
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *HTTPServer) handleGenerate(w http.ResponseWriter, r *http.Request) {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return
	}
	var req GenerateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeJSONError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	if req.Stream {
		s.handleStreaming(w, r, req)
		return
	}
	s.handleNonStreaming(w, r, req)
}

// enqueue hands msg to the worker. It fails when the server stops or the
// client goes away first.
func (s *HTTPServer) enqueue(r *http.Request, msg Message) error {
	select {
	case s.inbox <- msg:
		return nil
	case <-s.shutdown:
		return ErrShuttingDown
	case <-r.Context().Done():
		return r.Context().Err()
	}
}

func (s *HTTPServer) handleNonStreaming(w http.ResponseWriter, r *http.Request, req GenerateRequest) {
	msg, events := newMessage(r.Context(), req.Prompt, req.options())
	if err := s.enqueue(r, msg); err != nil {
		writeJSONError(w, statusFor(err), err.Error())
		return
	}

	for {
		select {
		case ev := <-events:
			rep := ev.reply
			if rep == nil {
				continue
			}
			if rep.Err != nil {
				if r.Context().Err() == nil {
					writeJSONError(w, statusFor(rep.Err), rep.Err.Error())
				}
				return
			}
			writeJSON(w, http.StatusOK, GenerateResponse{
				Text:   rep.Text,
				Finish: rep.Finish,
				Stats:  statsPayload(rep.Stats),
				Done:   true,
			})
			return
		case <-r.Context().Done():
			return
		}
	}
}

// handleStreaming answers with server-sent events: one GenerateResponse per
// text increment, then a final one with Done set.
func (s *HTTPServer) handleStreaming(w http.ResponseWriter, r *http.Request, req GenerateRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	msg, events := newMessage(r.Context(), req.Prompt, req.options())
	if err := s.enqueue(r, msg); err != nil {
		writeJSONError(w, statusFor(err), err.Error())
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	send := func(ev GenerateResponse) {
		data, err := json.Marshal(ev)
		if err != nil {
			s.log.Error().Err(err).Msg("encode event")
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	for {
		select {
		case ev := <-events:
			if ev.reply == nil {
				send(GenerateResponse{Token: ev.token})
				continue
			}
			final := GenerateResponse{Finish: ev.reply.Finish, Stats: statsPayload(ev.reply.Stats), Done: true}
			if ev.reply.Err != nil {
				final.Error = ev.reply.Err.Error()
			}
			send(final)
			return
		case <-r.Context().Done():
			return
		case <-s.shutdown:
			send(GenerateResponse{Error: ErrShuttingDown.Error(), Done: true})
			return
		}
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrEmptyPrompt), errors.Is(err, session.ErrContextTooSmall):
		return http.StatusBadRequest
	case errors.Is(err, ErrShuttingDown), errors.Is(err, runtime.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg, Code: status})
}
