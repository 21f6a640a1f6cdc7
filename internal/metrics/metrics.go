// Package metrics exposes generation, benchmark and HTTP counters to
// Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"PocketLM/internal/bench"
	"PocketLM/internal/session"
)

const namespace = "pocketlm"

// Metrics holds the collectors. It implements session.Observer.
type Metrics struct {
	PromptTokens   prometheus.Counter
	PromptDuration prometheus.Histogram
	TokensTotal    prometheus.Counter
	StepDuration   prometheus.Histogram
	DecodeFailures prometheus.Counter
	Stops          *prometheus.CounterVec

	BenchPP *prometheus.GaugeVec
	BenchTG *prometheus.GaugeVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	httpInflight prometheus.Gauge
}

var _ session.Observer = (*Metrics)(nil)

// New registers the collectors with reg. Pass prometheus.DefaultRegisterer to
// serve them from promhttp.Handler.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		PromptTokens: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prompt_tokens_total",
			Help:      "Prompt tokens scored",
		}),
		PromptDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "prompt_duration_seconds",
			Help:      "Time to score a prompt",
			Buckets:   prometheus.DefBuckets,
		}),
		TokensTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_generated_total",
			Help:      "Tokens accepted during generation",
		}),
		StepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Time between generated tokens",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		}),
		DecodeFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_failures_total",
			Help:      "Decode calls that returned a non-zero status",
		}),
		Stops: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_stops_total",
			Help:      "Finished generations by stop reason",
		}, []string{"reason"}),
		BenchPP: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bench",
			Name:      "pp_tokens_per_second",
			Help:      "Mean prompt processing throughput of the last benchmark",
		}, []string{"model", "backend"}),
		BenchTG: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bench",
			Name:      "tg_tokens_per_second",
			Help:      "Mean text generation throughput of the last benchmark",
		}, []string{"model", "backend"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"path", "method", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"path", "method", "status"}),
		httpInflight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "In-flight HTTP requests",
		}),
	}
}

func (m *Metrics) PromptDecoded(tokens int, d time.Duration) {
	m.PromptTokens.Add(float64(tokens))
	m.PromptDuration.Observe(d.Seconds())
}

func (m *Metrics) TokenGenerated(d time.Duration) {
	m.TokensTotal.Inc()
	m.StepDuration.Observe(d.Seconds())
}

func (m *Metrics) DecodeFailed(error) { m.DecodeFailures.Inc() }

func (m *Metrics) Stopped(reason session.StopReason) {
	m.Stops.WithLabelValues(reason.String()).Inc()
}

// ObserveBench publishes the means of a benchmark report.
func (m *Metrics) ObserveBench(r bench.Report) {
	m.BenchPP.WithLabelValues(r.Model, r.Backend).Set(r.PPMean)
	m.BenchTG.WithLabelValues(r.Model, r.Backend).Set(r.TGMean)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// Flush keeps server-sent events streaming through the recorder.
func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware instruments requests by chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.httpInflight.Inc()
		defer m.httpInflight.Dec()

		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sr, r)

		path := routePatternOrPath(r)
		status := strconv.Itoa(sr.status)
		m.httpRequests.WithLabelValues(path, r.Method, status).Inc()
		m.httpDuration.WithLabelValues(path, r.Method, status).Observe(time.Since(start).Seconds())
	})
}

// routePatternOrPath avoids high-cardinality labels for parameterised routes.
func routePatternOrPath(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}
