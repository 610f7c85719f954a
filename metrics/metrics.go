// Package metrics provides Prometheus metrics export for the gateway.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exporter registers and exposes the gateway metrics.
type Exporter struct {
	registry *prometheus.Registry

	// Chat metrics
	chatRequests *prometheus.CounterVec
	chatLatency  *prometheus.HistogramVec

	// Pipeline metrics
	pipelineAttempts    *prometheus.CounterVec
	pipelineFailovers   *prometheus.CounterVec
	pipelineTruncations *prometheus.CounterVec
	ttftSeconds         *prometheus.HistogramVec

	// Config cache metrics
	configLookups *prometheus.CounterVec
}

// Config configures the Prometheus exporter.
type Config struct {
	// Registry to use (if nil, creates a new one)
	Registry *prometheus.Registry

	// Buckets for latency histograms (in seconds)
	LatencyBuckets []float64
}

// DefaultConfig returns default Prometheus configuration.
func DefaultConfig() Config {
	return Config{
		LatencyBuckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	}
}

// NewExporter creates a new Prometheus metrics exporter.
func NewExporter(cfg Config) *Exporter {
	if len(cfg.LatencyBuckets) == 0 {
		cfg.LatencyBuckets = DefaultConfig().LatencyBuckets
	}
	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	e := &Exporter{
		registry: registry,
		chatRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "personabot_chat_requests_total",
			Help: "Chat requests by type and outcome.",
		}, []string{"type", "outcome"}),
		chatLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "personabot_chat_duration_seconds",
			Help:    "End-to-end chat latency.",
			Buckets: cfg.LatencyBuckets,
		}, []string{"type"}),
		pipelineAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "personabot_pipeline_attempts_total",
			Help: "Pipeline profile attempts by channel and model.",
		}, []string{"channel", "model"}),
		pipelineFailovers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "personabot_pipeline_failovers_total",
			Help: "Failovers to the next profile by channel.",
		}, []string{"channel"}),
		pipelineTruncations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "personabot_pipeline_truncations_total",
			Help: "Streams truncated after first token by channel.",
		}, []string{"channel"}),
		ttftSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "personabot_pipeline_ttft_seconds",
			Help:    "Time to first token of the winning profile.",
			Buckets: cfg.LatencyBuckets,
		}, []string{"channel", "model"}),
		configLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "personabot_config_lookups_total",
			Help: "Config resolver lookups by resolution tier.",
		}, []string{"tier"}),
	}

	registry.MustRegister(
		e.chatRequests, e.chatLatency,
		e.pipelineAttempts, e.pipelineFailovers, e.pipelineTruncations, e.ttftSeconds,
		e.configLookups,
	)
	return e
}

// Handler returns the HTTP handler serving the metrics endpoint.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

func (e *Exporter) ObserveChat(chatType, outcome string, seconds float64) {
	if e == nil {
		return
	}
	e.chatRequests.WithLabelValues(chatType, outcome).Inc()
	e.chatLatency.WithLabelValues(chatType).Observe(seconds)
}

func (e *Exporter) ObservePipelineAttempt(channel, model string) {
	if e == nil {
		return
	}
	e.pipelineAttempts.WithLabelValues(channel, model).Inc()
}

func (e *Exporter) ObserveFailover(channel string) {
	if e == nil {
		return
	}
	e.pipelineFailovers.WithLabelValues(channel).Inc()
}

func (e *Exporter) ObserveTruncation(channel string) {
	if e == nil {
		return
	}
	e.pipelineTruncations.WithLabelValues(channel).Inc()
}

func (e *Exporter) ObserveTTFT(channel, model string, seconds float64) {
	if e == nil {
		return
	}
	e.ttftSeconds.WithLabelValues(channel, model).Observe(seconds)
}

func (e *Exporter) ObserveConfigLookup(tier string) {
	if e == nil {
		return
	}
	e.configLookups.WithLabelValues(tier).Inc()
}
