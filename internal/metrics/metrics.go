// Package metrics holds the prometheus collectors shared by the services.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bounty"

// Metrics is one registry and its collectors. Each process builds its own so
// tests never collide on the global registry.
type Metrics struct {
	Registry *prometheus.Registry

	Sessions          *prometheus.CounterVec
	Evaluations       *prometheus.CounterVec
	ScorerLatency     prometheus.Histogram
	Reviews           *prometheus.CounterVec
	Finalizations     *prometheus.CounterVec
	IndexerEvents     *prometheus.CounterVec
	IndexerReconnects prometheus.Counter
	UnmirroredAnswers prometheus.Counter
	HTTPRequests      *prometheus.CounterVec
	RateLimited       prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		Sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orchestrator_sessions_total",
			Help:      "Orchestration sessions by flow and final state.",
		}, []string{"flow", "state"}),
		Evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_total",
			Help:      "Evaluation requests by outcome.",
		}, []string{"outcome"}),
		ScorerLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scorer_latency_seconds",
			Help:      "Latency of scorer calls.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 80},
		}),
		Reviews: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reviews_total",
			Help:      "Reviewer overrides by outcome.",
		}, []string{"outcome"}),
		Finalizations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "finalizations_total",
			Help:      "Onchain finalizations by outcome.",
		}, []string{"outcome"}),
		IndexerEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "indexer_events_total",
			Help:      "Chain events mirrored by the indexer.",
		}, []string{"event"}),
		IndexerReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "indexer_reconnects_total",
			Help:      "Subscription reconnects.",
		}),
		UnmirroredAnswers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "indexer_unmirrored_answers_total",
			Help:      "AnswerSubmitted events with no matching read model row.",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_rate_limited_total",
			Help:      "Requests rejected by the evaluation rate limiter.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Sessions,
		m.Evaluations,
		m.ScorerLatency,
		m.Reviews,
		m.Finalizations,
		m.IndexerEvents,
		m.IndexerReconnects,
		m.UnmirroredAnswers,
		m.HTTPRequests,
		m.RateLimited,
	)
	return m
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
