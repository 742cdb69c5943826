package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the instrumentation for the request-safety layer on a
// dedicated registry, so the process default registry stays clean.
type Metrics struct {
	registry *prometheus.Registry

	RequestTotal        *prometheus.CounterVec
	CacheHits           *prometheus.CounterVec
	CacheMisses         *prometheus.CounterVec
	IdempotencyReplays  prometheus.Counter
	IdempotencyExecuted prometheus.Counter
	RateLimitRejections *prometheus.CounterVec
	InvalidationsFired  prometheus.Counter
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	registerer := prometheus.WrapRegistererWith(nil, registry)
	registry.MustRegister(collectors.NewGoCollector())

	return &Metrics{
		registry: registry,
		RequestTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "stanlendar_requests_total",
				Help: "Total number of requests processed",
			},
			[]string{"method", "status"},
		),
		CacheHits: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "stanlendar_cache_hits_total",
				Help: "Response-cache hits by resource",
			},
			[]string{"resource"},
		),
		CacheMisses: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "stanlendar_cache_misses_total",
				Help: "Response-cache misses by resource",
			},
			[]string{"resource"},
		),
		IdempotencyReplays: promauto.With(registerer).NewCounter(
			prometheus.CounterOpts{
				Name: "stanlendar_idempotency_replays_total",
				Help: "State-changing requests served from a stored idempotency record",
			},
		),
		IdempotencyExecuted: promauto.With(registerer).NewCounter(
			prometheus.CounterOpts{
				Name: "stanlendar_idempotency_executions_total",
				Help: "State-changing requests that executed their operation",
			},
		),
		RateLimitRejections: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "stanlendar_ratelimit_rejections_total",
				Help: "Requests rejected by a throttle",
			},
			[]string{"scope"},
		),
		InvalidationsFired: promauto.With(registerer).NewCounter(
			prometheus.CounterOpts{
				Name: "stanlendar_cache_invalidations_total",
				Help: "Pattern invalidations fired after successful writes",
			},
		),
	}
}

// Handler exposes the registry for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
