package cacheserver

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mortar"

const (
	lookupExact  = "exact"
	lookupPrefix = "prefix"
	lookupMiss   = "miss"

	uploadCreated  = "created"
	uploadConflict = "conflict"
)

// Metrics holds the collectors of the cache server.
type Metrics struct {
	registry *prometheus.Registry

	Lookups        *prometheus.CounterVec
	UploadSessions *prometheus.CounterVec
	Evictions      prometheus.Counter
	EvictedBytes   prometheus.Counter
}

// NewMetrics registers the collectors in a registry of their own.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Lookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "The number of cache lookups by result",
			},
			[]string{"result"},
		),
		UploadSessions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_upload_sessions_total",
				Help:      "The number of requested upload sessions by result",
			},
			[]string{"result"},
		),
		Evictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "The number of evicted cache entries",
		}),
		EvictedBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evicted_bytes_total",
			Help:      "The size of evicted cache entries",
		}),
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
