// Package metrics defines the Prometheus instrumentation surfaced by Cargo
// Bay: cache hit/miss counters, in-flight fetch gauges, and upstream
// request outcomes by registry and status class.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the collectors registered against one prometheus.Registerer.
type Metrics struct {
	CacheHits       *prometheus.CounterVec
	CacheMisses     *prometheus.CounterVec
	InflightFetches prometheus.Gauge
	UpstreamResults *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

const namespace = "cargobay"

// New creates and registers the collectors against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Blob requests served directly from the on-disk cache.",
		}, []string{"registry"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Blob requests that required an upstream fetch.",
		}, []string{"registry"}),
		InflightFetches: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "inflight_fetches",
			Help:      "Number of upstream blob fetches currently being ingested.",
		}),
		UpstreamResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "requests_total",
			Help:      "Upstream requests by registry and outcome.",
		}, []string{"registry", "outcome"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP surface request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "status"}),
	}

	reg.MustRegister(
		m.CacheHits,
		m.CacheMisses,
		m.InflightFetches,
		m.UpstreamResults,
		m.RequestDuration,
	)

	return m
}
