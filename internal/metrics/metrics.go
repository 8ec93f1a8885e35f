// Package metrics carries ambient observability the same way 99souls-ariadne
// and etalazz-vsa instrument their pipelines: a small set of Prometheus
// counters/gauges describing scan and pipeline progress. The engine itself
// never serves /metrics (that's the out-of-scope server-deployment surface);
// a collaborator registers Registry on its own mux.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Set groups the counters and gauges one engine instance updates.
type Set struct {
	ProbesTotal          prometheus.Counter
	ProbesAliveTotal     prometheus.Counter
	RateLimiterBlocked   prometheus.Counter
	RateLimiterWaitSec   prometheus.Histogram
	PipelineVariations   prometheus.Gauge
	PipelineAlive        prometheus.Gauge
	ScanInFlight         prometheus.Gauge
}

// NewSet constructs and registers a Set against reg. Pass a fresh
// prometheus.NewRegistry() in tests to avoid collisions with the default
// global registry.
func NewSet(reg prometheus.Registerer) *Set {
	s := &Set{
		ProbesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edgeprobe_probes_total",
			Help: "Total number of probe attempts issued.",
		}),
		ProbesAliveTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edgeprobe_probes_alive_total",
			Help: "Total number of probes that completed a connection.",
		}),
		RateLimiterBlocked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edgeprobe_ratelimiter_blocked_total",
			Help: "Number of times a 429 forced the rate limiter into a blocked state.",
		}),
		RateLimiterWaitSec: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "edgeprobe_ratelimiter_wait_seconds",
			Help:    "Time callers spent waiting inside acquire().",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
		PipelineVariations: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "edgeprobe_pipeline_variations",
			Help: "Number of variations generated in the current pipeline run.",
		}),
		PipelineAlive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "edgeprobe_pipeline_variations_alive",
			Help: "Number of variations that tested alive in the current pipeline run.",
		}),
		ScanInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "edgeprobe_scan_in_flight",
			Help: "Number of probes currently in flight.",
		}),
	}

	reg.MustRegister(
		s.ProbesTotal, s.ProbesAliveTotal, s.RateLimiterBlocked,
		s.RateLimiterWaitSec, s.PipelineVariations, s.PipelineAlive, s.ScanInFlight,
	)
	return s
}

// NewNop returns a Set registered against a throwaway registry, for tests and
// call sites that don't care about the resulting values.
func NewNop() *Set {
	return NewSet(prometheus.NewRegistry())
}
