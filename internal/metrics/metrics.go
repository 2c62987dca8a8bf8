package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "selection",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by method, path and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "selection",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.3, 0.5, 1, 2, 5, 10, 30},
	}, []string{"method", "path"})

	ResolveRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "selection",
		Name:      "resolve_requests_total",
		Help:      "Total playback-URL resolve attempts by kind (primary, background) and outcome.",
	}, []string{"kind", "outcome"})

	ResolveDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "selection",
		Name:      "resolve_duration_seconds",
		Help:      "Playback-URL resolve duration in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 15, 30, 45},
	}, []string{"kind"})

	CandidateCacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "selection",
		Name:      "candidate_cache_hits_total",
		Help:      "Total candidate-list cache hits.",
	})

	CandidateCacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "selection",
		Name:      "candidate_cache_misses_total",
		Help:      "Total candidate-list cache misses.",
	})

	URLCacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "selection",
		Name:      "url_cache_hits_total",
		Help:      "Total playback-URL cache hits.",
	})

	URLCacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "selection",
		Name:      "url_cache_misses_total",
		Help:      "Total playback-URL cache misses.",
	})

	SlotStateTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "selection",
		Name:      "slot_state_transitions_total",
		Help:      "Playback slot state transitions by from/to state.",
	}, []string{"from", "to"})

	SilenceSwitchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "selection",
		Name:      "silence_switches_total",
		Help:      "Automatic source switches triggered by the playback health monitor.",
	})

	ActiveSlots = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "selection",
		Name:      "active_slots",
		Help:      "Number of playback slots currently tracked by the pipeline.",
	})

	WSClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "selection",
		Name:      "ws_clients",
		Help:      "Number of connected WebSocket state-stream clients.",
	})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ResolveRequestsTotal,
		ResolveDuration,
		CandidateCacheHitsTotal,
		CandidateCacheMissesTotal,
		URLCacheHitsTotal,
		URLCacheMissesTotal,
		SlotStateTransitionsTotal,
		SilenceSwitchesTotal,
		ActiveSlots,
		WSClients,
	)
}
