package observe

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the bridge's Prometheus collector set. One instance is created
// at startup and threaded through the components that report on it.
type Metrics struct {
	ActiveSessions    prometheus.Gauge
	SessionsByChannel *prometheus.GaugeVec
	SessionBytes      *prometheus.CounterVec
	DeferredStarts    prometheus.Counter
	SupervisorRestart prometheus.Counter
	EPGRefreshOK      *prometheus.CounterVec
	EPGRefreshFail    *prometheus.CounterVec
	CacheHits         prometheus.Counter
	CacheMisses       prometheus.Counter
	TypeCoercions     prometheus.Counter
	AdmissionDenied   prometheus.Counter
}

// NewMetrics builds and registers the collector set on reg.
// Pass prometheus.NewRegistry() in tests to avoid default-registry collisions.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "plexbridge_active_sessions",
			Help: "Number of live streaming sessions.",
		}),
		SessionsByChannel: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "plexbridge_sessions_by_channel",
			Help: "Live sessions per channel.",
		}, []string{"channel"}),
		SessionBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "plexbridge_session_bytes_total",
			Help: "Bytes delivered to downstream clients per channel.",
		}, []string{"channel"}),
		DeferredStarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "plexbridge_deferred_start_invocations_total",
			Help: "Streams that started through the deferred-start shim.",
		}),
		SupervisorRestart: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "plexbridge_supervisor_restarts_total",
			Help: "Transcoder child process restarts.",
		}),
		EPGRefreshOK: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "plexbridge_epg_refresh_success_total",
			Help: "Completed EPG source refreshes.",
		}, []string{"source"}),
		EPGRefreshFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "plexbridge_epg_refresh_failure_total",
			Help: "Failed EPG source refreshes.",
		}, []string{"source"}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "plexbridge_cache_hits_total",
			Help: "Cache lookups answered from a live entry.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "plexbridge_cache_misses_total",
			Help: "Cache lookups that required a refresh.",
		}),
		TypeCoercions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "plexbridge_metadata_type_coercions_total",
			Help: "Forbidden Live-TV metadata type values coerced by the response scrubber.",
		}),
		AdmissionDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "plexbridge_admission_denied_total",
			Help: "Stream requests rejected by the tuner admission controller.",
		}),
	}
	reg.MustRegister(
		m.ActiveSessions, m.SessionsByChannel, m.SessionBytes,
		m.DeferredStarts, m.SupervisorRestart,
		m.EPGRefreshOK, m.EPGRefreshFail,
		m.CacheHits, m.CacheMisses, m.TypeCoercions, m.AdmissionDenied,
	)
	return m
}
