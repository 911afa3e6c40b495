package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions    prometheus.Gauge
	UpstreamPermits   prometheus.Gauge
	SessionEvents     *prometheus.CounterVec
	FramesForwarded   *prometheus.CounterVec
	FramesDropped     *prometheus.CounterVec
	RelayErrors       *prometheus.CounterVec
	SinkFailures      prometheus.Counter
	CallDuration      prometheus.Histogram
	AdmissionRejected prometheus.Counter
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of live relay sessions.",
		}),
		UpstreamPermits: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "upstream_permits",
			Help:      "Outstanding upstream connection permits.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		FramesForwarded: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_forwarded_total",
			Help:      "Frames forwarded by direction and type.",
		}, []string{"direction", "type"}),
		FramesDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Frames dropped by direction and reason.",
		}, []string{"direction", "reason"}),
		RelayErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_errors_total",
			Help:      "Relay errors by source and recoverability.",
		}, []string{"source", "recoverable"}),
		SinkFailures: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_failures_total",
			Help:      "Event sink calls that returned an error.",
		}),
		CallDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Duration of completed calls in seconds.",
			Buckets:   []float64{15, 30, 60, 120, 300, 600, 1200, 1800},
		}),
		AdmissionRejected: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_rejected_total",
			Help:      "Downstream connections rejected for lack of capacity.",
		}),
	}
}

func (m *Metrics) ObserveCallDuration(d time.Duration) {
	m.CallDuration.Observe(d.Seconds())
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
