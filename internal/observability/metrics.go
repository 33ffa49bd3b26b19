package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. Each
// instance owns its registry so several engines can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	ActiveSessions    prometheus.Gauge
	ActiveJobs        prometheus.Gauge
	SessionEvents     *prometheus.CounterVec
	JobEvents         *prometheus.CounterVec
	WSMessages        *prometheus.CounterVec
	CapabilityErrors  *prometheus.CounterVec
	CacheLookups      *prometheus.CounterVec
	ResponseLatency   prometheus.Histogram
	BroadcastDropped  *prometheus.CounterVec
	CapabilityLatency *prometheus.HistogramVec
}

func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active conversational sessions.",
		}),
		ActiveJobs: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_jobs",
			Help:      "Number of running transformation jobs.",
		}),
		SessionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		JobEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_events_total",
			Help:      "Job lifecycle events by kind and status.",
		}, []string{"kind", "status"}),
		WSMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		CapabilityErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capability_errors_total",
			Help:      "Backend capability failures by capability and reason.",
		}, []string{"capability", "reason"}),
		CacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by tier and result.",
		}, []string{"tier", "result"}),
		ResponseLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "response_latency_ms",
			Help:      "Interactive response latency in milliseconds.",
			Buckets:   []float64{5, 25, 50, 100, 200, 300, 500, 1000, 2000},
		}),
		BroadcastDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_dropped_total",
			Help:      "Events not delivered to a slow subscriber, by event type.",
		}, []string{"type"}),
		CapabilityLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "capability_latency_ms",
			Help:      "Backend capability call latency in milliseconds.",
			Buckets:   []float64{50, 100, 200, 500, 1000, 1500, 3000, 10000, 60000},
		}, []string{"capability"}),
	}
}

func (m *Metrics) ObserveResponseLatency(d time.Duration) {
	m.ResponseLatency.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObserveCapability(capability string, d time.Duration, reason string) {
	m.CapabilityLatency.WithLabelValues(capability).Observe(float64(d.Milliseconds()))
	if reason != "" {
		m.CapabilityErrors.WithLabelValues(capability, reason).Inc()
	}
}

func (m *Metrics) ObserveCacheLookup(tier string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(tier, result).Inc()
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
