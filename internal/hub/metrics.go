package hub

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is safe to use as a nil pointer.
type Metrics struct {
	activeSessions   prometheus.Gauge
	sessionTotal     prometheus.Counter
	frames           *prometheus.CounterVec
	errors           *prometheus.CounterVec
	offlineEnqueued  prometheus.Counter
	offlineDelivered prometheus.Counter
	routeLatency     *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "classchat_sessions_active",
			Help: "Current number of connected sessions.",
		}),
		sessionTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "classchat_sessions_total",
			Help: "Total number of sessions accepted since start.",
		}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "classchat_frames_total",
			Help: "Frames routed, by direction and kind.",
		}, []string{"direction", "kind"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "classchat_router_errors_total",
			Help: "Router errors and session violations by code.",
		}, []string{"code"}),
		offlineEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "classchat_offline_enqueued_total",
			Help: "Messages queued for offline recipients.",
		}),
		offlineDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "classchat_offline_delivered_total",
			Help: "Offline messages replayed on reconnect.",
		}),
		routeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "classchat_route_latency_seconds",
			Help:    "Latency for routing one inbound frame.",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"kind"}),
	}

	reg.MustRegister(
		m.activeSessions,
		m.sessionTotal,
		m.frames,
		m.errors,
		m.offlineEnqueued,
		m.offlineDelivered,
		m.routeLatency,
	)
	return m
}

func (m *Metrics) incSession() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
	m.sessionTotal.Inc()
}

func (m *Metrics) decSession() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}

func (m *Metrics) recordFrame(direction, kind string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(direction, kind).Inc()
}

func (m *Metrics) recordError(code string) {
	if m == nil {
		return
	}
	if code == "" {
		code = "unknown"
	}
	m.errors.WithLabelValues(code).Inc()
}

func (m *Metrics) recordOfflineEnqueued() {
	if m == nil {
		return
	}
	m.offlineEnqueued.Inc()
}

func (m *Metrics) recordOfflineDelivered(n int) {
	if m == nil {
		return
	}
	m.offlineDelivered.Add(float64(n))
}

func (m *Metrics) observeLatency(kind string, dur time.Duration) {
	if m == nil || kind == "" {
		return
	}
	m.routeLatency.WithLabelValues(kind).Observe(dur.Seconds())
}
