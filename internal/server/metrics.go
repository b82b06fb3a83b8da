package server

import "github.com/prometheus/client_golang/prometheus"

type serverMetrics struct {
	accepted  prometheus.Counter
	bytesRead prometheus.Counter
	backend   *prometheus.GaugeVec
}

func newServerMetrics(reg prometheus.Registerer) *serverMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &serverMetrics{
		accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "classchat_connections_accepted_total",
			Help: "TCP connections accepted by the reactor.",
		}),
		bytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "classchat_bytes_read_total",
			Help: "Bytes read from client sockets.",
		}),
		backend: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "classchat_io_backend",
			Help: "Readiness backend in use (value is always 1).",
		}, []string{"method"}),
	}

	reg.MustRegister(m.accepted, m.bytesRead, m.backend)
	return m
}

func (m *serverMetrics) recordAccept() {
	if m == nil {
		return
	}
	m.accepted.Inc()
}

func (m *serverMetrics) recordRead(n int) {
	if m == nil {
		return
	}
	m.bytesRead.Add(float64(n))
}

func (m *serverMetrics) setBackend(method string) {
	if m == nil {
		return
	}
	m.backend.Reset()
	m.backend.WithLabelValues(method).Set(1)
}
