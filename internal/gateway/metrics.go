package gateway

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cyberdeck/telbridge/internal/domain"
)

// metrics holds the gateway collectors. Each Server registers them on its
// own registry so several servers can coexist in one process.
type metrics struct {
	registry        *prometheus.Registry
	activeSessions  prometheus.Gauge
	openChannels    prometheus.Gauge
	sessionsOpened  prometheus.Counter
	sessionsClosed  *prometheus.CounterVec
	rejections      *prometheus.CounterVec
	bytesRelayed    *prometheus.CounterVec
	sessionDuration prometheus.Histogram
	auditDropped    prometheus.Counter
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &metrics{
		registry:       reg,
		activeSessions: f.NewGauge(prometheus.GaugeOpts{Name: "telbridge_active_sessions", Help: "Sessions currently registered"}),
		openChannels:   f.NewGauge(prometheus.GaugeOpts{Name: "telbridge_open_channels", Help: "Open client WebSocket channels"}),
		sessionsOpened: f.NewCounter(prometheus.CounterOpts{Name: "telbridge_sessions_opened_total", Help: "Sessions that reached the connected state"}),
		sessionsClosed: f.NewCounterVec(prometheus.CounterOpts{Name: "telbridge_sessions_closed_total", Help: "Sessions closed by reason"}, []string{"reason"}),
		rejections:     f.NewCounterVec(prometheus.CounterOpts{Name: "telbridge_rejections_total", Help: "Rejected client requests by error code"}, []string{"code"}),
		bytesRelayed:   f.NewCounterVec(prometheus.CounterOpts{Name: "telbridge_bytes_relayed_total", Help: "Bytes relayed by direction"}, []string{"direction"}),
		sessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "telbridge_session_duration_seconds",
			Help:    "Session lifetime seconds",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 16),
		}),
		auditDropped: f.NewCounter(prometheus.CounterOpts{Name: "telbridge_audit_events_dropped_total", Help: "Audit events dropped because the queue was full"}),
	}
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *metrics) sessionClosed(reason domain.CloseReason, lifetimeSeconds float64) {
	m.sessionsClosed.WithLabelValues(string(reason)).Inc()
	m.sessionDuration.Observe(lifetimeSeconds)
}

func (m *metrics) rejected(code string) {
	m.rejections.WithLabelValues(code).Inc()
}

const (
	directionInbound  = "inbound"
	directionOutbound = "outbound"
)

func (m *metrics) relayed(direction string, n int) {
	if n <= 0 {
		return
	}
	m.bytesRelayed.WithLabelValues(direction).Add(float64(n))
}
