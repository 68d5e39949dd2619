package bridge

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the relay's prometheus collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	requests *prometheus.CounterVec
	drops    *prometheus.CounterVec
	pending  prometheus.Gauge
	latency  prometheus.Histogram
}

// NewMetrics registers the relay collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "centerhelper",
			Subsystem: "relay",
			Name:      "responses_total",
			Help:      "Responses posted back to pages, by path and result.",
		}, []string{"via", "ok"}),
		drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "centerhelper",
			Subsystem: "relay",
			Name:      "dropped_total",
			Help:      "Messages dropped without a response, by reason.",
		}, []string{"reason"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "centerhelper",
			Subsystem: "relay",
			Name:      "pending_requests",
			Help:      "Requests waiting for the coordinator.",
		}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "centerhelper",
			Subsystem: "relay",
			Name:      "response_seconds",
			Help:      "Time from acceptance to response.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
	}
	reg.MustRegister(m.requests, m.drops, m.pending, m.latency)
	return m
}

func (m *Metrics) completed(via string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	label := "false"
	if ok {
		label = "true"
	}
	m.requests.WithLabelValues(via, label).Inc()
	if d > 0 {
		m.latency.Observe(d.Seconds())
	}
}

func (m *Metrics) dropped(reason string) {
	if m == nil {
		return
	}
	m.drops.WithLabelValues(reason).Inc()
}

func (m *Metrics) setPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}
