package transport

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// transportMetrics mirrors p2p/metrics.go's gossip counters and
// p2p/nonce_guard.go's gauge style, scoped to this domain's frame types.
type transportMetrics struct {
	frames      *prometheus.CounterVec
	violations  prometheus.Counter
	rateLimited prometheus.Counter
}

var (
	transportMetricsOnce sync.Once
	transportMetricsInst *transportMetrics
)

func newTransportMetrics() *transportMetrics {
	transportMetricsOnce.Do(func() {
		transportMetricsInst = &transportMetrics{
			frames: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "bftquorum_transport_frames_total",
				Help: "Number of transport frames sent or received, by direction and type.",
			}, []string{"direction", "type"}),
			violations: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "bftquorum_transport_protocol_violations_total",
				Help: "Number of malformed or oversized frames observed.",
			}),
			rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "bftquorum_transport_rate_limited_total",
				Help: "Number of frames dropped due to per-peer rate limiting.",
			}),
		}
		prometheus.MustRegister(transportMetricsInst.frames, transportMetricsInst.violations, transportMetricsInst.rateLimited)
	})
	return transportMetricsInst
}

func (m *transportMetrics) observeFrame(direction, msgType string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(direction, msgType).Inc()
}

func (m *transportMetrics) observeViolation() {
	if m == nil {
		return
	}
	m.violations.Inc()
}

func (m *transportMetrics) observeRateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}
