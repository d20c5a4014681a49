package counsel

import "github.com/prometheus/client_golang/prometheus"

// Stream outcomes.
const (
	outcomeOK              = "ok"
	outcomeInvalid         = "invalid"
	outcomeUnauthenticated = "unauthenticated"
	outcomeUnavailable     = "unavailable"
	outcomeUpstreamError   = "upstream_error"
	outcomeIdleTimeout     = "idle_timeout"
	outcomeCanceled        = "canceled"
	outcomeClientGone      = "client_gone"
)

// Metrics are the relay's Prometheus collectors.
type Metrics struct {
	streams   *prometheus.CounterVec
	fragments prometheus.Counter
	persist   *prometheus.CounterVec
	duration  prometheus.Histogram
}

// NewMetrics registers the relay collectors on reg. A nil reg leaves them
// unregistered, which tests use.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		streams: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gabriel_relay_streams_total",
			Help: "Chat relay invocations by outcome.",
		}, []string{"outcome"}),
		fragments: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gabriel_relay_fragments_total",
			Help: "Fragments forwarded to clients.",
		}),
		persist: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gabriel_relay_persist_total",
			Help: "Conversation store writes by message kind and result.",
		}, []string{"kind", "result"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gabriel_relay_stream_seconds",
			Help:    "Wall time of streamed replies.",
			Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 15, 30, 60, 120},
		}),
	}
	if reg != nil {
		reg.MustRegister(m.streams, m.fragments, m.persist, m.duration)
	}
	return m
}
