package dispatch

import "github.com/prometheus/client_golang/prometheus"

// Request outcomes, used as the "outcome" label.
const (
	outcomeSuccess        = "success"
	outcomeNoOp           = "noop"
	outcomeClientError    = "client_error"
	outcomeServerError    = "server_error"
	outcomeTransportError = "transport_error"
	outcomeSessionExpired = "session_expired"
	outcomeCanceled       = "canceled"
)

// Metrics holds the dispatcher's Prometheus collectors.
type Metrics struct {
	requests *prometheus.CounterVec
	retries  *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics builds the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tagged",
			Subsystem: "dispatch",
			Name:      "requests_total",
			Help:      "Requests by method and terminal outcome.",
		}, []string{"method", "outcome"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tagged",
			Subsystem: "dispatch",
			Name:      "retries_total",
			Help:      "Retry attempts by method.",
		}, []string{"method"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tagged",
			Subsystem: "dispatch",
			Name:      "request_duration_seconds",
			Help:      "Wall time per request including retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.retries, m.duration)
	}
	return m
}
