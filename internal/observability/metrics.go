// Package observability holds the Prometheus metrics of the gateway.
package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wagate_api_requests_total", Help: "Control API requests"},
		[]string{"route", "status"},
	)
	APILatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "wagate_api_request_seconds", Help: "Control API latency"},
		[]string{"route"},
	)
	Transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wagate_session_transitions_total", Help: "Session state transitions"},
		[]string{"status"},
	)
	StatusPushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wagate_status_push_total", Help: "Status propagation results per sink"},
		[]string{"sink", "result"},
	)
	StatusDropped = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "wagate_status_dropped_total", Help: "Statuses dropped on a full propagation queue"},
	)
	RateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wagate_ratelimit_rejections_total", Help: "Initialization attempts rejected"},
		[]string{"reason"},
	)
	Flushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wagate_debounce_flushes_total", Help: "Debounced turns handed to the generator"},
		[]string{"result"},
	)
	GenerateLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "wagate_generate_seconds", Help: "Reply generation latency"},
	)
	Sessions = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "wagate_sessions", Help: "Tenant sessions held by the registry"},
	)
)

// Register adds every gateway metric to reg.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(APIRequests, APILatency, Transitions, StatusPushes, StatusDropped,
		RateLimited, Flushes, GenerateLatency, Sessions)
}
