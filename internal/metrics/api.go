package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// API/HTTP subsystem metrics
var (
	// HTTPRequestDuration tracks HTTP request latency
	HTTPRequestDuration *prometheus.HistogramVec

	// HTTPRequestsTotal tracks total HTTP requests by handler, method, status
	HTTPRequestsTotal *prometheus.CounterVec
)

func initAPIMetrics() {
	HTTPRequestDuration = NewHistogramVec(
		"rmtree_api_request_duration_seconds",
		"HTTP request duration in seconds.",
		APIBuckets,
		[]string{"handler", "method", "status"},
	)

	HTTPRequestsTotal = NewCounterVec(
		"rmtree_api_requests_total",
		"Total HTTP requests processed by the rmtree API.",
		[]string{"handler", "method", "status"},
	)
}

func registerAPIMetrics() {
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(HTTPRequestsTotal)
}

// ObserveRequest records one finished API request.
func ObserveRequest(handler, method, status string, seconds float64) {
	HTTPRequestsTotal.WithLabelValues(handler, method, status).Inc()
	HTTPRequestDuration.WithLabelValues(handler, method, status).Observe(seconds)
}
