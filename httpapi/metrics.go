package httpapi

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "blite_http_requests_total",
	Help: "counter of HTTP surface requests",
}, []string{"method", "status"})

var httpLatency = promauto.NewHistogram(prometheus.HistogramOpts{
	Name: "blite_http_request_seconds",
	Help: "histogram of HTTP surface request latency",
})
