package httphandler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jmapd_request_duration_seconds",
			Help:    "Request duration per endpoint kind and HTTP status code.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		},
		[]string{"endpoint", "code"},
	)
	metricBlobTransfer = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jmapd_blob_transfer_bytes_total",
			Help: "Blob bytes moved through the upload and download pipelines.",
		},
		[]string{"direction"},
	)
	metricAuthFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "jmapd_authentication_failures_total",
			Help: "Requests rejected for missing or invalid credentials.",
		},
	)
)
