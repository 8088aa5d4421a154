package server

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dockopt_http_requests_total",
			Help: "API requests by route and status code",
		},
		[]string{"route", "code"},
	)

	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dockopt_http_request_duration_seconds",
			Help:    "API request latency by route",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 120},
		},
		[]string{"route"},
	)

	analysesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dockopt_analyses_total",
			Help: "Manifest analyses by outcome",
		},
		[]string{"outcome"},
	)

	publishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dockopt_publish_total",
			Help: "Publish attempts by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		timer := prometheus.NewTimer(requestDuration.WithLabelValues(route))
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		timer.ObserveDuration()
		requestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
	}
}
