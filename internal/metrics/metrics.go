// Package metrics holds the Prometheus collectors shared by the API and the
// agent worker.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequests counts served requests.
	// Labels: service, method, status.
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mirage_http_requests_total",
			Help: "Total number of HTTP requests served",
		},
		[]string{"service", "method", "status"},
	)

	// HTTPDuration measures handler latency.
	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mirage_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"service", "method"},
	)

	// AuthValidations counts bearer-token validations.
	// Labels:
	//   - path: "live" (identity provider), "local" (JWT fallback), "none"
	//   - outcome: "success", "failure"
	AuthValidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mirage_auth_validations_total",
			Help: "Total number of bearer token validations",
		},
		[]string{"path", "outcome"},
	)

	// RoomTokensIssued counts LiveKit access tokens minted.
	RoomTokensIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mirage_room_tokens_issued_total",
			Help: "Total number of LiveKit room tokens issued",
		},
		[]string{"agent_type"},
	)

	// AgentJobs counts agent jobs by terminal outcome.
	// Labels:
	//   - agent_type: resolved personality id
	//   - outcome: "completed", "cancelled", "failed"
	AgentJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mirage_agent_jobs_total",
			Help: "Total number of agent jobs by outcome",
		},
		[]string{"agent_type", "outcome"},
	)

	// AgentJobsRunning tracks jobs currently attached to a room.
	AgentJobsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mirage_agent_jobs_running",
			Help: "Number of agent jobs currently running",
		},
	)

	// CaptureFrames counts screen frames sent to the model.
	CaptureFrames = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mirage_capture_frames_total",
			Help: "Total number of screen frames sent to the realtime model",
		},
	)

	// CaptureErrors counts frames dropped by capture or send failures.
	CaptureErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mirage_capture_errors_total",
			Help: "Total number of dropped screen frames",
		},
		[]string{"stage"},
	)
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTP records one finished request.
func ObserveHTTP(service, method string, status int, elapsed time.Duration) {
	HTTPRequests.WithLabelValues(service, method, strconv.Itoa(status)).Inc()
	HTTPDuration.WithLabelValues(service, method).Observe(elapsed.Seconds())
}
