package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codeassist_requests_total",
			Help: "Total number of chat completion requests",
		},
		[]string{"model", "mode", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "codeassist_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"model", "mode", "stream"},
	)

	FallbackDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codeassist_fallback_decisions_total",
			Help: "Routing decisions per alias and mode",
		},
		[]string{"alias", "mode"},
	)

	CooldownsArmed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codeassist_cooldowns_armed_total",
			Help: "Quota cooldowns armed per model family",
		},
		[]string{"family"},
	)

	TokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codeassist_token_refreshes_total",
			Help: "OAuth refresh exchanges by result",
		},
		[]string{"result"},
	)

	StreamFrames = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codeassist_stream_frames_total",
			Help: "Stream frames emitted by kind",
		},
		[]string{"kind"},
	)
)

func RecordRequest(model, mode, status string) {
	RequestsTotal.WithLabelValues(model, mode, status).Inc()
}

func RecordFallbackDecision(alias, mode string) {
	FallbackDecisions.WithLabelValues(alias, mode).Inc()
}

func RecordCooldownArmed(family string) {
	CooldownsArmed.WithLabelValues(family).Inc()
}

func RecordTokenRefresh(result string) {
	TokenRefreshes.WithLabelValues(result).Inc()
}

func RecordStreamFrame(kind string) {
	StreamFrames.WithLabelValues(kind).Inc()
}
