package observer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SandboxCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autograde_sandbox_calls_total",
			Help: "Total number of sandbox operations",
		},
		[]string{"op", "outcome"},
	)

	SandboxCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "autograde_sandbox_call_duration_ms",
			Help:    "Sandbox operation duration in milliseconds",
			Buckets: []float64{10, 50, 100, 500, 1000, 5000, 15000, 60000, 300000},
		},
		[]string{"op"},
	)

	GradingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autograde_gradings_total",
			Help: "Total number of graded submissions",
		},
		[]string{"build_tool", "status"},
	)

	GradingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "autograde_grading_duration_ms",
			Help:    "End-to-end grading duration in milliseconds",
			Buckets: []float64{1000, 5000, 15000, 30000, 60000, 120000, 300000, 600000},
		},
		[]string{"build_tool"},
	)

	ActiveGradings = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "autograde_active_gradings",
			Help: "Number of submissions currently being graded",
		},
	)

	RateLimitWaits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "autograde_provision_rate_limit_waits_total",
			Help: "Total number of provisioning requests delayed by the rate limiter",
		},
	)
)
