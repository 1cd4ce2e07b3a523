// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsStartedTotal counts session attempts started (retries included)
	SessionsStartedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "callbridge_session_attempts_total",
			Help: "Total number of session attempts started",
		},
	)

	// SessionsFinishedTotal counts sessions reaching a terminal phase
	SessionsFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callbridge_sessions_finished_total",
			Help: "Total number of sessions finished, by phase and reason",
		},
		[]string{"phase", "reason"},
	)

	// SessionRetriesTotal counts supervisor restarts after retryable failures
	SessionRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callbridge_session_retries_total",
			Help: "Total number of session restarts after a retryable failure",
		},
		[]string{"reason"},
	)

	// ActiveSessions tracks sessions currently owned by the supervisor and not finished
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "callbridge_active_sessions",
			Help: "Number of sessions in progress",
		},
	)

	// PhaseTransitionsTotal counts state machine transitions by target phase
	PhaseTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callbridge_phase_transitions_total",
			Help: "Total number of session phase transitions",
		},
		[]string{"phase"},
	)

	// PhaseDurationSeconds measures time spent in each phase
	PhaseDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "callbridge_phase_duration_seconds",
			Help:    "Time spent in a session phase before leaving it",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14), // 100ms to ~27min
		},
		[]string{"phase"},
	)

	// LegErrorsTotal counts classified leg failures
	LegErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callbridge_leg_errors_total",
			Help: "Total number of leg failures by leg and reason kind",
		},
		[]string{"leg", "kind"},
	)

	// TeardownWarningsTotal counts best-effort teardown steps that failed
	TeardownWarningsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callbridge_teardown_warnings_total",
			Help: "Total number of failed teardown steps",
		},
		[]string{"leg"},
	)

	// AudioRoutesActive tracks routes currently held by the audio router
	AudioRoutesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "callbridge_audio_routes_active",
			Help: "Number of active audio routes",
		},
	)

	// EventsPublishedTotal counts session events handed to the publisher
	EventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callbridge_events_published_total",
			Help: "Total number of session events published",
		},
		[]string{"publisher", "result"},
	)
)
