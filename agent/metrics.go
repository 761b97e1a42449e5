package agent

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var (
	// stepsTotal counts finished steps.
	// Labels: outcome (ok, failed, interrupted, cancelled, fatal)
	stepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "appuse",
		Subsystem: "agent",
		Name:      "steps_total",
		Help:      "Total agent steps by outcome",
	}, []string{"outcome"})

	// stepDuration measures a whole step, model call and actions included.
	stepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "appuse",
		Subsystem: "agent",
		Name:      "step_duration_seconds",
		Help:      "Agent step duration in seconds",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
	})

	// modelLatency measures model calls.
	// Labels: method (negotiated tool calling method), status (ok, error)
	modelLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "appuse",
		Subsystem: "agent",
		Name:      "model_call_seconds",
		Help:      "Model call latency in seconds",
		Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 80},
	}, []string{"method", "status"})

	// actionsTotal counts executed actions.
	// Labels: action, result (ok, error, done)
	actionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "appuse",
		Subsystem: "agent",
		Name:      "actions_total",
		Help:      "Total executed actions by name and result",
	}, []string{"action", "result"})

	// consecutiveFailures mirrors the failure counter of the most recent step.
	consecutiveFailures = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "appuse",
		Subsystem: "agent",
		Name:      "consecutive_failures",
		Help:      "Consecutive failed steps of the running agent",
	})

	tracer = otel.Tracer("appuse.agent")
)
