package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TasksSubmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scholar_tasks_submitted_total",
			Help: "Total number of report tasks submitted",
		},
	)

	TasksCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scholar_tasks_completed_total",
			Help: "Total number of report tasks that reached a terminal status",
		},
		[]string{"status"},
	)

	TasksRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scholar_tasks_running",
			Help: "Report tasks currently executing",
		},
	)

	StepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scholar_step_duration_seconds",
			Help:    "Plan step execution duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"role", "status"},
	)

	PlanFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scholar_plan_fallbacks_total",
			Help: "Plans replaced by the fixed fallback plan",
		},
	)

	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scholar_tool_calls_total",
			Help: "Tool invocations made by step agents",
		},
		[]string{"tool", "outcome"},
	)

	ProviderRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scholar_provider_requests_total",
			Help: "Outbound capability provider requests",
		},
		[]string{"provider", "outcome"},
	)

	ModelTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scholar_model_tokens_total",
			Help: "Tokens reported by the language model",
		},
		[]string{"role", "kind"},
	)
)
