package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flow3_chat_requests_total",
			Help: "Total number of chat turns processed",
		},
		[]string{"user_class", "provider", "model", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flow3_chat_request_duration_seconds",
			Help:    "Chat turn duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"provider", "model"},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flow3_tokens_total",
			Help: "Total number of tokens reported by vendors",
		},
		[]string{"provider", "model", "type"},
	)

	CostTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flow3_cost_usd_total",
			Help: "Estimated vendor cost in USD",
		},
		[]string{"provider", "model"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flow3_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"provider"},
	)

	ProviderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flow3_provider_errors_total",
			Help: "Total number of vendor errors",
		},
		[]string{"provider", "error_type"},
	)

	GuardRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flow3_guard_rejections_total",
			Help: "Chat turns rejected before dispatch",
		},
		[]string{"reason"},
	)

	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flow3_tool_calls_total",
			Help: "Tool executions by outcome",
		},
		[]string{"tool", "status"},
	)

	ToolDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flow3_tool_duration_seconds",
			Help:    "Tool execution duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"tool"},
	)

	ResumeOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flow3_stream_resumes_total",
			Help: "Stream resume attempts by outcome",
		},
		[]string{"outcome"},
	)

	ActiveStreams = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flow3_active_streams",
			Help: "Number of generations currently streaming",
		},
		[]string{"pod"},
	)

	InstanceInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flow3_instance_info",
			Help: "Instance information (always 1)",
		},
		[]string{"pod", "version"},
	)
)

func RecordRequest(userClass, provider, model, status string, durationSec float64) {
	RequestsTotal.WithLabelValues(userClass, provider, model, status).Inc()
	RequestDuration.WithLabelValues(provider, model).Observe(durationSec)
}

func RecordTokens(provider, model string, inputTokens, outputTokens int) {
	TokensTotal.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	TokensTotal.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
}

func RecordCost(provider, model string, costUSD float64) {
	CostTotal.WithLabelValues(provider, model).Add(costUSD)
}

func RecordProviderError(provider, errorType string) {
	ProviderErrors.WithLabelValues(provider, errorType).Inc()
}

func RecordGuardRejection(reason string) {
	GuardRejections.WithLabelValues(reason).Inc()
}

func RecordToolCall(tool, status string, durationSec float64) {
	ToolCalls.WithLabelValues(tool, status).Inc()
	ToolDuration.WithLabelValues(tool).Observe(durationSec)
}

func RecordResume(outcome string) {
	ResumeOutcomes.WithLabelValues(outcome).Inc()
}

func SetCircuitBreakerState(provider string, state int) {
	CircuitBreakerState.WithLabelValues(provider).Set(float64(state))
}

var currentPodName string

// InitInstanceMetrics should be called once at startup.
func InitInstanceMetrics(podName, version string) {
	currentPodName = podName
	InstanceInfo.WithLabelValues(podName, version).Set(1)
}

func IncrementActiveStreams() {
	ActiveStreams.WithLabelValues(currentPodName).Inc()
}

func DecrementActiveStreams() {
	ActiveStreams.WithLabelValues(currentPodName).Dec()
}
