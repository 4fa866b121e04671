package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordRequest(t *testing.T) {
	// Reset metrics for test isolation
	RequestsTotal.Reset()
	RequestDuration.Reset()

	RecordRequest("regular", "openai", "gpt-4o", "success", 1.5)

	count := testutil.ToFloat64(RequestsTotal.WithLabelValues("regular", "openai", "gpt-4o", "success"))
	if count != 1 {
		t.Errorf("RequestsTotal = %v, want 1", count)
	}
}

func TestRecordTokens(t *testing.T) {
	TokensTotal.Reset()

	RecordTokens("openai", "gpt-4o", 100, 50)

	inputCount := testutil.ToFloat64(TokensTotal.WithLabelValues("openai", "gpt-4o", "input"))
	if inputCount != 100 {
		t.Errorf("input tokens = %v, want 100", inputCount)
	}

	outputCount := testutil.ToFloat64(TokensTotal.WithLabelValues("openai", "gpt-4o", "output"))
	if outputCount != 50 {
		t.Errorf("output tokens = %v, want 50", outputCount)
	}
}

func TestRecordCost(t *testing.T) {
	CostTotal.Reset()

	RecordCost("anthropic", "claude-3-haiku-20240307", 0.25)
	RecordCost("anthropic", "claude-3-haiku-20240307", 0.5)

	cost := testutil.ToFloat64(CostTotal.WithLabelValues("anthropic", "claude-3-haiku-20240307"))
	if cost != 0.75 {
		t.Errorf("CostTotal = %v, want 0.75", cost)
	}
}

func TestRecordProviderError(t *testing.T) {
	ProviderErrors.Reset()

	RecordProviderError("openai", "timeout")
	RecordProviderError("openai", "rate_limit")
	RecordProviderError("openai", "timeout")

	timeouts := testutil.ToFloat64(ProviderErrors.WithLabelValues("openai", "timeout"))
	if timeouts != 2 {
		t.Errorf("timeout errors = %v, want 2", timeouts)
	}

	rateLimits := testutil.ToFloat64(ProviderErrors.WithLabelValues("openai", "rate_limit"))
	if rateLimits != 1 {
		t.Errorf("rate_limit errors = %v, want 1", rateLimits)
	}
}

func TestRecordGuardRejection(t *testing.T) {
	GuardRejections.Reset()

	RecordGuardRejection("daily_quota")
	RecordGuardRejection("daily_quota")
	RecordGuardRejection("guest_quota")

	if got := testutil.ToFloat64(GuardRejections.WithLabelValues("daily_quota")); got != 2 {
		t.Errorf("daily_quota rejections = %v, want 2", got)
	}
	if got := testutil.ToFloat64(GuardRejections.WithLabelValues("guest_quota")); got != 1 {
		t.Errorf("guest_quota rejections = %v, want 1", got)
	}
}

func TestRecordToolCall(t *testing.T) {
	ToolCalls.Reset()
	ToolDuration.Reset()

	RecordToolCall("getWeather", "success", 0.2)
	RecordToolCall("getWeather", "error", 0.1)

	if got := testutil.ToFloat64(ToolCalls.WithLabelValues("getWeather", "success")); got != 1 {
		t.Errorf("successful tool calls = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(ToolDuration); got != 1 {
		t.Errorf("tool duration series = %v, want 1", got)
	}
}

func TestRecordResume(t *testing.T) {
	ResumeOutcomes.Reset()

	RecordResume("replayed")
	RecordResume("no_content")

	if got := testutil.ToFloat64(ResumeOutcomes.WithLabelValues("replayed")); got != 1 {
		t.Errorf("replayed resumes = %v, want 1", got)
	}
}

func TestSetCircuitBreakerState(t *testing.T) {
	CircuitBreakerState.Reset()

	SetCircuitBreakerState("openai", 0) // closed
	state := testutil.ToFloat64(CircuitBreakerState.WithLabelValues("openai"))
	if state != 0 {
		t.Errorf("CircuitBreakerState = %v, want 0", state)
	}

	SetCircuitBreakerState("openai", 1) // open
	state = testutil.ToFloat64(CircuitBreakerState.WithLabelValues("openai"))
	if state != 1 {
		t.Errorf("CircuitBreakerState = %v, want 1", state)
	}
}

func TestActiveStreams(t *testing.T) {
	InitInstanceMetrics("test-pod", "0.1.0")

	ActiveStreams.Reset()

	IncrementActiveStreams()
	IncrementActiveStreams()

	streams := testutil.ToFloat64(ActiveStreams.WithLabelValues("test-pod"))
	if streams != 2 {
		t.Errorf("ActiveStreams = %v, want 2", streams)
	}

	DecrementActiveStreams()
	streams = testutil.ToFloat64(ActiveStreams.WithLabelValues("test-pod"))
	if streams != 1 {
		t.Errorf("ActiveStreams after dec = %v, want 1", streams)
	}
}

func TestRequestsByUserClass(t *testing.T) {
	RequestsTotal.Reset()

	RecordRequest("regular", "openai", "gpt-4o", "success", 1.0)
	RecordRequest("guest", "google", "gemini-1.5-flash", "success", 2.0)
	RecordRequest("regular", "openai", "gpt-4o", "error", 0.5)

	regularSuccess := testutil.ToFloat64(RequestsTotal.WithLabelValues("regular", "openai", "gpt-4o", "success"))
	if regularSuccess != 1 {
		t.Errorf("regular success = %v, want 1", regularSuccess)
	}

	regularError := testutil.ToFloat64(RequestsTotal.WithLabelValues("regular", "openai", "gpt-4o", "error"))
	if regularError != 1 {
		t.Errorf("regular error = %v, want 1", regularError)
	}

	guestSuccess := testutil.ToFloat64(RequestsTotal.WithLabelValues("guest", "google", "gemini-1.5-flash", "success"))
	if guestSuccess != 1 {
		t.Errorf("guest success = %v, want 1", guestSuccess)
	}
}
