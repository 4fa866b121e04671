package cost

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/Daggahh/flow3.chat/internal/catalog"
	"github.com/Daggahh/flow3.chat/internal/domain"
)

func TestCalculator_Calculate(t *testing.T) {
	calc := NewCalculator(catalog.Default())
	calc.SetPricing("custom-model", 0.002)

	gpt4o, _ := catalog.Default().Lookup("gpt-4o")

	tests := []struct {
		name     string
		model    string
		usage    domain.Usage
		expected float64
	}{
		{
			name:     "catalog rate",
			model:    "gpt-4o",
			usage:    domain.Usage{PromptTokens: 1000, CompletionTokens: 500},
			expected: 1.5 * gpt4o.CostPer1kTokens,
		},
		{
			name:     "unknown model returns zero",
			model:    "unknown-model",
			usage:    domain.Usage{PromptTokens: 1000, CompletionTokens: 500},
			expected: 0,
		},
		{
			name:     "override",
			model:    "custom-model",
			usage:    domain.Usage{PromptTokens: 2000, CompletionTokens: 1000},
			expected: 0.006,
		},
		{
			name:     "no usage",
			model:    "gpt-4o",
			usage:    domain.Usage{},
			expected: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := calc.Calculate(tt.model, tt.usage)
			if math.Abs(result-tt.expected) > 1e-9 {
				t.Errorf("expected %f, got %f", tt.expected, result)
			}
		})
	}
}

func TestCalculator_OverrideWinsOverCatalog(t *testing.T) {
	calc := NewCalculator(nil)
	calc.SetPricing("gpt-4o", 1)

	got := calc.Calculate("gpt-4o", domain.Usage{PromptTokens: 500, CompletionTokens: 500})
	if got != 1 {
		t.Errorf("expected override rate, got %f", got)
	}
}

func TestInMemoryTracker_Summary(t *testing.T) {
	tracker := NewInMemoryTracker(48 * time.Hour)
	ctx := context.Background()
	now := time.Now()

	tracker.Record(ctx, UsageRecord{UserID: "user1", InputTokens: 10, OutputTokens: 5, CostUSD: 0.10, Timestamp: now})
	tracker.Record(ctx, UsageRecord{UserID: "user1", InputTokens: 20, OutputTokens: 5, CostUSD: 0.20, Timestamp: now.Add(-time.Minute)})
	tracker.Record(ctx, UsageRecord{UserID: "user1", InputTokens: 99, CostUSD: 9, Timestamp: now.Add(-30 * time.Hour)})
	tracker.Record(ctx, UsageRecord{UserID: "user2", CostUSD: 0.50, Timestamp: now})

	sum, err := tracker.Summary(ctx, "user1", now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if sum.Turns != 2 || sum.InputTokens != 30 || sum.OutputTokens != 10 {
		t.Errorf("summary = %+v, want 2 turns, 30 in, 10 out", sum)
	}
	if math.Abs(sum.CostUSD-0.30) > 1e-9 {
		t.Errorf("CostUSD = %f, want 0.30", sum.CostUSD)
	}

	empty, _ := tracker.Summary(ctx, "nobody", now.Add(-24*time.Hour))
	if empty != (Summary{}) {
		t.Errorf("summary for unknown user = %+v", empty)
	}
}

func TestInMemoryTracker_Retention(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	tracker := NewInMemoryTracker(time.Hour)
	tracker.now = func() time.Time { return now }
	ctx := context.Background()

	tracker.Record(ctx, UsageRecord{UserID: "user1", RequestID: "old", Timestamp: now.Add(-2 * time.Hour)})
	tracker.Record(ctx, UsageRecord{UserID: "user1", RequestID: "recent", Timestamp: now.Add(-time.Minute)})
	tracker.Record(ctx, UsageRecord{UserID: "user1", RequestID: "new", Timestamp: now})

	records := tracker.Records("user1")
	if len(records) != 2 || records[0].RequestID != "recent" || records[1].RequestID != "new" {
		t.Errorf("retained = %+v, want recent and new", records)
	}
}
