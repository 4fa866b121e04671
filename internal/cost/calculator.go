// Package cost estimates vendor spend from reported token usage.
package cost

import (
	"context"
	"sync"
	"time"

	"github.com/Daggahh/flow3.chat/internal/catalog"
	"github.com/Daggahh/flow3.chat/internal/domain"
)

// Calculator prices usage at the catalog's blended per-1k rate. Overrides set
// with SetPricing take precedence.
type Calculator struct {
	catalog *catalog.Catalog

	mu        sync.RWMutex
	overrides map[string]float64
}

func NewCalculator(cat *catalog.Catalog) *Calculator {
	if cat == nil {
		cat = catalog.Default()
	}
	return &Calculator{
		catalog:   cat,
		overrides: make(map[string]float64),
	}
}

func (c *Calculator) Calculate(modelID string, usage domain.Usage) float64 {
	rate, ok := c.rate(modelID)
	if !ok {
		return 0
	}
	tokens := usage.PromptTokens + usage.CompletionTokens
	return float64(tokens) / 1000 * rate
}

func (c *Calculator) rate(modelID string) (float64, bool) {
	c.mu.RLock()
	rate, ok := c.overrides[modelID]
	c.mu.RUnlock()
	if ok {
		return rate, true
	}

	m, ok := c.catalog.Lookup(modelID)
	if !ok {
		return 0, false
	}
	return m.CostPer1kTokens, true
}

func (c *Calculator) SetPricing(modelID string, per1k float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.overrides[modelID] = per1k
}

// UsageRecord is one completed chat turn as billed by the vendor.
type UsageRecord struct {
	UserID       string
	ChatID       string
	RequestID    string
	Model        string
	Provider     string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	LatencyMs    int64
	Timestamp    time.Time
}

// Summary aggregates a user's turns over a window.
type Summary struct {
	Turns        int     `json:"turns"`
	InputTokens  int     `json:"inputTokens"`
	OutputTokens int     `json:"outputTokens"`
	CostUSD      float64 `json:"costUSD"`
}

func (s *Summary) add(r UsageRecord) {
	s.Turns++
	s.InputTokens += r.InputTokens
	s.OutputTokens += r.OutputTokens
	s.CostUSD += r.CostUSD
}

type Tracker interface {
	Record(ctx context.Context, record UsageRecord) error
	// Summary covers records at or after since.
	Summary(ctx context.Context, userID string, since time.Time) (Summary, error)
}

// InMemoryTracker keeps records for retention, which bounds memory on a
// node without a database.
type InMemoryTracker struct {
	mu        sync.RWMutex
	records   []UsageRecord
	retention time.Duration
	now       func() time.Time
}

func NewInMemoryTracker(retention time.Duration) *InMemoryTracker {
	return &InMemoryTracker{
		retention: retention,
		now:       time.Now,
	}
}

func (t *InMemoryTracker) Record(ctx context.Context, record UsageRecord) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-t.retention)
	kept := t.records[:0]
	for _, r := range t.records {
		if !r.Timestamp.Before(cutoff) {
			kept = append(kept, r)
		}
	}
	t.records = append(kept, record)
	return nil
}

func (t *InMemoryTracker) Summary(ctx context.Context, userID string, since time.Time) (Summary, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var sum Summary
	for _, r := range t.records {
		if r.UserID == userID && !r.Timestamp.Before(since) {
			sum.add(r)
		}
	}
	return sum, nil
}

// Records returns a copy of the retained records for userID.
func (t *InMemoryTracker) Records(userID string) []UsageRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []UsageRecord
	for _, r := range t.records {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	return out
}
