package api

import (
	"context"
	"database/sql"
	"net/http"
	"sync"
	"time"

	"github.com/Daggahh/flow3.chat/internal/circuitbreaker"
	"github.com/Daggahh/flow3.chat/internal/domain"
	"github.com/redis/go-redis/v9"
)

// HealthChecker is a dependency probed by /health/ready.
type HealthChecker interface {
	Check(ctx context.Context) error
	Name() string
}

type HealthStatus struct {
	Status  string                  `json:"status"`
	Checks  map[string]CheckResult  `json:"checks,omitempty"`
	Vendors map[string]VendorHealth `json:"vendors,omitempty"`
	Version string                  `json:"version,omitempty"`
}

type CheckResult struct {
	Status   string `json:"status"`
	Duration string `json:"duration,omitempty"`
	Error    string `json:"error,omitempty"`
}

// VendorHealth tells operators whether a vendor can serve callers without a
// key of their own and whether its breaker is letting calls through.
type VendorHealth struct {
	DefaultKey bool   `json:"defaultKey"`
	Breaker    string `json:"breaker"`
}

type pingChecker struct {
	name string
	ping func(ctx context.Context) error
}

func (c pingChecker) Name() string                    { return c.name }
func (c pingChecker) Check(ctx context.Context) error { return c.ping(ctx) }

// NewRedisHealthChecker pings the client shared by the stream registry,
// guest counters and circuit breakers.
func NewRedisHealthChecker(client *redis.Client) HealthChecker {
	return pingChecker{name: "redis", ping: func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}}
}

// NewPostgresHealthChecker pings the chat and credential store.
func NewPostgresHealthChecker(db *sql.DB) HealthChecker {
	return pingChecker{name: "postgres", ping: db.PingContext}
}

// runHealthChecks executes all health checks concurrently.
func runHealthChecks(ctx context.Context, checkers []HealthChecker) map[string]CheckResult {
	results := make(map[string]CheckResult, len(checkers))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, checker := range checkers {
		wg.Add(1)
		go func(c HealthChecker) {
			defer wg.Done()

			start := time.Now()
			err := c.Check(ctx)

			result := CheckResult{
				Status:   "ok",
				Duration: time.Since(start).String(),
			}
			if err != nil {
				result.Status = "error"
				result.Error = err.Error()
			}

			mu.Lock()
			results[c.Name()] = result
			mu.Unlock()
		}(checker)
	}

	wg.Wait()
	return results
}

// vendorHealth covers every vendor. Breakers not created yet are closed.
func (h *Handler) vendorHealth(ctx context.Context) (map[string]VendorHealth, bool) {
	var states map[domain.ProviderID]circuitbreaker.State
	if h.breakers != nil {
		states = h.breakers.States(ctx)
	}

	degraded := false
	vendors := make(map[string]VendorHealth, len(domain.AllProviders))
	for _, p := range domain.AllProviders {
		state := states[p]
		if state == circuitbreaker.StateOpen {
			degraded = true
		}
		vendors[string(p)] = VendorHealth{
			DefaultKey: h.factory.HasDefaultKey(p),
			Breaker:    state.String(),
		}
	}
	return vendors, degraded
}

// handleHealth always answers 200; an open breaker only marks the node degraded.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	vendors, degraded := h.vendorHealth(r.Context())
	status := HealthStatus{Status: "ok", Vendors: vendors, Version: h.version}
	if degraded {
		status.Status = "degraded"
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthStatus{Status: "alive"})
}

func handleHealthReadyWithCheckers(checkers []HealthChecker, timeout time.Duration, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		results := runHealthChecks(ctx, checkers)

		status := HealthStatus{Status: "ready", Checks: results, Version: version}
		httpStatus := http.StatusOK
		for _, result := range results {
			if result.Status != "ok" {
				status.Status = "not_ready"
				httpStatus = http.StatusServiceUnavailable
				break
			}
		}
		writeJSON(w, httpStatus, status)
	}
}
