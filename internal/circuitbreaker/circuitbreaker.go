// Package circuitbreaker keeps one breaker per vendor so an outage at one
// provider fails fast instead of holding chat requests for the full budget.
//
// A breaker is closed while calls succeed, opens after FailureThreshold
// consecutive failures, and lets trial calls through (half-open) once Timeout
// has passed since the last failure. SuccessThreshold trial successes close it.
package circuitbreaker

import (
	"context"
	"sync"
	"time"

	"github.com/Daggahh/flow3.chat/internal/domain"
	"github.com/redis/go-redis/v9"
)

type CircuitBreaker interface {
	// Allow returns ErrCircuitBreakerOpen while the vendor is considered down.
	Allow(ctx context.Context) error
	RecordSuccess(ctx context.Context)
	RecordFailure(ctx context.Context)
	State(ctx context.Context) State
}

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

type Config struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

// InMemoryCircuitBreaker is local to one process.
type InMemoryCircuitBreaker struct {
	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	lastFailure time.Time
	config      Config
	now         func() time.Time
}

func NewInMemory(cfg Config) *InMemoryCircuitBreaker {
	return &InMemoryCircuitBreaker{
		state:  StateClosed,
		config: cfg,
		now:    time.Now,
	}
}

func (cb *InMemoryCircuitBreaker) Allow(ctx context.Context) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateOpen {
		return nil
	}
	if cb.now().Sub(cb.lastFailure) >= cb.config.Timeout {
		cb.state = StateHalfOpen
		cb.successes = 0
		return nil
	}
	return domain.ErrCircuitBreakerOpen
}

func (cb *InMemoryCircuitBreaker) RecordSuccess(ctx context.Context) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.state = StateClosed
			cb.failures = 0
			cb.successes = 0
		}
	}
}

func (cb *InMemoryCircuitBreaker) RecordFailure(ctx context.Context) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailure = cb.now()

	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.state = StateOpen
		}
	case StateHalfOpen:
		cb.state = StateOpen
		cb.successes = 0
	}
}

func (cb *InMemoryCircuitBreaker) State(ctx context.Context) State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// TransitionFunc observes a breaker changing state.
type TransitionFunc func(ctx context.Context, provider domain.ProviderID, from, to State)

// observed reports state changes caused through it to the manager's hooks.
type observed struct {
	CircuitBreaker
	provider domain.ProviderID
	hooks    []TransitionFunc
}

func (o *observed) Allow(ctx context.Context) error {
	before := o.CircuitBreaker.State(ctx)
	err := o.CircuitBreaker.Allow(ctx)
	o.notify(ctx, before)
	return err
}

func (o *observed) RecordSuccess(ctx context.Context) {
	before := o.CircuitBreaker.State(ctx)
	o.CircuitBreaker.RecordSuccess(ctx)
	o.notify(ctx, before)
}

func (o *observed) RecordFailure(ctx context.Context) {
	before := o.CircuitBreaker.State(ctx)
	o.CircuitBreaker.RecordFailure(ctx)
	o.notify(ctx, before)
}

func (o *observed) notify(ctx context.Context, before State) {
	after := o.CircuitBreaker.State(ctx)
	if after == before {
		return
	}
	for _, h := range o.hooks {
		h(ctx, o.provider, before, after)
	}
}

// Manager hands out one breaker per vendor.
type Manager struct {
	mu       sync.RWMutex
	breakers map[domain.ProviderID]CircuitBreaker
	config   Config
	factory  func(provider domain.ProviderID) CircuitBreaker
	hooks    []TransitionFunc
}

type ManagerOption func(*Manager)

// WithRedis shares breaker state across nodes through client.
func WithRedis(client *redis.Client) ManagerOption {
	return func(m *Manager) {
		m.factory = func(provider domain.ProviderID) CircuitBreaker {
			return NewRedis(client, provider, m.config)
		}
	}
}

// OnTransition registers fn to run whenever a vendor's breaker changes state.
func OnTransition(fn TransitionFunc) ManagerOption {
	return func(m *Manager) {
		m.hooks = append(m.hooks, fn)
	}
}

func NewManager(cfg Config, opts ...ManagerOption) *Manager {
	m := &Manager{
		breakers: make(map[domain.ProviderID]CircuitBreaker),
		config:   cfg,
		factory: func(domain.ProviderID) CircuitBreaker {
			return NewInMemory(cfg)
		},
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

func (m *Manager) Get(provider domain.ProviderID) CircuitBreaker {
	m.mu.RLock()
	cb, ok := m.breakers[provider]
	m.mu.RUnlock()
	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if cb, ok := m.breakers[provider]; ok {
		return cb
	}

	cb = m.factory(provider)
	if len(m.hooks) > 0 {
		cb = &observed{CircuitBreaker: cb, provider: provider, hooks: m.hooks}
	}
	m.breakers[provider] = cb
	return cb
}

// States reports every breaker created so far.
func (m *Manager) States(ctx context.Context) map[domain.ProviderID]State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	states := make(map[domain.ProviderID]State, len(m.breakers))
	for id, cb := range m.breakers {
		states[id] = cb.State(ctx)
	}
	return states
}
