// Package stream keeps an append-only log of the events produced for a chat
// turn so that a client that lost its connection can replay and follow it.
package stream

import (
	"context"
	"time"

	"github.com/Daggahh/flow3.chat/internal/domain"
)

type State string

const (
	StatePending   State = "pending"
	StateActive    State = "active"
	StateCompleted State = "completed"
)

// TTL bounds how long a stream can be resumed after it was registered.
const TTL = 24 * time.Hour

// Registry is the durable channel generation writes into and readers
// subscribe to. Every subscriber sees the events of a stream in the order
// they were published.
type Registry interface {
	// Enabled reports whether streams survive the request that created them.
	Enabled() bool
	Register(ctx context.Context, streamID, chatID string) error
	Publish(ctx context.Context, streamID string, ev domain.DeltaEvent) error
	Complete(ctx context.Context, streamID string) error
	// Subscribe replays the stream from its first event and then follows it.
	// The channel is closed once the stream completes or ctx is done.
	Subscribe(ctx context.Context, streamID string) (<-chan domain.DeltaEvent, error)
	State(ctx context.Context, streamID string) (State, error)
}

// Publisher writes the events of one stream into a Registry.
type Publisher struct {
	registry Registry
	streamID string
}

func NewPublisher(r Registry, streamID string) *Publisher {
	return &Publisher{registry: r, streamID: streamID}
}

func (p *Publisher) Send(ctx context.Context, ev domain.DeltaEvent) error {
	return p.registry.Publish(ctx, p.streamID, ev)
}

// NoopRegistry is used when no shared store is configured.
type NoopRegistry struct{}

func (NoopRegistry) Enabled() bool { return false }

func (NoopRegistry) Register(ctx context.Context, streamID, chatID string) error { return nil }

func (NoopRegistry) Publish(ctx context.Context, streamID string, ev domain.DeltaEvent) error {
	return nil
}

func (NoopRegistry) Complete(ctx context.Context, streamID string) error { return nil }

func (NoopRegistry) Subscribe(ctx context.Context, streamID string) (<-chan domain.DeltaEvent, error) {
	return nil, domain.ErrNoResumableStream
}

func (NoopRegistry) State(ctx context.Context, streamID string) (State, error) {
	return "", domain.ErrNoResumableStream
}
