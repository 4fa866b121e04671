package stream

import (
	"context"
	"fmt"
	"sync"

	"github.com/Daggahh/flow3.chat/internal/domain"
)

type memStream struct {
	chatID  string
	events  []domain.DeltaEvent
	state   State
	updated chan struct{}
}

// InMemoryRegistry keeps streams in process memory. Suitable for tests and a
// single node.
type InMemoryRegistry struct {
	mu      sync.Mutex
	streams map[string]*memStream
}

func NewInMemoryRegistry() *InMemoryRegistry {
	return &InMemoryRegistry{streams: make(map[string]*memStream)}
}

func (r *InMemoryRegistry) Enabled() bool { return true }

func (r *InMemoryRegistry) Register(ctx context.Context, streamID, chatID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.streams[streamID]; ok {
		return fmt.Errorf("stream %s already registered", streamID)
	}
	r.streams[streamID] = &memStream{chatID: chatID, state: StatePending, updated: make(chan struct{})}
	return nil
}

func (r *InMemoryRegistry) Publish(ctx context.Context, streamID string, ev domain.DeltaEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.streams[streamID]
	if !ok {
		return domain.ErrNoResumableStream
	}
	if s.state == StateCompleted {
		return fmt.Errorf("stream %s is completed", streamID)
	}
	s.events = append(s.events, ev)
	s.state = StateActive
	s.notify()
	return nil
}

func (r *InMemoryRegistry) Complete(ctx context.Context, streamID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.streams[streamID]
	if !ok {
		return domain.ErrNoResumableStream
	}
	if s.state != StateCompleted {
		s.state = StateCompleted
		s.notify()
	}
	return nil
}

// notify wakes every subscriber. Caller holds r.mu.
func (s *memStream) notify() {
	close(s.updated)
	s.updated = make(chan struct{})
}

func (r *InMemoryRegistry) Subscribe(ctx context.Context, streamID string) (<-chan domain.DeltaEvent, error) {
	r.mu.Lock()
	s, ok := r.streams[streamID]
	r.mu.Unlock()
	if !ok {
		return nil, domain.ErrNoResumableStream
	}

	out := make(chan domain.DeltaEvent)
	go func() {
		defer close(out)
		next := 0
		for {
			r.mu.Lock()
			pending := append([]domain.DeltaEvent(nil), s.events[next:]...)
			done := s.state == StateCompleted
			wait := s.updated
			r.mu.Unlock()

			for _, ev := range pending {
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
				next++
			}
			if done {
				return
			}

			select {
			case <-wait:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (r *InMemoryRegistry) State(ctx context.Context, streamID string) (State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.streams[streamID]
	if !ok {
		return "", domain.ErrNoResumableStream
	}
	return s.state, nil
}
