package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Daggahh/flow3.chat/internal/domain"
	"github.com/Daggahh/flow3.chat/internal/metrics"
	"github.com/Daggahh/flow3.chat/internal/repository"
)

// appendWindow is how recent a finished assistant message must be for a
// resume to hand it back directly.
const appendWindow = 15 * time.Second

// Resumer answers reconnecting clients with the latest stream of a chat.
type Resumer struct {
	registry Registry
	chats    repository.ChatRepository
	streams  repository.StreamRepository
	messages repository.MessageRepository
	now      func() time.Time
}

func NewResumer(registry Registry, chats repository.ChatRepository, streams repository.StreamRepository, messages repository.MessageRepository) *Resumer {
	return &Resumer{
		registry: registry,
		chats:    chats,
		streams:  streams,
		messages: messages,
		now:      time.Now,
	}
}

// Resume returns the events a reconnecting client should receive. Errors
// are checked in order: ErrNoResumableStream when streams are not durable,
// ErrBadRequest for a missing chat id, ErrUnauthorized without a user,
// ErrChatNotFound, ErrForbidden for another user's private chat and
// ErrNotFound when the chat has no streams.
func (r *Resumer) Resume(ctx context.Context, chatID, userID string) (<-chan domain.DeltaEvent, error) {
	events, outcome, err := r.resume(ctx, chatID, userID)
	metrics.RecordResume(outcome)
	return events, err
}

func (r *Resumer) resume(ctx context.Context, chatID, userID string) (<-chan domain.DeltaEvent, string, error) {
	if r.registry == nil || !r.registry.Enabled() {
		return nil, "disabled", domain.ErrNoResumableStream
	}
	if chatID == "" {
		return nil, "rejected", fmt.Errorf("%w: chatId is required", domain.ErrBadRequest)
	}
	if userID == "" {
		return nil, "rejected", domain.ErrUnauthorized
	}

	chat, err := r.chats.GetByID(ctx, chatID)
	if err != nil {
		return nil, "rejected", err
	}
	if chat.Visibility == domain.VisibilityPrivate && chat.UserID != userID {
		return nil, "rejected", domain.ErrForbidden
	}

	ids, err := r.streams.ListStreamIDsByChat(ctx, chatID)
	if err != nil {
		return nil, "rejected", fmt.Errorf("list streams: %w", err)
	}
	if len(ids) == 0 {
		return nil, "rejected", fmt.Errorf("%w: no streams for chat", domain.ErrNotFound)
	}
	latest := ids[len(ids)-1]

	state, err := r.registry.State(ctx, latest)
	if err != nil && !errors.Is(err, domain.ErrNoResumableStream) {
		return nil, "rejected", err
	}

	if err == nil && state != StateCompleted {
		events, err := r.registry.Subscribe(ctx, latest)
		if err == nil {
			return events, "replayed", nil
		}
		if !errors.Is(err, domain.ErrNoResumableStream) {
			return nil, "rejected", err
		}
	}

	// The stream finished or expired. Hand back a just-finished reply so the
	// client does not miss it.
	msg, err := r.recentAssistantMessage(ctx, chatID)
	if err != nil {
		return nil, "rejected", err
	}
	if msg == nil {
		return closed(), "empty", nil
	}
	out := make(chan domain.DeltaEvent, 1)
	out <- domain.AppendMessageEvent(*msg)
	close(out)
	return out, "appended", nil
}

func (r *Resumer) recentAssistantMessage(ctx context.Context, chatID string) (*domain.ChatMessage, error) {
	msgs, err := r.messages.ListByChat(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	last := msgs[len(msgs)-1]
	if last.Role != domain.RoleAssistant || r.now().Sub(last.CreatedAt) > appendWindow {
		return nil, nil
	}
	return last, nil
}

func closed() <-chan domain.DeltaEvent {
	ch := make(chan domain.DeltaEvent)
	close(ch)
	return ch
}
