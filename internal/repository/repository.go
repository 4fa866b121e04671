// Package repository defines the persistence collaborators the chat core reads
// and writes, with in-memory and Postgres implementations.
package repository

import (
	"context"
	"time"

	"github.com/Daggahh/flow3.chat/internal/domain"
)

// CredentialRepository stores at most one encrypted key per (user, provider).
type CredentialRepository interface {
	Upsert(ctx context.Context, cred *domain.Credential) error
	Delete(ctx context.Context, userID string, provider domain.ProviderID) error
	ListByUser(ctx context.Context, userID string) ([]*domain.Credential, error)
}

type ChatRepository interface {
	GetByID(ctx context.Context, id string) (*domain.Chat, error)
	Create(ctx context.Context, chat *domain.Chat) error
}

type MessageRepository interface {
	// Save inserts messages, replacing any existing message with the same id.
	Save(ctx context.Context, msgs ...*domain.ChatMessage) error
	// ListByChat returns the chat's messages oldest first.
	ListByChat(ctx context.Context, chatID string) ([]*domain.ChatMessage, error)
	// CountByUserSince counts user-authored messages across the user's chats created at or after since.
	CountByUserSince(ctx context.Context, userID string, since time.Time) (int, error)
}

// StreamRepository records which stream ids belong to a chat.
type StreamRepository interface {
	CreateStreamID(ctx context.Context, streamID, chatID string) error
	// ListStreamIDsByChat returns ids oldest first.
	ListStreamIDsByChat(ctx context.Context, chatID string) ([]string, error)
}

type DocumentRepository interface {
	// Save stores a new version of the document.
	Save(ctx context.Context, doc *domain.Document) error
	// GetByID returns the latest version.
	GetByID(ctx context.Context, id string) (*domain.Document, error)
	SaveSuggestions(ctx context.Context, suggestions []*domain.Suggestion) error
}
