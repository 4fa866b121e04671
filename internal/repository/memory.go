package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Daggahh/flow3.chat/internal/domain"
)

type credentialKey struct {
	userID   string
	provider domain.ProviderID
}

type InMemoryCredentialRepository struct {
	mu    sync.RWMutex
	creds map[credentialKey]domain.Credential
}

func NewInMemoryCredentialRepository() *InMemoryCredentialRepository {
	return &InMemoryCredentialRepository{creds: make(map[credentialKey]domain.Credential)}
}

func (r *InMemoryCredentialRepository) Upsert(ctx context.Context, cred *domain.Credential) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := credentialKey{cred.UserID, cred.Provider}
	now := time.Now()
	stored := *cred
	stored.UpdatedAt = now
	if existing, ok := r.creds[key]; ok {
		stored.CreatedAt = existing.CreatedAt
	} else {
		stored.CreatedAt = now
	}
	r.creds[key] = stored
	return nil
}

func (r *InMemoryCredentialRepository) Delete(ctx context.Context, userID string, provider domain.ProviderID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := credentialKey{userID, provider}
	if _, ok := r.creds[key]; !ok {
		return domain.ErrNotFound
	}
	delete(r.creds, key)
	return nil
}

func (r *InMemoryCredentialRepository) ListByUser(ctx context.Context, userID string) ([]*domain.Credential, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.Credential
	for key, c := range r.creds {
		if key.userID == userID {
			c := c
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out, nil
}

type InMemoryChatRepository struct {
	mu    sync.RWMutex
	chats map[string]domain.Chat
}

func NewInMemoryChatRepository() *InMemoryChatRepository {
	return &InMemoryChatRepository{chats: make(map[string]domain.Chat)}
}

func (r *InMemoryChatRepository) GetByID(ctx context.Context, id string) (*domain.Chat, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.chats[id]
	if !ok {
		return nil, domain.ErrChatNotFound
	}
	return &c, nil
}

func (r *InMemoryChatRepository) Create(ctx context.Context, chat *domain.Chat) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.chats[chat.ID] = *chat
	return nil
}

// InMemoryMessageRepository needs the chat repository to attribute messages to users.
type InMemoryMessageRepository struct {
	mu       sync.RWMutex
	chats    ChatRepository
	messages map[string]domain.ChatMessage
}

func NewInMemoryMessageRepository(chats ChatRepository) *InMemoryMessageRepository {
	return &InMemoryMessageRepository{
		chats:    chats,
		messages: make(map[string]domain.ChatMessage),
	}
}

func (r *InMemoryMessageRepository) Save(ctx context.Context, msgs ...*domain.ChatMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, m := range msgs {
		r.messages[m.ID] = *m
	}
	return nil
}

func (r *InMemoryMessageRepository) ListByChat(ctx context.Context, chatID string) ([]*domain.ChatMessage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.ChatMessage
	for _, m := range r.messages {
		if m.ChatID == chatID {
			m := m
			out = append(out, &m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *InMemoryMessageRepository) CountByUserSince(ctx context.Context, userID string, since time.Time) (int, error) {
	r.mu.RLock()
	msgs := make([]domain.ChatMessage, 0, len(r.messages))
	for _, m := range r.messages {
		if m.Role == domain.RoleUser && !m.CreatedAt.Before(since) {
			msgs = append(msgs, m)
		}
	}
	r.mu.RUnlock()

	owners := make(map[string]bool)
	count := 0
	for _, m := range msgs {
		owned, seen := owners[m.ChatID]
		if !seen {
			chat, err := r.chats.GetByID(ctx, m.ChatID)
			owned = err == nil && chat.UserID == userID
			owners[m.ChatID] = owned
		}
		if owned {
			count++
		}
	}
	return count, nil
}

type streamEntry struct {
	id        string
	createdAt time.Time
}

type InMemoryStreamRepository struct {
	mu      sync.RWMutex
	streams map[string][]streamEntry
}

func NewInMemoryStreamRepository() *InMemoryStreamRepository {
	return &InMemoryStreamRepository{streams: make(map[string][]streamEntry)}
}

func (r *InMemoryStreamRepository) CreateStreamID(ctx context.Context, streamID, chatID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.streams[chatID] = append(r.streams[chatID], streamEntry{id: streamID, createdAt: time.Now()})
	return nil
}

func (r *InMemoryStreamRepository) ListStreamIDsByChat(ctx context.Context, chatID string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := r.streams[chatID]
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.id
	}
	return ids, nil
}

type InMemoryDocumentRepository struct {
	mu          sync.RWMutex
	versions    map[string][]domain.Document
	suggestions []domain.Suggestion
}

func NewInMemoryDocumentRepository() *InMemoryDocumentRepository {
	return &InMemoryDocumentRepository{versions: make(map[string][]domain.Document)}
}

func (r *InMemoryDocumentRepository) Save(ctx context.Context, doc *domain.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.versions[doc.ID] = append(r.versions[doc.ID], *doc)
	return nil
}

func (r *InMemoryDocumentRepository) GetByID(ctx context.Context, id string) (*domain.Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions := r.versions[id]
	if len(versions) == 0 {
		return nil, domain.ErrDocumentNotFound
	}
	latest := versions[len(versions)-1]
	return &latest, nil
}

func (r *InMemoryDocumentRepository) SaveSuggestions(ctx context.Context, suggestions []*domain.Suggestion) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range suggestions {
		r.suggestions = append(r.suggestions, *s)
	}
	return nil
}

// Suggestions returns the suggestions stored for a document.
func (r *InMemoryDocumentRepository) Suggestions(documentID string) []domain.Suggestion {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []domain.Suggestion
	for _, s := range r.suggestions {
		if s.DocumentID == documentID {
			out = append(out, s)
		}
	}
	return out
}
