package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Daggahh/flow3.chat/internal/domain"
	"github.com/lib/pq"
)

//go:embed schema.sql
var schema string

const pqForeignKeyViolation = "23503"

// Migrate creates the tables if they do not exist.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqForeignKeyViolation
}

type PostgresCredentialRepository struct {
	db *sql.DB
}

func NewPostgresCredentialRepository(db *sql.DB) *PostgresCredentialRepository {
	return &PostgresCredentialRepository{db: db}
}

func (r *PostgresCredentialRepository) Upsert(ctx context.Context, cred *domain.Credential) error {
	query := `
		INSERT INTO credentials (user_id, provider, ciphertext, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (user_id, provider)
		DO UPDATE SET ciphertext = EXCLUDED.ciphertext, updated_at = NOW()
	`
	_, err := r.db.ExecContext(ctx, query, cred.UserID, string(cred.Provider), cred.Ciphertext)
	if err != nil {
		return fmt.Errorf("upsert credential: %w", err)
	}
	return nil
}

func (r *PostgresCredentialRepository) Delete(ctx context.Context, userID string, provider domain.ProviderID) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM credentials WHERE user_id = $1 AND provider = $2`,
		userID, string(provider),
	)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *PostgresCredentialRepository) ListByUser(ctx context.Context, userID string) ([]*domain.Credential, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT user_id, provider, ciphertext, created_at, updated_at
		FROM credentials
		WHERE user_id = $1
		ORDER BY provider
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query credentials: %w", err)
	}
	defer rows.Close()

	var out []*domain.Credential
	for rows.Next() {
		var c domain.Credential
		var provider string
		if err := rows.Scan(&c.UserID, &provider, &c.Ciphertext, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		c.Provider = domain.ProviderID(provider)
		out = append(out, &c)
	}
	return out, rows.Err()
}

type PostgresChatRepository struct {
	db *sql.DB
}

func NewPostgresChatRepository(db *sql.DB) *PostgresChatRepository {
	return &PostgresChatRepository{db: db}
}

func (r *PostgresChatRepository) GetByID(ctx context.Context, id string) (*domain.Chat, error) {
	var c domain.Chat
	var visibility string
	err := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, title, visibility, created_at
		FROM chats WHERE id = $1
	`, id).Scan(&c.ID, &c.UserID, &c.Title, &visibility, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrChatNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query chat: %w", err)
	}
	c.Visibility = domain.Visibility(visibility)
	return &c, nil
}

func (r *PostgresChatRepository) Create(ctx context.Context, chat *domain.Chat) error {
	visibility := chat.Visibility
	if visibility == "" {
		visibility = domain.VisibilityPrivate
	}
	createdAt := chat.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO chats (id, user_id, title, visibility, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, chat.ID, chat.UserID, chat.Title, string(visibility), createdAt)
	if err != nil {
		return fmt.Errorf("insert chat: %w", err)
	}
	return nil
}

type PostgresMessageRepository struct {
	db *sql.DB
}

func NewPostgresMessageRepository(db *sql.DB) *PostgresMessageRepository {
	return &PostgresMessageRepository{db: db}
}

func (r *PostgresMessageRepository) Save(ctx context.Context, msgs ...*domain.ChatMessage) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages (id, chat_id, role, parts, attachments, incomplete, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id)
		DO UPDATE SET parts = EXCLUDED.parts,
		              attachments = EXCLUDED.attachments,
		              incomplete = EXCLUDED.incomplete
	`)
	if err != nil {
		return fmt.Errorf("prepare insert message: %w", err)
	}
	defer stmt.Close()

	for _, m := range msgs {
		parts, err := json.Marshal(nonNilParts(m.Parts))
		if err != nil {
			return fmt.Errorf("marshal parts: %w", err)
		}
		attachments, err := json.Marshal(nonNilAttachments(m.Attachments))
		if err != nil {
			return fmt.Errorf("marshal attachments: %w", err)
		}
		createdAt := m.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		_, err = stmt.ExecContext(ctx, m.ID, m.ChatID, m.Role, parts, attachments, m.Incomplete, createdAt)
		if isForeignKeyViolation(err) {
			return domain.ErrChatNotFound
		}
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit messages: %w", err)
	}
	return nil
}

func (r *PostgresMessageRepository) ListByChat(ctx context.Context, chatID string) ([]*domain.ChatMessage, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, chat_id, role, parts, attachments, incomplete, created_at
		FROM messages
		WHERE chat_id = $1
		ORDER BY created_at ASC
	`, chatID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []*domain.ChatMessage
	for rows.Next() {
		var m domain.ChatMessage
		var parts, attachments []byte
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Role, &parts, &attachments, &m.Incomplete, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if err := json.Unmarshal(parts, &m.Parts); err != nil {
			return nil, fmt.Errorf("unmarshal parts: %w", err)
		}
		if err := json.Unmarshal(attachments, &m.Attachments); err != nil {
			return nil, fmt.Errorf("unmarshal attachments: %w", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (r *PostgresMessageRepository) CountByUserSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM messages m
		JOIN chats c ON c.id = m.chat_id
		WHERE c.user_id = $1 AND m.role = $2 AND m.created_at >= $3
	`, userID, domain.RoleUser, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return count, nil
}

type PostgresStreamRepository struct {
	db *sql.DB
}

func NewPostgresStreamRepository(db *sql.DB) *PostgresStreamRepository {
	return &PostgresStreamRepository{db: db}
}

func (r *PostgresStreamRepository) CreateStreamID(ctx context.Context, streamID, chatID string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO streams (id, chat_id, created_at) VALUES ($1, $2, NOW())`,
		streamID, chatID,
	)
	if isForeignKeyViolation(err) {
		return domain.ErrChatNotFound
	}
	if err != nil {
		return fmt.Errorf("insert stream id: %w", err)
	}
	return nil
}

func (r *PostgresStreamRepository) ListStreamIDsByChat(ctx context.Context, chatID string) ([]string, error) {
	var ids pq.StringArray
	err := r.db.QueryRowContext(ctx, `
		SELECT COALESCE(array_agg(id ORDER BY created_at ASC), '{}')
		FROM streams WHERE chat_id = $1
	`, chatID).Scan(&ids)
	if err != nil {
		return nil, fmt.Errorf("query stream ids: %w", err)
	}
	return []string(ids), nil
}

type PostgresDocumentRepository struct {
	db *sql.DB
}

func NewPostgresDocumentRepository(db *sql.DB) *PostgresDocumentRepository {
	return &PostgresDocumentRepository{db: db}
}

func (r *PostgresDocumentRepository) Save(ctx context.Context, doc *domain.Document) error {
	createdAt := doc.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO documents (id, created_at, user_id, title, kind, content)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, doc.ID, createdAt, doc.UserID, doc.Title, string(doc.Kind), doc.Content)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (r *PostgresDocumentRepository) GetByID(ctx context.Context, id string) (*domain.Document, error) {
	var d domain.Document
	var kind string
	err := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, title, kind, content, created_at
		FROM documents WHERE id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, id).Scan(&d.ID, &d.UserID, &d.Title, &kind, &d.Content, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrDocumentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query document: %w", err)
	}
	d.Kind = domain.DocumentKind(kind)
	return &d, nil
}

// SaveSuggestions inserts all suggestions in one statement.
func (r *PostgresDocumentRepository) SaveSuggestions(ctx context.Context, suggestions []*domain.Suggestion) error {
	if len(suggestions) == 0 {
		return nil
	}

	n := len(suggestions)
	ids := make([]string, n)
	docIDs := make([]string, n)
	userIDs := make([]string, n)
	originals := make([]string, n)
	suggested := make([]string, n)
	descriptions := make([]string, n)
	for i, s := range suggestions {
		ids[i] = s.ID
		docIDs[i] = s.DocumentID
		userIDs[i] = s.UserID
		originals[i] = s.OriginalText
		suggested[i] = s.SuggestedText
		descriptions[i] = s.Description
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO suggestions (id, document_id, user_id, original_text, suggested_text, description, created_at)
		SELECT id, document_id, user_id, original_text, suggested_text, description, NOW()
		FROM unnest($1::text[], $2::text[], $3::text[], $4::text[], $5::text[], $6::text[])
			AS t(id, document_id, user_id, original_text, suggested_text, description)
	`,
		pq.Array(ids),
		pq.Array(docIDs),
		pq.Array(userIDs),
		pq.Array(originals),
		pq.Array(suggested),
		pq.Array(descriptions),
	)
	if err != nil {
		return fmt.Errorf("insert suggestions: %w", err)
	}
	return nil
}

func nonNilParts(p []domain.Part) []domain.Part {
	if p == nil {
		return []domain.Part{}
	}
	return p
}

func nonNilAttachments(a []domain.Attachment) []domain.Attachment {
	if a == nil {
		return []domain.Attachment{}
	}
	return a
}
