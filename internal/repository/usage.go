package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Daggahh/flow3.chat/internal/cost"
)

// PostgresUsageRepository stores one row per completed chat turn and
// implements cost.Tracker.
type PostgresUsageRepository struct {
	db *sql.DB
}

func NewPostgresUsageRepository(db *sql.DB) *PostgresUsageRepository {
	return &PostgresUsageRepository{db: db}
}

func (r *PostgresUsageRepository) Record(ctx context.Context, record cost.UsageRecord) error {
	query := `
		INSERT INTO usage_records (user_id, chat_id, request_id, provider, model, input_tokens, output_tokens, cost_usd, latency_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := r.db.ExecContext(ctx, query,
		record.UserID,
		record.ChatID,
		record.RequestID,
		record.Provider,
		record.Model,
		record.InputTokens,
		record.OutputTokens,
		record.CostUSD,
		record.LatencyMs,
		record.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

func (r *PostgresUsageRepository) Summary(ctx context.Context, userID string, since time.Time) (cost.Summary, error) {
	query := `
		SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_usd), 0)
		FROM usage_records
		WHERE user_id = $1 AND created_at >= $2
	`

	var sum cost.Summary
	err := r.db.QueryRowContext(ctx, query, userID, since).Scan(&sum.Turns, &sum.InputTokens, &sum.OutputTokens, &sum.CostUSD)
	if err != nil {
		return cost.Summary{}, fmt.Errorf("query usage summary: %w", err)
	}
	return sum, nil
}
