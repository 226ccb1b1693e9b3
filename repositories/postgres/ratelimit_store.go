package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/upb/tenant-isolation/repositories"
	"go.uber.org/zap"
)

// RateLimitStore implements repositories.RateLimitStore on PostgreSQL
type RateLimitStore struct {
	db     *DB
	logger *zap.Logger
}

// NewRateLimitStore creates a new rate limit store
func NewRateLimitStore(db *DB, logger *zap.Logger) *RateLimitStore {
	return &RateLimitStore{
		db:     db,
		logger: logger,
	}
}

var _ repositories.RateLimitStore = (*RateLimitStore)(nil)

// Record stores one request made by the organization
func (r *RateLimitStore) Record(ctx context.Context, orgID uuid.UUID, at time.Time) error {
	query := `INSERT INTO rate_limit_events (org_id, timestamp) VALUES ($1, $2)`

	if _, err := GetExecutor(ctx, r.db).ExecContext(ctx, query, orgID, at); err != nil {
		return fmt.Errorf("failed to insert rate limit event: %w", err)
	}
	return nil
}

// Count returns the organization's requests at or after since
func (r *RateLimitStore) Count(ctx context.Context, orgID uuid.UUID, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM rate_limit_events
		WHERE org_id = $1
		  AND timestamp >= $2
	`

	var count int
	if err := GetExecutor(ctx, r.db).QueryRowContext(ctx, query, orgID, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to query rate limit: %w", err)
	}
	return count, nil
}

// Cleanup removes requests older than before
func (r *RateLimitStore) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	result, err := GetExecutor(ctx, r.db).ExecContext(ctx, `DELETE FROM rate_limit_events WHERE timestamp < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup rate limit events: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows, nil
}
