package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/upb/tenant-isolation/models"
	"github.com/upb/tenant-isolation/repositories"
	"go.uber.org/zap"
)

// EventStore implements repositories.EventStore on PostgreSQL. Handler
// results live in their own table and are written together with the
// processed flag in one transaction.
type EventStore struct {
	db     *DB
	tm     *TransactionManager
	logger *zap.Logger
}

// NewEventStore creates a new event store
func NewEventStore(db *DB, tm *TransactionManager, logger *zap.Logger) *EventStore {
	return &EventStore{
		db:     db,
		tm:     tm,
		logger: logger,
	}
}

var _ repositories.EventStore = (*EventStore)(nil)

const eventColumns = `id, org_id, user_id, event_type, request_id, resource_type, resource_id,
	payload, source, priority, status, processed, processed_at, timestamp`

// Save inserts a new event
func (r *EventStore) Save(ctx context.Context, event *models.TenantEvent) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode event payload: %w", err)
	}

	query := `
		INSERT INTO tenant_events (` + eventColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`

	executor := GetExecutor(ctx, r.db)
	_, err = executor.ExecContext(ctx, query,
		event.ID,
		event.OrgID,
		event.UserID,
		event.EventType,
		event.RequestID,
		event.ResourceType,
		event.ResourceID,
		payload,
		event.Source,
		event.Priority,
		event.Status,
		event.Processed,
		event.ProcessedAt,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert tenant event: %w", err)
	}

	r.logger.Debug("tenant event inserted",
		zap.String("id", event.ID.String()),
		zap.String("event_type", event.EventType))
	return nil
}

// MarkProcessed stores the final status and handler results of an event
func (r *EventStore) MarkProcessed(ctx context.Context, event *models.TenantEvent) error {
	return r.tm.InTransaction(ctx, func(ctx context.Context, _ repositories.Transaction) error {
		executor := GetExecutor(ctx, r.db)

		result, err := executor.ExecContext(ctx,
			`UPDATE tenant_events SET status = $2, processed = $3, processed_at = $4 WHERE id = $1`,
			event.ID, event.Status, event.Processed, event.ProcessedAt)
		if err != nil {
			return fmt.Errorf("failed to update tenant event: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rows == 0 {
			return fmt.Errorf("event %s: %w", event.ID, repositories.ErrNotFound)
		}

		for _, hr := range event.HandlerResults {
			_, err := executor.ExecContext(ctx, `
				INSERT INTO tenant_event_handler_results (event_id, handler, status, reason, error, duration_ms, executed_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				ON CONFLICT (event_id, handler) DO UPDATE
				SET status = EXCLUDED.status, reason = EXCLUDED.reason, error = EXCLUDED.error,
				    duration_ms = EXCLUDED.duration_ms, executed_at = EXCLUDED.executed_at
			`, event.ID, hr.Handler, hr.Status, hr.Reason, hr.Error, hr.DurationMs, hr.ExecutedAt)
			if err != nil {
				return fmt.Errorf("failed to insert handler result: %w", err)
			}
		}
		return nil
	})
}

// GetByID retrieves an event owned by the organization, with handler results
func (r *EventStore) GetByID(ctx context.Context, orgID, id uuid.UUID) (*models.TenantEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM tenant_events WHERE id = $1 AND org_id = $2`

	executor := GetExecutor(ctx, r.db)
	event, err := scanEvent(executor.QueryRowContext(ctx, query, id, orgID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("event %s: %w", id, repositories.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get tenant event: %w", err)
	}

	results, err := r.handlerResults(ctx, id)
	if err != nil {
		return nil, err
	}
	event.HandlerResults = results
	return event, nil
}

// ListByOrg retrieves events for an organization, newest first
func (r *EventStore) ListByOrg(ctx context.Context, orgID uuid.UUID, filter repositories.EventFilter) ([]*models.TenantEvent, error) {
	conditions := []string{"org_id = $1"}
	args := []interface{}{orgID}

	if filter.EventType != "" {
		args = append(args, filter.EventType)
		conditions = append(conditions, fmt.Sprintf("event_type = $%d", len(args)))
	}
	if filter.Processed != nil {
		args = append(args, *filter.Processed)
		conditions = append(conditions, fmt.Sprintf("processed = $%d", len(args)))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit, filter.Offset)

	query := fmt.Sprintf(`
		SELECT %s
		FROM tenant_events
		WHERE %s
		ORDER BY timestamp DESC
		LIMIT $%d OFFSET $%d
	`, eventColumns, strings.Join(conditions, " AND "), len(args)-1, len(args))

	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenant events: %w", err)
	}
	defer rows.Close()

	var events []*models.TenantEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tenant event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tenant events: %w", err)
	}

	return events, nil
}

func (r *EventStore) handlerResults(ctx context.Context, eventID uuid.UUID) ([]models.HandlerResult, error) {
	query := `
		SELECT handler, status, reason, error, duration_ms, executed_at
		FROM tenant_event_handler_results
		WHERE event_id = $1
		ORDER BY executed_at ASC
	`

	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to load handler results: %w", err)
	}
	defer rows.Close()

	var results []models.HandlerResult
	for rows.Next() {
		var (
			hr             models.HandlerResult
			reason, errMsg sql.NullString
		)
		if err := rows.Scan(&hr.Handler, &hr.Status, &reason, &errMsg, &hr.DurationMs, &hr.ExecutedAt); err != nil {
			return nil, fmt.Errorf("failed to scan handler result: %w", err)
		}
		hr.Reason = reason.String
		hr.Error = errMsg.String
		results = append(results, hr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating handler results: %w", err)
	}
	return results, nil
}

func scanEvent(row rowScanner) (*models.TenantEvent, error) {
	var (
		event                               models.TenantEvent
		requestID, resourceType, resourceID sql.NullString
		payload                             []byte
	)
	err := row.Scan(
		&event.ID,
		&event.OrgID,
		&event.UserID,
		&event.EventType,
		&requestID,
		&resourceType,
		&resourceID,
		&payload,
		&event.Source,
		&event.Priority,
		&event.Status,
		&event.Processed,
		&event.ProcessedAt,
		&event.Timestamp,
	)
	if err != nil {
		return nil, err
	}
	event.RequestID = requestID.String
	event.ResourceType = resourceType.String
	event.ResourceID = resourceID.String
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &event.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode event payload: %w", err)
		}
	}
	return &event, nil
}
