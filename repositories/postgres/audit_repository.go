package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/upb/tenant-isolation/models"
	"github.com/upb/tenant-isolation/repositories"
	"go.uber.org/zap"
)

// AuditRepository implements repositories.AuditStore on PostgreSQL
type AuditRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *DB, logger *zap.Logger) *AuditRepository {
	return &AuditRepository{
		db:     db,
		logger: logger,
	}
}

var _ repositories.AuditStore = (*AuditRepository)(nil)

const auditColumns = `id, org_id, user_id, request_id, actor, action, severity,
	resource_type, resource_id, resource_name, old_values, new_values,
	ip_address, user_agent, endpoint, method, success, error_message, metadata, timestamp`

// Insert inserts a new audit log entry
func (r *AuditRepository) Insert(ctx context.Context, log *models.TenantAuditLog) error {
	actor, err := json.Marshal(log.Actor)
	if err != nil {
		return fmt.Errorf("failed to encode audit actor: %w", err)
	}
	oldValues, err := encodeJSONMap(log.OldValues)
	if err != nil {
		return err
	}
	newValues, err := encodeJSONMap(log.NewValues)
	if err != nil {
		return err
	}
	metadata, err := encodeJSONMap(log.Metadata)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO tenant_audit_logs (` + auditColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`

	executor := GetExecutor(ctx, r.db)
	_, err = executor.ExecContext(ctx, query,
		log.ID,
		log.OrgID,
		log.UserID,
		log.RequestID,
		actor,
		log.Action,
		log.Severity,
		log.ResourceType,
		log.ResourceID,
		log.ResourceName,
		oldValues,
		newValues,
		log.IPAddress,
		log.UserAgent,
		log.Endpoint,
		log.Method,
		log.Success,
		log.ErrorMessage,
		metadata,
		log.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}

	r.logger.Debug("audit log inserted", zap.String("id", log.ID.String()), zap.String("action", string(log.Action)))
	return nil
}

// Query retrieves audit logs for an organization, newest first. The
// organization is always the first condition.
func (r *AuditRepository) Query(ctx context.Context, orgID uuid.UUID, q repositories.AuditQuery) ([]*models.TenantAuditLog, error) {
	conditions := []string{"org_id = $1"}
	args := []interface{}{orgID}
	add := func(column string, value interface{}) {
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf("%s $%d", column, len(args)))
	}

	if q.UserID != nil {
		add("user_id =", *q.UserID)
	}
	if q.Action != "" {
		add("action =", q.Action)
	}
	if q.Severity != "" {
		add("severity =", q.Severity)
	}
	if q.ResourceType != "" {
		add("resource_type =", q.ResourceType)
	}
	if q.ResourceID != "" {
		add("resource_id =", q.ResourceID)
	}
	if q.Start != nil {
		add("timestamp >=", *q.Start)
	}
	if q.End != nil {
		add("timestamp <=", *q.End)
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit, q.Offset)

	query := fmt.Sprintf(`
		SELECT %s
		FROM tenant_audit_logs
		WHERE %s
		ORDER BY timestamp DESC
		LIMIT $%d OFFSET $%d
	`, auditColumns, strings.Join(conditions, " AND "), len(args)-1, len(args))

	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}
	defer rows.Close()

	var logs []*models.TenantAuditLog
	for rows.Next() {
		log, err := scanAuditLog(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		logs = append(logs, log)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit logs: %w", err)
	}

	return logs, nil
}

func scanAuditLog(row rowScanner) (*models.TenantAuditLog, error) {
	var (
		log                                       models.TenantAuditLog
		requestID, resourceID, resourceName       sql.NullString
		ipAddress, userAgent, endpoint, method    sql.NullString
		actor, oldValues, newValues, metadataJSON []byte
	)
	err := row.Scan(
		&log.ID,
		&log.OrgID,
		&log.UserID,
		&requestID,
		&actor,
		&log.Action,
		&log.Severity,
		&log.ResourceType,
		&resourceID,
		&resourceName,
		&oldValues,
		&newValues,
		&ipAddress,
		&userAgent,
		&endpoint,
		&method,
		&log.Success,
		&log.ErrorMessage,
		&metadataJSON,
		&log.Timestamp,
	)
	if err != nil {
		return nil, err
	}

	log.RequestID = requestID.String
	log.ResourceID = resourceID.String
	log.ResourceName = resourceName.String
	log.IPAddress = ipAddress.String
	log.UserAgent = userAgent.String
	log.Endpoint = endpoint.String
	log.Method = method.String

	if len(actor) > 0 {
		if err := json.Unmarshal(actor, &log.Actor); err != nil {
			return nil, fmt.Errorf("failed to decode audit actor: %w", err)
		}
	}
	for _, field := range []struct {
		raw  []byte
		dest *map[string]interface{}
	}{
		{oldValues, &log.OldValues},
		{newValues, &log.NewValues},
		{metadataJSON, &log.Metadata},
	} {
		if len(field.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(field.raw, field.dest); err != nil {
			return nil, fmt.Errorf("failed to decode audit values: %w", err)
		}
	}

	return &log, nil
}

// encodeJSONMap returns nil for empty maps so the column stays NULL
func encodeJSONMap(m map[string]interface{}) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode audit values: %w", err)
	}
	return data, nil
}
