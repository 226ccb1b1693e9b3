package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/upb/tenant-isolation/config"
	"go.uber.org/zap"
)

// DB wraps the sql.DB connection pool
type DB struct {
	*sql.DB
	logger *zap.Logger
}

// NewDB creates a new database connection pool
func NewDB(cfg config.DatabaseConfig, logger *zap.Logger) (*DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("database connection established",
		zap.String("connection", cfg.LogString()))

	return &DB{
		DB:     db,
		logger: logger,
	}, nil
}

// Close closes the database connection pool
func (db *DB) Close() error {
	db.logger.Info("closing database connection")
	return db.DB.Close()
}

// HealthCheck performs a health check on the database
func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}

	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("database query check failed: %w", err)
	}

	return nil
}

const identitySchema = `
	CREATE TABLE IF NOT EXISTS organizations (
		id UUID PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		slug VARCHAR(100) NOT NULL UNIQUE,
		status VARCHAR(20) NOT NULL DEFAULT 'active',
		suspension_reason TEXT,
		plan VARCHAR(50) NOT NULL DEFAULT 'free',
		feature_overrides JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS users (
		id UUID PRIMARY KEY,
		email VARCHAR(255) NOT NULL UNIQUE,
		name VARCHAR(255) NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS memberships (
		id UUID PRIMARY KEY,
		user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		org_id UUID NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
		role VARCHAR(50) NOT NULL,
		custom_permissions TEXT[] NOT NULL DEFAULT '{}',
		active BOOLEAN NOT NULL DEFAULT true,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(user_id, org_id)
	);

	CREATE TABLE IF NOT EXISTS role_permissions (
		role VARCHAR(50) PRIMARY KEY,
		permissions TEXT[] NOT NULL DEFAULT '{}'
	);

	CREATE TABLE IF NOT EXISTS plan_features (
		plan VARCHAR(50) PRIMARY KEY,
		features TEXT[] NOT NULL DEFAULT '{}'
	);

	CREATE TABLE IF NOT EXISTS tenant_events (
		id UUID PRIMARY KEY,
		org_id UUID NOT NULL,
		user_id UUID NOT NULL,
		event_type VARCHAR(150) NOT NULL,
		request_id VARCHAR(255),
		resource_type VARCHAR(100),
		resource_id VARCHAR(255),
		payload JSONB NOT NULL DEFAULT '{}',
		source VARCHAR(20) NOT NULL,
		priority VARCHAR(20) NOT NULL,
		status VARCHAR(20) NOT NULL,
		processed BOOLEAN NOT NULL DEFAULT false,
		processed_at TIMESTAMPTZ,
		timestamp TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS tenant_event_handler_results (
		event_id UUID NOT NULL REFERENCES tenant_events(id) ON DELETE CASCADE,
		handler VARCHAR(150) NOT NULL,
		status VARCHAR(20) NOT NULL,
		reason VARCHAR(100),
		error TEXT,
		duration_ms BIGINT NOT NULL DEFAULT 0,
		executed_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (event_id, handler)
	);

	CREATE TABLE IF NOT EXISTS rate_limit_events (
		org_id UUID NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_memberships_user_id ON memberships(user_id);
	CREATE INDEX IF NOT EXISTS idx_memberships_org_id ON memberships(org_id);
	CREATE INDEX IF NOT EXISTS idx_tenant_events_org_id ON tenant_events(org_id, timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_tenant_events_type ON tenant_events(org_id, event_type);
	CREATE INDEX IF NOT EXISTS idx_rate_limit_events_org_ts ON rate_limit_events(org_id, timestamp);
`

const auditSchema = `
	CREATE TABLE IF NOT EXISTS tenant_audit_logs (
		id UUID PRIMARY KEY,
		org_id UUID NOT NULL,
		user_id UUID,
		request_id VARCHAR(255),
		actor JSONB NOT NULL DEFAULT '{}',
		action VARCHAR(50) NOT NULL,
		severity VARCHAR(20) NOT NULL,
		resource_type VARCHAR(100) NOT NULL,
		resource_id VARCHAR(255),
		resource_name VARCHAR(255),
		old_values JSONB,
		new_values JSONB,
		ip_address VARCHAR(45),
		user_agent TEXT,
		endpoint TEXT,
		method VARCHAR(10),
		success BOOLEAN NOT NULL,
		error_message TEXT,
		metadata JSONB,
		timestamp TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_tenant_audit_logs_org_ts ON tenant_audit_logs(org_id, timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_tenant_audit_logs_resource ON tenant_audit_logs(org_id, resource_type, resource_id);
	CREATE INDEX IF NOT EXISTS idx_tenant_audit_logs_user ON tenant_audit_logs(org_id, user_id);
	CREATE INDEX IF NOT EXISTS idx_tenant_audit_logs_request_id ON tenant_audit_logs(request_id);
`

// InitSchema initializes the identity, event, rate limit and audit tables
func (db *DB) InitSchema(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, identitySchema+auditSchema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	db.logger.Info("database schema initialized successfully")
	return nil
}

// InitAuditSchema initializes the audit table only. Use for the separate
// audit database when DATABASE_URL_AUDIT is set.
func (db *DB) InitAuditSchema(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, auditSchema); err != nil {
		return fmt.Errorf("failed to initialize audit schema: %w", err)
	}
	db.logger.Info("audit schema initialized successfully")
	return nil
}
