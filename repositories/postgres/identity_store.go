package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/upb/tenant-isolation/models"
	"github.com/upb/tenant-isolation/repositories"
	"go.uber.org/zap"
)

// IdentityStore implements repositories.IdentityStore on PostgreSQL
type IdentityStore struct {
	db     *DB
	logger *zap.Logger
}

// NewIdentityStore creates a new identity store
func NewIdentityStore(db *DB, logger *zap.Logger) *IdentityStore {
	return &IdentityStore{
		db:     db,
		logger: logger,
	}
}

var _ repositories.IdentityStore = (*IdentityStore)(nil)

const organizationColumns = `id, name, slug, status, suspension_reason, plan, feature_overrides, created_at, updated_at`

// GetOrganization retrieves an organization by ID
func (r *IdentityStore) GetOrganization(ctx context.Context, id uuid.UUID) (*models.Organization, error) {
	query := `SELECT ` + organizationColumns + ` FROM organizations WHERE id = $1`

	executor := GetExecutor(ctx, r.db)
	org := &models.Organization{}
	var overrides []byte

	err := executor.QueryRowContext(ctx, query, id).Scan(
		&org.ID,
		&org.Name,
		&org.Slug,
		&org.Status,
		&org.SuspensionReason,
		&org.Plan,
		&overrides,
		&org.CreatedAt,
		&org.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("organization %s: %w", id, repositories.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get organization: %w", err)
	}

	if len(overrides) > 0 {
		if err := json.Unmarshal(overrides, &org.FeatureOverrides); err != nil {
			return nil, fmt.Errorf("failed to decode feature overrides: %w", err)
		}
	}

	return org, nil
}

// CreateOrganization creates a new organization
func (r *IdentityStore) CreateOrganization(ctx context.Context, org *models.Organization) error {
	overrides, err := encodeOverrides(org.FeatureOverrides)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO organizations (` + organizationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	executor := GetExecutor(ctx, r.db)
	_, err = executor.ExecContext(ctx, query,
		org.ID,
		org.Name,
		org.Slug,
		org.Status,
		org.SuspensionReason,
		org.Plan,
		overrides,
		org.CreatedAt,
		org.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create organization: %w", err)
	}

	r.logger.Debug("organization created", zap.String("id", org.ID.String()), zap.String("slug", org.Slug))
	return nil
}

// UpdateOrganization updates name, status, plan and feature overrides
func (r *IdentityStore) UpdateOrganization(ctx context.Context, org *models.Organization) error {
	overrides, err := encodeOverrides(org.FeatureOverrides)
	if err != nil {
		return err
	}

	query := `
		UPDATE organizations
		SET name = $2, status = $3, suspension_reason = $4, plan = $5, feature_overrides = $6, updated_at = $7
		WHERE id = $1
	`

	executor := GetExecutor(ctx, r.db)
	result, err := executor.ExecContext(ctx, query,
		org.ID,
		org.Name,
		org.Status,
		org.SuspensionReason,
		org.Plan,
		overrides,
		org.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update organization: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("organization %s: %w", org.ID, repositories.ErrNotFound)
	}

	return nil
}

// GetUser retrieves a user by ID
func (r *IdentityStore) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	query := `SELECT id, email, name, created_at FROM users WHERE id = $1`

	executor := GetExecutor(ctx, r.db)
	user := &models.User{}

	err := executor.QueryRowContext(ctx, query, id).Scan(&user.ID, &user.Email, &user.Name, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user %s: %w", id, repositories.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	return user, nil
}

// CreateUser creates a new user
func (r *IdentityStore) CreateUser(ctx context.Context, user *models.User) error {
	query := `INSERT INTO users (id, email, name, created_at) VALUES ($1, $2, $3, $4)`

	executor := GetExecutor(ctx, r.db)
	if _, err := executor.ExecContext(ctx, query, user.ID, user.Email, user.Name, user.CreatedAt); err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

const membershipColumns = `id, user_id, org_id, role, custom_permissions, active, created_at, updated_at`

// GetActiveMembership retrieves the active membership of a user in an organization
func (r *IdentityStore) GetActiveMembership(ctx context.Context, userID, orgID uuid.UUID) (*models.Membership, error) {
	query := `
		SELECT ` + membershipColumns + `
		FROM memberships
		WHERE user_id = $1 AND org_id = $2 AND active = true
	`

	executor := GetExecutor(ctx, r.db)
	m, err := scanMembership(executor.QueryRowContext(ctx, query, userID, orgID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("membership of %s in %s: %w", userID, orgID, repositories.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get membership: %w", err)
	}
	return m, nil
}

// ListActiveMemberships retrieves all active memberships of a user, oldest first
func (r *IdentityStore) ListActiveMemberships(ctx context.Context, userID uuid.UUID) ([]*models.Membership, error) {
	query := `
		SELECT ` + membershipColumns + `
		FROM memberships
		WHERE user_id = $1 AND active = true
		ORDER BY created_at ASC
	`

	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list memberships: %w", err)
	}
	defer rows.Close()

	var memberships []*models.Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan membership: %w", err)
		}
		memberships = append(memberships, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating memberships: %w", err)
	}

	return memberships, nil
}

// CreateMembership creates a new membership
func (r *IdentityStore) CreateMembership(ctx context.Context, m *models.Membership) error {
	query := `
		INSERT INTO memberships (` + membershipColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	executor := GetExecutor(ctx, r.db)
	_, err := executor.ExecContext(ctx, query,
		m.ID,
		m.UserID,
		m.OrgID,
		m.Role,
		pq.Array(m.CustomPermissions),
		m.Active,
		m.CreatedAt,
		m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create membership: %w", err)
	}
	return nil
}

// GetRolePermissions returns the permissions granted by a role. Unknown
// roles grant nothing.
func (r *IdentityStore) GetRolePermissions(ctx context.Context, role string) ([]string, error) {
	return r.getStringArray(ctx, `SELECT permissions FROM role_permissions WHERE role = $1`, role)
}

// SetRolePermissions replaces the permissions granted by a role
func (r *IdentityStore) SetRolePermissions(ctx context.Context, role string, permissions []string) error {
	query := `
		INSERT INTO role_permissions (role, permissions) VALUES ($1, $2)
		ON CONFLICT (role) DO UPDATE SET permissions = EXCLUDED.permissions
	`
	executor := GetExecutor(ctx, r.db)
	if _, err := executor.ExecContext(ctx, query, role, pq.Array(permissions)); err != nil {
		return fmt.Errorf("failed to set role permissions: %w", err)
	}
	return nil
}

// GetPlanFeatures returns the features included in a plan tier
func (r *IdentityStore) GetPlanFeatures(ctx context.Context, plan string) ([]string, error) {
	return r.getStringArray(ctx, `SELECT features FROM plan_features WHERE plan = $1`, plan)
}

// SetPlanFeatures replaces the features included in a plan tier
func (r *IdentityStore) SetPlanFeatures(ctx context.Context, plan string, features []string) error {
	query := `
		INSERT INTO plan_features (plan, features) VALUES ($1, $2)
		ON CONFLICT (plan) DO UPDATE SET features = EXCLUDED.features
	`
	executor := GetExecutor(ctx, r.db)
	if _, err := executor.ExecContext(ctx, query, plan, pq.Array(features)); err != nil {
		return fmt.Errorf("failed to set plan features: %w", err)
	}
	return nil
}

func (r *IdentityStore) getStringArray(ctx context.Context, query, key string) ([]string, error) {
	executor := GetExecutor(ctx, r.db)
	var values []string
	err := executor.QueryRowContext(ctx, query, key).Scan(pq.Array(&values))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load %s: %w", key, err)
	}
	return values, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMembership(row rowScanner) (*models.Membership, error) {
	m := &models.Membership{}
	err := row.Scan(
		&m.ID,
		&m.UserID,
		&m.OrgID,
		&m.Role,
		pq.Array(&m.CustomPermissions),
		&m.Active,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func encodeOverrides(overrides map[string]bool) ([]byte, error) {
	if overrides == nil {
		overrides = map[string]bool{}
	}
	data, err := json.Marshal(overrides)
	if err != nil {
		return nil, fmt.Errorf("failed to encode feature overrides: %w", err)
	}
	return data, nil
}
