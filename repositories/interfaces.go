package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/upb/tenant-isolation/models"
)

var (
	// ErrNotFound is returned (possibly wrapped) when a lookup matches nothing
	ErrNotFound = errors.New("record not found")

	// ErrDuplicateKey is returned when an insert reuses an existing _id
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrUnsupportedOperator is returned for filter, update or pipeline
	// operators a store does not implement
	ErrUnsupportedOperator = errors.New("unsupported operator")
)

// TransactionManager manages database transactions
type TransactionManager interface {
	// Begin starts a new transaction
	Begin(ctx context.Context) (Transaction, error)

	// InTransaction executes a function within a transaction
	// Automatically commits if function succeeds, rolls back on error
	InTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error
}

// Transaction represents a database transaction
type Transaction interface {
	// Commit commits the transaction
	Commit() error

	// Rollback rolls back the transaction
	Rollback() error

	// Context returns the transaction context
	Context() context.Context
}

// SortField orders query results by one field
type SortField struct {
	Field string `json:"field"`
	Desc  bool   `json:"desc"`
}

// FindOptions controls ordering, paging and projection of a find
type FindOptions struct {
	Sort       []SortField
	Skip       int64
	Limit      int64
	Projection models.Document
}

// UpdateResult reports what an update touched
type UpdateResult struct {
	Matched    int64       `json:"matched"`
	Modified   int64       `json:"modified"`
	UpsertedID interface{} `json:"upserted_id,omitempty"`
}

// DocumentStore is the schemaless storage engine underneath the tenant
// repository. It knows nothing about tenants: every filter it receives has
// already been scoped.
type DocumentStore interface {
	// FindOne returns the first matching document or ErrNotFound
	FindOne(ctx context.Context, collection string, filter models.Document, opts FindOptions) (models.Document, error)

	// Find returns all matching documents
	Find(ctx context.Context, collection string, filter models.Document, opts FindOptions) ([]models.Document, error)

	// Count counts matching documents
	Count(ctx context.Context, collection string, filter models.Document) (int64, error)

	// InsertOne stores a document and returns its _id
	InsertOne(ctx context.Context, collection string, doc models.Document) (interface{}, error)

	// InsertMany stores documents and returns their _ids in order
	InsertMany(ctx context.Context, collection string, docs []models.Document) ([]interface{}, error)

	// UpdateOne applies an update to the first matching document
	UpdateOne(ctx context.Context, collection string, filter, update models.Document, upsert bool) (UpdateResult, error)

	// UpdateMany applies an update to every matching document
	UpdateMany(ctx context.Context, collection string, filter, update models.Document) (UpdateResult, error)

	// FindOneAndUpdate updates the first match and returns it, before or
	// after the update. Returns ErrNotFound when nothing matches.
	FindOneAndUpdate(ctx context.Context, collection string, filter, update models.Document, returnAfter bool) (models.Document, error)

	// DeleteOne deletes the first matching document
	DeleteOne(ctx context.Context, collection string, filter models.Document) (int64, error)

	// DeleteMany deletes every matching document
	DeleteMany(ctx context.Context, collection string, filter models.Document) (int64, error)

	// Aggregate runs a pipeline against a collection
	Aggregate(ctx context.Context, collection string, pipeline models.Pipeline) ([]models.Document, error)
}

// IdentityStore holds organizations, users, memberships and the data-driven
// role and plan catalogs
type IdentityStore interface {
	// GetOrganization retrieves an organization by ID
	GetOrganization(ctx context.Context, id uuid.UUID) (*models.Organization, error)

	// CreateOrganization creates a new organization
	CreateOrganization(ctx context.Context, org *models.Organization) error

	// UpdateOrganization updates status, plan and feature overrides
	UpdateOrganization(ctx context.Context, org *models.Organization) error

	// GetUser retrieves a user by ID
	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)

	// CreateUser creates a new user
	CreateUser(ctx context.Context, user *models.User) error

	// GetActiveMembership retrieves the active membership of a user in an organization
	GetActiveMembership(ctx context.Context, userID, orgID uuid.UUID) (*models.Membership, error)

	// ListActiveMemberships retrieves all active memberships of a user
	ListActiveMemberships(ctx context.Context, userID uuid.UUID) ([]*models.Membership, error)

	// CreateMembership creates a new membership
	CreateMembership(ctx context.Context, m *models.Membership) error

	// GetRolePermissions returns the permissions granted by a role
	GetRolePermissions(ctx context.Context, role string) ([]string, error)

	// SetRolePermissions replaces the permissions granted by a role
	SetRolePermissions(ctx context.Context, role string, permissions []string) error

	// GetPlanFeatures returns the features included in a plan tier
	GetPlanFeatures(ctx context.Context, plan string) ([]string, error)

	// SetPlanFeatures replaces the features included in a plan tier
	SetPlanFeatures(ctx context.Context, plan string, features []string) error
}

// EventFilter narrows an event listing
type EventFilter struct {
	EventType string
	Processed *bool
	Limit     int
	Offset    int
}

// EventStore persists tenant events. Reads always require the organization.
type EventStore interface {
	// Save inserts a new event
	Save(ctx context.Context, event *models.TenantEvent) error

	// MarkProcessed stores the final status and handler results of an event
	MarkProcessed(ctx context.Context, event *models.TenantEvent) error

	// GetByID retrieves an event owned by the organization
	GetByID(ctx context.Context, orgID, id uuid.UUID) (*models.TenantEvent, error)

	// ListByOrg retrieves events for an organization, newest first
	ListByOrg(ctx context.Context, orgID uuid.UUID, filter EventFilter) ([]*models.TenantEvent, error)
}

// AuditQuery narrows an audit log listing
type AuditQuery struct {
	UserID       *uuid.UUID
	Action       models.AuditAction
	Severity     models.AuditSeverity
	ResourceType string
	ResourceID   string
	Start        *time.Time
	End          *time.Time
	Limit        int
	Offset       int
}

// AuditStore persists tenant audit logs. Reads always require the organization.
type AuditStore interface {
	// Insert inserts a new audit log entry
	Insert(ctx context.Context, log *models.TenantAuditLog) error

	// Query retrieves audit logs for an organization, newest first
	Query(ctx context.Context, orgID uuid.UUID, q AuditQuery) ([]*models.TenantAuditLog, error)
}

// RateLimitStore records request timestamps per organization for quota
// windows
type RateLimitStore interface {
	// Record stores one request made by the organization at the given time
	Record(ctx context.Context, orgID uuid.UUID, at time.Time) error

	// Count returns the organization's requests at or after since
	Count(ctx context.Context, orgID uuid.UUID, since time.Time) (int, error)

	// Cleanup removes requests older than before across all organizations
	Cleanup(ctx context.Context, before time.Time) (int64, error)
}

// Repositories aggregates all stores
type Repositories struct {
	Documents  DocumentStore
	Identity   IdentityStore
	Events     EventStore
	Audit      AuditStore
	RateLimits RateLimitStore
}
