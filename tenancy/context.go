// Package tenancy resolves and carries the organization a unit of work acts
// on behalf of.
package tenancy

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/upb/tenant-isolation/models"
	"github.com/upb/tenant-isolation/services"
)

// PermissionAll grants every permission
const PermissionAll = "*"

var (
	// ErrOrgIDRequired is returned by NewTenantContext without an organization
	ErrOrgIDRequired = errors.New("tenant context requires an organization id")

	// ErrUserIDRequired is returned by NewTenantContext without a user
	ErrUserIDRequired = errors.New("tenant context requires a user id")
)

// ContextParams carries everything needed to build a TenantContext
type ContextParams struct {
	OrgID       uuid.UUID
	UserID      uuid.UUID
	Role        string
	Permissions []string
	Plan        string
	OrgStatus   models.OrganizationStatus
	RequestID   string
	Features    []string
	OrgName     string
	OrgSlug     string
	UserEmail   string
	UserName    string
	CreatedAt   time.Time
}

// TenantContext is the immutable record of which organization, user and
// capabilities apply to the current unit of work. Fields are only reachable
// through getters and collection getters return copies.
type TenantContext struct {
	orgID       uuid.UUID
	userID      uuid.UUID
	role        string
	permissions map[string]struct{}
	plan        string
	orgStatus   models.OrganizationStatus
	requestID   string
	features    map[string]struct{}
	orgName     string
	orgSlug     string
	userEmail   string
	userName    string
	createdAt   time.Time
}

// NewTenantContext builds a TenantContext. Organization and user are mandatory.
func NewTenantContext(p ContextParams) (*TenantContext, error) {
	if p.OrgID == uuid.Nil {
		return nil, ErrOrgIDRequired
	}
	if p.UserID == uuid.Nil {
		return nil, ErrUserIDRequired
	}
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	status := p.OrgStatus
	if status == "" {
		status = models.OrganizationStatusActive
	}
	return &TenantContext{
		orgID:       p.OrgID,
		userID:      p.UserID,
		role:        p.Role,
		permissions: toSet(p.Permissions),
		plan:        p.Plan,
		orgStatus:   status,
		requestID:   p.RequestID,
		features:    toSet(p.Features),
		orgName:     p.OrgName,
		orgSlug:     p.OrgSlug,
		userEmail:   p.UserEmail,
		userName:    p.UserName,
		createdAt:   createdAt,
	}, nil
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		if item != "" {
			set[item] = struct{}{}
		}
	}
	return set
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (tc *TenantContext) OrgID() uuid.UUID                     { return tc.orgID }
func (tc *TenantContext) UserID() uuid.UUID                    { return tc.userID }
func (tc *TenantContext) Role() string                         { return tc.role }
func (tc *TenantContext) Plan() string                         { return tc.plan }
func (tc *TenantContext) OrgStatus() models.OrganizationStatus { return tc.orgStatus }
func (tc *TenantContext) RequestID() string                    { return tc.requestID }
func (tc *TenantContext) OrgName() string                      { return tc.orgName }
func (tc *TenantContext) OrgSlug() string                      { return tc.orgSlug }
func (tc *TenantContext) UserEmail() string                    { return tc.userEmail }
func (tc *TenantContext) UserName() string                     { return tc.userName }
func (tc *TenantContext) CreatedAt() time.Time                 { return tc.createdAt }

// OrgIDString is the organization id in the form stored in documents
func (tc *TenantContext) OrgIDString() string { return tc.orgID.String() }

// Permissions returns a sorted copy of the permission set
func (tc *TenantContext) Permissions() []string { return sortedKeys(tc.permissions) }

// Features returns a sorted copy of the enabled feature set
func (tc *TenantContext) Features() []string { return sortedKeys(tc.features) }

// HasPermission checks for an exact grant, the "*" grant, or a wildcard
// grant on any prefix of the permission ("reports:*" covers "reports:export").
func (tc *TenantContext) HasPermission(permission string) bool {
	if _, ok := tc.permissions[PermissionAll]; ok {
		return true
	}
	if _, ok := tc.permissions[permission]; ok {
		return true
	}
	parts := strings.Split(permission, ":")
	for i := len(parts) - 1; i > 0; i-- {
		if _, ok := tc.permissions[strings.Join(parts[:i], ":")+":*"]; ok {
			return true
		}
	}
	return false
}

// RequirePermission returns a forbidden error when the permission is missing
func (tc *TenantContext) RequirePermission(permission string) error {
	if tc.HasPermission(permission) {
		return nil
	}
	return services.NewDomainError(services.ErrorTypeForbidden, "missing permission "+permission, nil).
		WithDetail("permission", permission).
		WithDetail("role", tc.role)
}

// HasFeature reports whether a feature is enabled for the organization
func (tc *TenantContext) HasFeature(feature string) bool {
	_, ok := tc.features[feature]
	return ok
}

// ScopeQuery returns a copy of base restricted to this organization
func (tc *TenantContext) ScopeQuery(base models.Document) models.Document {
	out := base.Clone()
	if out == nil {
		out = models.Document{}
	}
	out[models.FieldOrganizationID] = tc.OrgIDString()
	return out
}

// ScopeDocument returns a copy of doc stamped with this organization
func (tc *TenantContext) ScopeDocument(doc models.Document) models.Document {
	return tc.ScopeQuery(doc)
}

type tenantContextKey struct{}

// WithTenantContext attaches tc to ctx
func WithTenantContext(ctx context.Context, tc *TenantContext) context.Context {
	return context.WithValue(ctx, tenantContextKey{}, tc)
}

// FromContext returns the TenantContext attached to ctx, if any
func FromContext(ctx context.Context) (*TenantContext, bool) {
	if ctx == nil {
		return nil, false
	}
	tc, ok := ctx.Value(tenantContextKey{}).(*TenantContext)
	return tc, ok && tc != nil
}
