package tenancy

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/upb/tenant-isolation/models"
	"github.com/upb/tenant-isolation/repositories"
	"github.com/upb/tenant-isolation/services"
	"go.uber.org/zap"
)

const (
	// DefaultOrgHeader carries the organization id on requests
	DefaultOrgHeader = "X-Organization-ID"

	// DefaultOrgQueryParam carries the organization id in the query string
	DefaultOrgQueryParam = "org_id"
)

// Signals are the request inputs the resolver reads the organization from
type Signals struct {
	Headers   http.Header
	Query     url.Values
	RequestID string
}

// ResolveRequest asks the resolver to build a context for a user
type ResolveRequest struct {
	Signals       Signals
	UserID        uuid.UUID
	ExplicitOrgID *uuid.UUID
}

// ResolverConfig configures lookup keys and cache lifetimes
type ResolverConfig struct {
	OrgHeader          string
	OrgQueryParam      string
	PermissionCacheTTL time.Duration
	FeatureCacheTTL    time.Duration
	CacheSize          int
}

// DefaultResolverConfig returns the default configuration
func DefaultResolverConfig() ResolverConfig {
	return ResolverConfig{
		OrgHeader:          DefaultOrgHeader,
		OrgQueryParam:      DefaultOrgQueryParam,
		PermissionCacheTTL: 5 * time.Minute,
		FeatureCacheTTL:    5 * time.Minute,
		CacheSize:          1000,
	}
}

// Resolver turns an authenticated user plus request signals into a
// TenantContext
type Resolver struct {
	identity    repositories.IdentityStore
	cfg         ResolverConfig
	permissions *Cache[[]string]
	features    *Cache[[]string]
	logger      *zap.Logger
}

// NewResolver creates a new Resolver
func NewResolver(identity repositories.IdentityStore, cfg ResolverConfig, logger *zap.Logger) *Resolver {
	if cfg.OrgHeader == "" {
		cfg.OrgHeader = DefaultOrgHeader
	}
	if cfg.OrgQueryParam == "" {
		cfg.OrgQueryParam = DefaultOrgQueryParam
	}
	return &Resolver{
		identity:    identity,
		cfg:         cfg,
		permissions: NewCache[[]string](cfg.CacheSize, cfg.PermissionCacheTTL),
		features:    NewCache[[]string](cfg.CacheSize, cfg.FeatureCacheTTL),
		logger:      logger,
	}
}

// Resolve builds the TenantContext for a request. The organization comes
// from, in order: the explicit id, the organization header, the query
// parameter, the user's only active membership.
func (r *Resolver) Resolve(ctx context.Context, req ResolveRequest) (*TenantContext, error) {
	if req.UserID == uuid.Nil {
		return nil, services.NewDomainError(services.ErrorTypeUnauthorized, "authenticated user required", nil)
	}

	requested, err := r.requestedOrg(req)
	if err != nil {
		return nil, err
	}

	scope, hasScope := ScopeFromContext(ctx)
	if hasScope {
		if tc, ok := scope.get(req.UserID); ok && (requested == uuid.Nil || requested == tc.OrgID()) {
			return tc, nil
		}
	}

	var memberships []*models.Membership
	orgID := requested
	if orgID == uuid.Nil {
		memberships, err = r.identity.ListActiveMemberships(ctx, req.UserID)
		if err != nil {
			return nil, services.WrapInternal("failed to list memberships", err)
		}
		if len(memberships) != 1 {
			return nil, services.NewDomainError(services.ErrorTypeContextMissing, "organization context required", nil).
				WithDetail("membership_count", len(memberships)).
				WithDetail("header", r.cfg.OrgHeader)
		}
		orgID = memberships[0].OrgID
	}

	membership, err := r.identity.GetActiveMembership(ctx, req.UserID, orgID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, r.accessDenied(ctx, req.UserID, orgID, memberships)
		}
		return nil, services.WrapInternal("failed to load membership", err)
	}

	org, err := r.identity.GetOrganization(ctx, orgID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, services.NewDomainError(services.ErrorTypeNotFound, "organization not found", err).
				WithDetail("organization_id", orgID.String())
		}
		return nil, services.WrapInternal("failed to load organization", err)
	}
	if !org.IsActive() {
		reason := ""
		if org.SuspensionReason != nil {
			reason = *org.SuspensionReason
		}
		r.logger.Warn("access to inactive organization",
			zap.String("org_id", orgID.String()),
			zap.String("user_id", req.UserID.String()),
			zap.String("status", string(org.Status)),
			zap.String("reason", reason))
		return nil, services.NewDomainError(services.ErrorTypeSuspended, "organization is "+string(org.Status), nil).
			WithDetail("organization_id", orgID.String()).
			WithDetail("status", string(org.Status)).
			WithDetail("reason", reason)
	}

	permissions, err := r.rolePermissions(ctx, membership.Role)
	if err != nil {
		return nil, err
	}
	permissions = append(permissions, membership.CustomPermissions...)

	features, err := r.organizationFeatures(ctx, org)
	if err != nil {
		return nil, err
	}

	params := ContextParams{
		OrgID:       orgID,
		UserID:      req.UserID,
		Role:        membership.Role,
		Permissions: permissions,
		Plan:        org.Plan,
		OrgStatus:   org.Status,
		RequestID:   req.Signals.RequestID,
		Features:    features,
		OrgName:     org.Name,
		OrgSlug:     org.Slug,
	}
	if user, err := r.identity.GetUser(ctx, req.UserID); err == nil {
		params.UserEmail = user.Email
		params.UserName = user.Name
	} else if !errors.Is(err, repositories.ErrNotFound) {
		r.logger.Warn("failed to load user display info", zap.String("user_id", req.UserID.String()), zap.Error(err))
	}

	tc, err := NewTenantContext(params)
	if err != nil {
		return nil, services.WrapInternal("failed to build tenant context", err)
	}
	if hasScope {
		scope.put(req.UserID, tc)
	}

	r.logger.Debug("tenant context resolved",
		zap.String("org_id", orgID.String()),
		zap.String("user_id", req.UserID.String()),
		zap.String("role", membership.Role),
		zap.String("request_id", req.Signals.RequestID))
	return tc, nil
}

// requestedOrg reads the organization from the explicit id, header or query
func (r *Resolver) requestedOrg(req ResolveRequest) (uuid.UUID, error) {
	if req.ExplicitOrgID != nil && *req.ExplicitOrgID != uuid.Nil {
		return *req.ExplicitOrgID, nil
	}

	sources := []struct {
		name  string
		value string
	}{
		{"header", headerValue(req.Signals.Headers, r.cfg.OrgHeader)},
		{"query", queryValue(req.Signals.Query, r.cfg.OrgQueryParam)},
	}
	for _, src := range sources {
		if src.value == "" {
			continue
		}
		id, err := uuid.Parse(src.value)
		if err != nil {
			return uuid.Nil, services.NewDomainError(services.ErrorTypeValidation, "invalid organization id", err).
				WithDetail("source", src.name).
				WithDetail("value", src.value)
		}
		return id, nil
	}
	return uuid.Nil, nil
}

func headerValue(h http.Header, key string) string {
	if h == nil {
		return ""
	}
	return strings.TrimSpace(h.Get(key))
}

func queryValue(q url.Values, key string) string {
	if q == nil {
		return ""
	}
	return strings.TrimSpace(q.Get(key))
}

// accessDenied logs the attempt with the user's real memberships and
// returns an access denied error carrying them
func (r *Resolver) accessDenied(ctx context.Context, userID, orgID uuid.UUID, memberships []*models.Membership) error {
	if memberships == nil {
		var err error
		memberships, err = r.identity.ListActiveMemberships(ctx, userID)
		if err != nil {
			r.logger.Warn("failed to list memberships for denied access", zap.Error(err))
		}
	}
	orgIDs := make([]string, 0, len(memberships))
	for _, m := range memberships {
		orgIDs = append(orgIDs, m.OrgID.String())
	}
	sort.Strings(orgIDs)

	r.logger.Warn("tenant access denied",
		zap.String("org_id", orgID.String()),
		zap.String("user_id", userID.String()),
		zap.Strings("member_of", orgIDs))

	return services.NewDomainError(services.ErrorTypeAccessDenied, "user is not a member of the organization", nil).
		WithDetail("organization_id", orgID.String()).
		WithDetail("memberships", orgIDs)
}

// rolePermissions reads through the permission cache
func (r *Resolver) rolePermissions(ctx context.Context, role string) ([]string, error) {
	if perms, ok := r.permissions.Get(role); ok {
		return append([]string(nil), perms...), nil
	}
	perms, err := r.identity.GetRolePermissions(ctx, role)
	if err != nil {
		return nil, services.WrapInternal("failed to load role permissions", err)
	}
	r.permissions.Set(role, append([]string(nil), perms...))
	return perms, nil
}

// organizationFeatures computes plan features with per-organization
// overrides applied, cached per organization
func (r *Resolver) organizationFeatures(ctx context.Context, org *models.Organization) ([]string, error) {
	key := org.ID.String()
	if features, ok := r.features.Get(key); ok {
		return append([]string(nil), features...), nil
	}

	planFeatures, err := r.identity.GetPlanFeatures(ctx, org.Plan)
	if err != nil {
		return nil, services.WrapInternal("failed to load plan features", err)
	}
	set := toSet(planFeatures)
	for feature, enabled := range org.FeatureOverrides {
		if enabled {
			set[feature] = struct{}{}
		} else {
			delete(set, feature)
		}
	}
	features := sortedKeys(set)
	r.features.Set(key, features)
	return append([]string(nil), features...), nil
}

// InvalidateRole drops the cached permissions of a role
func (r *Resolver) InvalidateRole(role string) {
	r.permissions.Invalidate(role)
}

// InvalidateOrganization drops the cached feature set of an organization
func (r *Resolver) InvalidateOrganization(orgID uuid.UUID) {
	r.features.Invalidate(orgID.String())
}

// CacheStats returns statistics of the permission and feature caches
func (r *Resolver) CacheStats() map[string]CacheStats {
	return map[string]CacheStats{
		"permissions": r.permissions.Stats(),
		"features":    r.features.Stats(),
	}
}

// StartCacheCleanup periodically drops expired cache entries until stopCh closes
func (r *Resolver) StartCacheCleanup(interval time.Duration, stopCh <-chan struct{}) {
	go r.permissions.StartCleanupWorker(interval, stopCh)
	go r.features.StartCleanupWorker(interval, stopCh)
}
