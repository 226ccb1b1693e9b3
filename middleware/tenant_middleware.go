package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/upb/tenant-isolation/models"
	"github.com/upb/tenant-isolation/services"
	"github.com/upb/tenant-isolation/services/audit"
	"github.com/upb/tenant-isolation/tenancy"
	"github.com/upb/tenant-isolation/utils"
	"go.uber.org/zap"
)

// ContextResolver builds tenant contexts for authenticated callers
type ContextResolver interface {
	Resolve(ctx context.Context, req tenancy.ResolveRequest) (*tenancy.TenantContext, error)
}

// SecurityLogger records security-relevant failures
type SecurityLogger interface {
	LogSecurityEvent(ctx context.Context, ev audit.SecurityEvent) *models.TenantAuditLog
}

// TenantMiddleware resolves and enforces the organization a request acts in
type TenantMiddleware struct {
	resolver  ContextResolver
	security  SecurityLogger
	orgHeader string
	orgQuery  string
	logger    *zap.Logger
}

// NewTenantMiddleware creates a new TenantMiddleware. security may be nil.
func NewTenantMiddleware(resolver ContextResolver, security SecurityLogger, orgHeader, orgQuery string, logger *zap.Logger) *TenantMiddleware {
	if orgHeader == "" {
		orgHeader = tenancy.DefaultOrgHeader
	}
	if orgQuery == "" {
		orgQuery = tenancy.DefaultOrgQueryParam
	}
	return &TenantMiddleware{
		resolver:  resolver,
		security:  security,
		orgHeader: orgHeader,
		orgQuery:  orgQuery,
		logger:    logger,
	}
}

// ResolveTenant attaches the caller's TenantContext to the request. It must
// run after RequireAuth.
func (m *TenantMiddleware) ResolveTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		requestID := GetRequestIDFromContext(ctx)

		principal := GetPrincipalFromContext(ctx)
		if principal == nil {
			m.logger.Error("principal not found in context",
				zap.String("request_id", requestID))
			_ = utils.WriteError(w, http.StatusUnauthorized, "", "Authentication required", requestID, nil)
			return
		}

		if err := m.checkPinnedOrg(r, principal.OrgID); err != nil {
			m.reject(w, r, principal.UserID, principal.Email, err)
			return
		}

		ctx = tenancy.WithRequestScope(ctx)
		tc, err := m.resolver.Resolve(ctx, tenancy.ResolveRequest{
			Signals: tenancy.Signals{
				Headers:   r.Header,
				Query:     r.URL.Query(),
				RequestID: requestID,
			},
			UserID:        principal.UserID,
			ExplicitOrgID: principal.OrgID,
		})
		if err != nil {
			m.reject(w, r.WithContext(ctx), principal.UserID, principal.Email, err)
			return
		}

		m.logger.Debug("tenant context resolved",
			zap.String("request_id", requestID),
			zap.String("org_id", tc.OrgIDString()),
			zap.String("role", tc.Role()))

		next.ServeHTTP(w, r.WithContext(tenancy.WithTenantContext(ctx, tc)))
	})
}

// RequirePermission rejects requests whose tenant context lacks permission
func (m *TenantMiddleware) RequirePermission(permission string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			requestID := GetRequestIDFromContext(ctx)

			tc := GetTenantContext(ctx)
			if tc == nil {
				writeServiceError(w, requestID, services.ErrContextMissing)
				return
			}
			if err := tc.RequirePermission(permission); err != nil {
				m.logger.Warn("insufficient permissions",
					zap.String("request_id", requestID),
					zap.String("org_id", tc.OrgIDString()),
					zap.String("role", tc.Role()),
					zap.String("required_permission", permission))
				writeServiceError(w, requestID, err)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RequireFeature rejects requests from organizations without feature
func (m *TenantMiddleware) RequireFeature(feature string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := GetRequestIDFromContext(r.Context())
			tc := GetTenantContext(r.Context())
			if tc == nil {
				writeServiceError(w, requestID, services.ErrContextMissing)
				return
			}
			if !tc.HasFeature(feature) {
				writeServiceError(w, requestID, services.NewDomainError(services.ErrorTypeForbidden,
					"feature not available on the organization's plan", nil).
					WithDetail("feature", feature).
					WithDetail("plan", tc.Plan()))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// checkPinnedOrg rejects requests naming an organization other than the one
// the token is bound to
func (m *TenantMiddleware) checkPinnedOrg(r *http.Request, pinned *uuid.UUID) error {
	if pinned == nil {
		return nil
	}
	for _, raw := range []string{r.Header.Get(m.orgHeader), r.URL.Query().Get(m.orgQuery)} {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		requested, err := uuid.Parse(raw)
		if err != nil || requested != *pinned {
			return services.NewDomainError(services.ErrorTypeAccessDenied,
				"token is bound to a different organization", nil).
				WithDetail("organization_id", raw)
		}
	}
	return nil
}

func (m *TenantMiddleware) reject(w http.ResponseWriter, r *http.Request, userID uuid.UUID, email string, err error) {
	requestID := GetRequestIDFromContext(r.Context())

	if m.security != nil && (services.IsAccessDeniedError(err) || services.IsSuspendedError(err)) {
		ev := audit.SecurityEvent{
			Action:       models.AuditActionAccessDenied,
			OrgID:        requestedOrg(err),
			UserID:       userID,
			Email:        email,
			RequestID:    requestID,
			IPAddress:    utils.ClientIP(r),
			UserAgent:    r.UserAgent(),
			Endpoint:     r.URL.Path,
			Method:       r.Method,
			ResourceType: "organization",
			Reason:       err.Error(),
			Metadata:     services.GetErrorDetails(err),
		}
		m.security.LogSecurityEvent(r.Context(), ev)
	}

	m.logger.Info("tenant resolution failed",
		zap.String("request_id", requestID),
		zap.String("user_id", userID.String()),
		zap.String("error_type", string(services.GetErrorType(err))),
		zap.Error(err))
	writeServiceError(w, requestID, err)
}

// requestedOrg returns the organization a rejected request targeted, from
// the error details
func requestedOrg(err error) uuid.UUID {
	raw, ok := services.GetErrorDetails(err)["organization_id"]
	if !ok {
		return uuid.Nil
	}
	if s, ok := models.IDString(raw); ok {
		if id, err := uuid.Parse(s); err == nil {
			return id
		}
	}
	return uuid.Nil
}

func writeServiceError(w http.ResponseWriter, requestID string, err error) {
	_ = utils.WriteServiceError(w, requestID, err)
}
