package middleware

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/upb/tenant-isolation/models"
	"github.com/upb/tenant-isolation/services/audit"
	"github.com/upb/tenant-isolation/tenancy"
	"github.com/upb/tenant-isolation/utils"
	"go.uber.org/zap"
)

// Auditor records tenant-scoped audit entries
type Auditor interface {
	Log(ctx context.Context, tc *tenancy.TenantContext, req audit.LogRequest) (*models.TenantAuditLog, error)
}

// AuditAnnotation lets a handler enrich the entry recorded for its request.
// Zero fields fall back to what the middleware derives from the route.
type AuditAnnotation struct {
	Action       models.AuditAction
	ResourceType string
	ResourceID   string
	ResourceName string
	OldValues    map[string]interface{}
	NewValues    map[string]interface{}
	Metadata     map[string]interface{}
	ErrorMessage string
}

type auditAnnotationKey struct{}

// Annotate returns the audit annotation of the current request, or nil
// outside AuditMiddleware
func Annotate(ctx context.Context) *AuditAnnotation {
	ann, _ := ctx.Value(auditAnnotationKey{}).(*AuditAnnotation)
	return ann
}

// AuditMiddleware records an audit entry for every mutating request
type AuditMiddleware struct {
	auditor Auditor
	logger  *zap.Logger
}

// NewAuditMiddleware creates a new AuditMiddleware
func NewAuditMiddleware(auditor Auditor, logger *zap.Logger) *AuditMiddleware {
	return &AuditMiddleware{
		auditor: auditor,
		logger:  logger,
	}
}

// actionForMethod maps mutating HTTP methods to audit actions
func actionForMethod(method string) (models.AuditAction, bool) {
	switch method {
	case http.MethodPost:
		return models.AuditActionCreate, true
	case http.MethodPut, http.MethodPatch:
		return models.AuditActionUpdate, true
	case http.MethodDelete:
		return models.AuditActionDelete, true
	}
	return "", false
}

// Record audits mutating requests against resourceType. The resource id is
// taken from the {id} route parameter unless the handler annotates one. It
// must run after ResolveTenant.
func (m *AuditMiddleware) Record(resourceType string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			action, ok := actionForMethod(r.Method)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			ann := &AuditAnnotation{}
			r = r.WithContext(context.WithValue(r.Context(), auditAnnotationKey{}, ann))
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			tc := GetTenantContext(r.Context())
			if tc == nil {
				return
			}

			// The client has its response before the entry is written.
			if f, ok := ww.(http.Flusher); ok {
				f.Flush()
			}

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			m.record(r, tc, action, resourceType, status, ann)
		})
	}
}

func (m *AuditMiddleware) record(r *http.Request, tc *tenancy.TenantContext, action models.AuditAction, resourceType string, status int, ann *AuditAnnotation) {
	req := audit.LogRequest{
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   chi.URLParam(r, "id"),
		ResourceName: ann.ResourceName,
		OldValues:    ann.OldValues,
		NewValues:    ann.NewValues,
		IPAddress:    utils.ClientIP(r),
		UserAgent:    r.UserAgent(),
		Endpoint:     r.URL.Path,
		Method:       r.Method,
		Failed:       status >= http.StatusBadRequest,
		Metadata:     map[string]interface{}{"status_code": status},
	}
	if ann.Action != "" {
		req.Action = ann.Action
	}
	if ann.ResourceType != "" {
		req.ResourceType = ann.ResourceType
	}
	if ann.ResourceID != "" {
		req.ResourceID = ann.ResourceID
	}
	for k, v := range ann.Metadata {
		req.Metadata[k] = v
	}
	if req.Failed {
		req.ErrorMessage = ann.ErrorMessage
		if req.ErrorMessage == "" {
			req.ErrorMessage = http.StatusText(status)
		}
	}

	if _, err := m.auditor.Log(r.Context(), tc, req); err != nil {
		m.logger.Warn("failed to record audit entry",
			zap.String("request_id", GetRequestIDFromContext(r.Context())),
			zap.String("org_id", tc.OrgIDString()),
			zap.String("action", string(req.Action)),
			zap.Error(err))
	}
}
