package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/upb/tenant-isolation/models"
	"github.com/upb/tenant-isolation/services"
	"github.com/upb/tenant-isolation/services/audit"
	"github.com/upb/tenant-isolation/tenancy"
	"github.com/upb/tenant-isolation/utils"
	"go.uber.org/zap"
)

// AuditReader reads the audit trail of the caller's organization
type AuditReader interface {
	GetLogs(ctx context.Context, tc *tenancy.TenantContext, q audit.LogQuery) ([]*models.TenantAuditLog, error)
	GetResourceHistory(ctx context.Context, tc *tenancy.TenantContext, resourceType, resourceID string, limit int) ([]*models.TenantAuditLog, error)
	GetUserActivity(ctx context.Context, tc *tenancy.TenantContext, userID uuid.UUID, limit int) ([]*models.TenantAuditLog, error)
}

// AuditLogsQuery holds the query parameters of an audit listing
type AuditLogsQuery struct {
	UserID       string `query:"user_id" validate:"omitempty,uuid"`
	Action       string `query:"action" validate:"omitempty,max=64"`
	Severity     string `query:"severity" validate:"omitempty,oneof=info warning critical"`
	ResourceType string `query:"resource_type" validate:"omitempty,max=128"`
	ResourceID   string `query:"resource_id" validate:"omitempty,max=256"`
	Start        string `query:"start" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
	End          string `query:"end" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
	Limit        int    `query:"limit" validate:"min=0,max=1000"`
	Offset       int    `query:"offset" validate:"min=0"`
}

// AuditHandler serves the audit trail
type AuditHandler struct {
	responder
	audit AuditReader
}

// NewAuditHandler creates a new AuditHandler
func NewAuditHandler(reader AuditReader, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{
		responder: responder{logger: logger},
		audit:     reader,
	}
}

// HandleListLogs handles GET /api/v1/audit/logs
func (h *AuditHandler) HandleListLogs(w http.ResponseWriter, r *http.Request) {
	tc := h.tenant(w, r)
	if tc == nil {
		return
	}

	q, err := parseAuditQuery(r)
	if err != nil {
		HandleValidationError(w, r, err, h.logger)
		return
	}

	logs, err := h.audit.GetLogs(r.Context(), tc, q)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	_ = utils.WriteOK(w, nonNilLogs(logs))
}

// HandleResourceHistory handles GET /api/v1/audit/resources/{type}/{id}
func (h *AuditHandler) HandleResourceHistory(w http.ResponseWriter, r *http.Request) {
	tc := h.tenant(w, r)
	if tc == nil {
		return
	}
	limit, err := utils.QueryInt(r, "limit", 0)
	if err != nil {
		HandleValidationError(w, r, err, h.logger)
		return
	}

	logs, err := h.audit.GetResourceHistory(r.Context(), tc, chi.URLParam(r, "type"), chi.URLParam(r, "id"), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	_ = utils.WriteOK(w, nonNilLogs(logs))
}

// HandleUserActivity handles GET /api/v1/audit/users/{id}
func (h *AuditHandler) HandleUserActivity(w http.ResponseWriter, r *http.Request) {
	tc := h.tenant(w, r)
	if tc == nil {
		return
	}
	userID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, services.NewDomainError(services.ErrorTypeValidation, "invalid user id", err))
		return
	}
	limit, err := utils.QueryInt(r, "limit", 0)
	if err != nil {
		HandleValidationError(w, r, err, h.logger)
		return
	}

	logs, err := h.audit.GetUserActivity(r.Context(), tc, userID, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	_ = utils.WriteOK(w, nonNilLogs(logs))
}

func parseAuditQuery(r *http.Request) (audit.LogQuery, error) {
	values := r.URL.Query()
	raw := AuditLogsQuery{
		UserID:       values.Get("user_id"),
		Action:       values.Get("action"),
		Severity:     values.Get("severity"),
		ResourceType: values.Get("resource_type"),
		ResourceID:   values.Get("resource_id"),
		Start:        values.Get("start"),
		End:          values.Get("end"),
	}
	var err error
	if raw.Limit, err = utils.QueryInt(r, "limit", 0); err != nil {
		return audit.LogQuery{}, err
	}
	if raw.Offset, err = utils.QueryInt(r, "offset", 0); err != nil {
		return audit.LogQuery{}, err
	}
	if err := utils.ValidateStruct(raw); err != nil {
		return audit.LogQuery{}, err
	}

	q := audit.LogQuery{
		Action:       models.AuditAction(raw.Action),
		Severity:     models.AuditSeverity(raw.Severity),
		ResourceType: raw.ResourceType,
		ResourceID:   raw.ResourceID,
		Limit:        raw.Limit,
		Offset:       raw.Offset,
	}
	if raw.UserID != "" {
		id := uuid.MustParse(raw.UserID)
		q.UserID = &id
	}
	if raw.Start != "" {
		t, _ := time.Parse(time.RFC3339, raw.Start)
		q.Start = &t
	}
	if raw.End != "" {
		t, _ := time.Parse(time.RFC3339, raw.End)
		q.End = &t
	}
	return q, nil
}

func nonNilLogs(logs []*models.TenantAuditLog) []*models.TenantAuditLog {
	if logs == nil {
		return []*models.TenantAuditLog{}
	}
	return logs
}
