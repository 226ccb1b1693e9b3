package handlers

import (
	"errors"
	"net/http"

	"github.com/upb/tenant-isolation/middleware"
	"github.com/upb/tenant-isolation/models"
	"github.com/upb/tenant-isolation/services"
	"github.com/upb/tenant-isolation/services/audit"
	"github.com/upb/tenant-isolation/tenancy"
	"github.com/upb/tenant-isolation/utils"
	"go.uber.org/zap"
)

// HandleServiceError maps domain errors to HTTP responses
func HandleServiceError(w http.ResponseWriter, r *http.Request, err error, logger *zap.Logger) {
	if err == nil {
		return
	}
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	if ann := middleware.Annotate(ctx); ann != nil {
		ann.ErrorMessage = err.Error()
	}

	status, code := utils.ErrorStatus(err)
	if status == http.StatusInternalServerError {
		logger.Error("internal server error",
			zap.String("request_id", requestID),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	} else {
		logger.Debug("handled service error",
			zap.String("request_id", requestID),
			zap.String("type", code),
			zap.Error(err))
	}

	if err := utils.WriteServiceError(w, requestID, err); err != nil {
		logger.Error("failed to write error response", zap.Error(err))
	}
}

// HandleValidationError handles validation errors from request parsing
func HandleValidationError(w http.ResponseWriter, r *http.Request, err error, logger *zap.Logger) {
	requestID := middleware.GetRequestIDFromContext(r.Context())
	if utils.IsValidationError(err) {
		if err := utils.WriteServiceError(w, requestID, err); err != nil {
			logger.Error("failed to write validation error response", zap.Error(err))
		}
		return
	}

	if err := utils.WriteError(w, http.StatusBadRequest, string(services.ErrorTypeValidation), err.Error(), requestID, nil); err != nil {
		logger.Error("failed to write validation error response", zap.Error(err))
	}
}

// responder writes service errors and reports isolation violations as
// security events
type responder struct {
	security middleware.SecurityLogger
	logger   *zap.Logger
}

func (h responder) fail(w http.ResponseWriter, r *http.Request, err error) {
	if h.security != nil && (services.IsBoundaryViolationError(err) || services.IsDataLeakAttemptError(err)) {
		h.reportViolation(r, err)
	}
	HandleServiceError(w, r, err, h.logger)
}

func (h responder) reportViolation(r *http.Request, err error) {
	tc := middleware.GetTenantContext(r.Context())
	if tc == nil {
		return
	}
	details := services.GetErrorDetails(err)
	collection, _ := details["collection"].(string)

	h.security.LogSecurityEvent(r.Context(), audit.SecurityEvent{
		Action:       models.AuditActionBoundaryViolation,
		OrgID:        tc.OrgID(),
		UserID:       tc.UserID(),
		Email:        tc.UserEmail(),
		RequestID:    middleware.GetRequestIDFromContext(r.Context()),
		IPAddress:    utils.ClientIP(r),
		UserAgent:    r.UserAgent(),
		Endpoint:     r.URL.Path,
		Method:       r.Method,
		ResourceType: collection,
		Reason:       err.Error(),
		Metadata:     details,
	})
}

// tenant returns the request's tenant context, writing an error when there
// is none
func (h responder) tenant(w http.ResponseWriter, r *http.Request) *tenancy.TenantContext {
	tc := middleware.GetTenantContext(r.Context())
	if tc == nil {
		HandleServiceError(w, r, services.ErrContextMissing, h.logger)
	}
	return tc
}

var errInvalidLimit = errors.New("limit must be a non-negative integer")
