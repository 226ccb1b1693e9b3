package utils

import (
	"errors"
	"net/http"

	"github.com/upb/tenant-isolation/services"
)

// ErrorStatus maps an error to its HTTP status and response error code.
// Errors that are not domain errors are internal.
func ErrorStatus(err error) (int, string) {
	if IsValidationError(err) {
		return http.StatusBadRequest, string(services.ErrorTypeValidation)
	}
	errType := services.GetErrorType(err)
	switch errType {
	case services.ErrorTypeContextMissing, services.ErrorTypeUnauthorized:
		return http.StatusUnauthorized, string(errType)
	case services.ErrorTypeAccessDenied,
		services.ErrorTypeForbidden,
		services.ErrorTypeSuspended,
		services.ErrorTypeBoundaryViolation,
		services.ErrorTypeDataLeakAttempt:
		return http.StatusForbidden, string(errType)
	case services.ErrorTypeQuotaExceeded:
		return http.StatusTooManyRequests, string(errType)
	case services.ErrorTypeValidation:
		return http.StatusBadRequest, string(errType)
	case services.ErrorTypeNotFound:
		return http.StatusNotFound, string(errType)
	case services.ErrorTypeConflict:
		return http.StatusConflict, string(errType)
	case services.ErrorTypeEventQueueFull:
		return http.StatusServiceUnavailable, string(errType)
	default:
		return http.StatusInternalServerError, string(services.ErrorTypeInternal)
	}
}

// WriteServiceError writes err as an error response. Internal errors never
// expose their message or details.
func WriteServiceError(w http.ResponseWriter, requestID string, err error) error {
	status, code := ErrorStatus(err)
	if status == http.StatusInternalServerError {
		return WriteError(w, status, code, "An internal error occurred", requestID, nil)
	}

	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		details := make(map[string]interface{}, len(validationErr.Fields))
		for field, msg := range validationErr.Fields {
			details[field] = msg
		}
		return WriteError(w, status, code, validationErr.Message, requestID, details)
	}

	message := err.Error()
	var domainErr *services.DomainError
	if errors.As(err, &domainErr) {
		message = domainErr.Message
	}
	details := services.GetErrorDetails(err)
	if len(details) == 0 {
		details = nil
	}
	return WriteError(w, status, code, message, requestID, details)
}
