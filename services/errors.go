package services

import (
	"errors"
	"fmt"
)

// ErrorType represents the type/category of error
type ErrorType string

const (
	ErrorTypeNotFound          ErrorType = "not_found"
	ErrorTypeValidation        ErrorType = "validation"
	ErrorTypeUnauthorized      ErrorType = "unauthorized"
	ErrorTypeForbidden         ErrorType = "forbidden"
	ErrorTypeConflict          ErrorType = "conflict"
	ErrorTypeInternal          ErrorType = "internal"
	ErrorTypeContextMissing    ErrorType = "context_missing"
	ErrorTypeAccessDenied      ErrorType = "access_denied"
	ErrorTypeSuspended         ErrorType = "suspended"
	ErrorTypeBoundaryViolation ErrorType = "boundary_violation"
	ErrorTypeDataLeakAttempt   ErrorType = "data_leak_attempt"
	ErrorTypeQuotaExceeded     ErrorType = "quota_exceeded"
	ErrorTypeEventQueueFull    ErrorType = "event_queue_full"
)

// DomainError represents a structured error with additional context
type DomainError struct {
	Type    ErrorType
	Message string
	Err     error
	Details map[string]interface{}
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements errors.Unwrap
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// WithDetail adds a detail to the error
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewDomainError creates a new domain error
func NewDomainError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{
		Type:    errType,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// Domain error variables. These are templates: match them with errors.Is and
// never attach details to them directly; build a fresh error with
// NewDomainError when details are needed.

var (
	// Not Found Errors
	ErrOrganizationNotFound = NewDomainError(ErrorTypeNotFound, "organization not found", nil)
	ErrMembershipNotFound   = NewDomainError(ErrorTypeNotFound, "membership not found", nil)
	ErrDocumentNotFound     = NewDomainError(ErrorTypeNotFound, "document not found", nil)
	ErrEventNotFound        = NewDomainError(ErrorTypeNotFound, "event not found", nil)
	ErrAuditLogNotFound     = NewDomainError(ErrorTypeNotFound, "audit log not found", nil)

	// Validation Errors
	ErrInvalidInput          = NewDomainError(ErrorTypeValidation, "invalid input", nil)
	ErrInvalidOrganizationID = NewDomainError(ErrorTypeValidation, "invalid organization id", nil)
	ErrInvalidCollection     = NewDomainError(ErrorTypeValidation, "invalid collection", nil)
	ErrInvalidPipeline       = NewDomainError(ErrorTypeValidation, "invalid aggregation pipeline", nil)

	// Authorization Errors
	ErrUnauthorized = NewDomainError(ErrorTypeUnauthorized, "unauthorized", nil)
	ErrInvalidToken = NewDomainError(ErrorTypeUnauthorized, "invalid authentication token", nil)

	// Permission Errors
	ErrForbidden               = NewDomainError(ErrorTypeForbidden, "access forbidden", nil)
	ErrInsufficientPermissions = NewDomainError(ErrorTypeForbidden, "insufficient permissions", nil)

	// Tenant isolation errors
	ErrContextMissing        = NewDomainError(ErrorTypeContextMissing, "organization context required", nil)
	ErrAccessDenied          = NewDomainError(ErrorTypeAccessDenied, "user is not a member of the organization", nil)
	ErrOrganizationSuspended = NewDomainError(ErrorTypeSuspended, "organization is not active", nil)
	ErrBoundaryViolation     = NewDomainError(ErrorTypeBoundaryViolation, "tenant boundary violation", nil)
	ErrDataLeakAttempt       = NewDomainError(ErrorTypeDataLeakAttempt, "cross-tenant data leak attempt", nil)
	ErrQuotaExceeded         = NewDomainError(ErrorTypeQuotaExceeded, "plan quota exceeded", nil)

	// Conflict Errors
	ErrDuplicateSlug = NewDomainError(ErrorTypeConflict, "slug already exists", nil)

	// Internal Errors
	ErrInternal       = NewDomainError(ErrorTypeInternal, "internal server error", nil)
	ErrDatabaseError  = NewDomainError(ErrorTypeInternal, "database error", nil)
	ErrEventQueueFull = NewDomainError(ErrorTypeEventQueueFull, "event queue full", nil)
)

// Error type checking helper functions

func isType(err error, errType ErrorType) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == errType
	}
	return false
}

// IsNotFoundError checks if an error is a not found error
func IsNotFoundError(err error) bool {
	return isType(err, ErrorTypeNotFound)
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	return isType(err, ErrorTypeValidation)
}

// IsUnauthorizedError checks if an error is an unauthorized error
func IsUnauthorizedError(err error) bool {
	return isType(err, ErrorTypeUnauthorized)
}

// IsForbiddenError checks if an error is a forbidden error
func IsForbiddenError(err error) bool {
	return isType(err, ErrorTypeForbidden)
}

// IsConflictError checks if an error is a conflict error
func IsConflictError(err error) bool {
	return isType(err, ErrorTypeConflict)
}

// IsInternalError checks if an error is an internal error
func IsInternalError(err error) bool {
	return isType(err, ErrorTypeInternal)
}

// IsContextMissingError checks if no organization context could be resolved
func IsContextMissingError(err error) bool {
	return isType(err, ErrorTypeContextMissing)
}

// IsAccessDeniedError checks if the user is not a member of the target organization
func IsAccessDeniedError(err error) bool {
	return isType(err, ErrorTypeAccessDenied)
}

// IsSuspendedError checks if the organization is inactive
func IsSuspendedError(err error) bool {
	return isType(err, ErrorTypeSuspended)
}

// IsBoundaryViolationError checks if a single-record operation crossed tenants
func IsBoundaryViolationError(err error) bool {
	return isType(err, ErrorTypeBoundaryViolation)
}

// IsDataLeakAttemptError checks if a multi-record operation was under-scoped
func IsDataLeakAttemptError(err error) bool {
	return isType(err, ErrorTypeDataLeakAttempt)
}

// IsEventQueueFullError checks if an event could not be queued for dispatch
func IsEventQueueFullError(err error) bool {
	return isType(err, ErrorTypeEventQueueFull)
}

// IsQuotaExceededError checks if a plan limit was exceeded
func IsQuotaExceededError(err error) bool {
	return isType(err, ErrorTypeQuotaExceeded)
}

// IsIsolationError reports whether err is one of the tenant isolation failures
func IsIsolationError(err error) bool {
	switch GetErrorType(err) {
	case ErrorTypeContextMissing, ErrorTypeAccessDenied, ErrorTypeSuspended,
		ErrorTypeBoundaryViolation, ErrorTypeDataLeakAttempt:
		return true
	}
	return false
}

// GetErrorType returns the ErrorType of a domain error, or empty string if not a domain error
func GetErrorType(err error) ErrorType {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type
	}
	return ""
}

// GetErrorDetails returns the details map of a domain error, or nil if not a domain error
func GetErrorDetails(err error) map[string]interface{} {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Details
	}
	return nil
}

// WrapError wraps an error with additional context
func WrapError(errType ErrorType, message string, err error) error {
	return NewDomainError(errType, message, err)
}

// WrapInternal wraps an error as an internal error
func WrapInternal(message string, err error) error {
	return NewDomainError(ErrorTypeInternal, message, err)
}
