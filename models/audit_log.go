package models

import (
	"time"

	"github.com/google/uuid"
)

// AuditAction represents the type of action being audited
type AuditAction string

const (
	AuditActionCreate            AuditAction = "create"
	AuditActionRead              AuditAction = "read"
	AuditActionUpdate            AuditAction = "update"
	AuditActionDelete            AuditAction = "delete"
	AuditActionBulkUpdate        AuditAction = "bulk_update"
	AuditActionBulkDelete        AuditAction = "bulk_delete"
	AuditActionExport            AuditAction = "export"
	AuditActionLogin             AuditAction = "login"
	AuditActionLoginFailed       AuditAction = "login_failed"
	AuditActionLogout            AuditAction = "logout"
	AuditActionRoleChange        AuditAction = "role_change"
	AuditActionPermissionChange  AuditAction = "permission_change"
	AuditActionSettingsChange    AuditAction = "settings_change"
	AuditActionAccessDenied      AuditAction = "access_denied"
	AuditActionBoundaryViolation AuditAction = "boundary_violation"
)

// AuditSeverity classifies how much attention an audit entry needs
type AuditSeverity string

const (
	AuditSeverityInfo     AuditSeverity = "info"
	AuditSeverityWarning  AuditSeverity = "warning"
	AuditSeverityCritical AuditSeverity = "critical"
)

// RedactedValue replaces sensitive values in before/after snapshots
const RedactedValue = "[REDACTED]"

// AuditActor describes who performed an action, for display
type AuditActor struct {
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	Role  string `json:"role,omitempty"`
}

// TenantAuditLog represents an audit trail entry scoped to one organization
type TenantAuditLog struct {
	ID           uuid.UUID              `json:"id" db:"id"`
	OrgID        uuid.UUID              `json:"organization_id" db:"org_id"`
	UserID       *uuid.UUID             `json:"user_id,omitempty" db:"user_id"`
	RequestID    string                 `json:"request_id,omitempty" db:"request_id"`
	Actor        AuditActor             `json:"actor" db:"actor"`
	Action       AuditAction            `json:"action" db:"action"`
	Severity     AuditSeverity          `json:"severity" db:"severity"`
	ResourceType string                 `json:"resource_type" db:"resource_type"`
	ResourceID   string                 `json:"resource_id,omitempty" db:"resource_id"`
	ResourceName string                 `json:"resource_name,omitempty" db:"resource_name"`
	OldValues    map[string]interface{} `json:"old_values,omitempty" db:"old_values"`
	NewValues    map[string]interface{} `json:"new_values,omitempty" db:"new_values"`
	IPAddress    string                 `json:"ip_address,omitempty" db:"ip_address"`
	UserAgent    string                 `json:"user_agent,omitempty" db:"user_agent"`
	Endpoint     string                 `json:"endpoint,omitempty" db:"endpoint"`
	Method       string                 `json:"method,omitempty" db:"method"`
	Success      bool                   `json:"success" db:"success"`
	ErrorMessage *string                `json:"error_message,omitempty" db:"error_message"`
	Metadata     map[string]interface{} `json:"metadata,omitempty" db:"metadata"`
	Timestamp    time.Time              `json:"timestamp" db:"timestamp"`
}

// TableName returns the table name for the TenantAuditLog model
func (TenantAuditLog) TableName() string {
	return "tenant_audit_logs"
}

// NewTenantAuditLog creates a new successful audit entry
func NewTenantAuditLog(orgID uuid.UUID, action AuditAction, resourceType string) *TenantAuditLog {
	return &TenantAuditLog{
		ID:           uuid.New(),
		OrgID:        orgID,
		Action:       action,
		ResourceType: resourceType,
		Severity:     AuditSeverityInfo,
		Success:      true,
		Timestamp:    time.Now().UTC(),
	}
}

// WithUser sets the user ID
func (a *TenantAuditLog) WithUser(userID uuid.UUID) *TenantAuditLog {
	if userID != uuid.Nil {
		a.UserID = &userID
	}
	return a
}

// WithResource sets the resource id and display name
func (a *TenantAuditLog) WithResource(resourceID, resourceName string) *TenantAuditLog {
	a.ResourceID = resourceID
	a.ResourceName = resourceName
	return a
}

// WithRequest sets request metadata
func (a *TenantAuditLog) WithRequest(requestID, ipAddress, userAgent, endpoint, method string) *TenantAuditLog {
	a.RequestID = requestID
	a.IPAddress = ipAddress
	a.UserAgent = userAgent
	a.Endpoint = endpoint
	a.Method = method
	return a
}

// WithError marks the entry as failed
func (a *TenantAuditLog) WithError(errorMessage string) *TenantAuditLog {
	a.Success = false
	if errorMessage != "" {
		a.ErrorMessage = &errorMessage
	}
	return a
}
