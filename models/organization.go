package models

import (
	"time"

	"github.com/google/uuid"
)

// OrganizationStatus represents the lifecycle state of a tenant
type OrganizationStatus string

const (
	OrganizationStatusActive    OrganizationStatus = "active"
	OrganizationStatusSuspended OrganizationStatus = "suspended"
	OrganizationStatusInactive  OrganizationStatus = "inactive"
)

// Organization represents a tenant in the multi-tenant system
type Organization struct {
	ID               uuid.UUID          `json:"id" db:"id"`
	Name             string             `json:"name" db:"name"`
	Slug             string             `json:"slug" db:"slug"` // URL-friendly identifier
	Status           OrganizationStatus `json:"status" db:"status"`
	SuspensionReason *string            `json:"suspension_reason,omitempty" db:"suspension_reason"`
	Plan             string             `json:"plan" db:"plan"`
	FeatureOverrides map[string]bool    `json:"feature_overrides,omitempty" db:"feature_overrides"`
	CreatedAt        time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at" db:"updated_at"`
}

// TableName returns the table name for the Organization model
func (Organization) TableName() string {
	return "organizations"
}

// NewOrganization creates a new active Organization on the given plan
func NewOrganization(name, slug, plan string) *Organization {
	now := time.Now()
	return &Organization{
		ID:        uuid.New(),
		Name:      name,
		Slug:      slug,
		Status:    OrganizationStatusActive,
		Plan:      plan,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// IsActive returns true if the organization may be accessed
func (o *Organization) IsActive() bool {
	return o.Status == OrganizationStatusActive
}

// Suspend marks the organization as suspended with an optional reason
func (o *Organization) Suspend(reason string) {
	o.Status = OrganizationStatusSuspended
	if reason != "" {
		o.SuspensionReason = &reason
	}
	o.UpdatedAt = time.Now()
}
