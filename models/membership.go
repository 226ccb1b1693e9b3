package models

import (
	"time"

	"github.com/google/uuid"
)

// Membership links a user to an organization with a role
type Membership struct {
	ID                uuid.UUID `json:"id" db:"id"`
	UserID            uuid.UUID `json:"user_id" db:"user_id"`
	OrgID             uuid.UUID `json:"org_id" db:"org_id"`
	Role              string    `json:"role" db:"role"`
	CustomPermissions []string  `json:"custom_permissions,omitempty" db:"custom_permissions"`
	Active            bool      `json:"active" db:"active"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time `json:"updated_at" db:"updated_at"`
}

// TableName returns the table name for the Membership model
func (Membership) TableName() string {
	return "memberships"
}

// NewMembership creates an active membership
func NewMembership(userID, orgID uuid.UUID, role string, customPermissions ...string) *Membership {
	now := time.Now()
	return &Membership{
		ID:                uuid.New(),
		UserID:            userID,
		OrgID:             orgID,
		Role:              role,
		CustomPermissions: customPermissions,
		Active:            true,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}
