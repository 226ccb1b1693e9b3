package tenancy

import (
	"context"
	"fmt"

	"github.com/upb/tenant-isolation/models"
	"github.com/upb/tenant-isolation/repositories"
)

// Plan tiers
const (
	PlanFree       = "free"
	PlanPro        = "pro"
	PlanEnterprise = "enterprise"
)

// Permissions checked by the gateway and the guard
const (
	PermissionDocumentsRead   = "documents:read"
	PermissionDocumentsWrite  = "documents:write"
	PermissionDocumentsDelete = "documents:delete"
	PermissionGlobalWrite     = "global:write"
	PermissionAuditRead       = "audit:read"
	PermissionEventsRead      = "events:read"
	PermissionSecurityRead    = "security:read"
)

// DefaultRolePermissions is the role catalog installed by SeedCatalog
var DefaultRolePermissions = map[string][]string{
	models.RoleOwner: {PermissionAll},
	models.RoleAdmin: {
		"documents:*",
		PermissionAuditRead,
		PermissionEventsRead,
		PermissionSecurityRead,
		"members:*",
		"settings:*",
	},
	models.RoleMember: {
		PermissionDocumentsRead,
		PermissionDocumentsWrite,
		PermissionEventsRead,
	},
	models.RoleViewer: {
		PermissionDocumentsRead,
	},
}

// DefaultPlanFeatures is the plan catalog installed by SeedCatalog
var DefaultPlanFeatures = map[string][]string{
	PlanFree:       {},
	PlanPro:        {"audit_export", "sso"},
	PlanEnterprise: {"audit_export", "sso", "advanced_analytics", "event_streaming"},
}

// SeedCatalog writes the default role and plan catalogs into the identity store
func SeedCatalog(ctx context.Context, identity repositories.IdentityStore) error {
	for role, perms := range DefaultRolePermissions {
		if err := identity.SetRolePermissions(ctx, role, perms); err != nil {
			return fmt.Errorf("failed to seed role %s: %w", role, err)
		}
	}
	for plan, features := range DefaultPlanFeatures {
		if err := identity.SetPlanFeatures(ctx, plan, features); err != nil {
			return fmt.Errorf("failed to seed plan %s: %w", plan, err)
		}
	}
	return nil
}
