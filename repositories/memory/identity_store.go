package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/upb/tenant-isolation/models"
	"github.com/upb/tenant-isolation/repositories"
)

// IdentityStore is an in-process repositories.IdentityStore
type IdentityStore struct {
	mu              sync.RWMutex
	organizations   map[uuid.UUID]*models.Organization
	users           map[uuid.UUID]*models.User
	memberships     map[uuid.UUID]*models.Membership
	rolePermissions map[string][]string
	planFeatures    map[string][]string
}

// NewIdentityStore creates an empty identity store
func NewIdentityStore() *IdentityStore {
	return &IdentityStore{
		organizations:   make(map[uuid.UUID]*models.Organization),
		users:           make(map[uuid.UUID]*models.User),
		memberships:     make(map[uuid.UUID]*models.Membership),
		rolePermissions: make(map[string][]string),
		planFeatures:    make(map[string][]string),
	}
}

var _ repositories.IdentityStore = (*IdentityStore)(nil)

// GetOrganization retrieves an organization by ID
func (s *IdentityStore) GetOrganization(ctx context.Context, id uuid.UUID) (*models.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	org, ok := s.organizations[id]
	if !ok {
		return nil, fmt.Errorf("organization %s: %w", id, repositories.ErrNotFound)
	}
	return copyOrganization(org), nil
}

// CreateOrganization creates a new organization
func (s *IdentityStore) CreateOrganization(ctx context.Context, org *models.Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.organizations {
		if existing.Slug == org.Slug {
			return fmt.Errorf("organization slug %q: %w", org.Slug, repositories.ErrDuplicateKey)
		}
	}
	s.organizations[org.ID] = copyOrganization(org)
	return nil
}

// UpdateOrganization replaces a stored organization
func (s *IdentityStore) UpdateOrganization(ctx context.Context, org *models.Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.organizations[org.ID]; !ok {
		return fmt.Errorf("organization %s: %w", org.ID, repositories.ErrNotFound)
	}
	s.organizations[org.ID] = copyOrganization(org)
	return nil
}

// GetUser retrieves a user by ID
func (s *IdentityStore) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, repositories.ErrNotFound)
	}
	u := *user
	return &u, nil
}

// CreateUser creates a new user
func (s *IdentityStore) CreateUser(ctx context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := *user
	s.users[user.ID] = &u
	return nil
}

// GetActiveMembership retrieves the active membership of a user in an organization
func (s *IdentityStore) GetActiveMembership(ctx context.Context, userID, orgID uuid.UUID) (*models.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.memberships {
		if m.UserID == userID && m.OrgID == orgID && m.Active {
			return copyMembership(m), nil
		}
	}
	return nil, fmt.Errorf("membership of %s in %s: %w", userID, orgID, repositories.ErrNotFound)
}

// ListActiveMemberships retrieves all active memberships of a user, oldest first
func (s *IdentityStore) ListActiveMemberships(ctx context.Context, userID uuid.UUID) ([]*models.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Membership
	for _, m := range s.memberships {
		if m.UserID == userID && m.Active {
			out = append(out, copyMembership(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// CreateMembership creates a new membership
func (s *IdentityStore) CreateMembership(ctx context.Context, m *models.Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.memberships[m.ID] = copyMembership(m)
	return nil
}

// GetRolePermissions returns the permissions granted by a role. Unknown
// roles grant nothing.
func (s *IdentityStore) GetRolePermissions(ctx context.Context, role string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]string(nil), s.rolePermissions[role]...), nil
}

// SetRolePermissions replaces the permissions granted by a role
func (s *IdentityStore) SetRolePermissions(ctx context.Context, role string, permissions []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rolePermissions[role] = append([]string(nil), permissions...)
	return nil
}

// GetPlanFeatures returns the features included in a plan tier
func (s *IdentityStore) GetPlanFeatures(ctx context.Context, plan string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]string(nil), s.planFeatures[plan]...), nil
}

// SetPlanFeatures replaces the features included in a plan tier
func (s *IdentityStore) SetPlanFeatures(ctx context.Context, plan string, features []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.planFeatures[plan] = append([]string(nil), features...)
	return nil
}

func copyOrganization(org *models.Organization) *models.Organization {
	o := *org
	if org.FeatureOverrides != nil {
		o.FeatureOverrides = make(map[string]bool, len(org.FeatureOverrides))
		for k, v := range org.FeatureOverrides {
			o.FeatureOverrides[k] = v
		}
	}
	if org.SuspensionReason != nil {
		reason := *org.SuspensionReason
		o.SuspensionReason = &reason
	}
	return &o
}

func copyMembership(m *models.Membership) *models.Membership {
	c := *m
	c.CustomPermissions = append([]string(nil), m.CustomPermissions...)
	return &c
}
