package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/tenant-isolation/models"
	"github.com/upb/tenant-isolation/repositories"
)

func TestIdentityStore_Memberships(t *testing.T) {
	ctx := context.Background()
	store := NewIdentityStore()

	org := models.NewOrganization("Acme", "acme", "pro")
	require.NoError(t, store.CreateOrganization(ctx, org))
	assert.ErrorIs(t, store.CreateOrganization(ctx, models.NewOrganization("Other", "acme", "free")), repositories.ErrDuplicateKey)

	user := models.NewUser("ana@acme.test", "Ana")
	require.NoError(t, store.CreateUser(ctx, user))

	m := models.NewMembership(user.ID, org.ID, models.RoleAdmin, "reports:export")
	require.NoError(t, store.CreateMembership(ctx, m))

	inactive := models.NewMembership(user.ID, uuid.New(), models.RoleMember)
	inactive.Active = false
	require.NoError(t, store.CreateMembership(ctx, inactive))

	got, err := store.GetActiveMembership(ctx, user.ID, org.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RoleAdmin, got.Role)

	_, err = store.GetActiveMembership(ctx, user.ID, inactive.OrgID)
	assert.ErrorIs(t, err, repositories.ErrNotFound)

	list, err := store.ListActiveMemberships(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, org.ID, list[0].OrgID)
}

func TestIdentityStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewIdentityStore()

	org := models.NewOrganization("Acme", "acme", "pro")
	org.FeatureOverrides = map[string]bool{"sso": true}
	require.NoError(t, store.CreateOrganization(ctx, org))

	got, err := store.GetOrganization(ctx, org.ID)
	require.NoError(t, err)
	got.FeatureOverrides["sso"] = false
	got.Suspend("tampered")

	again, err := store.GetOrganization(ctx, org.ID)
	require.NoError(t, err)
	assert.True(t, again.FeatureOverrides["sso"])
	assert.True(t, again.IsActive())
}

func TestIdentityStore_Catalogs(t *testing.T) {
	ctx := context.Background()
	store := NewIdentityStore()

	require.NoError(t, store.SetRolePermissions(ctx, models.RoleViewer, []string{"tickets:read"}))
	require.NoError(t, store.SetPlanFeatures(ctx, "pro", []string{"sso", "audit_export"}))

	perms, err := store.GetRolePermissions(ctx, models.RoleViewer)
	require.NoError(t, err)
	assert.Equal(t, []string{"tickets:read"}, perms)

	perms, err = store.GetRolePermissions(ctx, "ghost")
	require.NoError(t, err)
	assert.Empty(t, perms)

	features, err := store.GetPlanFeatures(ctx, "pro")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"sso", "audit_export"}, features)
}

func TestEventStore_ScopedReads(t *testing.T) {
	ctx := context.Background()
	store := NewEventStore()
	orgA, orgB, user := uuid.New(), uuid.New(), uuid.New()

	first, err := models.NewTenantEvent(orgA, user, "ticket.created")
	require.NoError(t, err)
	second, err := models.NewTenantEvent(orgA, user, "ticket.closed")
	require.NoError(t, err)
	second.Timestamp = first.Timestamp.Add(time.Second)
	other, err := models.NewTenantEvent(orgB, user, "ticket.created")
	require.NoError(t, err)

	for _, e := range []*models.TenantEvent{first, second, other} {
		require.NoError(t, store.Save(ctx, e))
	}
	assert.ErrorIs(t, store.Save(ctx, first), repositories.ErrDuplicateKey)

	_, err = store.GetByID(ctx, orgB, first.ID)
	assert.ErrorIs(t, err, repositories.ErrNotFound)

	events, err := store.ListByOrg(ctx, orgA, repositories.EventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, second.ID, events[0].ID)

	events, err = store.ListByOrg(ctx, orgA, repositories.EventFilter{EventType: "ticket.created"})
	require.NoError(t, err)
	require.Len(t, events, 1)

	first.MarkProcessed([]models.HandlerResult{{Handler: "notify", Status: models.HandlerStatusSuccess}}, time.Now())
	require.NoError(t, store.MarkProcessed(ctx, first))

	processed := true
	events, err = store.ListByOrg(ctx, orgA, repositories.EventFilter{Processed: &processed})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Len(t, events[0].HandlerResults, 1)
}

func TestAuditStore_Query(t *testing.T) {
	ctx := context.Background()
	store := NewAuditStore()
	orgA, orgB, user := uuid.New(), uuid.New(), uuid.New()

	old := models.NewTenantAuditLog(orgA, models.AuditActionCreate, "ticket").WithUser(user).WithResource("t1", "")
	old.Timestamp = time.Now().Add(-time.Hour)
	recent := models.NewTenantAuditLog(orgA, models.AuditActionDelete, "ticket").WithResource("t1", "")
	foreign := models.NewTenantAuditLog(orgB, models.AuditActionCreate, "ticket").WithUser(user)

	for _, l := range []*models.TenantAuditLog{old, recent, foreign} {
		require.NoError(t, store.Insert(ctx, l))
	}

	logs, err := store.Query(ctx, orgA, repositories.AuditQuery{ResourceType: "ticket", ResourceID: "t1"})
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, recent.ID, logs[0].ID)

	logs, err = store.Query(ctx, orgA, repositories.AuditQuery{UserID: &user})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, old.ID, logs[0].ID)

	since := time.Now().Add(-time.Minute)
	logs, err = store.Query(ctx, orgA, repositories.AuditQuery{Start: &since, Limit: 10})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, 3, store.Len())
}

func TestRateLimitStore(t *testing.T) {
	ctx := context.Background()
	store := NewRateLimitStore()
	orgA, orgB := uuid.New(), uuid.New()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	// out of order on purpose
	for _, offset := range []time.Duration{30 * time.Second, 0, 90 * time.Second, 10 * time.Second} {
		require.NoError(t, store.Record(ctx, orgA, base.Add(offset)))
	}
	require.NoError(t, store.Record(ctx, orgB, base))

	n, err := store.Count(ctx, orgA, base)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	n, err = store.Count(ctx, orgA, base.Add(30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 2, n, "since is inclusive")

	n, err = store.Count(ctx, orgB, base.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	removed, err := store.Cleanup(ctx, base.Add(20*time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(3), removed)

	n, err = store.Count(ctx, orgA, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = store.Count(ctx, orgB, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
