package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/upb/tenant-isolation/models"
	"github.com/upb/tenant-isolation/repositories"
	"github.com/upb/tenant-isolation/repositories/memory"
	"github.com/upb/tenant-isolation/services"
	"github.com/upb/tenant-isolation/services/guard"
	"github.com/upb/tenant-isolation/tenancy"
	"go.uber.org/zap"
)

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTenant(t *testing.T) *tenancy.TenantContext {
	t.Helper()
	tc, err := tenancy.NewTenantContext(tenancy.ContextParams{
		OrgID:  uuid.New(),
		UserID: uuid.New(),
		Role:   models.RoleMember,
	})
	require.NoError(t, err)
	return tc
}

func newTicketRepo(store repositories.DocumentStore) *TenantRepository[models.Document] {
	g := guard.NewGuard(guard.DefaultRegistry(), guard.DefaultConfig(), zap.NewNop())
	repo := NewDocumentRepository(store, g, "tickets", zap.NewNop())
	repo.now = func() time.Time { return fixedNow }
	return repo
}

func TestTenantRepository_InsertStampsOrganizationAndTimestamps(t *testing.T) {
	ctx := context.Background()
	store := memory.NewDocumentStore(zap.NewNop())
	repo := newTicketRepo(store)
	tc := newTenant(t)

	stored, err := repo.InsertOne(ctx, tc, models.Document{"title": "printer down"})
	require.NoError(t, err)

	assert.Equal(t, tc.OrgIDString(), stored["organization_id"])
	assert.Equal(t, fixedNow, stored["created_at"])
	assert.Equal(t, fixedNow, stored["updated_at"])
	require.NotEmpty(t, stored["_id"])

	raw, err := store.FindOne(ctx, "tickets", models.Document{"_id": stored["_id"]}, repositories.FindOptions{})
	require.NoError(t, err)
	assert.Equal(t, tc.OrgIDString(), raw["organization_id"])
}

func TestTenantRepository_InsertProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	ctx := context.Background()
	store := memory.NewDocumentStore(zap.NewNop())
	repo := newTicketRepo(store)
	tc := newTenant(t)

	properties.Property("stored documents belong to the inserting organization", prop.ForAll(
		func(title string, supplyOrg bool) bool {
			doc := models.Document{"title": title}
			if supplyOrg {
				doc["organization_id"] = tc.OrgIDString()
			}
			stored, err := repo.InsertOne(ctx, tc, doc)
			if err != nil {
				return false
			}
			raw, err := store.FindOne(ctx, "tickets", models.Document{"_id": stored["_id"]}, repositories.FindOptions{})
			return err == nil && raw["organization_id"] == tc.OrgIDString()
		},
		gen.AlphaString(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

func TestTenantRepository_OtherTenantSeesNothingWithoutFilter(t *testing.T) {
	ctx := context.Background()
	repo := newTicketRepo(memory.NewDocumentStore(zap.NewNop()))
	tcA := newTenant(t)
	tcB := newTenant(t)

	_, err := repo.InsertOne(ctx, tcA, models.Document{"title": "A's ticket"})
	require.NoError(t, err)

	found, err := repo.FindMany(ctx, tcB, models.Document{}, repositories.FindOptions{})
	require.NoError(t, err)
	assert.Empty(t, found)

	n, err := repo.Count(ctx, tcB, nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = repo.FindOne(ctx, tcB, models.Document{"title": "A's ticket"})
	assert.ErrorIs(t, err, services.ErrDocumentNotFound)

	found, err = repo.FindMany(ctx, tcA, nil, repositories.FindOptions{})
	require.NoError(t, err)
	assert.Len(t, found, 1)
}

type mockStore struct {
	mock.Mock
	repositories.DocumentStore
}

func (m *mockStore) Find(ctx context.Context, collection string, filter models.Document, opts repositories.FindOptions) ([]models.Document, error) {
	args := m.Called(ctx, collection, filter, opts)
	docs, _ := args.Get(0).([]models.Document)
	return docs, args.Error(1)
}

func (m *mockStore) UpdateOne(ctx context.Context, collection string, filter, update models.Document, upsert bool) (repositories.UpdateResult, error) {
	args := m.Called(ctx, collection, filter, update, upsert)
	return args.Get(0).(repositories.UpdateResult), args.Error(1)
}

func TestTenantRepository_ViolationNeverReachesStore(t *testing.T) {
	store := &mockStore{}
	repo := newTicketRepo(store)
	tc := newTenant(t)
	foreign := uuid.New().String()

	_, err := repo.FindMany(context.Background(), tc, models.Document{"organization_id": foreign}, repositories.FindOptions{})
	assert.True(t, services.IsBoundaryViolationError(err))

	_, err = repo.UpdateOne(context.Background(), tc, models.Document{}, models.Document{"$set": models.Document{"organization_id": foreign}}, false)
	assert.True(t, services.IsBoundaryViolationError(err))

	store.AssertNotCalled(t, "Find", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	store.AssertNotCalled(t, "UpdateOne", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestTenantRepository_StoreReceivesScopedFilter(t *testing.T) {
	store := &mockStore{}
	repo := newTicketRepo(store)
	tc := newTenant(t)
	opts := repositories.FindOptions{Limit: 5}

	store.On("Find", mock.Anything, "tickets", models.Document{"status": "open", "organization_id": tc.OrgIDString()}, opts).
		Return([]models.Document{{"_id": "t1"}}, nil)

	docs, err := repo.FindMany(context.Background(), tc, models.Document{"status": "open"}, opts)
	require.NoError(t, err)
	assert.Len(t, docs, 1)
	store.AssertExpectations(t)
}

func TestTenantRepository_StoreFailureIsInternal(t *testing.T) {
	store := &mockStore{}
	repo := newTicketRepo(store)
	store.On("Find", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("disk on fire"))

	_, err := repo.FindMany(context.Background(), newTenant(t), nil, repositories.FindOptions{})
	assert.True(t, services.IsInternalError(err))
}

func TestTenantRepository_UpdateRejectsOrganizationMutation(t *testing.T) {
	ctx := context.Background()
	repo := newTicketRepo(memory.NewDocumentStore(zap.NewNop()))
	tc := newTenant(t)

	stored, err := repo.InsertOne(ctx, tc, models.Document{"title": "x"})
	require.NoError(t, err)

	_, err = repo.UpdateOne(ctx, tc, models.Document{"_id": stored["_id"]},
		models.Document{"$set": models.Document{"organization_id": uuid.New().String()}}, false)
	require.ErrorIs(t, err, services.ErrBoundaryViolation)

	after, err := repo.FindByID(ctx, tc, stored["_id"].(string))
	require.NoError(t, err)
	assert.Equal(t, tc.OrgIDString(), after["organization_id"])
}

func TestTenantRepository_UpsertStampsCreatedAt(t *testing.T) {
	ctx := context.Background()
	repo := newTicketRepo(memory.NewDocumentStore(zap.NewNop()))
	tc := newTenant(t)

	res, err := repo.UpdateOne(ctx, tc, models.Document{"external_ref": "INC-1"},
		models.Document{"$set": models.Document{"status": "open"}}, true)
	require.NoError(t, err)
	require.NotNil(t, res.UpsertedID)

	found, err := repo.FindOne(ctx, tc, models.Document{"external_ref": "INC-1"})
	require.NoError(t, err)
	assert.Equal(t, fixedNow, found["created_at"])
	assert.Equal(t, fixedNow, found["updated_at"])
	assert.Equal(t, tc.OrgIDString(), found["organization_id"])

	t.Run("explicit created_at wins", func(t *testing.T) {
		explicit := fixedNow.Add(-24 * time.Hour)
		_, err := repo.UpdateOne(ctx, tc, models.Document{"external_ref": "INC-2"},
			models.Document{"$setOnInsert": models.Document{"created_at": explicit}}, true)
		require.NoError(t, err)

		found, err := repo.FindOne(ctx, tc, models.Document{"external_ref": "INC-2"})
		require.NoError(t, err)
		assert.Equal(t, explicit, found["created_at"])
	})
}

func TestTenantRepository_UpdatesStampUpdatedAt(t *testing.T) {
	ctx := context.Background()
	repo := newTicketRepo(memory.NewDocumentStore(zap.NewNop()))
	tc := newTenant(t)

	stored, err := repo.InsertOne(ctx, tc, models.Document{"title": "x", "status": "open"})
	require.NoError(t, err)
	id := stored["_id"].(string)

	later := fixedNow.Add(time.Hour)
	repo.now = func() time.Time { return later }

	res, err := repo.UpdateOne(ctx, tc, models.Document{"_id": id}, models.Document{"$set": models.Document{"status": "closed"}}, false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Matched)

	after, err := repo.FindByID(ctx, tc, id)
	require.NoError(t, err)
	assert.Equal(t, "closed", after["status"])
	assert.Equal(t, later, after["updated_at"])
	assert.Equal(t, fixedNow, after["created_at"])

	updated, err := repo.FindOneAndUpdate(ctx, tc, models.Document{"_id": id}, models.Document{"$inc": models.Document{"reopened": 1}}, true)
	require.NoError(t, err)
	assert.EqualValues(t, 1, updated["reopened"])

	_, err = repo.UpdateOne(ctx, tc, models.Document{"_id": id}, models.Document{}, false)
	assert.True(t, services.IsValidationError(err))
}

func TestTenantRepository_UpdateManyAndDeleteStayInTenant(t *testing.T) {
	ctx := context.Background()
	repo := newTicketRepo(memory.NewDocumentStore(zap.NewNop()))
	tcA := newTenant(t)
	tcB := newTenant(t)

	_, err := repo.InsertMany(ctx, tcA, []models.Document{{"status": "open"}, {"status": "open"}})
	require.NoError(t, err)
	_, err = repo.InsertOne(ctx, tcB, models.Document{"status": "open"})
	require.NoError(t, err)

	res, err := repo.UpdateMany(ctx, tcA, models.Document{"status": "open"}, models.Document{"$set": models.Document{"status": "closed"}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Matched)

	open, err := repo.Count(ctx, tcB, models.Document{"status": "open"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), open)

	deleted, err := repo.DeleteMany(ctx, tcA, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	deleted, err = repo.DeleteOne(ctx, tcA, nil)
	require.NoError(t, err)
	assert.Zero(t, deleted)

	remaining, err := repo.Count(ctx, tcB, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), remaining)
}

func TestTenantRepository_FindPaginated(t *testing.T) {
	ctx := context.Background()
	repo := newTicketRepo(memory.NewDocumentStore(zap.NewNop()))
	tc := newTenant(t)

	docs := make([]models.Document, 5)
	for i := range docs {
		docs[i] = models.Document{"n": i}
	}
	_, err := repo.InsertMany(ctx, tc, docs)
	require.NoError(t, err)
	_, err = repo.InsertOne(ctx, newTenant(t), models.Document{"n": 99})
	require.NoError(t, err)

	page, err := repo.FindPaginated(ctx, tc, nil, 2, 2, repositories.SortField{Field: "n"})
	require.NoError(t, err)
	assert.Equal(t, int64(5), page.Total)
	assert.Equal(t, 3, page.TotalPages)
	assert.True(t, page.HasNext)
	assert.True(t, page.HasPrev)
	require.Len(t, page.Items, 2)
	assert.EqualValues(t, 2, page.Items[0]["n"])
	assert.EqualValues(t, 3, page.Items[1]["n"])

	last, err := repo.FindPaginated(ctx, tc, nil, 3, 2, repositories.SortField{Field: "n"})
	require.NoError(t, err)
	assert.False(t, last.HasNext)
	assert.Len(t, last.Items, 1)

	empty, err := repo.FindPaginated(ctx, newTenant(t), nil, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, empty.Page)
	assert.Equal(t, DefaultPageSize, empty.PageSize)
	assert.NotNil(t, empty.Items)
}

func TestTenantRepository_AggregateIsScoped(t *testing.T) {
	ctx := context.Background()
	repo := newTicketRepo(memory.NewDocumentStore(zap.NewNop()))
	tcA := newTenant(t)
	tcB := newTenant(t)

	_, err := repo.InsertMany(ctx, tcA, []models.Document{{"status": "open"}, {"status": "closed"}, {"status": "open"}})
	require.NoError(t, err)
	_, err = repo.InsertMany(ctx, tcB, []models.Document{{"status": "open"}})
	require.NoError(t, err)

	out, err := repo.Aggregate(ctx, tcA, models.Pipeline{
		{"$match": models.Document{"status": "open"}},
		{"$count": "open"},
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.EqualValues(t, 2, out[0]["open"])

	_, err = repo.Aggregate(ctx, tcA, models.Pipeline{{"$match": models.Document{"organization_id": tcB.OrgIDString()}}})
	assert.True(t, services.IsDataLeakAttemptError(err))
}

func TestTenantRepository_AmbientContextFallback(t *testing.T) {
	repo := newTicketRepo(memory.NewDocumentStore(zap.NewNop()))
	tc := newTenant(t)

	_, err := repo.InsertOne(context.Background(), nil, models.Document{"title": "x"})
	assert.True(t, services.IsContextMissingError(err))

	ctx := tenancy.WithTenantContext(context.Background(), tc)
	stored, err := repo.InsertOne(ctx, nil, models.Document{"title": "x"})
	require.NoError(t, err)
	assert.Equal(t, tc.OrgIDString(), stored["organization_id"])
}

func TestTenantRepository_DuplicateIsConflict(t *testing.T) {
	ctx := context.Background()
	repo := newTicketRepo(memory.NewDocumentStore(zap.NewNop()))
	tc := newTenant(t)

	_, err := repo.InsertOne(ctx, tc, models.Document{"_id": "fixed"})
	require.NoError(t, err)
	_, err = repo.InsertOne(ctx, tc, models.Document{"_id": "fixed"})
	assert.True(t, services.IsConflictError(err))
}

type ticket struct {
	ID             string `json:"_id,omitempty"`
	OrganizationID string `json:"organization_id,omitempty"`
	Title          string `json:"title"`
	Priority       int    `json:"priority"`
}

func TestTenantRepository_TypedCodec(t *testing.T) {
	ctx := context.Background()
	store := memory.NewDocumentStore(zap.NewNop())
	g := guard.NewGuard(guard.DefaultRegistry(), guard.DefaultConfig(), zap.NewNop())
	repo := NewTenantRepository(store, g, "tickets", JSONCodec[ticket](), zap.NewNop())
	tc := newTenant(t)

	stored, err := repo.InsertOne(ctx, tc, ticket{Title: "VPN broken", Priority: 2})
	require.NoError(t, err)
	assert.Equal(t, tc.OrgIDString(), stored.OrganizationID)
	assert.NotEmpty(t, stored.ID)

	got, err := repo.FindWith(ctx, tc, repo.Query(ctx, tc).Range("priority", 1, 3).Sort("title", false))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "VPN broken", got[0].Title)
	assert.Equal(t, 2, got[0].Priority)
}
