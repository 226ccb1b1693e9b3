package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/tenant-isolation/models"
	"github.com/upb/tenant-isolation/repositories"
	"go.uber.org/zap"
)

func seededStore(t *testing.T) *DocumentStore {
	t.Helper()
	store := NewDocumentStore(zap.NewNop())
	_, err := store.InsertMany(context.Background(), "tickets", []models.Document{
		{"_id": "t1", "organization_id": "org-a", "status": "open", "priority": 3, "tags": []interface{}{"billing"}},
		{"_id": "t2", "organization_id": "org-a", "status": "closed", "priority": 1},
		{"_id": "t3", "organization_id": "org-b", "status": "open", "priority": 5, "meta": map[string]interface{}{"source": "email"}},
	})
	require.NoError(t, err)
	return store
}

func TestMatch_Operators(t *testing.T) {
	doc := models.Document{
		"name":     "Quarterly Report",
		"count":    7,
		"tags":     []interface{}{"finance", "q3"},
		"meta":     models.Document{"owner": "ana"},
		"created":  time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		"archived": false,
	}

	tests := []struct {
		name   string
		filter models.Document
		want   bool
	}{
		{"empty filter", models.Document{}, true},
		{"plain equality", models.Document{"name": "Quarterly Report"}, true},
		{"int vs float equality", models.Document{"count": 7.0}, true},
		{"array contains", models.Document{"tags": "q3"}, true},
		{"dotted path", models.Document{"meta.owner": "ana"}, true},
		{"$ne on missing field", models.Document{"missing": models.Document{"$ne": 1}}, true},
		{"$in", models.Document{"count": models.Document{"$in": []interface{}{1, 7}}}, true},
		{"$nin", models.Document{"count": models.Document{"$nin": []interface{}{1, 7}}}, false},
		{"$exists false", models.Document{"missing": models.Document{"$exists": false}}, true},
		{"range", models.Document{"count": models.Document{"$gte": 5, "$lt": 8}}, true},
		{"range miss", models.Document{"count": models.Document{"$gt": 7}}, false},
		{"time range", models.Document{"created": models.Document{"$gt": "2024-01-01T00:00:00Z"}}, true},
		{"regex with options", models.Document{"name": models.Document{"$regex": "^quarterly", "$options": "i"}}, true},
		{"$or", models.Document{"$or": []interface{}{models.Document{"count": 1}, models.Document{"archived": false}}}, true},
		{"$and", models.Document{"$and": []interface{}{models.Document{"count": 7}, models.Document{"archived": true}}}, false},
		{"$nor", models.Document{"$nor": []interface{}{models.Document{"count": 1}}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Match(doc, tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMatch_UnknownOperator(t *testing.T) {
	_, err := Match(models.Document{"a": 1}, models.Document{"a": models.Document{"$where": "x"}})
	assert.ErrorIs(t, err, repositories.ErrUnsupportedOperator)
}

func TestDocumentStore_FindWithOptions(t *testing.T) {
	store := seededStore(t)
	ctx := context.Background()

	docs, err := store.Find(ctx, "tickets", models.Document{"status": "open"}, repositories.FindOptions{
		Sort: []repositories.SortField{{Field: "priority", Desc: true}},
	})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "t3", docs[0]["_id"])

	docs, err = store.Find(ctx, "tickets", models.Document{}, repositories.FindOptions{
		Sort:       []repositories.SortField{{Field: "priority"}},
		Skip:       1,
		Limit:      1,
		Projection: models.Document{"status": 1},
	})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, models.Document{"_id": "t1", "status": "open"}, docs[0])
}

func TestDocumentStore_ReturnsCopies(t *testing.T) {
	store := seededStore(t)
	ctx := context.Background()

	doc, err := store.FindOne(ctx, "tickets", models.Document{"_id": "t1"}, repositories.FindOptions{})
	require.NoError(t, err)
	doc["status"] = "tampered"

	again, err := store.FindOne(ctx, "tickets", models.Document{"_id": "t1"}, repositories.FindOptions{})
	require.NoError(t, err)
	assert.Equal(t, "open", again["status"])
}

func TestDocumentStore_FindOneNotFound(t *testing.T) {
	store := seededStore(t)
	_, err := store.FindOne(context.Background(), "tickets", models.Document{"_id": "nope"}, repositories.FindOptions{})
	assert.ErrorIs(t, err, repositories.ErrNotFound)
}

func TestDocumentStore_InsertAssignsIDAndRejectsDuplicates(t *testing.T) {
	store := seededStore(t)
	ctx := context.Background()

	id, err := store.InsertOne(ctx, "tickets", models.Document{"status": "new"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	_, err = store.InsertOne(ctx, "tickets", models.Document{"_id": "t1"})
	assert.ErrorIs(t, err, repositories.ErrDuplicateKey)

	count, err := store.Count(ctx, "tickets", models.Document{})
	require.NoError(t, err)
	assert.Equal(t, int64(4), count)
}

func TestDocumentStore_Updates(t *testing.T) {
	store := seededStore(t)
	ctx := context.Background()

	res, err := store.UpdateMany(ctx, "tickets",
		models.Document{"organization_id": "org-a"},
		models.Document{"$set": models.Document{"status": "archived"}, "$inc": models.Document{"priority": 1}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Matched)
	assert.Equal(t, int64(2), res.Modified)

	doc, err := store.FindOneAndUpdate(ctx, "tickets",
		models.Document{"_id": "t2"},
		models.Document{"$unset": models.Document{"status": ""}}, true)
	require.NoError(t, err)
	assert.NotContains(t, doc, "status")
	assert.Equal(t, 2.0, doc["priority"])

	before, err := store.FindOneAndUpdate(ctx, "tickets",
		models.Document{"_id": "t3"},
		models.Document{"$set": models.Document{"status": "pending"}}, false)
	require.NoError(t, err)
	assert.Equal(t, "open", before["status"])
}

func TestDocumentStore_ReplacementKeepsID(t *testing.T) {
	store := seededStore(t)
	ctx := context.Background()

	_, err := store.UpdateOne(ctx, "tickets", models.Document{"_id": "t1"},
		models.Document{"organization_id": "org-a", "status": "replaced"}, false)
	require.NoError(t, err)

	doc, err := store.FindOne(ctx, "tickets", models.Document{"_id": "t1"}, repositories.FindOptions{})
	require.NoError(t, err)
	assert.Equal(t, "replaced", doc["status"])
	assert.NotContains(t, doc, "priority")
}

func TestDocumentStore_Upsert(t *testing.T) {
	store := seededStore(t)
	ctx := context.Background()

	res, err := store.UpdateOne(ctx, "tickets",
		models.Document{"organization_id": "org-c", "external_id": "x-1"},
		models.Document{"$set": models.Document{"status": "open"}, "$setOnInsert": models.Document{"priority": 2}},
		true)
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Matched)
	require.NotNil(t, res.UpsertedID)

	doc, err := store.FindOne(ctx, "tickets", models.Document{"external_id": "x-1"}, repositories.FindOptions{})
	require.NoError(t, err)
	assert.Equal(t, "org-c", doc["organization_id"])
	assert.Equal(t, 2, doc["priority"])
}

func TestDocumentStore_UpdateMixingOperatorsAndFieldsFails(t *testing.T) {
	store := seededStore(t)
	_, err := store.UpdateOne(context.Background(), "tickets", models.Document{"_id": "t1"},
		models.Document{"$set": models.Document{"a": 1}, "b": 2}, false)
	assert.Error(t, err)
}

func TestDocumentStore_Delete(t *testing.T) {
	store := seededStore(t)
	ctx := context.Background()

	n, err := store.DeleteOne(ctx, "tickets", models.Document{"organization_id": "org-a"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = store.DeleteMany(ctx, "tickets", models.Document{"status": models.Document{"$exists": true}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestDocumentStore_Aggregate(t *testing.T) {
	store := seededStore(t)
	ctx := context.Background()

	out, err := store.Aggregate(ctx, "tickets", models.Pipeline{
		{"$match": models.Document{"status": "open"}},
		{"$group": models.Document{
			"_id":   "$organization_id",
			"n":     models.Document{"$sum": 1},
			"avg":   models.Document{"$avg": "$priority"},
			"worst": models.Document{"$max": "$priority"},
		}},
		{"$sort": models.Document{"_id": 1}},
	})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "org-a", out[0]["_id"])
	assert.Equal(t, 1.0, out[0]["n"])
	assert.Equal(t, 3.0, out[0]["avg"])
	assert.Equal(t, 5, out[1]["worst"])

	out, err = store.Aggregate(ctx, "tickets", models.Pipeline{
		{"$match": models.Document{"organization_id": "org-a"}},
		{"$count": "total"},
	})
	require.NoError(t, err)
	assert.Equal(t, []models.Document{{"total": int64(2)}}, out)
}

func TestDocumentStore_AggregateLookup(t *testing.T) {
	store := seededStore(t)
	ctx := context.Background()
	_, err := store.InsertMany(ctx, "comments", []models.Document{
		{"ticket_id": "t1", "organization_id": "org-a", "body": "hi"},
		{"ticket_id": "t1", "organization_id": "org-b", "body": "leak"},
	})
	require.NoError(t, err)

	out, err := store.Aggregate(ctx, "tickets", models.Pipeline{
		{"$match": models.Document{"_id": "t1"}},
		{"$lookup": models.Document{
			"from":         "comments",
			"localField":   "_id",
			"foreignField": "ticket_id",
			"pipeline":     []interface{}{models.Document{"$match": models.Document{"organization_id": "org-a"}}},
			"as":           "comments",
		}},
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	comments := out[0]["comments"].([]interface{})
	require.Len(t, comments, 1)
	assert.Equal(t, "hi", comments[0].(models.Document)["body"])
}

func TestDocumentStore_AggregateUnsupportedStage(t *testing.T) {
	store := seededStore(t)
	_, err := store.Aggregate(context.Background(), "tickets", models.Pipeline{{"$out": "elsewhere"}})
	assert.ErrorIs(t, err, repositories.ErrUnsupportedOperator)
}

func TestDocumentStore_CancelledContext(t *testing.T) {
	store := seededStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Find(ctx, "tickets", models.Document{}, repositories.FindOptions{})
	assert.ErrorIs(t, err, context.Canceled)
}
