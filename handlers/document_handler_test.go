package handlers

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/upb/tenant-isolation/models"
	"github.com/upb/tenant-isolation/repositories/memory"
	"github.com/upb/tenant-isolation/services/audit"
	"github.com/upb/tenant-isolation/services/events"
	"github.com/upb/tenant-isolation/services/guard"
	"github.com/upb/tenant-isolation/tenancy"
	"go.uber.org/zap"
)

const (
	documentsPattern = "/collections/{collection}/documents"
	documentPattern  = "/collections/{collection}/documents/{id}"
	aggregatePattern = "/collections/{collection}/aggregate"
)

type documentFixture struct {
	handler  *DocumentHandler
	guard    *guard.Guard
	emitter  *MockEmitter
	security *MockSecurityLogger
	orgA     *tenancy.TenantContext
	orgB     *tenancy.TenantContext
}

func newDocumentFixture(t *testing.T) *documentFixture {
	t.Helper()
	logger := zap.NewNop()
	g := guard.NewGuard(guard.DefaultRegistry(), guard.DefaultConfig(), logger)
	emitter := new(MockEmitter)
	emitter.On("Emit", mock.Anything, mock.Anything, mock.Anything).Return(&models.TenantEvent{}, nil).Maybe()
	security := new(MockSecurityLogger)

	return &documentFixture{
		handler:  NewDocumentHandler(memory.NewDocumentStore(logger), g, emitter, security, logger),
		guard:    g,
		emitter:  emitter,
		security: security,
		orgA:     newTenant(t, models.RoleMember, tenancy.PermissionDocumentsRead, tenancy.PermissionDocumentsWrite),
		orgB:     newTenant(t, models.RoleMember, tenancy.PermissionDocumentsRead, tenancy.PermissionDocumentsWrite),
	}
}

func (f *documentFixture) create(t *testing.T, tc *tenancy.TenantContext, body string) map[string]interface{} {
	t.Helper()
	w := serve(f.handler.HandleCreateDocument, http.MethodPost, documentsPattern, "/collections/tickets/documents", tc, body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decodeData[map[string]interface{}](t, w)
}

func TestDocumentHandler_Create(t *testing.T) {
	t.Run("stamps the organization and emits", func(t *testing.T) {
		f := newDocumentFixture(t)

		w := serve(f.handler.HandleCreateDocument, http.MethodPost, documentsPattern, "/collections/tickets/documents", f.orgA, `{"title":"VPN down"}`)

		require.Equal(t, http.StatusCreated, w.Code)
		doc := decodeData[map[string]interface{}](t, w)
		assert.Equal(t, f.orgA.OrgIDString(), doc[models.FieldOrganizationID])
		assert.Equal(t, "VPN down", doc["title"])
		id, _ := doc[models.FieldID].(string)
		require.NotEmpty(t, id)
		assert.Equal(t, "/collections/tickets/documents/"+id, w.Header().Get("Location"))

		f.emitter.AssertCalled(t, "Emit", mock.Anything, f.orgA, mock.MatchedBy(func(req events.EmitRequest) bool {
			return req.EventType == EventDocumentCreated &&
				req.ResourceType == "tickets" &&
				req.ResourceID == id &&
				req.Source == models.EventSourceAPI &&
				req.Payload["collection"] == "tickets"
		}))
	})

	t.Run("foreign organization is a reported boundary violation", func(t *testing.T) {
		f := newDocumentFixture(t)
		f.security.On("LogSecurityEvent", mock.Anything, mock.MatchedBy(func(ev audit.SecurityEvent) bool {
			return ev.Action == models.AuditActionBoundaryViolation &&
				ev.OrgID == f.orgA.OrgID() &&
				ev.UserID == f.orgA.UserID() &&
				ev.ResourceType == "tickets" &&
				ev.Method == http.MethodPost
		})).Return(nil).Once()

		body := `{"title":"x","organization_id":"` + f.orgB.OrgIDString() + `"}`
		w := serve(f.handler.HandleCreateDocument, http.MethodPost, documentsPattern, "/collections/tickets/documents", f.orgA, body)

		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Equal(t, "boundary_violation", decode(t, w).Error)
		f.security.AssertExpectations(t)
		f.emitter.AssertNotCalled(t, "Emit", mock.Anything, mock.Anything, mock.Anything)
		assert.Equal(t, int64(1), f.guard.ViolationStats(0).Total)
	})

	t.Run("rejects bad input", func(t *testing.T) {
		f := newDocumentFixture(t)
		tests := []struct {
			name   string
			target string
			body   string
		}{
			{"invalid collection", "/collections/Bad-Name/documents", `{"a":1}`},
			{"empty document", "/collections/tickets/documents", `{}`},
			{"malformed json", "/collections/tickets/documents", `{"a":`},
			{"array body", "/collections/tickets/documents", `[1,2]`},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				w := serve(f.handler.HandleCreateDocument, http.MethodPost, documentsPattern, tt.target, f.orgA, tt.body)
				assert.Equal(t, http.StatusBadRequest, w.Code)
				assert.Equal(t, "validation", decode(t, w).Error)
			})
		}
	})

	t.Run("requires tenant context", func(t *testing.T) {
		f := newDocumentFixture(t)
		w := serve(f.handler.HandleCreateDocument, http.MethodPost, documentsPattern, "/collections/tickets/documents", nil, `{"a":1}`)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, "context_missing", decode(t, w).Error)
	})
}

func TestDocumentHandler_GetIsTenantScoped(t *testing.T) {
	f := newDocumentFixture(t)
	doc := f.create(t, f.orgA, `{"title":"secret plan"}`)
	target := "/collections/tickets/documents/" + doc[models.FieldID].(string)

	w := serve(f.handler.HandleGetDocument, http.MethodGet, documentPattern, target, f.orgA, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "secret plan", decodeData[map[string]interface{}](t, w)["title"])

	w = serve(f.handler.HandleGetDocument, http.MethodGet, documentPattern, target, f.orgB, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.NotContains(t, w.Body.String(), "secret plan")
}

func TestDocumentHandler_List(t *testing.T) {
	f := newDocumentFixture(t)
	for _, title := range []string{"c", "a", "b"} {
		f.create(t, f.orgA, `{"title":"`+title+`","status":"open"}`)
	}
	f.create(t, f.orgB, `{"title":"other tenant","status":"open"}`)

	t.Run("pages only the tenant's documents", func(t *testing.T) {
		w := serve(f.handler.HandleListDocuments, http.MethodGet, documentsPattern,
			"/collections/tickets/documents?page_size=2&sort=title&order=asc", f.orgA, "")

		require.Equal(t, http.StatusOK, w.Code)
		env := decode(t, w)
		assert.EqualValues(t, 3, env.Meta["total"])
		assert.EqualValues(t, 2, env.Meta["total_pages"])
		assert.Equal(t, true, env.Meta["has_next"])

		items := decodeData[[]map[string]interface{}](t, w)
		require.Len(t, items, 2)
		assert.Equal(t, "a", items[0]["title"])
		assert.Equal(t, "b", items[1]["title"])
	})

	t.Run("applies a filter", func(t *testing.T) {
		w := serve(f.handler.HandleListDocuments, http.MethodGet, documentsPattern,
			`/collections/tickets/documents?filter={"title":"c"}`, f.orgA, "")

		require.Equal(t, http.StatusOK, w.Code)
		items := decodeData[[]map[string]interface{}](t, w)
		require.Len(t, items, 1)
		assert.Equal(t, "c", items[0]["title"])
	})

	t.Run("filter naming another organization is blocked", func(t *testing.T) {
		f.security.On("LogSecurityEvent", mock.Anything, mock.Anything).Return(nil).Once()

		w := serve(f.handler.HandleListDocuments, http.MethodGet, documentsPattern,
			`/collections/tickets/documents?filter={"organization_id":"`+f.orgB.OrgIDString()+`"}`, f.orgA, "")

		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.NotContains(t, w.Body.String(), "other tenant")
		f.security.AssertExpectations(t)
	})

	t.Run("rejects invalid paging", func(t *testing.T) {
		for _, target := range []string{
			"/collections/tickets/documents?page_size=500",
			"/collections/tickets/documents?page=x",
			"/collections/tickets/documents?order=sideways",
			"/collections/tickets/documents?filter=nope",
		} {
			w := serve(f.handler.HandleListDocuments, http.MethodGet, documentsPattern, target, f.orgA, "")
			assert.Equal(t, http.StatusBadRequest, w.Code, target)
		}
	})
}

func TestDocumentHandler_Update(t *testing.T) {
	f := newDocumentFixture(t)
	doc := f.create(t, f.orgA, `{"title":"VPN","status":"open"}`)
	id := doc[models.FieldID].(string)
	target := "/collections/tickets/documents/" + id

	t.Run("plain body is applied as set", func(t *testing.T) {
		w := serve(f.handler.HandleUpdateDocument, http.MethodPatch, documentPattern, target, f.orgA, `{"status":"closed"}`)

		require.Equal(t, http.StatusOK, w.Code)
		updated := decodeData[map[string]interface{}](t, w)
		assert.Equal(t, "closed", updated["status"])
		assert.Equal(t, "VPN", updated["title"])
		assert.Equal(t, f.orgA.OrgIDString(), updated[models.FieldOrganizationID])

		f.emitter.AssertCalled(t, "Emit", mock.Anything, f.orgA, mock.MatchedBy(func(req events.EmitRequest) bool {
			fields, _ := req.Payload["fields"].([]string)
			return req.EventType == EventDocumentUpdated && req.ResourceID == id &&
				len(fields) == 1 && fields[0] == "status"
		}))
	})

	t.Run("operator body", func(t *testing.T) {
		w := serve(f.handler.HandleUpdateDocument, http.MethodPatch, documentPattern, target, f.orgA, `{"$inc":{"reopened":1}}`)
		require.Equal(t, http.StatusOK, w.Code)
		assert.EqualValues(t, 1, decodeData[map[string]interface{}](t, w)["reopened"])
	})

	t.Run("moving to another organization is blocked", func(t *testing.T) {
		f.security.On("LogSecurityEvent", mock.Anything, mock.Anything).Return(nil).Once()

		body := `{"organization_id":"` + f.orgB.OrgIDString() + `"}`
		w := serve(f.handler.HandleUpdateDocument, http.MethodPatch, documentPattern, target, f.orgA, body)

		assert.Equal(t, http.StatusForbidden, w.Code)
		f.security.AssertExpectations(t)
	})

	t.Run("other tenant cannot update", func(t *testing.T) {
		w := serve(f.handler.HandleUpdateDocument, http.MethodPatch, documentPattern, target, f.orgB, `{"status":"hijacked"}`)
		assert.Equal(t, http.StatusNotFound, w.Code)

		w = serve(f.handler.HandleGetDocument, http.MethodGet, documentPattern, target, f.orgA, "")
		assert.NotEqual(t, "hijacked", decodeData[map[string]interface{}](t, w)["status"])
	})
}

func TestDocumentHandler_Delete(t *testing.T) {
	f := newDocumentFixture(t)
	doc := f.create(t, f.orgA, `{"title":"temp"}`)
	target := "/collections/tickets/documents/" + doc[models.FieldID].(string)

	w := serve(f.handler.HandleDeleteDocument, http.MethodDelete, documentPattern, target, f.orgB, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = serve(f.handler.HandleDeleteDocument, http.MethodDelete, documentPattern, target, f.orgA, "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	f.emitter.AssertCalled(t, "Emit", mock.Anything, f.orgA, mock.MatchedBy(func(req events.EmitRequest) bool {
		return req.EventType == EventDocumentDeleted
	}))

	w = serve(f.handler.HandleGetDocument, http.MethodGet, documentPattern, target, f.orgA, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDocumentHandler_Aggregate(t *testing.T) {
	f := newDocumentFixture(t)
	f.create(t, f.orgA, `{"title":"a"}`)
	f.create(t, f.orgA, `{"title":"b"}`)
	f.create(t, f.orgB, `{"title":"c"}`)

	t.Run("counts only the tenant's documents", func(t *testing.T) {
		w := serve(f.handler.HandleAggregate, http.MethodPost, aggregatePattern, "/collections/tickets/aggregate", f.orgA,
			`{"pipeline":[{"$count":"n"}]}`)

		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		out := decodeData[[]map[string]interface{}](t, w)
		require.Len(t, out, 1)
		assert.EqualValues(t, 2, out[0]["n"])
	})

	t.Run("match on another organization is a leak attempt", func(t *testing.T) {
		f.security.On("LogSecurityEvent", mock.Anything, mock.MatchedBy(func(ev audit.SecurityEvent) bool {
			return strings.Contains(ev.Reason, "data_leak_attempt")
		})).Return(nil).Once()

		body := `{"pipeline":[{"$match":{"organization_id":"` + f.orgB.OrgIDString() + `"}}]}`
		w := serve(f.handler.HandleAggregate, http.MethodPost, aggregatePattern, "/collections/tickets/aggregate", f.orgA, body)

		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Equal(t, "data_leak_attempt", decode(t, w).Error)
		f.security.AssertExpectations(t)
	})

	t.Run("requires a pipeline", func(t *testing.T) {
		w := serve(f.handler.HandleAggregate, http.MethodPost, aggregatePattern, "/collections/tickets/aggregate", f.orgA, `{"pipeline":[]}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, decode(t, w).Details, "pipeline")
	})
}

func TestChangedFields(t *testing.T) {
	update := models.Document{
		"$set":   models.Document{"b": 1, "a": 2},
		"$unset": map[string]interface{}{"c": ""},
	}
	assert.Equal(t, []string{"a", "b", "c"}, changedFields(update))
}
