package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/tenant-isolation/app"
	"github.com/upb/tenant-isolation/config"
	"github.com/upb/tenant-isolation/models"
	"github.com/upb/tenant-isolation/tenancy"
	"go.uber.org/zap"
)

type gateway struct {
	handler http.Handler
	deps    *app.Dependencies
	orgA    *models.Organization
	orgB    *models.Organization
	alice   *models.User // admin of orgA
	bob     *models.User // member of orgB
}

func newGateway(t *testing.T, opts ...func(*config.Config)) *gateway {
	t.Helper()
	ctx := context.Background()

	cfg := &config.Config{
		Environment: "test",
		Server:      config.ServerConfig{ShutdownTimeout: time.Second, AllowedOrigins: []string{"*"}},
		Storage:     config.StorageConfig{Driver: config.StorageMemory},
		Auth:        config.AuthConfig{JWTSecret: "routes-secret"},
		Tenancy:     config.TenancyConfig{ViolationBufferSize: 50},
		Events:      config.EventsConfig{QueueSize: 64, OverflowPolicy: "block", EnqueueTimeout: time.Second},
		Audit:       config.AuditConfig{Async: true, BufferSize: 64, WorkerCount: 2},
	}
	for _, opt := range opts {
		opt(cfg)
	}
	deps, err := app.NewDependencies(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = deps.Close(context.Background()) })

	g := &gateway{
		handler: SetupRoutes(deps),
		deps:    deps,
		orgA:    models.NewOrganization("Acme", "acme", tenancy.PlanEnterprise),
		orgB:    models.NewOrganization("Globex", "globex", tenancy.PlanFree),
		alice:   models.NewUser("alice@acme.test", "Alice"),
		bob:     models.NewUser("bob@globex.test", "Bob"),
	}

	identity := deps.Repos.Identity
	require.NoError(t, identity.CreateOrganization(ctx, g.orgA))
	require.NoError(t, identity.CreateOrganization(ctx, g.orgB))
	require.NoError(t, identity.CreateUser(ctx, g.alice))
	require.NoError(t, identity.CreateUser(ctx, g.bob))
	require.NoError(t, identity.CreateMembership(ctx, models.NewMembership(g.alice.ID, g.orgA.ID, models.RoleAdmin)))
	require.NoError(t, identity.CreateMembership(ctx, models.NewMembership(g.bob.ID, g.orgB.ID, models.RoleMember)))
	return g
}

func (g *gateway) token(t *testing.T, u *models.User) string {
	t.Helper()
	tok, err := g.deps.TokenValidator.IssueToken(u.ID, u.Email, u.Name, nil, time.Minute)
	require.NoError(t, err)
	return tok
}

func (g *gateway) do(t *testing.T, method, path, token string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	g.handler.ServeHTTP(w, req)
	return w
}

type envelope struct {
	Data    json.RawMessage        `json:"data"`
	Error   string                 `json:"error"`
	Details map[string]interface{} `json:"details"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return env
}

func decodeInto(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(decode(t, w).Data, v))
}

func TestHealthRoutes(t *testing.T) {
	g := newGateway(t)

	w := g.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = g.do(t, http.MethodGet, "/readyz", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var ready struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	decodeInto(t, w, &ready)
	assert.Equal(t, "healthy", ready.Status)
	assert.Equal(t, "in_memory", ready.Checks["database"])
	assert.Equal(t, "healthy", ready.Checks["events"])
}

func TestFallbackRoutes(t *testing.T) {
	g := newGateway(t)

	w := g.do(t, http.MethodGet, "/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", decode(t, w).Error)

	w = g.do(t, http.MethodPut, "/healthz", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Equal(t, "method_not_allowed", decode(t, w).Error)
}

func TestAPIRequiresAuthentication(t *testing.T) {
	g := newGateway(t)

	w := g.do(t, http.MethodGet, "/api/v1/context", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = g.do(t, http.MethodGet, "/api/v1/context", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestContextRoute(t *testing.T) {
	g := newGateway(t)

	w := g.do(t, http.MethodGet, "/api/v1/context", g.token(t, g.alice), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var body struct {
		OrganizationID string   `json:"organization_id"`
		Role           string   `json:"role"`
		Plan           string   `json:"plan"`
		Features       []string `json:"features"`
	}
	decodeInto(t, w, &body)
	assert.Equal(t, g.orgA.ID.String(), body.OrganizationID)
	assert.Equal(t, models.RoleAdmin, body.Role)
	assert.Equal(t, tenancy.PlanEnterprise, body.Plan)
	assert.Contains(t, body.Features, "advanced_analytics")
}

func TestForeignOrganizationHeaderIsDenied(t *testing.T) {
	g := newGateway(t)

	w := g.do(t, http.MethodGet, "/api/v1/context", g.token(t, g.alice), nil,
		tenancy.DefaultOrgHeader, g.orgB.ID.String())
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "access_denied", decode(t, w).Error)
}

func TestDocumentLifecycle(t *testing.T) {
	g := newGateway(t)
	alice := g.token(t, g.alice)
	bob := g.token(t, g.bob)

	w := g.do(t, http.MethodPost, "/api/v1/collections/notes/documents", alice,
		map[string]interface{}{"title": "quarterly plan"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created map[string]interface{}
	decodeInto(t, w, &created)
	id, _ := created[models.FieldID].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, g.orgA.ID.String(), created[models.FieldOrganizationID])
	location := w.Header().Get("Location")
	assert.Equal(t, "/api/v1/collections/notes/documents/"+id, location)

	w = g.do(t, http.MethodGet, location, alice, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	t.Run("other tenant cannot see it", func(t *testing.T) {
		w := g.do(t, http.MethodGet, location, bob, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)

		w = g.do(t, http.MethodGet, "/api/v1/collections/notes/documents", bob, nil)
		require.Equal(t, http.StatusOK, w.Code)
		var docs []map[string]interface{}
		decodeInto(t, w, &docs)
		assert.Empty(t, docs)

		w = g.do(t, http.MethodDelete, location, bob, nil)
		assert.Equal(t, http.StatusForbidden, w.Code, "members lack documents:delete")
	})

	w = g.do(t, http.MethodPatch, location, alice, map[string]interface{}{"title": "annual plan"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = g.do(t, http.MethodPost, "/api/v1/collections/notes/aggregate", alice,
		map[string]interface{}{"pipeline": []map[string]interface{}{{"$count": "total"}}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var counted []map[string]interface{}
	decodeInto(t, w, &counted)
	require.Len(t, counted, 1)
	assert.EqualValues(t, 1, counted[0]["total"])

	w = g.do(t, http.MethodDelete, location, alice, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	t.Run("mutations are audited", func(t *testing.T) {
		path := "/api/v1/audit/resources/notes/" + id
		require.Eventually(t, func() bool {
			w := g.do(t, http.MethodGet, path, alice, nil)
			var env struct {
				Data []models.TenantAuditLog `json:"data"`
			}
			return json.Unmarshal(w.Body.Bytes(), &env) == nil && len(env.Data) == 3
		}, 2*time.Second, 10*time.Millisecond)

		w := g.do(t, http.MethodGet, "/api/v1/audit/logs?action=delete", alice, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var logs []models.TenantAuditLog
		decodeInto(t, w, &logs)
		require.Len(t, logs, 1)
		assert.Equal(t, g.orgA.ID, logs[0].OrgID)
		assert.Equal(t, id, logs[0].ResourceID)

		w = g.do(t, http.MethodGet, "/api/v1/audit/logs", bob, nil)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("mutations emit events", func(t *testing.T) {
		w := g.do(t, http.MethodGet, "/api/v1/events", alice, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var evts []models.TenantEvent
		decodeInto(t, w, &evts)

		types := make([]string, 0, len(evts))
		for _, e := range evts {
			assert.Equal(t, g.orgA.ID, e.OrgID)
			types = append(types, e.EventType)
		}
		assert.ElementsMatch(t, []string{"document.created", "document.updated", "document.deleted"}, types)

		w = g.do(t, http.MethodGet, "/api/v1/events", bob, nil)
		require.Equal(t, http.StatusOK, w.Code)
		decodeInto(t, w, &evts)
		assert.Empty(t, evts)
	})
}

func TestEventStatsRequiresPlanFeature(t *testing.T) {
	g := newGateway(t)

	w := g.do(t, http.MethodGet, "/api/v1/events/stats", g.token(t, g.alice), nil)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = g.do(t, http.MethodGet, "/api/v1/events/stats", g.token(t, g.bob), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "advanced_analytics", decode(t, w).Details["feature"])
}

func TestBoundaryViolationIsReported(t *testing.T) {
	g := newGateway(t)
	alice := g.token(t, g.alice)

	w := g.do(t, http.MethodPost, "/api/v1/collections/notes/documents", alice,
		map[string]interface{}{"title": "smuggled", models.FieldOrganizationID: g.orgB.ID.String()})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "boundary_violation", decode(t, w).Error)

	w = g.do(t, http.MethodGet, "/api/v1/security/violations", alice, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var body struct {
		Count int `json:"count"`
	}
	decodeInto(t, w, &body)
	assert.Equal(t, 1, body.Count)

	w = g.do(t, http.MethodGet, "/api/v1/security/violations", g.token(t, g.bob), nil)
	assert.Equal(t, http.StatusForbidden, w.Code, "members lack security:read")
}

func TestQuotaIsEnforcedPerOrganization(t *testing.T) {
	g := newGateway(t, func(cfg *config.Config) {
		cfg.Quota = config.QuotaConfig{
			Enabled: true,
			Plans: map[string]config.PlanQuota{
				tenancy.PlanFree: {RequestsPerMinute: 2},
			},
		}
	})
	bob := g.token(t, g.bob)
	alice := g.token(t, g.alice)

	for i := 0; i < 2; i++ {
		w := g.do(t, http.MethodGet, "/api/v1/context", bob, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))
	}

	w := g.do(t, http.MethodGet, "/api/v1/context", bob, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, "quota_exceeded", decode(t, w).Error)

	t.Run("other plans are unaffected", func(t *testing.T) {
		w := g.do(t, http.MethodGet, "/api/v1/context", alice, nil)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, w.Header().Get("X-RateLimit-Limit"))
	})
}
