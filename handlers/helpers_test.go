package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/upb/tenant-isolation/models"
	"github.com/upb/tenant-isolation/services/audit"
	"github.com/upb/tenant-isolation/services/events"
	"github.com/upb/tenant-isolation/tenancy"
)

// MockEmitter is a mock implementation of EventEmitter
type MockEmitter struct {
	mock.Mock
}

func (m *MockEmitter) Emit(ctx context.Context, tc *tenancy.TenantContext, req events.EmitRequest) (*models.TenantEvent, error) {
	args := m.Called(ctx, tc, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.TenantEvent), args.Error(1)
}

// MockSecurityLogger is a mock implementation of middleware.SecurityLogger
type MockSecurityLogger struct {
	mock.Mock
}

func (m *MockSecurityLogger) LogSecurityEvent(ctx context.Context, ev audit.SecurityEvent) *models.TenantAuditLog {
	args := m.Called(ctx, ev)
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).(*models.TenantAuditLog)
}

func newTenant(t *testing.T, role string, permissions ...string) *tenancy.TenantContext {
	t.Helper()
	tc, err := tenancy.NewTenantContext(tenancy.ContextParams{
		OrgID:       uuid.New(),
		UserID:      uuid.New(),
		Role:        role,
		Permissions: permissions,
		Plan:        tenancy.PlanPro,
		OrgStatus:   models.OrganizationStatusActive,
		RequestID:   "req-" + role,
		OrgName:     "Acme",
		OrgSlug:     "acme",
		UserEmail:   role + "@acme.test",
	})
	require.NoError(t, err)
	return tc
}

// serve routes one request through a chi router carrying tc
func serve(h http.HandlerFunc, method, pattern, target string, tc *tenancy.TenantContext, body string) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	r.MethodFunc(method, pattern, func(w http.ResponseWriter, req *http.Request) {
		if tc != nil {
			req = req.WithContext(tenancy.WithTenantContext(req.Context(), tc))
		}
		h(w, req)
	})

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

type envelope struct {
	Data    json.RawMessage        `json:"data"`
	Meta    map[string]interface{} `json:"meta"`
	Error   string                 `json:"error"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return env
}

func decodeData[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	env := decode(t, w)
	require.NotEmpty(t, env.Data, "response has no data: %s", w.Body.String())
	require.NoError(t, json.Unmarshal(env.Data, &out))
	return out
}
