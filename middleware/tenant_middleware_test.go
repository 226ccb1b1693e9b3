package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/upb/tenant-isolation/auth"
	"github.com/upb/tenant-isolation/models"
	"github.com/upb/tenant-isolation/repositories/memory"
	"github.com/upb/tenant-isolation/services/audit"
	"github.com/upb/tenant-isolation/tenancy"
	"github.com/upb/tenant-isolation/utils"
	"go.uber.org/zap"
)

// MockSecurityLogger is a mock implementation of SecurityLogger
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

type tenantFixture struct {
	identity  *memory.IdentityStore
	resolver  *tenancy.Resolver
	orgA      *models.Organization
	orgB      *models.Organization
	suspended *models.Organization
	member    *models.User
	viewer    *models.User
}

func newTenantFixture(t *testing.T) *tenantFixture {
	t.Helper()
	ctx := context.Background()
	identity := memory.NewIdentityStore()
	require.NoError(t, tenancy.SeedCatalog(ctx, identity))

	orgA := models.NewOrganization("Acme", "acme", tenancy.PlanPro)
	orgB := models.NewOrganization("Globex", "globex", tenancy.PlanFree)
	suspended := models.NewOrganization("Initech", "initech", tenancy.PlanFree)
	suspended.Suspend("unpaid invoices")
	for _, org := range []*models.Organization{orgA, orgB, suspended} {
		require.NoError(t, identity.CreateOrganization(ctx, org))
	}

	member := models.NewUser("ana@acme.test", "Ana")
	viewer := models.NewUser("bo@acme.test", "Bo")
	require.NoError(t, identity.CreateUser(ctx, member))
	require.NoError(t, identity.CreateUser(ctx, viewer))
	require.NoError(t, identity.CreateMembership(ctx, models.NewMembership(member.ID, orgA.ID, models.RoleMember)))
	require.NoError(t, identity.CreateMembership(ctx, models.NewMembership(member.ID, suspended.ID, models.RoleMember)))
	require.NoError(t, identity.CreateMembership(ctx, models.NewMembership(viewer.ID, orgA.ID, models.RoleViewer)))

	return &tenantFixture{
		identity:  identity,
		resolver:  tenancy.NewResolver(identity, tenancy.DefaultResolverConfig(), zap.NewNop()),
		orgA:      orgA,
		orgB:      orgB,
		suspended: suspended,
		member:    member,
		viewer:    viewer,
	}
}

func authedRequest(method, target string, p *auth.Principal) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	ctx := WithRequestID(req.Context(), "req-7")
	if p != nil {
		ctx = WithPrincipal(ctx, p)
	}
	return req.WithContext(ctx)
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) utils.ErrorResponse {
	t.Helper()
	var body utils.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestResolveTenant(t *testing.T) {
	f := newTenantFixture(t)

	t.Run("attaches context for member", func(t *testing.T) {
		security := new(MockSecurityLogger)
		mw := NewTenantMiddleware(f.resolver, security, "", "", zap.NewNop())

		var got *tenancy.TenantContext
		handler := mw.ResolveTenant(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got = GetTenantContext(r.Context())
			w.WriteHeader(http.StatusOK)
		}))

		req := authedRequest(http.MethodGet, "/", &auth.Principal{UserID: f.member.ID})
		req.Header.Set(tenancy.DefaultOrgHeader, f.orgA.ID.String())
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		require.NotNil(t, got)
		assert.Equal(t, f.orgA.ID, got.OrgID())
		assert.Equal(t, "req-7", got.RequestID())
		security.AssertNotCalled(t, "LogSecurityEvent", mock.Anything, mock.Anything)
	})

	t.Run("single membership needs no signal", func(t *testing.T) {
		mw := NewTenantMiddleware(f.resolver, nil, "", "", zap.NewNop())
		handler := mw.ResolveTenant(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, f.orgA.ID, GetTenantContext(r.Context()).OrgID())
			w.WriteHeader(http.StatusOK)
		}))

		w := httptest.NewRecorder()
		handler.ServeHTTP(w, authedRequest(http.MethodGet, "/", &auth.Principal{UserID: f.viewer.ID}))
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("missing principal is unauthorized", func(t *testing.T) {
		mw := NewTenantMiddleware(f.resolver, nil, "", "", zap.NewNop())
		handler := mw.ResolveTenant(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Fatal("handler should not be called")
		}))

		w := httptest.NewRecorder()
		handler.ServeHTTP(w, authedRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("ambiguous membership requires context", func(t *testing.T) {
		mw := NewTenantMiddleware(f.resolver, nil, "", "", zap.NewNop())
		handler := mw.ResolveTenant(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Fatal("handler should not be called")
		}))

		w := httptest.NewRecorder()
		handler.ServeHTTP(w, authedRequest(http.MethodGet, "/", &auth.Principal{UserID: f.member.ID}))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, "context_missing", decodeError(t, w).Error)
	})

	t.Run("foreign organization is denied and reported", func(t *testing.T) {
		security := new(MockSecurityLogger)
		security.On("LogSecurityEvent", mock.Anything, mock.MatchedBy(func(ev audit.SecurityEvent) bool {
			return ev.Action == models.AuditActionAccessDenied &&
				ev.OrgID == f.orgB.ID &&
				ev.UserID == f.member.ID &&
				ev.RequestID == "req-7" &&
				ev.Method == http.MethodGet &&
				ev.Endpoint == "/api/v1/context"
		})).Return(nil).Once()
		mw := NewTenantMiddleware(f.resolver, security, "", "", zap.NewNop())
		handler := mw.ResolveTenant(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Fatal("handler should not be called")
		}))

		req := authedRequest(http.MethodGet, "/api/v1/context", &auth.Principal{UserID: f.member.ID})
		req.Header.Set(tenancy.DefaultOrgHeader, f.orgB.ID.String())
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusForbidden, w.Code)
		body := decodeError(t, w)
		assert.Equal(t, "access_denied", body.Error)
		assert.Equal(t, "req-7", body.RequestID)
		security.AssertExpectations(t)
	})

	t.Run("suspended organization is reported", func(t *testing.T) {
		security := new(MockSecurityLogger)
		security.On("LogSecurityEvent", mock.Anything, mock.MatchedBy(func(ev audit.SecurityEvent) bool {
			return ev.OrgID == f.suspended.ID
		})).Return(nil).Once()
		mw := NewTenantMiddleware(f.resolver, security, "", "", zap.NewNop())
		handler := mw.ResolveTenant(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Fatal("handler should not be called")
		}))

		req := authedRequest(http.MethodGet, "/?org_id="+f.suspended.ID.String(), &auth.Principal{UserID: f.member.ID})
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Equal(t, "suspended", decodeError(t, w).Error)
		security.AssertExpectations(t)
	})

	t.Run("malformed organization id is a validation error", func(t *testing.T) {
		security := new(MockSecurityLogger)
		mw := NewTenantMiddleware(f.resolver, security, "", "", zap.NewNop())
		handler := mw.ResolveTenant(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Fatal("handler should not be called")
		}))

		req := authedRequest(http.MethodGet, "/", &auth.Principal{UserID: f.member.ID})
		req.Header.Set(tenancy.DefaultOrgHeader, "acme")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		security.AssertNotCalled(t, "LogSecurityEvent", mock.Anything, mock.Anything)
	})

	t.Run("token bound organization", func(t *testing.T) {
		pinned := f.orgA.ID

		t.Run("is used without signals", func(t *testing.T) {
			mw := NewTenantMiddleware(f.resolver, nil, "", "", zap.NewNop())
			handler := mw.ResolveTenant(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, pinned, GetTenantContext(r.Context()).OrgID())
				w.WriteHeader(http.StatusOK)
			}))

			w := httptest.NewRecorder()
			handler.ServeHTTP(w, authedRequest(http.MethodGet, "/", &auth.Principal{UserID: f.member.ID, OrgID: &pinned}))
			assert.Equal(t, http.StatusOK, w.Code)
		})

		t.Run("rejects a different header", func(t *testing.T) {
			security := new(MockSecurityLogger)
			security.On("LogSecurityEvent", mock.Anything, mock.MatchedBy(func(ev audit.SecurityEvent) bool {
				return ev.OrgID == f.suspended.ID
			})).Return(nil).Once()
			mw := NewTenantMiddleware(f.resolver, security, "", "", zap.NewNop())
			handler := mw.ResolveTenant(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Fatal("handler should not be called")
			}))

			req := authedRequest(http.MethodGet, "/", &auth.Principal{UserID: f.member.ID, OrgID: &pinned})
			req.Header.Set(tenancy.DefaultOrgHeader, f.suspended.ID.String())
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			assert.Equal(t, http.StatusForbidden, w.Code)
			assert.Equal(t, "access_denied", decodeError(t, w).Error)
			security.AssertExpectations(t)
		})
	})
}

func TestRequirePermission(t *testing.T) {
	f := newTenantFixture(t)
	mw := NewTenantMiddleware(f.resolver, nil, "", "", zap.NewNop())

	chain := func(perm string) http.Handler {
		return mw.ResolveTenant(mw.RequirePermission(perm)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})))
	}

	tests := []struct {
		name       string
		user       uuid.UUID
		permission string
		wantStatus int
	}{
		{"viewer can read documents", f.viewer.ID, tenancy.PermissionDocumentsRead, http.StatusNoContent},
		{"viewer cannot write documents", f.viewer.ID, tenancy.PermissionDocumentsWrite, http.StatusForbidden},
		{"viewer cannot read audit", f.viewer.ID, tenancy.PermissionAuditRead, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			chain(tt.permission).ServeHTTP(w, authedRequest(http.MethodGet, "/", &auth.Principal{UserID: tt.user}))
			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}

	t.Run("without tenant context", func(t *testing.T) {
		handler := mw.RequirePermission(tenancy.PermissionDocumentsRead)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Fatal("handler should not be called")
		}))
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestRequireFeature(t *testing.T) {
	f := newTenantFixture(t)
	mw := NewTenantMiddleware(f.resolver, nil, "", "", zap.NewNop())

	handler := mw.ResolveTenant(mw.RequireFeature("sso")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, authedRequest(http.MethodGet, "/", &auth.Principal{UserID: f.viewer.ID}))
	assert.Equal(t, http.StatusNoContent, w.Code)

	handler = mw.ResolveTenant(mw.RequireFeature("event_streaming")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	})))
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, authedRequest(http.MethodGet, "/", &auth.Principal{UserID: f.viewer.ID}))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "pro", decodeError(t, w).Details["plan"])
}
