package tenancy

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// RequestScope holds the contexts resolved during one request, keyed by
// user. A second Resolve for the same user inside the scope reuses the
// first result.
type RequestScope struct {
	mu       sync.Mutex
	contexts map[uuid.UUID]*TenantContext
}

// NewRequestScope creates an empty scope
func NewRequestScope() *RequestScope {
	return &RequestScope{contexts: make(map[uuid.UUID]*TenantContext)}
}

func (s *RequestScope) get(userID uuid.UUID) (*TenantContext, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tc, ok := s.contexts[userID]
	return tc, ok
}

func (s *RequestScope) put(userID uuid.UUID, tc *TenantContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contexts[userID] = tc
}

type requestScopeKey struct{}

// WithRequestScope attaches a fresh scope to ctx
func WithRequestScope(ctx context.Context) context.Context {
	return context.WithValue(ctx, requestScopeKey{}, NewRequestScope())
}

// ScopeFromContext returns the scope attached to ctx, if any
func ScopeFromContext(ctx context.Context) (*RequestScope, bool) {
	s, ok := ctx.Value(requestScopeKey{}).(*RequestScope)
	return s, ok && s != nil
}
