package guard

import (
	"fmt"
	"time"

	"github.com/upb/tenant-isolation/services"
	"github.com/upb/tenant-isolation/tenancy"
	"go.uber.org/zap"
)

// ViolationKind classifies a blocked operation
type ViolationKind string

const (
	KindBoundaryViolation ViolationKind = "boundary_violation"
	KindDataLeakAttempt   ViolationKind = "data_leak_attempt"
)

// ViolationRecord is one blocked cross-tenant operation
type ViolationRecord struct {
	Timestamp    time.Time     `json:"timestamp"`
	Kind         ViolationKind `json:"kind"`
	Operation    Operation     `json:"operation"`
	Collection   string        `json:"collection"`
	CurrentOrg   string        `json:"current_org"`
	AttemptedOrg string        `json:"attempted_org"`
	UserID       string        `json:"user_id"`
}

// ViolationStats summarizes the violations seen since start
type ViolationStats struct {
	Total        int64                   `json:"total"`
	ByKind       map[ViolationKind]int64 `json:"by_kind"`
	JoinWarnings int64                   `json:"join_warnings"`
	Buffered     int                     `json:"buffered"`
	Recent       []ViolationRecord       `json:"recent"`
}

// violation records the attempt in the ring buffer, logs it and returns the
// matching domain error
func (g *Guard) violation(kind ViolationKind, op Operation, collection string, tc *tenancy.TenantContext, attempted string) error {
	rec := ViolationRecord{
		Timestamp:    g.now().UTC(),
		Kind:         kind,
		Operation:    op,
		Collection:   collection,
		CurrentOrg:   tc.OrgIDString(),
		AttemptedOrg: attempted,
		UserID:       tc.UserID().String(),
	}

	g.mu.Lock()
	if len(g.buffer) < g.size {
		g.buffer = append(g.buffer, rec)
	} else {
		g.buffer[g.next] = rec
	}
	g.next = (g.next + 1) % g.size
	g.total++
	g.byKind[kind]++
	g.mu.Unlock()

	fields := []zap.Field{
		zap.String("collection", collection),
		zap.String("operation", string(op)),
		zap.String("org_id", rec.CurrentOrg),
		zap.String("attempted_org", attempted),
		zap.String("user_id", rec.UserID),
		zap.String("request_id", tc.RequestID()),
	}

	errType := services.ErrorTypeBoundaryViolation
	message := fmt.Sprintf("%s on %s crosses the tenant boundary", op, collection)
	if kind == KindDataLeakAttempt {
		errType = services.ErrorTypeDataLeakAttempt
		message = fmt.Sprintf("aggregation on %s reaches outside the tenant", collection)
		g.logger.Error("tenant data leak attempt blocked", fields...)
	} else {
		g.logger.Warn("tenant boundary violation blocked", fields...)
	}

	return services.NewDomainError(errType, message, nil).
		WithDetail("collection", collection).
		WithDetail("operation", string(op)).
		WithDetail("organization_id", rec.CurrentOrg).
		WithDetail("attempted_org", attempted)
}

// ViolationStats returns counters and up to limit of the most recent
// violations, newest first. A non-positive limit returns the whole buffer.
func (g *Guard) ViolationStats(limit int) ViolationStats {
	g.mu.Lock()
	defer g.mu.Unlock()

	n := len(g.buffer)
	if limit <= 0 || limit > n {
		limit = n
	}
	recent := make([]ViolationRecord, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (g.next - 1 - i + g.size) % g.size
		recent = append(recent, g.buffer[idx])
	}

	byKind := make(map[ViolationKind]int64, len(g.byKind))
	for k, v := range g.byKind {
		byKind[k] = v
	}
	return ViolationStats{
		Total:        g.total,
		ByKind:       byKind,
		JoinWarnings: g.joinWarnings,
		Buffered:     n,
		Recent:       recent,
	}
}
