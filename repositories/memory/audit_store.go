package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/upb/tenant-isolation/models"
	"github.com/upb/tenant-isolation/repositories"
)

// AuditStore is an in-process repositories.AuditStore
type AuditStore struct {
	mu   sync.RWMutex
	logs []*models.TenantAuditLog
}

// NewAuditStore creates an empty audit store
func NewAuditStore() *AuditStore {
	return &AuditStore{}
}

var _ repositories.AuditStore = (*AuditStore)(nil)

// Insert inserts a new audit log entry
func (s *AuditStore) Insert(ctx context.Context, log *models.TenantAuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *log
	s.logs = append(s.logs, &c)
	return nil
}

// Query retrieves audit logs for an organization, newest first
func (s *AuditStore) Query(ctx context.Context, orgID uuid.UUID, q repositories.AuditQuery) ([]*models.TenantAuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.TenantAuditLog
	for _, l := range s.logs {
		if l.OrgID != orgID || !matchAudit(l, q) {
			continue
		}
		c := *l
		out = append(out, &c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return paginate(out, q.Limit, q.Offset), nil
}

// Len returns the number of stored entries across all organizations
func (s *AuditStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.logs)
}

func matchAudit(l *models.TenantAuditLog, q repositories.AuditQuery) bool {
	if q.UserID != nil && (l.UserID == nil || *l.UserID != *q.UserID) {
		return false
	}
	if q.Action != "" && l.Action != q.Action {
		return false
	}
	if q.Severity != "" && l.Severity != q.Severity {
		return false
	}
	if q.ResourceType != "" && l.ResourceType != q.ResourceType {
		return false
	}
	if q.ResourceID != "" && l.ResourceID != q.ResourceID {
		return false
	}
	if q.Start != nil && l.Timestamp.Before(*q.Start) {
		return false
	}
	if q.End != nil && l.Timestamp.After(*q.End) {
		return false
	}
	return true
}
