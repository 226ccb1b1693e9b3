package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/upb/tenant-isolation/models"
	"github.com/upb/tenant-isolation/repositories"
)

// EventStore is an in-process repositories.EventStore
type EventStore struct {
	mu     sync.RWMutex
	events map[uuid.UUID]*models.TenantEvent
}

// NewEventStore creates an empty event store
func NewEventStore() *EventStore {
	return &EventStore{events: make(map[uuid.UUID]*models.TenantEvent)}
}

var _ repositories.EventStore = (*EventStore)(nil)

// Save inserts a new event
func (s *EventStore) Save(ctx context.Context, event *models.TenantEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.events[event.ID]; exists {
		return fmt.Errorf("event %s: %w", event.ID, repositories.ErrDuplicateKey)
	}
	s.events[event.ID] = copyEvent(event)
	return nil
}

// MarkProcessed stores the final status and handler results of an event
func (s *EventStore) MarkProcessed(ctx context.Context, event *models.TenantEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.events[event.ID]
	if !ok {
		return fmt.Errorf("event %s: %w", event.ID, repositories.ErrNotFound)
	}
	stored.Status = event.Status
	stored.Processed = event.Processed
	stored.ProcessedAt = event.ProcessedAt
	stored.HandlerResults = append([]models.HandlerResult(nil), event.HandlerResults...)
	return nil
}

// GetByID retrieves an event owned by the organization
func (s *EventStore) GetByID(ctx context.Context, orgID, id uuid.UUID) (*models.TenantEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	event, ok := s.events[id]
	if !ok || event.OrgID != orgID {
		return nil, fmt.Errorf("event %s: %w", id, repositories.ErrNotFound)
	}
	return copyEvent(event), nil
}

// ListByOrg retrieves events for an organization, newest first
func (s *EventStore) ListByOrg(ctx context.Context, orgID uuid.UUID, filter repositories.EventFilter) ([]*models.TenantEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.TenantEvent
	for _, e := range s.events {
		if e.OrgID != orgID {
			continue
		}
		if filter.EventType != "" && e.EventType != filter.EventType {
			continue
		}
		if filter.Processed != nil && e.Processed != *filter.Processed {
			continue
		}
		out = append(out, copyEvent(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return paginate(out, filter.Limit, filter.Offset), nil
}

func copyEvent(e *models.TenantEvent) *models.TenantEvent {
	c := *e
	if e.Payload != nil {
		c.Payload = models.Document(e.Payload).Clone()
	}
	c.HandlerResults = append([]models.HandlerResult(nil), e.HandlerResults...)
	return &c
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return items[:0]
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
