package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/upb/tenant-isolation/repositories"
)

// RateLimitStore is an in-process repositories.RateLimitStore. Timestamps
// are kept sorted per organization.
type RateLimitStore struct {
	mu     sync.Mutex
	events map[uuid.UUID][]time.Time
}

// NewRateLimitStore creates an empty rate limit store
func NewRateLimitStore() *RateLimitStore {
	return &RateLimitStore{events: make(map[uuid.UUID][]time.Time)}
}

var _ repositories.RateLimitStore = (*RateLimitStore)(nil)

// Record stores one request made by the organization
func (s *RateLimitStore) Record(ctx context.Context, orgID uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.events[orgID]
	i := sort.Search(len(ts), func(i int) bool { return ts[i].After(at) })
	ts = append(ts, time.Time{})
	copy(ts[i+1:], ts[i:])
	ts[i] = at
	s.events[orgID] = ts
	return nil
}

// Count returns the organization's requests at or after since
func (s *RateLimitStore) Count(ctx context.Context, orgID uuid.UUID, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.events[orgID]
	i := sort.Search(len(ts), func(i int) bool { return !ts[i].Before(since) })
	return len(ts) - i, nil
}

// Cleanup removes requests older than before
func (s *RateLimitStore) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for orgID, ts := range s.events {
		i := sort.Search(len(ts), func(i int) bool { return !ts[i].Before(before) })
		removed += int64(i)
		if i == len(ts) {
			delete(s.events, orgID)
			continue
		}
		s.events[orgID] = append([]time.Time(nil), ts[i:]...)
	}
	return removed, nil
}
