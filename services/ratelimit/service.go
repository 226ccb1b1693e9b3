package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/upb/tenant-isolation/internal/observability"
	"github.com/upb/tenant-isolation/repositories"
	"github.com/upb/tenant-isolation/services"
	"github.com/upb/tenant-isolation/tenancy"
	"go.uber.org/zap"
)

// Window is the length of a quota window
type Window string

const (
	WindowMinute Window = "minute"
	WindowHour   Window = "hour"
	WindowDay    Window = "day"
)

// Limits are the request quotas of one plan. Zero means unlimited.
type Limits struct {
	RequestsPerMinute int
	RequestsPerHour   int
	RequestsPerDay    int
}

func (l Limits) windows() []windowLimit {
	return []windowLimit{
		{WindowMinute, l.RequestsPerMinute},
		{WindowHour, l.RequestsPerHour},
		{WindowDay, l.RequestsPerDay},
	}
}

type windowLimit struct {
	window Window
	limit  int
}

// Result is the outcome of a quota check
type Result struct {
	Allowed         bool
	Limit           int
	Remaining       int
	ResetAt         time.Time
	ViolatedWindow  Window
	ViolationReason string
}

// UsageStats is an organization's request count per window
type UsageStats struct {
	RequestsLastMinute int `json:"requests_last_minute"`
	RequestsLastHour   int `json:"requests_last_hour"`
	RequestsLastDay    int `json:"requests_last_day"`
}

// Service enforces per-organization request quotas over sliding windows.
// Counts are keyed by organization, so one tenant's traffic never consumes
// another tenant's quota.
type Service struct {
	store  repositories.RateLimitStore
	plans  map[string]Limits
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates a new quota service. Plans missing from plans are
// unlimited.
func NewService(store repositories.RateLimitStore, plans map[string]Limits, logger *zap.Logger) *Service {
	return &Service{
		store:  store,
		plans:  plans,
		logger: logger,
		now:    time.Now,
	}
}

// LimitsFor returns the quotas of a plan
func (s *Service) LimitsFor(plan string) Limits {
	return s.plans[plan]
}

// Check reports whether tc's organization may make another request without
// recording one. The tightest window with room left determines Remaining.
func (s *Service) Check(ctx context.Context, tc *tenancy.TenantContext) (*Result, error) {
	if tc == nil {
		return nil, services.ErrContextMissing
	}

	now := s.now()
	result := &Result{Allowed: true, Remaining: -1}

	for _, wl := range s.LimitsFor(tc.Plan()).windows() {
		if wl.limit <= 0 {
			continue
		}
		start, resetAt := windowBounds(now, wl.window)
		count, err := s.store.Count(ctx, tc.OrgID(), start)
		if err != nil {
			return nil, fmt.Errorf("failed to check %s window: %w", wl.window, err)
		}

		if count >= wl.limit {
			return &Result{
				Allowed:         false,
				Limit:           wl.limit,
				Remaining:       0,
				ResetAt:         resetAt,
				ViolatedWindow:  wl.window,
				ViolationReason: fmt.Sprintf("exceeded %d requests per %s", wl.limit, wl.window),
			}, nil
		}

		remaining := wl.limit - count
		if result.Remaining < 0 || remaining < result.Remaining {
			result.Limit = wl.limit
			result.Remaining = remaining
			result.ResetAt = resetAt
		}
	}

	if result.Remaining < 0 {
		result.Remaining = 0
	}
	return result, nil
}

// Allow checks the quota and records the request when it fits. An exceeded
// quota returns the result together with a quota_exceeded error.
func (s *Service) Allow(ctx context.Context, tc *tenancy.TenantContext) (*Result, error) {
	result, err := s.Check(ctx, tc)
	if err != nil {
		return nil, err
	}

	if !result.Allowed {
		observability.ForTenant(s.logger, tc).Warn("request quota exceeded",
			zap.String("plan", tc.Plan()),
			zap.String("window", string(result.ViolatedWindow)),
			zap.Int("limit", result.Limit))

		return result, services.NewDomainError(services.ErrorTypeQuotaExceeded, "request quota exceeded", nil).
			WithDetail("window", string(result.ViolatedWindow)).
			WithDetail("limit", result.Limit).
			WithDetail("reset_at", result.ResetAt.UTC().Format(time.RFC3339))
	}

	if result.Limit == 0 {
		return result, nil
	}
	if err := s.store.Record(ctx, tc.OrgID(), s.now()); err != nil {
		return nil, fmt.Errorf("failed to record request: %w", err)
	}
	if result.Remaining > 0 {
		result.Remaining--
	}
	return result, nil
}

// GetCurrentUsage returns tc's organization request counts
func (s *Service) GetCurrentUsage(ctx context.Context, tc *tenancy.TenantContext) (*UsageStats, error) {
	if tc == nil {
		return nil, services.ErrContextMissing
	}

	now := s.now()
	stats := &UsageStats{}
	targets := []struct {
		window Window
		dst    *int
	}{
		{WindowMinute, &stats.RequestsLastMinute},
		{WindowHour, &stats.RequestsLastHour},
		{WindowDay, &stats.RequestsLastDay},
	}
	for _, target := range targets {
		start, _ := windowBounds(now, target.window)
		n, err := s.store.Count(ctx, tc.OrgID(), start)
		if err != nil {
			return nil, err
		}
		*target.dst = n
	}
	return stats, nil
}

// CleanupOldRequests removes requests older than olderThan
func (s *Service) CleanupOldRequests(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := s.now().Add(-olderThan)

	removed, err := s.store.Cleanup(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup old requests: %w", err)
	}

	s.logger.Debug("cleaned up old rate limit events",
		zap.Int64("rows_deleted", removed),
		zap.Time("cutoff_time", cutoff))
	return removed, nil
}

// StartCleanupWorker periodically removes requests older than retention
// until ctx ends
func (s *Service) StartCleanupWorker(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("started rate limit cleanup worker",
		zap.Duration("interval", interval),
		zap.Duration("retention", retention))

	for {
		select {
		case <-ticker.C:
			if _, err := s.CleanupOldRequests(ctx, retention); err != nil {
				s.logger.Error("failed to cleanup old requests", zap.Error(err))
			}
		case <-ctx.Done():
			s.logger.Info("stopping rate limit cleanup worker")
			return
		}
	}
}

// windowBounds returns the sliding window start and the next boundary of
// the window's calendar unit
func windowBounds(now time.Time, window Window) (start, reset time.Time) {
	switch window {
	case WindowHour:
		return now.Add(-time.Hour), now.Truncate(time.Hour).Add(time.Hour)
	case WindowDay:
		return now.Add(-24 * time.Hour), now.Truncate(24 * time.Hour).Add(24 * time.Hour)
	default:
		return now.Add(-time.Minute), now.Truncate(time.Minute).Add(time.Minute)
	}
}
