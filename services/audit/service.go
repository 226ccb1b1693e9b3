package audit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/upb/tenant-isolation/models"
	"github.com/upb/tenant-isolation/repositories"
	"github.com/upb/tenant-isolation/services"
	"github.com/upb/tenant-isolation/tenancy"
	"go.uber.org/zap"
)

const (
	// DefaultQueryLimit is applied when a log query names no limit
	DefaultQueryLimit = 100
	// MaxQueryLimit caps a single log query
	MaxQueryLimit = 1000
)

// LogQuery filters the audit trail of the current organization
type LogQuery = repositories.AuditQuery

// Config holds configuration for the audit Service
type Config struct {
	Async        bool          // Persist through the worker pool once started
	BufferSize   int           // Size of the entry buffer channel
	WorkerCount  int           // Number of concurrent workers
	WriteTimeout time.Duration // Deadline for a single store write
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		BufferSize:   10000,
		WorkerCount:  5,
		WriteTimeout: 5 * time.Second,
	}
}

// LogRequest describes one auditable action within the current organization
type LogRequest struct {
	Action       models.AuditAction
	ResourceType string
	ResourceID   string
	ResourceName string
	OldValues    map[string]interface{}
	NewValues    map[string]interface{}
	IPAddress    string
	UserAgent    string
	Endpoint     string
	Method       string
	Failed       bool
	ErrorMessage string
	Severity     models.AuditSeverity
	Metadata     map[string]interface{}
}

// SecurityEvent describes a security-relevant failure that may have happened
// before any tenant context existed
type SecurityEvent struct {
	Action       models.AuditAction
	OrgID        uuid.UUID
	UserID       uuid.UUID
	Email        string
	RequestID    string
	IPAddress    string
	UserAgent    string
	Endpoint     string
	Method       string
	ResourceType string
	ResourceID   string
	Reason       string
	Metadata     map[string]interface{}
}

// Stats represents audit service statistics
type Stats struct {
	BufferSize    int
	PendingEvents int
	WorkerCount   int
	Started       bool
	Async         bool
	Written       int64
	Failed        int64
	Inline        int64
}

// Service records tenant audit trails
type Service struct {
	store    repositories.AuditStore
	identity repositories.IdentityStore
	logger   *zap.Logger
	cfg      Config

	entries chan *models.TenantAuditLog
	wg      sync.WaitGroup
	mu      sync.RWMutex
	started bool
	stopped bool

	written atomic.Int64
	failed  atomic.Int64
	inline  atomic.Int64
}

// NewService creates a new audit Service. identity may be nil, in which case
// actor details come from the tenant context alone.
func NewService(store repositories.AuditStore, identity repositories.IdentityStore, cfg Config, logger *zap.Logger) *Service {
	def := DefaultConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = def.WorkerCount
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:    store,
		identity: identity,
		logger:   logger,
		cfg:      cfg,
		entries:  make(chan *models.TenantAuditLog, cfg.BufferSize),
	}
}

// Start starts the background workers. It is a no-op for inline services.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("audit service already started")
	}
	if s.stopped {
		return fmt.Errorf("audit service already stopped")
	}
	if !s.cfg.Async {
		return nil
	}

	for i := 0; i < s.cfg.WorkerCount; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}

	s.started = true
	s.logger.Info("started audit service",
		zap.Int("worker_count", s.cfg.WorkerCount),
		zap.Int("buffer_size", s.cfg.BufferSize))

	return nil
}

// Stop closes the buffer and waits for pending entries to be written
func (s *Service) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if !s.started {
		s.stopped = true
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.stopped = true
	close(s.entries)
	s.mu.Unlock()

	s.logger.Info("stopping audit service", zap.Int("pending_events", len(s.entries)))

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("audit service stopped gracefully")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("audit service stop timeout after %v", timeout)
	}
}

// Log records an action performed within tc's organization. A nil tc falls
// back to the context attached to ctx. Persistence failures are logged and
// never returned.
func (s *Service) Log(ctx context.Context, tc *tenancy.TenantContext, req LogRequest) (*models.TenantAuditLog, error) {
	if tc == nil {
		var ok bool
		if tc, ok = tenancy.FromContext(ctx); !ok {
			return nil, services.ErrContextMissing
		}
	}
	if req.Action == "" {
		return nil, services.NewDomainError(services.ErrorTypeValidation, "audit action is required", nil)
	}

	entry := models.NewTenantAuditLog(tc.OrgID(), req.Action, req.ResourceType).
		WithUser(tc.UserID()).
		WithResource(req.ResourceID, req.ResourceName).
		WithRequest(tc.RequestID(), req.IPAddress, req.UserAgent, req.Endpoint, req.Method)
	if req.Failed {
		entry.WithError(req.ErrorMessage)
	}
	entry.Actor = s.actor(ctx, tc)
	entry.Severity = ClassifySeverity(req.Action, entry.Success, req.Severity)
	entry.OldValues = Sanitize(req.OldValues)
	entry.NewValues = Sanitize(req.NewValues)
	entry.Metadata = Sanitize(req.Metadata)

	s.record(ctx, entry)
	return entry, nil
}

// LogSecurityEvent records a failed security-relevant action. It needs no
// tenant context and is always critical.
func (s *Service) LogSecurityEvent(ctx context.Context, ev SecurityEvent) *models.TenantAuditLog {
	action := ev.Action
	if action == "" {
		action = models.AuditActionAccessDenied
	}

	entry := models.NewTenantAuditLog(ev.OrgID, action, ev.ResourceType).
		WithUser(ev.UserID).
		WithResource(ev.ResourceID, "").
		WithRequest(ev.RequestID, ev.IPAddress, ev.UserAgent, ev.Endpoint, ev.Method).
		WithError(ev.Reason)
	entry.Actor = models.AuditActor{Email: ev.Email}
	entry.Severity = models.AuditSeverityCritical
	entry.Metadata = Sanitize(ev.Metadata)

	s.record(ctx, entry)
	return entry
}

// GetLogs returns the audit trail of tc's organization, newest first
func (s *Service) GetLogs(ctx context.Context, tc *tenancy.TenantContext, q LogQuery) ([]*models.TenantAuditLog, error) {
	if tc == nil {
		return nil, services.ErrContextMissing
	}
	if q.Limit <= 0 {
		q.Limit = DefaultQueryLimit
	}
	if q.Limit > MaxQueryLimit {
		q.Limit = MaxQueryLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}

	logs, err := s.store.Query(ctx, tc.OrgID(), q)
	if err != nil {
		s.logger.Error("failed to query audit logs",
			zap.Error(err),
			zap.String("org_id", tc.OrgIDString()))
		return nil, services.WrapInternal("failed to query audit logs", err)
	}
	return logs, nil
}

// GetResourceHistory returns the entries touching one resource
func (s *Service) GetResourceHistory(ctx context.Context, tc *tenancy.TenantContext, resourceType, resourceID string, limit int) ([]*models.TenantAuditLog, error) {
	return s.GetLogs(ctx, tc, LogQuery{ResourceType: resourceType, ResourceID: resourceID, Limit: limit})
}

// GetUserActivity returns the entries recorded for one user
func (s *Service) GetUserActivity(ctx context.Context, tc *tenancy.TenantContext, userID uuid.UUID, limit int) ([]*models.TenantAuditLog, error) {
	return s.GetLogs(ctx, tc, LogQuery{UserID: &userID, Limit: limit})
}

// GetStats returns statistics about the audit service
func (s *Service) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Stats{
		BufferSize:    s.cfg.BufferSize,
		PendingEvents: len(s.entries),
		WorkerCount:   s.cfg.WorkerCount,
		Started:       s.started,
		Async:         s.cfg.Async,
		Written:       s.written.Load(),
		Failed:        s.failed.Load(),
		Inline:        s.inline.Load(),
	}
}

// ClassifySeverity derives the severity of an entry. An explicit severity
// always wins.
func ClassifySeverity(action models.AuditAction, success bool, explicit models.AuditSeverity) models.AuditSeverity {
	if explicit != "" {
		return explicit
	}

	switch action {
	case models.AuditActionAccessDenied, models.AuditActionBoundaryViolation:
		if !success {
			return models.AuditSeverityCritical
		}
		if action == models.AuditActionAccessDenied {
			return models.AuditSeverityWarning
		}
	case models.AuditActionDelete,
		models.AuditActionBulkDelete,
		models.AuditActionBulkUpdate,
		models.AuditActionRoleChange,
		models.AuditActionPermissionChange,
		models.AuditActionSettingsChange:
		return models.AuditSeverityWarning
	}
	return models.AuditSeverityInfo
}

func (s *Service) actor(ctx context.Context, tc *tenancy.TenantContext) models.AuditActor {
	actor := models.AuditActor{
		Email: tc.UserEmail(),
		Name:  tc.UserName(),
		Role:  tc.Role(),
	}
	if s.identity == nil || (actor.Email != "" && actor.Name != "") {
		return actor
	}

	user, err := s.identity.GetUser(ctx, tc.UserID())
	if err != nil || user == nil {
		s.logger.Debug("audit actor lookup failed",
			zap.String("user_id", tc.UserID().String()),
			zap.Error(err))
		return actor
	}
	if user.Email != "" {
		actor.Email = user.Email
	}
	if user.Name != "" {
		actor.Name = user.Name
	}
	return actor
}

// record emits the log line and persists the entry, through the workers when
// running asynchronously
func (s *Service) record(ctx context.Context, entry *models.TenantAuditLog) {
	s.logEntry(entry)

	if s.enqueue(entry) {
		return
	}
	s.inline.Add(1)

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.WriteTimeout)
	defer cancel()
	s.write(writeCtx, entry, -1)
}

func (s *Service) enqueue(entry *models.TenantAuditLog) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.started {
		return false
	}

	select {
	case s.entries <- entry:
		return true
	default:
		s.logger.Warn("audit buffer full, writing inline",
			zap.String("action", string(entry.Action)),
			zap.String("org_id", entry.OrgID.String()))
		return false
	}
}

// worker processes entries from the channel
func (s *Service) worker(id int) {
	defer s.wg.Done()

	s.logger.Debug("audit worker started", zap.Int("worker_id", id))

	for entry := range s.entries {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
		s.write(ctx, entry, id)
		cancel()
	}

	s.logger.Debug("audit worker stopped", zap.Int("worker_id", id))
}

func (s *Service) write(ctx context.Context, entry *models.TenantAuditLog, workerID int) {
	if err := s.store.Insert(ctx, entry); err != nil {
		s.failed.Add(1)
		s.logger.Error("failed to persist audit log",
			zap.Int("worker_id", workerID),
			zap.Error(err),
			zap.String("action", string(entry.Action)),
			zap.String("org_id", entry.OrgID.String()))
		return
	}
	s.written.Add(1)
}

func (s *Service) logEntry(entry *models.TenantAuditLog) {
	fields := []zap.Field{
		zap.String("audit_id", entry.ID.String()),
		zap.String("org_id", entry.OrgID.String()),
		zap.String("action", string(entry.Action)),
		zap.String("severity", string(entry.Severity)),
		zap.String("resource_type", entry.ResourceType),
		zap.String("resource_id", entry.ResourceID),
		zap.Bool("success", entry.Success),
	}
	if entry.UserID != nil {
		fields = append(fields, zap.String("user_id", entry.UserID.String()))
	}
	if entry.RequestID != "" {
		fields = append(fields, zap.String("request_id", entry.RequestID))
	}

	switch entry.Severity {
	case models.AuditSeverityCritical:
		s.logger.Error("audit", fields...)
	case models.AuditSeverityWarning:
		s.logger.Warn("audit", fields...)
	default:
		s.logger.Info("audit", fields...)
	}
}
