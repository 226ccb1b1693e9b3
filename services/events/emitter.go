// Package events tags domain events with their organization, persists them
// and dispatches them to registered handlers.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/upb/tenant-isolation/models"
	"github.com/upb/tenant-isolation/repositories"
	"github.com/upb/tenant-isolation/services"
	"github.com/upb/tenant-isolation/tenancy"
	"go.uber.org/zap"
)

// WildcardEvent registers a handler for every event type
const WildcardEvent = "*"

// Handler processes one event
type Handler func(ctx context.Context, event *models.TenantEvent) error

// OverflowPolicy decides what Emit does when the queue is full
type OverflowPolicy string

const (
	// OverflowBlock waits for room until the enqueue timeout or the caller's
	// context ends
	OverflowBlock OverflowPolicy = "block"

	// OverflowReject fails immediately
	OverflowReject OverflowPolicy = "reject"
)

// ErrEmitterStopped is returned for asynchronous emits after Stop
var ErrEmitterStopped = errors.New("event emitter stopped")

// Config holds configuration for the Emitter
type Config struct {
	QueueSize      int
	Overflow       OverflowPolicy
	EnqueueTimeout time.Duration
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		QueueSize:      10000,
		Overflow:       OverflowBlock,
		EnqueueTimeout: 2 * time.Second,
	}
}

// EmitRequest describes an event to emit
type EmitRequest struct {
	EventType    string
	ResourceType string
	ResourceID   string
	Payload      map[string]interface{}
	Source       models.EventSource
	Priority     models.EventPriority

	// Wait dispatches inline on the caller's context instead of queueing
	Wait bool
}

type registration struct {
	name     string
	fn       Handler
	origin   *tenancy.TenantContext
	validate bool
}

// HandlerStats counts what happened to one handler
type HandlerStats struct {
	Calls      int64 `json:"calls"`
	Errors     int64 `json:"errors"`
	Rejections int64 `json:"rejections"`
}

// Stats is a snapshot of emitter counters
type Stats struct {
	Emitted       int64                   `json:"emitted"`
	Processed     int64                   `json:"processed"`
	Failed        int64                   `json:"failed"`
	Rejected      int64                   `json:"rejected"`
	QueueDepth    int                     `json:"queue_depth"`
	QueueCapacity int                     `json:"queue_capacity"`
	Running       bool                    `json:"running"`
	Handlers      map[string]HandlerStats `json:"handlers"`
}

// Emitter persists events and dispatches them to handlers. Asynchronous
// events go through a bounded FIFO drained by a single consumer, so
// handlers of one emitter never run concurrently with each other.
type Emitter struct {
	store  repositories.EventStore
	logger *zap.Logger
	cfg    Config
	now    func() time.Time

	regMu    sync.RWMutex
	handlers map[string][]*registration

	queue chan *models.TenantEvent

	lifeMu  sync.RWMutex
	running bool
	stopped bool
	quit    chan struct{}
	done    chan struct{}

	statsMu      sync.Mutex
	emitted      int64
	processed    int64
	failed       int64
	rejected     int64
	handlerStats map[string]*HandlerStats
}

// NewEmitter creates a new Emitter. Call Start to begin draining the queue.
func NewEmitter(store repositories.EventStore, cfg Config, logger *zap.Logger) *Emitter {
	defaults := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaults.QueueSize
	}
	if cfg.Overflow == "" {
		cfg.Overflow = defaults.Overflow
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = defaults.EnqueueTimeout
	}
	return &Emitter{
		store:        store,
		logger:       logger,
		cfg:          cfg,
		now:          time.Now,
		handlers:     make(map[string][]*registration),
		queue:        make(chan *models.TenantEvent, cfg.QueueSize),
		handlerStats: make(map[string]*HandlerStats),
	}
}

// FromContext builds an event whose organization, user and request ids are
// copied from the tenant context
func FromContext(tc *tenancy.TenantContext, eventType string) (*models.TenantEvent, error) {
	if tc == nil {
		return nil, services.NewDomainError(services.ErrorTypeContextMissing, "tenant context required to emit events", nil)
	}
	event, err := models.NewTenantEvent(tc.OrgID(), tc.UserID(), eventType)
	if err != nil {
		return nil, services.NewDomainError(services.ErrorTypeValidation, err.Error(), err)
	}
	event.RequestID = tc.RequestID()
	return event, nil
}

// On registers fn under name for the given event types, or for every type
// when none are given
func (e *Emitter) On(name string, fn Handler, eventTypes ...string) {
	e.register(&registration{name: name, fn: fn}, eventTypes)
}

// OnTenant registers a handler bound to the organization of origin. Events
// of any other organization are rejected without running fn.
func (e *Emitter) OnTenant(origin *tenancy.TenantContext, name string, fn Handler, eventTypes ...string) {
	e.register(&registration{name: name, fn: fn, origin: origin, validate: true}, eventTypes)
}

func (e *Emitter) register(reg *registration, eventTypes []string) {
	if len(eventTypes) == 0 {
		eventTypes = []string{WildcardEvent}
	}

	e.regMu.Lock()
	for _, t := range eventTypes {
		e.handlers[t] = append(e.handlers[t], reg)
	}
	e.regMu.Unlock()

	e.statsMu.Lock()
	if _, ok := e.handlerStats[reg.name]; !ok {
		e.handlerStats[reg.name] = &HandlerStats{}
	}
	e.statsMu.Unlock()

	e.logger.Debug("event handler registered",
		zap.String("handler", reg.name),
		zap.Strings("event_types", eventTypes),
		zap.Bool("tenant_validation", reg.validate))
}

// Off removes every registration made under name
func (e *Emitter) Off(name string) {
	e.regMu.Lock()
	defer e.regMu.Unlock()

	for t, regs := range e.handlers {
		kept := regs[:0]
		for _, r := range regs {
			if r.name != name {
				kept = append(kept, r)
			}
		}
		if len(kept) == 0 {
			delete(e.handlers, t)
		} else {
			e.handlers[t] = kept
		}
	}
}

func (e *Emitter) handlersFor(eventType string) []*registration {
	e.regMu.RLock()
	defer e.regMu.RUnlock()

	out := make([]*registration, 0, len(e.handlers[eventType])+len(e.handlers[WildcardEvent]))
	seen := make(map[*registration]bool)
	for _, key := range []string{eventType, WildcardEvent} {
		for _, r := range e.handlers[key] {
			if !seen[r] {
				seen[r] = true
				out = append(out, r)
			}
		}
	}
	return out
}

// Emit builds, persists and dispatches an event for the tenant. A nil tc
// falls back to the context carried by ctx. Persistence failures are logged
// and never abort the emit.
func (e *Emitter) Emit(ctx context.Context, tc *tenancy.TenantContext, req EmitRequest) (*models.TenantEvent, error) {
	if tc == nil {
		tc, _ = tenancy.FromContext(ctx)
	}
	event, err := FromContext(tc, req.EventType)
	if err != nil {
		return nil, err
	}
	event.WithResource(req.ResourceType, req.ResourceID)
	if req.Payload != nil {
		event.Payload = models.Document(req.Payload).Clone()
	}
	if req.Source != "" {
		event.Source = req.Source
	}
	if req.Priority != "" {
		event.Priority = req.Priority
	}

	e.statsMu.Lock()
	e.emitted++
	e.statsMu.Unlock()

	if err := e.store.Save(ctx, event); err != nil {
		e.logger.Error("failed to persist event",
			zap.String("event_id", event.ID.String()),
			zap.String("event_type", event.EventType),
			zap.String("org_id", event.OrgID.String()),
			zap.Error(err))
	}

	handlers := e.handlersFor(event.EventType)
	if len(handlers) == 0 {
		e.complete(ctx, event, nil)
		return event, nil
	}

	if req.Wait {
		err := e.dispatch(ctx, event, handlers)
		return event, err
	}

	event.Status = models.EventStatusQueued
	snapshot := cloneEvent(event)
	if err := e.enqueue(ctx, event); err != nil {
		e.statsMu.Lock()
		e.failed++
		e.statsMu.Unlock()
		e.logger.Warn("failed to enqueue event",
			zap.String("event_id", event.ID.String()),
			zap.String("event_type", event.EventType),
			zap.String("org_id", event.OrgID.String()),
			zap.Error(err))
		return snapshot, err
	}
	return snapshot, nil
}

func (e *Emitter) enqueue(ctx context.Context, event *models.TenantEvent) error {
	e.lifeMu.RLock()
	defer e.lifeMu.RUnlock()

	if e.stopped {
		return ErrEmitterStopped
	}

	select {
	case e.queue <- event:
		return nil
	default:
	}
	if e.cfg.Overflow == OverflowReject {
		return e.queueFull(event)
	}

	timer := time.NewTimer(e.cfg.EnqueueTimeout)
	defer timer.Stop()
	select {
	case e.queue <- event:
		return nil
	case <-timer.C:
		return e.queueFull(event)
	case <-ctx.Done():
		return services.WrapInternal("event enqueue cancelled", ctx.Err())
	}
}

func (e *Emitter) queueFull(event *models.TenantEvent) error {
	return services.NewDomainError(services.ErrorTypeEventQueueFull, "event queue full", nil).
		WithDetail("event_type", event.EventType).
		WithDetail("capacity", cap(e.queue))
}

// dispatch runs every handler in registration order and completes the
// event. Handlers not reached before ctx ends are recorded as errors.
func (e *Emitter) dispatch(ctx context.Context, event *models.TenantEvent, handlers []*registration) error {
	event.Status = models.EventStatusDispatched
	results := make([]models.HandlerResult, 0, len(handlers))
	var ctxErr error
	for _, h := range handlers {
		if ctxErr == nil {
			ctxErr = ctx.Err()
		}
		if ctxErr != nil {
			results = append(results, models.HandlerResult{
				Handler:    h.name,
				Status:     models.HandlerStatusError,
				Error:      ctxErr.Error(),
				ExecutedAt: e.now().UTC(),
			})
			continue
		}
		results = append(results, e.invoke(ctx, h, event))
	}

	persistCtx := ctx
	if ctxErr != nil {
		persistCtx = context.Background()
	}
	e.complete(persistCtx, event, results)
	if ctxErr != nil {
		return services.WrapInternal("event dispatch cancelled", ctxErr)
	}
	return nil
}

func (e *Emitter) complete(ctx context.Context, event *models.TenantEvent, results []models.HandlerResult) {
	event.MarkProcessed(results, e.now().UTC())

	e.statsMu.Lock()
	e.processed++
	if event.Failed() {
		e.failed++
	}
	e.statsMu.Unlock()

	if err := e.store.MarkProcessed(ctx, event); err != nil {
		e.logger.Error("failed to persist event results",
			zap.String("event_id", event.ID.String()),
			zap.String("org_id", event.OrgID.String()),
			zap.Error(err))
	}
}

// invoke runs one handler. A handler bound to another organization is
// rejected without running; errors and panics are recorded, never raised.
func (e *Emitter) invoke(ctx context.Context, reg *registration, event *models.TenantEvent) (result models.HandlerResult) {
	start := e.now()
	result = models.HandlerResult{Handler: reg.name, ExecutedAt: start.UTC()}

	if reg.validate && reg.origin != nil && reg.origin.OrgID() != event.OrgID {
		result.Status = models.HandlerStatusRejected
		result.Reason = models.RejectReasonTenantMismatch
		e.recordHandler(reg.name, func(s *HandlerStats) { s.Rejections++ })
		e.statsMu.Lock()
		e.rejected++
		e.statsMu.Unlock()
		e.logger.Warn("handler rejected event of another organization",
			zap.String("handler", reg.name),
			zap.String("event_id", event.ID.String()),
			zap.String("event_org_id", event.OrgID.String()),
			zap.String("handler_org_id", reg.origin.OrgIDString()))
		return result
	}

	e.recordHandler(reg.name, func(s *HandlerStats) { s.Calls++ })
	defer func() {
		if r := recover(); r != nil {
			result.Status = models.HandlerStatusError
			result.Error = fmt.Sprintf("panic: %v", r)
			e.recordHandler(reg.name, func(s *HandlerStats) { s.Errors++ })
			e.logger.Error("event handler panicked",
				zap.String("handler", reg.name),
				zap.String("event_id", event.ID.String()),
				zap.Any("panic", r))
		}
		result.DurationMs = e.now().Sub(start).Milliseconds()
	}()

	if err := reg.fn(ctx, event); err != nil {
		result.Status = models.HandlerStatusError
		result.Error = err.Error()
		e.recordHandler(reg.name, func(s *HandlerStats) { s.Errors++ })
		e.logger.Error("event handler failed",
			zap.String("handler", reg.name),
			zap.String("event_id", event.ID.String()),
			zap.String("event_type", event.EventType),
			zap.String("org_id", event.OrgID.String()),
			zap.Error(err))
		return result
	}
	result.Status = models.HandlerStatusSuccess
	return result
}

func (e *Emitter) recordHandler(name string, fn func(*HandlerStats)) {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()

	s, ok := e.handlerStats[name]
	if !ok {
		s = &HandlerStats{}
		e.handlerStats[name] = s
	}
	fn(s)
}

// Start starts the queue consumer
func (e *Emitter) Start() error {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()

	if e.running {
		return fmt.Errorf("event emitter already started")
	}
	if e.stopped {
		return ErrEmitterStopped
	}

	e.quit = make(chan struct{})
	e.done = make(chan struct{})
	e.running = true
	go e.consume(e.quit, e.done)

	e.logger.Info("started event emitter",
		zap.Int("queue_size", cap(e.queue)),
		zap.String("overflow", string(e.cfg.Overflow)))
	return nil
}

// Stop stops accepting asynchronous events and waits for the queue to
// drain
func (e *Emitter) Stop(timeout time.Duration) error {
	e.lifeMu.Lock()
	if !e.running {
		e.lifeMu.Unlock()
		return fmt.Errorf("event emitter not started")
	}
	e.running = false
	e.stopped = true
	close(e.quit)
	done := e.done
	e.lifeMu.Unlock()

	e.logger.Info("stopping event emitter", zap.Int("pending_events", len(e.queue)))

	select {
	case <-done:
		e.logger.Info("event emitter stopped gracefully")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("event emitter stop timeout after %v", timeout)
	}
}

func (e *Emitter) consume(quit <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case event := <-e.queue:
			e.process(event)
		case <-quit:
			for {
				select {
				case event := <-e.queue:
					e.process(event)
				default:
					return
				}
			}
		}
	}
}

func (e *Emitter) process(event *models.TenantEvent) {
	// Dispatch outlives the request that emitted the event.
	_ = e.dispatch(context.Background(), event, e.handlersFor(event.EventType))
}

// Stats returns a snapshot of the emitter counters
func (e *Emitter) Stats() Stats {
	e.lifeMu.RLock()
	running := e.running
	e.lifeMu.RUnlock()

	e.statsMu.Lock()
	defer e.statsMu.Unlock()

	handlers := make(map[string]HandlerStats, len(e.handlerStats))
	for name, s := range e.handlerStats {
		handlers[name] = *s
	}
	return Stats{
		Emitted:       e.emitted,
		Processed:     e.processed,
		Failed:        e.failed,
		Rejected:      e.rejected,
		QueueDepth:    len(e.queue),
		QueueCapacity: cap(e.queue),
		Running:       running,
		Handlers:      handlers,
	}
}

// GetEvent returns an event of the tenant's organization
func (e *Emitter) GetEvent(ctx context.Context, tc *tenancy.TenantContext, id uuid.UUID) (*models.TenantEvent, error) {
	if tc == nil {
		return nil, services.ErrContextMissing
	}
	event, err := e.store.GetByID(ctx, tc.OrgID(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, services.NewDomainError(services.ErrorTypeNotFound, "event not found", err).
				WithDetail("event_id", id.String())
		}
		return nil, services.WrapInternal("failed to load event", err)
	}
	return event, nil
}

// ListEvents returns events of the tenant's organization, newest first
func (e *Emitter) ListEvents(ctx context.Context, tc *tenancy.TenantContext, filter repositories.EventFilter) ([]*models.TenantEvent, error) {
	if tc == nil {
		return nil, services.ErrContextMissing
	}
	events, err := e.store.ListByOrg(ctx, tc.OrgID(), filter)
	if err != nil {
		return nil, services.WrapInternal("failed to list events", err)
	}
	return events, nil
}

func cloneEvent(event *models.TenantEvent) *models.TenantEvent {
	c := *event
	c.Payload = models.Document(event.Payload).Clone()
	c.HandlerResults = append([]models.HandlerResult(nil), event.HandlerResults...)
	return &c
}
