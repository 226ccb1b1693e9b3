package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// EventSource identifies where an event originated
type EventSource string

const (
	EventSourceAPI        EventSource = "api"
	EventSourceBackground EventSource = "background"
	EventSourceWebhook    EventSource = "webhook"
	EventSourceSync       EventSource = "sync"
)

// EventPriority orders events for consumers that care about it
type EventPriority string

const (
	EventPriorityLow      EventPriority = "low"
	EventPriorityNormal   EventPriority = "normal"
	EventPriorityHigh     EventPriority = "high"
	EventPriorityCritical EventPriority = "critical"
)

// EventStatus is the position of an event in its lifecycle
type EventStatus string

const (
	EventStatusEmitted    EventStatus = "emitted"
	EventStatusQueued     EventStatus = "queued"
	EventStatusDispatched EventStatus = "dispatched"
	EventStatusProcessed  EventStatus = "processed"
)

// HandlerStatus is the outcome of one handler invocation
type HandlerStatus string

const (
	HandlerStatusSuccess  HandlerStatus = "success"
	HandlerStatusError    HandlerStatus = "error"
	HandlerStatusRejected HandlerStatus = "rejected"
)

// RejectReasonTenantMismatch is recorded when a handler's originating
// organization differs from the event's organization.
const RejectReasonTenantMismatch = "tenant_mismatch"

var (
	// ErrEventOrgRequired is returned when an event is built without an organization
	ErrEventOrgRequired = errors.New("tenant event requires an organization id")

	// ErrEventUserRequired is returned when an event is built without a user
	ErrEventUserRequired = errors.New("tenant event requires a user id")

	// ErrEventTypeRequired is returned when an event is built without a type
	ErrEventTypeRequired = errors.New("tenant event requires an event type")
)

// HandlerResult records what happened when one handler saw an event
type HandlerResult struct {
	Handler    string        `json:"handler"`
	Status     HandlerStatus `json:"status"`
	Reason     string        `json:"reason,omitempty"`
	Error      string        `json:"error,omitempty"`
	DurationMs int64         `json:"duration_ms"`
	ExecutedAt time.Time     `json:"executed_at"`
}

// TenantEvent is a domain event tagged with the organization that produced it.
// OrgID and UserID live in typed fields, never inside Payload.
type TenantEvent struct {
	ID             uuid.UUID              `json:"id" db:"id"`
	EventType      string                 `json:"event_type" db:"event_type"`
	OrgID          uuid.UUID              `json:"organization_id" db:"org_id"`
	UserID         uuid.UUID              `json:"user_id" db:"user_id"`
	RequestID      string                 `json:"request_id,omitempty" db:"request_id"`
	ResourceType   string                 `json:"resource_type,omitempty" db:"resource_type"`
	ResourceID     string                 `json:"resource_id,omitempty" db:"resource_id"`
	Payload        map[string]interface{} `json:"payload,omitempty" db:"payload"`
	Timestamp      time.Time              `json:"timestamp" db:"timestamp"`
	Source         EventSource            `json:"source" db:"source"`
	Priority       EventPriority          `json:"priority" db:"priority"`
	Status         EventStatus            `json:"status" db:"status"`
	Processed      bool                   `json:"processed" db:"processed"`
	ProcessedAt    *time.Time             `json:"processed_at,omitempty" db:"processed_at"`
	HandlerResults []HandlerResult        `json:"handler_results,omitempty" db:"-"`
}

// TableName returns the table name for the TenantEvent model
func (TenantEvent) TableName() string {
	return "tenant_events"
}

// NewTenantEvent creates an event. Organization and user are mandatory.
func NewTenantEvent(orgID, userID uuid.UUID, eventType string) (*TenantEvent, error) {
	if orgID == uuid.Nil {
		return nil, ErrEventOrgRequired
	}
	if userID == uuid.Nil {
		return nil, ErrEventUserRequired
	}
	if eventType == "" {
		return nil, ErrEventTypeRequired
	}
	return &TenantEvent{
		ID:        uuid.New(),
		EventType: eventType,
		OrgID:     orgID,
		UserID:    userID,
		Payload:   make(map[string]interface{}),
		Timestamp: time.Now().UTC(),
		Source:    EventSourceAPI,
		Priority:  EventPriorityNormal,
		Status:    EventStatusEmitted,
	}, nil
}

// WithResource sets the resource the event refers to
func (e *TenantEvent) WithResource(resourceType, resourceID string) *TenantEvent {
	e.ResourceType = resourceType
	e.ResourceID = resourceID
	return e
}

// MarkProcessed records handler results and closes the lifecycle
func (e *TenantEvent) MarkProcessed(results []HandlerResult, at time.Time) {
	e.HandlerResults = results
	e.Processed = true
	e.ProcessedAt = &at
	e.Status = EventStatusProcessed
}

// Failed reports whether any handler returned an error
func (e *TenantEvent) Failed() bool {
	for _, r := range e.HandlerResults {
		if r.Status == HandlerStatusError {
			return true
		}
	}
	return false
}
