package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/upb/tenant-isolation/models"
	"github.com/upb/tenant-isolation/repositories"
	"github.com/upb/tenant-isolation/services"
	"github.com/upb/tenant-isolation/services/events"
	"github.com/upb/tenant-isolation/tenancy"
	"github.com/upb/tenant-isolation/utils"
	"go.uber.org/zap"
)

// EventReader reads the event history of the caller's organization
type EventReader interface {
	GetEvent(ctx context.Context, tc *tenancy.TenantContext, id uuid.UUID) (*models.TenantEvent, error)
	ListEvents(ctx context.Context, tc *tenancy.TenantContext, filter repositories.EventFilter) ([]*models.TenantEvent, error)
	Stats() events.Stats
}

// ListEventsQuery holds the query parameters of an event listing
type ListEventsQuery struct {
	EventType string `query:"event_type" validate:"omitempty,event_type"`
	Processed string `query:"processed" validate:"omitempty,oneof=true false"`
	Limit     int    `query:"limit" validate:"min=0,max=1000"`
	Offset    int    `query:"offset" validate:"min=0"`
}

// EventHandler serves the tenant event history
type EventHandler struct {
	responder
	events EventReader
}

// NewEventHandler creates a new EventHandler
func NewEventHandler(reader EventReader, logger *zap.Logger) *EventHandler {
	return &EventHandler{
		responder: responder{logger: logger},
		events:    reader,
	}
}

// HandleListEvents handles GET /api/v1/events
func (h *EventHandler) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	tc := h.tenant(w, r)
	if tc == nil {
		return
	}

	q := ListEventsQuery{
		EventType: r.URL.Query().Get("event_type"),
		Processed: r.URL.Query().Get("processed"),
	}
	var err error
	if q.Limit, err = utils.QueryInt(r, "limit", 100); err != nil {
		HandleValidationError(w, r, err, h.logger)
		return
	}
	if q.Offset, err = utils.QueryInt(r, "offset", 0); err != nil {
		HandleValidationError(w, r, err, h.logger)
		return
	}
	if err := utils.ValidateStruct(q); err != nil {
		HandleValidationError(w, r, err, h.logger)
		return
	}

	filter := repositories.EventFilter{EventType: q.EventType, Limit: q.Limit, Offset: q.Offset}
	if q.Processed != "" {
		processed, _ := strconv.ParseBool(q.Processed)
		filter.Processed = &processed
	}

	list, err := h.events.ListEvents(r.Context(), tc, filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if list == nil {
		list = []*models.TenantEvent{}
	}
	_ = utils.WriteOK(w, list)
}

// HandleGetEvent handles GET /api/v1/events/{id}
func (h *EventHandler) HandleGetEvent(w http.ResponseWriter, r *http.Request) {
	tc := h.tenant(w, r)
	if tc == nil {
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, services.NewDomainError(services.ErrorTypeValidation, "invalid event id", err))
		return
	}

	event, err := h.events.GetEvent(r.Context(), tc, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	_ = utils.WriteOK(w, event)
}

// HandleStats handles GET /api/v1/events/stats
func (h *EventHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	if h.tenant(w, r) == nil {
		return
	}
	_ = utils.WriteOK(w, h.events.Stats())
}
