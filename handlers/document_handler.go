package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/upb/tenant-isolation/middleware"
	"github.com/upb/tenant-isolation/models"
	"github.com/upb/tenant-isolation/repositories"
	"github.com/upb/tenant-isolation/services"
	"github.com/upb/tenant-isolation/services/events"
	"github.com/upb/tenant-isolation/services/guard"
	"github.com/upb/tenant-isolation/services/repository"
	"github.com/upb/tenant-isolation/tenancy"
	"github.com/upb/tenant-isolation/utils"
	"go.uber.org/zap"
)

// Document lifecycle events
const (
	EventDocumentCreated = "document.created"
	EventDocumentUpdated = "document.updated"
	EventDocumentDeleted = "document.deleted"
)

// EventEmitter publishes tenant events
type EventEmitter interface {
	Emit(ctx context.Context, tc *tenancy.TenantContext, req events.EmitRequest) (*models.TenantEvent, error)
}

// ListDocumentsQuery holds the query parameters of a document listing
type ListDocumentsQuery struct {
	Page     int    `query:"page" validate:"min=0"`
	PageSize int    `query:"page_size" validate:"min=0,max=100"`
	Sort     string `query:"sort" validate:"omitempty,max=64"`
	Order    string `query:"order" validate:"omitempty,oneof=asc desc"`
}

// AggregateRequest is the body of an aggregation
type AggregateRequest struct {
	Pipeline []map[string]interface{} `json:"pipeline" validate:"required,min=1,max=32"`
}

// DocumentHandler serves tenant-scoped document CRUD
type DocumentHandler struct {
	responder
	store   repositories.DocumentStore
	guard   *guard.Guard
	emitter EventEmitter
}

// NewDocumentHandler creates a new DocumentHandler. emitter and security may
// be nil.
func NewDocumentHandler(store repositories.DocumentStore, g *guard.Guard, emitter EventEmitter, security middleware.SecurityLogger, logger *zap.Logger) *DocumentHandler {
	return &DocumentHandler{
		responder: responder{security: security, logger: logger},
		store:     store,
		guard:     g,
		emitter:   emitter,
	}
}

// repository binds a repository to the {collection} route parameter
func (h *DocumentHandler) repository(r *http.Request) (*repository.TenantRepository[models.Document], error) {
	collection := chi.URLParam(r, "collection")
	if !utils.IsCollectionName(collection) {
		return nil, services.NewDomainError(services.ErrorTypeValidation, "invalid collection name", nil).
			WithDetail("collection", collection)
	}
	if ann := middleware.Annotate(r.Context()); ann != nil {
		ann.ResourceType = collection
	}
	return repository.NewDocumentRepository(h.store, h.guard, collection, h.logger), nil
}

// HandleListDocuments handles GET /api/v1/collections/{collection}/documents
func (h *DocumentHandler) HandleListDocuments(w http.ResponseWriter, r *http.Request) {
	tc := h.tenant(w, r)
	if tc == nil {
		return
	}
	repo, err := h.repository(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	var q ListDocumentsQuery
	if q.Page, err = utils.QueryInt(r, "page", 1); err != nil {
		HandleValidationError(w, r, err, h.logger)
		return
	}
	if q.PageSize, err = utils.QueryInt(r, "page_size", repository.DefaultPageSize); err != nil {
		HandleValidationError(w, r, err, h.logger)
		return
	}
	q.Sort = r.URL.Query().Get("sort")
	q.Order = strings.ToLower(r.URL.Query().Get("order"))
	if err := utils.ValidateStruct(q); err != nil {
		HandleValidationError(w, r, err, h.logger)
		return
	}

	filter, err := parseFilter(r.URL.Query().Get("filter"))
	if err != nil {
		HandleValidationError(w, r, err, h.logger)
		return
	}

	var order []repositories.SortField
	if q.Sort != "" {
		order = append(order, repositories.SortField{Field: q.Sort, Desc: q.Order == "desc"})
	}

	page, err := repo.FindPaginated(r.Context(), tc, filter, q.Page, q.PageSize, order...)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	_ = utils.WritePage(w, page.Items, utils.PageMeta{
		Page:       page.Page,
		PageSize:   page.PageSize,
		Total:      page.Total,
		TotalPages: page.TotalPages,
		HasNext:    page.HasNext,
		HasPrev:    page.HasPrev,
	})
}

// HandleCreateDocument handles POST /api/v1/collections/{collection}/documents
func (h *DocumentHandler) HandleCreateDocument(w http.ResponseWriter, r *http.Request) {
	tc := h.tenant(w, r)
	if tc == nil {
		return
	}
	repo, err := h.repository(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	var body models.Document
	if err := utils.DecodeJSON(w, r, &body); err != nil {
		HandleValidationError(w, r, err, h.logger)
		return
	}
	if len(body) == 0 {
		HandleValidationError(w, r, fmt.Errorf("document must not be empty"), h.logger)
		return
	}

	doc, err := repo.InsertOne(r.Context(), tc, body)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	id, _ := models.IDString(doc[models.FieldID])
	if ann := middleware.Annotate(r.Context()); ann != nil {
		ann.ResourceID = id
		ann.NewValues = doc
	}
	h.emit(r, tc, EventDocumentCreated, repo.Collection(), id, nil)

	w.Header().Set("Location", r.URL.Path+"/"+id)
	_ = utils.WriteCreated(w, doc)
}

// HandleGetDocument handles GET /api/v1/collections/{collection}/documents/{id}
func (h *DocumentHandler) HandleGetDocument(w http.ResponseWriter, r *http.Request) {
	tc := h.tenant(w, r)
	if tc == nil {
		return
	}
	repo, err := h.repository(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	doc, err := repo.FindByID(r.Context(), tc, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	_ = utils.WriteOK(w, doc)
}

// HandleUpdateDocument handles PATCH /api/v1/collections/{collection}/documents/{id}.
// A body without update operators is applied as $set.
func (h *DocumentHandler) HandleUpdateDocument(w http.ResponseWriter, r *http.Request) {
	tc := h.tenant(w, r)
	if tc == nil {
		return
	}
	repo, err := h.repository(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	var body models.Document
	if err := utils.DecodeJSON(w, r, &body); err != nil {
		HandleValidationError(w, r, err, h.logger)
		return
	}
	if len(body) == 0 {
		HandleValidationError(w, r, fmt.Errorf("update must not be empty"), h.logger)
		return
	}
	update := body
	if !hasOperators(body) {
		update = models.Document{"$set": body}
	}

	id := chi.URLParam(r, "id")
	filter := models.Document{models.FieldID: id}
	before, err := repo.FindOne(r.Context(), tc, filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	after, err := repo.FindOneAndUpdate(r.Context(), tc, filter, update, true)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	if ann := middleware.Annotate(r.Context()); ann != nil {
		ann.ResourceID = id
		ann.OldValues = before
		ann.NewValues = after
	}
	h.emit(r, tc, EventDocumentUpdated, repo.Collection(), id, map[string]interface{}{
		"fields": changedFields(update),
	})

	_ = utils.WriteOK(w, after)
}

// HandleDeleteDocument handles DELETE /api/v1/collections/{collection}/documents/{id}
func (h *DocumentHandler) HandleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	tc := h.tenant(w, r)
	if tc == nil {
		return
	}
	repo, err := h.repository(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	id := chi.URLParam(r, "id")
	filter := models.Document{models.FieldID: id}
	before, err := repo.FindOne(r.Context(), tc, filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	deleted, err := repo.DeleteOne(r.Context(), tc, filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if deleted == 0 {
		h.fail(w, r, services.NewDomainError(services.ErrorTypeNotFound, "document not found", nil).
			WithDetail("collection", repo.Collection()))
		return
	}

	if ann := middleware.Annotate(r.Context()); ann != nil {
		ann.ResourceID = id
		ann.OldValues = before
	}
	h.emit(r, tc, EventDocumentDeleted, repo.Collection(), id, nil)

	utils.WriteNoContent(w)
}

// HandleAggregate handles POST /api/v1/collections/{collection}/aggregate
func (h *DocumentHandler) HandleAggregate(w http.ResponseWriter, r *http.Request) {
	tc := h.tenant(w, r)
	if tc == nil {
		return
	}
	repo, err := h.repository(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	var req AggregateRequest
	if err := utils.DecodeJSON(w, r, &req); err != nil {
		HandleValidationError(w, r, err, h.logger)
		return
	}
	if err := utils.ValidateStruct(req); err != nil {
		HandleValidationError(w, r, err, h.logger)
		return
	}

	pipeline := make(models.Pipeline, 0, len(req.Pipeline))
	for _, stage := range req.Pipeline {
		pipeline = append(pipeline, models.Document(stage))
	}

	docs, err := repo.Aggregate(r.Context(), tc, pipeline)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if docs == nil {
		docs = []models.Document{}
	}
	_ = utils.WriteOK(w, docs)
}

// emit publishes a document event. Failures never fail the request.
func (h *DocumentHandler) emit(r *http.Request, tc *tenancy.TenantContext, eventType, collection, id string, payload map[string]interface{}) {
	if h.emitter == nil {
		return
	}
	if payload == nil {
		payload = map[string]interface{}{}
	}
	payload["collection"] = collection

	if _, err := h.emitter.Emit(r.Context(), tc, events.EmitRequest{
		EventType:    eventType,
		ResourceType: collection,
		ResourceID:   id,
		Payload:      payload,
		Source:       models.EventSourceAPI,
	}); err != nil {
		h.logger.Warn("failed to emit document event",
			zap.String("request_id", middleware.GetRequestIDFromContext(r.Context())),
			zap.String("event_type", eventType),
			zap.String("org_id", tc.OrgIDString()),
			zap.Error(err))
	}
}

// parseFilter decodes the JSON filter query parameter
func parseFilter(raw string) (models.Document, error) {
	if strings.TrimSpace(raw) == "" {
		return models.Document{}, nil
	}
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var filter models.Document
	if err := dec.Decode(&filter); err != nil {
		return nil, fmt.Errorf("filter must be a JSON object: %w", err)
	}
	if filter == nil {
		filter = models.Document{}
	}
	return filter, nil
}

func hasOperators(doc models.Document) bool {
	for k := range doc {
		if strings.HasPrefix(k, "$") {
			return true
		}
	}
	return false
}

// changedFields lists the fields an update touches, sorted
func changedFields(update models.Document) []string {
	seen := map[string]struct{}{}
	for op, v := range update {
		if fields, ok := models.AsDocument(v); ok && strings.HasPrefix(op, "$") {
			for f := range fields {
				seen[f] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(seen))
	for f := range seen {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}
