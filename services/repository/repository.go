// Package repository is the tenant-scoped data access layer. Every read and
// write passes through the guard before it reaches the document store.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/upb/tenant-isolation/models"
	"github.com/upb/tenant-isolation/repositories"
	"github.com/upb/tenant-isolation/services"
	"github.com/upb/tenant-isolation/services/guard"
	"github.com/upb/tenant-isolation/tenancy"
	"go.uber.org/zap"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Codec converts between T and stored documents
type Codec[T any] struct {
	ToDocument   func(T) (models.Document, error)
	FromDocument func(models.Document) (T, error)
}

// DocumentCodec is the identity codec
func DocumentCodec() Codec[models.Document] {
	return Codec[models.Document]{
		ToDocument:   func(d models.Document) (models.Document, error) { return d, nil },
		FromDocument: func(d models.Document) (models.Document, error) { return d, nil },
	}
}

// JSONCodec converts structs through their json tags
func JSONCodec[T any]() Codec[T] {
	return Codec[T]{
		ToDocument: func(v T) (models.Document, error) {
			raw, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("failed to encode document: %w", err)
			}
			var doc models.Document
			if err := json.Unmarshal(raw, &doc); err != nil {
				return nil, fmt.Errorf("failed to encode document: %w", err)
			}
			return doc, nil
		},
		FromDocument: func(doc models.Document) (T, error) {
			var v T
			raw, err := json.Marshal(doc)
			if err != nil {
				return v, fmt.Errorf("failed to decode document: %w", err)
			}
			if err := json.Unmarshal(raw, &v); err != nil {
				return v, fmt.Errorf("failed to decode document: %w", err)
			}
			return v, nil
		},
	}
}

// Page is one page of a paginated find
type Page[T any] struct {
	Items      []T   `json:"items"`
	Total      int64 `json:"total"`
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
	HasPrev    bool  `json:"has_prev"`
}

// TenantRepository is bound to one collection. Methods take the tenant
// context explicitly; a nil context falls back to the one carried by ctx.
type TenantRepository[T any] struct {
	store      repositories.DocumentStore
	guard      *guard.Guard
	collection string
	codec      Codec[T]
	logger     *zap.Logger
	now        func() time.Time
}

// NewTenantRepository creates a repository for a collection
func NewTenantRepository[T any](store repositories.DocumentStore, g *guard.Guard, collection string, codec Codec[T], logger *zap.Logger) *TenantRepository[T] {
	return &TenantRepository[T]{
		store:      store,
		guard:      g,
		collection: collection,
		codec:      codec,
		logger:     logger,
		now:        time.Now,
	}
}

// NewDocumentRepository creates a repository over raw documents
func NewDocumentRepository(store repositories.DocumentStore, g *guard.Guard, collection string, logger *zap.Logger) *TenantRepository[models.Document] {
	return NewTenantRepository(store, g, collection, DocumentCodec(), logger)
}

// Collection returns the bound collection name
func (r *TenantRepository[T]) Collection() string {
	return r.collection
}

// Query starts a QueryBuilder for this collection
func (r *TenantRepository[T]) Query(ctx context.Context, tc *tenancy.TenantContext) *QueryBuilder {
	return NewQueryBuilder(r.collection, r.guard.Registry(), r.tenant(ctx, tc))
}

func (r *TenantRepository[T]) tenant(ctx context.Context, tc *tenancy.TenantContext) *tenancy.TenantContext {
	if tc != nil {
		return tc
	}
	if ambient, ok := tenancy.FromContext(ctx); ok {
		return ambient
	}
	return nil
}

// FindOne returns the first matching item
func (r *TenantRepository[T]) FindOne(ctx context.Context, tc *tenancy.TenantContext, filter models.Document) (T, error) {
	var zero T
	tc = r.tenant(ctx, tc)
	scoped, err := r.guard.ValidateQuery(r.collection, filter, tc, guard.OpFind)
	if err != nil {
		return zero, err
	}
	doc, err := r.store.FindOne(ctx, r.collection, scoped, repositories.FindOptions{})
	if err != nil {
		return zero, r.storeError("find", err)
	}
	return r.decode(doc)
}

// FindByID returns the item with the given _id
func (r *TenantRepository[T]) FindByID(ctx context.Context, tc *tenancy.TenantContext, id string) (T, error) {
	return r.FindOne(ctx, tc, models.Document{models.FieldID: id})
}

// FindMany returns all matching items
func (r *TenantRepository[T]) FindMany(ctx context.Context, tc *tenancy.TenantContext, filter models.Document, opts repositories.FindOptions) ([]T, error) {
	tc = r.tenant(ctx, tc)
	scoped, err := r.guard.ValidateQuery(r.collection, filter, tc, guard.OpFind)
	if err != nil {
		return nil, err
	}
	docs, err := r.store.Find(ctx, r.collection, scoped, opts)
	if err != nil {
		return nil, r.storeError("find", err)
	}
	return r.decodeAll(docs)
}

// FindWith runs a find composed with a QueryBuilder
func (r *TenantRepository[T]) FindWith(ctx context.Context, tc *tenancy.TenantContext, q *QueryBuilder) ([]T, error) {
	return r.FindMany(ctx, tc, q.Build(), q.Options())
}

// FindPaginated returns one page of matching items with totals
func (r *TenantRepository[T]) FindPaginated(ctx context.Context, tc *tenancy.TenantContext, filter models.Document, page, pageSize int, sort ...repositories.SortField) (*Page[T], error) {
	page, pageSize = normalizePage(page, pageSize)

	total, err := r.Count(ctx, tc, filter)
	if err != nil {
		return nil, err
	}
	items, err := r.FindMany(ctx, tc, filter, repositories.FindOptions{
		Sort:  sort,
		Skip:  int64((page - 1) * pageSize),
		Limit: int64(pageSize),
	})
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []T{}
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	return &Page[T]{
		Items:      items,
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: totalPages,
		HasNext:    page < totalPages,
		HasPrev:    page > 1,
	}, nil
}

// Count counts matching items
func (r *TenantRepository[T]) Count(ctx context.Context, tc *tenancy.TenantContext, filter models.Document) (int64, error) {
	tc = r.tenant(ctx, tc)
	scoped, err := r.guard.ValidateQuery(r.collection, filter, tc, guard.OpCount)
	if err != nil {
		return 0, err
	}
	n, err := r.store.Count(ctx, r.collection, scoped)
	if err != nil {
		return 0, r.storeError("count", err)
	}
	return n, nil
}

// InsertOne stores an item stamped with the organization and timestamps,
// and returns it as stored
func (r *TenantRepository[T]) InsertOne(ctx context.Context, tc *tenancy.TenantContext, item T) (T, error) {
	var zero T
	doc, err := r.prepareInsert(ctx, tc, item)
	if err != nil {
		return zero, err
	}
	id, err := r.store.InsertOne(ctx, r.collection, doc)
	if err != nil {
		return zero, r.storeError("insert", err)
	}
	doc[models.FieldID] = id
	return r.decode(doc)
}

// InsertMany stores several items. Every item is validated before any is
// written.
func (r *TenantRepository[T]) InsertMany(ctx context.Context, tc *tenancy.TenantContext, items []T) ([]T, error) {
	docs := make([]models.Document, 0, len(items))
	for _, item := range items {
		doc, err := r.prepareInsert(ctx, tc, item)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	ids, err := r.store.InsertMany(ctx, r.collection, docs)
	if err != nil {
		return nil, r.storeError("insert", err)
	}
	for i, id := range ids {
		docs[i][models.FieldID] = id
	}
	return r.decodeAll(docs)
}

func (r *TenantRepository[T]) prepareInsert(ctx context.Context, tc *tenancy.TenantContext, item T) (models.Document, error) {
	raw, err := r.codec.ToDocument(item)
	if err != nil {
		return nil, services.NewDomainError(services.ErrorTypeValidation, "invalid document", err)
	}
	doc, err := r.guard.ValidateDocument(r.collection, raw, r.tenant(ctx, tc))
	if err != nil {
		return nil, err
	}
	now := r.now().UTC()
	if _, ok := doc[models.FieldCreatedAt]; !ok {
		doc[models.FieldCreatedAt] = now
	}
	doc[models.FieldUpdatedAt] = now
	return doc, nil
}

// UpdateOne updates the first matching item
func (r *TenantRepository[T]) UpdateOne(ctx context.Context, tc *tenancy.TenantContext, filter, update models.Document, upsert bool) (repositories.UpdateResult, error) {
	scoped, stamped, err := r.prepareUpdate(ctx, tc, filter, update)
	if err != nil {
		return repositories.UpdateResult{}, err
	}
	res, err := r.store.UpdateOne(ctx, r.collection, scoped, stamped, upsert)
	if err != nil {
		return repositories.UpdateResult{}, r.storeError("update", err)
	}
	return res, nil
}

// UpdateMany updates every matching item
func (r *TenantRepository[T]) UpdateMany(ctx context.Context, tc *tenancy.TenantContext, filter, update models.Document) (repositories.UpdateResult, error) {
	scoped, stamped, err := r.prepareUpdate(ctx, tc, filter, update)
	if err != nil {
		return repositories.UpdateResult{}, err
	}
	res, err := r.store.UpdateMany(ctx, r.collection, scoped, stamped)
	if err != nil {
		return repositories.UpdateResult{}, r.storeError("update", err)
	}
	return res, nil
}

// FindOneAndUpdate updates the first matching item and returns it, after
// the update when returnAfter is set
func (r *TenantRepository[T]) FindOneAndUpdate(ctx context.Context, tc *tenancy.TenantContext, filter, update models.Document, returnAfter bool) (T, error) {
	var zero T
	scoped, stamped, err := r.prepareUpdate(ctx, tc, filter, update)
	if err != nil {
		return zero, err
	}
	doc, err := r.store.FindOneAndUpdate(ctx, r.collection, scoped, stamped, returnAfter)
	if err != nil {
		return zero, r.storeError("update", err)
	}
	return r.decode(doc)
}

func (r *TenantRepository[T]) prepareUpdate(ctx context.Context, tc *tenancy.TenantContext, filter, update models.Document) (models.Document, models.Document, error) {
	if len(update) == 0 {
		return nil, nil, services.NewDomainError(services.ErrorTypeValidation, "empty update", nil).
			WithDetail("collection", r.collection)
	}
	scoped, validated, err := r.guard.ValidateUpdate(r.collection, filter, update, r.tenant(ctx, tc))
	if err != nil {
		return nil, nil, err
	}

	now := r.now().UTC()
	if isReplacementUpdate(validated) {
		validated[models.FieldUpdatedAt] = now
		return scoped, validated, nil
	}
	set, ok := models.AsDocument(validated["$set"])
	if !ok {
		set = models.Document{}
	}
	set[models.FieldUpdatedAt] = now
	validated["$set"] = set

	if _, ok := set[models.FieldCreatedAt]; !ok {
		onInsert, ok := models.AsDocument(validated["$setOnInsert"])
		if !ok {
			onInsert = models.Document{}
		}
		if _, ok := onInsert[models.FieldCreatedAt]; !ok {
			onInsert[models.FieldCreatedAt] = now
		}
		validated["$setOnInsert"] = onInsert
	}
	return scoped, validated, nil
}

// DeleteOne deletes the first matching item
func (r *TenantRepository[T]) DeleteOne(ctx context.Context, tc *tenancy.TenantContext, filter models.Document) (int64, error) {
	scoped, err := r.guard.ValidateQuery(r.collection, filter, r.tenant(ctx, tc), guard.OpDelete)
	if err != nil {
		return 0, err
	}
	n, err := r.store.DeleteOne(ctx, r.collection, scoped)
	if err != nil {
		return 0, r.storeError("delete", err)
	}
	return n, nil
}

// DeleteMany deletes every matching item
func (r *TenantRepository[T]) DeleteMany(ctx context.Context, tc *tenancy.TenantContext, filter models.Document) (int64, error) {
	scoped, err := r.guard.ValidateQuery(r.collection, filter, r.tenant(ctx, tc), guard.OpDelete)
	if err != nil {
		return 0, err
	}
	n, err := r.store.DeleteMany(ctx, r.collection, scoped)
	if err != nil {
		return 0, r.storeError("delete", err)
	}
	if n > 1 {
		r.logger.Info("bulk delete",
			zap.String("collection", r.collection),
			zap.Int64("deleted", n))
	}
	return n, nil
}

// Aggregate runs a pipeline behind a leading organization match
func (r *TenantRepository[T]) Aggregate(ctx context.Context, tc *tenancy.TenantContext, pipeline models.Pipeline) ([]models.Document, error) {
	scoped, err := r.guard.ValidateAggregation(r.collection, pipeline, r.tenant(ctx, tc))
	if err != nil {
		return nil, err
	}
	docs, err := r.store.Aggregate(ctx, r.collection, scoped)
	if err != nil {
		return nil, r.storeError("aggregate", err)
	}
	return docs, nil
}

func (r *TenantRepository[T]) decode(doc models.Document) (T, error) {
	v, err := r.codec.FromDocument(doc)
	if err != nil {
		return v, services.WrapInternal("failed to decode "+r.collection+" document", err)
	}
	return v, nil
}

func (r *TenantRepository[T]) decodeAll(docs []models.Document) ([]T, error) {
	out := make([]T, 0, len(docs))
	for _, doc := range docs {
		v, err := r.decode(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// storeError maps document store failures to domain errors
func (r *TenantRepository[T]) storeError(op string, err error) error {
	switch {
	case errors.Is(err, repositories.ErrNotFound):
		return services.NewDomainError(services.ErrorTypeNotFound, "document not found", err).
			WithDetail("collection", r.collection)
	case errors.Is(err, repositories.ErrDuplicateKey):
		return services.NewDomainError(services.ErrorTypeConflict, "document already exists", err).
			WithDetail("collection", r.collection)
	case errors.Is(err, repositories.ErrUnsupportedOperator):
		return services.NewDomainError(services.ErrorTypeValidation, err.Error(), err).
			WithDetail("collection", r.collection)
	}
	r.logger.Error("document store failure",
		zap.String("collection", r.collection),
		zap.String("operation", op),
		zap.Error(err))
	return services.WrapInternal(fmt.Sprintf("failed to %s %s", op, r.collection), err)
}

func isReplacementUpdate(update models.Document) bool {
	for k := range update {
		if len(k) > 0 && k[0] == '$' {
			return false
		}
	}
	return true
}

func normalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	return page, pageSize
}
