package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/upb/tenant-isolation/models"
	"github.com/upb/tenant-isolation/repositories"
	"go.uber.org/zap"
)

// DocumentStore is an in-process repositories.DocumentStore. Documents are
// kept in insertion order and copied on the way in and out.
type DocumentStore struct {
	mu          sync.RWMutex
	collections map[string][]models.Document
	logger      *zap.Logger
}

// NewDocumentStore creates an empty document store
func NewDocumentStore(logger *zap.Logger) *DocumentStore {
	return &DocumentStore{
		collections: make(map[string][]models.Document),
		logger:      logger,
	}
}

var _ repositories.DocumentStore = (*DocumentStore)(nil)

// FindOne returns the first matching document
func (s *DocumentStore) FindOne(ctx context.Context, collection string, filter models.Document, opts repositories.FindOptions) (models.Document, error) {
	opts.Limit = 1
	docs, err := s.Find(ctx, collection, filter, opts)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, repositories.ErrNotFound
	}
	return docs[0], nil
}

// Find returns all matching documents
func (s *DocumentStore) Find(ctx context.Context, collection string, filter models.Document, opts repositories.FindOptions) ([]models.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	matched, err := filterDocs(s.collections[collection], filter)
	matched = cloneDocs(matched)
	s.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("failed to find documents in %s: %w", collection, err)
	}

	sortDocs(matched, opts.Sort)
	if opts.Skip > 0 {
		if opts.Skip >= int64(len(matched)) {
			matched = matched[:0]
		} else {
			matched = matched[opts.Skip:]
		}
	}
	if opts.Limit > 0 && opts.Limit < int64(len(matched)) {
		matched = matched[:opts.Limit]
	}
	if len(opts.Projection) > 0 {
		for i, d := range matched {
			matched[i] = project(d, opts.Projection)
		}
	}
	return matched, nil
}

// Count counts matching documents
func (s *DocumentStore) Count(ctx context.Context, collection string, filter models.Document) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched, err := filterDocs(s.collections[collection], filter)
	if err != nil {
		return 0, fmt.Errorf("failed to count documents in %s: %w", collection, err)
	}
	return int64(len(matched)), nil
}

// InsertOne stores a copy of doc, assigning an _id when absent
func (s *DocumentStore) InsertOne(ctx context.Context, collection string, doc models.Document) (interface{}, error) {
	ids, err := s.InsertMany(ctx, collection, []models.Document{doc})
	if err != nil {
		return nil, err
	}
	return ids[0], nil
}

// InsertMany stores copies of docs. Nothing is stored if any _id collides.
func (s *DocumentStore) InsertMany(ctx context.Context, collection string, docs []models.Document) ([]interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.collections[collection]
	seen := make(map[string]bool, len(existing)+len(docs))
	for _, d := range existing {
		seen[idKey(d[models.FieldID])] = true
	}

	prepared := make([]models.Document, len(docs))
	ids := make([]interface{}, len(docs))
	for i, d := range docs {
		c := d.Clone()
		if c == nil {
			c = models.Document{}
		}
		if _, ok := c[models.FieldID]; !ok {
			c[models.FieldID] = uuid.New().String()
		}
		key := idKey(c[models.FieldID])
		if seen[key] {
			return nil, fmt.Errorf("failed to insert into %s: %w: %v", collection, repositories.ErrDuplicateKey, c[models.FieldID])
		}
		seen[key] = true
		prepared[i] = c
		ids[i] = c[models.FieldID]
	}

	s.collections[collection] = append(existing, prepared...)
	s.logger.Debug("documents inserted",
		zap.String("collection", collection),
		zap.Int("count", len(prepared)))
	return ids, nil
}

// UpdateOne updates the first matching document, inserting one when upsert
// is set and nothing matches
func (s *DocumentStore) UpdateOne(ctx context.Context, collection string, filter, update models.Document, upsert bool) (repositories.UpdateResult, error) {
	if err := ctx.Err(); err != nil {
		return repositories.UpdateResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	res, _, err := s.updateLocked(collection, filter, update, false)
	if err != nil {
		return res, err
	}
	if res.Matched == 0 && upsert {
		doc, err := applyUpdate(seedFromFilter(filter), update, true)
		if err != nil {
			return res, fmt.Errorf("failed to upsert into %s: %w", collection, err)
		}
		if _, ok := doc[models.FieldID]; !ok {
			doc[models.FieldID] = uuid.New().String()
		}
		s.collections[collection] = append(s.collections[collection], doc)
		res.UpsertedID = doc[models.FieldID]
	}
	return res, nil
}

// UpdateMany updates every matching document
func (s *DocumentStore) UpdateMany(ctx context.Context, collection string, filter, update models.Document) (repositories.UpdateResult, error) {
	if err := ctx.Err(); err != nil {
		return repositories.UpdateResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	res, _, err := s.updateLocked(collection, filter, update, true)
	return res, err
}

// FindOneAndUpdate updates the first match and returns a copy of it
func (s *DocumentStore) FindOneAndUpdate(ctx context.Context, collection string, filter, update models.Document, returnAfter bool) (models.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	res, pair, err := s.updateLocked(collection, filter, update, false)
	if err != nil {
		return nil, err
	}
	if res.Matched == 0 {
		return nil, repositories.ErrNotFound
	}
	if returnAfter {
		return pair[1].Clone(), nil
	}
	return pair[0].Clone(), nil
}

// updateLocked applies update to matching documents. It returns the
// before/after versions of the last updated document.
func (s *DocumentStore) updateLocked(collection string, filter, update models.Document, many bool) (repositories.UpdateResult, [2]models.Document, error) {
	var (
		res  repositories.UpdateResult
		pair [2]models.Document
	)
	docs := s.collections[collection]
	for i, d := range docs {
		ok, err := Match(d, filter)
		if err != nil {
			return res, pair, fmt.Errorf("failed to update %s: %w", collection, err)
		}
		if !ok {
			continue
		}
		next, err := applyUpdate(d, update, false)
		if err != nil {
			return res, pair, fmt.Errorf("failed to update %s: %w", collection, err)
		}
		res.Matched++
		if !valuesEqual(d, next) {
			res.Modified++
		}
		docs[i] = next
		pair = [2]models.Document{d, next}
		if !many {
			break
		}
	}
	return res, pair, nil
}

// DeleteOne deletes the first matching document
func (s *DocumentStore) DeleteOne(ctx context.Context, collection string, filter models.Document) (int64, error) {
	return s.delete(ctx, collection, filter, false)
}

// DeleteMany deletes every matching document
func (s *DocumentStore) DeleteMany(ctx context.Context, collection string, filter models.Document) (int64, error) {
	return s.delete(ctx, collection, filter, true)
}

func (s *DocumentStore) delete(ctx context.Context, collection string, filter models.Document, many bool) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	docs := s.collections[collection]
	kept := make([]models.Document, 0, len(docs))
	var deleted int64
	for _, d := range docs {
		if many || deleted == 0 {
			ok, err := Match(d, filter)
			if err != nil {
				return 0, fmt.Errorf("failed to delete from %s: %w", collection, err)
			}
			if ok {
				deleted++
				continue
			}
		}
		kept = append(kept, d)
	}
	s.collections[collection] = kept
	return deleted, nil
}

// Aggregate runs a pipeline against a copy of the collection
func (s *DocumentStore) Aggregate(ctx context.Context, collection string, pipeline models.Pipeline) ([]models.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	read := func(name string) []models.Document { return s.collections[name] }
	out, err := runPipeline(cloneDocs(s.collections[collection]), pipeline, read)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate %s: %w", collection, err)
	}
	return cloneDocs(out), nil
}

func idKey(id interface{}) string {
	if s, ok := models.IDString(id); ok {
		return s
	}
	return fmt.Sprintf("%v", id)
}
