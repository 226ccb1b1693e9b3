package repository

import (
	"github.com/upb/tenant-isolation/models"
	"github.com/upb/tenant-isolation/repositories"
	"github.com/upb/tenant-isolation/services/guard"
	"github.com/upb/tenant-isolation/tenancy"
)

// QueryBuilder composes a filter and find options. Build always finishes by
// pinning the organization on tenant collections, whatever was composed
// before.
type QueryBuilder struct {
	collection string
	registry   *guard.Registry
	tc         *tenancy.TenantContext
	conditions models.Document
	sort       []repositories.SortField
	skip       int64
	limit      int64
}

// NewQueryBuilder creates a builder for one collection
func NewQueryBuilder(collection string, registry *guard.Registry, tc *tenancy.TenantContext) *QueryBuilder {
	if registry == nil {
		registry = guard.DefaultRegistry()
	}
	return &QueryBuilder{
		collection: collection,
		registry:   registry,
		tc:         tc,
		conditions: models.Document{},
	}
}

// Where adds a raw condition on a field. Operator documents on the same
// field are merged; anything else replaces the previous condition.
func (q *QueryBuilder) Where(field string, condition interface{}) *QueryBuilder {
	next, nextIsOp := models.AsDocument(condition)
	if prev, ok := models.AsDocument(q.conditions[field]); ok && nextIsOp && isOperatorDoc(prev) && isOperatorDoc(next) {
		merged := prev.Clone()
		for k, v := range next {
			merged[k] = models.CloneValue(v)
		}
		q.conditions[field] = merged
		return q
	}
	q.conditions[field] = models.CloneValue(condition)
	return q
}

// Eq matches a field equal to value
func (q *QueryBuilder) Eq(field string, value interface{}) *QueryBuilder {
	return q.Where(field, value)
}

// Ne matches a field not equal to value
func (q *QueryBuilder) Ne(field string, value interface{}) *QueryBuilder {
	return q.Where(field, models.Document{"$ne": value})
}

// In matches a field equal to any of values
func (q *QueryBuilder) In(field string, values ...interface{}) *QueryBuilder {
	return q.Where(field, models.Document{"$in": values})
}

// Exists matches on the presence of a field
func (q *QueryBuilder) Exists(field string, exists bool) *QueryBuilder {
	return q.Where(field, models.Document{"$exists": exists})
}

// Range matches min <= field <= max. A nil bound is open.
func (q *QueryBuilder) Range(field string, min, max interface{}) *QueryBuilder {
	cond := models.Document{}
	if min != nil {
		cond["$gte"] = min
	}
	if max != nil {
		cond["$lte"] = max
	}
	if len(cond) == 0 {
		return q
	}
	return q.Where(field, cond)
}

// Regex matches a field against a regular expression
func (q *QueryBuilder) Regex(field, pattern, options string) *QueryBuilder {
	cond := models.Document{"$regex": pattern}
	if options != "" {
		cond["$options"] = options
	}
	return q.Where(field, cond)
}

// Sort appends a sort key
func (q *QueryBuilder) Sort(field string, desc bool) *QueryBuilder {
	q.sort = append(q.sort, repositories.SortField{Field: field, Desc: desc})
	return q
}

// Paginate selects a 1-based page
func (q *QueryBuilder) Paginate(page, pageSize int) *QueryBuilder {
	page, pageSize = normalizePage(page, pageSize)
	q.skip = int64((page - 1) * pageSize)
	q.limit = int64(pageSize)
	return q
}

// Build returns the filter. Tenant-scoped filters without an organization
// condition get the context's organization as the last step. An explicit
// organization condition is kept as written so the guard can reject a
// mismatch instead of it being rewritten.
func (q *QueryBuilder) Build() models.Document {
	out := q.conditions.Clone()
	if q.tc == nil || q.registry.Classify(q.collection) != guard.ClassTenant {
		return out
	}
	if _, ok := out[models.FieldOrganizationID]; !ok {
		out[models.FieldOrganizationID] = q.tc.OrgIDString()
	}
	return out
}

// Options returns sort and paging as find options
func (q *QueryBuilder) Options() repositories.FindOptions {
	return repositories.FindOptions{
		Sort:  append([]repositories.SortField(nil), q.sort...),
		Skip:  q.skip,
		Limit: q.limit,
	}
}

func isOperatorDoc(doc models.Document) bool {
	if len(doc) == 0 {
		return false
	}
	for k := range doc {
		if len(k) == 0 || k[0] != '$' {
			return false
		}
	}
	return true
}
