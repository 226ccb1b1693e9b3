// Package guard validates and rewrites storage operations so they stay
// inside the organization of the active tenant context.
package guard

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/upb/tenant-isolation/models"
	"github.com/upb/tenant-isolation/services"
	"github.com/upb/tenant-isolation/tenancy"
	"go.uber.org/zap"
)

// Operation names the storage operation a payload is validated for
type Operation string

const (
	OpFind      Operation = "find"
	OpCount     Operation = "count"
	OpInsert    Operation = "insert"
	OpUpdate    Operation = "update"
	OpDelete    Operation = "delete"
	OpAggregate Operation = "aggregate"
)

func (o Operation) isWrite() bool {
	return o == OpInsert || o == OpUpdate || o == OpDelete
}

// Config holds configuration for the Guard
type Config struct {
	ViolationBufferSize int
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{ViolationBufferSize: 1000}
}

// Guard checks queries, documents, updates and pipelines against a tenant
// context. Validators never mutate their inputs; they return rewritten copies.
type Guard struct {
	registry *Registry
	logger   *zap.Logger
	now      func() time.Time

	mu           sync.Mutex
	buffer       []ViolationRecord
	next         int
	size         int
	total        int64
	byKind       map[ViolationKind]int64
	joinWarnings int64
}

// NewGuard creates a new Guard
func NewGuard(registry *Registry, cfg Config, logger *zap.Logger) *Guard {
	if registry == nil {
		registry = DefaultRegistry()
	}
	if cfg.ViolationBufferSize <= 0 {
		cfg.ViolationBufferSize = DefaultConfig().ViolationBufferSize
	}
	return &Guard{
		registry: registry,
		logger:   logger,
		now:      time.Now,
		size:     cfg.ViolationBufferSize,
		buffer:   make([]ViolationRecord, 0, cfg.ViolationBufferSize),
		byKind:   make(map[ViolationKind]int64),
	}
}

// Registry returns the classification registry
func (g *Guard) Registry() *Registry {
	return g.registry
}

// ValidateQuery scopes a filter to the context's organization. Global
// collections pass untouched. A filter naming another organization is a
// boundary violation. Reads on mixed collections see global records plus
// the tenant's own; writes only touch the tenant's records.
func (g *Guard) ValidateQuery(collection string, query models.Document, tc *tenancy.TenantContext, op Operation) (models.Document, error) {
	class := g.registry.Classify(collection)
	out := query.Clone()
	if out == nil {
		out = models.Document{}
	}
	if class == ClassGlobal {
		return out, nil
	}
	if tc == nil {
		return nil, contextMissing(collection, op)
	}

	if err := g.checkFilter(KindBoundaryViolation, collection, out, tc, op); err != nil {
		return nil, err
	}

	orgID := tc.OrgIDString()
	if class == ClassMixed && !op.isWrite() {
		widen := models.Document{"$or": []interface{}{
			models.Document{models.FieldScope: models.ScopeGlobal},
			models.Document{models.FieldOrganizationID: orgID},
		}}
		if len(out) == 0 {
			return widen, nil
		}
		return models.Document{"$and": []interface{}{out, widen}}, nil
	}

	out[models.FieldOrganizationID] = orgID
	return out, nil
}

// ValidateDocument prepares a document for insertion. A missing
// organization id is filled in; a different one is rejected. On mixed
// collections scope defaults to tenant, and global records need the
// global:write permission and may not carry an organization id.
func (g *Guard) ValidateDocument(collection string, doc models.Document, tc *tenancy.TenantContext) (models.Document, error) {
	return g.validateDocument(collection, doc, tc, OpInsert)
}

func (g *Guard) validateDocument(collection string, doc models.Document, tc *tenancy.TenantContext, op Operation) (models.Document, error) {
	class := g.registry.Classify(collection)
	out := doc.Clone()
	if out == nil {
		out = models.Document{}
	}
	if class == ClassGlobal {
		return out, nil
	}
	if tc == nil {
		return nil, contextMissing(collection, op)
	}

	if class == ClassMixed {
		scope, _ := out[models.FieldScope].(string)
		switch scope {
		case "":
			out[models.FieldScope] = models.ScopeTenant
		case models.ScopeTenant:
		case models.ScopeGlobal:
			if err := tc.RequirePermission(tenancy.PermissionGlobalWrite); err != nil {
				return nil, err
			}
			if v, ok := out[models.FieldOrganizationID]; ok && v != nil {
				return nil, services.NewDomainError(services.ErrorTypeValidation, "global records cannot carry an organization id", nil).
					WithDetail("collection", collection)
			}
			return out, nil
		default:
			return nil, services.NewDomainError(services.ErrorTypeValidation, "invalid scope "+fmt.Sprint(out[models.FieldScope]), nil).
				WithDetail("collection", collection)
		}
	}

	orgID := tc.OrgIDString()
	if v, ok := out[models.FieldOrganizationID]; ok && v != nil && v != "" {
		given, ok := models.IDString(v)
		if !ok || given != orgID {
			if !ok {
				given = fmt.Sprint(v)
			}
			return nil, g.violation(KindBoundaryViolation, op, collection, tc, given)
		}
	}
	out[models.FieldOrganizationID] = orgID
	return out, nil
}

// ValidateUpdate scopes the filter of an update and rejects any change of
// the organization id: setting it to another organization, unsetting it,
// renaming it, or a replacement document naming another organization.
func (g *Guard) ValidateUpdate(collection string, filter, update models.Document, tc *tenancy.TenantContext) (models.Document, models.Document, error) {
	scopedFilter, err := g.ValidateQuery(collection, filter, tc, OpUpdate)
	if err != nil {
		return nil, nil, err
	}
	class := g.registry.Classify(collection)
	if class == ClassGlobal {
		return scopedFilter, update.Clone(), nil
	}

	if isReplacement(update) {
		replacement, err := g.validateDocument(collection, update, tc, OpUpdate)
		if err != nil {
			return nil, nil, err
		}
		return scopedFilter, replacement, nil
	}

	out := update.Clone()
	orgID := tc.OrgIDString()
	for op, arg := range out {
		fields, ok := models.AsDocument(arg)
		if !ok {
			continue
		}
		for field, value := range fields {
			touchesOrg := field == models.FieldOrganizationID || strings.HasPrefix(field, models.FieldOrganizationID+".")
			switch op {
			case "$set", "$setOnInsert":
				if field == models.FieldOrganizationID {
					given, ok := models.IDString(value)
					if !ok || given != orgID {
						if !ok {
							given = fmt.Sprint(value)
						}
						return nil, nil, g.violation(KindBoundaryViolation, OpUpdate, collection, tc, given)
					}
					continue
				}
				if touchesOrg {
					return nil, nil, g.violation(KindBoundaryViolation, OpUpdate, collection, tc, op+" "+field)
				}
				if class == ClassMixed && field == models.FieldScope && value == models.ScopeGlobal {
					if err := tc.RequirePermission(tenancy.PermissionGlobalWrite); err != nil {
						return nil, nil, err
					}
				}
			case "$rename":
				target, _ := value.(string)
				if touchesOrg || target == models.FieldOrganizationID {
					return nil, nil, g.violation(KindBoundaryViolation, OpUpdate, collection, tc, op+" "+field)
				}
			default:
				if touchesOrg {
					return nil, nil, g.violation(KindBoundaryViolation, OpUpdate, collection, tc, op+" "+field)
				}
			}
		}
	}
	return scopedFilter, out, nil
}

// ValidateAggregation makes the first stage a $match on the context's
// organization, prepending one when absent. Any $match naming another
// organization is a data leak attempt. Joins into tenant data without their
// own organization filter are logged and counted but not blocked.
func (g *Guard) ValidateAggregation(collection string, pipeline models.Pipeline, tc *tenancy.TenantContext) (models.Pipeline, error) {
	class := g.registry.Classify(collection)
	out := pipeline.Clone()
	if class == ClassGlobal {
		g.checkJoins(collection, out, tc)
		return out, nil
	}
	if tc == nil {
		return nil, contextMissing(collection, OpAggregate)
	}

	if err := g.checkPipeline(collection, out, tc); err != nil {
		return nil, err
	}

	if !leadingMatchScoped(out, tc.OrgIDString()) {
		var first models.Document
		if class == ClassMixed {
			first = models.Document{"$or": []interface{}{
				models.Document{models.FieldScope: models.ScopeGlobal},
				models.Document{models.FieldOrganizationID: tc.OrgIDString()},
			}}
		} else {
			first = models.Document{models.FieldOrganizationID: tc.OrgIDString()}
		}
		out = append(models.Pipeline{{"$match": first}}, out...)
	}

	g.checkJoins(collection, out, tc)
	return out, nil
}

// checkFilter raises kind when the filter names an organization other than
// the context's. Only equality and $in conditions are accepted on the
// organization id.
func (g *Guard) checkFilter(kind ViolationKind, collection string, filter models.Document, tc *tenancy.TenantContext, op Operation) error {
	var refs orgRefs
	refs.collect(filter)
	orgID := tc.OrgIDString()
	for _, v := range refs.values {
		if v != orgID {
			return g.violation(kind, op, collection, tc, v)
		}
	}
	if len(refs.opaque) > 0 {
		return g.violation(kind, op, collection, tc, refs.opaque[0])
	}
	return nil
}

// checkPipeline looks for foreign organizations in every $match, including
// the sub-pipelines of joins
func (g *Guard) checkPipeline(collection string, pipeline []models.Document, tc *tenancy.TenantContext) error {
	for _, stage := range pipeline {
		for op, arg := range stage {
			spec, ok := models.AsDocument(arg)
			if !ok {
				continue
			}
			switch op {
			case "$match":
				if err := g.checkFilter(KindDataLeakAttempt, collection, spec, tc, OpAggregate); err != nil {
					return err
				}
			case "$lookup", "$unionWith":
				if err := g.checkPipeline(collection, stagesOf(spec["pipeline"]), tc); err != nil {
					return err
				}
			case "$graphLookup":
				if restrict, ok := models.AsDocument(spec["restrictSearchWithMatch"]); ok {
					if err := g.checkFilter(KindDataLeakAttempt, collection, restrict, tc, OpAggregate); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

// checkJoins warns about joins that pull tenant data without filtering it
func (g *Guard) checkJoins(collection string, pipeline []models.Document, tc *tenancy.TenantContext) {
	for _, stage := range pipeline {
		for op, arg := range stage {
			var from string
			scoped := false
			switch op {
			case "$lookup":
				spec, _ := models.AsDocument(arg)
				from, _ = spec["from"].(string)
				scoped = pipelineFiltersOrg(stagesOf(spec["pipeline"]))
			case "$graphLookup":
				spec, _ := models.AsDocument(arg)
				from, _ = spec["from"].(string)
				if restrict, ok := models.AsDocument(spec["restrictSearchWithMatch"]); ok {
					var refs orgRefs
					refs.collect(restrict)
					scoped = refs.found
				}
			case "$unionWith":
				if name, ok := arg.(string); ok {
					from = name
				} else if spec, ok := models.AsDocument(arg); ok {
					from, _ = spec["coll"].(string)
					scoped = pipelineFiltersOrg(stagesOf(spec["pipeline"]))
				}
			default:
				continue
			}
			if from == "" || scoped || !g.registry.IsTenantScoped(from) {
				continue
			}

			g.mu.Lock()
			g.joinWarnings++
			g.mu.Unlock()

			fields := []zap.Field{
				zap.String("collection", collection),
				zap.String("stage", op),
				zap.String("from", from),
			}
			if tc != nil {
				fields = append(fields, zap.String("org_id", tc.OrgIDString()), zap.String("user_id", tc.UserID().String()))
			}
			g.logger.Warn("join into tenant data without organization filter", fields...)
		}
	}
}

func contextMissing(collection string, op Operation) error {
	return services.NewDomainError(services.ErrorTypeContextMissing, "tenant context required for "+collection, nil).
		WithDetail("collection", collection).
		WithDetail("operation", string(op))
}

// leadingMatchScoped reports whether the first stage is a $match pinning the
// organization at its top level
func leadingMatchScoped(pipeline models.Pipeline, orgID string) bool {
	if len(pipeline) == 0 {
		return false
	}
	match, ok := models.AsDocument(pipeline[0]["$match"])
	if !ok {
		return false
	}
	v, ok := match[models.FieldOrganizationID]
	if !ok {
		return false
	}
	var refs orgRefs
	refs.value(v)
	if len(refs.opaque) > 0 || len(refs.values) == 0 {
		return false
	}
	for _, id := range refs.values {
		if id != orgID {
			return false
		}
	}
	return true
}

func pipelineFiltersOrg(stages []models.Document) bool {
	for _, stage := range stages {
		if match, ok := models.AsDocument(stage["$match"]); ok {
			var refs orgRefs
			refs.collect(match)
			if refs.found {
				return true
			}
		}
	}
	return false
}

func stagesOf(v interface{}) []models.Document {
	switch val := v.(type) {
	case models.Pipeline:
		return val
	case []models.Document:
		return val
	}
	items, ok := models.AsSlice(v)
	if !ok {
		return nil
	}
	out := make([]models.Document, 0, len(items))
	for _, item := range items {
		if doc, ok := models.AsDocument(item); ok {
			out = append(out, doc)
		}
	}
	return out
}

// isReplacement reports whether an update is a whole document rather than
// a set of operators
func isReplacement(update models.Document) bool {
	for k := range update {
		if strings.HasPrefix(k, "$") {
			return false
		}
	}
	return true
}

// orgRefs collects the organization ids a filter names
type orgRefs struct {
	found  bool
	values []string
	opaque []string
}

func (r *orgRefs) collect(filter models.Document) {
	for key, val := range filter {
		switch key {
		case "$and", "$or", "$nor":
			branches, _ := models.AsSlice(val)
			for _, b := range branches {
				if doc, ok := models.AsDocument(b); ok {
					r.collect(doc)
				}
			}
		case models.FieldOrganizationID:
			r.found = true
			r.value(val)
		}
	}
}

func (r *orgRefs) value(val interface{}) {
	if doc, ok := models.AsDocument(val); ok {
		if len(doc) == 0 {
			r.opaque = append(r.opaque, "{}")
			return
		}
		for op, arg := range doc {
			switch op {
			case "$eq":
				r.value(arg)
			case "$in":
				items, ok := models.AsSlice(arg)
				if !ok {
					r.opaque = append(r.opaque, "$in")
					continue
				}
				for _, item := range items {
					r.value(item)
				}
			default:
				r.opaque = append(r.opaque, op)
			}
		}
		return
	}
	if id, ok := models.IDString(val); ok {
		r.values = append(r.values, id)
		return
	}
	r.opaque = append(r.opaque, fmt.Sprint(val))
}
