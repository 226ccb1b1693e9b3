package memory

import (
	"fmt"
	"sort"
	"strings"

	"github.com/upb/tenant-isolation/models"
	"github.com/upb/tenant-isolation/repositories"
)

// collectionReader returns a snapshot of a collection; used by $lookup and
// $unionWith while the store lock is held
type collectionReader func(name string) []models.Document

func runPipeline(docs []models.Document, pipeline models.Pipeline, read collectionReader) ([]models.Document, error) {
	current := docs
	for i, stage := range pipeline {
		if len(stage) != 1 {
			return nil, fmt.Errorf("stage %d must have exactly one operator", i)
		}
		for op, arg := range stage {
			var err error
			current, err = runStage(current, op, arg, read)
			if err != nil {
				return nil, fmt.Errorf("stage %d (%s): %w", i, op, err)
			}
		}
	}
	return current, nil
}

func runStage(docs []models.Document, op string, arg interface{}, read collectionReader) ([]models.Document, error) {
	switch op {
	case "$match":
		filter, ok := models.AsDocument(arg)
		if !ok {
			return nil, fmt.Errorf("$match expects a document")
		}
		return filterDocs(docs, filter)
	case "$sort":
		fields, err := parseSortSpec(arg)
		if err != nil {
			return nil, err
		}
		sortDocs(docs, fields)
		return docs, nil
	case "$skip":
		n, ok := toFloat(arg)
		if !ok || n < 0 {
			return nil, fmt.Errorf("$skip expects a non-negative number")
		}
		if int(n) >= len(docs) {
			return []models.Document{}, nil
		}
		return docs[int(n):], nil
	case "$limit":
		n, ok := toFloat(arg)
		if !ok || n < 0 {
			return nil, fmt.Errorf("$limit expects a non-negative number")
		}
		if int(n) < len(docs) {
			return docs[:int(n)], nil
		}
		return docs, nil
	case "$project":
		spec, ok := models.AsDocument(arg)
		if !ok {
			return nil, fmt.Errorf("$project expects a document")
		}
		out := make([]models.Document, len(docs))
		for i, d := range docs {
			out[i] = project(d, spec)
		}
		return out, nil
	case "$lookup":
		spec, ok := models.AsDocument(arg)
		if !ok {
			return nil, fmt.Errorf("$lookup expects a document")
		}
		return lookup(docs, spec, read)
	case "$unionWith":
		return unionWith(docs, arg, read)
	case "$group":
		spec, ok := models.AsDocument(arg)
		if !ok {
			return nil, fmt.Errorf("$group expects a document")
		}
		return group(docs, spec)
	case "$count":
		name, ok := arg.(string)
		if !ok || name == "" {
			return nil, fmt.Errorf("$count expects a field name")
		}
		return []models.Document{{name: int64(len(docs))}}, nil
	}
	return nil, fmt.Errorf("%w: %s", repositories.ErrUnsupportedOperator, op)
}

func filterDocs(docs []models.Document, filter models.Document) ([]models.Document, error) {
	out := make([]models.Document, 0, len(docs))
	for _, d := range docs {
		ok, err := Match(d, filter)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, d)
		}
	}
	return out, nil
}

// parseSortSpec accepts {field: 1|-1} or an ordered array of such documents.
// Keys of a single multi-field document are applied in name order.
func parseSortSpec(arg interface{}) ([]repositories.SortField, error) {
	var specs []models.Document
	if d, ok := models.AsDocument(arg); ok {
		specs = []models.Document{d}
	} else if items, ok := models.AsSlice(arg); ok {
		for _, item := range items {
			d, ok := models.AsDocument(item)
			if !ok {
				return nil, fmt.Errorf("$sort entries must be documents")
			}
			specs = append(specs, d)
		}
	} else {
		return nil, fmt.Errorf("$sort expects a document")
	}

	var fields []repositories.SortField
	for _, spec := range specs {
		keys := make([]string, 0, len(spec))
		for k := range spec {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			dir, ok := toFloat(spec[k])
			if !ok || (dir != 1 && dir != -1) {
				return nil, fmt.Errorf("$sort direction for %s must be 1 or -1", k)
			}
			fields = append(fields, repositories.SortField{Field: k, Desc: dir < 0})
		}
	}
	return fields, nil
}

func sortDocs(docs []models.Document, fields []repositories.SortField) {
	if len(fields) == 0 {
		return
	}
	sort.SliceStable(docs, func(i, j int) bool {
		for _, f := range fields {
			a, _ := lookupPath(docs[i], f.Field)
			b, _ := lookupPath(docs[j], f.Field)
			c := sortCompare(a, b)
			if c == 0 {
				continue
			}
			if f.Desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

func truthy(v interface{}) bool {
	switch val := v.(type) {
	case bool:
		return val
	case nil:
		return false
	}
	if f, ok := toFloat(v); ok {
		return f != 0
	}
	return true
}

func project(doc models.Document, spec models.Document) models.Document {
	include := false
	for k, v := range spec {
		if k != models.FieldID && truthy(v) {
			include = true
			break
		}
	}

	if !include {
		out := doc.Clone()
		for k, v := range spec {
			if !truthy(v) {
				unsetPath(out, k)
			}
		}
		return out
	}

	out := models.Document{}
	if v, ok := spec[models.FieldID]; !ok || truthy(v) {
		if id, found := doc[models.FieldID]; found {
			out[models.FieldID] = id
		}
	}
	for k, v := range spec {
		if k == models.FieldID || !truthy(v) {
			continue
		}
		if val, found := lookupPath(doc, k); found {
			setPath(out, k, models.CloneValue(val))
		}
	}
	return out
}

func lookup(docs []models.Document, spec models.Document, read collectionReader) ([]models.Document, error) {
	from, _ := spec["from"].(string)
	as, _ := spec["as"].(string)
	if from == "" || as == "" {
		return nil, fmt.Errorf("$lookup requires from and as")
	}
	localField, _ := spec["localField"].(string)
	foreignField, _ := spec["foreignField"].(string)
	var sub models.Pipeline
	if raw, ok := spec["pipeline"]; ok {
		p, err := toPipeline(raw)
		if err != nil {
			return nil, err
		}
		sub = p
	}
	if sub == nil && (localField == "" || foreignField == "") {
		return nil, fmt.Errorf("$lookup requires localField/foreignField or pipeline")
	}

	foreign := read(from)
	out := make([]models.Document, len(docs))
	for i, d := range docs {
		candidates := foreign
		if localField != "" && foreignField != "" {
			local, _ := lookupPath(d, localField)
			candidates = make([]models.Document, 0)
			for _, f := range foreign {
				fv, found := lookupPath(f, foreignField)
				if found && equalsOrContains(fv, local) {
					candidates = append(candidates, f)
				}
			}
		}
		if sub != nil {
			var err error
			candidates, err = runPipeline(cloneDocs(candidates), sub, read)
			if err != nil {
				return nil, err
			}
		}
		joined := make([]interface{}, len(candidates))
		for j, c := range candidates {
			joined[j] = c.Clone()
		}
		next := d.Clone()
		next[as] = joined
		out[i] = next
	}
	return out, nil
}

func unionWith(docs []models.Document, arg interface{}, read collectionReader) ([]models.Document, error) {
	var (
		coll string
		sub  models.Pipeline
	)
	switch v := arg.(type) {
	case string:
		coll = v
	default:
		spec, ok := models.AsDocument(arg)
		if !ok {
			return nil, fmt.Errorf("$unionWith expects a collection name or document")
		}
		coll, _ = spec["coll"].(string)
		if raw, ok := spec["pipeline"]; ok {
			p, err := toPipeline(raw)
			if err != nil {
				return nil, err
			}
			sub = p
		}
	}
	if coll == "" {
		return nil, fmt.Errorf("$unionWith requires coll")
	}
	other := cloneDocs(read(coll))
	if sub != nil {
		var err error
		other, err = runPipeline(other, sub, read)
		if err != nil {
			return nil, err
		}
	}
	return append(docs, other...), nil
}

func toPipeline(raw interface{}) (models.Pipeline, error) {
	if p, ok := raw.(models.Pipeline); ok {
		return p, nil
	}
	items, ok := models.AsSlice(raw)
	if !ok {
		return nil, fmt.Errorf("pipeline must be an array")
	}
	p := make(models.Pipeline, 0, len(items))
	for _, item := range items {
		d, ok := models.AsDocument(item)
		if !ok {
			return nil, fmt.Errorf("pipeline stages must be documents")
		}
		p = append(p, d)
	}
	return p, nil
}

type accumulator struct {
	op    string
	field string
	value interface{}
	sum   float64
	count int
	set   bool
}

func (a *accumulator) add(doc models.Document) {
	v := a.value
	if a.field != "" {
		v, _ = lookupPath(doc, a.field)
	}
	switch a.op {
	case "$sum", "$avg":
		if f, ok := toFloat(v); ok {
			a.sum += f
			a.count++
		}
	case "$min", "$max":
		if v == nil {
			return
		}
		if !a.set {
			a.value, a.set = v, true
			return
		}
		c := sortCompare(v, a.value)
		if (a.op == "$min" && c < 0) || (a.op == "$max" && c > 0) {
			a.value = v
		}
	}
}

func (a *accumulator) result() interface{} {
	switch a.op {
	case "$sum":
		return a.sum
	case "$avg":
		if a.count == 0 {
			return nil
		}
		return a.sum / float64(a.count)
	}
	if !a.set {
		return nil
	}
	return a.value
}

func fieldRef(v interface{}) (string, bool) {
	s, ok := v.(string)
	if !ok || !strings.HasPrefix(s, "$") {
		return "", false
	}
	return strings.TrimPrefix(s, "$"), true
}

func group(docs []models.Document, spec models.Document) ([]models.Document, error) {
	keyExpr, ok := spec[models.FieldID]
	if !ok {
		return nil, fmt.Errorf("$group requires _id")
	}

	type bucket struct {
		key  interface{}
		accs map[string]*accumulator
	}
	var order []string
	buckets := map[string]*bucket{}

	newAccs := func() (map[string]*accumulator, error) {
		accs := map[string]*accumulator{}
		for name, expr := range spec {
			if name == models.FieldID {
				continue
			}
			ops, ok := isOperatorDoc(expr)
			if !ok || len(ops) != 1 {
				return nil, fmt.Errorf("accumulator %s must have one operator", name)
			}
			for op, arg := range ops {
				switch op {
				case "$sum", "$avg", "$min", "$max":
				default:
					return nil, fmt.Errorf("%w: %s", repositories.ErrUnsupportedOperator, op)
				}
				acc := &accumulator{op: op}
				if field, isRef := fieldRef(arg); isRef {
					acc.field = field
				} else if op == "$sum" || op == "$avg" {
					acc.value = arg
				} else {
					return nil, fmt.Errorf("%s requires a field reference", op)
				}
				accs[name] = acc
			}
		}
		return accs, nil
	}

	for _, d := range docs {
		key := keyExpr
		if field, isRef := fieldRef(keyExpr); isRef {
			key, _ = lookupPath(d, field)
		}
		hash := fmt.Sprintf("%T:%v", normalize(key), normalize(key))
		b, exists := buckets[hash]
		if !exists {
			accs, err := newAccs()
			if err != nil {
				return nil, err
			}
			b = &bucket{key: key, accs: accs}
			buckets[hash] = b
			order = append(order, hash)
		}
		for _, acc := range b.accs {
			acc.add(d)
		}
	}

	out := make([]models.Document, 0, len(order))
	for _, hash := range order {
		b := buckets[hash]
		row := models.Document{models.FieldID: b.key}
		for name, acc := range b.accs {
			row[name] = acc.result()
		}
		out = append(out, row)
	}
	return out, nil
}

func cloneDocs(docs []models.Document) []models.Document {
	out := make([]models.Document, len(docs))
	for i, d := range docs {
		out[i] = d.Clone()
	}
	return out
}
