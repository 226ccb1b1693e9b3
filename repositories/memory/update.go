package memory

import (
	"fmt"
	"strings"

	"github.com/upb/tenant-isolation/models"
	"github.com/upb/tenant-isolation/repositories"
)

// isReplacement reports whether update is a whole-document replacement.
// Mixing operators and plain fields is an error.
func isReplacement(update models.Document) (bool, error) {
	ops, plain := 0, 0
	for k := range update {
		if strings.HasPrefix(k, "$") {
			ops++
		} else {
			plain++
		}
	}
	if ops > 0 && plain > 0 {
		return false, fmt.Errorf("update mixes operators and fields")
	}
	return plain > 0, nil
}

// applyUpdate returns a new document with update applied to doc. inserting
// enables $setOnInsert.
func applyUpdate(doc, update models.Document, inserting bool) (models.Document, error) {
	replace, err := isReplacement(update)
	if err != nil {
		return nil, err
	}
	if replace {
		out := update.Clone()
		if id, ok := doc[models.FieldID]; ok {
			out[models.FieldID] = id
		}
		return out, nil
	}

	out := doc.Clone()
	for op, arg := range update {
		fields, ok := models.AsDocument(arg)
		if !ok {
			return nil, fmt.Errorf("%s expects a document, got %T", op, arg)
		}
		switch op {
		case "$set":
			for path, v := range fields {
				setPath(out, path, models.CloneValue(v))
			}
		case "$setOnInsert":
			if !inserting {
				continue
			}
			for path, v := range fields {
				setPath(out, path, models.CloneValue(v))
			}
		case "$unset":
			for path := range fields {
				unsetPath(out, path)
			}
		case "$inc":
			for path, v := range fields {
				delta, ok := toFloat(v)
				if !ok {
					return nil, fmt.Errorf("$inc expects a number for %s", path)
				}
				current := 0.0
				if existing, found := lookupPath(out, path); found {
					if current, ok = toFloat(existing); !ok {
						return nil, fmt.Errorf("$inc target %s is not numeric", path)
					}
				}
				setPath(out, path, current+delta)
			}
		default:
			return nil, fmt.Errorf("%w: %s", repositories.ErrUnsupportedOperator, op)
		}
	}
	return out, nil
}

// seedFromFilter builds the starting document of an upsert from the equality
// conditions of a filter
func seedFromFilter(filter models.Document) models.Document {
	seed := models.Document{}
	for k, v := range filter {
		if strings.HasPrefix(k, "$") {
			if k == "$and" {
				if clauses, ok := models.AsSlice(v); ok {
					for _, c := range clauses {
						if sub, ok := models.AsDocument(c); ok {
							for sk, sv := range seedFromFilter(sub) {
								seed[sk] = sv
							}
						}
					}
				}
			}
			continue
		}
		if ops, isOps := isOperatorDoc(v); isOps {
			if eq, ok := ops["$eq"]; ok {
				setPath(seed, k, models.CloneValue(eq))
			}
			continue
		}
		setPath(seed, k, models.CloneValue(v))
	}
	return seed
}
