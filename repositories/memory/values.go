package memory

import (
	"encoding/json"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/upb/tenant-isolation/models"
)

// normalize folds the many Go shapes a document value can take into a small
// set: float64, string, bool, time.Time, nil, models.Document, []interface{}.
func normalize(v interface{}) interface{} {
	switch val := v.(type) {
	case nil:
		return nil
	case int:
		return float64(val)
	case int8:
		return float64(val)
	case int16:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case uint:
		return float64(val)
	case uint8:
		return float64(val)
	case uint16:
		return float64(val)
	case uint32:
		return float64(val)
	case uint64:
		return float64(val)
	case float32:
		return float64(val)
	case float64:
		return val
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return val.String()
		}
		return f
	case uuid.UUID:
		return val.String()
	case *uuid.UUID:
		if val == nil {
			return nil
		}
		return val.String()
	case time.Time:
		return val
	case *time.Time:
		if val == nil {
			return nil
		}
		return *val
	case map[string]interface{}:
		return models.Document(val)
	}
	if s, ok := models.AsSlice(v); ok {
		return s
	}
	return v
}

func toFloat(v interface{}) (float64, bool) {
	f, ok := normalize(v).(float64)
	return f, ok
}

// asTime accepts time values and RFC3339 strings
func asTime(v interface{}) (time.Time, bool) {
	switch val := normalize(v).(type) {
	case time.Time:
		return val, true
	case string:
		t, err := time.Parse(time.RFC3339Nano, val)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	}
	return time.Time{}, false
}

func valuesEqual(a, b interface{}) bool {
	na, nb := normalize(a), normalize(b)
	if na == nil || nb == nil {
		return na == nil && nb == nil
	}
	if c, ok := compareValues(na, nb); ok {
		return c == 0
	}
	return reflect.DeepEqual(na, nb)
}

// compareValues orders two scalar values of compatible types. The second
// result is false when the values cannot be ordered against each other.
func compareValues(a, b interface{}) (int, bool) {
	na, nb := normalize(a), normalize(b)
	switch x := na.(type) {
	case float64:
		y, ok := nb.(float64)
		if !ok {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	case time.Time:
		y, ok := asTime(nb)
		if !ok {
			return 0, false
		}
		return x.Compare(y), true
	case string:
		if y, ok := nb.(time.Time); ok {
			xt, ok := asTime(x)
			if !ok {
				return 0, false
			}
			return xt.Compare(y), true
		}
		y, ok := nb.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(x, y), true
	case bool:
		y, ok := nb.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case x == y:
			return 0, true
		case !x:
			return -1, true
		}
		return 1, true
	}
	return 0, false
}

// typeRank gives a total order across types for sorting
func typeRank(v interface{}) int {
	switch normalize(v).(type) {
	case nil:
		return 0
	case float64:
		return 1
	case string:
		return 2
	case models.Document:
		return 3
	case []interface{}:
		return 4
	case bool:
		return 5
	case time.Time:
		return 6
	}
	return 7
}

func sortCompare(a, b interface{}) int {
	if c, ok := compareValues(a, b); ok {
		return c
	}
	ra, rb := typeRank(a), typeRank(b)
	switch {
	case ra < rb:
		return -1
	case ra > rb:
		return 1
	}
	return 0
}

// lookupPath resolves a dotted path inside a document
func lookupPath(doc models.Document, path string) (interface{}, bool) {
	var current interface{} = doc
	for _, part := range strings.Split(path, ".") {
		d, ok := models.AsDocument(current)
		if !ok {
			return nil, false
		}
		current, ok = d[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// setPath assigns a dotted path, creating intermediate documents
func setPath(doc models.Document, path string, value interface{}) {
	parts := strings.Split(path, ".")
	current := doc
	for _, part := range parts[:len(parts)-1] {
		next, ok := models.AsDocument(current[part])
		if !ok {
			next = models.Document{}
		}
		current[part] = next
		current = next
	}
	current[parts[len(parts)-1]] = value
}

// unsetPath removes a dotted path if present
func unsetPath(doc models.Document, path string) {
	parts := strings.Split(path, ".")
	current := doc
	for _, part := range parts[:len(parts)-1] {
		next, ok := models.AsDocument(current[part])
		if !ok {
			return
		}
		current = next
	}
	delete(current, parts[len(parts)-1])
}

// isOperatorDoc reports whether every key of a map value is an operator
func isOperatorDoc(v interface{}) (models.Document, bool) {
	d, ok := models.AsDocument(v)
	if !ok || len(d) == 0 {
		return nil, false
	}
	for k := range d {
		if !strings.HasPrefix(k, "$") {
			return nil, false
		}
	}
	return d, true
}
