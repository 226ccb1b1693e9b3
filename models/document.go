package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Well-known document fields
const (
	FieldID             = "_id"
	FieldOrganizationID = "organization_id"
	FieldScope          = "scope"
	FieldCreatedAt      = "created_at"
	FieldUpdatedAt      = "updated_at"
)

// Values of the scope field in mixed-scope collections
const (
	ScopeGlobal = "global"
	ScopeTenant = "tenant"
)

// Document is a schemaless record, filter, update or pipeline stage.
type Document map[string]interface{}

// Pipeline is an ordered list of aggregation stages
type Pipeline []Document

// Clone returns a deep copy of the document. Nested documents, plain maps and
// slices are copied; scalar values are shared.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = CloneValue(v)
	}
	return out
}

// Clone returns a deep copy of every stage
func (p Pipeline) Clone() Pipeline {
	if p == nil {
		return nil
	}
	out := make(Pipeline, len(p))
	for i, stage := range p {
		out[i] = stage.Clone()
	}
	return out
}

// CloneValue deep-copies maps and slices found in document values
func CloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case Document:
		return val.Clone()
	case map[string]interface{}:
		return Document(val).Clone()
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = CloneValue(item)
		}
		return out
	case []Document:
		out := make([]Document, len(val))
		for i, item := range val {
			out[i] = item.Clone()
		}
		return out
	case []map[string]interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = Document(item).Clone()
		}
		return out
	case []string:
		out := make([]string, len(val))
		copy(out, val)
		return out
	default:
		return v
	}
}

// AsDocument converts the map-shaped values stored inside documents
func AsDocument(v interface{}) (Document, bool) {
	switch val := v.(type) {
	case Document:
		return val, true
	case map[string]interface{}:
		return Document(val), true
	}
	return nil, false
}

// AsSlice converts the slice-shaped values stored inside documents
func AsSlice(v interface{}) ([]interface{}, bool) {
	switch val := v.(type) {
	case []interface{}:
		return val, true
	case []Document:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = item
		}
		return out, true
	case []map[string]interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = Document(item)
		}
		return out, true
	case []string:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = item
		}
		return out, true
	}
	return nil, false
}

// IDString normalizes identifier values (strings, UUIDs, Stringers) to their
// string form. The second return value is false for anything else.
func IDString(v interface{}) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case uuid.UUID:
		return val.String(), true
	case *uuid.UUID:
		if val == nil {
			return "", false
		}
		return val.String(), true
	case fmt.Stringer:
		return val.String(), true
	}
	return "", false
}

// Timestamp reads a time value from a document field. Values that went
// through JSON are parsed as RFC3339.
func (d Document) Timestamp(field string) (time.Time, bool) {
	switch v := d[field].(type) {
	case time.Time:
		return v, true
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	}
	return time.Time{}, false
}
