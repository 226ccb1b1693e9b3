package audit

import (
	"encoding/json"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/upb/tenant-isolation/models"
)

// sensitiveKeys are redacted when a key matches exactly after normalization
var sensitiveKeys = normalizeAll(
	"pin",
	"ssn",
	"sin",
	"nin",
	"tax_id",
	"passport",
	"authorization",
	"cookie",
	"session_id",
	"card_expiry",
	"iban",
	"account_number",
)

// sensitiveFragments are redacted when they appear anywhere in a
// normalized key
var sensitiveFragments = normalizeAll(
	"password",
	"passwd",
	"secret",
	"token",
	"api_key",
	"private_key",
	"credit_card",
	"card_number",
	"cvv",
	"cvc",
	"social_security",
	"national_id",
)

var keyNormalizer = strings.NewReplacer("_", "", "-", "", " ", "", ".", "")

// normalizeKey folds case and drops separators so snake_case, kebab-case
// and camelCase spellings of a key compare equal
func normalizeKey(key string) string {
	return keyNormalizer.Replace(strings.ToLower(strings.TrimSpace(key)))
}

func normalizeAll(keys ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		out[normalizeKey(k)] = struct{}{}
	}
	return out
}

// IsSensitiveKey reports whether values under key must never be stored
func IsSensitiveKey(key string) bool {
	k := normalizeKey(key)
	if _, ok := sensitiveKeys[k]; ok {
		return true
	}
	for fragment := range sensitiveFragments {
		if strings.Contains(k, fragment) {
			return true
		}
	}
	return false
}

// Sanitize returns a copy of values with every sensitive key redacted, at
// any depth, including maps inside slices
func Sanitize(values map[string]interface{}) map[string]interface{} {
	if values == nil {
		return nil
	}
	out := make(map[string]interface{}, len(values))
	for k, v := range values {
		if IsSensitiveKey(k) {
			out[k] = models.RedactedValue
			continue
		}
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case nil, string, bool, int, int32, int64, float32, float64, time.Time, uuid.UUID:
		return v
	case []string:
		return models.CloneValue(v)
	case []byte:
		return append([]byte(nil), val...)
	}
	if doc, ok := models.AsDocument(v); ok {
		return Sanitize(doc)
	}
	if items, ok := models.AsSlice(v); ok {
		return sanitizeSlice(items)
	}
	return sanitizeReflect(reflect.ValueOf(v), v)
}

func sanitizeSlice(items []interface{}) []interface{} {
	out := make([]interface{}, len(items))
	for i, item := range items {
		out[i] = sanitizeValue(item)
	}
	return out
}

// sanitizeReflect handles typed containers: maps keyed by strings, slices,
// arrays, pointers and structs. Structs are redacted through their JSON form.
func sanitizeReflect(rv reflect.Value, v interface{}) interface{} {
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return v
		}
		if rv.IsNil() {
			return v
		}
		doc := make(map[string]interface{}, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			doc[iter.Key().String()] = iter.Value().Interface()
		}
		return Sanitize(doc)
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return v
		}
		items := make([]interface{}, rv.Len())
		for i := range items {
			items[i] = rv.Index(i).Interface()
		}
		return sanitizeSlice(items)
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return v
		}
		return sanitizeValue(rv.Elem().Interface())
	case reflect.Struct:
		raw, err := json.Marshal(v)
		if err != nil {
			return models.RedactedValue
		}
		var decoded interface{}
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return models.RedactedValue
		}
		return sanitizeValue(decoded)
	}
	return v
}
