package memory

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/upb/tenant-isolation/models"
	"github.com/upb/tenant-isolation/repositories"
)

// Match reports whether doc satisfies filter. An empty filter matches
// everything.
func Match(doc, filter models.Document) (bool, error) {
	for key, cond := range filter {
		var (
			ok  bool
			err error
		)
		switch key {
		case "$and":
			ok, err = matchLogical(doc, cond, func(n, total int) bool { return n == total })
		case "$or":
			ok, err = matchLogical(doc, cond, func(n, _ int) bool { return n > 0 })
		case "$nor":
			ok, err = matchLogical(doc, cond, func(n, _ int) bool { return n == 0 })
		default:
			if strings.HasPrefix(key, "$") {
				return false, fmt.Errorf("%w: %s", repositories.ErrUnsupportedOperator, key)
			}
			ok, err = matchField(doc, key, cond)
		}
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func matchLogical(doc models.Document, cond interface{}, decide func(matched, total int) bool) (bool, error) {
	clauses, ok := models.AsSlice(cond)
	if !ok {
		return false, fmt.Errorf("logical operator expects an array, got %T", cond)
	}
	matched := 0
	for _, c := range clauses {
		sub, ok := models.AsDocument(c)
		if !ok {
			return false, fmt.Errorf("logical clause must be a document, got %T", c)
		}
		m, err := Match(doc, sub)
		if err != nil {
			return false, err
		}
		if m {
			matched++
		}
	}
	return decide(matched, len(clauses)), nil
}

func matchField(doc models.Document, path string, cond interface{}) (bool, error) {
	value, found := lookupPath(doc, path)
	ops, isOps := isOperatorDoc(cond)
	if !isOps {
		return found && equalsOrContains(value, cond), nil
	}

	for op, arg := range ops {
		var ok bool
		switch op {
		case "$eq":
			ok = found && equalsOrContains(value, arg)
		case "$ne":
			ok = !found || !equalsOrContains(value, arg)
		case "$in":
			list, isList := models.AsSlice(arg)
			if !isList {
				return false, fmt.Errorf("$in expects an array, got %T", arg)
			}
			ok = found && inList(value, list)
		case "$nin":
			list, isList := models.AsSlice(arg)
			if !isList {
				return false, fmt.Errorf("$nin expects an array, got %T", arg)
			}
			ok = !found || !inList(value, list)
		case "$exists":
			want, isBool := arg.(bool)
			if !isBool {
				return false, fmt.Errorf("$exists expects a boolean, got %T", arg)
			}
			ok = found == want
		case "$gt", "$gte", "$lt", "$lte":
			ok = found && compareOp(op, value, arg)
		case "$regex":
			m, err := matchRegex(value, arg, ops["$options"])
			if err != nil {
				return false, err
			}
			ok = found && m
		case "$options":
			continue
		default:
			return false, fmt.Errorf("%w: %s", repositories.ErrUnsupportedOperator, op)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// equalsOrContains applies equality with array semantics: an array field
// matches when it equals the value or contains it
func equalsOrContains(value, want interface{}) bool {
	if valuesEqual(value, want) {
		return true
	}
	if items, ok := models.AsSlice(value); ok {
		for _, item := range items {
			if valuesEqual(item, want) {
				return true
			}
		}
	}
	return false
}

func inList(value interface{}, list []interface{}) bool {
	for _, candidate := range list {
		if equalsOrContains(value, candidate) {
			return true
		}
	}
	return false
}

func compareOp(op string, value, arg interface{}) bool {
	c, ok := compareValues(value, arg)
	if !ok {
		return false
	}
	switch op {
	case "$gt":
		return c > 0
	case "$gte":
		return c >= 0
	case "$lt":
		return c < 0
	default:
		return c <= 0
	}
}

func matchRegex(value, pattern, options interface{}) (bool, error) {
	var re *regexp.Regexp
	switch p := pattern.(type) {
	case *regexp.Regexp:
		re = p
	case string:
		if opts, ok := options.(string); ok && opts != "" {
			p = "(?" + opts + ")" + p
		}
		compiled, err := regexp.Compile(p)
		if err != nil {
			return false, fmt.Errorf("invalid $regex: %w", err)
		}
		re = compiled
	default:
		return false, fmt.Errorf("$regex expects a string, got %T", pattern)
	}
	s, ok := value.(string)
	if !ok {
		return false, nil
	}
	return re.MatchString(s), nil
}
