package guard

import (
	"fmt"
	"sort"
	"strings"
)

// Classification is the isolation class of a collection
type Classification string

const (
	ClassTenant Classification = "tenant"
	ClassGlobal Classification = "global"
	ClassMixed  Classification = "mixed"
)

// Registry maps collection names to their isolation class. It is read-only
// after construction.
type Registry struct {
	classes map[string]Classification
}

// NewRegistry builds a registry from three disjoint name sets. A name listed
// in more than one set is rejected.
func NewRegistry(tenant, global, mixed []string) (*Registry, error) {
	r := &Registry{classes: make(map[string]Classification)}
	sets := []struct {
		class Classification
		names []string
	}{
		{ClassTenant, tenant},
		{ClassGlobal, global},
		{ClassMixed, mixed},
	}
	for _, set := range sets {
		for _, raw := range set.names {
			name := strings.TrimSpace(raw)
			if name == "" {
				continue
			}
			if existing, ok := r.classes[name]; ok && existing != set.class {
				return nil, fmt.Errorf("collection %q classified as both %s and %s", name, existing, set.class)
			}
			r.classes[name] = set.class
		}
	}
	return r, nil
}

// DefaultRegistry returns the standard classification
func DefaultRegistry() *Registry {
	r, err := NewRegistry(
		[]string{"documents", "tickets", "invoices", "contacts", "customers", "projects", "tasks", "notes", "files", "org_settings"},
		[]string{"plans", "feature_flags", "countries", "currencies", "system_settings"},
		[]string{"templates", "categories", "tags"},
	)
	if err != nil {
		panic(err)
	}
	return r
}

// Classify returns the class of a collection. Unknown names are tenant
// scoped.
func (r *Registry) Classify(collection string) Classification {
	if r != nil {
		if class, ok := r.classes[collection]; ok {
			return class
		}
	}
	return ClassTenant
}

// IsTenantScoped reports whether records of the collection carry an
// organization id, which is true for tenant and mixed collections
func (r *Registry) IsTenantScoped(collection string) bool {
	return r.Classify(collection) != ClassGlobal
}

// Collections returns the registered names of one class, sorted
func (r *Registry) Collections(class Classification) []string {
	var out []string
	for name, c := range r.classes {
		if c == class {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
