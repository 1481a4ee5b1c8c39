package collections

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrUnknownCollection = errors.New("collections: unknown collection")
	ErrMissingPrimaryKey = errors.New("collections: primary key field missing")
	ErrInvalidPrimaryKey = errors.New("collections: invalid primary key")
	ErrDependencyCycle   = errors.New("collections: dependency cycle")
)

// Object is a single record of a synced collection.
type Object map[string]any

// Clone returns a shallow copy of the object.
func (o Object) Clone() Object {
	if o == nil {
		return nil
	}
	cloned := make(Object, len(o))
	for key, value := range o {
		cloned[key] = value
	}
	return cloned
}

// PassiveRole describes how a collection takes part in passive-data filtering.
type PassiveRole int

const (
	PassiveRoleNone PassiveRole = iota
	// PassiveRolePage marks the collection holding page records.
	PassiveRolePage
	// PassiveRoleActivator marks collections whose records make the referenced page active.
	PassiveRoleActivator
	// PassiveRoleFollower marks collections dropped together with inactive pages.
	PassiveRoleFollower
)

// Schema describes one synced collection.
type Schema struct {
	Name       string
	PrimaryKey []string
	DependsOn  []string
	// PageRef names the field holding a page url.
	PageRef string
	Passive PassiveRole
	// Derive recomputes derived fields in place after every write.
	Derive func(Object)
}

// Registry holds the synced collections and their dependency order.
type Registry struct {
	schemas map[string]Schema
	order   []string
}

// NewRegistry validates the schemas and computes the dependency order.
func NewRegistry(schemas ...Schema) (*Registry, error) {
	registry := &Registry{schemas: make(map[string]Schema, len(schemas))}
	declared := make([]string, 0, len(schemas))
	for _, schema := range schemas {
		name := strings.TrimSpace(schema.Name)
		if name == "" {
			return nil, fmt.Errorf("collections: schema name is required")
		}
		if _, exists := registry.schemas[name]; exists {
			return nil, fmt.Errorf("collections: duplicate schema %q", name)
		}
		if len(schema.PrimaryKey) == 0 {
			return nil, fmt.Errorf("collections: schema %q has no primary key", name)
		}
		registry.schemas[name] = schema
		declared = append(declared, name)
	}
	for _, name := range declared {
		for _, dependency := range registry.schemas[name].DependsOn {
			if _, ok := registry.schemas[dependency]; !ok {
				return nil, fmt.Errorf("%w: %s depends on %s", ErrUnknownCollection, name, dependency)
			}
		}
	}
	order, err := topologicalOrder(declared, registry.schemas)
	if err != nil {
		return nil, err
	}
	registry.order = order
	return registry, nil
}

// MustRegistry is NewRegistry for static schema sets.
func MustRegistry(schemas ...Schema) *Registry {
	registry, err := NewRegistry(schemas...)
	if err != nil {
		panic(err)
	}
	return registry
}

// Lookup returns the schema registered under name.
func (r *Registry) Lookup(name string) (Schema, bool) {
	schema, ok := r.schemas[name]
	return schema, ok
}

// DependencyOrder lists collections so that every collection follows the ones it references.
func (r *Registry) DependencyOrder() []string {
	order := make([]string, len(r.order))
	copy(order, r.order)
	return order
}

// PrimaryKeyOf renders the canonical primary key of object.
func (r *Registry) PrimaryKeyOf(collection string, object Object) (string, error) {
	schema, ok := r.schemas[collection]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
	}
	values := make([]any, 0, len(schema.PrimaryKey))
	for _, field := range schema.PrimaryKey {
		value, ok := object[field]
		if !ok || value == nil {
			return "", fmt.Errorf("%w: %s.%s", ErrMissingPrimaryKey, collection, field)
		}
		values = append(values, value)
	}
	var encoded []byte
	var err error
	if len(values) == 1 {
		encoded, err = json.Marshal(values[0])
	} else {
		encoded, err = json.Marshal(values)
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPrimaryKey, err)
	}
	return string(encoded), nil
}

// DecodePrimaryKey turns a canonical primary key back into its fields.
func (r *Registry) DecodePrimaryKey(collection, pk string) (Object, error) {
	schema, ok := r.schemas[collection]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
	}
	decoder := json.NewDecoder(strings.NewReader(pk))
	decoder.UseNumber()
	if len(schema.PrimaryKey) == 1 {
		var value any
		if err := decoder.Decode(&value); err != nil || value == nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidPrimaryKey, pk)
		}
		return Object{schema.PrimaryKey[0]: value}, nil
	}
	var values []any
	if err := decoder.Decode(&values); err != nil || len(values) != len(schema.PrimaryKey) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPrimaryKey, pk)
	}
	fields := make(Object, len(values))
	for index, field := range schema.PrimaryKey {
		fields[field] = values[index]
	}
	return fields, nil
}

func topologicalOrder(declared []string, schemas map[string]Schema) ([]string, error) {
	position := make(map[string]int, len(declared))
	for index, name := range declared {
		position[name] = index
	}
	pending := make(map[string]int, len(declared))
	dependents := make(map[string][]string, len(declared))
	for _, name := range declared {
		seen := make(map[string]struct{})
		for _, dependency := range schemas[name].DependsOn {
			if _, dup := seen[dependency]; dup || dependency == name {
				continue
			}
			seen[dependency] = struct{}{}
			pending[name]++
			dependents[dependency] = append(dependents[dependency], name)
		}
	}

	ready := make([]string, 0, len(declared))
	for _, name := range declared {
		if pending[name] == 0 {
			ready = append(ready, name)
		}
	}
	order := make([]string, 0, len(declared))
	for len(ready) > 0 {
		sort.SliceStable(ready, func(i, j int) bool { return position[ready[i]] < position[ready[j]] })
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)
		for _, dependent := range dependents[next] {
			pending[dependent]--
			if pending[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}
	if len(order) != len(declared) {
		return nil, ErrDependencyCycle
	}
	return order, nil
}
