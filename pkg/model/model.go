// Package model defines the immutable property-graph values Champ works with.
//
// The graph is made of Objects (typed vertices), Relationships (typed, directed
// edges between two Objects) and Partitions (ordered batches of mutations that
// are committed atomically).
//
// Entities are built from a config struct and validated exactly once, at
// construction. A built entity has no setters: changing an entity means
// constructing a replacement and submitting it in a new Partition.
//
// Example Usage:
//
//	host, err := model.NewObject(model.ObjectConfig{
//		Type:       "pserver",
//		Properties: map[string]any{"name": "host1"},
//	})
//	if err != nil {
//		return err // wraps model.ErrMalformedEntity
//	}
//
//	vm, _ := model.NewObject(model.ObjectConfig{Type: "vserver"})
//	runsOn, _ := model.NewRelationship(model.RelationshipConfig{
//		Type:   "runsOn",
//		Source: model.RefTo(vm),
//		Target: model.RefTo(host),
//	})
//
//	p, err := model.NewPartition(model.PartitionConfig{
//		Mutations: []model.Mutation{
//			model.UpsertObject(host),
//			model.UpsertObject(vm),
//			model.UpsertRelationship(runsOn),
//		},
//	})
//
// ELI12:
//
// Think of an Object as a sticky note with a title (its type) and some facts
// written on it (its properties). A Relationship is a piece of string taped
// between two sticky notes. A Partition is an envelope of instructions ("add
// this note", "remove that string") that is either followed completely or
// not at all.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"math"
	"reflect"
)

// ErrMalformedEntity is returned when an entity fails structural validation.
var ErrMalformedEntity = errors.New("malformed entity")

// Key identifies a stored Object or Relationship.
//
// Keys are either supplied by the caller or assigned by the storage engine
// when the entity is first committed.
type Key string

// EntityKind distinguishes vertices from edges.
type EntityKind string

const (
	KindObject       EntityKind = "OBJECT"
	KindRelationship EntityKind = "RELATIONSHIP"
)

// ObjectConfig holds the fields used to build an Object.
type ObjectConfig struct {
	// Type is required and cannot change once the object is stored.
	Type string
	// Key is optional. Empty means the storage engine assigns one on commit.
	Key Key
	// Properties maps names to scalar values (string, number or boolean).
	Properties map[string]any
}

// Object is an immutable graph vertex.
type Object struct {
	typ   string
	key   Key
	props map[string]any
}

// NewObject validates cfg and returns the built Object.
//
// It fails with ErrMalformedEntity when the type is empty, a property name is
// empty, or a property value is not a scalar.
func NewObject(cfg ObjectConfig) (*Object, error) {
	if cfg.Type == "" {
		return nil, malformed("object", "type is required")
	}
	props, err := normalizeProperties("object", cfg.Properties)
	if err != nil {
		return nil, err
	}
	return &Object{typ: cfg.Type, key: cfg.Key, props: props}, nil
}

// Type returns the object's type.
func (o *Object) Type() string { return o.typ }

// Key returns the object's key, or "" when it has not been assigned yet.
func (o *Object) Key() Key { return o.key }

// Properties returns a copy of the object's properties.
func (o *Object) Properties() map[string]any { return maps.Clone(o.props) }

// Property returns a single property value.
func (o *Object) Property(name string) (any, bool) {
	v, ok := o.props[name]
	return v, ok
}

// WithKey returns a copy of the object carrying key.
func (o *Object) WithKey(key Key) *Object {
	return &Object{typ: o.typ, key: key, props: o.props}
}

// WithProperties returns a copy of the object with its properties replaced.
func (o *Object) WithProperties(props map[string]any) (*Object, error) {
	return NewObject(ObjectConfig{Type: o.typ, Key: o.key, Properties: props})
}

// Equal reports whether two objects have the same type, key and properties.
func (o *Object) Equal(other *Object) bool {
	if o == nil || other == nil {
		return o == other
	}
	return o.typ == other.typ && o.key == other.key && reflect.DeepEqual(o.props, other.props)
}

// SameContent compares type and properties, ignoring the key.
func (o *Object) SameContent(other *Object) bool {
	if o == nil || other == nil {
		return o == other
	}
	return o.typ == other.typ && reflect.DeepEqual(o.props, other.props)
}

func (o *Object) String() string {
	return fmt.Sprintf("Object{type=%s key=%s props=%v}", o.typ, o.key, o.props)
}

type objectJSON struct {
	Type       string         `json:"type"`
	Key        Key            `json:"key,omitempty"`
	Properties map[string]any `json:"properties"`
}

// MarshalJSON encodes the object snapshot.
func (o *Object) MarshalJSON() ([]byte, error) {
	return json.Marshal(objectJSON{Type: o.typ, Key: o.key, Properties: o.props})
}

// ObjectRef points a Relationship endpoint at an Object.
//
// RefKey references an object that is already stored. RefTo references an
// Object value, which lets a relationship point at an object created in the
// same partition before that object has a key.
type ObjectRef struct {
	key Key
	obj *Object
}

// RefKey references a stored object by key.
func RefKey(key Key) ObjectRef { return ObjectRef{key: key} }

// RefTo references obj directly.
func RefTo(obj *Object) ObjectRef { return ObjectRef{obj: obj} }

// Key returns the referenced key, or "" for a reference to a keyless object.
func (r ObjectRef) Key() Key {
	if r.obj != nil {
		return r.obj.key
	}
	return r.key
}

// Object returns the referenced Object value, if the ref was made with RefTo.
func (r ObjectRef) Object() *Object { return r.obj }

// IsZero reports whether the ref points at nothing.
func (r ObjectRef) IsZero() bool { return r.obj == nil && r.key == "" }

func (r ObjectRef) String() string {
	if r.obj != nil && r.obj.key == "" {
		return fmt.Sprintf("<pending %s>", r.obj.typ)
	}
	return string(r.Key())
}

// RelationshipConfig holds the fields used to build a Relationship.
type RelationshipConfig struct {
	Type       string
	Key        Key
	Source     ObjectRef
	Target     ObjectRef
	Properties map[string]any
}

// Relationship is an immutable directed edge.
type Relationship struct {
	typ    string
	key    Key
	source ObjectRef
	target ObjectRef
	props  map[string]any
}

// NewRelationship validates cfg and returns the built Relationship.
func NewRelationship(cfg RelationshipConfig) (*Relationship, error) {
	if cfg.Type == "" {
		return nil, malformed("relationship", "type is required")
	}
	if cfg.Source.IsZero() {
		return nil, malformed("relationship", "source is required")
	}
	if cfg.Target.IsZero() {
		return nil, malformed("relationship", "target is required")
	}
	props, err := normalizeProperties("relationship", cfg.Properties)
	if err != nil {
		return nil, err
	}
	return &Relationship{
		typ:    cfg.Type,
		key:    cfg.Key,
		source: cfg.Source,
		target: cfg.Target,
		props:  props,
	}, nil
}

func (r *Relationship) Type() string               { return r.typ }
func (r *Relationship) Key() Key                   { return r.key }
func (r *Relationship) Source() ObjectRef          { return r.source }
func (r *Relationship) Target() ObjectRef          { return r.target }
func (r *Relationship) Properties() map[string]any { return maps.Clone(r.props) }

// Property returns a single property value.
func (r *Relationship) Property(name string) (any, bool) {
	v, ok := r.props[name]
	return v, ok
}

// WithKey returns a copy of the relationship carrying key.
func (r *Relationship) WithKey(key Key) *Relationship {
	cp := *r
	cp.key = key
	return &cp
}

// Resolved returns a copy whose endpoints are plain key references.
// Stored relationships are always in resolved form.
func (r *Relationship) Resolved(source, target Key) *Relationship {
	cp := *r
	cp.source = RefKey(source)
	cp.target = RefKey(target)
	return &cp
}

// Equal compares type, key, endpoint keys and properties.
func (r *Relationship) Equal(other *Relationship) bool {
	if r == nil || other == nil {
		return r == other
	}
	return r.typ == other.typ && r.key == other.key &&
		r.source.Key() == other.source.Key() && r.target.Key() == other.target.Key() &&
		reflect.DeepEqual(r.props, other.props)
}

func (r *Relationship) String() string {
	return fmt.Sprintf("Relationship{type=%s key=%s %s->%s props=%v}", r.typ, r.key, r.source, r.target, r.props)
}

type relationshipJSON struct {
	Type       string         `json:"type"`
	Key        Key            `json:"key,omitempty"`
	Source     Key            `json:"source"`
	Target     Key            `json:"target"`
	Properties map[string]any `json:"properties"`
}

// MarshalJSON encodes the relationship snapshot with endpoint keys.
func (r *Relationship) MarshalJSON() ([]byte, error) {
	return json.Marshal(relationshipJSON{
		Type:       r.typ,
		Key:        r.key,
		Source:     r.source.Key(),
		Target:     r.target.Key(),
		Properties: r.props,
	})
}

// NormalizeValue converts a property value to one of string, int64, float64
// or bool. Any other value is rejected.
//
// All Go integer and float widths are accepted. Storage codecs call this when
// decoding so a value reads back the same way it was written.
func NormalizeValue(v any) (any, error) {
	switch x := v.(type) {
	case string, bool, int64, float64:
		return x, nil
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint:
		return uintValue(uint64(x))
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint64:
		return uintValue(x)
	case float32:
		return float64(x), nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, nil
		}
		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", x.String())
		}
		return f, nil
	case nil:
		return nil, fmt.Errorf("nil value")
	default:
		return namedScalar(v)
	}
}

// namedScalar unwraps defined types such as `type Host string` or Key.
func namedScalar(v any) (any, error) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String:
		return rv.String(), nil
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return uintValue(rv.Uint())
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	}
	return nil, fmt.Errorf("unsupported value kind %T", v)
}

func uintValue(u uint64) (any, error) {
	if u > math.MaxInt64 {
		return nil, fmt.Errorf("integer %d overflows int64", u)
	}
	return int64(u), nil
}

// NormalizeProperties applies NormalizeValue to every entry of props.
func NormalizeProperties(props map[string]any) (map[string]any, error) {
	return normalizeProperties("entity", props)
}

func normalizeProperties(kind string, props map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(props))
	for name, v := range props {
		if name == "" {
			return nil, malformed(kind, "property name must not be empty")
		}
		nv, err := NormalizeValue(v)
		if err != nil {
			return nil, malformed(kind, fmt.Sprintf("property %q: %v", name, err))
		}
		out[name] = nv
	}
	return out, nil
}

func malformed(kind, msg string) error {
	return fmt.Errorf("%w: %s: %s", ErrMalformedEntity, kind, msg)
}
