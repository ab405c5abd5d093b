// Package schema enforces declared type and property constraints on graph
// entities before they reach storage.
//
// A Schema lists the object types and relationship types a graph accepts.
// For each type it declares property rules (expected kind, required or not),
// and for relationships it may restrict which (source type, target type)
// pairs are allowed and whether self-loops are permitted.
//
// Validation is pure: it never touches storage and has no side effects.
// A nil *Schema accepts everything, so graphs without a schema pay nothing.
//
// Example:
//
//	s := &schema.Schema{
//		Objects: map[string]schema.ObjectConstraint{
//			"pserver": {Properties: map[string]schema.PropertyRule{
//				"name": {Kind: schema.KindString, Required: true},
//			}},
//		},
//	}
//	if err := s.ValidateObject(obj); err != nil {
//		var v *schema.ViolationError
//		errors.As(err, &v) // v.Rule == schema.RuleMissingProperty
//	}
package schema

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/orneryd/champ/pkg/model"
)

// ErrSchemaViolation is matched by every *ViolationError.
var ErrSchemaViolation = errors.New("schema violation")

// Kind is the expected kind of a property value.
type Kind string

const (
	KindAny     Kind = "ANY"
	KindString  Kind = "STRING"
	KindInteger Kind = "INTEGER"
	KindFloat   Kind = "FLOAT"
	KindNumber  Kind = "NUMBER"
	KindBoolean Kind = "BOOLEAN"
)

// PropertyRule constrains a single property.
type PropertyRule struct {
	// Kind defaults to ANY when empty.
	Kind     Kind `yaml:"kind"`
	Required bool `yaml:"required"`
}

// ObjectConstraint is the rule set for one object type.
type ObjectConstraint struct {
	Properties map[string]PropertyRule `yaml:"properties"`
}

// EndpointPair is an allowed (source type, target type) combination.
type EndpointPair struct {
	Source string `yaml:"source"`
	Target string `yaml:"target"`
}

// RelationshipConstraint is the rule set for one relationship type.
type RelationshipConstraint struct {
	Properties map[string]PropertyRule `yaml:"properties"`
	// Endpoints lists allowed pairs. Empty allows any pair.
	Endpoints       []EndpointPair `yaml:"endpoints"`
	ForbidSelfLoops bool           `yaml:"forbid_self_loops"`
}

// Schema is the full set of constraints for a graph.
//
// A nil Objects (or Relationships) map leaves that entity kind unconstrained.
// A non-nil map makes it a closed set: types not listed are rejected.
type Schema struct {
	Objects       map[string]ObjectConstraint       `yaml:"objects"`
	Relationships map[string]RelationshipConstraint `yaml:"relationships"`
	// Strict rejects properties that are not declared for the type.
	Strict bool `yaml:"strict"`
}

// Rule names the constraint an entity violated.
type Rule string

const (
	RuleUnknownType         Rule = "UNKNOWN_TYPE"
	RuleMissingProperty     Rule = "MISSING_PROPERTY"
	RuleWrongKind           Rule = "WRONG_KIND"
	RuleUnknownProperty     Rule = "UNKNOWN_PROPERTY"
	RuleDisallowedEndpoints Rule = "DISALLOWED_ENDPOINTS"
	RuleSelfLoop            Rule = "SELF_LOOP"
)

// ViolationError describes why an entity was rejected.
type ViolationError struct {
	Rule       Rule
	EntityKind model.EntityKind
	Type       string
	Key        model.Key
	Property   string
	Message    string

	// Exactly one of these is set.
	Object       *model.Object
	Relationship *model.Relationship
}

func (e *ViolationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "schema violation (%s): %s %q", e.Rule, strings.ToLower(string(e.EntityKind)), e.Type)
	if e.Key != "" {
		fmt.Fprintf(&b, " key=%s", e.Key)
	}
	if e.Property != "" {
		fmt.Fprintf(&b, " property=%s", e.Property)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

// Is lets errors.Is(err, ErrSchemaViolation) match.
func (e *ViolationError) Is(target error) bool { return target == ErrSchemaViolation }

// ValidateObject checks obj against the schema. A nil schema always passes.
func (s *Schema) ValidateObject(obj *model.Object) error {
	if s == nil || s.Objects == nil {
		return nil
	}
	fail := func(rule Rule, prop, msg string) error {
		return &ViolationError{
			Rule: rule, EntityKind: model.KindObject, Type: obj.Type(), Key: obj.Key(),
			Property: prop, Message: msg, Object: obj,
		}
	}
	c, ok := s.Objects[obj.Type()]
	if !ok {
		return fail(RuleUnknownType, "", "type is not declared")
	}
	return s.checkProperties(c.Properties, obj.Properties(), fail)
}

// ValidateRelationship checks rel against the schema. sourceType and
// targetType are the types of the resolved endpoint objects.
func (s *Schema) ValidateRelationship(rel *model.Relationship, sourceType, targetType string) error {
	if s == nil || s.Relationships == nil {
		return nil
	}
	fail := func(rule Rule, prop, msg string) error {
		return &ViolationError{
			Rule: rule, EntityKind: model.KindRelationship, Type: rel.Type(), Key: rel.Key(),
			Property: prop, Message: msg, Relationship: rel,
		}
	}
	c, ok := s.Relationships[rel.Type()]
	if !ok {
		return fail(RuleUnknownType, "", "type is not declared")
	}
	if c.ForbidSelfLoops && sameEndpoint(rel) {
		return fail(RuleSelfLoop, "", "self-loops are not allowed")
	}
	if len(c.Endpoints) > 0 {
		allowed := slices.ContainsFunc(c.Endpoints, func(p EndpointPair) bool {
			return p.Source == sourceType && p.Target == targetType
		})
		if !allowed {
			return fail(RuleDisallowedEndpoints, "", fmt.Sprintf("%s -> %s is not an allowed endpoint pair", sourceType, targetType))
		}
	}
	return s.checkProperties(c.Properties, rel.Properties(), fail)
}

func sameEndpoint(rel *model.Relationship) bool {
	src, tgt := rel.Source(), rel.Target()
	if src.Object() != nil && src.Object() == tgt.Object() {
		return true
	}
	return src.Key() != "" && src.Key() == tgt.Key()
}

func (s *Schema) checkProperties(rules map[string]PropertyRule, props map[string]any, fail func(Rule, string, string) error) error {
	names := make([]string, 0, len(rules))
	for name := range rules {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		rule := rules[name]
		v, ok := props[name]
		if !ok {
			if rule.Required {
				return fail(RuleMissingProperty, name, "required property is missing")
			}
			continue
		}
		if err := CheckKind(v, rule.Kind); err != nil {
			return fail(RuleWrongKind, name, err.Error())
		}
	}

	if s.Strict {
		extra := make([]string, 0)
		for name := range props {
			if _, ok := rules[name]; !ok {
				extra = append(extra, name)
			}
		}
		if len(extra) > 0 {
			slices.Sort(extra)
			return fail(RuleUnknownProperty, extra[0], "property is not declared")
		}
	}
	return nil
}

// CheckKind reports whether value matches kind.
//
// INTEGER also accepts whole-number floats, since JSON decoders produce
// float64 for every number. NUMBER accepts any integer or float.
func CheckKind(value any, kind Kind) error {
	switch kind {
	case "", KindAny:
		return nil
	case KindString:
		if _, ok := value.(string); ok {
			return nil
		}
	case KindInteger:
		switch v := value.(type) {
		case int64:
			return nil
		case float64:
			if v == float64(int64(v)) {
				return nil
			}
		}
	case KindFloat:
		if _, ok := value.(float64); ok {
			return nil
		}
	case KindNumber:
		switch value.(type) {
		case int64, float64:
			return nil
		}
	case KindBoolean:
		if _, ok := value.(bool); ok {
			return nil
		}
	default:
		return fmt.Errorf("unknown property kind %s", kind)
	}
	return fmt.Errorf("expected %s, got %T", kind, value)
}

// Check verifies the schema declaration itself.
func (s *Schema) Check() error {
	if s == nil {
		return nil
	}
	for typ, c := range s.Objects {
		if typ == "" {
			return fmt.Errorf("object type name must not be empty")
		}
		if err := checkRules(c.Properties); err != nil {
			return fmt.Errorf("object %q: %w", typ, err)
		}
	}
	for typ, c := range s.Relationships {
		if typ == "" {
			return fmt.Errorf("relationship type name must not be empty")
		}
		if err := checkRules(c.Properties); err != nil {
			return fmt.Errorf("relationship %q: %w", typ, err)
		}
		for _, p := range c.Endpoints {
			if p.Source == "" || p.Target == "" {
				return fmt.Errorf("relationship %q: endpoint pair needs both source and target", typ)
			}
			if s.Objects != nil {
				if _, ok := s.Objects[p.Source]; !ok {
					return fmt.Errorf("relationship %q: endpoint source %q is not a declared object type", typ, p.Source)
				}
				if _, ok := s.Objects[p.Target]; !ok {
					return fmt.Errorf("relationship %q: endpoint target %q is not a declared object type", typ, p.Target)
				}
			}
		}
	}
	return nil
}

func checkRules(rules map[string]PropertyRule) error {
	for name, r := range rules {
		if name == "" {
			return fmt.Errorf("property name must not be empty")
		}
		switch r.Kind {
		case "", KindAny, KindString, KindInteger, KindFloat, KindNumber, KindBoolean:
		default:
			return fmt.Errorf("property %q: unknown kind %q", name, r.Kind)
		}
	}
	return nil
}

// TypeResolver returns the object type an endpoint reference points at.
type TypeResolver func(ref model.ObjectRef) (string, error)

// ValidatePartition validates every upsert of p in order and returns the
// first violation. Deletes are not validated.
func (s *Schema) ValidatePartition(p *model.Partition, resolve TypeResolver) error {
	if s == nil {
		return nil
	}
	for _, m := range p.Mutations() {
		switch m.Op {
		case model.OpUpsertObject:
			if err := s.ValidateObject(m.Object); err != nil {
				return err
			}
		case model.OpUpsertRelationship:
			srcType, err := endpointType(m.Relationship.Source(), resolve)
			if err != nil {
				return err
			}
			tgtType, err := endpointType(m.Relationship.Target(), resolve)
			if err != nil {
				return err
			}
			if err := s.ValidateRelationship(m.Relationship, srcType, tgtType); err != nil {
				return err
			}
		}
	}
	return nil
}

func endpointType(ref model.ObjectRef, resolve TypeResolver) (string, error) {
	if obj := ref.Object(); obj != nil {
		return obj.Type(), nil
	}
	if resolve == nil {
		return "", nil
	}
	return resolve(ref)
}
