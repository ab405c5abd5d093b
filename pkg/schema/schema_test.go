package schema

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/champ/pkg/model"
)

func testSchema() *Schema {
	return &Schema{
		Objects: map[string]ObjectConstraint{
			"pserver": {Properties: map[string]PropertyRule{
				"name":  {Kind: KindString, Required: true},
				"cores": {Kind: KindInteger},
				"load":  {Kind: KindNumber},
			}},
			"vserver": {},
		},
		Relationships: map[string]RelationshipConstraint{
			"runsOn": {
				Endpoints:       []EndpointPair{{Source: "vserver", Target: "pserver"}},
				ForbidSelfLoops: true,
			},
		},
	}
}

func mustObject(t *testing.T, typ string, props map[string]any) *model.Object {
	t.Helper()
	obj, err := model.NewObject(model.ObjectConfig{Type: typ, Properties: props})
	require.NoError(t, err)
	return obj
}

func ruleOf(t *testing.T, err error) Rule {
	t.Helper()
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrSchemaViolation))
	var v *ViolationError
	require.True(t, errors.As(err, &v))
	return v.Rule
}

func TestNilSchemaAcceptsEverything(t *testing.T) {
	var s *Schema
	assert.NoError(t, s.ValidateObject(mustObject(t, "anything", nil)))
	assert.NoError(t, s.Check())
}

func TestValidateObject(t *testing.T) {
	s := testSchema()

	t.Run("missing required property", func(t *testing.T) {
		err := s.ValidateObject(mustObject(t, "pserver", nil))
		assert.Equal(t, RuleMissingProperty, ruleOf(t, err))
		assert.Contains(t, err.Error(), "name")
	})

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, s.ValidateObject(mustObject(t, "pserver", map[string]any{"name": "host1"})))
	})

	t.Run("wrong kind", func(t *testing.T) {
		err := s.ValidateObject(mustObject(t, "pserver", map[string]any{"name": 7}))
		assert.Equal(t, RuleWrongKind, ruleOf(t, err))
	})

	t.Run("integer accepts whole float", func(t *testing.T) {
		assert.NoError(t, s.ValidateObject(mustObject(t, "pserver", map[string]any{"name": "h", "cores": 4.0})))
		err := s.ValidateObject(mustObject(t, "pserver", map[string]any{"name": "h", "cores": 4.5}))
		assert.Equal(t, RuleWrongKind, ruleOf(t, err))
	})

	t.Run("number accepts both", func(t *testing.T) {
		assert.NoError(t, s.ValidateObject(mustObject(t, "pserver", map[string]any{"name": "h", "load": 1})))
		assert.NoError(t, s.ValidateObject(mustObject(t, "pserver", map[string]any{"name": "h", "load": 0.3})))
	})

	t.Run("unknown type", func(t *testing.T) {
		err := s.ValidateObject(mustObject(t, "switch", nil))
		assert.Equal(t, RuleUnknownType, ruleOf(t, err))
	})

	t.Run("strict rejects undeclared property", func(t *testing.T) {
		strict := testSchema()
		strict.Strict = true
		err := strict.ValidateObject(mustObject(t, "pserver", map[string]any{"name": "h", "rack": "r1"}))
		assert.Equal(t, RuleUnknownProperty, ruleOf(t, err))
		assert.NoError(t, s.ValidateObject(mustObject(t, "pserver", map[string]any{"name": "h", "rack": "r1"})))
	})
}

func TestValidateRelationship(t *testing.T) {
	s := testSchema()
	rel := func(src, tgt model.Key) *model.Relationship {
		r, err := model.NewRelationship(model.RelationshipConfig{
			Type: "runsOn", Source: model.RefKey(src), Target: model.RefKey(tgt),
		})
		require.NoError(t, err)
		return r
	}

	assert.NoError(t, s.ValidateRelationship(rel("vm", "host"), "vserver", "pserver"))

	err := s.ValidateRelationship(rel("host", "vm"), "pserver", "vserver")
	assert.Equal(t, RuleDisallowedEndpoints, ruleOf(t, err))

	err = s.ValidateRelationship(rel("vm", "vm"), "vserver", "pserver")
	assert.Equal(t, RuleSelfLoop, ruleOf(t, err))
}

func TestValidatePartitionStopsAtFirstViolation(t *testing.T) {
	s := testSchema()
	good := mustObject(t, "pserver", map[string]any{"name": "a"})
	bad1 := mustObject(t, "pserver", nil)
	bad2 := mustObject(t, "switch", nil)

	p, err := model.NewPartition(model.PartitionConfig{Mutations: []model.Mutation{
		model.UpsertObject(good), model.UpsertObject(bad1), model.UpsertObject(bad2),
	}})
	require.NoError(t, err)

	err = s.ValidatePartition(p, nil)
	var v *ViolationError
	require.ErrorAs(t, err, &v)
	assert.Same(t, bad1, v.Object)
}

func TestValidatePartitionResolvesStoredEndpoints(t *testing.T) {
	s := testSchema()
	vm := mustObject(t, "vserver", nil)
	r, err := model.NewRelationship(model.RelationshipConfig{
		Type: "runsOn", Source: model.RefTo(vm), Target: model.RefKey("host-1"),
	})
	require.NoError(t, err)
	p, err := model.NewPartition(model.PartitionConfig{Mutations: []model.Mutation{
		model.UpsertObject(vm), model.UpsertRelationship(r),
	}})
	require.NoError(t, err)

	resolve := func(ref model.ObjectRef) (string, error) {
		if ref.Key() == "host-1" {
			return "pserver", nil
		}
		return "", errors.New("unknown")
	}
	assert.NoError(t, s.ValidatePartition(p, resolve))
}

func TestCheckRejectsBadDeclarations(t *testing.T) {
	s := &Schema{Objects: map[string]ObjectConstraint{
		"a": {Properties: map[string]PropertyRule{"x": {Kind: "DATE"}}},
	}}
	assert.Error(t, s.Check())

	s = &Schema{
		Objects:       map[string]ObjectConstraint{"a": {}},
		Relationships: map[string]RelationshipConstraint{"r": {Endpoints: []EndpointPair{{Source: "a", Target: "b"}}}},
	}
	assert.Error(t, s.Check())
}

func TestParseYAML(t *testing.T) {
	s, err := ParseYAML([]byte(`
strict: true
objects:
  pserver:
    properties:
      name: {kind: string, required: true}
  vserver: {}
relationships:
  runsOn:
    forbid_self_loops: true
    endpoints:
      - {source: vserver, target: pserver}
`))
	require.NoError(t, err)
	assert.True(t, s.Strict)
	assert.Equal(t, PropertyRule{Kind: KindString, Required: true}, s.Objects["pserver"].Properties["name"])
	assert.True(t, s.Relationships["runsOn"].ForbidSelfLoops)
	assert.Equal(t, []EndpointPair{{Source: "vserver", Target: "pserver"}}, s.Relationships["runsOn"].Endpoints)
}

func TestLoadFileHCL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schema.hcl")
	require.NoError(t, os.WriteFile(path, []byte(`
object "pserver" {
  property "name" {
    kind     = "STRING"
    required = true
  }
}

object "vserver" {}

relationship "runsOn" {
  endpoint {
    source = "vserver"
    target = "pserver"
  }
}
`), 0o644))

	s, err := LoadFile(path)
	require.NoError(t, err)
	assert.False(t, s.Strict)
	assert.Equal(t, PropertyRule{Kind: KindString, Required: true}, s.Objects["pserver"].Properties["name"])
	assert.Contains(t, s.Objects, "vserver")
	assert.Len(t, s.Relationships["runsOn"].Endpoints, 1)

	err = s.ValidateObject(mustObject(t, "pserver", nil))
	assert.ErrorIs(t, err, ErrSchemaViolation)
}

func TestLoadFileUnsupportedExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schema.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o644))
	_, err := LoadFile(path)
	assert.Error(t, err)
}
