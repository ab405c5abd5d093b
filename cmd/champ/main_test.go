package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/champ/pkg/champ"
	"github.com/orneryd/champ/pkg/model"
)

const hostPartition = `
mutations:
  - op: upsert_object
    ref: h1
    type: pserver
    properties: {name: host1, cores: 16}
  - op: upsert_object
    ref: vm1
    type: vserver
    properties: {name: vm1}
  - op: upsert_relationship
    type: runsOn
    source: {ref: vm1}
    target: {ref: h1}
`

const hostSchema = `
objects:
  pserver:
    properties:
      name: {kind: string, required: true}
  vserver:
    properties:
      name: {kind: string, required: true}
relationships:
  runsOn:
    endpoints:
      - {source: vserver, target: pserver}
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCmd(viper.New())
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestParsePartition(t *testing.T) {
	t.Run("refs resolve to objects in the same file", func(t *testing.T) {
		p, err := parsePartition([]byte(hostPartition))
		require.NoError(t, err)
		require.Equal(t, 3, p.Len())

		muts := p.Mutations()
		rel := muts[2].Relationship
		require.NotNil(t, rel)
		assert.Same(t, muts[1].Object, rel.Source().Object())
		assert.Same(t, muts[0].Object, rel.Target().Object())

		cores, ok := muts[0].Object.Property("cores")
		require.True(t, ok)
		assert.Equal(t, int64(16), cores)
	})

	t.Run("keyed endpoints and deletes", func(t *testing.T) {
		p, err := parsePartition([]byte(`
mutations:
  - op: upsert_relationship
    type: runsOn
    source: {key: a}
    target: {key: b}
  - op: delete_object
    key: c
  - op: DELETE_RELATIONSHIP
    key: d
`))
		require.NoError(t, err)
		muts := p.Mutations()
		assert.Equal(t, model.Key("a"), muts[0].Relationship.Source().Key())
		assert.Equal(t, model.OpDeleteObject, muts[1].Op)
		assert.Equal(t, model.OpDeleteRelationship, muts[2].Op)
	})

	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"unknown op", "mutations: [{op: merge, type: x}]", "unknown op"},
		{"unknown ref", "mutations: [{op: upsert_relationship, type: r, source: {ref: a}, target: {key: b}}]", "unknown ref"},
		{"duplicate ref", "mutations: [{op: upsert_object, ref: a, type: x}, {op: upsert_object, ref: a, type: x}]", "defined twice"},
		{"ref and key", "mutations: [{op: upsert_relationship, type: r, source: {ref: a, key: b}, target: {key: b}}]", "not both"},
		{"delete without key", "mutations: [{op: delete_object}]", "needs a key"},
		{"unknown field", "mutations: [{op: upsert_object, type: x, colour: red}]", "colour"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parsePartition([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	t.Run("empty file", func(t *testing.T) {
		_, err := parsePartition(nil)
		assert.ErrorIs(t, err, champ.ErrMalformedEntity)
	})
}

func TestParseScalar(t *testing.T) {
	tests := []struct {
		raw  string
		want any
	}{
		{"host1", "host1"},
		{"42", 42},
		{"1.5", 1.5},
		{"true", true},
		{"", ""},
		{`"42"`, "42"},
	}
	for _, tt := range tests {
		got, err := parseScalar(tt.raw)
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.want, got, tt.raw)
	}

	_, err := parseScalar("[1, 2]")
	assert.Error(t, err)
}

func TestParseDescriptor(t *testing.T) {
	d, err := parseDescriptor("by_name:object:pserver:name")
	require.NoError(t, err)
	assert.Equal(t, model.KindObject, d.Kind)
	assert.Equal(t, "pserver", d.Type)

	d, err = parseDescriptor("any_weight:relationship::weight")
	require.NoError(t, err)
	assert.Equal(t, model.KindRelationship, d.Kind)

	_, err = parseDescriptor("by_name:object:name")
	assert.Error(t, err)
	_, err = parseDescriptor("by_name:edge:x:name")
	assert.Error(t, err)
}

func TestValidateSchemaCommand(t *testing.T) {
	schemaPath := writeFile(t, "schema.yaml", hostSchema)
	partPath := writeFile(t, "part.yaml", hostPartition)

	out, _, err := execute(t, "validate-schema", schemaPath, "--partition", partPath)
	require.NoError(t, err)
	assert.Contains(t, out, "2 object types")
	assert.Contains(t, out, "3 mutations valid")

	bad := writeFile(t, "bad.yaml", strings.Replace(hostPartition, "source: {ref: vm1}", "source: {ref: h1}", 1))
	_, _, err = execute(t, "validate-schema", schemaPath, "--partition", bad)
	assert.ErrorIs(t, err, champ.ErrSchemaViolation)
}

func TestApplyCommandPublishesEvents(t *testing.T) {
	t.Setenv("CHAMP_EVENTS_SINK", "stdout")
	partPath := writeFile(t, "part.yaml", hostPartition)

	out, summary, err := execute(t, "apply", partPath, "--backend", "in-memory", "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, summary, "transaction")

	var envs []map[string]any
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		var env map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &env))
		envs = append(envs, env)
	}
	require.Len(t, envs, 3)
	body := envs[2]["body"].(map[string]any)
	assert.Equal(t, "CREATE", body["operation"])
	assert.Equal(t, "runsOn", body["entity_type"])
}

func TestApplyThenLookupWithBadger(t *testing.T) {
	dataDir := t.TempDir()
	partPath := writeFile(t, "part.yaml", hostPartition)
	common := []string{"--backend", "badger", "--data-dir", dataDir, "--graph", "inventory", "--log-level", "error"}

	_, _, err := execute(t, append([]string{"apply", partPath}, common...)...)
	require.NoError(t, err)

	out, _, err := execute(t, append([]string{"lookup", "--type", "pserver", "--field", "cores", "--value", "16", "--index"}, common...)...)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], `"host1"`)

	out, _, err = execute(t, append([]string{"indexes", "--declare", "by_name:object::name"}, common...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "by_name")
	assert.Contains(t, out, "READY")
}

func TestApplyRejectsInvalidConfig(t *testing.T) {
	partPath := writeFile(t, "part.yaml", hostPartition)
	_, _, err := execute(t, "apply", partPath, "--backend", "nosuch", "--log-level", "error")
	assert.ErrorIs(t, err, champ.ErrUnknownBackend)
}
