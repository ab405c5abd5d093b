package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "in-memory", cfg.Backend.Type)
	assert.Equal(t, "default", cfg.Graph.Name)
	assert.Equal(t, "none", cfg.Events.Sink)
	assert.True(t, cfg.Events.BreakerEnabled)
	assert.Equal(t, 100, cfg.Runtime.GCPercent)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("CHAMP_BACKEND", "badger")
	t.Setenv("CHAMP_BADGER_DATA_DIR", "/var/lib/champ")
	t.Setenv("CHAMP_BADGER_SYNC_WRITES", "yes")
	t.Setenv("CHAMP_GRAPH", "inventory")
	t.Setenv("CHAMP_EVENTS_MAX_RETRIES", "7")
	t.Setenv("CHAMP_EVENTS_INITIAL_DELAY", "2")
	t.Setenv("CHAMP_EVENTS_MAX_DELAY", "1m")
	t.Setenv("CHAMP_EVENTS_PUBLISH_TIMEOUT", "250ms")
	t.Setenv("CHAMP_LOG_LEVEL", "debug")
	t.Setenv("CHAMP_MEMORY_LIMIT", "2GB")

	cfg := LoadFromEnv()
	assert.Equal(t, "badger", cfg.Backend.Type)
	assert.Equal(t, "/var/lib/champ", cfg.Backend.Badger.DataDir)
	assert.True(t, cfg.Backend.Badger.SyncWrites)
	assert.Equal(t, "inventory", cfg.Graph.Name)
	assert.Equal(t, 7, cfg.Events.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.Events.InitialDelay)
	assert.Equal(t, time.Minute, cfg.Events.MaxDelay)
	assert.Equal(t, 250*time.Millisecond, cfg.Events.PipelineOptions().PublishTimeout)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "2GB", cfg.Runtime.MemoryLimit)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromEnvIgnoresBadNumbers(t *testing.T) {
	t.Setenv("CHAMP_LOCK_STRIPES", "lots")
	cfg := LoadFromEnv()
	assert.Equal(t, 256, cfg.Graph.LockStripes)
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, "champ.yaml", `
backend:
  type: neo4j
  neo4j:
    uri: bolt://db:7687
    password: secret
  properties:
    database: graphs
graph:
  name: inventory
  schema_file: schema.hcl
events:
  sink: file
  file: /tmp/events.jsonl
  max_delay: 5s
logging:
  format: json
`)
	cfg, err := LoadFile(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "neo4j", cfg.Backend.Type)
	assert.Equal(t, "bolt://db:7687", cfg.Backend.Neo4j.URI)
	assert.Equal(t, "neo4j", cfg.Backend.Neo4j.Username, "defaults survive")
	assert.Equal(t, "inventory", cfg.Graph.Name)
	assert.Equal(t, 5*time.Second, cfg.Events.MaxDelay)
	assert.Equal(t, "json", cfg.Logging.Format)

	props := cfg.Backend.Properties()
	assert.Equal(t, "bolt://db:7687", props["uri"])
	assert.Equal(t, "secret", props["password"])
	assert.Equal(t, "graphs", props["database"], "extra properties override")
	assert.NotContains(t, cfg.String(), "secret")
}

func TestLoadFileErrors(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := writeFile(t, "bad.yaml", "backend:\n  flavour: mysql\n")
	_, err = LoadFile(path)
	assert.Error(t, err, "unknown keys are rejected")

	empty := writeFile(t, "empty.yaml", "")
	cfg, err := LoadFile(empty)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadAppliesEnvOverFile(t *testing.T) {
	path := writeFile(t, "champ.yaml", "graph:\n  name: from-file\n")
	t.Setenv("CHAMP_GRAPH", "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Graph.Name)

	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Graph.Name)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no backend", func(c *Config) { c.Backend.Type = "" }},
		{"no graph", func(c *Config) { c.Graph.Name = "" }},
		{"negative stripes", func(c *Config) { c.Graph.LockStripes = -1 }},
		{"unknown sink", func(c *Config) { c.Events.Sink = "kafka" }},
		{"file sink without file", func(c *Config) { c.Events.Sink = "file" }},
		{"negative retries", func(c *Config) { c.Events.MaxRetries = -1 }},
		{"ratio above one", func(c *Config) { c.Events.BreakerFailureRatio = 1.5 }},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }},
		{"negative memory", func(c *Config) { c.Runtime.MemoryLimit = "-1GB" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestBackendProperties(t *testing.T) {
	b := BackendConfig{
		Type:   "badger",
		Badger: BadgerConfig{DataDir: "/data", InMemory: true, EncryptionPassphrase: "pw"},
	}
	props := b.Properties()
	assert.Equal(t, "/data", props["data_dir"])
	assert.Equal(t, "true", props["in_memory"])
	assert.Equal(t, "pw", props["encryption_passphrase"])
	assert.NotContains(t, props, "uri")

	assert.Empty(t, BackendConfig{Type: "in-memory"}.Properties())
}

func TestPipelineOptions(t *testing.T) {
	e := Default().Events
	e.BreakerEnabled = false
	e.MaxRetries = 9

	opts := e.PipelineOptions()
	require.NotNil(t, opts.Retry)
	require.NotNil(t, opts.Breaker)
	assert.Equal(t, 9, opts.Retry.MaxRetries)
	assert.True(t, opts.Breaker.Disabled)
	assert.Equal(t, "champ", opts.Source)
}

func TestNewLogger(t *testing.T) {
	logger, closer, err := LoggingConfig{Level: "warn", Format: "json", Output: "stderr"}.NewLogger()
	require.NoError(t, err)
	assert.NotNil(t, logger)
	assert.NoError(t, closer.Close())

	path := filepath.Join(t.TempDir(), "champ.log")
	logger, closer, err = LoggingConfig{Level: "info", Format: "text", Output: path}.NewLogger()
	require.NoError(t, err)
	logger.Info("hello", "k", "v")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "msg=hello")

	_, _, err = LoggingConfig{Level: "chatty"}.NewLogger()
	assert.Error(t, err)
}

func TestParseMemorySize(t *testing.T) {
	tests := []struct {
		input string
		want  int64
	}{
		{"1024", 1024},
		{"1KB", 1024},
		{"512mb", 512 * 1024 * 1024},
		{"2G", 2 * 1024 * 1024 * 1024},
		{"1TB", 1024 * 1024 * 1024 * 1024},
		{"  2GB  ", 2 * 1024 * 1024 * 1024},
		{"", 0},
		{"unlimited", 0},
		{"abc", 0},
		{"-1GB", -1 * 1024 * 1024 * 1024},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, parseMemorySize(tt.input))
		})
	}
}

func TestFormatMemorySize(t *testing.T) {
	assert.Equal(t, "512 B", FormatMemorySize(512))
	assert.Equal(t, "1.50 KB", FormatMemorySize(1536))
	assert.Equal(t, "512.00 MB", FormatMemorySize(512*1024*1024))
	assert.Equal(t, "4.00 GB", FormatMemorySize(4*1024*1024*1024))
}

func TestApplyRuntimeMemory(t *testing.T) {
	// Defaults are a no-op.
	RuntimeConfig{GCPercent: 100}.ApplyRuntimeMemory()
}
