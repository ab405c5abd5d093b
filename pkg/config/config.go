// Package config loads Champ configuration from environment variables and
// YAML files.
//
// Settings come from three layers. Defaults apply first, a YAML file (if any)
// overrides them, and CHAMP_-prefixed environment variables override both.
//
// Example Usage:
//
//	cfg, err := config.Load("champ.yaml")
//	if err != nil {
//		log.Fatalf("Invalid config: %v", err)
//	}
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("Invalid config: %v", err)
//	}
//
//	api, err := champ.NewInstance(cfg.Backend.Type, cfg.Backend.Properties(), champ.Options{
//		Pipeline: cfg.Events.PipelineOptions(),
//	})
//
// Environment Variables:
//
// Backend:
//   - CHAMP_BACKEND="in-memory", "badger" or "neo4j"
//   - CHAMP_BADGER_DATA_DIR="./data"
//   - CHAMP_BADGER_IN_MEMORY=false
//   - CHAMP_BADGER_SYNC_WRITES=false
//   - CHAMP_BADGER_LOW_MEMORY=false
//   - CHAMP_BADGER_ENCRYPTION_PASSPHRASE=""
//   - CHAMP_NEO4J_URI="bolt://localhost:7687"
//   - CHAMP_NEO4J_USERNAME, CHAMP_NEO4J_PASSWORD, CHAMP_NEO4J_DATABASE
//
// Graph:
//   - CHAMP_GRAPH="default"
//   - CHAMP_SCHEMA_FILE="schema.yaml" (YAML or HCL)
//   - CHAMP_LOCK_STRIPES=256
//
// Events:
//   - CHAMP_EVENTS_SINK="none", "stdout" or "file"
//   - CHAMP_EVENTS_FILE="events.jsonl"
//   - CHAMP_EVENTS_MAX_RETRIES=3
//   - CHAMP_EVENTS_PUBLISH_TIMEOUT=5s
//   - CHAMP_EVENTS_BREAKER_ENABLED=true
//
// Logging and runtime:
//   - CHAMP_LOG_LEVEL="info", CHAMP_LOG_FORMAT="text", CHAMP_LOG_OUTPUT="stderr"
//   - CHAMP_MEMORY_LIMIT="2GB", CHAMP_GC_PERCENT=100
//
// For a complete list, see LoadFromEnv.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/orneryd/champ/pkg/events"
)

// Config holds all Champ configuration.
//
// Configuration is organized into logical sections:
//   - Backend: storage backend selection and its properties
//   - Graph: default graph name, schema file, lock table size
//   - Events: change event sink, retries and circuit breaker
//   - Logging: slog level, format and destination
//   - Runtime: Go memory limit and GC tuning
type Config struct {
	Backend BackendConfig `yaml:"backend"`
	Graph   GraphConfig   `yaml:"graph"`
	Events  EventsConfig  `yaml:"events"`
	Logging LoggingConfig `yaml:"logging"`
	Runtime RuntimeConfig `yaml:"runtime"`
}

// BackendConfig selects the storage backend.
type BackendConfig struct {
	// Type is a registered backend name
	Type   string       `yaml:"type"`
	Badger BadgerConfig `yaml:"badger"`
	Neo4j  Neo4jConfig  `yaml:"neo4j"`
	// Extra is passed through to the backend unchanged
	Extra map[string]string `yaml:"properties"`
}

// BadgerConfig holds settings for the badger backend.
type BadgerConfig struct {
	DataDir              string `yaml:"data_dir"`
	InMemory             bool   `yaml:"in_memory"`
	SyncWrites           bool   `yaml:"sync_writes"`
	LowMemory            bool   `yaml:"low_memory"`
	EncryptionPassphrase string `yaml:"encryption_passphrase"`
	EncryptionSalt       string `yaml:"encryption_salt"`
}

// Neo4jConfig holds settings for the neo4j backend.
type Neo4jConfig struct {
	URI      string `yaml:"uri"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// GraphConfig holds per-graph settings.
type GraphConfig struct {
	// Name of the graph the CLI works on
	Name string `yaml:"name"`
	// SchemaFile is installed on the graph when set
	SchemaFile string `yaml:"schema_file"`
	// LockStripes sizes the commit key lock table
	LockStripes int `yaml:"lock_stripes"`
}

// EventsConfig configures change event delivery.
type EventsConfig struct {
	// Sink is "none", "stdout" or "file"
	Sink   string `yaml:"sink"`
	File   string `yaml:"file"`
	Source string `yaml:"source"`

	MaxRetries        int           `yaml:"max_retries"`
	InitialDelay      time.Duration `yaml:"initial_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	// PublishTimeout bounds one delivery attempt
	PublishTimeout time.Duration `yaml:"publish_timeout"`

	BreakerEnabled      bool          `yaml:"breaker_enabled"`
	BreakerTimeout      time.Duration `yaml:"breaker_timeout"`
	BreakerFailureRatio float64       `yaml:"breaker_failure_ratio"`
	BreakerMinRequests  uint32        `yaml:"breaker_min_requests"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is debug, info, warn or error
	Level string `yaml:"level"`
	// Format is text or json
	Format string `yaml:"format"`
	// Output is stderr, stdout or a file path
	Output string `yaml:"output"`
}

// RuntimeConfig tunes the Go runtime.
type RuntimeConfig struct {
	// MemoryLimit is a size like "2GB". Empty or "0" means unlimited.
	MemoryLimit string `yaml:"memory_limit"`
	GCPercent   int    `yaml:"gc_percent"`
}

// Default returns the built-in defaults.
func Default() *Config {
	retry := events.DefaultRetryConfig()
	breaker := events.DefaultBreakerConfig()
	return &Config{
		Backend: BackendConfig{
			Type: "in-memory",
			Badger: BadgerConfig{
				DataDir: "./data",
			},
			Neo4j: Neo4jConfig{
				URI:      "bolt://localhost:7687",
				Username: "neo4j",
				Database: "neo4j",
			},
		},
		Graph: GraphConfig{
			Name:        "default",
			LockStripes: 256,
		},
		Events: EventsConfig{
			Sink:                "none",
			Source:              "champ",
			MaxRetries:          retry.MaxRetries,
			InitialDelay:        retry.InitialDelay,
			MaxDelay:            retry.MaxDelay,
			BackoffMultiplier:   retry.BackoffMultiplier,
			PublishTimeout:      events.DefaultPublishTimeout,
			BreakerEnabled:      true,
			BreakerTimeout:      breaker.Timeout,
			BreakerFailureRatio: breaker.FailureRatio,
			BreakerMinRequests:  breaker.MinRequests,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Runtime: RuntimeConfig{
			GCPercent: 100,
		},
	}
}

// LoadFromEnv returns the defaults overridden by CHAMP_ environment
// variables.
func LoadFromEnv() *Config {
	cfg := Default()
	cfg.applyEnv()
	return cfg
}

// LoadFile reads a YAML file over the defaults. Unknown keys are an error.
// Environment variables are not applied; use Load for that.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// Load reads path (if not empty) and then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = LoadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Backend.Type = getEnv("CHAMP_BACKEND", c.Backend.Type)

	c.Backend.Badger.DataDir = getEnv("CHAMP_BADGER_DATA_DIR", c.Backend.Badger.DataDir)
	c.Backend.Badger.InMemory = getEnvBool("CHAMP_BADGER_IN_MEMORY", c.Backend.Badger.InMemory)
	c.Backend.Badger.SyncWrites = getEnvBool("CHAMP_BADGER_SYNC_WRITES", c.Backend.Badger.SyncWrites)
	c.Backend.Badger.LowMemory = getEnvBool("CHAMP_BADGER_LOW_MEMORY", c.Backend.Badger.LowMemory)
	c.Backend.Badger.EncryptionPassphrase = getEnv("CHAMP_BADGER_ENCRYPTION_PASSPHRASE", c.Backend.Badger.EncryptionPassphrase)
	c.Backend.Badger.EncryptionSalt = getEnv("CHAMP_BADGER_ENCRYPTION_SALT", c.Backend.Badger.EncryptionSalt)

	c.Backend.Neo4j.URI = getEnv("CHAMP_NEO4J_URI", c.Backend.Neo4j.URI)
	c.Backend.Neo4j.Username = getEnv("CHAMP_NEO4J_USERNAME", c.Backend.Neo4j.Username)
	c.Backend.Neo4j.Password = getEnv("CHAMP_NEO4J_PASSWORD", c.Backend.Neo4j.Password)
	c.Backend.Neo4j.Database = getEnv("CHAMP_NEO4J_DATABASE", c.Backend.Neo4j.Database)

	c.Graph.Name = getEnv("CHAMP_GRAPH", c.Graph.Name)
	c.Graph.SchemaFile = getEnv("CHAMP_SCHEMA_FILE", c.Graph.SchemaFile)
	c.Graph.LockStripes = getEnvInt("CHAMP_LOCK_STRIPES", c.Graph.LockStripes)

	c.Events.Sink = getEnv("CHAMP_EVENTS_SINK", c.Events.Sink)
	c.Events.File = getEnv("CHAMP_EVENTS_FILE", c.Events.File)
	c.Events.Source = getEnv("CHAMP_EVENTS_SOURCE", c.Events.Source)
	c.Events.MaxRetries = getEnvInt("CHAMP_EVENTS_MAX_RETRIES", c.Events.MaxRetries)
	c.Events.InitialDelay = getEnvDuration("CHAMP_EVENTS_INITIAL_DELAY", c.Events.InitialDelay)
	c.Events.MaxDelay = getEnvDuration("CHAMP_EVENTS_MAX_DELAY", c.Events.MaxDelay)
	c.Events.BackoffMultiplier = getEnvFloat("CHAMP_EVENTS_BACKOFF_MULTIPLIER", c.Events.BackoffMultiplier)
	c.Events.PublishTimeout = getEnvDuration("CHAMP_EVENTS_PUBLISH_TIMEOUT", c.Events.PublishTimeout)
	c.Events.BreakerEnabled = getEnvBool("CHAMP_EVENTS_BREAKER_ENABLED", c.Events.BreakerEnabled)
	c.Events.BreakerTimeout = getEnvDuration("CHAMP_EVENTS_BREAKER_TIMEOUT", c.Events.BreakerTimeout)
	c.Events.BreakerFailureRatio = getEnvFloat("CHAMP_EVENTS_BREAKER_FAILURE_RATIO", c.Events.BreakerFailureRatio)

	c.Logging.Level = getEnv("CHAMP_LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("CHAMP_LOG_FORMAT", c.Logging.Format)
	c.Logging.Output = getEnv("CHAMP_LOG_OUTPUT", c.Logging.Output)

	c.Runtime.MemoryLimit = getEnv("CHAMP_MEMORY_LIMIT", c.Runtime.MemoryLimit)
	c.Runtime.GCPercent = getEnvInt("CHAMP_GC_PERCENT", c.Runtime.GCPercent)
}

// Validate checks the configuration for obvious mistakes. Backend specific
// checks are left to the backend.
func (c *Config) Validate() error {
	if c.Backend.Type == "" {
		return fmt.Errorf("backend type is required")
	}
	if c.Graph.Name == "" {
		return fmt.Errorf("graph name is required")
	}
	if c.Graph.LockStripes < 0 {
		return fmt.Errorf("invalid lock stripes: %d", c.Graph.LockStripes)
	}

	switch c.Events.Sink {
	case "none", "stdout":
	case "file":
		if c.Events.File == "" {
			return fmt.Errorf("events sink is file but no events file is set")
		}
	default:
		return fmt.Errorf("invalid events sink: %q", c.Events.Sink)
	}
	if c.Events.MaxRetries < 0 {
		return fmt.Errorf("invalid events max retries: %d", c.Events.MaxRetries)
	}
	if c.Events.BreakerFailureRatio < 0 || c.Events.BreakerFailureRatio > 1 {
		return fmt.Errorf("invalid breaker failure ratio: %v", c.Events.BreakerFailureRatio)
	}

	if _, err := parseLevel(c.Logging.Level); err != nil {
		return err
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format: %q", c.Logging.Format)
	}

	if parseMemorySize(c.Runtime.MemoryLimit) < 0 {
		return fmt.Errorf("invalid memory limit: %q", c.Runtime.MemoryLimit)
	}
	return nil
}

// String renders the configuration without secrets.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Backend: %s, Graph: %s, Schema: %q, Events: %s, Log: %s/%s, Encrypted: %v}",
		c.Backend.Type,
		c.Graph.Name,
		c.Graph.SchemaFile,
		c.Events.Sink,
		c.Logging.Level, c.Logging.Format,
		c.Backend.Badger.EncryptionPassphrase != "",
	)
}

// Properties returns the key/value properties for the selected backend,
// with Extra layered on top.
func (b BackendConfig) Properties() map[string]string {
	props := make(map[string]string)
	switch b.Type {
	case "badger":
		props["data_dir"] = b.Badger.DataDir
		props["in_memory"] = strconv.FormatBool(b.Badger.InMemory)
		props["sync_writes"] = strconv.FormatBool(b.Badger.SyncWrites)
		props["low_memory"] = strconv.FormatBool(b.Badger.LowMemory)
		if b.Badger.EncryptionPassphrase != "" {
			props["encryption_passphrase"] = b.Badger.EncryptionPassphrase
		}
		if b.Badger.EncryptionSalt != "" {
			props["encryption_salt"] = b.Badger.EncryptionSalt
		}
	case "neo4j":
		props["uri"] = b.Neo4j.URI
		props["username"] = b.Neo4j.Username
		props["password"] = b.Neo4j.Password
		props["database"] = b.Neo4j.Database
	}
	for k, v := range b.Extra {
		props[k] = v
	}
	return props
}

// PipelineOptions converts the events section for events.NewPipeline.
func (e EventsConfig) PipelineOptions() events.PipelineOptions {
	retry := events.RetryConfig{
		MaxRetries:        e.MaxRetries,
		InitialDelay:      e.InitialDelay,
		MaxDelay:          e.MaxDelay,
		BackoffMultiplier: e.BackoffMultiplier,
	}
	breaker := events.DefaultBreakerConfig()
	breaker.Disabled = !e.BreakerEnabled
	breaker.Timeout = e.BreakerTimeout
	breaker.FailureRatio = e.BreakerFailureRatio
	breaker.MinRequests = e.BreakerMinRequests
	return events.PipelineOptions{
		Retry:          &retry,
		Breaker:        &breaker,
		PublishTimeout: e.PublishTimeout,
		Source:         e.Source,
	}
}

// NewLogger builds the slog logger described by the logging section. The
// returned closer releases a log file and is a no-op otherwise.
func (l LoggingConfig) NewLogger() (*slog.Logger, io.Closer, error) {
	level, err := parseLevel(l.Level)
	if err != nil {
		return nil, nil, err
	}

	var w io.Writer
	var closer io.Closer = nopCloser{}
	switch l.Output {
	case "", "stderr":
		w = os.Stderr
	case "stdout":
		w = os.Stdout
	default:
		f, err := os.OpenFile(l.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log output: %w", err)
		}
		w, closer = f, f
	}

	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), closer, nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level: %q", s)
	}
	return level, nil
}

// ApplyRuntimeMemory applies the runtime memory settings to the Go runtime.
// Should be called early in main() before heavy allocations.
func (r RuntimeConfig) ApplyRuntimeMemory() {
	if limit := parseMemorySize(r.MemoryLimit); limit > 0 {
		debug.SetMemoryLimit(limit)
	}
	if r.GCPercent != 100 && r.GCPercent != 0 {
		debug.SetGCPercent(r.GCPercent)
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		// Bare numbers are seconds
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}

// parseMemorySize parses a human-readable memory size string.
// Supports: "1024", "1KB", "1MB", "1GB", "1TB", "0", "unlimited"
func parseMemorySize(s string) int64 {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" || s == "0" || s == "UNLIMITED" {
		return 0
	}

	s = strings.TrimSuffix(s, "B")

	var multiplier int64 = 1
	switch {
	case strings.HasSuffix(s, "K"):
		multiplier = 1024
		s = strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		multiplier = 1024 * 1024
		s = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		multiplier = 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "G")
	case strings.HasSuffix(s, "T"):
		multiplier = 1024 * 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "T")
	}

	val, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return val * multiplier
}

// FormatMemorySize formats bytes as human-readable string.
func FormatMemorySize(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
