package champ

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/orneryd/champ/pkg/storage"
)

// Built-in backend names.
const (
	BackendInMemory = "in-memory"
	BackendBadger   = "badger"
	BackendNeo4j    = "neo4j"
)

// Properties is the free-form backend configuration passed through from the
// caller. Keys are backend specific.
type Properties map[string]string

// Get returns the value for key, or "".
func (p Properties) Get(key string) string { return p[key] }

// Bool parses key as a boolean. A missing key is false.
func (p Properties) Bool(key string) (bool, error) {
	v, ok := p[key]
	if !ok || v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("property %s: %q is not a boolean", key, v)
	}
	return b, nil
}

// BackendFactory creates storage engines for one backend type.
type BackendFactory interface {
	// Validate checks props without opening anything.
	Validate(props Properties) error
	// Open returns the engine for the named graph.
	Open(graph string, props Properties, logger *slog.Logger) (storage.Engine, error)
}

var (
	backendsMu sync.RWMutex
	backends   = map[string]BackendFactory{
		BackendInMemory: memoryBackend{},
		BackendBadger:   badgerBackend{},
		BackendNeo4j:    neo4jBackend{},
	}
)

// Register makes a backend available under name. It panics if name is
// already registered or f is nil.
func Register(name string, f BackendFactory) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	if f == nil {
		panic("champ: Register backend is nil")
	}
	if _, dup := backends[name]; dup {
		panic("champ: Register called twice for backend " + name)
	}
	backends[name] = f
}

// Backends returns the registered backend names, sorted.
func Backends() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func lookupBackend(name string) (BackendFactory, bool) {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	f, ok := backends[name]
	return f, ok
}

type memoryBackend struct{}

func (memoryBackend) Validate(Properties) error { return nil }

func (memoryBackend) Open(string, Properties, *slog.Logger) (storage.Engine, error) {
	return storage.NewMemoryEngine(), nil
}

// badgerBackend keeps each graph in its own subdirectory of data_dir.
//
// Properties:
//
//	data_dir               required unless in_memory=true
//	in_memory              keep everything in RAM
//	sync_writes            fsync every commit
//	low_memory             smaller memtables and caches
//	encryption_passphrase  enables encryption at rest
//	encryption_salt        salt for the key derivation
type badgerBackend struct{}

func (badgerBackend) options(props Properties) (storage.BadgerOptions, error) {
	var opts storage.BadgerOptions
	var err error
	if opts.InMemory, err = props.Bool("in_memory"); err != nil {
		return opts, err
	}
	if opts.SyncWrites, err = props.Bool("sync_writes"); err != nil {
		return opts, err
	}
	if opts.LowMemory, err = props.Bool("low_memory"); err != nil {
		return opts, err
	}
	opts.DataDir = props.Get("data_dir")
	if opts.DataDir == "" && !opts.InMemory {
		return opts, fmt.Errorf("badger: data_dir is required unless in_memory=true")
	}
	opts.EncryptionPassphrase = props.Get("encryption_passphrase")
	if salt := props.Get("encryption_salt"); salt != "" {
		opts.EncryptionSalt = []byte(salt)
	}
	return opts, nil
}

func (b badgerBackend) Validate(props Properties) error {
	_, err := b.options(props)
	return err
}

func (b badgerBackend) Open(graph string, props Properties, logger *slog.Logger) (storage.Engine, error) {
	opts, err := b.options(props)
	if err != nil {
		return nil, err
	}
	if !opts.InMemory {
		opts.DataDir = filepath.Join(opts.DataDir, url.PathEscape(graph))
	}
	opts.Logger = logger
	return storage.NewBadgerEngineWithOptions(opts)
}

// neo4jBackend scopes each graph inside one database by graph name.
//
// Properties: uri (required), username, password, database.
type neo4jBackend struct{}

const neo4jSetupTimeout = 30 * time.Second

func (neo4jBackend) Validate(props Properties) error {
	uri := props.Get("uri")
	if uri == "" {
		return fmt.Errorf("neo4j: uri is required")
	}
	if _, err := url.Parse(uri); err != nil {
		return fmt.Errorf("neo4j: invalid uri: %w", err)
	}
	return nil
}

func (n neo4jBackend) Open(graph string, props Properties, logger *slog.Logger) (storage.Engine, error) {
	if err := n.Validate(props); err != nil {
		return nil, err
	}
	engine, err := storage.NewNeo4jEngine(storage.Neo4jOptions{
		URI:      props.Get("uri"),
		Username: props.Get("username"),
		Password: props.Get("password"),
		Database: props.Get("database"),
		Graph:    graph,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), neo4jSetupTimeout)
	defer cancel()
	if err := engine.EnsureSchema(ctx); err != nil {
		engine.Close()
		return nil, err
	}
	return engine, nil
}
