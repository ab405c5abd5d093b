// Package champ is the entry point of the Champ graph abstraction layer.
//
// An API is bound to one storage backend and hands out named graphs. Each
// Graph owns its storage engine, index manager and transaction engine, and
// exposes CRUD, partition commits, secondary indexes and schema enforcement.
// Every committed mutation becomes a change event delivered to the
// configured publisher.
//
// Backends:
//   - "in-memory": map-based engine, one per graph
//   - "badger": embedded BadgerDB store, one directory per graph
//   - "neo4j": Neo4j over Bolt, graphs share a database and are scoped by name
//
// Further backends can be added with Register.
//
// # ELI12 (Explain Like I'm 12)
//
// The API is a librarian. You ask for the graph called "inventory" and get
// the same notebook every time you ask. When the library closes (Shutdown),
// every notebook is put away, and nobody can borrow one until a new library
// opens.
//
// Example Usage:
//
//	api, err := champ.NewInstance(champ.BackendInMemory, nil, champ.Options{
//		Publisher: events.NewWriterPublisher(os.Stdout),
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer api.Shutdown()
//
//	g, _ := api.Graph("inventory")
//	host, _ := model.NewObject(model.ObjectConfig{
//		Type:       "pserver",
//		Properties: map[string]any{"name": "host1"},
//	})
//	stored, err := g.StoreObject(ctx, host)
//	fmt.Println(stored.Key())
package champ

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/orneryd/champ/pkg/events"
	"github.com/orneryd/champ/pkg/schema"
	"github.com/orneryd/champ/pkg/storage"
)

// Options configures an API instance.
type Options struct {
	Logger *slog.Logger
	// Publisher receives the change events of every graph. Nil drops them.
	Publisher events.Publisher
	// Pipeline tunes retries and the circuit breaker in front of Publisher.
	Pipeline events.PipelineOptions
	// Schema is installed on every graph when it is created.
	Schema *schema.Schema
	// LockStripes sizes the per-graph key lock table.
	LockStripes int
}

// API is a registry of named graphs over one backend.
type API struct {
	backend  string
	factory  BackendFactory
	props    Properties
	opts     Options
	logger   *slog.Logger
	pipeline *events.Pipeline

	mu     sync.Mutex
	graphs map[string]*Graph
	closed bool
}

// NewInstance creates an API over the named backend.
//
// It fails with ErrUnknownBackend if backend is not registered, and returns
// the backend's own validation error unmodified if props are rejected.
func NewInstance(backend string, props Properties, opts Options) (*API, error) {
	factory, ok := lookupBackend(backend)
	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %v)", ErrUnknownBackend, backend, Backends())
	}
	if err := factory.Validate(props); err != nil {
		return nil, err
	}
	if opts.Schema != nil {
		if err := opts.Schema.Check(); err != nil {
			return nil, fmt.Errorf("invalid schema: %w", err)
		}
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pipelineOpts := opts.Pipeline
	if pipelineOpts.Logger == nil {
		pipelineOpts.Logger = logger
	}

	logger.Info("champ instance created", "backend", backend)
	return &API{
		backend:  backend,
		factory:  factory,
		props:    maps.Clone(props),
		opts:     opts,
		logger:   logger,
		pipeline: events.NewPipeline(opts.Publisher, pipelineOpts),
		graphs:   make(map[string]*Graph),
	}, nil
}

// Backend returns the backend name the API was created with.
func (a *API) Backend() string { return a.backend }

// Graph returns the graph called name, creating it on first use. Repeated
// calls with the same name return the same *Graph. Empty names and the
// names "." and ".." fail with ErrInvalidName.
func (a *API) Graph(name string) (*Graph, error) {
	switch name {
	case "":
		return nil, fmt.Errorf("%w: name is required", ErrInvalidName)
	case ".", "..":
		// Backends derive paths from the name.
		return nil, fmt.Errorf("%w: %q is reserved", ErrInvalidName, name)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, ErrShutdown
	}
	if g, ok := a.graphs[name]; ok {
		return g, nil
	}

	logger := a.logger.With("graph", name)
	engine, err := a.factory.Open(name, a.props, logger)
	if err != nil {
		return nil, fmt.Errorf("opening %s graph %q: %w", a.backend, name, err)
	}
	if !storage.IsConcurrencySafe(engine) {
		engine = storage.Serialized(engine)
	}

	g := newGraph(name, engine, graphOptions{
		logger:      logger,
		pipeline:    a.pipeline,
		schema:      a.opts.Schema,
		lockStripes: a.opts.LockStripes,
	})
	a.graphs[name] = g
	logger.Info("graph opened", "backend", a.backend)
	return g, nil
}

// Graphs returns the names of the open graphs, sorted.
func (a *API) Graphs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Sorted(maps.Keys(a.graphs))
}

// EventStats returns the counters of the shared event pipeline.
func (a *API) EventStats() events.Stats {
	return a.pipeline.Stats()
}

// Shutdown closes every graph and releases their storage engines. Graphs are
// closed concurrently and all failures are reported. Calling Shutdown again
// is a no-op.
func (a *API) Shutdown() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	graphs := slices.Collect(maps.Values(a.graphs))
	a.graphs = nil
	a.mu.Unlock()

	var (
		eg   errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, g := range graphs {
		eg.Go(func() error {
			if err := g.Close(); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("closing graph %q: %w", g.Name(), err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = eg.Wait()

	err := errors.Join(errs...)
	if err != nil {
		a.logger.Error("champ shutdown finished with errors", "error", err)
	} else {
		a.logger.Info("champ shut down", "graphs", len(graphs))
	}
	return err
}
