package champ

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/orneryd/champ/pkg/events"
	"github.com/orneryd/champ/pkg/index"
	"github.com/orneryd/champ/pkg/model"
	"github.com/orneryd/champ/pkg/schema"
	"github.com/orneryd/champ/pkg/storage"
	"github.com/orneryd/champ/pkg/txn"
)

// Graph is one named graph. It is safe for concurrent use.
//
// Single-entity writes are committed as one-mutation partitions, so they get
// the same validation, indexing and events as Commit. When the write is
// stored but its event could not be delivered, the stored entity is returned
// together with an error matching ErrEventPublishFailed.
type Graph struct {
	name    string
	store   storage.Engine
	indexes *index.Manager
	txn     *txn.Engine
	schema  atomic.Pointer[schema.Schema]
	logger  *slog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

type graphOptions struct {
	logger      *slog.Logger
	pipeline    *events.Pipeline
	schema      *schema.Schema
	lockStripes int
}

func newGraph(name string, store storage.Engine, opts graphOptions) *Graph {
	g := &Graph{
		name:    name,
		store:   store,
		indexes: index.NewManager(index.Options{Logger: opts.logger}),
		logger:  opts.logger,
	}
	g.schema.Store(opts.schema)
	g.txn = txn.New(store, g.indexes, txn.Options{
		Schema:      g.schema.Load,
		Pipeline:    opts.pipeline,
		Logger:      opts.logger,
		LockStripes: opts.lockStripes,
	})
	return g
}

// Name returns the graph name.
func (g *Graph) Name() string { return g.name }

func (g *Graph) check() error {
	if g.closed.Load() {
		return ErrShutdown
	}
	return nil
}

// Commit applies p atomically. A delivery failure of its events is reported
// in Result.PublishErr, not as an error.
func (g *Graph) Commit(ctx context.Context, p *model.Partition) (*txn.Result, error) {
	if err := g.check(); err != nil {
		return nil, err
	}
	return g.txn.Commit(ctx, p)
}

func (g *Graph) commitOne(ctx context.Context, m model.Mutation) (*txn.Result, error) {
	p, err := model.NewPartition(model.PartitionConfig{Mutations: []model.Mutation{m}})
	if err != nil {
		return nil, err
	}
	return g.Commit(ctx, p)
}

// StoreObject creates or replaces obj and returns it as stored, with its key.
func (g *Graph) StoreObject(ctx context.Context, obj *model.Object) (*model.Object, error) {
	if obj == nil {
		return nil, fmt.Errorf("%w: object is nil", ErrMalformedEntity)
	}
	res, err := g.commitOne(ctx, model.UpsertObject(obj))
	if err != nil {
		return nil, err
	}
	return res.Events[0].Object, res.PublishErr
}

// RetrieveObject returns the object stored under key.
func (g *Graph) RetrieveObject(ctx context.Context, key model.Key) (*model.Object, error) {
	if err := g.check(); err != nil {
		return nil, err
	}
	return g.store.GetObject(ctx, key)
}

// DeleteObject deletes the object under key. It fails with
// ErrDanglingReference while relationships still reference it.
func (g *Graph) DeleteObject(ctx context.Context, key model.Key) error {
	res, err := g.commitOne(ctx, model.DeleteObject(key))
	if err != nil {
		return err
	}
	return res.PublishErr
}

// StoreRelationship creates or replaces rel and returns it as stored. Both
// endpoints must already exist.
func (g *Graph) StoreRelationship(ctx context.Context, rel *model.Relationship) (*model.Relationship, error) {
	if rel == nil {
		return nil, fmt.Errorf("%w: relationship is nil", ErrMalformedEntity)
	}
	res, err := g.commitOne(ctx, model.UpsertRelationship(rel))
	if err != nil {
		return nil, err
	}
	return res.Events[0].Relationship, res.PublishErr
}

// RetrieveRelationship returns the relationship stored under key.
func (g *Graph) RetrieveRelationship(ctx context.Context, key model.Key) (*model.Relationship, error) {
	if err := g.check(); err != nil {
		return nil, err
	}
	return g.store.GetRelationship(ctx, key)
}

// DeleteRelationship deletes the relationship under key.
func (g *Graph) DeleteRelationship(ctx context.Context, key model.Key) error {
	res, err := g.commitOne(ctx, model.DeleteRelationship(key))
	if err != nil {
		return err
	}
	return res.PublishErr
}

// RetrieveRelationships returns every relationship with objectKey as source
// or target, sorted by key. It fails with ErrNotFound if the object does not
// exist.
func (g *Graph) RetrieveRelationships(ctx context.Context, objectKey model.Key) ([]*model.Relationship, error) {
	if err := g.check(); err != nil {
		return nil, err
	}
	if _, err := g.store.GetObject(ctx, objectKey); err != nil {
		return nil, err
	}
	rels, err := g.store.RelationshipsOf(ctx, objectKey)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(rels, func(a, b *model.Relationship) int {
		switch {
		case a.Key() < b.Key():
			return -1
		case a.Key() > b.Key():
			return 1
		}
		return 0
	})
	return rels, nil
}

// DeclareIndex adds a secondary index and starts backfilling it from the
// stored data. Use WaitIndex to block until it is usable.
func (g *Graph) DeclareIndex(desc index.Descriptor) error {
	if err := g.check(); err != nil {
		return err
	}
	return g.indexes.Declare(desc, g.store)
}

// DropIndex removes the named index.
func (g *Graph) DropIndex(name string) error {
	if err := g.check(); err != nil {
		return err
	}
	return g.indexes.Drop(name)
}

// WaitIndex blocks until the named index has finished backfilling.
func (g *Graph) WaitIndex(ctx context.Context, name string) error {
	if err := g.check(); err != nil {
		return err
	}
	return g.indexes.WaitReady(ctx, name)
}

// Lookup returns the keys of kind entities of type typ whose field equals
// value, using a declared index. typ may be index.AnyType.
func (g *Graph) Lookup(kind model.EntityKind, typ, field string, value any) ([]model.Key, error) {
	if err := g.check(); err != nil {
		return nil, err
	}
	return g.indexes.Lookup(kind, typ, field, value)
}

// LookupByName queries one index directly.
func (g *Graph) LookupByName(name string, value any) ([]model.Key, error) {
	if err := g.check(); err != nil {
		return nil, err
	}
	return g.indexes.LookupByName(name, value)
}

// Indexes lists the declared indexes.
func (g *Graph) Indexes() []index.Info {
	return g.indexes.List()
}

// QueryObjects returns the objects of type typ whose field equals value,
// sorted by key. It uses an index when a ready one exists and scans storage
// otherwise. typ may be "" or index.AnyType to match every type.
func (g *Graph) QueryObjects(ctx context.Context, typ, field string, value any) ([]*model.Object, error) {
	if err := g.check(); err != nil {
		return nil, err
	}
	if typ == "" {
		typ = index.AnyType
	}

	keys, err := g.indexes.Lookup(model.KindObject, typ, field, value)
	switch {
	case err == nil:
		out := make([]*model.Object, 0, len(keys))
		for _, k := range keys {
			obj, err := g.store.GetObject(ctx, k)
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			out = append(out, obj)
		}
		return out, nil
	case errors.Is(err, index.ErrIndexNotExists), errors.Is(err, index.ErrIndexNotReady):
		g.logger.Debug("no usable index, scanning", "type", typ, "field", field, "reason", err)
	default:
		return nil, err
	}

	want, ok := index.Canonical(value)
	if !ok {
		return []*model.Object{}, nil
	}
	var out []*model.Object
	err = g.store.ScanObjects(ctx, func(obj *model.Object) error {
		if typ != index.AnyType && obj.Type() != typ {
			return nil
		}
		raw, ok := obj.Property(field)
		if !ok {
			return nil
		}
		if got, ok := index.Canonical(raw); ok && got == want {
			out = append(out, obj)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(out, func(a, b *model.Object) int {
		switch {
		case a.Key() < b.Key():
			return -1
		case a.Key() > b.Key():
			return 1
		}
		return 0
	})
	return out, nil
}

// SetSchema replaces the active schema. Nil disables validation. It applies
// to commits that start after it returns; stored data is not revalidated.
func (g *Graph) SetSchema(s *schema.Schema) error {
	if err := g.check(); err != nil {
		return err
	}
	if s != nil {
		if err := s.Check(); err != nil {
			return fmt.Errorf("invalid schema: %w", err)
		}
	}
	g.schema.Store(s)
	return nil
}

// Schema returns the active schema, or nil.
func (g *Graph) Schema() *schema.Schema {
	return g.schema.Load()
}

// Counts returns the number of stored objects and relationships when the
// engine can count them cheaply.
func (g *Graph) Counts(ctx context.Context) (objects, relationships int64, err error) {
	if err := g.check(); err != nil {
		return 0, 0, err
	}
	c, ok := g.store.(storage.Counter)
	if !ok {
		return 0, 0, fmt.Errorf("backend cannot count entities")
	}
	if objects, err = c.ObjectCount(ctx); err != nil {
		return 0, 0, err
	}
	if relationships, err = c.RelationshipCount(ctx); err != nil {
		return 0, 0, err
	}
	return objects, relationships, nil
}

// Close stops index backfills and releases the storage engine. Further calls
// return the result of the first.
func (g *Graph) Close() error {
	g.closeOnce.Do(func() {
		g.closed.Store(true)
		g.indexes.Close()
		g.closeErr = g.store.Close()
		g.logger.Info("graph closed")
	})
	return g.closeErr
}
