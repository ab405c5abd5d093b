package storage

import (
	"context"
	"errors"
	"sync"

	"github.com/orneryd/champ/pkg/model"
)

// SerializedEngine runs every call of the wrapped engine under one mutex.
//
// Use it for engines that are not safe for concurrent use. Scans collect
// under the lock and call fn after releasing it, so fn may call back into
// the engine.
type SerializedEngine struct {
	mu    sync.Mutex
	inner Engine
}

// Serialized wraps e unless it already reports itself concurrency-safe.
func Serialized(e Engine) Engine {
	if IsConcurrencySafe(e) {
		return e
	}
	return &SerializedEngine{inner: e}
}

// Unwrap returns the wrapped engine.
func (s *SerializedEngine) Unwrap() Engine { return s.inner }

func (s *SerializedEngine) ConcurrencySafe() bool { return true }

func (s *SerializedEngine) GetObject(ctx context.Context, key model.Key) (*model.Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.GetObject(ctx, key)
}

func (s *SerializedEngine) GetRelationship(ctx context.Context, key model.Key) (*model.Relationship, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.GetRelationship(ctx, key)
}

func (s *SerializedEngine) UpsertObject(ctx context.Context, obj *model.Object) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.UpsertObject(ctx, obj)
}

func (s *SerializedEngine) UpsertRelationship(ctx context.Context, rel *model.Relationship) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.UpsertRelationship(ctx, rel)
}

func (s *SerializedEngine) DeleteObject(ctx context.Context, key model.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.DeleteObject(ctx, key)
}

func (s *SerializedEngine) DeleteRelationship(ctx context.Context, key model.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.DeleteRelationship(ctx, key)
}

func (s *SerializedEngine) ApplyBatch(ctx context.Context, ops []Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.ApplyBatch(ctx, ops)
}

func (s *SerializedEngine) NewKey(ctx context.Context, kind model.EntityKind) (model.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.NewKey(ctx, kind)
}

func (s *SerializedEngine) RelationshipsOf(ctx context.Context, key model.Key) ([]*model.Relationship, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.RelationshipsOf(ctx, key)
}

func (s *SerializedEngine) ScanObjects(ctx context.Context, fn func(*model.Object) error) error {
	var all []*model.Object
	s.mu.Lock()
	err := s.inner.ScanObjects(ctx, func(o *model.Object) error {
		all = append(all, o)
		return nil
	})
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return visit(ctx, all, fn)
}

func (s *SerializedEngine) ScanRelationships(ctx context.Context, fn func(*model.Relationship) error) error {
	var all []*model.Relationship
	s.mu.Lock()
	err := s.inner.ScanRelationships(ctx, func(r *model.Relationship) error {
		all = append(all, r)
		return nil
	})
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return visit(ctx, all, fn)
}

func visit[T any](ctx context.Context, items []T, fn func(T) error) error {
	for _, it := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(it); err != nil {
			if errors.Is(err, ErrIterationStopped) {
				return nil
			}
			return err
		}
	}
	return nil
}

func (s *SerializedEngine) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.Close()
}
