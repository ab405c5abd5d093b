package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/orneryd/champ/pkg/model"
)

// MemoryEngine is a thread-safe in-memory Engine.
//
// Objects and relationships are kept in maps together with outgoing and
// incoming adjacency sets, so RelationshipsOf never scans. Entities from the
// model package are immutable, so they are stored and returned without
// copying.
//
// Batches are applied under a single write lock after a dry run against an
// overlay of the staged changes; a batch that would fail leaves the engine
// untouched.
type MemoryEngine struct {
	mu            sync.RWMutex
	objects       map[model.Key]*model.Object
	relationships map[model.Key]*model.Relationship

	outgoing map[model.Key]map[model.Key]struct{}
	incoming map[model.Key]map[model.Key]struct{}

	closed bool
}

// NewMemoryEngine creates an empty in-memory engine.
//
// All data lives in RAM and is lost when the engine is closed.
//
// Example:
//
//	func TestMyGraph(t *testing.T) {
//		engine := storage.NewMemoryEngine()
//		defer engine.Close()
//		// ...
//	}
//
// ELI12:
//
// Think of NewMemoryEngine like opening a new notebook. It's blank, it's
// fast because nothing is saved to a hard drive, and when you close it
// everything you wrote disappears.
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{
		objects:       make(map[model.Key]*model.Object),
		relationships: make(map[model.Key]*model.Relationship),
		outgoing:      make(map[model.Key]map[model.Key]struct{}),
		incoming:      make(map[model.Key]map[model.Key]struct{}),
	}
}

// ConcurrencySafe implements the ConcurrencySafe capability.
func (m *MemoryEngine) ConcurrencySafe() bool { return true }

// GetObject returns the object stored under key.
func (m *MemoryEngine) GetObject(ctx context.Context, key model.Key) (*model.Object, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStorageClosed
	}
	obj, ok := m.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	return obj, nil
}

// GetRelationship returns the relationship stored under key.
func (m *MemoryEngine) GetRelationship(ctx context.Context, key model.Key) (*model.Relationship, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStorageClosed
	}
	rel, ok := m.relationships[key]
	if !ok {
		return nil, ErrNotFound
	}
	return rel, nil
}

// UpsertObject stores obj, replacing any previous version.
func (m *MemoryEngine) UpsertObject(ctx context.Context, obj *model.Object) error {
	return m.ApplyBatch(ctx, []Operation{PutObject(obj)})
}

// UpsertRelationship stores rel. Both endpoints must exist.
func (m *MemoryEngine) UpsertRelationship(ctx context.Context, rel *model.Relationship) error {
	return m.ApplyBatch(ctx, []Operation{PutRelationship(rel)})
}

// DeleteObject removes an object and its incident relationships.
func (m *MemoryEngine) DeleteObject(ctx context.Context, key model.Key) error {
	return m.ApplyBatch(ctx, []Operation{DeleteObjectOp(key)})
}

// DeleteRelationship removes a relationship.
func (m *MemoryEngine) DeleteRelationship(ctx context.Context, key model.Key) error {
	return m.ApplyBatch(ctx, []Operation{DeleteRelationshipOp(key)})
}

// ApplyBatch applies ops atomically.
func (m *MemoryEngine) ApplyBatch(ctx context.Context, ops []Operation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, op := range ops {
		if err := op.Validate(); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStorageClosed
	}

	if err := m.dryRunLocked(ops); err != nil {
		return err
	}
	for _, op := range ops {
		switch op.Type {
		case OpPutObject:
			m.objects[op.Key] = op.Object
		case OpPutRelationship:
			m.putRelationshipLocked(op.Relationship)
		case OpDeleteObject:
			m.deleteObjectLocked(op.Key)
		case OpDeleteRelationship:
			m.deleteRelationshipLocked(op.Key)
		}
	}
	return nil
}

// dryRunLocked replays ops against an overlay and reports the first failure.
func (m *MemoryEngine) dryRunLocked(ops []Operation) error {
	objs := make(map[model.Key]*model.Object)
	rels := make(map[model.Key]*model.Relationship)

	objectExists := func(k model.Key) bool {
		if o, staged := objs[k]; staged {
			return o != nil
		}
		_, ok := m.objects[k]
		return ok
	}
	relationship := func(k model.Key) *model.Relationship {
		if r, staged := rels[k]; staged {
			return r
		}
		return m.relationships[k]
	}

	for i, op := range ops {
		switch op.Type {
		case OpPutObject:
			objs[op.Key] = op.Object
		case OpPutRelationship:
			rel := op.Relationship
			if !objectExists(rel.Source().Key()) || !objectExists(rel.Target().Key()) {
				return fmt.Errorf("operation %d: %w (%s)", i, ErrInvalidEdge, op.Key)
			}
			rels[op.Key] = rel
		case OpDeleteObject:
			if !objectExists(op.Key) {
				return fmt.Errorf("operation %d: object %s: %w", i, op.Key, ErrNotFound)
			}
			objs[op.Key] = nil
			for rk := range m.outgoing[op.Key] {
				rels[rk] = nil
			}
			for rk := range m.incoming[op.Key] {
				rels[rk] = nil
			}
			for rk, r := range rels {
				if r != nil && (r.Source().Key() == op.Key || r.Target().Key() == op.Key) {
					rels[rk] = nil
				}
			}
		case OpDeleteRelationship:
			if relationship(op.Key) == nil {
				return fmt.Errorf("operation %d: relationship %s: %w", i, op.Key, ErrNotFound)
			}
			rels[op.Key] = nil
		}
	}
	return nil
}

func (m *MemoryEngine) putRelationshipLocked(rel *model.Relationship) {
	key := rel.Key()
	if old, ok := m.relationships[key]; ok {
		m.unlinkLocked(key, old)
	}
	m.relationships[key] = rel
	link(m.outgoing, rel.Source().Key(), key)
	link(m.incoming, rel.Target().Key(), key)
}

func (m *MemoryEngine) deleteRelationshipLocked(key model.Key) {
	rel, ok := m.relationships[key]
	if !ok {
		return
	}
	m.unlinkLocked(key, rel)
	delete(m.relationships, key)
}

func (m *MemoryEngine) deleteObjectLocked(key model.Key) {
	for rk := range m.outgoing[key] {
		m.deleteRelationshipLocked(rk)
	}
	for rk := range m.incoming[key] {
		m.deleteRelationshipLocked(rk)
	}
	delete(m.outgoing, key)
	delete(m.incoming, key)
	delete(m.objects, key)
}

func (m *MemoryEngine) unlinkLocked(key model.Key, rel *model.Relationship) {
	unlink(m.outgoing, rel.Source().Key(), key)
	unlink(m.incoming, rel.Target().Key(), key)
}

func link(idx map[model.Key]map[model.Key]struct{}, obj, rel model.Key) {
	set, ok := idx[obj]
	if !ok {
		set = make(map[model.Key]struct{})
		idx[obj] = set
	}
	set[rel] = struct{}{}
}

func unlink(idx map[model.Key]map[model.Key]struct{}, obj, rel model.Key) {
	if set, ok := idx[obj]; ok {
		delete(set, rel)
		if len(set) == 0 {
			delete(idx, obj)
		}
	}
}

// NewKey returns a random UUID key.
func (m *MemoryEngine) NewKey(ctx context.Context, kind model.EntityKind) (model.Key, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return "", ErrStorageClosed
	}
	return model.Key(uuid.NewString()), nil
}

// RelationshipsOf returns all relationships touching key, outgoing first.
func (m *MemoryEngine) RelationshipsOf(ctx context.Context, key model.Key) ([]*model.Relationship, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStorageClosed
	}

	out := make([]*model.Relationship, 0, len(m.outgoing[key])+len(m.incoming[key]))
	for rk := range m.outgoing[key] {
		out = append(out, m.relationships[rk])
	}
	for rk := range m.incoming[key] {
		// Self-loops are already in the outgoing set.
		if _, dup := m.outgoing[key][rk]; dup {
			continue
		}
		out = append(out, m.relationships[rk])
	}
	return out, nil
}

// ScanObjects visits every object. The read lock is released before fn runs
// so callbacks may call back into the engine.
func (m *MemoryEngine) ScanObjects(ctx context.Context, fn func(*model.Object) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrStorageClosed
	}
	snapshot := make([]*model.Object, 0, len(m.objects))
	for _, obj := range m.objects {
		snapshot = append(snapshot, obj)
	}
	m.mu.RUnlock()

	for _, obj := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(obj); err != nil {
			if err == ErrIterationStopped {
				return nil
			}
			return err
		}
	}
	return nil
}

// ScanRelationships visits every relationship.
func (m *MemoryEngine) ScanRelationships(ctx context.Context, fn func(*model.Relationship) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrStorageClosed
	}
	snapshot := make([]*model.Relationship, 0, len(m.relationships))
	for _, rel := range m.relationships {
		snapshot = append(snapshot, rel)
	}
	m.mu.RUnlock()

	for _, rel := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(rel); err != nil {
			if err == ErrIterationStopped {
				return nil
			}
			return err
		}
	}
	return nil
}

// ObjectCount returns the number of stored objects.
func (m *MemoryEngine) ObjectCount(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrStorageClosed
	}
	return int64(len(m.objects)), nil
}

// RelationshipCount returns the number of stored relationships.
func (m *MemoryEngine) RelationshipCount(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrStorageClosed
	}
	return int64(len(m.relationships)), nil
}

// Close releases all data. Further calls fail with ErrStorageClosed.
func (m *MemoryEngine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.objects = nil
	m.relationships = nil
	m.outgoing = nil
	m.incoming = nil

	return nil
}
