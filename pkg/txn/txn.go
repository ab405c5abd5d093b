// Package txn commits partitions: ordered batches of object and relationship
// mutations that become visible all at once or not at all.
//
// # Commit Protocol
//
// Engine.Commit runs these steps:
//  1. Validate every object upsert against the active schema. This needs no
//     storage access, so a violating partition never touches the engine.
//  2. Resolve keys: keyless objects and relationships get an engine-assigned
//     key, and relationship endpoints made with model.RefTo are linked to the
//     keys of the objects they point at.
//  3. Lock every touched key (objects, relationships and endpoint objects),
//     then load the stored snapshot of every touched entity. This decides
//     CREATE versus UPDATE and supplies the DELETE snapshot.
//  4. Validate each relationship upsert against the schema, using the
//     endpoint types the partition would leave behind.
//  5. Reject dangling references: relationship endpoints must exist once the
//     partition is applied, and a deleted object may not keep a relationship
//     the partition does not also delete.
//  6. Write the whole partition through the storage engine's atomic batch,
//     then update the indexes under the same index locks.
//  7. Build one change event per entity and hand them to the event pipeline.
//
// Cancellation is honored up to step 6. Once the batch write starts, the
// commit runs to completion.
//
// # ELI12 (Explain Like I'm 12)
//
// Think of a partition as a shopping list you hand to a cashier. The cashier
// checks every item first (is it on the shelf? is it allowed?). If anything
// is wrong, you get the whole list back and nothing is rung up. If all is
// fine, everything is rung up in one go and you get one receipt with one
// number on it: the transaction ID.
//
// Example:
//
//	eng := txn.New(store, indexes, txn.Options{Pipeline: pipeline})
//
//	host, _ := model.NewObject(model.ObjectConfig{Type: "pserver", Properties: map[string]any{"name": "host1"}})
//	vm, _ := model.NewObject(model.ObjectConfig{Type: "vserver"})
//	runs, _ := model.NewRelationship(model.RelationshipConfig{
//		Type: "hosts", Source: model.RefTo(host), Target: model.RefTo(vm),
//	})
//	p, _ := model.NewPartition(model.PartitionConfig{Mutations: []model.Mutation{
//		model.UpsertObject(host), model.UpsertObject(vm), model.UpsertRelationship(runs),
//	}})
//
//	res, err := eng.Commit(ctx, p)
//	fmt.Println(res.TransactionID, len(res.Events)) // 3 events
package txn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/orneryd/champ/pkg/events"
	"github.com/orneryd/champ/pkg/index"
	"github.com/orneryd/champ/pkg/model"
	"github.com/orneryd/champ/pkg/schema"
	"github.com/orneryd/champ/pkg/storage"
)

// ErrDanglingReference means a partition would leave a relationship pointing
// at an object that does not exist.
var ErrDanglingReference = errors.New("dangling reference")

// Options configures an Engine.
type Options struct {
	// Schema returns the schema to validate against. Nil, or a func returning
	// nil, disables validation.
	Schema func() *schema.Schema
	// Pipeline receives the events of every successful commit. Nil drops them.
	Pipeline *events.Pipeline
	Logger   *slog.Logger
	// LockStripes is the number of key lock stripes (default 256).
	LockStripes int
	// Clock overrides time.Now for event timestamps.
	Clock func() time.Time
}

// Engine is the partition transaction engine of one graph.
type Engine struct {
	store    storage.Engine
	indexes  *index.Manager
	schema   func() *schema.Schema
	pipeline *events.Pipeline
	logger   *slog.Logger
	locks    *keyLocks
	clock    func() time.Time
}

// New creates an Engine committing to store and maintaining indexes.
// A nil indexes gets a private Manager.
func New(store storage.Engine, indexes *index.Manager, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if indexes == nil {
		indexes = index.NewManager(index.Options{Logger: logger})
	}
	schemaFn := opts.Schema
	if schemaFn == nil {
		schemaFn = func() *schema.Schema { return nil }
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Engine{
		store:    store,
		indexes:  indexes,
		schema:   schemaFn,
		pipeline: opts.Pipeline,
		logger:   logger,
		locks:    newKeyLocks(opts.LockStripes),
		clock:    clock,
	}
}

// Result describes a successful commit.
type Result struct {
	TransactionID string
	Timestamp     time.Time
	// Events holds one event per mutation, in partition order.
	Events []events.ChangeEvent
	// PublishErr is set when some events could not be delivered. It matches
	// events.ErrEventPublishFailed. The commit itself succeeded.
	PublishErr error

	objectKeys       map[*model.Object]model.Key
	relationshipKeys map[*model.Relationship]model.Key
}

// ObjectKey returns the key obj was stored under. obj must be the value
// passed in the partition.
func (r *Result) ObjectKey(obj *model.Object) model.Key {
	return r.objectKeys[obj]
}

// RelationshipKey returns the key rel was stored under.
func (r *Result) RelationshipKey(rel *model.Relationship) model.Key {
	return r.relationshipKeys[rel]
}

// step is one mutation after key resolution.
type step struct {
	op  model.MutationOp
	key model.Key

	obj    *model.Object
	rel    *model.Relationship
	oldObj *model.Object
	oldRel *model.Relationship
	// assigned is set when the engine chose key.
	assigned bool
}

// Commit applies p atomically. See the package documentation for the steps.
//
// Errors:
//   - model.ErrMalformedEntity for a nil partition or a type change
//   - schema.ErrSchemaViolation when an upsert breaks the schema
//   - ErrDanglingReference for missing endpoints or orphaned relationships
//   - storage.ErrNotFound when deleting an entity that does not exist
//   - storage.ErrStorageUnavailable or storage.ErrCommitConflict when the
//     storage engine rejects the batch
//
// On any error nothing is written, no index changes and no events are sent.
func (e *Engine) Commit(ctx context.Context, p *model.Partition) (*Result, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: partition is nil", model.ErrMalformedEntity)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()

	sch := e.schema()
	for _, m := range p.Mutations() {
		if m.Op == model.OpUpsertObject {
			if err := sch.ValidateObject(m.Object); err != nil {
				return nil, err
			}
		}
	}

	res := &Result{
		objectKeys:       make(map[*model.Object]model.Key),
		relationshipKeys: make(map[*model.Relationship]model.Key),
	}
	steps, err := e.resolve(ctx, p, res)
	if err != nil {
		return nil, err
	}

	if err := e.applyLocked(ctx, sch, steps); err != nil {
		return nil, err
	}

	res.TransactionID = newTransactionID()
	res.Timestamp = e.clock().UTC()
	res.Events = buildEvents(steps, res.TransactionID, res.Timestamp)

	e.logger.Debug("partition committed",
		"tx", res.TransactionID, "mutations", len(steps), "duration", time.Since(start))

	if e.pipeline != nil {
		// The data is durable; delivery must not depend on the caller
		// still waiting.
		if err := e.pipeline.Emit(context.WithoutCancel(ctx), res.TransactionID, res.Events); err != nil {
			res.PublishErr = err
			e.logger.Warn("partition committed but events were not delivered",
				"tx", res.TransactionID, "error", err)
		}
	}
	return res, nil
}

// resolve assigns missing keys and links RefTo endpoints.
func (e *Engine) resolve(ctx context.Context, p *model.Partition, res *Result) ([]*step, error) {
	muts := p.Mutations()

	for _, m := range muts {
		if m.Op != model.OpUpsertObject {
			continue
		}
		key := m.Object.Key()
		if key == "" {
			var err error
			if key, err = e.store.NewKey(ctx, model.KindObject); err != nil {
				return nil, storageErr("assigning object key", err)
			}
		}
		res.objectKeys[m.Object] = key
	}

	steps := make([]*step, 0, len(muts))
	for _, m := range muts {
		s := &step{op: m.Op, key: m.Key}
		switch m.Op {
		case model.OpUpsertObject:
			s.key = res.objectKeys[m.Object]
			s.obj = m.Object.WithKey(s.key)
			s.assigned = m.Object.Key() == ""
		case model.OpUpsertRelationship:
			rel := m.Relationship
			key := rel.Key()
			if key == "" {
				var err error
				if key, err = e.store.NewKey(ctx, model.KindRelationship); err != nil {
					return nil, storageErr("assigning relationship key", err)
				}
			}
			res.relationshipKeys[rel] = key
			s.key = key
			s.assigned = rel.Key() == ""
			s.rel = rel.WithKey(key).Resolved(
				endpointKey(rel.Source(), res.objectKeys),
				endpointKey(rel.Target(), res.objectKeys),
			)
		}
		steps = append(steps, s)
	}
	return steps, nil
}

func endpointKey(ref model.ObjectRef, assigned map[*model.Object]model.Key) model.Key {
	if obj := ref.Object(); obj != nil {
		if k, ok := assigned[obj]; ok {
			return k
		}
	}
	return ref.Key()
}

// applyLocked runs steps 3 to 6 of the commit protocol under the key locks.
func (e *Engine) applyLocked(ctx context.Context, sch *schema.Schema, steps []*step) error {
	unlock := e.locks.lock(lockKeys(steps))
	defer unlock()

	if err := e.loadSnapshots(ctx, steps); err != nil {
		return err
	}
	if err := e.validate(ctx, sch, steps); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	guard := e.indexes.Acquire(targets(steps))
	defer guard.Release()

	if err := e.store.ApplyBatch(context.WithoutCancel(ctx), batch(steps)); err != nil {
		return storageErr("applying partition", err)
	}
	guard.Apply(changes(steps))
	return nil
}

func lockKeys(steps []*step) []lockKey {
	keys := make([]lockKey, 0, len(steps)*2)
	for _, s := range steps {
		kind := s.op.Kind()
		keys = append(keys, lockKey{kind, s.key})
		if s.rel != nil {
			keys = append(keys,
				lockKey{model.KindObject, s.rel.Source().Key()},
				lockKey{model.KindObject, s.rel.Target().Key()})
		}
	}
	return keys
}

func (e *Engine) loadSnapshots(ctx context.Context, steps []*step) error {
	for _, s := range steps {
		switch s.op {
		case model.OpUpsertObject, model.OpDeleteObject:
			old, err := e.store.GetObject(ctx, s.key)
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				return storageErr("loading object "+string(s.key), err)
			}
			if old == nil && s.op == model.OpDeleteObject {
				return fmt.Errorf("deleting object %s: %w", s.key, storage.ErrNotFound)
			}
			if old != nil && s.assigned {
				return fmt.Errorf("%w: assigned object key %s was taken concurrently",
					storage.ErrCommitConflict, s.key)
			}
			if old != nil && s.obj != nil && old.Type() != s.obj.Type() {
				return fmt.Errorf("%w: object %s: type cannot change from %q to %q",
					model.ErrMalformedEntity, s.key, old.Type(), s.obj.Type())
			}
			s.oldObj = old
		case model.OpUpsertRelationship, model.OpDeleteRelationship:
			old, err := e.store.GetRelationship(ctx, s.key)
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				return storageErr("loading relationship "+string(s.key), err)
			}
			if old == nil && s.op == model.OpDeleteRelationship {
				return fmt.Errorf("deleting relationship %s: %w", s.key, storage.ErrNotFound)
			}
			if old != nil && s.assigned {
				return fmt.Errorf("%w: assigned relationship key %s was taken concurrently",
					storage.ErrCommitConflict, s.key)
			}
			if old != nil && s.rel != nil && old.Type() != s.rel.Type() {
				return fmt.Errorf("%w: relationship %s: type cannot change from %q to %q",
					model.ErrMalformedEntity, s.key, old.Type(), s.rel.Type())
			}
			s.oldRel = old
		}
	}
	return nil
}

// validate checks relationship schema rules and the reference rules against
// the state the partition would leave behind. Objects were checked before
// key resolution.
func (e *Engine) validate(ctx context.Context, sch *schema.Schema, steps []*step) error {

	after := make(map[model.Key]*model.Object)
	relDeleted := make(map[model.Key]bool)
	relUpserted := make(map[model.Key]bool)
	for _, s := range steps {
		switch s.op {
		case model.OpUpsertObject:
			after[s.key] = s.obj
		case model.OpDeleteObject:
			after[s.key] = nil
		case model.OpUpsertRelationship:
			relUpserted[s.key] = true
		case model.OpDeleteRelationship:
			relDeleted[s.key] = true
		}
	}

	stored := make(map[model.Key]*model.Object)
	endpoint := func(rel *model.Relationship, key model.Key, role string) (*model.Object, error) {
		if obj, ok := after[key]; ok {
			if obj == nil {
				return nil, fmt.Errorf("%w: relationship %s %s %s is deleted in the same partition",
					ErrDanglingReference, rel.Key(), role, key)
			}
			return obj, nil
		}
		if obj, ok := stored[key]; ok {
			return obj, nil
		}
		obj, err := e.store.GetObject(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: relationship %s %s %s does not exist",
				ErrDanglingReference, rel.Key(), role, key)
		}
		if err != nil {
			return nil, storageErr("loading endpoint "+string(key), err)
		}
		stored[key] = obj
		return obj, nil
	}

	for _, s := range steps {
		switch s.op {
		case model.OpUpsertRelationship:
			src, err := endpoint(s.rel, s.rel.Source().Key(), "source")
			if err != nil {
				return err
			}
			tgt, err := endpoint(s.rel, s.rel.Target().Key(), "target")
			if err != nil {
				return err
			}
			if err := sch.ValidateRelationship(s.rel, src.Type(), tgt.Type()); err != nil {
				return err
			}
		}
	}

	for _, s := range steps {
		if s.op != model.OpDeleteObject {
			continue
		}
		incident, err := e.store.RelationshipsOf(ctx, s.key)
		if err != nil {
			return storageErr("loading relationships of "+string(s.key), err)
		}
		for _, r := range incident {
			// Upserted relationships had their endpoints checked above.
			if relDeleted[r.Key()] || relUpserted[r.Key()] {
				continue
			}
			return fmt.Errorf("%w: deleting object %s would orphan relationship %s (%s)",
				ErrDanglingReference, s.key, r.Key(), r.Type())
		}
	}
	return nil
}

// batch orders the writes: relationship deletes, object upserts,
// relationship upserts, object deletes.
func batch(steps []*step) []storage.Operation {
	ops := make([]storage.Operation, 0, len(steps))
	for _, phase := range []model.MutationOp{
		model.OpDeleteRelationship,
		model.OpUpsertObject,
		model.OpUpsertRelationship,
		model.OpDeleteObject,
	} {
		for _, s := range steps {
			if s.op != phase {
				continue
			}
			switch s.op {
			case model.OpDeleteRelationship:
				ops = append(ops, storage.DeleteRelationshipOp(s.key))
			case model.OpUpsertObject:
				ops = append(ops, storage.PutObject(s.obj))
			case model.OpUpsertRelationship:
				ops = append(ops, storage.PutRelationship(s.rel))
			case model.OpDeleteObject:
				ops = append(ops, storage.DeleteObjectOp(s.key))
			}
		}
	}
	return ops
}

func targets(steps []*step) []index.Target {
	var out []index.Target
	for _, s := range steps {
		kind := s.op.Kind()
		for _, typ := range s.types() {
			out = append(out, index.Target{Kind: kind, Type: typ})
		}
	}
	return out
}

func (s *step) types() []string {
	var out []string
	switch {
	case s.obj != nil:
		out = append(out, s.obj.Type())
	case s.rel != nil:
		out = append(out, s.rel.Type())
	}
	switch {
	case s.oldObj != nil && (s.obj == nil || s.oldObj.Type() != s.obj.Type()):
		out = append(out, s.oldObj.Type())
	case s.oldRel != nil && (s.rel == nil || s.oldRel.Type() != s.rel.Type()):
		out = append(out, s.oldRel.Type())
	}
	return out
}

func changes(steps []*step) []index.Change {
	out := make([]index.Change, 0, len(steps))
	for _, s := range steps {
		c := index.Change{Kind: s.op.Kind(), Key: s.key}
		// Leave Old and New as nil interfaces rather than typed nil pointers.
		if s.oldObj != nil {
			c.Old = s.oldObj
		}
		if s.oldRel != nil {
			c.Old = s.oldRel
		}
		if s.obj != nil {
			c.New = s.obj
		}
		if s.rel != nil {
			c.New = s.rel
		}
		out = append(out, c)
	}
	return out
}

func buildEvents(steps []*step, txID string, ts time.Time) []events.ChangeEvent {
	out := make([]events.ChangeEvent, 0, len(steps))
	for _, s := range steps {
		ev := events.ChangeEvent{
			EntityKind:    s.op.Kind(),
			TransactionID: txID,
			Timestamp:     ts,
		}
		switch s.op {
		case model.OpUpsertObject:
			ev.Operation = createOrUpdate(s.oldObj == nil)
			ev.Object = s.obj
		case model.OpUpsertRelationship:
			ev.Operation = createOrUpdate(s.oldRel == nil)
			ev.Relationship = s.rel
		case model.OpDeleteObject:
			ev.Operation = events.OpDelete
			ev.Object = s.oldObj
		case model.OpDeleteRelationship:
			ev.Operation = events.OpDelete
			ev.Relationship = s.oldRel
		}
		out = append(out, ev)
	}
	return out
}

func createOrUpdate(created bool) events.Operation {
	if created {
		return events.OpCreate
	}
	return events.OpUpdate
}

// storageErr classifies an engine failure. Conflicts stay conflicts,
// invalid input becomes malformed, and anything else is unavailability.
func storageErr(action string, err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, storage.ErrCommitConflict), errors.Is(err, storage.ErrStorageUnavailable):
		return fmt.Errorf("%s: %w", action, err)
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrInvalidEdge):
		// Something changed between validation and write.
		return fmt.Errorf("%s: %w: %w", action, storage.ErrCommitConflict, err)
	case errors.Is(err, storage.ErrInvalidKey), errors.Is(err, storage.ErrInvalidData):
		return fmt.Errorf("%s: %w: %w", action, model.ErrMalformedEntity, err)
	default:
		return fmt.Errorf("%s: %w: %w", action, storage.ErrStorageUnavailable, err)
	}
}

func newTransactionID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}
