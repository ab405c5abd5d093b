package txn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/champ/pkg/events"
	"github.com/orneryd/champ/pkg/index"
	"github.com/orneryd/champ/pkg/model"
	"github.com/orneryd/champ/pkg/schema"
	"github.com/orneryd/champ/pkg/storage"
)

func newObj(t *testing.T, key model.Key, typ string, props map[string]any) *model.Object {
	t.Helper()
	o, err := model.NewObject(model.ObjectConfig{Type: typ, Key: key, Properties: props})
	require.NoError(t, err)
	return o
}

func newRel(t *testing.T, key model.Key, typ string, src, tgt model.ObjectRef) *model.Relationship {
	t.Helper()
	r, err := model.NewRelationship(model.RelationshipConfig{Type: typ, Key: key, Source: src, Target: tgt})
	require.NoError(t, err)
	return r
}

func partition(t *testing.T, muts ...model.Mutation) *model.Partition {
	t.Helper()
	p, err := model.NewPartition(model.PartitionConfig{Mutations: muts})
	require.NoError(t, err)
	return p
}

type fixture struct {
	store   *storage.MemoryEngine
	indexes *index.Manager
	engine  *Engine
	schema  *schema.Schema
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		store:   storage.NewMemoryEngine(),
		indexes: index.NewManager(index.Options{}),
	}
	if opts.Schema == nil {
		opts.Schema = func() *schema.Schema { return f.schema }
	}
	f.engine = New(f.store, f.indexes, opts)
	t.Cleanup(func() {
		f.indexes.Close()
		f.store.Close()
	})
	return f
}

func (f *fixture) commit(t *testing.T, muts ...model.Mutation) *Result {
	t.Helper()
	res, err := f.engine.Commit(context.Background(), partition(t, muts...))
	require.NoError(t, err)
	return res
}

func (f *fixture) declare(t *testing.T, desc index.Descriptor) {
	t.Helper()
	require.NoError(t, f.indexes.Declare(desc, f.store))
	require.NoError(t, f.indexes.WaitReady(context.Background(), desc.Name))
}

func TestCommitRoundTrip(t *testing.T) {
	f := newFixture(t, Options{})
	in := newObj(t, "", "pserver", map[string]any{"name": "x"})

	res := f.commit(t, model.UpsertObject(in))
	key := res.ObjectKey(in)
	require.NotEmpty(t, key)

	out, err := f.store.GetObject(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, in.Type(), out.Type())
	if diff := cmp.Diff(in.Properties(), out.Properties()); diff != "" {
		t.Errorf("properties mismatch (-want +got):\n%s", diff)
	}

	require.Len(t, res.Events, 1)
	ev := res.Events[0]
	assert.Equal(t, events.OpCreate, ev.Operation)
	assert.Equal(t, model.KindObject, ev.EntityKind)
	assert.Equal(t, key, ev.Object.Key())
	assert.Equal(t, res.TransactionID, ev.TransactionID)
	assert.Equal(t, res.Timestamp, ev.Timestamp)
}

func TestCommitSchemaScenario(t *testing.T) {
	f := newFixture(t, Options{})
	f.schema = &schema.Schema{
		Objects: map[string]schema.ObjectConstraint{
			"pserver": {Properties: map[string]schema.PropertyRule{
				"name": {Kind: schema.KindString, Required: true},
			}},
		},
	}

	_, err := f.engine.Commit(context.Background(), partition(t,
		model.UpsertObject(newObj(t, "p1", "pserver", nil))))
	require.Error(t, err)
	assert.ErrorIs(t, err, schema.ErrSchemaViolation)
	var v *schema.ViolationError
	require.ErrorAs(t, err, &v)
	assert.Equal(t, schema.RuleMissingProperty, v.Rule)

	_, err = f.store.GetObject(context.Background(), "p1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	good := newObj(t, "p1", "pserver", map[string]any{"name": "host1"})
	res := f.commit(t, model.UpsertObject(good))
	require.Len(t, res.Events, 1)
	assert.Equal(t, events.OpCreate, res.Events[0].Operation)
	assert.True(t, good.Equal(res.Events[0].Object))
}

func TestCommitSchemaViolationAbortsWholePartition(t *testing.T) {
	f := newFixture(t, Options{})
	f.schema = &schema.Schema{
		Objects: map[string]schema.ObjectConstraint{"pserver": {}},
	}

	_, err := f.engine.Commit(context.Background(), partition(t,
		model.UpsertObject(newObj(t, "ok", "pserver", nil)),
		model.UpsertObject(newObj(t, "bad", "unknown", nil)),
	))
	assert.ErrorIs(t, err, schema.ErrSchemaViolation)

	_, err = f.store.GetObject(context.Background(), "ok")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

// countingEngine counts the storage calls a commit makes before writing.
type countingEngine struct {
	*storage.MemoryEngine
	calls atomic.Int32
}

func (c *countingEngine) NewKey(ctx context.Context, kind model.EntityKind) (model.Key, error) {
	c.calls.Add(1)
	return c.MemoryEngine.NewKey(ctx, kind)
}

func (c *countingEngine) GetObject(ctx context.Context, key model.Key) (*model.Object, error) {
	c.calls.Add(1)
	return c.MemoryEngine.GetObject(ctx, key)
}

func TestCommitObjectSchemaViolationSkipsStorage(t *testing.T) {
	mem := storage.NewMemoryEngine()
	defer mem.Close()
	store := &countingEngine{MemoryEngine: mem}
	sch := &schema.Schema{
		Objects: map[string]schema.ObjectConstraint{
			"pserver": {Properties: map[string]schema.PropertyRule{
				"name": {Kind: schema.KindString, Required: true},
			}},
		},
	}
	eng := New(store, nil, Options{Schema: func() *schema.Schema { return sch }})

	_, err := eng.Commit(context.Background(), partition(t,
		model.UpsertObject(newObj(t, "", "pserver", map[string]any{"name": "host1"})),
		model.UpsertObject(newObj(t, "", "pserver", nil)),
	))
	assert.ErrorIs(t, err, schema.ErrSchemaViolation)
	assert.Zero(t, store.calls.Load(), "no key assigned and nothing read for a rejected partition")

	n, err := mem.ObjectCount(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

// fixedKeyEngine hands out one key regardless of what is stored.
type fixedKeyEngine struct {
	*storage.MemoryEngine
	key model.Key
}

func (f *fixedKeyEngine) NewKey(context.Context, model.EntityKind) (model.Key, error) {
	return f.key, nil
}

func TestCommitAssignedKeyTakenConcurrently(t *testing.T) {
	mem := storage.NewMemoryEngine()
	defer mem.Close()
	ctx := context.Background()
	store := &fixedKeyEngine{MemoryEngine: mem, key: "42"}
	eng := New(store, nil, Options{})

	// Another writer chose "42" between key assignment and locking.
	mine := newObj(t, "42", "pserver", map[string]any{"name": "explicit"})
	_, err := eng.Commit(ctx, partition(t, model.UpsertObject(mine)))
	require.NoError(t, err)

	_, err = eng.Commit(ctx, partition(t,
		model.UpsertObject(newObj(t, "", "pserver", map[string]any{"name": "keyless"}))))
	assert.ErrorIs(t, err, storage.ErrCommitConflict)

	got, err := mem.GetObject(ctx, "42")
	require.NoError(t, err)
	assert.True(t, mine.Equal(got), "the explicit object must not be overwritten")
}

func TestCommitRelationshipEndpointSchema(t *testing.T) {
	f := newFixture(t, Options{})
	f.schema = &schema.Schema{
		Relationships: map[string]schema.RelationshipConstraint{
			"hosts": {Endpoints: []schema.EndpointPair{{Source: "pserver", Target: "vserver"}}},
		},
	}
	f.commit(t,
		model.UpsertObject(newObj(t, "p1", "pserver", nil)),
		model.UpsertObject(newObj(t, "v1", "vserver", nil)),
	)

	_, err := f.engine.Commit(context.Background(), partition(t,
		model.UpsertRelationship(newRel(t, "r1", "hosts", model.RefKey("v1"), model.RefKey("p1")))))
	var v *schema.ViolationError
	require.ErrorAs(t, err, &v)
	assert.Equal(t, schema.RuleDisallowedEndpoints, v.Rule)

	f.commit(t, model.UpsertRelationship(newRel(t, "r1", "hosts", model.RefKey("p1"), model.RefKey("v1"))))
}

func TestCommitResolvesNewObjectReferences(t *testing.T) {
	f := newFixture(t, Options{})
	host := newObj(t, "", "pserver", nil)
	vm := newObj(t, "", "vserver", nil)
	runs := newRel(t, "", "hosts", model.RefTo(host), model.RefTo(vm))

	res := f.commit(t,
		model.UpsertRelationship(runs),
		model.UpsertObject(host),
		model.UpsertObject(vm),
	)
	require.Len(t, res.Events, 3)

	relKey := res.RelationshipKey(runs)
	require.NotEmpty(t, relKey)
	stored, err := f.store.GetRelationship(context.Background(), relKey)
	require.NoError(t, err)
	assert.Equal(t, res.ObjectKey(host), stored.Source().Key())
	assert.Equal(t, res.ObjectKey(vm), stored.Target().Key())

	// Events follow partition order.
	assert.Equal(t, model.KindRelationship, res.Events[0].EntityKind)
	assert.Equal(t, model.KindObject, res.Events[1].EntityKind)
}

func TestCommitUpdateAndDeleteEvents(t *testing.T) {
	f := newFixture(t, Options{})
	f.commit(t, model.UpsertObject(newObj(t, "p1", "pserver", map[string]any{"name": "a"})))

	res := f.commit(t, model.UpsertObject(newObj(t, "p1", "pserver", map[string]any{"name": "b"})))
	require.Len(t, res.Events, 1)
	assert.Equal(t, events.OpUpdate, res.Events[0].Operation)
	v, _ := res.Events[0].Object.Property("name")
	assert.Equal(t, "b", v)

	res = f.commit(t, model.DeleteObject("p1"))
	require.Len(t, res.Events, 1)
	assert.Equal(t, events.OpDelete, res.Events[0].Operation)
	v, _ = res.Events[0].Object.Property("name")
	assert.Equal(t, "b", v, "delete carries the pre-mutation snapshot")
}

func TestCommitRejectsTypeChange(t *testing.T) {
	f := newFixture(t, Options{})
	f.commit(t, model.UpsertObject(newObj(t, "p1", "pserver", nil)))

	_, err := f.engine.Commit(context.Background(), partition(t,
		model.UpsertObject(newObj(t, "p1", "vserver", nil))))
	assert.ErrorIs(t, err, model.ErrMalformedEntity)
}

func TestCommitDeleteMissing(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.engine.Commit(context.Background(), partition(t, model.DeleteObject("nope")))
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = f.engine.Commit(context.Background(), partition(t, model.DeleteRelationship("nope")))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCommitDanglingReferences(t *testing.T) {
	f := newFixture(t, Options{})
	f.commit(t,
		model.UpsertObject(newObj(t, "p1", "pserver", nil)),
		model.UpsertObject(newObj(t, "v1", "vserver", nil)),
		model.UpsertRelationship(newRel(t, "r1", "hosts", model.RefKey("p1"), model.RefKey("v1"))),
	)

	t.Run("endpoint missing", func(t *testing.T) {
		_, err := f.engine.Commit(context.Background(), partition(t,
			model.UpsertRelationship(newRel(t, "r2", "hosts", model.RefKey("p1"), model.RefKey("ghost")))))
		assert.ErrorIs(t, err, ErrDanglingReference)
	})

	t.Run("delete object keeping relationship", func(t *testing.T) {
		_, err := f.engine.Commit(context.Background(), partition(t, model.DeleteObject("v1")))
		assert.ErrorIs(t, err, ErrDanglingReference)

		_, err = f.store.GetObject(context.Background(), "v1")
		assert.NoError(t, err)
	})

	t.Run("upsert relationship onto deleted object", func(t *testing.T) {
		_, err := f.engine.Commit(context.Background(), partition(t,
			model.DeleteRelationship("r1"),
			model.DeleteObject("v1"),
			model.UpsertRelationship(newRel(t, "r3", "hosts", model.RefKey("p1"), model.RefKey("v1"))),
		))
		assert.ErrorIs(t, err, ErrDanglingReference)
	})

	t.Run("delete both together", func(t *testing.T) {
		// Object delete listed first; the engine orders relationship deletes before it.
		res := f.commit(t, model.DeleteObject("v1"), model.DeleteRelationship("r1"))
		require.Len(t, res.Events, 2)
		for _, ev := range res.Events {
			assert.Equal(t, events.OpDelete, ev.Operation)
		}

		_, err := f.store.GetObject(context.Background(), "v1")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = f.store.GetRelationship(context.Background(), "r1")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}

func TestCommitKeepsIndexesInStep(t *testing.T) {
	f := newFixture(t, Options{})
	f.declare(t, index.Descriptor{Name: "by_name", Kind: model.KindObject, Type: "pserver", Field: "name"})

	f.commit(t, model.UpsertObject(newObj(t, "p1", "pserver", map[string]any{"name": "a"})))
	keys, err := f.indexes.Lookup(model.KindObject, "pserver", "name", "a")
	require.NoError(t, err)
	assert.Equal(t, []model.Key{"p1"}, keys)

	f.commit(t, model.UpsertObject(newObj(t, "p1", "pserver", map[string]any{"name": "b"})))
	keys, err = f.indexes.Lookup(model.KindObject, "pserver", "name", "a")
	require.NoError(t, err)
	assert.Empty(t, keys, "stale entry for the old value")
	keys, err = f.indexes.Lookup(model.KindObject, "pserver", "name", "b")
	require.NoError(t, err)
	assert.Equal(t, []model.Key{"p1"}, keys)

	f.commit(t, model.DeleteObject("p1"))
	keys, err = f.indexes.Lookup(model.KindObject, "pserver", "name", "b")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

// failingEngine rejects every batch.
type failingEngine struct {
	*storage.MemoryEngine
	err error
}

func (f *failingEngine) ApplyBatch(ctx context.Context, ops []storage.Operation) error {
	return f.err
}

func TestCommitStorageFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"conflict", fmt.Errorf("txn: %w", storage.ErrCommitConflict), storage.ErrCommitConflict},
		{"unavailable", errors.New("disk on fire"), storage.ErrStorageUnavailable},
		{"closed", storage.ErrStorageClosed, storage.ErrStorageUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := storage.NewMemoryEngine()
			defer mem.Close()
			store := &failingEngine{MemoryEngine: mem, err: tt.err}
			indexes := index.NewManager(index.Options{})
			defer indexes.Close()
			require.NoError(t, indexes.Declare(index.Descriptor{Name: "n", Kind: model.KindObject, Field: "name"}, store))
			require.NoError(t, indexes.WaitReady(context.Background(), "n"))

			var published int
			pipeline := events.NewPipeline(events.FuncPublisher(func(context.Context, events.Envelope) error {
				published++
				return nil
			}), events.PipelineOptions{})
			eng := New(store, indexes, Options{Pipeline: pipeline})

			res, err := eng.Commit(context.Background(), partition(t,
				model.UpsertObject(newObj(t, "p1", "pserver", map[string]any{"name": "a"}))))
			assert.Nil(t, res)
			assert.ErrorIs(t, err, tt.want)

			keys, err := indexes.LookupByName("n", "a")
			require.NoError(t, err)
			assert.Empty(t, keys)
			assert.Zero(t, published)
		})
	}
}

func TestCommitCancelledBeforeWrite(t *testing.T) {
	f := newFixture(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.engine.Commit(ctx, partition(t, model.UpsertObject(newObj(t, "p1", "pserver", nil))))
	assert.ErrorIs(t, err, context.Canceled)

	_, err = f.store.GetObject(context.Background(), "p1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCommitPublishesEvents(t *testing.T) {
	pub := events.NewChannelPublisher(10)
	f := newFixture(t, Options{Pipeline: events.NewPipeline(pub, events.PipelineOptions{})})

	res := f.commit(t,
		model.UpsertObject(newObj(t, "p1", "pserver", nil)),
		model.UpsertObject(newObj(t, "p2", "pserver", nil)),
	)
	assert.NoError(t, res.PublishErr)

	for i := 0; i < 2; i++ {
		env := <-pub.C()
		assert.Equal(t, res.TransactionID, env.Body.TransactionID)
	}
}

func TestCommitPublishFailureKeepsData(t *testing.T) {
	retry := events.RetryConfig{MaxRetries: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffMultiplier: 1}
	pipeline := events.NewPipeline(events.FuncPublisher(func(context.Context, events.Envelope) error {
		return errors.New("broker down")
	}), events.PipelineOptions{Retry: &retry, Breaker: &events.BreakerConfig{Disabled: true}})
	f := newFixture(t, Options{Pipeline: pipeline})

	res, err := f.engine.Commit(context.Background(), partition(t,
		model.UpsertObject(newObj(t, "p1", "pserver", nil))))
	require.NoError(t, err)
	assert.ErrorIs(t, res.PublishErr, events.ErrEventPublishFailed)

	_, err = f.store.GetObject(context.Background(), "p1")
	assert.NoError(t, err)
}

func TestConcurrentDisjointCommits(t *testing.T) {
	f := newFixture(t, Options{})
	const n = 20

	results := make([]*Result, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a := newObj(t, model.Key(fmt.Sprintf("a%d", i)), "pserver", nil)
			b := newObj(t, model.Key(fmt.Sprintf("b%d", i)), "vserver", nil)
			r := newRel(t, model.Key(fmt.Sprintf("r%d", i)), "hosts", model.RefTo(a), model.RefTo(b))
			p, err := model.NewPartition(model.PartitionConfig{Mutations: []model.Mutation{
				model.UpsertObject(a), model.UpsertObject(b), model.UpsertRelationship(r),
			}})
			if err != nil {
				errs[i] = err
				return
			}
			results[i], errs[i] = f.engine.Commit(context.Background(), p)
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Len(t, results[i].Events, 3)
		assert.False(t, seen[results[i].TransactionID], "duplicate transaction id")
		seen[results[i].TransactionID] = true
	}

	count, err := f.store.ObjectCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2*n), count)
}

func TestConcurrentOverlappingCommitsKeepIndexConsistent(t *testing.T) {
	f := newFixture(t, Options{})
	f.declare(t, index.Descriptor{Name: "by_name", Kind: model.KindObject, Type: "pserver", Field: "name"})

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			o := newObj(t, "p1", "pserver", map[string]any{"name": fmt.Sprintf("v%d", i)})
			p, err := model.NewPartition(model.PartitionConfig{Mutations: []model.Mutation{model.UpsertObject(o)}})
			if err == nil {
				_, _ = f.engine.Commit(context.Background(), p)
			}
		}(i)
	}
	wg.Wait()

	stored, err := f.store.GetObject(context.Background(), "p1")
	require.NoError(t, err)
	final, _ := stored.Property("name")

	info, err := f.indexes.Stats("by_name")
	require.NoError(t, err)
	assert.Equal(t, 1, info.Entries)

	keys, err := f.indexes.Lookup(model.KindObject, "pserver", "name", final)
	require.NoError(t, err)
	assert.Equal(t, []model.Key{"p1"}, keys)
}

func TestStorageErrClassification(t *testing.T) {
	assert.ErrorIs(t, storageErr("x", storage.ErrInvalidEdge), storage.ErrCommitConflict)
	assert.ErrorIs(t, storageErr("x", storage.ErrInvalidKey), model.ErrMalformedEntity)
	assert.ErrorIs(t, storageErr("x", errors.New("boom")), storage.ErrStorageUnavailable)
	assert.Equal(t, context.Canceled, storageErr("x", context.Canceled))
}

func TestKeyLocksSortAndDedupe(t *testing.T) {
	l := newKeyLocks(4)
	unlock := l.lock([]lockKey{
		{model.KindObject, "a"}, {model.KindObject, "a"}, {model.KindRelationship, "a"},
		{model.KindObject, "b"}, {model.KindObject, "c"}, {model.KindObject, "d"},
	})
	done := make(chan struct{})
	go func() {
		u := l.lock([]lockKey{{model.KindObject, "a"}})
		u()
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("second lock acquired while first held")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	<-done
}
