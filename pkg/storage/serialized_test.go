package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/champ/pkg/model"
)

// unsafeEngine records overlapping calls. It does not implement
// ConcurrencySafe, so Serialized must wrap it.
type unsafeEngine struct {
	*MemoryEngine
	inFlight atomic.Int32
	overlap  atomic.Bool
}

func (u *unsafeEngine) enter() func() {
	if u.inFlight.Add(1) > 1 {
		u.overlap.Store(true)
	}
	time.Sleep(time.Millisecond)
	return func() { u.inFlight.Add(-1) }
}

func (u *unsafeEngine) GetObject(ctx context.Context, key model.Key) (*model.Object, error) {
	defer u.enter()()
	return u.MemoryEngine.GetObject(ctx, key)
}

func (u *unsafeEngine) ApplyBatch(ctx context.Context, ops []Operation) error {
	defer u.enter()()
	return u.MemoryEngine.ApplyBatch(ctx, ops)
}

// ConcurrencySafe shadows the embedded method so the engine reports itself unsafe.
func (u *unsafeEngine) ConcurrencySafe() bool { return false }

func TestSerializedWrapsUnsafeEngines(t *testing.T) {
	mem := NewMemoryEngine()
	assert.Same(t, Engine(mem), Serialized(mem))

	inner := &unsafeEngine{MemoryEngine: NewMemoryEngine()}
	wrapped := Serialized(inner)
	defer wrapped.Close()
	require.IsType(t, &SerializedEngine{}, wrapped)
	assert.True(t, IsConcurrencySafe(wrapped))
	assert.Same(t, Serialized(wrapped), wrapped)

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			k := model.Key(string(rune('a' + i)))
			_ = wrapped.ApplyBatch(ctx, []Operation{PutObject(obj(t, k, "t", nil))})
			_, _ = wrapped.GetObject(ctx, k)
		}(i)
	}
	wg.Wait()

	assert.False(t, inner.overlap.Load(), "calls overlapped through the serialized wrapper")
	n, err := inner.ObjectCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(16), n)
}

func TestSerializedScanCallbackCanReenter(t *testing.T) {
	inner := &unsafeEngine{MemoryEngine: NewMemoryEngine()}
	wrapped := Serialized(inner)
	defer wrapped.Close()

	ctx := context.Background()
	require.NoError(t, wrapped.ApplyBatch(ctx, []Operation{
		PutObject(obj(t, "a", "t", nil)),
		PutObject(obj(t, "b", "t", nil)),
	}))

	done := make(chan error, 1)
	go func() {
		seen := 0
		done <- wrapped.ScanObjects(ctx, func(o *model.Object) error {
			if _, err := wrapped.GetObject(ctx, o.Key()); err != nil {
				return err
			}
			seen++
			if seen == 1 {
				return ErrIterationStopped
			}
			return nil
		})
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scan callback deadlocked on the serializer")
	}
}
