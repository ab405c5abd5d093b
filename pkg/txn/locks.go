package txn

import (
	"hash/maphash"
	"slices"
	"sync"

	"github.com/orneryd/champ/pkg/model"
)

const defaultLockStripes = 256

// keyLocks is a fixed set of mutexes that entity keys hash onto. Commits over
// disjoint keys usually land on different stripes and run in parallel.
type keyLocks struct {
	seed    maphash.Seed
	stripes []sync.Mutex
}

func newKeyLocks(n int) *keyLocks {
	if n <= 0 {
		n = defaultLockStripes
	}
	return &keyLocks{seed: maphash.MakeSeed(), stripes: make([]sync.Mutex, n)}
}

type lockKey struct {
	kind model.EntityKind
	key  model.Key
}

func (l *keyLocks) stripe(k lockKey) int {
	var h maphash.Hash
	h.SetSeed(l.seed)
	h.WriteString(string(k.kind))
	h.WriteByte(0)
	h.WriteString(string(k.key))
	return int(h.Sum64() % uint64(len(l.stripes)))
}

// lock takes the stripes for keys in ascending order and returns the
// matching unlock.
func (l *keyLocks) lock(keys []lockKey) func() {
	idx := make([]int, 0, len(keys))
	for _, k := range keys {
		idx = append(idx, l.stripe(k))
	}
	slices.Sort(idx)
	idx = slices.Compact(idx)

	for _, i := range idx {
		l.stripes[i].Lock()
	}
	return func() {
		for j := len(idx) - 1; j >= 0; j-- {
			l.stripes[idx[j]].Unlock()
		}
	}
}
