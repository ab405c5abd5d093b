package index

import (
	"slices"

	"github.com/orneryd/champ/pkg/model"
)

// Target names an (entity kind, type) pair a commit is about to write.
type Target struct {
	Kind model.EntityKind
	Type string
}

// Guard holds the write locks of every index a commit touches.
//
// The commit protocol is:
//
//	g := mgr.Acquire(targets)
//	defer g.Release()
//	if err := engine.ApplyBatch(ctx, ops); err != nil {
//		return err // no index changes
//	}
//	g.Apply(changes)
//
// Lookups on the guarded indexes wait until Release, so they never see
// storage and index out of step. Indexes are locked in name order, which
// keeps concurrent guards deadlock-free.
type Guard struct {
	m        *Manager
	indexes  []*propertyIndex
	released bool
}

// Acquire locks every index covering one of targets.
func (m *Manager) Acquire(targets []Target) *Guard {
	m.mu.RLock()

	var locked []*propertyIndex
	for _, idx := range m.indexes {
		for _, t := range targets {
			if idx.desc.Covers(t.Kind, t.Type) {
				locked = append(locked, idx)
				break
			}
		}
	}
	slices.SortFunc(locked, func(a, b *propertyIndex) int {
		switch {
		case a.desc.Name < b.desc.Name:
			return -1
		case a.desc.Name > b.desc.Name:
			return 1
		}
		return 0
	})
	for _, idx := range locked {
		idx.mu.Lock()
	}
	return &Guard{m: m, indexes: locked}
}

// Apply reindexes changes in order. Call it only after the storage write
// the changes describe has succeeded.
func (g *Guard) Apply(changes []Change) {
	for _, c := range changes {
		typ := c.entityType()
		for _, idx := range g.indexes {
			if idx.desc.Covers(c.Kind, typ) {
				idx.applyLocked(c)
			}
		}
	}
}

// Indexes returns the names of the guarded indexes.
func (g *Guard) Indexes() []string {
	names := make([]string, len(g.indexes))
	for i, idx := range g.indexes {
		names[i] = idx.desc.Name
	}
	return names
}

// Release unlocks everything. It is safe to call more than once.
func (g *Guard) Release() {
	if g.released {
		return
	}
	g.released = true
	for i := len(g.indexes) - 1; i >= 0; i-- {
		g.indexes[i].mu.Unlock()
	}
	g.m.mu.RUnlock()
}
