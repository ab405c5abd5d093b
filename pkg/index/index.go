// Package index maintains Champ's secondary indexes.
//
// An index maps the exact value of one property to the set of entity keys
// carrying that value. Indexes are declared per entity kind (objects or
// relationships) and either for one type or for every type (AnyType).
//
// The Manager keeps indexes exactly in step with storage. The transaction
// engine acquires a Guard over the indexes a commit touches before writing
// to storage, and applies the index changes under that same Guard, so a
// lookup observes either the state before a commit or the state after it.
//
// Declaring an index over existing data starts a backfill scan. Until the scan
// finishes, lookups against that index fail with ErrIndexNotReady instead of
// returning a partial result. Other indexes, reads and writes are unaffected.
//
// Example:
//
//	mgr := index.NewManager(index.Options{})
//	err := mgr.Declare(index.Descriptor{
//		Name:  "pserver_name",
//		Kind:  model.KindObject,
//		Type:  "pserver",
//		Field: "name",
//	}, engine)
//	_ = mgr.WaitReady(ctx, "pserver_name")
//	keys, err := mgr.Lookup(model.KindObject, "pserver", "name", "host1")
package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"

	"github.com/orneryd/champ/pkg/model"
)

// Errors returned by the Manager.
var (
	ErrIndexNotExists     = errors.New("index does not exist")
	ErrIndexNotReady      = errors.New("index not ready")
	ErrIndexExists        = errors.New("index already exists")
	ErrInvalidDescriptor  = errors.New("invalid index descriptor")
	ErrManagerClosed      = errors.New("index manager closed")
	errBackfillSuperseded = errors.New("index dropped during backfill")
)

// AnyType makes an index cover every type of its entity kind.
const AnyType = "*"

// State is the lifecycle state of an index.
type State string

const (
	StateBuilding State = "BUILDING"
	StateReady    State = "READY"
	StateFailed   State = "FAILED"
)

// Descriptor declares an index.
type Descriptor struct {
	// Name is unique per graph.
	Name string `json:"name" yaml:"name"`
	// Kind is model.KindObject or model.KindRelationship.
	Kind model.EntityKind `json:"kind" yaml:"kind"`
	// Type restricts the index to one entity type. "" or AnyType covers all.
	Type  string `json:"type" yaml:"type"`
	Field string `json:"field" yaml:"field"`
}

// Validate checks the descriptor and normalizes an empty Type to AnyType.
func (d *Descriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidDescriptor)
	}
	if d.Field == "" {
		return fmt.Errorf("%w: field is required", ErrInvalidDescriptor)
	}
	if d.Kind != model.KindObject && d.Kind != model.KindRelationship {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidDescriptor, d.Kind)
	}
	if d.Type == "" {
		d.Type = AnyType
	}
	return nil
}

// Covers reports whether entities of kind and typ belong in the index.
func (d Descriptor) Covers(kind model.EntityKind, typ string) bool {
	return d.Kind == kind && (d.Type == AnyType || d.Type == typ)
}

// Entity is the read-only view of an object or relationship the indexes need.
// Both *model.Object and *model.Relationship implement it.
type Entity interface {
	Key() model.Key
	Type() string
	Property(name string) (any, bool)
}

// Change describes one committed mutation. Old is nil for a creation and New
// is nil for a deletion.
type Change struct {
	Kind model.EntityKind
	Key  model.Key
	Old  Entity
	New  Entity
}

func (c Change) entityType() string {
	if c.New != nil {
		return c.New.Type()
	}
	if c.Old != nil {
		return c.Old.Type()
	}
	return ""
}

// Scanner supplies the existing entities for a backfill.
// storage.Engine satisfies it.
type Scanner interface {
	ScanObjects(ctx context.Context, fn func(*model.Object) error) error
	ScanRelationships(ctx context.Context, fn func(*model.Relationship) error) error
}

// entry is what an index remembers about one entity.
type entry struct {
	value any
	typ   string
}

// propertyIndex is a single declared index.
type propertyIndex struct {
	desc Descriptor

	mu      sync.RWMutex
	state   State
	failure error
	values  map[any]map[model.Key]struct{}
	byKey   map[model.Key]entry
	// touched collects keys reindexed by commits while the backfill runs, so
	// the scan never overwrites a newer committed value with an older one.
	touched map[model.Key]struct{}

	ready  chan struct{}
	cancel context.CancelFunc
}

func newPropertyIndex(desc Descriptor) *propertyIndex {
	return &propertyIndex{
		desc:    desc,
		state:   StateBuilding,
		values:  make(map[any]map[model.Key]struct{}),
		byKey:   make(map[model.Key]entry),
		touched: make(map[model.Key]struct{}),
		ready:   make(chan struct{}),
	}
}

// Canonical maps a property value to its index key. Whole floats collapse
// onto int64 so 3 and 3.0 hit the same entry.
func Canonical(v any) (any, bool) {
	nv, err := model.NormalizeValue(v)
	if err != nil {
		return nil, false
	}
	if f, ok := nv.(float64); ok && f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
		return int64(f), true
	}
	return nv, true
}

// insertLocked indexes key under value, replacing any previous entry.
func (p *propertyIndex) insertLocked(key model.Key, typ string, value any) {
	p.removeLocked(key)
	set, ok := p.values[value]
	if !ok {
		set = make(map[model.Key]struct{})
		p.values[value] = set
	}
	set[key] = struct{}{}
	p.byKey[key] = entry{value: value, typ: typ}
}

func (p *propertyIndex) removeLocked(key model.Key) {
	e, ok := p.byKey[key]
	if !ok {
		return
	}
	if set, ok := p.values[e.value]; ok {
		delete(set, key)
		if len(set) == 0 {
			delete(p.values, e.value)
		}
	}
	delete(p.byKey, key)
}

// applyLocked reindexes one change. The caller holds p.mu for writing.
func (p *propertyIndex) applyLocked(c Change) {
	if p.state == StateBuilding {
		p.touched[c.Key] = struct{}{}
	}
	if c.New == nil || !p.desc.Covers(c.Kind, c.New.Type()) {
		p.removeLocked(c.Key)
		return
	}
	raw, ok := c.New.Property(p.desc.Field)
	if !ok {
		p.removeLocked(c.Key)
		return
	}
	value, ok := Canonical(raw)
	if !ok {
		p.removeLocked(c.Key)
		return
	}
	if e, exists := p.byKey[c.Key]; exists && e.value == value {
		return
	}
	p.insertLocked(c.Key, c.New.Type(), value)
}

// backfillLocked indexes an entity found by the scan unless a commit
// already handled it.
func (p *propertyIndex) backfillLocked(e Entity) {
	key := e.Key()
	if _, seen := p.touched[key]; seen {
		return
	}
	if !p.desc.Covers(p.desc.Kind, e.Type()) {
		return
	}
	raw, ok := e.Property(p.desc.Field)
	if !ok {
		return
	}
	if value, ok := Canonical(raw); ok {
		p.insertLocked(key, e.Type(), value)
	}
}

func (p *propertyIndex) lookup(typ string, value any) ([]model.Key, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	switch p.state {
	case StateBuilding:
		return nil, fmt.Errorf("%w: %s is still backfilling", ErrIndexNotReady, p.desc.Name)
	case StateFailed:
		return nil, fmt.Errorf("%w: %s backfill failed: %v", ErrIndexNotReady, p.desc.Name, p.failure)
	}

	v, ok := Canonical(value)
	if !ok {
		return []model.Key{}, nil
	}
	set := p.values[v]
	keys := make([]model.Key, 0, len(set))
	for k := range set {
		if typ != AnyType && typ != "" && p.byKey[k].typ != typ {
			continue
		}
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys, nil
}

// Info describes an index for listings.
type Info struct {
	Descriptor
	State          State `json:"state"`
	Entries        int   `json:"entries"`
	DistinctValues int   `json:"distinct_values"`
}

func (p *propertyIndex) info() Info {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Info{
		Descriptor:     p.desc,
		State:          p.state,
		Entries:        len(p.byKey),
		DistinctValues: len(p.values),
	}
}

// Options configures a Manager.
type Options struct {
	Logger *slog.Logger
}

// Manager owns the indexes of one graph.
type Manager struct {
	// mu guards the index set. Guards hold it for reading for their whole
	// lifetime, so Declare and Drop never race with an in-flight commit.
	mu      sync.RWMutex
	indexes map[string]*propertyIndex
	closed  bool

	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewManager creates an empty Manager.
func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		indexes: make(map[string]*propertyIndex),
		logger:  logger.With("component", "index"),
	}
}

// Declare registers an index and backfills it from scanner in the background.
//
// Redeclaring an identical descriptor is a no-op. A different descriptor under
// an existing name fails with ErrIndexExists. The index stays BUILDING until
// the scan completes; use WaitReady to block on it.
func (m *Manager) Declare(desc Descriptor, scanner Scanner) error {
	if err := desc.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	if existing, ok := m.indexes[desc.Name]; ok {
		if existing.desc != desc {
			m.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrIndexExists, desc.Name)
		}
		// A failed backfill is retried by redeclaring; anything else is a no-op.
		if existing.info().State != StateFailed {
			m.mu.Unlock()
			return nil
		}
	}
	idx := newPropertyIndex(desc)
	ctx, cancel := context.WithCancel(context.Background())
	idx.cancel = cancel
	m.indexes[desc.Name] = idx
	m.wg.Add(1)
	m.mu.Unlock()

	m.logger.Info("index declared, backfilling", "index", desc.Name, "kind", desc.Kind, "type", desc.Type, "field", desc.Field)
	go m.backfill(ctx, idx, scanner)
	return nil
}

func (m *Manager) backfill(ctx context.Context, idx *propertyIndex, scanner Scanner) {
	defer m.wg.Done()
	defer idx.cancel()

	var err error
	if scanner != nil {
		if idx.desc.Kind == model.KindObject {
			err = scanner.ScanObjects(ctx, func(o *model.Object) error {
				idx.mu.Lock()
				idx.backfillLocked(o)
				idx.mu.Unlock()
				return nil
			})
		} else {
			err = scanner.ScanRelationships(ctx, func(r *model.Relationship) error {
				idx.mu.Lock()
				idx.backfillLocked(r)
				idx.mu.Unlock()
				return nil
			})
		}
	}
	if err != nil && ctx.Err() != nil {
		err = errBackfillSuperseded
	}

	idx.mu.Lock()
	if err != nil {
		idx.state = StateFailed
		idx.failure = err
	} else {
		idx.state = StateReady
	}
	idx.touched = nil
	idx.mu.Unlock()
	close(idx.ready)

	if err != nil {
		m.logger.Warn("index backfill failed", "index", idx.desc.Name, "error", err)
		return
	}
	info := idx.info()
	m.logger.Info("index ready", "index", idx.desc.Name, "entries", info.Entries)
}

// WaitReady blocks until the named index finishes backfilling.
func (m *Manager) WaitReady(ctx context.Context, name string) error {
	idx, err := m.get(name)
	if err != nil {
		return err
	}
	select {
	case <-idx.ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if idx.state == StateFailed {
		return fmt.Errorf("%w: %s backfill failed: %v", ErrIndexNotReady, name, idx.failure)
	}
	return nil
}

// Drop removes an index, canceling its backfill if one is running.
func (m *Manager) Drop(name string) error {
	m.mu.Lock()
	idx, ok := m.indexes[name]
	if ok {
		delete(m.indexes, name)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrIndexNotExists, name)
	}
	idx.cancel()
	m.logger.Info("index dropped", "index", name)
	return nil
}

func (m *Manager) get(name string) (*propertyIndex, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, ok := m.indexes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrIndexNotExists, name)
	}
	return idx, nil
}

// LookupByName returns the sorted keys whose indexed field equals value.
func (m *Manager) LookupByName(name string, value any) ([]model.Key, error) {
	idx, err := m.get(name)
	if err != nil {
		return nil, err
	}
	return idx.lookup(AnyType, value)
}

// Lookup finds an index on (kind, typ, field) and returns the sorted keys
// whose field equals value. typ may be AnyType.
//
// An index declared for exactly typ is preferred; an AnyType index on the
// same field also serves typed lookups by filtering on the stored type.
func (m *Manager) Lookup(kind model.EntityKind, typ, field string, value any) ([]model.Key, error) {
	if typ == "" {
		typ = AnyType
	}
	idx := m.find(kind, typ, field)
	if idx == nil {
		return nil, fmt.Errorf("%w: no %s index on %s.%s", ErrIndexNotExists, kind, typ, field)
	}
	return idx.lookup(typ, value)
}

func (m *Manager) find(kind model.EntityKind, typ, field string) *propertyIndex {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var fallback *propertyIndex
	for _, idx := range m.indexes {
		d := idx.desc
		if d.Kind != kind || d.Field != field {
			continue
		}
		if d.Type == typ {
			return idx
		}
		if d.Type == AnyType && (fallback == nil || idx.desc.Name < fallback.desc.Name) {
			fallback = idx
		}
	}
	return fallback
}

// Has reports whether an index on (kind, typ, field) exists in any state.
func (m *Manager) Has(kind model.EntityKind, typ, field string) bool {
	return m.find(kind, typ, field) != nil
}

// List returns every index sorted by name.
func (m *Manager) List() []Info {
	m.mu.RLock()
	all := make([]*propertyIndex, 0, len(m.indexes))
	for _, idx := range m.indexes {
		all = append(all, idx)
	}
	m.mu.RUnlock()

	out := make([]Info, 0, len(all))
	for _, idx := range all {
		out = append(out, idx.info())
	}
	slices.SortFunc(out, func(a, b Info) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	return out
}

// Stats returns the listing entry for one index.
func (m *Manager) Stats(name string) (Info, error) {
	idx, err := m.get(name)
	if err != nil {
		return Info{}, err
	}
	return idx.info(), nil
}

// Reindex applies a single change under its own Guard.
func (m *Manager) Reindex(c Change) {
	g := m.Acquire([]Target{{Kind: c.Kind, Type: c.entityType()}})
	defer g.Release()
	g.Apply([]Change{c})
}

// Close cancels running backfills and waits for them to stop.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	for _, idx := range m.indexes {
		idx.cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}
