package vm

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/chazu/mint/arena"
	"github.com/chazu/mint/metadata"
)

// ---------------------------------------------------------------------------
// MemoryManager: per-context arena and method cache
// ---------------------------------------------------------------------------

// MemoryManager owns every interpreter method and static field of one
// loading context. All persistent allocations come from its arena and slabs
// and are released together by Destroy.
type MemoryManager struct {
	ID  uuid.UUID
	ctx metadata.LoadContext
	rt  *Runtime

	cache   sync.Map // *metadata.Method -> *Method
	shellMu sync.Mutex

	// allocMu guards the arena, the slabs and statics.
	allocMu   sync.Mutex
	arena     *arena.Arena
	methods   *arena.Slab[Method]
	kinds     *arena.Slab[Kind]
	locals    *arena.Slab[LocalSlot]
	clauses   *arena.Slab[Clause]
	data      *arena.Slab[DataItem]
	ilMaps    *arena.Slab[OffsetMapping]
	statics   *arena.Slab[Value]
	staticIdx map[*metadata.Field]*Value

	destroyed atomic.Bool
	stats     managerStats
}

func newMemoryManager(rt *Runtime, ctx metadata.LoadContext) *MemoryManager {
	return &MemoryManager{
		ID:        uuid.New(),
		ctx:       ctx,
		rt:        rt,
		arena:     arena.New(rt.pool),
		methods:   arena.NewSlab[Method](64),
		kinds:     arena.NewSlab[Kind](256),
		locals:    arena.NewSlab[LocalSlot](64),
		clauses:   arena.NewSlab[Clause](32),
		data:      arena.NewSlab[DataItem](128),
		ilMaps:    arena.NewSlab[OffsetMapping](256),
		statics:   arena.NewSlab[Value](64),
		staticIdx: make(map[*metadata.Field]*Value),
	}
}

// Context returns the loading context the manager serves.
func (mm *MemoryManager) Context() metadata.LoadContext {
	return mm.ctx
}

// Destroyed reports whether Destroy has run.
func (mm *MemoryManager) Destroyed() bool {
	return mm.destroyed.Load()
}

// GetOrTransform returns the ready interpreter method for desc, transforming
// it on first use. Exactly one transform runs per descriptor; concurrent
// callers wait for it and share the result. A failed transform is returned
// to every later caller.
func (mm *MemoryManager) GetOrTransform(desc *metadata.Method) (*Method, error) {
	if mm.destroyed.Load() {
		return nil, ErrManagerDestroyed
	}
	if v, ok := mm.cache.Load(desc); ok {
		m := v.(*Method)
		switch m.State() {
		case StateReady:
			return m, nil
		case StateFailed:
			return nil, m.err
		}
		return mm.ensure(m)
	}
	if desc.Context() != mm.ctx {
		return nil, fmt.Errorf("vm: %s belongs to %v, not %s", desc.FullName(), desc.Context(), mm.ctx.Name())
	}
	m, err := mm.shell(desc)
	if err != nil {
		return nil, err
	}
	return mm.ensure(m)
}

// Lookup returns the cached method for desc without transforming it.
func (mm *MemoryManager) Lookup(desc *metadata.Method) (*Method, bool) {
	v, ok := mm.cache.Load(desc)
	if !ok {
		return nil, false
	}
	return v.(*Method), true
}

// Methods returns every cached method, in no particular order.
func (mm *MemoryManager) Methods() []*Method {
	var out []*Method
	mm.cache.Range(func(_, v any) bool {
		out = append(out, v.(*Method))
		return true
	})
	return out
}

// shell returns the cache entry for desc, allocating an untransformed one
// under the shell lock when none exists.
func (mm *MemoryManager) shell(desc *metadata.Method) (*Method, error) {
	mm.shellMu.Lock()
	defer mm.shellMu.Unlock()
	if v, ok := mm.cache.Load(desc); ok {
		return v.(*Method), nil
	}
	mm.allocMu.Lock()
	if mm.destroyed.Load() {
		mm.allocMu.Unlock()
		return nil, ErrManagerDestroyed
	}
	m, _, err := mm.methods.New()
	mm.allocMu.Unlock()
	if err != nil {
		return nil, err
	}
	m.Desc = desc
	m.Manager = mm
	mm.cache.Store(desc, m)
	return m, nil
}

// ensure drives m out of the untransformed state. The per-method mutex is
// held for the whole transform so that waiters observe the published
// result.
func (mm *MemoryManager) ensure(m *Method) (*Method, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.State() {
	case StateReady:
		return m, nil
	case StateFailed:
		return nil, m.err
	}
	m.state.Store(uint32(StateTransforming))
	if err := mm.transform(m); err != nil {
		m.err = err
		m.state.Store(uint32(StateFailed))
		log.Warningf("transform %s: %v", m.Desc.FullName(), err)
		return nil, err
	}
	m.state.Store(uint32(StateReady))
	log.Debugf("transformed %s: %d IL bytes -> %d bytecode bytes, max stack %d",
		m.Desc.FullName(), m.ILSize, len(m.Code), m.MaxStack)
	return m, nil
}

// allocMethod reserves the persistent storage of one transformed method.
// The caller holds allocMu.
func (mm *MemoryManager) allocMethod(code, kinds, locals, clauses, data, ilMap int) (
	[]byte, []Kind, []LocalSlot, []Clause, []DataItem, []OffsetMapping, error) {
	if mm.destroyed.Load() {
		return nil, nil, nil, nil, nil, nil, ErrManagerDestroyed
	}
	buf, err := mm.arena.Alloc(code, 8)
	if err != nil {
		return nil, nil, nil, nil, nil, nil, err
	}
	k, err := mm.kinds.AllocN(kinds)
	if err != nil {
		return nil, nil, nil, nil, nil, nil, err
	}
	l, err := mm.locals.AllocN(locals)
	if err != nil {
		return nil, nil, nil, nil, nil, nil, err
	}
	c, err := mm.clauses.AllocN(clauses)
	if err != nil {
		return nil, nil, nil, nil, nil, nil, err
	}
	d, err := mm.data.AllocN(data)
	if err != nil {
		return nil, nil, nil, nil, nil, nil, err
	}
	im, err := mm.ilMaps.AllocN(ilMap)
	if err != nil {
		return nil, nil, nil, nil, nil, nil, err
	}
	return buf, k, l, c, d, im, nil
}

// staticSlot returns the storage of a static field declared in this
// manager's context, allocating it zeroed on first use.
func (mm *MemoryManager) staticSlot(f *metadata.Field) (*Value, error) {
	mm.allocMu.Lock()
	defer mm.allocMu.Unlock()
	if mm.destroyed.Load() {
		return nil, ErrManagerDestroyed
	}
	if v, ok := mm.staticIdx[f]; ok {
		return v, nil
	}
	k, ok := KindOf(f.Type)
	if !ok || k == KindVoid {
		return nil, fmt.Errorf("vm: static field %s has type %s", f.FullName(), f.Type)
	}
	v, _, err := mm.statics.New()
	if err != nil {
		return nil, err
	}
	*v = Zero(k)
	mm.staticIdx[f] = v
	return v, nil
}

// VisitStatics calls fn with every static field value.
func (mm *MemoryManager) VisitStatics(fn func(Value)) {
	mm.allocMu.Lock()
	defer mm.allocMu.Unlock()
	mm.statics.Each(func(_ arena.Handle, v *Value) {
		fn(*v)
	})
}

// Destroy releases every method and static of the manager. Threads must no
// longer be running its methods; later requests fail with
// ErrManagerDestroyed. Destroy is idempotent.
func (mm *MemoryManager) Destroy() {
	mm.shellMu.Lock()
	defer mm.shellMu.Unlock()
	mm.allocMu.Lock()
	defer mm.allocMu.Unlock()
	if mm.destroyed.Swap(true) {
		return
	}
	mm.cache.Range(func(k, _ any) bool {
		mm.cache.Delete(k)
		return true
	})
	mm.methods.Free()
	mm.kinds.Free()
	mm.locals.Free()
	mm.clauses.Free()
	mm.data.Free()
	mm.ilMaps.Free()
	mm.statics.Free()
	clear(mm.staticIdx)
	used := mm.arena.Used()
	mm.arena.Free()
	log.Infof("destroyed memory manager %s for %s (%d bytes)", mm.ID, mm.ctx.Name(), used)
}

// ---------------------------------------------------------------------------
// Statistics
// ---------------------------------------------------------------------------

// Stats is a snapshot of a manager's transform and allocation counters.
type Stats struct {
	Context       string
	Methods       int
	Transformed   int64
	Failed        int64
	ILBytes       int64
	CodeBytes     int64
	TransformTime time.Duration
	ArenaUsed     int
	ArenaReserved int
	ArenaBlocks   int
	Statics       int
	Destroyed     bool
}

type managerStats struct {
	transformed atomic.Int64
	failed      atomic.Int64
	ilBytes     atomic.Int64
	codeBytes   atomic.Int64
	nanos       atomic.Int64
}

func (s *managerStats) record(err error, il, code int, d time.Duration) {
	if err != nil {
		s.failed.Add(1)
	} else {
		s.transformed.Add(1)
		s.ilBytes.Add(int64(il))
		s.codeBytes.Add(int64(code))
	}
	s.nanos.Add(int64(d))
}

// Stats returns a snapshot of the manager's counters.
func (mm *MemoryManager) Stats() Stats {
	st := Stats{
		Context:       mm.ctx.Name(),
		Transformed:   mm.stats.transformed.Load(),
		Failed:        mm.stats.failed.Load(),
		ILBytes:       mm.stats.ilBytes.Load(),
		CodeBytes:     mm.stats.codeBytes.Load(),
		TransformTime: time.Duration(mm.stats.nanos.Load()),
		Destroyed:     mm.destroyed.Load(),
	}
	mm.allocMu.Lock()
	st.Methods = mm.methods.Len()
	st.ArenaUsed = mm.arena.Used()
	st.ArenaReserved = mm.arena.Reserved()
	st.ArenaBlocks = mm.arena.Blocks()
	st.Statics = mm.statics.Len()
	mm.allocMu.Unlock()
	return st
}
