package vm

import (
	"sort"
	"sync"
	"sync/atomic"
)

// MethodProfile holds the counters of one method.
type MethodProfile struct {
	Calls        atomic.Uint64
	Instructions atomic.Uint64
	Throws       atomic.Uint64
	hot          atomic.Bool
}

// IsHot reports whether the call count has reached the profiler threshold.
func (p *MethodProfile) IsHot() bool { return p.hot.Load() }

// Profiler is a Tracer that counts calls, executed instructions and throws
// per method. It is safe for use by many threads.
type Profiler struct {
	profiles sync.Map // *Method -> *MethodProfile

	// HotThreshold is the call count at which a method becomes hot.
	HotThreshold uint64
	// OnHot is called once per method when it becomes hot.
	OnHot func(*Method, *MethodProfile)

	hotCount atomic.Uint64
}

// NewProfiler creates a profiler with the default hot threshold.
func NewProfiler() *Profiler {
	return &Profiler{HotThreshold: 100}
}

func (p *Profiler) profile(m *Method) *MethodProfile {
	if v, ok := p.profiles.Load(m); ok {
		return v.(*MethodProfile)
	}
	v, _ := p.profiles.LoadOrStore(m, &MethodProfile{})
	return v.(*MethodProfile)
}

// Profile returns the counters of m, or nil if m never ran.
func (p *Profiler) Profile(m *Method) *MethodProfile {
	if v, ok := p.profiles.Load(m); ok {
		return v.(*MethodProfile)
	}
	return nil
}

func (p *Profiler) OnStep(_ *Thread, m *Method, _ int, _ Opcode) {
	p.profile(m).Instructions.Add(1)
}

func (p *Profiler) OnCall(_ *Thread, m *Method) {
	prof := p.profile(m)
	n := prof.Calls.Add(1)
	if p.HotThreshold > 0 && n >= p.HotThreshold && prof.hot.CompareAndSwap(false, true) {
		p.hotCount.Add(1)
		if p.OnHot != nil {
			p.OnHot(m, prof)
		}
	}
}

func (p *Profiler) OnReturn(*Thread, *Method, error) {}

func (p *Profiler) OnThrow(_ *Thread, m *Method, _ *ManagedException) {
	p.profile(m).Throws.Add(1)
}

// ProfilerStats holds aggregate profiling statistics.
type ProfilerStats struct {
	Methods      int
	HotMethods   int
	Calls        uint64
	Instructions uint64
	Throws       uint64
}

// Stats returns aggregate statistics.
func (p *Profiler) Stats() ProfilerStats {
	var st ProfilerStats
	p.profiles.Range(func(_, v any) bool {
		prof := v.(*MethodProfile)
		st.Methods++
		st.Calls += prof.Calls.Load()
		st.Instructions += prof.Instructions.Load()
		st.Throws += prof.Throws.Load()
		if prof.IsHot() {
			st.HotMethods++
		}
		return true
	})
	return st
}

// HotMethods returns every method that reached the threshold.
func (p *Profiler) HotMethods() []*Method {
	var hot []*Method
	p.profiles.Range(func(k, v any) bool {
		if v.(*MethodProfile).IsHot() {
			hot = append(hot, k.(*Method))
		}
		return true
	})
	return hot
}

// MethodCount pairs a method with one of its counters.
type MethodCount struct {
	Method *Method
	Count  uint64
}

// TopMethods returns the n methods that executed the most instructions.
func (p *Profiler) TopMethods(n int) []MethodCount {
	var all []MethodCount
	p.profiles.Range(func(k, v any) bool {
		all = append(all, MethodCount{k.(*Method), v.(*MethodProfile).Instructions.Load()})
		return true
	})
	sort.Slice(all, func(i, j int) bool {
		if all[i].Count != all[j].Count {
			return all[i].Count > all[j].Count
		}
		return all[i].Method.Name() < all[j].Method.Name()
	})
	if n < len(all) {
		all = all[:n]
	}
	return all
}

// Reset clears all counters.
func (p *Profiler) Reset() {
	p.profiles.Range(func(k, _ any) bool {
		p.profiles.Delete(k)
		return true
	})
	p.hotCount.Store(0)
}
