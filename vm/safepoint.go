package vm

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Safepoints
// ---------------------------------------------------------------------------

// Collector is polled by every thread at each safepoint it reaches. A
// collector typically calls VisitRoots on the thread it is given, or stops
// the world and walks World.Threads.
type Collector interface {
	Poll(t *Thread)
}

// CollectorFunc adapts a function to Collector.
type CollectorFunc func(t *Thread)

// Poll implements Collector.
func (f CollectorFunc) Poll(t *Thread) { f(t) }

// safepoint is reached before backward branches and calls. It observes
// cancellation, parks while the world is stopped and polls the collector.
func (t *Thread) safepoint() error {
	select {
	case <-t.done:
		return fmt.Errorf("%w: %w", ErrCancelled, t.ctx.Err())
	default:
	}
	w := t.rt.world
	if w.requested.Load() {
		w.park(t)
	}
	if c := t.rt.cfg.Collector; c != nil {
		c.Poll(t)
	}
	return nil
}

// ---------------------------------------------------------------------------
// World: stop-the-world suspension
// ---------------------------------------------------------------------------

// World tracks the threads executing managed code and lets a caller suspend
// all of them at their next safepoint.
type World struct {
	stopMu sync.Mutex // held from StopTheWorld to StartTheWorld

	mu        sync.Mutex
	cond      *sync.Cond
	requested atomic.Bool
	running   int
	threads   map[*Thread]struct{}
}

func newWorld() *World {
	w := &World{threads: make(map[*Thread]struct{})}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// enter registers t as running managed code, waiting first for a stopped
// world to restart.
func (w *World) enter(t *Thread) {
	w.mu.Lock()
	for w.requested.Load() {
		w.cond.Wait()
	}
	w.running++
	w.threads[t] = struct{}{}
	w.mu.Unlock()
}

func (w *World) exit(t *Thread) {
	w.mu.Lock()
	w.running--
	delete(w.threads, t)
	w.cond.Broadcast()
	w.mu.Unlock()
}

// park suspends t until the world is restarted.
func (w *World) park(t *Thread) {
	w.mu.Lock()
	if !w.requested.Load() {
		w.mu.Unlock()
		return
	}
	w.running--
	t.parked = true
	w.cond.Broadcast()
	for w.requested.Load() {
		w.cond.Wait()
	}
	t.parked = false
	w.running++
	w.mu.Unlock()
}

// StopTheWorld blocks until every thread executing managed code is parked at
// a safepoint. New invocations wait until StartTheWorld. It must not be
// called from a thread that is executing managed code.
func (w *World) StopTheWorld() {
	w.stopMu.Lock()
	w.mu.Lock()
	w.requested.Store(true)
	for w.running > 0 {
		w.cond.Wait()
	}
	w.mu.Unlock()
	log.Debugf("world stopped with %d parked threads", len(w.threads))
}

// StartTheWorld resumes the threads parked by StopTheWorld.
func (w *World) StartTheWorld() {
	w.mu.Lock()
	w.requested.Store(false)
	w.cond.Broadcast()
	w.mu.Unlock()
	w.stopMu.Unlock()
}

// Threads returns the threads currently executing managed code. While the
// world is stopped their stacks are stable and may be walked.
func (w *World) Threads() []*Thread {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*Thread, 0, len(w.threads))
	for t := range w.threads {
		out = append(out, t)
	}
	return out
}

// Running returns the number of threads executing managed code and not
// parked.
func (w *World) Running() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}
