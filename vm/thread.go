package vm

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/chazu/mint/metadata"
)

// ---------------------------------------------------------------------------
// Frames
// ---------------------------------------------------------------------------

// Frame is the activation record of one executing method. Its arguments and
// locals occupy the thread stack from bp; its evaluation stack starts at
// sbase.
type Frame struct {
	Method *Method

	bp    int
	sbase int
	ip    int // next instruction
	cur   int // instruction being executed
	depth int

	handled []handledException
}

// Offset returns the bytecode offset of the instruction being executed.
func (f *Frame) Offset() int { return f.cur }

// ---------------------------------------------------------------------------
// Thread
// ---------------------------------------------------------------------------

// Thread is an interpreter thread: a value stack shared by all of its
// frames. A thread runs one invocation at a time; distinct threads may run
// concurrently against the same runtime.
type Thread struct {
	ID uuid.UUID
	rt *Runtime

	stack  []Value
	sp     int
	frames []*Frame
	depth  int
	filter *filterScope

	ctx    context.Context
	done   <-chan struct{}
	tracer Tracer
	busy   atomic.Bool
	parked bool // guarded by World.mu
}

// NewThread creates a thread with the configured initial stack.
func (r *Runtime) NewThread() *Thread {
	return &Thread{
		ID:     uuid.New(),
		rt:     r,
		stack:  make([]Value, r.cfg.InitialStackSlots),
		tracer: r.cfg.Tracer,
		ctx:    context.Background(),
	}
}

// Runtime returns the runtime the thread belongs to.
func (t *Thread) Runtime() *Runtime { return t.rt }

// Depth returns the number of active frames.
func (t *Thread) Depth() int { return t.depth }

// StackSize returns the current capacity of the value stack in slots.
func (t *Thread) StackSize() int { return len(t.stack) }

// Parked reports whether the thread is suspended at a safepoint.
func (t *Thread) Parked() bool {
	w := t.rt.world
	w.mu.Lock()
	defer w.mu.Unlock()
	return t.parked
}

// SetTracer replaces the thread's tracer. It must not be called while the
// thread is executing.
func (t *Thread) SetTracer(tr Tracer) { t.tracer = tr }

// Invoke runs desc with args on t and returns its result, which is the zero
// Value for void methods. Arguments must match the parameter stack kinds,
// with the receiver first for instance methods.
func (t *Thread) Invoke(ctx context.Context, desc *metadata.Method, args ...Value) (Value, error) {
	if !t.busy.CompareAndSwap(false, true) {
		return Value{}, ErrThreadBusy
	}
	defer t.busy.Store(false)

	m, err := t.rt.GetOrTransform(desc)
	if err != nil {
		return Value{}, err
	}
	if len(args) != m.NumArgs {
		return Value{}, fmt.Errorf("%w: %s takes %d, got %d", ErrArgumentCount, m.Name(), m.NumArgs, len(args))
	}
	for i, a := range args {
		if a.Kind() != m.SlotKinds[i] {
			return Value{}, fmt.Errorf("%w: argument %d of %s is %s, want %s", ErrBadArguments, i, m.Name(), a.Kind(), m.SlotKinds[i])
		}
	}

	if ctx == nil {
		ctx = context.Background()
	}
	t.ctx, t.done = ctx, ctx.Done()
	w := t.rt.world
	w.enter(t)
	defer w.exit(t)
	defer t.reset()

	if err := t.ensure(len(args)); err != nil {
		return Value{}, err
	}
	copy(t.stack, args)
	t.sp = len(args)
	if err := t.call(m); err != nil {
		if exc, ok := err.(*ManagedException); ok {
			ue := &UnhandledError{Exception: exc}
			t.rt.unhandled(ue)
			return Value{}, ue
		}
		return Value{}, err
	}
	if m.ReturnKind == KindVoid {
		return Value{}, nil
	}
	return t.stack[0], nil
}

// reset clears the stack after an invocation so that pooled threads do not
// keep objects reachable.
func (t *Thread) reset() {
	clear(t.stack)
	t.sp, t.depth, t.filter = 0, 0, nil
	t.ctx, t.done = context.Background(), nil
}

// ensure grows the value stack to at least n slots.
func (t *Thread) ensure(n int) error {
	if n <= len(t.stack) {
		return nil
	}
	limit := t.rt.cfg.MaxStackSlots
	if n > limit {
		return fmt.Errorf("%w: %d slots needed, limit %d", ErrStackExhausted, n, limit)
	}
	size := max(2*len(t.stack), n)
	size = min(size, limit)
	grown := make([]Value, size)
	copy(grown, t.stack)
	t.stack = grown
	return nil
}

func (t *Thread) push(v Value) {
	t.stack[t.sp] = v
	t.sp++
}

func (t *Thread) pop() Value {
	t.sp--
	return t.stack[t.sp]
}

// pushFrame activates m with its arguments already on the stack.
func (t *Thread) pushFrame(m *Method, bp int) *Frame {
	if t.depth == len(t.frames) {
		t.frames = append(t.frames, &Frame{})
	}
	f := t.frames[t.depth]
	f.Method = m
	f.bp = bp
	f.sbase = bp + m.Slots()
	f.ip, f.cur = 0, 0
	f.depth = t.depth
	f.handled = f.handled[:0]
	t.depth++
	return f
}

func (t *Thread) popFrame() {
	t.depth--
	f := t.frames[t.depth]
	clear(f.handled)
	f.handled = f.handled[:0]
	f.Method = nil
}

// call runs m to completion. The arguments are the top m.NumArgs stack
// entries; on return they are replaced by the result, if any.
func (t *Thread) call(m *Method) error {
	if t.depth >= t.rt.cfg.MaxFrameDepth {
		return fmt.Errorf("%w: %d frames", ErrStackExhausted, t.depth)
	}
	bp := t.sp - m.NumArgs
	sbase := bp + m.Slots()
	if err := t.ensure(sbase + m.MaxStack); err != nil {
		return err
	}
	for i := m.NumArgs; i < m.Slots(); i++ {
		t.stack[bp+i] = Zero(m.SlotKinds[i])
	}
	t.sp = sbase
	f := t.pushFrame(m, bp)
	if t.tracer != nil {
		t.tracer.OnCall(t, m)
	}
	rg := region{start: 0, end: len(m.Code), base: sbase, kind: regionBody}
	_, err := t.run(f, &rg)
	if t.tracer != nil {
		t.tracer.OnReturn(t, m, err)
	}
	t.popFrame()
	if err != nil {
		t.sp = bp
	}
	return err
}

// ---------------------------------------------------------------------------
// Introspection
// ---------------------------------------------------------------------------

// Backtrace returns the active frames, innermost first.
func (t *Thread) Backtrace() []StackFrame {
	out := make([]StackFrame, 0, t.depth)
	for d := t.depth - 1; d >= 0; d-- {
		f := t.frames[d]
		out = append(out, StackFrame{Method: f.Method.Name(), Offset: f.cur, ILOffset: f.Method.ILOffset(f.cur)})
	}
	return out
}

// VisitRoots calls fn with every live stack value and every exception being
// handled. It must only be called by the thread itself or while the thread
// is parked.
func (t *Thread) VisitRoots(fn func(Value)) {
	for i := 0; i < t.sp; i++ {
		fn(t.stack[i])
	}
	for d := 0; d < t.depth; d++ {
		for _, h := range t.frames[d].handled {
			fn(FromRef(h.exc.Object))
		}
	}
}
