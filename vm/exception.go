package vm

import (
	"errors"
	"fmt"
	"strings"

	"github.com/chazu/mint/metadata"
)

// ---------------------------------------------------------------------------
// Managed exceptions
// ---------------------------------------------------------------------------

// ManagedException carries a thrown object through the engine. It is the
// error value of a throw until a handler catches it.
type ManagedException struct {
	Object Ref
	Trace  []StackFrame

	// Dispatch state: the search pass sets the target handler, and the
	// unwind pass records the clauses it has already processed so that
	// nested handler runs never run a finally twice.
	searched bool
	target   *Frame
	clause   int
	done     map[clauseRef]struct{}
}

type clauseRef struct {
	frame  *Frame
	clause int
}

// StackFrame is one entry of an exception's stack trace.
type StackFrame struct {
	Method   string
	Offset   int
	ILOffset int
}

func (s StackFrame) String() string {
	if s.ILOffset < 0 {
		return fmt.Sprintf("at %s", s.Method)
	}
	return fmt.Sprintf("at %s IL_%04x", s.Method, s.ILOffset)
}

// Class returns the class of the thrown object.
func (e *ManagedException) Class() *metadata.Class {
	return e.Object.RefClass()
}

// Message returns the exception message, if the object carries one.
func (e *ManagedException) Message() string {
	if o, ok := e.Object.(*Object); ok {
		if msg, ok := exceptionMessage(o); ok {
			return msg
		}
	}
	return ""
}

func (e *ManagedException) Error() string {
	name := "<unknown>"
	if c := e.Class(); c != nil {
		name = c.FullName()
	}
	if msg := e.Message(); msg != "" {
		return name + ": " + msg
	}
	return name
}

// StackTrace renders the trace captured at the throw.
func (e *ManagedException) StackTrace() string {
	lines := make([]string, len(e.Trace))
	for i, f := range e.Trace {
		lines[i] = f.String()
	}
	return strings.Join(lines, "\n")
}

func (e *ManagedException) isDone(f *Frame, clause int) bool {
	_, ok := e.done[clauseRef{f, clause}]
	return ok
}

func (e *ManagedException) markDone(f *Frame, clause int) {
	if e.done == nil {
		e.done = make(map[clauseRef]struct{})
	}
	e.done[clauseRef{f, clause}] = struct{}{}
}

// AsManaged returns the managed exception carried by err.
func AsManaged(err error) (*ManagedException, bool) {
	var exc *ManagedException
	if errors.As(err, &exc) {
		return exc, true
	}
	return nil, false
}

// ---------------------------------------------------------------------------
// Raising
// ---------------------------------------------------------------------------

// throw raises obj from the current instruction of f.
func (t *Thread) throw(f *Frame, obj Ref) error {
	exc := &ManagedException{Object: obj, Trace: t.Backtrace()}
	if t.tracer != nil {
		t.tracer.OnThrow(t, f.Method, exc)
	}
	return exc
}

// rethrow raises the object of a caught exception again, keeping its trace.
func (t *Thread) rethrow(f *Frame, caught *ManagedException) error {
	exc := &ManagedException{Object: caught.Object, Trace: caught.Trace}
	if t.tracer != nil {
		t.tracer.OnThrow(t, f.Method, exc)
	}
	return exc
}

// fault raises a new instance of a well-known exception class.
func (t *Thread) fault(f *Frame, kind metadata.WellKnownClass, msg string) error {
	res := f.Method.Manager.ctx
	c := res.WellKnown(kind)
	if c == nil {
		return fmt.Errorf("vm: no well-known class %d for %q", kind, msg)
	}
	o := t.rt.NewObject(c)
	if fld := c.FieldByName(metadata.MessageField); fld != nil && !fld.Static && fld.Slot < len(o.Fields) {
		o.Fields[fld.Slot] = FromRef(NewString(res, msg))
	}
	return t.throw(f, o)
}

// ---------------------------------------------------------------------------
// Two-pass dispatch
// ---------------------------------------------------------------------------

// regionKind distinguishes the code ranges a run loop executes.
type regionKind uint8

const (
	regionBody regionKind = iota
	regionHandler
	regionFilter
)

// region is the code range executed by one run loop and the stack depth
// its evaluation stack starts at.
type region struct {
	start, end int
	base       int
	kind       regionKind
}

// encloses reports whether c's protected region lies inside rg, so that
// dispatch from within rg may act on it.
func (rg *region) encloses(c *Clause) bool {
	return rg.kind == regionBody || (c.TryStart >= rg.start && c.TryEnd <= rg.end)
}

// filterScope limits the search of exceptions raised while a filter runs to
// the filter's own callees and the clauses inside the filter block.
type filterScope struct {
	frame *Frame
	top   int // depth at which the filter started
	rg    *region
}

// dispatch handles err raised inside region rg of frame f. It returns nil
// when a handler in rg has been entered, with f.ip at the handler, or the
// error to propagate out of rg.
func (t *Thread) dispatch(f *Frame, rg *region, err error) error {
	for {
		exc, ok := err.(*ManagedException)
		if !ok {
			return err
		}
		if !exc.searched {
			if serr := t.search(exc); serr != nil {
				return serr
			}
		}
		handled, next := t.unwind(f, rg, exc)
		switch {
		case handled:
			return nil
		case next == nil:
			return exc
		}
		// A finally or fault raised: the new error replaces exc.
		err = next
	}
}

// search is the first pass: walk the frames from the innermost outwards and
// pick the first catch whose class matches or filter that accepts. Nothing
// is unwound.
func (t *Thread) search(exc *ManagedException) error {
	exc.searched = true
	exc.target = nil
	bottom := 0
	scope := t.filter
	if scope != nil {
		bottom = scope.top
	}
	for d := t.depth - 1; d >= bottom; d-- {
		found, err := t.searchFrame(t.frames[d], nil, exc)
		if found || err != nil {
			return err
		}
	}
	if scope != nil {
		_, err := t.searchFrame(scope.frame, scope.rg, exc)
		return err
	}
	return nil
}

func (t *Thread) searchFrame(fr *Frame, within *region, exc *ManagedException) (bool, error) {
	m := fr.Method
	res := m.Manager.ctx
	for i := range m.Clauses {
		c := &m.Clauses[i]
		if !c.TryContains(fr.cur) || (within != nil && !within.encloses(c)) {
			continue
		}
		switch c.Kind {
		case metadata.ClauseCatch:
			if res.IsAssignable(exc.Class(), c.Class) {
				exc.target, exc.clause = fr, i
				return true, nil
			}
		case metadata.ClauseFilter:
			ok, err := t.runFilter(fr, c, exc)
			if err != nil {
				return false, err
			}
			if ok {
				exc.target, exc.clause = fr, i
				return true, nil
			}
		}
	}
	return false, nil
}

// unwind is the second pass over one frame: run the finally and fault
// handlers between the faulting instruction and the target, innermost
// first, then enter the target if it is in this frame. next is non-nil when
// a handler raised.
func (t *Thread) unwind(f *Frame, rg *region, exc *ManagedException) (handled bool, next error) {
	m := f.Method
	for i := range m.Clauses {
		c := &m.Clauses[i]
		if !c.TryContains(f.cur) || !rg.encloses(c) || exc.isDone(f, i) {
			continue
		}
		exc.markDone(f, i)
		if exc.target == f && exc.clause == i {
			t.enterHandler(f, rg, c, i, exc)
			return true, nil
		}
		if c.Kind == metadata.ClauseFinally || c.Kind == metadata.ClauseFault {
			t.sp = rg.base
			if err := t.runHandler(f, c); err != nil {
				return false, err
			}
		}
	}
	return false, nil
}

// enterHandler transfers control of f to the catch or filter handler of
// clause i with the exception object as the only stack entry.
func (t *Thread) enterHandler(f *Frame, rg *region, c *Clause, i int, exc *ManagedException) {
	t.sp = rg.base
	t.push(FromRef(exc.Object))
	f.trimHandled(c.HandlerStart)
	f.handled = append(f.handled, handledException{clause: i, exc: exc})
	f.ip = c.HandlerStart
}

// runHandler runs a finally or fault handler of f to its endfinally and
// restores f's position.
func (t *Thread) runHandler(f *Frame, c *Clause) error {
	ip, cur := f.ip, f.cur
	base := t.sp
	if err := t.ensure(base + f.Method.MaxStack); err != nil {
		return err
	}
	f.ip = c.HandlerStart
	rg := region{start: c.HandlerStart, end: c.HandlerEnd, base: base, kind: regionHandler}
	if _, err := t.run(f, &rg); err != nil {
		return err
	}
	f.ip, f.cur = ip, cur
	t.sp = base
	return nil
}

// runFilter evaluates the filter block of c in frame fr. A managed exception
// raised by the filter counts as a rejection.
func (t *Thread) runFilter(fr *Frame, c *Clause, exc *ManagedException) (bool, error) {
	ip, cur := fr.ip, fr.cur
	saved := t.filter
	base := t.sp
	if err := t.ensure(base + fr.Method.MaxStack + 1); err != nil {
		return false, err
	}
	rg := region{start: c.FilterStart, end: c.HandlerStart, base: base, kind: regionFilter}
	t.filter = &filterScope{frame: fr, top: t.depth, rg: &rg}
	t.push(FromRef(exc.Object))
	fr.ip = c.FilterStart

	accept, err := t.run(fr, &rg)

	t.filter = saved
	fr.ip, fr.cur = ip, cur
	t.sp = base
	if err != nil {
		if inner, ok := err.(*ManagedException); ok {
			log.Debugf("filter in %s raised %v", fr.Method.Name(), inner)
			return false, nil
		}
		return false, err
	}
	return accept, nil
}

// ---------------------------------------------------------------------------
// Handled exceptions
// ---------------------------------------------------------------------------

// handledException is a catch or filter handler currently executing in a
// frame, with the exception it caught.
type handledException struct {
	clause int
	exc    *ManagedException
}

// trimHandled drops the handlers of f that do not contain off.
func (f *Frame) trimHandled(off int) {
	n := len(f.handled)
	for n > 0 && !f.Method.Clauses[f.handled[n-1].clause].HandlerContains(off) {
		n--
	}
	clear(f.handled[n:])
	f.handled = f.handled[:n]
}

// caught returns the exception being handled at f's current instruction.
func (f *Frame) caught() *ManagedException {
	for i := len(f.handled) - 1; i >= 0; i-- {
		h := f.handled[i]
		if f.Method.Clauses[h.clause].HandlerContains(f.cur) {
			return h.exc
		}
	}
	return nil
}
