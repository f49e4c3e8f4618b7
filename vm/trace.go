package vm

import (
	"github.com/tliron/commonlog"
)

// Tracer receives execution events from every thread of a runtime. Calls are
// made on the executing goroutine; implementations shared by several threads
// must synchronize themselves.
type Tracer interface {
	// OnStep is called before each instruction.
	OnStep(t *Thread, m *Method, offset int, op Opcode)
	OnCall(t *Thread, m *Method)
	// OnReturn is called when a frame exits, normally or not.
	OnReturn(t *Thread, m *Method, err error)
	OnThrow(t *Thread, m *Method, exc *ManagedException)
}

// LogTracer writes execution events to a commonlog logger.
type LogTracer struct {
	Log   commonlog.Logger
	Steps bool // also log every instruction
}

// NewLogTracer returns a tracer logging to the "mint.trace" logger.
func NewLogTracer(steps bool) *LogTracer {
	return &LogTracer{Log: commonlog.GetLogger("mint.trace"), Steps: steps}
}

func (l *LogTracer) OnStep(t *Thread, m *Method, offset int, op Opcode) {
	if !l.Steps {
		return
	}
	l.Log.Debugf("%s %s %04d IL_%04x %s", t.ID, m.Name(), offset, m.ILOffset(offset), op)
}

func (l *LogTracer) OnCall(t *Thread, m *Method) {
	l.Log.Debugf("%s call %s depth=%d", t.ID, m.Name(), t.Depth())
}

func (l *LogTracer) OnReturn(t *Thread, m *Method, err error) {
	if err != nil {
		l.Log.Debugf("%s unwind %s: %v", t.ID, m.Name(), err)
		return
	}
	l.Log.Debugf("%s return %s", t.ID, m.Name())
}

func (l *LogTracer) OnThrow(t *Thread, m *Method, exc *ManagedException) {
	l.Log.Infof("%s throw in %s: %v", t.ID, m.Name(), exc)
}

// MultiTracer fans events out to several tracers.
type MultiTracer []Tracer

func (mt MultiTracer) OnStep(t *Thread, m *Method, offset int, op Opcode) {
	for _, tr := range mt {
		tr.OnStep(t, m, offset, op)
	}
}

func (mt MultiTracer) OnCall(t *Thread, m *Method) {
	for _, tr := range mt {
		tr.OnCall(t, m)
	}
}

func (mt MultiTracer) OnReturn(t *Thread, m *Method, err error) {
	for _, tr := range mt {
		tr.OnReturn(t, m, err)
	}
}

func (mt MultiTracer) OnThrow(t *Thread, m *Method, exc *ManagedException) {
	for _, tr := range mt {
		tr.OnThrow(t, m, exc)
	}
}
