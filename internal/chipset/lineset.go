package chipset

import "sync"

// InterruptSink receives level changes for an interrupt controller input.
// line is the controller's interrupt id.
type InterruptSink interface {
	SetIRQ(line uint32, level bool)
}

// EOITarget is notified when the controller completes an interrupt.
type EOITarget interface {
	HandleEOI(line uint32)
}

// LineSet hands out interrupt lines that forward to one sink and fans
// end-of-interrupt notifications back out to devices.
type LineSet struct {
	mu sync.Mutex

	sink InterruptSink

	lines map[uint32]*lineState
	eoi   map[uint32][]func()
}

// NewLineSet builds a LineSet that forwards assertions to the provided sink.
func NewLineSet(sink InterruptSink) *LineSet {
	if sink == nil {
		sink = noopInterruptSink{}
	}
	return &LineSet{
		sink:  sink,
		lines: make(map[uint32]*lineState),
		eoi:   make(map[uint32][]func()),
	}
}

// AllocateLine returns a LineInterrupt handle for the given line.
func (l *LineSet) AllocateLine(line uint32) LineInterrupt {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.lines[line]; !ok {
		l.lines[line] = &lineState{}
	}
	return &lineHandle{owner: l, line: line}
}

// Level reports the last level driven on line.
func (l *LineSet) Level(line uint32) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	state := l.lines[line]
	return state != nil && state.level
}

// RegisterEOICallback registers fn to run when HandleEOI sees line.
func (l *LineSet) RegisterEOICallback(line uint32, fn func()) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.eoi[line] = append(l.eoi[line], fn)
}

// HandleEOI runs the callbacks registered for line.
func (l *LineSet) HandleEOI(line uint32) {
	l.mu.Lock()
	callbacks := append([]func(){}, l.eoi[line]...)
	l.mu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
}

type lineState struct {
	level bool
}

type lineHandle struct {
	owner *LineSet
	line  uint32
}

func (h *lineHandle) SetLevel(high bool) {
	h.owner.setLevel(h.line, high)
}

func (h *lineHandle) PulseInterrupt() {
	h.owner.pulse(h.line)
}

func (l *LineSet) setLevel(line uint32, high bool) {
	l.mu.Lock()
	state := l.lines[line]
	if state == nil {
		state = &lineState{}
		l.lines[line] = state
	}
	changed := state.level != high
	state.level = high
	l.mu.Unlock()

	if changed {
		l.sink.SetIRQ(line, high)
	}
}

func (l *LineSet) pulse(line uint32) {
	l.sink.SetIRQ(line, true)
	l.sink.SetIRQ(line, false)
}

var _ EOITarget = (*LineSet)(nil)

type noopInterruptSink struct{}

func (noopInterruptSink) SetIRQ(uint32, bool) {}
