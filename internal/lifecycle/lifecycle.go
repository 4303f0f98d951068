// Package lifecycle holds the per-core power state and the boot parameters
// a CPU_ON request leaves for its target.
package lifecycle

import (
	"errors"
	"fmt"

	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/sync"

	"github.com/tinyrange/bringup/internal/affinity"
	"github.com/tinyrange/bringup/internal/hw"
)

var (
	ErrAlreadyOn         = errors.New("core already on")
	ErrInvalidCore       = errors.New("core index out of range")
	ErrInvalidTransition = errors.New("invalid power state transition")
)

// PowerState is one core's position in the Off -> Pending -> On cycle.
type PowerState uint32

const (
	Off PowerState = iota
	Pending
	On
)

func (s PowerState) String() string {
	switch s {
	case Off:
		return "off"
	case Pending:
		return "pending"
	case On:
		return "on"
	default:
		return fmt.Sprintf("PowerState(%d)", uint32(s))
	}
}

// BootParams is what CPU_ON hands to the released core.
type BootParams struct {
	EntryPoint uint64
	ContextID  uint64
}

// bootSlot is one core's parameter pair. The seqcount keeps a reader from
// seeing the entry point of one request with the context of another.
type bootSlot struct {
	seq     sync.SeqCount
	entry   atomicbitops.Uint64
	context atomicbitops.Uint64
	// ready is 1 between Release and Take.
	ready atomicbitops.Uint32
}

// Table is the process-wide lifecycle state. Each slot has a single
// writer per transition: the requesting core for Off->Pending and the
// target itself for Pending->On and On->Off.
type Table struct {
	states []atomicbitops.Uint32
	boot   []bootSlot
}

// NewTable returns a table for cores cores with primary already On.
func NewTable(cores int, primary affinity.CoreIndex) *Table {
	t := &Table{
		states: make([]atomicbitops.Uint32, cores),
		boot:   make([]bootSlot, cores),
	}
	if int(primary) < cores {
		t.states[primary].Store(uint32(On))
	}
	return t
}

// Cores is the number of slots.
func (t *Table) Cores() int { return len(t.states) }

func (t *Table) check(index affinity.CoreIndex) error {
	if int(index) >= len(t.states) {
		return fmt.Errorf("%w: %d of %d", ErrInvalidCore, index, len(t.states))
	}
	return nil
}

// State returns the current power state of a core.
func (t *Table) State(index affinity.CoreIndex) (PowerState, error) {
	if err := t.check(index); err != nil {
		return Off, err
	}
	return PowerState(t.states[index].Load()), nil
}

// Request moves index from Off to Pending and records its boot parameters.
// It runs with local interrupts masked on cpu so an interrupt on the
// requesting core cannot observe the slot half written. A core that is
// Pending or On yields ErrAlreadyOn.
func (t *Table) Request(cpu hw.CPU, index affinity.CoreIndex, params BootParams) error {
	if err := t.check(index); err != nil {
		return err
	}
	var err error
	hw.WithInterruptsMasked(cpu, func() {
		if !t.states[index].CompareAndSwap(uint32(Off), uint32(Pending)) {
			err = fmt.Errorf("%w: core %d is %s", ErrAlreadyOn, index, PowerState(t.states[index].Load()))
			return
		}
		slot := &t.boot[index]
		slot.seq.BeginWrite()
		slot.entry.Store(params.EntryPoint)
		slot.context.Store(params.ContextID)
		slot.seq.EndWrite()
		slot.ready.Store(1)
	})
	return err
}

// Released reports whether index has boot parameters waiting.
func (t *Table) Released(index affinity.CoreIndex) bool {
	if t.check(index) != nil {
		return false
	}
	return t.boot[index].ready.Load() == 1
}

// Peek returns the parameters most recently recorded for index without
// consuming them. ok is false if none were ever recorded.
func (t *Table) Peek(index affinity.CoreIndex) (BootParams, bool) {
	if t.check(index) != nil {
		return BootParams{}, false
	}
	slot := &t.boot[index]
	for {
		epoch := slot.seq.BeginRead()
		p := BootParams{EntryPoint: slot.entry.Load(), ContextID: slot.context.Load()}
		if slot.seq.ReadOk(epoch) {
			return p, p != (BootParams{}) || slot.ready.Load() == 1
		}
	}
}

// Take consumes the parameters left for index. It succeeds once per
// Request; later calls report ok == false.
func (t *Table) Take(index affinity.CoreIndex) (BootParams, bool) {
	if t.check(index) != nil {
		return BootParams{}, false
	}
	slot := &t.boot[index]
	if !slot.ready.CompareAndSwap(1, 0) {
		return BootParams{}, false
	}
	p, _ := t.Peek(index)
	return p, true
}

// MarkOn completes the Pending -> On transition. Only the target core calls
// it, once its interrupt controller and vectors are ready.
func (t *Table) MarkOn(cpu hw.CPU, index affinity.CoreIndex) error {
	if err := t.check(index); err != nil {
		return err
	}
	var ok bool
	hw.WithInterruptsMasked(cpu, func() {
		ok = t.states[index].CompareAndSwap(uint32(Pending), uint32(On))
	})
	if !ok {
		return fmt.Errorf("%w: core %d %s -> on", ErrInvalidTransition, index, PowerState(t.states[index].Load()))
	}
	return nil
}

// MarkOff returns a core to Off. Unconsumed boot parameters are dropped.
func (t *Table) MarkOff(cpu hw.CPU, index affinity.CoreIndex) error {
	if err := t.check(index); err != nil {
		return err
	}
	hw.WithInterruptsMasked(cpu, func() {
		t.boot[index].ready.Store(0)
		t.states[index].Store(uint32(Off))
	})
	return nil
}

// Snapshot returns every core's state.
func (t *Table) Snapshot() []PowerState {
	out := make([]PowerState, len(t.states))
	for i := range t.states {
		out[i] = PowerState(t.states[i].Load())
	}
	return out
}
