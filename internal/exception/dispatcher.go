// Package exception owns the EL1 vector table: it generates the entry
// stubs, decodes syndromes and routes each trap to a registered handler.
package exception

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/tinyrange/bringup/internal/affinity"
	"github.com/tinyrange/bringup/internal/gic"
	"github.com/tinyrange/bringup/internal/hw"
	"github.com/tinyrange/bringup/internal/trace"
)

var (
	ErrUnhandled = errors.New("unhandled exception")
	ErrFatal     = errors.New("fatal exception")
)

// Trap is one synchronous exception as seen by a handler.
type Trap struct {
	CPU      hw.CPU
	Core     affinity.CoreIndex
	Slot     Slot
	Frame    *TrapFrame
	Syndrome Syndrome
	FAR      uint64
}

// SyncHandler services a synchronous exception. Returning an error makes
// the exception fatal.
type SyncHandler func(t *Trap) error

// IRQHandler services one acknowledged interrupt. End is issued by the
// dispatcher after it returns.
type IRQHandler func(core affinity.CoreIndex, id gic.InterruptID)

// Handlers is the handler registry shared by every core's dispatcher.
type Handlers struct {
	mu   sync.RWMutex
	sync map[Class]SyncHandler
	irq  map[gic.InterruptID]IRQHandler
}

func NewHandlers() *Handlers {
	return &Handlers{
		sync: make(map[Class]SyncHandler),
		irq:  make(map[gic.InterruptID]IRQHandler),
	}
}

// HandleSync registers fn for exceptions of class c, replacing any
// earlier handler.
func (h *Handlers) HandleSync(c Class, fn SyncHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if fn == nil {
		delete(h.sync, c)
		return
	}
	h.sync[c] = fn
}

// HandleIRQ registers fn for interrupt id.
func (h *Handlers) HandleIRQ(id gic.InterruptID, fn IRQHandler) error {
	if id >= gic.MaxInterrupts {
		return fmt.Errorf("exception: %w: %d", gic.ErrInvalidInterrupt, id)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if fn == nil {
		delete(h.irq, id)
		return nil
	}
	h.irq[id] = fn
	return nil
}

func (h *Handlers) syncFor(c Class) SyncHandler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sync[c]
}

func (h *Handlers) irqFor(id gic.InterruptID) IRQHandler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.irq[id]
}

// InterruptController is the per-core acknowledge/end surface of the GIC.
type InterruptController interface {
	Acknowledge() gic.InterruptID
	End(id gic.InterruptID) error
}

// Config wires one core's dispatcher.
type Config struct {
	CPU        hw.CPU
	Core       affinity.CoreIndex
	Interrupts InterruptController
	Handlers   *Handlers
	// Console receives the fatal-trap dump. Nil discards it.
	Console io.Writer
	Log     *slog.Logger
	Trace   *trace.Log
}

// Dispatcher is the high-level half of the vector table for one core.
type Dispatcher struct {
	cfg Config
	log *slog.Logger
}

func New(cfg Config) *Dispatcher {
	if cfg.Handlers == nil {
		cfg.Handlers = NewHandlers()
	}
	if cfg.Console == nil {
		cfg.Console = io.Discard
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{cfg: cfg, log: log.With("core", uint32(cfg.Core))}
}

func (d *Dispatcher) Handlers() *Handlers { return d.cfg.Handlers }

// Handle is called by the vector stub with the slot it was entered through
// and the saved frame. Changes to frame are restored on exception return.
func (d *Dispatcher) Handle(slot Slot, frame *TrapFrame) {
	if !slot.Valid() {
		d.fatal(&Trap{CPU: d.cfg.CPU, Core: d.cfg.Core, Slot: slot, Frame: frame}, fmt.Errorf("vector slot %d out of range", slot))
		return
	}
	switch slot.Kind() {
	case Sync:
		d.handleSync(slot, frame)
	case IRQ:
		d.handleIRQ()
	default:
		t := d.trap(slot, frame)
		d.fatal(t, fmt.Errorf("%w: %s", ErrFatal, slot.Kind()))
	}
}

func (d *Dispatcher) trap(slot Slot, frame *TrapFrame) *Trap {
	cpu := d.cfg.CPU
	t := &Trap{
		CPU:      cpu,
		Core:     d.cfg.Core,
		Slot:     slot,
		Frame:    frame,
		Syndrome: Syndrome(cpu.ReadSysReg(hw.ESR_EL1)),
		FAR:      cpu.ReadSysReg(hw.FAR_EL1),
	}
	d.cfg.Trace.Record(trace.KindException, uint32(d.cfg.Core), uint64(slot), uint64(t.Syndrome), frame.ELR, t.FAR)
	return t
}

func (d *Dispatcher) handleSync(slot Slot, frame *TrapFrame) {
	t := d.trap(slot, frame)
	fn := d.cfg.Handlers.syncFor(t.Syndrome.Class())
	if fn == nil {
		d.fatal(t, fmt.Errorf("%w: %s", ErrUnhandled, t.Syndrome.Class()))
		return
	}
	if err := fn(t); err != nil {
		d.fatal(t, err)
	}
}

func (d *Dispatcher) handleIRQ() {
	id := d.cfg.Interrupts.Acknowledge()
	if id.IsSpurious() {
		// Nothing was activated, so there is nothing to end.
		return
	}
	d.cfg.Trace.Record(trace.KindIRQ, uint32(d.cfg.Core), uint64(id))
	if fn := d.cfg.Handlers.irqFor(id); fn != nil {
		fn(d.cfg.Core, id)
	} else {
		d.log.Warn("exception: unexpected interrupt", "intid", uint32(id), "kind", id.Kind().String())
	}
	if err := d.cfg.Interrupts.End(id); err != nil {
		d.log.Error("exception: end of interrupt failed", "intid", uint32(id), "err", err)
	}
}

// fatal prints the trap and parks the core.
func (d *Dispatcher) fatal(t *Trap, reason error) {
	d.log.Error("exception: fatal", "slot", t.Slot.String(), "esr", fmt.Sprintf("%#x", uint64(t.Syndrome)), "err", reason)
	_ = WriteReport(d.cfg.Console, t, reason)
	if f, ok := d.cfg.Console.(interface{ Flush() error }); ok {
		_ = f.Flush()
	}
	cpu := d.cfg.CPU
	cpu.MaskInterrupts()
	cpu.Halt()
}

// WriteReport prints the syndrome, addresses and register dump for t.
func WriteReport(w io.Writer, t *Trap, reason error) error {
	ew := &errWriter{w: w}
	ew.printf("\n*** fatal exception on core %d: %v\n", t.Core, reason)
	ew.printf("vector: %s (slot %d)\n", t.Slot, uint8(t.Slot))
	ew.printf("ESR:  %s\n", t.Syndrome)
	if a, err := DecodeAbort(t.Syndrome); err == nil {
		ew.printf("      %s", a.StatusString())
		if a.Valid {
			op := "read"
			if a.Write {
				op = "write"
			}
			ew.printf(", %d-byte %s via x%d", a.Size, op, a.Register)
		}
		ew.printf("\n")
	}
	if t.Frame == nil {
		ew.printf("FAR:  %#016x\n", t.FAR)
		return ew.err
	}
	f := t.Frame
	ew.printf("ELR:  %#016x  FAR: %#016x  SPSR: %#010x\n", f.ELR, t.FAR, f.SPSR)
	for i := 0; i < len(f.X); i++ {
		ew.printf("x%-2d  %#016x", i, f.X[i])
		if i%4 == 3 || i == len(f.X)-1 {
			ew.printf("\n")
		} else {
			ew.printf("  ")
		}
	}
	return ew.err
}

type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) printf(format string, args ...any) {
	if e.err != nil {
		return
	}
	_, e.err = fmt.Fprintf(e.w, format, args...)
}
