package sim

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/tinyrange/bringup/internal/affinity"
	"github.com/tinyrange/bringup/internal/exception"
	"github.com/tinyrange/bringup/internal/hw"
	"github.com/tinyrange/bringup/internal/platform"
	"github.com/tinyrange/bringup/internal/psci"
	"github.com/tinyrange/bringup/internal/svc"
)

// Panic values that unwind a core goroutine. halted is a core parking
// itself and stopped is the machine shutting down. poweredOff returns a
// core to reset after CPU_OFF.
type halted struct{}

type stopped struct{}

type poweredOff struct{}

var errPoweredOff = errors.New("core powered off")

// Core is one simulated processor. It implements hw.CPU and serves as the
// PSCI conduit for code running on it.
type Core struct {
	index affinity.CoreIndex
	m     *Machine
	ctx   context.Context
	wake  chan struct{}

	mu    sync.Mutex
	regs  map[hw.SysReg]uint64
	daif  hw.DAIF
	event bool
	inIRQ bool
	pc    uint64
}

func newCore(m *Machine, index affinity.CoreIndex) *Core {
	c := &Core{
		index: index,
		m:     m,
		ctx:   context.Background(),
		wake:  make(chan struct{}, 1),
	}
	c.reset()
	return c
}

// reset puts the register file in its power-on state.
func (c *Core) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regs = map[hw.SysReg]uint64{
		hw.MPIDR_EL1: uint64(c.m.topo.MustAffinity(c.index)) | 1<<31,
		hw.CurrentEL: 1 << 2,
	}
	c.daif = hw.DAIFAll
	c.event = false
	c.inIRQ = false
}

// park is the power controller's side of CPU_OFF: it signals the event
// other cores may be waiting on and unwinds the core to reset.
func park(cpu hw.CPU, self affinity.CoreIndex) {
	cpu.SendEvent()
	panic(poweredOff{})
}

// Index returns the core's position in the topology.
func (c *Core) Index() affinity.CoreIndex { return c.index }

func (c *Core) ReadSysReg(reg hw.SysReg) uint64 {
	if v, ok := c.m.emu.ReadSysReg(c.index, reg); ok {
		return v
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if reg == hw.DAIFReg {
		return uint64(c.daif)
	}
	return c.regs[reg]
}

func (c *Core) WriteSysReg(reg hw.SysReg, value uint64) {
	if c.m.emu.WriteSysReg(c.index, reg, value) {
		return
	}
	c.mu.Lock()
	if reg == hw.DAIFReg {
		c.daif = hw.DAIF(value) & hw.DAIFAll
	} else if reg != hw.MPIDR_EL1 && reg != hw.CurrentEL {
		c.regs[reg] = value
	}
	c.mu.Unlock()
	if reg == hw.DAIFReg {
		c.deliverIRQs()
	}
}

// Barrier is a no-op: every device access is already serialized by the
// chipset.
func (c *Core) Barrier(hw.Barrier) {}

func (c *Core) MaskInterrupts() hw.DAIF {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.daif
	c.daif |= hw.DAIFI | hw.DAIFF
	return prev
}

func (c *Core) RestoreInterrupts(prev hw.DAIF) {
	c.mu.Lock()
	c.daif = prev
	c.mu.Unlock()
	c.deliverIRQs()
}

func (c *Core) UnmaskInterrupts() {
	c.mu.Lock()
	c.daif &^= hw.DAIFI | hw.DAIFF
	c.mu.Unlock()
	c.deliverIRQs()
}

// WaitForEvent returns at once if the event register is set, otherwise it
// blocks until an SEV or a deliverable interrupt. Unmasked interrupts are
// taken on both sides of the wait.
func (c *Core) WaitForEvent() {
	if c.ctx.Err() != nil {
		panic(stopped{})
	}
	c.deliverIRQs()
	c.mu.Lock()
	if c.event {
		c.event = false
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	select {
	case <-c.wake:
	case <-c.ctx.Done():
		panic(stopped{})
	}
	c.mu.Lock()
	c.event = false
	c.mu.Unlock()
	c.deliverIRQs()
}

// SendEvent sets the event register of every core, including this one.
func (c *Core) SendEvent() {
	for _, other := range c.m.cores {
		other.mu.Lock()
		other.event = true
		other.mu.Unlock()
		other.kick()
	}
}

func (c *Core) Halt() {
	c.mu.Lock()
	c.daif = hw.DAIFAll
	c.mu.Unlock()
	panic(halted{})
}

func (c *Core) kick() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// deliverIRQs takes every pending interrupt while IRQs are unmasked.
func (c *Core) deliverIRQs() {
	for {
		c.mu.Lock()
		if c.inIRQ || c.daif.IRQMasked() {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		if !c.m.emu.IRQPending(c.index) {
			return
		}
		d, err := c.m.sys.Dispatcher(c.index)
		if err != nil {
			return
		}
		c.mu.Lock()
		prev := c.daif
		c.daif = hw.DAIFAll
		c.inIRQ = true
		frame := &exception.TrapFrame{ELR: c.pc, SPSR: uint64(prev)}
		c.mu.Unlock()

		d.Handle(exception.SlotOf(exception.CurrentSPx, exception.IRQ), frame)

		c.mu.Lock()
		c.daif = prev
		c.inIRQ = false
		c.mu.Unlock()
	}
}

// checkVector confirms that VBAR_EL1 points at the loaded vector table and
// that the entry for slot holds the generated code.
func (c *Core) checkVector(slot exception.Slot) error {
	vbar := c.ReadSysReg(hw.VBAR_EL1)
	if vbar != c.m.plat.Boot.Vectors {
		return fmt.Errorf("sim: core %d: VBAR_EL1 is %#x, vectors are at %#x", c.index, vbar, c.m.plat.Boot.Vectors)
	}
	code := c.m.sys.Vectors().Bytes()
	off := slot.Offset()
	want := binary.LittleEndian.Uint32(code[off:])
	if got := c.m.bus.Read32(vbar + off); got != want {
		return fmt.Errorf("sim: core %d: vector %s holds %#08x, want %#08x", c.index, slot, got, want)
	}
	return nil
}

// Raise takes a synchronous exception of class through the vector table
// as if the instruction at the core's program counter had trapped. frame
// carries the caller's registers in and the handler's results out.
func (c *Core) Raise(origin exception.Origin, class exception.Class, imm uint16, frame *exception.TrapFrame) error {
	d, err := c.m.sys.Dispatcher(c.index)
	if err != nil {
		return err
	}
	slot := exception.SlotOf(origin, exception.Sync)
	if err := c.checkVector(slot); err != nil {
		return err
	}
	c.mu.Lock()
	c.pc += 4
	prev := c.daif
	frame.ELR = c.pc
	frame.SPSR = uint64(prev)
	c.regs[hw.ESR_EL1] = uint64(class)<<26 | 1<<25 | uint64(imm)
	c.regs[hw.ELR_EL1] = frame.ELR
	c.regs[hw.SPSR_EL1] = frame.SPSR
	c.daif = hw.DAIFAll
	c.mu.Unlock()

	d.Handle(slot, frame)

	c.mu.Lock()
	c.daif = hw.DAIF(frame.SPSR) & hw.DAIFAll
	c.pc = frame.ELR
	c.mu.Unlock()
	c.deliverIRQs()
	return nil
}

// PSCI issues call with the platform's conduit instruction.
func (c *Core) PSCI(call psci.Call) uint64 {
	var frame exception.TrapFrame
	frame.X[0] = uint64(call.Function)
	copy(frame.X[1:7], call.Args[:])
	class := exception.ClassSMC64
	if c.m.plat.PSCI.Method == platform.MethodHVC {
		class = exception.ClassHVC64
	}
	if err := c.Raise(exception.CurrentSPx, class, 0, &frame); err != nil {
		panic(err)
	}
	return frame.X[0]
}

// SVC issues a supervisor call from EL0 with f in x8.
func (c *Core) SVC(f svc.Function, args ...uint64) uint64 {
	var frame exception.TrapFrame
	frame.X[8] = uint64(f)
	copy(frame.X[:3], args)
	if err := c.Raise(exception.LowerA64, exception.ClassSVC64, 0, &frame); err != nil {
		panic(err)
	}
	return frame.X[0]
}

// run calls fn and turns the core's unwinding panics into a result.
func (c *Core) run(fn func() error) (err error) {
	defer func() {
		r := recover()
		switch v := r.(type) {
		case nil:
		case stopped:
			err = nil
		case poweredOff:
			err = errPoweredOff
		case halted:
			if c.ctx.Err() != nil {
				err = nil
				return
			}
			err = fmt.Errorf("%w: core %d", ErrHalted, c.index)
		case error:
			err = fmt.Errorf("sim: core %d: %w", c.index, v)
		default:
			panic(r)
		}
	}()
	return fn()
}

var _ hw.CPU = (*Core)(nil)
