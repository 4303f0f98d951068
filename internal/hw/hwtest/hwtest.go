// Package hwtest provides recording doubles for hw.Bus and hw.CPU.
package hwtest

import (
	"encoding/binary"
	"sync"

	"github.com/tinyrange/bringup/internal/hw"
)

// Access is one recorded bus or system-register operation.
type Access struct {
	Addr  uint64
	Width int
	Write bool
	Value uint64
}

// Bus is a sparse little-endian memory that records every access.
type Bus struct {
	mu       sync.Mutex
	mem      map[uint64]byte
	accesses []Access

	// ReadHook, when set, may override the value returned for a read.
	ReadHook func(addr uint64, width int) (uint64, bool)
	// WriteHook runs after a write is stored.
	WriteHook func(addr uint64, width int, value uint64)
}

func NewBus() *Bus {
	return &Bus{mem: make(map[uint64]byte)}
}

func (b *Bus) load(addr uint64, width int) uint64 {
	var buf [8]byte
	for i := 0; i < width; i++ {
		buf[i] = b.mem[addr+uint64(i)]
	}
	return binary.LittleEndian.Uint64(buf[:])
}

func (b *Bus) store(addr uint64, width int, value uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	for i := 0; i < width; i++ {
		b.mem[addr+uint64(i)] = buf[i]
	}
}

func (b *Bus) read(addr uint64, width int) uint64 {
	b.mu.Lock()
	hook := b.ReadHook
	b.mu.Unlock()
	var (
		value uint64
		ok    bool
	)
	if hook != nil {
		value, ok = hook(addr, width)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !ok {
		value = b.load(addr, width)
	}
	b.accesses = append(b.accesses, Access{Addr: addr, Width: width, Value: value})
	return value
}

func (b *Bus) write(addr uint64, width int, value uint64) {
	b.mu.Lock()
	b.store(addr, width, value)
	b.accesses = append(b.accesses, Access{Addr: addr, Width: width, Write: true, Value: value})
	hook := b.WriteHook
	b.mu.Unlock()
	if hook != nil {
		hook(addr, width, value)
	}
}

func (b *Bus) Read8(addr uint64) uint8 { return uint8(b.read(addr, 1)) }
func (b *Bus) Write8(addr uint64, v uint8) { b.write(addr, 1, uint64(v)) }
func (b *Bus) Read32(addr uint64) uint32 { return uint32(b.read(addr, 4)) }
func (b *Bus) Write32(addr uint64, v uint32) { b.write(addr, 4, uint64(v)) }
func (b *Bus) Read64(addr uint64) uint64 { return b.read(addr, 8) }
func (b *Bus) Write64(addr uint64, v uint64) { b.write(addr, 8, v) }

// Poke32 stores a value without recording an access.
func (b *Bus) Poke32(addr uint64, v uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.store(addr, 4, uint64(v))
}

// Peek32 loads a value without recording an access.
func (b *Bus) Peek32(addr uint64) uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return uint32(b.load(addr, 4))
}

// Peek8 loads a byte without recording an access.
func (b *Bus) Peek8(addr uint64) uint8 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return uint8(b.load(addr, 1))
}

// Writes returns the recorded writes in order.
func (b *Bus) Writes() []Access {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Access
	for _, a := range b.accesses {
		if a.Write {
			out = append(out, a)
		}
	}
	return out
}

// Accesses returns every recorded access in order.
func (b *Bus) Accesses() []Access {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Access(nil), b.accesses...)
}

// Reset forgets the access log but keeps memory contents.
func (b *Bus) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.accesses = nil
}

var _ hw.Bus = (*Bus)(nil)

// Halted is the panic value raised by CPU.Halt so tests can observe a halt.
type Halted struct{}

// SysRegAccess is one recorded system-register operation.
type SysRegAccess struct {
	Reg   hw.SysReg
	Write bool
	Value uint64
}

// CPU is a single-core double with a register file and an access log.
type CPU struct {
	mu       sync.Mutex
	regs     map[hw.SysReg]uint64
	log      []SysRegAccess
	barriers []hw.Barrier
	daif     hw.DAIF
	events   int

	// ReadHook may override system-register reads (for example IAR).
	ReadHook func(reg hw.SysReg) (uint64, bool)
	// WriteHook observes system-register writes.
	WriteHook func(reg hw.SysReg, value uint64)
	// WaitHook runs on every WaitForEvent.
	WaitHook func()
}

// NewCPU returns a CPU whose MPIDR_EL1 reads as mpidr.
func NewCPU(mpidr uint64) *CPU {
	return &CPU{
		regs: map[hw.SysReg]uint64{hw.MPIDR_EL1: mpidr},
		daif: hw.DAIFAll,
	}
}

func (c *CPU) ReadSysReg(reg hw.SysReg) uint64 {
	c.mu.Lock()
	hook := c.ReadHook
	c.mu.Unlock()
	if hook != nil {
		if v, ok := hook(reg); ok {
			c.mu.Lock()
			c.log = append(c.log, SysRegAccess{Reg: reg, Value: v})
			c.mu.Unlock()
			return v
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.regs[reg]
	if reg == hw.DAIFReg {
		v = uint64(c.daif)
	}
	c.log = append(c.log, SysRegAccess{Reg: reg, Value: v})
	return v
}

func (c *CPU) WriteSysReg(reg hw.SysReg, value uint64) {
	c.mu.Lock()
	c.regs[reg] = value
	if reg == hw.DAIFReg {
		c.daif = hw.DAIF(value)
	}
	c.log = append(c.log, SysRegAccess{Reg: reg, Write: true, Value: value})
	hook := c.WriteHook
	c.mu.Unlock()
	if hook != nil {
		hook(reg, value)
	}
}

func (c *CPU) Barrier(b hw.Barrier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.barriers = append(c.barriers, b)
}

func (c *CPU) MaskInterrupts() hw.DAIF {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.daif
	c.daif |= hw.DAIFI | hw.DAIFF
	return prev
}

func (c *CPU) RestoreInterrupts(prev hw.DAIF) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.daif = prev
}

func (c *CPU) UnmaskInterrupts() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.daif &^= hw.DAIFI | hw.DAIFF
}

func (c *CPU) WaitForEvent() {
	c.mu.Lock()
	hook := c.WaitHook
	c.mu.Unlock()
	if hook != nil {
		hook()
	}
}

func (c *CPU) SendEvent() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events++
}

func (c *CPU) Halt() {
	c.mu.Lock()
	c.daif = hw.DAIFAll
	c.mu.Unlock()
	panic(Halted{})
}

// DAIF returns the current mask.
func (c *CPU) DAIF() hw.DAIF {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.daif
}

// Set stores a register value without logging it.
func (c *CPU) Set(reg hw.SysReg, value uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regs[reg] = value
}

// Get returns a register value without logging it.
func (c *CPU) Get(reg hw.SysReg) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.regs[reg]
}

// Log returns the recorded system-register operations.
func (c *CPU) Log() []SysRegAccess {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]SysRegAccess(nil), c.log...)
}

// WritesTo returns the values written to reg in order.
func (c *CPU) WritesTo(reg hw.SysReg) []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []uint64
	for _, a := range c.log {
		if a.Write && a.Reg == reg {
			out = append(out, a.Value)
		}
	}
	return out
}

// Barriers returns the barriers issued so far.
func (c *CPU) Barriers() []hw.Barrier {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]hw.Barrier(nil), c.barriers...)
}

// Events reports how many SEV instructions were issued.
func (c *CPU) Events() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events
}

var _ hw.CPU = (*CPU)(nil)
