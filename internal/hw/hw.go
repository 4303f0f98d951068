// Package hw is the narrow layer between the bring-up core and silicon:
// memory-mapped register access, named system registers, barriers and the
// interrupt mask. Everything above it is ordinary typed Go.
package hw

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned when a bounded hardware handshake gives up.
	ErrTimeout = errors.New("hardware handshake timed out")
)

// Bus is a memory-mapped register window. Every call is a real, ordered,
// side-effecting access; implementations must never serve reads from a
// cache of earlier writes.
type Bus interface {
	Read8(addr uint64) uint8
	Write8(addr uint64, value uint8)
	Read32(addr uint64) uint32
	Write32(addr uint64, value uint32)
	Read64(addr uint64) uint64
	Write64(addr uint64, value uint64)
}

// Barrier names one synchronization instruction.
type Barrier uint8

const (
	// BarrierDSB is DSB SY.
	BarrierDSB Barrier = iota
	// BarrierDSBISH is DSB ISH.
	BarrierDSBISH
	// BarrierDMBISH is DMB ISH.
	BarrierDMBISH
	// BarrierISB is ISB.
	BarrierISB
)

func (b Barrier) String() string {
	switch b {
	case BarrierDSB:
		return "dsb sy"
	case BarrierDSBISH:
		return "dsb ish"
	case BarrierDMBISH:
		return "dmb ish"
	case BarrierISB:
		return "isb"
	default:
		return fmt.Sprintf("barrier(%d)", uint8(b))
	}
}

// DAIF holds the PSTATE exception mask bits in their DAIF register positions.
type DAIF uint64

const (
	DAIFF DAIF = 1 << 6
	DAIFI DAIF = 1 << 7
	DAIFA DAIF = 1 << 8
	DAIFD DAIF = 1 << 9

	DAIFAll = DAIFD | DAIFA | DAIFI | DAIFF
)

// IRQMasked reports whether IRQs are masked in d.
func (d DAIF) IRQMasked() bool { return d&DAIFI != 0 }

// CPU is the per-core privileged instruction surface.
type CPU interface {
	ReadSysReg(reg SysReg) uint64
	WriteSysReg(reg SysReg, value uint64)
	Barrier(b Barrier)

	// MaskInterrupts sets DAIF.I and DAIF.F and returns the previous mask.
	MaskInterrupts() DAIF
	// RestoreInterrupts writes back a mask returned by MaskInterrupts.
	RestoreInterrupts(prev DAIF)
	// UnmaskInterrupts clears DAIF.I and DAIF.F.
	UnmaskInterrupts()

	WaitForEvent()
	SendEvent()

	// Halt masks every exception and parks the core. It does not return.
	Halt()
}

// WithInterruptsMasked runs fn with local IRQ and FIQ delivery masked.
func WithInterruptsMasked(cpu CPU, fn func()) {
	prev := cpu.MaskInterrupts()
	defer cpu.RestoreInterrupts(prev)
	fn()
}

// DefaultSpinLimit bounds handshake loops when a caller passes zero.
const DefaultSpinLimit = 1 << 20

// Poll calls done until it reports true or limit attempts were made.
// done must perform a real register read on every call.
func Poll(limit int, done func() bool) error {
	if limit <= 0 {
		limit = DefaultSpinLimit
	}
	for i := 0; i < limit; i++ {
		if done() {
			return nil
		}
	}
	return ErrTimeout
}
