package exception

import (
	"fmt"

	"github.com/tinyrange/bringup/internal/hw"
)

// Origin is the vector-table group an exception is taken through.
type Origin uint8

const (
	// CurrentSP0 is the current EL using SP_EL0.
	CurrentSP0 Origin = iota
	// CurrentSPx is the current EL using SP_ELx.
	CurrentSPx
	LowerA64
	LowerA32
)

func (o Origin) String() string {
	switch o {
	case CurrentSP0:
		return "current-sp0"
	case CurrentSPx:
		return "current-spx"
	case LowerA64:
		return "lower-a64"
	case LowerA32:
		return "lower-a32"
	default:
		return fmt.Sprintf("origin(%d)", uint8(o))
	}
}

// Lower reports whether the exception came from a lower exception level.
func (o Origin) Lower() bool { return o == LowerA64 || o == LowerA32 }

// Kind is the exception type within a group.
type Kind uint8

const (
	Sync Kind = iota
	IRQ
	FIQ
	SError
)

func (k Kind) String() string {
	switch k {
	case Sync:
		return "sync"
	case IRQ:
		return "irq"
	case FIQ:
		return "fiq"
	case SError:
		return "serror"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Slot indexes the 16-entry vector table.
type Slot uint8

const (
	SlotCount = 16
	// SlotSize is the architectural spacing between entries.
	SlotSize = 0x80
	// TableSize is the span of the table; VBAR_EL1 must be aligned to it.
	TableSize = SlotCount * SlotSize
)

func SlotOf(o Origin, k Kind) Slot { return Slot(uint8(o)<<2 | uint8(k)&3) }

func (s Slot) Origin() Origin { return Origin(s >> 2) }
func (s Slot) Kind() Kind     { return Kind(s & 3) }

// Offset is the slot's byte offset from VBAR_EL1.
func (s Slot) Offset() uint64 { return uint64(s) * SlotSize }

func (s Slot) Valid() bool { return s < SlotCount }

func (s Slot) String() string {
	return fmt.Sprintf("%s/%s", s.Origin(), s.Kind())
}

// SlotAt maps a VBAR-relative offset back to its slot.
func SlotAt(offset uint64) (Slot, error) {
	if offset >= TableSize || offset%SlotSize != 0 {
		return 0, fmt.Errorf("exception: offset %#x is not a vector entry", offset)
	}
	return Slot(offset / SlotSize), nil
}

// TrapFrame is the register state the vector stubs save on the stack.
type TrapFrame struct {
	X    [31]uint64
	ELR  uint64
	SPSR uint64
}

// Frame layout. x0..x30 are stored in order, then ELR and SPSR; the frame
// is padded to a multiple of 16 bytes to keep SP aligned.
const (
	FrameSize  = 17 * 16
	OffsetELR  = 31 * 8
	OffsetSPSR = 32 * 8
)

func offsetX(n int) int32 { return int32(n * 8) }

// Install points VBAR_EL1 at base.
func Install(cpu hw.CPU, base uint64) error {
	if base%TableSize != 0 {
		return fmt.Errorf("exception: vector base %#x not aligned to %#x", base, TableSize)
	}
	cpu.WriteSysReg(hw.VBAR_EL1, base)
	cpu.Barrier(hw.BarrierISB)
	return nil
}
