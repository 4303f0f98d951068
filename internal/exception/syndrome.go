package exception

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/bits"
)

// Syndrome is a raw ESR_EL1 value.
type Syndrome uint64

const (
	classShift = 26
	classMask  = 0x3F
	ilBit      = 25
	issMask    = 1<<25 - 1
)

// Class is the exception class field of a syndrome.
type Class uint8

const (
	ClassUnknown          Class = 0x00
	ClassWFx              Class = 0x01
	ClassFPAccess         Class = 0x07
	ClassIllegalState     Class = 0x0E
	ClassSVC32            Class = 0x11
	ClassSVC64            Class = 0x15
	ClassHVC64            Class = 0x16
	ClassSMC64            Class = 0x17
	ClassMSRAccess        Class = 0x18
	ClassInstrAbortLower  Class = 0x20
	ClassInstrAbortSame   Class = 0x21
	ClassPCAlignment      Class = 0x22
	ClassDataAbortLower   Class = 0x24
	ClassDataAbortSame    Class = 0x25
	ClassSPAlignment      Class = 0x26
	ClassSError           Class = 0x2F
	ClassBreakpointLower  Class = 0x30
	ClassBreakpointSame   Class = 0x31
	ClassSoftwareStepSame Class = 0x33
	ClassWatchpointSame   Class = 0x35
	ClassBRK64            Class = 0x3C
)

var classNames = map[Class]string{
	ClassUnknown:          "unknown reason",
	ClassWFx:              "WFI/WFE",
	ClassFPAccess:         "FP/SIMD access",
	ClassIllegalState:     "illegal execution state",
	ClassSVC32:            "SVC (AArch32)",
	ClassSVC64:            "SVC",
	ClassHVC64:            "HVC",
	ClassSMC64:            "SMC",
	ClassMSRAccess:        "MSR/MRS access",
	ClassInstrAbortLower:  "instruction abort from lower EL",
	ClassInstrAbortSame:   "instruction abort",
	ClassPCAlignment:      "PC alignment fault",
	ClassDataAbortLower:   "data abort from lower EL",
	ClassDataAbortSame:    "data abort",
	ClassSPAlignment:      "SP alignment fault",
	ClassSError:           "SError",
	ClassBreakpointLower:  "breakpoint from lower EL",
	ClassBreakpointSame:   "breakpoint",
	ClassSoftwareStepSame: "software step",
	ClassWatchpointSame:   "watchpoint",
	ClassBRK64:            "BRK",
}

func (c Class) String() string {
	if name, ok := classNames[c]; ok {
		return name
	}
	return fmt.Sprintf("unknown exception class %#x", uint8(c))
}

func (s Syndrome) Class() Class { return Class((uint64(s) >> classShift) & classMask) }

// Wide reports the IL bit: the trapped instruction was 32 bits long.
func (s Syndrome) Wide() bool { return bits.IsOn64(uint64(s), bits.MaskOf64(ilBit)) }

// ISS is the class-specific syndrome.
func (s Syndrome) ISS() uint32 { return uint32(uint64(s) & issMask) }

// Immediate is the imm16 of an SVC, HVC or SMC.
func (s Syndrome) Immediate() uint16 { return uint16(s.ISS()) }

func (s Syndrome) String() string {
	return fmt.Sprintf("%#08x (EC %#02x %s, ISS %#x)", uint64(s), uint8(s.Class()), s.Class(), s.ISS())
}

// Abort is the decoded ISS of an instruction or data abort.
type Abort struct {
	Status uint8
	// Valid is ISV: Size, Register and Write describe the access.
	Valid    bool
	Size     int
	Register int
	Write    bool
	// FARValid is false when FAR_EL1 does not hold the faulting address.
	FARValid bool
}

const (
	abortStatusMask = 0x3F
	abortWnRBit     = 6
	abortFnVBit     = 10
	abortSRTShift   = 16
	abortSRTMask    = 0x1F
	abortSASShift   = 22
	abortSASMask    = 0x3
	abortISVBit     = 24
)

// DecodeAbort decodes an abort syndrome. It fails for other classes.
func DecodeAbort(s Syndrome) (Abort, error) {
	switch s.Class() {
	case ClassInstrAbortLower, ClassInstrAbortSame, ClassDataAbortLower, ClassDataAbortSame:
	default:
		return Abort{}, fmt.Errorf("exception: %s is not an abort", s.Class())
	}
	iss := uint64(s.ISS())
	a := Abort{
		Status:   uint8(iss & abortStatusMask),
		FARValid: !bits.IsOn64(iss, bits.MaskOf64(abortFnVBit)),
	}
	if s.Class() == ClassDataAbortLower || s.Class() == ClassDataAbortSame {
		a.Write = bits.IsOn64(iss, bits.MaskOf64(abortWnRBit))
		if bits.IsOn64(iss, bits.MaskOf64(abortISVBit)) {
			a.Valid = true
			a.Size = 1 << ((iss >> abortSASShift) & abortSASMask)
			a.Register = int((iss >> abortSRTShift) & abortSRTMask)
		}
	}
	return a, nil
}

// StatusString names the fault status code of an abort.
func (a Abort) StatusString() string {
	level := a.Status & 0x3
	switch a.Status &^ 0x3 {
	case 0x00:
		return fmt.Sprintf("address size fault, level %d", level)
	case 0x04:
		return fmt.Sprintf("translation fault, level %d", level)
	case 0x08:
		return fmt.Sprintf("access flag fault, level %d", level)
	case 0x0C:
		return fmt.Sprintf("permission fault, level %d", level)
	}
	switch a.Status {
	case 0x10:
		return "synchronous external abort"
	case 0x21:
		return "alignment fault"
	case 0x30:
		return "TLB conflict abort"
	default:
		return fmt.Sprintf("fault status %#02x", a.Status)
	}
}
