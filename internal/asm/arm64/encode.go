package arm64

import (
	"fmt"

	"github.com/tinyrange/bringup/internal/hw"
)

const (
	opAddImm  = 0x91000000
	opSubImm  = 0xD1000000
	opMovz    = 0xD2800000
	opMovk    = 0xF2800000
	opStr     = 0xF9000000
	opLdr     = 0xF9400000
	opStp     = 0xA9000000
	opLdp     = 0xA9400000
	opLdrLit  = 0x58000000
	opSysReg  = 0xD5000000
	opMrs     = 1 << 21
	opB       = 0x14000000
	opBlr     = 0xD63F0000
	opEret    = 0xD69F03E0
	opNop     = 0xD503201F
	addImmMax = 0xFFF
)

// addSub is ADD or SUB (immediate). Register 31 is SP in both operands.
func addSub(dst, src Reg, imm uint32, sub bool) (uint32, error) {
	if imm > addImmMax {
		return 0, fmt.Errorf("arm64 asm: immediate %d out of range", imm)
	}
	d, err := dst.field()
	if err != nil {
		return 0, err
	}
	s, err := src.field()
	if err != nil {
		return 0, err
	}
	op := uint32(opAddImm)
	if sub {
		op = opSubImm
	}
	return op | imm<<10 | s<<5 | d, nil
}

// movWide is MOVZ, or MOVK when keep is set, of chunk shifted left by
// 16*half.
func movWide(dst Reg, chunk uint16, half uint32, keep bool) (uint32, error) {
	d, err := dst.general()
	if err != nil {
		return 0, err
	}
	op := uint32(opMovz)
	if keep {
		op = opMovk
	}
	return op | half<<21 | uint32(chunk)<<5 | d, nil
}

// loadStore is LDR or STR of an X register with an unsigned scaled offset.
func loadStore(r Reg, m Memory, load bool) (uint32, error) {
	t, err := r.general()
	if err != nil {
		return 0, err
	}
	base, err := m.base.field()
	if err != nil {
		return 0, err
	}
	imm, err := m.scaled(0, addImmMax)
	if err != nil {
		return 0, err
	}
	op := uint32(opStr)
	if load {
		op = opLdr
	}
	return op | uint32(imm)<<10 | base<<5 | t, nil
}

// pair is LDP or STP of two X registers with a signed scaled offset.
func pair(first, second Reg, m Memory, load bool) (uint32, error) {
	t1, err := first.general()
	if err != nil {
		return 0, err
	}
	t2, err := second.general()
	if err != nil {
		return 0, err
	}
	base, err := m.base.field()
	if err != nil {
		return 0, err
	}
	imm, err := m.scaled(-64, 63)
	if err != nil {
		return 0, err
	}
	op := uint32(opStp)
	if load {
		op = opLdp
	}
	return op | (uint32(imm)&0x7F)<<15 | t2<<10 | base<<5 | t1, nil
}

// sysReg is MRS when read is set, MSR otherwise. The packed encoding of
// reg fills bits [20:5].
func sysReg(r Reg, reg hw.SysReg, read bool) (uint32, error) {
	if op0 := reg.Op0(); op0 < 2 {
		return 0, fmt.Errorf("arm64 asm: %s: op0 must be 2 or 3, got %d", reg, op0)
	}
	t, err := r.general()
	if err != nil {
		return 0, err
	}
	op := uint32(opSysReg)
	if read {
		op |= opMrs
	}
	return op | uint32(reg)<<5 | t, nil
}

func branchLink(target Reg) (uint32, error) {
	n, err := target.general()
	if err != nil {
		return 0, err
	}
	return opBlr | n<<5, nil
}
