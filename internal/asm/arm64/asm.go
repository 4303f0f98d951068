package arm64

import (
	"fmt"

	"github.com/tinyrange/bringup/internal/asm"
	"github.com/tinyrange/bringup/internal/hw"
)

// word emits the single instruction returned by enc.
func word(enc func() (uint32, error)) asm.Fragment {
	return fragmentFunc(func(ctx asm.Context) error {
		c, err := requireContext(ctx)
		if err != nil {
			return err
		}
		w, err := enc()
		if err != nil {
			return err
		}
		c.emit32(w)
		return nil
	})
}

// contextual runs fn against the arm64 Context.
func contextual(fn func(c *Context) error) asm.Fragment {
	return fragmentFunc(func(ctx asm.Context) error {
		c, err := requireContext(ctx)
		if err != nil {
			return err
		}
		return fn(c)
	})
}

func Eret() asm.Fragment {
	return word(func() (uint32, error) { return opEret, nil })
}

// ReadSysReg is MRS dst, reg.
func ReadSysReg(dst Reg, reg hw.SysReg) asm.Fragment {
	return word(func() (uint32, error) { return sysReg(dst, reg, true) })
}

// WriteSysReg is MSR reg, src.
func WriteSysReg(reg hw.SysReg, src Reg) asm.Fragment {
	return word(func() (uint32, error) { return sysReg(src, reg, false) })
}

// StorePair is STP first, second, [base, #disp].
func StorePair(first, second Reg, mem Memory) asm.Fragment {
	return word(func() (uint32, error) { return pair(first, second, mem, false) })
}

// LoadPair is LDP first, second, [base, #disp].
func LoadPair(first, second Reg, mem Memory) asm.Fragment {
	return word(func() (uint32, error) { return pair(first, second, mem, true) })
}

// MovToMemory64 is STR src, [base, #disp].
func MovToMemory64(mem Memory, src Reg) asm.Fragment {
	return word(func() (uint32, error) { return loadStore(src, mem, false) })
}

// MovFromMemory64 is LDR dst, [base, #disp].
func MovFromMemory64(dst Reg, mem Memory) asm.Fragment {
	return word(func() (uint32, error) { return loadStore(dst, mem, true) })
}

// MovRegFromSP is ADD dst, sp, #0. ORR-based MOV cannot read SP.
func MovRegFromSP(dst Reg) asm.Fragment {
	return word(func() (uint32, error) { return addSub(dst, Reg64(SP), 0, false) })
}

// CallReg is BLR.
func CallReg(target Reg) asm.Fragment {
	return word(func() (uint32, error) { return branchLink(target) })
}

// AddRegImm adds a signed value to reg in steps of at most 0xFFF.
func AddRegImm(reg Reg, value int32) asm.Fragment {
	return contextual(func(c *Context) error {
		for v := value; v != 0; {
			step, sub := v, false
			if step < 0 {
				step, sub = -step, true
			}
			step = min(step, addImmMax)
			w, err := addSub(reg, reg, uint32(step), sub)
			if err != nil {
				return err
			}
			c.emit32(w)
			if sub {
				v += step
			} else {
				v -= step
			}
		}
		return nil
	})
}

// MovImmediate materializes value with a MOVZ and a MOVK per further
// non-zero halfword.
func MovImmediate(dst Reg, value int64) asm.Fragment {
	return contextual(func(c *Context) error {
		v := uint64(value)
		for half := uint32(0); half < 4; half++ {
			chunk := uint16(v >> (16 * half))
			if half > 0 && chunk == 0 {
				continue
			}
			w, err := movWide(dst, chunk, half, half > 0)
			if err != nil {
				return err
			}
			c.emit32(w)
		}
		return nil
	})
}

// LoadLiteral64 is LDR dst, =value. Each distinct value is pooled once.
func LoadLiteral64(dst Reg, value uint64) asm.Fragment {
	return contextual(func(c *Context) error {
		t, err := dst.general()
		if err != nil {
			return err
		}
		pos := c.emit32(opLdrLit | t)
		c.literals = append(c.literals, fixup{pos: pos, offset: c.literal(value)})
		return nil
	})
}

// Jump is B label.
func Jump(label asm.Label) asm.Fragment {
	return contextual(func(c *Context) error {
		pos := c.emit32(opB)
		c.branches = append(c.branches, fixup{pos: pos, label: label})
		return nil
	})
}

// Align pads with NOPs to a multiple of boundary, a power of two of at
// least 4.
func Align(boundary int) asm.Fragment {
	return contextual(func(c *Context) error {
		if boundary < 4 || boundary&(boundary-1) != 0 {
			return fmt.Errorf("arm64 asm: invalid alignment %d", boundary)
		}
		if c.pc()%4 != 0 {
			return fmt.Errorf("arm64 asm: text misaligned at %#x", c.pc())
		}
		for c.pc()%boundary != 0 {
			c.emit32(opNop)
		}
		return nil
	})
}

// Limit fails emission once more than size bytes follow label. Vector
// slots use it to stay inside their 0x80 window.
func Limit(label asm.Label, size int) asm.Fragment {
	return contextual(func(c *Context) error {
		start, ok := c.GetLabel(label)
		if !ok {
			return fmt.Errorf("arm64 asm: undefined label %q", label)
		}
		if used := c.pc() - start; used > size {
			return fmt.Errorf("arm64 asm: %q uses %d bytes, limit %d", label, used, size)
		}
		return nil
	})
}
