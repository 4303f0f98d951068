package arm64

import (
	"fmt"

	"github.com/tinyrange/bringup/internal/asm"
)

// Registers named by the vector code. Any of X0-X30 can be written as
// asm.Variable(n). Register 31 is only ever SP here.
const (
	X0  asm.Variable = 0
	X1  asm.Variable = 1
	X2  asm.Variable = 2
	X3  asm.Variable = 3
	X16 asm.Variable = 16
	X17 asm.Variable = 17
	X30 asm.Variable = 30
	SP  asm.Variable = 31
)

// Reg is a 64-bit register operand.
type Reg struct {
	id asm.Variable
}

func Reg64(id asm.Variable) Reg { return Reg{id: id} }

func (r Reg) field() (uint32, error) {
	if r.id < X0 || r.id > SP {
		return 0, fmt.Errorf("arm64 asm: invalid register %d", r.id)
	}
	return uint32(r.id), nil
}

// general is field for operands where register 31 would mean XZR.
func (r Reg) general() (uint32, error) {
	n, err := r.field()
	if err == nil && r.id == SP {
		err = fmt.Errorf("arm64 asm: operand must be X0-X30")
	}
	return n, err
}

// Memory is [base, #disp].
type Memory struct {
	base Reg
	disp int32
}

func Mem(base Reg) Memory { return Memory{base: base} }

func (m Memory) WithDisp(disp int32) Memory {
	m.disp = disp
	return m
}

// scaled divides disp by 8 and checks the quotient lies in [lo, hi].
func (m Memory) scaled(lo, hi int32) (int32, error) {
	if m.disp%8 != 0 {
		return 0, fmt.Errorf("arm64 asm: misaligned offset %d", m.disp)
	}
	imm := m.disp / 8
	if imm < lo || imm > hi {
		return 0, fmt.Errorf("arm64 asm: offset %d out of range", m.disp)
	}
	return imm, nil
}

type fragmentFunc func(asm.Context) error

func (f fragmentFunc) Emit(ctx asm.Context) error {
	return f(ctx)
}
