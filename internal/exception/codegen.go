package exception

import (
	"fmt"

	"github.com/tinyrange/bringup/internal/asm"
	"github.com/tinyrange/bringup/internal/asm/arm64"
	"github.com/tinyrange/bringup/internal/hw"
)

// LabelSave marks the shared save/dispatch/restore path after the table.
const LabelSave asm.Label = "vector_save"

// SlotLabel names the entry for s in generated programs.
func SlotLabel(s Slot) asm.Label {
	return asm.Label(fmt.Sprintf("vector_%02d_%s_%s", uint8(s), s.Origin(), s.Kind()))
}

var (
	sp  = arm64.Reg64(arm64.SP)
	x0  = arm64.Reg64(arm64.X0)
	x1  = arm64.Reg64(arm64.X1)
	x2  = arm64.Reg64(arm64.X2)
	x3  = arm64.Reg64(arm64.X3)
	x16 = arm64.Reg64(arm64.X16)
	x30 = arm64.Reg64(arm64.X30)
)

func frameAt(off int32) arm64.Memory { return arm64.Mem(sp).WithDisp(off) }

// Vectors returns the vector table as a fragment. Each entry reserves a
// TrapFrame, saves x0 and x1, loads its slot number into x0 and branches
// to the shared path, which saves the remaining registers, calls handler
// as handler(slot, frame) and restores ELR and SPSR before the GPRs.
func Vectors(handler uint64) asm.Fragment {
	var g asm.Group
	for s := Slot(0); s < SlotCount; s++ {
		label := SlotLabel(s)
		g = append(g,
			asm.MarkLabel(label),
			arm64.AddRegImm(sp, -FrameSize),
			arm64.StorePair(x0, x1, frameAt(0)),
			arm64.MovImmediate(x0, int64(s)),
			arm64.Jump(LabelSave),
			arm64.Limit(label, SlotSize),
			arm64.Align(SlotSize),
		)
	}

	g = append(g, asm.MarkLabel(LabelSave))
	for n := 2; n < 30; n += 2 {
		g = append(g, arm64.StorePair(arm64.Reg64(asm.Variable(n)), arm64.Reg64(asm.Variable(n+1)), frameAt(offsetX(n))))
	}
	g = append(g,
		arm64.MovToMemory64(frameAt(offsetX(30)), x30),
		arm64.ReadSysReg(x2, hw.ELR_EL1),
		arm64.ReadSysReg(x3, hw.SPSR_EL1),
		arm64.StorePair(x2, x3, frameAt(OffsetELR)),
		arm64.MovRegFromSP(x1),
		arm64.LoadLiteral64(x16, handler),
		arm64.CallReg(x16),

		arm64.LoadPair(x2, x3, frameAt(OffsetELR)),
		arm64.WriteSysReg(hw.ELR_EL1, x2),
		arm64.WriteSysReg(hw.SPSR_EL1, x3),
	)
	for n := 0; n < 30; n += 2 {
		g = append(g, arm64.LoadPair(arm64.Reg64(asm.Variable(n)), arm64.Reg64(asm.Variable(n+1)), frameAt(offsetX(n))))
	}
	g = append(g,
		arm64.MovFromMemory64(x30, frameAt(offsetX(30))),
		arm64.AddRegImm(sp, FrameSize),
		arm64.Eret(),
	)
	return g
}

// Generate assembles the vector table. The result must be loaded at a
// TableSize-aligned address; every branch inside it is PC-relative.
func Generate(handler uint64) (asm.Program, error) {
	if handler == 0 || handler%4 != 0 {
		return asm.Program{}, fmt.Errorf("exception: invalid handler address %#x", handler)
	}
	prog, err := arm64.EmitProgram(Vectors(handler))
	if err != nil {
		return asm.Program{}, fmt.Errorf("exception: generate vectors: %w", err)
	}
	if err := Validate(prog); err != nil {
		return asm.Program{}, err
	}
	return prog, nil
}

// Validate checks that prog holds 16 entries at SlotSize spacing followed
// by the shared path.
func Validate(prog asm.Program) error {
	for s := Slot(0); s < SlotCount; s++ {
		off, ok := prog.Label(SlotLabel(s))
		if !ok {
			return fmt.Errorf("exception: vector %s missing", s)
		}
		if uint64(off) != s.Offset() {
			return fmt.Errorf("exception: vector %s at %#x, want %#x", s, off, s.Offset())
		}
	}
	if off, ok := prog.Label(LabelSave); !ok || off != TableSize {
		return fmt.Errorf("exception: save path at %#x, want %#x", off, TableSize)
	}
	return nil
}
