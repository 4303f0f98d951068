package arm64

import (
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/tinyrange/bringup/internal/asm"
	"github.com/tinyrange/bringup/internal/hw"
)

var disasmLine = regexp.MustCompile(`^\s*[0-9a-f]+:\s+(\S+)\s*(.*)$`)

type disasmWant struct {
	mnemonic string
	contains []string
}

// TestDisassembly checks every builder against llvm-objdump by wrapping
// the program in the same ELF image the vector artifacts use.
func TestDisassembly(t *testing.T) {
	tool, err := exec.LookPath("llvm-objdump")
	if err != nil {
		t.Skip("llvm-objdump not installed")
	}

	frag := asm.Group{
		MovImmediate(Reg64(X0), 0x1122_0000_5566_7788),
		AddRegImm(Reg64(SP), -0x110),
		StorePair(Reg64(X0), Reg64(X1), Mem(Reg64(SP))),
		StorePair(Reg64(asm.Variable(28)), Reg64(asm.Variable(29)), Mem(Reg64(SP)).WithDisp(0xE0)),
		MovToMemory64(Mem(Reg64(SP)).WithDisp(0xF0), Reg64(X30)),
		ReadSysReg(Reg64(X2), hw.ELR_EL1),
		WriteSysReg(hw.SPSR_EL1, Reg64(X3)),
		MovRegFromSP(Reg64(X1)),
		LoadLiteral64(Reg64(X16), 0x4000_0000),
		CallReg(Reg64(X16)),
		Jump("done"),
		asm.MarkLabel("done"),
		LoadPair(Reg64(X2), Reg64(X3), Mem(Reg64(SP)).WithDisp(16)),
		MovFromMemory64(Reg64(X30), Mem(Reg64(SP)).WithDisp(0xF0)),
		AddRegImm(Reg64(SP), 0x110),
		Eret(),
	}
	want := []disasmWant{
		{"mov", []string{"x0", "#0x7788"}},
		{"movk", []string{"#0x5566", "lsl #16"}},
		{"movk", []string{"#0x1122", "lsl #48"}},
		{"sub", []string{"sp", "#0x110"}},
		{"stp", []string{"x0", "x1", "[sp]"}},
		{"stp", []string{"x28", "x29", "#0xe0"}},
		{"str", []string{"x30", "#0xf0"}},
		{"mrs", []string{"x2", "elr_el1"}},
		{"msr", []string{"spsr_el1", "x3"}},
		{"mov", []string{"x1", "sp"}},
		{"ldr", []string{"x16"}},
		{"blr", []string{"x16"}},
		{"b", nil},
		{"ldp", []string{"x2", "x3", "#0x10"}},
		{"ldr", []string{"x30", "#0xf0"}},
		{"add", []string{"sp", "#0x110"}},
		{"eret", nil},
	}

	prog, err := EmitProgram(frag)
	if err != nil {
		t.Fatal(err)
	}
	img, err := StandaloneELFWithConfig(prog, DefaultStandaloneELFConfig())
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "program.elf")
	if err := os.WriteFile(path, img, 0644); err != nil {
		t.Fatal(err)
	}
	out, err := exec.Command(tool, "-d", "--no-show-raw-insn", path).CombinedOutput()
	if err != nil {
		t.Fatalf("%s: %v\n%s", tool, err, out)
	}

	var got [][2]string
	for _, line := range strings.Split(string(out), "\n") {
		if m := disasmLine.FindStringSubmatch(line); m != nil {
			got = append(got, [2]string{m[1], strings.ToLower(m[2])})
		}
	}
	if len(got) < len(want) {
		t.Fatalf("disassembled %d instructions, want at least %d:\n%s", len(got), len(want), out)
	}
	for i, w := range want {
		if got[i][0] != w.mnemonic {
			t.Errorf("instruction %d: %s %s, want %s", i, got[i][0], got[i][1], w.mnemonic)
			continue
		}
		for _, s := range w.contains {
			if !strings.Contains(got[i][1], s) {
				t.Errorf("instruction %d: %s %s lacks %q", i, got[i][0], got[i][1], s)
			}
		}
	}
}
