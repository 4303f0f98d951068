package exception

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/tinyrange/bringup/internal/affinity"
	"github.com/tinyrange/bringup/internal/gic"
	"github.com/tinyrange/bringup/internal/hw"
	"github.com/tinyrange/bringup/internal/hw/hwtest"
	"github.com/tinyrange/bringup/internal/trace"
)

type fakeGIC struct {
	pending []gic.InterruptID
	ended   []gic.InterruptID
}

func (g *fakeGIC) Acknowledge() gic.InterruptID {
	if len(g.pending) == 0 {
		return gic.Spurious
	}
	id := g.pending[0]
	g.pending = g.pending[1:]
	return id
}

func (g *fakeGIC) End(id gic.InterruptID) error {
	g.ended = append(g.ended, id)
	return nil
}

type fixture struct {
	cpu     *hwtest.CPU
	gic     *fakeGIC
	console *bytes.Buffer
	mem     *trace.Memory
	d       *Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		cpu:     hwtest.NewCPU(0x101),
		gic:     &fakeGIC{},
		console: &bytes.Buffer{},
		mem:     &trace.Memory{},
	}
	var n uint64
	clock := func() uint64 {
		n++
		return n
	}
	f.d = New(Config{
		CPU:        f.cpu,
		Core:       1,
		Interrupts: f.gic,
		Console:    f.console,
		Trace:      trace.New(f.mem, clock),
	})
	return f
}

func (f *fixture) count(t *testing.T, kind trace.Kind) int {
	t.Helper()
	data := f.mem.Bytes()
	r, err := trace.NewReader(bytes.NewReader(data), bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	n, err := r.Count(trace.SearchOptions{Kinds: []trace.Kind{kind}})
	if err != nil {
		t.Fatal(err)
	}
	return n
}

// halts runs fn and reports whether it parked the core.
func halts(fn func()) (halted bool) {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(hwtest.Halted); !ok {
				panic(r)
			}
			halted = true
		}
	}()
	fn()
	return false
}

func TestSpuriousIsNotEnded(t *testing.T) {
	f := newFixture(t)
	f.d.Handle(SlotOf(CurrentSPx, IRQ), &TrapFrame{})
	if len(f.gic.ended) != 0 {
		t.Fatalf("ended %v for a spurious acknowledge", f.gic.ended)
	}
	if n := f.count(t, trace.KindIRQ); n != 0 {
		t.Fatalf("%d irq records", n)
	}
}

func TestIRQHandledAndEnded(t *testing.T) {
	f := newFixture(t)
	var got []gic.InterruptID
	if err := f.d.Handlers().HandleIRQ(27, func(core affinity.CoreIndex, id gic.InterruptID) {
		if core != 1 {
			t.Errorf("handler core = %d", core)
		}
		got = append(got, id)
	}); err != nil {
		t.Fatal(err)
	}
	f.gic.pending = []gic.InterruptID{27, 5}
	f.d.Handle(SlotOf(CurrentSPx, IRQ), &TrapFrame{})
	f.d.Handle(SlotOf(LowerA64, IRQ), &TrapFrame{})

	if len(got) != 1 || got[0] != 27 {
		t.Fatalf("handler saw %v", got)
	}
	// The unregistered SGI is still ended.
	if len(f.gic.ended) != 2 || f.gic.ended[0] != 27 || f.gic.ended[1] != 5 {
		t.Fatalf("ended %v", f.gic.ended)
	}
	if n := f.count(t, trace.KindIRQ); n != 2 {
		t.Fatalf("%d irq records", n)
	}
}

func TestHandleIRQRejectsSpecialIDs(t *testing.T) {
	h := NewHandlers()
	if err := h.HandleIRQ(gic.Spurious, func(affinity.CoreIndex, gic.InterruptID) {}); !errors.Is(err, gic.ErrInvalidInterrupt) {
		t.Fatalf("HandleIRQ(1023) = %v", err)
	}
}

func TestSyncHandlerEditsFrame(t *testing.T) {
	f := newFixture(t)
	f.cpu.Set(hw.ESR_EL1, uint64(esr(ClassSVC64, true, 0)))
	f.d.Handlers().HandleSync(ClassSVC64, func(tr *Trap) error {
		if tr.Core != 1 || tr.Syndrome.Class() != ClassSVC64 {
			t.Errorf("trap = %+v", tr)
		}
		tr.Frame.X[0] = 42
		return nil
	})
	frame := &TrapFrame{ELR: 0x4000_1000}
	f.d.Handle(SlotOf(LowerA64, Sync), frame)
	if frame.X[0] != 42 {
		t.Fatalf("x0 = %d", frame.X[0])
	}
	if n := f.count(t, trace.KindException); n != 1 {
		t.Fatalf("%d exception records", n)
	}
}

func TestUnhandledSyncIsFatal(t *testing.T) {
	f := newFixture(t)
	f.cpu.Set(hw.ESR_EL1, uint64(esr(ClassDataAbortSame, true, 1<<24|3<<22|7<<16|0x04)))
	f.cpu.Set(hw.FAR_EL1, 0xDEAD_0000)
	frame := &TrapFrame{ELR: 0x4000_2468, SPSR: 0x3C5}
	frame.X[7] = 0x1234

	if !halts(func() { f.d.Handle(SlotOf(CurrentSPx, Sync), frame) }) {
		t.Fatal("unhandled abort did not halt")
	}
	out := f.console.String()
	for _, want := range []string{
		"fatal exception on core 1",
		"current-spx/sync",
		"data abort",
		"translation fault, level 0",
		"8-byte read via x7",
		"0x0000000040002468",
		"0x00000000dead0000",
		"x7   0x0000000000001234",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("report missing %q:\n%s", want, out)
		}
	}
	if f.cpu.DAIF()&hw.DAIFI == 0 {
		t.Fatal("interrupts left unmasked")
	}
}

func TestHandlerErrorIsFatal(t *testing.T) {
	f := newFixture(t)
	f.cpu.Set(hw.ESR_EL1, uint64(esr(ClassBRK64, true, 1)))
	f.d.Handlers().HandleSync(ClassBRK64, func(*Trap) error { return errors.New("breakpoint hit") })
	if !halts(func() { f.d.Handle(SlotOf(CurrentSPx, Sync), &TrapFrame{}) }) {
		t.Fatal("failing handler did not halt")
	}
	if !strings.Contains(f.console.String(), "breakpoint hit") {
		t.Fatalf("report = %q", f.console.String())
	}
}

func TestFIQAndSErrorAreFatal(t *testing.T) {
	for _, k := range []Kind{FIQ, SError} {
		f := newFixture(t)
		if !halts(func() { f.d.Handle(SlotOf(CurrentSPx, k), &TrapFrame{}) }) {
			t.Fatalf("%s did not halt", k)
		}
		if !strings.Contains(f.console.String(), k.String()) {
			t.Fatalf("%s report = %q", k, f.console.String())
		}
	}
}
