package svc

import (
	"bytes"
	"testing"

	"github.com/tinyrange/bringup/internal/affinity"
	"github.com/tinyrange/bringup/internal/console"
	"github.com/tinyrange/bringup/internal/exception"
	"github.com/tinyrange/bringup/internal/trace"
)

func svcTrap(core affinity.CoreIndex, imm uint16, fn Function, x0 uint64) *exception.Trap {
	frame := &exception.TrapFrame{}
	frame.X[0] = x0
	frame.X[8] = uint64(fn)
	return &exception.Trap{
		Core:     core,
		Slot:     exception.SlotOf(exception.LowerA64, exception.Sync),
		Frame:    frame,
		Syndrome: exception.Syndrome(uint64(exception.ClassSVC64)<<26 | 1<<25 | uint64(imm)),
	}
}

func TestPrint(t *testing.T) {
	var out console.Buffer
	table := New(&out, nil, nil)
	for _, c := range []byte("hi") {
		tr := svcTrap(0, 0, Print, uint64(c))
		if err := table.HandleTrap(tr); err != nil {
			t.Fatal(err)
		}
		if tr.Frame.X[0] != Success {
			t.Fatalf("PRINT returned %#x", tr.Frame.X[0])
		}
	}
	if out.String() != "hi" {
		t.Fatalf("console = %q", out.String())
	}
}

func TestReturnValues(t *testing.T) {
	table := New(nil, nil, nil)
	if err := table.Register(MutexLock, func(core affinity.CoreIndex, args Args) uint64 {
		return args[0] + uint64(core)
	}); err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		fn   Function
		x0   uint64
		want uint64
	}{
		{MemAlloc, 64, NotSupported},
		{ThreadCreate, 0x4000_0000, NotSupported},
		{MutexLock, 10, 13},
		{0x07, 0, Unknown},
		{0, 0, Unknown},
	}
	for _, tt := range tests {
		tr := svcTrap(3, 0, tt.fn, tt.x0)
		if err := table.HandleTrap(tr); err != nil {
			t.Fatal(err)
		}
		if tr.Frame.X[0] != tt.want {
			t.Fatalf("%s returned %#x, want %#x", tt.fn, tr.Frame.X[0], tt.want)
		}
	}
}

func TestNonzeroImmediate(t *testing.T) {
	var out console.Buffer
	table := New(&out, nil, nil)
	tr := svcTrap(0, 1, Print, 'x')
	if err := table.HandleTrap(tr); err != nil {
		t.Fatal(err)
	}
	if tr.Frame.X[0] != Unknown || out.String() != "" {
		t.Fatalf("x0 = %#x, console %q", tr.Frame.X[0], out.String())
	}
}

func TestRegisterRejects(t *testing.T) {
	table := New(nil, nil, nil)
	noop := func(affinity.CoreIndex, Args) uint64 { return 0 }
	if err := table.Register(Print, noop); err == nil {
		t.Fatal("PRINT replaced")
	}
	if err := table.Register(0x40, noop); err == nil {
		t.Fatal("unknown id registered")
	}
}

func TestArena(t *testing.T) {
	table := New(nil, nil, nil)
	arena := NewArena(0x8000_0000, 32)
	if err := arena.Install(table); err != nil {
		t.Fatal(err)
	}
	if got := table.Call(0, MemAlloc, Args{5}); got != 0x8000_0000 {
		t.Fatalf("first alloc = %#x", got)
	}
	if got := table.Call(0, MemAlloc, Args{16}); got != 0x8000_0008 {
		t.Fatalf("second alloc = %#x", got)
	}
	if got := table.Call(0, MemAlloc, Args{16}); got != 0 {
		t.Fatalf("exhausted alloc = %#x", got)
	}
	if got := table.Call(0, MemFree, Args{0x8000_0000}); got != Success {
		t.Fatalf("free = %#x", got)
	}
	if arena.Used() != 24 {
		t.Fatalf("used = %d", arena.Used())
	}
}

func TestArenaZeroSize(t *testing.T) {
	arena := NewArena(0x8000_0000, 32)
	for i := 0; i < 2; i++ {
		if got := arena.Alloc(0); got != 0 {
			t.Fatalf("Alloc(0) = %#x, want 0", got)
		}
	}
	if arena.Used() != 0 {
		t.Fatalf("zero-size allocs used %d bytes", arena.Used())
	}
	if got := arena.Alloc(8); got != 0x8000_0000 {
		t.Fatalf("Alloc(8) after zero-size = %#x", got)
	}
}

func TestTraced(t *testing.T) {
	mem := &trace.Memory{}
	var n uint64
	clock := func() uint64 {
		n++
		return n
	}
	table := New(nil, nil, trace.New(mem, clock))
	table.Call(1, Print, Args{'a'})
	table.Call(1, 0x99, Args{})

	data := mem.Bytes()
	r, err := trace.NewReader(bytes.NewReader(data), bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	count, err := r.Count(trace.SearchOptions{Kinds: []trace.Kind{trace.KindSVC}})
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Fatalf("%d svc records", count)
	}
}
