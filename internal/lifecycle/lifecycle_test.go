package lifecycle

import (
	"errors"
	"sync"
	"testing"

	"github.com/tinyrange/bringup/internal/hw"
	"github.com/tinyrange/bringup/internal/hw/hwtest"
)

func TestInitialState(t *testing.T) {
	tbl := NewTable(4, 0)
	want := []PowerState{On, Off, Off, Off}
	for i, s := range tbl.Snapshot() {
		if s != want[i] {
			t.Fatalf("core %d = %s, want %s", i, s, want[i])
		}
	}
	if _, ok := tbl.Peek(2); ok {
		t.Fatal("Peek on an untouched core reported parameters")
	}
	if _, ok := tbl.Take(2); ok {
		t.Fatal("Take on an untouched core succeeded")
	}
}

func TestRequestTwice(t *testing.T) {
	tbl := NewTable(4, 0)
	cpu := hwtest.NewCPU(0)
	cpu.UnmaskInterrupts()

	if err := tbl.Request(cpu, 2, BootParams{EntryPoint: 0x4000_0000, ContextID: 0x1234}); err != nil {
		t.Fatalf("first Request: %v", err)
	}
	if err := tbl.Request(cpu, 2, BootParams{EntryPoint: 0x5000_0000}); !errors.Is(err, ErrAlreadyOn) {
		t.Fatalf("second Request = %v, want ErrAlreadyOn", err)
	}
	if err := tbl.Request(cpu, 0, BootParams{}); !errors.Is(err, ErrAlreadyOn) {
		t.Fatalf("Request on the primary = %v", err)
	}
	if err := tbl.Request(cpu, 9, BootParams{}); !errors.Is(err, ErrInvalidCore) {
		t.Fatalf("Request on core 9 = %v", err)
	}
	if cpu.DAIF().IRQMasked() {
		t.Fatal("Request left IRQs masked")
	}

	p, ok := tbl.Take(2)
	if !ok || p.EntryPoint != 0x4000_0000 || p.ContextID != 0x1234 {
		t.Fatalf("Take = %+v, %v", p, ok)
	}
}

func TestTakeOnce(t *testing.T) {
	tbl := NewTable(2, 0)
	cpu := hwtest.NewCPU(0)
	if err := tbl.Request(cpu, 1, BootParams{EntryPoint: 0x8000, ContextID: 7}); err != nil {
		t.Fatal(err)
	}
	if !tbl.Released(1) {
		t.Fatal("Released = false after Request")
	}
	if _, ok := tbl.Take(1); !ok {
		t.Fatal("first Take failed")
	}
	if _, ok := tbl.Take(1); ok {
		t.Fatal("second Take succeeded")
	}
	if tbl.Released(1) {
		t.Fatal("Released = true after Take")
	}
	if p, ok := tbl.Peek(1); !ok || p.EntryPoint != 0x8000 {
		t.Fatalf("Peek after Take = %+v, %v", p, ok)
	}
}

func TestTransitions(t *testing.T) {
	tbl := NewTable(2, 0)
	cpu := hwtest.NewCPU(0)

	if err := tbl.MarkOn(cpu, 1); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("MarkOn from Off = %v", err)
	}
	if err := tbl.Request(cpu, 1, BootParams{EntryPoint: 1}); err != nil {
		t.Fatal(err)
	}
	if s, _ := tbl.State(1); s != Pending {
		t.Fatalf("state after Request = %s", s)
	}
	if err := tbl.MarkOn(cpu, 1); err != nil {
		t.Fatal(err)
	}
	if s, _ := tbl.State(1); s != On {
		t.Fatalf("state after MarkOn = %s", s)
	}
	if err := tbl.MarkOff(cpu, 1); err != nil {
		t.Fatal(err)
	}
	if s, _ := tbl.State(1); s != Off {
		t.Fatalf("state after MarkOff = %s", s)
	}
	if tbl.Released(1) {
		t.Fatal("MarkOff kept stale parameters")
	}
	if err := tbl.Request(cpu, 1, BootParams{EntryPoint: 2}); err != nil {
		t.Fatalf("Request after MarkOff: %v", err)
	}
	if p, ok := tbl.Take(1); !ok || p.EntryPoint != 2 {
		t.Fatalf("Take after re-request = %+v, %v", p, ok)
	}
}

func TestConcurrentRequest(t *testing.T) {
	tbl := NewTable(8, 0)
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cpu := hwtest.NewCPU(0)
			if err := tbl.Request(cpu, 5, BootParams{EntryPoint: uint64(i)}); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("%d concurrent Requests succeeded, want 1", wins)
	}
}

func TestPeekConsistency(t *testing.T) {
	tbl := NewTable(2, 0)
	done := make(chan struct{})
	go func() {
		defer close(done)
		cpu := hwtest.NewCPU(0)
		for i := uint64(1); i <= 2000; i++ {
			if err := tbl.Request(cpu, 1, BootParams{EntryPoint: i, ContextID: i}); err != nil {
				t.Errorf("Request %d: %v", i, err)
				return
			}
			if err := tbl.MarkOff(cpu, 1); err != nil {
				t.Errorf("MarkOff: %v", err)
				return
			}
		}
	}()
	for {
		select {
		case <-done:
			return
		default:
		}
		if p, ok := tbl.Peek(1); ok && p.EntryPoint != p.ContextID {
			t.Fatalf("torn parameters %+v", p)
		}
	}
}

func TestRequestMasksInterrupts(t *testing.T) {
	tbl := NewTable(2, 0)
	cpu := hwtest.NewCPU(0)
	cpu.UnmaskInterrupts()

	var masked bool
	orig := cpu.DAIF()
	hw.WithInterruptsMasked(cpu, func() { masked = cpu.DAIF().IRQMasked() })
	if !masked || orig.IRQMasked() {
		t.Fatal("test CPU does not model DAIF")
	}
	if err := tbl.Request(cpu, 1, BootParams{EntryPoint: 3}); err != nil {
		t.Fatal(err)
	}
	if cpu.DAIF() != orig {
		t.Fatalf("DAIF after Request = %#x, want %#x", uint64(cpu.DAIF()), uint64(orig))
	}
}
