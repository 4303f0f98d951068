package sim

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tinyrange/bringup/internal/affinity"
	"github.com/tinyrange/bringup/internal/boot"
	"github.com/tinyrange/bringup/internal/exception"
	"github.com/tinyrange/bringup/internal/gic"
	"github.com/tinyrange/bringup/internal/hw"
	"github.com/tinyrange/bringup/internal/lifecycle"
	"github.com/tinyrange/bringup/internal/platform"
	"github.com/tinyrange/bringup/internal/psci"
	"github.com/tinyrange/bringup/internal/trace"
)

func preset(t *testing.T, name string) platform.Platform {
	t.Helper()
	p, err := platform.Preset(name)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func run(t *testing.T, p platform.Platform, opts Options) (*Machine, error) {
	t.Helper()
	m, err := New(p, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	return m, m.Run(ctx)
}

func TestBringUpAllCores(t *testing.T) {
	m, err := run(t, preset(t, "qemu-virt"), Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	out := m.Transcript()
	for i := 1; i < 8; i++ {
		want := fmt.Sprintf("core %d online, context %#x\n", i, i)
		if !strings.Contains(out, want) {
			t.Fatalf("transcript missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "\x1b[") {
		t.Fatal("transcript kept escape sequences")
	}
	if !strings.Contains(m.RawTranscript(), greetStyle) {
		t.Fatal("raw transcript lost styling")
	}
	for i, st := range m.States() {
		if st != lifecycle.On {
			t.Fatalf("core %d is %s", i, st)
		}
	}
	if n := m.System().IPIs(0); n != 7 {
		t.Fatalf("primary took %d IPIs, want 7", n)
	}
}

func TestBringUpLINFlexSubset(t *testing.T) {
	p := preset(t, "s32g3")
	m, err := run(t, p, Options{Secondaries: []affinity.CoreIndex{4}, TxFullReads: 2})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out := m.Transcript(); out != "core 4 online, context 0x4\n" {
		t.Fatalf("transcript = %q", out)
	}
	want := []lifecycle.PowerState{lifecycle.On, lifecycle.Off, lifecycle.Off, lifecycle.Off,
		lifecycle.On, lifecycle.Off, lifecycle.Off, lifecycle.Off}
	got := m.States()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("states = %v, want %v", got, want)
		}
	}
}

func TestCPUOnFromPrimary(t *testing.T) {
	var (
		mu     sync.Mutex
		params []lifecycle.BootParams
	)
	program := func(ctx context.Context, c *boot.Core, p lifecycle.BootParams) error {
		mu.Lock()
		params = append(params, p)
		mu.Unlock()
		return nil
	}
	primary := func(ctx context.Context, m *Machine, c *boot.Core) error {
		aff := uint64(m.System().Topology().MustAffinity(2))
		ret := c.Conduit.PSCI(psci.Call{Function: psci.CPUOn64, Args: [6]uint64{aff, 0x4000_0000, 0x1234}})
		if ret != psci.Success.Register() {
			return fmt.Errorf("CPU_ON = %#x", ret)
		}
		if info := c.Conduit.PSCI(psci.Call{Function: psci.AffinityInfo64, Args: [6]uint64{aff}}); info != 0 {
			return fmt.Errorf("AFFINITY_INFO = %#x, want ON", info)
		}
		if ret := c.Conduit.PSCI(psci.Call{Function: psci.CPUOn64, Args: [6]uint64{aff, 0x4000_0000, 0x1234}}); ret != psci.AlreadyOn.Register() {
			return fmt.Errorf("second CPU_ON = %#x", ret)
		}
		table := m.Bridge().Table()
		return hw.Poll(0, func() bool {
			if st, _ := table.State(2); st == lifecycle.On {
				return true
			}
			c.CPU.WaitForEvent()
			return false
		})
	}
	m, err := run(t, preset(t, "qemu-virt"), Options{
		Secondaries:    []affinity.CoreIndex{},
		Program:        program,
		PrimaryProgram: primary,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(params) != 1 || params[0] != (lifecycle.BootParams{EntryPoint: 0x4000_0000, ContextID: 0x1234}) {
		t.Fatalf("boot params = %+v", params)
	}
	if _, ok := m.Bridge().SecondaryBootParams(2); ok {
		t.Fatal("boot params consumed twice")
	}
	if st := m.States()[3]; st != lifecycle.Off {
		t.Fatalf("core 3 is %s", st)
	}
}

func TestSPIRouting(t *testing.T) {
	const spi = 40
	var handled, ended atomic.Int32
	var core atomic.Int32
	core.Store(-1)
	primary := func(ctx context.Context, m *Machine, c *boot.Core) error {
		m.OnEOI(spi, func() { ended.Add(1) })
		m.Line(spi).PulseInterrupt()
		return hw.Poll(0, func() bool {
			if handled.Load() == 1 {
				return true
			}
			c.CPU.WaitForEvent()
			return false
		})
	}
	m, err := run(t, preset(t, "qemu-virt"), Options{
		Secondaries: []affinity.CoreIndex{},
		IRQs: []boot.IRQRoute{{
			ID:      spi,
			Core:    0,
			Trigger: gic.TriggerEdge,
			Handler: func(idx affinity.CoreIndex, id gic.InterruptID) {
				core.Store(int32(idx))
				handled.Add(1)
			},
		}},
		PrimaryProgram: primary,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if core.Load() != 0 || ended.Load() != 1 {
		t.Fatalf("handled on core %d, %d EOIs", core.Load(), ended.Load())
	}
	if _, pending, active := m.GIC().State(0, spi); pending || active {
		t.Fatalf("SPI left pending=%v active=%v", pending, active)
	}
}

func TestStuckRedistributor(t *testing.T) {
	p := preset(t, "qemu-virt")
	p.SpinLimit = 256
	m, err := run(t, p, Options{
		Secondaries: []affinity.CoreIndex{3},
		StuckCores:  []affinity.CoreIndex{3},
	})
	if !errors.Is(err, hw.ErrTimeout) {
		t.Fatalf("Run = %v, want ErrTimeout", err)
	}
	if st := m.States()[3]; st != lifecycle.Off {
		t.Fatalf("core 3 is %s, want off", st)
	}
	if info, _ := m.Bridge().AffinityInfo(3); info != psci.AffinityOff {
		t.Fatalf("AFFINITY_INFO(3) = %d after failed start", info)
	}
}

func TestCPUOffThenOn(t *testing.T) {
	var (
		runs   atomic.Int32
		mu     sync.Mutex
		params []lifecycle.BootParams
	)
	program := func(ctx context.Context, c *boot.Core, p lifecycle.BootParams) error {
		mu.Lock()
		params = append(params, p)
		mu.Unlock()
		if runs.Add(1) == 1 {
			c.Conduit.PSCI(psci.Call{Function: psci.CPUOff})
			return errors.New("CPU_OFF returned")
		}
		return nil
	}
	primary := func(ctx context.Context, m *Machine, c *boot.Core) error {
		table := m.Bridge().Table()
		aff := uint64(m.System().Topology().MustAffinity(2))
		waitFor := func(what string, done func() bool) error {
			if err := hw.Poll(0, func() bool {
				if done() {
					return true
				}
				c.CPU.WaitForEvent()
				return false
			}); err != nil {
				return fmt.Errorf("%s: %w", what, err)
			}
			return nil
		}
		cpuOn := func(contextID uint64) error {
			ret := c.Conduit.PSCI(psci.Call{Function: psci.CPUOn64, Args: [6]uint64{aff, 0x4000_0000, contextID}})
			if ret != psci.Success.Register() {
				return fmt.Errorf("CPU_ON = %#x", ret)
			}
			return nil
		}

		if err := cpuOn(1); err != nil {
			return err
		}
		if err := waitFor("power down", func() bool {
			st, _ := table.State(2)
			return runs.Load() == 1 && st == lifecycle.Off
		}); err != nil {
			return err
		}
		if info := c.Conduit.PSCI(psci.Call{Function: psci.AffinityInfo64, Args: [6]uint64{aff}}); info != psci.AffinityOff {
			return fmt.Errorf("AFFINITY_INFO after CPU_OFF = %d", info)
		}
		if err := cpuOn(2); err != nil {
			return err
		}
		return waitFor("restart", func() bool {
			st, _ := table.State(2)
			return st == lifecycle.On
		})
	}
	m, err := run(t, preset(t, "qemu-virt"), Options{
		Secondaries:    []affinity.CoreIndex{},
		Program:        program,
		PrimaryProgram: primary,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if runs.Load() != 2 || len(params) != 2 || params[0].ContextID != 1 || params[1].ContextID != 2 {
		t.Fatalf("runs = %d, params = %+v", runs.Load(), params)
	}
	if st := m.States()[2]; st != lifecycle.On {
		t.Fatalf("core 2 is %s", st)
	}
}

func TestFatalTrapHalts(t *testing.T) {
	program := func(ctx context.Context, c *boot.Core, p lifecycle.BootParams) error {
		var frame exception.TrapFrame
		return c.CPU.(*Core).Raise(exception.LowerA64, exception.ClassDataAbortLower, 0, &frame)
	}
	idle := func(ctx context.Context, m *Machine, c *boot.Core) error {
		for {
			c.CPU.WaitForEvent()
		}
	}
	m, err := run(t, preset(t, "qemu-virt"), Options{
		Secondaries:    []affinity.CoreIndex{1},
		Program:        program,
		PrimaryProgram: idle,
	})
	if !errors.Is(err, ErrHalted) {
		t.Fatalf("Run = %v, want ErrHalted", err)
	}
	if out := m.Transcript(); !strings.Contains(out, "fatal exception on core 1: unhandled exception") {
		t.Fatalf("transcript = %q", out)
	}
}

func TestSystemOff(t *testing.T) {
	primary := func(ctx context.Context, m *Machine, c *boot.Core) error {
		c.Conduit.PSCI(psci.Call{Function: psci.SystemOff})
		return errors.New("SYSTEM_OFF returned")
	}
	if _, err := run(t, preset(t, "s32g3"), Options{
		Secondaries:    []affinity.CoreIndex{},
		PrimaryProgram: primary,
	}); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestTracedBringUp(t *testing.T) {
	var mem trace.Memory
	var clock atomic.Uint64
	tl := trace.New(&mem, func() uint64 { return clock.Add(1) })
	if _, err := run(t, preset(t, "qemu-virt"), Options{
		Trace:       tl,
		Secondaries: []affinity.CoreIndex{1, 2},
	}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	data := mem.Bytes()
	r, err := trace.NewReader(bytes.NewReader(data), bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	for _, tc := range []struct {
		kind trace.Kind
		want int
	}{
		{trace.KindPower, 4},
		{trace.KindSGI, 2},
	} {
		n, err := r.Count(trace.SearchOptions{Kinds: []trace.Kind{tc.kind}})
		if err != nil {
			t.Fatal(err)
		}
		if n != tc.want {
			t.Fatalf("%s events = %d, want %d", tc.kind, n, tc.want)
		}
	}
}
