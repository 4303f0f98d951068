package boot

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/tinyrange/bringup/internal/affinity"
	"github.com/tinyrange/bringup/internal/chipset"
	"github.com/tinyrange/bringup/internal/devices/pl011"
	"github.com/tinyrange/bringup/internal/devices/ram"
	"github.com/tinyrange/bringup/internal/exception"
	"github.com/tinyrange/bringup/internal/gic"
	"github.com/tinyrange/bringup/internal/gic/gicemu"
	"github.com/tinyrange/bringup/internal/hw"
	"github.com/tinyrange/bringup/internal/hw/hwtest"
	"github.com/tinyrange/bringup/internal/lifecycle"
	"github.com/tinyrange/bringup/internal/platform"
	"github.com/tinyrange/bringup/internal/psci"
)

type bridgeConduit struct {
	bridge *psci.Bridge
	cpu    hw.CPU
}

func (c bridgeConduit) PSCI(call psci.Call) uint64 { return c.bridge.Handle(c.cpu, call) }

type rig struct {
	plat   platform.Platform
	topo   affinity.Topology
	bus    *chipset.Chipset
	emu    *gicemu.GIC
	mem    *ram.Device
	out    *bytes.Buffer
	bridge *psci.Bridge
	cpus   []*hwtest.CPU
	sys    *System
}

func newRig(t *testing.T, entry EntryFunc, secondaries ...affinity.CoreIndex) *rig {
	t.Helper()
	plat, err := platform.Preset("qemu-virt")
	if err != nil {
		t.Fatal(err)
	}
	plat.SpinLimit = 64
	plat.Boot.HeapSize = 0x1000
	topo, err := plat.AffinityTopology()
	if err != nil {
		t.Fatal(err)
	}
	r := &rig{plat: plat, topo: topo, out: &bytes.Buffer{}}
	r.emu, err = gicemu.New(gicemu.Config{
		DistributorBase:   plat.GIC.Distributor,
		RedistributorBase: plat.GIC.Redistributor,
		Topology:          topo,
		Lines:             plat.GIC.Lines,
	})
	if err != nil {
		t.Fatal(err)
	}
	r.mem = ram.New(plat.Memory.Base, plat.Memory.Size)
	b := chipset.NewBuilder()
	for name, dev := range map[string]chipset.Device{
		"gic":  r.emu,
		"ram":  r.mem,
		"uart": pl011.New(plat.UART.Base, r.out, 0),
	} {
		if err := b.RegisterDevice(name, dev); err != nil {
			t.Fatal(err)
		}
	}
	if r.bus, err = b.Build(); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < topo.MaxCores(); i++ {
		index := affinity.CoreIndex(i)
		cpu := hwtest.NewCPU(uint64(topo.MustAffinity(index)))
		cpu.ReadHook = func(reg hw.SysReg) (uint64, bool) { return r.emu.ReadSysReg(index, reg) }
		cpu.WriteHook = func(reg hw.SysReg, v uint64) { r.emu.WriteSysReg(index, reg, v) }
		// Deliver one pending IRQ per wait, as the core would on WFE exit.
		cpu.WaitHook = func() {
			if !r.emu.IRQPending(index) {
				return
			}
			d, err := r.sys.Dispatcher(index)
			if err != nil {
				return
			}
			d.Handle(exception.SlotOf(exception.CurrentSPx, exception.IRQ), &exception.TrapFrame{})
		}
		r.cpus = append(r.cpus, cpu)
	}

	table := lifecycle.NewTable(topo.MaxCores(), 0)
	r.bridge = psci.New(psci.Config{}, topo, table, psci.EventPlatform{}, nil, nil)
	r.sys, err = New(Config{
		Platform:    plat,
		Bus:         r.bus,
		Bridge:      r.bridge,
		Secondaries: secondaries,
		Entry:       entry,
	})
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func (r *rig) conduit(i int) Conduit {
	return bridgeConduit{bridge: r.bridge, cpu: r.cpus[i]}
}

func TestPrimary(t *testing.T) {
	r := newRig(t, nil, []affinity.CoreIndex{}...)
	c, err := r.sys.Primary(context.Background(), r.cpus[0], r.conduit(0))
	if err != nil {
		t.Fatalf("Primary: %v", err)
	}
	if c.Index != 0 {
		t.Fatalf("core = %d", c.Index)
	}
	if !r.emu.DistributorEnabled() {
		t.Fatal("distributor not enabled")
	}
	if enabled, _, _ := r.emu.State(0, uint32(IPI)); !enabled {
		t.Fatal("IPI not enabled on core 0")
	}
	if got := r.cpus[0].Get(hw.VBAR_EL1); got != r.plat.Boot.Vectors {
		t.Fatalf("VBAR = %#x, want %#x", got, r.plat.Boot.Vectors)
	}
	if r.cpus[0].DAIF().IRQMasked() {
		t.Fatal("primary left IRQs masked")
	}

	code := r.sys.Vectors().Bytes()
	for _, off := range []int{0, 0x280, 0x7FC, len(code) - 4} {
		var want uint32
		for i := 3; i >= 0; i-- {
			want = want<<8 | uint32(code[off+i])
		}
		if got := r.bus.Read32(r.plat.Boot.Vectors + uint64(off)); got != want {
			t.Fatalf("vector word at %#x = %#08x, want %#08x", off, got, want)
		}
	}
}

func TestPrimaryRejectsSecondary(t *testing.T) {
	r := newRig(t, nil)
	_, err := r.sys.Primary(context.Background(), r.cpus[1], r.conduit(1))
	if !errors.Is(err, ErrNotPrimary) {
		t.Fatalf("err = %v, want ErrNotPrimary", err)
	}
}

func TestPrimaryReportsRefusedStart(t *testing.T) {
	r := newRig(t, nil, 2)
	table := r.bridge.Table()
	if err := table.Request(r.cpus[0], 2, lifecycle.BootParams{EntryPoint: 0x1000}); err != nil {
		t.Fatal(err)
	}
	_, err := r.sys.Primary(context.Background(), r.cpus[0], r.conduit(0))
	if !errors.Is(err, ErrStartFailed) {
		t.Fatalf("err = %v, want ErrStartFailed", err)
	}
}

func TestSecondaryBringUp(t *testing.T) {
	var got lifecycle.BootParams
	entry := func(ctx context.Context, c *Core, params lifecycle.BootParams) error {
		got = params
		return c.Signal(0)
	}
	r := newRig(t, entry, 3)
	ctx := context.Background()
	primary, err := r.sys.Primary(ctx, r.cpus[0], r.conduit(0))
	if err != nil {
		t.Fatalf("Primary: %v", err)
	}
	if st, _ := r.bridge.Table().State(3); st != lifecycle.Pending {
		t.Fatalf("core 3 is %s after CPU_ON", st)
	}
	if err := r.sys.Secondary(ctx, r.cpus[3], r.conduit(3)); err != nil {
		t.Fatalf("Secondary: %v", err)
	}
	if got.EntryPoint != r.plat.Boot.SecondaryEntry || got.ContextID != 3 {
		t.Fatalf("boot params = %+v", got)
	}
	if _, ok := r.bridge.SecondaryBootParams(3); ok {
		t.Fatal("boot params readable twice")
	}
	if err := r.sys.WaitOnline(ctx, primary); err != nil {
		t.Fatalf("WaitOnline: %v", err)
	}
	if err := r.sys.WaitIPIs(ctx, primary, 1); err != nil {
		t.Fatalf("WaitIPIs: %v", err)
	}
	if n := r.sys.IPIs(0); n != 1 {
		t.Fatalf("core 0 took %d IPIs", n)
	}
	if got := r.cpus[3].Get(hw.VBAR_EL1); got != r.plat.Boot.Vectors {
		t.Fatalf("secondary VBAR = %#x", got)
	}
	if r.emu.Priority(3, uint32(IPI)) != gic.DefaultPriority {
		t.Fatalf("IPI priority = %#x", r.emu.Priority(3, uint32(IPI)))
	}
}

func TestSecondaryNeverReleased(t *testing.T) {
	r := newRig(t, nil, []affinity.CoreIndex{}...)
	err := r.sys.Secondary(context.Background(), r.cpus[4], r.conduit(4))
	if !errors.Is(err, hw.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestWaitOnlineTimesOut(t *testing.T) {
	r := newRig(t, nil, 1)
	primary, err := r.sys.Primary(context.Background(), r.cpus[0], r.conduit(0))
	if err != nil {
		t.Fatal(err)
	}
	err = r.sys.WaitOnline(context.Background(), primary)
	if !errors.Is(err, ErrNeverStarted) {
		t.Fatalf("err = %v, want ErrNeverStarted", err)
	}
}

func TestSupervisorCalls(t *testing.T) {
	r := newRig(t, nil, []affinity.CoreIndex{}...)
	if _, err := r.sys.Primary(context.Background(), r.cpus[0], r.conduit(0)); err != nil {
		t.Fatal(err)
	}
	for _, b := range []byte("hi") {
		r.sys.SVC().Call(0, 1, [3]uint64{uint64(b)})
	}
	if r.out.String() != "hi" {
		t.Fatalf("console = %q", r.out.String())
	}
	if addr := r.sys.SVC().Call(0, 2, [3]uint64{24}); addr != r.plat.HeapBase() {
		t.Fatalf("MEM_ALLOC = %#x, want %#x", addr, r.plat.HeapBase())
	}
}

// runUntilHalt runs Secondary on core i and reports whether the core
// halted instead of returning.
func (r *rig) runUntilHalt(t *testing.T, i int) (halted bool, err error) {
	t.Helper()
	defer func() {
		if v := recover(); v != nil {
			if _, ok := v.(hwtest.Halted); !ok {
				panic(v)
			}
			halted = true
		}
	}()
	return false, r.sys.Secondary(context.Background(), r.cpus[i], r.conduit(i))
}

func (r *rig) waker(core int) uint32 {
	return r.bus.Read32(r.plat.GIC.Redistributor + uint64(core)*gic.RedistributorStride + 0x14)
}

func TestSecondaryStartFailureRollsBack(t *testing.T) {
	r := newRig(t, nil, 3)
	r.emu.SetStuckAsleep(3, true)
	if _, err := r.sys.Primary(context.Background(), r.cpus[0], r.conduit(0)); err != nil {
		t.Fatal(err)
	}
	err := r.sys.Secondary(context.Background(), r.cpus[3], r.conduit(3))
	if !errors.Is(err, hw.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if st, _ := r.bridge.Table().State(3); st != lifecycle.Off {
		t.Fatalf("core 3 is %s after failed start", st)
	}
	if _, err := r.sys.Core(3); !errors.Is(err, ErrNotBooted) {
		t.Fatalf("Core(3) = %v", err)
	}

	r.emu.SetStuckAsleep(3, false)
	aff := uint64(r.topo.MustAffinity(3))
	ret := r.conduit(0).PSCI(psci.Call{Function: psci.CPUOn64, Args: [6]uint64{aff, r.plat.Boot.SecondaryEntry, 3}})
	if ret != psci.Success.Register() {
		t.Fatalf("retried CPU_ON = %#x", ret)
	}
	if err := r.sys.Secondary(context.Background(), r.cpus[3], r.conduit(3)); err != nil {
		t.Fatalf("Secondary after retry: %v", err)
	}
	if st, _ := r.bridge.Table().State(3); st != lifecycle.On {
		t.Fatalf("core 3 is %s after retry", st)
	}
}

func TestCPUOffThenOn(t *testing.T) {
	runs := 0
	entry := func(ctx context.Context, c *Core, params lifecycle.BootParams) error {
		runs++
		if runs == 1 {
			c.Conduit.PSCI(psci.Call{Function: psci.CPUOff})
			return errors.New("CPU_OFF returned")
		}
		return nil
	}
	r := newRig(t, entry, 2)
	if _, err := r.sys.Primary(context.Background(), r.cpus[0], r.conduit(0)); err != nil {
		t.Fatal(err)
	}
	halted, err := r.runUntilHalt(t, 2)
	if !halted {
		t.Fatalf("core 2 did not power down: %v", err)
	}
	if st, _ := r.bridge.Table().State(2); st != lifecycle.Off {
		t.Fatalf("core 2 is %s after CPU_OFF", st)
	}
	if w := r.waker(2); w&0x6 != 0x6 {
		t.Fatalf("WAKER after CPU_OFF = %#x, want asleep", w)
	}
	if _, err := r.sys.Core(2); !errors.Is(err, ErrNotBooted) {
		t.Fatalf("Core(2) = %v", err)
	}

	aff := uint64(r.topo.MustAffinity(2))
	ret := r.conduit(0).PSCI(psci.Call{Function: psci.CPUOn64, Args: [6]uint64{aff, r.plat.Boot.SecondaryEntry, 7}})
	if ret != psci.Success.Register() {
		t.Fatalf("second CPU_ON = %#x", ret)
	}
	if halted, err := r.runUntilHalt(t, 2); halted || err != nil {
		t.Fatalf("restart halted=%v err=%v", halted, err)
	}
	if st, _ := r.bridge.Table().State(2); st != lifecycle.On {
		t.Fatalf("core 2 is %s after restart", st)
	}
	if w := r.waker(2); w&0x6 != 0 {
		t.Fatalf("WAKER after restart = %#x", w)
	}
	if runs != 2 {
		t.Fatalf("entry ran %d times", runs)
	}
}
