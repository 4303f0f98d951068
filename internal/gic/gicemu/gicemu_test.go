package gicemu_test

import (
	"errors"
	"testing"

	"github.com/tinyrange/bringup/internal/affinity"
	"github.com/tinyrange/bringup/internal/chipset"
	"github.com/tinyrange/bringup/internal/gic"
	"github.com/tinyrange/bringup/internal/gic/gicemu"
	"github.com/tinyrange/bringup/internal/hw"
	"github.com/tinyrange/bringup/internal/hw/hwtest"
)

const (
	distBase   = 0x0800_0000
	redistBase = 0x080A_0000
)

var topo = affinity.Topology{Clusters: 2, CoresPerCluster: 2}

type rig struct {
	emu     *gicemu.GIC
	bus     *chipset.Chipset
	cpus    []*hwtest.CPU
	drivers []*gic.Driver
}

func newRig(t *testing.T, cfg gicemu.Config) *rig {
	t.Helper()
	cfg.DistributorBase = distBase
	cfg.RedistributorBase = redistBase
	cfg.Topology = topo
	emu, err := gicemu.New(cfg)
	if err != nil {
		t.Fatalf("gicemu.New: %v", err)
	}
	b := chipset.NewBuilder()
	if err := b.RegisterDevice("gic", emu); err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}
	bus, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	r := &rig{emu: emu, bus: bus}
	for i := 0; i < topo.MaxCores(); i++ {
		index := affinity.CoreIndex(i)
		cpu := hwtest.NewCPU(uint64(topo.MustAffinity(index)))
		cpu.ReadHook = func(reg hw.SysReg) (uint64, bool) { return emu.ReadSysReg(index, reg) }
		cpu.WriteHook = func(reg hw.SysReg, v uint64) { emu.WriteSysReg(index, reg, v) }
		d, err := gic.New(gic.Config{
			DistributorBase:   distBase,
			RedistributorBase: redistBase,
			SpinLimit:         64,
		}, bus, cpu, topo, nil)
		if err != nil {
			t.Fatalf("gic.New(core %d): %v", i, err)
		}
		r.cpus = append(r.cpus, cpu)
		r.drivers = append(r.drivers, d)
	}
	return r
}

func (r *rig) bringUp(t *testing.T) {
	t.Helper()
	if _, err := r.drivers[0].InitDistributor(); err != nil {
		t.Fatalf("InitDistributor: %v", err)
	}
	for i, d := range r.drivers {
		if err := d.InitLocal(); err != nil {
			t.Fatalf("InitLocal(core %d): %v", i, err)
		}
	}
}

func TestSGIDelivery(t *testing.T) {
	r := newRig(t, gicemu.Config{Lines: 64})
	r.bringUp(t)

	if err := r.drivers[3].Enable(5); err != nil {
		t.Fatal(err)
	}
	if err := r.drivers[0].Signal(3, 5); err != nil {
		t.Fatal(err)
	}
	if !r.emu.IRQPending(3) {
		t.Fatal("core 3 has no pending IRQ after Signal")
	}
	if r.emu.IRQPending(1) {
		t.Fatal("core 1 saw an SGI addressed to core 3")
	}

	id := r.drivers[3].Acknowledge()
	if id != 5 {
		t.Fatalf("Acknowledge = %s, want sgi5", id)
	}
	if _, _, active := r.emu.State(3, 5); !active {
		t.Fatal("SGI not active after acknowledge")
	}
	if err := r.drivers[3].End(id); err != nil {
		t.Fatal(err)
	}
	if _, pending, active := r.emu.State(3, 5); pending || active {
		t.Fatal("SGI still pending or active after End")
	}
	if got := r.drivers[3].Acknowledge(); !got.IsSpurious() {
		t.Fatalf("second Acknowledge = %s", got)
	}
}

func TestSGIBroadcast(t *testing.T) {
	r := newRig(t, gicemu.Config{})
	r.bringUp(t)
	for _, d := range r.drivers {
		if err := d.Enable(1); err != nil {
			t.Fatal(err)
		}
	}
	if err := r.drivers[2].SignalAllButSelf(1); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < topo.MaxCores(); i++ {
		want := i != 2
		if got := r.emu.IRQPending(affinity.CoreIndex(i)); got != want {
			t.Fatalf("core %d pending = %v, want %v", i, got, want)
		}
	}
}

func TestSPIRoutingAndPriority(t *testing.T) {
	r := newRig(t, gicemu.Config{Lines: 96})
	r.bringUp(t)

	d := r.drivers[0]
	if err := d.Route(40, 1); err != nil {
		t.Fatal(err)
	}
	if err := d.Enable(40); err != nil {
		t.Fatal(err)
	}
	r.emu.SetIRQ(40, true)
	if r.emu.IRQPending(0) {
		t.Fatal("SPI routed to core 1 is pending on core 0")
	}
	if id := r.drivers[1].Acknowledge(); id != 40 {
		t.Fatalf("core 1 acknowledged %s, want spi40", id)
	}
	if err := r.drivers[1].End(40); err != nil {
		t.Fatal(err)
	}

	// A priority value at or above the mask is never signalled.
	if err := d.SetPriority(41, 0xF8); err != nil {
		t.Fatal(err)
	}
	if err := d.Enable(41); err != nil {
		t.Fatal(err)
	}
	r.emu.SetIRQ(41, true)
	if r.emu.IRQPending(0) {
		t.Fatal("priority 0xF8 interrupt passed PMR 0xF0")
	}
	r.drivers[0].SetPriorityMask(0xFF)
	if id := r.drivers[0].Acknowledge(); id != 41 {
		t.Fatalf("after lowering the mask Acknowledge = %s", id)
	}
}

func TestPreemptionByPriority(t *testing.T) {
	r := newRig(t, gicemu.Config{})
	r.bringUp(t)
	d := r.drivers[0]
	for _, id := range []gic.InterruptID{2, 3} {
		if err := d.Enable(id); err != nil {
			t.Fatal(err)
		}
	}
	if err := d.SetPriority(3, 0x20); err != nil {
		t.Fatal(err)
	}
	if err := d.SignalAll(2); err != nil {
		t.Fatal(err)
	}
	if id := d.Acknowledge(); id != 2 {
		t.Fatalf("Acknowledge = %s", id)
	}
	// Same priority cannot preempt; a more urgent one can.
	if err := d.Signal(0, 2); err != nil {
		t.Fatal(err)
	}
	if r.emu.IRQPending(0) {
		t.Fatal("equal priority preempted the active interrupt")
	}
	if err := d.Signal(0, 3); err != nil {
		t.Fatal(err)
	}
	if id := d.Acknowledge(); id != 3 {
		t.Fatalf("nested Acknowledge = %s, want sgi3", id)
	}
}

func TestWakeDelay(t *testing.T) {
	r := newRig(t, gicemu.Config{WakeDelay: 10})
	r.bringUp(t)
}

func TestWakeStuck(t *testing.T) {
	r := newRig(t, gicemu.Config{})
	r.emu.SetStuckAsleep(1, true)
	if _, err := r.drivers[0].InitDistributor(); err != nil {
		t.Fatal(err)
	}
	if err := r.drivers[1].InitLocal(); !errors.Is(err, hw.ErrTimeout) {
		t.Fatalf("InitLocal on a stuck redistributor = %v", err)
	}
}

func TestDisabledInterruptNotDelivered(t *testing.T) {
	r := newRig(t, gicemu.Config{})
	r.bringUp(t)
	if err := r.drivers[0].Signal(0, 9); err != nil {
		t.Fatal(err)
	}
	if r.emu.IRQPending(0) {
		t.Fatal("disabled SGI was delivered")
	}
	if err := r.drivers[0].Enable(9); err != nil {
		t.Fatal(err)
	}
	if !r.emu.IRQPending(0) {
		t.Fatal("pending SGI not delivered once enabled")
	}
}

func TestEOIForwarding(t *testing.T) {
	r := newRig(t, gicemu.Config{})
	lines := chipset.NewLineSet(r.emu)
	r.emu.AttachEOITarget(lines)
	r.bringUp(t)

	var completed int
	lines.RegisterEOICallback(50, func() { completed++ })
	line := lines.AllocateLine(50)

	if err := r.drivers[0].Enable(50); err != nil {
		t.Fatal(err)
	}
	line.SetLevel(true)
	id := r.drivers[0].Acknowledge()
	if id != 50 {
		t.Fatalf("Acknowledge = %s", id)
	}
	if err := r.drivers[0].End(id); err != nil {
		t.Fatal(err)
	}
	if completed != 1 {
		t.Fatalf("EOI callbacks = %d", completed)
	}
}

func TestDistributorTyper(t *testing.T) {
	r := newRig(t, gicemu.Config{Lines: 128})
	info := r.drivers[0].Identify()
	if info.Lines != 128 || info.ArchRev != 3 {
		t.Fatalf("Identify = %s", info)
	}
}
