package gic

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/bringup/internal/affinity"
	"github.com/tinyrange/bringup/internal/hw"
)

// Driver is one core's handle on the controller. Each core builds its own;
// the distributor behind them is shared.
type Driver struct {
	cfg  Config
	bus  hw.Bus
	cpu  hw.CPU
	topo affinity.Topology
	log  *slog.Logger

	self     affinity.CoreIndex
	selfAff  affinity.AffinityID
	dist     distributor
	redist   redistributor
	hasFrame bool
}

// New resolves the calling core and returns its driver. No registers other
// than MPIDR_EL1 are touched.
func New(cfg Config, bus hw.Bus, cpu hw.CPU, topo affinity.Topology, log *slog.Logger) (*Driver, error) {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()
	self, err := topo.Current(cpu)
	if err != nil {
		return nil, fmt.Errorf("gic: %w", err)
	}
	return &Driver{
		cfg:     cfg,
		bus:     bus,
		cpu:     cpu,
		topo:    topo,
		log:     log.With("core", uint32(self)),
		self:    self,
		selfAff: topo.MustAffinity(self),
		dist:    distributor{bus: bus, base: cfg.DistributorBase, spins: cfg.SpinLimit},
		redist:  redistributor{bus: bus, spins: cfg.SpinLimit},
	}, nil
}

// Core returns the index of the core that owns d.
func (d *Driver) Core() affinity.CoreIndex { return d.self }

// Identify reports the distributor identification registers.
func (d *Driver) Identify() Info { return Identify(d.bus, d.cfg.DistributorBase) }

// InitDistributor performs the one-time distributor setup. Only core 0
// may call it, and it must finish before any other core calls InitLocal.
func (d *Driver) InitDistributor() (Info, error) {
	if d.self != 0 {
		return Info{}, fmt.Errorf("%w: called on core %d", ErrNotPrimary, d.self)
	}
	return d.dist.configure(d.cpu, d.log, d.cfg.DefaultPriority, irouter(d.selfAff))
}

// DistributorEnabled reports whether affinity routing is on, which is the
// last step of InitDistributor.
func (d *Driver) DistributorEnabled() bool { return d.dist.enabled() }

func (d *Driver) frame() (*redistributor, error) {
	if !d.hasFrame {
		base, err := findRedistributor(d.bus, d.cfg.RedistributorBase, d.cfg.RedistributorStride, d.selfAff, d.topo.MaxCores())
		if err != nil {
			return nil, err
		}
		d.redist.base = base
		d.hasFrame = true
	}
	return &d.redist, nil
}

// InitLocal wakes this core's redistributor, configures its SGIs and PPIs
// and enables the CPU interface. The distributor must already be enabled.
func (d *Driver) InitLocal() error {
	if !d.dist.enabled() {
		return ErrNotConfigured
	}
	rd, err := d.frame()
	if err != nil {
		return err
	}
	if err := rd.wake(d.cpu); err != nil {
		return err
	}
	if err := rd.configure(d.cfg.DefaultPriority); err != nil {
		return err
	}
	initCPUInterface(d.cpu, d.cfg.PriorityMask)
	d.log.Debug("gic redistributor ready", "frame", fmt.Sprintf("%#x", rd.base))
	return nil
}

// Quiesce is the power-down half of InitLocal: it stops Group 1 delivery
// to this core and puts its redistributor back to sleep.
func (d *Driver) Quiesce() error {
	rd, err := d.frame()
	if err != nil {
		return err
	}
	d.cpu.WriteSysReg(hw.ICC_IGRPEN1_EL1, 0)
	d.cpu.Barrier(hw.BarrierISB)
	if err := rd.sleep(d.cpu); err != nil {
		return err
	}
	d.log.Debug("gic redistributor asleep", "frame", fmt.Sprintf("%#x", rd.base))
	return nil
}

// regAddr returns the register for id within a bank starting at off. Banked
// ids resolve to this core's SGI_base frame.
func (d *Driver) regAddr(id InterruptID, off uint64) (uint64, error) {
	if err := id.check(); err != nil {
		return 0, err
	}
	if id.Banked() {
		rd, err := d.frame()
		if err != nil {
			return 0, err
		}
		return rd.base + gicrSGIBase + off, nil
	}
	return d.cfg.DistributorBase + off, nil
}

// writeBit writes the single bit for id into a set/clear register bank.
func (d *Driver) writeBit(id InterruptID, off uint64) error {
	base, err := d.regAddr(id, off)
	if err != nil {
		return err
	}
	d.bus.Write32(base+uint64(id)/32*4, 1<<(uint32(id)%32))
	return nil
}

// Enable unmasks id at the controller.
func (d *Driver) Enable(id InterruptID) error {
	return d.writeBit(id, gicdIsenabler)
}

// Disable masks id and waits for the write to take effect.
func (d *Driver) Disable(id InterruptID) error {
	if err := d.writeBit(id, gicdIcenabler); err != nil {
		return err
	}
	if id.Banked() {
		return d.redist.waitRWP()
	}
	return d.dist.waitRWP()
}

// SetPending marks id pending. For SGIs prefer Signal.
func (d *Driver) SetPending(id InterruptID) error {
	return d.writeBit(id, gicdIspendr)
}

// ClearPending clears a pending id.
func (d *Driver) ClearPending(id InterruptID) error {
	return d.writeBit(id, gicdIcpendr)
}

// SetPriority sets the priority byte of id. Lower values are more urgent.
func (d *Driver) SetPriority(id InterruptID, priority uint8) error {
	base, err := d.regAddr(id, gicdIpriorityr)
	if err != nil {
		return err
	}
	d.bus.Write8(base+uint64(id), priority)
	return nil
}

// Priority returns the priority byte of id.
func (d *Driver) Priority(id InterruptID) (uint8, error) {
	base, err := d.regAddr(id, gicdIpriorityr)
	if err != nil {
		return 0, err
	}
	return d.bus.Read8(base + uint64(id)), nil
}

// SetTrigger configures id as level or edge triggered. SGIs are always
// edge triggered and are rejected. The ICFGR update is a read-modify-write
// of a register shared by 16 ids, so configure triggers before enabling.
func (d *Driver) SetTrigger(id InterruptID, trigger Trigger) error {
	if id < sgiLimit {
		return fmt.Errorf("%w: SGI %d trigger is fixed", ErrInvalidInterrupt, uint32(id))
	}
	base, err := d.regAddr(id, gicdIcfgr)
	if err != nil {
		return err
	}
	addr := base + uint64(id)/16*4
	bit := uint32(2) << (uint32(id) % 16 * 2)
	v := d.bus.Read32(addr)
	if trigger == TriggerEdge {
		v |= bit
	} else {
		v &^= bit
	}
	d.bus.Write32(addr, v)
	return nil
}

// Route directs SPI id to target.
func (d *Driver) Route(id InterruptID, target affinity.CoreIndex) error {
	if err := id.check(); err != nil {
		return err
	}
	if id.Kind() != KindSPI {
		return fmt.Errorf("%w: %s cannot be routed", ErrInvalidInterrupt, id)
	}
	aff, err := d.topo.ToAffinity(target)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	d.bus.Write64(d.cfg.DistributorBase+gicdIrouter+uint64(id)*8, irouter(aff))
	return nil
}

// Acknowledge reads ICC_IAR1_EL1. The result may be spurious; callers must
// not pass a spurious id to End.
func (d *Driver) Acknowledge() InterruptID {
	return InterruptID(d.cpu.ReadSysReg(hw.ICC_IAR1_EL1) & iarINTIDMask)
}

// Pending peeks at the highest-priority pending interrupt without
// acknowledging it.
func (d *Driver) Pending() InterruptID {
	return InterruptID(d.cpu.ReadSysReg(hw.ICC_HPPIR1_EL1) & iarINTIDMask)
}

// End signals completion of an acknowledged interrupt.
func (d *Driver) End(id InterruptID) error {
	if err := id.check(); err != nil {
		return err
	}
	d.cpu.WriteSysReg(hw.ICC_EOIR1_EL1, uint64(id))
	return nil
}

// SetPriorityMask writes ICC_PMR_EL1.
func (d *Driver) SetPriorityMask(mask uint8) {
	d.cpu.WriteSysReg(hw.ICC_PMR_EL1, uint64(mask))
}

func (d *Driver) sendSGI(value uint64) {
	// Prior stores must be visible to the target before the SGI arrives.
	d.cpu.Barrier(hw.BarrierDSBISH)
	d.cpu.WriteSysReg(hw.ICC_SGI1R_EL1, value)
	d.cpu.Barrier(hw.BarrierISB)
}

func checkSGI(sgi InterruptID) error {
	if sgi >= sgiLimit {
		return fmt.Errorf("%w: %d", ErrInvalidSGI, uint32(sgi))
	}
	return nil
}

// Signal sends software-generated interrupt sgi to one core.
func (d *Driver) Signal(target affinity.CoreIndex, sgi InterruptID) error {
	if err := checkSGI(sgi); err != nil {
		return err
	}
	aff, err := d.topo.ToAffinity(target)
	if err != nil {
		return fmt.Errorf("%w: core %d", ErrInvalidTarget, target)
	}
	v, err := sgi1r(sgi, aff, false)
	if err != nil {
		return err
	}
	d.sendSGI(v)
	return nil
}

// SignalAllButSelf broadcasts sgi to every core except the caller.
func (d *Driver) SignalAllButSelf(sgi InterruptID) error {
	if err := checkSGI(sgi); err != nil {
		return err
	}
	v, _ := sgi1r(sgi, 0, true)
	d.sendSGI(v)
	return nil
}

// SignalAll broadcasts sgi to every core including the caller.
func (d *Driver) SignalAll(sgi InterruptID) error {
	if err := d.SignalAllButSelf(sgi); err != nil {
		return err
	}
	return d.Signal(d.self, sgi)
}
