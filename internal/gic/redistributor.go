package gic

import (
	"fmt"

	"github.com/tinyrange/bringup/internal/affinity"
	"github.com/tinyrange/bringup/internal/hw"
)

// redistributor is one core's RD_base/SGI_base frame pair.
type redistributor struct {
	bus   hw.Bus
	base  uint64
	spins int
}

func (r *redistributor) read32(off uint64) uint32     { return r.bus.Read32(r.base + off) }
func (r *redistributor) write32(off uint64, v uint32) { r.bus.Write32(r.base+off, v) }

// typerAffinity packs an affinity id the way GICR_TYPER[63:32] reports it.
func typerAffinity(id affinity.AffinityID) uint64 {
	return uint64(id.Aff3())<<24 | uint64(id.Aff2())<<16 | uint64(id.Aff1())<<8 | uint64(id.Aff0())
}

// irouter packs an affinity id into GICD_IROUTER<n> with IRM clear.
func irouter(id affinity.AffinityID) uint64 {
	return uint64(id.Aff3())<<32 | uint64(id.Aff2())<<16 | uint64(id.Aff1())<<8 | uint64(id.Aff0())
}

// findRedistributor walks the frames from base until one reports aff, or
// until the frame marked Last. At most limit frames are inspected.
func findRedistributor(bus hw.Bus, base, stride uint64, aff affinity.AffinityID, limit int) (uint64, error) {
	want := typerAffinity(aff)
	for i := 0; i < limit; i++ {
		frame := base + uint64(i)*stride
		typer := bus.Read64(frame + gicrTyper)
		if typer>>gicrTyperAffinShift == want {
			return frame, nil
		}
		if typer&gicrTyperLast != 0 {
			break
		}
	}
	return 0, fmt.Errorf("%w: affinity %s", ErrNoRedistributor, aff)
}

// wake clears ProcessorSleep and waits for ChildrenAsleep to drop.
func (r *redistributor) wake(cpu hw.CPU) error {
	waker := r.read32(gicrWaker)
	r.write32(gicrWaker, waker&^gicrWakerProcessorSleep)
	cpu.Barrier(hw.BarrierDSB)
	if err := hw.Poll(r.spins, func() bool {
		return r.read32(gicrWaker)&gicrWakerChildrenAsleep == 0
	}); err != nil {
		return fmt.Errorf("gic: redistributor at %#x did not wake: %w", r.base, err)
	}
	return nil
}

// sleep sets ProcessorSleep and waits for the redistributor to report
// ChildrenAsleep.
func (r *redistributor) sleep(cpu hw.CPU) error {
	waker := r.read32(gicrWaker)
	r.write32(gicrWaker, waker|gicrWakerProcessorSleep)
	cpu.Barrier(hw.BarrierDSB)
	if err := hw.Poll(r.spins, func() bool {
		return r.read32(gicrWaker)&gicrWakerChildrenAsleep != 0
	}); err != nil {
		return fmt.Errorf("gic: redistributor at %#x did not sleep: %w", r.base, err)
	}
	return nil
}

func (r *redistributor) waitRWP() error {
	if err := hw.Poll(r.spins, func() bool {
		return r.read32(gicrCtlr)&gicrCtlrRWP == 0
	}); err != nil {
		return fmt.Errorf("gic: redistributor register write pending: %w", err)
	}
	return nil
}

// configure leaves every SGI and PPI disabled, inactive, non-pending,
// Group 1 Non-secure, level-triggered (PPIs) and at priority.
func (r *redistributor) configure(priority uint8) error {
	r.write32(gicrIcenabler0, 0xFFFFFFFF)
	r.write32(gicrIcpendr0, 0xFFFFFFFF)
	r.write32(gicrIcactiver0, 0xFFFFFFFF)
	if err := r.waitRWP(); err != nil {
		return err
	}
	r.write32(gicrIgroupr0, 0xFFFFFFFF)
	r.write32(gicrIgrpmodr0, 0)
	r.write32(gicrIcfgr1, 0)

	prio := uint32(priority)
	prio |= prio<<8 | prio<<16 | prio<<24
	for id := uint64(0); id < uint64(ppiLimit); id += 4 {
		r.write32(gicrIpriorityr+id, prio)
	}
	return nil
}
