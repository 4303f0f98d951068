package gic

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/bringup/internal/hw"
)

// Info is what the distributor identification registers report.
type Info struct {
	ArchRev uint8
	Lines   int
	IIDR    uint32
}

func (i Info) String() string {
	return fmt.Sprintf("GICv%d lines=%d iidr=%#08x", i.ArchRev, i.Lines, i.IIDR)
}

// distributor wraps the GICD register frame.
type distributor struct {
	bus   hw.Bus
	base  uint64
	spins int
}

func (d *distributor) read32(off uint64) uint32     { return d.bus.Read32(d.base + off) }
func (d *distributor) write32(off uint64, v uint32) { d.bus.Write32(d.base+off, v) }

// Identify reads the identification registers of the distributor at base.
func Identify(bus hw.Bus, base uint64) Info {
	typer := bus.Read32(base + gicdTyper)
	lines := int(typer&0x1F+1) * 32
	if lines > int(MaxInterrupts) {
		lines = int(MaxInterrupts)
	}
	return Info{
		ArchRev: uint8(bus.Read32(base+gicdPidr2)>>pidr2ArchRevShift) & pidr2ArchRevMask,
		Lines:   lines,
		IIDR:    bus.Read32(base + gicdIidr),
	}
}

func (d *distributor) waitRWP() error {
	if err := hw.Poll(d.spins, func() bool {
		return d.read32(gicdCtlr)&gicdCtlrRWP == 0
	}); err != nil {
		return fmt.Errorf("gic: distributor register write pending: %w", err)
	}
	return nil
}

func (d *distributor) enabled() bool {
	return d.read32(gicdCtlr)&gicdCtlrAreNS != 0
}

// configure disables the distributor, puts every SPI into a known state
// routed to route, and re-enables it with affinity routing.
func (d *distributor) configure(cpu hw.CPU, log *slog.Logger, priority uint8, route uint64) (Info, error) {
	info := Identify(d.bus, d.base)
	if info.ArchRev != 0 && info.ArchRev < 3 {
		return info, fmt.Errorf("%w: %s", ErrUnsupported, info)
	}

	d.write32(gicdCtlr, 0)
	if err := d.waitRWP(); err != nil {
		return info, err
	}

	prio := uint32(priority)
	prio |= prio<<8 | prio<<16 | prio<<24

	for id := uint64(ppiLimit); id < uint64(info.Lines); id += 32 {
		n := id / 32 * 4
		d.write32(gicdIcenabler+n, 0xFFFFFFFF)
		d.write32(gicdIcpendr+n, 0xFFFFFFFF)
		d.write32(gicdIcactiver+n, 0xFFFFFFFF)
		d.write32(gicdIgroupr+n, 0xFFFFFFFF)
		d.write32(gicdIgrpmodr+n, 0)
	}
	for id := uint64(ppiLimit); id < uint64(info.Lines); id += 16 {
		d.write32(gicdIcfgr+id/16*4, 0)
	}
	for id := uint64(ppiLimit); id < uint64(info.Lines); id += 4 {
		d.write32(gicdIpriorityr+id, prio)
	}
	for id := uint64(ppiLimit); id < uint64(info.Lines); id++ {
		d.bus.Write64(d.base+gicdIrouter+id*8, route)
	}
	if err := d.waitRWP(); err != nil {
		return info, err
	}

	d.write32(gicdCtlr, gicdCtlrAreNS|gicdCtlrEnableGrp1A|gicdCtlrEnableGrp1)
	if err := d.waitRWP(); err != nil {
		return info, err
	}
	cpu.Barrier(hw.BarrierDSB)
	cpu.Barrier(hw.BarrierISB)

	log.Debug("gic distributor enabled", "info", info.String(), "route", fmt.Sprintf("%#x", route))
	return info, nil
}
