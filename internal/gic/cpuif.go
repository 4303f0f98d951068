package gic

import (
	"fmt"

	"github.com/tinyrange/bringup/internal/affinity"
	"github.com/tinyrange/bringup/internal/hw"
)

// initCPUInterface enables the system-register interface and Group 1
// delivery on the calling core.
func initCPUInterface(cpu hw.CPU, mask uint8) {
	sre := cpu.ReadSysReg(hw.ICC_SRE_EL1)
	cpu.WriteSysReg(hw.ICC_SRE_EL1, sre|iccSreSRE|iccSreDFB|iccSreDIB)
	cpu.Barrier(hw.BarrierISB)

	cpu.WriteSysReg(hw.ICC_PMR_EL1, uint64(mask))
	cpu.WriteSysReg(hw.ICC_BPR1_EL1, 0)
	cpu.WriteSysReg(hw.ICC_CTLR_EL1, 0)
	cpu.WriteSysReg(hw.ICC_IGRPEN1_EL1, 1)
	cpu.Barrier(hw.BarrierISB)
}

// sgi1r builds an ICC_SGI1R_EL1 value. When broadcast is set the affinity
// and target list are ignored by hardware and left zero.
func sgi1r(sgi InterruptID, target affinity.AffinityID, broadcast bool) (uint64, error) {
	v := uint64(sgi) << sgi1rINTIDShift
	if broadcast {
		return v | sgi1rIRM, nil
	}
	if target.Aff0() >= 16 {
		return 0, fmt.Errorf("%w: %s has Aff0 beyond the SGI target list", ErrInvalidTarget, target)
	}
	v |= uint64(1) << target.Aff0() & sgi1rTargetListMask
	v |= uint64(target.Aff1()) << sgi1rAff1Shift
	v |= uint64(target.Aff2()) << sgi1rAff2Shift
	v |= uint64(target.Aff3()) << sgi1rAff3Shift
	return v, nil
}
