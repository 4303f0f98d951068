//go:build arm64 && baremetal

package baremetal

import (
	"fmt"

	"github.com/tinyrange/bringup/internal/hw"
)

func readMPIDR() uint64
func readCurrentEL() uint64
func readESR() uint64
func readFAR() uint64
func readELR() uint64
func writeELR(v uint64)
func readSPSR() uint64
func writeSPSR(v uint64)
func readVBAR() uint64
func writeVBAR(v uint64)
func readTPIDR() uint64
func writeTPIDR(v uint64)
func readDAIF() uint64
func writeDAIF(v uint64)
func readCNTFRQ() uint64
func readCNTVCT() uint64
func writeCNTVCTL(v uint64)
func writeCNTVTVAL(v uint64)

func readICCPMR() uint64
func writeICCPMR(v uint64)
func readICCRPR() uint64
func writeICCSGI1R(v uint64)
func readICCIAR1() uint64
func writeICCEOIR1(v uint64)
func readICCHPPIR1() uint64
func readICCBPR1() uint64
func writeICCBPR1(v uint64)
func readICCCTLR() uint64
func writeICCCTLR(v uint64)
func readICCSRE() uint64
func writeICCSRE(v uint64)
func readICCIGRPEN1() uint64
func writeICCIGRPEN1(v uint64)

func dsbSY()
func dsbISH()
func dmbISH()
func isb()
func maskIRQFIQ()
func unmaskIRQFIQ()
func wfe()
func sev()
func halt()

// CPU executes privileged instructions on the calling core.
type CPU struct{}

func (CPU) ReadSysReg(reg hw.SysReg) uint64 {
	switch reg {
	case hw.MPIDR_EL1:
		return readMPIDR()
	case hw.CurrentEL:
		return readCurrentEL()
	case hw.ESR_EL1:
		return readESR()
	case hw.FAR_EL1:
		return readFAR()
	case hw.ELR_EL1:
		return readELR()
	case hw.SPSR_EL1:
		return readSPSR()
	case hw.VBAR_EL1:
		return readVBAR()
	case hw.TPIDR_EL1:
		return readTPIDR()
	case hw.DAIFReg:
		return readDAIF()
	case hw.CNTFRQ_EL0:
		return readCNTFRQ()
	case hw.CNTVCT_EL0:
		return readCNTVCT()
	case hw.ICC_PMR_EL1:
		return readICCPMR()
	case hw.ICC_RPR_EL1:
		return readICCRPR()
	case hw.ICC_IAR1_EL1:
		return readICCIAR1()
	case hw.ICC_HPPIR1_EL1:
		return readICCHPPIR1()
	case hw.ICC_BPR1_EL1:
		return readICCBPR1()
	case hw.ICC_CTLR_EL1:
		return readICCCTLR()
	case hw.ICC_SRE_EL1:
		return readICCSRE()
	case hw.ICC_IGRPEN1_EL1:
		return readICCIGRPEN1()
	default:
		panic(fmt.Sprintf("baremetal: read of unsupported system register %s", reg))
	}
}

func (CPU) WriteSysReg(reg hw.SysReg, value uint64) {
	switch reg {
	case hw.ELR_EL1:
		writeELR(value)
	case hw.SPSR_EL1:
		writeSPSR(value)
	case hw.VBAR_EL1:
		writeVBAR(value)
	case hw.TPIDR_EL1:
		writeTPIDR(value)
	case hw.DAIFReg:
		writeDAIF(value)
	case hw.CNTV_CTL_EL0:
		writeCNTVCTL(value)
	case hw.CNTV_TVAL_EL0:
		writeCNTVTVAL(value)
	case hw.ICC_PMR_EL1:
		writeICCPMR(value)
	case hw.ICC_SGI1R_EL1:
		writeICCSGI1R(value)
	case hw.ICC_EOIR1_EL1:
		writeICCEOIR1(value)
	case hw.ICC_BPR1_EL1:
		writeICCBPR1(value)
	case hw.ICC_CTLR_EL1:
		writeICCCTLR(value)
	case hw.ICC_SRE_EL1:
		writeICCSRE(value)
	case hw.ICC_IGRPEN1_EL1:
		writeICCIGRPEN1(value)
	default:
		panic(fmt.Sprintf("baremetal: write of unsupported system register %s", reg))
	}
}

func (CPU) Barrier(b hw.Barrier) {
	switch b {
	case hw.BarrierDSB:
		dsbSY()
	case hw.BarrierDSBISH:
		dsbISH()
	case hw.BarrierDMBISH:
		dmbISH()
	case hw.BarrierISB:
		isb()
	}
}

func (CPU) MaskInterrupts() hw.DAIF {
	prev := hw.DAIF(readDAIF())
	maskIRQFIQ()
	return prev
}

func (CPU) RestoreInterrupts(prev hw.DAIF) {
	writeDAIF(uint64(prev))
}

func (CPU) UnmaskInterrupts() { unmaskIRQFIQ() }

func (CPU) WaitForEvent() { wfe() }

func (CPU) SendEvent() { sev() }

func (CPU) Halt() {
	for {
		halt()
	}
}

var _ hw.CPU = CPU{}
