package hw

import "fmt"

// SysReg is a system register identified by its op0:op1:CRn:CRm:op2
// encoding, packed exactly as bits [20:5] of an MRS/MSR instruction.
type SysReg uint16

// MakeSysReg packs an encoding tuple.
func MakeSysReg(op0, op1, crn, crm, op2 uint8) SysReg {
	return SysReg(uint16(op0&0x3)<<14 |
		uint16(op1&0x7)<<11 |
		uint16(crn&0xF)<<7 |
		uint16(crm&0xF)<<3 |
		uint16(op2&0x7))
}

func (r SysReg) Op0() uint8 { return uint8(r>>14) & 0x3 }
func (r SysReg) Op1() uint8 { return uint8(r>>11) & 0x7 }
func (r SysReg) CRn() uint8 { return uint8(r>>7) & 0xF }
func (r SysReg) CRm() uint8 { return uint8(r>>3) & 0xF }
func (r SysReg) Op2() uint8 { return uint8(r) & 0x7 }

var (
	MPIDR_EL1     = MakeSysReg(3, 0, 0, 0, 5)
	SPSR_EL1      = MakeSysReg(3, 0, 4, 0, 0)
	ELR_EL1       = MakeSysReg(3, 0, 4, 0, 1)
	CurrentEL     = MakeSysReg(3, 0, 4, 2, 2)
	DAIFReg       = MakeSysReg(3, 3, 4, 2, 1)
	ESR_EL1       = MakeSysReg(3, 0, 5, 2, 0)
	FAR_EL1       = MakeSysReg(3, 0, 6, 0, 0)
	VBAR_EL1      = MakeSysReg(3, 0, 12, 0, 0)
	TPIDR_EL1     = MakeSysReg(3, 0, 13, 0, 4)
	CNTFRQ_EL0    = MakeSysReg(3, 3, 14, 0, 0)
	CNTVCT_EL0    = MakeSysReg(3, 3, 14, 0, 2)
	CNTV_CTL_EL0  = MakeSysReg(3, 3, 14, 3, 1)
	CNTV_TVAL_EL0 = MakeSysReg(3, 3, 14, 3, 0)

	ICC_PMR_EL1     = MakeSysReg(3, 0, 4, 6, 0)
	ICC_RPR_EL1     = MakeSysReg(3, 0, 12, 11, 3)
	ICC_SGI1R_EL1   = MakeSysReg(3, 0, 12, 11, 5)
	ICC_IAR1_EL1    = MakeSysReg(3, 0, 12, 12, 0)
	ICC_EOIR1_EL1   = MakeSysReg(3, 0, 12, 12, 1)
	ICC_HPPIR1_EL1  = MakeSysReg(3, 0, 12, 12, 2)
	ICC_BPR1_EL1    = MakeSysReg(3, 0, 12, 12, 3)
	ICC_CTLR_EL1    = MakeSysReg(3, 0, 12, 12, 4)
	ICC_SRE_EL1     = MakeSysReg(3, 0, 12, 12, 5)
	ICC_IGRPEN1_EL1 = MakeSysReg(3, 0, 12, 12, 7)
)

var sysRegNames = map[SysReg]string{
	MPIDR_EL1:     "MPIDR_EL1",
	SPSR_EL1:      "SPSR_EL1",
	ELR_EL1:       "ELR_EL1",
	CurrentEL:     "CurrentEL",
	DAIFReg:       "DAIF",
	ESR_EL1:       "ESR_EL1",
	FAR_EL1:       "FAR_EL1",
	VBAR_EL1:      "VBAR_EL1",
	TPIDR_EL1:     "TPIDR_EL1",
	CNTFRQ_EL0:    "CNTFRQ_EL0",
	CNTVCT_EL0:    "CNTVCT_EL0",
	CNTV_CTL_EL0:  "CNTV_CTL_EL0",
	CNTV_TVAL_EL0: "CNTV_TVAL_EL0",

	ICC_PMR_EL1:     "ICC_PMR_EL1",
	ICC_RPR_EL1:     "ICC_RPR_EL1",
	ICC_SGI1R_EL1:   "ICC_SGI1R_EL1",
	ICC_IAR1_EL1:    "ICC_IAR1_EL1",
	ICC_EOIR1_EL1:   "ICC_EOIR1_EL1",
	ICC_HPPIR1_EL1:  "ICC_HPPIR1_EL1",
	ICC_BPR1_EL1:    "ICC_BPR1_EL1",
	ICC_CTLR_EL1:    "ICC_CTLR_EL1",
	ICC_SRE_EL1:     "ICC_SRE_EL1",
	ICC_IGRPEN1_EL1: "ICC_IGRPEN1_EL1",
}

func (r SysReg) String() string {
	if name, ok := sysRegNames[r]; ok {
		return name
	}
	return fmt.Sprintf("S%d_%d_C%d_C%d_%d", r.Op0(), r.Op1(), r.CRn(), r.CRm(), r.Op2())
}
