package gic

// Distributor register offsets (GICD_*).
const (
	gicdCtlr       = 0x0000
	gicdTyper      = 0x0004
	gicdIidr       = 0x0008
	gicdIgroupr    = 0x0080
	gicdIsenabler  = 0x0100
	gicdIcenabler  = 0x0180
	gicdIspendr    = 0x0200
	gicdIcpendr    = 0x0280
	gicdIsactiver  = 0x0300
	gicdIcactiver  = 0x0380
	gicdIpriorityr = 0x0400
	gicdIcfgr      = 0x0C00
	gicdIgrpmodr   = 0x0D00
	gicdIrouter    = 0x6000
	gicdPidr2      = 0xFFE8

	// DistributorSize is the span of the distributor register frame.
	DistributorSize = 0x10000
)

// GICD_CTLR bits, Non-secure view.
const (
	gicdCtlrEnableGrp1  = 1 << 0
	gicdCtlrEnableGrp1A = 1 << 1
	gicdCtlrAreNS       = 1 << 4
	gicdCtlrRWP         = 1 << 31
)

// Redistributor offsets. RD_base is the first 64 KiB frame, SGI_base the
// second; SGI_base registers mirror the distributor layout for INTIDs 0-31.
const (
	gicrCtlr  = 0x0000
	gicrIidr  = 0x0004
	gicrTyper = 0x0008
	gicrWaker = 0x0014
	gicrPidr2 = 0xFFE8

	gicrSGIBase    = 0x10000
	gicrIgroupr0   = gicrSGIBase + gicdIgroupr
	gicrIsenabler0 = gicrSGIBase + gicdIsenabler
	gicrIcenabler0 = gicrSGIBase + gicdIcenabler
	gicrIspendr0   = gicrSGIBase + gicdIspendr
	gicrIcpendr0   = gicrSGIBase + gicdIcpendr
	gicrIsactiver0 = gicrSGIBase + gicdIsactiver
	gicrIcactiver0 = gicrSGIBase + gicdIcactiver
	gicrIpriorityr = gicrSGIBase + gicdIpriorityr
	gicrIcfgr0     = gicrSGIBase + gicdIcfgr
	gicrIcfgr1     = gicrSGIBase + gicdIcfgr + 4
	gicrIgrpmodr0  = gicrSGIBase + gicdIgrpmodr

	// RedistributorStride is the GICv3 frame pair size (RD_base + SGI_base).
	RedistributorStride = 0x20000
)

const (
	gicrCtlrRWP = 1 << 3

	gicrWakerProcessorSleep = 1 << 1
	gicrWakerChildrenAsleep = 1 << 2

	gicrTyperLast       = 1 << 4
	gicrTyperAffinShift = 32
)

// PIDR2.ArchRev values.
const (
	pidr2ArchRevShift = 4
	pidr2ArchRevMask  = 0xF
)

// ICC_SRE_EL1 bits.
const (
	iccSreSRE = 1 << 0
	iccSreDFB = 1 << 1
	iccSreDIB = 1 << 2
)

// ICC_SGI1R_EL1 fields.
const (
	sgi1rTargetListMask = 0xFFFF
	sgi1rAff1Shift      = 16
	sgi1rINTIDShift     = 24
	sgi1rAff2Shift      = 32
	sgi1rIRM            = 1 << 40
	sgi1rAff3Shift      = 48
)

// iarINTIDMask covers the 24-bit INTID field of ICC_IAR1_EL1.
const iarINTIDMask = 0xFFFFFF
