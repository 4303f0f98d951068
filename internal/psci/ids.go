package psci

import "fmt"

// FunctionID is an SMC Calling Convention function identifier.
type FunctionID uint32

// PSCI function IDs. The 0xC4 forms are the SMC64 variants.
const (
	Version         FunctionID = 0x84000000
	CPUSuspend      FunctionID = 0x84000001
	CPUOff          FunctionID = 0x84000002
	CPUOn           FunctionID = 0x84000003
	AffinityInfo    FunctionID = 0x84000004
	MigrateInfoType FunctionID = 0x84000006
	SystemOff       FunctionID = 0x84000008
	SystemReset     FunctionID = 0x84000009
	Features        FunctionID = 0x8400000A
	CPUSuspend64    FunctionID = 0xC4000001
	CPUOn64         FunctionID = 0xC4000003
	AffinityInfo64  FunctionID = 0xC4000004
)

// SMCCC function id fields.
const (
	smc64Bit            = 0x40000000
	fastCallBit         = 0x80000000
	ownerShift          = 24
	ownerMask           = 0x3F
	ownerStandardSecure = 4
)

// Is64 reports whether the call uses the SMC64 convention.
func (f FunctionID) Is64() bool { return f&smc64Bit != 0 }

// Standard reports whether f belongs to the standard secure service range.
func (f FunctionID) Standard() bool {
	return f&fastCallBit != 0 && (uint32(f)>>ownerShift)&ownerMask == ownerStandardSecure
}

func (f FunctionID) String() string {
	switch f {
	case Version:
		return "PSCI_VERSION"
	case CPUSuspend, CPUSuspend64:
		return "PSCI_CPU_SUSPEND"
	case CPUOff:
		return "PSCI_CPU_OFF"
	case CPUOn, CPUOn64:
		return "PSCI_CPU_ON"
	case AffinityInfo, AffinityInfo64:
		return "PSCI_AFFINITY_INFO"
	case MigrateInfoType:
		return "PSCI_MIGRATE_INFO_TYPE"
	case SystemOff:
		return "PSCI_SYSTEM_OFF"
	case SystemReset:
		return "PSCI_SYSTEM_RESET"
	case Features:
		return "PSCI_FEATURES"
	default:
		return fmt.Sprintf("SMC(%#08x)", uint32(f))
	}
}

// ReturnCode is a PSCI status value.
type ReturnCode int32

const (
	Success           ReturnCode = 0
	NotSupported      ReturnCode = -1
	InvalidParameters ReturnCode = -2
	Denied            ReturnCode = -3
	AlreadyOn         ReturnCode = -4
	OnPending         ReturnCode = -5
	InternalFailure   ReturnCode = -6
	NotPresent        ReturnCode = -7
	Disabled          ReturnCode = -8
	InvalidAddress    ReturnCode = -9
)

func (r ReturnCode) String() string {
	switch r {
	case Success:
		return "PSCI_SUCCESS"
	case NotSupported:
		return "PSCI_NOT_SUPPORTED"
	case InvalidParameters:
		return "PSCI_INVALID_PARAMETERS"
	case Denied:
		return "PSCI_DENIED"
	case AlreadyOn:
		return "PSCI_ALREADY_ON"
	case OnPending:
		return "PSCI_ON_PENDING"
	case InternalFailure:
		return "PSCI_INTERNAL_FAILURE"
	case NotPresent:
		return "PSCI_NOT_PRESENT"
	case Disabled:
		return "PSCI_DISABLED"
	case InvalidAddress:
		return "PSCI_INVALID_ADDRESS"
	default:
		return fmt.Sprintf("PSCI(%d)", int32(r))
	}
}

// Register returns r sign-extended into x0.
func (r ReturnCode) Register() uint64 { return uint64(int64(r)) }

// AFFINITY_INFO results.
const (
	AffinityOn        = 0
	AffinityOff       = 1
	AffinityOnPending = 2
)

// MIGRATE_INFO_TYPE result when no trusted OS is present.
const migrateNoTrustedOS = 2

// EncodeVersion packs a PSCI version as returned by PSCI_VERSION.
func EncodeVersion(major, minor uint16) uint32 {
	return uint32(major)<<16 | uint32(minor)
}

// DefaultVersion is PSCI 1.1.
var DefaultVersion = EncodeVersion(1, 1)
