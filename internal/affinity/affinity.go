// Package affinity converts between MPIDR_EL1 affinity identifiers and the
// flat core index every other component uses.
package affinity

import (
	"errors"
	"fmt"
	mathbits "math/bits"

	"gvisor.dev/gvisor/pkg/bits"

	"github.com/tinyrange/bringup/internal/hw"
)

var (
	ErrInvalidAffinity = errors.New("invalid affinity identifier")
	ErrInvalidTopology = errors.New("invalid core topology")
)

// MPIDR_EL1 field layout.
const (
	aff0Shift = 0
	aff1Shift = 8
	aff2Shift = 16
	aff3Shift = 32
	affMask   = 0xFF

	mtBit   = 24
	uBit    = 30
	res1Bit = 31
)

// recognizedBits are the bits Resolve accepts: the four affinity levels and
// the architecturally defined MT, U and RES1 flags.
var recognizedBits = uint64(affMask)<<aff0Shift |
	uint64(affMask)<<aff1Shift |
	uint64(affMask)<<aff2Shift |
	uint64(affMask)<<aff3Shift |
	bits.Mask64(mtBit, uBit, res1Bit)

// AffinityID is a raw MPIDR_EL1 value.
type AffinityID uint64

func (a AffinityID) Aff0() uint8 { return uint8(uint64(a) >> aff0Shift) }
func (a AffinityID) Aff1() uint8 { return uint8(uint64(a) >> aff1Shift) }
func (a AffinityID) Aff2() uint8 { return uint8(uint64(a) >> aff2Shift) }
func (a AffinityID) Aff3() uint8 { return uint8(uint64(a) >> aff3Shift) }

// Fields strips the flag bits, leaving only Aff3.Aff2.Aff1.Aff0.
func (a AffinityID) Fields() AffinityID {
	return a & AffinityID(recognizedBits&^bits.Mask64(mtBit, uBit, res1Bit))
}

func (a AffinityID) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", a.Aff3(), a.Aff2(), a.Aff1(), a.Aff0())
}

// CoreIndex is a dense core number in [0, Topology.MaxCores()).
type CoreIndex uint32

// Layout selects which affinity levels carry the cluster and the position.
type Layout uint8

const (
	// LayoutClusterAff1 puts the cluster in Aff1 and the core in Aff0.
	LayoutClusterAff1 Layout = iota
	// LayoutClusterAff2 puts the cluster in Aff2 and the core in Aff1, with
	// Aff0 the (single) thread number. Cores that set MPIDR.MT use this.
	LayoutClusterAff2
)

func (l Layout) String() string {
	switch l {
	case LayoutClusterAff1:
		return "aff1"
	case LayoutClusterAff2:
		return "aff2"
	default:
		return fmt.Sprintf("layout(%d)", uint8(l))
	}
}

// Topology is the platform's declared cluster/core shape.
type Topology struct {
	Clusters        int
	CoresPerCluster int
	Layout          Layout
}

// Validate checks that the topology can be addressed by MPIDR values and
// that CoresPerCluster is a power of two.
func (t Topology) Validate() error {
	if t.Clusters <= 0 || t.Clusters > 256 {
		return fmt.Errorf("%w: %d clusters", ErrInvalidTopology, t.Clusters)
	}
	if t.CoresPerCluster <= 0 || t.CoresPerCluster > 256 {
		return fmt.Errorf("%w: %d cores per cluster", ErrInvalidTopology, t.CoresPerCluster)
	}
	if t.CoresPerCluster&(t.CoresPerCluster-1) != 0 {
		return fmt.Errorf("%w: cores per cluster %d is not a power of two", ErrInvalidTopology, t.CoresPerCluster)
	}
	if t.Layout != LayoutClusterAff1 && t.Layout != LayoutClusterAff2 {
		return fmt.Errorf("%w: unknown layout %d", ErrInvalidTopology, t.Layout)
	}
	return nil
}

// MaxCores is the number of valid core indices.
func (t Topology) MaxCores() int {
	return t.Clusters * t.CoresPerCluster
}

// Contains reports whether index is inside the topology.
func (t Topology) Contains(index CoreIndex) bool {
	return int(index) < t.MaxCores()
}

func (t Topology) positionBits() uint {
	return uint(mathbits.TrailingZeros(uint(t.CoresPerCluster)))
}

// Resolve turns a raw affinity identifier into a core index. Any set bit
// outside the recognized fields, any populated level the layout does not
// use, or a cluster/position beyond the topology yields ErrInvalidAffinity.
func (t Topology) Resolve(raw AffinityID) (CoreIndex, error) {
	if bits.IsAnyOn64(uint64(raw), ^recognizedBits) {
		return 0, fmt.Errorf("%w: %#x has reserved bits set", ErrInvalidAffinity, uint64(raw))
	}
	if raw.Aff3() != 0 {
		return 0, fmt.Errorf("%w: %#x uses Aff3", ErrInvalidAffinity, uint64(raw))
	}

	var cluster, position int
	switch t.Layout {
	case LayoutClusterAff1:
		if raw.Aff2() != 0 {
			return 0, fmt.Errorf("%w: %#x uses Aff2", ErrInvalidAffinity, uint64(raw))
		}
		cluster, position = int(raw.Aff1()), int(raw.Aff0())
	case LayoutClusterAff2:
		if raw.Aff0() != 0 {
			return 0, fmt.Errorf("%w: %#x has a nonzero thread id", ErrInvalidAffinity, uint64(raw))
		}
		cluster, position = int(raw.Aff2()), int(raw.Aff1())
	default:
		return 0, fmt.Errorf("%w: unknown layout %d", ErrInvalidTopology, t.Layout)
	}

	if cluster >= t.Clusters {
		return 0, fmt.Errorf("%w: %s cluster %d outside %d clusters", ErrInvalidAffinity, raw, cluster, t.Clusters)
	}
	if position >= t.CoresPerCluster {
		return 0, fmt.Errorf("%w: %s core %d outside %d cores per cluster", ErrInvalidAffinity, raw, position, t.CoresPerCluster)
	}
	return CoreIndex(cluster<<t.positionBits() | position), nil
}

// ToAffinity is the inverse of Resolve. The result carries the RES1 bit (and
// MT for LayoutClusterAff2) so it matches what the core itself reads back.
func (t Topology) ToAffinity(index CoreIndex) (AffinityID, error) {
	if !t.Contains(index) {
		return 0, fmt.Errorf("%w: core index %d outside %d cores", ErrInvalidAffinity, index, t.MaxCores())
	}
	cluster := uint64(index) >> t.positionBits()
	position := uint64(index) & uint64(t.CoresPerCluster-1)

	id := bits.MaskOf64(res1Bit)
	switch t.Layout {
	case LayoutClusterAff2:
		id |= cluster<<aff2Shift | position<<aff1Shift | bits.MaskOf64(mtBit)
	default:
		id |= cluster<<aff1Shift | position<<aff0Shift
	}
	return AffinityID(id), nil
}

// MustAffinity is ToAffinity for indices already known to be valid.
func (t Topology) MustAffinity(index CoreIndex) AffinityID {
	id, err := t.ToAffinity(index)
	if err != nil {
		panic(err)
	}
	return id
}

// Current reads MPIDR_EL1 on cpu and resolves it.
func (t Topology) Current(cpu hw.CPU) (CoreIndex, error) {
	return t.Resolve(AffinityID(cpu.ReadSysReg(hw.MPIDR_EL1)))
}
