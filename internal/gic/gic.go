// Package gic drives a GICv3 interrupt controller: the shared distributor,
// one redistributor per core, and the per-core system-register CPU
// interface.
package gic

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInterrupt = errors.New("invalid interrupt id")
	ErrInvalidSGI       = errors.New("invalid SGI number")
	ErrInvalidTarget    = errors.New("invalid SGI target")
	ErrNotPrimary       = errors.New("distributor setup must run on the primary core")
	ErrNoRedistributor  = errors.New("no redistributor frame for this core")
	ErrNotConfigured    = errors.New("distributor not configured")
	ErrUnsupported      = errors.New("unsupported GIC architecture")
)

// InterruptID is a GIC INTID.
type InterruptID uint32

const (
	// MaxInterrupts is one past the largest SGI/PPI/SPI id.
	MaxInterrupts InterruptID = 1020
	// Spurious is returned by Acknowledge when nothing is pending.
	Spurious InterruptID = 1023

	sgiLimit InterruptID = 16
	ppiLimit InterruptID = 32
)

// Kind classifies an interrupt id.
type Kind uint8

const (
	KindSGI Kind = iota
	KindPPI
	KindSPI
	KindSpecial
)

func (k Kind) String() string {
	switch k {
	case KindSGI:
		return "sgi"
	case KindPPI:
		return "ppi"
	case KindSPI:
		return "spi"
	default:
		return "special"
	}
}

func (id InterruptID) Kind() Kind {
	switch {
	case id < sgiLimit:
		return KindSGI
	case id < ppiLimit:
		return KindPPI
	case id < MaxInterrupts:
		return KindSPI
	default:
		return KindSpecial
	}
}

// Banked reports whether the id lives in the per-core redistributor.
func (id InterruptID) Banked() bool { return id < ppiLimit }

// IsSpurious reports whether an acknowledged id names no real interrupt.
// 1022 and 1023 are the architected "nothing pending" values; 1020 and
// 1021 are the other special INTIDs and are treated the same way.
func (id InterruptID) IsSpurious() bool { return id >= MaxInterrupts }

func (id InterruptID) String() string {
	if id.IsSpurious() {
		return fmt.Sprintf("spurious(%d)", uint32(id))
	}
	return fmt.Sprintf("%s%d", id.Kind(), uint32(id))
}

func (id InterruptID) check() error {
	if id >= MaxInterrupts {
		return fmt.Errorf("%w: %d", ErrInvalidInterrupt, uint32(id))
	}
	return nil
}

// Trigger is the ICFGR configuration of an interrupt.
type Trigger uint8

const (
	TriggerLevel Trigger = iota
	TriggerEdge
)

func (t Trigger) String() string {
	if t == TriggerEdge {
		return "edge"
	}
	return "level"
}

const (
	DefaultPriority     = 0xA0
	DefaultPriorityMask = 0xF0
)

// Config locates the controller and sets the defaults applied during setup.
type Config struct {
	DistributorBase     uint64
	RedistributorBase   uint64
	RedistributorStride uint64

	// DefaultPriority is written to every interrupt during setup.
	DefaultPriority uint8
	// PriorityMask is the ICC_PMR_EL1 value installed on each core.
	PriorityMask uint8
	// SpinLimit bounds every register poll. Zero selects hw.DefaultSpinLimit.
	SpinLimit int
}

func (c Config) withDefaults() Config {
	if c.RedistributorStride == 0 {
		c.RedistributorStride = RedistributorStride
	}
	if c.DefaultPriority == 0 {
		c.DefaultPriority = DefaultPriority
	}
	if c.PriorityMask == 0 {
		c.PriorityMask = DefaultPriorityMask
	}
	return c
}
