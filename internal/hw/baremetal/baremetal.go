//go:build arm64 && baremetal

// Package baremetal backs hw.Bus and hw.CPU with real loads, stores and
// system-register instructions. It only links into images built with the
// baremetal tag; hosted builds use the emulated machine instead.
package baremetal

import (
	"github.com/tinyrange/bringup/internal/hw"
)

//go:noescape
func mmioRead8(addr uint64) uint8

//go:noescape
func mmioWrite8(addr uint64, value uint8)

//go:noescape
func mmioRead32(addr uint64) uint32

//go:noescape
func mmioWrite32(addr uint64, value uint32)

//go:noescape
func mmioRead64(addr uint64) uint64

//go:noescape
func mmioWrite64(addr uint64, value uint64)

// Bus performs device-memory accesses at physical addresses. The MMU must
// either be off or map the register windows as Device-nGnRE.
type Bus struct{}

//go:nosplit
func (Bus) Read8(addr uint64) uint8 { return mmioRead8(addr) }

//go:nosplit
func (Bus) Write8(addr uint64, value uint8) { mmioWrite8(addr, value) }

//go:nosplit
func (Bus) Read32(addr uint64) uint32 { return mmioRead32(addr) }

//go:nosplit
func (Bus) Write32(addr uint64, value uint32) { mmioWrite32(addr, value) }

//go:nosplit
func (Bus) Read64(addr uint64) uint64 { return mmioRead64(addr) }

//go:nosplit
func (Bus) Write64(addr uint64, value uint64) { mmioWrite64(addr, value) }

var _ hw.Bus = Bus{}
