//go:build linux

// Package devmem maps physical register windows through /dev/mem so the
// register-level drivers can be exercised from a Linux userspace during
// board bring-up.
package devmem

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/bringup/internal/hw"
)

type window struct {
	base uint64
	mem  []byte
}

// Bus is a set of mapped windows implementing hw.Bus. Accesses outside every
// window panic, the userspace equivalent of a bus fault.
type Bus struct {
	f       *os.File
	windows []window
}

// Open opens the memory device, usually /dev/mem.
func Open(path string) (*Bus, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("devmem: open %s: %w", path, err)
	}
	return &Bus{f: f}, nil
}

// Map adds a window covering [base, base+size). base must be page aligned.
func (b *Bus) Map(base, size uint64) error {
	pageSize := uint64(unix.Getpagesize())
	if base%pageSize != 0 {
		return fmt.Errorf("devmem: base 0x%x is not page aligned", base)
	}
	if size == 0 {
		return fmt.Errorf("devmem: window at 0x%x has zero size", base)
	}
	size = (size + pageSize - 1) &^ (pageSize - 1)

	mem, err := unix.Mmap(int(b.f.Fd()), int64(base), int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("devmem: mmap 0x%x+0x%x: %w", base, size, err)
	}
	b.windows = append(b.windows, window{base: base, mem: mem})
	return nil
}

// Close unmaps every window and closes the device.
func (b *Bus) Close() error {
	var firstErr error
	for _, w := range b.windows {
		if err := unix.Munmap(w.mem); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("devmem: munmap 0x%x: %w", w.base, err)
		}
	}
	b.windows = nil
	if err := b.f.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (b *Bus) pointer(addr uint64, width uint64) unsafe.Pointer {
	for _, w := range b.windows {
		if addr >= w.base && addr+width <= w.base+uint64(len(w.mem)) {
			if addr%width != 0 {
				panic(fmt.Sprintf("devmem: unaligned %d-byte access at 0x%x", width, addr))
			}
			return unsafe.Pointer(&w.mem[addr-w.base])
		}
	}
	panic(fmt.Sprintf("devmem: access to unmapped address 0x%x", addr))
}

// Byte accesses go through a plain pointer; the mapping is uncached.
func (b *Bus) Read8(addr uint64) uint8 {
	return *(*uint8)(b.pointer(addr, 1))
}

func (b *Bus) Write8(addr uint64, value uint8) {
	*(*uint8)(b.pointer(addr, 1)) = value
}

func (b *Bus) Read32(addr uint64) uint32 {
	return atomic.LoadUint32((*uint32)(b.pointer(addr, 4)))
}

func (b *Bus) Write32(addr uint64, value uint32) {
	atomic.StoreUint32((*uint32)(b.pointer(addr, 4)), value)
}

func (b *Bus) Read64(addr uint64) uint64 {
	return atomic.LoadUint64((*uint64)(b.pointer(addr, 8)))
}

func (b *Bus) Write64(addr uint64, value uint64) {
	atomic.StoreUint64((*uint64)(b.pointer(addr, 8)), value)
}

var _ hw.Bus = (*Bus)(nil)
