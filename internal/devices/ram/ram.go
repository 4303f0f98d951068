// Package ram is a sparse memory device for the simulated bus.
package ram

import (
	"fmt"
	"sync"

	"github.com/tinyrange/bringup/internal/chipset"
)

const pageSize = 4096

// Device backs a physical range with pages allocated on first write.
// Unwritten memory reads as zero.
type Device struct {
	base uint64
	size uint64

	mu    sync.Mutex
	pages map[uint64]*[pageSize]byte
}

func New(base, size uint64) *Device {
	return &Device{base: base, size: size, pages: make(map[uint64]*[pageSize]byte)}
}

func (d *Device) Start() error { return nil }
func (d *Device) Stop() error  { return nil }

func (d *Device) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pages = make(map[uint64]*[pageSize]byte)
	return nil
}

func (d *Device) SupportsMmio() *chipset.MmioIntercept {
	return &chipset.MmioIntercept{
		Regions: []chipset.MMIORegion{{Address: d.base, Size: d.size}},
		Handler: d,
	}
}

func (d *Device) SupportsPollDevice() *chipset.PollDevice { return nil }

// Resident reports how many pages have been written.
func (d *Device) Resident() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pages)
}

func (d *Device) check(addr uint64, n int) error {
	if addr < d.base || addr+uint64(n) > d.base+d.size {
		return fmt.Errorf("ram: access out of range (addr=0x%x size=%d)", addr, n)
	}
	return nil
}

func (d *Device) ReadMMIO(addr uint64, data []byte) error {
	if err := d.check(addr, len(data)); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range data {
		off := addr + uint64(i) - d.base
		if p := d.pages[off/pageSize]; p != nil {
			data[i] = p[off%pageSize]
		} else {
			data[i] = 0
		}
	}
	return nil
}

func (d *Device) WriteMMIO(addr uint64, data []byte) error {
	if err := d.check(addr, len(data)); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, b := range data {
		off := addr + uint64(i) - d.base
		p := d.pages[off/pageSize]
		if p == nil {
			p = new([pageSize]byte)
			d.pages[off/pageSize] = p
		}
		p[off%pageSize] = b
	}
	return nil
}

var (
	_ chipset.Device      = (*Device)(nil)
	_ chipset.MmioHandler = (*Device)(nil)
)
