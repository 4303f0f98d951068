package chipset

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/bringup/internal/hw"
)

// Start activates all registered devices in registration order.
func (c *Chipset) Start() error {
	for _, name := range c.order {
		if err := c.devices[name].Start(); err != nil {
			return fmt.Errorf("chipset: start device %q: %w", name, err)
		}
	}
	return nil
}

// Stop deactivates all registered devices in reverse order.
func (c *Chipset) Stop() error {
	for i := len(c.order) - 1; i >= 0; i-- {
		name := c.order[i]
		if err := c.devices[name].Stop(); err != nil {
			return fmt.Errorf("chipset: stop device %q: %w", name, err)
		}
	}
	return nil
}

// Reset resets all registered devices.
func (c *Chipset) Reset() error {
	for _, name := range c.order {
		if err := c.devices[name].Reset(); err != nil {
			return fmt.Errorf("chipset: reset device %q: %w", name, err)
		}
	}
	return nil
}

// Device returns a registered device by name.
func (c *Chipset) Device(name string) (Device, bool) {
	dev, ok := c.devices[name]
	return dev, ok
}

// HandleMMIO dispatches an MMIO access to the registered device.
func (c *Chipset) HandleMMIO(addr uint64, data []byte, isWrite bool) error {
	accessEnd := addr + uint64(len(data))
	if accessEnd < addr {
		return fmt.Errorf("chipset: MMIO access overflow at 0x%016x", addr)
	}

	for _, binding := range c.mmio {
		if binding.region.Contains(addr, uint64(len(data))) {
			if isWrite {
				return binding.handler.WriteMMIO(addr, data)
			}
			return binding.handler.ReadMMIO(addr, data)
		}
	}

	return fmt.Errorf("chipset: no handler for MMIO address 0x%016x", addr)
}

// Poll executes Poll on all poll-capable devices.
func (c *Chipset) Poll(ctx context.Context) error {
	for _, handler := range c.polls {
		if err := handler.Poll(ctx); err != nil {
			return fmt.Errorf("chipset: poll: %w", err)
		}
	}
	return nil
}

// Fault is the panic value raised when a bus access has no handler or the
// handler fails. It stands in for a synchronous external abort.
type Fault struct {
	Addr  uint64
	Write bool
	Err   error
}

func (f *Fault) Error() string {
	dir := "read"
	if f.Write {
		dir = "write"
	}
	return fmt.Sprintf("bus fault on %s at 0x%x: %v", dir, f.Addr, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

func (c *Chipset) access(addr uint64, data []byte, isWrite bool) {
	if err := c.HandleMMIO(addr, data, isWrite); err != nil {
		panic(&Fault{Addr: addr, Write: isWrite, Err: err})
	}
}

func (c *Chipset) Read8(addr uint64) uint8 {
	var buf [1]byte
	c.access(addr, buf[:], false)
	return buf[0]
}

func (c *Chipset) Write8(addr uint64, value uint8) {
	c.access(addr, []byte{value}, true)
}

func (c *Chipset) Read32(addr uint64) uint32 {
	var buf [4]byte
	c.access(addr, buf[:], false)
	return binary.LittleEndian.Uint32(buf[:])
}

func (c *Chipset) Write32(addr uint64, value uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	c.access(addr, buf[:], true)
}

func (c *Chipset) Read64(addr uint64) uint64 {
	var buf [8]byte
	c.access(addr, buf[:], false)
	return binary.LittleEndian.Uint64(buf[:])
}

func (c *Chipset) Write64(addr uint64, value uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	c.access(addr, buf[:], true)
}

var _ hw.Bus = (*Chipset)(nil)
