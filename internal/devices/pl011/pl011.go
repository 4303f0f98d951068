// Package pl011 models the transmit side of an ARM PL011 UART as a chipset
// device.
package pl011

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/tinyrange/bringup/internal/chipset"
)

// Register offsets and flag bits shared with the console driver.
const (
	RegDR   = 0x00
	RegRSR  = 0x04
	RegFR   = 0x18
	RegILPR = 0x20
	RegIBRD = 0x24
	RegFBRD = 0x28
	RegLCRH = 0x2c
	RegCR   = 0x30
	RegIFLS = 0x34
	RegIMSC = 0x38
	RegRIS  = 0x3c
	RegMIS  = 0x40
	RegICR  = 0x44
	RegDMAC = 0x48

	FlagBusy    = 1 << 3
	FlagRxEmpty = 1 << 4
	FlagTxFull  = 1 << 5
	FlagTxEmpty = 1 << 7

	CREnable   = 1 << 0
	CRTxEnable = 1 << 8
	CRRxEnable = 1 << 9

	LCRHFifoEnable = 1 << 4
	LCRHWordLen8   = 3 << 5

	// Size is the register window.
	Size = 0x1000
)

// Device is a PL011 whose transmitted bytes go to an io.Writer.
type Device struct {
	base uint64
	size uint64

	out io.Writer

	mu    sync.Mutex
	cr    uint32
	lcrh  uint32
	ibrd  uint32
	fbrd  uint32
	ifls  uint32
	imsc  uint32
	dmacr uint32

	// txFullReads keeps FR.TXFF set for that many FR reads after every
	// write to DR, standing in for a slow line.
	txFullReads int
	txBusy      int
	stuck       bool
	dropped     int
}

// New returns a device at base writing to out. txFullReads controls how
// long the transmit FIFO reports full after each byte.
func New(base uint64, out io.Writer, txFullReads int) *Device {
	if out == nil {
		out = io.Discard
	}
	return &Device{
		base:        base,
		size:        Size,
		out:         out,
		txFullReads: txFullReads,
	}
}

// SetStuck pins FR.TXFF on, as a wedged transmitter would.
func (p *Device) SetStuck(stuck bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stuck = stuck
}

// Dropped counts bytes written to DR while the transmitter was disabled.
func (p *Device) Dropped() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// Baud returns the programmed divisor as IBRD and FBRD.
func (p *Device) Baud() (ibrd, fbrd uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ibrd, p.fbrd
}

func (p *Device) Start() error { return nil }
func (p *Device) Stop() error  { return nil }

func (p *Device) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cr, p.lcrh, p.ibrd, p.fbrd, p.ifls, p.imsc, p.dmacr = 0, 0, 0, 0, 0, 0, 0
	p.txBusy = 0
	return nil
}

func (p *Device) SupportsMmio() *chipset.MmioIntercept {
	return &chipset.MmioIntercept{
		Regions: []chipset.MMIORegion{{Address: p.base, Size: p.size}},
		Handler: p,
	}
}

func (p *Device) SupportsPollDevice() *chipset.PollDevice { return nil }

func (p *Device) ReadMMIO(addr uint64, data []byte) error {
	if err := p.checkBounds(addr, len(data)); err != nil {
		return err
	}
	if len(data) == 0 || len(data) > 4 {
		return fmt.Errorf("pl011: unsupported read size %d", len(data))
	}

	offset := addr - p.base

	p.mu.Lock()
	value := p.readRegister(offset)
	p.mu.Unlock()

	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	copy(data, buf[:len(data)])
	return nil
}

func (p *Device) WriteMMIO(addr uint64, data []byte) error {
	if err := p.checkBounds(addr, len(data)); err != nil {
		return err
	}
	if len(data) == 0 || len(data) > 4 {
		return fmt.Errorf("pl011: unsupported write size %d", len(data))
	}

	offset := addr - p.base
	var value uint32
	for i := 0; i < len(data); i++ {
		value |= uint32(data[i]) << (8 * i)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	return p.writeRegister(offset, value)
}

func (p *Device) checkBounds(addr uint64, size int) error {
	if addr < p.base || addr+uint64(size) > p.base+p.size {
		return fmt.Errorf("pl011: access out of range (addr=0x%x size=%d)", addr, size)
	}
	return nil
}

func (p *Device) readRegister(offset uint64) uint32 {
	switch offset {
	case RegFR:
		fr := uint32(FlagRxEmpty)
		switch {
		case p.stuck:
			fr |= FlagTxFull | FlagBusy
		case p.txBusy > 0:
			p.txBusy--
			fr |= FlagTxFull | FlagBusy
		default:
			fr |= FlagTxEmpty
		}
		return fr
	case RegIBRD:
		return p.ibrd
	case RegFBRD:
		return p.fbrd
	case RegLCRH:
		return p.lcrh
	case RegCR:
		return p.cr
	case RegIFLS:
		return p.ifls
	case RegIMSC:
		return p.imsc
	case RegDMAC:
		return p.dmacr
	default:
		return 0
	}
}

func (p *Device) writeRegister(offset uint64, value uint32) error {
	switch offset {
	case RegDR:
		if p.cr&(CREnable|CRTxEnable) != CREnable|CRTxEnable {
			p.dropped++
			return nil
		}
		if _, err := p.out.Write([]byte{byte(value)}); err != nil {
			return fmt.Errorf("pl011: write output: %w", err)
		}
		p.txBusy = p.txFullReads
	case RegIBRD:
		p.ibrd = value
	case RegFBRD:
		p.fbrd = value
	case RegLCRH:
		p.lcrh = value
	case RegCR:
		p.cr = value
	case RegIFLS:
		p.ifls = value
	case RegIMSC:
		p.imsc = value
	case RegICR:
		// No interrupt status is modeled.
	case RegDMAC:
		p.dmacr = value
	}
	return nil
}

var (
	_ chipset.Device      = (*Device)(nil)
	_ chipset.MmioHandler = (*Device)(nil)
)
