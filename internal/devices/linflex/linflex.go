// Package linflex models the UART mode of an NXP LINFlexD controller as a
// chipset device.
package linflex

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/tinyrange/bringup/internal/chipset"
)

// Register offsets and bits shared with the console driver.
const (
	RegLINCR1  = 0x00
	RegLINSR   = 0x08
	RegUARTCR  = 0x10
	RegUARTSR  = 0x14
	RegLINFBRR = 0x24
	RegLINIBRR = 0x28
	RegBDRL    = 0x38
	RegUARTPTO = 0x50

	LINCR1Init = 1 << 0
	LINCR1MME  = 1 << 4

	LINSRStateMask = 0xF000
	LINSRInitMode  = 0x1000
	LINSRRxTxMode  = 0x8000

	UARTCRUart = 1 << 0
	UARTCRWL0  = 1 << 1
	UARTCRPC0  = 1 << 3
	UARTCRTxEn = 1 << 4
	UARTCRRxEn = 1 << 5
	UARTCRPC1  = 1 << 6
	UARTCRTFBM = 1 << 8
	UARTCRRFBM = 1 << 9
	UARTCRROSE = 1 << 23
	// UARTCRTFC is the transmit FIFO counter.
	UARTCRTFC = 0x7 << 13

	UARTCROSRShift = 24
	UARTCROSRMask  = 0xF

	// UARTSRDTF is data transmission complete in buffer mode and FIFO
	// full in FIFO mode.
	UARTSRDTF = 1 << 1

	Size = 0x4000
)

// Device is a LINFlexD whose transmitted bytes go to an io.Writer.
type Device struct {
	base uint64
	out  io.Writer

	mu      sync.Mutex
	lincr1  uint32
	uartcr  uint32
	uartsr  uint32
	ibrr    uint32
	fbrr    uint32
	pto     uint32
	dropped int

	txFullReads int
	txBusy      int
	// initDelay is the number of LINSR reads before init mode is
	// reported after it was requested.
	initDelay int
	initWait  int
}

// New returns a device at base. txFullReads behaves as in the PL011 model.
// initDelay delays the init-mode acknowledgement by that many LINSR reads.
func New(base uint64, out io.Writer, txFullReads, initDelay int) *Device {
	if out == nil {
		out = io.Discard
	}
	return &Device{base: base, out: out, txFullReads: txFullReads, initDelay: initDelay}
}

// Divisor returns the programmed integer and fractional baud divisors.
func (d *Device) Divisor() (ibrr, fbrr uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ibrr, d.fbrr
}

// Dropped counts bytes written while the transmitter was unavailable.
func (d *Device) Dropped() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

func (d *Device) Start() error { return nil }
func (d *Device) Stop() error  { return nil }

func (d *Device) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lincr1, d.uartcr, d.uartsr, d.ibrr, d.fbrr, d.pto = 0, 0, 0, 0, 0, 0
	d.txBusy, d.initWait = 0, 0
	return nil
}

func (d *Device) SupportsMmio() *chipset.MmioIntercept {
	return &chipset.MmioIntercept{
		Regions: []chipset.MMIORegion{{Address: d.base, Size: Size}},
		Handler: d,
	}
}

func (d *Device) SupportsPollDevice() *chipset.PollDevice { return nil }

func (d *Device) ReadMMIO(addr uint64, data []byte) error {
	off, err := d.offset(addr, len(data))
	if err != nil {
		return err
	}
	d.mu.Lock()
	v := d.read(off)
	d.mu.Unlock()
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	copy(data, buf[:len(data)])
	return nil
}

func (d *Device) WriteMMIO(addr uint64, data []byte) error {
	off, err := d.offset(addr, len(data))
	if err != nil {
		return err
	}
	var v uint32
	for i, b := range data {
		v |= uint32(b) << (8 * i)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.write(off, v)
}

func (d *Device) offset(addr uint64, n int) (uint64, error) {
	if n == 0 || n > 4 {
		return 0, fmt.Errorf("linflex: unsupported access size %d", n)
	}
	if addr < d.base || addr+uint64(n) > d.base+Size {
		return 0, fmt.Errorf("linflex: access out of range (addr=0x%x size=%d)", addr, n)
	}
	return addr - d.base, nil
}

func (d *Device) fifoMode() bool { return d.uartcr&UARTCRTFBM != 0 }

func (d *Device) read(off uint64) uint32 {
	switch off {
	case RegLINCR1:
		return d.lincr1
	case RegLINSR:
		if d.lincr1&LINCR1Init == 0 {
			return LINSRRxTxMode
		}
		if d.initWait > 0 {
			d.initWait--
			return 0
		}
		return LINSRInitMode
	case RegUARTCR:
		cr := d.uartcr &^ UARTCRTFC
		if d.fifoMode() && d.txBusy > 0 {
			d.txBusy--
			cr |= 1 << 13
		}
		return cr
	case RegUARTSR:
		sr := d.uartsr
		if d.fifoMode() && d.txBusy > 0 {
			d.txBusy--
			sr |= UARTSRDTF
		}
		return sr
	case RegLINIBRR:
		return d.ibrr
	case RegLINFBRR:
		return d.fbrr
	case RegUARTPTO:
		return d.pto
	default:
		return 0
	}
}

func (d *Device) write(off uint64, v uint32) error {
	switch off {
	case RegLINCR1:
		if v&LINCR1Init != 0 && d.lincr1&LINCR1Init == 0 {
			d.initWait = d.initDelay
		}
		d.lincr1 = v
	case RegUARTCR:
		d.uartcr = v &^ UARTCRTFC
	case RegUARTSR:
		// Write one to clear.
		d.uartsr &^= v
	case RegLINIBRR:
		if d.lincr1&LINCR1Init != 0 {
			d.ibrr = v
		}
	case RegLINFBRR:
		if d.lincr1&LINCR1Init != 0 {
			d.fbrr = v
		}
	case RegUARTPTO:
		d.pto = v
	case RegBDRL:
		if d.lincr1&LINCR1Init != 0 || d.uartcr&(UARTCRUart|UARTCRTxEn) != UARTCRUart|UARTCRTxEn {
			d.dropped++
			return nil
		}
		if _, err := d.out.Write([]byte{byte(v)}); err != nil {
			return fmt.Errorf("linflex: write output: %w", err)
		}
		if d.fifoMode() {
			d.txBusy = d.txFullReads
		} else {
			d.uartsr |= UARTSRDTF
		}
	}
	return nil
}

var (
	_ chipset.Device      = (*Device)(nil)
	_ chipset.MmioHandler = (*Device)(nil)
)
