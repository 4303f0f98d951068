package console

import (
	"fmt"

	"github.com/tinyrange/bringup/internal/devices/pl011"
	"github.com/tinyrange/bringup/internal/hw"
)

// UARTConfig describes a PL011 instance.
type UARTConfig struct {
	Base uint64
	// ClockHz and Baud program the divisor. Zero Baud leaves the divisor
	// as firmware set it.
	ClockHz uint64
	Baud    uint64
	// SpinLimit bounds each wait for FIFO space. Zero selects
	// hw.DefaultSpinLimit.
	SpinLimit int
}

// UART drives a PL011 over a bus.
type UART struct {
	bus hw.Bus
	cfg UARTConfig
}

func NewUART(bus hw.Bus, cfg UARTConfig) *UART {
	return &UART{bus: bus, cfg: cfg}
}

// Init programs 8N1 with FIFOs and enables the transmitter.
func (u *UART) Init() error {
	if u.cfg.Baud != 0 && u.cfg.ClockHz == 0 {
		return fmt.Errorf("console: baud %d needs a reference clock", u.cfg.Baud)
	}
	base := u.cfg.Base
	u.bus.Write32(base+pl011.RegCR, 0)
	if u.cfg.Baud != 0 {
		// Divisor in 1/64ths: clock / (16 * baud) * 64, rounded.
		div := (u.cfg.ClockHz*4 + u.cfg.Baud/2) / u.cfg.Baud
		ibrd := div >> 6
		if ibrd == 0 || ibrd > 0xFFFF {
			return fmt.Errorf("console: baud %d unreachable from %d Hz", u.cfg.Baud, u.cfg.ClockHz)
		}
		u.bus.Write32(base+pl011.RegIBRD, uint32(ibrd))
		u.bus.Write32(base+pl011.RegFBRD, uint32(div&0x3F))
	}
	u.bus.Write32(base+pl011.RegLCRH, pl011.LCRHWordLen8|pl011.LCRHFifoEnable)
	u.bus.Write32(base+pl011.RegIMSC, 0)
	u.bus.Write32(base+pl011.RegCR, pl011.CREnable|pl011.CRTxEnable|pl011.CRRxEnable)
	return nil
}

func (u *UART) WriteByte(b byte) error {
	fr := u.cfg.Base + pl011.RegFR
	err := hw.Poll(u.cfg.SpinLimit, func() bool {
		return u.bus.Read32(fr)&pl011.FlagTxFull == 0
	})
	if err != nil {
		return fmt.Errorf("console: transmit FIFO full: %w", err)
	}
	u.bus.Write32(u.cfg.Base+pl011.RegDR, uint32(b))
	return nil
}

// Flush waits until the transmitter has drained.
func (u *UART) Flush() error {
	fr := u.cfg.Base + pl011.RegFR
	err := hw.Poll(u.cfg.SpinLimit, func() bool {
		return u.bus.Read32(fr)&pl011.FlagBusy == 0
	})
	if err != nil {
		return fmt.Errorf("console: transmitter busy: %w", err)
	}
	return nil
}

var _ Console = (*UART)(nil)
