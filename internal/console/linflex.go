package console

import (
	"fmt"

	"github.com/tinyrange/bringup/internal/devices/linflex"
	"github.com/tinyrange/bringup/internal/hw"
)

const (
	linflexDefaultMultiplier = 16
	linflexTimeout           = 0xF
)

// LINFlex drives a LINFlexD controller in UART mode over a bus.
type LINFlex struct {
	bus hw.Bus
	cfg UARTConfig
}

func NewLINFlex(bus hw.Bus, cfg UARTConfig) *LINFlex {
	return &LINFlex{bus: bus, cfg: cfg}
}

func (l *LINFlex) reg(off uint64) uint64 { return l.cfg.Base + off }

// Init enters init mode, programs 8N1 with FIFOs at the configured baud
// rate and returns to normal mode.
func (l *LINFlex) Init() error {
	if l.cfg.Baud == 0 || l.cfg.ClockHz == 0 {
		return fmt.Errorf("console: linflex needs a clock and a baud rate")
	}
	l.bus.Write32(l.reg(linflex.RegLINCR1), linflex.LINCR1Init)
	l.bus.Write32(l.reg(linflex.RegLINCR1), linflex.LINCR1MME|linflex.LINCR1Init)
	err := hw.Poll(l.cfg.SpinLimit, func() bool {
		return l.bus.Read32(l.reg(linflex.RegLINSR))&linflex.LINSRStateMask == linflex.LINSRInitMode
	})
	if err != nil {
		return fmt.Errorf("console: linflex init mode: %w", err)
	}

	l.bus.Write32(l.reg(linflex.RegUARTCR), linflex.UARTCRUart)
	ibr, fbr := l.divisor()
	if ibr == 0 {
		return fmt.Errorf("console: baud %d unreachable from %d Hz", l.cfg.Baud, l.cfg.ClockHz)
	}
	l.bus.Write32(l.reg(linflex.RegLINIBRR), ibr)
	l.bus.Write32(l.reg(linflex.RegLINFBRR), fbr)
	l.bus.Write32(l.reg(linflex.RegUARTPTO), linflexTimeout)
	l.bus.Write32(l.reg(linflex.RegUARTCR), linflex.UARTCRPC1|linflex.UARTCRRxEn|linflex.UARTCRTxEn|
		linflex.UARTCRPC0|linflex.UARTCRWL0|linflex.UARTCRUart|linflex.UARTCRRFBM|linflex.UARTCRTFBM)

	cr1 := l.bus.Read32(l.reg(linflex.RegLINCR1))
	l.bus.Write32(l.reg(linflex.RegLINCR1), cr1&^linflex.LINCR1Init)
	return nil
}

// divisor computes LINIBRR and LINFBRR. Reduced oversampling replaces the
// default multiplier with UARTCR.OSR.
func (l *LINFlex) divisor() (ibr, fbr uint32) {
	mult := uint64(linflexDefaultMultiplier)
	if cr := l.bus.Read32(l.reg(linflex.RegUARTCR)); cr&linflex.UARTCRROSE != 0 {
		mult = uint64(cr>>linflex.UARTCROSRShift) & linflex.UARTCROSRMask
	}
	div := l.cfg.Baud * mult
	if div == 0 {
		return 0, 0
	}
	ibr64 := l.cfg.ClockHz / div
	frac := ((l.cfg.ClockHz % div) << 4) / div
	return uint32(ibr64), uint32(frac & 0xF)
}

func (l *LINFlex) bufferMode() bool {
	return l.bus.Read32(l.reg(linflex.RegUARTCR))&linflex.UARTCRTFBM == 0
}

func (l *LINFlex) WriteByte(b byte) error {
	sr := l.reg(linflex.RegUARTSR)
	if l.bufferMode() {
		l.bus.Write8(l.reg(linflex.RegBDRL), b)
		err := hw.Poll(l.cfg.SpinLimit, func() bool {
			return l.bus.Read32(sr)&linflex.UARTSRDTF != 0
		})
		if err != nil {
			return fmt.Errorf("console: linflex transmit: %w", err)
		}
		l.bus.Write32(sr, linflex.UARTSRDTF)
		return nil
	}
	err := hw.Poll(l.cfg.SpinLimit, func() bool {
		return l.bus.Read32(sr)&linflex.UARTSRDTF == 0
	})
	if err != nil {
		return fmt.Errorf("console: linflex transmit FIFO full: %w", err)
	}
	l.bus.Write8(l.reg(linflex.RegBDRL), b)
	return nil
}

// Flush waits for the transmit FIFO counter to reach zero.
func (l *LINFlex) Flush() error {
	if l.bufferMode() {
		return nil
	}
	err := hw.Poll(l.cfg.SpinLimit, func() bool {
		return l.bus.Read32(l.reg(linflex.RegUARTCR))&linflex.UARTCRTFC == 0
	})
	if err != nil {
		return fmt.Errorf("console: linflex flush: %w", err)
	}
	return nil
}

var _ Console = (*LINFlex)(nil)
