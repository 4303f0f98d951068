package psci

import (
	"github.com/tinyrange/bringup/internal/affinity"
	"github.com/tinyrange/bringup/internal/hw"
)

// EventPlatform suits boards whose secondaries sit in a WFE loop polling
// their lifecycle slot: release is an SEV and power-down is a halt.
type EventPlatform struct {
	// Reset and Off, when set, run before the core halts.
	Reset func()
	Off   func()
	// Park, when set, takes the place of the halt on CPU_OFF and returns
	// the core to its release loop. It must not return.
	Park func(cpu hw.CPU, self affinity.CoreIndex)
}

func (p EventPlatform) ReleaseCore(cpu hw.CPU, target affinity.CoreIndex) error {
	cpu.SendEvent()
	return nil
}

func (p EventPlatform) PowerDown(cpu hw.CPU, self affinity.CoreIndex) {
	if p.Park != nil {
		p.Park(cpu, self)
	}
	cpu.Halt()
}

func (p EventPlatform) SystemReset(cpu hw.CPU) {
	if p.Reset != nil {
		p.Reset()
	}
	cpu.Halt()
}

func (p EventPlatform) SystemOff(cpu hw.CPU) {
	if p.Off != nil {
		p.Off()
	}
	cpu.Halt()
}

var _ Platform = EventPlatform{}
