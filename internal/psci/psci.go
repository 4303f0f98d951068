// Package psci services Power State Coordination Interface calls: it
// decodes SMC function ids and drives core power transitions through the
// lifecycle table and a platform-specific release mechanism.
package psci

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/bringup/internal/affinity"
	"github.com/tinyrange/bringup/internal/hw"
	"github.com/tinyrange/bringup/internal/lifecycle"
	"github.com/tinyrange/bringup/internal/trace"
)

// Platform performs the hardware side of each power transition.
type Platform interface {
	// ReleaseCore wakes target after its boot parameters are published.
	ReleaseCore(cpu hw.CPU, target affinity.CoreIndex) error
	// PowerDown removes the calling core from the system. It may not return.
	PowerDown(cpu hw.CPU, self affinity.CoreIndex)
	// SystemReset and SystemOff do not return on real hardware.
	SystemReset(cpu hw.CPU)
	SystemOff(cpu hw.CPU)
}

// Call is one SMC as seen in the caller's registers.
type Call struct {
	Function FunctionID
	// Args are x1 through x6.
	Args [6]uint64
}

func (c Call) arg(i int) uint64 {
	if c.Function.Is64() {
		return c.Args[i]
	}
	// SMC32 callers only define the low halves.
	return c.Args[i] & 0xFFFFFFFF
}

// Config tunes the bridge.
type Config struct {
	// Version is returned by PSCI_VERSION. Zero selects DefaultVersion.
	Version uint32
	// ReportOnPending makes AFFINITY_INFO return ON_PENDING for a core
	// that has been requested but has not finished starting. By default
	// such a core reports ON.
	ReportOnPending bool
}

// Bridge is the secure-monitor call handler. It is shared by all cores.
type Bridge struct {
	cfg      Config
	topo     affinity.Topology
	table    *lifecycle.Table
	platform Platform
	log      *slog.Logger
	trace    *trace.Log

	beforeOff func(cpu hw.CPU, self affinity.CoreIndex) error
}

// New returns a bridge over table. log and tl may be nil.
func New(cfg Config, topo affinity.Topology, table *lifecycle.Table, platform Platform, log *slog.Logger, tl *trace.Log) *Bridge {
	if cfg.Version == 0 {
		cfg.Version = DefaultVersion
	}
	if log == nil {
		log = slog.Default()
	}
	return &Bridge{
		cfg:      cfg,
		topo:     topo,
		table:    table,
		platform: platform,
		log:      log,
		trace:    tl,
	}
}

// Table returns the lifecycle table the bridge mutates.
func (b *Bridge) Table() *lifecycle.Table { return b.table }

// OnCPUOff registers fn to run on the calling core during CPU_OFF, before
// its slot is marked Off. It must be set before any core is released.
func (b *Bridge) OnCPUOff(fn func(cpu hw.CPU, self affinity.CoreIndex) error) {
	b.beforeOff = fn
}

// Handle services call on cpu and returns the value for x0. Calls from a
// core outside the topology are refused with DENIED.
func (b *Bridge) Handle(cpu hw.CPU, call Call) uint64 {
	self, err := b.topo.Current(cpu)
	if err != nil {
		b.log.Warn("psci: call from unknown core", "function", call.Function.String(), "err", err)
		return Denied.Register()
	}
	ret := b.dispatch(cpu, call)
	b.trace.Record(trace.KindSMC, uint32(self), uint64(call.Function), call.Args[0], call.Args[1], call.Args[2], ret)
	return ret
}

func (b *Bridge) dispatch(cpu hw.CPU, call Call) uint64 {
	switch call.Function {
	case Version:
		return uint64(b.cfg.Version)
	case CPUOn, CPUOn64:
		target, err := b.topo.Resolve(affinity.AffinityID(call.arg(0)))
		if err != nil {
			b.log.Debug("psci: CPU_ON with bad target", "mpidr", fmt.Sprintf("%#x", call.arg(0)), "err", err)
			return InvalidParameters.Register()
		}
		return b.CPUOn(cpu, target, call.arg(1), call.arg(2)).Register()
	case CPUOff:
		return b.CPUOff(cpu).Register()
	case AffinityInfo, AffinityInfo64:
		if call.arg(1) != 0 {
			// Only affinity level 0 (individual cores) is tracked.
			return InvalidParameters.Register()
		}
		target, err := b.topo.Resolve(affinity.AffinityID(call.arg(0)))
		if err != nil {
			return InvalidParameters.Register()
		}
		info, err := b.AffinityInfo(target)
		if err != nil {
			return InvalidParameters.Register()
		}
		return uint64(info)
	case MigrateInfoType:
		return migrateNoTrustedOS
	case Features:
		if b.implemented(FunctionID(call.arg(0))) {
			return Success.Register()
		}
		return NotSupported.Register()
	case SystemReset:
		b.log.Info("psci: system reset")
		b.platform.SystemReset(cpu)
		return InternalFailure.Register()
	case SystemOff:
		b.log.Info("psci: system off")
		b.platform.SystemOff(cpu)
		return InternalFailure.Register()
	default:
		b.log.Debug("psci: unsupported call", "function", call.Function.String())
		return NotSupported.Register()
	}
}

func (b *Bridge) implemented(f FunctionID) bool {
	switch f {
	case Version, CPUOn, CPUOn64, CPUOff, AffinityInfo, AffinityInfo64,
		MigrateInfoType, Features, SystemReset, SystemOff:
		return true
	}
	return false
}

// CPUOn publishes boot parameters for target and releases it.
func (b *Bridge) CPUOn(cpu hw.CPU, target affinity.CoreIndex, entry, context uint64) ReturnCode {
	if !b.topo.Contains(target) {
		return InvalidParameters
	}
	if entry == 0 || entry&3 != 0 {
		return InvalidAddress
	}
	prev, _ := b.table.State(target)
	err := b.table.Request(cpu, target, lifecycle.BootParams{EntryPoint: entry, ContextID: context})
	switch {
	case errors.Is(err, lifecycle.ErrAlreadyOn):
		return AlreadyOn
	case err != nil:
		return InvalidParameters
	}
	b.trace.Record(trace.KindPower, uint32(target), uint64(prev), uint64(lifecycle.Pending))

	// The target reads its parameters as soon as it wakes.
	cpu.Barrier(hw.BarrierDSBISH)
	if err := b.platform.ReleaseCore(cpu, target); err != nil {
		b.log.Error("psci: core release failed", "core", uint32(target), "err", err)
		_ = b.table.MarkOff(cpu, target)
		return InternalFailure
	}
	b.log.Debug("psci: core released", "core", uint32(target),
		"entry", fmt.Sprintf("%#x", entry), "context", fmt.Sprintf("%#x", context))
	return Success
}

// CPUOff powers down the calling core. On hardware it does not return.
func (b *Bridge) CPUOff(cpu hw.CPU) ReturnCode {
	self, err := b.topo.Current(cpu)
	if err != nil {
		return Denied
	}
	if b.beforeOff != nil {
		if err := b.beforeOff(cpu, self); err != nil {
			b.log.Error("psci: core did not quiesce", "core", uint32(self), "err", err)
		}
	}
	prev, _ := b.table.State(self)
	if err := b.table.MarkOff(cpu, self); err != nil {
		return Denied
	}
	b.trace.Record(trace.KindPower, uint32(self), uint64(prev), uint64(lifecycle.Off))
	b.log.Debug("psci: core off", "core", uint32(self))
	b.platform.PowerDown(cpu, self)
	return Success
}

// AffinityInfo reports the power state of target using the PSCI encoding.
func (b *Bridge) AffinityInfo(target affinity.CoreIndex) (int, error) {
	state, err := b.table.State(target)
	if err != nil {
		return 0, err
	}
	switch state {
	case lifecycle.On:
		return AffinityOn, nil
	case lifecycle.Pending:
		if b.cfg.ReportOnPending {
			return AffinityOnPending, nil
		}
		return AffinityOn, nil
	default:
		return AffinityOff, nil
	}
}

// SecondaryBootParams is the released core's one-shot read of the
// parameters its CPU_ON carried.
func (b *Bridge) SecondaryBootParams(index affinity.CoreIndex) (lifecycle.BootParams, bool) {
	return b.table.Take(index)
}

// Started is called by a released core once it can take interrupts.
func (b *Bridge) Started(cpu hw.CPU, index affinity.CoreIndex) error {
	if err := b.table.MarkOn(cpu, index); err != nil {
		return err
	}
	b.trace.Record(trace.KindPower, uint32(index), uint64(lifecycle.Pending), uint64(lifecycle.On))
	return nil
}

// Abort returns a released core that failed to start to Off, so the
// failure is visible to AFFINITY_INFO and CPU_ON can be retried.
func (b *Bridge) Abort(cpu hw.CPU, index affinity.CoreIndex, cause error) error {
	prev, err := b.table.State(index)
	if err != nil {
		return err
	}
	if err := b.table.MarkOff(cpu, index); err != nil {
		return err
	}
	b.trace.Record(trace.KindPower, uint32(index), uint64(prev), uint64(lifecycle.Off))
	b.log.Warn("psci: core start aborted", "core", uint32(index), "err", cause)
	return nil
}

// WaitForRelease parks the calling core in WFE until its boot parameters
// appear, for at most limit wake-ups.
func (b *Bridge) WaitForRelease(cpu hw.CPU, index affinity.CoreIndex, limit int) (lifecycle.BootParams, error) {
	var params lifecycle.BootParams
	err := hw.Poll(limit, func() bool {
		if p, ok := b.table.Take(index); ok {
			params = p
			return true
		}
		cpu.WaitForEvent()
		return false
	})
	if err != nil {
		return params, fmt.Errorf("psci: core %d never released: %w", index, err)
	}
	return params, nil
}
