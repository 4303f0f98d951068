// Package boot sequences core bring-up: the primary sets up the console,
// the distributor and the vector table and then starts every secondary
// through PSCI; each secondary waits for release, joins the interrupt
// controller and runs its entry program.
package boot

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/bringup/internal/affinity"
	"github.com/tinyrange/bringup/internal/asm"
	"github.com/tinyrange/bringup/internal/console"
	"github.com/tinyrange/bringup/internal/exception"
	"github.com/tinyrange/bringup/internal/gic"
	"github.com/tinyrange/bringup/internal/hw"
	"github.com/tinyrange/bringup/internal/lifecycle"
	"github.com/tinyrange/bringup/internal/platform"
	"github.com/tinyrange/bringup/internal/psci"
	"github.com/tinyrange/bringup/internal/svc"
	"github.com/tinyrange/bringup/internal/trace"
)

// IPI is the SGI cores use to poke each other.
const IPI gic.InterruptID = 0

var (
	ErrNotPrimary   = errors.New("primary boot on a secondary core")
	ErrStartFailed  = errors.New("secondary start failed")
	ErrNotBooted    = errors.New("core has not booted")
	ErrNeverStarted = errors.New("secondary never came online")
)

// Conduit issues a PSCI call from the calling core, by SMC or HVC.
type Conduit interface {
	PSCI(call psci.Call) uint64
}

// IRQRoute wires one SPI during primary boot.
type IRQRoute struct {
	ID      gic.InterruptID
	Core    affinity.CoreIndex
	Trigger gic.Trigger
	Handler exception.IRQHandler
}

// EntryFunc is a secondary's program. It runs after the core is online.
type EntryFunc func(ctx context.Context, c *Core, params lifecycle.BootParams) error

// Config wires a System.
type Config struct {
	Platform platform.Platform
	Bus      hw.Bus
	Bridge   *psci.Bridge

	// Handlers receives the SMC/HVC, SVC and IPI handlers. Nil creates a
	// fresh registry.
	Handlers *exception.Handlers
	Log      *slog.Logger
	Trace    *trace.Log

	// Secondaries lists the cores the primary starts. Nil starts all.
	Secondaries []affinity.CoreIndex
	IRQs        []IRQRoute
	Entry       EntryFunc
}

// Core is one booted core.
type Core struct {
	Index   affinity.CoreIndex
	CPU     hw.CPU
	Conduit Conduit
	GIC     *gic.Driver

	sys  *System
	disp *exception.Dispatcher
}

// System is the shared state of a bring-up.
type System struct {
	cfg      Config
	topo     affinity.Topology
	log      *slog.Logger
	console  *lockedConsole
	svc      *svc.Table
	arena    *svc.Arena
	handlers *exception.Handlers
	vectors  asm.Program

	mu    sync.Mutex
	cores []*Core
	ipis  []atomic.Uint64
}

// New validates cfg, generates the vector table and registers the
// system-level trap handlers. Nothing is written to the bus.
func New(cfg Config) (*System, error) {
	p := &cfg.Platform
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if cfg.Bus == nil || cfg.Bridge == nil {
		return nil, errors.New("boot: bus and PSCI bridge are required")
	}
	topo, err := p.AffinityTopology()
	if err != nil {
		return nil, err
	}
	if cfg.Handlers == nil {
		cfg.Handlers = exception.NewHandlers()
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	vectors, err := exception.Generate(p.Boot.Handler)
	if err != nil {
		return nil, err
	}
	s := &System{
		cfg:      cfg,
		topo:     topo,
		log:      log,
		console:  &lockedConsole{c: p.NewConsole(cfg.Bus)},
		handlers: cfg.Handlers,
		vectors:  vectors,
		cores:    make([]*Core, topo.MaxCores()),
		ipis:     make([]atomic.Uint64, topo.MaxCores()),
	}
	s.svc = svc.New(s.console, log, cfg.Trace)
	if p.Boot.HeapSize != 0 {
		s.arena = svc.NewArena(p.HeapBase(), p.Boot.HeapSize)
		if err := s.arena.Install(s.svc); err != nil {
			return nil, err
		}
	}

	conduit := exception.ClassSMC64
	if p.PSCI.Method == platform.MethodHVC {
		conduit = exception.ClassHVC64
	}
	cfg.Bridge.OnCPUOff(s.powerDown)
	cfg.Handlers.HandleSync(conduit, cfg.Bridge.HandleTrap)
	cfg.Handlers.HandleSync(exception.ClassSVC64, s.svc.HandleTrap)
	if err := cfg.Handlers.HandleIRQ(IPI, s.handleIPI); err != nil {
		return nil, err
	}
	for _, r := range cfg.IRQs {
		if err := cfg.Handlers.HandleIRQ(r.ID, r.Handler); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *System) handleIPI(core affinity.CoreIndex, id gic.InterruptID) {
	s.ipis[core].Add(1)
	s.cfg.Trace.Record(trace.KindSGI, uint32(core), uint64(id))
}

// powerDown runs on a core leaving through CPU_OFF. Its redistributor goes
// back to sleep so the next start performs a full wake.
func (s *System) powerDown(cpu hw.CPU, self affinity.CoreIndex) error {
	cpu.MaskInterrupts()
	s.mu.Lock()
	c := s.cores[self]
	s.cores[self] = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	if err := c.GIC.Quiesce(); err != nil {
		return fmt.Errorf("boot: core %d: %w", self, err)
	}
	return nil
}

// Topology returns the resolved core topology.
func (s *System) Topology() affinity.Topology { return s.topo }

// Vectors returns the generated vector table.
func (s *System) Vectors() asm.Program { return s.vectors }

// SVC returns the supervisor call table.
func (s *System) SVC() *svc.Table { return s.svc }

// Arena returns the MEM_ALLOC arena, or nil when the platform has no heap.
func (s *System) Arena() *svc.Arena { return s.arena }

// Console returns the shared console.
func (s *System) Console() console.Console { return s.console }

// IPIs returns how many IPIs core has taken.
func (s *System) IPIs(core affinity.CoreIndex) uint64 {
	if !s.topo.Contains(core) {
		return 0
	}
	return s.ipis[core].Load()
}

// Core returns the booted core at index.
func (s *System) Core(index affinity.CoreIndex) (*Core, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.topo.Contains(index) || s.cores[index] == nil {
		return nil, fmt.Errorf("%w: core %d", ErrNotBooted, index)
	}
	return s.cores[index], nil
}

// Dispatcher returns the exception dispatcher of a booted core.
func (s *System) Dispatcher(index affinity.CoreIndex) (*exception.Dispatcher, error) {
	c, err := s.Core(index)
	if err != nil {
		return nil, err
	}
	return c.disp, nil
}

func (s *System) secondaries() []affinity.CoreIndex {
	if s.cfg.Secondaries != nil {
		return s.cfg.Secondaries
	}
	var out []affinity.CoreIndex
	for i := 1; i < s.topo.MaxCores(); i++ {
		out = append(out, affinity.CoreIndex(i))
	}
	return out
}

func (s *System) loadVectors() {
	base := s.cfg.Platform.Boot.Vectors
	code := s.vectors.Bytes()
	for off := 0; off+4 <= len(code); off += 4 {
		s.cfg.Bus.Write32(base+uint64(off), binary.LittleEndian.Uint32(code[off:]))
	}
}

// join brings up the local side of one core: redistributor, CPU
// interface, VBAR, dispatcher and the IPI.
func (s *System) join(cpu hw.CPU, conduit Conduit, index affinity.CoreIndex, drv *gic.Driver) (*Core, error) {
	if err := drv.InitLocal(); err != nil {
		return nil, fmt.Errorf("boot: core %d: %w", index, err)
	}
	if err := exception.Install(cpu, s.cfg.Platform.Boot.Vectors); err != nil {
		return nil, err
	}
	c := &Core{Index: index, CPU: cpu, Conduit: conduit, GIC: drv, sys: s}
	c.disp = exception.New(exception.Config{
		CPU:        cpu,
		Core:       index,
		Interrupts: drv,
		Handlers:   s.handlers,
		Console:    console.NewWriter(s.console, true),
		Log:        s.log,
		Trace:      s.cfg.Trace,
	})
	s.mu.Lock()
	s.cores[index] = c
	s.mu.Unlock()
	if err := drv.Enable(IPI); err != nil {
		return nil, err
	}
	return c, nil
}

// Primary boots core 0 and starts the secondaries. It returns once every
// CPU_ON has been accepted; use WaitOnline to wait for the cores.
func (s *System) Primary(ctx context.Context, cpu hw.CPU, conduit Conduit) (*Core, error) {
	self, err := s.topo.Current(cpu)
	if err != nil {
		return nil, fmt.Errorf("boot: %w", err)
	}
	if self != 0 {
		return nil, fmt.Errorf("%w: core %d", ErrNotPrimary, self)
	}
	p := &s.cfg.Platform
	if err := s.console.Init(); err != nil {
		return nil, fmt.Errorf("boot: console: %w", err)
	}
	drv, err := gic.New(p.GICDriverConfig(), s.cfg.Bus, cpu, s.topo, s.log)
	if err != nil {
		return nil, err
	}
	info, err := drv.InitDistributor()
	if err != nil {
		return nil, fmt.Errorf("boot: distributor: %w", err)
	}
	s.log.Info("gic up", "gic", info.String())

	s.loadVectors()
	c, err := s.join(cpu, conduit, 0, drv)
	if err != nil {
		return nil, err
	}
	for _, r := range s.cfg.IRQs {
		if err := drv.SetTrigger(r.ID, r.Trigger); err != nil {
			return nil, err
		}
		if err := drv.Route(r.ID, r.Core); err != nil {
			return nil, err
		}
		if err := drv.Enable(r.ID); err != nil {
			return nil, err
		}
	}
	cpu.UnmaskInterrupts()

	for _, idx := range s.secondaries() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		aff, err := s.topo.ToAffinity(idx)
		if err != nil {
			return nil, err
		}
		ret := conduit.PSCI(psci.Call{
			Function: psci.CPUOn64,
			Args:     [6]uint64{uint64(aff), p.Boot.SecondaryEntry, uint64(idx)},
		})
		if rc := psci.ReturnCode(int32(ret)); rc != psci.Success {
			return nil, fmt.Errorf("%w: core %d: %s", ErrStartFailed, idx, rc)
		}
		s.log.Debug("secondary released", "core", uint32(idx), "mpidr", aff.String())
	}
	return c, nil
}

// WaitOnline parks the primary until every started secondary is On.
func (s *System) WaitOnline(ctx context.Context, c *Core) error {
	table := s.cfg.Bridge.Table()
	for _, idx := range s.secondaries() {
		err := hw.Poll(s.cfg.Platform.SpinLimit, func() bool {
			if ctx.Err() != nil {
				return true
			}
			if st, _ := table.State(idx); st == lifecycle.On {
				return true
			}
			c.CPU.WaitForEvent()
			return false
		})
		if err := ctx.Err(); err != nil {
			return err
		}
		if err != nil {
			return fmt.Errorf("%w: core %d: %v", ErrNeverStarted, idx, err)
		}
	}
	return nil
}

// WaitIPIs parks c until it has taken at least n IPIs.
func (s *System) WaitIPIs(ctx context.Context, c *Core, n uint64) error {
	err := hw.Poll(s.cfg.Platform.SpinLimit, func() bool {
		if ctx.Err() != nil || s.IPIs(c.Index) >= n {
			return true
		}
		c.CPU.WaitForEvent()
		return false
	})
	if err := ctx.Err(); err != nil {
		return err
	}
	if err != nil {
		return fmt.Errorf("boot: core %d took %d of %d IPIs: %w", c.Index, s.IPIs(c.Index), n, err)
	}
	return nil
}

// Secondary runs on a secondary core from reset: it waits for CPU_ON,
// joins the interrupt controller, reports itself started and runs the
// entry program. A core that leaves through CPU_OFF comes back here from
// reset and waits for its next CPU_ON. If the core cannot join, its slot
// is returned to Off before the error is reported.
func (s *System) Secondary(ctx context.Context, cpu hw.CPU, conduit Conduit) error {
	self, err := s.topo.Current(cpu)
	if err != nil {
		return fmt.Errorf("boot: %w", err)
	}
	params, err := s.cfg.Bridge.WaitForRelease(cpu, self, s.cfg.Platform.SpinLimit)
	if err != nil {
		return err
	}
	c, err := s.start(cpu, conduit, self)
	if err != nil {
		if abortErr := s.cfg.Bridge.Abort(cpu, self, err); abortErr != nil {
			return errors.Join(err, abortErr)
		}
		return err
	}
	cpu.UnmaskInterrupts()
	if err := s.cfg.Bridge.Started(cpu, self); err != nil {
		return err
	}
	// The primary may be parked in WaitOnline.
	cpu.SendEvent()
	s.log.Info("core online", "core", uint32(self), "entry", fmt.Sprintf("%#x", params.EntryPoint),
		"context", fmt.Sprintf("%#x", params.ContextID))
	if s.cfg.Entry == nil {
		return nil
	}
	return s.cfg.Entry(ctx, c, params)
}

func (s *System) start(cpu hw.CPU, conduit Conduit, self affinity.CoreIndex) (*Core, error) {
	drv, err := gic.New(s.cfg.Platform.GICDriverConfig(), s.cfg.Bus, cpu, s.topo, s.log)
	if err != nil {
		return nil, err
	}
	c, err := s.join(cpu, conduit, self, drv)
	if err != nil {
		s.mu.Lock()
		s.cores[self] = nil
		s.mu.Unlock()
		return nil, err
	}
	return c, nil
}

// Dispatcher returns the core's exception dispatcher.
func (c *Core) Dispatcher() *exception.Dispatcher { return c.disp }

// Signal sends the IPI to target.
func (c *Core) Signal(target affinity.CoreIndex) error {
	return c.GIC.Signal(target, IPI)
}

type lockedConsole struct {
	mu sync.Mutex
	c  platform.Console
}

func (l *lockedConsole) Init() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.c.Init()
}

func (l *lockedConsole) WriteByte(b byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.c.WriteByte(b)
}

func (l *lockedConsole) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.c.Flush()
}
