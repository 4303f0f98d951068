// Package sim runs the bring-up code against modelled hardware: one
// goroutine per core, a GICv3 model, RAM and the platform UART behind a
// chipset bus.
package sim

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/charmbracelet/x/ansi"
	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/bringup/internal/affinity"
	"github.com/tinyrange/bringup/internal/boot"
	"github.com/tinyrange/bringup/internal/chipset"
	"github.com/tinyrange/bringup/internal/devices/linflex"
	"github.com/tinyrange/bringup/internal/devices/pl011"
	"github.com/tinyrange/bringup/internal/devices/ram"
	"github.com/tinyrange/bringup/internal/gic/gicemu"
	"github.com/tinyrange/bringup/internal/hw"
	"github.com/tinyrange/bringup/internal/lifecycle"
	"github.com/tinyrange/bringup/internal/platform"
	"github.com/tinyrange/bringup/internal/psci"
	"github.com/tinyrange/bringup/internal/svc"
	"github.com/tinyrange/bringup/internal/trace"
)

// ErrHalted is returned when a core parks itself after a fatal exception.
var ErrHalted = errors.New("core halted")

// linflexInitDelay is how many LINSR reads the modelled LINFlexD takes to
// report init mode.
const linflexInitDelay = 2

// Options tune a Machine.
type Options struct {
	Log   *slog.Logger
	Trace *trace.Log

	// WakeDelay is the number of GICR_WAKER reads before a redistributor
	// reports itself awake.
	WakeDelay int
	// TxFullReads is the number of status reads per byte for which the
	// UART reports a full transmitter.
	TxFullReads int
	// StuckCores never see their redistributor wake.
	StuckCores []affinity.CoreIndex

	// Secondaries lists the cores the primary starts. Nil starts all.
	Secondaries []affinity.CoreIndex
	IRQs        []boot.IRQRoute
	// Program runs on each secondary once online. Nil selects Greet, and
	// the primary then waits for one IPI from every secondary.
	Program boot.EntryFunc
	// PrimaryProgram runs on core 0 once every secondary is online.
	PrimaryProgram func(ctx context.Context, m *Machine, c *boot.Core) error
}

// Machine is a simulated board.
type Machine struct {
	plat  platform.Platform
	opts  Options
	topo  affinity.Topology
	log   *slog.Logger
	bus   *chipset.Chipset
	emu   *gicemu.GIC
	mem   *ram.Device
	lines *chipset.LineSet
	out   transcript

	table  *lifecycle.Table
	bridge *psci.Bridge
	sys    *boot.System
	cores  []*Core

	mu      sync.Mutex
	stop    context.CancelFunc
	mutexes map[uint64]chan struct{}
}

// New assembles a machine for plat. Nothing runs until Run.
func New(plat platform.Platform, opts Options) (*Machine, error) {
	topo, err := plat.AffinityTopology()
	if err != nil {
		return nil, err
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	m := &Machine{
		plat:    plat,
		opts:    opts,
		topo:    topo,
		log:     log,
		mutexes: make(map[uint64]chan struct{}),
	}

	m.emu, err = gicemu.New(gicemu.Config{
		DistributorBase:   plat.GIC.Distributor,
		RedistributorBase: plat.GIC.Redistributor,
		Topology:          topo,
		Lines:             plat.GIC.Lines,
		WakeDelay:         opts.WakeDelay,
	})
	if err != nil {
		return nil, err
	}
	for _, idx := range opts.StuckCores {
		if !topo.Contains(idx) {
			return nil, fmt.Errorf("sim: stuck core %d outside topology", idx)
		}
		m.emu.SetStuckAsleep(idx, true)
	}
	m.lines = chipset.NewLineSet(m.emu)
	m.emu.AttachEOITarget(m.lines)

	m.mem = ram.New(plat.Memory.Base, plat.Memory.Size)
	var uart chipset.Device
	if plat.UART.Kind == platform.UARTLINFlex {
		uart = linflex.New(plat.UART.Base, &m.out, opts.TxFullReads, linflexInitDelay)
	} else {
		uart = pl011.New(plat.UART.Base, &m.out, opts.TxFullReads)
	}

	b := chipset.NewBuilder()
	if err := b.RegisterDevice("gic", m.emu); err != nil {
		return nil, err
	}
	if err := b.RegisterDevice("ram", m.mem); err != nil {
		return nil, err
	}
	if err := b.RegisterDevice("uart", uart); err != nil {
		return nil, err
	}
	if m.bus, err = b.Build(); err != nil {
		return nil, err
	}

	pcfg, err := plat.PSCIBridgeConfig()
	if err != nil {
		return nil, err
	}
	m.table = lifecycle.NewTable(topo.MaxCores(), 0)
	m.bridge = psci.New(pcfg, topo, m.table, psci.EventPlatform{
		Reset: m.Stop,
		Off:   m.Stop,
		Park:  park,
	}, log, opts.Trace)

	entry := opts.Program
	if entry == nil {
		entry = Greet
	}
	m.sys, err = boot.New(boot.Config{
		Platform:    plat,
		Bus:         m.bus,
		Bridge:      m.bridge,
		Log:         log,
		Trace:       opts.Trace,
		Secondaries: opts.Secondaries,
		IRQs:        opts.IRQs,
		Entry:       entry,
	})
	if err != nil {
		return nil, err
	}
	if err := m.sys.SVC().Register(svc.MutexLock, m.lockMutex); err != nil {
		return nil, err
	}
	if err := m.sys.SVC().Register(svc.MutexUnlock, m.unlockMutex); err != nil {
		return nil, err
	}

	for i := 0; i < topo.MaxCores(); i++ {
		m.cores = append(m.cores, newCore(m, affinity.CoreIndex(i)))
	}
	m.emu.OnPending(func(core affinity.CoreIndex) {
		if int(core) < len(m.cores) {
			m.cores[core].kick()
		}
	})
	return m, nil
}

// Platform returns the board description.
func (m *Machine) Platform() platform.Platform { return m.plat }

// Bus returns the physical address space.
func (m *Machine) Bus() hw.Bus { return m.bus }

// GIC returns the interrupt controller model.
func (m *Machine) GIC() *gicemu.GIC { return m.emu }

// RAM returns the memory device.
func (m *Machine) RAM() *ram.Device { return m.mem }

// Bridge returns the PSCI bridge shared by all cores.
func (m *Machine) Bridge() *psci.Bridge { return m.bridge }

// System returns the boot state.
func (m *Machine) System() *boot.System { return m.sys }

// Core returns the simulated core at index.
func (m *Machine) Core(index affinity.CoreIndex) *Core { return m.cores[index] }

// States returns every core's power state.
func (m *Machine) States() []lifecycle.PowerState { return m.table.Snapshot() }

// Line returns the input of SPI id.
func (m *Machine) Line(id uint32) chipset.LineInterrupt { return m.lines.AllocateLine(id) }

// OnEOI registers fn to run when SPI id completes.
func (m *Machine) OnEOI(id uint32, fn func()) { m.lines.RegisterEOICallback(id, fn) }

// Transcript is the UART output with escape sequences removed.
func (m *Machine) Transcript() string { return ansi.Strip(m.out.String()) }

// RawTranscript is the UART output as written.
func (m *Machine) RawTranscript() string { return m.out.String() }

// Stop ends a running machine. Cores unwind at their next wait.
func (m *Machine) Stop() {
	m.mu.Lock()
	stop := m.stop
	m.mu.Unlock()
	if stop != nil {
		stop()
	}
	for _, c := range m.cores {
		c.kick()
	}
}

func (m *Machine) secondaries() []affinity.CoreIndex {
	if m.opts.Secondaries != nil {
		return m.opts.Secondaries
	}
	var out []affinity.CoreIndex
	for i := 1; i < m.topo.MaxCores(); i++ {
		out = append(out, affinity.CoreIndex(i))
	}
	return out
}

// Run powers the board on and returns when the primary has finished its
// program, a core fails, or ctx is done.
func (m *Machine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.mu.Lock()
	m.stop = cancel
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range m.cores {
		c.ctx = gctx
	}
	primary := m.cores[0]
	g.Go(func() error {
		return primary.run(func() error {
			return m.runPrimary(gctx, primary)
		})
	})
	for _, c := range m.cores[1:] {
		g.Go(func() error {
			for {
				err := c.run(func() error {
					return m.sys.Secondary(gctx, c, c)
				})
				if !errors.Is(err, errPoweredOff) {
					return err
				}
				m.log.Debug("core powered down", "core", uint32(c.index))
				c.reset()
			}
		})
	}
	go func() {
		<-gctx.Done()
		for _, c := range m.cores {
			c.kick()
		}
	}()
	return g.Wait()
}

func (m *Machine) runPrimary(ctx context.Context, c *Core) error {
	core, err := m.sys.Primary(ctx, c, c)
	if err != nil {
		return err
	}
	if err := m.sys.WaitOnline(ctx, core); err != nil {
		return err
	}
	if m.opts.Program == nil {
		if err := m.sys.WaitIPIs(ctx, core, uint64(len(m.secondaries()))); err != nil {
			return err
		}
	}
	if m.opts.PrimaryProgram != nil {
		if err := m.opts.PrimaryProgram(ctx, m, core); err != nil {
			return err
		}
	}
	m.log.Info("bring-up complete", "online", m.countOn())
	m.Stop()
	return nil
}

func (m *Machine) countOn() int {
	n := 0
	for _, st := range m.table.Snapshot() {
		if st == lifecycle.On {
			n++
		}
	}
	return n
}

func (m *Machine) mutex(id uint64) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.mutexes[id]
	if !ok {
		ch = make(chan struct{}, 1)
		m.mutexes[id] = ch
	}
	return ch
}

// lockMutex serves MUTEX_LOCK: x0 names the mutex.
func (m *Machine) lockMutex(core affinity.CoreIndex, args svc.Args) uint64 {
	c := m.cores[core]
	select {
	case m.mutex(args[0]) <- struct{}{}:
		return svc.Success
	case <-c.ctx.Done():
		panic(stopped{})
	}
}

// unlockMutex serves MUTEX_UNLOCK. Unlocking a free mutex fails.
func (m *Machine) unlockMutex(core affinity.CoreIndex, args svc.Args) uint64 {
	select {
	case <-m.mutex(args[0]):
		return svc.Success
	default:
		return svc.NotSupported
	}
}

type transcript struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (t *transcript) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.Write(p)
}

func (t *transcript) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}

var _ boot.Conduit = (*Core)(nil)
