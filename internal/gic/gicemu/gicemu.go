// Package gicemu is a register-level GICv3 model used by the simulator and
// by tests. It implements the distributor and redistributor frames as a
// chipset device and the ICC system registers for each core.
package gicemu

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/tinyrange/bringup/internal/affinity"
	"github.com/tinyrange/bringup/internal/chipset"
	"github.com/tinyrange/bringup/internal/hw"
)

// Register offsets, shared by the distributor and the SGI_base frame where
// the layouts coincide.
const (
	gicdCtlr       = 0x0000
	gicdTyper      = 0x0004
	gicdIidr       = 0x0008
	gicdIgroupr    = 0x0080
	gicdIsenabler  = 0x0100
	gicdIcenabler  = 0x0180
	gicdIspendr    = 0x0200
	gicdIcpendr    = 0x0280
	gicdIsactiver  = 0x0300
	gicdIcactiver  = 0x0380
	gicdIpriorityr = 0x0400
	gicdIcfgr      = 0x0C00
	gicdIgrpmodr   = 0x0D00
	gicdIrouter    = 0x6000
	gicdPidr2      = 0xFFE8

	gicrCtlr    = 0x0000
	gicrIidr    = 0x0004
	gicrTyper   = 0x0008
	gicrWaker   = 0x0014
	gicrPidr2   = 0xFFE8
	gicrSGIBase = 0x10000

	distributorSize = 0x10000
	frameSize       = 0x20000

	ctlrEnableGrp1  = 1 << 0
	ctlrEnableGrp1A = 1 << 1
	ctlrAreNS       = 1 << 4

	wakerProcessorSleep = 1 << 1
	wakerChildrenAsleep = 1 << 2

	archRevGICv3 = 0x30
	iidrARM      = 0x0200043B

	spurious  = 1023
	idleRPR   = 0xFF
	maxLines  = 1020
	bankedIDs = 32
)

// Config describes the modelled controller.
type Config struct {
	DistributorBase   uint64
	RedistributorBase uint64
	Topology          affinity.Topology
	// Lines is the number of implemented INTIDs including SGIs and PPIs,
	// rounded up to a multiple of 32. Zero selects 256.
	Lines int
	// WakeDelay is the number of WAKER reads that still report
	// ChildrenAsleep after ProcessorSleep is cleared.
	WakeDelay int
}

type irq struct {
	enabled  bool
	pending  bool
	active   bool
	group1   bool
	edge     bool
	priority uint8
}

type core struct {
	aff affinity.AffinityID

	banked [bankedIDs]irq

	waker      uint32
	wakeReads  int
	stuck      bool
	sre        uint64
	pmr        uint8
	bpr        uint64
	ctlr       uint64
	igrpen1    bool
	activeList []uint32
}

// GIC is the modelled controller.
type GIC struct {
	cfg Config

	mu    sync.Mutex
	ctlr  uint32
	spi   [maxLines]irq
	route [maxLines]uint64
	cores []*core

	notify func(core affinity.CoreIndex)
	eoi    chipset.EOITarget
}

// New builds a controller in its reset state.
func New(cfg Config) (*GIC, error) {
	if err := cfg.Topology.Validate(); err != nil {
		return nil, err
	}
	if cfg.Lines == 0 {
		cfg.Lines = 256
	}
	if cfg.Lines < bankedIDs || cfg.Lines > 1024 || cfg.Lines%32 != 0 {
		return nil, fmt.Errorf("gicemu: %d lines is not a multiple of 32 in [32, 1024]", cfg.Lines)
	}
	g := &GIC{cfg: cfg}
	for i := 0; i < cfg.Topology.MaxCores(); i++ {
		g.cores = append(g.cores, &core{aff: cfg.Topology.MustAffinity(affinity.CoreIndex(i))})
	}
	g.resetLocked()
	return g, nil
}

func (g *GIC) resetLocked() {
	g.ctlr = 0
	for i := range g.spi {
		g.spi[i] = irq{}
		g.route[i] = 0
	}
	for _, c := range g.cores {
		stuck := c.stuck
		*c = core{aff: c.aff, stuck: stuck}
		c.waker = wakerProcessorSleep | wakerChildrenAsleep
		c.pmr = 0
		for i := range c.banked {
			// SGIs are always edge triggered.
			c.banked[i].edge = i < 16
		}
	}
}

// OnPending registers fn to be called, without the lock held, whenever an
// interrupt may have become deliverable to a core.
func (g *GIC) OnPending(fn func(core affinity.CoreIndex)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.notify = fn
}

// AttachEOITarget forwards completed SPIs to target.
func (g *GIC) AttachEOITarget(target chipset.EOITarget) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.eoi = target
}

// SetStuckAsleep makes a core's redistributor ignore wake requests.
func (g *GIC) SetStuckAsleep(index affinity.CoreIndex, stuck bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cores[index].stuck = stuck
}

func (g *GIC) kick(cores []affinity.CoreIndex) {
	g.mu.Lock()
	fn := g.notify
	g.mu.Unlock()
	if fn == nil {
		return
	}
	for _, c := range cores {
		fn(c)
	}
}

func (g *GIC) allCores() []affinity.CoreIndex {
	out := make([]affinity.CoreIndex, len(g.cores))
	for i := range out {
		out[i] = affinity.CoreIndex(i)
	}
	return out
}

// SetIRQ drives the input of SPI line. Rising edges and high levels set the
// pending state; level interrupts clear it when the line drops.
func (g *GIC) SetIRQ(line uint32, level bool) {
	if line < bankedIDs || line >= uint32(g.cfg.Lines) || line >= maxLines {
		return
	}
	g.mu.Lock()
	s := &g.spi[line]
	if level {
		s.pending = true
	} else if !s.edge {
		s.pending = false
	}
	g.mu.Unlock()
	if level {
		g.kick(g.allCores())
	}
}

// State reports enable, pending and active for id as seen by core.
func (g *GIC) State(index affinity.CoreIndex, id uint32) (enabled, pending, active bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.irqLocked(index, id)
	if s == nil {
		return false, false, false
	}
	return s.enabled, s.pending, s.active
}

// Priority reports the priority byte of id as seen by core.
func (g *GIC) Priority(index affinity.CoreIndex, id uint32) uint8 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s := g.irqLocked(index, id); s != nil {
		return s.priority
	}
	return 0
}

// DistributorEnabled reports whether affinity routing and Group 1 are on.
func (g *GIC) DistributorEnabled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ctlr&ctlrAreNS != 0 && g.ctlr&(ctlrEnableGrp1|ctlrEnableGrp1A) != 0
}

func (g *GIC) irqLocked(index affinity.CoreIndex, id uint32) *irq {
	if id < bankedIDs {
		if int(index) >= len(g.cores) {
			return nil
		}
		return &g.cores[index].banked[id]
	}
	if id >= uint32(g.cfg.Lines) || id >= maxLines {
		return nil
	}
	return &g.spi[id]
}

func (g *GIC) coreByAffinity(aff affinity.AffinityID) (affinity.CoreIndex, bool) {
	for i, c := range g.cores {
		if c.aff.Fields() == aff.Fields() {
			return affinity.CoreIndex(i), true
		}
	}
	return 0, false
}

var _ chipset.InterruptSink = (*GIC)(nil)

// chipset.Device

func (g *GIC) Start() error { return nil }
func (g *GIC) Stop() error  { return nil }

func (g *GIC) Reset() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resetLocked()
	return nil
}

func (g *GIC) SupportsMmio() *chipset.MmioIntercept {
	return &chipset.MmioIntercept{
		Regions: []chipset.MMIORegion{
			{Address: g.cfg.DistributorBase, Size: distributorSize},
			{Address: g.cfg.RedistributorBase, Size: frameSize * uint64(len(g.cores))},
		},
		Handler: g,
	}
}

func (g *GIC) SupportsPollDevice() *chipset.PollDevice { return nil }

var _ chipset.Device = (*GIC)(nil)

func readLE(data []byte) uint64 {
	var tmp [8]byte
	copy(tmp[:], data)
	return binary.LittleEndian.Uint64(tmp[:])
}

func writeLE(data []byte, value uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], value)
	copy(data, tmp[:len(data)])
}

func (g *GIC) ReadMMIO(addr uint64, data []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	value, err := g.readLocked(addr, len(data))
	if err != nil {
		return err
	}
	writeLE(data, value)
	return nil
}

func (g *GIC) WriteMMIO(addr uint64, data []byte) error {
	g.mu.Lock()
	kick, err := g.writeLocked(addr, len(data), readLE(data))
	g.mu.Unlock()
	if err != nil {
		return err
	}
	if kick {
		g.kick(g.allCores())
	}
	return nil
}

func (g *GIC) locate(addr uint64) (dist bool, index affinity.CoreIndex, off uint64, err error) {
	if addr >= g.cfg.DistributorBase && addr < g.cfg.DistributorBase+distributorSize {
		return true, 0, addr - g.cfg.DistributorBase, nil
	}
	end := g.cfg.RedistributorBase + frameSize*uint64(len(g.cores))
	if addr >= g.cfg.RedistributorBase && addr < end {
		rel := addr - g.cfg.RedistributorBase
		return false, affinity.CoreIndex(rel / frameSize), rel % frameSize, nil
	}
	return false, 0, 0, fmt.Errorf("gicemu: address 0x%x outside the controller", addr)
}

func (g *GIC) readLocked(addr uint64, width int) (uint64, error) {
	dist, index, off, err := g.locate(addr)
	if err != nil {
		return 0, err
	}
	if dist {
		return g.readDistributor(off, width)
	}
	return g.readRedistributor(g.cores[index], index, off, width)
}

func (g *GIC) writeLocked(addr uint64, width int, value uint64) (bool, error) {
	dist, index, off, err := g.locate(addr)
	if err != nil {
		return false, err
	}
	if dist {
		return g.writeDistributor(off, width, value)
	}
	return g.writeRedistributor(g.cores[index], off, width, value)
}

func (g *GIC) readDistributor(off uint64, width int) (uint64, error) {
	switch {
	case off == gicdCtlr:
		return uint64(g.ctlr), nil
	case off == gicdTyper:
		return uint64(g.cfg.Lines/32 - 1), nil
	case off == gicdIidr:
		return iidrARM, nil
	case off == gicdPidr2:
		return archRevGICv3, nil
	case off >= gicdIrouter && off < gicdIrouter+maxLines*8:
		id := (off - gicdIrouter) / 8
		return g.route[id] >> ((off % 8) * 8), nil
	}
	return g.readBank(off, width, func(id uint32) *irq {
		if id < bankedIDs {
			// RAZ: banked ids live in the redistributors once ARE is set.
			return nil
		}
		return g.irqLocked(0, id)
	})
}

func (g *GIC) writeDistributor(off uint64, width int, value uint64) (bool, error) {
	switch {
	case off == gicdCtlr:
		g.ctlr = uint32(value) & (ctlrEnableGrp1 | ctlrEnableGrp1A | ctlrAreNS)
		return true, nil
	case off >= gicdIrouter && off < gicdIrouter+maxLines*8:
		id := (off - gicdIrouter) / 8
		if width == 8 {
			g.route[id] = value
		} else if off%8 == 0 {
			g.route[id] = g.route[id]&^0xFFFFFFFF | value&0xFFFFFFFF
		} else {
			g.route[id] = g.route[id]&0xFFFFFFFF | value<<32
		}
		return true, nil
	}
	return g.writeBank(off, width, value, func(id uint32) *irq {
		if id < bankedIDs {
			return nil
		}
		return g.irqLocked(0, id)
	})
}

func (g *GIC) readRedistributor(c *core, index affinity.CoreIndex, off uint64, width int) (uint64, error) {
	switch off {
	case gicrCtlr:
		return 0, nil
	case gicrIidr:
		return iidrARM, nil
	case gicrTyper:
		aff := c.aff
		v := uint64(aff.Aff3())<<56 | uint64(aff.Aff2())<<48 | uint64(aff.Aff1())<<40 | uint64(aff.Aff0())<<32
		v |= uint64(index) << 8
		if int(index) == len(g.cores)-1 {
			v |= 1 << 4
		}
		return v, nil
	case gicrTyper + 4:
		aff := c.aff
		return uint64(aff.Aff3())<<24 | uint64(aff.Aff2())<<16 | uint64(aff.Aff1())<<8 | uint64(aff.Aff0()), nil
	case gicrWaker:
		if c.waker&wakerProcessorSleep == 0 && c.waker&wakerChildrenAsleep != 0 && !c.stuck {
			if c.wakeReads >= g.cfg.WakeDelay {
				c.waker &^= wakerChildrenAsleep
			}
			c.wakeReads++
		}
		return uint64(c.waker), nil
	case gicrPidr2, gicrSGIBase + gicrPidr2:
		return archRevGICv3, nil
	}
	if off >= gicrSGIBase {
		return g.readBank(off-gicrSGIBase, width, func(id uint32) *irq {
			if id >= bankedIDs {
				return nil
			}
			return &c.banked[id]
		})
	}
	return 0, nil
}

func (g *GIC) writeRedistributor(c *core, off uint64, width int, value uint64) (bool, error) {
	if off == gicrWaker {
		if value&wakerProcessorSleep == 0 {
			if c.waker&wakerProcessorSleep != 0 {
				c.wakeReads = 0
			}
			c.waker &^= wakerProcessorSleep
		} else {
			c.waker |= wakerProcessorSleep | wakerChildrenAsleep
		}
		return false, nil
	}
	if off >= gicrSGIBase {
		return g.writeBank(off-gicrSGIBase, width, value, func(id uint32) *irq {
			if id >= bankedIDs {
				return nil
			}
			return &c.banked[id]
		})
	}
	return false, nil
}

// bitBank returns the first id covered by a one-bit-per-id register.
func bitBank(off, base uint64) (uint32, bool) {
	if off >= base && off < base+0x80 {
		return uint32(off-base) * 8, true
	}
	return 0, false
}

func (g *GIC) readBank(off uint64, width int, lookup func(uint32) *irq) (uint64, error) {
	bitRead := func(first uint32, get func(*irq) bool) uint64 {
		var v uint64
		for i := uint32(0); i < 32; i++ {
			if s := lookup(first + i); s != nil && get(s) {
				v |= 1 << i
			}
		}
		return v
	}
	switch {
	case off >= gicdIgroupr && off < gicdIgroupr+0x80:
		first, _ := bitBank(off, gicdIgroupr)
		return bitRead(first, func(s *irq) bool { return s.group1 }), nil
	case off >= gicdIsenabler && off < gicdIcenabler+0x80:
		first, ok := bitBank(off, gicdIsenabler)
		if !ok {
			first, _ = bitBank(off, gicdIcenabler)
		}
		return bitRead(first, func(s *irq) bool { return s.enabled }), nil
	case off >= gicdIspendr && off < gicdIcpendr+0x80:
		first, ok := bitBank(off, gicdIspendr)
		if !ok {
			first, _ = bitBank(off, gicdIcpendr)
		}
		return bitRead(first, func(s *irq) bool { return s.pending }), nil
	case off >= gicdIsactiver && off < gicdIcactiver+0x80:
		first, ok := bitBank(off, gicdIsactiver)
		if !ok {
			first, _ = bitBank(off, gicdIcactiver)
		}
		return bitRead(first, func(s *irq) bool { return s.active }), nil
	case off >= gicdIpriorityr && off < gicdIpriorityr+maxLines:
		var v uint64
		for i := 0; i < width; i++ {
			if s := lookup(uint32(off-gicdIpriorityr) + uint32(i)); s != nil {
				v |= uint64(s.priority) << (8 * i)
			}
		}
		return v, nil
	case off >= gicdIcfgr && off < gicdIcfgr+0x100:
		first := uint32(off-gicdIcfgr) * 4
		var v uint64
		for i := uint32(0); i < 16; i++ {
			if s := lookup(first + i); s != nil && s.edge {
				v |= 2 << (2 * i)
			}
		}
		return v, nil
	}
	return 0, nil
}

func (g *GIC) writeBank(off uint64, width int, value uint64, lookup func(uint32) *irq) (bool, error) {
	bitWrite := func(base uint64, set func(*irq)) {
		first, _ := bitBank(off, base)
		for i := uint32(0); i < 32; i++ {
			if value&(1<<i) == 0 {
				continue
			}
			if s := lookup(first + i); s != nil {
				set(s)
			}
		}
	}
	switch {
	case off >= gicdIgroupr && off < gicdIgroupr+0x80:
		first, _ := bitBank(off, gicdIgroupr)
		for i := uint32(0); i < 32; i++ {
			if s := lookup(first + i); s != nil {
				s.group1 = value&(1<<i) != 0
			}
		}
	case off >= gicdIsenabler && off < gicdIsenabler+0x80:
		bitWrite(gicdIsenabler, func(s *irq) { s.enabled = true })
		return true, nil
	case off >= gicdIcenabler && off < gicdIcenabler+0x80:
		bitWrite(gicdIcenabler, func(s *irq) { s.enabled = false })
	case off >= gicdIspendr && off < gicdIspendr+0x80:
		bitWrite(gicdIspendr, func(s *irq) { s.pending = true })
		return true, nil
	case off >= gicdIcpendr && off < gicdIcpendr+0x80:
		bitWrite(gicdIcpendr, func(s *irq) { s.pending = false })
	case off >= gicdIsactiver && off < gicdIsactiver+0x80:
		bitWrite(gicdIsactiver, func(s *irq) { s.active = true })
	case off >= gicdIcactiver && off < gicdIcactiver+0x80:
		bitWrite(gicdIcactiver, func(s *irq) { s.active = false })
	case off >= gicdIpriorityr && off < gicdIpriorityr+maxLines:
		for i := 0; i < width; i++ {
			if s := lookup(uint32(off-gicdIpriorityr) + uint32(i)); s != nil {
				s.priority = uint8(value >> (8 * i))
			}
		}
		return true, nil
	case off >= gicdIcfgr && off < gicdIcfgr+0x100:
		first := uint32(off-gicdIcfgr) * 4
		for i := uint32(0); i < 16; i++ {
			if s := lookup(first + i); s != nil && first+i >= 16 {
				s.edge = value&(2<<(2*i)) != 0
			}
		}
	}
	return false, nil
}

// routedTo reports whether SPI id may be delivered to core index.
func (g *GIC) routedTo(id uint32, index affinity.CoreIndex) bool {
	route := g.route[id]
	if route&(1<<31) != 0 {
		return true
	}
	aff := affinity.AffinityID(route&0xFFFFFF | (route>>32&0xFF)<<32)
	return g.cores[index].aff.Fields() == aff
}

// highestLocked picks the most urgent deliverable interrupt for a core:
// lowest priority value first, then lowest id.
func (g *GIC) highestLocked(index affinity.CoreIndex) (uint32, uint8) {
	c := g.cores[index]
	best, bestPrio := uint32(spurious), uint8(idleRPR)
	found := false
	if g.ctlr&ctlrAreNS == 0 || g.ctlr&(ctlrEnableGrp1|ctlrEnableGrp1A) == 0 || !c.igrpen1 {
		return spurious, idleRPR
	}
	if c.waker&wakerProcessorSleep != 0 {
		return spurious, idleRPR
	}
	consider := func(id uint32, s *irq) {
		if !s.enabled || !s.pending || s.active || !s.group1 {
			return
		}
		if !found || s.priority < bestPrio {
			best, bestPrio, found = id, s.priority, true
		}
	}
	for id := uint32(0); id < bankedIDs; id++ {
		consider(id, &c.banked[id])
	}
	for id := uint32(bankedIDs); id < uint32(g.cfg.Lines) && id < maxLines; id++ {
		if g.routedTo(id, index) {
			consider(id, &g.spi[id])
		}
	}
	if !found {
		return spurious, idleRPR
	}
	if bestPrio >= c.pmr || bestPrio >= g.runningLocked(c) {
		return spurious, idleRPR
	}
	return best, bestPrio
}

func (g *GIC) runningLocked(c *core) uint8 {
	running := uint8(idleRPR)
	for _, id := range c.activeList {
		if s := g.irqLocked(g.indexOf(c), id); s != nil && s.priority < running {
			running = s.priority
		}
	}
	return running
}

func (g *GIC) indexOf(c *core) affinity.CoreIndex {
	for i, other := range g.cores {
		if other == c {
			return affinity.CoreIndex(i)
		}
	}
	return 0
}

// IRQPending reports whether core would take an IRQ if unmasked.
func (g *GIC) IRQPending(index affinity.CoreIndex) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	id, _ := g.highestLocked(index)
	return id != spurious
}

// ReadSysReg serves the ICC registers of core. ok is false for registers
// the controller does not own.
func (g *GIC) ReadSysReg(index affinity.CoreIndex, reg hw.SysReg) (uint64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c := g.cores[index]
	switch reg {
	case hw.ICC_IAR1_EL1:
		id, _ := g.highestLocked(index)
		if id == spurious {
			return spurious, true
		}
		s := g.irqLocked(index, id)
		s.active = true
		s.pending = false
		c.activeList = append(c.activeList, id)
		return uint64(id), true
	case hw.ICC_HPPIR1_EL1:
		id, _ := g.highestLocked(index)
		return uint64(id), true
	case hw.ICC_RPR_EL1:
		return uint64(g.runningLocked(c)), true
	case hw.ICC_PMR_EL1:
		return uint64(c.pmr), true
	case hw.ICC_SRE_EL1:
		return c.sre, true
	case hw.ICC_BPR1_EL1:
		return c.bpr, true
	case hw.ICC_CTLR_EL1:
		return c.ctlr, true
	case hw.ICC_IGRPEN1_EL1:
		if c.igrpen1 {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// WriteSysReg serves ICC register writes from core.
func (g *GIC) WriteSysReg(index affinity.CoreIndex, reg hw.SysReg, value uint64) bool {
	var kick []affinity.CoreIndex
	var eoi chipset.EOITarget
	var completed uint32 = spurious

	g.mu.Lock()
	c := g.cores[index]
	switch reg {
	case hw.ICC_EOIR1_EL1:
		id := uint32(value & 0xFFFFFF)
		for i := len(c.activeList) - 1; i >= 0; i-- {
			if c.activeList[i] == id {
				c.activeList = append(c.activeList[:i], c.activeList[i+1:]...)
				if s := g.irqLocked(index, id); s != nil {
					s.active = false
				}
				completed = id
				break
			}
		}
		eoi = g.eoi
		kick = []affinity.CoreIndex{index}
	case hw.ICC_SGI1R_EL1:
		kick = g.sgiLocked(index, value)
	case hw.ICC_PMR_EL1:
		c.pmr = uint8(value)
		kick = []affinity.CoreIndex{index}
	case hw.ICC_SRE_EL1:
		c.sre = value & 0x7
	case hw.ICC_BPR1_EL1:
		c.bpr = value & 0x7
	case hw.ICC_CTLR_EL1:
		c.ctlr = value
	case hw.ICC_IGRPEN1_EL1:
		c.igrpen1 = value&1 != 0
		kick = []affinity.CoreIndex{index}
	default:
		g.mu.Unlock()
		return false
	}
	g.mu.Unlock()

	if eoi != nil && completed >= bankedIDs && completed != spurious {
		eoi.HandleEOI(completed)
	}
	g.kick(kick)
	return true
}

func (g *GIC) sgiLocked(self affinity.CoreIndex, value uint64) []affinity.CoreIndex {
	id := uint32(value>>24) & 0xF
	var targets []affinity.CoreIndex
	if value&(1<<40) != 0 {
		for i := range g.cores {
			if affinity.CoreIndex(i) != self {
				targets = append(targets, affinity.CoreIndex(i))
			}
		}
	} else {
		list := value & 0xFFFF
		base := uint64(value>>16&0xFF)<<8 | uint64(value>>32&0xFF)<<16 | uint64(value>>48&0xFF)<<32
		for bit := uint64(0); bit < 16; bit++ {
			if list&(1<<bit) == 0 {
				continue
			}
			if index, ok := g.coreByAffinity(affinity.AffinityID(base | bit)); ok {
				targets = append(targets, index)
			}
		}
	}
	for _, t := range targets {
		g.cores[t].banked[id].pending = true
	}
	return targets
}
