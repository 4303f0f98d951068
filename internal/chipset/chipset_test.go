package chipset

import (
	"context"
	"errors"
	"testing"
)

type regDevice struct {
	base   uint64
	regs   map[uint64]byte
	starts int
	polls  int
	fail   error
}

func newRegDevice(base uint64) *regDevice {
	return &regDevice{base: base, regs: make(map[uint64]byte)}
}

func (d *regDevice) Start() error {
	d.starts++
	return nil
}

func (d *regDevice) Stop() error { return nil }

func (d *regDevice) Reset() error {
	d.regs = make(map[uint64]byte)
	return nil
}

func (d *regDevice) SupportsMmio() *MmioIntercept {
	return &MmioIntercept{Regions: []MMIORegion{{Address: d.base, Size: 0x100}}, Handler: d}
}

func (d *regDevice) SupportsPollDevice() *PollDevice { return &PollDevice{Handler: d} }

func (d *regDevice) Poll(context.Context) error {
	d.polls++
	return d.fail
}

func (d *regDevice) ReadMMIO(addr uint64, data []byte) error {
	if d.fail != nil {
		return d.fail
	}
	for i := range data {
		data[i] = d.regs[addr+uint64(i)]
	}
	return nil
}

func (d *regDevice) WriteMMIO(addr uint64, data []byte) error {
	for i, b := range data {
		d.regs[addr+uint64(i)] = b
	}
	return nil
}

func TestBusAccess(t *testing.T) {
	b := NewBuilder()
	dev := newRegDevice(0x1000)
	if err := b.RegisterDevice("regs", dev); err != nil {
		t.Fatal(err)
	}
	cs, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	if err := cs.Start(); err != nil || dev.starts != 1 {
		t.Fatalf("Start = %v, starts %d", err, dev.starts)
	}

	cs.Write32(0x1010, 0xAABBCCDD)
	if got := cs.Read32(0x1010); got != 0xAABBCCDD {
		t.Fatalf("Read32 = %#x", got)
	}
	if got := cs.Read8(0x1011); got != 0xCC {
		t.Fatalf("Read8 = %#x", got)
	}
	cs.Write64(0x1020, 0x1122334455667788)
	if got := cs.Read64(0x1020); got != 0x1122334455667788 {
		t.Fatalf("Read64 = %#x", got)
	}
	if err := cs.Poll(context.Background()); err != nil || dev.polls != 1 {
		t.Fatalf("Poll = %v, polls %d", err, dev.polls)
	}
	if got, ok := cs.Device("regs"); !ok || got != Device(dev) {
		t.Fatal("Device lookup failed")
	}
}

func TestBusFault(t *testing.T) {
	b := NewBuilder()
	dev := newRegDevice(0x1000)
	if err := b.RegisterDevice("regs", dev); err != nil {
		t.Fatal(err)
	}
	cs, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}

	fault := func(fn func()) (f *Fault) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			f = r.(*Fault)
		}()
		fn()
		return nil
	}

	f := fault(func() { cs.Write32(0x2000, 1) })
	if f == nil || f.Addr != 0x2000 || !f.Write {
		t.Fatalf("unmapped write fault = %+v", f)
	}
	// Straddles the end of the region.
	if f := fault(func() { cs.Read32(0x10FE) }); f == nil {
		t.Fatal("straddling read did not fault")
	}

	dev.fail = errors.New("device wedged")
	f = fault(func() { cs.Read32(0x1000) })
	if f == nil || !errors.Is(f, dev.fail) {
		t.Fatalf("handler error fault = %+v", f)
	}
}

func TestBuilderRejects(t *testing.T) {
	b := NewBuilder()
	if err := b.RegisterDevice("a", newRegDevice(0x1000)); err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name string
		dev  Device
	}{
		{"a", newRegDevice(0x3000)},
		{"", newRegDevice(0x3000)},
		{"overlap", newRegDevice(0x1080)},
		{"nil", nil},
	}
	for _, tt := range tests {
		if err := b.RegisterDevice(tt.name, tt.dev); err == nil {
			t.Fatalf("RegisterDevice(%q) accepted", tt.name)
		}
	}
	if err := b.WithMmioRegion(0x8000, 0, newRegDevice(0)); err == nil {
		t.Fatal("zero-sized region accepted")
	}
}

type recordingSink struct {
	events []bool
}

func (s *recordingSink) SetIRQ(line uint32, level bool) {
	s.events = append(s.events, level)
}

func TestLineSet(t *testing.T) {
	sink := &recordingSink{}
	ls := NewLineSet(sink)
	line := ls.AllocateLine(33)

	line.SetLevel(true)
	line.SetLevel(true)
	if !ls.Level(33) || len(sink.events) != 1 {
		t.Fatalf("level %v, events %v", ls.Level(33), sink.events)
	}
	line.SetLevel(false)
	line.PulseInterrupt()
	if want := []bool{true, false, true, false}; len(sink.events) != len(want) {
		t.Fatalf("events = %v, want %v", sink.events, want)
	}

	eois := 0
	ls.RegisterEOICallback(33, func() { eois++ })
	ls.HandleEOI(33)
	ls.HandleEOI(34)
	if eois != 1 {
		t.Fatalf("eoi callbacks = %d", eois)
	}
}
