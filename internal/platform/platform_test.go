package platform

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/tinyrange/bringup/internal/console"
	"github.com/tinyrange/bringup/internal/fdt"
	"github.com/tinyrange/bringup/internal/hw/hwtest"
	"github.com/tinyrange/bringup/internal/psci"
)

func TestPresets(t *testing.T) {
	names := Presets()
	if len(names) != 2 || names[0] != "qemu-virt" || names[1] != "s32g3" {
		t.Fatalf("Presets = %v", names)
	}
	p, err := Preset("s32g3")
	if err != nil {
		t.Fatal(err)
	}
	topo, err := p.AffinityTopology()
	if err != nil {
		t.Fatal(err)
	}
	if topo.MaxCores() != 8 {
		t.Fatalf("s32g3 has %d cores", topo.MaxCores())
	}
	cfg := p.GICDriverConfig()
	if cfg.DistributorBase != 0x5080_0000 || cfg.RedistributorBase != 0x5088_0000 {
		t.Fatalf("gic config = %+v", cfg)
	}
	if p.Boot.Vectors != 0x8008_0000 || p.Boot.SecondaryEntry != 0x8000_1000 {
		t.Fatalf("boot = %+v", p.Boot)
	}
	if _, ok := p.NewConsole(hwtest.NewBus()).(*console.LINFlex); !ok {
		t.Fatal("s32g3 console is not LINFlex")
	}
	q, err := Preset("qemu-virt")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := q.NewConsole(hwtest.NewBus()).(*console.UART); !ok {
		t.Fatal("qemu-virt console is not PL011")
	}
	if _, err := Preset("rpi5"); err == nil {
		t.Fatal("unknown preset accepted")
	}
}

func TestParseVersion(t *testing.T) {
	tests := []struct {
		in   string
		want uint32
		ok   bool
	}{
		{"1.1", psci.EncodeVersion(1, 1), true},
		{"v1.0", psci.EncodeVersion(1, 0), true},
		{"0.2", psci.EncodeVersion(0, 2), true},
		{"0.1", 0, false},
		{"1.1.1", 0, false},
		{"1.1-rc1", 0, false},
		{"one", 0, false},
	}
	for _, tt := range tests {
		got, err := ParseVersion(tt.in)
		if (err == nil) != tt.ok || got != tt.want {
			t.Fatalf("ParseVersion(%q) = %#x, %v", tt.in, got, err)
		}
		if err != nil && !errors.Is(err, ErrInvalid) {
			t.Fatalf("ParseVersion(%q) error %v is not ErrInvalid", tt.in, err)
		}
	}
}

const boardYAML = `
name: board
topology:
  clusters: 2
  coresPerCluster: 2
gic:
  distributor: 0x2f000000
  redistributor: 0x2f100000
uart:
  kind: pl011
  base: 0x1c090000
psci:
  version: "1.0"
  reportOnPending: true
memory:
  base: 0x80000000
  size: 0x10000000
extraNodes:
  - name: timer
    properties:
      compatible:
        strings: ["arm,armv8-timer"]
`

func TestParse(t *testing.T) {
	p, err := Parse([]byte(boardYAML))
	if err != nil {
		t.Fatal(err)
	}
	if p.PSCI.Method != MethodSMC || p.GIC.PriorityMask != 0xF0 || p.Topology.Layout != "aff1" {
		t.Fatalf("defaults not applied: %+v", p)
	}
	cfg, err := p.PSCIBridgeConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Version != psci.EncodeVersion(1, 0) || !cfg.ReportOnPending {
		t.Fatalf("psci config = %+v", cfg)
	}

	var buf bytes.Buffer
	if err := p.Write(&buf); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "board.yaml")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	again, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if again.GIC != p.GIC || again.Boot != p.Boot || len(again.ExtraNodes) != 1 {
		t.Fatalf("reloaded %+v", again)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *Platform)
	}{
		{"no clusters", func(p *Platform) { p.Topology.Clusters = 0 }},
		{"bad layout", func(p *Platform) { p.Topology.Layout = "aff3" }},
		{"no gic", func(p *Platform) { p.GIC.Distributor = 0 }},
		{"uart kind", func(p *Platform) { p.UART.Kind = "16550" }},
		{"linflex without clock", func(p *Platform) {
			p.UART.Kind = UARTLINFlex
			p.UART.ClockHz = 0
		}},
		{"psci method", func(p *Platform) { p.PSCI.Method = "svc" }},
		{"psci version", func(p *Platform) { p.PSCI.Version = "2.x" }},
		{"vectors unaligned", func(p *Platform) { p.Boot.Vectors += 0x400 }},
		{"entry outside memory", func(p *Platform) { p.Boot.SecondaryEntry = 0x1000 }},
		{"heap too large", func(p *Platform) { p.Boot.HeapSize = p.Memory.Size }},
	}
	for _, tt := range tests {
		p, err := Preset("qemu-virt")
		if err != nil {
			t.Fatal(err)
		}
		tt.mutate(&p)
		if err := p.Validate(); err == nil {
			t.Fatalf("%s: accepted", tt.name)
		}
	}
}

func TestDeviceTree(t *testing.T) {
	p, err := Preset("s32g3")
	if err != nil {
		t.Fatal(err)
	}
	blob, err := p.DTB()
	if err != nil {
		t.Fatal(err)
	}
	root, opts, err := fdt.Decode(blob)
	if err != nil {
		t.Fatal(err)
	}
	if opts.BootCPU != 0 || len(opts.Reserve) != 1 || opts.Reserve[0].Address != p.Boot.Vectors {
		t.Fatalf("header options = %+v", opts)
	}

	cpus, ok := root.Lookup("/cpus")
	if !ok || len(cpus.Children) != 8 {
		t.Fatalf("cpus node = %+v", cpus)
	}
	// Core 5 is cluster 1 position 1.
	cpu5, ok := root.Lookup("/cpus/cpu@101")
	if !ok {
		t.Fatal("cpu@101 missing")
	}
	want, _ := fdt.U64(0x101).Encode()
	if !bytes.Equal(cpu5.Properties["reg"].Bytes, want) {
		t.Fatalf("cpu@101 reg = %x", cpu5.Properties["reg"].Bytes)
	}
	want, _ = fdt.Strings("psci").Encode()
	if !bytes.Equal(cpu5.Properties["enable-method"].Bytes, want) {
		t.Fatal("enable-method is not psci")
	}

	psciNode, ok := root.Lookup("/psci")
	if !ok {
		t.Fatal("psci node missing")
	}
	want, _ = fdt.Strings("smc").Encode()
	if !bytes.Equal(psciNode.Properties["method"].Bytes, want) {
		t.Fatalf("psci method = %q", psciNode.Properties["method"].Bytes)
	}

	gicNode, ok := root.Lookup("/interrupt-controller@50800000")
	if !ok {
		t.Fatal("gic node missing")
	}
	want, _ = fdt.U64(0x5080_0000, 0x1_0000, 0x5088_0000, 8*0x2_0000).Encode()
	if !bytes.Equal(gicNode.Properties["reg"].Bytes, want) {
		t.Fatalf("gic reg = %x", gicNode.Properties["reg"].Bytes)
	}
	if _, ok := root.Lookup("/serial@401c8000"); !ok {
		t.Fatal("linflex node missing")
	}
}
