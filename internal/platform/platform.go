// Package platform describes a board: its core topology, interrupt
// controller, console UART, memory and PSCI conduit. Descriptions come
// from built-in presets or YAML files.
package platform

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/bringup/internal/affinity"
	"github.com/tinyrange/bringup/internal/console"
	"github.com/tinyrange/bringup/internal/fdt"
	"github.com/tinyrange/bringup/internal/gic"
	"github.com/tinyrange/bringup/internal/hw"
	"github.com/tinyrange/bringup/internal/psci"
)

var ErrInvalid = errors.New("invalid platform description")

// UART kinds.
const (
	UARTPL011   = "pl011"
	UARTLINFlex = "linflex"
)

// PSCI conduits.
const (
	MethodSMC = "smc"
	MethodHVC = "hvc"
)

type Platform struct {
	Name     string         `yaml:"name"`
	Topology TopologyConfig `yaml:"topology"`
	GIC      GICConfig      `yaml:"gic"`
	UART     UARTConfig     `yaml:"uart"`
	PSCI     PSCIConfig     `yaml:"psci"`
	Memory   MemoryConfig   `yaml:"memory"`
	Boot     BootConfig     `yaml:"boot"`

	// SpinLimit bounds every hardware poll. Zero selects hw.DefaultSpinLimit.
	SpinLimit int `yaml:"spinLimit,omitempty"`

	// ExtraNodes are appended to the generated device tree root.
	ExtraNodes []fdt.Node `yaml:"extraNodes,omitempty"`
}

type TopologyConfig struct {
	Clusters        int    `yaml:"clusters"`
	CoresPerCluster int    `yaml:"coresPerCluster"`
	Layout          string `yaml:"layout,omitempty"`
}

type GICConfig struct {
	Distributor         uint64 `yaml:"distributor"`
	Redistributor       uint64 `yaml:"redistributor"`
	RedistributorStride uint64 `yaml:"redistributorStride,omitempty"`
	DefaultPriority     uint8  `yaml:"defaultPriority,omitempty"`
	PriorityMask        uint8  `yaml:"priorityMask,omitempty"`
	// Lines is the number of implemented INTIDs, used by the emulator.
	Lines int `yaml:"lines,omitempty"`
}

type UARTConfig struct {
	Kind    string `yaml:"kind"`
	Base    uint64 `yaml:"base"`
	ClockHz uint64 `yaml:"clockHz,omitempty"`
	Baud    uint64 `yaml:"baud,omitempty"`
}

type PSCIConfig struct {
	Version         string `yaml:"version,omitempty"`
	Method          string `yaml:"method,omitempty"`
	ReportOnPending bool   `yaml:"reportOnPending,omitempty"`
}

type MemoryConfig struct {
	Base uint64 `yaml:"base"`
	Size uint64 `yaml:"size"`
}

// BootConfig places the images the primary core builds.
type BootConfig struct {
	// Vectors is the load address of the vector table.
	Vectors uint64 `yaml:"vectors,omitempty"`
	// Handler is the address the vector stubs call.
	Handler uint64 `yaml:"handler,omitempty"`
	// SecondaryEntry is the CPU_ON entry point for secondaries.
	SecondaryEntry uint64 `yaml:"secondaryEntry,omitempty"`
	// HeapSize reserves a MEM_ALLOC arena after the boot images.
	HeapSize uint64 `yaml:"heapSize,omitempty"`
}

const (
	defaultVersion = "1.1"
	vectorsOffset  = 0x8_0000
	handlerOffset  = 0x9_0000
	entryOffset    = 0x1000
	heapOffset     = 0x10_0000
)

func (p *Platform) normalize() {
	if p.Topology.Layout == "" {
		p.Topology.Layout = affinity.LayoutClusterAff1.String()
	}
	if p.GIC.RedistributorStride == 0 {
		p.GIC.RedistributorStride = gic.RedistributorStride
	}
	if p.GIC.DefaultPriority == 0 {
		p.GIC.DefaultPriority = gic.DefaultPriority
	}
	if p.GIC.PriorityMask == 0 {
		p.GIC.PriorityMask = gic.DefaultPriorityMask
	}
	if p.UART.Kind == "" {
		p.UART.Kind = UARTPL011
	}
	if p.PSCI.Version == "" {
		p.PSCI.Version = defaultVersion
	}
	if p.PSCI.Method == "" {
		p.PSCI.Method = MethodSMC
	}
	if p.Boot.Vectors == 0 {
		p.Boot.Vectors = p.Memory.Base + vectorsOffset
	}
	if p.Boot.Handler == 0 {
		p.Boot.Handler = p.Memory.Base + handlerOffset
	}
	if p.Boot.SecondaryEntry == 0 {
		p.Boot.SecondaryEntry = p.Memory.Base + entryOffset
	}
}

// Validate checks the description after defaults are applied.
func (p *Platform) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("platform: %w: missing name", ErrInvalid)
	}
	if _, err := p.AffinityTopology(); err != nil {
		return fmt.Errorf("platform %s: %w", p.Name, err)
	}
	if p.GIC.Distributor == 0 || p.GIC.Redistributor == 0 {
		return fmt.Errorf("platform %s: %w: GIC bases are required", p.Name, ErrInvalid)
	}
	switch p.UART.Kind {
	case UARTPL011:
	case UARTLINFlex:
		if p.UART.ClockHz == 0 || p.UART.Baud == 0 {
			return fmt.Errorf("platform %s: %w: linflex needs clockHz and baud", p.Name, ErrInvalid)
		}
	default:
		return fmt.Errorf("platform %s: %w: unknown UART kind %q", p.Name, ErrInvalid, p.UART.Kind)
	}
	if p.UART.Base == 0 {
		return fmt.Errorf("platform %s: %w: UART base is required", p.Name, ErrInvalid)
	}
	if _, err := ParseVersion(p.PSCI.Version); err != nil {
		return fmt.Errorf("platform %s: %w", p.Name, err)
	}
	if p.PSCI.Method != MethodSMC && p.PSCI.Method != MethodHVC {
		return fmt.Errorf("platform %s: %w: PSCI method %q", p.Name, ErrInvalid, p.PSCI.Method)
	}
	if p.Memory.Size == 0 {
		return fmt.Errorf("platform %s: %w: memory size is zero", p.Name, ErrInvalid)
	}
	if p.Boot.Vectors%0x800 != 0 {
		return fmt.Errorf("platform %s: %w: vectors at %#x are not 2 KiB aligned", p.Name, ErrInvalid, p.Boot.Vectors)
	}
	if p.Boot.Handler%4 != 0 || p.Boot.SecondaryEntry%4 != 0 {
		return fmt.Errorf("platform %s: %w: boot addresses must be 4-byte aligned", p.Name, ErrInvalid)
	}
	for _, addr := range []uint64{p.Boot.Vectors, p.Boot.Handler, p.Boot.SecondaryEntry} {
		if !p.inMemory(addr, 4) {
			return fmt.Errorf("platform %s: %w: %#x outside memory", p.Name, ErrInvalid, addr)
		}
	}
	if p.Boot.HeapSize != 0 && !p.inMemory(p.HeapBase(), p.Boot.HeapSize) {
		return fmt.Errorf("platform %s: %w: heap does not fit in memory", p.Name, ErrInvalid)
	}
	return nil
}

func (p *Platform) inMemory(addr, size uint64) bool {
	end := p.Memory.Base + p.Memory.Size
	return addr >= p.Memory.Base && addr+size <= end && addr+size >= addr
}

// HeapBase is where the MEM_ALLOC arena starts.
func (p *Platform) HeapBase() uint64 { return p.Memory.Base + heapOffset }

// AffinityTopology converts the topology section.
func (p *Platform) AffinityTopology() (affinity.Topology, error) {
	var layout affinity.Layout
	switch p.Topology.Layout {
	case "", affinity.LayoutClusterAff1.String():
		layout = affinity.LayoutClusterAff1
	case affinity.LayoutClusterAff2.String():
		layout = affinity.LayoutClusterAff2
	default:
		return affinity.Topology{}, fmt.Errorf("%w: layout %q", ErrInvalid, p.Topology.Layout)
	}
	t := affinity.Topology{
		Clusters:        p.Topology.Clusters,
		CoresPerCluster: p.Topology.CoresPerCluster,
		Layout:          layout,
	}
	if err := t.Validate(); err != nil {
		return affinity.Topology{}, err
	}
	return t, nil
}

// GICDriverConfig returns the driver configuration.
func (p *Platform) GICDriverConfig() gic.Config {
	return gic.Config{
		DistributorBase:     p.GIC.Distributor,
		RedistributorBase:   p.GIC.Redistributor,
		RedistributorStride: p.GIC.RedistributorStride,
		DefaultPriority:     p.GIC.DefaultPriority,
		PriorityMask:        p.GIC.PriorityMask,
		SpinLimit:           p.SpinLimit,
	}
}

// PSCIBridgeConfig returns the bridge configuration.
func (p *Platform) PSCIBridgeConfig() (psci.Config, error) {
	v, err := ParseVersion(p.PSCI.Version)
	if err != nil {
		return psci.Config{}, err
	}
	return psci.Config{Version: v, ReportOnPending: p.PSCI.ReportOnPending}, nil
}

// ParseVersion parses "major.minor" into the PSCI_VERSION encoding.
// Versions before 0.2 have no function ids to report and are rejected.
func ParseVersion(s string) (uint32, error) {
	v := s
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) || semver.Prerelease(v) != "" || semver.Build(v) != "" {
		return 0, fmt.Errorf("%w: PSCI version %q", ErrInvalid, s)
	}
	parts := strings.Split(strings.TrimPrefix(semver.Canonical(v), "v"), ".")
	if parts[2] != "0" {
		return 0, fmt.Errorf("%w: PSCI version %q has a patch level", ErrInvalid, s)
	}
	major, err := strconv.ParseUint(parts[0], 10, 15)
	if err != nil {
		return 0, fmt.Errorf("%w: PSCI version %q: %v", ErrInvalid, s, err)
	}
	minor, err := strconv.ParseUint(parts[1], 10, 16)
	if err != nil {
		return 0, fmt.Errorf("%w: PSCI version %q: %v", ErrInvalid, s, err)
	}
	if semver.Compare(v, "v0.2") < 0 {
		return 0, fmt.Errorf("%w: PSCI version %q predates 0.2", ErrInvalid, s)
	}
	return psci.EncodeVersion(uint16(major), uint16(minor)), nil
}

// Console is a UART driver before Init.
type Console interface {
	console.Console
	Init() error
}

// NewConsole returns the driver for the configured UART without touching
// the hardware.
func (p *Platform) NewConsole(bus hw.Bus) Console {
	cfg := console.UARTConfig{
		Base:      p.UART.Base,
		ClockHz:   p.UART.ClockHz,
		Baud:      p.UART.Baud,
		SpinLimit: p.SpinLimit,
	}
	if p.UART.Kind == UARTLINFlex {
		return console.NewLINFlex(bus, cfg)
	}
	return console.NewUART(bus, cfg)
}

// Parse decodes a YAML description, applies defaults and validates it.
func Parse(data []byte) (Platform, error) {
	var p Platform
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Platform{}, fmt.Errorf("platform: parse: %w", err)
	}
	p.normalize()
	if err := p.Validate(); err != nil {
		return Platform{}, err
	}
	return p, nil
}

// Load reads a YAML description from path.
func Load(path string) (Platform, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Platform{}, fmt.Errorf("platform: read %s: %w", path, err)
	}
	return Parse(data)
}

// Write encodes p as YAML.
func (p *Platform) Write(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(p); err != nil {
		return fmt.Errorf("platform: encode: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("platform: encode: %w", err)
	}
	return nil
}

var presets = map[string]Platform{
	"s32g3": {
		Name:     "s32g3",
		Topology: TopologyConfig{Clusters: 2, CoresPerCluster: 4},
		GIC: GICConfig{
			Distributor:   0x5080_0000,
			Redistributor: 0x5088_0000,
			Lines:         256,
		},
		UART:   UARTConfig{Kind: UARTLINFlex, Base: 0x401C_8000, ClockHz: 125_000_000, Baud: 115200},
		PSCI:   PSCIConfig{Version: "1.1", Method: MethodSMC},
		Memory: MemoryConfig{Base: 0x8000_0000, Size: 0x8000_0000},
		Boot:   BootConfig{HeapSize: 0x10_0000},
	},
	"qemu-virt": {
		Name:     "qemu-virt",
		Topology: TopologyConfig{Clusters: 1, CoresPerCluster: 8},
		GIC: GICConfig{
			Distributor:   0x0800_0000,
			Redistributor: 0x080A_0000,
			Lines:         288,
		},
		UART:   UARTConfig{Kind: UARTPL011, Base: 0x0900_0000, ClockHz: 24_000_000, Baud: 115200},
		PSCI:   PSCIConfig{Version: "1.1", Method: MethodHVC},
		Memory: MemoryConfig{Base: 0x4000_0000, Size: 0x4000_0000},
		Boot:   BootConfig{HeapSize: 0x10_0000},
	},
}

// Presets lists the built-in platform names.
func Presets() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Preset returns a copy of a built-in platform.
func Preset(name string) (Platform, error) {
	p, ok := presets[name]
	if !ok {
		return Platform{}, fmt.Errorf("platform: unknown preset %q (have %s)", name, strings.Join(Presets(), ", "))
	}
	p.ExtraNodes = append([]fdt.Node(nil), p.ExtraNodes...)
	p.normalize()
	if err := p.Validate(); err != nil {
		return Platform{}, err
	}
	return p, nil
}
