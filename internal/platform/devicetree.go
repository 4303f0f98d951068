package platform

import (
	"fmt"

	"github.com/tinyrange/bringup/internal/affinity"
	"github.com/tinyrange/bringup/internal/devices/linflex"
	"github.com/tinyrange/bringup/internal/devices/pl011"
	"github.com/tinyrange/bringup/internal/fdt"
)

const (
	gicPhandle        = 1
	gicDistSize       = 0x1_0000
	gicInterruptCells = 3

	// vectorReserve covers the table and the shared save path.
	vectorReserve = 0x1000
)

func (p *Platform) psciCompatible() []string {
	v, _ := ParseVersion(p.PSCI.Version)
	if v >= 1<<16 {
		return []string{"arm,psci-1.0", "arm,psci-0.2"}
	}
	return []string{"arm,psci-0.2"}
}

func (p *Platform) uartNode() fdt.Node {
	var n fdt.Node
	switch p.UART.Kind {
	case UARTLINFlex:
		n = fdt.NewNode(fmt.Sprintf("serial@%x", p.UART.Base))
		n.Set("compatible", fdt.Strings("nxp,s32cc-linflexuart"))
		n.Set("reg", fdt.U64(p.UART.Base, linflex.Size))
	default:
		n = fdt.NewNode(fmt.Sprintf("pl011@%x", p.UART.Base))
		n.Set("compatible", fdt.Strings("arm,pl011", "arm,primecell"))
		n.Set("reg", fdt.U64(p.UART.Base, pl011.Size))
	}
	if p.UART.ClockHz != 0 {
		n.Set("clock-frequency", fdt.U32(uint32(p.UART.ClockHz)))
	}
	if p.UART.Baud != 0 {
		n.Set("current-speed", fdt.U32(uint32(p.UART.Baud)))
	}
	return n
}

// DeviceTree describes the platform as a node tree.
func (p *Platform) DeviceTree() (fdt.Node, error) {
	topo, err := p.AffinityTopology()
	if err != nil {
		return fdt.Node{}, err
	}

	root := fdt.NewNode("")
	root.Set("#address-cells", fdt.U32(2))
	root.Set("#size-cells", fdt.U32(2))
	root.Set("compatible", fdt.Strings("bringup,"+p.Name))
	root.Set("model", fdt.Strings(p.Name))
	root.Set("interrupt-parent", fdt.U32(gicPhandle))

	uart := p.uartNode()

	chosen := fdt.NewNode("chosen")
	chosen.Set("stdout-path", fdt.Strings("/"+uart.Name))

	mem := fdt.NewNode(fmt.Sprintf("memory@%x", p.Memory.Base))
	mem.Set("device_type", fdt.Strings("memory"))
	mem.Set("reg", fdt.U64(p.Memory.Base, p.Memory.Size))

	cpus := fdt.NewNode("cpus")
	cpus.Set("#address-cells", fdt.U32(2))
	cpus.Set("#size-cells", fdt.U32(0))
	for i := 0; i < topo.MaxCores(); i++ {
		mpidr := uint64(topo.MustAffinity(affinity.CoreIndex(i)).Fields())
		cpu := fdt.NewNode(fmt.Sprintf("cpu@%x", mpidr))
		cpu.Set("device_type", fdt.Strings("cpu"))
		cpu.Set("compatible", fdt.Strings("arm,armv8"))
		cpu.Set("reg", fdt.U64(mpidr))
		cpu.Set("enable-method", fdt.Strings("psci"))
		cpus.Children = append(cpus.Children, cpu)
	}

	psciNode := fdt.NewNode("psci")
	psciNode.Set("compatible", fdt.Strings(p.psciCompatible()...))
	psciNode.Set("method", fdt.Strings(p.PSCI.Method))

	gicNode := fdt.NewNode(fmt.Sprintf("interrupt-controller@%x", p.GIC.Distributor))
	gicNode.Set("compatible", fdt.Strings("arm,gic-v3"))
	gicNode.Set("interrupt-controller", fdt.Flag())
	gicNode.Set("#interrupt-cells", fdt.U32(gicInterruptCells))
	gicNode.Set("#redistributor-regions", fdt.U32(1))
	gicNode.Set("reg", fdt.U64(
		p.GIC.Distributor, gicDistSize,
		p.GIC.Redistributor, p.GIC.RedistributorStride*uint64(topo.MaxCores()),
	))
	gicNode.Set("phandle", fdt.U32(gicPhandle))

	root.Children = append(root.Children, chosen, mem, cpus, psciNode, gicNode, uart)
	root.Children = append(root.Children, p.ExtraNodes...)
	return root, nil
}

// DTB serializes the device tree. The vector table is reserved and the
// boot CPU is core 0.
func (p *Platform) DTB() ([]byte, error) {
	root, err := p.DeviceTree()
	if err != nil {
		return nil, err
	}
	topo, err := p.AffinityTopology()
	if err != nil {
		return nil, err
	}
	return fdt.BuildWithOptions(root, fdt.Options{
		BootCPU: uint32(topo.MustAffinity(0).Fields()),
		Reserve: []fdt.Reservation{{Address: p.Boot.Vectors, Size: vectorReserve}},
	})
}
