//go:build linux

package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tinyrange/bringup/internal/gic"
	"github.com/tinyrange/bringup/internal/hw/devmem"
	"github.com/tinyrange/bringup/internal/platform"
)

const (
	distributorWindow = 0x10000
	gicrTyper         = 0x0008
	gicrTyperLast     = 1 << 4
)

func run() error {
	preset := flag.String("platform", "s32g3", "built-in platform giving the GIC addresses")
	config := flag.String("config", "", "platform YAML file, overrides -platform")
	device := flag.String("mem", "/dev/mem", "physical memory device")
	flag.Parse()

	var (
		p   platform.Platform
		err error
	)
	if *config != "" {
		p, err = platform.Load(*config)
	} else {
		p, err = platform.Preset(*preset)
	}
	if err != nil {
		return err
	}
	topo, err := p.AffinityTopology()
	if err != nil {
		return err
	}

	bus, err := devmem.Open(*device)
	if err != nil {
		return err
	}
	defer bus.Close()
	if err := bus.Map(p.GIC.Distributor, distributorWindow); err != nil {
		return err
	}
	frames := uint64(topo.MaxCores())
	if err := bus.Map(p.GIC.Redistributor, frames*p.GIC.RedistributorStride); err != nil {
		return err
	}

	info := gic.Identify(bus, p.GIC.Distributor)
	fmt.Printf("distributor %#x: %s\n", p.GIC.Distributor, info)
	if info.ArchRev != 3 && info.ArchRev != 4 {
		return fmt.Errorf("not a GICv3/v4 distributor")
	}
	for i := uint64(0); i < frames; i++ {
		frame := p.GIC.Redistributor + i*p.GIC.RedistributorStride
		typer := bus.Read64(frame + gicrTyper)
		fmt.Printf("redistributor %#x: affinity %#08x\n", frame, typer>>32)
		if typer&gicrTyperLast != 0 {
			break
		}
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "gicinfo: %v\n", err)
		os.Exit(1)
	}
}
