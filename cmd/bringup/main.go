package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/x/ansi"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/bringup/internal/affinity"
	"github.com/tinyrange/bringup/internal/asm/arm64"
	"github.com/tinyrange/bringup/internal/lifecycle"
	"github.com/tinyrange/bringup/internal/platform"
	"github.com/tinyrange/bringup/internal/sim"
	"github.com/tinyrange/bringup/internal/trace"
)

func parseCoreList(s string) ([]affinity.CoreIndex, error) {
	if s == "" {
		return nil, nil
	}
	out := []affinity.CoreIndex{}
	if s == "none" {
		return out, nil
	}
	for _, f := range strings.Split(s, ",") {
		n, err := strconv.ParseUint(strings.TrimSpace(f), 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid core %q: %w", f, err)
		}
		out = append(out, affinity.CoreIndex(n))
	}
	return out, nil
}

func loadPlatform(preset, config string) (platform.Platform, error) {
	if config != "" {
		return platform.Load(config)
	}
	return platform.Preset(preset)
}

// writeArtifacts stores the generated vector table, its ELF wrapping, the
// device tree and the normalized platform description in dir.
func writeArtifacts(dir string, p *platform.Platform, m *sim.Machine) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	prog := m.System().Vectors()
	if err := os.WriteFile(filepath.Join(dir, "vectors.bin"), prog.Bytes(), 0644); err != nil {
		return err
	}
	cfg := arm64.DefaultStandaloneELFConfig()
	cfg.BaseAddress = p.Boot.Vectors
	elf, err := arm64.StandaloneELFWithConfig(prog, cfg)
	if err != nil {
		return fmt.Errorf("vectors elf: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "vectors.elf"), elf, 0644); err != nil {
		return err
	}
	name := p.Name
	if name == "" {
		name = "platform"
	}
	dtb, err := p.DTB()
	if err != nil {
		return fmt.Errorf("device tree: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name+".dtb"), dtb, 0644); err != nil {
		return err
	}
	f, err := os.Create(filepath.Join(dir, name+".yaml"))
	if err != nil {
		return err
	}
	defer f.Close()
	return p.Write(f)
}

// watchProgress draws one tick per core that reaches On until done closes.
func watchProgress(m *sim.Machine, total int, done <-chan struct{}) {
	bar := progressbar.NewOptions(total,
		progressbar.OptionSetDescription("bringing up cores"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionClearOnFinish(),
	)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	update := func() {
		on := 0
		for _, st := range m.States() {
			if st == lifecycle.On {
				on++
			}
		}
		_ = bar.Set(on)
	}
	for {
		select {
		case <-done:
			update()
			_ = bar.Finish()
			return
		case <-ticker.C:
			update()
		}
	}
}

func run() error {
	preset := flag.String("platform", "qemu-virt", "built-in platform ("+strings.Join(platform.Presets(), ", ")+")")
	config := flag.String("config", "", "platform YAML file, overrides -platform")
	cores := flag.String("cores", "", "comma-separated secondaries to start, or \"none\" (default all)")
	stuck := flag.String("stuck", "", "comma-separated cores whose redistributor never wakes")
	out := flag.String("out", "", "directory for vectors.bin, vectors.elf and the device tree")
	traceFile := flag.String("trace", "", "write a binary trace to this file")
	timeout := flag.Duration("timeout", 10*time.Second, "give up after this long")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	p, err := loadPlatform(*preset, *config)
	if err != nil {
		return err
	}
	opts := sim.Options{Log: log}
	if opts.Secondaries, err = parseCoreList(*cores); err != nil {
		return err
	}
	if opts.StuckCores, err = parseCoreList(*stuck); err != nil {
		return err
	}
	if *traceFile != "" {
		tl, err := trace.OpenFile(*traceFile)
		if err != nil {
			return err
		}
		defer tl.Close()
		opts.Trace = tl
	}

	m, err := sim.New(p, opts)
	if err != nil {
		return err
	}
	if *out != "" {
		if err := writeArtifacts(*out, &p, m); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	interactive := term.IsTerminal(int(os.Stderr.Fd()))
	done := make(chan struct{})
	watched := make(chan struct{})
	if interactive {
		topo := m.System().Topology()
		go func() {
			defer close(watched)
			watchProgress(m, topo.MaxCores(), done)
		}()
	} else {
		close(watched)
	}
	runErr := m.Run(ctx)
	close(done)
	<-watched

	transcript := m.RawTranscript()
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		transcript = ansi.Strip(transcript)
	}
	fmt.Print(transcript)

	topo := m.System().Topology()
	fmt.Printf("\n%-6s %-12s %-8s %s\n", "CORE", "MPIDR", "STATE", "IPIS")
	for i, st := range m.States() {
		idx := affinity.CoreIndex(i)
		fmt.Printf("%-6d %-12s %-8s %d\n", i, topo.MustAffinity(idx), st, m.System().IPIs(idx))
	}
	if errors.Is(runErr, context.DeadlineExceeded) {
		return fmt.Errorf("bring-up did not finish within %s", *timeout)
	}
	return runErr
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "bringup: %v\n", err)
		os.Exit(1)
	}
}
