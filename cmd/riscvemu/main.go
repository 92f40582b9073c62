// Copyright © 2024 Jeff Berkowitz (pdxjjb@gmail.com)
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.

package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/term"

	"riscvemu/internal/bus"
	"riscvemu/internal/clint"
	"riscvemu/internal/csr"
	"riscvemu/internal/dram"
	"riscvemu/internal/elfload"
	"riscvemu/internal/emulator"
	"riscvemu/internal/hart"
	"riscvemu/internal/mmu"
	"riscvemu/internal/plic"
	"riscvemu/internal/rom"
	"riscvemu/internal/uart"
	"riscvemu/internal/virtio"
)

var (
	diskPath    = flag.String("disk", "", "attach a raw disk image to virtio-blk")
	dtbPath     = flag.String("dtb", "", "device-tree blob to place in ROM for the kernel to find")
	traceFile   = flag.String("trace", "", "write a per-instruction execution trace to file")
	maxCycles   = flag.Uint64("max-cycles", 0, "stop after N instructions retired (0 = unlimited)")
	debug       = flag.Bool("debug", false, "enable debug-level logging")
	showVersion = flag.Bool("version", false, "show version and exit")
)

const version = "1.0.0"

var savedTermState *term.State

// setupTerminal puts stdin in raw mode so the guest UART sees every
// keystroke immediately, with no host-side line editing or echo.
func setupTerminal() error {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil
	}
	state, err := term.GetState(int(os.Stdin.Fd()))
	if err != nil {
		return fmt.Errorf("getting terminal state: %w", err)
	}
	savedTermState = state
	if _, err := term.MakeRaw(int(os.Stdin.Fd())); err != nil {
		return fmt.Errorf("setting raw mode: %w", err)
	}
	return nil
}

func restoreTerminal() {
	if savedTermState != nil && term.IsTerminal(int(os.Stdin.Fd())) {
		term.Restore(int(os.Stdin.Fd()), savedTermState)
	}
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Printf("riscvemu v%s\n", version)
		os.Exit(0)
	}

	args := flag.Args()
	if len(args) != 1 {
		usage()
		os.Exit(1)
	}
	kernelPath := args[0]

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	kernelData, err := os.ReadFile(kernelPath)
	if err != nil {
		log.Error("reading kernel image", "path", kernelPath, "err", err)
		os.Exit(1)
	}

	var dtb []byte
	if *dtbPath != "" {
		dtb, err = os.ReadFile(*dtbPath)
		if err != nil {
			log.Error("reading device tree blob", "path", *dtbPath, "err", err)
			os.Exit(1)
		}
	}

	m, err := buildMachine(kernelData, dtb, log)
	if err != nil {
		log.Error("building machine", "err", err)
		os.Exit(1)
	}

	if *diskPath != "" {
		disk, err := os.ReadFile(*diskPath)
		if err != nil {
			log.Error("reading disk image", "path", *diskPath, "err", err)
			os.Exit(1)
		}
		m.Virtio.SetDisk(disk)
	}

	if *traceFile != "" {
		f, err := os.Create(*traceFile)
		if err != nil {
			log.Error("creating trace file", "path", *traceFile, "err", err)
			os.Exit(1)
		}
		defer f.Close()
		fmt.Fprintf(f, "riscvemu trace\nkernel: %s\nsize: %d bytes\n\n", kernelPath, len(kernelData))
		m.Trace = emulator.NewTracer(f)
	}

	if err := setupTerminal(); err != nil {
		log.Error("setting up terminal", "err", err)
		os.Exit(1)
	}
	defer restoreTerminal()

	var stopRequested atomic.Bool
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		stopRequested.Store(true)
	}()
	m.Stop = stopRequested.Load

	m.UART.StartInput(os.Stdin)

	log.Info("starting", "kernel", kernelPath, "disk", *diskPath, "max_cycles", *maxCycles)
	start := time.Now()
	runErr := m.Run(*maxCycles)
	elapsed := time.Since(start)

	restoreTerminal()

	log.Info("stopped", "cycles", m.Cycles(), "elapsed", elapsed.Round(time.Millisecond))
	if runErr != nil {
		log.Error("fatal", "err", runErr)
		os.Exit(1)
	}
}

// buildMachine wires DRAM, ROM, CLINT, PLIC, UART and virtio onto the bus,
// loads the kernel image, and constructs the hart and CSR/MMU plumbing.
// virtio needs a DMA handle into the bus, and the bus needs virtio as one
// of its devices, so construction happens in two phases: build the Bus
// with every field but Virtio set, construct virtio against it, then
// assign it back.
func buildMachine(kernelData, dtb []byte, log *slog.Logger) (*emulator.Machine, error) {
	d := dram.New(dram.DefaultSize)
	img, err := elfload.Load(d, kernelData)
	if err != nil {
		return nil, fmt.Errorf("loading kernel: %w", err)
	}

	r := rom.New(dtb, img.Entry)
	cl := clint.New()
	pl := plic.New()
	u := uart.New(os.Stdout)

	b := &bus.Bus{ROM: r, CLINT: cl, PLIC: pl, UART: u, DRAM: d}
	v := virtio.New(b)
	b.Virtio = v

	c := csr.NewFile()
	mm := mmu.New(c, b)
	h := hart.New(c, mm, b, rom.ResetVector())

	return emulator.New(h, b, c, cl, pl, u, v, log), nil
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [options] <kernel-image>\n\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "riscvemu - RV64IMAFDC \"virt\"-compatible machine emulator\n\n")
	fmt.Fprintf(os.Stderr, "Options:\n")
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, "\nArguments:\n")
	fmt.Fprintf(os.Stderr, "  <kernel-image>   flat binary or ELF64 kernel image, placed in DRAM\n")
	fmt.Fprintf(os.Stderr, "\nConsole I/O is connected to stdin/stdout via the emulated UART.\n")
}
