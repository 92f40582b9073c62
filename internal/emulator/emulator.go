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

// Package emulator runs the fetch/decode/execute loop: per cycle it
// advances the timer and polls the peripherals for interrupt lines, folds
// the result into mip, delivers the highest-priority enabled interrupt if
// one is pending, then steps the hart. It also owns the machine's
// lifecycle: construction, optional disk attach, and run-until-stopped.
package emulator

import (
	"fmt"
	"log/slog"

	"riscvemu/internal/bus"
	"riscvemu/internal/clint"
	"riscvemu/internal/csr"
	"riscvemu/internal/hart"
	"riscvemu/internal/plic"
	"riscvemu/internal/trap"
	"riscvemu/internal/uart"
	"riscvemu/internal/virtio"
)

// Machine wires together one hart and its bus-attached peripherals.
type Machine struct {
	Hart   *hart.Hart
	Bus    *bus.Bus
	CSR    *csr.File
	CLINT  *clint.CLINT
	PLIC   *plic.PLIC
	UART   *uart.UART
	Virtio *virtio.VirtIO

	Log   *slog.Logger
	Trace *Tracer // nil disables tracing

	cycles uint64
	run    bool

	// Stop, when non-nil, is polled once per cycle; returning true ends
	// Run cleanly. cmd/riscvemu wires this to a SIGINT-latched flag so the
	// package doesn't need to know about signal handling itself.
	Stop func() bool
}

// New builds a Machine from already-constructed components. Callers
// (typically cmd/riscvemu) are responsible for the two-phase bus/virtio
// wiring: construct Bus first, build virtio.New(bus), then set bus.Virtio.
func New(h *hart.Hart, b *bus.Bus, c *csr.File, cl *clint.CLINT, pl *plic.PLIC, u *uart.UART, v *virtio.VirtIO, log *slog.Logger) *Machine {
	if log == nil {
		log = slog.Default()
	}
	return &Machine{Hart: h, Bus: b, CSR: c, CLINT: cl, PLIC: pl, UART: u, Virtio: v, Log: log}
}

// Cycles reports the number of instructions retired so far.
func (m *Machine) Cycles() uint64 { return m.cycles }

// Run executes until a fatal host error, the Stop callback returns true, or
// maxCycles instructions have retired (0 means unbounded).
func (m *Machine) Run(maxCycles uint64) error {
	m.run = true
	for m.run {
		if maxCycles != 0 && m.cycles >= maxCycles {
			return nil
		}
		if m.Stop != nil && m.Stop() {
			return nil
		}

		timerFired := m.CLINT.Tick()
		m.pollDevices(timerFired)

		if t, ok := m.pendingInterrupt(); ok {
			m.Hart.Deliver(t)
		}

		pc := m.Hart.PC
		if m.Trace != nil {
			m.Trace.before(m)
		}
		if err := m.Hart.Step(); err != nil {
			if guestTrap, ok := err.(*trap.Trap); ok {
				m.Hart.Deliver(guestTrap)
			} else {
				return fmt.Errorf("fatal at cycle %d, pc=0x%x: %w", m.cycles, m.Hart.PC, err)
			}
		}
		if m.Trace != nil {
			m.Trace.after(m, pc)
		}
		m.cycles++
	}
	return nil
}

// pollDevices pushes each peripheral's current interrupt-line level into
// mip ahead of the interrupt-selection check for this cycle.
func (m *Machine) pollDevices(timerFired bool) {
	m.CSR.SetMTIP(timerFired)
	m.CSR.SetMSIP(m.CLINT.MSIP())

	m.PLIC.SetPending(plic.SourceUART, m.UART.IRQ())
	if m.Virtio != nil {
		m.PLIC.SetPending(plic.SourceVirtio, m.Virtio.IRQ())
	}
	m.CSR.SetMEIP(m.PLIC.Pending(0)) // context 0 = M-mode claim/complete
	m.CSR.SetSEIP(m.PLIC.Pending(1)) // context 1 = S-mode claim/complete
}

// pendingInterrupt implements the standard-priority selection algorithm:
// among bits set in both mip and mie, pick the highest-priority one that is
// actually enabled for the hart's current mode, honoring mideleg.
func (m *Machine) pendingInterrupt() (*trap.Trap, bool) {
	pending := m.CSR.Mip() & m.CSR.Mie()
	if pending == 0 {
		return nil, false
	}
	mode := m.Hart.Mode

	type candidate struct {
		bit   uint64
		cause trap.Cause
	}
	// Standard priority: M-external, M-software, M-timer, S-external,
	// S-software, S-timer.
	order := []candidate{
		{csr.MEIP, trap.MachineExternalInterrupt},
		{csr.MSIP, trap.MachineSoftwareInterrupt},
		{csr.MTIP, trap.MachineTimerInterrupt},
		{csr.SEIP, trap.SupervisorExternalInterrupt},
		{csr.SSIP, trap.SupervisorSoftwareInterrupt},
		{csr.STIP, trap.SupervisorTimerInterrupt},
	}
	for _, c := range order {
		if pending&c.bit == 0 {
			continue
		}
		delegated := m.CSR.Mideleg()&(1<<uint(c.cause)) != 0
		if !m.enabled(mode, delegated) {
			continue
		}
		return trap.Interrupt(c.cause), true
	}
	return nil, false
}

// enabled reports whether an interrupt handled at the delegated target
// (Supervisor, if delegated; Machine otherwise) would actually be taken
// from the hart's current mode.
func (m *Machine) enabled(mode trap.Mode, delegated bool) bool {
	if delegated {
		switch mode {
		case trap.Supervisor:
			return m.CSR.Mstatus()&(1<<1) != 0 // sstatus.SIE
		case trap.User:
			return true
		default:
			return false // a Machine-mode hart never traps to a delegated S handler
		}
	}
	if mode == trap.Machine {
		return m.CSR.Mstatus()&(1<<3) != 0 // mstatus.MIE
	}
	return true // Machine-level interrupts are always taken from a lower mode
}
