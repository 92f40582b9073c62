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

// Package hart implements the RV64IMAFDC + Zicsr/Zifencei interpreter: the
// integer register file, the floating-point register file, instruction
// decode (including RVC expansion), and the execute dispatch. It also
// owns trap delivery (spec section 4.10), since computing the target
// mode and PC needs the hart's current mode alongside the CSR file.
package hart

import (
	"riscvemu/internal/bus"
	"riscvemu/internal/csr"
	"riscvemu/internal/mmu"
	"riscvemu/internal/trap"
)

// Hart is the complete architectural state of one RISC-V hardware thread.
type Hart struct {
	X  [32]uint64 // integer registers; X[0] always reads as zero
	F  [32]uint64 // FP registers, raw bit patterns, NaN-boxed for F
	PC uint64

	Mode trap.Mode

	CSR *csr.File
	MMU *mmu.MMU
	Bus *bus.Bus

	reservAddr  uint64
	reservSize  int
	reservValid bool

	lastInstrLen int    // 2 or 4; set by the most recent Step, for the loop
	lastWord     uint32 // the most recently fetched (and RVC-expanded) word, for tracing
}

// New builds a hart starting in Machine mode at pc, wired to csr/mmu/bus.
func New(c *csr.File, m *mmu.MMU, b *bus.Bus, pc uint64) *Hart {
	return &Hart{Mode: trap.Machine, PC: pc, CSR: c, MMU: m, Bus: b}
}

// GetX reads an integer register, enforcing the x0-is-zero invariant.
func (h *Hart) GetX(i uint32) uint64 {
	if i == 0 {
		return 0
	}
	return h.X[i]
}

// SetX writes an integer register; writes to x0 are discarded.
func (h *Hart) SetX(i uint32, v uint64) {
	if i != 0 {
		h.X[i] = v
	}
}

// LastInstrLen reports whether the most recently executed instruction was
// 2 or 4 bytes, for callers that need to know (tracing, disassembly).
func (h *Hart) LastInstrLen() int { return h.lastInstrLen }

// LastWord returns the most recently fetched instruction word (already
// expanded from RVC if the original encoding was compressed), for tracing.
func (h *Hart) LastWord() uint32 { return h.lastWord }

// fetch reads one instruction at PC, translating through the MMU and
// expanding RVC as needed, returning the 32-bit word and its length in
// bytes (2 for compressed, 4 otherwise).
func (h *Hart) fetch() (uint32, int, error) {
	paddr, err := h.translate(h.PC, mmu.Fetch)
	if err != nil {
		return 0, 0, err
	}
	lo, err := h.Bus.Load(paddr, 2)
	if err != nil {
		return 0, 0, instrFault(err)
	}
	if isCompressed(uint16(lo)) {
		return expandCompressed(uint16(lo)), 2, nil
	}
	paddrHi, err := h.translate(h.PC+2, mmu.Fetch)
	if err != nil {
		return 0, 0, err
	}
	hi, err := h.Bus.Load(paddrHi, 2)
	if err != nil {
		return 0, 0, instrFault(err)
	}
	return uint32(lo) | uint32(hi)<<16, 4, nil
}

func instrFault(err error) error {
	if _, ok := err.(*trap.Trap); ok {
		return err
	}
	return trap.Exception(trap.InstructionAccessFault, 0)
}

// translate resolves the effective privilege for data accesses (redirected
// by mstatus.MPRV to the previous privilege while in Machine mode) and
// walks the page table. Instruction fetches never honor MPRV.
func (h *Hart) translate(vaddr uint64, access mmu.Access) (uint64, error) {
	mode := h.Mode
	if access != mmu.Fetch && mode == trap.Machine && h.CSR.Mprv() {
		mode = h.CSR.MPP()
	}
	return h.MMU.Translate(vaddr, access, mode)
}

// Load reads size bytes at a virtual address, translating it as a data
// load (mmu.Load, honoring mstatus.MPRV).
func (h *Hart) Load(vaddr uint64, size int) (uint64, error) {
	paddr, err := h.translate(vaddr, mmu.Load)
	if err != nil {
		return 0, err
	}
	return h.Bus.Load(paddr, size)
}

func (h *Hart) Store(vaddr uint64, size int, val uint64) error {
	paddr, err := h.translate(vaddr, mmu.Store)
	if err != nil {
		return err
	}
	if h.reservValid && paddr == h.reservAddr {
		h.reservValid = false
	}
	return h.Bus.Store(paddr, size, val)
}

// Step fetches, decodes and executes a single instruction, advancing PC.
// It returns a *trap.Trap for a guest-visible fault (the caller is
// expected to deliver it via Deliver), or any other error for a
// host-fatal condition.
func (h *Hart) Step() error {
	startPC := h.PC
	word, length, err := h.fetch()
	if err != nil {
		return err
	}
	h.lastInstrLen = length
	h.lastWord = word
	nextPC := startPC + uint64(length)
	newPC, taken, err := h.execute(word, startPC, length)
	if err != nil {
		return err
	}
	if taken {
		h.PC = newPC
	} else {
		h.PC = nextPC
	}
	return nil
}

// Deliver runs the trap-engine algorithm from spec section 4.10: decide
// the target mode from delegation, save prior state, switch mode and jump.
func (h *Hart) Deliver(t *trap.Trap) {
	delegated := false
	if h.Mode != trap.Machine {
		if t.Interrupt {
			delegated = h.CSR.Mideleg()&(1<<t.Cause) != 0
		} else {
			delegated = h.CSR.Medeleg()&(1<<t.Cause) != 0
		}
	}
	pc := h.PC
	if delegated {
		h.CSR.SetSPP(h.Mode)
		target := h.CSR.EnterTrapS(pc, t)
		h.Mode = trap.Supervisor
		h.PC = target
		return
	}
	h.CSR.SetMPP(h.Mode)
	target := h.CSR.EnterTrap(pc, t)
	h.Mode = trap.Machine
	h.PC = target
}
