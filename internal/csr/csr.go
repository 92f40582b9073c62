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

// Package csr models the RISC-V control/status register file. Each CSR is
// a variant in a dispatch table keyed by its 12-bit address: a descriptor
// holding a read closure and a write closure that already knows its own
// mask and side effects, rather than a flat array of identical uint64
// slots. The table is built once, in NewFile, and its shape never changes
// after construction.
package csr

import "riscvemu/internal/trap"

// Addresses, grouped the way the privileged spec groups them.
const (
	Fflags = 0x001
	Frm    = 0x002
	Fcsr   = 0x003
	Uepc   = 0x041
	Ucause = 0x042

	Sstatus  = 0x100
	Sie      = 0x104
	Stvec    = 0x105
	Sscratch = 0x140
	Sepc     = 0x141
	Scause   = 0x142
	Stval    = 0x143
	Sip      = 0x144
	Satp     = 0x180

	Mvendorid  = 0xF11
	Marchid    = 0xF12
	Mimpid     = 0xF13
	Mhartid    = 0xF14
	Mstatus    = 0x300
	Misa       = 0x301
	Medeleg    = 0x302
	Mideleg    = 0x303
	Mie        = 0x304
	Mtvec      = 0x305
	Mcounteren = 0x306
	Mscratch   = 0x340
	Mepc       = 0x341
	Mcause     = 0x342
	Mtval      = 0x343
	Mip        = 0x344
	Pmpcfg0    = 0x3A0
	Pmpaddr0   = 0x3B0
)

// mstatus bit layout (subset this emulator models).
const (
	mstatusSIE  = 1 << 1
	mstatusMIE  = 1 << 3
	mstatusSPIE = 1 << 5
	mstatusMPIE = 1 << 7
	mstatusSPP  = 1 << 8
	mstatusMPPShift = 11
	mstatusMPPMask  = 0x3 << mstatusMPPShift
	mstatusFSShift  = 13
	mstatusFSMask   = 0x3 << mstatusFSShift
	mstatusMPRV = 1 << 17
	mstatusSUM  = 1 << 18
	mstatusMXR  = 1 << 19
	mstatusSD   = 1 << 63

	sstatusMask = mstatusSIE | mstatusSPIE | mstatusSPP | mstatusFSMask | mstatusSUM | mstatusMXR | mstatusSD
)

// mip/mie bit positions.
const (
	SSIP = 1 << 1
	MSIP = 1 << 3
	STIP = 1 << 5
	MTIP = 1 << 7
	SEIP = 1 << 9
	MEIP = 1 << 11

	sBitsMask = SSIP | STIP | SEIP
)

// misa: RV64 with I M A F D C. Zicsr/Zifencei have no misa bit of their own.
// MXL=2 (RV64) per the Open Questions decision in SPEC_FULL.md; bit for each
// lettered extension is 1<<(letter-'A').
const misaValue = uint64(2)<<62 | 1<<0 /*A*/ | 1<<2 /*C*/ | 1<<3 /*D*/ | 1<<5 /*F*/ | 1<<8 /*I*/ | 1<<12 /*M*/

// File is the complete CSR register file for one hart.
type File struct {
	mstatus    uint64
	medeleg    uint64
	mideleg    uint64
	mie        uint64
	mip        uint64
	mtvec      uint64
	stvec      uint64
	mscratch   uint64
	sscratch   uint64
	mepc       uint64
	sepc       uint64
	uepc       uint64
	mcause     uint64
	scause     uint64
	ucause     uint64
	mtval      uint64
	stval      uint64
	mcounteren uint64
	satp       uint64
	pmpcfg0    uint64
	pmpaddr0   uint64
	fflags     uint64 // low 5 bits significant
	frm        uint64 // low 3 bits significant

	table map[uint16]*reg
}

type reg struct {
	readOnly bool
	read     func(f *File) uint64
	write    func(f *File, v uint64)
}

// NewFile builds a CSR file with reset values and wires up the dispatch
// table. mhartid is fixed at 0 (single hart).
func NewFile() *File {
	f := &File{}
	f.table = map[uint16]*reg{
		Fflags: {read: func(f *File) uint64 { return f.fflags }, write: func(f *File, v uint64) { f.fflags = v & 0x1f }},
		Frm:    {read: func(f *File) uint64 { return f.frm }, write: func(f *File, v uint64) { f.frm = v & 0x7 }},
		Fcsr: {
			read:  func(f *File) uint64 { return f.frm<<5 | f.fflags },
			write: func(f *File, v uint64) { f.frm = (v >> 5) & 0x7; f.fflags = v & 0x1f },
		},
		Uepc:   {read: func(f *File) uint64 { return f.uepc &^ 1 }, write: func(f *File, v uint64) { f.uepc = v &^ 1 }},
		Ucause: {read: func(f *File) uint64 { return f.ucause }, write: func(f *File, v uint64) { f.ucause = v }},

		Sstatus: {
			read:  func(f *File) uint64 { return f.mstatus & sstatusMask },
			write: func(f *File, v uint64) { f.mstatus = f.mstatus&^uint64(sstatusMask) | v&sstatusMask },
		},
		Sie: {
			read:  func(f *File) uint64 { return f.mie & sBitsMask },
			write: func(f *File, v uint64) { f.mie = f.mie&^uint64(sBitsMask) | v&sBitsMask },
		},
		Sip: {
			read:  func(f *File) uint64 { return f.mip & sBitsMask },
			write: func(f *File, v uint64) { f.mip = f.mip&^uint64(SSIP) | v&SSIP },
		},
		Stvec:    {read: func(f *File) uint64 { return f.stvec }, write: func(f *File, v uint64) { f.stvec = v &^ 0 }},
		Sscratch: {read: func(f *File) uint64 { return f.sscratch }, write: func(f *File, v uint64) { f.sscratch = v }},
		Sepc:     {read: func(f *File) uint64 { return f.sepc &^ 1 }, write: func(f *File, v uint64) { f.sepc = v &^ 1 }},
		Scause:   {read: func(f *File) uint64 { return f.scause }, write: func(f *File, v uint64) { f.scause = v }},
		Stval:    {read: func(f *File) uint64 { return f.stval }, write: func(f *File, v uint64) { f.stval = v }},
		Satp: {
			read: func(f *File) uint64 { return f.satp },
			write: func(f *File, v uint64) {
				mode := v >> 60
				if mode != 0 && mode != 8 && mode != 9 {
					mode = 0 // unimplemented modes treated as Bare
				}
				f.satp = mode<<60 | v&0x0FFF_FFFF_FFFF_FFFF
			},
		},

		Mvendorid: {readOnly: true, read: func(f *File) uint64 { return 0 }},
		Marchid:   {readOnly: true, read: func(f *File) uint64 { return 0 }},
		Mimpid:    {readOnly: true, read: func(f *File) uint64 { return 0 }},
		Mhartid:   {readOnly: true, read: func(f *File) uint64 { return 0 }},
		Mstatus: {
			read: func(f *File) uint64 { return f.mstatus },
			write: func(f *File, v uint64) {
				const writable = mstatusSIE | mstatusMIE | mstatusSPIE | mstatusMPIE | mstatusSPP |
					mstatusMPPMask | mstatusFSMask | mstatusMPRV | mstatusSUM | mstatusMXR
				f.mstatus = f.mstatus&^uint64(writable) | v&writable
				f.deriveSD()
			},
		},
		Misa: {
			read: func(f *File) uint64 { return misaValue },
			// Writes that would disable an implemented extension are dropped;
			// since every implemented extension bit is held fixed, all writes
			// to misa are no-ops.
			write: func(f *File, v uint64) {},
		},
		Medeleg: {read: func(f *File) uint64 { return f.medeleg }, write: func(f *File, v uint64) { f.medeleg = v }},
		Mideleg: {read: func(f *File) uint64 { return f.mideleg }, write: func(f *File, v uint64) { f.mideleg = v & 0xFFF }},
		Mie:     {read: func(f *File) uint64 { return f.mie }, write: func(f *File, v uint64) { f.mie = v & 0xFFF }},
		Mtvec:   {read: func(f *File) uint64 { return f.mtvec }, write: func(f *File, v uint64) { f.mtvec = v }},
		Mcounteren: {
			read:  func(f *File) uint64 { return f.mcounteren },
			write: func(f *File, v uint64) { f.mcounteren = v & 0xFFFFFFFF },
		},
		Mscratch: {read: func(f *File) uint64 { return f.mscratch }, write: func(f *File, v uint64) { f.mscratch = v }},
		Mepc:     {read: func(f *File) uint64 { return f.mepc &^ 1 }, write: func(f *File, v uint64) { f.mepc = v &^ 1 }},
		Mcause:   {read: func(f *File) uint64 { return f.mcause }, write: func(f *File, v uint64) { f.mcause = v }},
		Mtval:    {read: func(f *File) uint64 { return f.mtval }, write: func(f *File, v uint64) { f.mtval = v }},
		Mip: {
			read: func(f *File) uint64 { return f.mip },
			// Only SSIP is software-writable from mip directly; MTIP/MEIP/
			// SEIP/MSIP are driven by CLINT/PLIC via SetMTIP/SetMEIP/
			// SetSEIP/SetMSIP below.
			write: func(f *File, v uint64) { f.mip = f.mip&^uint64(SSIP) | v&SSIP },
		},
		Pmpcfg0:  {read: func(f *File) uint64 { return f.pmpcfg0 }, write: func(f *File, v uint64) { f.pmpcfg0 = v }},
		Pmpaddr0: {read: func(f *File) uint64 { return f.pmpaddr0 }, write: func(f *File, v uint64) { f.pmpaddr0 = v }},
	}
	return f
}

func (f *File) deriveSD() {
	fs := (f.mstatus & mstatusFSMask) >> mstatusFSShift
	if fs == 0x3 {
		f.mstatus |= mstatusSD
	} else {
		f.mstatus &^= uint64(mstatusSD)
	}
}

// Read returns the value of the CSR at addr, or an IllegalInstruction trap
// if no such CSR is modeled.
func (f *File) Read(addr uint16) (uint64, error) {
	r, ok := f.table[addr]
	if !ok {
		return 0, trap.Exception(trap.IllegalInstruction, uint64(addr))
	}
	return r.read(f), nil
}

// Write stores v into the CSR at addr. Writing a read-only CSR, or an
// unmodeled address, raises IllegalInstruction; the value is left at its
// reset value in that case per the invariant in spec section 3.
func (f *File) Write(addr uint16, v uint64) error {
	r, ok := f.table[addr]
	if !ok || r.readOnly {
		return trap.Exception(trap.IllegalInstruction, uint64(addr))
	}
	r.write(f, v)
	return nil
}

// SetFS sets mstatus.FS to Dirty (3), recomputing SD. Called by the hart
// after any FP instruction that writes an FP register.
func (f *File) SetFS() {
	f.mstatus |= mstatusFSMask
	f.deriveSD()
}

// FFlags / Frm / SetFFlags give the interpreter direct access to the
// floating-point accrued-exception and rounding-mode fields without going
// through the generic CSR dispatch on every FP instruction.
func (f *File) FFlags() uint8 { return uint8(f.fflags) }
func (f *File) Frm() uint8    { return uint8(f.frm) }
func (f *File) SetFFlags(v uint8) {
	f.fflags |= uint64(v) & 0x1f
}

// Mstatus / Mie / Mip expose the raw registers to the trap engine and to
// peripherals, which must read or set individual hardware-driven bits.
func (f *File) Mstatus() uint64 { return f.mstatus }
func (f *File) SetMstatus(v uint64) {
	f.mstatus = v
	f.deriveSD()
}
func (f *File) Mie() uint64 { return f.mie }
func (f *File) Mip() uint64 { return f.mip }
func (f *File) Medeleg() uint64 { return f.medeleg }
func (f *File) Mideleg() uint64 { return f.mideleg }
func (f *File) Mtvec() uint64   { return f.mtvec }
func (f *File) Stvec() uint64   { return f.stvec }

// SetMTIP, SetMEIP, SetSEIP let CLINT/PLIC drive hardware-sourced mip bits
// directly, bypassing the software write mask installed on the Mip entry.
func (f *File) SetMTIP(v bool) { f.setMip(MTIP, v) }
func (f *File) SetMEIP(v bool) { f.setMip(MEIP, v) }
func (f *File) SetSEIP(v bool) { f.setMip(SEIP, v) }
func (f *File) SetMSIP(v bool) { f.setMip(MSIP, v) }

func (f *File) setMip(bit uint64, v bool) {
	if v {
		f.mip |= bit
	} else {
		f.mip &^= bit
	}
}

// EnterTrap updates mepc/mcause/mtval/mstatus for a Machine-mode trap and
// returns the computed target PC.
func (f *File) EnterTrap(pc uint64, t *trap.Trap) uint64 {
	f.mepc = pc &^ 1
	f.mcause = t.Code()
	f.mtval = t.Tval
	mie := f.mstatus & mstatusMIE >> 3
	f.mstatus = f.mstatus&^uint64(mstatusMPIE) | mie<<7
	f.mstatus &^= uint64(mstatusMIE)
	return f.trapTarget(f.mtvec, t)
}

// EnterTrapS is EnterTrap's Supervisor-mode counterpart.
func (f *File) EnterTrapS(pc uint64, t *trap.Trap) uint64 {
	f.sepc = pc &^ 1
	f.scause = t.Code()
	f.stval = t.Tval
	sie := f.mstatus & mstatusSIE >> 1
	f.mstatus = f.mstatus&^uint64(mstatusSPIE) | sie<<5
	f.mstatus &^= uint64(mstatusSIE)
	return f.trapTarget(f.stvec, t)
}

func (f *File) trapTarget(tvec uint64, t *trap.Trap) uint64 {
	base := tvec &^ 0x3
	mode := tvec & 0x3
	if mode == 1 && t.Interrupt {
		return base + 4*uint64(t.Cause)
	}
	return base
}

// SetMPP / MPP and SetSPP / SPP manage the previous-privilege fields used
// on trap entry and by xRET.
func (f *File) SetMPP(m trap.Mode) {
	f.mstatus = f.mstatus&^uint64(mstatusMPPMask) | uint64(m)<<mstatusMPPShift
}
func (f *File) MPP() trap.Mode {
	return trap.Mode((f.mstatus & mstatusMPPMask) >> mstatusMPPShift)
}
func (f *File) SetSPP(m trap.Mode) {
	bit := uint64(0)
	if m == trap.Supervisor {
		bit = mstatusSPP
	}
	f.mstatus = f.mstatus&^uint64(mstatusSPP) | bit
}
func (f *File) SPP() trap.Mode {
	if f.mstatus&mstatusSPP != 0 {
		return trap.Supervisor
	}
	return trap.User
}

// MRET / SRET apply the xRET register bookkeeping from spec section 4.10
// and return the mode to switch to and the PC to resume at.
func (f *File) MRET() (trap.Mode, uint64) {
	mode := f.MPP()
	mpie := (f.mstatus & mstatusMPIE) >> 7
	f.mstatus = f.mstatus&^uint64(mstatusMIE) | mpie<<3
	f.mstatus |= mstatusMPIE
	f.SetMPP(trap.User)
	if mode != trap.Machine {
		f.mstatus &^= uint64(mstatusMPRV)
	}
	return mode, f.mepc
}

func (f *File) SRET() (trap.Mode, uint64) {
	mode := f.SPP()
	spie := (f.mstatus & mstatusSPIE) >> 5
	f.mstatus = f.mstatus&^uint64(mstatusSIE) | spie<<1
	f.mstatus |= mstatusSPIE
	f.SetSPP(trap.User)
	if mode != trap.Machine {
		f.mstatus &^= uint64(mstatusMPRV)
	}
	return mode, f.sepc
}

// SatpMode, SatpPPN and Mprv/Sum/Mxr give the MMU read access to the bits
// it needs without reaching into mstatus/satp layout itself.
func (f *File) SatpMode() uint64 { return f.satp >> 60 }
func (f *File) SatpPPN() uint64  { return f.satp & 0x0FFF_FFFF_FFFF }
func (f *File) Mprv() bool       { return f.mstatus&mstatusMPRV != 0 }
func (f *File) Sum() bool        { return f.mstatus&mstatusSUM != 0 }
func (f *File) Mxr() bool        { return f.mstatus&mstatusMXR != 0 }
