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

package hart

import (
	"math/bits"

	"riscvemu/internal/trap"
)

const (
	opLUI      = 0x37
	opAUIPC    = 0x17
	opJAL      = 0x6F
	opJALR     = 0x67
	opBranch   = 0x63
	opLoad     = 0x03
	opStore    = 0x23
	opImm      = 0x13
	opImm32    = 0x1B
	opReg      = 0x33
	opReg32    = 0x3B
	opMiscMem  = 0x0F
	opSystem   = 0x73
	opAMO      = 0x2F
	opLoadFP   = 0x07
	opStoreFP  = 0x27
	opMADD     = 0x43
	opMSUB     = 0x47
	opNMSUB    = 0x4B
	opNMADD    = 0x4F
	opFP       = 0x53
)

// execute dispatches a single decoded instruction. The bool return reports
// whether a branch/jump/trap-return redirected the PC to the uint64 return
// value; when false, the caller falls through to PC+length. A target of 0
// is a legitimate redirect (e.g. mepc/sepc == 0), so unlike plain 0 it
// cannot double as the "no redirect" sentinel.
func (h *Hart) execute(w uint32, pc uint64, length int) (uint64, bool, error) {
	op := opcode(w)
	switch op {
	case opLUI:
		h.SetX(rd(w), uint64(immU(w)))
	case opAUIPC:
		h.SetX(rd(w), pc+uint64(immU(w)))
	case opJAL:
		target := pc + uint64(immJ(w))
		if target&1 != 0 {
			return 0, false, trap.Exception(trap.InstructionAddressMisaligned, target)
		}
		h.SetX(rd(w), pc+uint64(length))
		return target, true, nil
	case opJALR:
		target := (h.GetX(rs1(w)) + uint64(immI(w))) &^ 1
		link := pc + uint64(length)
		h.SetX(rd(w), link)
		return target, true, nil
	case opBranch:
		return h.execBranch(w, pc)
	case opLoad:
		return 0, false, h.execLoad(w)
	case opStore:
		return 0, false, h.execStore(w)
	case opImm:
		return 0, false, h.execOpImm(w)
	case opImm32:
		return 0, false, h.execOpImm32(w)
	case opReg:
		return 0, false, h.execOp(w)
	case opReg32:
		return 0, false, h.execOp32(w)
	case opMiscMem:
		// FENCE / FENCE.I: no-ops under the single-hart cooperative model.
		return 0, false, nil
	case opSystem:
		return h.execSystem(w, pc)
	case opAMO:
		return 0, false, h.execAMO(w)
	case opLoadFP, opStoreFP, opMADD, opMSUB, opNMSUB, opNMADD, opFP:
		return 0, false, h.executeFP(w, op)
	default:
		return 0, false, trap.Exception(trap.IllegalInstruction, uint64(w))
	}
	return 0, false, nil
}

func (h *Hart) execBranch(w uint32, pc uint64) (uint64, bool, error) {
	a, b := h.GetX(rs1(w)), h.GetX(rs2(w))
	var taken bool
	switch funct3(w) {
	case 0x0: // BEQ
		taken = a == b
	case 0x1: // BNE
		taken = a != b
	case 0x4: // BLT
		taken = int64(a) < int64(b)
	case 0x5: // BGE
		taken = int64(a) >= int64(b)
	case 0x6: // BLTU
		taken = a < b
	case 0x7: // BGEU
		taken = a >= b
	default:
		return 0, false, trap.Exception(trap.IllegalInstruction, uint64(w))
	}
	if !taken {
		return 0, false, nil
	}
	target := pc + uint64(immB(w))
	if target&1 != 0 {
		return 0, false, trap.Exception(trap.InstructionAddressMisaligned, target)
	}
	return target, true, nil
}

func (h *Hart) execLoad(w uint32) error {
	addr := h.GetX(rs1(w)) + uint64(immI(w))
	switch funct3(w) {
	case 0x0: // LB
		v, err := h.Load(addr, 1)
		if err != nil {
			return err
		}
		h.SetX(rd(w), uint64(int64(int8(v))))
	case 0x1: // LH
		v, err := h.Load(addr, 2)
		if err != nil {
			return err
		}
		h.SetX(rd(w), uint64(int64(int16(v))))
	case 0x2: // LW
		v, err := h.Load(addr, 4)
		if err != nil {
			return err
		}
		h.SetX(rd(w), uint64(int64(int32(v))))
	case 0x3: // LD
		v, err := h.Load(addr, 8)
		if err != nil {
			return err
		}
		h.SetX(rd(w), v)
	case 0x4: // LBU
		v, err := h.Load(addr, 1)
		if err != nil {
			return err
		}
		h.SetX(rd(w), v&0xff)
	case 0x5: // LHU
		v, err := h.Load(addr, 2)
		if err != nil {
			return err
		}
		h.SetX(rd(w), v&0xffff)
	case 0x6: // LWU
		v, err := h.Load(addr, 4)
		if err != nil {
			return err
		}
		h.SetX(rd(w), v&0xffffffff)
	default:
		return trap.Exception(trap.IllegalInstruction, uint64(w))
	}
	return nil
}

func (h *Hart) execStore(w uint32) error {
	addr := h.GetX(rs1(w)) + uint64(immS(w))
	val := h.GetX(rs2(w))
	switch funct3(w) {
	case 0x0:
		return h.Store(addr, 1, val)
	case 0x1:
		return h.Store(addr, 2, val)
	case 0x2:
		return h.Store(addr, 4, val)
	case 0x3:
		return h.Store(addr, 8, val)
	default:
		return trap.Exception(trap.IllegalInstruction, uint64(w))
	}
}

func (h *Hart) execOpImm(w uint32) error {
	a := h.GetX(rs1(w))
	imm := immI(w)
	var result uint64
	switch funct3(w) {
	case 0x0: // ADDI
		result = a + uint64(imm)
	case 0x1: // SLLI
		if funct7(w)&0x7e != 0 {
			return trap.Exception(trap.IllegalInstruction, uint64(w))
		}
		result = a << (uint(w>>20) & 0x3f)
	case 0x2: // SLTI
		result = b2u(int64(a) < imm)
	case 0x3: // SLTIU
		result = b2u(a < uint64(imm))
	case 0x4: // XORI
		result = a ^ uint64(imm)
	case 0x5: // SRLI / SRAI
		shamt := uint(w>>20) & 0x3f
		if funct7(w)&0x20 != 0 {
			result = uint64(int64(a) >> shamt)
		} else {
			result = a >> shamt
		}
	case 0x6: // ORI
		result = a | uint64(imm)
	case 0x7: // ANDI
		result = a & uint64(imm)
	}
	h.SetX(rd(w), result)
	return nil
}

func (h *Hart) execOpImm32(w uint32) error {
	a := uint32(h.GetX(rs1(w)))
	imm := int32(immI(w))
	var result int32
	switch funct3(w) {
	case 0x0: // ADDIW
		result = int32(a) + imm
	case 0x1: // SLLIW
		result = int32(a << (uint(w>>20) & 0x1f))
	case 0x5: // SRLIW / SRAIW
		shamt := uint(w>>20) & 0x1f
		if funct7(w)&0x20 != 0 {
			result = int32(a) >> shamt
		} else {
			result = int32(a >> shamt)
		}
	default:
		return trap.Exception(trap.IllegalInstruction, uint64(w))
	}
	h.SetX(rd(w), uint64(int64(result)))
	return nil
}

func (h *Hart) execOp(w uint32) error {
	a, b := h.GetX(rs1(w)), h.GetX(rs2(w))
	f7 := funct7(w)
	if f7 == 0x01 { // M extension
		return h.execMUL(w, a, b)
	}
	var result uint64
	switch funct3(w) {
	case 0x0:
		if f7&0x20 != 0 {
			result = a - b
		} else {
			result = a + b
		}
	case 0x1:
		result = a << (b & 0x3f)
	case 0x2:
		result = b2u(int64(a) < int64(b))
	case 0x3:
		result = b2u(a < b)
	case 0x4:
		result = a ^ b
	case 0x5:
		if f7&0x20 != 0 {
			result = uint64(int64(a) >> (b & 0x3f))
		} else {
			result = a >> (b & 0x3f)
		}
	case 0x6:
		result = a | b
	case 0x7:
		result = a & b
	default:
		return trap.Exception(trap.IllegalInstruction, uint64(w))
	}
	h.SetX(rd(w), result)
	return nil
}

func (h *Hart) execOp32(w uint32) error {
	a, b := uint32(h.GetX(rs1(w))), uint32(h.GetX(rs2(w)))
	f7 := funct7(w)
	if f7 == 0x01 {
		return h.execMULW(w, a, b)
	}
	var result int32
	switch funct3(w) {
	case 0x0:
		if f7&0x20 != 0 {
			result = int32(a - b)
		} else {
			result = int32(a + b)
		}
	case 0x1:
		result = int32(a << (b & 0x1f))
	case 0x5:
		if f7&0x20 != 0 {
			result = int32(a) >> (b & 0x1f)
		} else {
			result = int32(a >> (b & 0x1f))
		}
	default:
		return trap.Exception(trap.IllegalInstruction, uint64(w))
	}
	h.SetX(rd(w), uint64(int64(result)))
	return nil
}

func b2u(v bool) uint64 {
	if v {
		return 1
	}
	return 0
}

// --- M extension ------------------------------------------------------

func (h *Hart) execMUL(w uint32, a, b uint64) error {
	switch funct3(w) {
	case 0x0: // MUL
		h.SetX(rd(w), a*b)
	case 0x1: // MULH (signed x signed)
		h.SetX(rd(w), uint64(mulhss(int64(a), int64(b))))
	case 0x2: // MULHSU (signed x unsigned)
		h.SetX(rd(w), uint64(mulhsu(int64(a), b)))
	case 0x3: // MULHU (unsigned x unsigned)
		hi, _ := bits.Mul64(a, b)
		h.SetX(rd(w), hi)
	case 0x4: // DIV
		h.SetX(rd(w), uint64(divSigned(int64(a), int64(b))))
	case 0x5: // DIVU
		if b == 0 {
			h.SetX(rd(w), ^uint64(0))
		} else {
			h.SetX(rd(w), a/b)
		}
	case 0x6: // REM
		h.SetX(rd(w), uint64(remSigned(int64(a), int64(b))))
	case 0x7: // REMU
		if b == 0 {
			h.SetX(rd(w), a)
		} else {
			h.SetX(rd(w), a%b)
		}
	}
	return nil
}

func (h *Hart) execMULW(w uint32, a, b uint32) error {
	sa, sb := int32(a), int32(b)
	switch funct3(w) {
	case 0x0: // MULW
		h.SetX(rd(w), uint64(int64(sa*sb)))
	case 0x4: // DIVW
		h.SetX(rd(w), uint64(int64(divSigned32(sa, sb))))
	case 0x5: // DIVUW
		if b == 0 {
			h.SetX(rd(w), ^uint64(0))
		} else {
			h.SetX(rd(w), uint64(int64(int32(a/b))))
		}
	case 0x6: // REMW
		h.SetX(rd(w), uint64(int64(remSigned32(sa, sb))))
	case 0x7: // REMUW
		if b == 0 {
			h.SetX(rd(w), uint64(int64(int32(a))))
		} else {
			h.SetX(rd(w), uint64(int64(int32(a%b))))
		}
	}
	return nil
}

// mulhss computes the upper 64 bits of the signed*signed 128-bit product.
func mulhss(a, b int64) int64 {
	hi, _ := bits.Mul64(uint64(a), uint64(b))
	hi -= uint64(highCorrection(a, uint64(b))) + uint64(highCorrection(b, uint64(a)))
	return int64(hi)
}

// highCorrection adjusts an unsigned 64x64->128 multiply's high word for
// treating one operand (a) as signed: if a is negative, the unsigned
// product overcounts by b<<64, so subtract b from the high word.
func highCorrection(a int64, bUnsigned uint64) uint64 {
	if a < 0 {
		return bUnsigned
	}
	return 0
}

// mulhsu computes the upper 64 bits of the 128-bit product of signed a and
// unsigned b, per the RISC-V spec (the Open Question decision: do not
// reproduce the source's masking bug).
func mulhsu(a int64, b uint64) int64 {
	hi, _ := bits.Mul64(uint64(a), b)
	if a < 0 {
		hi -= b
	}
	return int64(hi)
}

func divSigned(a, b int64) int64 {
	if b == 0 {
		return -1
	}
	if a == minInt64 && b == -1 {
		return a
	}
	return a / b
}

func remSigned(a, b int64) int64 {
	if b == 0 {
		return a
	}
	if a == minInt64 && b == -1 {
		return 0
	}
	return a % b
}

func divSigned32(a, b int32) int32 {
	if b == 0 {
		return -1
	}
	if a == minInt32 && b == -1 {
		return a
	}
	return a / b
}

func remSigned32(a, b int32) int32 {
	if b == 0 {
		return a
	}
	if a == minInt32 && b == -1 {
		return 0
	}
	return a % b
}

const minInt64 = -1 << 63
const minInt32 = -1 << 31

// --- System: Zicsr, ECALL/EBREAK, xRET, WFI, SFENCE.VMA ---------------

func (h *Hart) execSystem(w uint32, pc uint64) (uint64, bool, error) {
	f3 := funct3(w)
	if f3 != 0 {
		return 0, false, h.execCSR(w, f3)
	}
	switch w {
	case 0x00000073: // ECALL
		var cause trap.Cause
		switch h.Mode {
		case trap.User:
			cause = trap.EnvCallFromU
		case trap.Supervisor:
			cause = trap.EnvCallFromS
		default:
			cause = trap.EnvCallFromM
		}
		return 0, false, trap.Exception(cause, 0)
	case 0x00100073: // EBREAK
		return 0, false, trap.Exception(trap.Breakpoint, 0)
	case 0x30200073: // MRET
		mode, target := h.CSR.MRET()
		h.Mode = mode
		return target, true, nil
	case 0x10200073: // SRET
		mode, target := h.CSR.SRET()
		h.Mode = mode
		return target, true, nil
	case 0x10500073: // WFI
		return 0, false, nil
	}
	if funct7(w) == 0x09 { // SFENCE.VMA
		return 0, false, nil
	}
	return 0, false, trap.Exception(trap.IllegalInstruction, uint64(w))
}

func (h *Hart) execCSR(w uint32, f3 uint32) error {
	addr := csrAddr(w)
	var uimm uint64
	useImm := f3&0x4 != 0
	if useImm {
		uimm = uint64(rs1(w))
	}
	readOnlyOp := f3&0x3 == 0x2 || f3&0x3 == 0x3 // CSRRS/CSRRC only write if rs1/uimm != 0
	skipWrite := readOnlyOp && ((useImm && uimm == 0) || (!useImm && rs1(w) == 0))

	old, err := h.CSR.Read(addr)
	if err != nil {
		return err
	}
	if rd(w) != 0 {
		h.SetX(rd(w), old)
	}
	if skipWrite {
		return nil
	}
	var src uint64
	if useImm {
		src = uimm
	} else {
		src = h.GetX(rs1(w))
	}
	var next uint64
	switch f3 & 0x3 {
	case 0x1: // CSRRW / CSRRWI
		next = src
	case 0x2: // CSRRS / CSRRSI
		next = old | src
	case 0x3: // CSRRC / CSRRCI
		next = old &^ src
	default:
		return trap.Exception(trap.IllegalInstruction, uint64(w))
	}
	return h.CSR.Write(addr, next)
}

// --- A extension: LR/SC and AMO ----------------------------------------

func (h *Hart) execAMO(w uint32) error {
	funct5 := funct7(w) >> 2
	size := 4
	if funct3(w) == 0x3 {
		size = 8
	}
	addr := h.GetX(rs1(w))

	switch funct5 {
	case 0x02: // LR
		v, err := h.Load(addr, size)
		if err != nil {
			return err
		}
		h.reservValid = true
		h.reservAddr = addr
		h.reservSize = size
		h.setLoaded(rd(w), v, size)
		return nil
	case 0x03: // SC
		if !h.reservValid || h.reservAddr != addr || h.reservSize != size {
			h.SetX(rd(w), 1) // failure
			return nil
		}
		h.reservValid = false
		if err := h.Store(addr, size, h.GetX(rs2(w))); err != nil {
			return err
		}
		h.SetX(rd(w), 0) // success
		return nil
	}

	old, err := h.Load(addr, size)
	if err != nil {
		return err
	}
	rs2v := h.GetX(rs2(w))
	var result uint64
	switch funct5 {
	case 0x00: // AMOADD
		result = old + rs2v
	case 0x01: // AMOSWAP
		result = rs2v
	case 0x04: // AMOXOR
		result = old ^ rs2v
	case 0x08: // AMOOR
		result = old | rs2v
	case 0x0c: // AMOAND
		result = old & rs2v
	case 0x10: // AMOMIN
		result = amoMinMax(old, rs2v, size, true, true)
	case 0x14: // AMOMAX
		result = amoMinMax(old, rs2v, size, false, true)
	case 0x18: // AMOMINU
		result = amoMinMax(old, rs2v, size, true, false)
	case 0x1c: // AMOMAXU
		result = amoMinMax(old, rs2v, size, false, false)
	default:
		return trap.Exception(trap.IllegalInstruction, uint64(w))
	}
	if err := h.Store(addr, size, result); err != nil {
		return err
	}
	h.setLoaded(rd(w), old, size)
	return nil
}

func (h *Hart) setLoaded(rdNum uint32, v uint64, size int) {
	if size == 4 {
		h.SetX(rdNum, uint64(int64(int32(v))))
	} else {
		h.SetX(rdNum, v)
	}
}

func amoMinMax(old, operand uint64, size int, min, signed bool) uint64 {
	if size == 4 {
		old32, op32 := int32(old), int32(operand)
		if signed {
			if (old32 < op32) == min {
				return old
			}
			return operand
		}
		if (uint32(old32) < uint32(op32)) == min {
			return old
		}
		return operand
	}
	if signed {
		if (int64(old) < int64(operand)) == min {
			return old
		}
		return operand
	}
	if (old < operand) == min {
		return old
	}
	return operand
}
