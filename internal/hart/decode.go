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

// Field extraction helpers for the 32-bit instruction formats (R/I/S/B/U/J).
// These operate directly on the raw word rather than building an
// intermediate struct; execute() pulls out only the fields each opcode
// needs.

func opcode(w uint32) uint32 { return w & 0x7f }
func rd(w uint32) uint32     { return (w >> 7) & 0x1f }
func funct3(w uint32) uint32 { return (w >> 12) & 0x7 }
func rs1(w uint32) uint32    { return (w >> 15) & 0x1f }
func rs2(w uint32) uint32    { return (w >> 20) & 0x1f }
func rs3(w uint32) uint32    { return (w >> 27) & 0x1f }
func funct7(w uint32) uint32 { return (w >> 25) & 0x7f }
func funct2(w uint32) uint32 { return (w >> 25) & 0x3 } // FP R4-type op field

func immI(w uint32) int64 { return int64(int32(w)) >> 20 }

func immS(w uint32) int64 {
	v := (w>>25)<<5 | (w>>7)&0x1f
	return signExtend(uint64(v), 12)
}

func immB(w uint32) int64 {
	v := (w>>31)<<12 | (w>>7)&1<<11 | (w>>25)&0x3f<<5 | (w>>8)&0xf<<1
	return signExtend(uint64(v), 13)
}

func immU(w uint32) int64 {
	return int64(int32(w & 0xFFFFF000))
}

func immJ(w uint32) int64 {
	v := (w>>31)<<20 | (w>>12)&0xff<<12 | (w>>20)&1<<11 | (w>>21)&0x3ff<<1
	return signExtend(uint64(v), 21)
}

func signExtend(v uint64, bits uint) int64 {
	shift := 64 - bits
	return int64(v<<shift) >> shift
}

// csrAddr extracts the 12-bit CSR address from an I-type system instruction.
func csrAddr(w uint32) uint16 { return uint16(w >> 20) }

// --- Compressed (RVC) expansion -------------------------------------------
//
// expandCompressed converts a 16-bit instruction into its 32-bit
// equivalent encoding, so the rest of the pipeline never needs to know
// RVC existed. The decoder accepts RVC; it never re-emits it, per the
// Non-goals.

func isCompressed(low16 uint16) bool { return low16&0x3 != 3 }

func rv32i(opcode uint32, rd, funct3, rs1 uint32, imm int64) uint32 {
	return uint32(imm)<<20&0xFFFFF000 | rs1<<15 | funct3<<12 | rd<<7 | opcode
}

func rv32r(opcode, funct7, rs2, rs1, funct3, rd uint32) uint32 {
	return funct7<<25 | rs2<<20 | rs1<<15 | funct3<<12 | rd<<7 | opcode
}

func rv32s(opcode uint32, imm int64, rs2, rs1, funct3 uint32) uint32 {
	u := uint32(imm)
	return (u>>5)&0x7f<<25 | rs2<<20 | rs1<<15 | funct3<<12 | (u&0x1f)<<7 | opcode
}

func rv32b(opcode uint32, imm int64, rs2, rs1, funct3 uint32) uint32 {
	u := uint32(imm)
	return (u>>12)&1<<31 | (u>>5)&0x3f<<25 | rs2<<20 | rs1<<15 | funct3<<12 | (u>>11)&1<<7 | (u>>1)&0xf<<8 | opcode
}

func rv32u(opcode, rd uint32, imm int64) uint32 {
	return uint32(imm)&0xFFFFF000 | rd<<7 | opcode
}

func rv32j(opcode, rd uint32, imm int64) uint32 {
	u := uint32(imm)
	return (u>>20)&1<<31 | (u>>1)&0x3ff<<21 | (u>>11)&1<<20 | (u>>12)&0xff<<12 | rd<<7 | opcode
}

// rvcReg maps a compressed 3-bit register field (x8..x15) to a full index.
func rvcReg(bits uint32) uint32 { return bits + 8 }

// expandCompressed expands a 16-bit word into the 32-bit instruction it is
// shorthand for. Unrecognized encodings expand to an illegal 32-bit word
// (all zero opcode field with a reserved opcode), which the execute loop
// turns into IllegalInstruction.
func expandCompressed(c uint16) uint32 {
	w := uint32(c)
	op := w & 0x3
	funct3c := (w >> 13) & 0x7

	illegal := uint32(0) // opcode 0 is reserved/illegal in RV32/64

	switch op {
	case 0x0: // Quadrant 0
		switch funct3c {
		case 0x0: // C.ADDI4SPN
			nzuimm := (w>>12)&1<<5 | (w>>11)&1<<4 | (w>>7)&0xf<<6 | (w>>6)&1<<2 | (w>>5)&1<<3
			if nzuimm == 0 {
				return illegal
			}
			rdp := rvcReg((w >> 2) & 0x7)
			return rv32i(0x13, rdp, 0, 2, int64(nzuimm)) // addi rd', x2, nzuimm
		case 0x1: // C.FLD (RV64 always present for D ext) -> fld rd', offset(rs1')
			rdp := rvcReg((w >> 2) & 0x7)
			rs1p := rvcReg((w >> 7) & 0x7)
			imm := ((w >> 10) & 0x7 << 3) | ((w >> 5) & 0x3 << 6)
			return rv32i(0x07, rdp, 3, rs1p, int64(imm))
		case 0x2: // C.LW
			rdp := rvcReg((w >> 2) & 0x7)
			rs1p := rvcReg((w >> 7) & 0x7)
			imm := ((w >> 6) & 0x1 << 2) | ((w >> 10) & 0x7 << 3) | ((w >> 5) & 0x1 << 6)
			return rv32i(0x03, rdp, 2, rs1p, int64(imm))
		case 0x3: // C.LD (RV64)
			rdp := rvcReg((w >> 2) & 0x7)
			rs1p := rvcReg((w >> 7) & 0x7)
			imm := ((w >> 10) & 0x7 << 3) | ((w >> 5) & 0x3 << 6)
			return rv32i(0x03, rdp, 3, rs1p, int64(imm))
		case 0x5: // C.FSD
			rs2p := rvcReg((w >> 2) & 0x7)
			rs1p := rvcReg((w >> 7) & 0x7)
			imm := ((w >> 10) & 0x7 << 3) | ((w >> 5) & 0x3 << 6)
			return rv32s(0x27, int64(imm), rs2p, rs1p, 3)
		case 0x6: // C.SW
			rs2p := rvcReg((w >> 2) & 0x7)
			rs1p := rvcReg((w >> 7) & 0x7)
			imm := ((w >> 6) & 0x1 << 2) | ((w >> 10) & 0x7 << 3) | ((w >> 5) & 0x1 << 6)
			return rv32s(0x23, int64(imm), rs2p, rs1p, 2)
		case 0x7: // C.SD (RV64)
			rs2p := rvcReg((w >> 2) & 0x7)
			rs1p := rvcReg((w >> 7) & 0x7)
			imm := ((w >> 10) & 0x7 << 3) | ((w >> 5) & 0x3 << 6)
			return rv32s(0x23, int64(imm), rs2p, rs1p, 3)
		}
	case 0x1: // Quadrant 1
		switch funct3c {
		case 0x0: // C.ADDI / C.NOP
			imm := signExtend(uint64((w>>12)&1<<5|(w>>2)&0x1f), 6)
			rdv := (w >> 7) & 0x1f
			return rv32i(0x13, rdv, 0, rdv, imm)
		case 0x1: // C.ADDIW (RV64)
			imm := signExtend(uint64((w>>12)&1<<5|(w>>2)&0x1f), 6)
			rdv := (w >> 7) & 0x1f
			return rv32i(0x1b, rdv, 0, rdv, imm)
		case 0x2: // C.LI
			imm := signExtend(uint64((w>>12)&1<<5|(w>>2)&0x1f), 6)
			rdv := (w >> 7) & 0x1f
			return rv32i(0x13, rdv, 0, 0, imm)
		case 0x3:
			rdv := (w >> 7) & 0x1f
			if rdv == 2 { // C.ADDI16SP
				u := (w>>12)&1<<9 | (w>>3)&0x3<<7 | (w>>5)&0x1<<6 | (w>>2)&0x1<<5 | (w>>6)&0x1<<4
				imm := signExtend(uint64(u), 10)
				return rv32i(0x13, 2, 0, 2, imm)
			}
			// C.LUI
			u := (w>>12)&1<<17 | (w>>2)&0x1f<<12
			imm := signExtend(uint64(u), 18)
			if imm == 0 {
				return illegal
			}
			return rv32u(0x37, rdv, imm)
		case 0x4:
			funct2b := (w >> 10) & 0x3
			rdp := rvcReg((w >> 7) & 0x7)
			switch funct2b {
			case 0x0: // C.SRLI
				shamt := (w>>12)&1<<5 | (w>>2)&0x1f
				return rv32r(0x13, 0, shamt, rdp, 5, rdp)
			case 0x1: // C.SRAI
				shamt := (w>>12)&1<<5 | (w>>2)&0x1f
				return rv32r(0x13, 0x20, shamt, rdp, 5, rdp)
			case 0x2: // C.ANDI
				imm := signExtend(uint64((w>>12)&1<<5|(w>>2)&0x1f), 6)
				return rv32i(0x13, rdp, 7, rdp, imm)
			case 0x3:
				rs2p := rvcReg((w >> 2) & 0x7)
				top := (w >> 12) & 0x1
				sub := (w >> 5) & 0x3
				switch {
				case top == 0 && sub == 0: // C.SUB
					return rv32r(0x33, 0x20, rs2p, rdp, 0, rdp)
				case top == 0 && sub == 1: // C.XOR
					return rv32r(0x33, 0, rs2p, rdp, 4, rdp)
				case top == 0 && sub == 2: // C.OR
					return rv32r(0x33, 0, rs2p, rdp, 6, rdp)
				case top == 0 && sub == 3: // C.AND
					return rv32r(0x33, 0, rs2p, rdp, 7, rdp)
				case top == 1 && sub == 0: // C.SUBW
					return rv32r(0x3b, 0x20, rs2p, rdp, 0, rdp)
				case top == 1 && sub == 1: // C.ADDW
					return rv32r(0x3b, 0, rs2p, rdp, 0, rdp)
				}
			}
		case 0x5: // C.J
			u := (w>>12)&1<<11 | (w>>8)&1<<10 | (w>>9)&0x3<<8 | (w>>6)&1<<7 |
				(w>>7)&1<<6 | (w>>2)&1<<5 | (w>>11)&1<<4 | (w>>3)&0x7<<1
			imm := signExtend(uint64(u), 12)
			return rv32j(0x6f, 0, imm)
		case 0x6: // C.BEQZ
			rs1p := rvcReg((w >> 7) & 0x7)
			u := (w>>12)&1<<8 | (w>>5)&0x3<<6 | (w>>2)&0x1<<5 | (w>>10)&0x3<<3 | (w>>3)&0x3<<1
			imm := signExtend(uint64(u), 9)
			return rv32b(0x63, imm, 0, rs1p, 0)
		case 0x7: // C.BNEZ
			rs1p := rvcReg((w >> 7) & 0x7)
			u := (w>>12)&1<<8 | (w>>5)&0x3<<6 | (w>>2)&0x1<<5 | (w>>10)&0x3<<3 | (w>>3)&0x3<<1
			imm := signExtend(uint64(u), 9)
			return rv32b(0x63, imm, 0, rs1p, 1)
		}
	case 0x2: // Quadrant 2
		switch funct3c {
		case 0x0: // C.SLLI
			rdv := (w >> 7) & 0x1f
			shamt := (w>>12)&1<<5 | (w>>2)&0x1f
			return rv32r(0x13, 0, shamt, rdv, 1, rdv)
		case 0x1: // C.FLDSP
			rdv := (w >> 7) & 0x1f
			u := (w>>2)&0x7<<6 | (w>>12)&1<<5 | (w>>5)&0x3<<3
			return rv32i(0x07, rdv, 3, 2, int64(u))
		case 0x2: // C.LWSP
			rdv := (w >> 7) & 0x1f
			u := (w>>2)&0x3<<6 | (w>>12)&1<<5 | (w>>4)&0x7<<2
			return rv32i(0x03, rdv, 2, 2, int64(u))
		case 0x3: // C.LDSP
			rdv := (w >> 7) & 0x1f
			u := (w>>2)&0x7<<6 | (w>>12)&1<<5 | (w>>5)&0x3<<3
			return rv32i(0x03, rdv, 3, 2, int64(u))
		case 0x4:
			top := (w >> 12) & 0x1
			rdv := (w >> 7) & 0x1f
			rs2v := (w >> 2) & 0x1f
			switch {
			case top == 0 && rs2v == 0: // C.JR
				return rv32i(0x67, 0, 0, rdv, 0)
			case top == 0: // C.MV
				return rv32r(0x33, 0, rs2v, 0, 0, rdv)
			case top == 1 && rdv == 0 && rs2v == 0: // C.EBREAK
				return 0x00100073
			case top == 1 && rs2v == 0: // C.JALR
				return rv32i(0x67, 1, 0, rdv, 0)
			default: // C.ADD
				return rv32r(0x33, 0, rs2v, rdv, 0, rdv)
			}
		case 0x5: // C.FSDSP
			rs2v := (w >> 2) & 0x1f
			u := (w>>10)&0x7<<3 | (w>>7)&0x7<<6
			return rv32s(0x27, int64(u), rs2v, 2, 3)
		case 0x6: // C.SWSP
			rs2v := (w >> 2) & 0x1f
			u := (w>>9)&0xf<<2 | (w>>7)&0x3<<6
			return rv32s(0x23, int64(u), rs2v, 2, 2)
		case 0x7: // C.SDSP
			rs2v := (w >> 2) & 0x1f
			u := (w>>10)&0x7<<3 | (w>>7)&0x7<<6
			return rv32s(0x23, int64(u), rs2v, 2, 3)
		}
	}
	return illegal
}
