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
	"math"

	"riscvemu/internal/trap"
)

// nanBoxTag marks the high 32 bits of a NaN-boxed single-precision value.
const nanBoxTag = 0xFFFFFFFF00000000

const canonicalF32NaN = 0x7fc00000
const canonicalF64NaN = 0x7ff8000000000000

func (h *Hart) getF32(i uint32) float32 {
	v := h.F[i]
	if v&nanBoxTag != nanBoxTag {
		return math.Float32frombits(canonicalF32NaN)
	}
	return math.Float32frombits(uint32(v))
}

func (h *Hart) setF32(i uint32, f float32) {
	h.F[i] = nanBoxTag | uint64(math.Float32bits(f))
	h.CSR.SetFS()
}

func (h *Hart) getF64(i uint32) float64 {
	return math.Float64frombits(h.F[i])
}

func (h *Hart) setF64(i uint32, f float64) {
	h.F[i] = math.Float64bits(f)
	h.CSR.SetFS()
}

// checkRM validates the rm field (instruction rm, or fcsr.frm if rm==7);
// encodings 0b101/0b110 are reserved and must trap.
func (h *Hart) checkRM(rm uint32) error {
	effective := rm
	if rm == 0x7 {
		effective = uint32(h.CSR.Frm())
	}
	if effective == 0x5 || effective == 0x6 {
		return trap.Exception(trap.IllegalInstruction, uint64(rm))
	}
	return nil
}

// executeFP dispatches the five FP opcodes: LOAD-FP, STORE-FP, the three
// fused multiply-add opcodes, and the general OP-FP opcode.
func (h *Hart) executeFP(w uint32, op uint32) error {
	switch op {
	case opLoadFP:
		return h.execLoadFP(w)
	case opStoreFP:
		return h.execStoreFP(w)
	case opMADD, opMSUB, opNMSUB, opNMADD:
		return h.execFMA(w, op)
	case opFP:
		return h.execOpFP(w)
	}
	return trap.Exception(trap.IllegalInstruction, uint64(w))
}

func (h *Hart) execLoadFP(w uint32) error {
	addr := h.GetX(rs1(w)) + uint64(immI(w))
	switch funct3(w) {
	case 0x2: // FLW
		v, err := h.Load(addr, 4)
		if err != nil {
			return err
		}
		h.F[rd(w)] = nanBoxTag | v
		return nil
	case 0x3: // FLD
		v, err := h.Load(addr, 8)
		if err != nil {
			return err
		}
		h.F[rd(w)] = v
		return nil
	}
	return trap.Exception(trap.IllegalInstruction, uint64(w))
}

func (h *Hart) execStoreFP(w uint32) error {
	addr := h.GetX(rs1(w)) + uint64(immS(w))
	switch funct3(w) {
	case 0x2: // FSW
		return h.Store(addr, 4, h.F[rs2(w)]&0xFFFFFFFF)
	case 0x3: // FSD
		return h.Store(addr, 8, h.F[rs2(w)])
	}
	return trap.Exception(trap.IllegalInstruction, uint64(w))
}

func (h *Hart) execFMA(w uint32, op uint32) error {
	double := w&0x2000000 != 0 // funct2/fmt bit in bits[26:25], bit0 here
	rm := funct3(w)
	if err := h.checkRM(rm); err != nil {
		return err
	}
	negMul := op == opNMSUB || op == opNMADD
	negAdd := op == opMSUB || op == opNMSUB
	if double {
		a, b, c := h.getF64(rs1(w)), h.getF64(rs2(w)), h.getF64(rs3(w))
		if negMul {
			a = -a
		}
		if negAdd {
			c = -c
		}
		h.setF64(rd(w), math.FMA(a, b, c))
	} else {
		a, b, c := float64(h.getF32(rs1(w))), float64(h.getF32(rs2(w))), float64(h.getF32(rs3(w)))
		if negMul {
			a = -a
		}
		if negAdd {
			c = -c
		}
		h.setF32(rd(w), float32(math.FMA(a, b, c)))
	}
	return nil
}

func (h *Hart) execOpFP(w uint32) error {
	f7 := funct7(w)
	double := f7&1 != 0
	rm := funct3(w)

	switch f7 &^ 1 {
	case 0x00: // FADD
		return h.fpBinOp(w, double, rm, func(a, b float64) float64 { return a + b })
	case 0x04: // FSUB
		return h.fpBinOp(w, double, rm, func(a, b float64) float64 { return a - b })
	case 0x08: // FMUL
		return h.fpBinOp(w, double, rm, func(a, b float64) float64 { return a * b })
	case 0x0c: // FDIV
		return h.fpBinOp(w, double, rm, func(a, b float64) float64 { return a / b })
	case 0x2c: // FSQRT (rs2 field must be 0)
		return h.fpUnOp(w, double, rm, math.Sqrt)
	case 0x10: // FSGNJ / FSGNJN / FSGNJX
		return h.execSignInject(w, double)
	case 0x14: // FMIN / FMAX
		return h.execMinMax(w, double)
	case 0x50: // FEQ/FLT/FLE
		return h.execFCompare(w, double)
	case 0x60: // FCVT.{W,WU,L,LU}.{S,D}
		return h.execFCVTToInt(w, double, rm)
	case 0x68: // FCVT.{S,D}.{W,WU,L,LU}
		return h.execFCVTFromInt(w, double, rm)
	case 0x70: // FMV.X.W/D, FCLASS
		return h.execFMVToX(w, double)
	case 0x78: // FMV.W/D.X
		return h.execFMVFromX(w, double)
	case 0x20, 0x21: // FCVT.S.D / FCVT.D.S
		return h.execFCVTFloatFloat(w, f7)
	}
	return trap.Exception(trap.IllegalInstruction, uint64(w))
}

func (h *Hart) fpBinOp(w uint32, double bool, rm uint32, op func(a, b float64) float64) error {
	if err := h.checkRM(rm); err != nil {
		return err
	}
	if double {
		h.setF64(rd(w), op(h.getF64(rs1(w)), h.getF64(rs2(w))))
	} else {
		a, b := float64(h.getF32(rs1(w))), float64(h.getF32(rs2(w)))
		h.setF32(rd(w), float32(op(a, b)))
	}
	return nil
}

func (h *Hart) fpUnOp(w uint32, double bool, rm uint32, op func(float64) float64) error {
	if err := h.checkRM(rm); err != nil {
		return err
	}
	if double {
		h.setF64(rd(w), op(h.getF64(rs1(w))))
	} else {
		h.setF32(rd(w), float32(op(float64(h.getF32(rs1(w))))))
	}
	return nil
}

func (h *Hart) execSignInject(w uint32, double bool) error {
	if double {
		a, b := h.getF64(rs1(w)), h.getF64(rs2(w))
		sign := math.Signbit(b)
		switch funct3(w) {
		case 0x0: // FSGNJ
			h.setF64(rd(w), math.Copysign(a, signOf(sign)))
		case 0x1: // FSGNJN
			h.setF64(rd(w), math.Copysign(a, signOf(!sign)))
		case 0x2: // FSGNJX
			h.setF64(rd(w), math.Copysign(a, signOf(math.Signbit(a) != sign)))
		default:
			return trap.Exception(trap.IllegalInstruction, uint64(w))
		}
		return nil
	}
	a, b := h.getF32(rs1(w)), h.getF32(rs2(w))
	sign := math.Signbit(float64(b))
	switch funct3(w) {
	case 0x0:
		h.setF32(rd(w), float32(math.Copysign(float64(a), signOf(sign))))
	case 0x1:
		h.setF32(rd(w), float32(math.Copysign(float64(a), signOf(!sign))))
	case 0x2:
		h.setF32(rd(w), float32(math.Copysign(float64(a), signOf(math.Signbit(float64(a)) != sign))))
	default:
		return trap.Exception(trap.IllegalInstruction, uint64(w))
	}
	return nil
}

func signOf(negative bool) float64 {
	if negative {
		return -1
	}
	return 1
}

func (h *Hart) execMinMax(w uint32, double bool) error {
	isMax := funct3(w) == 1
	pick := func(a, b float64) float64 {
		if math.IsNaN(a) && math.IsNaN(b) {
			return math.Float64frombits(canonicalF64NaN)
		}
		if math.IsNaN(a) {
			return b
		}
		if math.IsNaN(b) {
			return a
		}
		if isMax {
			return math.Max(a, b)
		}
		return math.Min(a, b)
	}
	if double {
		h.setF64(rd(w), pick(h.getF64(rs1(w)), h.getF64(rs2(w))))
	} else {
		r := pick(float64(h.getF32(rs1(w))), float64(h.getF32(rs2(w))))
		h.setF32(rd(w), float32(r))
	}
	return nil
}

func (h *Hart) execFCompare(w uint32, double bool) error {
	var a, b float64
	if double {
		a, b = h.getF64(rs1(w)), h.getF64(rs2(w))
	} else {
		a, b = float64(h.getF32(rs1(w))), float64(h.getF32(rs2(w)))
	}
	var result bool
	switch funct3(w) {
	case 0x0: // FLE
		result = a <= b
	case 0x1: // FLT
		result = a < b
	case 0x2: // FEQ
		result = a == b
	default:
		return trap.Exception(trap.IllegalInstruction, uint64(w))
	}
	h.SetX(rd(w), b2u(result))
	return nil
}

// execFCVTToInt implements FCVT.W/WU/L/LU.S/D, saturating at the target
// type's representable range rather than invoking undefined behavior.
func (h *Hart) execFCVTToInt(w uint32, double bool, rm uint32) error {
	if err := h.checkRM(rm); err != nil {
		return err
	}
	var v float64
	if double {
		v = h.getF64(rs1(w))
	} else {
		v = float64(h.getF32(rs1(w)))
	}
	var result uint64
	switch rs2(w) {
	case 0x0: // FCVT.W (to int32, sign-extended)
		result = uint64(int64(saturateToInt32(v)))
	case 0x1: // FCVT.WU (to uint32, sign-extended per RISC-V convention)
		result = uint64(int64(int32(saturateToUint32(v))))
	case 0x2: // FCVT.L
		result = uint64(saturateToInt64(v))
	case 0x3: // FCVT.LU
		result = saturateToUint64(v)
	default:
		return trap.Exception(trap.IllegalInstruction, uint64(w))
	}
	h.SetX(rd(w), result)
	return nil
}

func (h *Hart) execFCVTFromInt(w uint32, double bool, rm uint32) error {
	if err := h.checkRM(rm); err != nil {
		return err
	}
	x := h.GetX(rs1(w))
	var v float64
	switch rs2(w) {
	case 0x0: // FCVT.*.W
		v = float64(int32(x))
	case 0x1: // FCVT.*.WU
		v = float64(uint32(x))
	case 0x2: // FCVT.*.L
		v = float64(int64(x))
	case 0x3: // FCVT.*.LU
		v = float64(x)
	default:
		return trap.Exception(trap.IllegalInstruction, uint64(w))
	}
	if double {
		h.setF64(rd(w), v)
	} else {
		h.setF32(rd(w), float32(v))
	}
	return nil
}

func (h *Hart) execFCVTFloatFloat(w uint32, f7 uint32) error {
	if f7 == 0x20 { // FCVT.S.D: double -> single
		h.setF32(rd(w), float32(h.getF64(rs1(w))))
		return nil
	}
	// FCVT.D.S: single -> double
	h.setF64(rd(w), float64(h.getF32(rs1(w))))
	return nil
}

func (h *Hart) execFMVToX(w uint32, double bool) error {
	if funct3(w) == 0x1 { // FCLASS
		var v float64
		if double {
			v = h.getF64(rs1(w))
		} else {
			v = float64(h.getF32(rs1(w)))
		}
		h.SetX(rd(w), fclass(v, double))
		return nil
	}
	if double {
		h.SetX(rd(w), h.F[rs1(w)]) // FMV.X.D
	} else {
		h.SetX(rd(w), uint64(int64(int32(h.F[rs1(w)]&0xFFFFFFFF)))) // FMV.X.W
	}
	return nil
}

func (h *Hart) execFMVFromX(w uint32, double bool) error {
	if double {
		h.F[rd(w)] = h.GetX(rs1(w))
	} else {
		h.F[rd(w)] = nanBoxTag | (h.GetX(rs1(w)) & 0xFFFFFFFF)
	}
	h.CSR.SetFS()
	return nil
}

// fclass classifies v per the FCLASS.S/FCLASS.D semantics. v is always
// widened to float64 by the caller, but the subnormal threshold depends on
// the source precision, so double distinguishes FCLASS.D from FCLASS.S.
func fclass(v float64, double bool) uint64 {
	switch {
	case math.IsInf(v, -1):
		return 1 << 0
	case v < 0 && !math.IsInf(v, 0):
		if isSubnormal(v, double) {
			return 1 << 2
		}
		return 1 << 1
	case v == 0 && math.Signbit(v):
		return 1 << 3
	case v == 0:
		return 1 << 4
	case v > 0 && isSubnormal(v, double):
		return 1 << 5
	case math.IsInf(v, 1):
		return 1 << 7
	case math.IsNaN(v):
		bits := math.Float64bits(v)
		if bits&(1<<51) != 0 {
			return 1 << 9 // quiet NaN
		}
		return 1 << 8 // signaling NaN
	default:
		return 1 << 6
	}
}

func isSubnormal(v float64, double bool) bool {
	a := math.Abs(v)
	if a == 0 {
		return false
	}
	if double {
		return a < math.SmallestNonzeroFloat64*(1<<52)
	}
	return a < float64(math.SmallestNonzeroFloat32)*(1<<23)
}

func saturateToInt32(v float64) int32 {
	if math.IsNaN(v) {
		return 0
	}
	if v >= math.MaxInt32 {
		return math.MaxInt32
	}
	if v <= math.MinInt32 {
		return math.MinInt32
	}
	return int32(v)
}

func saturateToUint32(v float64) uint32 {
	if math.IsNaN(v) || v <= 0 {
		return 0
	}
	if v >= math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(v)
}

func saturateToInt64(v float64) int64 {
	if math.IsNaN(v) {
		return 0
	}
	if v >= math.MaxInt64 {
		return math.MaxInt64
	}
	if v <= math.MinInt64 {
		return math.MinInt64
	}
	return int64(v)
}

func saturateToUint64(v float64) uint64 {
	if math.IsNaN(v) || v <= 0 {
		return 0
	}
	if v >= math.MaxUint64 {
		return math.MaxUint64
	}
	return uint64(v)
}
