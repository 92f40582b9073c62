// Copyright © 2024 Jeff Berkowitz (pdxjjb@gmail.com)
//
// Floating-point execution tests.

package hart

import (
	"math"
	"riscvemu/internal/csr"
	"testing"
)

func TestFADDDoubleThroughStep(t *testing.T) {
	h := newTestHart()
	h.setF64(1, 2.0)
	h.setF64(2, 3.0)
	// fadd.d x3, x1, x2, rm=0 (RNE): f7 = 0x00<<1|1 = 0x01
	putWord(h, 0, rv32r(opFP, 0x01, 2, 1, 0, 3))

	if err := h.Step(); err != nil {
		t.Fatalf("step: %v", err)
	}
	if got := h.getF64(3); got != 5.0 {
		t.Errorf("f3 = %v, want 5.0", got)
	}
}

func TestNaNBoxingRoundTrip(t *testing.T) {
	h := &Hart{CSR: csr.NewFile()}
	h.setF32(1, 3.5)
	if got := h.getF32(1); got != 3.5 {
		t.Errorf("getF32 = %v, want 3.5", got)
	}
	if h.F[1]&nanBoxTag != nanBoxTag {
		t.Errorf("stored value is not NaN-boxed: 0x%016x", h.F[1])
	}
}

func TestGetF32RejectsUnboxedValue(t *testing.T) {
	h := &Hart{}
	h.F[1] = 0x0000000040400000 // a plausible f32 bit pattern, but not boxed
	got := h.getF32(1)
	if !math.IsNaN(float64(got)) {
		t.Errorf("getF32 on an unboxed value = %v, want canonical NaN", got)
	}
}

func TestCheckRMRejectsReservedEncodings(t *testing.T) {
	h := &Hart{}
	if err := h.checkRM(0x5); err == nil {
		t.Errorf("expected an error for reserved rm=0b101")
	}
	if err := h.checkRM(0x6); err == nil {
		t.Errorf("expected an error for reserved rm=0b110")
	}
	if err := h.checkRM(0x0); err != nil {
		t.Errorf("rm=0 (RNE) should be legal: %v", err)
	}
}

func TestCheckRMFallsBackToFCSR(t *testing.T) {
	h := &Hart{CSR: csr.NewFile()}
	if err := h.CSR.Write(csr.Frm, 0x5); err != nil {
		t.Fatalf("Write(Frm): %v", err)
	}
	if err := h.checkRM(0x7); err == nil {
		t.Errorf("expected rm=7 to defer to fcsr.frm and reject it")
	}
}

func TestFCLASSRecognizesCategories(t *testing.T) {
	cases := []struct {
		name   string
		v      float64
		double bool
		want   uint64
	}{
		{"negative infinity", math.Inf(-1), true, 1 << 0},
		{"positive infinity", math.Inf(1), true, 1 << 7},
		{"negative zero", math.Copysign(0, -1), true, 1 << 3},
		{"positive zero", 0, true, 1 << 4},
		{"normal positive", 1.5, true, 1 << 6},
		{"quiet NaN", math.Float64frombits(canonicalF64NaN), true, 1 << 9},
		{"double subnormal", math.Float64frombits(1), true, 1 << 5},
	}
	for _, c := range cases {
		if got := fclass(c.v, c.double); got != c.want {
			t.Errorf("%s: fclass = 0x%x, want 0x%x", c.name, got, c.want)
		}
	}
}

func TestFCLASSDistinguishesSingleFromDoubleSubnormals(t *testing.T) {
	// The smallest positive float32 subnormal, widened to float64: far
	// below the float64 subnormal threshold, so classifying it as a
	// double would wrongly call it normal.
	v := float64(math.Float32frombits(1))
	if got := fclass(v, true); got != 1<<6 {
		t.Errorf("fclass(widened f32 subnormal, double=true) = 0x%x, want 0x%x (misclassified as normal)", got, uint64(1<<6))
	}
	if got := fclass(v, false); got != 1<<5 {
		t.Errorf("fclass(widened f32 subnormal, double=false) = 0x%x, want 0x%x (positive subnormal)", got, uint64(1<<5))
	}
}

func TestFEQComparesDoubles(t *testing.T) {
	h := newTestHart()
	h.setF64(1, 1.0)
	h.setF64(2, 1.0)
	// feq.d x3, x1, x2: f7 = 0x50|1 = 0x51, funct3=2
	putWord(h, 0, rv32r(opFP, 0x51, 2, 1, 2, 3))
	if err := h.Step(); err != nil {
		t.Fatalf("step: %v", err)
	}
	if h.GetX(3) != 1 {
		t.Errorf("feq.d result = %d, want 1", h.GetX(3))
	}
}

func TestSaturatingFCVTClampsOutOfRange(t *testing.T) {
	if got := saturateToInt32(1e30); got != math.MaxInt32 {
		t.Errorf("saturateToInt32(1e30) = %d, want MaxInt32", got)
	}
	if got := saturateToInt32(-1e30); got != math.MinInt32 {
		t.Errorf("saturateToInt32(-1e30) = %d, want MinInt32", got)
	}
	if got := saturateToUint32(-5); got != 0 {
		t.Errorf("saturateToUint32(-5) = %d, want 0", got)
	}
}
