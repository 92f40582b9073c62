// Copyright © 2024 Jeff Berkowitz (pdxjjb@gmail.com)
//
// Unit tests for the 16550a-subset UART model.

package uart

import (
	"bytes"
	"riscvemu/internal/bus"
	"testing"
)

func TestStoreToTHRWritesOut(t *testing.T) {
	var out bytes.Buffer
	u := New(&out)
	if err := u.Store(bus.UARTBase+thrOffset, 1, 'A'); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if out.String() != "A" {
		t.Errorf("out = %q, want %q", out.String(), "A")
	}
}

func TestLoadRHRDrainsInjectedByte(t *testing.T) {
	u := New(&bytes.Buffer{})
	u.rx <- 'x'

	v, err := u.Load(bus.UARTBase+rhrOffset, 1)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if v != 'x' {
		t.Errorf("got %q, want 'x'", v)
	}

	// Channel now empty: a further read returns 0 rather than blocking.
	v, err = u.Load(bus.UARTBase+rhrOffset, 1)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if v != 0 {
		t.Errorf("got %q on empty rx, want 0", v)
	}
}

func TestLSRReflectsDataReady(t *testing.T) {
	u := New(&bytes.Buffer{})
	v, _ := u.Load(bus.UARTBase+lsrOffset, 1)
	if byte(v)&lsrDataReady != 0 {
		t.Errorf("lsr data-ready bit set with no input pending")
	}
	u.rx <- 'z'
	v, _ = u.Load(bus.UARTBase+lsrOffset, 1)
	if byte(v)&lsrDataReady == 0 {
		t.Errorf("lsr data-ready bit clear with a byte pending")
	}
}

func TestIRQRequiresEnableAndData(t *testing.T) {
	u := New(&bytes.Buffer{})
	if u.IRQ() {
		t.Fatalf("IRQ() = true before rx-ready is enabled or data present")
	}
	u.Store(bus.UARTBase+ierOffset, 1, ierRxReady)
	if u.IRQ() {
		t.Fatalf("IRQ() = true with enable set but no data pending")
	}
	u.rx <- 'q'
	if !u.IRQ() {
		t.Fatalf("IRQ() = false, want true with rx-ready enabled and data pending")
	}
}

func TestWrongSizeAccessErrors(t *testing.T) {
	u := New(&bytes.Buffer{})
	if _, err := u.Load(bus.UARTBase+rhrOffset, 4); err == nil {
		t.Fatalf("expected an error for a 4-byte UART access")
	}
}

func TestUnmappedOffsetFaults(t *testing.T) {
	u := New(&bytes.Buffer{})
	if _, err := u.Load(bus.UARTBase+0x20, 1); err == nil {
		t.Fatalf("expected a fault for an unmapped UART offset")
	}
}
