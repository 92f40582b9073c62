// Copyright © 2024 Jeff Berkowitz (pdxjjb@gmail.com)
//
// Unit tests for Sv39 address translation.

package mmu

import (
	"encoding/binary"
	"testing"

	"riscvemu/internal/csr"
	"riscvemu/internal/trap"
)

// fakeBus is a flat byte array standing in for physical memory, just large
// enough to hold a root page table plus one leaf page table.
type fakeBus struct {
	mem [1 << 20]byte
}

func (b *fakeBus) Load(addr uint64, size int) (uint64, error) {
	if addr+uint64(size) > uint64(len(b.mem)) {
		return 0, trap.Exception(trap.LoadAccessFault, addr)
	}
	switch size {
	case 8:
		return binary.LittleEndian.Uint64(b.mem[addr:]), nil
	default:
		panic("fakeBus only supports 8-byte PTE reads in this test")
	}
}

func (b *fakeBus) setPTE(addr uint64, pte uint64) {
	binary.LittleEndian.PutUint64(b.mem[addr:], pte)
}

func TestMachineModeBypassesTranslation(t *testing.T) {
	m := New(csr.NewFile(), &fakeBus{})
	pa, err := m.Translate(0x1234_5678, Load, trap.Machine)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if pa != 0x1234_5678 {
		t.Errorf("pa = 0x%x, want identity", pa)
	}
}

func TestBareModeIsIdentity(t *testing.T) {
	c := csr.NewFile() // satp.MODE defaults to 0 (Bare)
	m := New(c, &fakeBus{})
	pa, err := m.Translate(0x8000_1000, Load, trap.Supervisor)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if pa != 0x8000_1000 {
		t.Errorf("pa = 0x%x, want identity", pa)
	}
}

func TestSv39TwoLevelWalk(t *testing.T) {
	c := csr.NewFile()
	b := &fakeBus{}

	const rootPPN = 0x10 // root page table at physical page 0x10
	c.Write(csr.Satp, uint64(8)<<60|rootPPN)

	vaddr := uint64(0x0000_0000_4000_1000) // vpn2=1, vpn1=0, vpn0=1, offset=0
	vpn2 := (vaddr >> 30) & 0x1ff
	vpn1 := (vaddr >> 21) & 0x1ff
	vpn0 := (vaddr >> 12) & 0x1ff

	const level1PPN = 0x20
	const leafPPN = 0x30

	rootBase := uint64(rootPPN) << 12
	b.setPTE(rootBase+vpn2*8, level1PPN<<10|pteV)

	level1Base := uint64(level1PPN) << 12
	// Non-leaf middle level pointing at the final table.
	b.setPTE(level1Base+vpn1*8, 0x40<<10|pteV)

	level0Base := uint64(0x40) << 12
	leafPTE := uint64(leafPPN)<<10 | pteV | pteR | pteW | pteX | pteA | pteD
	b.setPTE(level0Base+vpn0*8, leafPTE)

	m := New(c, b)
	pa, err := m.Translate(vaddr, Load, trap.Supervisor)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	want := uint64(leafPPN)<<12 | (vaddr & 0xfff)
	if pa != want {
		t.Errorf("pa = 0x%x, want 0x%x", pa, want)
	}
}

func TestLeafWithoutAccessedBitFaults(t *testing.T) {
	c := csr.NewFile()
	b := &fakeBus{}
	c.Write(csr.Satp, uint64(8)<<60|0x10)

	vaddr := uint64(0x0000_0000_4000_1000)
	vpn2 := (vaddr >> 30) & 0x1ff
	vpn1 := (vaddr >> 21) & 0x1ff
	vpn0 := (vaddr >> 12) & 0x1ff

	b.setPTE(uint64(0x10)<<12+vpn2*8, 0x20<<10|pteV)
	b.setPTE(uint64(0x20)<<12+vpn1*8, 0x30<<10|pteV)
	// Leaf PTE valid+readable but the Accessed bit is clear.
	b.setPTE(uint64(0x30)<<12+vpn0*8, 0x40<<10|pteV|pteR)

	m := New(c, b)
	if _, err := m.Translate(vaddr, Load, trap.Supervisor); err == nil {
		t.Fatalf("expected a page fault for a PTE with A=0")
	}
}

func TestUserAccessToSupervisorPageFaults(t *testing.T) {
	c := csr.NewFile()
	b := &fakeBus{}
	c.Write(csr.Satp, uint64(8)<<60|0x10)

	vaddr := uint64(0x0000_0000_4000_1000)
	vpn2 := (vaddr >> 30) & 0x1ff
	vpn1 := (vaddr >> 21) & 0x1ff
	vpn0 := (vaddr >> 12) & 0x1ff

	b.setPTE(uint64(0x10)<<12+vpn2*8, 0x20<<10|pteV)
	b.setPTE(uint64(0x20)<<12+vpn1*8, 0x30<<10|pteV)
	// Leaf has no U bit: only S-mode (without SUM) may use it.
	b.setPTE(uint64(0x30)<<12+vpn0*8, 0x40<<10|pteV|pteR|pteA)

	m := New(c, b)
	if _, err := m.Translate(vaddr, Load, trap.User); err == nil {
		t.Fatalf("expected a page fault for U-mode access to a non-U page")
	}
}
