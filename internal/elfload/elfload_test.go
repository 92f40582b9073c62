// Copyright © 2024 Jeff Berkowitz (pdxjjb@gmail.com)
//
// Unit tests for kernel image loading: flat binaries and minimal
// hand-built ELF64 RISC-V images.

package elfload

import (
	"encoding/binary"
	"riscvemu/internal/bus"
	"riscvemu/internal/dram"
	"testing"
)

const (
	elfMachineRISCV = 243
	elfMachineX86_64 = 62
)

// buildELF assembles a minimal one-segment ELF64 little-endian image: an
// Elf64_Ehdr, one Elf64_Phdr (PT_LOAD), and the segment bytes, with no
// section headers.
func buildELF(machine uint16, entry, paddr uint64, segment []byte) []byte {
	const ehdrSize = 64
	const phdrSize = 56
	segOffset := uint64(ehdrSize + phdrSize)

	buf := make([]byte, segOffset+uint64(len(segment)))

	buf[0], buf[1], buf[2], buf[3] = 0x7f, 'E', 'L', 'F'
	buf[4] = 2 // ELFCLASS64
	buf[5] = 1 // little-endian
	buf[6] = 1 // EI_VERSION

	binary.LittleEndian.PutUint16(buf[16:], 2)             // e_type = ET_EXEC
	binary.LittleEndian.PutUint16(buf[18:], machine)       // e_machine
	binary.LittleEndian.PutUint32(buf[20:], 1)             // e_version
	binary.LittleEndian.PutUint64(buf[24:], entry)         // e_entry
	binary.LittleEndian.PutUint64(buf[32:], ehdrSize)      // e_phoff
	binary.LittleEndian.PutUint64(buf[40:], 0)             // e_shoff
	binary.LittleEndian.PutUint32(buf[48:], 0)             // e_flags
	binary.LittleEndian.PutUint16(buf[52:], ehdrSize)      // e_ehsize
	binary.LittleEndian.PutUint16(buf[54:], phdrSize)      // e_phentsize
	binary.LittleEndian.PutUint16(buf[56:], 1)             // e_phnum

	ph := buf[ehdrSize:]
	binary.LittleEndian.PutUint32(ph[0:], 1)                    // p_type = PT_LOAD
	binary.LittleEndian.PutUint32(ph[4:], 5)                     // p_flags = R+X
	binary.LittleEndian.PutUint64(ph[8:], segOffset)             // p_offset
	binary.LittleEndian.PutUint64(ph[16:], paddr)                // p_vaddr
	binary.LittleEndian.PutUint64(ph[24:], paddr)                // p_paddr
	binary.LittleEndian.PutUint64(ph[32:], uint64(len(segment))) // p_filesz
	binary.LittleEndian.PutUint64(ph[40:], uint64(len(segment))) // p_memsz
	binary.LittleEndian.PutUint64(ph[48:], 0x1000)               // p_align

	copy(buf[segOffset:], segment)
	return buf
}

func TestLoadFlatBinaryPlacedAtDRAMBase(t *testing.T) {
	d := dram.New(1 << 16)
	data := []byte{1, 2, 3, 4}
	img, err := Load(d, data)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if img.Entry != bus.DRAMBase {
		t.Errorf("Entry = 0x%x, want DRAM base", img.Entry)
	}
	v, err := d.Load(bus.DRAMBase, 4)
	if err != nil {
		t.Fatalf("Load back: %v", err)
	}
	if v != 0x04030201 {
		t.Errorf("got 0x%x, want the flat image bytes", v)
	}
}

func TestLoadELFPlacesSegmentAndReportsEntry(t *testing.T) {
	d := dram.New(1 << 16)
	segment := []byte{0xAA, 0xBB, 0xCC, 0xDD}
	elfBytes := buildELF(elfMachineRISCV, bus.DRAMBase+4, bus.DRAMBase, segment)

	img, err := Load(d, elfBytes)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if img.Entry != bus.DRAMBase+4 {
		t.Errorf("Entry = 0x%x, want 0x%x", img.Entry, bus.DRAMBase+4)
	}
	v, err := d.Load(bus.DRAMBase, 4)
	if err != nil {
		t.Fatalf("Load back: %v", err)
	}
	if v != 0xDDCCBBAA {
		t.Errorf("got 0x%x, want the segment bytes", v)
	}
}

func TestLoadELFRejectsWrongMachine(t *testing.T) {
	d := dram.New(1 << 16)
	elfBytes := buildELF(elfMachineX86_64, bus.DRAMBase, bus.DRAMBase, []byte{1, 2, 3, 4})
	if _, err := Load(d, elfBytes); err == nil {
		t.Fatalf("expected an error loading a non-RISC-V ELF")
	}
}

func TestLoadELFRejectsSegmentBelowDRAMBase(t *testing.T) {
	d := dram.New(1 << 16)
	elfBytes := buildELF(elfMachineRISCV, bus.DRAMBase, bus.DRAMBase-0x1000, []byte{1, 2, 3, 4})
	if _, err := Load(d, elfBytes); err == nil {
		t.Fatalf("expected an error for a PT_LOAD segment below DRAM base")
	}
}
