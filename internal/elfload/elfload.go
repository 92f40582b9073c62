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

// Package elfload places a guest kernel image into DRAM. Two formats are
// accepted: a flat binary, copied byte-for-byte at DRAM base, and an
// ELF64 image, whose PT_LOAD segments are placed at their physical
// addresses and whose e_entry becomes the reported entry point.
package elfload

import (
	"bytes"
	"debug/elf"
	"fmt"
	"io"

	"riscvemu/internal/bus"
	"riscvemu/internal/dram"
)

// Image describes where a loaded kernel ended up.
type Image struct {
	Entry uint64
}

// Load detects the image format from its header and writes it into d,
// returning the entry point execution should begin at.
func Load(d *dram.DRAM, data []byte) (Image, error) {
	if bytes.HasPrefix(data, []byte(elf.ELFMAG)) {
		return loadELF(d, data)
	}
	return loadFlat(d, data)
}

func loadFlat(d *dram.DRAM, data []byte) (Image, error) {
	if err := d.Write(0, data); err != nil {
		return Image{}, fmt.Errorf("flat image: %w", err)
	}
	return Image{Entry: bus.DRAMBase}, nil
}

func loadELF(d *dram.DRAM, data []byte) (Image, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return Image{}, fmt.Errorf("parsing ELF: %w", err)
	}
	defer f.Close()

	if f.Machine != elf.EM_RISCV {
		return Image{}, fmt.Errorf("not a RISC-V ELF (machine=%v)", f.Machine)
	}
	if f.Class != elf.ELFCLASS64 {
		return Image{}, fmt.Errorf("only ELF64 images are supported")
	}

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if prog.Paddr < bus.DRAMBase {
			return Image{}, fmt.Errorf("PT_LOAD segment at 0x%x is below DRAM base", prog.Paddr)
		}
		seg := make([]byte, prog.Filesz)
		if _, err := io.ReadFull(prog.Open(), seg); err != nil {
			return Image{}, fmt.Errorf("reading PT_LOAD segment at 0x%x: %w", prog.Paddr, err)
		}
		off := prog.Paddr - bus.DRAMBase
		if err := d.Write(off, seg); err != nil {
			return Image{}, fmt.Errorf("placing PT_LOAD segment at 0x%x: %w", prog.Paddr, err)
		}
		// .bss-style tail (Memsz > Filesz) is left zeroed, as d.Write never
		// touches bytes beyond len(seg) and DRAM is zero-initialized.
	}

	return Image{Entry: f.Entry}, nil
}
