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

// Package dram implements the emulator's linear, byte-addressed, little
// endian system memory.
package dram

import (
	"fmt"

	"riscvemu/internal/bus"
	"riscvemu/internal/trap"
)

// DefaultSize is the default DRAM size: 1 GiB.
const DefaultSize = 1 << 30

// DRAM is a flat byte array mapped at bus.DRAMBase.
type DRAM struct {
	mem []byte
}

func New(size int) *DRAM {
	if size <= 0 {
		size = DefaultSize
	}
	return &DRAM{mem: make([]byte, size)}
}

// Write loads image at the given physical offset from DRAM base. Used by
// the ELF/flat-binary loader.
func (d *DRAM) Write(offset uint64, image []byte) error {
	if offset+uint64(len(image)) > uint64(len(d.mem)) {
		return fmt.Errorf("image of %d bytes at offset 0x%x exceeds %d-byte DRAM", len(image), offset, len(d.mem))
	}
	copy(d.mem[offset:], image)
	return nil
}

// Bytes exposes the backing array for tests and DMA helpers that need
// direct access without going through the bus' size-checked Load/Store.
func (d *DRAM) Bytes() []byte { return d.mem }

func (d *DRAM) Load(addr uint64, size int) (uint64, error) {
	off := addr - bus.DRAMBase
	if off+uint64(size) > uint64(len(d.mem)) {
		return 0, trap.Exception(trap.LoadAccessFault, addr)
	}
	var v uint64
	for i := 0; i < size; i++ {
		v |= uint64(d.mem[off+uint64(i)]) << (8 * i)
	}
	return v, nil
}

func (d *DRAM) Store(addr uint64, size int, val uint64) error {
	off := addr - bus.DRAMBase
	if off+uint64(size) > uint64(len(d.mem)) {
		return trap.Exception(trap.StoreAMOAccessFault, addr)
	}
	for i := 0; i < size; i++ {
		d.mem[off+uint64(i)] = byte(val >> (8 * i))
	}
	return nil
}
