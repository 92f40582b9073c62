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

// Package virtio implements a legacy-MMIO virtio-blk device: one
// virtqueue, descriptor-chain walking, DMA against guest memory, and
// interrupt signalling through InterruptStatus/InterruptACK. It accepts a
// narrow DMA interface rather than a back-pointer to the whole machine, so
// the device never reaches past guest memory into hart or CSR state.
package virtio

import (
	"riscvemu/internal/bus"
)

const (
	magicValue = 0x74726976
	version    = 1
	deviceID   = 2
	vendorID   = 0x554d4551

	sectorSize = 512
	queueDepth = 8 // fixed maximum ring depth

	descSize = 16 // addr(8) len(4) flags(2) next(2)

	descFlagNext  = 1 << 0
	descFlagWrite = 1 << 1
)

// Register offsets, legacy virtio-mmio layout.
const (
	regMagic           = 0x000
	regVersion         = 0x004
	regDeviceID        = 0x008
	regVendorID        = 0x00c
	regHostFeatures    = 0x010
	regGuestFeatures   = 0x020
	regGuestPageSize   = 0x028
	regQueueSel        = 0x030
	regQueueNumMax     = 0x034
	regQueueNum        = 0x038
	regQueueAlign      = 0x03c
	regQueuePFN        = 0x040
	regQueueNotify     = 0x050
	regInterruptStatus = 0x060
	regInterruptACK    = 0x064
	regStatus          = 0x070
	regConfig          = 0x100
)

// DMA is a narrow physical-memory interface: read/write sized guest bytes.
// bus.Bus satisfies this structurally, so virtio never needs a reference
// to the hart, the CSR file, or any other machine state.
type DMA interface {
	Load(addr uint64, size int) (uint64, error)
	Store(addr uint64, size int, val uint64) error
}

// VirtIO is a legacy-MMIO virtio-blk device with a single virtqueue.
type VirtIO struct {
	dma  DMA
	disk []byte

	guestPageSize   uint32
	queueSel        uint32
	queueNum        uint32
	queueAlign      uint32
	queuePFN        uint32
	status          uint32
	interruptStatus uint32
	usedIdx         uint16
}

// New builds a virtio-blk device whose DMA is satisfied by dma (normally
// the system bus, giving the device reach into DRAM only).
func New(dma DMA) *VirtIO {
	return &VirtIO{dma: dma, guestPageSize: 4096, queueAlign: 4096}
}

// SetDisk attaches the raw backing image; nil means no disk attached.
func (v *VirtIO) SetDisk(disk []byte) { v.disk = disk }

// IRQ reports whether the device's interrupt line is asserted.
func (v *VirtIO) IRQ() bool { return v.interruptStatus&1 != 0 }

func (v *VirtIO) Load(addr uint64, size int) (uint64, error) {
	off := addr - bus.VirtioBase
	if off >= regConfig {
		return v.loadConfig(off-regConfig, size)
	}
	if size != 4 {
		return 0, bus.ErrBadSize("virtio", size)
	}
	switch off {
	case regMagic:
		return magicValue, nil
	case regVersion:
		return version, nil
	case regDeviceID:
		return deviceID, nil
	case regVendorID:
		return vendorID, nil
	case regHostFeatures:
		return 0, nil
	case regQueueNumMax:
		return queueDepth, nil
	case regQueuePFN:
		return uint64(v.queuePFN), nil
	case regInterruptStatus:
		return uint64(v.interruptStatus), nil
	case regStatus:
		return uint64(v.status), nil
	default:
		return 0, nil
	}
}

func (v *VirtIO) loadConfig(off uint64, size int) (uint64, error) {
	if size != 1 {
		return 0, bus.ErrBadSize("virtio-config", size)
	}
	// Only the 8-byte capacity field (sector count) is exposed.
	if off >= 8 {
		return 0, nil
	}
	capacity := uint64(len(v.disk)) / sectorSize
	return (capacity >> (8 * off)) & 0xff, nil
}

func (v *VirtIO) Store(addr uint64, size int, val uint64) error {
	off := addr - bus.VirtioBase
	if off >= regConfig {
		return nil // config space is read-only from the guest's perspective
	}
	if size != 4 {
		return bus.ErrBadSize("virtio", size)
	}
	switch off {
	case regGuestFeatures:
		return nil
	case regGuestPageSize:
		v.guestPageSize = uint32(val)
		return nil
	case regQueueSel:
		v.queueSel = uint32(val)
		return nil
	case regQueueNum:
		v.queueNum = uint32(val)
		return nil
	case regQueueAlign:
		v.queueAlign = uint32(val)
		return nil
	case regQueuePFN:
		v.queuePFN = uint32(val)
		return nil
	case regQueueNotify:
		return v.handleNotify()
	case regInterruptACK:
		v.interruptStatus &^= uint32(val)
		return nil
	case regStatus:
		v.status = uint32(val)
		if v.status == 0 {
			v.usedIdx = 0
			v.interruptStatus = 0
		}
		return nil
	default:
		return nil
	}
}

func (v *VirtIO) descTableAddr() uint64 {
	return uint64(v.queuePFN) * uint64(v.guestPageSize)
}
func (v *VirtIO) availAddr() uint64 {
	return v.descTableAddr() + uint64(v.queueNum)*descSize
}
func (v *VirtIO) usedAddr() uint64 {
	availEnd := v.availAddr() + 4 + 2*uint64(v.queueNum)
	align := uint64(v.queueAlign)
	if align == 0 {
		align = 1
	}
	return (availEnd + align - 1) &^ (align - 1)
}

type descriptor struct {
	addr  uint64
	len   uint32
	flags uint16
	next  uint16
}

func (v *VirtIO) readDescriptor(index uint16) (descriptor, error) {
	base := v.descTableAddr() + uint64(index)*descSize
	addr, err := v.dma.Load(base, 8)
	if err != nil {
		return descriptor{}, err
	}
	length, err := v.dma.Load(base+8, 4)
	if err != nil {
		return descriptor{}, err
	}
	flags, err := v.dma.Load(base+12, 2)
	if err != nil {
		return descriptor{}, err
	}
	next, err := v.dma.Load(base+14, 2)
	if err != nil {
		return descriptor{}, err
	}
	return descriptor{addr: addr, len: uint32(length), flags: uint16(flags), next: uint16(next)}, nil
}

// handleNotify runs the descriptor chain for one request, per spec
// section 4.11: a header descriptor, one or more data descriptors, and a
// final one-byte status descriptor.
func (v *VirtIO) handleNotify() error {
	if v.queueNum == 0 {
		return nil
	}
	availIdxRaw, err := v.dma.Load(v.availAddr()+2, 2)
	if err != nil {
		return err
	}
	availIdx := uint16(availIdxRaw)
	slot := uint64(availIdx-1) % uint64(v.queueNum)
	headRaw, err := v.dma.Load(v.availAddr()+4+2*slot, 2)
	if err != nil {
		return err
	}
	head := uint16(headRaw)

	hdr, err := v.readDescriptor(head)
	if err != nil {
		return err
	}
	sector, err := v.dma.Load(hdr.addr+8, 8)
	if err != nil {
		return err
	}

	var transferred uint32
	diskOffset := sector * sectorSize
	cur := hdr
	for cur.flags&descFlagNext != 0 {
		cur, err = v.readDescriptor(cur.next)
		if err != nil {
			return err
		}
		if cur.len == 1 && cur.flags&descFlagNext == 0 {
			// Final status descriptor: write success (0).
			if err := v.dma.Store(cur.addr, 1, 0); err != nil {
				return err
			}
			break
		}
		n, err := v.transferData(cur, diskOffset+uint64(transferred))
		if err != nil {
			return err
		}
		transferred += n
	}

	usedBase := v.usedAddr()
	slotOff := usedBase + 4 + 8*uint64(uint32(v.usedIdx)%v.queueNum)
	if err := v.dma.Store(slotOff, 4, uint64(head)); err != nil {
		return err
	}
	if err := v.dma.Store(slotOff+4, 4, uint64(transferred)); err != nil {
		return err
	}
	v.usedIdx++
	if err := v.dma.Store(usedBase+2, 2, uint64(v.usedIdx)); err != nil {
		return err
	}
	v.interruptStatus |= 1
	return nil
}

func (v *VirtIO) transferData(d descriptor, diskOffset uint64) (uint32, error) {
	n := d.len
	if diskOffset+uint64(n) > uint64(len(v.disk)) {
		if uint64(len(v.disk)) <= diskOffset {
			return 0, nil
		}
		n = uint32(uint64(len(v.disk)) - diskOffset)
	}
	if d.flags&descFlagWrite != 0 {
		// Device writes the buffer: a read request, copy disk -> guest.
		for i := uint32(0); i < n; i++ {
			b := v.disk[diskOffset+uint64(i)]
			if err := v.dma.Store(d.addr+uint64(i), 1, uint64(b)); err != nil {
				return i, err
			}
		}
	} else {
		// Device reads the buffer: a write request, copy guest -> disk.
		for i := uint32(0); i < n; i++ {
			b, err := v.dma.Load(d.addr+uint64(i), 1)
			if err != nil {
				return i, err
			}
			v.disk[diskOffset+uint64(i)] = byte(b)
		}
	}
	return n, nil
}
