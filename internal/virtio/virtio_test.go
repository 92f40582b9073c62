// Copyright © 2024 Jeff Berkowitz (pdxjjb@gmail.com)
//
// Unit tests for the legacy-MMIO virtio-blk device.

package virtio

import (
	"bytes"
	"riscvemu/internal/bus"
	"testing"
)

// fakeDMA is flat guest memory standing in for the system bus.
type fakeDMA struct {
	mem [16384]byte
}

func (d *fakeDMA) Load(addr uint64, size int) (uint64, error) {
	var v uint64
	for i := 0; i < size; i++ {
		v |= uint64(d.mem[addr+uint64(i)]) << (8 * i)
	}
	return v, nil
}

func (d *fakeDMA) Store(addr uint64, size int, val uint64) error {
	for i := 0; i < size; i++ {
		d.mem[addr+uint64(i)] = byte(val >> (8 * i))
	}
	return nil
}

func (d *fakeDMA) put16(addr uint64, v uint16) { d.Store(addr, 2, uint64(v)) }
func (d *fakeDMA) put64(addr uint64, v uint64) { d.Store(addr, 8, v) }

// buildReadRequest lays out a 3-descriptor chain (header, data, status) plus
// avail ring pointing at it, matching the legacy virtio-blk request format.
func buildReadRequest(v *VirtIO, d *fakeDMA, headerAddr, dataAddr, statusAddr uint64, dataLen uint32, sector uint64) {
	v.queuePFN = 1
	v.queueNum = 3

	descBase := v.descTableAddr()
	// index 0: header, chains to index 1.
	d.put64(descBase+0*descSize, headerAddr)
	d.put16(descBase+0*descSize+12, descFlagNext)
	d.put16(descBase+0*descSize+14, 1)

	// index 1: data buffer, device-writes (a read request), chains to index 2.
	d.put64(descBase+1*descSize, dataAddr)
	d.Store(descBase+1*descSize+8, 4, uint64(dataLen))
	d.put16(descBase+1*descSize+12, descFlagNext|descFlagWrite)
	d.put16(descBase+1*descSize+14, 2)

	// index 2: one-byte status, terminal.
	d.put64(descBase+2*descSize, statusAddr)
	d.Store(descBase+2*descSize+8, 4, 1)
	d.put16(descBase+2*descSize+12, 0)

	d.put64(headerAddr+8, sector) // sector field at offset 8 of the header

	availBase := v.availAddr()
	d.put16(availBase+2, 1) // avail.idx = 1
	d.put16(availBase+4, 0) // ring[0] = head descriptor index
}

func TestReadRequestCopiesDiskIntoGuestMemory(t *testing.T) {
	d := &fakeDMA{}
	v := New(d)
	disk := bytes.Repeat([]byte{0xAB}, sectorSize)
	v.SetDisk(disk)

	const headerAddr, dataAddr, statusAddr = 0x100, 0x200, 0x700
	buildReadRequest(v, d, headerAddr, dataAddr, statusAddr, sectorSize, 0)

	if err := v.Store(bus.VirtioBase+regQueueNotify, 4, 0); err != nil {
		t.Fatalf("notify: %v", err)
	}

	for i := 0; i < sectorSize; i++ {
		if d.mem[dataAddr+uint64(i)] != 0xAB {
			t.Fatalf("guest byte %d = 0x%x, want 0xAB", i, d.mem[dataAddr+uint64(i)])
		}
	}
	if d.mem[statusAddr] != 0 {
		t.Errorf("status byte = %d, want 0 (success)", d.mem[statusAddr])
	}
	if !v.IRQ() {
		t.Errorf("IRQ() = false after a completed request")
	}
}

func TestInterruptACKClearsStatus(t *testing.T) {
	d := &fakeDMA{}
	v := New(d)
	v.SetDisk(bytes.Repeat([]byte{0}, sectorSize))
	buildReadRequest(v, d, 0x100, 0x200, 0x700, sectorSize, 0)
	v.Store(bus.VirtioBase+regQueueNotify, 4, 0)

	if err := v.Store(bus.VirtioBase+regInterruptACK, 4, 1); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if v.IRQ() {
		t.Errorf("IRQ() still true after ACK")
	}
}

func TestMagicVersionDeviceIDIdentifyAsVirtioBlk(t *testing.T) {
	v := New(&fakeDMA{})
	cases := []struct {
		off  uint64
		want uint64
	}{
		{regMagic, magicValue},
		{regVersion, version},
		{regDeviceID, deviceID},
		{regVendorID, vendorID},
	}
	for _, c := range cases {
		v64, err := v.Load(bus.VirtioBase+c.off, 4)
		if err != nil {
			t.Fatalf("Load(0x%x): %v", c.off, err)
		}
		if v64 != c.want {
			t.Errorf("Load(0x%x) = 0x%x, want 0x%x", c.off, v64, c.want)
		}
	}
}

func TestConfigCapacityReflectsDiskSize(t *testing.T) {
	v := New(&fakeDMA{})
	v.SetDisk(make([]byte, 4*sectorSize))
	v64, err := v.Load(bus.VirtioBase+regConfig, 1)
	if err != nil {
		t.Fatalf("Load config: %v", err)
	}
	if v64 != 4 {
		t.Errorf("capacity low byte = %d, want 4 sectors", v64)
	}
}
