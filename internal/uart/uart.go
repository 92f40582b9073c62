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

// Package uart implements a subset of the 16550a UART: RHR/THR, IER, ISR,
// LCR and LSR, byte-addressed. The host-input path is the emulator's one
// point of cross-goroutine sharing: a dedicated reader goroutine feeds a
// bounded, blocking channel that the single emulator-loop goroutine drains
// — an owner-held producer/consumer channel rather than an ad-hoc
// mutex-plus-condition-variable pair.
package uart

import (
	"bufio"
	"io"

	"riscvemu/internal/bus"
	"riscvemu/internal/trap"
)

const (
	rhrOffset = 0 // read
	thrOffset = 0 // write
	ierOffset = 1
	isrOffset = 2
	lcrOffset = 3
	lsrOffset = 5

	ierRxReady = 1 << 0

	lsrDataReady = 1 << 0
	lsrTHRE      = 1 << 5
	lsrTEMT      = 1 << 6
)

// rxBufferDepth bounds the host-input channel; the reader goroutine blocks
// once it is full, applying natural backpressure to host input.
const rxBufferDepth = 64

// UART is a 16550a-subset console device.
type UART struct {
	rx  chan byte
	out io.Writer

	ier byte
	lcr byte
}

// New constructs a UART that writes transmitted bytes to out. Call
// StartInput to attach a host input source.
func New(out io.Writer) *UART {
	return &UART{rx: make(chan byte, rxBufferDepth), out: out}
}

// StartInput launches the dedicated reader goroutine that feeds in from
// in. It returns immediately; the goroutine runs for the lifetime of the
// UART, blocking on in.Read and then on the bounded channel send.
func (u *UART) StartInput(in io.Reader) {
	go func() {
		r := bufio.NewReader(in)
		for {
			b, err := r.ReadByte()
			if err != nil {
				return
			}
			u.rx <- b
		}
	}()
}

func (u *UART) dataReady() bool { return len(u.rx) > 0 }

// IRQ reports whether the UART's interrupt line is currently asserted:
// data is ready and the receive-data-available interrupt is enabled.
func (u *UART) IRQ() bool {
	return u.dataReady() && u.ier&ierRxReady != 0
}

func (u *UART) Load(addr uint64, size int) (uint64, error) {
	if size != 1 {
		return 0, bus.ErrBadSize("uart", size)
	}
	switch addr - bus.UARTBase {
	case rhrOffset:
		select {
		case b := <-u.rx:
			return uint64(b), nil
		default:
			return 0, nil
		}
	case ierOffset:
		return uint64(u.ier), nil
	case isrOffset:
		if u.dataReady() {
			return 0, nil // bit0=0: interrupt pending
		}
		return 1, nil // bit0=1: no interrupt pending
	case lcrOffset:
		return uint64(u.lcr), nil
	case lsrOffset:
		lsr := byte(lsrTHRE | lsrTEMT)
		if u.dataReady() {
			lsr |= lsrDataReady
		}
		return uint64(lsr), nil
	default:
		return 0, trap.Exception(trap.LoadAccessFault, addr)
	}
}

func (u *UART) Store(addr uint64, size int, val uint64) error {
	if size != 1 {
		return bus.ErrBadSize("uart", size)
	}
	switch addr - bus.UARTBase {
	case thrOffset:
		_, err := u.out.Write([]byte{byte(val)})
		return err
	case ierOffset:
		u.ier = byte(val)
		return nil
	case isrOffset:
		return nil // FCR write: FIFO control is not modeled
	case lcrOffset:
		u.lcr = byte(val)
		return nil
	default:
		return trap.Exception(trap.StoreAMOAccessFault, addr)
	}
}
