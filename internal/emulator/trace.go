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

package emulator

import (
	"fmt"
	"io"
)

// Tracer writes a line per retired instruction: cycle, mode, PC, the raw
// word, and every integer register that changed across the step.
type Tracer struct {
	out      io.Writer
	prevX    [32]uint64
	prevMode string
}

func NewTracer(out io.Writer) *Tracer { return &Tracer{out: out} }

func (t *Tracer) before(m *Machine) {
	t.prevX = m.Hart.X
	t.prevMode = m.Hart.Mode.String()
}

func (t *Tracer) after(m *Machine, pc uint64) {
	fmt.Fprintf(t.out, "%10d [%s] pc=0x%016x word=0x%08x", m.cycles, t.prevMode, pc, m.Hart.LastWord())
	for i, v := range m.Hart.X {
		if v != t.prevX[i] {
			fmt.Fprintf(t.out, " x%d<-0x%x", i, v)
		}
	}
	fmt.Fprintln(t.out)
}
