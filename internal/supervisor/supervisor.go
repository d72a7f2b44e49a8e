// Package supervisor drives the 65C02 decoder one instruction at a
// time, services its six bus callbacks, schedules timed NMI/IRQ/SO
// flips, applies the opcode-fetch termination heuristics, and records
// the cycle trace (spec.md §4.E).
//
// Grounded on BigBossBoolingB-VDATABPro/core_engine/vcpu.go's run loop,
// which drives a VCPU via KVM_RUN and dispatches on an exit-reason
// code; Supervisor plays the same role for the bus-event type codes,
// implementing cpu65c02.Bus as its sole callback surface (spec.md §9:
// "model as a single capability... the supervisor's state is the sole
// implementer").
package supervisor

import (
	"fmt"

	"w65test/internal/bus"
	"w65test/internal/cpu65c02"
	"w65test/internal/job"
)

const traceLimit = 1000

// fastNOP is returned from OpcodeFetch once termination has latched,
// so the decoder idles harmlessly until the driver loop observes the
// latch (spec.md §4.E).
const fastNOP = 0x03

// Result is the subset of the common result document the supervisor
// can fill in on its own (spec.md §4.G); the harness layer adds
// serial_out_data.
type Result struct {
	NumCycles int
	LastPC    *uint16
	Cause     Cause
	Cycles    []string
}

// Supervisor is a single-use, single-threaded driver: one per job, one
// run, then discarded (spec.md §5).
type Supervisor struct {
	mem *bus.AddressSpace
	cpu *cpu65c02.CPU

	flips *flipQueue

	numCycles      int
	vectorPulled   bool
	cause          Cause
	causeSet       bool
	lastPC         *uint16
	prevFetchedPC  *uint16

	showCycles bool
	maxCycles  int
	term       job.Terminations
	trace      []string
}

// New builds a Supervisor from a decoded job and its address space.
// It panics if the job carries an RDY or RES timeline: those signals
// are explicitly unsupported in the software core (spec.md §7).
func New(j *job.Job, mem *bus.AddressSpace) *Supervisor {
	if len(j.RDY) > 0 {
		panic("supervisor: RDY is not supported")
	}
	if len(j.RES) > 0 {
		panic("supervisor: Reset is not supported")
	}

	s := &Supervisor{
		mem:        mem,
		cpu:        cpu65c02.New(),
		flips:      newFlipQueue(BuildFlips(j.SO, j.NMI, j.IRQ)),
		numCycles:  5,
		showCycles: j.ShowCycles,
		maxCycles:  j.MaxCycles,
		term:       j.Terminate,
	}
	mem.OverflowOnEmptyRead = s.cpu.AssertOverflow
	return s
}

// Run drives the CPU until a termination cause latches or the cycle
// budget is exhausted, then returns the result.
func (s *Supervisor) Run() Result {
	s.cpu.Reset(s)
	for !s.causeSet && s.numCycles < s.maxCycles {
		s.cpu.Step(s)
	}
	if !s.causeSet {
		s.latch(CauseLimit)
	}
	return Result{
		NumCycles: s.numCycles,
		LastPC:    s.lastPC,
		Cause:     s.cause,
		Cycles:    s.trace,
	}
}

func (s *Supervisor) latch(c Cause) {
	if !s.causeSet {
		s.cause = c
		s.causeSet = true
	}
}

// accountCycle implements the shared bookkeeping every bus callback
// performs: recording begins with the first vector read and never
// stops (spec.md §4.E).
func (s *Supervisor) accountCycle(typeCode int, addr uint16, data byte) {
	if !s.vectorPulled {
		if typeCode != 5 {
			return
		}
		s.vectorPulled = true
	}
	s.numCycles++
	if s.showCycles && len(s.trace) < min(traceLimit, s.maxCycles) {
		s.trace = append(s.trace, fmt.Sprintf("%X %04X %02X", typeCode, addr, data))
	}
	for _, f := range s.flips.drainDue(s.numCycles) {
		switch f.Kind {
		case FlipOverflow:
			if f.State {
				s.cpu.AssertOverflow()
			}
		case FlipNMI:
			s.cpu.SetNMI(f.State)
		case FlipIRQ:
			s.cpu.SetIRQ(f.State)
		}
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// LockedWrite implements cpu65c02.Bus (type_code 2).
func (s *Supervisor) LockedWrite(addr uint16, data byte) {
	s.mem.Write(addr, data)
	s.accountCycle(2, addr, data)
}

// LockedRead implements cpu65c02.Bus (type_code 3).
func (s *Supervisor) LockedRead(addr uint16) byte {
	data := s.mem.Read(addr)
	s.accountCycle(3, addr, data)
	return data
}

// VectorRead implements cpu65c02.Bus (type_code 5).
func (s *Supervisor) VectorRead(addr uint16) byte {
	data := s.mem.Peek(addr)
	s.accountCycle(5, addr, data)
	return data
}

// NormalWrite implements cpu65c02.Bus (type_code 6).
func (s *Supervisor) NormalWrite(addr uint16, data byte) {
	ok := s.mem.Write(addr, data)
	s.accountCycle(6, addr, data)
	if !ok && s.vectorPulled && !s.causeSet && s.term.BadWrite {
		s.latch(CauseBadWrite)
	}
}

// NormalRead implements cpu65c02.Bus (type_code 7).
func (s *Supervisor) NormalRead(addr uint16) byte {
	data := s.mem.Read(addr)
	s.accountCycle(7, addr, data)
	return data
}

// OpcodeFetch implements cpu65c02.Bus (type_code 15), applying the
// post-vector-pull termination heuristics in spec order.
func (s *Supervisor) OpcodeFetch(addr uint16) byte {
	real := s.mem.Peek(addr)
	s.accountCycle(15, addr, real)

	if !s.vectorPulled || s.causeSet {
		return fastNOP
	}

	switch {
	case s.term.InfiniteLoop && s.prevFetchedPC != nil && *s.prevFetchedPC == addr:
		s.latch(CauseInfiniteLoop)
	case s.term.ZeroFetch && addr < 0x0100:
		s.latch(CauseZeroFetch)
	case s.term.StackFetch && addr >= 0x0100 && addr < 0x0200:
		s.latch(CauseStackFetch)
	case s.term.VectorFetch && addr >= 0xFFFA:
		s.latch(CauseVectorFetch)
	case s.term.BRK && real == 0x00:
		s.latch(CauseBRK)
	}

	// last_pc tracks the most recently fetched PC regardless of whether
	// this very fetch latched termination — spec.md §4.E's end-to-end
	// scenarios (e.g. the BRK trap) report last_pc at the address whose
	// fetch triggered termination, so it cannot be gated on "no
	// heuristic matched" despite that reading of the prose (see
	// DESIGN.md).
	a := addr
	s.lastPC = &a
	if s.causeSet {
		return fastNOP
	}
	s.prevFetchedPC = &a
	return real
}
