// Package cpu65c02 stands in for the 65C02 instruction decoder that
// spec.md §1 treats as an external collaborator ("assumed available as
// a library that raises typed bus callbacks; this spec defines only
// the host side of that callback interface"). It implements the
// subset of the documented instruction set needed to drive the
// supervisor's termination heuristics and the end-to-end scenarios in
// spec.md §8: BRK, JMP absolute, LDA absolute, STA absolute, and the
// supervisor's fast-NOP substitution byte.
//
// Grounded on BigBossBoolingB-VDATABPro/core_engine/vcpu.go's
// instruction-step loop: a small dispatch-by-opcode loop issuing bus
// operations one at a time rather than a table-driven decoder, matching
// the teacher's preference for explicit switch-driven control flow
// over generated dispatch tables.
package cpu65c02

// Status flag bits (spec.md §4.E only ever manipulates V directly; the
// others are tracked for instruction semantics but never surfaced).
const (
	FlagC byte = 1 << 0
	FlagZ byte = 1 << 1
	FlagI byte = 1 << 2
	FlagD byte = 1 << 3
	FlagB byte = 1 << 4
	Flag1 byte = 1 << 5
	FlagV byte = 1 << 6
	FlagN byte = 1 << 7
)

// Bus is the six-callback surface the decoder drives bus cycles
// through (spec.md §4.E's type_code table). One call corresponds to
// exactly one clock cycle; the supervisor is the sole implementer.
type Bus interface {
	LockedWrite(addr uint16, data byte)
	LockedRead(addr uint16) byte
	VectorRead(addr uint16) byte
	NormalWrite(addr uint16, data byte)
	NormalRead(addr uint16) byte
	OpcodeFetch(addr uint16) byte
}

// fastNOP is the byte the supervisor substitutes for a real opcode once
// a termination heuristic has latched (spec.md §4.E).
const fastNOP = 0x03

// CPU holds 65C02 register state. It knows nothing about termination,
// cycle budgets, or signal timelines — those live entirely in the
// supervisor, which is the Bus it's driven through.
type CPU struct {
	PC uint16
	SP byte
	A, X, Y byte
	P byte

	nmiLine    bool
	nmiPending bool // edge latch: true from assertion until serviced
	irqLine    bool
}

// New returns a CPU with the stack pointer at its post-reset value and
// interrupts otherwise disabled-by-default (I flag set, matching real
// 65C02 reset behavior).
func New() *CPU {
	return &CPU{SP: 0xFD, P: FlagI | Flag1}
}

// Reset performs the vector-pull sequence that marks the start of
// accounted execution (spec.md §4.E, GLOSSARY "Vector pull").
func (c *CPU) Reset(bus Bus) {
	lo := bus.VectorRead(0xFFFC)
	hi := bus.VectorRead(0xFFFD)
	c.PC = uint16(hi)<<8 | uint16(lo)
}

// SetNMI drives the NMI input line. A rising edge (false -> true) is
// latched for service at Step's next NMI check (spec.md §4.E:
// "IRQ and NMI flips drive the corresponding CPU input lines directly
// to state").
func (c *CPU) SetNMI(state bool) {
	if state && !c.nmiLine {
		c.nmiPending = true
	}
	c.nmiLine = state
}

// SetIRQ drives the IRQ input line level.
func (c *CPU) SetIRQ(state bool) {
	c.irqLine = state
}

// AssertOverflow ORs the V flag into the status register. There is no
// corresponding clear: deasserting SO is a no-op in this model
// (spec.md §4.E).
func (c *CPU) AssertOverflow() {
	c.P |= FlagV
}

// Step executes exactly one instruction's worth of bus cycles, or — if
// an interrupt line is pending at the instruction boundary — the
// interrupt-service sequence instead. A pending NMI is checked at the
// start of the step and again right after the opcode fetch; one that
// becomes pending later in the instruction is serviced at the start of
// the next step.
func (c *CPU) Step(bus Bus) {
	if c.nmiPending {
		c.nmiPending = false
		c.serviceInterrupt(bus, 0xFFFA, false)
		return
	}
	if c.irqLine && c.P&FlagI == 0 {
		c.serviceInterrupt(bus, 0xFFFE, true)
		return
	}

	opcode := bus.OpcodeFetch(c.PC)
	if c.nmiPending {
		c.nmiPending = false
		c.serviceInterrupt(bus, 0xFFFA, false)
		return
	}

	switch opcode {
	case 0x00: // BRK
		bus.NormalRead(c.PC + 1) // signature byte
		pc := c.PC + 2
		bus.LockedWrite(0x0100+uint16(c.SP), byte(pc>>8))
		c.SP--
		bus.LockedWrite(0x0100+uint16(c.SP), byte(pc))
		c.SP--
		bus.LockedWrite(0x0100+uint16(c.SP), c.P|FlagB)
		c.SP--
		c.P |= FlagI
		lo := bus.VectorRead(0xFFFE)
		hi := bus.VectorRead(0xFFFF)
		c.PC = uint16(hi)<<8 | uint16(lo)

	case 0x4C: // JMP abs
		lo := bus.NormalRead(c.PC + 1)
		hi := bus.NormalRead(c.PC + 2)
		c.PC = uint16(hi)<<8 | uint16(lo)

	case 0xAD: // LDA abs
		lo := bus.NormalRead(c.PC + 1)
		hi := bus.NormalRead(c.PC + 2)
		addr := uint16(hi)<<8 | uint16(lo)
		c.A = bus.NormalRead(addr)
		c.setZN(c.A)
		c.PC += 3

	case 0x8D: // STA abs
		lo := bus.NormalRead(c.PC + 1)
		hi := bus.NormalRead(c.PC + 2)
		addr := uint16(hi)<<8 | uint16(lo)
		bus.NormalWrite(addr, c.A)
		c.PC += 3

	case fastNOP:
		bus.NormalRead(c.PC + 1)
		c.PC++

	default: // unrecognized opcode: idle like fastNOP rather than fault
		bus.NormalRead(c.PC + 1)
		c.PC++
	}
}

func (c *CPU) serviceInterrupt(bus Bus, vectorLo uint16, setI bool) {
	bus.NormalRead(c.PC)
	bus.NormalRead(c.PC)
	bus.LockedWrite(0x0100+uint16(c.SP), byte(c.PC>>8))
	c.SP--
	bus.LockedWrite(0x0100+uint16(c.SP), byte(c.PC))
	c.SP--
	bus.LockedWrite(0x0100+uint16(c.SP), c.P)
	c.SP--
	if setI {
		c.P |= FlagI
	}
	lo := bus.VectorRead(vectorLo)
	hi := bus.VectorRead(vectorLo + 1)
	c.PC = uint16(hi)<<8 | uint16(lo)
}

func (c *CPU) setZN(v byte) {
	if v == 0 {
		c.P |= FlagZ
	} else {
		c.P &^= FlagZ
	}
	if v&0x80 != 0 {
		c.P |= FlagN
	} else {
		c.P &^= FlagN
	}
}
