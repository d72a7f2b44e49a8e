// Package bus implements the 65C02 address-space model: 64 KiB of flat
// RAM, a per-cell writability mask, and up to two memory-mapped serial
// ports (spec.md §4.D).
//
// Grounded on BigBossBoolingB-VDATABPro/core_engine/devices/iobus.go's
// IOBus, which routes port accesses to registered devices ahead of
// falling through to a default; AddressSpace inlines the same
// intercept-then-fall-through shape for exactly two fixed MMIO cells
// instead of a general port map, since spec.md only ever names two.
package bus

import "w65test/internal/job"

// ResetVectorLowByte is the factory preset at 0xFFFD that, absent an
// init record overwriting it, points the reset vector at 0x0200
// (spec.md §4.D, §9).
const ResetVectorLowByte = 0x02

const resetVectorLowAddr = 0xFFFD

// AddressSpace is the 64 KiB RAM/writability/MMIO model shared by the
// supervisor and the decoder's bus callbacks.
type AddressSpace struct {
	ram      [65536]byte
	writable [65536]bool

	serialInAddr  *uint16
	serialOutAddr *uint16
	serialIn      []byte
	serialInPos   int
	serialOut     []byte

	// OverflowOnEmptyRead is invoked when a read from the empty serial
	// input port must assert the CPU's overflow flag (spec.md §4.D).
	OverflowOnEmptyRead func()
}

// New builds an AddressSpace from a decoded job, applying init records,
// the writability mask, and the reset-vector preload.
func New(j *job.Job) *AddressSpace {
	a := &AddressSpace{}
	a.ram[resetVectorLowAddr] = ResetVectorLowByte

	for _, rng := range j.RWMap {
		for addr := int(rng.Start); addr <= int(rng.End); addr++ {
			a.writable[addr] = true
		}
	}

	for _, rec := range j.Init {
		size := len(rec.Data)
		if rec.Size != nil {
			size = *rec.Size
		}
		img := job.TiledImage(rec.Data, size)
		copy(a.ram[int(rec.Base):], img)
	}

	a.serialInAddr = j.SerialInAddr
	a.serialOutAddr = j.SerialOutAddr
	a.serialIn = append([]byte(nil), j.SerialInData...)

	return a
}

// Writable reports whether addr may be written by a normal bus write.
func (a *AddressSpace) Writable(addr uint16) bool {
	return a.writable[addr]
}

// IsSerialIn reports whether addr is the memory-mapped serial input port.
func (a *AddressSpace) IsSerialIn(addr uint16) bool {
	return a.serialInAddr != nil && *a.serialInAddr == addr
}

// IsSerialOut reports whether addr is the memory-mapped serial output port.
func (a *AddressSpace) IsSerialOut(addr uint16) bool {
	return a.serialOutAddr != nil && *a.serialOutAddr == addr
}

// Peek reads addr without triggering MMIO side effects; the supervisor
// uses it for vector reads and opcode fetches (locked and normal reads
// go through Read, which does apply MMIO).
func (a *AddressSpace) Peek(addr uint16) byte {
	return a.ram[addr]
}

// Read services a bus read at addr, applying the serial-in MMIO
// intercept when addr matches.
func (a *AddressSpace) Read(addr uint16) byte {
	if a.IsSerialIn(addr) {
		if a.serialInPos >= len(a.serialIn) {
			if a.OverflowOnEmptyRead != nil {
				a.OverflowOnEmptyRead()
			}
			return 0x00
		}
		b := a.serialIn[a.serialInPos]
		a.serialInPos++
		return b
	}
	return a.ram[addr]
}

// Write services a bus write at addr. It returns false (and leaves RAM
// untouched) if addr is neither writable nor the serial-out MMIO cell —
// the caller is expected to latch bad_write termination on false
// (spec.md §4.D).
func (a *AddressSpace) Write(addr uint16, data byte) bool {
	if a.IsSerialOut(addr) {
		a.serialOut = append(a.serialOut, data)
		return true
	}
	if !a.writable[addr] {
		return false
	}
	a.ram[addr] = data
	return true
}

// SerialOut returns the bytes written to the serial output port so far.
func (a *AddressSpace) SerialOut() []byte {
	return a.serialOut
}
