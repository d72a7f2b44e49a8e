// Package cobs implements Consistent Overhead Byte Stuffing framing with
// a trailing big-endian CRC-32/IEEE checksum over the unstuffed payload
// (spec.md §4.B).
//
// Grounded on the teacher's style of hand-rolled state machines driven
// directly off a byte stream (BigBossBoolingB-VDATABPro/core_engine/
// vcpu.go's KVM exit-reason switch): the Decoder here is the same shape,
// a small enum of states advanced one input byte at a time.
package cobs

import (
	"fmt"
	"hash/crc32"
)

// decoderState is the COBS decoder's five-state machine (spec.md §4.B).
type decoderState int

const (
	stateNeedRun decoderState = iota
	stateNeedRunDeferZero
	stateRun
	stateLongRun
	stateEOF
	stateErr
)

// Decoder streams COBS-decoded bytes out of a byte-stuffed, zero
// terminated frame, tracking the rolling CRC-32 of the literal bytes it
// emits.
type Decoder struct {
	state   decoderState
	remain  int // literal bytes left in the current run (the stuffing byte is not counted)
	longRun bool
	crc     uint32
	out     []byte
	err     error
}

// NewDecoder returns a Decoder ready to consume the first stuffing byte.
func NewDecoder() *Decoder {
	return &Decoder{state: stateNeedRun}
}

// CRC returns the live rolling CRC-32/IEEE of bytes emitted so far.
func (d *Decoder) CRC() uint32 { return d.crc }

// Done reports whether the frame-terminating zero has been seen.
func (d *Decoder) Done() bool { return d.state == stateEOF }

// Err returns the framing error, if any.
func (d *Decoder) Err() error { return d.err }

// Take drains and clears the bytes decoded so far.
func (d *Decoder) Take() []byte {
	out := d.out
	d.out = nil
	return out
}

// Feed advances the state machine by one raw (stuffed) input byte. Once
// a framing violation has been observed, every later call returns that
// same error; a call after Done returns an error. Neither consumes the
// byte.
func (d *Decoder) Feed(b byte) error {
	if d.state == stateErr {
		return d.err
	}
	if d.state == stateEOF {
		return fmt.Errorf("cobs: Feed called after frame end")
	}

	switch d.state {
	case stateNeedRun, stateNeedRunDeferZero:
		deferredZero := d.state == stateNeedRunDeferZero
		switch {
		case b == 0:
			d.state = stateEOF
			return nil
		case b == 255:
			if deferredZero {
				// The zero deferred by the preceding Run is still owed;
				// only the LongRun itself defers no zero of its own.
				d.emit(0)
			}
			d.state = stateLongRun
			d.remain = 254
			d.longRun = true
		default:
			if deferredZero {
				d.emit(0)
			}
			d.state = stateRun
			d.remain = int(b) - 1
			d.longRun = false
			if d.remain == 0 {
				d.state = stateNeedRunDeferZero
			}
		}
		return nil

	case stateRun, stateLongRun:
		if b == 0 {
			return d.fail(fmt.Errorf("cobs: unexpected zero byte mid-run"))
		}
		d.emit(b)
		d.remain--
		if d.remain == 0 {
			if d.state == stateLongRun {
				d.state = stateNeedRun
			} else {
				d.state = stateNeedRunDeferZero
			}
		}
		return nil
	}
	return fmt.Errorf("cobs: unreachable decoder state %d", d.state)
}

func (d *Decoder) emit(b byte) {
	d.out = append(d.out, b)
	d.crc = crc32.Update(d.crc, crc32.IEEETable, []byte{b})
}

func (d *Decoder) fail(err error) error {
	d.state = stateErr
	d.err = err
	return err
}

// DecodeFrame decodes one complete stuffed frame, up to and including
// its terminating zero, and returns every unstuffed byte (the payload
// followed by the 4-byte CRC trailer) plus the decoder's CRC over all
// of those bytes. It does not split or verify the trailer; callers that
// need that should feed bytes one at a time via Feed instead.
// DecodeFrame is a convenience for tests and for trusted in-memory
// round-tripping.
func DecodeFrame(stuffed []byte) ([]byte, uint32, error) {
	d := NewDecoder()
	for _, b := range stuffed {
		if err := d.Feed(b); err != nil {
			return nil, 0, err
		}
		if d.Done() {
			break
		}
	}
	if !d.Done() {
		return nil, 0, fmt.Errorf("cobs: frame truncated before terminating zero")
	}
	return d.Take(), d.CRC(), nil
}

// Encoder buffers a run of up to 254 nonzero bytes at a time and emits
// CRC-32/IEEE-trailed, zero-terminated COBS frames (spec.md §4.B).
type Encoder struct {
	out []byte
	run []byte
	crc uint32
}

// NewEncoder returns an Encoder with an empty pending run.
func NewEncoder() *Encoder {
	return &Encoder{}
}

// CRC returns the live rolling CRC-32/IEEE of bytes written so far.
func (e *Encoder) CRC() uint32 { return e.crc }

// Write appends payload bytes to the frame being built, COBS-stuffing
// as it goes. It never returns an error.
func (e *Encoder) Write(p []byte) (int, error) {
	for _, b := range p {
		e.crc = crc32.Update(e.crc, crc32.IEEETable, []byte{b})
		if b == 0 {
			e.flushRun(byte(len(e.run) + 1))
			continue
		}
		e.run = append(e.run, b)
		if len(e.run) == 254 {
			// A 255-byte run without an embedded zero: emit the
			// reserved long-run stuffing byte and keep going.
			e.out = append(e.out, 255)
			e.out = append(e.out, e.run...)
			e.run = e.run[:0]
		}
	}
	return len(p), nil
}

func (e *Encoder) flushRun(stuffByte byte) {
	e.out = append(e.out, stuffByte)
	e.out = append(e.out, e.run...)
	e.run = e.run[:0]
}

// Finish appends the big-endian CRC-32 of everything written, flushes
// the final run (even an empty one, so that a trailing zero byte is
// not lost), and writes the terminating zero, returning the complete
// stuffed frame.
func (e *Encoder) Finish() []byte {
	crc := e.crc
	var crcBytes [4]byte
	crcBytes[0] = byte(crc >> 24)
	crcBytes[1] = byte(crc >> 16)
	crcBytes[2] = byte(crc >> 8)
	crcBytes[3] = byte(crc)
	e.Write(crcBytes[:])
	e.flushRun(byte(len(e.run) + 1))
	e.out = append(e.out, 0)
	return e.out
}

// EncodeFrame is a convenience wrapper: it writes payload, appends the
// CRC trailer, and returns the finished stuffed frame.
func EncodeFrame(payload []byte) []byte {
	e := NewEncoder()
	e.Write(payload)
	return e.Finish()
}
