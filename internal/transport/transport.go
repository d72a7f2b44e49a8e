// Package transport implements the COBS-framed, CRC-32-checked,
// flip-bit-acknowledged serial packet protocol: handshake, keepalives,
// fragmentation into physical packets, and send/receive of framed
// packets (spec.md §4.C).
//
// Grounded on BigBossBoolingB-VDATABPro/core_engine/devices/serial.go's
// byte-at-a-time UART model for the wire-level shape, and on the
// teacher's habit of wrapping raw I/O behind a small struct with
// explicit timeouts rather than a generic framework; the state machine
// itself follows spec.md §9's guidance to encode Mode as a sum type
// with panicking illegal transitions.
package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"time"

	"w65test/internal/cobs"
)

// Conn is the minimal surface Transport needs from the underlying
// serial connection; Port (port.go) implements it over a real device,
// tests substitute an in-memory double.
type Conn interface {
	io.ReadWriter
	SetReadDeadline(t time.Time) error
}

// Control codes: raw, unstuffed three-byte tokens sent on the wire
// outside of COBS framing (spec.md §4.C).
var (
	tokenAckNoFlip   = [3]byte{0x00, 0x00, 0x01}
	tokenFragmentAck = [3]byte{0x00, 0x00, 0x02}
	tokenAckFlip     = [3]byte{0x00, 0x00, 0x03}
	tokenKeepalive   = [3]byte{0x00, 0x00, 0x07}
	tokenEchoResp    = [3]byte{0x00, 0x00, 0x08}
)

// echoRequest is the pre-encoded Sender-mode liveness probe (spec.md §4.C).
var echoRequest = []byte{0x02, 0xFF, 0x05, 0xD2, 0xFD, 0xEF, 0x8D, 0x00}

// wakeupSequence is the literal byte sequence the handshake looks for.
var wakeupSequence = []byte{0x04, 0x00, 0x00, 0x05, 0x00, 0x00, 0x06}

const physicalPacketLimit = 120

const (
	handshakeTimeout = 1 * time.Second
	drainTimeout     = 10 * time.Millisecond
	steadyTimeout    = 5 * time.Second
)

// Transport drives one serial session's byte-level protocol. It is not
// safe for concurrent use (spec.md §5: single-threaded cooperative I/O).
type Transport struct {
	conn Conn
	mode Mode

	pinged bool // a keepalive/echo has been sent since the last successful receive
}

// New wraps an already-open Conn; callers typically obtain one from
// OpenPort.
func New(conn Conn) *Transport {
	return &Transport{conn: conn, mode: Raw}
}

// Mode reports the transport's current session mode.
func (t *Transport) Mode() Mode { return t.mode }

// Handshake reads bytes until it sees the wakeup sequence, transparently
// logging any bus-diagnostic report encountered along the way, then
// settles into Sender mode (spec.md §4.C).
func (t *Transport) Handshake() error {
	t.requireMode(Raw, "Handshake")

	matched := 0
	deadline := time.Now().Add(handshakeTimeout)
	for {
		if time.Now().After(deadline) {
			return fmt.Errorf("transport: did not see a wakeup sequence")
		}
		t.conn.SetReadDeadline(deadline)
		b, err := t.readByte()
		if err != nil {
			return fmt.Errorf("transport: did not see a wakeup sequence: %w", err)
		}

		if matched == 0 && b == 0xFF {
			if err := t.handleDiagnosticReport(); err != nil {
				return err
			}
			continue
		}

		if b == wakeupSequence[matched] {
			matched++
			if matched == len(wakeupSequence) {
				break
			}
			continue
		}
		if b == wakeupSequence[0] {
			matched = 1
		} else {
			matched = 0
		}
	}

	t.conn.SetReadDeadline(time.Now().Add(drainTimeout))
	for {
		if _, err := t.readByte(); err != nil {
			break
		}
	}
	t.afterHandshake()
	return nil
}

// handleDiagnosticReport parses the FF-prefixed bus-error diagnostic
// branch of the handshake and logs a human-readable summary (spec.md
// §4.C, §9: "preserve the full field set... even though this spec
// treats it as informational").
func (t *Transport) handleDiagnosticReport() error {
	trailer, err := t.readN(4)
	if err != nil {
		return fmt.Errorf("transport: diagnostic trailer: %w", err)
	}
	if trailer[0] != 0x00 || trailer[1] != 0xFF || trailer[2] != 0x00 || trailer[3] != 0xFF {
		return fmt.Errorf("transport: malformed diagnostic trailer % x", trailer)
	}
	report, err := t.readN(11)
	if err != nil {
		return fmt.Errorf("transport: diagnostic report: %w", err)
	}
	sentinel, err := t.readByte()
	if err != nil {
		return fmt.Errorf("transport: diagnostic sentinel: %w", err)
	}
	if sentinel != 0xDE {
		return fmt.Errorf("transport: diagnostic sentinel mismatch: 0x%02x", sentinel)
	}

	// report[0] is a single-byte cycle counter, report[1:10] holds the
	// three 24-bit mask/want/got fields, report[10] is the edge byte;
	// see DESIGN.md for why the 11-byte report is carved up this way.
	cycle := report[0]
	edge := "discard"
	switch report[10] {
	case 0:
		edge = "low"
	case 1:
		edge = "high"
	}
	mask := uint32(report[1])<<16 | uint32(report[2])<<8 | uint32(report[3])
	want := uint32(report[4])<<16 | uint32(report[5])<<8 | uint32(report[6])
	got := uint32(report[7])<<16 | uint32(report[8])<<8 | uint32(report[9])
	log.Printf("transport: bus diagnostic: cycle=%d edge=%s mask=0x%06x want=0x%06x got=0x%06x", cycle, edge, mask, want, got)
	return nil
}

// sendToken writes a raw, unstuffed three-byte control token.
func (t *Transport) sendToken(tok [3]byte) error {
	_, err := t.conn.Write(tok[:])
	return err
}

// pingIfStalled sends the mode-appropriate keepalive exactly once per
// stall, per spec.md §4.C.
func (t *Transport) pingIfStalled() error {
	if t.pinged {
		return nil
	}
	t.pinged = true
	switch t.mode {
	case Receiver, ReceiverNeedAck:
		return t.sendToken(tokenKeepalive)
	case Sender:
		_, err := t.conn.Write(echoRequest)
		return err
	}
	return nil
}

func (t *Transport) noteReceived() { t.pinged = false }

func (t *Transport) readByte() (byte, error) {
	var buf [1]byte
	for {
		n, err := t.conn.Read(buf[:])
		if n == 1 {
			t.noteReceived()
			return buf[0], nil
		}
		if err != nil {
			if isTimeout(err) {
				if t.pinged {
					return 0, err
				}
				if pErr := t.pingIfStalled(); pErr != nil {
					return 0, pErr
				}
				continue
			}
			return 0, err
		}
	}
}

func (t *Transport) readN(n int) ([]byte, error) {
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		b, err := t.readByte()
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	te, ok := err.(timeouter)
	return ok && te.Timeout()
}

// SendPacket fragments data into physical packets no larger than 120
// bytes, sends them as COBS frames, waits for the terminal ack, and
// asserts its flip bit matches shouldFlip (spec.md §4.C send_packet).
// A flip-bit mismatch is a programmer-contract violation and panics.
func (t *Transport) SendPacket(packetType byte, data []byte, shouldFlip bool) error {
	t.requireMode(Sender, "SendPacket")
	t.conn.SetReadDeadline(time.Now().Add(steadyTimeout))

	for len(data) > physicalPacketLimit {
		if err := t.writeFrame(0x00, data[:physicalPacketLimit]); err != nil {
			return err
		}
		if err := t.expectToken(tokenFragmentAck); err != nil {
			return err
		}
		data = data[physicalPacketLimit:]
	}
	if err := t.writeFrame(packetType, data); err != nil {
		return err
	}

	tok, err := t.readN(3)
	if err != nil {
		return fmt.Errorf("transport: waiting for ack: %w", err)
	}
	var gotFlip bool
	switch {
	case tok[0] == 0x00 && tok[1] == 0x00 && tok[2] == tokenAckNoFlip[2]:
		gotFlip = false
	case tok[0] == 0x00 && tok[1] == 0x00 && tok[2] == tokenAckFlip[2]:
		gotFlip = true
	default:
		return fmt.Errorf("transport: unexpected ack token % x", tok)
	}
	if gotFlip != shouldFlip {
		panic(fmt.Sprintf("transport: flip-bit assertion mismatch: got %v, want %v", gotFlip, shouldFlip))
	}
	if gotFlip {
		t.afterFlippedSend()
	}
	return nil
}

func (t *Transport) expectToken(want [3]byte) error {
	got, err := t.readN(3)
	if err != nil {
		return err
	}
	if got[0] != want[0] || got[1] != want[1] || got[2] != want[2] {
		return fmt.Errorf("transport: expected token % x, got % x", want, got)
	}
	return nil
}

func (t *Transport) writeFrame(packetType byte, payload []byte) error {
	e := cobs.NewEncoder()
	e.Write([]byte{packetType, byte(len(payload))})
	e.Write(payload)
	_, err := t.conn.Write(e.Finish())
	return err
}

// ReceivedPacket is one user-visible framed packet delivered by
// ReceivePacket, with keepalives, fragment acks, and echo traffic
// already handled transparently.
type ReceivedPacket struct {
	Type    byte
	Payload []byte
}

// ReceivePacket assembles the next user-visible packet, transparently
// consuming keepalives, auto-acking fragments, and answering echo
// requests, per spec.md §4.C's receive-side packet_type=0x00 rules.
func (t *Transport) ReceivePacket() (*ReceivedPacket, error) {
	t.requireMode(Receiver, "ReceivePacket")
	t.conn.SetReadDeadline(time.Now().Add(steadyTimeout))

	var assembled []byte
	for {
		ptype, payload, err := t.readFrame()
		if err != nil {
			return nil, err
		}
		switch {
		case ptype == 0x00 && len(payload) == 0:
			continue // keepalive, silently consumed
		case ptype == 0x00 && len(payload) == physicalPacketLimit:
			assembled = append(assembled, payload...)
			if err := t.sendToken(tokenFragmentAck); err != nil {
				return nil, err
			}
		case ptype == 0xFF:
			if len(payload) != 0 {
				return nil, fmt.Errorf("transport: echo request with nonzero length")
			}
			if err := t.sendToken(tokenEchoResp); err != nil {
				return nil, err
			}
		default:
			assembled = append(assembled, payload...)
			t.afterUserPacketReceived()
			return &ReceivedPacket{Type: ptype, Payload: assembled}, nil
		}
	}
}

// AckReceived acks the most recently delivered packet, optionally
// flipping (spec.md §4.C: ReceiverNeedAck -> Receiver or -> Sender).
func (t *Transport) AckReceived(flip bool) error {
	t.requireMode(ReceiverNeedAck, "AckReceived")
	if flip {
		if err := t.sendToken(tokenAckFlip); err != nil {
			return err
		}
		t.afterAckWithFlip()
		return nil
	}
	if err := t.sendToken(tokenAckNoFlip); err != nil {
		return err
	}
	t.afterAckNoFlip()
	return nil
}

// readFrame reads one COBS frame, verifying its CRC trailer and
// rejecting any byte between the trailer and the terminating zero
// (spec.md §4.C).
func (t *Transport) readFrame() (byte, []byte, error) {
	first, err := t.readByte()
	if err != nil {
		return 0, nil, err
	}

	d := cobs.NewDecoder()
	if err := d.Feed(first); err != nil {
		return 0, nil, fmt.Errorf("transport: framing: %w", err)
	}
	for !d.Done() {
		b, err := t.readByte()
		if err != nil {
			return 0, nil, err
		}
		if err := d.Feed(b); err != nil {
			return 0, nil, fmt.Errorf("transport: framing: %w", err)
		}
	}
	body := d.Take()
	if len(body) < 6 {
		return 0, nil, fmt.Errorf("transport: frame too short (%d bytes)", len(body))
	}
	ptype := body[0]
	length := int(body[1])
	if len(body) != 2+length+4 {
		return 0, nil, fmt.Errorf("transport: declared length %d does not match frame body", length)
	}
	payload := body[2 : 2+length]
	wantCRC := binary.BigEndian.Uint32(body[2+length:])
	gotCRC := crcOf(body[:2+length])
	if gotCRC != wantCRC {
		return 0, nil, fmt.Errorf("transport: CRC mismatch: got 0x%08x, want 0x%08x", gotCRC, wantCRC)
	}
	if ptype == 0x00 && length != 0 && length != physicalPacketLimit {
		return 0, nil, fmt.Errorf("transport: keepalive/fragment with invalid length %d", length)
	}
	if ptype != 0x00 && length > physicalPacketLimit {
		return 0, nil, fmt.Errorf("transport: packet type 0x%02x exceeds length ceiling: %d", ptype, length)
	}
	return ptype, payload, nil
}

func crcOf(b []byte) uint32 {
	e := cobs.NewEncoder()
	e.Write(b)
	return e.CRC()
}
