package transport

import "fmt"

// Mode is the transport's four-state session mode machine (spec.md
// §4.C, §9: "encode the transport's four-state mode machine as a sum
// type with transition functions... illegal transitions are
// programmer errors, not runtime errors").
type Mode int

const (
	// Raw is used only during the handshake, before a peer has been
	// confirmed alive.
	Raw Mode = iota
	Sender
	Receiver
	ReceiverNeedAck
)

func (m Mode) String() string {
	switch m {
	case Raw:
		return "Raw"
	case Sender:
		return "Sender"
	case Receiver:
		return "Receiver"
	case ReceiverNeedAck:
		return "ReceiverNeedAck"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// afterHandshake, afterFlippedSend, etc. each validate the current mode
// and perform one legal transition out of it, matching spec.md §4.C's "Mode
// transitions (all others panic as programmer error)" table. A
// mismatched call is a programmer error: it panics rather than
// returning an error.

func (t *Transport) afterHandshake() {
	t.requireMode(Raw, "afterHandshake")
	t.mode = Sender
}

func (t *Transport) afterFlippedSend() {
	t.requireMode(Sender, "afterFlippedSend")
	t.mode = Receiver
}

func (t *Transport) afterUserPacketReceived() {
	t.requireMode(Receiver, "afterUserPacketReceived")
	t.mode = ReceiverNeedAck
}

func (t *Transport) afterAckNoFlip() {
	t.requireMode(ReceiverNeedAck, "afterAckNoFlip")
	t.mode = Receiver
}

func (t *Transport) afterAckWithFlip() {
	t.requireMode(ReceiverNeedAck, "afterAckWithFlip")
	t.mode = Sender
}

func (t *Transport) requireMode(want Mode, transition string) {
	if t.mode != want {
		panic(fmt.Sprintf("transport: illegal transition %s from mode %s (want %s)", transition, t.mode, want))
	}
}
