package transport

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"
	"time"

	"w65test/internal/cobs"
)

// pairedConn is an in-memory Conn splicing a read side and a write
// side together, enough to drive Transport without real hardware.
type pairedConn struct {
	r *bytes.Buffer
	w *bytes.Buffer
}

func newPairedConn() *pairedConn {
	return &pairedConn{r: &bytes.Buffer{}, w: &bytes.Buffer{}}
}

func (c *pairedConn) Read(p []byte) (int, error) {
	if c.r.Len() == 0 {
		return 0, timeoutErr{}
	}
	return c.r.Read(p)
}

func (c *pairedConn) Write(p []byte) (int, error) { return c.w.Write(p) }

func (c *pairedConn) SetReadDeadline(t time.Time) error { return nil }

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func encodeFrame(t *testing.T, packetType byte, payload []byte) []byte {
	t.Helper()
	e := cobs.NewEncoder()
	e.Write([]byte{packetType, byte(len(payload))})
	e.Write(payload)
	return e.Finish()
}

func TestHandshakeEntersSenderMode(t *testing.T) {
	c := newPairedConn()
	c.r.Write(wakeupSequence)
	tr := New(c)
	if err := tr.Handshake(); err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	if tr.Mode() != Sender {
		t.Errorf("mode = %s, want Sender", tr.Mode())
	}
}

func TestHandshakeTimesOutWithoutWakeup(t *testing.T) {
	c := newPairedConn() // never produces the wakeup sequence
	tr := New(c)
	if err := tr.Handshake(); err == nil {
		t.Fatal("expected handshake failure")
	}
}

func TestSendPacketFragmentsAndAssertsFlip(t *testing.T) {
	c := newPairedConn()
	c.r.Write(wakeupSequence)
	tr := New(c)
	if err := tr.Handshake(); err != nil {
		t.Fatalf("Handshake: %v", err)
	}

	payload := bytes.Repeat([]byte{0x41}, 150) // forces one fragment + final
	c.r.Write(tokenFragmentAck[:])
	c.r.Write(tokenAckFlip[:])

	if err := tr.SendPacket(0x09, payload, true); err != nil {
		t.Fatalf("SendPacket: %v", err)
	}
	if tr.Mode() != Receiver {
		t.Errorf("mode = %s, want Receiver after flipped send", tr.Mode())
	}
}

func TestSendPacketFlipMismatchPanics(t *testing.T) {
	c := newPairedConn()
	c.r.Write(wakeupSequence)
	tr := New(c)
	if err := tr.Handshake(); err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	c.r.Write(tokenAckNoFlip[:]) // device didn't flip, but we demanded it

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic on flip-bit mismatch")
		}
	}()
	tr.SendPacket(0xFE, nil, true)
}

func TestReceivePacketSkipsKeepalive(t *testing.T) {
	c := newPairedConn()
	c.r.Write(wakeupSequence)
	tr := New(c)
	if err := tr.Handshake(); err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	// Force into Receiver by simulating a prior flipped send.
	tr.mode = Receiver

	c.r.Write(encodeFrame(t, 0x00, nil))                 // keepalive
	c.r.Write(encodeFrame(t, 0x01, []byte{0, 0, 0, 42})) // cycle-report packet

	pkt, err := tr.ReceivePacket()
	if err != nil {
		t.Fatalf("ReceivePacket: %v", err)
	}
	if pkt.Type != 0x01 {
		t.Errorf("packet type = 0x%02x, want 0x01", pkt.Type)
	}
	if binary.BigEndian.Uint32(pkt.Payload) != 42 {
		t.Errorf("payload = % x, want cycle word 42", pkt.Payload)
	}
	if tr.Mode() != ReceiverNeedAck {
		t.Errorf("mode = %s, want ReceiverNeedAck", tr.Mode())
	}
}

func TestReceiveFrameDetectsCRCMismatch(t *testing.T) {
	c := newPairedConn()
	c.r.Write(wakeupSequence)
	tr := New(c)
	if err := tr.Handshake(); err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	tr.mode = Receiver

	frame := encodeFrame(t, 0x01, []byte{1, 2, 3, 4})
	frame[len(frame)-2] ^= 0xFF // corrupt a CRC byte before the terminating zero
	c.r.Write(frame)

	if _, err := tr.ReceivePacket(); err == nil {
		t.Fatal("expected CRC mismatch error")
	}
}

func TestAckReceivedTransitionsOnFlip(t *testing.T) {
	c := newPairedConn()
	tr := New(c)
	tr.mode = ReceiverNeedAck
	if err := tr.AckReceived(true); err != nil {
		t.Fatalf("AckReceived: %v", err)
	}
	if tr.Mode() != Sender {
		t.Errorf("mode = %s, want Sender", tr.Mode())
	}
	if !bytes.Equal(c.w.Bytes(), tokenAckFlip[:]) {
		t.Errorf("wrote % x, want ack-with-flip token", c.w.Bytes())
	}
}

func TestIllegalTransitionPanics(t *testing.T) {
	c := newPairedConn()
	tr := New(c)
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic for SendPacket from Raw mode")
		}
	}()
	tr.SendPacket(0x01, nil, false)
}

var _ io.ReadWriter = (*pairedConn)(nil)
