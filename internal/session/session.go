// Package session implements the Hardware Session: uploading a job
// over the serial transport using a fixed repertoire of control
// packets, then pumping an event loop until a termination summary
// arrives (spec.md §4.F).
//
// Grounded on BigBossBoolingB-VDATABPro/core_engine/virtual_machine.go's
// run loop, which drains device-originated events in a switch over a
// small fixed set of tags; Run here plays the same role over packet
// types arriving from the physical board instead of emulated devices.
package session

import (
	"encoding/binary"
	"fmt"
	"time"

	"w65test/internal/job"
	"w65test/internal/result"
	"w65test/internal/supervisor"
	"w65test/internal/transport"
)

const (
	maxRetries   = 3
	retryBackoff = 1 * time.Second
)

// Session drives one hardware execution of a job over an open transport.
type Session struct {
	tr *transport.Transport
}

// New wraps an already-handshaken transport. Callers normally obtain
// the transport via a fresh Handshake() per attempt; Run does not
// retry, RunWithRetry retries from the handshake on transport failure.
func New(tr *transport.Transport) *Session {
	return &Session{tr: tr}
}

// RunWithRetry performs up to three attempts of handshake+upload+event
// loop, sleeping one second between failed attempts (spec.md §4.F,
// §5: "the outer driver retries... up to three times").
func RunWithRetry(openHandshaken func() (*transport.Transport, error), j *job.Job) (*result.Document, error) {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(retryBackoff)
		}
		tr, err := openHandshaken()
		if err != nil {
			lastErr = err
			continue
		}
		doc, err := New(tr).Run(j)
		if err == nil {
			return doc, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("session: exhausted %d attempts: %w", maxRetries, lastErr)
}

// Run uploads j, pumps the event loop to completion, and assembles the
// result document.
func (s *Session) Run(j *job.Job) (*result.Document, error) {
	if err := s.upload(j); err != nil {
		return nil, fmt.Errorf("session: upload: %w", err)
	}
	return s.eventLoop(j)
}

func (s *Session) upload(j *job.Job) error {
	for _, rec := range j.Init {
		base := [2]byte{byte(rec.Base >> 8), byte(rec.Base)}
		if err := s.tr.SendPacket(0x09, base[:], false); err != nil {
			return err
		}
		size := len(rec.Data)
		if rec.Size != nil {
			size = *rec.Size
		}
		tiled := job.TiledImage(rec.Data, min(size, 1200))
		for len(tiled) > 0 {
			chunk := tiled
			if len(chunk) > 120 {
				chunk = chunk[:120]
			}
			if err := s.tr.SendPacket(0x01, chunk, false); err != nil {
				return err
			}
			tiled = tiled[len(chunk):]
		}
	}

	if len(j.RWMap) > 0 {
		var buf []byte
		for _, r := range j.RWMap {
			var pair [4]byte
			binary.BigEndian.PutUint16(pair[0:2], r.Start)
			binary.BigEndian.PutUint16(pair[2:4], r.End)
			buf = append(buf, pair[:]...)
		}
		if err := s.tr.SendPacket(0x02, buf, false); err != nil {
			return err
		}
	}
	if j.SerialInAddr != nil {
		var addr [2]byte
		binary.BigEndian.PutUint16(addr[:], *j.SerialInAddr)
		if err := s.tr.SendPacket(0x03, addr[:], false); err != nil {
			return err
		}
	}
	if j.SerialOutAddr != nil {
		var addr [2]byte
		binary.BigEndian.PutUint16(addr[:], *j.SerialOutAddr)
		if err := s.tr.SendPacket(0x04, addr[:], false); err != nil {
			return err
		}
	}
	if j.ShowCycles {
		var budget [4]byte
		binary.BigEndian.PutUint32(budget[:], 1000)
		if err := s.tr.SendPacket(0x05, budget[:], false); err != nil {
			return err
		}
	}
	if j.MaxCycles != 0 {
		var mc [4]byte
		binary.BigEndian.PutUint32(mc[:], uint32(j.MaxCycles))
		if err := s.tr.SendPacket(0x06, mc[:], false); err != nil {
			return err
		}
	}
	if flags := terminationFlags(j.Terminate); flags != 0x3F {
		if err := s.tr.SendPacket(0x07, []byte{flags}, false); err != nil {
			return err
		}
	}
	if sig := encodeSignalTimeline(j); len(sig) > 0 {
		if err := s.tr.SendPacket(0x08, sig, false); err != nil {
			return err
		}
	}
	return s.tr.SendPacket(0xFE, nil, true)
}

// terminationFlags packs the six terminate_on_* booleans into 0x3F,
// clearing a bit when the corresponding flag is false (spec.md §4.F).
func terminationFlags(t job.Terminations) byte {
	flags := byte(0x3F)
	clear := func(bit byte, on bool) {
		if !on {
			flags &^= bit
		}
	}
	clear(0x01, t.BRK)
	clear(0x02, t.InfiniteLoop)
	clear(0x04, t.ZeroFetch)
	clear(0x08, t.StackFetch)
	clear(0x10, t.VectorFetch)
	clear(0x20, t.BadWrite)
	return flags
}

type timelineEntry struct {
	id    byte
	on    bool
	cycle int
}

// encodeSignalTimeline merges the five signal timelines into the
// device's 0x08 packet payload (spec.md §4.F): one header byte plus a
// 3-byte big-endian cycle per toggle, ordered by cycle with stable
// tie-break (nmi, irq, rdy, so, res) and rdy implicitly starting on.
func encodeSignalTimeline(j *job.Job) []byte {
	const (
		idRES = 0
		idSO  = 1
		idNMI = 2
		idIRQ = 3
		idRDY = 4
	)
	var entries []timelineEntry
	appendTimeline := func(id byte, cycles []int) {
		startsOn := id == idRDY
		for i, c := range cycles {
			entries = append(entries, timelineEntry{id: id, on: (i%2 == 0) != startsOn, cycle: c})
		}
	}
	appendTimeline(idNMI, j.NMI)
	appendTimeline(idIRQ, j.IRQ)
	appendTimeline(idRDY, j.RDY)
	appendTimeline(idSO, j.SO)
	appendTimeline(idRES, j.RES)
	if len(entries) == 0 {
		return nil
	}
	stableSortByCycle(entries)

	out := make([]byte, 0, len(entries)*4)
	for _, e := range entries {
		header := e.id
		if e.on {
			header |= 0x80
		}
		out = append(out, header, byte(e.cycle>>16), byte(e.cycle>>8), byte(e.cycle))
	}
	return out
}

func stableSortByCycle(entries []timelineEntry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].cycle < entries[j-1].cycle; j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}

func (s *Session) eventLoop(j *job.Job) (*result.Document, error) {
	var cycles []string
	var serialOut []byte
	remaining := j.SerialInData

	for {
		pkt, err := s.tr.ReceivePacket()
		if err != nil {
			return nil, err
		}
		switch pkt.Type {
		case 0x01:
			if len(pkt.Payload)%4 != 0 {
				return nil, fmt.Errorf("session: cycle-report payload length %d not a multiple of 4", len(pkt.Payload))
			}
			for off := 0; off+4 <= len(pkt.Payload) && len(cycles) < 1000; off += 4 {
				word := binary.BigEndian.Uint32(pkt.Payload[off : off+4])
				cycles = append(cycles, fmt.Sprintf("%07X", word))
			}
			if err := s.tr.AckReceived(false); err != nil {
				return nil, err
			}

		case 0x02:
			if len(pkt.Payload) != 0 {
				return nil, fmt.Errorf("session: serial-read-request with nonzero payload")
			}
			if err := s.tr.AckReceived(true); err != nil {
				return nil, err
			}
			chunk := remaining
			if len(chunk) > 32 {
				chunk = chunk[:32]
			}
			remaining = remaining[len(chunk):]
			if err := s.tr.SendPacket(0x53, chunk, true); err != nil {
				return nil, err
			}

		case 0x03:
			if len(pkt.Payload) == 0 {
				return nil, fmt.Errorf("session: serial-write with empty payload")
			}
			if j.SerialOutFmt != job.SerialOutNone {
				serialOut = append(serialOut, pkt.Payload...)
			}
			if err := s.tr.AckReceived(false); err != nil {
				return nil, err
			}

		case 0x04:
			if len(pkt.Payload) != 11 {
				return nil, fmt.Errorf("session: termination payload length %d, want 11", len(pkt.Payload))
			}
			numCycles := binary.BigEndian.Uint32(pkt.Payload[0:4])
			lastPC := binary.BigEndian.Uint16(pkt.Payload[8:10])
			causeID := pkt.Payload[10]
			cause, ok := supervisor.CauseByID(causeID)
			if !ok {
				return nil, fmt.Errorf("session: unknown termination cause id %d", causeID)
			}
			if err := s.tr.AckReceived(false); err != nil {
				return nil, err
			}
			pc := lastPC
			return result.Assemble(int(numCycles), &pc, string(cause), cycles, j.SerialOutFmt, serialOut), nil

		default:
			return nil, fmt.Errorf("session: unexpected packet type 0x%02x", pkt.Type)
		}
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
