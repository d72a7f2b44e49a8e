// Package result assembles the common result document shared by the
// software and hardware harnesses (spec.md §3, §4.G).
//
// Grounded on BigBossBoolingB-VDATABPro's preference for small,
// JSON-tagged output structs with omitempty controlling optionality
// (mirrored from the teacher's device state snapshots) rather than a
// hand-rolled map-based encoder.
package result

import (
	"encoding/json"
	"fmt"

	"w65test/internal/job"
)

// Document is the wire shape of the result object (spec.md §3): every
// field but NumCycles and TerminationCause is optional, controlled by
// whether the underlying event ever happened.
type Document struct {
	NumCycles        int      `json:"num_cycles"`
	LastPC           *int     `json:"last_pc,omitempty"`
	TerminationCause string   `json:"termination_cause"`
	Cycles           []string `json:"cycles,omitempty"`
	SerialOutData    string   `json:"serial_out_data,omitempty"`
}

// Assemble merges the supervisor/session output into the common result
// document (spec.md §4.G). lastPC is nil iff no opcode was ever
// fetched; serial_out_data is set iff fmtKind is not SerialOutNone, in
// which case serialOut is encoded even when it is empty.
func Assemble(numCycles int, lastPC *uint16, cause string, cycles []string, fmtKind job.SerialOutFormat, serialOut []byte) *Document {
	d := &Document{
		NumCycles:        numCycles,
		TerminationCause: cause,
		Cycles:           cycles,
	}
	if lastPC != nil {
		v := int(*lastPC)
		d.LastPC = &v
	}
	if encoded, ok := job.EncodeBlob(fmtKind, serialOut); ok {
		d.SerialOutData = encoded
	}
	return d
}

// MarshalLine renders the document as the single-line JSON document
// the software harness CLI writes to stdout (spec.md §6).
func (d *Document) MarshalLine() ([]byte, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("result: marshal: %w", err)
	}
	return b, nil
}
