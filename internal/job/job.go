// Package job decodes and validates the job document shared by the
// software and hardware harnesses.
//
// Grounded on BigBossBoolingB-VDATABPro/core_engine/virtual_machine.go's
// NewVirtualMachine, which validates a handful of construction parameters
// and fails fast with a wrapped, field-naming error; this package applies
// the same discipline to a much larger document.
package job

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"sort"
)

// MaxHardwareBodyBytes is the request-body ceiling on the hardware path
// (spec.md §4.A).
const MaxHardwareBodyBytes = 2_000_000

const maxSignalEntries = 20

const (
	defaultMaxCycles = 10_000_000
	minMaxCycles     = 9
	maxMaxCycles     = 10_000_000
	showCyclesLimit  = 1000
)

// SerialOutFormat controls how captured serial output is encoded.
type SerialOutFormat string

const (
	SerialOutNone   SerialOutFormat = ""
	SerialOutUTF8   SerialOutFormat = "utf8"
	SerialOutBase64 SerialOutFormat = "base64"
)

// InitRecord seeds a range of RAM at load time.
type InitRecord struct {
	Base uint16 `json:"base"`
	Data []byte `json:"-"`
	Size *int   `json:"size,omitempty"`

	RawData string `json:"data"`
}

// AddrRange is an inclusive [Start,End] address range.
type AddrRange struct {
	Start uint16
	End   uint16
}

// Terminations holds the six terminate_on_* flags, all default true.
type Terminations struct {
	BRK          bool
	InfiniteLoop bool
	ZeroFetch    bool
	StackFetch   bool
	VectorFetch  bool
	BadWrite     bool
}

// DefaultTerminations returns every heuristic enabled, the spec default.
func DefaultTerminations() Terminations {
	return Terminations{true, true, true, true, true, true}
}

// Job is the fully decoded and normalized input document (spec.md §3).
type Job struct {
	Init []InitRecord

	RWMap []AddrRange

	SerialInAddr  *uint16
	SerialOutAddr *uint16
	SerialInData  []byte
	SerialOutFmt  SerialOutFormat

	ShowCycles bool
	MaxCycles  int

	Terminate Terminations

	NMI []int
	IRQ []int
	RDY []int
	SO  []int
	RES []int
}

// wireJob mirrors the JSON shape of the job document; Job is the
// normalized, decoded form consumers actually operate on.
type wireJob struct {
	Init []InitRecord `json:"init"`

	RWMap [][2]int64 `json:"rwmap"`

	SerialInAddr  *int    `json:"serial_in_addr"`
	SerialOutAddr *int    `json:"serial_out_addr"`
	SerialInData  *string `json:"serial_in_data"`
	SerialOutFmt  *string `json:"serial_out_fmt"`

	ShowCycles bool `json:"show_cycles"`
	MaxCycles  *int `json:"max_cycles"`

	TerminateOnBRK          *bool `json:"terminate_on_brk"`
	TerminateOnInfiniteLoop *bool `json:"terminate_on_infinite_loop"`
	TerminateOnZeroFetch    *bool `json:"terminate_on_zero_fetch"`
	TerminateOnStackFetch   *bool `json:"terminate_on_stack_fetch"`
	TerminateOnVectorFetch  *bool `json:"terminate_on_vector_fetch"`
	TerminateOnBadWrite     *bool `json:"terminate_on_bad_write"`

	NMI []int `json:"nmi"`
	IRQ []int `json:"irq"`
	RDY []int `json:"rdy"`
	SO  []int `json:"so"`
	RES []int `json:"res"`
}

// ValidationError names the offending field, per spec.md §4.A and §7.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("job: %s: %s", e.Field, e.Message)
}

func fieldErr(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Parse decodes a job document from r. The hardware path should wrap r
// in an io.LimitReader(r, MaxHardwareBodyBytes+1) and reject oversize
// bodies before calling Parse; the software path (stdin) has no such
// ceiling.
func Parse(r io.Reader) (*Job, error) {
	var w wireJob
	dec := json.NewDecoder(r)
	if err := dec.Decode(&w); err != nil {
		return nil, fmt.Errorf("job: decode: %w", err)
	}
	return normalize(&w)
}

func normalize(w *wireJob) (*Job, error) {
	j := &Job{
		ShowCycles: w.ShowCycles,
		MaxCycles:  defaultMaxCycles,
		Terminate:  DefaultTerminations(),
	}

	for i := range w.Init {
		rec := w.Init[i]
		data, err := DecodeBlob(rec.RawData)
		if err != nil {
			return nil, fieldErr(fmt.Sprintf("init[%d].data", i), "%v", err)
		}
		rec.Data = data

		size := len(data)
		if rec.Size != nil {
			size = *rec.Size
			if size < len(data) {
				return nil, fieldErr(fmt.Sprintf("init[%d].size", i), "size %d smaller than data length %d", size, len(data))
			}
		}
		if int(rec.Base)+size > 65536 {
			return nil, fieldErr(fmt.Sprintf("init[%d]", i), "base 0x%x + size %d exceeds 65536", rec.Base, size)
		}
		j.Init = append(j.Init, rec)
	}

	if w.RWMap != nil {
		for i, pair := range w.RWMap {
			if pair[1] < pair[0] {
				return nil, fieldErr(fmt.Sprintf("rwmap[%d]", i), "inverted range [%d,%d]", pair[0], pair[1])
			}
			if pair[0] < 0 || pair[1] > 65535 {
				return nil, fieldErr(fmt.Sprintf("rwmap[%d]", i), "out of range [%d,%d]", pair[0], pair[1])
			}
			j.RWMap = append(j.RWMap, AddrRange{Start: uint16(pair[0]), End: uint16(pair[1])})
		}
	} else {
		j.RWMap = []AddrRange{{Start: 0, End: 511}}
	}

	if w.SerialInAddr != nil {
		a, err := toAddr("serial_in_addr", *w.SerialInAddr)
		if err != nil {
			return nil, err
		}
		j.SerialInAddr = &a
	}
	if w.SerialOutAddr != nil {
		a, err := toAddr("serial_out_addr", *w.SerialOutAddr)
		if err != nil {
			return nil, err
		}
		j.SerialOutAddr = &a
	}
	if w.SerialInData != nil {
		data, err := DecodeBlob(*w.SerialInData)
		if err != nil {
			return nil, fieldErr("serial_in_data", "%v", err)
		}
		j.SerialInData = data
	}
	if w.SerialOutFmt != nil {
		switch SerialOutFormat(*w.SerialOutFmt) {
		case SerialOutUTF8:
			j.SerialOutFmt = SerialOutUTF8
		case SerialOutBase64:
			j.SerialOutFmt = SerialOutBase64
		default:
			return nil, fieldErr("serial_out_fmt", "must be utf8 or base64, got %q", *w.SerialOutFmt)
		}
	}

	if w.MaxCycles != nil {
		if *w.MaxCycles < minMaxCycles || *w.MaxCycles > maxMaxCycles {
			return nil, fieldErr("max_cycles", "must be in [%d,%d], got %d", minMaxCycles, maxMaxCycles, *w.MaxCycles)
		}
		j.MaxCycles = *w.MaxCycles
	}

	applyFlag(&j.Terminate.BRK, w.TerminateOnBRK)
	applyFlag(&j.Terminate.InfiniteLoop, w.TerminateOnInfiniteLoop)
	applyFlag(&j.Terminate.ZeroFetch, w.TerminateOnZeroFetch)
	applyFlag(&j.Terminate.StackFetch, w.TerminateOnStackFetch)
	applyFlag(&j.Terminate.VectorFetch, w.TerminateOnVectorFetch)
	applyFlag(&j.Terminate.BadWrite, w.TerminateOnBadWrite)

	var err error
	if j.NMI, err = normalizeTimeline("nmi", w.NMI); err != nil {
		return nil, err
	}
	if j.IRQ, err = normalizeTimeline("irq", w.IRQ); err != nil {
		return nil, err
	}
	if j.RDY, err = normalizeTimeline("rdy", w.RDY); err != nil {
		return nil, err
	}
	if j.SO, err = normalizeTimeline("so", w.SO); err != nil {
		return nil, err
	}
	if j.RES, err = normalizeTimeline("res", w.RES); err != nil {
		return nil, err
	}

	return j, nil
}

func applyFlag(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func toAddr(field string, v int) (uint16, error) {
	if v < 0 || v > 65535 {
		return 0, fieldErr(field, "out of range: %d", v)
	}
	return uint16(v), nil
}

func normalizeTimeline(field string, cycles []int) ([]int, error) {
	if len(cycles) > maxSignalEntries {
		return nil, fieldErr(field, "timeline has %d entries, max %d", len(cycles), maxSignalEntries)
	}
	out := append([]int(nil), cycles...)
	sort.Ints(out)
	return out, nil
}

// DecodeBlob decodes the shared wire blob representation (spec.md §3):
// a string prefixed "utf8:" (literal bytes follow) or "base64:"
// (standard base64 follows).
func DecodeBlob(s string) ([]byte, error) {
	switch {
	case len(s) >= 5 && s[:5] == "utf8:":
		return []byte(s[5:]), nil
	case len(s) >= 7 && s[:7] == "base64:":
		b, err := base64.StdEncoding.DecodeString(s[7:])
		if err != nil {
			return nil, fmt.Errorf("invalid base64 blob: %w", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("blob must begin with %q or %q", "utf8:", "base64:")
	}
}

// EncodeBlob is the inverse of DecodeBlob for the given format. It
// returns ("", false) for SerialOutNone.
func EncodeBlob(format SerialOutFormat, data []byte) (string, bool) {
	switch format {
	case SerialOutUTF8:
		return "utf8:" + string(data), true
	case SerialOutBase64:
		return "base64:" + base64.StdEncoding.EncodeToString(data), true
	default:
		return "", false
	}
}

// TiledImage returns data tiled to fill size bytes (spec.md §4.A/§4.D).
// If size <= len(data) the data itself (possibly truncated) is returned.
func TiledImage(data []byte, size int) []byte {
	if size <= len(data) {
		return data[:size]
	}
	out := make([]byte, size)
	if len(data) == 0 {
		return out
	}
	for i := 0; i < size; i++ {
		out[i] = data[i%len(data)]
	}
	return out
}
