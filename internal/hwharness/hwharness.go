// Package hwharness implements the hardware harness's CGI-contract
// HTTP entry point: Job Parser -> Hardware Session (over Serial
// Transport, which uses the COBS codec) -> Result Assembler (spec.md
// §2's "Control flow (hardware path): A -> F (via C, which uses B) -> G",
// §6's CGI contract).
package hwharness

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"

	"w65test/internal/job"
	"w65test/internal/portlock"
	"w65test/internal/session"
	"w65test/internal/transport"
)

// Handler serves the hardware harness's HTTP contract (spec.md §6).
type Handler struct {
	// OpenHandshaken is called once per session attempt; it must
	// acquire the port lock, open the device, and complete the
	// handshake, returning a Transport in Sender mode. Production code
	// wires this to portlock.Acquire + transport.OpenPort +
	// Transport.Handshake; tests substitute an in-memory double.
	OpenHandshaken func() (*transport.Transport, func(), error)
}

// NewDeviceHandler builds a Handler wired to the real serial device
// named by the port-lock sentinel file (spec.md §6).
func NewDeviceHandler() *Handler {
	return &Handler{OpenHandshaken: openRealDevice}
}

func openRealDevice() (*transport.Transport, func(), error) {
	lock, err := portlock.Acquire()
	if err != nil {
		return nil, nil, fmt.Errorf("hwharness: %w", err)
	}
	port, err := transport.OpenPort(lock.DevicePath)
	if err != nil {
		lock.Release(nil)
		return nil, nil, fmt.Errorf("hwharness: %w", err)
	}
	tr := transport.New(port)
	if err := tr.Handshake(); err != nil {
		port.Close()
		lock.Release(nil)
		return nil, nil, fmt.Errorf("hwharness: %w", err)
	}
	cleanup := func() {
		lock.Release(port)
		port.Close()
	}
	return tr, cleanup, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if r.ContentLength < 0 {
		http.Error(w, "Length Required", http.StatusLengthRequired)
		return
	}
	if r.ContentLength > job.MaxHardwareBodyBytes {
		http.Error(w, "Payload Too Large", http.StatusRequestEntityTooLarge)
		return
	}

	body := io.LimitReader(r.Body, job.MaxHardwareBodyBytes+1)
	j, err := job.Parse(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var cleanup func()
	doc, err := session.RunWithRetry(func() (*transport.Transport, error) {
		if cleanup != nil {
			cleanup()
			cleanup = nil
		}
		tr, c, err := h.OpenHandshaken()
		if err != nil {
			return nil, err
		}
		cleanup = c
		return tr, nil
	}, j)
	if cleanup != nil {
		cleanup()
	}
	if err != nil {
		log.Printf("hwharness: session failed: %v", err)
		http.Error(w, "transport failure", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		log.Printf("hwharness: encode response: %v", err)
	}
}
