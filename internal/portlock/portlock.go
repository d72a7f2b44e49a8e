// Package portlock implements the process-level resource discipline
// gating access to the physical serial device: an exclusive file lock
// on a well-known sentinel path whose first line names the device
// (spec.md §5, §6).
//
// Grounded on the teacher's sole third-party dependency,
// golang.org/x/sys/unix, reused here for unix.Flock rather than
// reaching for a third-party file-locking package the examples never
// import.
package portlock

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// SentinelName is the well-known lock-file name in the working
// directory (spec.md §6).
const SentinelName = ".65test_serial_path.txt"

// Lock holds an exclusive advisory lock on the sentinel file and
// exposes the serial device path read from its first line.
type Lock struct {
	f          *os.File
	DevicePath string
}

// Acquire opens and exclusively locks SentinelName, blocking until the
// lock is free. The caller must call Release when done.
func Acquire() (*Lock, error) {
	f, err := os.OpenFile(SentinelName, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("portlock: open %s: %w", SentinelName, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, fmt.Errorf("portlock: flock: %w", err)
	}

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		f.Close()
		return nil, fmt.Errorf("portlock: %s is empty", SentinelName)
	}
	path := strings.TrimRight(scanner.Text(), "\r\n")

	return &Lock{f: f, DevicePath: path}, nil
}

// Release sends the best-effort four-zero reset sequence to w (the
// transport's underlying connection, if still open), then unlocks and
// closes the sentinel file. The reset write is not error-checked
// (spec.md §5).
func (l *Lock) Release(w interface{ Write([]byte) (int, error) }) {
	if w != nil {
		w.Write([]byte{0x00, 0x00, 0x00, 0x00})
	}
	unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	l.f.Close()
}
