package transport

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// Port is a real serial device opened and configured for the wire
// protocol's fixed line discipline: 115200 8N1, no flow control, no
// line-editing (spec.md §4.C).
//
// Grounded on the teacher's sole third-party dependency,
// golang.org/x/sys/unix, used here for the termios ioctls Go's
// standard library has no portable equivalent for.
type Port struct {
	f *os.File
}

// OpenPort opens the serial device at path and configures its termios
// for raw 115200 8N1 operation.
func OpenPort(path string) (*Port, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_NOCTTY, 0)
	if err != nil {
		return nil, fmt.Errorf("transport: open %s: %w", path, err)
	}
	if err := configureRaw115200(f); err != nil {
		f.Close()
		return nil, err
	}
	return &Port{f: f}, nil
}

func configureRaw115200(f *os.File) error {
	fd := int(f.Fd())
	term, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return fmt.Errorf("transport: get termios: %w", err)
	}

	term.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	term.Oflag &^= unix.OPOST
	term.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	term.Cflag &^= unix.CSIZE | unix.PARENB | unix.CSTOPB | unix.CRTSCTS | unix.CBAUD
	term.Cflag |= unix.CS8 | unix.CLOCAL | unix.CREAD | unix.B115200
	term.Cc[unix.VMIN] = 0
	term.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, term); err != nil {
		return fmt.Errorf("transport: set termios: %w", err)
	}
	return nil
}

// Read implements io.Reader.
func (p *Port) Read(b []byte) (int, error) { return p.f.Read(b) }

// Write implements io.Writer.
func (p *Port) Write(b []byte) (int, error) { return p.f.Write(b) }

// SetReadDeadline implements Conn.
func (p *Port) SetReadDeadline(t time.Time) error { return p.f.SetReadDeadline(t) }

// Close releases the underlying file descriptor.
func (p *Port) Close() error { return p.f.Close() }
