package portlock

import (
	"os"
	"path/filepath"
	"testing"
)

func chdirTemp(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	t.Cleanup(func() { os.Chdir(wd) })
}

func TestAcquireReadsDevicePath(t *testing.T) {
	chdirTemp(t)
	if err := os.WriteFile(SentinelName, []byte("/dev/ttyUSB0\r\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	lock, err := Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer lock.Release(nil)

	if lock.DevicePath != "/dev/ttyUSB0" {
		t.Errorf("DevicePath = %q, want %q", lock.DevicePath, "/dev/ttyUSB0")
	}
}

func TestAcquireMissingFile(t *testing.T) {
	chdirTemp(t)
	if _, err := Acquire(); err == nil {
		t.Fatal("expected error for missing sentinel file")
	}
}

type recordingWriter struct{ wrote []byte }

func (r *recordingWriter) Write(p []byte) (int, error) {
	r.wrote = append(r.wrote, p...)
	return len(p), nil
}

func TestReleaseSendsResetSequence(t *testing.T) {
	chdirTemp(t)
	if err := os.WriteFile(SentinelName, []byte("/dev/ttyUSB0\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	lock, err := Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	w := &recordingWriter{}
	lock.Release(w)
	want := []byte{0x00, 0x00, 0x00, 0x00}
	if string(w.wrote) != string(want) {
		t.Errorf("wrote %v, want %v", w.wrote, want)
	}
}

func TestSentinelPathIsRelative(t *testing.T) {
	if filepath.IsAbs(SentinelName) {
		t.Error("SentinelName should be resolved relative to the working directory")
	}
}
