package longlived

import (
	"os"
	"sync"
	"testing"
	"time"
)

type recordingDispatcher struct {
	mu       sync.Mutex
	readable [][]byte
	hungUp   []int
}

func (d *recordingDispatcher) FDReadable(fd int, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := append([]byte(nil), data...)
	d.readable = append(d.readable, cp)
	return nil
}

func (d *recordingDispatcher) FDWritable(fd int) error { return nil }

func (d *recordingDispatcher) Hangup(fd int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hungUp = append(d.hungUp, fd)
}

func (d *recordingDispatcher) snapshot() ([][]byte, []int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]byte(nil), d.readable...), append([]int(nil), d.hungUp...)
}

func TestBeginRejectsNonHTTP1(t *testing.T) {
	disp := &recordingDispatcher{}
	m, err := NewManager("acme", disp, 0, 4096)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	m.Start()
	defer m.Shutdown()

	ok, err := m.Begin(99, "", false)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if ok {
		t.Fatal("Begin should refuse fd donation for non-HTTP/1.x connections")
	}
	if m.ManagedCount() != 0 {
		t.Fatalf("managed count = %d, want 0", m.ManagedCount())
	}
}

func TestBeginDispatchesReadableData(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer w.Close()

	disp := &recordingDispatcher{}
	m, err := NewManager("acme", disp, 0, 4096)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	m.Start()
	defer m.Shutdown()

	fd := int(r.Fd())
	ok, err := m.Begin(fd, "", true)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if !ok {
		t.Fatal("Begin should accept HTTP/1.x fd donation")
	}
	if m.ManagedCount() != 1 {
		t.Fatalf("managed count = %d, want 1", m.ManagedCount())
	}

	if _, err := w.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, _ := disp.snapshot()
		if len(got) == 1 && string(got[0]) == "hello" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for FDReadable dispatch")
}

func TestBeginRejectsDuplicateFD(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	disp := &recordingDispatcher{}
	m, err := NewManager("acme", disp, 0, 4096)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	m.Start()
	defer m.Shutdown()

	fd := int(r.Fd())
	if _, err := m.Begin(fd, "", true); err != nil {
		t.Fatalf("first Begin: %v", err)
	}
	if _, err := m.Begin(fd, "", true); err != ErrAlreadyOwns {
		t.Fatalf("err = %v, want ErrAlreadyOwns", err)
	}
}
