package hypervisor

import (
	"context"
	"testing"
	"time"
)

func TestFakeWriteReadMemory(t *testing.T) {
	vm := NewFake(64)
	if err := vm.WriteMemory(8, []byte("hello")); err != nil {
		t.Fatalf("WriteMemory: %v", err)
	}
	got, err := vm.ReadMemory(8, 5)
	if err != nil {
		t.Fatalf("ReadMemory: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q, want hello", got)
	}
}

func TestFakeWriteOutOfRange(t *testing.T) {
	vm := NewFake(4)
	if err := vm.WriteMemory(0, []byte("toolong")); err == nil {
		t.Fatal("expected out-of-range error")
	}
}

func TestFakeSnapshotIsIndependent(t *testing.T) {
	vm := NewFake(16)
	vm.WriteMemory(0, []byte("template"))

	clone, err := vm.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	clone.WriteMemory(0, []byte("clonediff"))

	orig, _ := vm.ReadMemory(0, 8)
	if string(orig) != "template" {
		t.Fatalf("snapshot mutation leaked into source: %q", orig)
	}
}

func TestFakeForeachMemoryChunks(t *testing.T) {
	vm := NewFake(10000)
	vm.WriteMemory(0, []byte("x"))

	var total int
	err := vm.ForeachMemory(0, 9000, func(b []byte) {
		total += len(b)
	})
	if err != nil {
		t.Fatalf("ForeachMemory: %v", err)
	}
	if total != 9000 {
		t.Fatalf("total bytes visited = %d, want 9000", total)
	}
}

func TestTimedSMPCallRejectsReentrancy(t *testing.T) {
	vm := NewFake(16)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	go vm.TimedSMPCall(ctx, 2, func(vcpu int) error {
		if vcpu == 0 {
			close(started)
		}
		<-release
		return nil
	})
	<-started

	if err := vm.TimedSMPCall(ctx, 2, func(int) error { return nil }); err != ErrSMPReentrant {
		t.Fatalf("err = %v, want ErrSMPReentrant", err)
	}
	close(release)
}

func TestTimedSMPCallRespectsContext(t *testing.T) {
	vm := NewFake(16)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := vm.TimedSMPCall(ctx, 2, func(int) error {
		time.Sleep(50 * time.Millisecond)
		return nil
	})
	if err != context.DeadlineExceeded {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
}
