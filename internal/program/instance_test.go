package program

import (
	"context"
	"testing"
)

func TestBuildAndReserveRelease(t *testing.T) {
	inst, err := Build(context.Background(), BuildSpec{TenantName: "acme", MaxConcurrentVMs: 2})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer inst.Close()

	vm, err := inst.Reserve(context.Background(), 0)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if inst.Refcount() != 1 {
		t.Fatalf("refcount = %d, want 1", inst.Refcount())
	}
	inst.Release(vm)
	if inst.Refcount() != 0 {
		t.Fatalf("refcount after release = %d, want 0", inst.Refcount())
	}
}

func TestSetEntryBeforePublish(t *testing.T) {
	inst, err := Build(context.Background(), BuildSpec{TenantName: "acme", MaxConcurrentVMs: 1})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer inst.Close()

	if err := inst.SetEntry(0, 0x1000); err != nil {
		t.Fatalf("SetEntry: %v", err)
	}
	addr, ok := inst.Entry(0)
	if !ok || addr != 0x1000 {
		t.Fatalf("Entry(0) = (%x, %v), want (0x1000, true)", addr, ok)
	}
}

func TestSetEntryAfterPublishFails(t *testing.T) {
	inst, err := Build(context.Background(), BuildSpec{TenantName: "acme", MaxConcurrentVMs: 1})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer inst.Close()

	inst.Publish()
	if err := inst.SetEntry(1, 0x2000); err != ErrAlreadyPublished {
		t.Fatalf("err = %v, want ErrAlreadyPublished", err)
	}
}

func TestRegexAndStorageAreWiredThroughSyscallTable(t *testing.T) {
	inst, err := Build(context.Background(), BuildSpec{TenantName: "acme", MaxConcurrentVMs: 1})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer inst.Close()

	if inst.Regex() == nil {
		t.Fatal("expected non-nil regex cache")
	}
	if inst.Storage() == nil {
		t.Fatal("expected non-nil storage VM")
	}
	if inst.Table() == nil {
		t.Fatal("expected non-nil syscall table")
	}
}
