package syscallabi

import (
	"context"
	"testing"

	"github.com/nova-kvm/kvmruntime/internal/guestproto"
	"github.com/nova-kvm/kvmruntime/internal/hypervisor"
	"github.com/nova-kvm/kvmruntime/internal/regexcache"
	"github.com/nova-kvm/kvmruntime/internal/storagecall"
)

func TestDispatchUnregisteredReturnsMinusOne(t *testing.T) {
	table := NewTable()
	vm := hypervisor.NewFake(4096)
	got := table.Dispatch(context.Background(), guestproto.SyscallRegexCompile, vm, hypervisor.Registers{})
	if got != -1 {
		t.Fatalf("got %d, want -1", got)
	}
}

func TestDispatchOutOfRangeID(t *testing.T) {
	table := NewTable()
	vm := hypervisor.NewFake(4096)
	got := table.Dispatch(context.Background(), guestproto.SyscallID(99), vm, hypervisor.Registers{})
	if got != -1 {
		t.Fatalf("got %d, want -1", got)
	}
}

func TestRegisterPanicsOnInvalidID(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic registering id 0")
		}
	}()
	NewTable().Register(guestproto.SyscallID(0), func(context.Context, hypervisor.VM, hypervisor.Registers) (int64, error) {
		return 0, nil
	})
}

func TestRegexCompileMatchFreeThroughTable(t *testing.T) {
	table := NewTable()
	cache := regexcache.New(4, nil)
	RegisterRegexHandlers(table, cache)

	vm := hypervisor.NewFake(4096)
	pattern := []byte(`^abc$`)
	vm.WriteMemory(0, pattern)

	handle := table.Dispatch(context.Background(), guestproto.SyscallRegexCompile, vm,
		hypervisor.Registers{Rdi: 0, Rsi: uint64(len(pattern))})
	if handle < 0 {
		t.Fatalf("compile failed, got %d", handle)
	}

	subject := []byte("abc")
	vm.WriteMemory(64, subject)
	matched := table.Dispatch(context.Background(), guestproto.SyscallRegexMatch, vm,
		hypervisor.Registers{Rdi: uint64(handle), Rsi: 64, Rdx: uint64(len(subject))})
	if matched != 1 {
		t.Fatalf("match = %d, want 1", matched)
	}

	freed := table.Dispatch(context.Background(), guestproto.SyscallRegexFree, vm,
		hypervisor.Registers{Rdi: uint64(handle)})
	if freed != 0 {
		t.Fatalf("free = %d, want 0", freed)
	}
}

func TestRegexCompileBoundsChecksPointer(t *testing.T) {
	table := NewTable()
	cache := regexcache.New(4, nil)
	RegisterRegexHandlers(table, cache)

	vm := hypervisor.NewFake(16)
	got := table.Dispatch(context.Background(), guestproto.SyscallRegexCompile, vm,
		hypervisor.Registers{Rdi: 0, Rsi: 9000})
	if got != -1 {
		t.Fatalf("out-of-range pointer should fail with -1, got %d", got)
	}
}

func TestSMPHandlerRejectsBadNCPUs(t *testing.T) {
	table := NewTable()
	RegisterSMPHandlers(table)
	vm := hypervisor.NewFake(16)

	got := table.Dispatch(context.Background(), guestproto.SyscallMultiprocess, vm, hypervisor.Registers{Rdi: 1})
	if got != -1 {
		t.Fatalf("ncpus=1 should fail with -1, got %d", got)
	}
	got = table.Dispatch(context.Background(), guestproto.SyscallMultiprocess, vm, hypervisor.Registers{Rdi: 17})
	if got != -1 {
		t.Fatalf("ncpus=17 should fail with -1, got %d", got)
	}
}

func TestSMPHandlerAcceptsValidNCPUs(t *testing.T) {
	table := NewTable()
	RegisterSMPHandlers(table)
	vm := hypervisor.NewFake(16)

	got := table.Dispatch(context.Background(), guestproto.SyscallMultiprocess, vm, hypervisor.Registers{Rdi: 4})
	if got != 0 {
		t.Fatalf("valid ncpus should return 0, got %d", got)
	}
}

func TestStorageCallBThroughTable(t *testing.T) {
	table := NewTable()
	guest := hypervisor.NewFake(4096)
	sv := storagecall.New("acme", guest, nil, nil)
	RegisterStorageHandlers(table, sv, func(hypervisor.VM) []byte { return make([]byte, 32) })

	vm := hypervisor.NewFake(4096)
	payload := []byte("hello")
	vm.WriteMemory(0, payload)

	got := table.Dispatch(context.Background(), guestproto.SyscallStorageCallB, vm,
		hypervisor.Registers{Rdi: 1, Rsi: 0, Rdx: uint64(len(payload))})
	if got != int64(len(payload)) {
		t.Fatalf("storage_callb returned %d, want %d", got, len(payload))
	}
}
