// Package syscallabi implements the guest ABI's fixed numeric dispatch
// table: the guest traps via a well-known port, the host decodes a
// syscall id out of the trap and calls the matching handler, which reads
// its arguments from the VM's register file.
package syscallabi

import (
	"context"

	"github.com/nova-kvm/kvmruntime/internal/guestproto"
	"github.com/nova-kvm/kvmruntime/internal/hypervisor"
)

// Handler serves one syscall id. It reads its arguments out of regs and
// returns the value to place in A0 (regs.Rax by host convention), or an
// error if the call should fail the guest with -1.
type Handler func(ctx context.Context, vm hypervisor.VM, regs hypervisor.Registers) (int64, error)

// Table is the fixed [16]Handler dispatch array indexed by
// guestproto.SyscallID. Unset entries are nil and dispatch to -1.
type Table struct {
	handlers [guestproto.NumSyscalls]Handler
}

// NewTable returns an empty dispatch table; callers register handlers
// with Register before the Program Instance publishes its template.
func NewTable() *Table {
	return &Table{}
}

// Register installs fn as the handler for id. Panics on out-of-range id,
// since syscall ids are a fixed compile-time contract, not guest input.
func (t *Table) Register(id guestproto.SyscallID, fn Handler) {
	if int(id) <= 0 || int(id) >= guestproto.NumSyscalls {
		panic("syscallabi: syscall id out of range")
	}
	t.handlers[id] = fn
}

// Dispatch decodes id from the trap and runs the matching handler. An
// unregistered or out-of-range id returns -1, matching the spec's
// "out-of-range is -1" validation rule rather than crashing the VM.
func (t *Table) Dispatch(ctx context.Context, id guestproto.SyscallID, vm hypervisor.VM, regs hypervisor.Registers) int64 {
	if int(id) <= 0 || int(id) >= guestproto.NumSyscalls {
		return -1
	}
	fn := t.handlers[id]
	if fn == nil {
		return -1
	}
	result, err := fn(ctx, vm, regs)
	if err != nil {
		return -1
	}
	return result
}

// BoundsCheck validates that [addr, addr+n) lies within vm's addressable
// memory by attempting a zero-length-safe read, ported 1:1 from the
// original's foreach_memory/sequential_view range checks: any pointer
// argument a guest passes must be validated this way before use.
func BoundsCheck(vm hypervisor.VM, addr uint64, n int) bool {
	if n == 0 {
		return true
	}
	_, err := vm.ReadMemory(addr, n)
	return err == nil
}

// ValidateSMP enforces the spec's ncpus bounds (2..16 inclusive) for
// multiprocess* syscalls, matching system_calls_api.cpp's
// syscall_multiprocess bounds check verbatim.
func ValidateSMP(ncpus int) bool {
	return ncpus >= guestproto.MinSMPCPUs && ncpus <= guestproto.MaxSMPCPUs
}
