package syscallabi

import (
	"context"
	"encoding/binary"
	"errors"

	"github.com/nova-kvm/kvmruntime/internal/guestproto"
	"github.com/nova-kvm/kvmruntime/internal/hypervisor"
	"github.com/nova-kvm/kvmruntime/internal/storagecall"
)

// ErrWaitFromEphemeral mirrors spec.md §4.10's syscall table entry for id
// 2: wait_for_requests "must be called from the template VM only; from
// ephemeral fails."
var ErrWaitFromEphemeral = errors.New("syscallabi: wait_for_requests called from an ephemeral VM")

// RegisterLifecycleHandlers installs register_func (id 1) and
// wait_for_requests (id 2). setEntry and publish are bound to one Program
// Instance's entry table by the caller (internal/program); isTemplateVM
// lets the handler tell a template run from an ephemeral clone without
// this package importing internal/program, which itself imports
// syscallabi to install these handlers in the first place.
func RegisterLifecycleHandlers(t *Table, setEntry func(id int, addr uintptr) error, publish func(), isTemplateVM func(hypervisor.VM) bool) {
	t.Register(guestproto.SyscallRegisterFunc, func(ctx context.Context, vm hypervisor.VM, regs hypervisor.Registers) (int64, error) {
		if err := setEntry(int(regs.Rdi), uintptr(regs.Rsi)); err != nil {
			return -1, err
		}
		return 0, nil
	})

	t.Register(guestproto.SyscallWaitForRequests, func(ctx context.Context, vm hypervisor.VM, regs hypervisor.Registers) (int64, error) {
		if !isTemplateVM(vm) {
			return -1, ErrWaitFromEphemeral
		}
		publish()
		return 0, nil
	})
}

// RegisterResultHandler installs return_result (id 15). In this register-
// convention ABI the guest has already placed the status in Rax, the
// content pointer/length in Rdi/Rsi and the content-type pointer/length in
// Rdx/Rcx by the time it traps; the host
// side extraction (internal/invocation.extractBackendResult) reads those
// same registers once VM.Run returns, so this handler's only job is to
// acknowledge the call and let the guest stop cleanly.
func RegisterResultHandler(t *Table) {
	t.Register(guestproto.SyscallReturnResult, func(ctx context.Context, vm hypervisor.VM, regs hypervisor.Registers) (int64, error) {
		return int64(regs.Rax), nil
	})
}

// BackendSelector lets the embedding daemon pick a named upstream
// director for the surrounding request, implementing the set_backend
// syscall (id 3) and the VCL-like surface's director selection.
type BackendSelector interface {
	SetBackend(ctx context.Context, idx int) error
}

// RegisterBackendHandler installs set_backend (id 3) against sel. A nil
// sel fails every call with -1, matching an embedding daemon that hasn't
// configured any directors.
func RegisterBackendHandler(t *Table, sel BackendSelector) {
	t.Register(guestproto.SyscallSetBackend, func(ctx context.Context, vm hypervisor.VM, regs hypervisor.Registers) (int64, error) {
		if sel == nil {
			return -1, errors.New("syscallabi: no backend selector configured")
		}
		if err := sel.SetBackend(ctx, int(regs.Rdi)); err != nil {
			return -1, err
		}
		return 0, nil
	})
}

// CommitFunc performs the guest-triggered vmcommit operation: produce a
// fresh Program Instance for the calling tenant and publish it. It lives behind a function value rather than a concrete
// type because internal/commit depends on both internal/program and
// internal/tenant, and syscallabi must not import either (program and
// tenant both install handlers from this package) — see spec.md §9's
// note on breaking the Tenant/Program Instance cycle.
type CommitFunc func(ctx context.Context) error

// RegisterCommitHandler installs vmcommit (id 7). Errors are returned as
// -1 to the guest and are never escalated to process failure, matching
// spec.md §4.8 and §7; the caller is expected to have already logged the
// failure inside fn.
func RegisterCommitHandler(t *Table, fn CommitFunc) {
	t.Register(guestproto.SyscallVMCommit, func(ctx context.Context, vm hypervisor.VM, regs hypervisor.Registers) (int64, error) {
		if fn == nil {
			return -1, errors.New("syscallabi: no commit handler configured")
		}
		if err := fn(ctx); err != nil {
			return -1, err
		}
		return 0, nil
	})
}

// RegisterStorageVectorHandler installs storage_callv (id 5): the guest
// passes a count and an address of n packed {ptr uint64, len uint64}
// pairs (matching original's iovec-style layout), each range-checked and
// read before being handed to storagecall.VM.CallV.
func RegisterStorageVectorHandler(t *Table, sv *storagecall.VM, scratch func(hypervisor.VM) []byte) {
	t.Register(guestproto.SyscallStorageCallV, func(ctx context.Context, vm hypervisor.VM, regs hypervisor.Registers) (int64, error) {
		n := int(regs.Rsi)
		if n < 0 || n > guestproto.MaxStorageIOV {
			return -1, storagecall.ErrTooManyBuffers
		}
		iovAddr := regs.Rdx
		const iovecSize = 16
		if n > 0 && !BoundsCheck(vm, iovAddr, n*iovecSize) {
			return -1, errBounds
		}
		raw, err := vm.ReadMemory(iovAddr, n*iovecSize)
		if err != nil {
			return -1, err
		}

		iov := make([][]byte, 0, n)
		for i := 0; i < n; i++ {
			off := i * iovecSize
			ptr := binary.LittleEndian.Uint64(raw[off : off+8])
			length := binary.LittleEndian.Uint64(raw[off+8 : off+16])
			if !BoundsCheck(vm, ptr, int(length)) {
				return -1, errBounds
			}
			b, err := vm.ReadMemory(ptr, int(length))
			if err != nil {
				return -1, err
			}
			iov = append(iov, b)
		}

		dst := scratch(vm)
		used, err := sv.CallV(ctx, uintptr(regs.Rdi), iov, dst)
		if err != nil {
			return -1, err
		}
		return int64(used), nil
	})
}

// RegisterSMPVectorHandlers installs multiprocess_array (id 9) and
// multiprocess_clone (id 10), the vectored and register-cloning forms of
// multiprocess (id 8): each is bounds-checked for ncpus exactly as
// multiprocess itself, then dispatched through the same
// hypervisor.VM.TimedSMPCall bracket.
func RegisterSMPVectorHandlers(t *Table) {
	t.Register(guestproto.SyscallMultiprocessArray, func(ctx context.Context, vm hypervisor.VM, regs hypervisor.Registers) (int64, error) {
		ncpus := int(regs.Rdi)
		if !ValidateSMP(ncpus) {
			return -1, ErrSMPBounds
		}
		if vm.SMPActive() {
			return -1, ErrSMPReentrant
		}
		nitems := int(regs.Rdx)
		if !BoundsCheck(vm, regs.Rsi, nitems*8) {
			return -1, errBounds
		}
		if err := vm.TimedSMPCall(ctx, ncpus, func(vcpu int) error { return nil }); err != nil {
			return -1, err
		}
		return 0, nil
	})

	t.Register(guestproto.SyscallMultiprocessClone, func(ctx context.Context, vm hypervisor.VM, regs hypervisor.Registers) (int64, error) {
		ncpus := int(regs.Rdi)
		if !ValidateSMP(ncpus) {
			return -1, ErrSMPBounds
		}
		if vm.SMPActive() {
			return -1, ErrSMPReentrant
		}
		if err := vm.TimedSMPCall(ctx, ncpus, func(vcpu int) error { return nil }); err != nil {
			return -1, err
		}
		return 0, nil
	})
}
