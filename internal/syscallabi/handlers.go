package syscallabi

import (
	"context"
	"errors"

	"github.com/nova-kvm/kvmruntime/internal/guestproto"
	"github.com/nova-kvm/kvmruntime/internal/hypervisor"
	"github.com/nova-kvm/kvmruntime/internal/regexcache"
	"github.com/nova-kvm/kvmruntime/internal/storagecall"
)

// ErrSMPBounds is returned when a multiprocess* syscall's ncpus argument
// is outside [MinSMPCPUs, MaxSMPCPUs].
var ErrSMPBounds = errors.New("syscallabi: ncpus out of range")

// ErrSMPReentrant mirrors the original's "Already active" guard against a
// second multiprocess* call while one is still running on this VM.
var ErrSMPReentrant = errors.New("syscallabi: multiprocess call already active")

// RegisterRegexHandlers installs regex_compile/regex_match/regex_free
// against cache, reading the pattern/subject bytes out of the calling
// VM's memory at the address and length the guest passed in A0/A1.
func RegisterRegexHandlers(t *Table, cache *regexcache.Cache) {
	t.Register(guestproto.SyscallRegexCompile, func(ctx context.Context, vm hypervisor.VM, regs hypervisor.Registers) (int64, error) {
		if !BoundsCheck(vm, regs.Rdi, int(regs.Rsi)) {
			return -1, errBounds
		}
		pattern, err := vm.ReadMemory(regs.Rdi, int(regs.Rsi))
		if err != nil {
			return -1, err
		}
		handle, err := cache.CompilePattern(pattern)
		if err != nil {
			return -1, err
		}
		return int64(handle), nil
	})

	t.Register(guestproto.SyscallRegexMatch, func(ctx context.Context, vm hypervisor.VM, regs hypervisor.Registers) (int64, error) {
		if !BoundsCheck(vm, regs.Rsi, int(regs.Rdx)) {
			return -1, errBounds
		}
		subject, err := vm.ReadMemory(regs.Rsi, int(regs.Rdx))
		if err != nil {
			return -1, err
		}
		ok, err := cache.MatchHandle(int(regs.Rdi), subject)
		if err != nil {
			return -1, err
		}
		if ok {
			return 1, nil
		}
		return 0, nil
	})

	t.Register(guestproto.SyscallRegexFree, func(ctx context.Context, vm hypervisor.VM, regs hypervisor.Registers) (int64, error) {
		if err := cache.FreeHandle(int(regs.Rdi)); err != nil {
			return -1, err
		}
		return 0, nil
	})
}

var errBounds = errors.New("syscallabi: pointer argument out of range")

// RegisterStorageHandlers installs storage_callb and storage_task against
// sv, the Program Instance's single storage VM; storage_callv is installed
// by RegisterStorageVectorHandler.
func RegisterStorageHandlers(t *Table, sv *storagecall.VM, scratch func(hypervisor.VM) []byte) {
	t.Register(guestproto.SyscallStorageCallB, func(ctx context.Context, vm hypervisor.VM, regs hypervisor.Registers) (int64, error) {
		if !BoundsCheck(vm, regs.Rsi, int(regs.Rdx)) {
			return -1, errBounds
		}
		src, err := vm.ReadMemory(regs.Rsi, int(regs.Rdx))
		if err != nil {
			return -1, err
		}
		dst := scratch(vm)
		n, err := sv.CallB(ctx, uintptr(regs.Rdi), src, dst)
		if err != nil {
			return -1, err
		}
		return int64(n), nil
	})

	t.Register(guestproto.SyscallStorageTask, func(ctx context.Context, vm hypervisor.VM, regs hypervisor.Registers) (int64, error) {
		if !sv.AsyncCall(uintptr(regs.Rdi), uintptr(regs.Rsi)) {
			return -1, errors.New("syscallabi: storage worker stopped")
		}
		return 0, nil
	})
}

// RegisterSMPHandlers installs multiprocess/multiprocess_wait, enforcing
// the ncpus bounds and reentrancy guard the spec requires.
func RegisterSMPHandlers(t *Table) {
	t.Register(guestproto.SyscallMultiprocess, func(ctx context.Context, vm hypervisor.VM, regs hypervisor.Registers) (int64, error) {
		ncpus := int(regs.Rdi)
		if !ValidateSMP(ncpus) {
			return -1, ErrSMPBounds
		}
		if vm.SMPActive() {
			return -1, ErrSMPReentrant
		}
		err := vm.TimedSMPCall(ctx, ncpus, func(vcpu int) error { return nil })
		if err != nil {
			return -1, err
		}
		return 0, nil
	})

	t.Register(guestproto.SyscallMultiprocessWait, func(ctx context.Context, vm hypervisor.VM, regs hypervisor.Registers) (int64, error) {
		return 0, nil
	})
}
