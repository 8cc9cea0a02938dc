// Package hypervisor defines the boundary between the runtime and the
// actual hardware-virtualized guest. The runtime never speaks to KVM
// directly; it speaks to this interface, which a real backend (vsock to a
// hypervisor control process) or a test fake implements.
package hypervisor

import "context"

// Registers is the minimal CPU register set the runtime reads and writes
// across a syscall trap: the guest's id/argument registers and its return
// value register. A concrete backend maps these onto whatever the real
// register file looks like.
type Registers struct {
	Rax uint64
	Rdi uint64
	Rsi uint64
	Rdx uint64
	Rcx uint64
	R8  uint64
	R9  uint64
}

// VM is a single guest virtual machine: either a live template being
// specialized during a Program Instance build, or an ephemeral clone
// serving one invocation.
type VM interface {
	// Run executes the guest until it traps, exits, or ctx is canceled.
	Run(ctx context.Context) error
	// Stop forcibly halts a running guest, used on invocation timeout.
	Stop() error
	// Snapshot forks a fresh clone from this VM's current memory image.
	// Called on a template VM to produce the VM instances the pool
	// reserves; the template itself is never run to completion.
	Snapshot() (VM, error)

	WriteMemory(addr uint64, b []byte) error
	ReadMemory(addr uint64, n int) ([]byte, error)
	// ForeachMemory streams the n bytes at addr to fn in page-sized
	// chunks without materializing the whole range, mirroring the
	// original's foreach_memory used for zero-copy hashing of guest
	// buffers that may straddle a page boundary.
	ForeachMemory(addr uint64, n int, fn func([]byte)) error
	// SequentialView returns a zero-copy view of the n bytes at addr
	// when they happen to be contiguous in host memory, or nil when
	// they are not (caller falls back to ForeachMemory).
	SequentialView(addr uint64, n int) []byte

	Registers() Registers
	SetRegisters(Registers)

	// SMPActive reports whether a multiprocess call is already running
	// on this VM, used to reject reentrant multiprocess* syscalls.
	SMPActive() bool
	// TimedSMPCall runs fn on ncpus vCPUs and returns once all have
	// finished or ctx expires.
	TimedSMPCall(ctx context.Context, ncpus int, fn func(vcpu int) error) error
}
