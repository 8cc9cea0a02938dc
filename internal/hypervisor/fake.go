package hypervisor

import (
	"context"
	"errors"
	"sync"
)

// ErrSMPReentrant is returned by TimedSMPCall when a multiprocess call is
// already in flight on this VM.
var ErrSMPReentrant = errors.New("hypervisor: multiprocess call already active")

// Fake is an in-memory VM used by tests and by any caller that wants to
// exercise the runtime without a real hypervisor. Its "memory" is a plain
// byte slice; Run calls RunFunc when one is set and otherwise blocks until
// its ctx is done, and Stop only records that the VM was stopped (it does
// not end a blocked Run). There is no guest code actually executing.
type Fake struct {
	mu        sync.Mutex
	mem       []byte
	regs      Registers
	running   bool
	smpActive bool
	stopped   bool

	// RunFunc, when set, is invoked by Run to simulate guest behavior
	// (e.g. trapping a syscall) instead of blocking until ctx is done.
	RunFunc func(ctx context.Context, vm *Fake) error
}

// NewFake creates a Fake VM with memSize bytes of zeroed guest memory.
func NewFake(memSize int) *Fake {
	return &Fake{mem: make([]byte, memSize)}
}

func (f *Fake) Run(ctx context.Context) error {
	f.mu.Lock()
	f.running = true
	runFn := f.RunFunc
	f.mu.Unlock()

	if runFn != nil {
		err := runFn(ctx, f)
		f.mu.Lock()
		f.running = false
		f.mu.Unlock()
		return err
	}

	<-ctx.Done()
	f.mu.Lock()
	f.running = false
	f.mu.Unlock()
	return ctx.Err()
}

func (f *Fake) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
	f.stopped = true
	return nil
}

// Snapshot returns a clone with an independent copy of memory and
// registers and the same RunFunc (the simulated guest code), matching the
// semantics of forking a child off a template.
func (f *Fake) Snapshot() (VM, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := &Fake{
		mem:     append([]byte(nil), f.mem...),
		regs:    f.regs,
		RunFunc: f.RunFunc,
	}
	return clone, nil
}

func (f *Fake) WriteMemory(addr uint64, b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	end := addr + uint64(len(b))
	if end > uint64(len(f.mem)) {
		return errors.New("hypervisor: write out of range")
	}
	copy(f.mem[addr:end], b)
	return nil
}

func (f *Fake) ReadMemory(addr uint64, n int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	end := addr + uint64(n)
	if end > uint64(len(f.mem)) {
		return nil, errors.New("hypervisor: read out of range")
	}
	out := make([]byte, n)
	copy(out, f.mem[addr:end])
	return out, nil
}

func (f *Fake) ForeachMemory(addr uint64, n int, fn func([]byte)) error {
	b, err := f.ReadMemory(addr, n)
	if err != nil {
		return err
	}
	const chunk = 4096
	for off := 0; off < len(b); off += chunk {
		end := off + chunk
		if end > len(b) {
			end = len(b)
		}
		fn(b[off:end])
	}
	return nil
}

func (f *Fake) SequentialView(addr uint64, n int) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	end := addr + uint64(n)
	if end > uint64(len(f.mem)) {
		return nil
	}
	return f.mem[addr:end]
}

func (f *Fake) Registers() Registers {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.regs
}

func (f *Fake) SetRegisters(r Registers) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regs = r
}

func (f *Fake) SMPActive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.smpActive
}

func (f *Fake) TimedSMPCall(ctx context.Context, ncpus int, fn func(vcpu int) error) error {
	f.mu.Lock()
	if f.smpActive {
		f.mu.Unlock()
		return ErrSMPReentrant
	}
	f.smpActive = true
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.smpActive = false
		f.mu.Unlock()
	}()

	type result struct {
		vcpu int
		err  error
	}
	results := make(chan result, ncpus)
	for i := 0; i < ncpus; i++ {
		go func(vcpu int) {
			results <- result{vcpu: vcpu, err: fn(vcpu)}
		}(i)
	}

	var firstErr error
	for i := 0; i < ncpus; i++ {
		select {
		case r := <-results:
			if r.err != nil && firstErr == nil {
				firstErr = r.err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return firstErr
}
