// Package vmpool implements the ephemeral VM pool: a bounded set of
// guest VMs cloned from one Program Instance's template, reserved by
// invocations and returned for reuse, with a LIFO free list so the
// hottest (most recently used, still warm in the host's TLB/cache) VM is
// handed out first.
package vmpool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nova-kvm/kvmruntime/internal/hypervisor"
	"github.com/nova-kvm/kvmruntime/internal/metrics"
)

// Errors returned by Reserve.
var (
	ErrShutdown       = errors.New("vmpool: pool is shut down")
	ErrReserveTimeout = errors.New("vmpool: reservation timed out")
)

// VMState is the lifecycle stage of an Ephemeral VM.
type VMState int

const (
	StateIdle VMState = iota
	StateReserved
	StateRunning
	StateDraining
)

// Ephemeral is one clone of a Program Instance's template: a hypervisor VM
// handle plus the bookkeeping the pool needs to reset it between uses.
type Ephemeral struct {
	VM    hypervisor.VM
	state VMState

	// mmapCursor tracks the next fresh-allocation address above the
	// template's snapshot boundary; reset to snapshotBase on Release.
	mmapCursor   uint64
	snapshotBase uint64
}

// State reports the Ephemeral's current lifecycle stage.
func (e *Ephemeral) State() VMState { return e.state }

// Pool is a LIFO stack of idle Ephemeral VMs cloned from a single
// template, bounded by MaxConcurrency.
type Pool struct {
	mu   sync.Mutex
	cond *sync.Cond

	tenant string
	template hypervisor.VM

	idle  []*Ephemeral
	total int // idle + reserved + draining, never exceeds MaxConcurrency

	maxConcurrency int
	shutdown       bool

	metrics *metrics.Collectors
}

// New creates a Pool that clones template on demand, up to maxConcurrency
// live VMs at a time.
func New(tenant string, template hypervisor.VM, maxConcurrency int, m *metrics.Collectors) *Pool {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	if m == nil {
		m = metrics.Global()
	}
	p := &Pool{
		tenant:         tenant,
		template:       template,
		maxConcurrency: maxConcurrency,
		metrics:        m,
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Reserve blocks until an Ephemeral VM is available, the pool shuts down,
// or timeout elapses. A timeout of 0 means wait forever (bounded only by
// ctx).
func (p *Pool) Reserve(ctx context.Context, timeout time.Duration) (*Ephemeral, error) {
	start := time.Now()
	defer func() {
		p.metrics.SetQueueWaitMs(p.tenant, time.Since(start).Milliseconds())
	}()

	// Fast path: take a warm VM or create a new one without ever
	// touching the condvar, mirroring the teacher's acquireGeneric
	// fast-path check before falling back to waitForVMLocked.
	p.mu.Lock()
	if vm, ok := p.takeWarmVMLocked(); ok {
		p.mu.Unlock()
		return vm, nil
	}
	if p.canCreateLocked() {
		vm, err := p.createVMLocked()
		p.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return vm, nil
	}
	if p.shutdown {
		p.mu.Unlock()
		return nil, ErrShutdown
	}

	return p.waitForVMLocked(ctx, timeout)
}

// takeWarmVMLocked pops the most recently released Ephemeral off the idle
// stack ("hottest TLB wins"). Caller holds p.mu.
func (p *Pool) takeWarmVMLocked() (*Ephemeral, bool) {
	n := len(p.idle)
	if n == 0 {
		return nil, false
	}
	vm := p.idle[n-1]
	p.idle = p.idle[:n-1]
	vm.state = StateReserved
	p.metrics.SetActiveVMs(p.tenant, p.total)
	p.metrics.SetReservedVMs(p.tenant, p.reservedCountLocked())
	return vm, true
}

func (p *Pool) canCreateLocked() bool {
	return !p.shutdown && p.total < p.maxConcurrency
}

func (p *Pool) createVMLocked() (*Ephemeral, error) {
	start := time.Now()
	clone, err := p.template.Snapshot()
	if err != nil {
		return nil, err
	}
	e := &Ephemeral{VM: clone, state: StateReserved}
	p.total++
	p.metrics.RecordVMBoot(p.tenant, time.Since(start).Seconds())
	p.metrics.SetActiveVMs(p.tenant, p.total)
	p.metrics.SetReservedVMs(p.tenant, p.reservedCountLocked())
	return e, nil
}

// waitForVMLocked blocks on the pool's condvar until a VM frees up, the
// pool shuts down, ctx is canceled, or timeout elapses. Caller holds p.mu
// on entry (from Reserve) and it is released here; a helper goroutine
// bridges ctx.Done()/timeout into a Broadcast so the waiting goroutine
// never blocks past cancellation, matching waitForVMLocked's
// context-bridging pattern in the teacher.
func (p *Pool) waitForVMLocked(ctx context.Context, timeout time.Duration) (*Ephemeral, error) {
	done := make(chan struct{})
	defer close(done)

	var timer *time.Timer
	timedOut := make(chan struct{}, 1)
	if timeout > 0 {
		timer = time.AfterFunc(timeout, func() {
			select {
			case timedOut <- struct{}{}:
			default:
			}
			p.mu.Lock()
			p.cond.Broadcast()
			p.mu.Unlock()
		})
		defer timer.Stop()
	}

	go func() {
		select {
		case <-ctx.Done():
			p.mu.Lock()
			p.cond.Broadcast()
			p.mu.Unlock()
		case <-done:
		}
	}()

	for {
		if vm, ok := p.takeWarmVMLocked(); ok {
			p.mu.Unlock()
			return vm, nil
		}
		if p.canCreateLocked() {
			vm, err := p.createVMLocked()
			p.mu.Unlock()
			return vm, err
		}
		if p.shutdown {
			p.mu.Unlock()
			return nil, ErrShutdown
		}
		select {
		case <-ctx.Done():
			p.mu.Unlock()
			return nil, ctx.Err()
		case <-timedOut:
			p.mu.Unlock()
			return nil, ErrReserveTimeout
		default:
		}
		p.cond.Wait()
	}
}

// Release resets vm (zeroing its registers and rewinding its mmap cursor
// to the template's snapshot boundary) and returns it to the idle stack
// for reuse. Guest memory written during the reservation is not restored
// from the template.
func (p *Pool) Release(vm *Ephemeral) {
	p.mu.Lock()
	defer p.mu.Unlock()

	vm.VM.SetRegisters(hypervisor.Registers{})
	vm.mmapCursor = vm.snapshotBase
	vm.state = StateIdle

	if p.shutdown {
		p.total--
		vm.VM.Stop()
		p.metrics.RecordVMStopped()
		p.cond.Broadcast()
		return
	}

	p.idle = append(p.idle, vm)
	p.metrics.SetReservedVMs(p.tenant, p.reservedCountLocked())
	p.cond.Broadcast()
}

// Evict marks vm draining and removes it from the pool permanently,
// called instead of Release when an invocation left the VM in an unknown
// state (e.g. a timeout mid-syscall).
func (p *Pool) Evict(vm *Ephemeral) {
	p.mu.Lock()
	vm.state = StateDraining
	p.mu.Unlock()

	vm.VM.Stop()

	p.mu.Lock()
	p.total--
	p.metrics.RecordVMEvicted()
	p.metrics.SetActiveVMs(p.tenant, p.total)
	p.cond.Broadcast()
	p.mu.Unlock()
}

func (p *Pool) reservedCountLocked() int {
	return p.total - len(p.idle)
}

// Shutdown stops accepting new reservations and wakes every waiter with
// ErrShutdown.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.shutdown = true
	for _, vm := range p.idle {
		vm.VM.Stop()
	}
	p.idle = nil
	p.cond.Broadcast()
	p.mu.Unlock()
}
