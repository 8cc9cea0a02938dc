package vmpool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nova-kvm/kvmruntime/internal/hypervisor"
)

func newTestPool(t *testing.T, maxConcurrency int) *Pool {
	t.Helper()
	template := hypervisor.NewFake(4096)
	return New("acme", template, maxConcurrency, nil)
}

func TestReserveCreatesUpToMaxConcurrency(t *testing.T) {
	p := newTestPool(t, 2)
	ctx := context.Background()

	vm1, err := p.Reserve(ctx, 0)
	if err != nil {
		t.Fatalf("Reserve 1: %v", err)
	}
	vm2, err := p.Reserve(ctx, 0)
	if err != nil {
		t.Fatalf("Reserve 2: %v", err)
	}
	if vm1 == vm2 {
		t.Fatal("expected distinct VMs")
	}

	if _, err := p.Reserve(ctx, 20*time.Millisecond); err != ErrReserveTimeout {
		t.Fatalf("Reserve 3 err = %v, want ErrReserveTimeout", err)
	}
}

func TestReleaseReusesWarmestVM(t *testing.T) {
	p := newTestPool(t, 2)
	ctx := context.Background()

	vm1, _ := p.Reserve(ctx, 0)
	vm2, _ := p.Reserve(ctx, 0)
	p.Release(vm1)
	p.Release(vm2)

	got, err := p.Reserve(ctx, 0)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if got != vm2 {
		t.Fatal("expected the most recently released VM (LIFO) to be reused first")
	}
}

func TestReserveWakesOnRelease(t *testing.T) {
	p := newTestPool(t, 1)
	ctx := context.Background()

	vm, _ := p.Reserve(ctx, 0)

	var wg sync.WaitGroup
	wg.Add(1)
	var got *Ephemeral
	var gotErr error
	go func() {
		defer wg.Done()
		got, gotErr = p.Reserve(ctx, time.Second)
	}()

	time.Sleep(10 * time.Millisecond)
	p.Release(vm)
	wg.Wait()

	if gotErr != nil {
		t.Fatalf("Reserve: %v", gotErr)
	}
	if got != vm {
		t.Fatal("expected waiter to receive the released VM")
	}
}

func TestReserveRespectsContextCancellation(t *testing.T) {
	p := newTestPool(t, 1)
	ctx := context.Background()
	p.Reserve(ctx, 0) // exhaust capacity

	cctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := p.Reserve(cctx, time.Second)
	if err != context.Canceled {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestShutdownWakesAllWaiters(t *testing.T) {
	p := newTestPool(t, 1)
	ctx := context.Background()
	p.Reserve(ctx, 0)

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = p.Reserve(ctx, 5*time.Second)
		}(i)
	}
	time.Sleep(10 * time.Millisecond)
	p.Shutdown()
	wg.Wait()

	for i, err := range errs {
		if err != ErrShutdown {
			t.Fatalf("waiter %d err = %v, want ErrShutdown", i, err)
		}
	}
}

func TestEvictDoesNotReturnVMToPool(t *testing.T) {
	p := newTestPool(t, 1)
	ctx := context.Background()
	vm, _ := p.Reserve(ctx, 0)
	p.Evict(vm)

	got, err := p.Reserve(ctx, 0)
	if err != nil {
		t.Fatalf("Reserve after evict: %v", err)
	}
	if got == vm {
		t.Fatal("evicted VM must not be reused")
	}
}
