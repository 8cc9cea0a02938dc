package invocation

import (
	"context"
	"testing"
	"time"

	"github.com/nova-kvm/kvmruntime/internal/hypervisor"
	"github.com/nova-kvm/kvmruntime/internal/program"
	"github.com/nova-kvm/kvmruntime/internal/tenant"
)

func newTestRegistry(t *testing.T, runFunc func(ctx context.Context, vm *hypervisor.Fake) error) *tenant.Registry {
	t.Helper()
	orig := program.NewVMFunc
	program.NewVMFunc = func(ctx context.Context, spec program.BuildSpec) (hypervisor.VM, error) {
		vm := hypervisor.NewFake(1 << 20)
		vm.RunFunc = runFunc
		return vm, nil
	}
	t.Cleanup(func() { program.NewVMFunc = orig })

	reg := tenant.NewRegistry()
	cfg := tenant.Config{Tenants: []tenant.TenantConfig{{Name: "acme"}}}
	if err := reg.InitTenants(context.Background(), cfg, true); err != nil {
		t.Fatalf("InitTenants: %v", err)
	}
	return reg
}

func TestInvokeReturnsNotFoundForUnknownTenant(t *testing.T) {
	reg := newTestRegistry(t, nil)
	p := New(reg, nil)

	_, err := p.Invoke(context.Background(), "missing", InvokeParams{})
	if err != ErrTenantNotFound {
		t.Fatalf("err = %v, want ErrTenantNotFound", err)
	}
}

func TestInvokeReturnsErrorForDisabledTenant(t *testing.T) {
	reg := newTestRegistry(t, nil)
	ten, _ := reg.Find("acme")
	ten.Disable()

	p := New(reg, nil)
	_, err := p.Invoke(context.Background(), "acme", InvokeParams{})
	if err != ErrTenantDisabled {
		t.Fatalf("err = %v, want ErrTenantDisabled", err)
	}
}

func TestInvokeSuccessWithSingleBuffer(t *testing.T) {
	reg := newTestRegistry(t, func(ctx context.Context, vm *hypervisor.Fake) error {
		vm.WriteMemory(1000, []byte("hello world"))
		vm.SetRegisters(hypervisor.Registers{Rax: 200, Rdi: 1000, Rsi: 11})
		return nil
	})
	p := New(reg, nil)

	result, err := p.Invoke(context.Background(), "acme", InvokeParams{URL: "/", Arg: ""})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if result.Status != 200 {
		t.Fatalf("status = %d, want 200", result.Status)
	}
	if string(result.Content) != "hello world" {
		t.Fatalf("content = %q, want %q", result.Content, "hello world")
	}
}

func TestInvokeAbortsOn500(t *testing.T) {
	reg := newTestRegistry(t, func(ctx context.Context, vm *hypervisor.Fake) error {
		vm.SetRegisters(hypervisor.Registers{Rax: 500})
		return nil
	})
	p := New(reg, nil)

	result, err := p.Invoke(context.Background(), "acme", InvokeParams{})
	if err != nil {
		t.Fatalf("Invoke should not error on a 500 guest status: %v", err)
	}
	if result.Status != 500 {
		t.Fatalf("status = %d, want 500", result.Status)
	}
}

func TestInvokeTimesOutOnSlowGuest(t *testing.T) {
	reg := newTestRegistry(t, func(ctx context.Context, vm *hypervisor.Fake) error {
		<-ctx.Done()
		return ctx.Err()
	})
	ten, _ := reg.Find("acme")
	ten.Quotas.RequestTimeout = 20 * time.Millisecond

	p := New(reg, nil)
	_, err := p.Invoke(context.Background(), "acme", InvokeParams{})
	if err == nil {
		t.Fatal("expected a timeout error")
	}
}

func TestInvokeEvictsVMOnTimeout(t *testing.T) {
	reg := newTestRegistry(t, func(ctx context.Context, vm *hypervisor.Fake) error {
		<-ctx.Done()
		return ctx.Err()
	})
	ten, _ := reg.Find("acme")
	ten.Quotas.RequestTimeout = 20 * time.Millisecond
	ten.Quotas.MaxConcurrentVMs = 1
	// The pool is sized when an instance is built, so rebuild it with
	// the single slot.
	if err := reg.AsyncStart(context.Background(), "acme", false); err != nil {
		t.Fatalf("AsyncStart: %v", err)
	}

	p := New(reg, nil)
	_, err := p.Invoke(context.Background(), "acme", InvokeParams{})
	if err != ErrGuestTimeout {
		t.Fatalf("err = %v, want ErrGuestTimeout", err)
	}
	if ten.Instance().Refcount() != 0 {
		t.Fatalf("refcount after eviction = %d, want 0", ten.Instance().Refcount())
	}

	// The pool's single concurrency slot must have been freed by the
	// eviction, not left occupied by a VM parked back on the idle list.
	if _, err := p.Invoke(context.Background(), "acme", InvokeParams{}); err != ErrGuestTimeout {
		t.Fatalf("second Invoke err = %v, want ErrGuestTimeout (pool should not be exhausted)", err)
	}
}

func TestInvokeReleasesVMAfterSuccess(t *testing.T) {
	reg := newTestRegistry(t, func(ctx context.Context, vm *hypervisor.Fake) error {
		vm.SetRegisters(hypervisor.Registers{Rax: 200})
		return nil
	})
	p := New(reg, nil)
	ten, _ := reg.Find("acme")

	if _, err := p.Invoke(context.Background(), "acme", InvokeParams{}); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if ten.Instance().Refcount() != 0 {
		t.Fatalf("refcount after successful invoke = %d, want 0", ten.Instance().Refcount())
	}
}
