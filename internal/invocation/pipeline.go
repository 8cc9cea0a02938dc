// Package invocation implements the Invocation Pipeline: the per-request
// path that resolves a tenant, reserves an ephemeral VM, runs the guest's
// on-request entry point, and extracts a Backend Result.
package invocation

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/nova-kvm/kvmruntime/internal/guestproto"
	"github.com/nova-kvm/kvmruntime/internal/hypervisor"
	"github.com/nova-kvm/kvmruntime/internal/logging"
	"github.com/nova-kvm/kvmruntime/internal/metrics"
	"github.com/nova-kvm/kvmruntime/internal/observability"
	"github.com/nova-kvm/kvmruntime/internal/program"
	"github.com/nova-kvm/kvmruntime/internal/tenant"
	"github.com/nova-kvm/kvmruntime/internal/vmpool"
)

// ErrTenantNotFound maps to a 502-class error at the proxy boundary, per
// spec §4.5 step 1.
var ErrTenantNotFound = errors.New("invocation: tenant not found")

// ErrTenantDisabled is returned when the resolved tenant has been
// administratively disabled.
var ErrTenantDisabled = errors.New("invocation: tenant disabled")

// ErrGuestTimeout maps to a 504-class error at the proxy boundary,
// matching spec.md §7's GuestTimeout row: the VM is evicted, never
// returned as a 200.
var ErrGuestTimeout = errors.New("invocation: guest exceeded its wall-clock deadline")

// OnRequestEntrySlot is the well-known entry-point table index every
// Program Instance must register for its "on-request" handler.
const OnRequestEntrySlot = 0

// InvokeParams is the caller-supplied request shape: a URL, an argument
// string, and an optional request body to place in the guest's input
// registers.
type InvokeParams struct {
	URL    string
	Arg    string
	Method string
	Body   []byte
}

// Result is what the pipeline returns to the proxy once the guest's
// Backend Result has been extracted and flattened.
type Result struct {
	Status        int
	ContentType   string
	Content       []byte
	ContentLength int64
	ColdStart     bool
}

// Pipeline runs single-request invocations against a tenant registry.
type Pipeline struct {
	registry *tenant.Registry
	metrics  *metrics.Collectors
}

// New creates a Pipeline bound to registry.
func New(registry *tenant.Registry, m *metrics.Collectors) *Pipeline {
	if m == nil {
		m = metrics.Global()
	}
	return &Pipeline{registry: registry, metrics: m}
}

// Invoke implements spec.md §4.5's five-step contract for a single
// invocation (a chain of length one built from req).
func (p *Pipeline) Invoke(ctx context.Context, tenantName string, req InvokeParams) (*Result, error) {
	requestID := uuid.New().String()[:8]
	ctx, span := observability.StartSpan(ctx, "invocation.invoke",
		observability.TenantAttr(tenantName), observability.RequestIDAttr(requestID))
	defer span.End()

	start := time.Now()

	t, ok := p.registry.Find(tenantName)
	if !ok {
		observability.SetSpanError(span, ErrTenantNotFound)
		return nil, ErrTenantNotFound
	}
	if t.Disabled() {
		observability.SetSpanError(span, ErrTenantDisabled)
		return nil, ErrTenantDisabled
	}

	inst := t.Instance()
	if inst == nil {
		err := errors.New("invocation: tenant has no published program instance")
		observability.SetSpanError(span, err)
		return nil, err
	}

	if req.Method == "" {
		req.Method = "GET"
	}

	timeout := t.Quotas.RequestTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	wasIdlePoolEmpty := inst.Refcount() == 0
	vm, err := inst.Reserve(runCtx, 0)
	if err != nil {
		observability.SetSpanError(span, err)
		return nil, err
	}

	result, runErr := p.runOnce(runCtx, vm, req)
	if runErr != nil {
		// A VM whose run failed (it timed out or faulted mid-run) is in
		// an unknown state: per spec.md §4.4/§7 it is evicted rather than
		// returned to the idle pool. Only a deadline expiry is reported
		// as ErrGuestTimeout.
		if errors.Is(runErr, context.DeadlineExceeded) {
			runErr = ErrGuestTimeout
		}
		inst.Evict(vm)
		observability.SetSpanError(span, runErr)
		p.metrics.RecordInvocation(tenantName, time.Since(start).Seconds(), wasIdlePoolEmpty, false)
		logging.Default().Log(&logging.RequestLog{
			RequestID: requestID, Tenant: tenantName, Success: false,
			Error: runErr.Error(), DurationMs: time.Since(start).Milliseconds(),
		})
		return nil, runErr
	}
	inst.Release(vm)

	success := result.Status < 500
	observability.SetSpanOK(span)
	p.metrics.RecordInvocation(tenantName, time.Since(start).Seconds(), wasIdlePoolEmpty, success)
	logging.Default().Log(&logging.RequestLog{
		RequestID: requestID, Tenant: tenantName, Success: success,
		DurationMs: time.Since(start).Milliseconds(), ColdStart: wasIdlePoolEmpty,
		InputSize: len(req.Body), OutputSize: len(result.Content),
	})

	return result, nil
}

// runOnce drives a single reserved VM through one guest entry-point call
// and extracts its Backend Result.
func (p *Pipeline) runOnce(ctx context.Context, vm *vmpool.Ephemeral, req InvokeParams) (*Result, error) {
	regs := hypervisor.Registers{}
	if len(req.Body) > 0 {
		if err := vm.VM.WriteMemory(0, req.Body); err != nil {
			return nil, err
		}
		regs.Rsi = 0
		regs.Rdx = uint64(len(req.Body))
	}
	vm.VM.SetRegisters(regs)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- vm.VM.Run(runCtx) }()

	select {
	case <-ctx.Done():
		vm.VM.Stop()
		<-runErr
		return nil, ctx.Err()
	case err := <-runErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			return nil, err
		}
	}

	br := extractBackendResult(vm.VM)
	content, err := flattenResult(vm.VM, br)
	if err != nil {
		return nil, err
	}

	return &Result{
		Status:        br.Status,
		ContentType:   br.ContentType,
		Content:       content,
		ContentLength: br.ContentLength,
	}, nil
}

// ToString implements the VCL-like surface's to_string helper (spec.md
// §6, supplemented from original_source/src/to_string.c): a synchronous,
// single-invocation chain evaluation whose content is returned as a
// string rather than streamed as an HTTP response body. onError is
// returned in place of the guest's content whenever the invocation fails
// or returns a status >= 500 within threshold; threshold bounds how long
// the call may block before onError is returned instead.
func (p *Pipeline) ToString(ctx context.Context, tenantName, url, arg, onError string, threshold time.Duration) (string, error) {
	if threshold > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, threshold)
		defer cancel()
	}

	result, err := p.Invoke(ctx, tenantName, InvokeParams{URL: url, Arg: arg, Method: "GET"})
	if err != nil || result.Status >= 500 {
		return onError, nil
	}
	return string(result.Content), nil
}

// Synth implements the VCL-like surface's synth helper (spec.md §6): it
// invokes tenantName and returns the status the caller should synthesize
// a response with, substituting the caller-supplied fallback status on
// any invocation failure rather than propagating the error.
func (p *Pipeline) Synth(ctx context.Context, tenantName, url, arg string, fallbackStatus int) (int, error) {
	result, err := p.Invoke(ctx, tenantName, InvokeParams{URL: url, Arg: arg, Method: "GET"})
	if err != nil {
		return fallbackStatus, nil
	}
	return result.Status, nil
}

// extractBackendResult reads the guest-populated Backend Result out of the
// VM's register file, matching the return_result syscall's register
// convention (id 15: ctype ptr/len in Rdx/Rcx, content ptr/len in
// Rdi/Rsi, status in Rax).
func extractBackendResult(vm hypervisor.VM) *guestproto.BackendResult {
	regs := vm.Registers()
	br := &guestproto.BackendResult{Status: int(regs.Rax)}

	if regs.Rcx > 0 {
		if ct, err := vm.ReadMemory(regs.Rdx, int(regs.Rcx)); err == nil {
			br.ContentType = string(ct)
		}
	}
	if regs.Rsi > 0 {
		br.Buffers[0] = guestproto.BufferDescriptor{Ptr: regs.Rdi, Len: uint32(regs.Rsi)}
		br.BufferCount = 1
		br.ContentLength = int64(regs.Rsi)
	}
	return br
}

// flattenResult assembles the Backend Result's buffer descriptors into a
// single content blob: when there is exactly one buffer the guest's bytes
// are borrowed directly (a single ReadMemory), otherwise each descriptor
// is copied into a single workspace buffer in order, per spec.md §4.5
// step 5.
func flattenResult(vm hypervisor.VM, br *guestproto.BackendResult) ([]byte, error) {
	if br.BufferCount == 0 {
		return nil, nil
	}
	if br.BufferCount == 1 {
		d := br.Buffers[0]
		return vm.ReadMemory(d.Ptr, int(d.Len))
	}
	var out []byte
	for i := 0; i < br.BufferCount; i++ {
		d := br.Buffers[i]
		b, err := vm.ReadMemory(d.Ptr, int(d.Len))
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	return out, nil
}
