// Package tenant implements the Tenant Registry: the process-global table
// of configured tenants, each holding its quotas and an atomically
// swappable pointer to its current Program Instance.
package tenant

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/nova-kvm/kvmruntime/internal/program"
	"github.com/nova-kvm/kvmruntime/internal/syscallabi"
)

// Sentinel errors returned by Registry operations. None of these are ever
// escalated to process failure; every caller site translates them into a
// per-request or per-admin-call failure.
var (
	ErrNotFound      = errors.New("tenant: not found")
	ErrWrongPhase    = errors.New("tenant: operation not permitted in this phase")
	ErrBadConfig     = errors.New("tenant: invalid configuration")
	ErrCompileFailed = errors.New("tenant: program instance build failed")
	ErrDisabled      = errors.New("tenant: disabled")
)

// Quotas bounds a tenant's resource consumption, read by the VM pool and
// the chain executor.
type Quotas struct {
	MaxConcurrentVMs int           `json:"max_concurrent_vms" yaml:"max_concurrent_vms"`
	MaxMemoryBytes   int64         `json:"max_memory_bytes" yaml:"max_memory_bytes"`
	RequestTimeout   time.Duration `json:"request_timeout" yaml:"request_timeout"`
	MaxChainLength   int           `json:"max_chain_length" yaml:"max_chain_length"`
}

// DefaultQuotas matches the spec's default wall-clock budget for SMP calls
// and a conservative concurrency ceiling for tenants that don't specify
// one explicitly.
func DefaultQuotas() Quotas {
	return Quotas{
		MaxConcurrentVMs: 8,
		MaxMemoryBytes:   256 << 20,
		RequestTimeout:   2 * time.Second,
		MaxChainLength:   16,
	}
}

// Tenant is one configured program: its binary, merged configuration,
// quotas, and the Program Instance currently serving it. Instance is the
// only owning edge from Tenant down into its Program Instance; the
// reverse edge (Instance back to the Tenant that owns it) is never a Go
// pointer, it's the tenant's Name resolved back through the Registry, per
// the tree-shaped ownership the runtime maintains.
type Tenant struct {
	Name     string
	Binary   []byte
	MainArgs []string
	Config   []byte
	Quotas   Quotas
	SelfURI  string

	// Backend lets the guest's set_backend syscall pick a named upstream
	// director for the surrounding request; nil disables set_backend for
	// this tenant.
	Backend syscallabi.BackendSelector

	// CommitFunc backs the guest's vmcommit syscall; set by the Registry
	// from its commit hook before each (re)build, never by config.
	CommitFunc syscallabi.CommitFunc

	instance atomic.Pointer[program.Instance]
	version  atomic.Int64
	disabled atomic.Bool
}

// SetInstance atomically publishes a new Program Instance, incrementing
// the tenant's version counter. The caller is responsible for refcounting:
// SetInstance never releases the previous instance itself, since in-flight
// invocations may still hold a reference to it.
func (t *Tenant) SetInstance(inst *program.Instance) {
	t.instance.Store(inst)
	t.version.Add(1)
}

// Instance returns the currently published Program Instance, or nil if
// none has been built yet.
func (t *Tenant) Instance() *program.Instance {
	return t.instance.Load()
}

// ClearInstance unpublishes the tenant's Program Instance (if any) and
// returns the one it replaced, so the caller can drain and close it once
// in-flight invocations release their reference. Used by
// InvalidatePrograms, which unloads rather than rebuilds (spec.md §4.2):
// the tenant serves no invocations until a later start/AsyncStart builds
// a fresh instance.
func (t *Tenant) ClearInstance() *program.Instance {
	old := t.instance.Swap(nil)
	t.version.Add(1)
	return old
}

// Version returns the tenant's live-commit generation counter.
func (t *Tenant) Version() int64 { return t.version.Load() }

// Disable marks the tenant unavailable for new invocations without
// tearing down its current instance; in-flight requests finish normally.
func (t *Tenant) Disable() { t.disabled.Store(true) }

// Enable clears a previous Disable.
func (t *Tenant) Enable() { t.disabled.Store(false) }

// Disabled reports whether new invocations should be rejected.
func (t *Tenant) Disabled() bool { return t.disabled.Load() }

// BuildSpec is the subset of a Tenant's fields Program needs to build an
// Instance, passed by value so internal/program never imports
// internal/tenant (which itself holds a *program.Instance).
func (t *Tenant) BuildSpec() program.BuildSpec {
	return program.BuildSpec{
		TenantName:       t.Name,
		Binary:           t.Binary,
		MainArgs:         t.MainArgs,
		Config:           t.Config,
		MaxConcurrentVMs: t.Quotas.MaxConcurrentVMs,
		BackendSelector:  t.Backend,
		Commit:           t.CommitFunc,
	}
}
