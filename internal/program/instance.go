// Package program implements the Program Instance: a built, forked-ready
// template VM for one tenant, together with its entry-point table, regex
// handle cache, storage VM, and ephemeral VM pool.
package program

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/nova-kvm/kvmruntime/internal/hypervisor"
	"github.com/nova-kvm/kvmruntime/internal/logging"
	"github.com/nova-kvm/kvmruntime/internal/regexcache"
	"github.com/nova-kvm/kvmruntime/internal/storagecall"
	"github.com/nova-kvm/kvmruntime/internal/syscallabi"
	"github.com/nova-kvm/kvmruntime/internal/vmpool"
)

// MaxEntryPoints bounds the guest entry-point table, matching a small
// fixed-size registration table rather than an unbounded map.
const MaxEntryPoints = 256

// Errors returned by Instance operations.
var (
	ErrAlreadyPublished = errors.New("program: entry table is published, no further registration allowed")
	ErrNoTemplate        = errors.New("program: no template VM available")
)

// BuildSpec carries the subset of a Tenant's fields Build needs, passed by
// value so this package never imports internal/tenant (see tenant.Tenant's
// BuildSpec method for why that import would cycle).
type BuildSpec struct {
	TenantName       string
	Binary           []byte
	MainArgs         []string
	Config           []byte
	MaxConcurrentVMs int

	// BackendSelector, when set, lets the guest's set_backend syscall
	// pick a named upstream director for the surrounding request.
	BackendSelector syscallabi.BackendSelector

	// Commit, when set, backs the guest's vmcommit syscall: producing a
	// fresh instance for the tenant and publishing it. Left nil
	// disables vmcommit for this tenant.
	Commit syscallabi.CommitFunc
}

// NewVMFunc constructs a fresh template hypervisor.VM from a BuildSpec.
// Exposed as a variable so tests can substitute hypervisor.NewFake without
// this package depending on a concrete hypervisor backend.
var NewVMFunc = func(ctx context.Context, spec BuildSpec) (hypervisor.VM, error) {
	return hypervisor.NewFake(16 << 20), nil
}

// NewStorageVMFunc constructs the persistent storage guest for a Program
// Instance. Defaults to a fresh fake VM; production wiring overrides this
// to boot the tenant's actual storage binary.
var NewStorageVMFunc = func(ctx context.Context, spec BuildSpec) (hypervisor.VM, error) {
	return hypervisor.NewFake(4 << 20), nil
}

// Instance is one tenant's built program: a template VM ready to clone,
// its registered entry points, its Handle Cache of compiled regexes, its
// storage VM, and the pool that serves ephemeral clones of the template.
type Instance struct {
	tenantName string

	template hypervisor.VM
	entries  [MaxEntryPoints]uintptr
	published atomic.Bool

	regex   *regexcache.Cache
	storage *storagecall.VM
	pool    *vmpool.Pool
	table   *syscallabi.Table

	refcount atomic.Int32
}

// Build creates the template VM with NewVMFunc (which receives spec,
// binary included) and the storage VM with NewStorageVMFunc, installs the
// syscall dispatch table, and sets up the pool that clones the template.
// Build does not run the template guest: the pool snapshots the template
// as it stands each time it creates an ephemeral VM. Mirrors oriys-nova's RuntimeTemplatePool "zygote" concept, specialized
// here to one tenant per Instance rather than one per runtime.
func Build(ctx context.Context, spec BuildSpec) (*Instance, error) {
	template, err := NewVMFunc(ctx, spec)
	if err != nil {
		logging.Op().Error("program build failed creating template", "tenant", spec.TenantName, "error", err)
		return nil, err
	}

	storageGuest, err := NewStorageVMFunc(ctx, spec)
	if err != nil {
		logging.Op().Error("program build failed creating storage vm", "tenant", spec.TenantName, "error", err)
		return nil, err
	}

	inst := &Instance{
		tenantName: spec.TenantName,
		template:   template,
		regex:      regexcache.New(0, nil),
		storage:    storagecall.New(spec.TenantName, storageGuest, nil, nil),
		table:      syscallabi.NewTable(),
	}
	inst.storage.Start(ctx)

	syscallabi.RegisterRegexHandlers(inst.table, inst.regex)
	syscallabi.RegisterStorageHandlers(inst.table, inst.storage, inst.scratchBuffer)
	syscallabi.RegisterStorageVectorHandler(inst.table, inst.storage, inst.scratchBuffer)
	syscallabi.RegisterSMPHandlers(inst.table)
	syscallabi.RegisterSMPVectorHandlers(inst.table)
	syscallabi.RegisterResultHandler(inst.table)
	syscallabi.RegisterLifecycleHandlers(inst.table, inst.SetEntry, inst.Publish, func(vm hypervisor.VM) bool {
		return vm == inst.template
	})
	syscallabi.RegisterBackendHandler(inst.table, spec.BackendSelector)
	syscallabi.RegisterCommitHandler(inst.table, spec.Commit)

	maxConcurrency := spec.MaxConcurrentVMs
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	inst.pool = vmpool.New(spec.TenantName, template, maxConcurrency, nil)

	logging.Op().Info("program instance built", "tenant", spec.TenantName)
	return inst, nil
}

func (i *Instance) scratchBuffer(hypervisor.VM) []byte {
	return make([]byte, 64<<10)
}

// SetEntry records the guest address for entry-point slot id. Only legal
// before the instance is published (invariant (b) of spec.md §3).
func (i *Instance) SetEntry(id int, addr uintptr) error {
	if i.published.Load() {
		return ErrAlreadyPublished
	}
	if id < 0 || id >= MaxEntryPoints {
		return errors.New("program: entry slot out of range")
	}
	i.entries[id] = addr
	return nil
}

// Entry returns the guest address registered for slot id.
func (i *Instance) Entry(id int) (uintptr, bool) {
	if id < 0 || id >= MaxEntryPoints {
		return 0, false
	}
	addr := i.entries[id]
	return addr, addr != 0
}

// Publish freezes the entry-point table against further SetEntry calls.
func (i *Instance) Publish() { i.published.Store(true) }

// Reserve acquires an ephemeral VM from the instance's pool, incrementing
// the instance's refcount for the duration of the reservation.
func (i *Instance) Reserve(ctx context.Context, timeout int64) (*vmpool.Ephemeral, error) {
	i.refcount.Add(1)
	vm, err := i.pool.Reserve(ctx, durationFromMillis(timeout))
	if err != nil {
		i.refcount.Add(-1)
		return nil, err
	}
	return vm, nil
}

// Release returns an ephemeral VM to the pool and drops the instance's
// refcount.
func (i *Instance) Release(vm *vmpool.Ephemeral) {
	i.pool.Release(vm)
	i.refcount.Add(-1)
}

// Evict permanently removes vm from the pool instead of returning it,
// used when an invocation left the VM in an unknown state — a timeout
// mid-syscall or a hypervisor-level fault — per spec.md §4.4's Draining
// state and §7's "GuestTimeout: Mark VM draining" recovery rule.
func (i *Instance) Evict(vm *vmpool.Ephemeral) {
	i.pool.Evict(vm)
	i.refcount.Add(-1)
}

// Refcount returns the number of outstanding reservations.
func (i *Instance) Refcount() int32 { return i.refcount.Load() }

// Regex returns the instance's compiled-regex handle cache.
func (i *Instance) Regex() *regexcache.Cache { return i.regex }

// Storage returns the instance's persistent storage VM.
func (i *Instance) Storage() *storagecall.VM { return i.storage }

// Table returns the instance's syscall dispatch table.
func (i *Instance) Table() *syscallabi.Table { return i.table }

// Close releases the instance's resources once its refcount has reached
// zero. Callers (internal/commit) are responsible for only calling this
// after the last outstanding reference drains.
func (i *Instance) Close() {
	i.pool.Shutdown()
	i.storage.Stop()
	i.regex.Close()
	if i.template != nil {
		i.template.Stop()
	}
}
