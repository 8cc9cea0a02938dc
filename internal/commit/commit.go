// Package commit implements the Live Commit operation: atomically
// publishing a new Program Instance for a tenant while in-flight
// invocations continue to use the old one until their reference drains.
package commit

import (
	"context"
	"errors"
	"time"

	"github.com/nova-kvm/kvmruntime/internal/logging"
	"github.com/nova-kvm/kvmruntime/internal/program"
	"github.com/nova-kvm/kvmruntime/internal/tenant"
)

// ErrNoTemplate reports that a running instance has no template to fork a
// fresh instance from. Linearize rebuilds from a BuildSpec and does not
// return it.
var ErrNoTemplate = errors.New("commit: running instance has no template")

// Commit atomically publishes newInstance as tenant's current Program
// Instance. The previous instance, if any, is left alone: its refcount
// will reach zero once every in-flight reservation against it releases,
// at which point the caller (typically a background reaper) may Close it.
// Errors here are never fatal to the process, matching spec.md §4.8 and
// §7: they are logged and surfaced to the guest as -1.
func Commit(t *tenant.Tenant, newInstance *program.Instance) error {
	if newInstance == nil {
		err := errors.New("commit: nil instance")
		logging.Op().Error("live commit rejected", "tenant", t.Name, "error", err)
		return err
	}
	t.SetInstance(newInstance)
	logging.Op().Info("live commit published new instance", "tenant", t.Name, "version", t.Version())
	return nil
}

// Linearize builds a fresh Program Instance from spec with program.Build,
// the same way the tenant's current instance was built. The calling VM's
// memory and registers are not carried into the new instance: it starts
// from the tenant's binary and configuration. The guest-triggered vmcommit
// syscall calls this, then Commit, to publish the result.
func Linearize(ctx context.Context, spec program.BuildSpec) (*program.Instance, error) {
	inst, err := program.Build(ctx, spec)
	if err != nil {
		logging.Op().Error("vmcommit linearize failed", "tenant", spec.TenantName, "error", err)
		return nil, err
	}
	return inst, nil
}

// Retire releases old once its refcount has drained to zero. Callers
// typically poll this from a background goroutine after a Commit rather
// than blocking the commit itself on drain.
func Retire(old *program.Instance) bool {
	if old == nil {
		return false
	}
	if old.Refcount() != 0 {
		return false
	}
	old.Close()
	return true
}

// DrainAndRetire polls old's refcount until it reaches zero or ctx is
// canceled, then closes it. Intended to run in its own goroutine after a
// Commit so the old instance's resources are freed promptly without
// blocking the commit path itself.
func DrainAndRetire(ctx context.Context, old *program.Instance, pollInterval time.Duration) {
	if old == nil {
		return
	}
	if pollInterval <= 0 {
		pollInterval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if Retire(old) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
