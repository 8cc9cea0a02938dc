package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nova-kvm/kvmruntime/internal/logging"
	"github.com/nova-kvm/kvmruntime/internal/program"
	"github.com/nova-kvm/kvmruntime/internal/syscallabi"
)

// retirePollInterval is how often retireInBackground checks whether a
// superseded Program Instance's refcount has drained to zero.
const retirePollInterval = 50 * time.Millisecond

// retireInBackground closes old once its refcount reaches zero, polling in
// its own goroutine so AsyncStart/InvalidatePrograms never block the
// calling request on in-flight invocations against the superseded
// instance. Mirrors internal/commit.DrainAndRetire, duplicated here rather
// than imported: internal/commit already imports internal/tenant to swap
// a Tenant's instance pointer, so the reverse import would cycle.
func retireInBackground(old *program.Instance) {
	if old == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(retirePollInterval)
		defer ticker.Stop()
		for range ticker.C {
			if old.Refcount() == 0 {
				old.Close()
				return
			}
		}
	}()
}

// Phase gates which Registry operations are permitted. Configure is only
// legal during PhaseInit; once the registry moves to PhaseRunning,
// configuration changes must go through AsyncStart/InvalidatePrograms.
type Phase int

const (
	PhaseInit Phase = iota
	PhaseRunning
)

// Registry is the process-global table of tenants, keyed by name.
// InitTenants, Configure, InvalidatePrograms and SetCommitHook take reg.mu
// as writers; readers use the sync.Map directly, matching the teacher's
// pool.go split between a sync.Map of hot-path lookups and a mutex
// guarding structural changes. AsyncStart and internal/commit replace a
// Tenant's instance through its atomic pointer without taking reg.mu.
type Registry struct {
	mu      sync.RWMutex
	tenants sync.Map // name string -> *Tenant
	phase   Phase

	starts singleflight.Group

	commitHook func(tenantName string) syscallabi.CommitFunc
}

// NewRegistry returns an empty Registry in PhaseInit.
func NewRegistry() *Registry {
	return &Registry{phase: PhaseInit}
}

// SetCommitHook installs the factory the registry uses to wire each
// tenant's vmcommit syscall before (re)building its Program Instance.
// The hook exists because only an outer layer that imports both
// internal/program and internal/tenant alongside internal/commit can
// implement it without an import cycle (spec.md §9); the registry itself
// just carries the resulting per-tenant syscallabi.CommitFunc through to
// program.BuildSpec.
func (r *Registry) SetCommitHook(hook func(tenantName string) syscallabi.CommitFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commitHook = hook
}

func (r *Registry) commitFuncFor(name string) syscallabi.CommitFunc {
	r.mu.RLock()
	hook := r.commitHook
	r.mu.RUnlock()
	if hook == nil {
		return nil
	}
	return hook(name)
}

// InitTenants registers every tenant in cfg. When initPrograms is true each
// tenant's Program Instance is built synchronously; otherwise tenants start
// with no instance and AsyncStart must be called before they can serve
// invocations. Moves the registry to PhaseRunning on success.
func (r *Registry) InitTenants(ctx context.Context, cfg Config, initPrograms bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, tc := range cfg.Tenants {
		t := &Tenant{
			Name:     tc.Name,
			Binary:   tc.Binary,
			MainArgs: tc.MainArgs,
			Config:   tc.Config,
			Quotas:   tc.Quotas,
			SelfURI:  tc.SelfURI,
		}
		if t.Quotas == (Quotas{}) {
			t.Quotas = DefaultQuotas()
		}
		if r.commitHook != nil {
			t.CommitFunc = r.commitHook(t.Name)
		}
		r.tenants.Store(t.Name, t)

		if initPrograms {
			inst, err := program.Build(ctx, t.BuildSpec())
			if err != nil {
				logging.Op().Error("tenant program build failed", "tenant", t.Name, "error", err)
				return ErrCompileFailed
			}
			t.SetInstance(inst)
		}
	}

	r.phase = PhaseRunning
	return nil
}

// Find looks up a tenant by name.
func (r *Registry) Find(name string) (*Tenant, bool) {
	v, ok := r.tenants.Load(name)
	if !ok {
		return nil, false
	}
	return v.(*Tenant), true
}

// Configure merges a new JSON configuration blob into an existing tenant.
// Only legal during PhaseInit, matching the proxy's init-phase contract:
// once requests may be in flight, configuration changes must go through
// AsyncStart or InvalidatePrograms instead of a raw config swap.
func (r *Registry) Configure(name string, configJSON []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.phase != PhaseInit {
		return ErrWrongPhase
	}

	t, ok := r.Find(name)
	if !ok {
		return ErrNotFound
	}

	merged, err := mergeJSON(t.Config, configJSON)
	if err != nil {
		return ErrBadConfig
	}
	t.Config = merged
	return nil
}

// AsyncStart (re)builds name's Program Instance in the background,
// deduplicated per tenant+config so concurrent cold-start requests for the
// same tenant share one build rather than racing independent compiles.
func (r *Registry) AsyncStart(ctx context.Context, name string, debug bool) error {
	t, ok := r.Find(name)
	if !ok {
		return ErrNotFound
	}

	key := name + "\x00" + string(t.Config)
	_, err, _ := r.starts.Do(key, func() (interface{}, error) {
		if fn := r.commitFuncFor(name); fn != nil {
			t.CommitFunc = fn
		}
		old := t.Instance()
		inst, err := program.Build(ctx, t.BuildSpec())
		if err != nil {
			logging.Op().Error("tenant async_start failed", "tenant", name, "error", err)
			return nil, ErrCompileFailed
		}
		t.SetInstance(inst)
		retireInBackground(old)
		return inst, nil
	})
	return err
}

// InvalidatePrograms unloads the Program Instance of every tenant whose
// name matches pattern, returning the count affected (spec.md §4.2). This
// is an unload, not a rebuild: a matched tenant serves no invocations
// until a later start/AsyncStart builds it a fresh instance. Safe against
// concurrent invocations: each tenant's Program Instance pointer is
// cleared atomically, never mutated in place, so holders of the old
// instance keep using it until their refcount drops it, at which point it
// is retired in the background.
func (r *Registry) InvalidatePrograms(ctx context.Context, pattern string) (int, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return 0, ErrBadConfig
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	var affected int
	r.tenants.Range(func(key, value any) bool {
		name := key.(string)
		if !re.MatchString(name) {
			return true
		}
		t := value.(*Tenant)
		if old := t.ClearInstance(); old != nil {
			retireInBackground(old)
			affected++
		}
		return true
	})
	return affected, nil
}

// Foreach calls fn for every registered tenant until fn returns false.
func (r *Registry) Foreach(fn func(*Tenant) bool) {
	r.tenants.Range(func(_, value any) bool {
		return fn(value.(*Tenant))
	})
}

// mergeJSON shallow-merges patch's top-level keys over base, matching the
// VCL-like surface's configure(program, json) contract ("merges over
// tenant config", spec.md §6): keys present only in base are kept, keys
// present in patch overwrite base's value for that key (or are added),
// and patch is not required to be a full document. An empty base is
// treated as `{}`.
func mergeJSON(base, patch []byte) ([]byte, error) {
	if !json.Valid(patch) {
		return nil, errors.New("tenant: invalid configuration json")
	}

	merged := map[string]json.RawMessage{}
	if len(base) > 0 {
		if err := json.Unmarshal(base, &merged); err != nil {
			return nil, err
		}
	}

	var patchFields map[string]json.RawMessage
	if err := json.Unmarshal(patch, &patchFields); err != nil {
		return nil, err
	}
	for k, v := range patchFields {
		merged[k] = v
	}

	return json.Marshal(merged)
}

// Config is the static tenant configuration InitTenants consumes.
type Config struct {
	Tenants []TenantConfig `json:"tenants" yaml:"tenants"`
}

// TenantConfig is one entry of Config.
type TenantConfig struct {
	Name     string   `json:"name" yaml:"name"`
	Binary   []byte   `json:"binary" yaml:"binary"`
	MainArgs []string `json:"main_args" yaml:"main_args"`
	Config   []byte   `json:"config" yaml:"config"`
	Quotas   Quotas   `json:"quotas" yaml:"quotas"`
	SelfURI  string   `json:"self_uri" yaml:"self_uri"`
}
