package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nova-kvm/kvmruntime/internal/chain"
	"github.com/nova-kvm/kvmruntime/internal/commit"
	"github.com/nova-kvm/kvmruntime/internal/guestproto"
	"github.com/nova-kvm/kvmruntime/internal/invocation"
	"github.com/nova-kvm/kvmruntime/internal/logging"
	"github.com/nova-kvm/kvmruntime/internal/tenant"
)

// mountGateway wires the HTTP surface a reverse proxy would call into:
// a per-tenant invocation path, a chain path for multi-step sequences,
// and admin paths for program invalidation and asynchronous start. Request
// shape intentionally stays close to the guest ABI's Invocation struct
// rather than inventing a REST resource model of its own.
func mountGateway(mux *http.ServeMux, registry *tenant.Registry, pipeline *invocation.Pipeline, executor *chain.Executor) {
	mux.HandleFunc("/v1/invoke/", func(w http.ResponseWriter, r *http.Request) {
		tenantName := strings.TrimPrefix(r.URL.Path, "/v1/invoke/")
		if tenantName == "" {
			http.Error(w, "tenant name required", http.StatusBadRequest)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, 16<<20))
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}
		result, err := pipeline.Invoke(r.Context(), tenantName, invocation.InvokeParams{
			URL:    r.URL.Query().Get("url"),
			Arg:    r.URL.Query().Get("arg"),
			Method: r.Method,
			Body:   body,
		})
		writeResult(w, result, err)
	})

	mux.HandleFunc("/v1/chain", func(w http.ResponseWriter, r *http.Request) {
		var invocations []guestproto.Invocation
		if err := json.NewDecoder(io.LimitReader(r.Body, 16<<20)).Decode(&invocations); err != nil {
			http.Error(w, "decode chain body", http.StatusBadRequest)
			return
		}
		result, err := executor.Run(r.Context(), invocations)
		writeResult(w, result, err)
	})

	mux.HandleFunc("/v1/admin/invalidate-programs", func(w http.ResponseWriter, r *http.Request) {
		pattern := r.URL.Query().Get("pattern")
		if pattern == "" {
			http.Error(w, "pattern query parameter required", http.StatusBadRequest)
			return
		}
		affected, err := registry.InvalidatePrograms(r.Context(), pattern)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]int{"affected": affected})
	})

	mux.HandleFunc("/v1/admin/async-start", func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Query().Get("tenant")
		if name == "" {
			http.Error(w, "tenant query parameter required", http.StatusBadRequest)
			return
		}
		if err := registry.AsyncStart(r.Context(), name, false); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
}

func writeResult(w http.ResponseWriter, result *invocation.Result, err error) {
	if err != nil {
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, invocation.ErrTenantNotFound):
			status = http.StatusBadGateway
		case errors.Is(err, invocation.ErrTenantDisabled):
			status = http.StatusServiceUnavailable
		case errors.Is(err, invocation.ErrGuestTimeout):
			status = http.StatusGatewayTimeout
		}
		http.Error(w, err.Error(), status)
		return
	}
	if result.ContentType != "" {
		w.Header().Set("Content-Type", result.ContentType)
	}
	w.WriteHeader(result.Status)
	w.Write(result.Content)
}

// commitVM performs the vmcommit syscall's host-side work for tenantName:
// rebuild a fresh Program Instance from the tenant's BuildSpec
// (commit.Linearize), publish it, and retire the previous instance once its
// refcount drains. Installed via registry.SetCommitHook so the registry
// can thread a tenant.CommitFunc through program.BuildSpec before every
// (re)build, since only this outer layer may import both internal/program
// and internal/tenant alongside internal/commit without an import cycle.
func commitVM(registry *tenant.Registry, tenantName string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		t, ok := registry.Find(tenantName)
		if !ok {
			return tenant.ErrNotFound
		}
		old := t.Instance()
		newInst, err := commit.Linearize(ctx, t.BuildSpec())
		if err != nil {
			return err
		}
		if err := commit.Commit(t, newInst); err != nil {
			return err
		}
		logging.Op().Info("vmcommit published", "tenant", tenantName)
		go commit.DrainAndRetire(context.Background(), old, 50*time.Millisecond)
		return nil
	}
}
