// Package chain implements the Chain Executor: running an ordered
// sequence of invocations across possibly-different tenants, where each
// step's output becomes the next step's input.
package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/nova-kvm/kvmruntime/internal/guestproto"
	"github.com/nova-kvm/kvmruntime/internal/invocation"
	"github.com/nova-kvm/kvmruntime/internal/metrics"
	"github.com/nova-kvm/kvmruntime/internal/observability"
	"github.com/nova-kvm/kvmruntime/internal/tenant"
)

// ErrEmptyChain is returned by Run when given a zero-length invocation
// sequence; spec.md §4.6 requires length >= 1.
var ErrEmptyChain = errors.New("chain: invocation sequence must have length >= 1")

// ErrChainTooLong is returned when the sequence exceeds the entry
// tenant's MaxChainLength quota. Checked before any VM is reserved.
var ErrChainTooLong = errors.New("chain: sequence exceeds tenant's max chain length")

// Executor runs ordered sequences of invocations, repeating the
// Invocation Pipeline (C5) once per step and feeding each step's output
// forward as the next step's input, per spec.md's "Chains (C6) repeat
// this across multiple tenants."
type Executor struct {
	registry *tenant.Registry
	pipeline *invocation.Pipeline
	metrics  *metrics.Collectors
}

// New creates an Executor bound to registry and pipeline.
func New(registry *tenant.Registry, pipeline *invocation.Pipeline, m *metrics.Collectors) *Executor {
	if m == nil {
		m = metrics.Global()
	}
	return &Executor{registry: registry, pipeline: pipeline, metrics: m}
}

// Run executes invocations in order. The output of step i is carried
// forward as step i+1's request body (and, if the caller hasn't already
// supplied Inputs for that step, its method), matching spec.md §4.6's
// "output of step i is copied into step i+1's guest memory". If any
// intermediate step returns a status >= 500 the chain stops there and a
// synthesized 500 is returned; the last step's content-type and status
// win when every step succeeds.
func (e *Executor) Run(ctx context.Context, invocations []guestproto.Invocation) (*invocation.Result, error) {
	if len(invocations) == 0 {
		return nil, ErrEmptyChain
	}

	entry, ok := e.registry.Find(invocations[0].Tenant)
	if !ok {
		return nil, invocation.ErrTenantNotFound
	}
	maxLen := entry.Quotas.MaxChainLength
	if maxLen <= 0 {
		maxLen = tenant.DefaultQuotas().MaxChainLength
	}
	if len(invocations) > maxLen {
		return nil, ErrChainTooLong
	}

	ctx, span := observability.StartSpan(ctx, "chain.run")
	defer span.End()
	e.metrics.ObserveChainLength(len(invocations))

	var carriedBody []byte
	var carriedMethod string
	var result *invocation.Result

	for i, inv := range invocations {
		req := invocation.InvokeParams{URL: inv.URL, Arg: inv.Arg, Body: carriedBody, Method: carriedMethod}
		if inv.Inputs != nil {
			req.Body = inv.Inputs.Body
			req.Method = inv.Inputs.Method
		}

		res, err := e.pipeline.Invoke(ctx, inv.Tenant, req)
		if err != nil {
			observability.SetSpanError(span, err)
			return nil, fmt.Errorf("chain: step %d tenant %q: %w", i, inv.Tenant, err)
		}

		if res.Status >= 500 && i != len(invocations)-1 {
			observability.SetSpanError(span, fmt.Errorf("chain aborted at step %d: status %d", i, res.Status))
			return &invocation.Result{Status: 500}, nil
		}

		carriedBody = res.Content
		carriedMethod = "POST"
		result = res
	}

	observability.SetSpanOK(span)
	return result, nil
}
