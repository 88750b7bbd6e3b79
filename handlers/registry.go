// Package handlers implements the action handler contracts a workflow task
// state invokes by resource name: raw HTTP calls, the OAuth2 authorization,
// token, and device-code operations, auth injection helpers usable outside a
// Connection, HMAC/JWT/SigV4 signing, and secret resolution.
//
// Every handler has the same shape: (resource, state_name, ctx) -> JSON.
// The registry dispatches by a plain string key rather than a generic
// parameter, matching pipeline_step_registry.go's StepRegistry — this
// runtime's dispatch table is deliberately not generic, since the set of
// resources is data (loaded from a workflow document), not a compile-time
// type parameter.
package handlers

import (
	"context"
	"fmt"
)

// Func is the shape every handler implements.
type Func func(ctx context.Context, stateName string, input map[string]any) (map[string]any, error)

// Registry maps resource names to handler functions and satisfies
// workflow.Dispatcher.
type Registry struct {
	handlers map[string]Func
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Func)}
}

// Register adds (or replaces) the handler for resource.
func (r *Registry) Register(resource string, fn Func) {
	r.handlers[resource] = fn
}

// Dispatch invokes the handler registered for resource.
func (r *Registry) Dispatch(ctx context.Context, resource, stateName string, input map[string]any) (map[string]any, error) {
	fn, ok := r.handlers[resource]
	if !ok {
		return nil, fmt.Errorf("handlers: unknown resource %q", resource)
	}
	return fn(ctx, stateName, input)
}

// Resources lists every registered resource name.
func (r *Registry) Resources() []string {
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	return out
}
