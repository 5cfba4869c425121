// Package tools manages the tools the model may call during a chat
// request: built-in web and system tools plus tools bridged in from
// configured MCP servers.
//
// Every tool is registered with Genkit, which puts its declaration in
// front of the model, and mirrored in a Registry that the generation
// loop uses to validate and execute calls itself. Validation happens
// against the tool's JSON schema before any handler runs, so a
// malformed call never reaches tool code.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/google/jsonschema-go/jsonschema"
)

// Registry holds the callable tools for one process. It is safe for
// concurrent use.
type Registry struct {
	g *genkit.Genkit

	mu    sync.RWMutex
	defs  map[string]*definition
	order []string
}

// definition pairs a tool's Genkit registration with the pieces the
// generation loop needs: the resolved input schema and a type-erased
// executor.
type definition struct {
	name   string
	ref    ai.Tool
	schema *jsonschema.Resolved
	run    func(ctx context.Context, input any) (any, error)
}

// NewRegistry creates an empty registry backed by the given Genkit
// instance.
func NewRegistry(g *genkit.Genkit) *Registry {
	return &Registry{g: g, defs: make(map[string]*definition)}
}

// Define registers a typed tool. The input type's JSON schema, derived
// from its struct tags, becomes both the declaration the model sees and
// the contract incoming calls are validated against.
func Define[In, Out any](r *Registry, name, description string, fn func(ctx context.Context, in In) (Out, error)) error {
	schema, err := jsonschema.For[In](nil)
	if err != nil {
		return fmt.Errorf("schema for %s: %w", name, err)
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return fmt.Errorf("resolve schema for %s: %w", name, err)
	}

	run := func(ctx context.Context, input any) (any, error) {
		// Try direct type assertion first; arguments decoded from the
		// wire arrive as map[string]any and convert via JSON.
		if typed, ok := input.(In); ok {
			return fn(ctx, typed)
		}
		raw, err := json.Marshal(input)
		if err != nil {
			return nil, fmt.Errorf("marshal input for %s: %w", name, err)
		}
		var typed In
		if err := json.Unmarshal(raw, &typed); err != nil {
			return nil, fmt.Errorf("invalid input for %s: %w", name, err)
		}
		return fn(ctx, typed)
	}

	return r.add(name, func() *definition {
		ref := genkit.DefineTool(r.g, name, description,
			func(tctx *ai.ToolContext, in In) (Out, error) {
				return fn(tctx.Context, in)
			})
		return &definition{name: name, ref: ref, schema: resolved, run: run}
	})
}

// defineErased registers a tool whose schema is supplied at runtime
// rather than derived from a Go type. MCP tools arrive this way.
func defineErased(r *Registry, name, description string, schema *jsonschema.Schema, run func(ctx context.Context, input any) (any, error)) error {
	if schema == nil {
		schema = &jsonschema.Schema{Type: "object"}
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return fmt.Errorf("resolve schema for %s: %w", name, err)
	}

	return r.add(name, func() *definition {
		ref := genkit.DefineTool(r.g, name, description,
			func(tctx *ai.ToolContext, in map[string]any) (any, error) {
				return run(tctx.Context, in)
			})
		return &definition{name: name, ref: ref, schema: resolved, run: run}
	})
}

// add installs a definition under the registry lock. The build closure
// runs inside the lock so a duplicate name is rejected before Genkit
// sees it; Genkit panics on double registration.
func (r *Registry) add(name string, build func() *definition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.defs[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	r.defs[name] = build()
	r.order = append(r.order, name)
	return nil
}

// Refs returns the Genkit references of all registered tools in
// registration order, for passing to a generate call.
func (r *Registry) Refs() []ai.ToolRef {
	r.mu.RLock()
	defer r.mu.RUnlock()

	refs := make([]ai.ToolRef, 0, len(r.order))
	for _, name := range r.order {
		refs = append(refs, r.defs[name].ref)
	}
	return refs
}

// Names returns registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Validate checks a call's arguments against the tool's input schema
// without executing anything. An unknown tool name is an error.
func (r *Registry) Validate(name string, input any) error {
	def := r.lookup(name)
	if def == nil {
		return fmt.Errorf("unknown tool %q", name)
	}

	instance, err := normalize(input)
	if err != nil {
		return fmt.Errorf("input for %s: %w", name, err)
	}
	if err := def.schema.Validate(instance); err != nil {
		return fmt.Errorf("input for %s: %w", name, err)
	}
	return nil
}

// Execute runs a registered tool. The input is handed to the tool's
// executor as-is; callers are expected to have validated it first.
func (r *Registry) Execute(ctx context.Context, name string, input any) (any, error) {
	def := r.lookup(name)
	if def == nil {
		return nil, fmt.Errorf("unknown tool %q", name)
	}
	return def.run(ctx, input)
}

func (r *Registry) lookup(name string) *definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defs[name]
}

// normalize round-trips input through JSON so schema validation always
// sees plain maps and slices, regardless of how the caller decoded the
// arguments. A nil input validates as an empty object.
func normalize(input any) (any, error) {
	if input == nil {
		return map[string]any{}, nil
	}
	if _, ok := input.(map[string]any); ok {
		return input, nil
	}

	raw, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}
	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return nil, err
	}
	return instance, nil
}
