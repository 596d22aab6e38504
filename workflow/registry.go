package workflow

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/loomworks/loom"
)

// RunnerFunc is a type-erased workflow body that accepts raw JSON
// input. Typed Definition[T] values are converted to RunnerFuncs at
// registration time by closing over JSON unmarshal + the typed body.
type RunnerFunc func(c *Context, input []byte) error

// ValidatorFunc is a type-erased submission validator over raw JSON input.
type ValidatorFunc func(input []byte) error

// Registration is a registered workflow type: its runner, validator,
// and execution defaults.
type Registration struct {
	Type     string
	Runner   RunnerFunc
	Validate ValidatorFunc
	Defaults Defaults
}

// Registry maps workflow types to registrations. It is safe for
// concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Registration
}

// NewRegistry creates an empty workflow registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*Registration),
	}
}

// RegisterDefinition registers a typed workflow definition. The generic
// body is wrapped in a closure that JSON-unmarshals the input into T
// before calling the typed body; the validator is wrapped the same way.
// Re-registering a type replaces the previous registration.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func RegisterDefinition[T any](r *Registry, def *Definition[T]) {
	runner := func(c *Context, input []byte) error {
		var t T
		if len(input) > 0 {
			if err := json.Unmarshal(input, &t); err != nil {
				return fmt.Errorf("unmarshal input for workflow %q: %w", def.Type, err)
			}
		}
		return def.Run(c, t)
	}

	var validate ValidatorFunc = func(input []byte) error {
		var t T
		if len(input) > 0 {
			if err := json.Unmarshal(input, &t); err != nil {
				return fmt.Errorf("%w: %v", loom.ErrValidation, err)
			}
		}
		if def.Validate != nil {
			if err := def.Validate(t); err != nil {
				return fmt.Errorf("%w: %v", loom.ErrValidation, err)
			}
		}
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[def.Type] = &Registration{
		Type:     def.Type,
		Runner:   runner,
		Validate: validate,
		Defaults: def.Defaults,
	}
}

// Get returns the registration for the given workflow type.
func (r *Registry) Get(workflowType string) (*Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[workflowType]
	return reg, ok
}

// Types returns all registered workflow types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.entries))
	for t := range r.entries {
		types = append(types, t)
	}
	return types
}
