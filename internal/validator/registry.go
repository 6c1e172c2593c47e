package validator

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Builtin is a rule implemented in Go. Catalog rules of kind builtin name one
// by Name and supply its type and severity.
type Builtin interface {
	// Name returns the unique name catalogs refer to.
	Name() string
	// Description returns a human-readable description.
	Description() string
	// Check inspects one profile. A returned error marks the rule as an
	// internal failure, not a violation.
	Check(ctx context.Context, in *Input) (Verdict, error)
}

// BuiltinFunc adapts a function to the Builtin interface.
type BuiltinFunc struct {
	ID   string
	Desc string
	Fn   func(ctx context.Context, in *Input) (Verdict, error)
}

func (b BuiltinFunc) Name() string        { return b.ID }
func (b BuiltinFunc) Description() string { return b.Desc }
func (b BuiltinFunc) Check(ctx context.Context, in *Input) (Verdict, error) {
	return b.Fn(ctx, in)
}

// Registry holds the builtin rules available to catalogs.
type Registry struct {
	mu       sync.RWMutex
	builtins map[string]Builtin
	order    []string
	logger   zerolog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		builtins: make(map[string]Builtin),
		logger:   logger.With().Str("component", "builtin_registry").Logger(),
	}
}

// DefaultRegistry returns a registry with every builtin shipped with the
// engine registered.
func DefaultRegistry(logger zerolog.Logger) *Registry {
	r := NewRegistry(logger)
	for _, b := range defaultBuiltins() {
		if err := r.Register(b); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds a builtin to the registry.
func (r *Registry) Register(b Builtin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := b.Name()
	if _, exists := r.builtins[name]; exists {
		return fmt.Errorf("builtin %q already registered", name)
	}
	r.builtins[name] = b
	r.order = append(r.order, name)

	r.logger.Debug().Str("builtin", name).Msg("builtin rule registered")
	return nil
}

// Get returns a builtin by name.
func (r *Registry) Get(name string) (Builtin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.builtins[name]
	return b, ok
}

// All returns all registered builtins in registration order.
func (r *Registry) All() []Builtin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Builtin, 0, len(r.order))
	for _, name := range r.order {
		result = append(result, r.builtins[name])
	}
	return result
}

// Count returns the number of registered builtins.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.builtins)
}
