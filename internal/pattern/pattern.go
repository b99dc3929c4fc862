// Package pattern manages the registry of reusable transformation patterns.
//
// A pattern is a named text-transformation capability bound to a single
// Transformer contract. Definitions are registered once during provisioning
// and are immutable afterwards; chain runs only resolve.
package pattern

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
)

// Errors for pattern registry operations.
var (
	ErrNotFound       = errors.New("pattern not found")
	ErrDuplicateID    = errors.New("pattern already registered")
	ErrInvalidID      = errors.New("invalid pattern id")
	ErrNilTransformer = errors.New("pattern transformer cannot be nil")
	ErrBadThreshold   = errors.New("pattern threshold must be in [0.0, 1.0]")
)

// idPattern validates pattern identifiers.
var idPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// Transformer applies a pattern to the running chain text.
//
// vars carries the accumulated key-value bag of upstream stage outputs.
// Implementations may block; the stage executor enforces the per-call
// timeout through ctx.
type Transformer interface {
	Transform(ctx context.Context, input string, vars map[string]string) (string, error)
}

// TransformerFunc adapts a function to the Transformer interface.
type TransformerFunc func(ctx context.Context, input string, vars map[string]string) (string, error)

func (f TransformerFunc) Transform(ctx context.Context, input string, vars map[string]string) (string, error) {
	return f(ctx, input, vars)
}

// Definition describes a registered pattern. Immutable once registered.
type Definition struct {
	// ID is the unique pattern identifier.
	ID string

	// Transformer is the transformation capability bound to this pattern.
	Transformer Transformer

	// Threshold is the pattern's declared confidence threshold, used as
	// the default quality gate for stages that configure no explicit
	// success criteria. Zero means no declared threshold.
	Threshold float64

	// FallbackID names the substitute pattern to try when this pattern
	// fails its quality gate. Empty means no declared fallback.
	FallbackID string
}

// ValidateID checks that a pattern identifier is well-formed.
func ValidateID(id string) error {
	if id == "" || !idPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// Registry maps pattern identifiers to definitions.
//
// Writes happen only during provisioning with a single writer; reads during
// chain execution take the read lock only so concurrent runs never contend.
type Registry struct {
	mu    sync.RWMutex
	defs  map[string]Definition
	order []string
}

// NewRegistry creates an empty pattern registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// Register adds a definition to the registry.
func (r *Registry) Register(def Definition) error {
	if err := ValidateID(def.ID); err != nil {
		return err
	}
	if def.Transformer == nil {
		return fmt.Errorf("%w: %s", ErrNilTransformer, def.ID)
	}
	if def.Threshold < 0 || def.Threshold > 1 {
		return fmt.Errorf("%w: %s has %v", ErrBadThreshold, def.ID, def.Threshold)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.defs[def.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateID, def.ID)
	}
	r.defs[def.ID] = def
	r.order = append(r.order, def.ID)
	return nil
}

// Resolve returns the definition for the given identifier.
func (r *Registry) Resolve(id string) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.defs[id]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return def, nil
}

// Has reports whether the identifier is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.defs[id]
	return ok
}

// IDs returns all registered identifiers in registration order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, len(r.order))
	copy(ids, r.order)
	return ids
}
