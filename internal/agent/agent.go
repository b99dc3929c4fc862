// Package agent manages the registry of agent roles.
//
// An agent is a named role permitted to use a bounded, ordered set of
// patterns, with per-metric focus weights that shape how observed scores
// fold into the effectiveness memory. Chain-position preferences are
// advisory only and never enforced.
package agent

import (
	"errors"
	"fmt"
	"sync"

	"github.com/fyrsmithlabs/chaind/internal/pattern"
)

// Errors for agent registry operations.
var (
	ErrNotFound       = errors.New("agent not found")
	ErrDuplicateID    = errors.New("agent already registered")
	ErrNoPatterns     = errors.New("agent must allow at least one pattern")
	ErrUnknownPattern = errors.New("agent references unregistered pattern")
	ErrBadWeight      = errors.New("focus weight must be non-negative")
)

// Definition describes a registered agent. Immutable once registered.
type Definition struct {
	// ID is the unique agent identifier.
	ID string

	// Patterns is the ordered allow-list of pattern identifiers this
	// agent may execute. Order is the fallback declaration order.
	Patterns []string

	// FocusWeights maps metric names to relative weights. Weights need
	// not sum to 1; they are normalized at evaluation time.
	FocusWeights map[string]float64

	// Predecessors and Successors name preferred neighbouring agents in
	// a chain. Advisory only.
	Predecessors []string
	Successors   []string
}

// Allows reports whether the agent may execute the given pattern.
func (d Definition) Allows(patternID string) bool {
	for _, id := range d.Patterns {
		if id == patternID {
			return true
		}
	}
	return false
}

// NormalizedWeights returns per-metric weights over the given metric names,
// normalized to sum to 1. Metrics without a configured weight get weight
// zero unless no metric has one, in which case the distribution is uniform.
func (d Definition) NormalizedWeights(metrics []string) map[string]float64 {
	if len(metrics) == 0 {
		return map[string]float64{}
	}

	out := make(map[string]float64, len(metrics))
	var sum float64
	for _, m := range metrics {
		w := d.FocusWeights[m]
		out[m] = w
		sum += w
	}

	if sum == 0 {
		uniform := 1.0 / float64(len(metrics))
		for _, m := range metrics {
			out[m] = uniform
		}
		return out
	}

	for m, w := range out {
		out[m] = w / sum
	}
	return out
}

// Registry maps agent identifiers to definitions. Pattern references are
// validated against the pattern registry at registration time so chain
// validation never discovers dangling allow-list entries.
type Registry struct {
	mu       sync.RWMutex
	defs     map[string]Definition
	patterns *pattern.Registry
}

// NewRegistry creates an empty agent registry backed by the given pattern
// registry for reference validation.
func NewRegistry(patterns *pattern.Registry) *Registry {
	return &Registry{
		defs:     make(map[string]Definition),
		patterns: patterns,
	}
}

// Register adds a definition to the registry.
func (r *Registry) Register(def Definition) error {
	if err := pattern.ValidateID(def.ID); err != nil {
		return fmt.Errorf("agent id: %w", err)
	}
	if len(def.Patterns) == 0 {
		return fmt.Errorf("%w: %s", ErrNoPatterns, def.ID)
	}
	for _, pid := range def.Patterns {
		if !r.patterns.Has(pid) {
			return fmt.Errorf("%w: agent %s -> pattern %s", ErrUnknownPattern, def.ID, pid)
		}
	}
	for metric, w := range def.FocusWeights {
		if w < 0 {
			return fmt.Errorf("%w: agent %s metric %s has %v", ErrBadWeight, def.ID, metric, w)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.defs[def.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateID, def.ID)
	}
	r.defs[def.ID] = def
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
