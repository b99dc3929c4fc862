package chain

import (
	"sort"

	"github.com/fyrsmithlabs/chaind/internal/agent"
	"github.com/fyrsmithlabs/chaind/internal/memory"
	"github.com/fyrsmithlabs/chaind/internal/pattern"
)

// fallbackPicker selects the next substitute pattern when a stage fails its
// quality gate.
//
// Candidate order at each retry depth:
//  1. The failing pattern's declared fallback.
//  2. The agent's remaining allowed patterns, ranked by stored
//     effectiveness, ties broken by declaration order.
//  3. The template's chain-global on_low_confidence pattern.
//
// Patterns already attempted this stage are never re-selected, which
// guarantees termination even before the max_iterations bound.
type fallbackPicker struct {
	patterns *pattern.Registry
	mem      *memory.Registry
	global   string
}

// next returns the next fallback candidate, or false when none remains.
func (p *fallbackPicker) next(agentDef agent.Definition, current pattern.Definition, attempted map[string]bool) (pattern.Definition, bool) {
	if current.FallbackID != "" && !attempted[current.FallbackID] {
		if def, err := p.patterns.Resolve(current.FallbackID); err == nil {
			return def, true
		}
	}

	if def, ok := p.nextAllowed(agentDef, attempted); ok {
		return def, true
	}

	if p.global != "" && !attempted[p.global] {
		if def, err := p.patterns.Resolve(p.global); err == nil {
			return def, true
		}
	}

	return pattern.Definition{}, false
}

// nextAllowed picks among the agent's unattempted allowed patterns. All are
// equally eligible, so the stored effectiveness breaks the tie; declaration
// order decides among equal effectiveness (stable sort keeps it).
func (p *fallbackPicker) nextAllowed(agentDef agent.Definition, attempted map[string]bool) (pattern.Definition, bool) {
	var candidates []string
	for _, pid := range agentDef.Patterns {
		if !attempted[pid] && p.patterns.Has(pid) {
			candidates = append(candidates, pid)
		}
	}
	if len(candidates) == 0 {
		return pattern.Definition{}, false
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return p.mem.Effectiveness(agentDef.ID, candidates[i]) > p.mem.Effectiveness(agentDef.ID, candidates[j])
	})

	def, err := p.patterns.Resolve(candidates[0])
	if err != nil {
		return pattern.Definition{}, false
	}
	return def, true
}
