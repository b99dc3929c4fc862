// Package chain executes ordered (agent, pattern) stages over an input,
// gates each stage's output on quality thresholds, substitutes fallback
// patterns on low confidence, and folds observed scores into the
// effectiveness memory that biases future substitutions.
package chain

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fyrsmithlabs/chaind/internal/agent"
	"github.com/fyrsmithlabs/chaind/internal/pattern"
)

// DefaultMetric is the metric gated when a stage declares no explicit
// success criteria. Its threshold comes from the stage pattern's declared
// threshold, falling back to fallback_behavior.threshold.
const DefaultMetric = "confidence"

// Template is the external chain configuration. The JSON shape is
// preserved field-for-field for compatibility with existing template files;
// execution_mode and output_format are opaque pass-through metadata that
// the engine never interprets.
type Template struct {
	Name          string           `json:"name"`
	Description   string           `json:"description,omitempty"`
	ExecutionMode string           `json:"execution_mode,omitempty"`
	Chain         []StageSpec      `json:"chain"`
	MaxIterations int              `json:"max_iterations"`
	OutputFormat  string           `json:"output_format,omitempty"`
	Fallback      FallbackBehavior `json:"fallback_behavior"`
}

// StageSpec describes one (agent, pattern) execution step.
type StageSpec struct {
	Agent           string             `json:"agent"`
	Pattern         string             `json:"pattern"`
	Config          map[string]any     `json:"config,omitempty"`
	SuccessCriteria map[string]float64 `json:"success_criteria,omitempty"`
}

// FallbackBehavior holds chain-global fallback settings.
type FallbackBehavior struct {
	// Threshold is the default per-metric threshold for stages whose
	// pattern declares none and that configure no success criteria.
	Threshold float64 `json:"threshold"`

	// OnLowConfidence names a chain-global last-resort fallback pattern,
	// tried when neither the stage pattern nor the agent offers one.
	OnLowConfidence string `json:"on_low_confidence,omitempty"`
}

// Optional reports whether the stage is marked non-required via its
// stage-local config. A failed optional stage records its result and the
// run proceeds; a failed required stage halts the run.
func (s StageSpec) Optional() bool {
	switch v := s.Config["optional"].(type) {
	case bool:
		return v
	case string:
		return v == "true"
	default:
		return false
	}
}

// Metrics returns the metric names gated for this stage. Order is
// unspecified; the evaluator sorts before invoking scorers.
func (s StageSpec) Metrics(primary pattern.Definition, fb FallbackBehavior) []string {
	thresholds := s.Thresholds(primary, fb)
	out := make([]string, 0, len(thresholds))
	for m := range thresholds {
		out = append(out, m)
	}
	return out
}

// Thresholds returns the effective per-metric success thresholds for this
// stage. Explicit success criteria win; otherwise the DefaultMetric is
// gated on the primary pattern's declared threshold, or the chain-global
// fallback threshold when the pattern declares none.
func (s StageSpec) Thresholds(primary pattern.Definition, fb FallbackBehavior) map[string]float64 {
	if len(s.SuccessCriteria) > 0 {
		out := make(map[string]float64, len(s.SuccessCriteria))
		for m, th := range s.SuccessCriteria {
			out[m] = th
		}
		return out
	}

	th := primary.Threshold
	if th == 0 {
		th = fb.Threshold
	}
	return map[string]float64{DefaultMetric: th}
}

// ParseTemplate decodes a template from JSON.
func ParseTemplate(raw []byte) (*Template, error) {
	var t Template
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("failed to parse chain template: %w", err)
	}
	return &t, nil
}

// LoadTemplate reads and decodes a template file.
func LoadTemplate(path string) (*Template, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read chain template: %w", err)
	}
	return ParseTemplate(raw)
}

// Lint performs structural validation that needs no registries: shape,
// ranges, and internal consistency. Used by the CLI for offline checks.
func (t *Template) Lint() []string {
	var problems []string

	if t.Name == "" {
		problems = append(problems, "name is required")
	}
	if len(t.Chain) == 0 {
		problems = append(problems, "chain must contain at least one stage")
	}
	if t.MaxIterations < 0 {
		problems = append(problems, fmt.Sprintf("max_iterations must be >= 0, got %d", t.MaxIterations))
	}
	if t.Fallback.Threshold < 0 || t.Fallback.Threshold > 1 {
		problems = append(problems, fmt.Sprintf("fallback_behavior.threshold must be in [0.0, 1.0], got %v", t.Fallback.Threshold))
	}

	for i, st := range t.Chain {
		if st.Agent == "" {
			problems = append(problems, fmt.Sprintf("stage %d: agent is required", i))
		}
		if st.Pattern == "" {
			problems = append(problems, fmt.Sprintf("stage %d: pattern is required", i))
		}
		for metric, th := range st.SuccessCriteria {
			if th < 0 || th > 1 {
				problems = append(problems, fmt.Sprintf("stage %d: threshold for %s must be in [0.0, 1.0], got %v", i, metric, th))
			}
		}
	}

	return problems
}

// Validate checks the template structurally and resolves every referenced
// agent and pattern, including declared and chain-global fallbacks. It
// returns a *ValidationError listing every problem found.
func (t *Template) Validate(patterns *pattern.Registry, agents *agent.Registry) error {
	problems := t.Lint()

	for i, st := range t.Chain {
		if st.Agent != "" && !agents.Has(st.Agent) {
			problems = append(problems, fmt.Sprintf("stage %d: unknown agent %q", i, st.Agent))
			continue
		}
		if st.Pattern == "" {
			continue
		}

		if !patterns.Has(st.Pattern) {
			problems = append(problems, fmt.Sprintf("stage %d: unknown pattern %q", i, st.Pattern))
			continue
		}

		if st.Agent != "" {
			def, err := agents.Resolve(st.Agent)
			if err == nil && !def.Allows(st.Pattern) {
				problems = append(problems, fmt.Sprintf("stage %d: agent %q does not allow pattern %q", i, st.Agent, st.Pattern))
			}
		}

		pdef, err := patterns.Resolve(st.Pattern)
		if err == nil && pdef.FallbackID != "" && !patterns.Has(pdef.FallbackID) {
			problems = append(problems, fmt.Sprintf("stage %d: pattern %q declares unknown fallback %q", i, st.Pattern, pdef.FallbackID))
		}
	}

	if t.Fallback.OnLowConfidence != "" && !patterns.Has(t.Fallback.OnLowConfidence) {
		problems = append(problems, fmt.Sprintf("fallback_behavior.on_low_confidence references unknown pattern %q", t.Fallback.OnLowConfidence))
	}

	if len(problems) > 0 {
		return &ValidationError{Template: t.Name, Problems: problems}
	}
	return nil
}
