package chain

import (
	"fmt"
	"strings"
)

// ValidationError reports a malformed template or unresolvable reference.
// It is surfaced before any stage executes; nothing is retried and no side
// effect has occurred.
type ValidationError struct {
	Template string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("template %q invalid: %s", e.Template, strings.Join(e.Problems, "; "))
}

// MetricGap describes one missed threshold on a failed stage.
type MetricGap struct {
	Metric    string  `json:"metric"`
	Threshold float64 `json:"threshold"`
	Score     float64 `json:"score"`
}

// Gap returns how far the score fell below the threshold.
func (g MetricGap) Gap() float64 {
	return g.Threshold - g.Score
}

func (g MetricGap) String() string {
	return fmt.Sprintf("%s %.2f < %.2f (gap %.2f)", g.Metric, g.Score, g.Threshold, g.Gap())
}

// LowConfidenceError reports a required stage that never passed its
// thresholds after exhausting every fallback attempt. It carries enough
// structure for callers to turn the failure into a clarification request.
type LowConfidenceError struct {
	Stage    int
	Agent    string
	Pattern  string // last pattern attempted
	Attempts int
	Missed   []MetricGap
}

func (e *LowConfidenceError) Error() string {
	gaps := make([]string, len(e.Missed))
	for i, g := range e.Missed {
		gaps[i] = g.String()
	}
	return fmt.Sprintf("stage %d (agent %s, pattern %s) exhausted %d attempt(s): %s",
		e.Stage, e.Agent, e.Pattern, e.Attempts, strings.Join(gaps, ", "))
}

// ScoreTimeoutError reports scoring calls that exceeded their budget while
// timeouts are configured fatal. With the default configuration a scoring
// timeout is absorbed as a zero-score fault instead.
type ScoreTimeoutError struct {
	Pattern string
	Metrics []string
}

func (e *ScoreTimeoutError) Error() string {
	return fmt.Sprintf("pattern %s scoring timed out: %s", e.Pattern, strings.Join(e.Metrics, ", "))
}

// TransformError reports a pattern transformation failure or timeout.
// Unless timeouts are configured fatal, it is absorbed into the fallback
// path rather than aborting the run.
type TransformError struct {
	Pattern string
	Err     error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("pattern %s transform failed: %v", e.Pattern, e.Err)
}

func (e *TransformError) Unwrap() error {
	return e.Err
}
