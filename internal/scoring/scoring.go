// Package scoring evaluates stage output against caller-supplied metrics.
//
// The evaluator defines no metric semantics of its own. It invokes one
// scoring function per named metric, enforces the per-call timeout, and
// clamps failures to a zero score so a bad scorer degrades a stage instead
// of killing the run.
package scoring

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// Errors for scoring operations.
var (
	ErrNoScorer      = errors.New("no scoring function for metric")
	ErrOutOfRange    = errors.New("score outside [0.0, 1.0]")
	ErrScoreTimedOut = errors.New("scoring function timed out")
)

// Func is a caller-supplied scoring function for one named metric.
// It must return a score in [0.0, 1.0].
type Func func(ctx context.Context, output string, vars map[string]string) (float64, error)

// Fault records a scoring failure that was absorbed as a zero score.
type Fault struct {
	Metric string `json:"metric"`
	Reason string `json:"reason"`
}

// Error implements error for a single fault (used when wrapping into the
// run trail).
func (f Fault) Error() string {
	return fmt.Sprintf("scoring %s: %s", f.Metric, f.Reason)
}

// Result holds the evaluated scores for one stage attempt.
type Result struct {
	// Scores maps every requested metric to a value in [0.0, 1.0].
	Scores map[string]float64

	// Faults lists metrics whose scorer failed; their score is 0.0.
	Faults []Fault

	// TimedOut lists metrics whose scorer exceeded its budget, in
	// evaluation order. Callers configured to treat timeouts as fatal
	// need the distinction from ordinary faults.
	TimedOut []string
}

// Evaluator invokes scoring functions with a bounded per-call budget.
type Evaluator struct {
	timeout time.Duration
}

// NewEvaluator creates an evaluator. timeout bounds each scoring call;
// zero disables the bound.
func NewEvaluator(timeout time.Duration) *Evaluator {
	return &Evaluator{timeout: timeout}
}

// Evaluate scores the output against every metric in metrics using the
// given scoring functions. A missing, erroring, out-of-range, or timed-out
// scorer yields 0.0 for its metric plus a recorded fault; Evaluate itself
// never fails. Metrics are evaluated in sorted order for reproducibility.
func (e *Evaluator) Evaluate(ctx context.Context, output string, vars map[string]string, fns map[string]Func, metrics []string) Result {
	res := Result{Scores: make(map[string]float64, len(metrics))}

	ordered := make([]string, len(metrics))
	copy(ordered, metrics)
	sort.Strings(ordered)

	for _, metric := range ordered {
		fn, ok := fns[metric]
		if !ok {
			res.Scores[metric] = 0.0
			res.Faults = append(res.Faults, Fault{Metric: metric, Reason: ErrNoScorer.Error()})
			continue
		}

		score, err := e.invoke(ctx, fn, output, vars)
		if err != nil {
			res.Scores[metric] = 0.0
			res.Faults = append(res.Faults, Fault{Metric: metric, Reason: err.Error()})
			if errors.Is(err, ErrScoreTimedOut) {
				res.TimedOut = append(res.TimedOut, metric)
			}
			continue
		}
		res.Scores[metric] = score
	}

	return res
}

// invoke runs one scoring function under the configured timeout.
func (e *Evaluator) invoke(ctx context.Context, fn Func, output string, vars map[string]string) (float64, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	score, err := fn(ctx, output, vars)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return 0, ErrScoreTimedOut
		}
		return 0, err
	}
	if score < 0 || score > 1 {
		return 0, fmt.Errorf("%w: %v", ErrOutOfRange, score)
	}
	return score, nil
}
