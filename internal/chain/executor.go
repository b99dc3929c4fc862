package chain

import (
	"context"
	"errors"
	"time"

	"github.com/fyrsmithlabs/chaind/internal/pattern"
	"github.com/fyrsmithlabs/chaind/internal/scoring"
)

// stageExecutor applies one pattern to the execution context and scores the
// result. Transform and scoring calls are the only operations that may
// block; both run under per-call timeouts.
type stageExecutor struct {
	eval             *scoring.Evaluator
	transformTimeout time.Duration
}

// attempt is the outcome of one (pattern, evaluate) cycle.
type attempt struct {
	output string
	scores map[string]float64
	faults []scoring.Fault

	// transformErr is set when the transformation failed or timed out;
	// all scores are zero in that case.
	transformErr *TransformError
	timedOut     bool

	// scoreTimeouts lists metrics whose scorer exceeded its budget.
	scoreTimeouts []string
}

// run applies the pattern and evaluates the gated metrics. A transform
// failure is not fatal here: scores come back zero and the fallback state
// machine decides what happens next.
func (e *stageExecutor) run(ctx context.Context, ec *Context, def pattern.Definition, metrics []string, fns map[string]scoring.Func) attempt {
	output, err := e.transform(ctx, ec, def)
	if err != nil {
		att := attempt{
			scores:       make(map[string]float64, len(metrics)),
			transformErr: &TransformError{Pattern: def.ID, Err: err},
			timedOut:     errors.Is(err, context.DeadlineExceeded),
		}
		for _, m := range metrics {
			att.scores[m] = 0.0
		}
		return att
	}

	res := e.eval.Evaluate(ctx, output, ec.Values, fns, metrics)
	return attempt{
		output:        output,
		scores:        res.Scores,
		faults:        res.Faults,
		scoreTimeouts: res.TimedOut,
	}
}

func (e *stageExecutor) transform(ctx context.Context, ec *Context, def pattern.Definition) (string, error) {
	if e.transformTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.transformTimeout)
		defer cancel()
	}
	return def.Transformer.Transform(ctx, ec.Output, ec.Values)
}
