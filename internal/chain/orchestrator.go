package chain

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/chaind/internal/agent"
	"github.com/fyrsmithlabs/chaind/internal/logging"
	"github.com/fyrsmithlabs/chaind/internal/memory"
	"github.com/fyrsmithlabs/chaind/internal/pattern"
	"github.com/fyrsmithlabs/chaind/internal/scoring"
)

// Options configures chain execution behavior.
type Options struct {
	// TransformTimeout bounds each pattern transformation call.
	TransformTimeout time.Duration

	// ScoreTimeout bounds each scoring function call.
	ScoreTimeout time.Duration

	// FatalTimeouts halts the run on a transform timeout instead of
	// routing the stage through the fallback path.
	FatalTimeouts bool
}

// Orchestrator drives chain templates through the stage executor and
// fallback state machine. It is safe for concurrent use; every run owns its
// own execution context and only the effectiveness memory is shared.
type Orchestrator struct {
	patterns *pattern.Registry
	agents   *agent.Registry
	mem      *memory.Registry
	logger   *logging.Logger
	metrics  *Metrics
	opts     Options
}

// NewOrchestrator creates an orchestrator over the given registries.
func NewOrchestrator(patterns *pattern.Registry, agents *agent.Registry, mem *memory.Registry, logger *logging.Logger, opts Options) *Orchestrator {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Orchestrator{
		patterns: patterns,
		agents:   agents,
		mem:      mem,
		logger:   logger.Named("chain"),
		metrics:  NewMetrics(),
		opts:     opts,
	}
}

// Run executes the template over the input. Validation failures surface as
// *ValidationError before any side effect. After validation a RunResult is
// always returned, even for halted runs; the error mirrors the halt cause
// (*LowConfidenceError, *TransformError, *ScoreTimeoutError, or the context
// error on cancellation) so callers can branch without digging through the
// result.
func (o *Orchestrator) Run(ctx context.Context, tmpl *Template, input string, scorers map[string]scoring.Func) (*RunResult, error) {
	if err := tmpl.Validate(o.patterns, o.agents); err != nil {
		return nil, err
	}

	runID := uuid.New().String()
	ctx = logging.WithRunID(ctx, runID)
	ec := newRunContext(runID, input)

	rr := &RunResult{
		RunID:     runID,
		Template:  tmpl.Name,
		Status:    RunCompleted,
		Stages:    make([]StageResult, len(tmpl.Chain)),
		StartedAt: time.Now().UTC(),
	}
	for i, st := range tmpl.Chain {
		rr.Stages[i] = StageResult{
			Index:    i,
			Agent:    st.Agent,
			Pattern:  st.Pattern,
			Optional: st.Optional(),
		}
	}

	exec := &stageExecutor{
		eval:             scoring.NewEvaluator(o.opts.ScoreTimeout),
		transformTimeout: o.opts.TransformTimeout,
	}
	picker := &fallbackPicker{
		patterns: o.patterns,
		mem:      o.mem,
		global:   tmpl.Fallback.OnLowConfidence,
	}

	o.logger.Info(ctx, "chain run started",
		zap.String("template", tmpl.Name),
		zap.Int("stages", len(tmpl.Chain)))

	var runErr error

	for i, st := range tmpl.Chain {
		// Cancellation checked between stages; in-flight work is never
		// preempted mid-transform.
		select {
		case <-ctx.Done():
			rr.trace(i, TrailCancelled, ctx.Err().Error())
			o.halt(rr, fmt.Sprintf("run cancelled before stage %d: %v", i, ctx.Err()))
			runErr = ctx.Err()
		default:
		}
		if runErr != nil {
			break
		}

		res, err := o.runStage(ctx, rr, ec, i, st, tmpl, exec, picker, scorers)
		rr.Stages[i] = res
		rr.Substitutions += res.Substitutions
		o.metrics.StageDuration.WithLabelValues(res.Agent, res.Pattern).Observe(res.Duration.Seconds())

		if err == nil {
			continue
		}

		switch e := err.(type) {
		case *LowConfidenceError:
			if res.Optional {
				// Diagnostic continuation: the unmet stage is recorded and
				// the previous output carries forward.
				rr.trace(i, TrailExhausted, e.Error())
				o.logger.Warn(ctx, "optional stage exhausted fallbacks", zap.Error(e))
				continue
			}
			rr.trace(i, TrailHalt, e.Error())
			o.halt(rr, e.Error())
			if res.Output != "" {
				ec.Output = res.Output
			}
			runErr = e
		case *TransformError:
			rr.trace(i, TrailHalt, e.Error())
			o.halt(rr, fmt.Sprintf("fatal timeout: %v", e))
			runErr = e
		case *ScoreTimeoutError:
			rr.trace(i, TrailHalt, e.Error())
			o.halt(rr, fmt.Sprintf("fatal timeout: %v", e))
			runErr = e
		default:
			// Cancellation at a fallback boundary.
			rr.trace(i, TrailCancelled, err.Error())
			o.halt(rr, fmt.Sprintf("run cancelled during stage %d: %v", i, err))
			runErr = err
		}
		break
	}

	rr.FinalOutput = ec.Output
	rr.Duration = time.Since(rr.StartedAt)
	rr.aggregate()

	rr.Passed = rr.Status == RunCompleted
	for _, st := range rr.Stages {
		if !st.Attempted || !st.Passed {
			rr.Passed = false
			break
		}
	}

	o.metrics.RunsTotal.WithLabelValues(string(rr.Status)).Inc()
	o.logger.Info(ctx, "chain run finished",
		zap.String("status", string(rr.Status)),
		zap.Bool("passed", rr.Passed),
		zap.Int("substitutions", rr.Substitutions),
		zap.Duration("duration", rr.Duration))

	return rr, runErr
}

func (o *Orchestrator) halt(rr *RunResult, reason string) {
	rr.Status = RunHalted
	rr.FailureReason = reason
}

// runStage drives one stage through the fallback state machine:
// ATTEMPT_PRIMARY -> EVALUATE -> {ACCEPT | ATTEMPT_FALLBACK -> EVALUATE ->
// {ACCEPT | EXHAUSTED}}, with substitutions bounded by max_iterations.
func (o *Orchestrator) runStage(ctx context.Context, rr *RunResult, ec *Context, index int, st StageSpec, tmpl *Template, exec *stageExecutor, picker *fallbackPicker, scorers map[string]scoring.Func) (StageResult, error) {
	sctx := logging.WithStage(ctx, index)
	start := time.Now()

	res := StageResult{
		Index:     index,
		Agent:     st.Agent,
		Pattern:   st.Pattern,
		Optional:  st.Optional(),
		Attempted: true,
	}

	// Both resolve; the template was validated before any stage ran.
	agentDef, _ := o.agents.Resolve(st.Agent)
	primary, _ := o.patterns.Resolve(st.Pattern)

	thresholds := st.Thresholds(primary, tmpl.Fallback)
	metrics := make([]string, 0, len(thresholds))
	for m := range thresholds {
		metrics = append(metrics, m)
	}
	sort.Strings(metrics)

	attempted := make(map[string]bool)
	current := primary
	var missed []MetricGap

	for depth := 0; ; depth++ {
		rr.trace(index, TrailAttempt, current.ID)
		att := exec.run(sctx, ec, current, metrics, scorers)
		attempted[current.ID] = true

		res.Pattern = current.ID
		res.Output = att.output
		res.Scores = att.scores
		res.Faults = append(res.Faults, att.faults...)
		res.Substitutions = depth

		for _, f := range att.faults {
			rr.trace(index, TrailScoringFault, f.Error())
			o.metrics.ScoringFaultsTotal.WithLabelValues(f.Metric).Inc()
		}
		if att.transformErr != nil {
			rr.trace(index, TrailScoringFault, att.transformErr.Error())
			if att.timedOut && o.opts.FatalTimeouts {
				res.Duration = time.Since(start)
				return res, att.transformErr
			}
		}
		if len(att.scoreTimeouts) > 0 && o.opts.FatalTimeouts {
			res.Duration = time.Since(start)
			return res, &ScoreTimeoutError{Pattern: current.ID, Metrics: att.scoreTimeouts}
		}

		// Cancellation observed once the in-flight call returns. The
		// attempt is discarded before acceptance or observation, so a
		// cancelled run never records the in-flight stage in memory.
		select {
		case <-ctx.Done():
			res.Duration = time.Since(start)
			return res, ctx.Err()
		default:
		}

		missed = missedThresholds(att.scores, thresholds)

		if len(missed) == 0 {
			res.Passed = true
			res.FallbackTriggered = current.ID != primary.ID
			o.observe(sctx, agentDef, current.ID, att.scores, metrics)
			ec.accept(index, agentDef.ID, att.output)
			rr.trace(index, TrailAccept, current.ID)
			res.Duration = time.Since(start)
			return res, nil
		}

		// The attempt completed; its observation counts even on failure.
		o.observe(sctx, agentDef, current.ID, att.scores, metrics)

		if depth >= tmpl.MaxIterations {
			break
		}
		next, ok := picker.next(agentDef, current, attempted)
		if !ok {
			break
		}

		rr.trace(index, TrailFallback, fmt.Sprintf("%s -> %s", current.ID, next.ID))
		o.metrics.FallbacksTotal.WithLabelValues(agentDef.ID).Inc()
		o.logger.Debug(sctx, "substituting fallback pattern",
			zap.String("from", current.ID),
			zap.String("to", next.ID))
		current = next
	}

	res.Passed = false
	res.FallbackTriggered = res.Pattern != primary.ID
	res.Duration = time.Since(start)
	return res, &LowConfidenceError{
		Stage:    index,
		Agent:    st.Agent,
		Pattern:  current.ID,
		Attempts: len(attempted),
		Missed:   missed,
	}
}

// observe folds the attempt's scores into the effectiveness memory as a
// single observation: the weighted mean over gated metrics using the
// agent's normalized focus weights.
func (o *Orchestrator) observe(ctx context.Context, agentDef agent.Definition, patternID string, scores map[string]float64, metrics []string) {
	weights := agentDef.NormalizedWeights(metrics)

	var observed float64
	for _, m := range metrics {
		observed += scores[m] * weights[m]
	}
	o.mem.Update(ctx, agentDef.ID, patternID, observed)
}

// missedThresholds returns the metrics whose score fell below threshold.
func missedThresholds(scores map[string]float64, thresholds map[string]float64) []MetricGap {
	var missed []MetricGap
	for metric, th := range thresholds {
		if scores[metric] < th {
			missed = append(missed, MetricGap{Metric: metric, Threshold: th, Score: scores[metric]})
		}
	}
	sort.Slice(missed, func(i, j int) bool { return missed[i].Metric < missed[j].Metric })
	return missed
}
