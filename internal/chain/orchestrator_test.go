package chain

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/chaind/internal/agent"
	"github.com/fyrsmithlabs/chaind/internal/logging"
	"github.com/fyrsmithlabs/chaind/internal/memory"
	"github.com/fyrsmithlabs/chaind/internal/pattern"
	"github.com/fyrsmithlabs/chaind/internal/scoring"
)

// marker returns a transformer that appends its pattern id to the running
// text, so tests can trace which patterns executed.
func marker(id string) pattern.Transformer {
	return pattern.TransformerFunc(func(ctx context.Context, in string, vars map[string]string) (string, error) {
		return in + "|" + id, nil
	})
}

// lastMarker extracts the id appended by the most recent transformer.
func lastMarker(output string) string {
	parts := strings.Split(output, "|")
	return parts[len(parts)-1]
}

// scoreByMarker builds a deterministic scorer that looks up the executed
// pattern's configured score.
func scoreByMarker(table map[string]float64) scoring.Func {
	return func(ctx context.Context, output string, vars map[string]string) (float64, error) {
		return table[lastMarker(output)], nil
	}
}

type fixture struct {
	patterns *pattern.Registry
	agents   *agent.Registry
	mem      *memory.Registry
	orch     *Orchestrator
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	mem, err := memory.NewRegistry(0.3, nil, logging.NewNop())
	require.NoError(t, err)

	patterns := pattern.NewRegistry()
	agents := agent.NewRegistry(patterns)
	return &fixture{
		patterns: patterns,
		agents:   agents,
		mem:      mem,
		orch:     NewOrchestrator(patterns, agents, mem, logging.NewNop(), opts),
	}
}

func (f *fixture) addPattern(t *testing.T, def pattern.Definition) {
	t.Helper()
	if def.Transformer == nil {
		def.Transformer = marker(def.ID)
	}
	require.NoError(t, f.patterns.Register(def))
}

func (f *fixture) addAgent(t *testing.T, def agent.Definition) {
	t.Helper()
	require.NoError(t, f.agents.Register(def))
}

func stage(agentID, patternID string, criteria map[string]float64) StageSpec {
	return StageSpec{Agent: agentID, Pattern: patternID, SuccessCriteria: criteria}
}

// Scenario: three stages, every stage meets its threshold on the first
// attempt.
func TestRunAllStagesPass(t *testing.T) {
	f := newFixture(t, Options{})
	for _, id := range []string{"distill", "expand", "polish"} {
		f.addPattern(t, pattern.Definition{ID: id})
	}
	f.addAgent(t, agent.Definition{ID: "a1", Patterns: []string{"distill"}})
	f.addAgent(t, agent.Definition{ID: "a2", Patterns: []string{"expand"}})
	f.addAgent(t, agent.Definition{ID: "a3", Patterns: []string{"polish"}})

	tmpl := &Template{
		Name: "happy",
		Chain: []StageSpec{
			stage("a1", "distill", map[string]float64{"clarity": 0.8}),
			stage("a2", "expand", map[string]float64{"clarity": 0.8}),
			stage("a3", "polish", map[string]float64{"clarity": 0.8}),
		},
		MaxIterations: 1,
	}
	scorers := map[string]scoring.Func{
		"clarity": scoreByMarker(map[string]float64{"distill": 0.9, "expand": 0.85, "polish": 0.95}),
	}

	rr, err := f.orch.Run(context.Background(), tmpl, "draft", scorers)
	require.NoError(t, err)

	assert.Equal(t, RunCompleted, rr.Status)
	assert.True(t, rr.Passed)
	assert.Zero(t, rr.Substitutions)
	require.Len(t, rr.Stages, 3)
	for _, st := range rr.Stages {
		assert.True(t, st.Attempted)
		assert.True(t, st.Passed)
		assert.False(t, st.FallbackTriggered)
	}
	assert.Equal(t, "draft|distill|expand|polish", rr.FinalOutput)
	assert.InDelta(t, (0.9+0.85+0.95)/3, rr.Aggregate["clarity"], 1e-9)
}

// Scenario: the stage's primary pattern misses its threshold, the declared
// fallback passes.
func TestRunDeclaredFallbackPasses(t *testing.T) {
	f := newFixture(t, Options{})
	f.addPattern(t, pattern.Definition{ID: "polish", FallbackID: "polish-deep"})
	f.addPattern(t, pattern.Definition{ID: "polish-deep"})
	f.addAgent(t, agent.Definition{ID: "reviewer", Patterns: []string{"polish"}})

	tmpl := &Template{
		Name:          "fallback",
		Chain:         []StageSpec{stage("reviewer", "polish", map[string]float64{"clarity": 0.85})},
		MaxIterations: 1,
	}
	scorers := map[string]scoring.Func{
		"clarity": scoreByMarker(map[string]float64{"polish": 0.70, "polish-deep": 0.90}),
	}

	rr, err := f.orch.Run(context.Background(), tmpl, "draft", scorers)
	require.NoError(t, err)

	st := rr.Stages[0]
	assert.True(t, st.Passed)
	assert.True(t, st.FallbackTriggered)
	assert.Equal(t, "polish-deep", st.Pattern)
	assert.Equal(t, 1, st.Substitutions)
	assert.Equal(t, 1, rr.Substitutions)
	assert.True(t, rr.Passed)
}

// Scenario: primary and its one declared fallback both miss the threshold
// with max_iterations = 1; the run halts with the missed metric and gap.
func TestRunRequiredStageExhausts(t *testing.T) {
	f := newFixture(t, Options{})
	f.addPattern(t, pattern.Definition{ID: "final", FallbackID: "final-alt"})
	f.addPattern(t, pattern.Definition{ID: "final-alt"})
	f.addPattern(t, pattern.Definition{ID: "intro"})
	f.addAgent(t, agent.Definition{ID: "opener", Patterns: []string{"intro"}})
	f.addAgent(t, agent.Definition{ID: "closer", Patterns: []string{"final"}})

	tmpl := &Template{
		Name: "strict",
		Chain: []StageSpec{
			stage("opener", "intro", map[string]float64{"clarity": 0.5}),
			stage("closer", "final", map[string]float64{"clarity": 0.90}),
			stage("opener", "intro", map[string]float64{"clarity": 0.5}),
		},
		MaxIterations: 1,
	}
	scorers := map[string]scoring.Func{
		"clarity": scoreByMarker(map[string]float64{"intro": 0.9, "final": 0.70, "final-alt": 0.80}),
	}

	rr, err := f.orch.Run(context.Background(), tmpl, "draft", scorers)
	require.Error(t, err)

	var lce *LowConfidenceError
	require.ErrorAs(t, err, &lce)
	assert.Equal(t, 1, lce.Stage)
	assert.Equal(t, "closer", lce.Agent)
	assert.Equal(t, "final-alt", lce.Pattern)
	assert.Equal(t, 2, lce.Attempts)
	require.Len(t, lce.Missed, 1)
	assert.Equal(t, "clarity", lce.Missed[0].Metric)
	assert.InDelta(t, 0.90-0.80, lce.Missed[0].Gap(), 1e-9)

	assert.Equal(t, RunHalted, rr.Status)
	assert.False(t, rr.Passed)
	assert.NotEmpty(t, rr.FailureReason)

	// Result cardinality holds even on early halt.
	require.Len(t, rr.Stages, 3)
	assert.True(t, rr.Stages[0].Attempted)
	assert.True(t, rr.Stages[1].Attempted)
	assert.False(t, rr.Stages[1].Passed)
	assert.False(t, rr.Stages[2].Attempted)
}

// Scenario: two fallback candidates pass equally; the one with seeded
// memory effectiveness is chosen.
func TestRunMemoryBiasedFallback(t *testing.T) {
	f := newFixture(t, Options{})
	f.addPattern(t, pattern.Definition{ID: "primary"})
	f.addPattern(t, pattern.Definition{ID: "pattern-b"})
	f.addPattern(t, pattern.Definition{ID: "pattern-a"})
	f.addAgent(t, agent.Definition{ID: "agent-x", Patterns: []string{"primary", "pattern-b", "pattern-a"}})

	ctx := context.Background()
	for _, s := range []float64{0.80, 0.82, 0.81} {
		f.mem.Update(ctx, "agent-x", "pattern-a", s)
	}

	tmpl := &Template{
		Name:          "biased",
		Chain:         []StageSpec{stage("agent-x", "primary", map[string]float64{"clarity": 0.8})},
		MaxIterations: 2,
	}
	scorers := map[string]scoring.Func{
		"clarity": scoreByMarker(map[string]float64{"primary": 0.5, "pattern-a": 0.9, "pattern-b": 0.9}),
	}

	rr, err := f.orch.Run(ctx, tmpl, "draft", scorers)
	require.NoError(t, err)
	assert.Equal(t, "pattern-a", rr.Stages[0].Pattern)
}

func TestRunOptionalStageFailureContinues(t *testing.T) {
	f := newFixture(t, Options{})
	f.addPattern(t, pattern.Definition{ID: "distill"})
	f.addPattern(t, pattern.Definition{ID: "embellish"})
	f.addPattern(t, pattern.Definition{ID: "polish"})
	f.addAgent(t, agent.Definition{ID: "a1", Patterns: []string{"distill"}})
	f.addAgent(t, agent.Definition{ID: "a2", Patterns: []string{"embellish"}})
	f.addAgent(t, agent.Definition{ID: "a3", Patterns: []string{"polish"}})

	optional := stage("a2", "embellish", map[string]float64{"clarity": 0.9})
	optional.Config = map[string]any{"optional": true}

	tmpl := &Template{
		Name: "lenient",
		Chain: []StageSpec{
			stage("a1", "distill", map[string]float64{"clarity": 0.5}),
			optional,
			stage("a3", "polish", map[string]float64{"clarity": 0.5}),
		},
	}
	scorers := map[string]scoring.Func{
		"clarity": scoreByMarker(map[string]float64{"distill": 0.8, "embellish": 0.2, "polish": 0.9}),
	}

	rr, err := f.orch.Run(context.Background(), tmpl, "draft", scorers)
	require.NoError(t, err)

	assert.Equal(t, RunCompleted, rr.Status)
	assert.False(t, rr.Passed)
	assert.True(t, rr.Stages[1].Attempted)
	assert.False(t, rr.Stages[1].Passed)

	// The failed optional stage's output does not propagate downstream and
	// its scores stay out of the aggregate.
	assert.Equal(t, "draft|distill|polish", rr.FinalOutput)
	assert.InDelta(t, (0.8+0.9)/2, rr.Aggregate["clarity"], 1e-9)
}

func TestRunFallbackBound(t *testing.T) {
	f := newFixture(t, Options{})
	ids := []string{"p0", "p1", "p2", "p3", "p4"}
	for _, id := range ids {
		f.addPattern(t, pattern.Definition{ID: id})
	}
	f.addAgent(t, agent.Definition{ID: "a", Patterns: ids})

	tmpl := &Template{
		Name:          "bounded",
		Chain:         []StageSpec{stage("a", "p0", map[string]float64{"clarity": 0.99})},
		MaxIterations: 2,
	}
	scorers := map[string]scoring.Func{
		"clarity": func(ctx context.Context, output string, vars map[string]string) (float64, error) {
			return 0.1, nil
		},
	}

	rr, err := f.orch.Run(context.Background(), tmpl, "draft", scorers)
	require.Error(t, err)

	var lce *LowConfidenceError
	require.ErrorAs(t, err, &lce)
	assert.Equal(t, 3, lce.Attempts, "primary plus max_iterations substitutions")
	assert.Equal(t, 2, rr.Stages[0].Substitutions)
}

func TestRunDeterministicMetrics(t *testing.T) {
	build := func() (*fixture, *Template, map[string]scoring.Func) {
		f := newFixture(t, Options{})
		f.addPattern(t, pattern.Definition{ID: "distill"})
		f.addAgent(t, agent.Definition{ID: "a", Patterns: []string{"distill"}})
		tmpl := &Template{
			Name:  "repeat",
			Chain: []StageSpec{stage("a", "distill", map[string]float64{"clarity": 0.5, "coverage": 0.5})},
		}
		scorers := map[string]scoring.Func{
			"clarity":  scoreByMarker(map[string]float64{"distill": 0.8}),
			"coverage": scoreByMarker(map[string]float64{"distill": 0.6}),
		}
		return f, tmpl, scorers
	}

	f1, tmpl, scorers := build()
	first, err := f1.orch.Run(context.Background(), tmpl, "in", scorers)
	require.NoError(t, err)

	f2, tmpl2, scorers2 := build()
	second, err := f2.orch.Run(context.Background(), tmpl2, "in", scorers2)
	require.NoError(t, err)

	assert.Equal(t, first.Stages[0].Scores, second.Stages[0].Scores)
	assert.Equal(t, first.Aggregate, second.Aggregate)
	assert.Equal(t, first.Passed, second.Passed)
	assert.Equal(t, first.FinalOutput, second.FinalOutput)
}

func TestRunCancellationDiscardsInFlightStage(t *testing.T) {
	f := newFixture(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())

	f.addPattern(t, pattern.Definition{ID: "distill"})
	f.addPattern(t, pattern.Definition{
		ID: "expand",
		Transformer: pattern.TransformerFunc(func(ctx context.Context, in string, vars map[string]string) (string, error) {
			cancel() // cancellation lands while this call is in flight
			return in + "|expand", nil
		}),
	})
	f.addPattern(t, pattern.Definition{ID: "polish"})
	f.addAgent(t, agent.Definition{ID: "a1", Patterns: []string{"distill"}})
	f.addAgent(t, agent.Definition{ID: "a2", Patterns: []string{"expand"}})
	f.addAgent(t, agent.Definition{ID: "a3", Patterns: []string{"polish"}})

	tmpl := &Template{
		Name: "cancelled",
		Chain: []StageSpec{
			stage("a1", "distill", map[string]float64{"clarity": 0.5}),
			stage("a2", "expand", map[string]float64{"clarity": 0.5}),
			stage("a3", "polish", map[string]float64{"clarity": 0.5}),
		},
	}
	scorers := map[string]scoring.Func{
		"clarity": func(ctx context.Context, output string, vars map[string]string) (float64, error) {
			return 0.9, nil
		},
	}

	rr, err := f.orch.Run(ctx, tmpl, "draft", scorers)
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, RunHalted, rr.Status)
	require.Len(t, rr.Stages, 3)
	assert.True(t, rr.Stages[0].Attempted)
	assert.True(t, rr.Stages[1].Attempted)
	assert.False(t, rr.Stages[1].Passed)
	assert.False(t, rr.Stages[2].Attempted)

	// The in-flight stage is never accepted: the running text stays at the
	// last completed stage.
	assert.Equal(t, "draft|distill", rr.FinalOutput)

	// Memory holds the completed stage only, nothing for the in-flight or
	// unattempted ones.
	_, ok := f.mem.Read("a1", "distill")
	assert.True(t, ok)
	_, ok = f.mem.Read("a2", "expand")
	assert.False(t, ok)
	_, ok = f.mem.Read("a3", "polish")
	assert.False(t, ok)
}

func TestRunCancelledBeforeFirstStage(t *testing.T) {
	f := newFixture(t, Options{})
	f.addPattern(t, pattern.Definition{ID: "distill"})
	f.addAgent(t, agent.Definition{ID: "a1", Patterns: []string{"distill"}})

	tmpl := &Template{
		Name:  "stillborn",
		Chain: []StageSpec{stage("a1", "distill", map[string]float64{"clarity": 0.5})},
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rr, err := f.orch.Run(ctx, tmpl, "draft", nil)
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, RunHalted, rr.Status)
	assert.False(t, rr.Stages[0].Attempted)
	assert.Empty(t, f.mem.Snapshot())
}

func TestRunCancellationAtFallbackBoundary(t *testing.T) {
	f := newFixture(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())

	f.addPattern(t, pattern.Definition{
		ID: "flaky",
		Transformer: pattern.TransformerFunc(func(ctx context.Context, in string, vars map[string]string) (string, error) {
			cancel()
			return in + "|flaky", nil
		}),
	})
	f.addPattern(t, pattern.Definition{ID: "rescue"})
	f.addAgent(t, agent.Definition{ID: "a", Patterns: []string{"flaky", "rescue"}})

	tmpl := &Template{
		Name:          "boundary",
		Chain:         []StageSpec{stage("a", "flaky", map[string]float64{"clarity": 0.9})},
		MaxIterations: 3,
	}
	scorers := map[string]scoring.Func{
		"clarity": func(ctx context.Context, output string, vars map[string]string) (float64, error) {
			return 0.1, nil
		},
	}

	rr, err := f.orch.Run(ctx, tmpl, "draft", scorers)
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, RunHalted, rr.Status)
	assert.Zero(t, rr.Stages[0].Substitutions, "no fallback attempted after cancellation")

	// No partial-credit updates: neither the in-flight pattern nor the
	// never-run rescue shows up in memory.
	_, ok := f.mem.Read("a", "flaky")
	assert.False(t, ok)
	_, ok = f.mem.Read("a", "rescue")
	assert.False(t, ok)
}

func TestRunFatalTimeoutHalts(t *testing.T) {
	f := newFixture(t, Options{
		TransformTimeout: 10 * time.Millisecond,
		FatalTimeouts:    true,
	})
	f.addPattern(t, pattern.Definition{
		ID: "slow",
		Transformer: pattern.TransformerFunc(func(ctx context.Context, in string, vars map[string]string) (string, error) {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Second):
				return in, nil
			}
		}),
	})
	f.addAgent(t, agent.Definition{ID: "a", Patterns: []string{"slow"}})

	tmpl := &Template{
		Name:  "timeout",
		Chain: []StageSpec{stage("a", "slow", map[string]float64{"clarity": 0.5})},
	}

	rr, err := f.orch.Run(context.Background(), tmpl, "draft", nil)
	require.Error(t, err)

	var terr *TransformError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "slow", terr.Pattern)
	assert.Equal(t, RunHalted, rr.Status)
}

func TestRunFatalScoreTimeoutHalts(t *testing.T) {
	f := newFixture(t, Options{
		ScoreTimeout:  10 * time.Millisecond,
		FatalTimeouts: true,
	})
	f.addPattern(t, pattern.Definition{ID: "distill"})
	f.addPattern(t, pattern.Definition{ID: "rescue"})
	f.addAgent(t, agent.Definition{ID: "a", Patterns: []string{"distill", "rescue"}})

	tmpl := &Template{
		Name:          "slow-scorer",
		Chain:         []StageSpec{stage("a", "distill", map[string]float64{"clarity": 0.5})},
		MaxIterations: 1,
	}
	scorers := map[string]scoring.Func{
		"clarity": func(ctx context.Context, output string, vars map[string]string) (float64, error) {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(time.Second):
				return 0.9, nil
			}
		},
	}

	rr, err := f.orch.Run(context.Background(), tmpl, "draft", scorers)
	require.Error(t, err)

	var serr *ScoreTimeoutError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "distill", serr.Pattern)
	assert.Equal(t, []string{"clarity"}, serr.Metrics)

	assert.Equal(t, RunHalted, rr.Status)
	assert.Equal(t, "distill", rr.Stages[0].Pattern, "no fallback rode over the timeout")
}

func TestRunNonFatalTimeoutFollowsFallbackPath(t *testing.T) {
	f := newFixture(t, Options{TransformTimeout: 10 * time.Millisecond})
	f.addPattern(t, pattern.Definition{
		ID: "slow",
		Transformer: pattern.TransformerFunc(func(ctx context.Context, in string, vars map[string]string) (string, error) {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Second):
				return in, nil
			}
		}),
	})
	f.addPattern(t, pattern.Definition{ID: "rescue"})
	f.addAgent(t, agent.Definition{ID: "a", Patterns: []string{"slow", "rescue"}})

	tmpl := &Template{
		Name:          "degraded",
		Chain:         []StageSpec{stage("a", "slow", map[string]float64{"clarity": 0.5})},
		MaxIterations: 1,
	}
	scorers := map[string]scoring.Func{
		"clarity": func(ctx context.Context, output string, vars map[string]string) (float64, error) {
			return 0.9, nil
		},
	}

	rr, err := f.orch.Run(context.Background(), tmpl, "draft", scorers)
	require.NoError(t, err)

	st := rr.Stages[0]
	assert.True(t, st.Passed)
	assert.True(t, st.FallbackTriggered)
	assert.Equal(t, "rescue", st.Pattern)
}

func TestRunValidationErrorHasNoSideEffects(t *testing.T) {
	f := newFixture(t, Options{})
	f.addPattern(t, pattern.Definition{ID: "distill"})
	f.addAgent(t, agent.Definition{ID: "a", Patterns: []string{"distill"}})

	tmpl := &Template{
		Name:  "invalid",
		Chain: []StageSpec{stage("a", "ghost", nil)},
	}

	rr, err := f.orch.Run(context.Background(), tmpl, "draft", nil)
	assert.Nil(t, rr)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Empty(t, f.mem.Snapshot())
}

func TestRunMemoryUpdatedPerAttempt(t *testing.T) {
	f := newFixture(t, Options{})
	f.addPattern(t, pattern.Definition{ID: "primary"})
	f.addPattern(t, pattern.Definition{ID: "backup"})
	f.addAgent(t, agent.Definition{ID: "a", Patterns: []string{"primary", "backup"}})

	tmpl := &Template{
		Name:          "observed",
		Chain:         []StageSpec{stage("a", "primary", map[string]float64{"clarity": 0.8})},
		MaxIterations: 1,
	}
	scorers := map[string]scoring.Func{
		"clarity": scoreByMarker(map[string]float64{"primary": 0.3, "backup": 0.9}),
	}

	_, err := f.orch.Run(context.Background(), tmpl, "draft", scorers)
	require.NoError(t, err)

	primaryRec, ok := f.mem.Read("a", "primary")
	require.True(t, ok)
	assert.InDelta(t, 0.3, primaryRec.Effectiveness, 1e-9)

	backupRec, ok := f.mem.Read("a", "backup")
	require.True(t, ok)
	assert.InDelta(t, 0.9, backupRec.Effectiveness, 1e-9)
}

func TestRunTrailRecordsFallbacks(t *testing.T) {
	f := newFixture(t, Options{})
	f.addPattern(t, pattern.Definition{ID: "polish", FallbackID: "polish-deep"})
	f.addPattern(t, pattern.Definition{ID: "polish-deep"})
	f.addAgent(t, agent.Definition{ID: "reviewer", Patterns: []string{"polish"}})

	tmpl := &Template{
		Name:          "traced",
		Chain:         []StageSpec{stage("reviewer", "polish", map[string]float64{"clarity": 0.85})},
		MaxIterations: 1,
	}
	scorers := map[string]scoring.Func{
		"clarity": scoreByMarker(map[string]float64{"polish": 0.70, "polish-deep": 0.90}),
	}

	rr, err := f.orch.Run(context.Background(), tmpl, "draft", scorers)
	require.NoError(t, err)

	var events []string
	for _, e := range rr.Trail {
		events = append(events, e.Event)
	}
	assert.Equal(t, []string{TrailAttempt, TrailFallback, TrailAttempt, TrailAccept}, events)
}
