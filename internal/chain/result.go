package chain

import (
	"time"

	"github.com/fyrsmithlabs/chaind/internal/scoring"
)

// RunStatus is the terminal state of a chain run.
type RunStatus string

const (
	// RunCompleted means every stage was attempted.
	RunCompleted RunStatus = "completed"

	// RunHalted means the run stopped early: a required stage exhausted
	// its fallbacks, a fatal timeout fired, or the run was cancelled.
	RunHalted RunStatus = "halted"
)

// Trail event kinds.
const (
	TrailAttempt      = "attempt"
	TrailScoringFault = "scoring_fault"
	TrailFallback     = "fallback"
	TrailAccept       = "accept"
	TrailExhausted    = "exhausted"
	TrailHalt         = "halt"
	TrailCancelled    = "cancelled"
)

// TrailEntry is one event in the run's reasoning trail.
type TrailEntry struct {
	Stage  int       `json:"stage"`
	Event  string    `json:"event"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// StageResult is the outcome of one stage. The result list always has one
// entry per template stage; stages after an early halt are placeholders
// with Attempted == false.
type StageResult struct {
	Index int `json:"index"`

	// Agent and Pattern identify what actually executed; Pattern differs
	// from the template's primary pattern when a fallback substituted.
	Agent   string `json:"agent"`
	Pattern string `json:"pattern"`

	Output string             `json:"output,omitempty"`
	Scores map[string]float64 `json:"scores,omitempty"`

	// Faults lists scoring failures absorbed as zero scores.
	Faults []scoring.Fault `json:"faults,omitempty"`

	// FallbackTriggered is true iff the executed pattern differs from the
	// stage's primary pattern.
	FallbackTriggered bool `json:"fallback_triggered"`

	// Substitutions counts how many fallback patterns were attempted.
	Substitutions int `json:"substitutions"`

	// Passed is true iff every gated metric met its threshold.
	Passed bool `json:"passed"`

	// Attempted is false for placeholder results after an early halt.
	Attempted bool `json:"attempted"`

	// Optional mirrors the stage spec's optional flag.
	Optional bool `json:"optional"`

	Duration time.Duration `json:"duration"`
}

// RunResult is the aggregate outcome of one chain run.
type RunResult struct {
	RunID    string    `json:"run_id"`
	Template string    `json:"template"`
	Status   RunStatus `json:"status"`

	// Passed is true iff every stage was attempted and passed.
	Passed bool `json:"passed"`

	Stages []StageResult `json:"stages"`

	// FinalOutput is the last accepted stage output, or the last attempted
	// output when the run halted.
	FinalOutput string `json:"final_output"`

	// Aggregate holds the per-metric mean across attempted stages,
	// excluding failed optional stages and unattempted placeholders.
	Aggregate map[string]float64 `json:"aggregate,omitempty"`

	// Substitutions is the total fallback substitutions across stages.
	Substitutions int `json:"substitutions"`

	// FailureReason is set when Status is RunHalted.
	FailureReason string `json:"failure_reason,omitempty"`

	Trail []TrailEntry `json:"trail,omitempty"`

	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// trace appends a trail entry.
func (r *RunResult) trace(stage int, event, detail string) {
	r.Trail = append(r.Trail, TrailEntry{
		Stage:  stage,
		Event:  event,
		Detail: detail,
		At:     time.Now().UTC(),
	})
}

// aggregate computes per-metric means over contributing stages: attempted
// stages minus failed optional ones. A failed required stage (the halting
// one) still contributes its observed scores.
func (r *RunResult) aggregate() {
	sums := make(map[string]float64)
	counts := make(map[string]int)

	for _, st := range r.Stages {
		if !st.Attempted {
			continue
		}
		if st.Optional && !st.Passed {
			continue
		}
		for metric, score := range st.Scores {
			sums[metric] += score
			counts[metric]++
		}
	}

	if len(sums) == 0 {
		return
	}
	r.Aggregate = make(map[string]float64, len(sums))
	for metric, sum := range sums {
		r.Aggregate[metric] = sum / float64(counts[metric])
	}
}
