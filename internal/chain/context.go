package chain

import "fmt"

// Context carries the running text and the accumulating key-value bag of
// upstream stage outputs through one chain run. It is owned exclusively by
// that run and never shared; cancellation travels on the context.Context
// threaded through Run, checked between stages and at fallback boundaries.
type Context struct {
	// RunID identifies the run for logs and diagnostics.
	RunID string

	// Input is the caller's original input text.
	Input string

	// Output is the running text: each accepted stage's output becomes
	// the next stage's input.
	Output string

	// Values accumulates upstream stage outputs keyed by stage index and
	// agent, available to transformers and scorers downstream.
	Values map[string]string
}

func newRunContext(runID, input string) *Context {
	return &Context{
		RunID:  runID,
		Input:  input,
		Output: input,
		Values: map[string]string{"input": input},
	}
}

// accept records an accepted stage output and advances the running text.
func (c *Context) accept(index int, agentID, output string) {
	c.Output = output
	c.Values[fmt.Sprintf("stage_%d_output", index)] = output
	c.Values[agentID+"_output"] = output
}
