package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/chaind/internal/agent"
	"github.com/fyrsmithlabs/chaind/internal/chain"
	"github.com/fyrsmithlabs/chaind/internal/config"
	"github.com/fyrsmithlabs/chaind/internal/engine"
	"github.com/fyrsmithlabs/chaind/internal/logging"
	"github.com/fyrsmithlabs/chaind/internal/pattern"
	"github.com/fyrsmithlabs/chaind/internal/scoring"
)

var (
	// dryScore is the constant score every metric receives during a dry run
	dryScore float64
)

// runCmd dry-runs a template against synthesized passthrough patterns
var runCmd = &cobra.Command{
	Use:   "run <template.json> [input]",
	Short: "Dry-run a chain template",
	Long: `Dry-run a chain template with passthrough transformers.

Every pattern the template references is synthesized as a passthrough that
tags the text with its id, and every metric scores a constant value. This
exercises the full fallback and scoring machinery without real
transformers, which is useful for checking how a template behaves before
wiring it into an application.

Examples:
  # Dry-run with input from a file
  chaind run summarize.json draft.txt

  # Dry-run with input from stdin
  cat draft.txt | chaind run summarize.json -

  # Force every stage below threshold to watch the fallback path
  chaind run --score 0.1 summarize.json draft.txt`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runRun,
}

func init() {
	runCmd.Flags().Float64Var(&dryScore, "score", 1.0, "constant score for every metric")
}

// runRun handles the run command
func runRun(cmd *cobra.Command, args []string) error {
	if err := checkDryScore(dryScore); err != nil {
		return err
	}

	tmpl, err := chain.LoadTemplate(args[0])
	if err != nil {
		return fmt.Errorf("failed to load template: %w", err)
	}

	input, err := readInput(args[1:])
	if err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.NewLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	eng, err := engine.New(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = eng.Close(context.Background()) }()

	patternIDs, agentPatterns := templateDefinitions(tmpl)
	for _, id := range patternIDs {
		if err := eng.RegisterPattern(passthroughPattern(id)); err != nil {
			return fmt.Errorf("failed to register pattern %s: %w", id, err)
		}
	}
	for _, agentID := range sortedKeys(agentPatterns) {
		if err := eng.RegisterAgent(agent.Definition{
			ID:       agentID,
			Patterns: agentPatterns[agentID],
		}); err != nil {
			return fmt.Errorf("failed to register agent %s: %w", agentID, err)
		}
	}

	scorers := make(map[string]scoring.Func)
	for _, metric := range templateMetrics(tmpl) {
		scorers[metric] = func(ctx context.Context, output string, vars map[string]string) (float64, error) {
			return dryScore, nil
		}
	}

	rr, runErr := eng.Submit(cmd.Context(), tmpl, input, scorers)
	if rr != nil {
		out, err := json.MarshalIndent(rr, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode result: %w", err)
		}
		fmt.Println(string(out))
	}
	return runErr
}

// checkDryScore rejects scores a metric could never legally return.
func checkDryScore(v float64) error {
	if v < 0 || v > 1 {
		return fmt.Errorf("--score must be in [0.0, 1.0], got %v", v)
	}
	return nil
}

// readInput reads the chain input from a file argument, "-", or stdin.
func readInput(args []string) (string, error) {
	if len(args) == 0 || args[0] == "-" {
		content, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("failed to read from stdin: %w", err)
		}
		return string(content), nil
	}

	content, err := os.ReadFile(args[0])
	if err != nil {
		return "", fmt.Errorf("failed to read file %s: %w", args[0], err)
	}
	return string(content), nil
}

// templateDefinitions collects the pattern ids and per-agent allow-lists a
// dry run has to synthesize. Agent allow-lists keep stage declaration
// order; the global fallback pattern is appended to every agent so the
// last-resort path stays reachable.
func templateDefinitions(tmpl *chain.Template) ([]string, map[string][]string) {
	var patternIDs []string
	seen := make(map[string]bool)
	addPattern := func(id string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		patternIDs = append(patternIDs, id)
	}

	agentPatterns := make(map[string][]string)
	agentSeen := make(map[string]map[string]bool)
	addAllowed := func(agentID, patternID string) {
		if patternID == "" {
			return
		}
		if agentSeen[agentID] == nil {
			agentSeen[agentID] = make(map[string]bool)
		}
		if agentSeen[agentID][patternID] {
			return
		}
		agentSeen[agentID][patternID] = true
		agentPatterns[agentID] = append(agentPatterns[agentID], patternID)
	}

	for _, st := range tmpl.Chain {
		addPattern(st.Pattern)
		addAllowed(st.Agent, st.Pattern)
	}
	addPattern(tmpl.Fallback.OnLowConfidence)
	for agentID := range agentPatterns {
		addAllowed(agentID, tmpl.Fallback.OnLowConfidence)
	}

	return patternIDs, agentPatterns
}

// templateMetrics returns every metric any stage gates on, deduplicated
// and sorted.
func templateMetrics(tmpl *chain.Template) []string {
	seen := make(map[string]bool)
	for _, st := range tmpl.Chain {
		for m := range st.SuccessCriteria {
			seen[m] = true
		}
	}
	if len(seen) == 0 {
		seen[chain.DefaultMetric] = true
	}

	out := make([]string, 0, len(seen))
	for m := range seen {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// passthroughPattern builds a transformer that tags the text with the
// pattern id so the dry-run output shows which patterns executed.
func passthroughPattern(id string) pattern.Definition {
	return pattern.Definition{
		ID: id,
		Transformer: pattern.TransformerFunc(func(ctx context.Context, in string, vars map[string]string) (string, error) {
			return fmt.Sprintf("%s\n[%s applied]", in, id), nil
		}),
	}
}
