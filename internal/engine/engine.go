// Package engine wires the chain orchestrator, the effectiveness memory,
// and the pattern/agent registries into a single runtime with a bounded
// run concurrency.
package engine

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/fyrsmithlabs/chaind/internal/agent"
	"github.com/fyrsmithlabs/chaind/internal/chain"
	"github.com/fyrsmithlabs/chaind/internal/config"
	"github.com/fyrsmithlabs/chaind/internal/logging"
	"github.com/fyrsmithlabs/chaind/internal/memory"
	"github.com/fyrsmithlabs/chaind/internal/pattern"
	"github.com/fyrsmithlabs/chaind/internal/scoring"
)

// Engine owns the registries, the effectiveness memory, and the
// orchestrator, and bounds how many chain runs execute concurrently.
type Engine struct {
	cfg      *config.Config
	logger   *logging.Logger
	patterns *pattern.Registry
	agents   *agent.Registry
	mem      *memory.Registry
	orch     *chain.Orchestrator
	sem      *semaphore.Weighted

	closeOnce sync.Once
	closeErr  error
}

// New builds an engine from the configuration. When memory.path is set the
// effectiveness memory is backed by a file store and hydrated from it;
// otherwise memory is in-process only.
func New(cfg *config.Config, logger *logging.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine config: %w", err)
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	var store memory.Store
	if cfg.Memory.Path != "" {
		fs, err := memory.NewFileStore(cfg.Memory.Path)
		if err != nil {
			return nil, fmt.Errorf("open memory store: %w", err)
		}
		store = fs
	}

	// NewRegistry and NewOrchestrator name their own loggers.
	mem, err := memory.NewRegistry(cfg.Memory.Alpha, store, logger)
	if err != nil {
		return nil, fmt.Errorf("build memory registry: %w", err)
	}

	patterns := pattern.NewRegistry()
	agents := agent.NewRegistry(patterns)

	orch := chain.NewOrchestrator(patterns, agents, mem, logger, chain.Options{
		TransformTimeout: cfg.Engine.TransformTimeout.Duration(),
		ScoreTimeout:     cfg.Engine.ScoreTimeout.Duration(),
		FatalTimeouts:    cfg.Engine.FatalTimeouts,
	})

	return &Engine{
		cfg:      cfg,
		logger:   logger,
		patterns: patterns,
		agents:   agents,
		mem:      mem,
		orch:     orch,
		sem:      semaphore.NewWeighted(cfg.Engine.MaxConcurrentRuns),
	}, nil
}

// RegisterPattern adds a pattern definition to the registry.
func (e *Engine) RegisterPattern(def pattern.Definition) error {
	return e.patterns.Register(def)
}

// RegisterAgent adds an agent definition. Its allowed patterns must already
// be registered.
func (e *Engine) RegisterAgent(def agent.Definition) error {
	return e.agents.Register(def)
}

// Patterns exposes the pattern registry for template validation.
func (e *Engine) Patterns() *pattern.Registry { return e.patterns }

// Agents exposes the agent registry for template validation.
func (e *Engine) Agents() *agent.Registry { return e.agents }

// Submit executes one chain run, blocking while the engine is at its
// concurrency limit. Acquisition respects ctx, so a cancelled caller does
// not queue forever behind running chains.
func (e *Engine) Submit(ctx context.Context, tmpl *chain.Template, input string, scorers map[string]scoring.Func) (*chain.RunResult, error) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire run slot: %w", err)
	}
	defer e.sem.Release(1)

	return e.orch.Run(ctx, tmpl, input, scorers)
}

// MemorySnapshot returns the current effectiveness records, sorted by key.
func (e *Engine) MemorySnapshot() []memory.Record {
	return e.mem.Snapshot()
}

// Close flushes pending memory writes and releases the store. Safe to call
// more than once.
func (e *Engine) Close(ctx context.Context) error {
	e.closeOnce.Do(func() {
		e.logger.Info(ctx, "engine shutting down",
			zap.Int("memory_records", len(e.mem.Snapshot())))
		e.closeErr = e.mem.Close(ctx)
	})
	return e.closeErr
}
