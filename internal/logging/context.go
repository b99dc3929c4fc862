package logging

import (
	"context"
	"os"

	"go.uber.org/zap"
)

// Context key types
type runIDCtxKey struct{}
type stageCtxKey struct{}

// WithRunID attaches a chain run identifier to the context.
func WithRunID(ctx context.Context, runID string) context.Context {
	if runID == "" {
		return ctx
	}
	return context.WithValue(ctx, runIDCtxKey{}, runID)
}

// RunIDFromContext returns the run identifier, or "" if absent.
func RunIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(runIDCtxKey{}).(string); ok {
		return v
	}
	return ""
}

// WithStage attaches the current stage index to the context.
func WithStage(ctx context.Context, index int) context.Context {
	return context.WithValue(ctx, stageCtxKey{}, index)
}

// StageFromContext returns the stage index and whether one is set.
func StageFromContext(ctx context.Context) (int, bool) {
	v, ok := ctx.Value(stageCtxKey{}).(int)
	return v, ok
}

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 2)

	if runID := RunIDFromContext(ctx); runID != "" {
		fields = append(fields, zap.String("run.id", runID))
	}
	if stage, ok := StageFromContext(ctx); ok {
		fields = append(fields, zap.Int("run.stage", stage))
	}

	return fields
}

func stdout() *os.File {
	return os.Stdout
}
