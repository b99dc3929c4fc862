// Package config provides configuration loading for chaind.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (CHAIND_ENGINE_MAX_CONCURRENT_RUNS, ...)
//  2. YAML config file
//  3. Hardcoded defaults
package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/chaind/internal/logging"
)

// Duration wraps time.Duration for text unmarshaling (YAML, env vars).
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	if parsed < 0 {
		return fmt.Errorf("duration cannot be negative: %s", text)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration().String()), nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration().String())
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Config holds the complete chaind configuration.
type Config struct {
	Logging logging.Config `koanf:"logging"`
	Engine  EngineConfig   `koanf:"engine"`
	Memory  MemoryConfig   `koanf:"memory"`
}

// EngineConfig holds chain execution settings.
type EngineConfig struct {
	// MaxConcurrentRuns bounds how many chain runs execute at once.
	MaxConcurrentRuns int64 `koanf:"max_concurrent_runs"`

	// TransformTimeout is the per-call budget for a pattern transformation.
	TransformTimeout Duration `koanf:"transform_timeout"`

	// ScoreTimeout is the per-call budget for a scoring function.
	ScoreTimeout Duration `koanf:"score_timeout"`

	// FatalTimeouts aborts a run on transform/score timeout instead of
	// routing the stage through the fallback path.
	FatalTimeouts bool `koanf:"fatal_timeouts"`
}

// MemoryConfig holds effectiveness memory settings.
type MemoryConfig struct {
	// Alpha is the EWMA smoothing factor for effectiveness updates.
	Alpha float64 `koanf:"alpha"`

	// Path is the durable store location. Empty disables persistence.
	Path string `koanf:"path"`
}

// Default returns a configuration with production defaults.
func Default() *Config {
	return &Config{
		Logging: *logging.NewDefaultConfig(),
		Engine: EngineConfig{
			MaxConcurrentRuns: 8,
			TransformTimeout:  Duration(30 * time.Second),
			ScoreTimeout:      Duration(10 * time.Second),
			FatalTimeouts:     false,
		},
		Memory: MemoryConfig{
			Alpha: 0.3,
			Path:  "",
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if c.Engine.MaxConcurrentRuns < 1 {
		return fmt.Errorf("engine.max_concurrent_runs must be >= 1, got %d", c.Engine.MaxConcurrentRuns)
	}
	if c.Engine.TransformTimeout.Duration() <= 0 {
		return fmt.Errorf("engine.transform_timeout must be > 0")
	}
	if c.Engine.ScoreTimeout.Duration() <= 0 {
		return fmt.Errorf("engine.score_timeout must be > 0")
	}
	if c.Memory.Alpha <= 0 || c.Memory.Alpha > 1 {
		return fmt.Errorf("memory.alpha must be in (0, 1], got %v", c.Memory.Alpha)
	}
	return nil
}
