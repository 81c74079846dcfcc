package engine

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/stepwise/internal/config"
	"github.com/fyrsmithlabs/stepwise/internal/llm"
)

// Config is the immutable engine configuration. Each Engine keeps its own
// copy, so concurrent plans never share mutable settings.
type Config struct {
	MaxRetriesPerPhase     int
	RequireConfirmation    bool
	MinConfidenceThreshold float64
	EnableAutoRollback     bool
	VerboseLogging         bool
	// RetryFeedback appends the previous attempt's issues to a retried prompt.
	RetryFeedback bool
	PhaseTimeout  time.Duration
	StepTimeout   time.Duration
	Model         llm.Options
}

// DefaultConfig returns the defaults used when no file config is present.
func DefaultConfig() Config {
	return FromAppConfig(config.Default().Engine)
}

// FromAppConfig maps the engine section of the application config.
func FromAppConfig(c config.EngineConfig) Config {
	return Config{
		MaxRetriesPerPhase:     c.MaxRetriesPerPhase,
		RequireConfirmation:    c.RequireConfirmation,
		MinConfidenceThreshold: c.MinConfidenceThreshold,
		EnableAutoRollback:     c.EnableAutoRollback,
		VerboseLogging:         c.VerboseLogging,
		RetryFeedback:          c.RetryFeedback,
		PhaseTimeout:           c.PhaseTimeout.Duration(),
		StepTimeout:            c.StepTimeout.Duration(),
		Model:                  llm.Options{MaxTokens: c.MaxTokens, Temperature: c.Temperature},
	}
}

// Validate checks ranges.
func (c Config) Validate() error {
	if c.MaxRetriesPerPhase < 0 {
		return fmt.Errorf("%w: max_retries_per_phase must be >= 0, got %d", ErrInvalidConfig, c.MaxRetriesPerPhase)
	}
	if c.MinConfidenceThreshold < 0 || c.MinConfidenceThreshold > 1 {
		return fmt.Errorf("%w: min_confidence_threshold must be in [0,1], got %g", ErrInvalidConfig, c.MinConfidenceThreshold)
	}
	if c.PhaseTimeout <= 0 {
		return fmt.Errorf("%w: phase timeout must be positive", ErrInvalidConfig)
	}
	if c.StepTimeout <= 0 {
		return fmt.Errorf("%w: step timeout must be positive", ErrInvalidConfig)
	}
	if c.Model.MaxTokens < 0 {
		return fmt.Errorf("%w: max tokens must not be negative", ErrInvalidConfig)
	}
	return nil
}
