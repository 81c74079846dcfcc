// Package llm provides the language model interface the engine consumes and
// HTTP clients for the Anthropic and OpenAI completion APIs.
package llm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fyrsmithlabs/stepwise/internal/config"
	"github.com/fyrsmithlabs/stepwise/internal/logging"
)

// Default configuration values.
const (
	defaultAnthropicBaseURL = "https://api.anthropic.com"
	defaultAnthropicModel   = "claude-sonnet-4-5"
	defaultOpenAIBaseURL    = "https://api.openai.com"
	defaultOpenAIModel      = "gpt-4o-mini"
	defaultMaxTokens        = 2048
	defaultTimeout          = 60 * time.Second
	defaultMaxRetries       = 3
	defaultBaseBackoff      = 1 * time.Second
	defaultRequestsPerMin   = 50
	defaultBurst            = 5
)

// Options tune a single completion.
type Options struct {
	MaxTokens   int
	Temperature float64
}

// Usage is token accounting reported by the provider.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Completion is the model's answer to one prompt.
type Completion struct {
	Content string `json:"content"`
	Model   string `json:"model,omitempty"`
	Usage   *Usage `json:"usage,omitempty"`
}

// Client completes prompts. Implementations must be safe for concurrent use
// and return a *ModelError on failure.
type Client interface {
	Complete(ctx context.Context, prompt string, opts Options) (*Completion, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, prompt string, opts Options) (*Completion, error)

// Complete implements Client.
func (f ClientFunc) Complete(ctx context.Context, prompt string, opts Options) (*Completion, error) {
	return f(ctx, prompt, opts)
}

// ErrMissingAPIKey is returned by New when no key is configured.
var ErrMissingAPIKey = errors.New("llm: api key required")

// ModelError is a transport, auth, rate-limit or response failure.
type ModelError struct {
	Provider   string
	StatusCode int
	// Retryable is true for network failures, rate limits and server errors.
	Retryable bool
	Err       error
}

func (e *ModelError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *ModelError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is a retryable ModelError.
func IsRetryable(err error) bool {
	var me *ModelError
	return errors.As(err, &me) && me.Retryable
}

// Option configures a provider client.
type Option func(*httpClient)

// WithLogger sets the client logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *httpClient) { c.logger = l.Named("llm") }
}

// WithBackoff overrides the base retry backoff.
func WithBackoff(d time.Duration) Option {
	return func(c *httpClient) { c.backoff = d }
}

// New builds the client for cfg.Provider. An empty API key falls back to
// ANTHROPIC_API_KEY or OPENAI_API_KEY.
func New(cfg config.LLMConfig, opts ...Option) (Client, error) {
	switch cfg.Provider {
	case "anthropic", "":
		if !cfg.APIKey.IsSet() {
			cfg.APIKey = config.Secret(os.Getenv("ANTHROPIC_API_KEY"))
		}
		return NewAnthropic(cfg, opts...)
	case "openai":
		if !cfg.APIKey.IsSet() {
			cfg.APIKey = config.Secret(os.Getenv("OPENAI_API_KEY"))
		}
		return NewOpenAI(cfg, opts...)
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", cfg.Provider)
	}
}
