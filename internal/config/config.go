// Package config provides configuration loading for stepwise.
//
// Configuration is read from a YAML file, overridden by STEPWISE_* environment
// variables, and validated before any component is constructed. The resulting
// Config is treated as an immutable value: components copy the sections they
// need at construction time.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete stepwise configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Engine        EngineConfig        `koanf:"engine"`
	Guardrails    GuardrailsConfig    `koanf:"guardrails"`
	LLM           LLMConfig           `koanf:"llm"`
	Tools         ToolsConfig         `koanf:"tools"`
	Events        EventsConfig        `koanf:"events"`
	Temporal      TemporalConfig      `koanf:"temporal"`
	Observability ObservabilityConfig `koanf:"observability"`
	Logging       LoggingConfig       `koanf:"logging"`
}

// ServerConfig holds HTTP API configuration.
type ServerConfig struct {
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// EngineConfig controls the sequential execution engine.
type EngineConfig struct {
	MaxRetriesPerPhase     int      `koanf:"max_retries_per_phase"`
	RequireConfirmation    bool     `koanf:"require_confirmation"`
	MinConfidenceThreshold float64  `koanf:"min_confidence_threshold"`
	EnableAutoRollback     bool     `koanf:"enable_auto_rollback"`
	VerboseLogging         bool     `koanf:"verbose_logging"`
	RetryFeedback          bool     `koanf:"retry_feedback"`
	PhaseTimeout           Duration `koanf:"phase_timeout"`
	StepTimeout            Duration `koanf:"step_timeout"`
	ConfirmationTimeout    Duration `koanf:"confirmation_timeout"`
	MaxTokens              int      `koanf:"max_tokens"`
	Temperature            float64  `koanf:"temperature"`
	MaxConcurrentTasks     int      `koanf:"max_concurrent_tasks"`
}

// GuardrailsConfig holds the guardrail policy.
type GuardrailsConfig struct {
	EnabledTools       []string `koanf:"enabled_tools"`
	BlockedCommands    []string `koanf:"blocked_commands"`
	AllowedDirectories []string `koanf:"allowed_directories"`
	// PolicyFile is an optional TOML file with extra dangerous patterns.
	PolicyFile  string `koanf:"policy_file"`
	WatchPolicy bool   `koanf:"watch_policy"`
	ScanSecrets bool   `koanf:"scan_secrets"`
	// Confirmer selects how confirmations are answered: broker, auto_approve or auto_deny.
	Confirmer string `koanf:"confirmer"`
}

// LLMConfig holds language model provider settings.
type LLMConfig struct {
	Provider          string   `koanf:"provider"`
	Model             string   `koanf:"model"`
	APIKey            Secret   `koanf:"api_key"`
	BaseURL           string   `koanf:"base_url"`
	Timeout           Duration `koanf:"timeout"`
	MaxRetries        int      `koanf:"max_retries"`
	RequestsPerMinute int      `koanf:"requests_per_minute"`
	PromptsFile       string   `koanf:"prompts_file"`
}

// ToolsConfig holds local tool registry settings.
type ToolsConfig struct {
	WorkDir        string   `koanf:"work_dir"`
	Shell          string   `koanf:"shell"`
	CommandTimeout Duration `koanf:"command_timeout"`
	MaxOutputBytes int      `koanf:"max_output_bytes"`
}

// EventsConfig holds NATS event publishing settings.
type EventsConfig struct {
	Enabled       bool   `koanf:"enabled"`
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// TemporalConfig holds Temporal worker settings.
type TemporalConfig struct {
	HostPort  string `koanf:"host_port"`
	Namespace string `koanf:"namespace"`
	TaskQueue string `koanf:"task_queue"`
}

// ObservabilityConfig holds OpenTelemetry configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool    `koanf:"enable_telemetry"`
	Endpoint        string  `koanf:"endpoint"`
	Protocol        string  `koanf:"protocol"`
	Insecure        bool    `koanf:"insecure"`
	ServiceName     string  `koanf:"service_name"`
	SamplingRate    float64 `koanf:"sampling_rate"`
}

// LoggingConfig holds the subset of logging settings that can be set from the
// config file. The logging package owns the full configuration.
type LoggingConfig struct {
	Level  string        `koanf:"level"`
	Format string        `koanf:"format"`
	File   LogFileConfig `koanf:"file"`
}

// LogFileConfig enables rotating file output.
type LogFileConfig struct {
	Path       string `koanf:"path"`
	MaxSizeMB  int    `koanf:"max_size_mb"`
	MaxBackups int    `koanf:"max_backups"`
	MaxAgeDays int    `koanf:"max_age_days"`
	Compress   bool   `koanf:"compress"`
}

// Confirmer modes.
const (
	ConfirmerBroker      = "broker"
	ConfirmerAutoApprove = "auto_approve"
	ConfirmerAutoDeny    = "auto_deny"
)

// Default returns a Config populated with defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            9090,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Engine: EngineConfig{
			MaxRetriesPerPhase:     3,
			RequireConfirmation:    true,
			MinConfidenceThreshold: 0.7,
			EnableAutoRollback:     true,
			RetryFeedback:          true,
			PhaseTimeout:           Duration(2 * time.Minute),
			StepTimeout:            Duration(time.Minute),
			ConfirmationTimeout:    Duration(5 * time.Minute),
			MaxTokens:              2048,
			Temperature:            0.2,
			MaxConcurrentTasks:     4,
		},
		Guardrails: GuardrailsConfig{
			ScanSecrets: true,
			Confirmer:   ConfirmerBroker,
		},
		LLM: LLMConfig{
			Provider:          "anthropic",
			Model:             "claude-sonnet-4-5",
			Timeout:           Duration(60 * time.Second),
			MaxRetries:        3,
			RequestsPerMinute: 50,
		},
		Tools: ToolsConfig{
			WorkDir:        ".",
			Shell:          "/bin/sh",
			CommandTimeout: Duration(30 * time.Second),
			MaxOutputBytes: 64 * 1024,
		},
		Events: EventsConfig{
			URL:           "nats://127.0.0.1:4222",
			SubjectPrefix: "stepwise",
		},
		Temporal: TemporalConfig{
			HostPort:  "localhost:7233",
			Namespace: "default",
			TaskQueue: "stepwise-tasks",
		},
		Observability: ObservabilityConfig{
			Endpoint:     "localhost:4317",
			Protocol:     "grpc",
			Insecure:     true,
			ServiceName:  "stepwise",
			SamplingRate: 1.0,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			File: LogFileConfig{
				MaxSizeMB:  100,
				MaxBackups: 3,
				MaxAgeDays: 28,
			},
		},
	}
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.http_port must be between 0 and 65535, got %d", c.Server.Port))
	}

	e := c.Engine
	if e.MaxRetriesPerPhase < 0 {
		errs = append(errs, fmt.Errorf("engine.max_retries_per_phase must be >= 0, got %d", e.MaxRetriesPerPhase))
	}
	if e.MinConfidenceThreshold < 0 || e.MinConfidenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("engine.min_confidence_threshold must be between 0 and 1, got %f", e.MinConfidenceThreshold))
	}
	if e.PhaseTimeout.Duration() <= 0 || e.StepTimeout.Duration() <= 0 || e.ConfirmationTimeout.Duration() <= 0 {
		errs = append(errs, errors.New("engine timeouts must be positive"))
	}
	if e.MaxConcurrentTasks < 1 {
		errs = append(errs, fmt.Errorf("engine.max_concurrent_tasks must be >= 1, got %d", e.MaxConcurrentTasks))
	}

	switch c.Guardrails.Confirmer {
	case ConfirmerBroker, ConfirmerAutoApprove, ConfirmerAutoDeny:
	default:
		errs = append(errs, fmt.Errorf("guardrails.confirmer must be one of broker, auto_approve, auto_deny, got %q", c.Guardrails.Confirmer))
	}

	switch c.LLM.Provider {
	case "anthropic", "openai":
	default:
		errs = append(errs, fmt.Errorf("llm.provider must be anthropic or openai, got %q", c.LLM.Provider))
	}
	if c.LLM.RequestsPerMinute <= 0 {
		errs = append(errs, errors.New("llm.requests_per_minute must be positive"))
	}

	if c.Tools.WorkDir == "" {
		errs = append(errs, errors.New("tools.work_dir is required"))
	}
	if c.Tools.MaxOutputBytes <= 0 {
		errs = append(errs, errors.New("tools.max_output_bytes must be positive"))
	}

	if c.Events.Enabled && c.Events.URL == "" {
		errs = append(errs, errors.New("events.url is required when events are enabled"))
	}

	if c.Observability.SamplingRate < 0 || c.Observability.SamplingRate > 1 {
		errs = append(errs, fmt.Errorf("observability.sampling_rate must be between 0 and 1, got %f", c.Observability.SamplingRate))
	}

	return errors.Join(errs...)
}
