package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stepwise/internal/config"
	"github.com/fyrsmithlabs/stepwise/internal/engine"
	"github.com/fyrsmithlabs/stepwise/internal/guardrail"
	"github.com/fyrsmithlabs/stepwise/internal/llm"
	"github.com/fyrsmithlabs/stepwise/internal/logging"
	"github.com/fyrsmithlabs/stepwise/internal/prompt"
	"github.com/fyrsmithlabs/stepwise/internal/telemetry"
	"github.com/fyrsmithlabs/stepwise/internal/tools"
)

const instrumentationName = "github.com/fyrsmithlabs/stepwise/cmd/stepwise"

// app holds everything built from the config file. The model client is
// created on first use so that dry-run and patterns work without API keys.
type app struct {
	cfg      *config.Config
	logger   *logging.Logger
	tel      *telemetry.Telemetry
	registry *prometheus.Registry
	tools    *tools.LocalRegistry
	prompts  prompt.Renderer
	policy   guardrail.Policy
	guardOpt []guardrail.Option

	llmOnce sync.Once
	llm     llm.Client
	llmErr  error
}

// loadApp loads configuration and builds the shared dependencies for the
// command named role. Commands other than serve and worker log to stderr so
// stdout stays free for results.
func loadApp(ctx context.Context, role string, confirmer guardrail.Confirmer) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if verbose {
		cfg.Logging.Level = "debug"
		cfg.Engine.VerboseLogging = true
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	tel, err := telemetry.New(ctx, telemetry.FromAppConfig(cfg.Observability, version, role), telemetry.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}

	cli := role != "serve" && role != "worker"
	logCfg, err := logging.FromAppConfig(cfg.Logging, cli)
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	var logs otellog.LoggerProvider
	if cfg.Observability.EnableTelemetry {
		logs = global.GetLoggerProvider()
	}
	logger, err := logging.NewLogger(logCfg, logs)
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}

	reg, err := tools.NewLocal(cfg.Tools, tools.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("initializing tools: %w", err)
	}

	var prompts prompt.Renderer = prompt.Default()
	if cfg.LLM.PromptsFile != "" {
		t, err := prompt.Load(cfg.LLM.PromptsFile)
		if err != nil {
			return nil, fmt.Errorf("loading prompts: %w", err)
		}
		prompts = t
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		tel:      tel,
		registry: registry,
		tools:    reg,
		prompts:  prompts,
		policy:   guardrail.PolicyFromConfig(cfg),
	}
	a.policy.WorkDir = reg.Root()

	a.guardOpt = []guardrail.Option{
		guardrail.WithSnapshotter(reg),
		guardrail.WithLogger(logger),
		guardrail.WithMetrics(guardrail.NewMetrics(registry)),
	}
	if confirmer != nil {
		a.guardOpt = append(a.guardOpt, guardrail.WithConfirmer(confirmer))
	}
	if cfg.Guardrails.ScanSecrets {
		scanner, err := guardrail.NewGitleaksScanner()
		if err != nil {
			logger.Warn(ctx, "secret scanning disabled", zap.Error(err))
		} else {
			a.guardOpt = append(a.guardOpt, guardrail.WithSecretScanner(scanner))
		}
	}
	return a, nil
}

// newGuardrail builds a guardrail from the configured policy and policy file.
func (a *app) newGuardrail() (*guardrail.Guardrail, error) {
	policy := a.policy
	if path := a.cfg.Guardrails.PolicyFile; path != "" {
		p, err := guardrail.LoadPolicyFile(path, policy)
		if err != nil {
			return nil, err
		}
		policy = p
	}
	return guardrail.New(policy, a.guardOpt...)
}

func (a *app) llmClient() (llm.Client, error) {
	a.llmOnce.Do(func() {
		a.llm, a.llmErr = llm.New(a.cfg.LLM, llm.WithLogger(a.logger))
	})
	return a.llm, a.llmErr
}

// newEngine builds an engine around g.
func (a *app) newEngine(g *guardrail.Guardrail, opts ...engine.Option) (*engine.Engine, error) {
	client, err := a.llmClient()
	if err != nil {
		return nil, fmt.Errorf("initializing model client: %w", err)
	}
	opts = append([]engine.Option{
		engine.WithLogger(a.logger),
		engine.WithTracer(a.tel.Tracer(instrumentationName)),
		engine.WithMeter(a.tel.Meter(instrumentationName)),
	}, opts...)
	return engine.New(engine.FromAppConfig(a.cfg.Engine), engine.Deps{
		LLM:       client,
		Prompts:   a.prompts,
		Guardrail: g,
		Tools:     a.tools,
	}, opts...)
}

// Close flushes telemetry and logs.
func (a *app) Close(ctx context.Context) error {
	return errors.Join(a.tel.Shutdown(ctx), a.logger.Sync())
}

// reloadingRunner builds an engine per guardrail generation so that tasks
// submitted after a policy reload run under the new policy.
type reloadingRunner struct {
	app     *app
	current func() *guardrail.Guardrail
	opts    []engine.Option

	mu    sync.Mutex
	guard *guardrail.Guardrail
	eng   *engine.Engine
}

func (r *reloadingRunner) engine() (*engine.Engine, error) {
	g := r.current()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.eng != nil && r.guard == g {
		return r.eng, nil
	}
	eng, err := r.app.newEngine(g, r.opts...)
	if err != nil {
		return nil, err
	}
	r.guard, r.eng = g, eng
	return eng, nil
}

// Run implements tasks.Runner and workflows.Runner.
func (r *reloadingRunner) Run(ctx context.Context, taskID, description string, sink engine.EventSink) *engine.ExecutionPlan {
	eng, err := r.engine()
	if err != nil {
		r.app.logger.Error(ctx, "building engine failed", zap.Error(err))
		return failedPlan(taskID, description, err)
	}
	return eng.Run(ctx, taskID, description, sink)
}

// failedPlan reports a task that could not start.
func failedPlan(taskID, description string, err error) *engine.ExecutionPlan {
	now := time.Now()
	return &engine.ExecutionPlan{
		TaskID:       taskID,
		Description:  description,
		CurrentPhase: engine.Failed{FailedAt: engine.NotStarted{}, Reason: err.Error()},
		StartedAt:    now,
		CompletedAt:  &now,
		Failure:      &engine.Failure{FailedAt: engine.NotStarted{}.Name(), Reason: err.Error()},
	}
}
