// Package logging provides structured logging for stepwise.
//
// # Overview
//
// The package wraps Zap with:
//   - Custom Trace level (-2, below Debug) for prompt and response bodies
//   - Outputs to stdout, stderr, a rotating file (lumberjack) and OpenTelemetry
//   - Automatic context field injection (trace_id, task.id, phase, step.id)
//   - Secret redaction by key name and value pattern
//   - Per-level sampling (errors never sampled)
//
// # Usage
//
//	cfg := logging.NewDefaultConfig()
//	logger, err := logging.NewLogger(cfg, nil)
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	ctx = logging.WithTaskID(ctx, plan.TaskID)
//	ctx = logging.WithPhase(ctx, "planning")
//	logger.Info(ctx, "phase completed", zap.Float64("confidence", 0.9))
//
// # Testing
//
// NewTestLogger records entries in memory:
//
//	tl := logging.NewTestLogger()
//	doWork(tl.Logger)
//	tl.AssertLogged(t, zapcore.InfoLevel, "phase completed")
package logging
