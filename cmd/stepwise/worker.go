package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stepwise/internal/config"
	"github.com/fyrsmithlabs/stepwise/internal/guardrail"
	"github.com/fyrsmithlabs/stepwise/internal/workflows"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a Temporal worker for task workflows",
	Long: `Run a Temporal worker that executes task workflows started with
"stepwise run --temporal". Nobody is at a terminal, so risky steps are denied
unless the configured confirmer is auto_approve.`,
	Args: cobra.NoArgs,
	RunE: runWorker,
}

func dialTemporal(a *app) (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  a.cfg.Temporal.HostPort,
		Namespace: a.cfg.Temporal.Namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to create Temporal client: %w", err)
	}
	return c, nil
}

// workerConfirmer never waits for a human.
func workerConfirmer(name string) guardrail.Confirmer {
	if name == config.ConfirmerAutoApprove {
		return guardrail.AutoConfirmer{Option: guardrail.OptionApprove}
	}
	return guardrail.AutoConfirmer{Option: guardrail.OptionDeny}
}

func runWorker(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := loadApp(ctx, "worker", nil)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close(context.Background()) }()

	a.guardOpt = append(a.guardOpt, guardrail.WithConfirmer(workerConfirmer(a.cfg.Guardrails.Confirmer)))
	current, watcher, err := guardrailSource(a)
	if err != nil {
		return err
	}
	if watcher != nil {
		go func() {
			if err := watcher.Run(ctx); err != nil {
				a.logger.Warn(ctx, "policy watcher stopped", zap.Error(err))
			}
		}()
	}

	runner := &reloadingRunner{app: a, current: current}
	if _, err := runner.engine(); err != nil {
		return err
	}
	acts, err := workflows.NewActivities(runner,
		workflows.WithLogger(a.logger),
		workflows.WithMeter(a.tel.Meter(instrumentationName)))
	if err != nil {
		return err
	}

	c, err := dialTemporal(a)
	if err != nil {
		return err
	}
	defer c.Close()
	a.logger.Info(ctx, "temporal client connected", zap.String("host", a.cfg.Temporal.HostPort))

	w := worker.New(c, a.cfg.Temporal.TaskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize: a.cfg.Engine.MaxConcurrentTasks,
	})
	workflows.Register(w, acts)

	a.logger.Info(ctx, "worker configured", zap.String("task_queue", a.cfg.Temporal.TaskQueue))

	if err := w.Start(); err != nil {
		return fmt.Errorf("worker error: %w", err)
	}
	<-ctx.Done()
	a.logger.Info(context.Background(), "shutdown signal received")
	w.Stop()
	a.logger.Info(context.Background(), "worker stopped gracefully")
	return nil
}
