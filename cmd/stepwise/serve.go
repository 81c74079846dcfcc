package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/stepwise/internal/config"
	"github.com/fyrsmithlabs/stepwise/internal/events"
	"github.com/fyrsmithlabs/stepwise/internal/guardrail"
	httpapi "github.com/fyrsmithlabs/stepwise/internal/http"
	"github.com/fyrsmithlabs/stepwise/internal/tasks"
)

// brokerSize is how many confirmation notifications are buffered for
// subscribers of the broker.
const brokerSize = 64

var serveHost string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API",
	Long: `Start the HTTP API. Tasks submitted over HTTP run in the background;
their events are published to NATS when events are enabled, and risky steps
wait for an answer on /api/v1/confirmations when the broker confirmer is
configured. A watched policy file is reloaded on change.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "localhost", "listen address")
}

// serverConfirmer maps the configured confirmer name. The broker is nil
// unless confirmations are answered over HTTP.
func serverConfirmer(name string) (*guardrail.Broker, guardrail.Confirmer) {
	switch name {
	case config.ConfirmerAutoApprove:
		return nil, guardrail.AutoConfirmer{Option: guardrail.OptionApprove}
	case config.ConfirmerAutoDeny:
		return nil, guardrail.AutoConfirmer{Option: guardrail.OptionDeny}
	default:
		b := guardrail.NewBroker(brokerSize)
		return b, b
	}
}

// guardrailSource returns the guardrail accessor for new tasks and, when the
// policy file is watched, the watcher that must be run.
func guardrailSource(a *app) (func() *guardrail.Guardrail, *guardrail.PolicyWatcher, error) {
	gc := a.cfg.Guardrails
	if gc.PolicyFile != "" && gc.WatchPolicy {
		w, err := guardrail.NewPolicyWatcher(gc.PolicyFile, a.policy, a.logger, a.guardOpt...)
		if err != nil {
			return nil, nil, fmt.Errorf("loading policy file: %w", err)
		}
		return w.Current, w, nil
	}
	g, err := a.newGuardrail()
	if err != nil {
		return nil, nil, fmt.Errorf("building guardrail: %w", err)
	}
	return func() *guardrail.Guardrail { return g }, nil, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := loadApp(ctx, "serve", nil)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close(context.Background()) }()

	broker, confirmer := serverConfirmer(a.cfg.Guardrails.Confirmer)
	a.guardOpt = append(a.guardOpt, guardrail.WithConfirmer(confirmer))

	current, watcher, err := guardrailSource(a)
	if err != nil {
		return err
	}

	runner := &reloadingRunner{app: a, current: current}
	if _, err := runner.engine(); err != nil {
		return err
	}

	mgrOpts := []tasks.Option{tasks.WithLogger(a.logger)}
	if a.cfg.Events.Enabled {
		pub, err := events.Connect(a.cfg.Events, events.WithLogger(a.logger))
		if err != nil {
			return fmt.Errorf("connecting to NATS: %w", err)
		}
		defer func() { _ = pub.Close() }()
		mgrOpts = append(mgrOpts, tasks.WithEventSink(pub))
		a.logger.Info(ctx, "publishing task events", zap.String("url", a.cfg.Events.URL))
	}
	mgr := tasks.NewManager(runner, a.cfg.Engine.MaxConcurrentTasks, mgrOpts...)

	srv, err := httpapi.NewServer(httpapi.Deps{
		Tasks:     mgr,
		Guardrail: current,
		Broker:    broker,
		Gatherer:  a.registry,
		Metrics:   httpapi.NewHTTPMetrics(a.tel.Meter(instrumentationName), a.logger),
	}, a.logger, &httpapi.Config{Host: serveHost, Port: a.cfg.Server.Port})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if watcher != nil {
		g.Go(func() error { return watcher.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info(ctx, "shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		return errors.Join(srv.Shutdown(shutdownCtx), mgr.Shutdown(shutdownCtx))
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	a.logger.Info(context.Background(), "server stopped")
	return nil
}
