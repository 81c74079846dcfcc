// Package telemetry provides the OpenTelemetry providers of a stepwise
// process.
//
// Every process reads its instruments through the Prometheus registry it
// serves on /metrics. When export is enabled, traces and metrics also go to
// an OTLP collector over gRPC or HTTP, with one sampling decision per task.
//
//	reg := prometheus.NewRegistry()
//	tel, err := telemetry.New(ctx,
//	    telemetry.FromAppConfig(cfg.Observability, version, "serve"),
//	    telemetry.WithRegisterer(reg))
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	eng, err := engine.New(engCfg, deps,
//	    engine.WithTracer(tel.Tracer("stepwise.engine")),
//	    engine.WithMeter(tel.Meter("stepwise.engine")))
//
// NewTestTelemetry records spans and metrics in memory for tests.
package telemetry
