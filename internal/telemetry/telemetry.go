package telemetry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// Telemetry owns the tracer and meter providers of one stepwise process.
type Telemetry struct {
	cfg Config
	tp  *sdktrace.TracerProvider
	mp  *sdkmetric.MeterProvider
}

// Option configures New.
type Option func(*options)

type options struct {
	registerer prometheus.Registerer
}

// WithRegisterer serves every OTel instrument of the process through reg, so
// engine, workflow and HTTP metrics appear on /metrics next to the guardrail
// collectors whether or not an OTLP collector is configured.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// New builds the providers described by cfg. Without export and without a
// registerer the providers are no-ops.
func New(ctx context.Context, cfg Config, opts ...Option) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	t := &Telemetry{cfg: cfg}
	res := newResource(cfg)

	var readers []sdkmetric.Reader
	if o.registerer != nil {
		reader := sdkmetric.NewManualReader()
		if err := o.registerer.Register(newCollector(reader)); err != nil {
			return nil, fmt.Errorf("registering metrics collector: %w", err)
		}
		readers = append(readers, reader)
	}

	if cfg.Export {
		spans, metrics, err := newExporters(ctx, cfg)
		if err != nil {
			return nil, err
		}
		t.tp = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(spans),
			sdktrace.WithResource(res),
			sdktrace.WithSampler(taskSampler(cfg.SampleRate)),
		)
		readers = append(readers, sdkmetric.NewPeriodicReader(metrics, sdkmetric.WithInterval(cfg.ExportInterval)))

		otel.SetTracerProvider(t.tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	}

	if len(readers) > 0 {
		mopts := []sdkmetric.Option{sdkmetric.WithResource(res)}
		for _, r := range readers {
			mopts = append(mopts, sdkmetric.WithReader(r))
		}
		t.mp = sdkmetric.NewMeterProvider(mopts...)
		if cfg.Export {
			otel.SetMeterProvider(t.mp)
		}
	}
	return t, nil
}

func newResource(cfg Config) *resource.Resource {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceInstanceID(uuid.NewString()),
	}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}
	if cfg.Role != "" {
		attrs = append(attrs, attribute.String("stepwise.role", cfg.Role))
	}
	return resource.NewWithAttributes(semconv.SchemaURL, attrs...)
}

// taskSampler samples root spans, one per task, at rate. Phase and step spans
// inherit the decision of their task.
func taskSampler(rate float64) sdktrace.Sampler {
	var root sdktrace.Sampler
	switch {
	case rate >= 1:
		root = sdktrace.AlwaysSample()
	case rate <= 0:
		root = sdktrace.NeverSample()
	default:
		root = sdktrace.TraceIDRatioBased(rate)
	}
	return sdktrace.ParentBased(root)
}

// newExporters builds the OTLP span and metric exporters for cfg.Protocol.
// Metrics are cumulative for Prometheus-compatible backends.
func newExporters(ctx context.Context, cfg Config) (sdktrace.SpanExporter, sdkmetric.Exporter, error) {
	cumulative := func(sdkmetric.InstrumentKind) metricdata.Temporality { return metricdata.CumulativeTemporality }

	var (
		spans   sdktrace.SpanExporter
		metrics sdkmetric.Exporter
		errs    [2]error
	)
	switch cfg.Protocol {
	case ProtocolHTTP:
		endpoint := stripScheme(cfg.Endpoint)
		topts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
		mopts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(endpoint), otlpmetrichttp.WithTemporalitySelector(cumulative)}
		if cfg.Insecure {
			topts = append(topts, otlptracehttp.WithInsecure())
			mopts = append(mopts, otlpmetrichttp.WithInsecure())
		}
		spans, errs[0] = otlptracehttp.New(ctx, topts...)
		metrics, errs[1] = otlpmetrichttp.New(ctx, mopts...)
	default:
		topts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		mopts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.Endpoint), otlpmetricgrpc.WithTemporalitySelector(cumulative)}
		if cfg.Insecure {
			topts = append(topts, otlptracegrpc.WithInsecure())
			mopts = append(mopts, otlpmetricgrpc.WithInsecure())
		}
		spans, errs[0] = otlptracegrpc.New(ctx, topts...)
		metrics, errs[1] = otlpmetricgrpc.New(ctx, mopts...)
	}
	if err := errors.Join(errs[:]...); err != nil {
		return nil, nil, fmt.Errorf("creating otlp exporters: %w", err)
	}
	return spans, metrics, nil
}

func stripScheme(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "https://")
	return strings.TrimPrefix(endpoint, "http://")
}

// Tracer returns a tracer for the instrumentation scope name.
func (t *Telemetry) Tracer(name string, opts ...trace.TracerOption) trace.Tracer {
	if t == nil || t.tp == nil {
		return nooptrace.NewTracerProvider().Tracer(name, opts...)
	}
	return t.tp.Tracer(name, opts...)
}

// Meter returns a meter for the instrumentation scope name.
func (t *Telemetry) Meter(name string, opts ...metric.MeterOption) metric.Meter {
	if t == nil || t.mp == nil {
		return noopmetric.NewMeterProvider().Meter(name, opts...)
	}
	return t.mp.Meter(name, opts...)
}

// Shutdown flushes and stops the providers, bounded by the configured
// shutdown timeout when ctx has no deadline.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok && t.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.ShutdownTimeout)
		defer cancel()
	}

	var errs []error
	if t.tp != nil {
		if err := t.tp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer provider shutdown: %w", err))
		}
	}
	if t.mp != nil {
		if err := t.mp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}
