package telemetry

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/fyrsmithlabs/stepwise/internal/config"
)

const (
	ProtocolGRPC = "grpc"
	ProtocolHTTP = "http/protobuf"

	defaultExportInterval  = 15 * time.Second
	defaultShutdownTimeout = 5 * time.Second
)

// Config selects where a stepwise process sends its traces and metrics.
// Instruments are always readable through a Prometheus registry passed with
// WithRegisterer; Export adds an OTLP collector.
type Config struct {
	Export   bool
	Endpoint string
	Protocol string
	Insecure bool

	ServiceName    string
	ServiceVersion string
	// Role is the command the process runs (run, serve, worker), recorded as
	// stepwise.role on every span and metric.
	Role string

	// SampleRate is the fraction of tasks traced. Steps and phases follow
	// their task's decision.
	SampleRate      float64
	ExportInterval  time.Duration
	ShutdownTimeout time.Duration
}

// FromAppConfig builds the telemetry config for one process.
func FromAppConfig(c config.ObservabilityConfig, version, role string) Config {
	cfg := Config{
		Export:          c.EnableTelemetry,
		Endpoint:        c.Endpoint,
		Protocol:        c.Protocol,
		Insecure:        c.Insecure,
		ServiceName:     c.ServiceName,
		ServiceVersion:  version,
		Role:            role,
		SampleRate:      c.SamplingRate,
		ExportInterval:  defaultExportInterval,
		ShutdownTimeout: defaultShutdownTimeout,
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "stepwise"
	}
	if cfg.Protocol == "" {
		cfg.Protocol = ProtocolGRPC
	}
	return cfg
}

// Validate checks the export settings. A config that does not export only
// needs a service name.
func (c Config) Validate() error {
	var errs []error
	if c.ServiceName == "" {
		errs = append(errs, errors.New("service name is required"))
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("sample rate must be between 0 and 1, got %g", c.SampleRate))
	}
	if !c.Export {
		return errors.Join(errs...)
	}

	if c.Endpoint == "" {
		errs = append(errs, errors.New("endpoint is required when exporting"))
	}
	if c.Protocol != ProtocolGRPC && c.Protocol != ProtocolHTTP {
		errs = append(errs, fmt.Errorf("protocol must be %s or %s, got %q", ProtocolGRPC, ProtocolHTTP, c.Protocol))
	}
	// Task spans carry task descriptions and commands.
	if c.Insecure && c.Endpoint != "" && !loopback(c.Endpoint) {
		errs = append(errs, fmt.Errorf("insecure export to remote endpoint %q is not allowed", c.Endpoint))
	}
	if c.ExportInterval <= 0 {
		errs = append(errs, errors.New("export interval must be positive"))
	}
	return errors.Join(errs...)
}

// loopback reports whether an endpoint (host:port, host, or URL) names the
// local machine.
func loopback(endpoint string) bool {
	host := strings.TrimPrefix(strings.TrimPrefix(endpoint, "https://"), "http://")
	host, _, _ = strings.Cut(host, "/")
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
