// internal/logging/core.go
package logging

import (
	"fmt"
	"io"
	"os"
	"sort"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// newCore builds the tee of configured outputs wrapped in sampling.
// The returned closer is non-nil when a rotating file is open.
func newCore(cfg *Config, otelProvider log.LoggerProvider) (zapcore.Core, io.Closer, error) {
	var cores []zapcore.Core
	var closer io.Closer

	addWriter := func(format string, ws zapcore.WriteSyncer) error {
		encoder, err := NewRedactingEncoder(newEncoder(format), cfg.Redaction)
		if err != nil {
			return fmt.Errorf("failed to create redacting encoder: %w", err)
		}
		cores = append(cores, zapcore.NewCore(encoder, ws, cfg.Level))
		return nil
	}

	if cfg.Output.Stdout {
		if err := addWriter(cfg.Format, zapcore.AddSync(os.Stdout)); err != nil {
			return nil, nil, err
		}
	}
	if cfg.Output.Stderr {
		if err := addWriter(cfg.Format, zapcore.AddSync(os.Stderr)); err != nil {
			return nil, nil, err
		}
	}
	if f := cfg.Output.File; f.Path != "" {
		rotator := &lumberjack.Logger{
			Filename:   f.Path,
			MaxSize:    f.MaxSizeMB,
			MaxBackups: f.MaxBackups,
			MaxAge:     f.MaxAgeDays,
			Compress:   f.Compress,
		}
		// Files are always JSON for machine consumption.
		if err := addWriter("json", zapcore.AddSync(rotator)); err != nil {
			return nil, nil, err
		}
		closer = rotator
	}
	if cfg.Output.OTEL && otelProvider != nil {
		cores = append(cores, otelzap.NewCore("stepwise", otelzap.WithLoggerProvider(otelProvider)))
	}

	if len(cores) == 0 {
		return nil, nil, fmt.Errorf("at least one output must be enabled and available")
	}

	core := zapcore.NewTee(cores...)
	return newSampledCore(core, cfg.Sampling), closer, nil
}

// newEncoder creates JSON or console encoder.
func newEncoder(format string) zapcore.Encoder {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.EncodeLevel = encodeLevel

	if format == "console" {
		return zapcore.NewConsoleEncoder(encoderCfg)
	}
	return zapcore.NewJSONEncoder(encoderCfg)
}

// encodeLevel names the custom trace level.
func encodeLevel(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	if l == TraceLevel {
		enc.AppendString("trace")
		return
	}
	zapcore.LowercaseLevelEncoder(l, enc)
}

// newSampledCore samples each level below Error with its own budget.
// Error and above always pass through.
func newSampledCore(core zapcore.Core, cfg SamplingConfig) zapcore.Core {
	if !cfg.Enabled {
		return core
	}

	cores := []zapcore.Core{&levelRangeCore{Core: core, min: zapcore.ErrorLevel, max: zapcore.FatalLevel}}

	levels := make([]zapcore.Level, 0, len(cfg.Levels))
	for lvl := range cfg.Levels {
		if lvl < zapcore.ErrorLevel {
			levels = append(levels, lvl)
		}
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i] < levels[j] })

	covered := map[zapcore.Level]bool{}
	for _, lvl := range levels {
		rate := cfg.Levels[lvl]
		only := &levelRangeCore{Core: core, min: lvl, max: lvl}
		cores = append(cores, zapcore.NewSamplerWithOptions(only, cfg.Tick.Duration(), rate.Initial, rate.Thereafter))
		covered[lvl] = true
	}
	// Levels without a sampling entry pass through unsampled.
	for lvl := TraceLevel; lvl < zapcore.ErrorLevel; lvl++ {
		if !covered[lvl] {
			cores = append(cores, &levelRangeCore{Core: core, min: lvl, max: lvl})
		}
	}
	return zapcore.NewTee(cores...)
}

// levelRangeCore passes entries with min <= level <= max.
type levelRangeCore struct {
	zapcore.Core
	min, max zapcore.Level
}

func (c *levelRangeCore) Enabled(lvl zapcore.Level) bool {
	return lvl >= c.min && lvl <= c.max && c.Core.Enabled(lvl)
}

func (c *levelRangeCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.Enabled(e.Level) {
		return ce
	}
	return c.Core.Check(e, ce)
}

func (c *levelRangeCore) With(fields []zapcore.Field) zapcore.Core {
	return &levelRangeCore{Core: c.Core.With(fields), min: c.min, max: c.max}
}
