package logging

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fyrsmithlabs/stepwise/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(NewDefaultConfig(), nil)
	require.NoError(t, err)
	require.NotNil(t, logger)
	assert.True(t, logger.Enabled(zapcore.InfoLevel))
	assert.False(t, logger.Enabled(zapcore.DebugLevel))
}

func TestNewLogger_InvalidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Format = "xml"

	_, err := NewLogger(cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestLogger_ContextFields(t *testing.T) {
	tl := NewTestLogger()

	ctx := WithTaskID(context.Background(), "task-1")
	ctx = WithPhase(ctx, "planning")
	ctx = WithStepID(ctx, "step-2")

	tl.Info(ctx, "phase completed", zap.Float64("confidence", 0.9))

	tl.AssertLogged(t, zapcore.InfoLevel, "phase completed")
	tl.AssertField(t, "phase completed", "task.id", "task-1")
	tl.AssertField(t, "phase completed", "phase", "planning")
	tl.AssertField(t, "phase completed", "step.id", "step-2")
	tl.AssertField(t, "phase completed", "confidence", 0.9)
}

func TestLogger_TraceLevel(t *testing.T) {
	core, observed := observer.New(TraceLevel)
	logger := &Logger{zap: zap.New(core), config: NewDefaultConfig()}

	logger.Trace(context.Background(), "prompt body")
	require.Len(t, observed.All(), 1)
	assert.Equal(t, TraceLevel, observed.All()[0].Level)
}

func TestLevelFromString(t *testing.T) {
	tests := []struct {
		in      string
		want    zapcore.Level
		wantErr bool
	}{
		{"trace", TraceLevel, false},
		{"debug", zapcore.DebugLevel, false},
		{"", zapcore.InfoLevel, false},
		{"warn", zapcore.WarnLevel, false},
		{"loud", zapcore.InfoLevel, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := LevelFromString(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLogger_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stepwise.log")
	cfg := NewDefaultConfig()
	cfg.Output.Stdout = false
	cfg.Output.File.Path = path
	cfg.Sampling.Enabled = false

	logger, err := NewLogger(cfg, nil)
	require.NoError(t, err)

	logger.Info(context.Background(), "written to file", zap.String("api_key", "sk-abcdefghijklmnopqrstu"))
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "written to file")
	assert.NotContains(t, string(data), "sk-abcdefghijklmnopqrstu")
}

func TestFromAppConfig(t *testing.T) {
	cfg, err := FromAppConfig(config.LoggingConfig{Level: "debug", Format: "console"}, true)
	require.NoError(t, err)
	assert.Equal(t, zapcore.DebugLevel, cfg.Level)
	assert.Equal(t, "console", cfg.Format)
	assert.False(t, cfg.Output.Stdout)
	assert.True(t, cfg.Output.Stderr)

	_, err = FromAppConfig(config.LoggingConfig{Level: "loud"}, false)
	assert.Error(t, err)
}

func TestSampledCore_ErrorsNeverSampled(t *testing.T) {
	core, observed := observer.New(zapcore.DebugLevel)
	sampled := newSampledCore(core, SamplingConfig{
		Enabled: true,
		Tick:    config.Duration(time.Minute),
		Levels: map[zapcore.Level]LevelSamplingConfig{
			zapcore.InfoLevel: {Initial: 2, Thereafter: 0},
		},
	})
	logger := zap.New(sampled)

	for i := 0; i < 10; i++ {
		logger.Info("repeated")
		logger.Error("failure")
		logger.Debug("unsampled level")
	}

	assert.Equal(t, 2, observed.FilterMessage("repeated").Len())
	assert.Equal(t, 10, observed.FilterMessage("failure").Len())
	assert.Equal(t, 10, observed.FilterMessage("unsampled level").Len())
}

func TestRedactingEncoder(t *testing.T) {
	enc, err := NewRedactingEncoder(newEncoder("json"), NewDefaultConfig().Redaction)
	require.NoError(t, err)

	var buf bytes.Buffer
	logger := zap.New(zapcore.NewCore(enc, zapcore.AddSync(&buf), zapcore.InfoLevel))
	logger.Info("calling model with Bearer abc.def",
		zap.String("password", "hunter2"),
		zap.String("header", "api_key=supersecret"),
		zap.String("path", "/etc/app.yaml"),
	)

	out := buf.String()
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "supersecret")
	assert.NotContains(t, out, "abc.def")
	assert.Contains(t, out, "/etc/app.yaml")
}

func TestFromContext_DefaultsToNop(t *testing.T) {
	logger := FromContext(context.Background())
	require.NotNil(t, logger)

	tl := NewTestLogger()
	ctx := WithLogger(context.Background(), tl.Logger)
	assert.Same(t, tl.Logger, FromContext(ctx))
}

func TestTruncated(t *testing.T) {
	assert.Equal(t, "short", Truncated("k", "short", 10).String)
	assert.Equal(t, "abc...(3 more bytes)", Truncated("k", "abcdef", 3).String)
}
