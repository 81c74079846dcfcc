package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/stepwise/internal/config"
	"github.com/fyrsmithlabs/stepwise/internal/guardrail"
	"github.com/fyrsmithlabs/stepwise/internal/llm"
	"github.com/fyrsmithlabs/stepwise/internal/logging"
	"github.com/fyrsmithlabs/stepwise/internal/telemetry"
	"github.com/fyrsmithlabs/stepwise/internal/tools"
)

const (
	understandingOK = `SUMMARY: Read the config and print the first 200 characters
REQUIREMENTS:
- read config.yaml
- print at most 200 characters
APPROACH: read the file with a character limit
`
	understandingNoApproach = `SUMMARY: Read the config
REQUIREMENTS:
- read config.yaml
`
	approachOK = `STRATEGY: use read_file with max_chars 200
SUCCESS_CRITERIA:
- the first 200 characters are shown
`
	readPlan = `STEP_COUNT: 1
STEP 1: read the config
TOOL: read_file
TARGET: config.yaml
ARG max_chars: 200
`
	validationPass = `VERDICT: PASS
SCORE: 92
SUMMARY: the config was read and printed
`
	validationFail = `VERDICT: FAIL
SCORE: 20
SUMMARY: the output did not match the request
`
	gibberish = "I am not sure what you mean."
)

// mockLLM answers Complete calls in the order they were scripted.
type mockLLM struct {
	mock.Mock
}

func (m *mockLLM) Complete(ctx context.Context, prompt string, opts llm.Options) (*llm.Completion, error) {
	args := m.Called(ctx, prompt, opts)
	c, _ := args.Get(0).(*llm.Completion)
	return c, args.Error(1)
}

func (m *mockLLM) respond(texts ...string) *mockLLM {
	for _, t := range texts {
		m.On("Complete", mock.Anything, mock.Anything, mock.Anything).
			Return(&llm.Completion{Content: t, Model: "test"}, nil).Once()
	}
	return m
}

func (m *mockLLM) failWith(err error) *mockLLM {
	m.On("Complete", mock.Anything, mock.Anything, mock.Anything).Return(nil, err).Once()
	return m
}

// prompt returns the prompt of the i-th call.
func (m *mockLLM) prompt(i int) string {
	return m.Calls[i].Arguments.String(1)
}

// eventRecorder is an EventSink keeping every event.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *eventRecorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func (r *eventRecorder) ofType(typ EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (r *eventRecorder) phasesStarted() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		if ev.Type == EventPhaseStarted {
			out = append(out, ev.Phase)
		}
	}
	return out
}

// failingExecutor fails every rollback step.
type failingExecutor struct{}

func (failingExecutor) ApplyRollback(context.Context, guardrail.RollbackStep) error {
	return errors.New("disk full")
}

func testConfig() Config {
	return Config{
		MaxRetriesPerPhase:     2,
		MinConfidenceThreshold: 0.7,
		EnableAutoRollback:     true,
		RetryFeedback:          true,
		PhaseTimeout:           5 * time.Second,
		StepTimeout:            5 * time.Second,
	}
}

// harness wires a real guardrail and local tools over a temp dir to a
// scripted model.
type harness struct {
	t      *testing.T
	root   string
	tools  *tools.LocalRegistry
	llm    *mockLLM
	events *eventRecorder
	logs   *logging.TestLogger
	tel    *telemetry.TestTelemetry
	policy guardrail.Policy
	gopts  []guardrail.Option
	deps   Deps
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	reg, err := tools.NewLocal(config.ToolsConfig{WorkDir: t.TempDir(), CommandTimeout: config.Duration(5 * time.Second)})
	require.NoError(t, err)

	h := &harness{
		t:      t,
		root:   reg.Root(),
		tools:  reg,
		llm:    &mockLLM{},
		events: &eventRecorder{},
		logs:   logging.NewTestLogger(),
		tel:    telemetry.NewTestTelemetry(),
		policy: guardrail.Policy{WorkDir: reg.Root(), ConfirmationTimeout: time.Second},
	}
	h.gopts = []guardrail.Option{guardrail.WithSnapshotter(reg)}
	return h
}

func (h *harness) write(rel, content string) {
	h.t.Helper()
	p := filepath.Join(h.root, filepath.FromSlash(rel))
	require.NoError(h.t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(h.t, os.WriteFile(p, []byte(content), 0o644))
}

func (h *harness) read(rel string) string {
	h.t.Helper()
	data, err := os.ReadFile(filepath.Join(h.root, filepath.FromSlash(rel)))
	require.NoError(h.t, err)
	return string(data)
}

func (h *harness) engine(cfg Config) *Engine {
	h.t.Helper()
	g, err := guardrail.New(h.policy, h.gopts...)
	require.NoError(h.t, err)

	deps := h.deps
	if deps.LLM == nil {
		deps.LLM = h.llm
	}
	deps.Guardrail = g
	if deps.Tools == nil {
		deps.Tools = h.tools
	}

	e, err := New(cfg, deps,
		WithLogger(h.logs.Logger),
		WithEventSink(h.events),
		WithTracer(h.tel.Tracer("test")),
		WithMeter(h.tel.Meter("test")),
	)
	require.NoError(h.t, err)
	return e
}

func planText(steps ...string) string {
	var b strings.Builder
	b.WriteString("STEP_COUNT: ")
	b.WriteString(strconv.Itoa(len(steps)))
	b.WriteString("\n")
	for i, s := range steps {
		b.WriteString("STEP ")
		b.WriteString(strconv.Itoa(i + 1))
		b.WriteString(": ")
		b.WriteString(s)
		if !strings.HasSuffix(s, "\n") {
			b.WriteString("\n")
		}
	}
	return b.String()
}
