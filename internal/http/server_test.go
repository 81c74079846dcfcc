package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/stepwise/internal/engine"
	"github.com/fyrsmithlabs/stepwise/internal/guardrail"
	"github.com/fyrsmithlabs/stepwise/internal/logging"
	"github.com/fyrsmithlabs/stepwise/internal/tasks"
)

// blockingRunner holds every task until its context ends.
type blockingRunner struct{}

func (blockingRunner) Run(ctx context.Context, taskID, description string, _ engine.EventSink) *engine.ExecutionPlan {
	<-ctx.Done()
	reason := "task canceled: " + ctx.Err().Error()
	return &engine.ExecutionPlan{
		TaskID:       taskID,
		Description:  description,
		CurrentPhase: engine.Failed{FailedAt: engine.Understanding{}, Reason: reason},
		Failure:      &engine.Failure{FailedAt: "understanding", Reason: reason},
	}
}

type testServer struct {
	*Server
	manager *tasks.Manager
	broker  *guardrail.Broker
	logs    *logging.TestLogger
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	g, err := guardrail.New(guardrail.Policy{WorkDir: "/work", ConfirmationTimeout: time.Second})
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "stepwise_test_total", Help: "test"}))

	m := tasks.NewManager(blockingRunner{}, 4)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	broker := guardrail.NewBroker(4)
	logs := logging.NewTestLogger()
	s, err := NewServer(Deps{
		Tasks:     m,
		Guardrail: func() *guardrail.Guardrail { return g },
		Broker:    broker,
		Gatherer:  reg,
		Metrics:   NewHTTPMetrics(nil, nil),
	}, logs.Logger, nil)
	require.NoError(t, err)
	return &testServer{Server: s, manager: m, broker: broker, logs: logs}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func TestNewServer(t *testing.T) {
	g, err := guardrail.New(guardrail.DefaultPolicy())
	require.NoError(t, err)
	m := tasks.NewManager(blockingRunner{}, 1)
	defer m.Shutdown(context.Background())
	deps := Deps{Tasks: m, Guardrail: func() *guardrail.Guardrail { return g }}

	t.Run("uses defaults when config is nil", func(t *testing.T) {
		server, err := NewServer(deps, logging.NewNop(), nil)
		require.NoError(t, err)
		assert.Equal(t, "localhost", server.config.Host)
		assert.Equal(t, 9090, server.config.Port)
	})

	t.Run("returns error when logger is nil", func(t *testing.T) {
		_, err := NewServer(deps, nil, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "logger is required")
	})

	t.Run("returns error without task manager", func(t *testing.T) {
		_, err := NewServer(Deps{Guardrail: deps.Guardrail}, logging.NewNop(), nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "task manager cannot be nil")
	})
}

func TestHandleHealth(t *testing.T) {
	s := setupTestServer(t)
	rec := s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	s.logs.AssertLogged(t, zapcore.InfoLevel, "http request")
}

func TestTasksAPI(t *testing.T) {
	s := setupTestServer(t)

	t.Run("rejects empty description", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/api/v1/tasks", SubmitTaskRequest{Description: "  "})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	rec := s.do(t, http.MethodPost, "/api/v1/tasks", SubmitTaskRequest{Description: "list the files"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var submitted SubmitTaskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitted))
	require.NotEmpty(t, submitted.ID)

	rec = s.do(t, http.MethodGet, "/api/v1/tasks", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list ListTasksResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Tasks, 1)
	assert.Equal(t, "list the files", list.Tasks[0].Description)

	rec = s.do(t, http.MethodGet, "/api/v1/tasks/"+submitted.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), submitted.ID)

	rec = s.do(t, http.MethodDelete, "/api/v1/tasks/"+submitted.ID, nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	final, err := s.manager.Wait(context.Background(), submitted.ID)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusFailed, final.Status)

	rec = s.do(t, http.MethodGet, "/api/v1/tasks/"+submitted.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snap map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	plan, ok := snap["plan"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "failed", plan["current_phase"])

	assert.Equal(t, http.StatusConflict, s.do(t, http.MethodDelete, "/api/v1/tasks/"+submitted.ID, nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/v1/tasks/unknown", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodDelete, "/api/v1/tasks/unknown", nil).Code)
}

func TestHandleDryRun(t *testing.T) {
	s := setupTestServer(t)

	t.Run("critical command", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/api/v1/dry-run", DryRunRequest{Tool: "run_command", Command: "rm -rf /"})
		require.Equal(t, http.StatusOK, rec.Code)

		var res guardrail.DryRunResult
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
		assert.Equal(t, guardrail.RiskCritical, res.Assessment.Risk)
		assert.True(t, res.WouldBeBlocked, "confirmation is off in this policy")
		assert.False(t, res.Assessment.Reversible)
	})

	t.Run("read is low", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/api/v1/dry-run", DryRunRequest{Tool: "read_file", Target: "config.yaml"})
		require.Equal(t, http.StatusOK, rec.Code)

		var res guardrail.DryRunResult
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
		assert.Equal(t, guardrail.RiskLow, res.Assessment.Risk)
		assert.Equal(t, guardrail.VerdictApproved, res.Decision.Verdict)
		assert.Equal(t, "config.yaml", res.Operation.Target)
	})

	t.Run("tool required", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/api/v1/dry-run", DryRunRequest{Command: "ls"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandlePatterns(t *testing.T) {
	s := setupTestServer(t)
	rec := s.do(t, http.MethodGet, "/api/v1/patterns", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var patterns []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &patterns))
	assert.Len(t, patterns, len(guardrail.DefaultPatterns()))
}

func TestConfirmationsAPI(t *testing.T) {
	s := setupTestServer(t)

	answered := make(chan guardrail.ConfirmationResponse, 1)
	go func() {
		resp, err := s.broker.Confirm(context.Background(), guardrail.ConfirmationRequest{
			ID: "c-1", OperationID: "step-1", Summary: "run_command: rm -rf build", Risk: guardrail.RiskHigh,
		})
		if err == nil {
			answered <- resp
		}
	}()
	require.Eventually(t, func() bool { return len(s.broker.Pending()) == 1 }, time.Second, 5*time.Millisecond)

	rec := s.do(t, http.MethodGet, "/api/v1/confirmations", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list ListConfirmationsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Confirmations, 1)
	assert.Equal(t, "c-1", list.Confirmations[0].ID)

	rec = s.do(t, http.MethodPost, "/api/v1/confirmations/c-1", ResolveConfirmationRequest{Option: "maybe"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = s.do(t, http.MethodPost, "/api/v1/confirmations/c-1", ResolveConfirmationRequest{Option: guardrail.OptionModify})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/confirmations/c-1", ResolveConfirmationRequest{
		Option:       guardrail.OptionModify,
		Modification: &guardrail.Modification{Command: "rm -r build/tmp"},
		Responder:    "alice",
	})
	require.Equal(t, http.StatusNoContent, rec.Code)

	select {
	case resp := <-answered:
		assert.Equal(t, guardrail.OptionModify, resp.Option)
		assert.Equal(t, "rm -r build/tmp", resp.Modification.Command)
		assert.Equal(t, "alice", resp.Responder)
	case <-time.After(time.Second):
		t.Fatal("confirmation was not delivered")
	}

	rec = s.do(t, http.MethodPost, "/api/v1/confirmations/c-1", ResolveConfirmationRequest{Option: guardrail.OptionApprove})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleMetrics(t *testing.T) {
	s := setupTestServer(t)
	rec := s.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "stepwise_test_total"))
}
