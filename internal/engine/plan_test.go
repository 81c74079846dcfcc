package engine

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/stepwise/internal/parser"
)

func TestPlanTransition(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := newPlan("t-1", "do it", now)
	assert.Equal(t, NotStarted{}, p.CurrentPhase)
	assert.False(t, p.Done())

	require.NoError(t, p.transition(Understanding{}, now))
	assert.Nil(t, p.CompletedAt)

	err := p.transition(Executing{}, now)
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, Understanding{}, p.CurrentPhase, "rejected transition leaves the plan untouched")

	later := now.Add(time.Minute)
	require.NoError(t, p.transition(Failed{FailedAt: Understanding{}, Reason: "no"}, later))
	assert.True(t, p.Done())
	assert.False(t, p.Succeeded())
	require.NotNil(t, p.CompletedAt)
	assert.Equal(t, later, *p.CompletedAt)
	assert.Equal(t, &Failure{FailedAt: "understanding", Reason: "no"}, p.Failure)
}

func TestPlanClone(t *testing.T) {
	now := time.Now()
	p := newPlan("t-1", "do it", now)
	out := []parser.ExecutionStepResult{{StepID: "step-1", Success: true}}
	p.Execution = &PhaseResult[[]parser.ExecutionStepResult]{Status: StatusCompleted, Output: &out, Attempts: []Attempt{{Number: 1}}}
	p.History = []StepRecord{{Step: parser.ExecutionStep{StepID: "step-1"}, Status: StepCompleted}}
	p.Errors = []string{"first"}

	c := p.Clone()
	c.History[0].Status = StepFailed
	c.Errors[0] = "changed"
	(*c.Execution.Output)[0].Success = false
	c.Execution.Attempts[0].Number = 9

	assert.Equal(t, StepCompleted, p.History[0].Status)
	assert.Equal(t, "first", p.Errors[0])
	assert.True(t, (*p.Execution.Output)[0].Success)
	assert.Equal(t, 1, p.Execution.Attempts[0].Number)

	var nilPlan *ExecutionPlan
	assert.Nil(t, nilPlan.Clone())
}

func TestPlanMarshalJSON(t *testing.T) {
	p := newPlan("t-1", "do it", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, p.transition(Failed{FailedAt: Understanding{}, Reason: "task description is empty"}, p.StartedAt))

	data, err := json.Marshal(p)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "failed", got["current_phase"])
	assert.Equal(t, []any{}, got["history"])
	assert.Equal(t, map[string]any{"failed_at": "understanding", "reason": "task description is empty"}, got["failure"])
	assert.NotContains(t, got, "rollbacks")
}

func TestPlanSummary(t *testing.T) {
	p := newPlan("t-1", "do it", time.Now())
	p.History = make([]StepRecord, 3)
	p.FinalValidation = &PhaseResult[parser.FinalValidation]{
		Status: StatusCompleted,
		Output: &parser.FinalValidation{Verdict: parser.VerdictPass, OverallScore: 0.9},
	}

	s := p.Summary()
	assert.Equal(t, "t-1", s.TaskID)
	assert.Equal(t, "not_started", s.Phase)
	assert.Equal(t, 3, s.Steps)
	assert.Equal(t, "PASS", s.Verdict)
	assert.InDelta(t, 0.9, s.Score, 1e-9)
}

func TestHistoryLine(t *testing.T) {
	rec := StepRecord{
		Step:       parser.ExecutionStep{StepID: "step-2", Tool: "write_file"},
		Status:     StepCompleted,
		Result:     &parser.ExecutionStepResult{Summary: "wrote 5 bytes to a.txt"},
		RolledBack: true,
	}
	assert.Equal(t, "step-2 write_file [completed]: wrote 5 bytes to a.txt (rolled back)", historyLine(rec))

	rec = StepRecord{Step: parser.ExecutionStep{StepID: "step-3", Tool: "run_command"}, Status: StepBlocked, Error: "critical risk"}
	assert.Equal(t, "step-3 run_command [blocked]: critical risk", historyLine(rec))
}

func TestAggregate(t *testing.T) {
	got := aggregate(nil)
	assert.True(t, got.Passed)
	assert.Equal(t, 1.0, got.Confidence)

	got = aggregate([]parser.ValidationResult{
		{Confidence: 1, Passed: true},
		{Confidence: 0.5, Passed: false, Issues: []parser.Issue{{Message: "x"}}},
	})
	assert.False(t, got.Passed)
	assert.InDelta(t, 0.75, got.Confidence, 1e-9)
	assert.Equal(t, []string{"x"}, got.Messages())
}
