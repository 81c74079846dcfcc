package engine

import (
	"encoding/json"
	"time"

	"github.com/fyrsmithlabs/stepwise/internal/guardrail"
	"github.com/fyrsmithlabs/stepwise/internal/parser"
)

// PhaseStatus is the lifecycle of one PhaseResult.
type PhaseStatus string

const (
	StatusPending   PhaseStatus = "pending"
	StatusRunning   PhaseStatus = "running"
	StatusCompleted PhaseStatus = "completed"
	StatusFailed    PhaseStatus = "failed"
)

// Attempt records one model call of a phase.
type Attempt struct {
	Number        int      `json:"number"`
	ResponseChars int      `json:"response_chars"`
	Confidence    float64  `json:"confidence"`
	Passed        bool     `json:"passed"`
	Issues        []string `json:"issues,omitempty"`
	Error         string   `json:"error,omitempty"`
	DurationMS    int64    `json:"duration_ms"`
}

// PhaseResult is the outcome of one phase. Output is set only when the phase
// completed and Error only when it failed.
type PhaseResult[T any] struct {
	Status     PhaseStatus              `json:"status"`
	Output     *T                       `json:"output,omitempty"`
	Validation *parser.ValidationResult `json:"validation,omitempty"`
	RetryCount int                      `json:"retry_count"`
	DurationMS int64                    `json:"duration_ms"`
	Error      string                   `json:"error,omitempty"`
	Attempts   []Attempt                `json:"attempts,omitempty"`
}

func (r *PhaseResult[T]) clone() *PhaseResult[T] {
	if r == nil {
		return nil
	}
	c := *r
	if r.Output != nil {
		out := *r.Output
		c.Output = &out
	}
	if r.Validation != nil {
		v := *r.Validation
		v.Issues = append([]parser.Issue(nil), r.Validation.Issues...)
		c.Validation = &v
	}
	c.Attempts = append([]Attempt(nil), r.Attempts...)
	return &c
}

// StepStatus is the outcome of one execution step.
type StepStatus string

const (
	StepCompleted StepStatus = "completed"
	StepBlocked   StepStatus = "blocked"
	StepFailed    StepStatus = "failed"
)

// StepRecord is one entry of the execution history.
type StepRecord struct {
	Step       parser.ExecutionStep        `json:"step"`
	Status     StepStatus                  `json:"status"`
	Review     guardrail.Review            `json:"review"`
	Attempts   int                         `json:"attempts"`
	RetryCount int                         `json:"retry_count"`
	Result     *parser.ExecutionStepResult `json:"result,omitempty"`
	Validation *parser.ValidationResult    `json:"validation,omitempty"`
	Rollback   *guardrail.RollbackPlan     `json:"rollback,omitempty"`
	RolledBack bool                        `json:"rolled_back,omitempty"`
	Error      string                      `json:"error,omitempty"`
	StartedAt  time.Time                   `json:"started_at"`
	FinishedAt time.Time                   `json:"finished_at"`
}

// RollbackRecord reports one executed rollback plan.
type RollbackRecord struct {
	StepID     string    `json:"step_id"`
	RollbackID string    `json:"rollback_id"`
	Steps      int       `json:"steps"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

// Failure mirrors a Failed phase.
type Failure struct {
	FailedAt string `json:"failed_at"`
	Reason   string `json:"reason"`
}

// ExecutionPlan is the complete record of one task. The engine returns it
// for every outcome; a failure lives in CurrentPhase and Failure.
type ExecutionPlan struct {
	TaskID       string
	Description  string
	CurrentPhase Phase
	StartedAt    time.Time
	CompletedAt  *time.Time

	Understanding   *PhaseResult[parser.Understanding]
	Approach        *PhaseResult[parser.Approach]
	Planning        *PhaseResult[parser.Plan]
	Execution       *PhaseResult[[]parser.ExecutionStepResult]
	FinalValidation *PhaseResult[parser.FinalValidation]

	History   []StepRecord
	Rollbacks []RollbackRecord
	Failure   *Failure
	// Errors holds secondary problems such as failed rollbacks. They never
	// replace the Failure reason.
	Errors []string
}

func newPlan(id, description string, now time.Time) *ExecutionPlan {
	return &ExecutionPlan{
		TaskID:       id,
		Description:  description,
		CurrentPhase: NotStarted{},
		StartedAt:    now,
	}
}

// transition moves the plan to next, leaving it untouched on error.
func (p *ExecutionPlan) transition(next Phase, now time.Time) error {
	if err := checkTransition(p.CurrentPhase, next); err != nil {
		return err
	}
	p.CurrentPhase = next
	if f, ok := next.(Failed); ok {
		p.Failure = &Failure{FailedAt: phaseName(f.FailedAt), Reason: f.Reason}
	}
	if IsTerminal(next) {
		t := now
		p.CompletedAt = &t
	}
	return nil
}

// Succeeded reports whether the plan reached Completed.
func (p *ExecutionPlan) Succeeded() bool {
	_, ok := p.CurrentPhase.(Completed)
	return ok
}

// Done reports whether the plan is in a terminal phase.
func (p *ExecutionPlan) Done() bool {
	return IsTerminal(p.CurrentPhase)
}

// Clone returns a copy that shares no mutable slices with p. Rollback plans
// are shared; they are only ever executed by the engine.
func (p *ExecutionPlan) Clone() *ExecutionPlan {
	if p == nil {
		return nil
	}
	c := *p
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		c.CompletedAt = &t
	}
	if p.Failure != nil {
		f := *p.Failure
		c.Failure = &f
	}
	c.Understanding = p.Understanding.clone()
	c.Approach = p.Approach.clone()
	c.Planning = p.Planning.clone()
	c.Execution = p.Execution.clone()
	if c.Execution != nil && c.Execution.Output != nil {
		out := append([]parser.ExecutionStepResult(nil), *c.Execution.Output...)
		c.Execution.Output = &out
	}
	c.FinalValidation = p.FinalValidation.clone()
	c.History = append([]StepRecord(nil), p.History...)
	c.Rollbacks = append([]RollbackRecord(nil), p.Rollbacks...)
	c.Errors = append([]string(nil), p.Errors...)
	return &c
}

// Summary condenses the plan for listings.
func (p *ExecutionPlan) Summary() PlanSummary {
	s := PlanSummary{
		TaskID:      p.TaskID,
		Description: p.Description,
		Phase:       phaseName(p.CurrentPhase),
		Steps:       len(p.History),
		StartedAt:   p.StartedAt,
		CompletedAt: p.CompletedAt,
		Failure:     p.Failure,
	}
	if fv := p.FinalValidation; fv != nil && fv.Output != nil {
		s.Verdict = string(fv.Output.Verdict)
		s.Score = fv.Output.OverallScore
	}
	return s
}

// PlanSummary is a compact view of an ExecutionPlan.
type PlanSummary struct {
	TaskID      string     `json:"task_id"`
	Description string     `json:"description"`
	Phase       string     `json:"phase"`
	Steps       int        `json:"steps"`
	Verdict     string     `json:"verdict,omitempty"`
	Score       float64    `json:"score,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Failure     *Failure   `json:"failure,omitempty"`
}

// MarshalJSON writes the phase as its name plus the failure details.
func (p *ExecutionPlan) MarshalJSON() ([]byte, error) {
	type view struct {
		TaskID          string                                     `json:"task_id"`
		Description     string                                     `json:"description"`
		CurrentPhase    string                                     `json:"current_phase"`
		StartedAt       time.Time                                  `json:"started_at"`
		CompletedAt     *time.Time                                 `json:"completed_at,omitempty"`
		Understanding   *PhaseResult[parser.Understanding]         `json:"understanding,omitempty"`
		Approach        *PhaseResult[parser.Approach]              `json:"approach,omitempty"`
		Planning        *PhaseResult[parser.Plan]                  `json:"planning,omitempty"`
		Execution       *PhaseResult[[]parser.ExecutionStepResult] `json:"execution,omitempty"`
		FinalValidation *PhaseResult[parser.FinalValidation]       `json:"final_validation,omitempty"`
		History         []StepRecord                               `json:"history"`
		Rollbacks       []RollbackRecord                           `json:"rollbacks,omitempty"`
		Failure         *Failure                                   `json:"failure,omitempty"`
		Errors          []string                                   `json:"errors,omitempty"`
	}
	history := p.History
	if history == nil {
		history = []StepRecord{}
	}
	return json.Marshal(view{
		TaskID:          p.TaskID,
		Description:     p.Description,
		CurrentPhase:    phaseName(p.CurrentPhase),
		StartedAt:       p.StartedAt,
		CompletedAt:     p.CompletedAt,
		Understanding:   p.Understanding,
		Approach:        p.Approach,
		Planning:        p.Planning,
		Execution:       p.Execution,
		FinalValidation: p.FinalValidation,
		History:         history,
		Rollbacks:       p.Rollbacks,
		Failure:         p.Failure,
		Errors:          p.Errors,
	})
}
