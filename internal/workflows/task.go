// Package workflows runs stepwise tasks as Temporal workflows, so a task
// survives worker restarts and can be queried while it runs.
package workflows

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/fyrsmithlabs/stepwise/internal/engine"
)

// Registered names.
const (
	WorkflowName        = "StepwiseTask"
	ActivityExecuteTask = "StepwiseExecuteTask"
	QueryStatus         = "status"
)

// Default activity timeouts. The heartbeat timeout must exceed the longest
// model call, since heartbeats are only sent on engine events.
const (
	DefaultTaskTimeout      = 30 * time.Minute
	DefaultHeartbeatTimeout = 5 * time.Minute
)

// TaskInput starts a TaskWorkflow.
type TaskInput struct {
	// TaskID defaults to the workflow id.
	TaskID      string        `json:"task_id,omitempty"`
	Description string        `json:"description"`
	Timeout     time.Duration `json:"timeout,omitempty"`
}

// StepOutcome is one history record of a finished task.
type StepOutcome struct {
	StepID     string `json:"step_id"`
	Tool       string `json:"tool"`
	Status     string `json:"status"`
	RolledBack bool   `json:"rolled_back,omitempty"`
	Error      string `json:"error,omitempty"`
}

// TaskResult is what a TaskWorkflow returns. A failed plan is a successful
// workflow with Succeeded false.
type TaskResult struct {
	Summary   engine.PlanSummary `json:"summary"`
	Succeeded bool               `json:"succeeded"`
	Steps     []StepOutcome      `json:"steps,omitempty"`
	Errors    []string           `json:"errors,omitempty"`
}

// NewTaskResult condenses plan for the workflow history.
func NewTaskResult(plan *engine.ExecutionPlan) *TaskResult {
	res := &TaskResult{
		Summary:   plan.Summary(),
		Succeeded: plan.Succeeded(),
		Errors:    append([]string(nil), plan.Errors...),
	}
	for _, rec := range plan.History {
		res.Steps = append(res.Steps, StepOutcome{
			StepID:     rec.Step.StepID,
			Tool:       rec.Step.Tool,
			Status:     string(rec.Status),
			RolledBack: rec.RolledBack,
			Error:      rec.Error,
		})
	}
	return res
}

// Task states reported by the status query.
const (
	StateRunning   = "running"
	StateCompleted = "completed"
	StateFailed    = "failed"
	StateErrored   = "errored"
)

// TaskStatus answers QueryStatus.
type TaskStatus struct {
	TaskID string      `json:"task_id"`
	State  string      `json:"state"`
	Result *TaskResult `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// TaskWorkflow runs one task through the ExecuteTask activity.
//
// The activity is attempted once: a task has side effects and the engine
// already retries phases and steps itself.
func TaskWorkflow(ctx workflow.Context, in TaskInput) (*TaskResult, error) {
	logger := workflow.GetLogger(ctx)
	if in.TaskID == "" {
		in.TaskID = workflow.GetInfo(ctx).WorkflowExecution.ID
	}

	status := TaskStatus{TaskID: in.TaskID, State: StateRunning}
	if err := workflow.SetQueryHandler(ctx, QueryStatus, func() (TaskStatus, error) {
		return status, nil
	}); err != nil {
		return nil, WrapActivityError("failed to register status query", err)
	}

	timeout := in.Timeout
	if timeout <= 0 {
		timeout = DefaultTaskTimeout
	}
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		HeartbeatTimeout:    DefaultHeartbeatTimeout,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts:        1,
			NonRetryableErrorTypes: []string{ErrTypeConfiguration, ErrTypeInvalidInput},
		},
	})

	logger.Info("Starting task", "task_id", in.TaskID)

	var result TaskResult
	if err := workflow.ExecuteActivity(ctx, ActivityExecuteTask, in).Get(ctx, &result); err != nil {
		status.State = StateErrored
		status.Error = FormatErrorForResult("failed to execute task", err)
		logger.Error("Task activity failed", "task_id", in.TaskID, "error", err)
		return nil, WrapActivityError("failed to execute task", err)
	}

	status.Result = &result
	status.State = StateFailed
	if result.Succeeded {
		status.State = StateCompleted
	}
	logger.Info("Task finished",
		"task_id", in.TaskID,
		"phase", result.Summary.Phase,
		"steps", len(result.Steps))
	return &result, nil
}
