package workflows

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/workflow"
)

// Registry is the part of a Temporal worker that Register needs. Both
// worker.Worker and the test workflow environment implement it.
type Registry interface {
	RegisterWorkflowWithOptions(w interface{}, options workflow.RegisterOptions)
	RegisterActivityWithOptions(a interface{}, options activity.RegisterOptions)
}

// Register adds TaskWorkflow and the activities of acts to r.
func Register(r Registry, acts *Activities) {
	r.RegisterWorkflowWithOptions(TaskWorkflow, workflow.RegisterOptions{Name: WorkflowName})
	r.RegisterActivityWithOptions(acts.ExecuteTask, activity.RegisterOptions{Name: ActivityExecuteTask})
}

// WorkflowID is the workflow id used for a task id.
func WorkflowID(taskID string) string {
	return "stepwise-task-" + taskID
}

// StartTask starts a TaskWorkflow on taskQueue. An empty TaskID gets a new
// uuid.
func StartTask(ctx context.Context, c client.Client, taskQueue string, in TaskInput) (client.WorkflowRun, error) {
	if in.TaskID == "" {
		in.TaskID = uuid.NewString()
	}
	run, err := c.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        WorkflowID(in.TaskID),
		TaskQueue: taskQueue,
	}, WorkflowName, in)
	if err != nil {
		return nil, fmt.Errorf("failed to start task workflow: %w", err)
	}
	return run, nil
}
