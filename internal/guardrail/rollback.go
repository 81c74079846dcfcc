package guardrail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sync/atomic"

	"github.com/google/uuid"
)

// maxCreatedParents bounds how many missing parent directories a write may create.
const maxCreatedParents = 32

// RollbackAction is one kind of undo operation.
type RollbackAction string

const (
	// ActionRestoreFile writes back the snapshotted content and mode.
	ActionRestoreFile RollbackAction = "restore_file"
	// ActionRemoveFile deletes a file the operation created.
	ActionRemoveFile RollbackAction = "remove_file"
	// ActionRemoveDir deletes an empty directory the operation created.
	ActionRemoveDir RollbackAction = "remove_dir"
)

// RollbackStep undoes one original action. Steps are stored in the order of
// the actions they undo.
type RollbackStep struct {
	Action  RollbackAction `json:"action"`
	Path    string         `json:"path"`
	Content []byte         `json:"-"`
	Mode    fs.FileMode    `json:"mode,omitempty"`
}

// Snapshot is the pre-operation state of a path.
type Snapshot struct {
	Exists  bool
	IsDir   bool
	Content []byte
	Mode    fs.FileMode
}

// Snapshotter captures the state of a path before it is modified.
type Snapshotter interface {
	Snapshot(ctx context.Context, path string) (Snapshot, error)
}

// RollbackExecutor applies a single rollback step.
type RollbackExecutor interface {
	ApplyRollback(ctx context.Context, step RollbackStep) error
}

// RollbackPlan is the precomputed undo sequence for one operation. It can be
// executed once.
type RollbackPlan struct {
	ID          string
	OperationID string
	Steps       []RollbackStep
	// Reversible is false when the operation's effects cannot be undone.
	Reversible bool

	consumed atomic.Bool
}

// Empty reports whether the plan has nothing to undo.
func (p *RollbackPlan) Empty() bool {
	return p == nil || len(p.Steps) == 0
}

// Consumed reports whether Execute has been called.
func (p *RollbackPlan) Consumed() bool {
	return p != nil && p.consumed.Load()
}

// Execute applies the steps newest first. Every step is attempted; failures
// are joined. A second call returns ErrRollbackConsumed.
func (p *RollbackPlan) Execute(ctx context.Context, exec RollbackExecutor) error {
	if p == nil {
		return nil
	}
	if !p.consumed.CompareAndSwap(false, true) {
		return ErrRollbackConsumed
	}

	var errs []error
	for i := len(p.Steps) - 1; i >= 0; i-- {
		step := p.Steps[i]
		if err := exec.ApplyRollback(ctx, step); err != nil {
			errs = append(errs, fmt.Errorf("%s %s: %w", step.Action, step.Path, err))
		}
	}
	return errors.Join(errs...)
}

// MarshalJSON reports the plan with its consumed state.
func (p *RollbackPlan) MarshalJSON() ([]byte, error) {
	type view struct {
		ID          string         `json:"id"`
		OperationID string         `json:"operation_id"`
		Steps       []RollbackStep `json:"steps"`
		Reversible  bool           `json:"reversible"`
		Consumed    bool           `json:"consumed"`
	}
	steps := p.Steps
	if steps == nil {
		steps = []RollbackStep{}
	}
	return json.Marshal(view{
		ID:          p.ID,
		OperationID: p.OperationID,
		Steps:       steps,
		Reversible:  p.Reversible,
		Consumed:    p.Consumed(),
	})
}

// PlanRollback builds the undo sequence for op before it runs.
//
//	write       restore previous content, or remove the new file and any parents it creates
//	delete      restore the file content (directories are not reversible)
//	create_dir  remove the directory and any parents it creates
//	read, list  nothing to undo
//	execute     nothing to undo for read-only commands, otherwise not reversible
func (g *Guardrail) PlanRollback(ctx context.Context, op OperationGuard) (*RollbackPlan, error) {
	plan := &RollbackPlan{ID: uuid.NewString(), OperationID: op.ID, Reversible: true}
	target := NormalizePath(op.Target, g.policy.WorkDir)

	switch op.Type {
	case OpRead, OpList:
		return plan, nil

	case OpExecute:
		plan.Reversible = IsReadOnlyCommand(op.Command)
		return plan, nil

	case OpWrite, OpDelete, OpCreateDir:
		if g.snapshotter == nil {
			plan.Reversible = false
			return plan, nil
		}
		snap, err := g.snapshotter.Snapshot(ctx, target)
		if err != nil {
			return nil, fmt.Errorf("snapshot %s: %w", target, err)
		}
		switch {
		case op.Type == OpDelete && snap.IsDir:
			plan.Reversible = false
		case snap.Exists && !snap.IsDir && op.Type != OpCreateDir:
			plan.Steps = append(plan.Steps, RollbackStep{Action: ActionRestoreFile, Path: target, Content: snap.Content, Mode: snap.Mode})
		case !snap.Exists && op.Type != OpDelete:
			parents, err := g.missingParents(ctx, target)
			if err != nil {
				return nil, err
			}
			plan.Steps = append(plan.Steps, parents...)
			action := ActionRemoveFile
			if op.Type == OpCreateDir {
				action = ActionRemoveDir
			}
			plan.Steps = append(plan.Steps, RollbackStep{Action: action, Path: target})
		}
		return plan, nil

	default:
		plan.Reversible = false
		return plan, nil
	}
}

// missingParents returns remove_dir steps for ancestors of target that do not
// exist yet, outermost first, matching the order they will be created in.
func (g *Guardrail) missingParents(ctx context.Context, target string) ([]RollbackStep, error) {
	var missing []string
	dir := path.Dir(target)
	for i := 0; i < maxCreatedParents && dir != "/" && dir != "." && dir != ""; i++ {
		snap, err := g.snapshotter.Snapshot(ctx, dir)
		if err != nil {
			return nil, fmt.Errorf("snapshot %s: %w", dir, err)
		}
		if snap.Exists {
			break
		}
		missing = append(missing, dir)
		dir = path.Dir(dir)
	}

	steps := make([]RollbackStep, 0, len(missing))
	for i := len(missing) - 1; i >= 0; i-- {
		steps = append(steps, RollbackStep{Action: ActionRemoveDir, Path: missing[i]})
	}
	return steps, nil
}
