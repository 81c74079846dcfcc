package tools

import (
	"github.com/fyrsmithlabs/stepwise/internal/guardrail"
	"github.com/fyrsmithlabs/stepwise/internal/parser"
)

var operationTypes = map[string]guardrail.OperationType{
	ReadFile:   guardrail.OpRead,
	ListDir:    guardrail.OpList,
	WriteFile:  guardrail.OpWrite,
	CreateDir:  guardrail.OpCreateDir,
	DeleteFile: guardrail.OpDelete,
	RunCommand: guardrail.OpExecute,
}

// OperationTypeFor maps a tool name to the guardrail operation type.
// Tools the registry does not know are OpOther.
func OperationTypeFor(tool string) guardrail.OperationType {
	if t, ok := operationTypes[tool]; ok {
		return t
	}
	return guardrail.OpOther
}

// OperationFor describes step as an operation for guardrail review. Explicit
// step fields win over the equivalent ARG values.
func OperationFor(step parser.ExecutionStep) guardrail.OperationGuard {
	call := CallFor(step)
	op := guardrail.OperationGuard{
		ID:              step.StepID,
		Type:            OperationTypeFor(step.Tool),
		Tool:            step.Tool,
		Target:          call.Arg("path"),
		Command:         call.Arg("command"),
		Content:         call.Arg("content"),
		EstimatedImpact: step.Description,
	}
	op.ContentBytes = len(op.Content)
	if op.Type == guardrail.OpList && op.Target == "" {
		op.Target = "."
	}
	return op
}

// OperationForCall is OperationFor for a bare call, as used by dry runs.
func OperationForCall(id string, call Call) guardrail.OperationGuard {
	return OperationFor(parser.ExecutionStep{StepID: id, Tool: call.Name, Args: call.Args})
}

// CallFor builds the registry call for step.
func CallFor(step parser.ExecutionStep) Call {
	args := make(map[string]string, len(step.Args)+3)
	for k, v := range step.Args {
		args[k] = v
	}
	if step.Target != "" {
		args["path"] = step.Target
	}
	if step.Command != "" {
		args["command"] = step.Command
	}
	if step.Content != "" {
		args["content"] = step.Content
	} else if _, ok := args["content"]; !ok && step.Tool == WriteFile {
		// an empty CONTENT section still writes an empty file
		args["content"] = ""
	}
	return Call{Name: step.Tool, Args: args}
}

// ApplyModification returns step with a confirmer's modification applied.
func ApplyModification(step parser.ExecutionStep, op guardrail.OperationGuard) parser.ExecutionStep {
	step.Target = op.Target
	step.Command = op.Command
	step.Content = op.Content
	if step.Args != nil {
		args := make(map[string]string, len(step.Args))
		for k, v := range step.Args {
			if k == "path" || k == "command" || k == "content" {
				continue
			}
			args[k] = v
		}
		step.Args = args
	}
	return step
}
