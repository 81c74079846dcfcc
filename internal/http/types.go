package http

import (
	"errors"

	"github.com/fyrsmithlabs/stepwise/internal/guardrail"
	"github.com/fyrsmithlabs/stepwise/internal/tasks"
	"github.com/fyrsmithlabs/stepwise/internal/tools"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// SubmitTaskRequest is the request body for POST /api/v1/tasks.
type SubmitTaskRequest struct {
	Description string `json:"description"`
}

// SubmitTaskResponse is returned when a task is accepted or canceled.
type SubmitTaskResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// ListTasksResponse is the response body for GET /api/v1/tasks.
type ListTasksResponse struct {
	Tasks []tasks.Info `json:"tasks"`
}

// DryRunRequest is the request body for POST /api/v1/dry-run.
type DryRunRequest struct {
	Tool    string            `json:"tool"`
	Target  string            `json:"target,omitempty"`
	Command string            `json:"command,omitempty"`
	Content string            `json:"content,omitempty"`
	Args    map[string]string `json:"args,omitempty"`
}

func (r DryRunRequest) call() tools.Call {
	args := make(map[string]string, len(r.Args)+3)
	for k, v := range r.Args {
		args[k] = v
	}
	if r.Target != "" {
		args["path"] = r.Target
	}
	if r.Command != "" {
		args["command"] = r.Command
	}
	if r.Content != "" {
		args["content"] = r.Content
	}
	return tools.Call{Name: r.Tool, Args: args}
}

// ListConfirmationsResponse is the response body for GET /api/v1/confirmations.
type ListConfirmationsResponse struct {
	Confirmations []guardrail.ConfirmationRequest `json:"confirmations"`
}

// ResolveConfirmationRequest is the request body for
// POST /api/v1/confirmations/:id.
type ResolveConfirmationRequest struct {
	Option       guardrail.ConfirmOption `json:"option"`
	Modification *guardrail.Modification `json:"modification,omitempty"`
	Responder    string                  `json:"responder,omitempty"`
	Comment      string                  `json:"comment,omitempty"`
}

func (r ResolveConfirmationRequest) response() (guardrail.ConfirmationResponse, error) {
	switch r.Option {
	case guardrail.OptionApprove, guardrail.OptionDeny:
	case guardrail.OptionModify:
		if r.Modification == nil {
			return guardrail.ConfirmationResponse{}, errors.New("modify requires a modification")
		}
	default:
		return guardrail.ConfirmationResponse{}, errors.New("option must be approve, deny or modify")
	}
	return guardrail.ConfirmationResponse{
		Option:       r.Option,
		Modification: r.Modification,
		Responder:    r.Responder,
		Comment:      r.Comment,
	}, nil
}
