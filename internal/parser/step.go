package parser

import (
	"strings"
	"unicode/utf8"
)

// maxResultOutput bounds the tool output kept in a step result.
const maxResultOutput = 4096

// ExecutionStepResult is the recorded outcome of one dispatched step.
type ExecutionStepResult struct {
	StepID    string `json:"step_id"`
	Tool      string `json:"tool"`
	Success   bool   `json:"success"`
	Summary   string `json:"summary"`
	Output    string `json:"output,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ParseStepResult turns a tool outcome into a step result. A tool error is a
// blocking issue; a successful call without a summary is not.
func (p *Parser) ParseStepResult(step ExecutionStep, summary, output string, err error) (ExecutionStepResult, ValidationResult) {
	res := ExecutionStepResult{
		StepID:  step.StepID,
		Tool:    step.Tool,
		Success: err == nil,
		Summary: strings.TrimSpace(summary),
	}
	res.Output, res.Truncated = truncate(output, maxResultOutput)

	sc := newScorer(1)
	if err != nil {
		res.Error = err.Error()
		sc.block("step " + step.StepID + " failed: " + res.Error)
		return res, sc.result(p.threshold)
	}
	if res.Summary == "" {
		res.Summary = step.Description
	}
	sc.field("summary", true, res.Summary != "")
	return res, sc.result(p.threshold)
}

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) (string, bool) {
	if len(s) <= n {
		return s, false
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut], true
}
