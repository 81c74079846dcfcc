package parser

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// StepType is the broad kind of an execution step.
type StepType string

const (
	StepFileOp    StepType = "file_op"
	StepCommandOp StepType = "command_op"
	StepOther     StepType = "other"
)

// ExecutionStep is one concrete action from the Planning output.
type ExecutionStep struct {
	StepID      string            `json:"step_id"`
	Number      int               `json:"number"`
	Type        StepType          `json:"type"`
	Description string            `json:"description"`
	Tool        string            `json:"tool"`
	Target      string            `json:"target,omitempty"`
	Command     string            `json:"command,omitempty"`
	Content     string            `json:"content,omitempty"`
	Args        map[string]string `json:"args,omitempty"`
}

// Plan is the output of the Planning phase.
type Plan struct {
	Summary       string          `json:"summary,omitempty"`
	DeclaredSteps int             `json:"declared_steps"`
	Steps         []ExecutionStep `json:"steps"`
}

// StepID returns the id of the n-th step.
func StepID(n int) string {
	return "step-" + strconv.Itoa(n)
}

// StepTypeFor guesses a step type from a tool name.
func StepTypeFor(tool string) StepType {
	t := strings.ToLower(tool)
	switch {
	case t == "":
		return StepOther
	case strings.Contains(t, "command"), strings.Contains(t, "exec"), strings.Contains(t, "shell"):
		return StepCommandOp
	case strings.Contains(t, "file"), strings.Contains(t, "dir"):
		return StepFileOp
	}
	return StepOther
}

var (
	stepHeaderRE = regexp.MustCompile(`(?i)^\s*(?:#{1,6}\s*)?(?:\*\*|__)?step\s+(\d+)\s*(?:\*\*|__)?\s*[:.)-]\s*(?:\*\*|__)?\s*(.*)$`)
	argRE        = regexp.MustCompile(`(?i)^\s*(?:[-*]\s*)?arg\s+([A-Za-z0-9_.-]+)\s*[:=]\s*(.*)$`)
	fenceRE      = regexp.MustCompile("^\\s*(`{3,})")
	closeFenceRE = regexp.MustCompile("^\\s*(`{3,})\\s*$")
)

// stepKeys are the per-step fields. CONTENT and COMMAND keep following lines
// until the next key. A CONTENT body that opens with a code fence runs to the
// closing fence, so keys and step headers inside it are content.
var stepKeys = map[string]bool{"TOOL": true, "TARGET": true, "COMMAND": true, "CONTENT": true, "TYPE": true, "DESCRIPTION": true}

// ParsePlan requires STEP_COUNT and at least one "STEP n:" block with a TOOL.
//
//	STEP_COUNT: 2
//	STEP 1: read the config
//	TOOL: read_file
//	TARGET: config.yaml
//	ARG max_chars: 200
//	STEP 2: write a summary
//	TOOL: write_file
//	TARGET: summary.md
//	CONTENT:
//	# Summary
//	...
func (p *Parser) ParsePlan(text string) (Plan, ValidationResult) {
	var (
		out           Plan
		haveCount     bool
		countText     string
		cur           *ExecutionStep
		field         string
		body          []string
		summaryActive bool
		fence         int
		unterminated  []string
	)

	// openFence starts a fenced CONTENT body when line is an opening fence.
	openFence := func(line string) {
		if m := fenceRE.FindStringSubmatch(line); m != nil {
			fence = len(m[1])
		}
	}

	flush := func() {
		if cur == nil || field == "" {
			return
		}
		value := joinBody(body, field == "CONTENT")
		switch field {
		case "TOOL":
			cur.Tool = strings.TrimSpace(strings.Trim(value, "`"))
		case "TARGET":
			cur.Target = strings.TrimSpace(strings.Trim(value, "`"))
		case "COMMAND":
			cur.Command = strings.TrimSpace(strings.Trim(value, "`"))
		case "CONTENT":
			cur.Content = value
		case "TYPE":
			cur.Type = StepType(strings.ToLower(strings.TrimSpace(value)))
		case "DESCRIPTION":
			if cur.Description == "" {
				cur.Description = strings.TrimSpace(value)
			}
		}
		field, body = "", nil
	}

	for _, line := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		if fence > 0 {
			body = append(body, line)
			if m := closeFenceRE.FindStringSubmatch(line); m != nil && len(m[1]) >= fence {
				fence = 0
			}
			continue
		}

		if m := stepHeaderRE.FindStringSubmatch(line); m != nil {
			flush()
			summaryActive = false
			n, _ := strconv.Atoi(m[1])
			out.Steps = append(out.Steps, ExecutionStep{
				StepID:      StepID(n),
				Number:      n,
				Description: strings.TrimSpace(m[2]),
				Args:        map[string]string{},
			})
			cur = &out.Steps[len(out.Steps)-1]
			continue
		}

		if cur != nil && field != "CONTENT" {
			if m := argRE.FindStringSubmatch(line); m != nil {
				flush()
				cur.Args[m[1]] = strings.TrimSpace(m[2])
				continue
			}
		}

		if key, value, ok := matchHeader(line); ok {
			switch {
			case key == "STEP_COUNT" || key == "TOTAL_STEPS":
				flush()
				summaryActive = false
				if !haveCount {
					haveCount, countText = true, value
				}
				continue
			case key == "SUMMARY" && cur == nil:
				summaryActive = true
				out.Summary = value
				continue
			case cur != nil && stepKeys[key]:
				flush()
				field = key
				if value != "" || key != "CONTENT" {
					body = []string{value}
				}
				if key == "CONTENT" {
					openFence(value)
				}
				continue
			}
		}

		switch {
		case cur != nil && field != "":
			if field == "CONTENT" && strings.TrimSpace(strings.Join(body, "")) == "" {
				openFence(line)
			}
			body = append(body, line)
		case summaryActive:
			out.Summary = strings.TrimSpace(out.Summary + "\n" + line)
		}
	}
	if fence > 0 && cur != nil {
		unterminated = append(unterminated, cur.StepID)
	}
	flush()

	for i := range out.Steps {
		s := &out.Steps[i]
		switch s.Type {
		case StepFileOp, StepCommandOp, StepOther:
		default:
			s.Type = StepTypeFor(s.Tool)
		}
		if len(s.Args) == 0 {
			s.Args = nil
		}
	}

	sc := newScorer(2)
	count, countErr := strconv.Atoi(strings.TrimSpace(numberRE.FindString(countText)))
	out.DeclaredSteps = count
	sc.field("STEP_COUNT", haveCount, strings.TrimSpace(countText) != "")
	sc.field("STEP n", len(out.Steps) > 0, hasDescribedStep(out.Steps))

	if haveCount && strings.TrimSpace(countText) != "" {
		sc.check(countErr == nil, fmt.Sprintf("STEP_COUNT %q is not a number", countText), false)
		if countErr == nil {
			sc.check(count == len(out.Steps), fmt.Sprintf("STEP_COUNT declares %d steps but %d were found", count, len(out.Steps)), false)
		}
	}
	if len(out.Steps) > 0 {
		sc.check(sequential(out.Steps), "steps are not numbered 1..n in order", false)
		dups := duplicateIDs(out.Steps)
		sc.check(len(dups) == 0, "duplicate step ids: "+strings.Join(dups, ", "), true)
		missing := stepsWithoutTool(out.Steps)
		sc.check(len(missing) == 0, "steps without TOOL: "+strings.Join(missing, ", "), true)
		sc.check(len(unterminated) == 0, "unterminated code fence in CONTENT of "+strings.Join(unterminated, ", "), true)
	}
	return out, sc.result(p.threshold)
}

// joinBody joins a field's lines. Content keeps inner whitespace and drops a
// surrounding code fence.
func joinBody(lines []string, raw bool) string {
	if !raw {
		return strings.TrimSpace(strings.Join(lines, "\n"))
	}
	for len(lines) > 0 && strings.TrimSpace(lines[0]) == "" {
		lines = lines[1:]
	}
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	if len(lines) >= 2 && fenceRE.MatchString(lines[0]) && fenceRE.MatchString(lines[len(lines)-1]) {
		lines = lines[1 : len(lines)-1]
	}
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}

func hasDescribedStep(steps []ExecutionStep) bool {
	for _, s := range steps {
		if s.Description != "" || s.Tool != "" {
			return true
		}
	}
	return false
}

func sequential(steps []ExecutionStep) bool {
	for i, s := range steps {
		if s.Number != i+1 {
			return false
		}
	}
	return true
}

func duplicateIDs(steps []ExecutionStep) []string {
	seen := make(map[string]int, len(steps))
	for _, s := range steps {
		seen[s.StepID]++
	}
	var dups []string
	for id, n := range seen {
		if n > 1 {
			dups = append(dups, id)
		}
	}
	sort.Strings(dups)
	return dups
}

func stepsWithoutTool(steps []ExecutionStep) []string {
	var ids []string
	for _, s := range steps {
		if s.Tool == "" {
			ids = append(ids, s.StepID)
		}
	}
	return ids
}
