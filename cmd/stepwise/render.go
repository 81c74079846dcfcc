package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/fyrsmithlabs/stepwise/internal/engine"
	"github.com/fyrsmithlabs/stepwise/internal/guardrail"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("51"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45")).
			Width(12)

	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("214")).
			Padding(0, 1)
)

func riskStyle(r guardrail.RiskLevel) lipgloss.Style {
	switch {
	case r >= guardrail.RiskCritical:
		return errStyle
	case r >= guardrail.RiskHigh:
		return warnStyle
	case r >= guardrail.RiskMedium:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	default:
		return okStyle
	}
}

func row(label, value string) string {
	return lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render(label), value)
}

// renderPlan draws the outcome of a task for the terminal.
func renderPlan(plan *engine.ExecutionPlan) string {
	var b strings.Builder
	s := plan.Summary()

	status := okStyle.Render("completed")
	if !plan.Succeeded() {
		status = errStyle.Render("failed")
	}
	b.WriteString(titleStyle.Render("Task "+s.TaskID) + "\n")
	b.WriteString(row("Status", status) + "\n")
	if f := s.Failure; f != nil {
		b.WriteString(row("Failed at", f.FailedAt) + "\n")
		b.WriteString(row("Reason", f.Reason) + "\n")
	}
	if s.Verdict != "" {
		b.WriteString(row("Verdict", fmt.Sprintf("%s (%.2f)", s.Verdict, s.Score)) + "\n")
	}

	if len(plan.History) > 0 {
		b.WriteString("\n" + titleStyle.Render("Steps") + "\n")
		for _, rec := range plan.History {
			st := okStyle
			if rec.Status != engine.StepCompleted {
				st = errStyle
			}
			line := fmt.Sprintf("%-8s %-12s %s %s", rec.Step.StepID, rec.Step.Tool,
				st.Render(string(rec.Status)), riskStyle(rec.Review.Assessment.Risk).Render(rec.Review.Assessment.Risk.String()))
			if rec.RolledBack {
				line += dimStyle.Render(" (rolled back)")
			}
			b.WriteString(line + "\n")
			if rec.Error != "" {
				b.WriteString(dimStyle.Render("         "+rec.Error) + "\n")
			}
		}
	}

	if fv := plan.FinalValidation; fv != nil && fv.Output != nil && fv.Output.Summary != "" {
		b.WriteString("\n" + titleStyle.Render("Summary") + "\n" + fv.Output.Summary + "\n")
	}
	for _, e := range plan.Errors {
		b.WriteString(warnStyle.Render("warning: ") + e + "\n")
	}
	return b.String()
}

// renderDryRun draws a guardrail preview.
func renderDryRun(res guardrail.DryRunResult) string {
	var b strings.Builder
	a := res.Assessment
	b.WriteString(titleStyle.Render("Dry run") + "\n")
	b.WriteString(row("Operation", res.Operation.Summary()) + "\n")
	b.WriteString(row("Risk", riskStyle(a.Risk).Render(a.Risk.String())) + "\n")
	b.WriteString(row("Reversible", fmt.Sprintf("%t", a.Reversible)) + "\n")
	b.WriteString(row("Verdict", string(res.Decision.Verdict)) + "\n")
	if res.Decision.Reason != "" {
		b.WriteString(row("Reason", res.Decision.Reason) + "\n")
	}
	switch {
	case res.WouldBeBlocked:
		b.WriteString(errStyle.Render("would be blocked") + "\n")
	case res.WouldNeedConfirmation:
		b.WriteString(warnStyle.Render("would ask for confirmation") + "\n")
	default:
		b.WriteString(okStyle.Render("would run") + "\n")
	}
	for _, p := range a.MatchedPatterns {
		b.WriteString(dimStyle.Render(fmt.Sprintf("  matched %s: %s", p.ID, p.Reason)) + "\n")
	}
	for _, c := range res.PredictedChanges {
		b.WriteString("  - " + c + "\n")
	}
	return b.String()
}

// renderPatterns draws the active rule table.
func renderPatterns(patterns []guardrail.DangerousPattern) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("%d dangerous patterns", len(patterns))) + "\n")
	for _, p := range patterns {
		b.WriteString(fmt.Sprintf("%-24s %-9s %s  %s\n",
			p.ID, p.Scope, riskStyle(p.MinRisk).Render(fmt.Sprintf("%-8s", p.MinRisk)), dimStyle.Render(p.Reason)))
	}
	return b.String()
}

// terminalConfirmer asks on out and reads answers line by line from in.
// One reader goroutine owns in, so an unanswered prompt that times out does
// not swallow the answer to the next one.
type terminalConfirmer struct {
	in  io.Reader
	out io.Writer

	once  sync.Once
	lines chan string
	mu    sync.Mutex
}

func newTerminalConfirmer(in io.Reader, out io.Writer) *terminalConfirmer {
	return &terminalConfirmer{in: in, out: out}
}

func (t *terminalConfirmer) start() {
	t.once.Do(func() {
		t.lines = make(chan string)
		go func() {
			defer close(t.lines)
			sc := bufio.NewScanner(t.in)
			for sc.Scan() {
				t.lines <- strings.TrimSpace(sc.Text())
			}
		}()
	})
}

func (t *terminalConfirmer) readLine(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case line, ok := <-t.lines:
		if !ok {
			return "", io.EOF
		}
		return line, nil
	}
}

// Confirm implements guardrail.Confirmer.
func (t *terminalConfirmer) Confirm(ctx context.Context, req guardrail.ConfirmationRequest) (guardrail.ConfirmationResponse, error) {
	t.start()
	t.mu.Lock()
	defer t.mu.Unlock()

	var body strings.Builder
	body.WriteString(errStyle.Render("Confirmation required") + "\n")
	body.WriteString(row("Operation", req.Summary) + "\n")
	body.WriteString(row("Risk", riskStyle(req.Risk).Render(req.Risk.String())) + "\n")
	for _, r := range req.Reasons {
		body.WriteString(dimStyle.Render("- "+r) + "\n")
	}
	if !req.Deadline.IsZero() {
		body.WriteString(row("Expires", req.Deadline.Format(time.Kitchen)))
	}
	fmt.Fprintln(t.out, boxStyle.Render(strings.TrimRight(body.String(), "\n")))

	for {
		fmt.Fprint(t.out, "[a]pprove / [d]eny / [m]odify: ")
		line, err := t.readLine(ctx)
		if err != nil {
			return guardrail.ConfirmationResponse{}, err
		}
		switch strings.ToLower(line) {
		case "a", "approve", "y", "yes":
			return t.answer(guardrail.OptionApprove, nil), nil
		case "d", "deny", "n", "no":
			return t.answer(guardrail.OptionDeny, nil), nil
		case "m", "modify":
			mod, err := t.modification(ctx)
			if err != nil {
				return guardrail.ConfirmationResponse{}, err
			}
			return t.answer(guardrail.OptionModify, mod), nil
		}
	}
}

func (t *terminalConfirmer) modification(ctx context.Context) (*guardrail.Modification, error) {
	mod := &guardrail.Modification{}
	for _, f := range []struct {
		prompt string
		dst    *string
	}{
		{"new command (blank keeps it): ", &mod.Command},
		{"new target (blank keeps it): ", &mod.Target},
	} {
		fmt.Fprint(t.out, f.prompt)
		line, err := t.readLine(ctx)
		if err != nil {
			return nil, err
		}
		*f.dst = line
	}
	return mod, nil
}

func (t *terminalConfirmer) answer(opt guardrail.ConfirmOption, mod *guardrail.Modification) guardrail.ConfirmationResponse {
	return guardrail.ConfirmationResponse{
		Option:       opt,
		Modification: mod,
		Responder:    "terminal",
		RespondedAt:  time.Now(),
	}
}
