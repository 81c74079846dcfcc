package guardrail

import (
	"fmt"
)

// DryRunResult is the simulated outcome of an operation. Producing it never
// touches the file system or the tool registry.
type DryRunResult struct {
	Operation             OperationGuard `json:"operation"`
	Assessment            Assessment     `json:"assessment"`
	Decision              Decision       `json:"decision"`
	PredictedChanges      []string       `json:"predicted_changes"`
	WouldBeBlocked        bool           `json:"would_be_blocked"`
	WouldNeedConfirmation bool           `json:"would_need_confirmation"`
}

// DryRun computes the same decision path as Evaluate without asking for
// confirmation or dispatching anything.
func (g *Guardrail) DryRun(op OperationGuard) DryRunResult {
	a := g.Assess(op)
	d := g.Decide(op, a)
	return DryRunResult{
		Operation:             op,
		Assessment:            a,
		Decision:              d,
		PredictedChanges:      g.predictChanges(op),
		WouldBeBlocked:        d.Verdict == VerdictBlocked,
		WouldNeedConfirmation: d.Verdict == VerdictNeedsConfirmation,
	}
}

func (g *Guardrail) predictChanges(op OperationGuard) []string {
	target := NormalizePath(op.Target, g.policy.WorkDir)
	switch op.Type {
	case OpRead, OpList:
		return []string{}
	case OpWrite:
		size := op.ContentBytes
		if size == 0 {
			size = len(op.Content)
		}
		return []string{fmt.Sprintf("write %d bytes to %s (creating parent directories if missing)", size, target)}
	case OpCreateDir:
		return []string{"create directory " + target}
	case OpDelete:
		return []string{"delete " + target}
	case OpExecute:
		if IsReadOnlyCommand(op.Command) {
			return []string{}
		}
		return []string{fmt.Sprintf("run %q with unknown side effects", NormalizeCommand(op.Command))}
	default:
		return []string{fmt.Sprintf("invoke tool %s on %s", op.Tool, target)}
	}
}
