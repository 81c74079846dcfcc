package guardrail

import (
	"path"
	"path/filepath"
	"strings"
)

// OperationType classifies what an operation does to its target.
type OperationType string

const (
	OpRead      OperationType = "read"
	OpList      OperationType = "list"
	OpWrite     OperationType = "write"
	OpCreateDir OperationType = "create_dir"
	OpDelete    OperationType = "delete"
	OpExecute   OperationType = "execute"
	OpOther     OperationType = "other"
)

// baselineRisk is the starting risk per operation type before patterns apply.
var baselineRisk = map[OperationType]RiskLevel{
	OpRead:      RiskLow,
	OpList:      RiskLow,
	OpCreateDir: RiskLow,
	OpWrite:     RiskMedium,
	OpExecute:   RiskMedium,
	OpOther:     RiskMedium,
	OpDelete:    RiskHigh,
}

// BaselineRisk returns the operation type's baseline. Unknown types are Medium.
func BaselineRisk(t OperationType) RiskLevel {
	if r, ok := baselineRisk[t]; ok {
		return r
	}
	return RiskMedium
}

// OperationGuard is a proposed side-effecting action awaiting guardrail review.
// It carries no risk level: risk exists only in the Assessment the Guardrail
// produces.
type OperationGuard struct {
	ID              string        `json:"id"`
	Type            OperationType `json:"type"`
	Tool            string        `json:"tool"`
	Target          string        `json:"target,omitempty"`
	Command         string        `json:"command,omitempty"`
	Content         string        `json:"-"`
	ContentBytes    int           `json:"content_bytes,omitempty"`
	EstimatedImpact string        `json:"estimated_impact,omitempty"`
}

// Summary is a one-line description used in confirmation prompts.
func (op OperationGuard) Summary() string {
	var b strings.Builder
	b.WriteString(op.Tool)
	if op.Command != "" {
		b.WriteString(": ")
		b.WriteString(op.Command)
	} else if op.Target != "" {
		b.WriteString(" ")
		b.WriteString(op.Target)
	}
	if op.EstimatedImpact != "" {
		b.WriteString(" (")
		b.WriteString(op.EstimatedImpact)
		b.WriteString(")")
	}
	return b.String()
}

var commandStrip = strings.NewReplacer(`\`, "", `'`, "", `"`, "", "`", " ")

// NormalizeCommand collapses whitespace and drops quoting and escapes so
// "r\m  -'rf'" and "rm -rf" look the same to pattern matching.
func NormalizeCommand(cmd string) string {
	return strings.Join(strings.Fields(commandStrip.Replace(cmd)), " ")
}

// NormalizePath converts separators to slashes and cleans the path. Relative
// paths are resolved against base when base is set.
func NormalizePath(p, base string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	p = strings.ReplaceAll(p, `\`, "/")
	if base != "" && !path.IsAbs(p) && !strings.HasPrefix(p, "~") {
		p = filepath.ToSlash(base) + "/" + p
	}
	return path.Clean(p)
}

// pathSubjects returns the forms of a normalized path that path patterns are
// matched against. A path inside workDir is matched relative to it, so a work
// directory under /usr or /var/lib does not turn every change into a system
// change. A path outside workDir is matched in absolute form and as the
// relative path that leaves workDir.
func pathSubjects(p, workDir string) []string {
	if p == "" {
		return nil
	}
	if workDir == "" || !path.IsAbs(p) {
		return []string{p}
	}
	root := path.Clean(filepath.ToSlash(workDir))
	if root == "/" || !path.IsAbs(root) {
		return []string{p}
	}
	if p == root {
		return []string{"."}
	}
	if rel, ok := strings.CutPrefix(p, root+"/"); ok {
		return []string{rel}
	}
	if rel, err := filepath.Rel(root, p); err == nil {
		return []string{p, filepath.ToSlash(rel)}
	}
	return []string{p}
}

// commandPaths extracts path-like tokens from a normalized command so path
// patterns also see the files a command touches.
func commandPaths(normalized, base string) []string {
	var paths []string
	for _, tok := range strings.FieldsFunc(normalized, func(r rune) bool {
		return r == ' ' || r == ';' || r == '|' || r == '&' || r == '>' || r == '<' || r == '(' || r == ')' || r == '='
	}) {
		if strings.HasPrefix(tok, "/") || strings.HasPrefix(tok, "~") || strings.HasPrefix(tok, "./") || strings.HasPrefix(tok, "../") || strings.Contains(tok, "/") {
			paths = append(paths, NormalizePath(tok, base))
		}
	}
	return paths
}

// safeCommands are read-only programs whose invocation has no side effects
// when the command line contains no shell redirection or chaining.
var safeCommands = map[string]bool{
	"cat": true, "head": true, "tail": true, "ls": true, "pwd": true,
	"echo": true, "grep": true, "wc": true, "stat": true, "file": true,
	"date": true, "whoami": true, "which": true, "du": true, "df": true,
	"tree": true, "diff": true, "sort": true, "uniq": true, "cut": true,
}

// safeSubcommands covers read-only subcommands of otherwise mutating tools.
var safeSubcommands = map[string]map[string]bool{
	"git": {"status": true, "log": true, "diff": true, "show": true, "branch": true, "rev-parse": true},
	"go":  {"version": true, "env": true, "list": true, "vet": true},
}

// IsReadOnlyCommand reports whether cmd is a single read-only program call
// without shell metacharacters.
func IsReadOnlyCommand(cmd string) bool {
	if strings.ContainsAny(cmd, ";|&><`$\n") {
		return false
	}
	fields := strings.Fields(NormalizeCommand(cmd))
	if len(fields) == 0 {
		return false
	}
	prog := strings.ToLower(path.Base(fields[0]))
	if safeCommands[prog] {
		return true
	}
	if subs, ok := safeSubcommands[prog]; ok && len(fields) > 1 {
		return subs[strings.ToLower(fields[1])]
	}
	return false
}
