package guardrail

import (
	"fmt"
	"regexp"
)

// PatternScope selects which text a DangerousPattern is matched against.
type PatternScope string

const (
	// ScopeCommand matches the normalized command line.
	ScopeCommand PatternScope = "command"
	// ScopePath matches the normalized target and every path-like token of the command.
	ScopePath PatternScope = "path"
	// ScopeAny matches both.
	ScopeAny PatternScope = "any"
)

// DangerousPattern is one row of the rule table: a case-insensitive regexp
// and the minimum risk an operation matching it receives.
type DangerousPattern struct {
	ID      string       `toml:"id" json:"id"`
	Pattern string       `toml:"pattern" json:"pattern"`
	Scope   PatternScope `toml:"scope" json:"scope"`
	MinRisk RiskLevel    `toml:"min_risk" json:"min_risk"`
	Reason  string       `toml:"reason" json:"reason"`
	// Operations restricts the rule to these operation types. Empty means all.
	Operations []OperationType `toml:"operations" json:"operations,omitempty"`
}

var mutatingOps = []OperationType{OpWrite, OpCreateDir, OpDelete, OpExecute, OpOther}

// DefaultPatterns returns the built-in rule table.
func DefaultPatterns() []DangerousPattern {
	return []DangerousPattern{
		// Destructive deletes
		{
			ID:      "rm-recursive-force",
			Pattern: `\brm\s+(?:-[a-z]*(?:rf|fr)[a-z]*|-r\s+-f|-f\s+-r|--recursive\s+--force|--force\s+--recursive)`,
			Scope:   ScopeCommand,
			MinRisk: RiskCritical,
			Reason:  "recursive forced delete",
		},
		{
			ID:      "rm-recursive",
			Pattern: `\brm\s+(?:-[a-z]*r[a-z]*|--recursive)\b`,
			Scope:   ScopeCommand,
			MinRisk: RiskHigh,
			Reason:  "recursive delete",
		},
		{
			ID:      "rm-wildcard",
			Pattern: `\brm\s+.*\*`,
			Scope:   ScopeCommand,
			MinRisk: RiskHigh,
			Reason:  "wildcard delete",
		},
		{
			ID:      "find-delete",
			Pattern: `\bfind\b.*\s-(?:delete|exec\s+rm)\b`,
			Scope:   ScopeCommand,
			MinRisk: RiskHigh,
			Reason:  "find with delete action",
		},

		// Disk and system
		{
			ID:      "mkfs",
			Pattern: `\bmkfs(?:\.\w+)?\b`,
			Scope:   ScopeCommand,
			MinRisk: RiskCritical,
			Reason:  "formats a file system",
		},
		{
			ID:      "dd-device",
			Pattern: `\bdd\b.*\bof=/dev/`,
			Scope:   ScopeCommand,
			MinRisk: RiskCritical,
			Reason:  "raw write to a device",
		},
		{
			ID:      "redirect-device",
			Pattern: `>\s*/dev/(?:sd|hd|nvme|disk|mmcblk)`,
			Scope:   ScopeCommand,
			MinRisk: RiskCritical,
			Reason:  "redirect into a block device",
		},
		{
			ID:      "fork-bomb",
			Pattern: `:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`,
			Scope:   ScopeCommand,
			MinRisk: RiskCritical,
			Reason:  "fork bomb",
		},
		{
			ID:      "power",
			Pattern: `\b(?:shutdown|reboot|halt|poweroff)\b`,
			Scope:   ScopeCommand,
			MinRisk: RiskCritical,
			Reason:  "stops or restarts the host",
		},
		{
			ID:      "pipe-to-shell",
			Pattern: `\b(?:curl|wget)\b.*\|\s*(?:sudo\s+)?(?:sh|bash|zsh|dash)\b`,
			Scope:   ScopeCommand,
			MinRisk: RiskCritical,
			Reason:  "executes downloaded code",
		},
		{
			ID:      "sudo",
			Pattern: `\b(?:sudo|doas|su)\b`,
			Scope:   ScopeCommand,
			MinRisk: RiskHigh,
			Reason:  "privilege escalation",
		},
		{
			ID:      "chmod-world-writable",
			Pattern: `\bchmod\s+(?:-r\s+)?(?:0?777|a\+w|o\+w)\b`,
			Scope:   ScopeCommand,
			MinRisk: RiskHigh,
			Reason:  "makes files world writable",
		},
		{
			ID:      "chown-recursive",
			Pattern: `\bchown\s+-r\b`,
			Scope:   ScopeCommand,
			MinRisk: RiskHigh,
			Reason:  "recursive ownership change",
		},
		{
			ID:      "kill-all",
			Pattern: `\b(?:killall|pkill)\b|\bkill\s+-9\s+-1\b`,
			Scope:   ScopeCommand,
			MinRisk: RiskHigh,
			Reason:  "kills processes broadly",
		},

		// Version control and data
		{
			ID:      "git-force-push",
			Pattern: `\bgit\s+push\b.*(?:--force\b|\s-f\b)`,
			Scope:   ScopeCommand,
			MinRisk: RiskHigh,
			Reason:  "rewrites remote history",
		},
		{
			ID:      "git-discard",
			Pattern: `\bgit\s+(?:reset\s+--hard|clean\s+-[a-z]*f|checkout\s+--\s)`,
			Scope:   ScopeCommand,
			MinRisk: RiskHigh,
			Reason:  "discards uncommitted work",
		},
		{
			ID:      "sql-drop",
			Pattern: `\b(?:drop\s+(?:table|database|schema)|truncate\s+table)\b`,
			Scope:   ScopeCommand,
			MinRisk: RiskCritical,
			Reason:  "destroys database objects",
		},

		// Paths
		{
			ID:         "root-path",
			Pattern:    `^/$`,
			Scope:      ScopePath,
			MinRisk:    RiskCritical,
			Reason:     "targets the file system root",
			Operations: mutatingOps,
		},
		{
			ID:         "system-path",
			Pattern:    `^/(?:etc|bin|sbin|usr|boot|dev|proc|sys|lib|lib64|var/lib)(?:/|$)`,
			Scope:      ScopePath,
			MinRisk:    RiskCritical,
			Reason:     "modifies a system directory",
			Operations: mutatingOps,
		},
		{
			ID:      "ssh-dir",
			Pattern: `(?:^|/)\.ssh(?:/|$)`,
			Scope:   ScopePath,
			MinRisk: RiskHigh,
			Reason:  "touches ssh keys",
		},
		{
			ID:         "git-dir",
			Pattern:    `(?:^|/)\.git(?:/|$)`,
			Scope:      ScopePath,
			MinRisk:    RiskHigh,
			Reason:     "modifies repository internals",
			Operations: mutatingOps,
		},
		{
			ID:      "env-file",
			Pattern: `(?:^|/)\.env(?:\.[\w-]+)?$`,
			Scope:   ScopePath,
			MinRisk: RiskMedium,
			Reason:  "environment file may hold credentials",
		},
		{
			ID:      "parent-escape",
			Pattern: `^\.\.(?:/|$)`,
			Scope:   ScopePath,
			MinRisk: RiskHigh,
			Reason:  "path escapes the working directory",
		},
	}
}

// compiledPattern is a validated DangerousPattern.
type compiledPattern struct {
	DangerousPattern
	re  *regexp.Regexp
	ops map[OperationType]bool
}

func (p *compiledPattern) appliesTo(t OperationType) bool {
	return len(p.ops) == 0 || p.ops[t]
}

func (p *compiledPattern) matchesCommand() bool {
	return p.Scope == ScopeCommand || p.Scope == ScopeAny
}

func (p *compiledPattern) matchesPath() bool {
	return p.Scope == ScopePath || p.Scope == ScopeAny
}

// compilePatterns validates and compiles a rule table in order.
func compilePatterns(patterns []DangerousPattern) ([]*compiledPattern, error) {
	seen := make(map[string]bool, len(patterns))
	out := make([]*compiledPattern, 0, len(patterns))
	for i, p := range patterns {
		if p.ID == "" {
			return nil, fmt.Errorf("pattern %d: id is required", i)
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("pattern %q: duplicate id", p.ID)
		}
		seen[p.ID] = true
		if !p.MinRisk.Valid() {
			return nil, fmt.Errorf("pattern %q: invalid min_risk", p.ID)
		}
		if p.Scope == "" {
			p.Scope = ScopeAny
		}
		switch p.Scope {
		case ScopeCommand, ScopePath, ScopeAny:
		default:
			return nil, fmt.Errorf("pattern %q: unknown scope %q", p.ID, p.Scope)
		}
		re, err := regexp.Compile("(?i)" + p.Pattern)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", p.ID, err)
		}
		cp := &compiledPattern{DangerousPattern: p, re: re}
		if len(p.Operations) > 0 {
			cp.ops = make(map[OperationType]bool, len(p.Operations))
			for _, op := range p.Operations {
				cp.ops[op] = true
			}
		}
		out = append(out, cp)
	}
	return out, nil
}
