package guardrail

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fyrsmithlabs/stepwise/internal/config"
)

// DefaultConfirmationTimeout bounds how long a step waits for a human answer.
const DefaultConfirmationTimeout = 5 * time.Minute

// Policy is the immutable input to a Guardrail.
type Policy struct {
	RequireConfirmation bool
	// EnabledTools, when non-empty, is the only set of tools allowed to run.
	EnabledTools []string
	// BlockedCommands always block a matching command, whatever its risk.
	BlockedCommands []string
	// AllowedDirectories downgrade High file operations inside them to approved,
	// and raise file operations outside them to at least High.
	AllowedDirectories []string
	// WorkDir resolves relative targets.
	WorkDir             string
	ConfirmationTimeout time.Duration
	// Patterns is the rule table. Nil selects DefaultPatterns.
	Patterns []DangerousPattern
}

// DefaultPolicy returns a policy requiring confirmation with the default rules.
func DefaultPolicy() Policy {
	return Policy{
		RequireConfirmation: true,
		ConfirmationTimeout: DefaultConfirmationTimeout,
	}
}

// PolicyFromConfig builds a policy from the application config.
func PolicyFromConfig(cfg *config.Config) Policy {
	return Policy{
		RequireConfirmation: cfg.Engine.RequireConfirmation,
		EnabledTools:        append([]string(nil), cfg.Guardrails.EnabledTools...),
		BlockedCommands:     append([]string(nil), cfg.Guardrails.BlockedCommands...),
		AllowedDirectories:  append([]string(nil), cfg.Guardrails.AllowedDirectories...),
		WorkDir:             cfg.Tools.WorkDir,
		ConfirmationTimeout: cfg.Engine.ConfirmationTimeout.Duration(),
	}
}

// policyFile is the TOML layout of a policy file. Absent keys leave the base
// policy untouched.
type policyFile struct {
	RequireConfirmation    *bool              `toml:"require_confirmation"`
	EnabledTools           []string           `toml:"enabled_tools"`
	BlockedCommands        []string           `toml:"blocked_commands"`
	AllowedDirectories     []string           `toml:"allowed_directories"`
	ReplaceDefaultPatterns bool               `toml:"replace_default_patterns"`
	Patterns               []DangerousPattern `toml:"patterns"`
}

// LoadPolicyFile overlays a TOML policy file on base. Patterns in the file are
// appended to the base rule table unless replace_default_patterns is set.
//
//	require_confirmation = true
//	blocked_commands = ["curl"]
//
//	[[patterns]]
//	id = "npm-publish"
//	pattern = '\bnpm\s+publish\b'
//	scope = "command"
//	min_risk = "high"
//	reason = "publishes a package"
func LoadPolicyFile(path string, base Policy) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("reading policy file: %w", err)
	}

	var pf policyFile
	md, err := toml.Decode(string(data), &pf)
	if err != nil {
		return base, fmt.Errorf("%w: %s: %v", ErrInvalidPolicy, path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return base, fmt.Errorf("%w: %s: unknown keys %v", ErrInvalidPolicy, path, undecoded)
	}

	p := base
	if pf.RequireConfirmation != nil {
		p.RequireConfirmation = *pf.RequireConfirmation
	}
	if md.IsDefined("enabled_tools") {
		p.EnabledTools = pf.EnabledTools
	}
	if md.IsDefined("blocked_commands") {
		p.BlockedCommands = pf.BlockedCommands
	}
	if md.IsDefined("allowed_directories") {
		p.AllowedDirectories = pf.AllowedDirectories
	}

	rules := base.Patterns
	if rules == nil {
		rules = DefaultPatterns()
	}
	if pf.ReplaceDefaultPatterns {
		rules = nil
	}
	p.Patterns = append(append([]DangerousPattern{}, rules...), pf.Patterns...)

	if _, err := compilePatterns(p.Patterns); err != nil {
		return base, fmt.Errorf("%w: %s: %v", ErrInvalidPolicy, path, err)
	}
	return p, nil
}

// Validate checks the policy for errors.
func (p Policy) Validate() error {
	if p.ConfirmationTimeout < 0 {
		return errors.New("confirmation timeout must not be negative")
	}
	for _, c := range p.BlockedCommands {
		if c == "" {
			return errors.New("blocked command entries must not be empty")
		}
	}
	return nil
}
