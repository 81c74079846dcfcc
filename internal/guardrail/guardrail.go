package guardrail

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stepwise/internal/logging"
)

// Verdict is the outcome of a guardrail decision.
type Verdict string

const (
	VerdictApproved          Verdict = "approved"
	VerdictBlocked           Verdict = "blocked"
	VerdictNeedsConfirmation Verdict = "needs_confirmation"
)

// PatternMatch records one rule that matched an operation.
type PatternMatch struct {
	ID      string    `json:"id"`
	MinRisk RiskLevel `json:"min_risk"`
	Reason  string    `json:"reason"`
	Subject string    `json:"subject"`
}

// Assessment is the guardrail's risk judgment of one operation.
type Assessment struct {
	Risk            RiskLevel      `json:"risk"`
	Baseline        RiskLevel      `json:"baseline"`
	MatchedPatterns []PatternMatch `json:"matched_patterns,omitempty"`
	Reasons         []string       `json:"reasons,omitempty"`
	Reversible      bool           `json:"reversible"`
	Secrets         []string       `json:"secrets,omitempty"`
	// InsideAllowed is true when the target is inside an allowed directory.
	InsideAllowed bool `json:"inside_allowed,omitempty"`
}

// Decision is the policy verdict for an assessed operation.
type Decision struct {
	Verdict Verdict   `json:"verdict"`
	Risk    RiskLevel `json:"risk"`
	Reason  string    `json:"reason"`
}

// ConfirmationExchange records a confirmation round trip.
type ConfirmationExchange struct {
	Request  ConfirmationRequest   `json:"request"`
	Response *ConfirmationResponse `json:"response,omitempty"`
	Error    string                `json:"error,omitempty"`
}

// Review is the complete outcome of Evaluate. Operation is the operation that
// was finally judged, which differs from the input after a modify response.
type Review struct {
	Operation    OperationGuard        `json:"operation"`
	Assessment   Assessment            `json:"assessment"`
	Decision     Decision              `json:"decision"`
	Confirmation *ConfirmationExchange `json:"confirmation,omitempty"`
}

// Approved reports whether the operation may run.
func (r Review) Approved() bool {
	return r.Decision.Verdict == VerdictApproved
}

// Guardrail is the sole authority deciding whether an operation may run. It is
// immutable after construction and safe for concurrent use by many plans.
type Guardrail struct {
	policy       Policy
	patterns     []*compiledPattern
	blocked      []*regexp.Regexp
	allowedDirs  []string
	enabledTools map[string]bool
	confirmer    Confirmer
	snapshotter  Snapshotter
	scanner      SecretScanner
	metrics      *Metrics
	logger       *logging.Logger
	now          func() time.Time
}

// Option configures a Guardrail.
type Option func(*Guardrail)

// WithConfirmer sets who answers confirmation requests. Without one, every
// request resolves to blocked.
func WithConfirmer(c Confirmer) Option {
	return func(g *Guardrail) { g.confirmer = c }
}

// WithSnapshotter enables rollback planning for file operations.
func WithSnapshotter(s Snapshotter) Option {
	return func(g *Guardrail) { g.snapshotter = s }
}

// WithSecretScanner enables secret detection in written content.
func WithSecretScanner(s SecretScanner) Option {
	return func(g *Guardrail) { g.scanner = s }
}

// WithMetrics records decisions in prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(g *Guardrail) { g.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(g *Guardrail) { g.logger = l.Named("guardrail") }
}

// WithClock overrides time.Now for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Guardrail) { g.now = now }
}

// New compiles a policy into a Guardrail.
func New(policy Policy, opts ...Option) (*Guardrail, error) {
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	if policy.ConfirmationTimeout == 0 {
		policy.ConfirmationTimeout = DefaultConfirmationTimeout
	}
	if policy.Patterns == nil {
		policy.Patterns = DefaultPatterns()
	}

	patterns, err := compilePatterns(policy.Patterns)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}

	g := &Guardrail{
		policy:   policy,
		patterns: patterns,
		logger:   logging.NewNop(),
		now:      time.Now,
	}

	for _, cmd := range policy.BlockedCommands {
		norm := NormalizeCommand(cmd)
		re, err := regexp.Compile(`(?i)(?:^|[\s;&|(/])` + regexp.QuoteMeta(norm) + `(?:$|[\s;&|)])`)
		if err != nil {
			return nil, fmt.Errorf("%w: blocked command %q: %v", ErrInvalidPolicy, cmd, err)
		}
		g.blocked = append(g.blocked, re)
	}
	for _, dir := range policy.AllowedDirectories {
		g.allowedDirs = append(g.allowedDirs, NormalizePath(dir, policy.WorkDir))
	}
	if len(policy.EnabledTools) > 0 {
		g.enabledTools = make(map[string]bool, len(policy.EnabledTools))
		for _, t := range policy.EnabledTools {
			g.enabledTools[t] = true
		}
	}

	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Policy returns a copy of the policy the guardrail was built from.
func (g *Guardrail) Policy() Policy {
	p := g.policy
	p.Patterns = append([]DangerousPattern(nil), g.policy.Patterns...)
	return p
}

// Patterns returns the active rule table in evaluation order.
func (g *Guardrail) Patterns() []DangerousPattern {
	return g.Policy().Patterns
}

// WithRequireConfirmation returns a guardrail sharing g's compiled state with
// a different confirmation requirement. g is not modified.
func (g *Guardrail) WithRequireConfirmation(require bool) *Guardrail {
	if g.policy.RequireConfirmation == require {
		return g
	}
	clone := *g
	clone.policy.RequireConfirmation = require
	return &clone
}

// WrapConfirmer returns a guardrail sharing g's compiled state whose
// confirmations pass through wrap. g is not modified. A guardrail without a
// confirmer is returned as is.
func (g *Guardrail) WrapConfirmer(wrap func(Confirmer) Confirmer) *Guardrail {
	if g.confirmer == nil || wrap == nil {
		return g
	}
	clone := *g
	clone.confirmer = wrap(g.confirmer)
	return &clone
}

// Assess computes the risk of op. It is deterministic for a given policy.
func (g *Guardrail) Assess(op OperationGuard) Assessment {
	a := Assessment{Baseline: BaselineRisk(op.Type), Reversible: true}
	a.Risk = a.Baseline
	a.Reasons = append(a.Reasons, fmt.Sprintf("%s baseline is %s", op.Type, a.Baseline))

	readOnly := op.Type == OpExecute && IsReadOnlyCommand(op.Command)
	if readOnly {
		a.Risk = RiskLow
		a.Reasons[0] = "read-only command"
	}

	target := NormalizePath(op.Target, g.policy.WorkDir)
	command := NormalizeCommand(op.Command)

	// Path-like tokens of a read-only command are judged as reads.
	tokenOp := op.Type
	if readOnly {
		tokenOp = OpRead
	}

	targets := pathSubjects(target, g.policy.WorkDir)
	var tokens []string
	for _, tok := range commandPaths(command, g.policy.WorkDir) {
		tokens = append(tokens, pathSubjects(tok, g.policy.WorkDir)...)
	}

	for _, p := range g.patterns {
		var subject string
		switch {
		case p.matchesCommand() && command != "" && p.appliesTo(op.Type) && p.re.MatchString(command):
			subject = command
		case p.matchesPath() && p.appliesTo(op.Type):
			subject = firstMatch(p.re, targets)
		}
		if subject == "" && p.matchesPath() && p.appliesTo(tokenOp) {
			subject = firstMatch(p.re, tokens)
		}
		if subject == "" {
			continue
		}
		a.MatchedPatterns = append(a.MatchedPatterns, PatternMatch{ID: p.ID, MinRisk: p.MinRisk, Reason: p.Reason, Subject: subject})
		a.Reasons = append(a.Reasons, fmt.Sprintf("matched %s: %s", p.ID, p.Reason))
		a.Risk = maxRisk(a.Risk, p.MinRisk)
	}

	if op.Type == OpWrite && op.Content != "" && g.scanner != nil {
		if found := g.scanner.Scan(op.Content); len(found) > 0 {
			a.Secrets = found
			a.Risk = maxRisk(a.Risk, RiskHigh)
			a.Reasons = append(a.Reasons, "content contains secrets: "+strings.Join(found, ", "))
		}
	}

	if len(g.allowedDirs) > 0 && target != "" && op.Type != OpExecute {
		if g.insideAllowed(target) {
			a.InsideAllowed = true
		} else {
			a.Risk = maxRisk(a.Risk, RiskHigh)
			a.Reasons = append(a.Reasons, "target outside allowed directories")
		}
	}

	if !g.reversible(op, readOnly) {
		a.Reversible = false
		a.Risk = maxRisk(a.Risk, RiskHigh)
		a.Reasons = append(a.Reasons, "operation cannot be rolled back")
	}

	return a
}

func firstMatch(re *regexp.Regexp, subjects []string) string {
	for _, s := range subjects {
		if re.MatchString(s) {
			return s
		}
	}
	return ""
}

// reversible mirrors PlanRollback without touching the file system.
func (g *Guardrail) reversible(op OperationGuard, readOnly bool) bool {
	switch op.Type {
	case OpRead, OpList:
		return true
	case OpWrite, OpDelete, OpCreateDir:
		return g.snapshotter != nil
	case OpExecute:
		return readOnly
	default:
		return false
	}
}

func (g *Guardrail) insideAllowed(target string) bool {
	for _, dir := range g.allowedDirs {
		if target == dir || strings.HasPrefix(target, strings.TrimSuffix(dir, "/")+"/") {
			return true
		}
	}
	return false
}

// Decide applies policy to an assessment. The deny-list wins over every
// allow-list.
func (g *Guardrail) Decide(op OperationGuard, a Assessment) Decision {
	d := Decision{Risk: a.Risk}

	if cmd := NormalizeCommand(op.Command); cmd != "" {
		for i, re := range g.blocked {
			if re.MatchString(" " + cmd + " ") {
				d.Verdict = VerdictBlocked
				d.Reason = fmt.Sprintf("command matches blocked entry %q", g.policy.BlockedCommands[i])
				return d
			}
		}
	}

	if g.enabledTools != nil && !g.enabledTools[op.Tool] {
		d.Verdict = VerdictBlocked
		d.Reason = fmt.Sprintf("tool %q is not enabled", op.Tool)
		return d
	}

	switch {
	case a.Risk <= RiskMedium:
		d.Verdict = VerdictApproved
		d.Reason = fmt.Sprintf("%s risk within policy", a.Risk)
	case a.Risk == RiskHigh && a.InsideAllowed:
		d.Verdict = VerdictApproved
		d.Reason = "high risk inside an allowed directory"
	case g.policy.RequireConfirmation:
		d.Verdict = VerdictNeedsConfirmation
		d.Reason = fmt.Sprintf("%s risk requires confirmation", a.Risk)
	default:
		d.Verdict = VerdictBlocked
		d.Reason = fmt.Sprintf("%s risk exceeds policy and confirmation is disabled", a.Risk)
	}
	return d
}

// Confirm asks the configured confirmer, bounded by the policy timeout. Any
// failure to obtain an answer is returned as an error and must be treated as
// a block.
func (g *Guardrail) Confirm(ctx context.Context, req ConfirmationRequest) (ConfirmationResponse, error) {
	if g.confirmer == nil {
		return ConfirmationResponse{}, fmt.Errorf("%w: no confirmer configured", ErrBlocked)
	}
	ctx, cancel := context.WithTimeout(ctx, g.policy.ConfirmationTimeout)
	defer cancel()

	resp, err := g.confirmer.Confirm(ctx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = ErrConfirmationTimeout
		}
		return ConfirmationResponse{}, err
	}
	return resp, nil
}

// Evaluate runs the full decision path for op: assess, decide, and confirm
// when required. The returned review's verdict is approved or blocked.
func (g *Guardrail) Evaluate(ctx context.Context, taskID string, op OperationGuard) Review {
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	r := Review{Operation: op, Assessment: g.Assess(op)}
	r.Decision = g.Decide(op, r.Assessment)

	if r.Decision.Verdict == VerdictNeedsConfirmation {
		g.confirm(ctx, taskID, &r)
	}

	g.record(ctx, r)
	return r
}

func (g *Guardrail) confirm(ctx context.Context, taskID string, r *Review) {
	now := g.now()
	req := ConfirmationRequest{
		ID:          uuid.NewString(),
		TaskID:      taskID,
		OperationID: r.Operation.ID,
		Summary:     r.Operation.Summary(),
		Risk:        r.Assessment.Risk,
		Reasons:     r.Assessment.Reasons,
		Options:     []ConfirmOption{OptionApprove, OptionDeny, OptionModify},
		RequestedAt: now,
		Deadline:    now.Add(g.policy.ConfirmationTimeout),
	}
	r.Confirmation = &ConfirmationExchange{Request: req}

	resp, err := g.Confirm(ctx, req)
	if err != nil {
		r.Confirmation.Error = err.Error()
		r.Decision = Decision{Verdict: VerdictBlocked, Risk: r.Assessment.Risk, Reason: "no confirmation: " + err.Error()}
		g.metrics.confirmation("error")
		return
	}
	r.Confirmation.Response = &resp
	g.metrics.confirmation(string(resp.Option))

	switch resp.Option {
	case OptionApprove:
		r.Decision = Decision{Verdict: VerdictApproved, Risk: r.Assessment.Risk, Reason: "approved by " + responder(resp)}
	case OptionModify:
		g.applyModification(r, resp)
	default:
		r.Decision = Decision{Verdict: VerdictBlocked, Risk: r.Assessment.Risk, Reason: "denied by " + responder(resp)}
	}
}

// applyModification re-judges the modified operation once. The responder has
// seen the change, so a High result is approved; Critical and deny-list
// matches still block.
func (g *Guardrail) applyModification(r *Review, resp ConfirmationResponse) {
	if resp.Modification == nil {
		r.Decision = Decision{Verdict: VerdictBlocked, Risk: r.Assessment.Risk, Reason: "modify response without modification"}
		return
	}
	op := r.Operation
	if m := resp.Modification; m.Target != "" {
		op.Target = m.Target
	}
	if m := resp.Modification; m.Command != "" {
		op.Command = m.Command
	}
	if m := resp.Modification; m.Content != "" {
		op.Content = m.Content
		op.ContentBytes = len(m.Content)
	}

	r.Operation = op
	r.Assessment = g.Assess(op)
	d := g.Decide(op, r.Assessment)
	if d.Verdict == VerdictNeedsConfirmation {
		if r.Assessment.Risk >= RiskCritical {
			d = Decision{Verdict: VerdictBlocked, Risk: r.Assessment.Risk, Reason: "modified operation is still critical"}
		} else {
			d = Decision{Verdict: VerdictApproved, Risk: r.Assessment.Risk, Reason: "modified by " + responder(resp)}
		}
	}
	r.Decision = d
}

func responder(resp ConfirmationResponse) string {
	if resp.Responder == "" {
		return "responder"
	}
	return resp.Responder
}

func (g *Guardrail) record(ctx context.Context, r Review) {
	g.metrics.decision(r)

	fields := []zap.Field{
		zap.String("operation.id", r.Operation.ID),
		zap.String("tool", r.Operation.Tool),
		zap.Stringer("risk", r.Assessment.Risk),
		zap.String("verdict", string(r.Decision.Verdict)),
		zap.String("reason", r.Decision.Reason),
	}
	if r.Decision.Verdict == VerdictBlocked {
		g.logger.Warn(ctx, "operation blocked", fields...)
		return
	}
	g.logger.Debug(ctx, "operation approved", fields...)
}
