package parser

import "strings"

// Weights of the confidence score. They sum to 1.
const (
	weightPresent     = 0.6
	weightNonEmpty    = 0.2
	weightConsistency = 0.2
)

// Issue is one problem found in a phase output. A blocking issue fails
// validation whatever the confidence.
type Issue struct {
	Message  string `json:"message"`
	Blocking bool   `json:"blocking,omitempty"`
}

// ValidationResult is the parser's judgment of one phase output.
type ValidationResult struct {
	Confidence float64 `json:"confidence"`
	Passed     bool    `json:"passed"`
	Issues     []Issue `json:"issues,omitempty"`
}

// HasBlocking reports whether any issue is blocking.
func (v ValidationResult) HasBlocking() bool {
	for _, i := range v.Issues {
		if i.Blocking {
			return true
		}
	}
	return false
}

// Messages returns the issue messages in order.
func (v ValidationResult) Messages() []string {
	out := make([]string, 0, len(v.Issues))
	for _, i := range v.Issues {
		out = append(out, i.Message)
	}
	return out
}

// String joins the issue messages for logs and retry feedback.
func (v ValidationResult) String() string {
	return strings.Join(v.Messages(), "; ")
}

// scorer accumulates the inputs of the confidence formula.
type scorer struct {
	required int
	present  int
	nonEmpty int
	checks   int
	passed   int
	issues   []Issue
}

func newScorer(required int) *scorer {
	return &scorer{required: required}
}

// field records a required field. A missing field is a blocking issue.
func (s *scorer) field(name string, present, nonEmpty bool) {
	switch {
	case !present:
		s.block("missing required field " + name)
	case !nonEmpty:
		s.present++
		s.issue("required field " + name + " is empty")
	default:
		s.present++
		s.nonEmpty++
	}
}

// check records one consistency check.
func (s *scorer) check(ok bool, msg string, blocking bool) {
	s.checks++
	if ok {
		s.passed++
		return
	}
	s.issues = append(s.issues, Issue{Message: msg, Blocking: blocking})
}

func (s *scorer) issue(msg string) {
	s.issues = append(s.issues, Issue{Message: msg})
}

func (s *scorer) block(msg string) {
	s.issues = append(s.issues, Issue{Message: msg, Blocking: true})
}

func (s *scorer) result(threshold float64) ValidationResult {
	var conf float64
	if s.required > 0 {
		conf += weightPresent * float64(s.present) / float64(s.required)
		conf += weightNonEmpty * float64(s.nonEmpty) / float64(s.required)
	}
	if s.present > 0 {
		consistency := 1.0
		if s.checks > 0 {
			consistency = float64(s.passed) / float64(s.checks)
		}
		conf += weightConsistency * consistency
	}
	conf = clamp01(conf)

	v := ValidationResult{Confidence: conf, Issues: s.issues}
	v.Passed = conf >= threshold && !v.HasBlocking()
	return v
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}
