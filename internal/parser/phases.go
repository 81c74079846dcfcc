package parser

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Understanding is the output of the first phase.
type Understanding struct {
	Summary      string   `json:"summary"`
	Requirements []string `json:"requirements"`
	Approach     string   `json:"approach"`
	Constraints  []string `json:"constraints,omitempty"`
	Risks        []string `json:"risks,omitempty"`
}

// Approach is the chosen strategy for the task.
type Approach struct {
	Strategy        string   `json:"strategy"`
	SuccessCriteria []string `json:"success_criteria"`
	Alternatives    []string `json:"alternatives,omitempty"`
	Risks           []string `json:"risks,omitempty"`
}

// Verdict is the final validation outcome.
type Verdict string

const (
	VerdictPass Verdict = "PASS"
	VerdictFail Verdict = "FAIL"
)

// FinalValidation is the model's judgment over the execution history.
type FinalValidation struct {
	Verdict         Verdict  `json:"verdict"`
	OverallScore    float64  `json:"overall_score"`
	Summary         string   `json:"summary"`
	Recommendations []string `json:"recommendations,omitempty"`
	Issues          []string `json:"issues,omitempty"`
}

// Parser maps model text to phase outputs. It holds only the pass threshold
// and is safe for concurrent use.
type Parser struct {
	threshold float64
}

// New returns a parser that passes outputs scoring at least threshold.
// The threshold is clamped to [0,1].
func New(threshold float64) *Parser {
	return &Parser{threshold: clamp01(threshold)}
}

// Threshold returns the pass threshold.
func (p *Parser) Threshold() float64 {
	return p.threshold
}

// ParseUnderstanding requires SUMMARY, REQUIREMENTS and APPROACH.
func (p *Parser) ParseUnderstanding(text string) (Understanding, ValidationResult) {
	s := splitSections(text, "SUMMARY", "REQUIREMENTS", "APPROACH", "CONSTRAINTS", "RISKS")
	out := Understanding{
		Summary:      s["SUMMARY"].text(),
		Requirements: s["REQUIREMENTS"].items(),
		Approach:     s["APPROACH"].text(),
		Constraints:  s["CONSTRAINTS"].items(),
		Risks:        s["RISKS"].items(),
	}

	sc := newScorer(3)
	sc.field("SUMMARY", s.has("SUMMARY"), out.Summary != "")
	sc.field("REQUIREMENTS", s.has("REQUIREMENTS"), len(out.Requirements) > 0)
	sc.field("APPROACH", s.has("APPROACH"), out.Approach != "")
	return out, sc.result(p.threshold)
}

// ParseApproach requires STRATEGY and SUCCESS_CRITERIA.
func (p *Parser) ParseApproach(text string) (Approach, ValidationResult) {
	s := splitSections(text, "STRATEGY", "SUCCESS_CRITERIA", "ALTERNATIVES", "RISKS")
	out := Approach{
		Strategy:        s["STRATEGY"].text(),
		SuccessCriteria: s["SUCCESS_CRITERIA"].items(),
		Alternatives:    s["ALTERNATIVES"].items(),
		Risks:           s["RISKS"].items(),
	}

	sc := newScorer(2)
	sc.field("STRATEGY", s.has("STRATEGY"), out.Strategy != "")
	sc.field("SUCCESS_CRITERIA", s.has("SUCCESS_CRITERIA"), len(out.SuccessCriteria) > 0)
	return out, sc.result(p.threshold)
}

var numberRE = regexp.MustCompile(`-?\d+(?:\.\d+)?`)

// ParseFinalValidation requires VERDICT (PASS or FAIL), SCORE and SUMMARY.
// SCORE may be given in [0,1] or [0,100] and is normalized to [0,1].
func (p *Parser) ParseFinalValidation(text string) (FinalValidation, ValidationResult) {
	s := splitSections(text, "VERDICT", "SCORE", "OVERALL_SCORE", "SUMMARY", "RECOMMENDATIONS", "ISSUES")
	scoreKey := "SCORE"
	if !s.has(scoreKey) && s.has("OVERALL_SCORE") {
		scoreKey = "OVERALL_SCORE"
	}

	out := FinalValidation{
		Summary:         s["SUMMARY"].text(),
		Recommendations: s["RECOMMENDATIONS"].items(),
		Issues:          s["ISSUES"].items(),
	}
	verdictText := s["VERDICT"].text()
	scoreText := s[scoreKey].text()

	sc := newScorer(3)
	sc.field("VERDICT", s.has("VERDICT"), verdictText != "")
	sc.field("SCORE", s.has(scoreKey), scoreText != "")
	sc.field("SUMMARY", s.has("SUMMARY"), out.Summary != "")

	if verdictText != "" {
		v, ok := parseVerdict(verdictText)
		out.Verdict = v
		sc.check(ok, fmt.Sprintf("VERDICT %q is not PASS or FAIL", firstLine(verdictText)), true)
	}
	if scoreText != "" {
		score, inRange, ok := parseScore(scoreText)
		out.OverallScore = score
		sc.check(ok, fmt.Sprintf("SCORE %q is not a number", firstLine(scoreText)), true)
		if ok {
			sc.check(inRange, fmt.Sprintf("SCORE %q is outside 0-100", firstLine(scoreText)), false)
		}
	}
	return out, sc.result(p.threshold)
}

func parseVerdict(s string) (Verdict, bool) {
	word := strings.ToUpper(strings.Trim(strings.Fields(s)[0], "*_.:`"))
	switch word {
	case "PASS", "PASSED", "SUCCESS":
		return VerdictPass, true
	case "FAIL", "FAILED", "FAILURE":
		return VerdictFail, true
	}
	return "", false
}

// parseScore reads the first number in s. Values above 1 are taken as
// percentages. Out-of-range values are clamped.
func parseScore(s string) (score float64, inRange, ok bool) {
	m := numberRE.FindString(s)
	if m == "" {
		return 0, false, false
	}
	f, err := strconv.ParseFloat(m, 64)
	if err != nil || math.IsNaN(f) {
		return 0, false, false
	}
	inRange = f >= 0 && f <= 100
	if f > 1 || strings.Contains(s, "%") {
		f /= 100
	}
	return clamp01(f), inRange, true
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
