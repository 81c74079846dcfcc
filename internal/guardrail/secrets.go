package guardrail

import (
	"fmt"
	"sort"
	"sync"

	"github.com/zricethezav/gitleaks/v8/detect"
)

// SecretScanner reports the rule ids of secrets found in content.
type SecretScanner interface {
	Scan(content string) []string
}

// GitleaksScanner detects secrets with the gitleaks default rule set.
type GitleaksScanner struct {
	mu       sync.Mutex
	detector *detect.Detector
}

// NewGitleaksScanner loads the gitleaks default configuration. Loading is
// expensive, so one scanner should be shared.
func NewGitleaksScanner() (*GitleaksScanner, error) {
	d, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("loading gitleaks config: %w", err)
	}
	return &GitleaksScanner{detector: d}, nil
}

// Scan implements SecretScanner. Returned ids are unique and sorted.
func (s *GitleaksScanner) Scan(content string) []string {
	s.mu.Lock()
	findings := s.detector.DetectString(content)
	s.mu.Unlock()

	seen := make(map[string]bool, len(findings))
	ids := make([]string, 0, len(findings))
	for _, f := range findings {
		if !seen[f.RuleID] {
			seen[f.RuleID] = true
			ids = append(ids, f.RuleID)
		}
	}
	sort.Strings(ids)
	return ids
}
