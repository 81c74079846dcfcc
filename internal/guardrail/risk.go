package guardrail

import (
	"fmt"
	"strings"
)

// RiskLevel is the ordinal classification of an operation's potential for harm.
// The zero value is not a valid level; every assessment produces at least RiskLow.
type RiskLevel int

const (
	RiskLow RiskLevel = iota + 1
	RiskMedium
	RiskHigh
	RiskCritical
)

var riskNames = map[RiskLevel]string{
	RiskLow:      "low",
	RiskMedium:   "medium",
	RiskHigh:     "high",
	RiskCritical: "critical",
}

// String returns the lowercase risk name.
func (r RiskLevel) String() string {
	if name, ok := riskNames[r]; ok {
		return name
	}
	return fmt.Sprintf("risk(%d)", int(r))
}

// Valid reports whether r is one of the four defined levels.
func (r RiskLevel) Valid() bool {
	return r >= RiskLow && r <= RiskCritical
}

// MarshalText implements encoding.TextMarshaler.
func (r RiskLevel) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("invalid risk level %d", int(r))
	}
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *RiskLevel) UnmarshalText(text []byte) error {
	level, err := ParseRiskLevel(string(text))
	if err != nil {
		return err
	}
	*r = level
	return nil
}

// ParseRiskLevel parses a risk name case-insensitively.
func ParseRiskLevel(s string) (RiskLevel, error) {
	needle := strings.ToLower(strings.TrimSpace(s))
	for level, name := range riskNames {
		if name == needle {
			return level, nil
		}
	}
	return 0, fmt.Errorf("unknown risk level %q", s)
}

// maxRisk returns the higher of two levels.
func maxRisk(a, b RiskLevel) RiskLevel {
	if a > b {
		return a
	}
	return b
}
