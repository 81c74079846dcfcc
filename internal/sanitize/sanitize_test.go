package sanitize

import (
	"strings"
	"testing"
)

func TestSubjectToken(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "plain", input: "task-42", expected: "task-42"},
		{name: "dots become underscores", input: "step.completed", expected: "step_completed"},
		{name: "wildcards", input: "a*b>c", expected: "a_b_c"},
		{name: "whitespace collapses", input: "  run   tool  ", expected: "run_tool"},
		{name: "mixed case preserved", input: "TaskID", expected: "TaskID"},
		{name: "empty", input: "", expected: DefaultToken},
		{name: "only separators", input: "...", expected: DefaultToken},
		{name: "unicode replaced", input: "résumé", expected: "r_sum"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SubjectToken(tt.input)
			if got != tt.expected {
				t.Errorf("SubjectToken(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestSubjectToken_LengthLimit(t *testing.T) {
	long := strings.Repeat("a", 200)
	got := SubjectToken(long)
	if len(got) > MaxTokenLength {
		t.Errorf("SubjectToken length = %d, want <= %d", len(got), MaxTokenLength)
	}

	other := SubjectToken(strings.Repeat("a", 199) + "b")
	if got == other {
		t.Errorf("truncated tokens collide: %q", got)
	}
}

func TestSubjectToken_ExactlyMaxLength(t *testing.T) {
	input := strings.Repeat("x", MaxTokenLength)
	if got := SubjectToken(input); got != input {
		t.Errorf("SubjectToken should keep %d-char input unchanged, got %q", MaxTokenLength, got)
	}
}

func TestSubjectPrefix(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"stepwise", "stepwise"},
		{"stepwise.prod", "stepwise.prod"},
		{".stepwise.", "stepwise"},
		{"my app.events", "my_app.events"},
		{"a.*.b", "a.default.b"},
	}
	for _, tt := range tests {
		if got := SubjectPrefix(tt.input); got != tt.expected {
			t.Errorf("SubjectPrefix(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}
