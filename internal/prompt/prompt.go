// Package prompt renders the model prompt for each engine phase from Go
// templates stored in YAML.
package prompt

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/fyrsmithlabs/stepwise/internal/parser"
)

// Phase template names.
const (
	Understanding = "understanding"
	Approach      = "approach"
	Planning      = "planning"
	Validation    = "validation"

	feedbackTemplate = "feedback"
)

//go:embed prompts.yaml
var defaultPrompts []byte

// ErrUnknownPhase is returned when no template exists for a phase.
var ErrUnknownPhase = errors.New("prompt: unknown phase")

// Data is what templates can reference. Outputs of phases that have not run
// yet are nil.
type Data struct {
	Task          string
	Understanding *parser.Understanding
	Approach      *parser.Approach
	Plan          *parser.Plan
	// History is one line per executed step.
	History []string
	// Tools describes each available tool on one line.
	Tools []string
	// Feedback holds validation issues of the previous attempt.
	Feedback []string
	// Attempt is the 1-based number of the previous attempt when Feedback is set.
	Attempt int
}

// Renderer produces the prompt for a phase.
type Renderer interface {
	Render(phase string, data Data) (string, error)
}

// Templates is a Renderer over a parsed template set.
type Templates struct {
	set    *template.Template
	phases []string
}

// Default returns the embedded templates.
func Default() *Templates {
	t, err := Parse(defaultPrompts)
	if err != nil {
		panic(fmt.Sprintf("prompt: embedded templates: %v", err))
	}
	return t
}

// Load reads templates from a YAML file. Phases missing from the file keep
// the embedded template.
func Load(path string) (*Templates, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading prompts file: %w", err)
	}

	var base, override map[string]string
	if err := yaml.Unmarshal(defaultPrompts, &base); err != nil {
		return nil, fmt.Errorf("decoding embedded prompts: %w", err)
	}
	if err := yaml.Unmarshal(data, &override); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	for name, body := range override {
		base[name] = body
	}
	return parseMap(base)
}

// Parse builds templates from YAML mapping phase names to template bodies.
func Parse(data []byte) (*Templates, error) {
	var m map[string]string
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding prompts: %w", err)
	}
	return parseMap(m)
}

func parseMap(m map[string]string) (*Templates, error) {
	if _, ok := m[feedbackTemplate]; !ok {
		m[feedbackTemplate] = ""
	}

	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)

	set := template.New("prompts").Option("missingkey=error")
	t := &Templates{set: set}
	for _, name := range names {
		if _, err := set.New(name).Parse(m[name]); err != nil {
			return nil, fmt.Errorf("parsing %s template: %w", name, err)
		}
		if name != feedbackTemplate {
			t.phases = append(t.phases, name)
		}
	}
	return t, nil
}

// Phases lists the phases that have a template.
func (t *Templates) Phases() []string {
	return append([]string(nil), t.phases...)
}

// Render implements Renderer. Nil phase outputs are replaced with zero
// values so templates never dereference nil.
func (t *Templates) Render(phase string, data Data) (string, error) {
	tpl := t.set.Lookup(phase)
	if tpl == nil || phase == feedbackTemplate {
		return "", fmt.Errorf("%w %q", ErrUnknownPhase, phase)
	}
	if data.Understanding == nil {
		data.Understanding = &parser.Understanding{}
	}
	if data.Approach == nil {
		data.Approach = &parser.Approach{}
	}
	if data.Plan == nil {
		data.Plan = &parser.Plan{}
	}

	var buf bytes.Buffer
	if err := tpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("rendering %s prompt: %w", phase, err)
	}
	return buf.String(), nil
}

var _ Renderer = (*Templates)(nil)
