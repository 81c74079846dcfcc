// Package tools provides the Tool Registry that execution steps dispatch to.
//
// The local registry runs file and shell tools confined to one working
// directory. It also implements guardrail.Snapshotter and
// guardrail.RollbackExecutor so rollback plans can be built and applied
// against the same tree.
package tools

import (
	"context"
	"errors"
	"fmt"
)

// Tool names understood by the local registry.
const (
	ReadFile   = "read_file"
	WriteFile  = "write_file"
	ListDir    = "list_dir"
	CreateDir  = "create_dir"
	DeleteFile = "delete_file"
	RunCommand = "run_command"
)

var (
	// ErrUnknownTool is returned for a tool the registry does not provide.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrMissingArg is returned when a required argument is absent.
	ErrMissingArg = errors.New("missing required argument")
	// ErrInvalidArg is returned for a malformed argument value.
	ErrInvalidArg = errors.New("invalid argument")
)

// Call is one tool invocation.
type Call struct {
	Name string            `json:"name"`
	Args map[string]string `json:"args,omitempty"`
}

// Arg returns the named argument or "".
func (c Call) Arg(name string) string {
	return c.Args[name]
}

// Result is the output of a successful call.
type Result struct {
	Summary   string `json:"summary"`
	Output    string `json:"output,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
}

// Registry dispatches tool calls.
type Registry interface {
	Execute(ctx context.Context, call Call) (*Result, error)
}

// RegistryFunc adapts a function to Registry.
type RegistryFunc func(ctx context.Context, call Call) (*Result, error)

// Execute calls f.
func (f RegistryFunc) Execute(ctx context.Context, call Call) (*Result, error) {
	return f(ctx, call)
}

// ToolError is a failed tool call. Fatal errors are not worth retrying.
type ToolError struct {
	Tool  string
	Fatal bool
	Err   error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s: %v", e.Tool, e.Err)
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err is a fatal ToolError.
func IsFatal(err error) bool {
	var te *ToolError
	return errors.As(err, &te) && te.Fatal
}

func fatal(tool string, err error) error {
	return &ToolError{Tool: tool, Fatal: true, Err: err}
}

func transient(tool string, err error) error {
	return &ToolError{Tool: tool, Err: err}
}

// Spec describes a tool for prompts.
type Spec struct {
	Name        string
	Args        string
	Description string
}

var specs = []Spec{
	{ReadFile, "path, max_chars?", "read a file, optionally only the first max_chars characters"},
	{WriteFile, "path, content", "write content to a file, creating parent directories"},
	{ListDir, "path?, pattern?", "list a directory, optionally filtered by a glob pattern"},
	{CreateDir, "path", "create a directory and its parents"},
	{DeleteFile, "path", "delete a file or an empty directory"},
	{RunCommand, "command", "run a shell command in the working directory"},
}

// Specs returns the local tools in prompt order.
func Specs() []Spec {
	return append([]Spec(nil), specs...)
}

// Descriptions returns one line per local tool.
func Descriptions() []string {
	lines := make([]string, len(specs))
	for i, s := range specs {
		lines[i] = fmt.Sprintf("%s(%s): %s", s.Name, s.Args, s.Description)
	}
	return lines
}
