package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stepwise/internal/config"
	"github.com/fyrsmithlabs/stepwise/internal/guardrail"
	"github.com/fyrsmithlabs/stepwise/internal/logging"
	"github.com/fyrsmithlabs/stepwise/internal/sanitize"
)

const (
	DefaultShell          = "/bin/sh"
	DefaultCommandTimeout = 30 * time.Second
	DefaultMaxOutputBytes = 64 * 1024

	// maxSnapshotBytes bounds the content kept in memory for a rollback.
	maxSnapshotBytes = 16 << 20
)

// LocalRegistry runs the built-in tools inside a single working directory.
// Operations on the same path are serialized.
type LocalRegistry struct {
	root           string
	shell          string
	commandTimeout time.Duration
	maxOutput      int
	locks          *keyedMutex
	logger         *logging.Logger
}

var (
	_ Registry                   = (*LocalRegistry)(nil)
	_ guardrail.Snapshotter      = (*LocalRegistry)(nil)
	_ guardrail.RollbackExecutor = (*LocalRegistry)(nil)
)

// Option configures a LocalRegistry.
type Option func(*LocalRegistry)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *LocalRegistry) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewLocal creates a registry over cfg.WorkDir, which must exist.
func NewLocal(cfg config.ToolsConfig, opts ...Option) (*LocalRegistry, error) {
	dir := cfg.WorkDir
	if dir == "" {
		dir = "."
	}
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving work dir: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}
	if !sanitize.DirExists(root) {
		return nil, fmt.Errorf("work dir %s is not a directory", root)
	}

	r := &LocalRegistry{
		root:           root,
		shell:          cfg.Shell,
		commandTimeout: cfg.CommandTimeout.Duration(),
		maxOutput:      cfg.MaxOutputBytes,
		locks:          newKeyedMutex(),
		logger:         logging.NewNop(),
	}
	if r.shell == "" {
		r.shell = DefaultShell
	}
	if r.commandTimeout <= 0 {
		r.commandTimeout = DefaultCommandTimeout
	}
	if r.maxOutput <= 0 {
		r.maxOutput = DefaultMaxOutputBytes
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.Named("tools")
	return r, nil
}

// Root returns the absolute working directory.
func (r *LocalRegistry) Root() string {
	return r.root
}

// Execute dispatches call to the matching tool.
func (r *LocalRegistry) Execute(ctx context.Context, call Call) (*Result, error) {
	if err := sanitize.ValidateName(call.Name); err != nil {
		return nil, fatal(call.Name, fmt.Errorf("%w: %v", ErrUnknownTool, err))
	}
	if err := ctx.Err(); err != nil {
		return nil, transient(call.Name, err)
	}

	start := time.Now()
	var (
		res *Result
		err error
	)
	switch call.Name {
	case ReadFile:
		res, err = r.readFile(call)
	case WriteFile:
		res, err = r.writeFile(call)
	case ListDir:
		res, err = r.listDir(call)
	case CreateDir:
		res, err = r.createDir(call)
	case DeleteFile:
		res, err = r.deleteFile(call)
	case RunCommand:
		res, err = r.runCommand(ctx, call)
	default:
		return nil, fatal(call.Name, ErrUnknownTool)
	}

	fields := []zap.Field{zap.String("tool", call.Name), zap.Duration("duration", time.Since(start))}
	if err != nil {
		r.logger.Debug(ctx, "tool call failed", append(fields, zap.Error(err))...)
		return nil, err
	}
	r.logger.Debug(ctx, "tool call completed", append(fields, zap.String("summary", res.Summary))...)
	return res, nil
}

// resolve confines a tool path to the working directory. Escapes are fatal.
func (r *LocalRegistry) resolve(tool, p string) (string, error) {
	abs, err := sanitize.ResolveInRoot(filepath.FromSlash(p), r.root)
	if err != nil {
		return "", fatal(tool, err)
	}
	return abs, nil
}

func (r *LocalRegistry) pathArg(call Call) (string, error) {
	p := call.Arg("path")
	if strings.TrimSpace(p) == "" {
		return "", fatal(call.Name, fmt.Errorf("%w: path", ErrMissingArg))
	}
	return r.resolve(call.Name, p)
}

func (r *LocalRegistry) rel(abs string) string {
	return sanitize.RelativeTo(abs, r.root)
}

func (r *LocalRegistry) readFile(call Call) (*Result, error) {
	abs, err := r.pathArg(call)
	if err != nil {
		return nil, err
	}
	limit := 0
	if v := call.Arg("max_chars"); v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n < 0 {
			return nil, fatal(call.Name, fmt.Errorf("%w: max_chars %q", ErrInvalidArg, v))
		}
		limit = n
	}

	unlock := r.locks.Lock(abs)
	data, err := os.ReadFile(abs)
	unlock()
	if err != nil {
		return nil, transient(call.Name, err)
	}

	content := string(data)
	truncated := false
	if limit > 0 && utf8.RuneCountInString(content) > limit {
		content = string([]rune(content)[:limit])
		truncated = true
	}
	return &Result{
		Summary:   fmt.Sprintf("read %d bytes from %s", len(data), r.rel(abs)),
		Output:    content,
		Truncated: truncated,
	}, nil
}

func (r *LocalRegistry) writeFile(call Call) (*Result, error) {
	abs, err := r.pathArg(call)
	if err != nil {
		return nil, err
	}
	content, ok := call.Args["content"]
	if !ok {
		return nil, fatal(call.Name, fmt.Errorf("%w: content", ErrMissingArg))
	}

	unlock := r.locks.Lock(abs)
	defer unlock()

	mode := fs.FileMode(0o644)
	if info, err := os.Stat(abs); err == nil {
		if info.IsDir() {
			return nil, fatal(call.Name, fmt.Errorf("%s is a directory", r.rel(abs)))
		}
		mode = info.Mode().Perm()
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, transient(call.Name, err)
	}
	if err := os.WriteFile(abs, []byte(content), mode); err != nil {
		return nil, transient(call.Name, err)
	}
	return &Result{Summary: fmt.Sprintf("wrote %d bytes to %s", len(content), r.rel(abs))}, nil
}

func (r *LocalRegistry) listDir(call Call) (*Result, error) {
	p := call.Arg("path")
	if strings.TrimSpace(p) == "" {
		p = "."
	}
	abs, err := r.resolve(call.Name, p)
	if err != nil {
		return nil, err
	}
	pattern := call.Arg("pattern")
	if err := sanitize.ValidateGlobPattern(pattern); err != nil {
		return nil, fatal(call.Name, err)
	}

	unlock := r.locks.Lock(abs)
	entries, err := os.ReadDir(abs)
	unlock()
	if err != nil {
		return nil, transient(call.Name, err)
	}

	var b strings.Builder
	n := 0
	for _, e := range entries {
		if pattern != "" {
			if ok, _ := filepath.Match(pattern, e.Name()); !ok {
				continue
			}
		}
		b.WriteString(e.Name())
		if e.IsDir() {
			b.WriteByte('/')
		}
		b.WriteByte('\n')
		n++
	}
	return &Result{
		Summary: fmt.Sprintf("listed %d entries in %s", n, r.rel(abs)),
		Output:  b.String(),
	}, nil
}

func (r *LocalRegistry) createDir(call Call) (*Result, error) {
	abs, err := r.pathArg(call)
	if err != nil {
		return nil, err
	}
	unlock := r.locks.Lock(abs)
	defer unlock()
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, transient(call.Name, err)
	}
	return &Result{Summary: "created directory " + r.rel(abs)}, nil
}

func (r *LocalRegistry) deleteFile(call Call) (*Result, error) {
	abs, err := r.pathArg(call)
	if err != nil {
		return nil, err
	}
	if abs == r.root {
		return nil, fatal(call.Name, fmt.Errorf("%w: refusing to delete the working directory", ErrInvalidArg))
	}
	unlock := r.locks.Lock(abs)
	defer unlock()
	if err := os.Remove(abs); err != nil {
		return nil, transient(call.Name, err)
	}
	return &Result{Summary: "deleted " + r.rel(abs)}, nil
}

func (r *LocalRegistry) runCommand(ctx context.Context, call Call) (*Result, error) {
	command := strings.TrimSpace(call.Arg("command"))
	if command == "" {
		return nil, fatal(call.Name, fmt.Errorf("%w: command", ErrMissingArg))
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, r.commandTimeout)
	defer cancel()

	out := &cappedBuffer{limit: r.maxOutput}
	cmd := exec.CommandContext(timeoutCtx, r.shell, "-c", command)
	cmd.Dir = r.root
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = time.Second

	err := cmd.Run()
	output := out.String()
	if err != nil {
		if errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
			return nil, transient(call.Name, fmt.Errorf("command timed out after %v", r.commandTimeout))
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, transient(call.Name, ctxErr)
		}
		return nil, transient(call.Name, fmt.Errorf("command failed: %w (output: %s)", err, tail(output, 512)))
	}
	return &Result{
		Summary:   fmt.Sprintf("ran %q", command),
		Output:    output,
		Truncated: out.truncated,
	}, nil
}

// Snapshot captures the state of p before a guarded operation.
func (r *LocalRegistry) Snapshot(_ context.Context, p string) (guardrail.Snapshot, error) {
	abs, err := r.resolve("snapshot", p)
	if err != nil {
		return guardrail.Snapshot{}, err
	}
	unlock := r.locks.Lock(abs)
	defer unlock()

	info, err := os.Lstat(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return guardrail.Snapshot{}, nil
	}
	if err != nil {
		return guardrail.Snapshot{}, err
	}
	if info.IsDir() {
		return guardrail.Snapshot{Exists: true, IsDir: true, Mode: info.Mode().Perm()}, nil
	}
	if info.Size() > maxSnapshotBytes {
		return guardrail.Snapshot{}, fmt.Errorf("%s is too large to snapshot (%d bytes)", r.rel(abs), info.Size())
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return guardrail.Snapshot{}, err
	}
	return guardrail.Snapshot{Exists: true, Content: data, Mode: info.Mode().Perm()}, nil
}

// ApplyRollback undoes one step. Removing something already gone succeeds.
func (r *LocalRegistry) ApplyRollback(ctx context.Context, step guardrail.RollbackStep) error {
	abs, err := r.resolve("rollback", step.Path)
	if err != nil {
		return err
	}
	unlock := r.locks.Lock(abs)
	defer unlock()

	switch step.Action {
	case guardrail.ActionRestoreFile:
		mode := step.Mode
		if mode == 0 {
			mode = 0o644
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(abs, step.Content, mode); err != nil {
			return err
		}
		err = os.Chmod(abs, mode)
	case guardrail.ActionRemoveFile, guardrail.ActionRemoveDir:
		err = os.Remove(abs)
		if errors.Is(err, fs.ErrNotExist) {
			err = nil
		}
	default:
		return fmt.Errorf("%w: rollback action %q", ErrInvalidArg, step.Action)
	}
	if err != nil {
		return err
	}
	r.logger.Debug(ctx, "rollback step applied", zap.String("action", string(step.Action)), zap.String("path", r.rel(abs)))
	return nil
}

// cappedBuffer keeps the first limit bytes written to it.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	room := c.limit - c.buf.Len()
	if room <= 0 {
		c.truncated = c.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > room {
		c.buf.Write(p[:room])
		c.truncated = true
		return len(p), nil
	}
	return c.buf.Write(p)
}

func (c *cappedBuffer) String() string {
	b := c.buf.Bytes()
	if c.truncated {
		// drop a rune cut in half by the limit
		for i := 0; i < utf8.UTFMax-1 && len(b) > 0; i++ {
			if r, size := utf8.DecodeLastRune(b); r != utf8.RuneError || size != 1 {
				break
			}
			b = b[:len(b)-1]
		}
	}
	return string(b)
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
