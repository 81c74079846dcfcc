package tools

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/stepwise/internal/config"
	"github.com/fyrsmithlabs/stepwise/internal/guardrail"
	"github.com/fyrsmithlabs/stepwise/internal/sanitize"
)

func newTestRegistry(t *testing.T, mutate ...func(*config.ToolsConfig)) *LocalRegistry {
	t.Helper()
	cfg := config.ToolsConfig{WorkDir: t.TempDir()}
	for _, m := range mutate {
		m(&cfg)
	}
	r, err := NewLocal(cfg)
	require.NoError(t, err)
	return r
}

func writeFile(t *testing.T, r *LocalRegistry, rel, content string) string {
	t.Helper()
	p := filepath.Join(r.Root(), filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestNewLocal(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		r := newTestRegistry(t)
		assert.Equal(t, DefaultShell, r.shell)
		assert.Equal(t, DefaultCommandTimeout, r.commandTimeout)
		assert.Equal(t, DefaultMaxOutputBytes, r.maxOutput)
		assert.True(t, filepath.IsAbs(r.Root()))
	})

	t.Run("missing work dir", func(t *testing.T) {
		_, err := NewLocal(config.ToolsConfig{WorkDir: filepath.Join(t.TempDir(), "nope")})
		assert.Error(t, err)
	})
}

func TestLocalRegistry_ReadFile(t *testing.T) {
	r := newTestRegistry(t)
	writeFile(t, r, "config.yaml", strings.Repeat("a", 300))
	ctx := context.Background()

	res, err := r.Execute(ctx, Call{Name: ReadFile, Args: map[string]string{"path": "config.yaml", "max_chars": "200"}})
	require.NoError(t, err)
	assert.Len(t, res.Output, 200)
	assert.True(t, res.Truncated)
	assert.Equal(t, "read 300 bytes from config.yaml", res.Summary)

	res, err = r.Execute(ctx, Call{Name: ReadFile, Args: map[string]string{"path": "config.yaml"}})
	require.NoError(t, err)
	assert.Len(t, res.Output, 300)
	assert.False(t, res.Truncated)

	_, err = r.Execute(ctx, Call{Name: ReadFile, Args: map[string]string{"path": "missing.txt"}})
	require.Error(t, err)
	assert.False(t, IsFatal(err))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = r.Execute(ctx, Call{Name: ReadFile, Args: map[string]string{"path": "config.yaml", "max_chars": "lots"}})
	assert.ErrorIs(t, err, ErrInvalidArg)
	assert.True(t, IsFatal(err))
}

func TestLocalRegistry_ReadFile_RuneBoundary(t *testing.T) {
	r := newTestRegistry(t)
	writeFile(t, r, "utf8.txt", "héllo wörld")

	res, err := r.Execute(context.Background(), Call{Name: ReadFile, Args: map[string]string{"path": "utf8.txt", "max_chars": "2"}})
	require.NoError(t, err)
	assert.Equal(t, "hé", res.Output)
}

func TestLocalRegistry_WriteFile(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	res, err := r.Execute(ctx, Call{Name: WriteFile, Args: map[string]string{"path": "out/deep/notes.md", "content": "hello\n"}})
	require.NoError(t, err)
	assert.Equal(t, "wrote 6 bytes to out/deep/notes.md", res.Summary)

	data, err := os.ReadFile(filepath.Join(r.Root(), "out", "deep", "notes.md"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))

	_, err = r.Execute(ctx, Call{Name: WriteFile, Args: map[string]string{"path": "x.txt"}})
	assert.ErrorIs(t, err, ErrMissingArg)

	_, err = r.Execute(ctx, Call{Name: WriteFile, Args: map[string]string{"path": "out", "content": "x"}})
	require.Error(t, err)
	assert.True(t, IsFatal(err))
}

func TestLocalRegistry_WriteFile_KeepsMode(t *testing.T) {
	r := newTestRegistry(t)
	p := writeFile(t, r, "run.sh", "#!/bin/sh\n")
	require.NoError(t, os.Chmod(p, 0o755))

	_, err := r.Execute(context.Background(), Call{Name: WriteFile, Args: map[string]string{"path": "run.sh", "content": "#!/bin/sh\necho hi\n"}})
	require.NoError(t, err)

	info, err := os.Stat(p)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
}

func TestLocalRegistry_ListDir(t *testing.T) {
	r := newTestRegistry(t)
	writeFile(t, r, "a.go", "")
	writeFile(t, r, "b.md", "")
	writeFile(t, r, "pkg/c.go", "")
	ctx := context.Background()

	res, err := r.Execute(ctx, Call{Name: ListDir})
	require.NoError(t, err)
	assert.Equal(t, "a.go\nb.md\npkg/\n", res.Output)
	assert.Equal(t, "listed 3 entries in .", res.Summary)

	res, err = r.Execute(ctx, Call{Name: ListDir, Args: map[string]string{"path": ".", "pattern": "*.go"}})
	require.NoError(t, err)
	assert.Equal(t, "a.go\n", res.Output)

	_, err = r.Execute(ctx, Call{Name: ListDir, Args: map[string]string{"pattern": "$(rm -rf /)"}})
	assert.ErrorIs(t, err, sanitize.ErrInvalidPattern)
}

func TestLocalRegistry_CreateAndDelete(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Execute(ctx, Call{Name: CreateDir, Args: map[string]string{"path": "build/out"}})
	require.NoError(t, err)
	assert.DirExists(t, filepath.Join(r.Root(), "build", "out"))

	writeFile(t, r, "tmp.txt", "x")
	res, err := r.Execute(ctx, Call{Name: DeleteFile, Args: map[string]string{"path": "tmp.txt"}})
	require.NoError(t, err)
	assert.Equal(t, "deleted tmp.txt", res.Summary)
	assert.NoFileExists(t, filepath.Join(r.Root(), "tmp.txt"))

	_, err = r.Execute(ctx, Call{Name: DeleteFile, Args: map[string]string{"path": "build"}})
	assert.Error(t, err, "non-empty directories are not removed")

	_, err = r.Execute(ctx, Call{Name: DeleteFile, Args: map[string]string{"path": "."}})
	require.Error(t, err)
	assert.True(t, IsFatal(err))
}

func TestLocalRegistry_Confinement(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	for _, call := range []Call{
		{Name: ReadFile, Args: map[string]string{"path": "../../etc/passwd"}},
		{Name: WriteFile, Args: map[string]string{"path": "/etc/evil", "content": "x"}},
		{Name: DeleteFile, Args: map[string]string{"path": "a/../../b"}},
		{Name: ListDir, Args: map[string]string{"path": ".."}},
	} {
		_, err := r.Execute(ctx, call)
		require.Error(t, err, call.Name)
		assert.ErrorIs(t, err, sanitize.ErrPathTraversal, call.Name)
		assert.True(t, IsFatal(err), call.Name)
	}
}

func TestLocalRegistry_UnknownTool(t *testing.T) {
	r := newTestRegistry(t)

	for _, name := range []string{"launch_rocket", "Read File", ""} {
		_, err := r.Execute(context.Background(), Call{Name: name})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrUnknownTool)
		assert.True(t, IsFatal(err))

		var te *ToolError
		require.True(t, errors.As(err, &te))
		assert.Equal(t, name, te.Tool)
	}
}

func TestLocalRegistry_RunCommand(t *testing.T) {
	r := newTestRegistry(t)
	writeFile(t, r, "hello.txt", "hi there")
	ctx := context.Background()

	res, err := r.Execute(ctx, Call{Name: RunCommand, Args: map[string]string{"command": "cat hello.txt"}})
	require.NoError(t, err)
	assert.Equal(t, "hi there", res.Output)
	assert.False(t, res.Truncated)

	_, err = r.Execute(ctx, Call{Name: RunCommand, Args: map[string]string{"command": "echo oops >&2; exit 3"}})
	require.Error(t, err)
	assert.False(t, IsFatal(err))
	assert.Contains(t, err.Error(), "oops")

	_, err = r.Execute(ctx, Call{Name: RunCommand, Args: map[string]string{"command": "  "}})
	assert.ErrorIs(t, err, ErrMissingArg)
}

func TestLocalRegistry_RunCommand_Truncates(t *testing.T) {
	r := newTestRegistry(t, func(c *config.ToolsConfig) { c.MaxOutputBytes = 10 })

	res, err := r.Execute(context.Background(), Call{Name: RunCommand, Args: map[string]string{"command": "printf '0123456789abcdef'"}})
	require.NoError(t, err)
	assert.Equal(t, "0123456789", res.Output)
	assert.True(t, res.Truncated)
}

func TestLocalRegistry_RunCommand_Timeout(t *testing.T) {
	r := newTestRegistry(t, func(c *config.ToolsConfig) { c.CommandTimeout = config.Duration(100 * time.Millisecond) })

	start := time.Now()
	_, err := r.Execute(context.Background(), Call{Name: RunCommand, Args: map[string]string{"command": "sleep 5"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
	assert.False(t, IsFatal(err))
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestLocalRegistry_CanceledContext(t *testing.T) {
	r := newTestRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Execute(ctx, Call{Name: ReadFile, Args: map[string]string{"path": "x"}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLocalRegistry_ConcurrentWritesSamePath(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			content := strings.Repeat(string(rune('a'+i)), 4096)
			_, err := r.Execute(ctx, Call{Name: WriteFile, Args: map[string]string{"path": "shared.txt", "content": content}})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	data, err := os.ReadFile(filepath.Join(r.Root(), "shared.txt"))
	require.NoError(t, err)
	require.Len(t, data, 4096)
	assert.Equal(t, strings.Repeat(string(data[0]), 4096), string(data), "writes must not interleave")
	assert.Zero(t, r.locks.size())
}

func TestLocalRegistry_Snapshot(t *testing.T) {
	r := newTestRegistry(t)
	p := writeFile(t, r, "a.txt", "before")
	ctx := context.Background()

	snap, err := r.Snapshot(ctx, p)
	require.NoError(t, err)
	assert.True(t, snap.Exists)
	assert.False(t, snap.IsDir)
	assert.Equal(t, []byte("before"), snap.Content)
	assert.Equal(t, os.FileMode(0o644), snap.Mode)

	snap, err = r.Snapshot(ctx, "missing.txt")
	require.NoError(t, err)
	assert.False(t, snap.Exists)

	snap, err = r.Snapshot(ctx, ".")
	require.NoError(t, err)
	assert.True(t, snap.IsDir)

	_, err = r.Snapshot(ctx, "/etc/passwd")
	assert.ErrorIs(t, err, sanitize.ErrPathTraversal)
}

func TestLocalRegistry_ApplyRollback(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	p := writeFile(t, r, "a.txt", "after")

	require.NoError(t, r.ApplyRollback(ctx, guardrail.RollbackStep{Action: guardrail.ActionRestoreFile, Path: p, Content: []byte("before"), Mode: 0o600}))
	data, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "before", string(data))
	info, err := os.Stat(p)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	require.NoError(t, r.ApplyRollback(ctx, guardrail.RollbackStep{Action: guardrail.ActionRemoveFile, Path: p}))
	assert.NoFileExists(t, p)
	require.NoError(t, r.ApplyRollback(ctx, guardrail.RollbackStep{Action: guardrail.ActionRemoveFile, Path: p}), "already removed")

	assert.Error(t, r.ApplyRollback(ctx, guardrail.RollbackStep{Action: "explode", Path: p}))
}

func TestLocalRegistry_RollbackRoundTrip(t *testing.T) {
	r := newTestRegistry(t)
	writeFile(t, r, "notes.md", "original\n")
	ctx := context.Background()

	g, err := guardrail.New(guardrail.Policy{WorkDir: r.Root()}, guardrail.WithSnapshotter(r))
	require.NoError(t, err)

	overwrite := OperationForCall("op-1", Call{Name: WriteFile, Args: map[string]string{"path": "notes.md", "content": "changed\n"}})
	create := OperationForCall("op-2", Call{Name: WriteFile, Args: map[string]string{"path": "new/dir/file.txt", "content": "x"}})

	plan1, err := g.PlanRollback(ctx, overwrite)
	require.NoError(t, err)
	_, err = r.Execute(ctx, CallFor(stepFromOp(overwrite)))
	require.NoError(t, err)

	plan2, err := g.PlanRollback(ctx, create)
	require.NoError(t, err)
	_, err = r.Execute(ctx, CallFor(stepFromOp(create)))
	require.NoError(t, err)

	require.NoError(t, plan2.Execute(ctx, r))
	require.NoError(t, plan1.Execute(ctx, r))

	data, err := os.ReadFile(filepath.Join(r.Root(), "notes.md"))
	require.NoError(t, err)
	assert.Equal(t, "original\n", string(data))
	assert.NoDirExists(t, filepath.Join(r.Root(), "new"), "created parents are removed too")
}
