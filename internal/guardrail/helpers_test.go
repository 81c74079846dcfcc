package guardrail

import (
	"context"
	"errors"
	"path"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// memSnapshotter serves snapshots from a map. Paths not in the map do not exist.
type memSnapshotter struct {
	mu    sync.Mutex
	files map[string]Snapshot
	err   error
}

func newMemSnapshotter(entries map[string]Snapshot) *memSnapshotter {
	if entries == nil {
		entries = map[string]Snapshot{}
	}
	return &memSnapshotter{files: entries}
}

func (m *memSnapshotter) Snapshot(_ context.Context, p string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return Snapshot{}, m.err
	}
	return m.files[path.Clean(p)], nil
}

// recordingExecutor records applied rollback steps and fails on selected paths.
type recordingExecutor struct {
	mu      sync.Mutex
	applied []RollbackStep
	failOn  map[string]bool
}

func (r *recordingExecutor) ApplyRollback(_ context.Context, step RollbackStep) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applied = append(r.applied, step)
	if r.failOn[step.Path] {
		return errors.New("apply failed")
	}
	return nil
}

func (r *recordingExecutor) paths() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.applied))
	for _, s := range r.applied {
		out = append(out, s.Path)
	}
	return out
}

func workdirSnapshotter() *memSnapshotter {
	return newMemSnapshotter(map[string]Snapshot{
		"/work":          {Exists: true, IsDir: true},
		"/work/notes.md": {Exists: true, Content: []byte("old notes"), Mode: 0o644},
		"/work/sandbox":  {Exists: true, IsDir: true},
		"/work/build":    {Exists: true, IsDir: true},
	})
}

func newTestGuardrail(t *testing.T, policy Policy, opts ...Option) *Guardrail {
	t.Helper()
	if policy.WorkDir == "" {
		policy.WorkDir = "/work"
	}
	g, err := New(policy, opts...)
	require.NoError(t, err)
	return g
}
