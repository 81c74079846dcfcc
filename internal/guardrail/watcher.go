package guardrail

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stepwise/internal/logging"
)

// PolicyWatcher rebuilds the guardrail when its policy file changes. Each
// rebuild produces a new immutable Guardrail; plans already running keep the
// one they started with.
type PolicyWatcher struct {
	path    string
	base    Policy
	opts    []Option
	logger  *logging.Logger
	current atomic.Pointer[Guardrail]
	reloads atomic.Int64
}

// NewPolicyWatcher loads path over base and builds the first guardrail.
func NewPolicyWatcher(path string, base Policy, logger *logging.Logger, opts ...Option) (*PolicyWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving policy path: %w", err)
	}
	w := &PolicyWatcher{path: abs, base: base, opts: opts, logger: logger.Named("policy")}
	if err := w.Reload(); err != nil {
		return nil, err
	}
	return w, nil
}

// Current returns the guardrail to use for newly submitted tasks.
func (w *PolicyWatcher) Current() *Guardrail {
	return w.current.Load()
}

// Reloads returns how many times the guardrail was rebuilt after start.
func (w *PolicyWatcher) Reloads() int64 {
	return w.reloads.Load()
}

// Reload re-reads the policy file and swaps in a new guardrail. On error the
// previous guardrail stays active.
func (w *PolicyWatcher) Reload() error {
	policy, err := LoadPolicyFile(w.path, w.base)
	if err != nil {
		return err
	}
	g, err := New(policy, w.opts...)
	if err != nil {
		return err
	}
	if w.current.Swap(g) != nil {
		w.reloads.Add(1)
	}
	return nil
}

// Run watches the policy file's directory until ctx is done. The directory is
// watched because editors often replace files by rename.
func (w *PolicyWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watching %s: %w", w.path, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := w.Reload(); err != nil {
				w.logger.Warn(ctx, "policy reload failed, keeping previous policy", zap.Error(err))
				continue
			}
			w.logger.Info(ctx, "policy reloaded", zap.String("path", w.path), zap.Int("patterns", len(w.Current().Patterns())))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn(ctx, "policy watcher error", zap.Error(err))
		}
	}
}
