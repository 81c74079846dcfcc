// Package tasks runs independent execution plans concurrently and keeps
// their latest snapshots for lookup.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/stepwise/internal/engine"
	"github.com/fyrsmithlabs/stepwise/internal/logging"
)

var (
	// ErrNotFound is returned for an unknown task id.
	ErrNotFound = errors.New("task not found")

	// ErrClosed is returned by Submit after Shutdown.
	ErrClosed = errors.New("task manager is shut down")

	// ErrFinished is returned when canceling a task that already ended.
	ErrFinished = errors.New("task already finished")
)

// Runner executes one task. *engine.Engine implements it.
type Runner interface {
	Run(ctx context.Context, taskID, description string, sink engine.EventSink) *engine.ExecutionPlan
}

// Status is the lifecycle state of a submitted task.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Info describes a task without its full plan.
type Info struct {
	ID          string              `json:"id"`
	Description string              `json:"description"`
	Status      Status              `json:"status"`
	SubmittedAt time.Time           `json:"submitted_at"`
	Summary     *engine.PlanSummary `json:"summary,omitempty"`
}

// Snapshot is a task with its most recent plan copy.
type Snapshot struct {
	Info
	Plan *engine.ExecutionPlan `json:"plan,omitempty"`
}

// task is the tracked state of one submission.
type task struct {
	id          string
	description string
	submittedAt time.Time
	cancel      context.CancelFunc
	done        chan struct{}

	mu     sync.Mutex
	status Status
	plan   *engine.ExecutionPlan
}

func (t *task) snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Snapshot{Info: Info{ID: t.id, Description: t.description, Status: t.status, SubmittedAt: t.submittedAt}}
	if t.plan != nil {
		s.Plan = t.plan.Clone()
		sum := t.plan.Summary()
		s.Summary = &sum
	}
	return s
}

func (t *task) update(plan *engine.ExecutionPlan, status Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.plan = plan
	t.status = status
}

// Manager runs tasks on a shared Runner. Each task gets its own goroutine and
// plan; at most limit tasks run at once, the rest wait queued.
type Manager struct {
	runner Runner
	sink   engine.EventSink
	logger *logging.Logger
	now    func() time.Time

	base   context.Context
	stop   context.CancelFunc
	slots  chan struct{}
	wg     sync.WaitGroup
	tasks  sync.Map // task id -> *task
	closed sync.Once
	mu     sync.RWMutex
	shut   bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithEventSink forwards every task event to s, for example a NATS publisher.
func WithEventSink(s engine.EventSink) Option {
	return func(m *Manager) { m.sink = s }
}

// NewManager returns a manager running at most limit tasks concurrently.
// A limit below 1 is treated as 1.
func NewManager(runner Runner, limit int, opts ...Option) *Manager {
	if limit < 1 {
		limit = 1
	}
	base, stop := context.WithCancel(context.Background())
	m := &Manager{
		runner: runner,
		logger: logging.NewNop(),
		now:    time.Now,
		base:   base,
		stop:   stop,
		slots:  make(chan struct{}, limit),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.Named("tasks")
	return m
}

// Submit queues description and returns its task id. The task runs
// detached from the caller's context; use Cancel to stop it.
func (m *Manager) Submit(description string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.shut {
		return "", ErrClosed
	}

	ctx, cancel := context.WithCancel(m.base)
	t := &task{
		id:          uuid.NewString(),
		description: description,
		submittedAt: m.now(),
		cancel:      cancel,
		done:        make(chan struct{}),
		status:      StatusQueued,
	}
	m.tasks.Store(t.id, t)

	m.wg.Add(1)
	go m.run(ctx, t)
	return t.id, nil
}

func (m *Manager) run(ctx context.Context, t *task) {
	defer m.wg.Done()
	defer close(t.done)
	defer t.cancel()

	ctx = logging.WithTaskID(ctx, t.id)
	select {
	case m.slots <- struct{}{}:
		defer func() { <-m.slots }()
	case <-ctx.Done():
		// Canceled while queued: the engine still records the failure.
	}

	t.update(nil, StatusRunning)
	m.logger.Info(ctx, "task running", logging.Truncated("description", t.description, 200))

	sink := engine.SinkFunc(func(ctx context.Context, ev engine.Event) error {
		if ev.Plan != nil && !ev.Type.Final() {
			t.update(ev.Plan, StatusRunning)
		}
		if m.sink != nil {
			return m.sink.Publish(ctx, ev)
		}
		return nil
	})
	plan := m.runner.Run(ctx, t.id, t.description, sink)

	status := StatusFailed
	if plan.Succeeded() {
		status = StatusCompleted
	}
	t.update(plan, status)
	m.logger.Info(ctx, "task finished", zap.String("status", string(status)), zap.String("phase", plan.Summary().Phase))
}

func (m *Manager) lookup(id string) (*task, error) {
	v, ok := m.tasks.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return v.(*task), nil
}

// Get returns the latest snapshot of task id.
func (m *Manager) Get(id string) (Snapshot, error) {
	t, err := m.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}
	return t.snapshot(), nil
}

// List returns every task in submission order.
func (m *Manager) List() []Info {
	var out []Info
	m.tasks.Range(func(_, v any) bool {
		out = append(out, v.(*task).snapshot().Info)
		return true
	})
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	return out
}

// Wait blocks until task id finishes or ctx is done, and returns its final
// snapshot.
func (m *Manager) Wait(ctx context.Context, id string) (Snapshot, error) {
	t, err := m.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}
	select {
	case <-t.done:
		return t.snapshot(), nil
	case <-ctx.Done():
		return t.snapshot(), ctx.Err()
	}
}

// Cancel stops task id. A running step finishes and is rolled back before the
// plan fails.
func (m *Manager) Cancel(id string) error {
	t, err := m.lookup(id)
	if err != nil {
		return err
	}
	select {
	case <-t.done:
		return fmt.Errorf("%w: %s", ErrFinished, id)
	default:
	}
	t.cancel()
	m.logger.Info(logging.WithTaskID(context.Background(), id), "task cancel requested")
	return nil
}

// RunBatch runs descriptions with at most parallelism at once and returns the
// plans in input order. Tasks not started when ctx ends are skipped and the
// context error is returned.
func (m *Manager) RunBatch(ctx context.Context, descriptions []string, parallelism int) ([]*engine.ExecutionPlan, error) {
	if parallelism < 1 {
		parallelism = 1
	}
	plans := make([]*engine.ExecutionPlan, len(descriptions))

	var g errgroup.Group
	g.SetLimit(parallelism)
	for i, desc := range descriptions {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			sink := engine.SinkFunc(func(ctx context.Context, ev engine.Event) error {
				if m.sink != nil {
					return m.sink.Publish(ctx, ev)
				}
				return nil
			})
			plans[i] = m.runner.Run(ctx, uuid.NewString(), desc, sink)
			return nil
		})
	}
	return plans, g.Wait()
}

// Shutdown rejects new submissions, cancels running tasks, and waits for
// them until ctx is done.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.shut = true
	m.mu.Unlock()
	m.closed.Do(m.stop)

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for tasks: %w", ctx.Err())
	}
}
