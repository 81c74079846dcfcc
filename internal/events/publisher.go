// Package events publishes engine events to NATS.
//
// Events are published to subjects:
//   - <prefix>.tasks.<task_id>.phase_started
//   - <prefix>.tasks.<task_id>.step_completed
//   - <prefix>.tasks.<task_id>.plan_completed
//   - ...
//
// Subscribers can follow a single task with "<prefix>.tasks.<task_id>.>" or
// every final outcome with "<prefix>.tasks.*.plan_*".
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stepwise/internal/config"
	"github.com/fyrsmithlabs/stepwise/internal/engine"
	"github.com/fyrsmithlabs/stepwise/internal/logging"
	"github.com/fyrsmithlabs/stepwise/internal/sanitize"
)

const flushTimeout = 2 * time.Second

// ErrNotConnected is returned when publishing without a connection.
var ErrNotConnected = errors.New("events: not connected")

// Message is the wire form of an engine event. Plan snapshots are reduced to
// a summary to keep messages small.
type Message struct {
	Type    engine.EventType    `json:"type"`
	TaskID  string              `json:"task_id"`
	Phase   string              `json:"phase"`
	StepID  string              `json:"step_id,omitempty"`
	Time    time.Time           `json:"time"`
	Message string              `json:"message,omitempty"`
	Summary *engine.PlanSummary `json:"summary,omitempty"`
}

// NewMessage converts ev to its wire form.
func NewMessage(ev engine.Event) Message {
	m := Message{
		Type:    ev.Type,
		TaskID:  ev.TaskID,
		Phase:   ev.Phase,
		StepID:  ev.StepID,
		Time:    ev.Time,
		Message: ev.Message,
	}
	if ev.Plan != nil {
		s := ev.Plan.Summary()
		m.Summary = &s
	}
	return m
}

// Publisher is an engine.EventSink writing to NATS.
type Publisher struct {
	nc     *nats.Conn
	prefix string
	logger *logging.Logger
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(p *Publisher) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewPublisher wraps an existing connection. The prefix is sanitized token by
// token.
func NewPublisher(nc *nats.Conn, prefix string, opts ...Option) *Publisher {
	p := &Publisher{
		nc:     nc,
		prefix: sanitize.SubjectPrefix(prefix),
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.Named("events")
	return p
}

// Connect dials the configured server and returns a publisher owning the
// connection.
func Connect(cfg config.EventsConfig, opts ...Option) (*Publisher, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name("stepwise"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", cfg.URL, err)
	}
	return NewPublisher(nc, cfg.SubjectPrefix, opts...), nil
}

// Subject returns the subject an event of type typ for taskID is published on.
func (p *Publisher) Subject(taskID string, typ engine.EventType) string {
	return fmt.Sprintf("%s.tasks.%s.%s", p.prefix, sanitize.SubjectToken(taskID), sanitize.SubjectToken(string(typ)))
}

// TaskSubjects returns the wildcard subject matching every event of taskID.
func (p *Publisher) TaskSubjects(taskID string) string {
	return fmt.Sprintf("%s.tasks.%s.>", p.prefix, sanitize.SubjectToken(taskID))
}

// Publish implements engine.EventSink.
func (p *Publisher) Publish(ctx context.Context, ev engine.Event) error {
	if p == nil || p.nc == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(NewMessage(ev))
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", ev.Type, err)
	}

	subject := p.Subject(ev.TaskID, ev.Type)
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	// Final events are flushed so subscribers see the outcome before the
	// task is reported done.
	if ev.Type.Final() {
		if err := p.nc.FlushTimeout(flushTimeout); err != nil {
			p.logger.Warn(ctx, "flush after final event failed", zap.String("subject", subject), zap.Error(err))
		}
	}
	return nil
}

// Close drains and closes the connection.
func (p *Publisher) Close() error {
	if p == nil || p.nc == nil {
		return nil
	}
	return p.nc.Drain()
}
