package guardrail

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ConfirmOption is a responder's choice.
type ConfirmOption string

const (
	OptionApprove ConfirmOption = "approve"
	OptionDeny    ConfirmOption = "deny"
	OptionModify  ConfirmOption = "modify"
)

// ConfirmationRequest asks a human or policy to approve a risky operation.
type ConfirmationRequest struct {
	ID          string          `json:"id"`
	TaskID      string          `json:"task_id,omitempty"`
	OperationID string          `json:"operation_id"`
	Summary     string          `json:"summary"`
	Risk        RiskLevel       `json:"risk"`
	Reasons     []string        `json:"reasons,omitempty"`
	Options     []ConfirmOption `json:"options"`
	RequestedAt time.Time       `json:"requested_at"`
	Deadline    time.Time       `json:"deadline"`
}

// Modification replaces parts of an operation when the responder picks modify.
// Empty fields keep the original value.
type Modification struct {
	Target  string `json:"target,omitempty"`
	Command string `json:"command,omitempty"`
	Content string `json:"content,omitempty"`
}

// ConfirmationResponse answers a ConfirmationRequest.
type ConfirmationResponse struct {
	Option       ConfirmOption `json:"option"`
	Modification *Modification `json:"modification,omitempty"`
	Responder    string        `json:"responder,omitempty"`
	Comment      string        `json:"comment,omitempty"`
	RespondedAt  time.Time     `json:"responded_at"`
}

// Confirmer surfaces a request and waits for the answer. Implementations must
// return when ctx is done.
type Confirmer interface {
	Confirm(ctx context.Context, req ConfirmationRequest) (ConfirmationResponse, error)
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(ctx context.Context, req ConfirmationRequest) (ConfirmationResponse, error)

// Confirm implements Confirmer.
func (f ConfirmFunc) Confirm(ctx context.Context, req ConfirmationRequest) (ConfirmationResponse, error) {
	return f(ctx, req)
}

// AutoConfirmer answers every request with a fixed option. Used for
// non-interactive runs.
type AutoConfirmer struct {
	Option ConfirmOption
}

// Confirm implements Confirmer.
func (a AutoConfirmer) Confirm(ctx context.Context, _ ConfirmationRequest) (ConfirmationResponse, error) {
	if err := ctx.Err(); err != nil {
		return ConfirmationResponse{}, err
	}
	return ConfirmationResponse{Option: a.Option, Responder: "policy", RespondedAt: time.Now()}, nil
}

// pendingConfirmation pairs a request with its one-shot response channel.
type pendingConfirmation struct {
	req  ConfirmationRequest
	resp chan ConfirmationResponse
}

// Broker is a message-passing Confirmer. Each Confirm call publishes its
// request on a channel and parks on a private response channel until Resolve
// delivers an answer or the context ends.
type Broker struct {
	requests chan ConfirmationRequest

	mu      sync.Mutex
	pending map[string]*pendingConfirmation
}

// NewBroker creates a broker whose notification channel buffers up to size
// requests. Requests stay resolvable through Pending even when a notification
// is dropped because nobody is reading.
func NewBroker(size int) *Broker {
	if size < 1 {
		size = 1
	}
	return &Broker{
		requests: make(chan ConfirmationRequest, size),
		pending:  make(map[string]*pendingConfirmation),
	}
}

// Requests returns the channel of newly raised requests.
func (b *Broker) Requests() <-chan ConfirmationRequest {
	return b.requests
}

// Confirm implements Confirmer.
func (b *Broker) Confirm(ctx context.Context, req ConfirmationRequest) (ConfirmationResponse, error) {
	p := &pendingConfirmation{req: req, resp: make(chan ConfirmationResponse, 1)}

	b.mu.Lock()
	b.pending[req.ID] = p
	b.mu.Unlock()
	defer b.remove(req.ID)

	select {
	case b.requests <- req:
	default:
	}

	select {
	case resp := <-p.resp:
		return resp, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ConfirmationResponse{}, ErrConfirmationTimeout
		}
		return ConfirmationResponse{}, ctx.Err()
	}
}

// Resolve delivers a response to a pending request.
func (b *Broker) Resolve(id string, resp ConfirmationResponse) error {
	b.mu.Lock()
	p, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.mu.Unlock()

	if !ok {
		return ErrUnknownConfirmation
	}
	if resp.RespondedAt.IsZero() {
		resp.RespondedAt = time.Now()
	}
	p.resp <- resp
	return nil
}

// Pending returns outstanding requests ordered by request time.
func (b *Broker) Pending() []ConfirmationRequest {
	b.mu.Lock()
	out := make([]ConfirmationRequest, 0, len(b.pending))
	for _, p := range b.pending {
		out = append(out, p.req)
	}
	b.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out
}

func (b *Broker) remove(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}
