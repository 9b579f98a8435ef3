package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var ErrEventValidation = errors.New("audit event validation failed")

// Result represents the outcome of an audited action.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
	ResultError   Result = "error"
)

// Billing actions emitted by the engine.
const (
	ActionSubscriptionCreated  = "subscription.created"
	ActionSubscriptionStatus   = "subscription.status_changed"
	ActionSubscriptionPlan     = "subscription.plan_changed"
	ActionSubscriptionSchedule = "subscription.plan_scheduled"
	ActionPaymentRecorded      = "payment.recorded"
	ActionPaymentStatus        = "payment.status_changed"
	ActionWebhookRejected      = "webhook.rejected"
	ActionUsageReset           = "usage.reset"
	ActionGatewayUpdated       = "gateway.updated"
)

// Event represents a single audit log entry.
type Event struct {
	ID         string         `json:"id"`
	AccountID  string         `json:"account_id,omitempty"`
	Actor      string         `json:"actor,omitempty"`
	Action     string         `json:"action"`
	Resource   string         `json:"resource,omitempty"`
	ResourceID string         `json:"resource_id,omitempty"`
	Result     Result         `json:"result"`
	Error      string         `json:"error,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Validate checks if the event has all required fields.
func (e *Event) Validate() error {
	if e.Action == "" {
		return fmt.Errorf("%w: action is required", ErrEventValidation)
	}
	return nil
}

// Sink receives finished events. Storage of the audit trail lives outside
// the engine; a Sink only forwards.
type Sink interface {
	Store(ctx context.Context, event Event) error
}

// Emitter records billing actions.
type Emitter interface {
	Log(ctx context.Context, action string, opts ...EventOption) error
	LogError(ctx context.Context, action string, err error, opts ...EventOption) error
}

type emitter struct {
	sink Sink
	now  func() time.Time
}

// NewEmitter creates an Emitter that forwards to sink.
func NewEmitter(sink Sink) Emitter {
	if sink == nil {
		panic("audit: sink cannot be nil")
	}
	return &emitter{sink: sink, now: time.Now}
}

// Log records a successful action.
func (e *emitter) Log(ctx context.Context, action string, opts ...EventOption) error {
	return e.emit(ctx, action, ResultSuccess, nil, opts)
}

// LogError records a failed action.
func (e *emitter) LogError(ctx context.Context, action string, err error, opts ...EventOption) error {
	return e.emit(ctx, action, ResultError, err, opts)
}

func (e *emitter) emit(ctx context.Context, action string, result Result, err error, opts []EventOption) error {
	event := Event{
		ID:        uuid.New().String(),
		Action:    action,
		Result:    result,
		Actor:     ActorFromContext(ctx),
		CreatedAt: e.now().UTC(),
	}
	if err != nil {
		event.Error = err.Error()
	}
	for _, opt := range opts {
		opt(&event)
	}
	if verr := event.Validate(); verr != nil {
		return verr
	}
	return e.sink.Store(ctx, event)
}

// Nop discards every event.
func Nop() Emitter {
	return nopEmitter{}
}

type nopEmitter struct{}

func (nopEmitter) Log(context.Context, string, ...EventOption) error { return nil }

func (nopEmitter) LogError(context.Context, string, error, ...EventOption) error { return nil }
