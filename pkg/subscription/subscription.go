package subscription

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billing/pkg/billing"
	"github.com/dmitrymomot/billing/pkg/statemachine"
)

// Status of a subscription.
type Status string

const (
	StatusTrialing Status = "trialing"
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
	StatusExpired  Status = "expired"
)

// IsLive reports whether the status counts toward the one-per-account limit.
func (s Status) IsLive() bool {
	return s == StatusTrialing || s == StatusActive || s == StatusPastDue
}

// Event moves a subscription between statuses.
type Event string

const (
	EventPaymentConfirmed Event = "payment_confirmed"
	EventPaymentFailed    Event = "payment_failed"
	EventPlanChanged      Event = "plan_changed"
	EventCancel           Event = "cancel"
	EventExpire           Event = "expire"
	EventReactivate       Event = "reactivate"
)

// reactivation is the guard input for EventReactivate.
type reactivation struct {
	sub  Subscription
	plan Plan
}

// trialEligible restores a trial only for subscriptions that never had one.
func trialEligible(_ context.Context, data any) bool {
	r, ok := data.(reactivation)
	return ok && r.sub.TrialEndsAt == nil && r.plan.HasTrial()
}

func liveTransitions() []statemachine.Option[Status, Event] {
	var opts []statemachine.Option[Status, Event]
	for _, from := range []Status{StatusTrialing, StatusActive, StatusPastDue} {
		opts = append(opts,
			statemachine.WithTransition(from, StatusActive, EventPaymentConfirmed),
			statemachine.WithTransition(from, StatusPastDue, EventPaymentFailed),
			statemachine.WithTransition(from, from, EventPlanChanged),
			statemachine.WithTransition(from, StatusCanceled, EventCancel),
			statemachine.WithTransition(from, StatusExpired, EventExpire),
		)
	}
	for _, from := range []Status{StatusCanceled, StatusExpired} {
		opts = append(opts,
			statemachine.WithTransition(from, StatusTrialing, EventReactivate, trialEligible),
			statemachine.WithTransition(from, StatusActive, EventReactivate),
		)
	}
	return opts
}

var machine = statemachine.MustNew("subscription", liveTransitions()...)

// CanTransition reports whether event has an edge out of status.
func CanTransition(from Status, event Event) bool {
	return machine.CanFire(context.Background(), from, event, nil)
}

// Subscription ties an account to a plan for a billing period.
type Subscription struct {
	ID                 uuid.UUID        `json:"id"`
	AccountID          uuid.UUID        `json:"account_id"`
	PlanID             uuid.UUID        `json:"plan_id"`
	Status             Status           `json:"status"`
	Provider           billing.Provider `json:"provider"`
	ProviderReference  string           `json:"provider_reference,omitempty"`
	StartedAt          time.Time        `json:"started_at"`
	CurrentPeriodStart time.Time        `json:"current_period_start"`
	CurrentPeriodEnd   time.Time        `json:"current_period_end"`
	CancelAtPeriodEnd  bool             `json:"cancel_at_period_end"`
	CanceledAt         *time.Time       `json:"canceled_at,omitempty"`
	TrialEndsAt        *time.Time       `json:"trial_ends_at,omitempty"`
	PendingPlanID      *uuid.UUID       `json:"pending_plan_id,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// IsLive reports whether the subscription is trialing, active or past due.
func (s Subscription) IsLive() bool {
	return s.Status.IsLive()
}

// IsDue reports whether the current period ended before now.
func (s Subscription) IsDue(now time.Time) bool {
	return now.After(s.CurrentPeriodEnd)
}
