package ledger

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billing/pkg/billing"
	"github.com/dmitrymomot/billing/pkg/statemachine"
)

// Status of a payment.
type Status string

const (
	StatusPending  Status = "pending"
	StatusPaid     Status = "paid"
	StatusFailed   Status = "failed"
	StatusRefunded Status = "refunded"
)

// Settled reports whether the payment reached a final money movement.
func (s Status) Settled() bool {
	return s == StatusPaid || s == StatusRefunded
}

// Event moves a payment between statuses.
type Event string

const (
	EventConfirm Event = "confirm"
	EventFail    Event = "fail"
	EventRefund  Event = "refund"
)

var machine = statemachine.MustNew("payment",
	statemachine.WithTransition(StatusPending, StatusPaid, EventConfirm),
	statemachine.WithTransition(StatusPending, StatusFailed, EventFail),
	statemachine.WithTransition(StatusPaid, StatusRefunded, EventRefund),
)

// CanTransition reports whether event is allowed from status.
func CanTransition(from Status, event Event) bool {
	return machine.CanFire(context.Background(), from, event, nil)
}

// Payment is one attempt to collect money.
type Payment struct {
	ID                uuid.UUID        `json:"id"`
	AccountID         uuid.UUID        `json:"account_id"`
	SubscriptionID    *uuid.UUID       `json:"subscription_id,omitempty"`
	Provider          billing.Provider `json:"provider"`
	ProviderReference string           `json:"provider_reference,omitempty"`
	Amount            int64            `json:"amount"`
	Currency          string           `json:"currency"`
	Status            Status           `json:"status"`
	Notes             string           `json:"notes,omitempty"`
	PaidAt            *time.Time       `json:"paid_at,omitempty"`
	RefundedAt        *time.Time       `json:"refunded_at,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// NewPayment describes a payment to record. ID may be preset so it can be
// sent to a provider before the row exists.
type NewPayment struct {
	ID                uuid.UUID
	AccountID         uuid.UUID
	SubscriptionID    *uuid.UUID
	Provider          billing.Provider
	ProviderReference string
	Amount            int64
	Currency          string
	// Status defaults to pending. Paid is accepted for renewals reported
	// by a provider after the money moved.
	Status Status
	Notes  string
	PaidAt *time.Time
}

// Validate checks the fields of a new payment.
func (n NewPayment) Validate() error {
	verr := billing.NewValidationError()
	if n.AccountID == uuid.Nil {
		verr.Add("account_id", "is required")
	}
	if !n.Provider.Valid() {
		verr.Add("provider", "unknown provider")
	}
	if n.Amount < 0 {
		verr.Add("amount", "must not be negative")
	}
	if len(n.Currency) != 3 || strings.ToUpper(n.Currency) != n.Currency {
		verr.Add("currency", "must be a three letter ISO code")
	}
	switch n.Status {
	case "", StatusPending, StatusPaid:
	default:
		verr.Add("status", "must be pending or paid")
	}
	return verr.OrNil()
}

func appendNote(notes, note string) string {
	note = strings.TrimSpace(note)
	switch {
	case note == "":
		return notes
	case notes == "":
		return note
	}
	return notes + "; " + note
}
