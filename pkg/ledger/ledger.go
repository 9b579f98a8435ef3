package ledger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billing/pkg/audit"
	"github.com/dmitrymomot/billing/pkg/billing"
	"github.com/dmitrymomot/billing/pkg/logger"
)

// Ledger records payments and applies their transitions. Audit events are
// emitted once the outermost unit of work commits.
type Ledger struct {
	store Store
	tx    billing.Transactor
	now   func() time.Time
	log   *slog.Logger
	audit audit.Emitter
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithLogger sets the ledger logger.
func WithLogger(log *slog.Logger) Option {
	return func(l *Ledger) { l.log = log }
}

// WithAudit sets the audit emitter.
func WithAudit(em audit.Emitter) Option {
	return func(l *Ledger) { l.audit = em }
}

// New creates a Ledger.
func New(store Store, tx billing.Transactor, opts ...Option) *Ledger {
	if store == nil {
		panic("ledger: store is required")
	}
	if tx == nil {
		panic("ledger: transactor is required")
	}
	l := &Ledger{
		store: store,
		tx:    tx,
		now:   time.Now,
		log:   logger.Discard(),
		audit: audit.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record stores a new payment.
func (l *Ledger) Record(ctx context.Context, n NewPayment) (Payment, error) {
	if err := n.Validate(); err != nil {
		return Payment{}, err
	}

	now := l.now().UTC()
	p := Payment{
		ID:                n.ID,
		AccountID:         n.AccountID,
		SubscriptionID:    n.SubscriptionID,
		Provider:          n.Provider,
		ProviderReference: n.ProviderReference,
		Amount:            n.Amount,
		Currency:          n.Currency,
		Status:            n.Status,
		Notes:             n.Notes,
		PaidAt:            n.PaidAt,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Status == "" {
		p.Status = StatusPending
	}
	if p.Status == StatusPaid && p.PaidAt == nil {
		p.PaidAt = &now
	}

	if err := l.store.Create(ctx, p); err != nil {
		return Payment{}, err
	}

	l.log.InfoContext(ctx, "payment recorded",
		logger.PaymentID(p.ID),
		logger.AccountID(p.AccountID),
		logger.Provider(string(p.Provider)),
		slog.Int64("amount", p.Amount),
		slog.String("status", string(p.Status)),
	)
	billing.AfterCommit(ctx, func(ctx context.Context) {
		_ = l.audit.Log(ctx, audit.ActionPaymentRecorded,
			audit.WithAccount(p.AccountID.String()),
			audit.WithResource("payment", p.ID.String()),
			audit.WithMetadata("amount", p.Amount),
			audit.WithMetadata("status", string(p.Status)),
		)
	})
	return p, nil
}

// Confirm marks a pending payment as paid at paidAt (now when zero).
func (l *Ledger) Confirm(ctx context.Context, id uuid.UUID, paidAt time.Time) (Payment, error) {
	return l.transition(ctx, id, EventConfirm, func(p *Payment, now time.Time) {
		if paidAt.IsZero() {
			paidAt = now
		}
		t := paidAt.UTC()
		p.PaidAt = &t
	})
}

// MarkFailed marks a pending payment as failed and records reason.
func (l *Ledger) MarkFailed(ctx context.Context, id uuid.UUID, reason string) (Payment, error) {
	return l.transition(ctx, id, EventFail, func(p *Payment, _ time.Time) {
		p.Notes = appendNote(p.Notes, reason)
	})
}

// Refund marks a paid payment as refunded and records reason.
func (l *Ledger) Refund(ctx context.Context, id uuid.UUID, reason string) (Payment, error) {
	return l.transition(ctx, id, EventRefund, func(p *Payment, now time.Time) {
		p.RefundedAt = &now
		p.Notes = appendNote(p.Notes, reason)
	})
}

// AttachReference sets the provider reference of a payment that has none.
// Setting the same reference again is a no-op.
func (l *Ledger) AttachReference(ctx context.Context, id uuid.UUID, ref string) (Payment, error) {
	if ref == "" {
		return Payment{}, billing.NewFieldError("provider_reference", "is required")
	}

	var out Payment
	err := l.tx.WithinTx(ctx, func(ctx context.Context) error {
		p, err := l.store.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		switch p.ProviderReference {
		case ref:
			out = p
			return nil
		case "":
		default:
			return ErrReferenceConflict
		}
		p.ProviderReference = ref
		p.UpdatedAt = l.now().UTC()
		if err := l.store.Update(ctx, p); err != nil {
			return err
		}
		out = p
		return nil
	})
	return out, err
}

// Get returns a payment by id.
func (l *Ledger) Get(ctx context.Context, id uuid.UUID) (Payment, error) {
	return l.store.Get(ctx, id)
}

// FindByReference returns the payment a provider knows by ref.
func (l *Ledger) FindByReference(ctx context.Context, provider billing.Provider, ref string) (Payment, error) {
	if ref == "" {
		return Payment{}, ErrPaymentNotFound
	}
	return l.store.FindByReference(ctx, provider, ref)
}

// ListBySubscription returns the payments of a subscription, oldest first.
func (l *Ledger) ListBySubscription(ctx context.Context, subscriptionID uuid.UUID) ([]Payment, error) {
	return l.store.ListBySubscription(ctx, subscriptionID)
}

// ListByAccount returns the payments of an account, oldest first.
func (l *Ledger) ListByAccount(ctx context.Context, accountID uuid.UUID) ([]Payment, error) {
	return l.store.ListByAccount(ctx, accountID)
}

func (l *Ledger) transition(ctx context.Context, id uuid.UUID, event Event, apply func(*Payment, time.Time)) (Payment, error) {
	var (
		out  Payment
		from Status
	)
	err := l.tx.WithinTx(ctx, func(ctx context.Context) error {
		p, err := l.store.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		from = p.Status

		to, err := machine.Fire(ctx, p.Status, event, p)
		if err != nil {
			return withPaymentID(err, id)
		}

		now := l.now().UTC()
		p.Status = to
		p.UpdatedAt = now
		apply(&p, now)

		if err := l.store.Update(ctx, p); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return Payment{}, err
	}

	l.log.InfoContext(ctx, "payment status changed",
		logger.PaymentID(out.ID),
		logger.Transition(string(from), string(out.Status)),
	)
	billing.AfterCommit(ctx, func(ctx context.Context) {
		_ = l.audit.Log(ctx, audit.ActionPaymentStatus,
			audit.WithAccount(out.AccountID.String()),
			audit.WithResource("payment", out.ID.String()),
			audit.WithMetadata("from", string(from)),
			audit.WithMetadata("to", string(out.Status)),
		)
	})
	return out, nil
}

func withPaymentID(err error, id uuid.UUID) error {
	var ite *billing.InvalidTransitionError
	if errors.As(err, &ite) {
		ite.ID = id.String()
	}
	return err
}
