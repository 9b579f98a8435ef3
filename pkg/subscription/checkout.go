package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billing/pkg/audit"
	"github.com/dmitrymomot/billing/pkg/billing"
	"github.com/dmitrymomot/billing/pkg/ledger"
	"github.com/dmitrymomot/billing/pkg/logger"
	"github.com/dmitrymomot/billing/pkg/provider"
)

// CheckoutOption tunes the provider checkout opened for a payment.
type CheckoutOption func(*checkoutOptions)

type checkoutOptions struct {
	email      string
	successURL string
}

// WithEmail passes the customer email to the provider.
func WithEmail(email string) CheckoutOption {
	return func(o *checkoutOptions) { o.email = email }
}

// WithSuccessURL sets where the provider sends the customer afterwards.
func WithSuccessURL(u string) CheckoutOption {
	return func(o *checkoutOptions) { o.successURL = u }
}

// CheckoutResult is the outcome of an operation that may open a checkout.
// Payment is nil when nothing had to be charged.
type CheckoutResult struct {
	Subscription Subscription
	Payment      *ledger.Payment
	CheckoutURL  *string
	QRCode       []byte
}

// recordPending stores the pending payment of a charge inside the caller's
// transaction. It is committed before the provider is called, so a webhook
// for the checkout always finds it by the id echoed in metadata.
func (m *Manager) recordPending(ctx context.Context, sub Subscription, currency string, amount int64, note string) (*ledger.Payment, error) {
	p, err := m.ledger.Record(ctx, ledger.NewPayment{
		ID:             uuid.New(),
		AccountID:      sub.AccountID,
		SubscriptionID: &sub.ID,
		Provider:       sub.Provider,
		Amount:         amount,
		Currency:       currency,
		Notes:          note,
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// revertFunc undoes, on the locked row, what the caller committed before
// the checkout was opened.
type revertFunc func(ctx context.Context, sub *Subscription) error

// charge opens the provider checkout for a payment already committed with
// sub, then attaches the provider reference. Checkouts the provider
// approved on the spot are confirmed. When the provider fails the payment
// is marked failed and revert runs, unless the subscription changed in the
// meantime.
func (m *Manager) charge(ctx context.Context, sub Subscription, plan Plan, pay ledger.Payment, revert revertFunc, opts []CheckoutOption) (CheckoutResult, error) {
	var o checkoutOptions
	for _, opt := range opts {
		opt(&o)
	}
	ad, err := m.adapter(sub.Provider)
	if err != nil {
		return CheckoutResult{}, m.abortCharge(ctx, sub, pay, revert, err)
	}

	cctx, cancel := context.WithTimeout(ctx, m.providerTimeout)
	co, err := ad.CreateCheckout(cctx, provider.CheckoutRequest{
		AccountID:      sub.AccountID,
		SubscriptionID: sub.ID,
		PaymentID:      pay.ID,
		Plan:           plan.Snapshot(sub.Provider),
		Amount:         pay.Amount,
		Currency:       pay.Currency,
		Email:          o.email,
		SuccessURL:     o.successURL,
		Description:    pay.Notes,
	})
	cancel()
	if err != nil {
		m.log.ErrorContext(ctx, "checkout failed",
			logger.AccountID(sub.AccountID),
			logger.PaymentID(pay.ID),
			logger.Provider(string(sub.Provider)),
			logger.Error(err),
		)
		return CheckoutResult{}, m.abortCharge(ctx, sub, pay, revert, err)
	}

	linked := pay
	err = m.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		if co.Reference != "" {
			if linked, err = m.ledger.AttachReference(ctx, pay.ID, co.Reference); err != nil {
				return err
			}
		}
		if co.Status == provider.CheckoutApproved {
			if linked, err = m.ledger.Confirm(ctx, pay.ID, m.now().UTC()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		// The payment stays pending; the provider webhook still resolves it
		// by the payment id in its metadata.
		m.log.ErrorContext(ctx, "failed to link checkout to payment",
			logger.PaymentID(pay.ID),
			logger.Reference(co.Reference),
			logger.Error(err),
		)
		return CheckoutResult{}, err
	}

	return CheckoutResult{
		Subscription: sub,
		Payment:      &linked,
		CheckoutURL:  co.URL,
		QRCode:       co.QRCode,
	}, nil
}

// abortCharge closes a charge whose checkout could not be opened and
// returns cause. It runs even when ctx was canceled.
func (m *Manager) abortCharge(ctx context.Context, sub Subscription, pay ledger.Payment, revert revertFunc, cause error) error {
	ctx = context.WithoutCancel(ctx)
	var (
		cur      Subscription
		reverted bool
	)
	err := m.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		if cur, err = m.subs.GetForUpdate(ctx, sub.ID); err != nil {
			return err
		}
		if cur.Status == sub.Status && cur.UpdatedAt.Equal(sub.UpdatedAt) {
			if err := revert(ctx, &cur); err != nil {
				return err
			}
			cur.UpdatedAt = m.now().UTC()
			if err := m.subs.Update(ctx, cur); err != nil {
				return err
			}
			reverted = true
		}

		p, err := m.ledger.Get(ctx, pay.ID)
		if err != nil {
			return err
		}
		if p.Status != ledger.StatusPending {
			return nil
		}
		_, err = m.ledger.MarkFailed(ctx, p.ID, "checkout failed: "+cause.Error())
		return err
	})
	if err != nil {
		m.log.ErrorContext(ctx, "failed to close aborted checkout",
			logger.SubscriptionID(sub.ID),
			logger.PaymentID(pay.ID),
			logger.Error(err),
		)
		return errors.Join(cause, err)
	}
	if reverted {
		m.logTransition(ctx, cur, sub.Status, "checkout_failed")
	}
	return cause
}

// restore returns a revertFunc that puts back the row as it was before.
func restore(before Subscription) revertFunc {
	return func(_ context.Context, sub *Subscription) error {
		*sub = before
		return nil
	}
}

// Subscribe starts a subscription for an account. Trial plans start
// trialing without a charge and free plans start active. Paid plans start
// active with a pending payment for the first period; the period is not
// revoked if that payment later fails, the subscription goes past due.
func (m *Manager) Subscribe(ctx context.Context, accountID, planID uuid.UUID, p billing.Provider, opts ...CheckoutOption) (CheckoutResult, error) {
	if accountID == uuid.Nil {
		return CheckoutResult{}, billing.NewFieldError("account_id", "is required")
	}
	if p == "" {
		p = m.defaultProvider
	}
	if !p.Valid() {
		return CheckoutResult{}, billing.NewFieldError("provider", "is not supported")
	}

	plan, err := m.plans.Get(ctx, planID, false)
	if err != nil {
		return CheckoutResult{}, err
	}
	if !plan.Available() {
		return CheckoutResult{}, ErrPlanUnavailable
	}
	if _, err := m.Live(ctx, accountID); err == nil {
		return CheckoutResult{}, ErrLiveSubscriptionExists
	} else if !errors.Is(err, ErrSubscriptionNotFound) {
		return CheckoutResult{}, err
	}

	now := m.now().UTC()
	sub := Subscription{
		ID:                 uuid.New(),
		AccountID:          accountID,
		PlanID:             plan.ID,
		Status:             StatusActive,
		Provider:           p,
		StartedAt:          now,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   plan.Interval.Advance(now),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if plan.HasTrial() {
		end := plan.TrialEndsAt(now)
		sub.Status = StatusTrialing
		sub.CurrentPeriodEnd = end
		sub.TrialEndsAt = &end
	}

	charged := sub.Status == StatusActive && !plan.IsFree()
	if charged {
		if _, err := m.adapter(p); err != nil {
			return CheckoutResult{}, err
		}
	}

	var pay *ledger.Payment
	err = m.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := m.subs.Create(ctx, sub); err != nil {
			return err
		}
		if !charged {
			return nil
		}
		var err error
		pay, err = m.recordPending(ctx, sub, plan.Currency, plan.Price, fmt.Sprintf("subscription to %s", plan.Slug))
		return err
	})
	if err != nil {
		return CheckoutResult{}, err
	}

	m.log.InfoContext(ctx, "subscription created",
		logger.SubscriptionID(sub.ID),
		logger.AccountID(sub.AccountID),
		logger.Provider(string(sub.Provider)),
		slog.String("plan", plan.Slug),
		slog.String("status", string(sub.Status)),
	)
	billing.AfterCommit(ctx, func(ctx context.Context) {
		_ = m.audit.Log(ctx, audit.ActionSubscriptionCreated,
			audit.WithAccount(sub.AccountID.String()),
			audit.WithResource("subscription", sub.ID.String()),
			audit.WithMetadata("plan", plan.Slug),
			audit.WithMetadata("status", string(sub.Status)),
		)
	})

	if pay == nil {
		return CheckoutResult{Subscription: sub}, nil
	}
	// A failed checkout closes the subscription so the account can retry.
	return m.charge(ctx, sub, plan, *pay, func(ctx context.Context, cur *Subscription) error {
		to, err := m.fire(ctx, *cur, EventCancel, *cur)
		if err != nil {
			return err
		}
		now := m.now().UTC()
		cur.Status = to
		cur.CanceledAt = &now
		return nil
	}, opts)
}

// Reactivate reopens the latest subscription of an account after it was
// canceled or expired. The trial is restored only if the subscription never
// had one; otherwise paid plans charge a new period.
func (m *Manager) Reactivate(ctx context.Context, accountID uuid.UUID, opts ...CheckoutOption) (CheckoutResult, error) {
	prev, err := m.Current(ctx, accountID)
	if err != nil {
		return CheckoutResult{}, err
	}
	plan, err := m.plans.Get(ctx, prev.PlanID, true)
	if err != nil {
		return CheckoutResult{}, err
	}
	to, err := m.fire(ctx, prev, EventReactivate, reactivation{sub: prev, plan: plan})
	if err != nil {
		return CheckoutResult{}, err
	}
	if !plan.Available() {
		return CheckoutResult{}, ErrPlanUnavailable
	}

	charged := to == StatusActive && !plan.IsFree()
	if charged {
		if _, err := m.adapter(prev.Provider); err != nil {
			return CheckoutResult{}, err
		}
	}

	var (
		sub    Subscription
		before Subscription
		pay    *ledger.Payment
	)
	err = m.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		if sub, err = m.subs.GetForUpdate(ctx, prev.ID); err != nil {
			return err
		}
		if sub.Status != prev.Status || !sub.UpdatedAt.Equal(prev.UpdatedAt) {
			return ErrConcurrentChange
		}
		before = sub

		now := m.now().UTC()
		sub.Status = to
		sub.CurrentPeriodStart = now
		sub.CurrentPeriodEnd = plan.Interval.Advance(now)
		if to == StatusTrialing {
			end := plan.TrialEndsAt(now)
			sub.CurrentPeriodEnd = end
			sub.TrialEndsAt = &end
		}
		sub.CancelAtPeriodEnd = false
		sub.CanceledAt = nil
		sub.PendingPlanID = nil
		sub.UpdatedAt = now
		if err := m.subs.Update(ctx, sub); err != nil {
			return err
		}
		if charged {
			pay, err = m.recordPending(ctx, sub, plan.Currency, plan.Price, fmt.Sprintf("reactivation of %s", plan.Slug))
		}
		return err
	})
	if err != nil {
		return CheckoutResult{}, err
	}

	res := CheckoutResult{Subscription: sub}
	if pay != nil {
		if res, err = m.charge(ctx, sub, plan, *pay, restore(before), opts); err != nil {
			return CheckoutResult{}, err
		}
	}
	m.logTransition(ctx, res.Subscription, prev.Status, string(EventReactivate))
	return res, nil
}

// RecordManualPayment records a pending manual payment against a live
// subscription, typically an invoice settled outside any provider. Amount
// defaults to the plan price when zero.
func (m *Manager) RecordManualPayment(ctx context.Context, subscriptionID uuid.UUID, amount int64, notes string) (ledger.Payment, error) {
	if amount < 0 {
		return ledger.Payment{}, billing.NewFieldError("amount", "must not be negative")
	}
	var out ledger.Payment
	err := m.tx.WithinTx(ctx, func(ctx context.Context) error {
		sub, err := m.subs.GetForUpdate(ctx, subscriptionID)
		if err != nil {
			return err
		}
		if !sub.IsLive() {
			return &billing.InvalidTransitionError{
				Entity: "subscription",
				ID:     sub.ID.String(),
				From:   string(sub.Status),
				Event:  "record_payment",
			}
		}
		plan, err := m.plans.Get(ctx, sub.PlanID, true)
		if err != nil {
			return err
		}
		if amount == 0 {
			amount = plan.Price
		}
		id := uuid.New()
		out, err = m.ledger.Record(ctx, ledger.NewPayment{
			ID:                id,
			AccountID:         sub.AccountID,
			SubscriptionID:    &sub.ID,
			Provider:          billing.ProviderManual,
			ProviderReference: provider.ManualReference(id),
			Amount:            amount,
			Currency:          plan.Currency,
			Notes:             notes,
		})
		return err
	})
	return out, err
}
