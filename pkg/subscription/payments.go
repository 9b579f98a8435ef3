package subscription

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billing/pkg/billing"
	"github.com/dmitrymomot/billing/pkg/ledger"
	"github.com/dmitrymomot/billing/pkg/logger"
)

// PaymentResult pairs a payment with the subscription it settled. The
// subscription is nil for payments that belong to none.
type PaymentResult struct {
	Payment      ledger.Payment `json:"payment"`
	Subscription *Subscription  `json:"subscription,omitempty"`
}

// Charge describes a payment the provider collected on its own schedule,
// such as a recurring card charge.
type Charge struct {
	Provider  billing.Provider
	Reference string
	// Amount defaults to the plan price when nil.
	Amount   *int64
	Currency string
	PaidAt   time.Time
	Reason   string
}

// ConfirmPayment marks a pending payment as paid. A trialing or past due
// subscription becomes active and its period is extended by one interval;
// an active one is left as is. The payment of a canceled or expired
// subscription is still marked paid, since the money was collected, but
// the subscription stays closed; reopening it is an explicit Reactivate.
func (m *Manager) ConfirmPayment(ctx context.Context, paymentID uuid.UUID, paidAt time.Time) (PaymentResult, error) {
	return m.settle(ctx, paymentID, EventPaymentConfirmed, func(ctx context.Context, p ledger.Payment, sub *Subscription, plan Plan) (ledger.Payment, error) {
		if sub != nil && (sub.Status == StatusTrialing || sub.Status == StatusPastDue) {
			sub.CurrentPeriodEnd = plan.Interval.Advance(sub.CurrentPeriodEnd)
		}
		return m.ledger.Confirm(ctx, p.ID, paidAt)
	})
}

// FailPayment marks a pending payment as failed and moves a live
// subscription to past due. Closed subscriptions are left as they are.
func (m *Manager) FailPayment(ctx context.Context, paymentID uuid.UUID, reason string) (PaymentResult, error) {
	return m.settle(ctx, paymentID, EventPaymentFailed, func(ctx context.Context, p ledger.Payment, _ *Subscription, _ Plan) (ledger.Payment, error) {
		return m.ledger.MarkFailed(ctx, p.ID, reason)
	})
}

// RefundPayment marks a paid payment as refunded. The subscription keeps
// its status; revoking access is an explicit cancel.
func (m *Manager) RefundPayment(ctx context.Context, paymentID uuid.UUID, reason string) (PaymentResult, error) {
	p, err := m.ledger.Refund(ctx, paymentID, reason)
	if err != nil {
		return PaymentResult{}, err
	}
	res := PaymentResult{Payment: p}
	if p.SubscriptionID != nil {
		sub, err := m.subs.Get(ctx, *p.SubscriptionID)
		if err != nil {
			return PaymentResult{}, err
		}
		res.Subscription = &sub
	}
	return res, nil
}

type settleFunc func(ctx context.Context, p ledger.Payment, sub *Subscription, plan Plan) (ledger.Payment, error)

// settle locks the subscription before the payment, the order every
// operation touching both follows. The payment transition is always
// applied; the subscription event only fires while the subscription is
// live.
func (m *Manager) settle(ctx context.Context, paymentID uuid.UUID, event Event, apply settleFunc) (PaymentResult, error) {
	var (
		res    PaymentResult
		from   Status
		closed bool
	)
	err := m.tx.WithinTx(ctx, func(ctx context.Context) error {
		p, err := m.ledger.Get(ctx, paymentID)
		if err != nil {
			return err
		}
		if p.SubscriptionID == nil {
			res.Payment, err = apply(ctx, p, nil, Plan{})
			return err
		}

		sub, err := m.subs.GetForUpdate(ctx, *p.SubscriptionID)
		if err != nil {
			return err
		}
		if !sub.IsLive() {
			closed = true
			if res.Payment, err = apply(ctx, p, nil, Plan{}); err != nil {
				return err
			}
			res.Subscription = &sub
			return nil
		}

		to, err := m.fire(ctx, sub, event, sub)
		if err != nil {
			return err
		}
		plan, err := m.plans.Get(ctx, sub.PlanID, true)
		if err != nil {
			return err
		}

		from = sub.Status
		if res.Payment, err = apply(ctx, p, &sub, plan); err != nil {
			return err
		}
		sub.Status = to
		sub.UpdatedAt = m.now().UTC()
		if err := m.subs.Update(ctx, sub); err != nil {
			return err
		}
		res.Subscription = &sub
		return nil
	})
	if err != nil {
		return PaymentResult{}, err
	}
	switch {
	case closed:
		m.log.WarnContext(ctx, "payment settled for a closed subscription",
			logger.PaymentID(res.Payment.ID),
			logger.SubscriptionID(res.Subscription.ID),
			slog.String("status", string(res.Subscription.Status)),
			slog.String("payment_status", string(res.Payment.Status)),
		)
	case res.Subscription != nil:
		m.logTransition(ctx, *res.Subscription, from, string(event))
	}
	return res, nil
}

// Renew records a charge the provider collected for the next period and
// rolls the period forward. A scheduled plan change takes effect here.
func (m *Manager) Renew(ctx context.Context, subscriptionID uuid.UUID, c Charge) (PaymentResult, error) {
	var (
		res  PaymentResult
		from Status
	)
	err := m.tx.WithinTx(ctx, func(ctx context.Context) error {
		sub, err := m.subs.GetForUpdate(ctx, subscriptionID)
		if err != nil {
			return err
		}
		plan, err := m.plans.Get(ctx, sub.PlanID, true)
		if err != nil {
			return err
		}
		if !plan.Interval.Recurring() {
			return ErrNotRenewable
		}
		to, err := m.fire(ctx, sub, EventPaymentConfirmed, sub)
		if err != nil {
			return err
		}

		now := m.now().UTC()
		paidAt := c.PaidAt
		if paidAt.IsZero() {
			paidAt = now
		}
		paidAt = paidAt.UTC()

		next := plan
		if sub.PendingPlanID != nil {
			if next, err = m.plans.Get(ctx, *sub.PendingPlanID, true); err != nil {
				return err
			}
		}
		p, err := m.ledger.Record(ctx, m.chargePayment(sub, next, c, ledger.StatusPaid, &paidAt))
		if err != nil {
			return err
		}

		from = sub.Status
		sub.Status = to
		sub.PlanID = next.ID
		sub.PendingPlanID = nil
		sub.CurrentPeriodStart = sub.CurrentPeriodEnd
		sub.CurrentPeriodEnd = next.Interval.Advance(sub.CurrentPeriodEnd)
		for !sub.CurrentPeriodEnd.After(now) {
			sub.CurrentPeriodStart = sub.CurrentPeriodEnd
			sub.CurrentPeriodEnd = next.Interval.Advance(sub.CurrentPeriodEnd)
		}
		sub.UpdatedAt = now
		if err := m.subs.Update(ctx, sub); err != nil {
			return err
		}
		res = PaymentResult{Payment: p, Subscription: &sub}
		return nil
	})
	if err != nil {
		return PaymentResult{}, err
	}
	m.logTransition(ctx, *res.Subscription, from, "renewal")
	return res, nil
}

// FailRenewal records a failed recurring charge and moves the subscription
// to past due.
func (m *Manager) FailRenewal(ctx context.Context, subscriptionID uuid.UUID, c Charge) (PaymentResult, error) {
	var (
		res  PaymentResult
		from Status
	)
	err := m.tx.WithinTx(ctx, func(ctx context.Context) error {
		sub, err := m.subs.GetForUpdate(ctx, subscriptionID)
		if err != nil {
			return err
		}
		to, err := m.fire(ctx, sub, EventPaymentFailed, sub)
		if err != nil {
			return err
		}
		plan, err := m.plans.Get(ctx, sub.PlanID, true)
		if err != nil {
			return err
		}
		p, err := m.ledger.Record(ctx, m.chargePayment(sub, plan, c, ledger.StatusPending, nil))
		if err != nil {
			return err
		}
		if p, err = m.ledger.MarkFailed(ctx, p.ID, c.Reason); err != nil {
			return err
		}

		from = sub.Status
		sub.Status = to
		sub.UpdatedAt = m.now().UTC()
		if err := m.subs.Update(ctx, sub); err != nil {
			return err
		}
		res = PaymentResult{Payment: p, Subscription: &sub}
		return nil
	})
	if err != nil {
		return PaymentResult{}, err
	}
	m.logTransition(ctx, *res.Subscription, from, "renewal_failed")
	return res, nil
}

func (m *Manager) chargePayment(sub Subscription, plan Plan, c Charge, status ledger.Status, paidAt *time.Time) ledger.NewPayment {
	amount := plan.Price
	if c.Amount != nil {
		amount = *c.Amount
	}
	currency := strings.ToUpper(c.Currency)
	if currency == "" {
		currency = plan.Currency
	}
	prov := c.Provider
	if prov == "" {
		prov = sub.Provider
	}
	notes := "renewal"
	if status == ledger.StatusPaid && c.Reason != "" {
		notes = c.Reason
	}
	return ledger.NewPayment{
		AccountID:         sub.AccountID,
		SubscriptionID:    &sub.ID,
		Provider:          prov,
		ProviderReference: c.Reference,
		Amount:            amount,
		Currency:          currency,
		Status:            status,
		Notes:             notes,
		PaidAt:            paidAt,
	}
}
