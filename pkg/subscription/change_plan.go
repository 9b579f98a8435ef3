package subscription

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billing/pkg/audit"
	"github.com/dmitrymomot/billing/pkg/billing"
	"github.com/dmitrymomot/billing/pkg/ledger"
	"github.com/dmitrymomot/billing/pkg/logger"
)

// ChangeResult is the outcome of ChangePlan. Proration is nil for scheduled
// changes.
type ChangeResult struct {
	CheckoutResult
	Scheduled  bool
	Proration  *Proration
	Comparison PlanComparison
}

// ChangePlan moves the live subscription of an account to another plan.
//
// A scheduled change is applied at the next renewal. An immediate change
// starts a new period on the target plan now and charges the prorated
// difference; payments already recorded are never touched. A trialing
// subscription is not charged and keeps its trial end, but its usage
// window restarts on the target quota. A failed checkout puts the previous
// plan back.
func (m *Manager) ChangePlan(ctx context.Context, accountID, planID uuid.UUID, immediate bool, opts ...CheckoutOption) (ChangeResult, error) {
	prev, err := m.Live(ctx, accountID)
	if err != nil {
		return ChangeResult{}, err
	}
	current, err := m.plans.Get(ctx, prev.PlanID, true)
	if err != nil {
		return ChangeResult{}, err
	}
	target, err := m.plans.Get(ctx, planID, false)
	if err != nil {
		return ChangeResult{}, err
	}
	if !target.Available() {
		return ChangeResult{}, ErrPlanUnavailable
	}

	verr := billing.NewValidationError()
	if target.ID == current.ID {
		verr.Add("plan_id", "is the current plan")
	}
	if target.Currency != current.Currency {
		verr.Add("plan_id", "is billed in a different currency")
	}
	if !immediate && current.IsFree() && !target.IsFree() {
		verr.Add("immediate", "upgrade from a free plan must be immediate")
	}
	if err := verr.OrNil(); err != nil {
		return ChangeResult{}, err
	}
	if _, err := m.fire(ctx, prev, EventPlanChanged, prev); err != nil {
		return ChangeResult{}, err
	}

	res := ChangeResult{Scheduled: !immediate, Comparison: ComparePlans(current, target)}
	if !immediate {
		sub, err := m.lockUnchanged(ctx, prev, func(ctx context.Context, sub *Subscription) error {
			sub.PendingPlanID = &target.ID
			return nil
		})
		if err != nil {
			return ChangeResult{}, err
		}
		res.Subscription = sub
		m.logPlanChange(ctx, sub, current, target, audit.ActionSubscriptionSchedule)
		return res, nil
	}

	now := m.now().UTC()
	pr := Prorate(current.Price, target.Price, prev.CurrentPeriodStart, prev.CurrentPeriodEnd, now)
	trialing := prev.Status == StatusTrialing
	if trialing {
		pr = Proration{OldPrice: current.Price, NewPrice: target.Price}
	}
	res.Proration = &pr

	if pr.Charge > 0 {
		if _, err := m.adapter(prev.Provider); err != nil {
			return ChangeResult{}, err
		}
	}

	var (
		before Subscription
		pay    *ledger.Payment
	)
	err = m.tx.WithinTx(ctx, func(ctx context.Context) error {
		sub, err := m.lockUnchanged(ctx, prev, func(ctx context.Context, sub *Subscription) error {
			before = *sub
			sub.PlanID = target.ID
			sub.PendingPlanID = nil
			// A new period start opens a new usage window on the target
			// quota; a trial keeps its end.
			sub.CurrentPeriodStart = now
			if !trialing {
				sub.CurrentPeriodEnd = target.Interval.Advance(now)
			}
			return nil
		})
		if err != nil {
			return err
		}
		res.Subscription = sub
		if pr.Charge <= 0 {
			return nil
		}
		pay, err = m.recordPending(ctx, sub, target.Currency, pr.Charge, fmt.Sprintf("plan change from %s to %s", current.Slug, target.Slug))
		return err
	})
	if err != nil {
		return ChangeResult{}, err
	}
	if pay != nil {
		if res.CheckoutResult, err = m.charge(ctx, res.Subscription, target, *pay, restore(before), opts); err != nil {
			return ChangeResult{}, err
		}
	}
	m.logPlanChange(ctx, res.Subscription, current, target, audit.ActionSubscriptionPlan)
	return res, nil
}

// lockUnchanged locks prev, checks nobody changed it since it was read and
// saves the result of apply.
func (m *Manager) lockUnchanged(ctx context.Context, prev Subscription, apply func(ctx context.Context, sub *Subscription) error) (Subscription, error) {
	var out Subscription
	err := m.tx.WithinTx(ctx, func(ctx context.Context) error {
		sub, err := m.subs.GetForUpdate(ctx, prev.ID)
		if err != nil {
			return err
		}
		if sub.Status != prev.Status || !sub.UpdatedAt.Equal(prev.UpdatedAt) {
			return ErrConcurrentChange
		}
		if err := apply(ctx, &sub); err != nil {
			return err
		}
		sub.UpdatedAt = m.now().UTC()
		if err := m.subs.Update(ctx, sub); err != nil {
			return err
		}
		out = sub
		return nil
	})
	return out, err
}

func (m *Manager) logPlanChange(ctx context.Context, sub Subscription, from, to Plan, action string) {
	m.log.InfoContext(ctx, "subscription plan changed",
		logger.SubscriptionID(sub.ID),
		logger.AccountID(sub.AccountID),
		logger.Transition(from.Slug, to.Slug),
		slog.String("action", action),
	)
	billing.AfterCommit(ctx, func(ctx context.Context) {
		_ = m.audit.Log(ctx, action,
			audit.WithAccount(sub.AccountID.String()),
			audit.WithResource("subscription", sub.ID.String()),
			audit.WithMetadata("from_plan", from.Slug),
			audit.WithMetadata("to_plan", to.Slug),
		)
	})
}
