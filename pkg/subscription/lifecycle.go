package subscription

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billing/pkg/logger"
)

// ExpireAction is what Expire did to a subscription.
type ExpireAction string

const (
	ExpireNone     ExpireAction = "none"
	ExpireCanceled ExpireAction = "canceled"
	ExpireExpired  ExpireAction = "expired"
	ExpireRenewed  ExpireAction = "renewed"
)

// SweepReport counts what a Sweep run did.
type SweepReport struct {
	Canceled int `json:"canceled"`
	Expired  int `json:"expired"`
	Renewed  int `json:"renewed"`
	Errors   int `json:"errors"`
}

// Total is the number of subscriptions the sweep changed.
func (r SweepReport) Total() int {
	return r.Canceled + r.Expired + r.Renewed
}

// Cancel cancels the live subscription of an account. With atPeriodEnd the
// subscription stays live until its period ends.
func (m *Manager) Cancel(ctx context.Context, accountID uuid.UUID, atPeriodEnd bool) (Subscription, error) {
	sub, err := m.Live(ctx, accountID)
	if err != nil {
		return Subscription{}, err
	}
	return m.CancelSubscription(ctx, sub.ID, atPeriodEnd)
}

// CancelSubscription cancels a subscription by id.
func (m *Manager) CancelSubscription(ctx context.Context, id uuid.UUID, atPeriodEnd bool) (Subscription, error) {
	var (
		out  Subscription
		from Status
	)
	err := m.tx.WithinTx(ctx, func(ctx context.Context) error {
		sub, err := m.subs.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		to, err := m.fire(ctx, sub, EventCancel, sub)
		if err != nil {
			return err
		}

		now := m.now().UTC()
		from = sub.Status
		if atPeriodEnd {
			sub.CancelAtPeriodEnd = true
		} else {
			sub.Status = to
			sub.CanceledAt = &now
			sub.PendingPlanID = nil
		}
		sub.UpdatedAt = now
		if err := m.subs.Update(ctx, sub); err != nil {
			return err
		}
		out = sub
		return nil
	})
	if err != nil {
		return Subscription{}, err
	}

	if atPeriodEnd {
		m.log.InfoContext(ctx, "subscription set to cancel at period end",
			logger.SubscriptionID(out.ID),
			logger.AccountID(out.AccountID),
			slog.Time("period_end", out.CurrentPeriodEnd),
		)
	}
	m.logTransition(ctx, out, from, string(EventCancel))
	return out, nil
}

// Expire closes a live subscription whose period has ended. A pending
// cancellation makes it canceled, anything else makes it expired. Free
// recurring plans roll over to a new period instead. Subscriptions that are
// not live or not due are left alone.
func (m *Manager) Expire(ctx context.Context, id uuid.UUID) (Subscription, ExpireAction, error) {
	var (
		out    Subscription
		from   Status
		action = ExpireNone
	)
	err := m.tx.WithinTx(ctx, func(ctx context.Context) error {
		sub, err := m.subs.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		out = sub
		now := m.now().UTC()
		if !sub.IsLive() || !m.due(sub, now) {
			return nil
		}
		from = sub.Status

		switch {
		case sub.CancelAtPeriodEnd:
			if sub.Status, err = m.fire(ctx, sub, EventCancel, sub); err != nil {
				return err
			}
			sub.CanceledAt = &now
			sub.PendingPlanID = nil
			action = ExpireCanceled
		default:
			plan, err := m.plans.Get(ctx, sub.PlanID, true)
			if err != nil {
				return err
			}
			if next, ok := m.freeRollover(ctx, sub, plan); ok {
				sub.PlanID = next.ID
				sub.PendingPlanID = nil
				for !sub.CurrentPeriodEnd.After(now) {
					sub.CurrentPeriodStart = sub.CurrentPeriodEnd
					sub.CurrentPeriodEnd = next.Interval.Advance(sub.CurrentPeriodEnd)
				}
				action = ExpireRenewed
				break
			}
			if sub.Status, err = m.fire(ctx, sub, EventExpire, sub); err != nil {
				return err
			}
			sub.PendingPlanID = nil
			action = ExpireExpired
		}

		sub.UpdatedAt = now
		if err := m.subs.Update(ctx, sub); err != nil {
			return err
		}
		out = sub
		return nil
	})
	if err != nil {
		return Subscription{}, ExpireNone, err
	}

	switch action {
	case ExpireNone:
	case ExpireRenewed:
		m.log.InfoContext(ctx, "free subscription rolled over",
			logger.SubscriptionID(out.ID),
			logger.AccountID(out.AccountID),
			slog.Time("period_end", out.CurrentPeriodEnd),
		)
	default:
		m.logTransition(ctx, out, from, string(action))
	}
	return out, action, nil
}

// freeRollover returns the plan a free subscription continues on. Only free
// recurring plans roll over, and a scheduled change applies if it is free
// too.
func (m *Manager) freeRollover(ctx context.Context, sub Subscription, plan Plan) (Plan, bool) {
	if !plan.IsFree() || !plan.Interval.Recurring() || sub.Status != StatusActive {
		return Plan{}, false
	}
	if sub.PendingPlanID == nil {
		return plan, true
	}
	next, err := m.plans.Get(ctx, *sub.PendingPlanID, true)
	if err != nil || !next.IsFree() || !next.Interval.Recurring() {
		return plan, true
	}
	return next, true
}

// Sweep expires every live subscription whose period has ended. Failures
// are logged and counted; the sweep goes on with the next subscription.
func (m *Manager) Sweep(ctx context.Context) (SweepReport, error) {
	var rep SweepReport
	seen := make(map[uuid.UUID]struct{})
	for {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		ids, err := m.subs.ListDue(ctx, m.now().UTC().Add(-m.grace), m.sweepBatch)
		if err != nil {
			return rep, errors.Join(ErrFailedToLoad, err)
		}

		progressed := false
		for _, id := range ids {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			progressed = true

			_, action, err := m.Expire(ctx, id)
			if err != nil {
				rep.Errors++
				m.log.ErrorContext(ctx, "failed to expire subscription",
					logger.SubscriptionID(id),
					logger.Error(err),
				)
				continue
			}
			switch action {
			case ExpireCanceled:
				rep.Canceled++
			case ExpireExpired:
				rep.Expired++
			case ExpireRenewed:
				rep.Renewed++
			}
		}
		if !progressed || len(ids) < m.sweepBatch {
			break
		}
	}

	if rep.Total() > 0 || rep.Errors > 0 {
		m.log.InfoContext(ctx, "subscription sweep finished",
			slog.Int("canceled", rep.Canceled),
			slog.Int("expired", rep.Expired),
			slog.Int("renewed", rep.Renewed),
			slog.Int("errors", rep.Errors),
		)
	}
	return rep, nil
}
