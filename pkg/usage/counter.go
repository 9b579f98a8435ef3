package usage

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billing/pkg/audit"
	"github.com/dmitrymomot/billing/pkg/billing"
	"github.com/dmitrymomot/billing/pkg/logger"
)

// WindowUsage is the state of one quota window. Remaining is
// billing.Unlimited for windows without a ceiling.
type WindowUsage struct {
	Key       string    `json:"period_key"`
	Used      int64     `json:"used"`
	Limit     int64     `json:"limit"`
	Remaining int64     `json:"remaining"`
	ResetsAt  time.Time `json:"resets_at"`
}

func newWindowUsage(w Window, c Count) WindowUsage {
	u := WindowUsage{Key: w.Key, Used: c.Used, Limit: c.Limit, Remaining: billing.Unlimited, ResetsAt: w.End}
	if c.Limit != billing.Unlimited {
		u.Remaining = max(c.Limit-c.Used, 0)
	}
	return u
}

// Decision is the answer to Consume. The top-level figures describe the
// window that decided: the one that denied, or the tightest one.
type Decision struct {
	Allowed   bool         `json:"allowed"`
	Remaining int64        `json:"remaining"`
	Limit     int64        `json:"limit"`
	PeriodKey string       `json:"period_key"`
	Monthly   WindowUsage  `json:"monthly"`
	Daily     *WindowUsage `json:"daily,omitempty"`
}

// Usage is a read-only view of an account's counters.
type Usage struct {
	SubscriptionID uuid.UUID    `json:"subscription_id"`
	PeriodStart    time.Time    `json:"period_start"`
	PeriodEnd      time.Time    `json:"period_end"`
	Monthly        WindowUsage  `json:"monthly"`
	Daily          *WindowUsage `json:"daily,omitempty"`
}

// Counter deducts usage from the quota of the current billing period.
type Counter struct {
	store   Store
	periods PeriodResolver
	now     func() time.Time
	log     *slog.Logger
	audit   audit.Emitter
}

// CounterOption configures a Counter.
type CounterOption func(*Counter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) CounterOption {
	return func(c *Counter) { c.now = now }
}

// WithLogger sets the counter logger.
func WithLogger(log *slog.Logger) CounterOption {
	return func(c *Counter) { c.log = log }
}

// WithAudit sets the audit emitter used by Reset.
func WithAudit(em audit.Emitter) CounterOption {
	return func(c *Counter) { c.audit = em }
}

// NewCounter creates a Counter.
func NewCounter(store Store, periods PeriodResolver, opts ...CounterOption) *Counter {
	if store == nil {
		panic("usage: store is required")
	}
	if periods == nil {
		panic("usage: period resolver is required")
	}
	c := &Counter{store: store, periods: periods, now: time.Now, log: logger.Discard(), audit: audit.Nop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// windows returns the monthly window and, when the quota has one, the
// daily window of the period that contains now.
func (c *Counter) windows(ctx context.Context, accountID uuid.UUID) (Period, []Window, error) {
	p, err := c.periods.Period(ctx, accountID)
	if err != nil {
		return Period{}, nil, err
	}
	now := c.now().UTC()
	ws := []Window{p.MonthlyWindow(now)}
	if d, ok := p.DailyWindow(now); ok {
		ws = append(ws, d)
	}
	return p, ws, nil
}

// Consume deducts amount from the current period. A denial leaves every
// counter untouched and is returned both as a Decision and as a
// *billing.QuotaExceededError.
func (c *Counter) Consume(ctx context.Context, accountID uuid.UUID, amount int64) (Decision, error) {
	if amount <= 0 {
		return Decision{}, billing.NewFieldError("amount", "must be positive")
	}
	_, ws, err := c.windows(ctx, accountID)
	if err != nil {
		return Decision{}, err
	}

	out, err := c.store.Consume(ctx, accountID, ws, amount)
	if err != nil {
		return Decision{}, err
	}
	if out.Applied {
		return decide(true, ws, out.Counts, tightest(out.Counts)), nil
	}

	counts, err := c.store.Read(ctx, accountID, ws)
	if err != nil {
		return Decision{}, err
	}
	d := decide(false, ws, counts, out.Denied)
	c.log.DebugContext(ctx, "usage denied",
		logger.AccountID(accountID),
		slog.String("period_key", d.PeriodKey),
		slog.Int64("limit", d.Limit),
		slog.Int64("requested", amount),
	)
	return d, &billing.QuotaExceededError{
		PeriodKey: d.PeriodKey,
		Limit:     d.Limit,
		Used:      counts[out.Denied].Used,
		Requested: amount,
	}
}

// Snapshot returns the counters of the current period without consuming.
func (c *Counter) Snapshot(ctx context.Context, accountID uuid.UUID) (Usage, error) {
	p, ws, err := c.windows(ctx, accountID)
	if err != nil {
		return Usage{}, err
	}
	counts, err := c.store.Read(ctx, accountID, ws)
	if err != nil {
		return Usage{}, err
	}
	u := Usage{
		SubscriptionID: p.SubscriptionID,
		PeriodStart:    p.Start,
		PeriodEnd:      p.End,
		Monthly:        newWindowUsage(ws[0], counts[0]),
	}
	if len(ws) > 1 {
		daily := newWindowUsage(ws[1], counts[1])
		u.Daily = &daily
	}
	return u, nil
}

// Reset clears usage of the current period. Limits and keys stay.
func (c *Counter) Reset(ctx context.Context, accountID uuid.UUID) error {
	_, ws, err := c.windows(ctx, accountID)
	if err != nil {
		return err
	}
	if err := c.store.Reset(ctx, accountID, ws); err != nil {
		return err
	}

	c.log.InfoContext(ctx, "usage reset", logger.AccountID(accountID), slog.String("period_key", ws[0].Key))
	_ = c.audit.Log(ctx, audit.ActionUsageReset,
		audit.WithAccount(accountID.String()),
		audit.WithResource("usage", ws[0].Key),
	)
	return nil
}

// tightest returns the index of the limited window with the least room,
// or 0 when every window is unlimited.
func tightest(counts []Count) int {
	best, room := 0, int64(-1)
	for i, c := range counts {
		if c.Limit == billing.Unlimited {
			continue
		}
		if r := c.Limit - c.Used; room < 0 || r < room {
			best, room = i, r
		}
	}
	return best
}

func decide(allowed bool, ws []Window, counts []Count, pick int) Decision {
	d := Decision{Allowed: allowed, Monthly: newWindowUsage(ws[0], counts[0])}
	if len(ws) > 1 {
		daily := newWindowUsage(ws[1], counts[1])
		d.Daily = &daily
	}
	picked := newWindowUsage(ws[pick], counts[pick])
	d.PeriodKey, d.Limit, d.Remaining = picked.Key, picked.Limit, picked.Remaining
	return d
}
