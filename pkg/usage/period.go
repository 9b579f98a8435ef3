package usage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billing/pkg/billing"
)

// Period is the billing period usage is counted against.
type Period struct {
	SubscriptionID uuid.UUID
	Start          time.Time
	End            time.Time
	Quota          billing.Quota
}

// PeriodResolver returns the current period of an account. It fails with
// ErrNoActivePeriod when the account has no live subscription.
type PeriodResolver interface {
	Period(ctx context.Context, accountID uuid.UUID) (Period, error)
}

// PeriodResolverFunc adapts a function to PeriodResolver.
type PeriodResolverFunc func(ctx context.Context, accountID uuid.UUID) (Period, error)

func (f PeriodResolverFunc) Period(ctx context.Context, accountID uuid.UUID) (Period, error) {
	return f(ctx, accountID)
}

const keyLayout = "20060102T150405Z"

// Window is one quota window inside a period.
type Window struct {
	Key   string
	Start time.Time
	End   time.Time
	Limit int64
}

// MonthlyWindow returns the month-long window of p that contains now.
// Windows are anchored to the period start, so a new period (plan change,
// renewal) always opens a new key. Periods shorter than a month make a
// single window.
func (p Period) MonthlyWindow(now time.Time) Window {
	start := p.Start.UTC()
	for n := 1; ; n++ {
		next := p.Start.UTC().AddDate(0, n, 0)
		if next.After(now) || !next.Before(p.End) {
			break
		}
		start = next
	}
	end := start.AddDate(0, 1, 0)
	if end.After(p.End) {
		end = p.End.UTC()
	}
	return Window{
		Key:   "p" + start.Format(keyLayout),
		Start: start,
		End:   end,
		Limit: p.Quota.RequestsPerMonth,
	}
}

// DailyWindow returns the UTC day window inside the monthly window, or false
// when the quota has no daily ceiling.
func (p Period) DailyWindow(now time.Time) (Window, bool) {
	if !p.Quota.HasDailyLimit() {
		return Window{}, false
	}
	monthly := p.MonthlyWindow(now)
	day := now.UTC().Truncate(24 * time.Hour)
	return Window{
		Key:   monthly.Key + ":d" + day.Format("20060102"),
		Start: day,
		End:   day.Add(24 * time.Hour),
		Limit: p.Quota.RequestsPerDay,
	}, true
}
