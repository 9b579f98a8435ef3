package billing

import "time"

// Interval is the billing frequency of a plan.
type Interval string

const (
	IntervalMonthly Interval = "monthly"
	IntervalYearly  Interval = "yearly"
	IntervalOneTime Interval = "one_time"
)

// Valid reports whether i is a supported interval.
func (i Interval) Valid() bool {
	switch i {
	case IntervalMonthly, IntervalYearly, IntervalOneTime:
		return true
	}
	return false
}

// Advance returns the end of a billing period that starts at t.
// One-time purchases cover a single month and are never renewed.
func (i Interval) Advance(t time.Time) time.Time {
	switch i {
	case IntervalYearly:
		return t.AddDate(1, 0, 0)
	default:
		return t.AddDate(0, 1, 0)
	}
}

// Recurring reports whether the provider is expected to charge again at
// the end of each period.
func (i Interval) Recurring() bool {
	return i == IntervalMonthly || i == IntervalYearly
}
