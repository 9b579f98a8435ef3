package billing

// Unlimited marks a quota window without a ceiling (-1 chosen for SQL compatibility).
const Unlimited int64 = -1

// Quota is the usage allowance granted by a plan.
type Quota struct {
	RequestsPerMonth int64 `json:"requests_per_month" yaml:"requests_per_month"`
	RequestsPerDay   int64 `json:"requests_per_day" yaml:"requests_per_day"`
}

// DefaultQuota is applied to plans that declare no limits at all:
// nothing per month and no separate daily ceiling.
func DefaultQuota() Quota {
	return Quota{RequestsPerMonth: 0, RequestsPerDay: Unlimited}
}

// Normalize maps any negative value to Unlimited.
func (q Quota) Normalize() Quota {
	if q.RequestsPerMonth < 0 {
		q.RequestsPerMonth = Unlimited
	}
	if q.RequestsPerDay < 0 {
		q.RequestsPerDay = Unlimited
	}
	return q
}

// HasDailyLimit reports whether a separate daily window applies.
func (q Quota) HasDailyLimit() bool {
	return q.RequestsPerDay != Unlimited
}
