package subscription

import (
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billing/pkg/billing"
	"github.com/dmitrymomot/billing/pkg/provider"
)

// Plan is a sellable offer. Price is in minor units of Currency.
type Plan struct {
	ID          uuid.UUID        `json:"id"`
	Slug        string           `json:"slug"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Price       int64            `json:"price"`
	Currency    string           `json:"currency"`
	Interval    billing.Interval `json:"interval"`
	Features    []string         `json:"features"`
	Quota       billing.Quota    `json:"quota"`
	TrialDays   int              `json:"trial_days"`
	Active      bool             `json:"active"`
	// ProviderPrices maps a provider to its catalog price id.
	ProviderPrices map[billing.Provider]string `json:"provider_prices,omitempty"`
	CreatedAt      time.Time                   `json:"created_at"`
	UpdatedAt      time.Time                   `json:"updated_at"`
	DeletedAt      *time.Time                  `json:"deleted_at,omitempty"`
}

// IsFree reports whether the plan costs nothing.
func (p Plan) IsFree() bool {
	return p.Price == 0
}

// HasTrial reports whether new subscribers start in a trial.
func (p Plan) HasTrial() bool {
	return p.TrialDays > 0
}

// TrialEndsAt calculates when a trial started at startedAt ends.
// Returns startedAt unchanged if no trial is available.
func (p Plan) TrialEndsAt(startedAt time.Time) time.Time {
	if p.TrialDays <= 0 {
		return startedAt
	}
	return startedAt.AddDate(0, 0, p.TrialDays).UTC()
}

// Available reports whether new subscriptions may use the plan.
func (p Plan) Available() bool {
	return p.Active && p.DeletedAt == nil
}

// HasFeature reports whether the plan includes feature.
func (p Plan) HasFeature(feature string) bool {
	return slices.Contains(p.Features, feature)
}

// Snapshot returns what provider p needs to bill the plan.
func (p Plan) Snapshot(prov billing.Provider) provider.PlanSnapshot {
	return provider.PlanSnapshot{
		ID:       p.ID,
		Slug:     p.Slug,
		Name:     p.Name,
		Interval: p.Interval,
		Price:    p.Price,
		PriceID:  p.ProviderPrices[prov],
	}
}

// NewPlan describes a plan to add to the catalog. Slug is derived from
// Name when empty.
type NewPlan struct {
	Slug           string
	Name           string
	Description    string
	Price          int64
	Currency       string
	Interval       billing.Interval
	Features       []string
	Quota          billing.Quota
	TrialDays      int
	Active         bool
	ProviderPrices map[billing.Provider]string
}

// Validate checks the plan definition.
func (n NewPlan) Validate() error {
	verr := billing.NewValidationError()
	if strings.TrimSpace(n.Name) == "" {
		verr.Add("name", "is required")
	}
	if n.Price < 0 {
		verr.Add("price", "must not be negative")
	}
	if len(n.Currency) != 3 || strings.ToUpper(n.Currency) != n.Currency {
		verr.Add("currency", "must be a three letter ISO code")
	}
	if !n.Interval.Valid() {
		verr.Add("interval", "must be monthly, yearly or one_time")
	}
	if n.TrialDays < 0 {
		verr.Add("trial_days", "must not be negative")
	}
	for p := range n.ProviderPrices {
		if !p.Valid() {
			verr.Add("provider_prices", "unknown provider "+string(p))
		}
	}
	return verr.OrNil()
}

// QuotaChange is a change of one quota window between two plans.
type QuotaChange struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

// PlanComparison contains the differences between two plans.
// Used to warn about downgrades before a change is applied.
type PlanComparison struct {
	NewFeatures  []string               `json:"new_features"`
	LostFeatures []string               `json:"lost_features"`
	Increased    map[string]QuotaChange `json:"increased"`
	Decreased    map[string]QuotaChange `json:"decreased"`
	PriceDelta   int64                  `json:"price_delta"`
}

// IsDowngrade reports whether any feature or quota is lost.
func (c PlanComparison) IsDowngrade() bool {
	return len(c.LostFeatures) > 0 || len(c.Decreased) > 0
}

// ComparePlans returns the differences between current and target plans.
func ComparePlans(current, target Plan) PlanComparison {
	c := PlanComparison{
		NewFeatures:  make([]string, 0),
		LostFeatures: make([]string, 0),
		Increased:    make(map[string]QuotaChange),
		Decreased:    make(map[string]QuotaChange),
		PriceDelta:   target.Price - current.Price,
	}

	for _, f := range target.Features {
		if !slices.Contains(current.Features, f) {
			c.NewFeatures = append(c.NewFeatures, f)
		}
	}
	for _, f := range current.Features {
		if !slices.Contains(target.Features, f) {
			c.LostFeatures = append(c.LostFeatures, f)
		}
	}

	compareQuota(c, "requests_per_month", current.Quota.RequestsPerMonth, target.Quota.RequestsPerMonth)
	compareQuota(c, "requests_per_day", current.Quota.RequestsPerDay, target.Quota.RequestsPerDay)
	return c
}

func compareQuota(c PlanComparison, window string, from, to int64) {
	if from == to {
		return
	}
	change := QuotaChange{From: from, To: to}
	// Unlimited to limited counts as a decrease.
	switch {
	case from == billing.Unlimited:
		c.Decreased[window] = change
	case to == billing.Unlimited, to > from:
		c.Increased[window] = change
	default:
		c.Decreased[window] = change
	}
}
