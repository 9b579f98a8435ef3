package subscription

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/dmitrymomot/billing/pkg/billing"
	"github.com/dmitrymomot/billing/pkg/slug"
)

type planFile struct {
	Plans []planEntry `yaml:"plans"`
}

// planEntry uses pointers so absent keys can be told apart from zeros.
type planEntry struct {
	Slug           string            `yaml:"slug"`
	Name           string            `yaml:"name"`
	Description    string            `yaml:"description"`
	Price          int64             `yaml:"price"`
	Currency       string            `yaml:"currency"`
	Interval       string            `yaml:"interval"`
	Features       []string          `yaml:"features"`
	Quota          *quotaEntry       `yaml:"quota"`
	TrialDays      int               `yaml:"trial_days"`
	Active         *bool             `yaml:"active"`
	ProviderPrices map[string]string `yaml:"provider_prices"`
}

type quotaEntry struct {
	RequestsPerMonth *int64 `yaml:"requests_per_month"`
	RequestsPerDay   *int64 `yaml:"requests_per_day"`
}

// quota applies the defaulting rules: a missing quota block is
// billing.DefaultQuota, a missing monthly window grants nothing and a
// missing daily window adds no daily ceiling.
func (q *quotaEntry) quota() billing.Quota {
	out := billing.DefaultQuota()
	if q == nil {
		return out
	}
	if q.RequestsPerMonth != nil {
		out.RequestsPerMonth = *q.RequestsPerMonth
	}
	if q.RequestsPerDay != nil {
		out.RequestsPerDay = *q.RequestsPerDay
	}
	return out.Normalize()
}

// LoadPlansYAML parses a plan catalog:
//
//	plans:
//	  - name: Pro
//	    price: 1900
//	    currency: USD
//	    interval: monthly
//	    features: [export]
//	    quota: {requests_per_month: 5000, requests_per_day: 500}
//	    trial_days: 7
//	    provider_prices: {card: pri_01h...}
func LoadPlansYAML(r io.Reader) ([]NewPlan, error) {
	var f planFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Join(ErrInvalidPlanFile, err)
	}

	out := make([]NewPlan, 0, len(f.Plans))
	for i, e := range f.Plans {
		n := NewPlan{
			Slug:        e.Slug,
			Name:        e.Name,
			Description: e.Description,
			Price:       e.Price,
			Currency:    e.Currency,
			Interval:    billing.Interval(e.Interval),
			Features:    e.Features,
			Quota:       e.Quota.quota(),
			TrialDays:   e.TrialDays,
			Active:      e.Active == nil || *e.Active,
		}
		if n.Interval == "" {
			n.Interval = billing.IntervalMonthly
		}
		if len(e.ProviderPrices) > 0 {
			n.ProviderPrices = make(map[billing.Provider]string, len(e.ProviderPrices))
			for p, id := range e.ProviderPrices {
				n.ProviderPrices[billing.Provider(p)] = id
			}
		}
		if err := n.Validate(); err != nil {
			return nil, errors.Join(ErrInvalidPlanFile, fmt.Errorf("plan %d (%s): %w", i, e.Name, err))
		}
		out = append(out, n)
	}
	return out, nil
}

// LoadPlansFile is LoadPlansYAML for a file path.
func LoadPlansFile(path string) ([]NewPlan, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Join(ErrFailedToLoadPlans, err)
	}
	defer f.Close()
	return LoadPlansYAML(f)
}

// SeedReport summarizes a Seed run.
type SeedReport struct {
	Created []string
	Updated []string
}

// Seed creates missing plans and refreshes display metadata of existing
// ones. Plans are matched by explicit slug, or by the slug their name
// produces. Pricing of existing plans is never touched.
func Seed(ctx context.Context, c *Catalog, plans []NewPlan) (SeedReport, error) {
	var report SeedReport
	for _, n := range plans {
		key := n.Slug
		if key == "" {
			key = slug.Make(n.Name)
		}

		existing, err := c.plans.GetBySlug(ctx, key, true)
		switch {
		case errors.Is(err, ErrPlanNotFound):
			if n.Slug == "" {
				n.Slug = key
			}
			p, err := c.Create(ctx, n)
			if err != nil {
				return report, err
			}
			report.Created = append(report.Created, p.Slug)
		case err != nil:
			return report, err
		default:
			name, desc := n.Name, n.Description
			if _, err := c.UpdateDisplay(ctx, existing.ID, DisplayUpdate{
				Name:        &name,
				Description: &desc,
				Features:    n.Features,
			}); err != nil {
				return report, err
			}
			report.Updated = append(report.Updated, existing.Slug)
		}
	}
	return report, nil
}
