package subscription

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billing/pkg/billing"
	"github.com/dmitrymomot/billing/pkg/logger"
	"github.com/dmitrymomot/billing/pkg/slug"
)

// Catalog manages plans.
type Catalog struct {
	plans PlanStore
	subs  Store
	tx    billing.Transactor
	now   func() time.Time
	log   *slog.Logger
}

// CatalogOption configures a Catalog.
type CatalogOption func(*Catalog)

// WithCatalogClock overrides the time source.
func WithCatalogClock(now func() time.Time) CatalogOption {
	return func(c *Catalog) { c.now = now }
}

// WithCatalogLogger sets the catalog logger.
func WithCatalogLogger(log *slog.Logger) CatalogOption {
	return func(c *Catalog) { c.log = log }
}

// NewCatalog creates a Catalog. subs is used to detect plans in use.
func NewCatalog(plans PlanStore, subs Store, tx billing.Transactor, opts ...CatalogOption) *Catalog {
	if plans == nil {
		panic("subscription: plan store is required")
	}
	if subs == nil {
		panic("subscription: subscription store is required")
	}
	if tx == nil {
		panic("subscription: transactor is required")
	}
	c := &Catalog{plans: plans, subs: subs, tx: tx, now: time.Now, log: logger.Discard()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Create adds a plan. A slug derived from the name gets a numeric suffix
// when taken; an explicit slug must be free.
func (c *Catalog) Create(ctx context.Context, n NewPlan) (Plan, error) {
	if err := n.Validate(); err != nil {
		return Plan{}, err
	}

	var out Plan
	err := c.tx.WithinTx(ctx, func(ctx context.Context) error {
		s, err := c.slugFor(ctx, n)
		if err != nil {
			return err
		}
		now := c.now().UTC()
		p := Plan{
			ID:             uuid.New(),
			Slug:           s,
			Name:           n.Name,
			Description:    n.Description,
			Price:          n.Price,
			Currency:       n.Currency,
			Interval:       n.Interval,
			Features:       slices.Clone(n.Features),
			Quota:          n.Quota.Normalize(),
			TrialDays:      n.TrialDays,
			Active:         n.Active,
			ProviderPrices: n.ProviderPrices,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if p.Features == nil {
			p.Features = []string{}
		}
		if err := c.plans.Create(ctx, p); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return Plan{}, err
	}

	c.log.InfoContext(ctx, "plan created", slog.String("plan_id", out.ID.String()), slog.String("slug", out.Slug))
	return out, nil
}

func (c *Catalog) slugFor(ctx context.Context, n NewPlan) (string, error) {
	if n.Slug == "" {
		s, err := slug.Unique(ctx, n.Name, c.plans.SlugExists)
		if err != nil {
			if errors.Is(err, slug.ErrEmptySlug) {
				return "", billing.NewFieldError("name", "must contain letters or digits")
			}
			return "", errors.Join(ErrFailedToCreatePlan, err)
		}
		return s, nil
	}

	if slug.Make(n.Slug) != n.Slug {
		return "", billing.NewFieldError("slug", "must be lowercase letters, digits and dashes")
	}
	taken, err := c.plans.SlugExists(ctx, n.Slug)
	if err != nil {
		return "", err
	}
	if taken {
		return "", ErrSlugTaken
	}
	return n.Slug, nil
}

// Get returns a plan that is not soft-deleted.
func (c *Catalog) Get(ctx context.Context, id uuid.UUID) (Plan, error) {
	return c.plans.Get(ctx, id, false)
}

// GetBySlug returns a plan that is not soft-deleted.
func (c *Catalog) GetBySlug(ctx context.Context, s string) (Plan, error) {
	return c.plans.GetBySlug(ctx, s, false)
}

// List returns plans, optionally including soft-deleted ones.
func (c *Catalog) List(ctx context.Context, includeDeleted bool) ([]Plan, error) {
	return c.plans.List(ctx, includeDeleted)
}

// DisplayUpdate changes plan copy. Nil fields are left untouched.
type DisplayUpdate struct {
	Name        *string
	Description *string
	Features    []string
}

// UpdateDisplay changes display metadata. Allowed at any time.
func (c *Catalog) UpdateDisplay(ctx context.Context, id uuid.UUID, upd DisplayUpdate) (Plan, error) {
	if upd.Name != nil && *upd.Name == "" {
		return Plan{}, billing.NewFieldError("name", "must not be empty")
	}
	return c.mutate(ctx, id, true, func(p *Plan) error {
		if upd.Name != nil {
			p.Name = *upd.Name
		}
		if upd.Description != nil {
			p.Description = *upd.Description
		}
		if upd.Features != nil {
			p.Features = slices.Clone(upd.Features)
		}
		return nil
	})
}

// PricingUpdate changes what a plan sells. Nil fields are left untouched.
type PricingUpdate struct {
	Price          *int64
	Currency       *string
	Interval       *billing.Interval
	Quota          *billing.Quota
	TrialDays      *int
	ProviderPrices map[billing.Provider]string
}

// UpdatePricing changes price, quota or trial terms. Fails with
// ErrPlanInUse once a live subscription references the plan.
func (c *Catalog) UpdatePricing(ctx context.Context, id uuid.UUID, upd PricingUpdate) (Plan, error) {
	return c.mutate(ctx, id, false, func(p *Plan) error {
		inUse, err := c.subs.CountLiveByPlan(ctx, p.ID)
		if err != nil {
			return err
		}
		if inUse > 0 {
			return ErrPlanInUse
		}

		n := NewPlan{
			Name:           p.Name,
			Price:          p.Price,
			Currency:       p.Currency,
			Interval:       p.Interval,
			Quota:          p.Quota,
			TrialDays:      p.TrialDays,
			ProviderPrices: p.ProviderPrices,
		}
		if upd.Price != nil {
			n.Price = *upd.Price
		}
		if upd.Currency != nil {
			n.Currency = *upd.Currency
		}
		if upd.Interval != nil {
			n.Interval = *upd.Interval
		}
		if upd.Quota != nil {
			n.Quota = upd.Quota.Normalize()
		}
		if upd.TrialDays != nil {
			n.TrialDays = *upd.TrialDays
		}
		if upd.ProviderPrices != nil {
			n.ProviderPrices = upd.ProviderPrices
		}
		if err := n.Validate(); err != nil {
			return err
		}

		p.Price, p.Currency, p.Interval = n.Price, n.Currency, n.Interval
		p.Quota, p.TrialDays, p.ProviderPrices = n.Quota, n.TrialDays, n.ProviderPrices
		return nil
	})
}

// SetActive toggles whether new subscriptions may choose the plan.
// Existing subscriptions are not affected.
func (c *Catalog) SetActive(ctx context.Context, id uuid.UUID, active bool) (Plan, error) {
	return c.mutate(ctx, id, false, func(p *Plan) error {
		p.Active = active
		return nil
	})
}

// SoftDelete tombstones a plan. Subscriptions already on it keep working.
func (c *Catalog) SoftDelete(ctx context.Context, id uuid.UUID) (Plan, error) {
	return c.mutate(ctx, id, true, func(p *Plan) error {
		if p.DeletedAt == nil {
			now := c.now().UTC()
			p.DeletedAt = &now
		}
		return nil
	})
}

// Restore clears a tombstone.
func (c *Catalog) Restore(ctx context.Context, id uuid.UUID) (Plan, error) {
	return c.mutate(ctx, id, true, func(p *Plan) error {
		p.DeletedAt = nil
		return nil
	})
}

func (c *Catalog) mutate(ctx context.Context, id uuid.UUID, includeDeleted bool, apply func(*Plan) error) (Plan, error) {
	var out Plan
	err := c.tx.WithinTx(ctx, func(ctx context.Context) error {
		p, err := c.plans.Get(ctx, id, includeDeleted)
		if err != nil {
			return err
		}
		if err := apply(&p); err != nil {
			return err
		}
		p.UpdatedAt = c.now().UTC()
		if err := c.plans.Update(ctx, p); err != nil {
			return err
		}
		out = p
		return nil
	})
	return out, err
}
