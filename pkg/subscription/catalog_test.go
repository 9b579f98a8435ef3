package subscription_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billing/pkg/billing"
	"github.com/dmitrymomot/billing/pkg/subscription"
)

func TestCatalog_Create(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("derives unique slugs", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		a := f.plan(t, subscription.NewPlan{Name: "Équipe Pro"})
		b := f.plan(t, subscription.NewPlan{Name: "Equipe pro"})
		assert.Equal(t, "equipe-pro", a.Slug)
		assert.Equal(t, "equipe-pro-2", b.Slug)
		assert.Equal(t, []string{}, a.Features)
	})

	t.Run("explicit slug must be free and canonical", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.plan(t, subscription.NewPlan{Name: "Team", Slug: "team"})

		_, err := f.catalog.Create(ctx, subscription.NewPlan{Name: "Team 2", Slug: "team", Currency: "USD", Interval: billing.IntervalMonthly})
		assert.ErrorIs(t, err, subscription.ErrSlugTaken)

		_, err = f.catalog.Create(ctx, subscription.NewPlan{Name: "Team 3", Slug: "Team 3", Currency: "USD", Interval: billing.IntervalMonthly})
		verr, ok := billing.AsValidationError(err)
		require.True(t, ok)
		assert.True(t, verr.Has("slug"))
	})

	t.Run("validation", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		_, err := f.catalog.Create(ctx, subscription.NewPlan{Price: -1, Currency: "usd", Interval: "weekly", TrialDays: -3})
		verr, ok := billing.AsValidationError(err)
		require.True(t, ok)
		for _, field := range []string{"name", "price", "currency", "interval", "trial_days"} {
			assert.True(t, verr.Has(field), field)
		}
	})
}

func TestCatalog_UpdatePricingInUse(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	plan := f.plan(t, subscription.NewPlan{Name: "Pro", Price: 1900})
	accountID := uuid.New()

	price := int64(2900)
	updated, err := f.catalog.UpdatePricing(ctx, plan.ID, subscription.PricingUpdate{Price: &price})
	require.NoError(t, err)
	assert.Equal(t, price, updated.Price)

	_, err = f.mgr.Subscribe(ctx, accountID, plan.ID, billing.ProviderManual)
	require.NoError(t, err)

	price = 3900
	_, err = f.catalog.UpdatePricing(ctx, plan.ID, subscription.PricingUpdate{Price: &price})
	assert.ErrorIs(t, err, subscription.ErrPlanInUse)

	name := "Pro (2025)"
	updated, err = f.catalog.UpdateDisplay(ctx, plan.ID, subscription.DisplayUpdate{Name: &name, Features: []string{"api"}})
	require.NoError(t, err)
	assert.Equal(t, name, updated.Name)
	assert.Equal(t, int64(2900), updated.Price)
	assert.True(t, updated.HasFeature("api"))
}

func TestCatalog_SoftDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	plan := f.plan(t, subscription.NewPlan{Name: "Legacy"})

	deleted, err := f.catalog.SoftDelete(ctx, plan.ID)
	require.NoError(t, err)
	require.NotNil(t, deleted.DeletedAt)
	assert.False(t, deleted.Available())

	again, err := f.catalog.SoftDelete(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, deleted.DeletedAt, again.DeletedAt)

	_, err = f.catalog.Get(ctx, plan.ID)
	assert.ErrorIs(t, err, subscription.ErrPlanNotFound)

	visible, err := f.catalog.List(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, visible)
	all, err := f.catalog.List(ctx, true)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	// Slugs of deleted plans are never reused.
	other := f.plan(t, subscription.NewPlan{Name: "Legacy"})
	assert.Equal(t, "legacy-2", other.Slug)

	restored, err := f.catalog.Restore(ctx, plan.ID)
	require.NoError(t, err)
	assert.Nil(t, restored.DeletedAt)
	assert.True(t, restored.Available())
}
