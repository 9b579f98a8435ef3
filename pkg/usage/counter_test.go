package usage_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billing/pkg/audit"
	"github.com/dmitrymomot/billing/pkg/billing"
	"github.com/dmitrymomot/billing/pkg/usage"
)

var periodStart = time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)

func fixedPeriod(quota billing.Quota) usage.PeriodResolver {
	subID := uuid.New()
	return usage.PeriodResolverFunc(func(context.Context, uuid.UUID) (usage.Period, error) {
		return usage.Period{SubscriptionID: subID, Start: periodStart, End: periodStart.AddDate(0, 1, 0), Quota: quota}, nil
	})
}

func newCounter(t *testing.T, quota billing.Quota, now time.Time, opts ...usage.CounterOption) *usage.Counter {
	t.Helper()
	opts = append([]usage.CounterOption{usage.WithClock(func() time.Time { return now })}, opts...)
	return usage.NewCounter(usage.NewMemoryStore(), fixedPeriod(quota), opts...)
}

func TestCounter_Consume(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := periodStart.Add(36 * time.Hour)

	t.Run("within quota", func(t *testing.T) {
		t.Parallel()
		c := newCounter(t, billing.Quota{RequestsPerMonth: 10, RequestsPerDay: billing.Unlimited}, now)
		accountID := uuid.New()

		d, err := c.Consume(ctx, accountID, 4)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, int64(6), d.Remaining)
		assert.Equal(t, int64(10), d.Limit)
		assert.Equal(t, "p20250401T000000Z", d.PeriodKey)
		assert.Nil(t, d.Daily)
	})

	t.Run("denied beyond quota", func(t *testing.T) {
		t.Parallel()
		c := newCounter(t, billing.Quota{RequestsPerMonth: 5, RequestsPerDay: billing.Unlimited}, now)
		accountID := uuid.New()

		_, err := c.Consume(ctx, accountID, 5)
		require.NoError(t, err)

		d, err := c.Consume(ctx, accountID, 1)
		assert.False(t, d.Allowed)
		assert.Zero(t, d.Remaining)
		var qe *billing.QuotaExceededError
		require.ErrorAs(t, err, &qe)
		assert.Equal(t, int64(5), qe.Limit)
		assert.Equal(t, int64(5), qe.Used)
		assert.Equal(t, int64(1), qe.Requested)
		assert.Equal(t, d.PeriodKey, qe.PeriodKey)
	})

	t.Run("daily ceiling binds first", func(t *testing.T) {
		t.Parallel()
		c := newCounter(t, billing.Quota{RequestsPerMonth: 100, RequestsPerDay: 2}, now)
		accountID := uuid.New()

		d, err := c.Consume(ctx, accountID, 2)
		require.NoError(t, err)
		require.NotNil(t, d.Daily)
		assert.Equal(t, "p20250401T000000Z:d20250402", d.PeriodKey)
		assert.Zero(t, d.Remaining)
		assert.Equal(t, int64(98), d.Monthly.Remaining)

		d, err = c.Consume(ctx, accountID, 1)
		assert.True(t, billing.IsQuotaExceeded(err))
		assert.Equal(t, d.Daily.Key, d.PeriodKey)

		snap, err := c.Snapshot(ctx, accountID)
		require.NoError(t, err)
		assert.Equal(t, int64(2), snap.Monthly.Used)
		assert.Equal(t, int64(2), snap.Daily.Used)
	})

	t.Run("zero quota grants nothing", func(t *testing.T) {
		t.Parallel()
		c := newCounter(t, billing.DefaultQuota(), now)
		_, err := c.Consume(ctx, uuid.New(), 1)
		assert.True(t, billing.IsQuotaExceeded(err))
	})

	t.Run("unlimited", func(t *testing.T) {
		t.Parallel()
		c := newCounter(t, billing.Quota{RequestsPerMonth: billing.Unlimited, RequestsPerDay: billing.Unlimited}, now)
		d, err := c.Consume(ctx, uuid.New(), 1_000)
		require.NoError(t, err)
		assert.Equal(t, billing.Unlimited, d.Remaining)
		assert.Equal(t, billing.Unlimited, d.Limit)
	})

	t.Run("amount must be positive", func(t *testing.T) {
		t.Parallel()
		c := newCounter(t, billing.DefaultQuota(), now)
		_, err := c.Consume(ctx, uuid.New(), 0)
		assert.True(t, billing.IsValidationError(err))
	})

	t.Run("no active period", func(t *testing.T) {
		t.Parallel()
		none := usage.PeriodResolverFunc(func(context.Context, uuid.UUID) (usage.Period, error) {
			return usage.Period{}, errors.Join(usage.ErrNoActivePeriod, errors.New("no subscription"))
		})
		c := usage.NewCounter(usage.NewMemoryStore(), none)
		_, err := c.Consume(ctx, uuid.New(), 1)
		assert.ErrorIs(t, err, usage.ErrNoActivePeriod)
	})
}

func TestCounter_ConsumeConcurrent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping concurrency test in short mode")
	}
	t.Parallel()

	const (
		limit   = 50
		callers = 200
	)
	c := newCounter(t, billing.Quota{RequestsPerMonth: limit, RequestsPerDay: billing.Unlimited}, periodStart.Add(time.Hour))
	accountID := uuid.New()

	var (
		wg      sync.WaitGroup
		allowed atomic.Int64
		denied  atomic.Int64
	)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := c.Consume(context.Background(), accountID, 1)
			switch {
			case err == nil && d.Allowed:
				allowed.Add(1)
			case billing.IsQuotaExceeded(err):
				denied.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(limit), allowed.Load())
	assert.Equal(t, int64(callers-limit), denied.Load())

	snap, err := c.Snapshot(context.Background(), accountID)
	require.NoError(t, err)
	assert.Equal(t, int64(limit), snap.Monthly.Used)
}

func TestCounter_Reset(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sink := audit.NewMemorySink()
	c := newCounter(t, billing.Quota{RequestsPerMonth: 3, RequestsPerDay: billing.Unlimited}, periodStart.Add(time.Hour),
		usage.WithAudit(audit.NewEmitter(sink)))
	accountID := uuid.New()

	_, err := c.Consume(ctx, accountID, 3)
	require.NoError(t, err)
	require.NoError(t, c.Reset(ctx, accountID))

	snap, err := c.Snapshot(ctx, accountID)
	require.NoError(t, err)
	assert.Zero(t, snap.Monthly.Used)
	assert.Equal(t, int64(3), snap.Monthly.Limit)
	assert.Equal(t, []string{audit.ActionUsageReset}, sink.Actions())

	d, err := c.Consume(ctx, accountID, 3)
	require.NoError(t, err)
	assert.Zero(t, d.Remaining)
}
