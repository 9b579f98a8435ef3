package usage_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billing/pkg/billing"
	"github.com/dmitrymomot/billing/pkg/logger"
	"github.com/dmitrymomot/billing/pkg/pg"
	"github.com/dmitrymomot/billing/pkg/usage"
)

// testStore checks the contract every Store implementation must honor.
func testStore(t *testing.T, store usage.Store) {
	t.Helper()
	ctx := context.Background()
	end := time.Now().Add(24 * time.Hour)
	suffix := uuid.NewString()[:8]
	monthly := usage.Window{Key: "pmonth-" + suffix, End: end, Limit: 10}
	daily := usage.Window{Key: "pmonth-" + suffix + ":dday", End: end, Limit: 3}
	open := usage.Window{Key: "popen-" + suffix, End: end, Limit: billing.Unlimited}

	t.Run("consume all windows", func(t *testing.T) {
		accountID := uuid.New()
		out, err := store.Consume(ctx, accountID, []usage.Window{monthly, daily}, 2)
		require.NoError(t, err)
		assert.True(t, out.Applied)
		assert.Equal(t, -1, out.Denied)
		assert.Equal(t, []usage.Count{{Used: 2, Limit: 10}, {Used: 2, Limit: 3}}, out.Counts)
	})

	t.Run("denial leaves every window untouched", func(t *testing.T) {
		accountID := uuid.New()
		_, err := store.Consume(ctx, accountID, []usage.Window{monthly, daily}, 3)
		require.NoError(t, err)

		out, err := store.Consume(ctx, accountID, []usage.Window{monthly, daily}, 1)
		require.NoError(t, err)
		assert.False(t, out.Applied)
		assert.Equal(t, 1, out.Denied)

		counts, err := store.Read(ctx, accountID, []usage.Window{monthly, daily})
		require.NoError(t, err)
		assert.Equal(t, []usage.Count{{Used: 3, Limit: 10}, {Used: 3, Limit: 3}}, counts)
	})

	t.Run("limit is snapshotted on creation", func(t *testing.T) {
		accountID := uuid.New()
		_, err := store.Consume(ctx, accountID, []usage.Window{monthly}, 1)
		require.NoError(t, err)

		raised := monthly
		raised.Limit = 100
		out, err := store.Consume(ctx, accountID, []usage.Window{raised}, 1)
		require.NoError(t, err)
		assert.Equal(t, int64(10), out.Counts[0].Limit)
	})

	t.Run("unlimited", func(t *testing.T) {
		accountID := uuid.New()
		out, err := store.Consume(ctx, accountID, []usage.Window{open}, 1_000_000)
		require.NoError(t, err)
		assert.True(t, out.Applied)
		assert.Equal(t, int64(1_000_000), out.Counts[0].Used)
	})

	t.Run("read missing counter", func(t *testing.T) {
		counts, err := store.Read(ctx, uuid.New(), []usage.Window{monthly})
		require.NoError(t, err)
		assert.Equal(t, []usage.Count{{Used: 0, Limit: 10}}, counts)
	})

	t.Run("reset keeps the limit", func(t *testing.T) {
		accountID := uuid.New()
		_, err := store.Consume(ctx, accountID, []usage.Window{monthly}, 10)
		require.NoError(t, err)
		require.NoError(t, store.Reset(ctx, accountID, []usage.Window{monthly}))

		counts, err := store.Read(ctx, accountID, []usage.Window{monthly})
		require.NoError(t, err)
		assert.Equal(t, []usage.Count{{Used: 0, Limit: 10}}, counts)
	})
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	testStore(t, usage.NewMemoryStore())
}

// Requires a disposable database; set BILLING_TEST_PG_URL to run.
func TestPGStore_Integration(t *testing.T) {
	dsn := os.Getenv("BILLING_TEST_PG_URL")
	if dsn == "" {
		t.Skip("BILLING_TEST_PG_URL not set")
	}
	ctx := context.Background()
	cfg := pg.Config{ConnectionString: dsn, MaxOpenConns: 8, MaxIdleConns: 1, RetryAttempts: 1, MigrationsTable: "schema_migrations"}
	pool, err := pg.Connect(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, pg.Migrate(ctx, pool, cfg, logger.Discard()))

	testStore(t, usage.NewPGStore(pool, pg.NewTxManager(pool)))
}

// Requires a disposable Redis; set BILLING_TEST_REDIS_URL to run.
func TestRedisStore_Integration(t *testing.T) {
	url := os.Getenv("BILLING_TEST_REDIS_URL")
	if url == "" {
		t.Skip("BILLING_TEST_REDIS_URL not set")
	}
	opts, err := goredis.ParseURL(url)
	require.NoError(t, err)
	client := goredis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })

	testStore(t, usage.NewRedisStore(client, "billing-test"))

	t.Run("denied counters still expire", func(t *testing.T) {
		ctx := context.Background()
		accountID := uuid.New()
		closed := usage.Window{Key: "pzero-" + uuid.NewString()[:8], End: time.Now().Add(time.Hour), Limit: 0}

		out, err := usage.NewRedisStore(client, "billing-test").Consume(ctx, accountID, []usage.Window{closed}, 1)
		require.NoError(t, err)
		require.False(t, out.Applied)

		ttl, err := client.PTTL(ctx, "billing-test:usage:{"+accountID.String()+"}:"+closed.Key).Result()
		require.NoError(t, err)
		assert.Greater(t, ttl, time.Duration(0))
		assert.LessOrEqual(t, ttl, time.Hour+usage.Retention)
	})
}
