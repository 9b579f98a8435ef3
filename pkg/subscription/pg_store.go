package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/dmitrymomot/billing/pkg/billing"
	"github.com/dmitrymomot/billing/pkg/pg"
)

const liveStatuses = `('trialing', 'active', 'past_due')`

// PGStore keeps subscriptions in PostgreSQL.
type PGStore struct {
	db pg.Querier
}

// NewPGStore creates a PGStore. Queries join the transaction found in ctx.
func NewPGStore(db pg.Querier) *PGStore {
	if db == nil {
		panic("subscription: db is required")
	}
	return &PGStore{db: db}
}

const subscriptionColumns = `id, account_id, plan_id, status, provider, provider_reference, started_at,
	current_period_start, current_period_end, cancel_at_period_end, canceled_at, trial_ends_at,
	pending_plan_id, created_at, updated_at`

func (s *PGStore) Create(ctx context.Context, sub Subscription) error {
	_, err := pg.Conn(ctx, s.db).Exec(ctx, `INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		sub.ID, sub.AccountID, sub.PlanID, string(sub.Status), string(sub.Provider), nullString(sub.ProviderReference),
		sub.StartedAt, sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.CancelAtPeriodEnd, sub.CanceledAt,
		sub.TrialEndsAt, sub.PendingPlanID, sub.CreatedAt, sub.UpdatedAt,
	)
	return writeErr(err)
}

func (s *PGStore) Get(ctx context.Context, id uuid.UUID) (Subscription, error) {
	return s.one(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id)
}

func (s *PGStore) GetForUpdate(ctx context.Context, id uuid.UUID) (Subscription, error) {
	return s.one(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1 FOR UPDATE`, id)
}

const latestQuery = `SELECT ` + subscriptionColumns + ` FROM subscriptions
	WHERE account_id = $1
	ORDER BY (status IN ` + liveStatuses + `) DESC, created_at DESC
	LIMIT 1`

func (s *PGStore) Latest(ctx context.Context, accountID uuid.UUID) (Subscription, error) {
	return s.one(ctx, latestQuery, accountID)
}

func (s *PGStore) LatestForUpdate(ctx context.Context, accountID uuid.UUID) (Subscription, error) {
	return s.one(ctx, latestQuery+` FOR UPDATE`, accountID)
}

func (s *PGStore) FindByReference(ctx context.Context, provider billing.Provider, ref string) (Subscription, error) {
	return s.one(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE provider = $1 AND provider_reference = $2`, string(provider), ref)
}

func (s *PGStore) Update(ctx context.Context, sub Subscription) error {
	tag, err := pg.Conn(ctx, s.db).Exec(ctx, `UPDATE subscriptions SET
			plan_id = $2, status = $3, provider_reference = $4, current_period_start = $5,
			current_period_end = $6, cancel_at_period_end = $7, canceled_at = $8, trial_ends_at = $9,
			pending_plan_id = $10, updated_at = $11
		WHERE id = $1`,
		sub.ID, sub.PlanID, string(sub.Status), nullString(sub.ProviderReference), sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd, sub.CancelAtPeriodEnd, sub.CanceledAt, sub.TrialEndsAt,
		sub.PendingPlanID, sub.UpdatedAt,
	)
	if err != nil {
		return writeErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

func (s *PGStore) ListDue(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := pg.Conn(ctx, s.db).Query(ctx, `SELECT id FROM subscriptions
		WHERE status IN `+liveStatuses+` AND current_period_end < $1
		ORDER BY current_period_end
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, errors.Join(ErrFailedToLoad, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, errors.Join(ErrFailedToLoad, err)
	}
	return ids, nil
}

func (s *PGStore) CountLiveByPlan(ctx context.Context, planID uuid.UUID) (int, error) {
	var n int
	err := pg.Conn(ctx, s.db).QueryRow(ctx, `SELECT count(*) FROM subscriptions
		WHERE status IN `+liveStatuses+` AND (plan_id = $1 OR pending_plan_id = $1)`, planID).Scan(&n)
	if err != nil {
		return 0, errors.Join(ErrFailedToLoad, err)
	}
	return n, nil
}

func (s *PGStore) one(ctx context.Context, query string, args ...any) (Subscription, error) {
	sub, err := scanSubscription(pg.Conn(ctx, s.db).QueryRow(ctx, query, args...))
	if err != nil {
		if pg.IsNotFoundError(err) {
			return Subscription{}, ErrSubscriptionNotFound
		}
		return Subscription{}, errors.Join(ErrFailedToLoad, err)
	}
	return sub, nil
}

func scanSubscription(row pgx.Row) (Subscription, error) {
	var (
		sub      Subscription
		status   string
		provider string
		ref      *string
	)
	err := row.Scan(&sub.ID, &sub.AccountID, &sub.PlanID, &status, &provider, &ref, &sub.StartedAt,
		&sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &sub.CancelAtPeriodEnd, &sub.CanceledAt, &sub.TrialEndsAt,
		&sub.PendingPlanID, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return Subscription{}, err
	}
	sub.Status = Status(status)
	sub.Provider = billing.Provider(provider)
	if ref != nil {
		sub.ProviderReference = *ref
	}
	return sub, nil
}

func writeErr(err error) error {
	if err == nil {
		return nil
	}
	if pg.IsDuplicateKeyError(err) {
		switch pg.ConstraintName(err) {
		case "subscriptions_one_live_per_account":
			return ErrLiveSubscriptionExists
		case "plans_slug_key":
			return ErrSlugTaken
		}
	}
	return errors.Join(ErrFailedToSave, err)
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// PGPlanStore keeps the plan catalog in PostgreSQL.
type PGPlanStore struct {
	db pg.Querier
}

// NewPGPlanStore creates a PGPlanStore.
func NewPGPlanStore(db pg.Querier) *PGPlanStore {
	if db == nil {
		panic("subscription: db is required")
	}
	return &PGPlanStore{db: db}
}

const planColumns = `id, slug, name, description, price, currency, billing_interval, features,
	requests_per_month, requests_per_day, trial_days, active, provider_prices, created_at, updated_at, deleted_at`

func (s *PGPlanStore) Create(ctx context.Context, p Plan) error {
	prices, err := json.Marshal(providerPrices(p.ProviderPrices))
	if err != nil {
		return errors.Join(ErrFailedToCreatePlan, err)
	}
	_, err = pg.Conn(ctx, s.db).Exec(ctx, `INSERT INTO plans (`+planColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		p.ID, p.Slug, p.Name, p.Description, p.Price, p.Currency, string(p.Interval), features(p.Features),
		p.Quota.RequestsPerMonth, p.Quota.RequestsPerDay, p.TrialDays, p.Active, prices,
		p.CreatedAt, p.UpdatedAt, p.DeletedAt,
	)
	return writeErr(err)
}

func (s *PGPlanStore) Get(ctx context.Context, id uuid.UUID, includeDeleted bool) (Plan, error) {
	return s.one(ctx, `SELECT `+planColumns+` FROM plans
		WHERE id = $1 AND ($2 OR deleted_at IS NULL)`, id, includeDeleted)
}

func (s *PGPlanStore) GetBySlug(ctx context.Context, slug string, includeDeleted bool) (Plan, error) {
	return s.one(ctx, `SELECT `+planColumns+` FROM plans
		WHERE slug = $1 AND ($2 OR deleted_at IS NULL)`, slug, includeDeleted)
}

func (s *PGPlanStore) SlugExists(ctx context.Context, slug string) (bool, error) {
	var exists bool
	err := pg.Conn(ctx, s.db).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM plans WHERE slug = $1)`, slug).Scan(&exists)
	if err != nil {
		return false, errors.Join(ErrFailedToLoadPlans, err)
	}
	return exists, nil
}

func (s *PGPlanStore) List(ctx context.Context, includeDeleted bool) ([]Plan, error) {
	rows, err := pg.Conn(ctx, s.db).Query(ctx, `SELECT `+planColumns+` FROM plans
		WHERE $1 OR deleted_at IS NULL
		ORDER BY created_at, slug`, includeDeleted)
	if err != nil {
		return nil, errors.Join(ErrFailedToLoadPlans, err)
	}
	defer rows.Close()

	var out []Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, errors.Join(ErrFailedToLoadPlans, err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Join(ErrFailedToLoadPlans, err)
	}
	return out, nil
}

func (s *PGPlanStore) Update(ctx context.Context, p Plan) error {
	prices, err := json.Marshal(providerPrices(p.ProviderPrices))
	if err != nil {
		return errors.Join(ErrFailedToSave, err)
	}
	tag, err := pg.Conn(ctx, s.db).Exec(ctx, `UPDATE plans SET
			name = $2, description = $3, price = $4, currency = $5, billing_interval = $6, features = $7,
			requests_per_month = $8, requests_per_day = $9, trial_days = $10, active = $11,
			provider_prices = $12, updated_at = $13, deleted_at = $14
		WHERE id = $1`,
		p.ID, p.Name, p.Description, p.Price, p.Currency, string(p.Interval), features(p.Features),
		p.Quota.RequestsPerMonth, p.Quota.RequestsPerDay, p.TrialDays, p.Active,
		prices, p.UpdatedAt, p.DeletedAt,
	)
	if err != nil {
		return writeErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPlanNotFound
	}
	return nil
}

func (s *PGPlanStore) one(ctx context.Context, query string, args ...any) (Plan, error) {
	p, err := scanPlan(pg.Conn(ctx, s.db).QueryRow(ctx, query, args...))
	if err != nil {
		if pg.IsNotFoundError(err) {
			return Plan{}, ErrPlanNotFound
		}
		return Plan{}, errors.Join(ErrFailedToLoadPlans, err)
	}
	return p, nil
}

func scanPlan(row pgx.Row) (Plan, error) {
	var (
		p        Plan
		interval string
		prices   []byte
	)
	err := row.Scan(&p.ID, &p.Slug, &p.Name, &p.Description, &p.Price, &p.Currency, &interval, &p.Features,
		&p.Quota.RequestsPerMonth, &p.Quota.RequestsPerDay, &p.TrialDays, &p.Active, &prices,
		&p.CreatedAt, &p.UpdatedAt, &p.DeletedAt)
	if err != nil {
		return Plan{}, err
	}
	p.Interval = billing.Interval(interval)
	if len(prices) > 0 {
		if err := json.Unmarshal(prices, &p.ProviderPrices); err != nil {
			return Plan{}, err
		}
	}
	return p, nil
}

func features(f []string) []string {
	if f == nil {
		return []string{}
	}
	return f
}

func providerPrices(m map[billing.Provider]string) map[billing.Provider]string {
	if m == nil {
		return map[billing.Provider]string{}
	}
	return m
}
