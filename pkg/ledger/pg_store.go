package ledger

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/dmitrymomot/billing/pkg/billing"
	"github.com/dmitrymomot/billing/pkg/pg"
)

// PGStore keeps payments in PostgreSQL.
type PGStore struct {
	db pg.Querier
}

// NewPGStore creates a PGStore. Queries join the transaction found in ctx.
func NewPGStore(db pg.Querier) *PGStore {
	if db == nil {
		panic("ledger: db is required")
	}
	return &PGStore{db: db}
}

const paymentColumns = `id, account_id, subscription_id, provider, provider_reference, amount, currency,
	status, notes, paid_at, refunded_at, created_at, updated_at`

func (s *PGStore) Create(ctx context.Context, p Payment) error {
	_, err := pg.Conn(ctx, s.db).Exec(ctx, `INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		p.ID, p.AccountID, p.SubscriptionID, string(p.Provider), nullString(p.ProviderReference),
		p.Amount, p.Currency, string(p.Status), p.Notes, p.PaidAt, p.RefundedAt, p.CreatedAt, p.UpdatedAt,
	)
	return s.writeErr(err)
}

func (s *PGStore) Get(ctx context.Context, id uuid.UUID) (Payment, error) {
	return s.one(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
}

func (s *PGStore) GetForUpdate(ctx context.Context, id uuid.UUID) (Payment, error) {
	return s.one(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE`, id)
}

func (s *PGStore) FindByReference(ctx context.Context, provider billing.Provider, ref string) (Payment, error) {
	return s.one(ctx, `SELECT `+paymentColumns+` FROM payments
		WHERE provider = $1 AND provider_reference = $2`, string(provider), ref)
}

func (s *PGStore) Update(ctx context.Context, p Payment) error {
	tag, err := pg.Conn(ctx, s.db).Exec(ctx, `UPDATE payments SET
			provider_reference = $2, status = $3, notes = $4, paid_at = $5, refunded_at = $6, updated_at = $7
		WHERE id = $1`,
		p.ID, nullString(p.ProviderReference), string(p.Status), p.Notes, p.PaidAt, p.RefundedAt, p.UpdatedAt,
	)
	if err != nil {
		return s.writeErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

func (s *PGStore) ListBySubscription(ctx context.Context, subscriptionID uuid.UUID) ([]Payment, error) {
	return s.many(ctx, `SELECT `+paymentColumns+` FROM payments
		WHERE subscription_id = $1 ORDER BY created_at`, subscriptionID)
}

func (s *PGStore) ListByAccount(ctx context.Context, accountID uuid.UUID) ([]Payment, error) {
	return s.many(ctx, `SELECT `+paymentColumns+` FROM payments
		WHERE account_id = $1 ORDER BY created_at`, accountID)
}

func (s *PGStore) one(ctx context.Context, query string, args ...any) (Payment, error) {
	p, err := scanPayment(pg.Conn(ctx, s.db).QueryRow(ctx, query, args...))
	if err != nil {
		if pg.IsNotFoundError(err) {
			return Payment{}, ErrPaymentNotFound
		}
		return Payment{}, errors.Join(ErrFailedToLoad, err)
	}
	return p, nil
}

func (s *PGStore) many(ctx context.Context, query string, args ...any) ([]Payment, error) {
	rows, err := pg.Conn(ctx, s.db).Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Join(ErrFailedToLoad, err)
	}
	defer rows.Close()

	var out []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, errors.Join(ErrFailedToLoad, err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Join(ErrFailedToLoad, err)
	}
	return out, nil
}

func (s *PGStore) writeErr(err error) error {
	if err == nil {
		return nil
	}
	if pg.IsDuplicateKeyError(err) && pg.ConstraintName(err) == "payments_provider_reference_key" {
		return ErrDuplicateReference
	}
	return errors.Join(ErrFailedToSave, err)
}

func scanPayment(row pgx.Row) (Payment, error) {
	var (
		p        Payment
		provider string
		status   string
		ref      *string
	)
	err := row.Scan(&p.ID, &p.AccountID, &p.SubscriptionID, &provider, &ref, &p.Amount, &p.Currency,
		&status, &p.Notes, &p.PaidAt, &p.RefundedAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return Payment{}, err
	}
	p.Provider = billing.Provider(provider)
	p.Status = Status(status)
	if ref != nil {
		p.ProviderReference = *ref
	}
	return p, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
