package usage

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billing/pkg/billing"
	"github.com/dmitrymomot/billing/pkg/pg"
)

// PGStore keeps counters in the usage_counters table. Each window is
// incremented with a conditional UPDATE, so concurrent callers can never
// push a counter past its limit.
type PGStore struct {
	db pg.Querier
	tx billing.Transactor
}

// NewPGStore creates a PGStore. tx groups the per-window updates so a
// denial on one window undoes the others.
func NewPGStore(db pg.Querier, tx billing.Transactor) *PGStore {
	if db == nil {
		panic("usage: db is required")
	}
	if tx == nil {
		panic("usage: transactor is required")
	}
	return &PGStore{db: db, tx: tx}
}

var errDenied = errors.New("usage: window denied")

const (
	insertCounter = `INSERT INTO usage_counters (account_id, period_key, consultas_used, consultas_limit)
		VALUES ($1, $2, 0, $3)
		ON CONFLICT (account_id, period_key) DO NOTHING`

	incrementCounter = `UPDATE usage_counters
		SET consultas_used = consultas_used + $3, updated_at = now()
		WHERE account_id = $1 AND period_key = $2
			AND (consultas_limit < 0 OR consultas_used + $3 <= consultas_limit)
		RETURNING consultas_used, consultas_limit`
)

func (s *PGStore) Consume(ctx context.Context, accountID uuid.UUID, windows []Window, amount int64) (Outcome, error) {
	out := Outcome{Denied: -1}
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		conn := pg.Conn(ctx, s.db)
		counts := make([]Count, len(windows))
		for i, w := range windows {
			if _, err := conn.Exec(ctx, insertCounter, accountID, w.Key, w.Limit); err != nil {
				return err
			}
			err := conn.QueryRow(ctx, incrementCounter, accountID, w.Key, amount).Scan(&counts[i].Used, &counts[i].Limit)
			if pg.IsNotFoundError(err) {
				out.Denied = i
				return errDenied
			}
			if err != nil {
				return err
			}
		}
		out = Outcome{Applied: true, Denied: -1, Counts: counts}
		return nil
	})
	switch {
	case errors.Is(err, errDenied):
		return Outcome{Denied: out.Denied}, nil
	case err != nil:
		return Outcome{}, errors.Join(ErrFailedToConsume, err)
	}
	return out, nil
}

func (s *PGStore) Read(ctx context.Context, accountID uuid.UUID, windows []Window) ([]Count, error) {
	out := make([]Count, len(windows))
	conn := pg.Conn(ctx, s.db)
	for i, w := range windows {
		out[i] = Count{Limit: w.Limit}
		err := conn.QueryRow(ctx, `SELECT consultas_used, consultas_limit FROM usage_counters
			WHERE account_id = $1 AND period_key = $2`, accountID, w.Key).Scan(&out[i].Used, &out[i].Limit)
		if err != nil && !pg.IsNotFoundError(err) {
			return nil, errors.Join(ErrFailedToRead, err)
		}
	}
	return out, nil
}

func (s *PGStore) Reset(ctx context.Context, accountID uuid.UUID, windows []Window) error {
	keys := make([]string, len(windows))
	for i, w := range windows {
		keys[i] = w.Key
	}
	_, err := pg.Conn(ctx, s.db).Exec(ctx, `UPDATE usage_counters
		SET consultas_used = 0, updated_at = now()
		WHERE account_id = $1 AND period_key = ANY($2)`, accountID, keys)
	if err != nil {
		return errors.Join(ErrFailedToReset, err)
	}
	return nil
}
