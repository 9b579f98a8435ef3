package gateway

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/dmitrymomot/billing/pkg/billing"
	"github.com/dmitrymomot/billing/pkg/pg"
)

// PGStore keeps settings in the gateway_settings table. Sealed fields are
// stored as a JSONB object of ciphertexts.
type PGStore struct {
	db pg.Querier
}

// NewPGStore creates a PGStore. Queries join the transaction found in ctx.
func NewPGStore(db pg.Querier) *PGStore {
	if db == nil {
		panic("gateway: db is required")
	}
	return &PGStore{db: db}
}

const settingColumns = `provider, enabled, sandbox_mode, endpoint, credentials,
	last_tested_at, last_test_ok, last_test_message, updated_at`

func (s *PGStore) Get(ctx context.Context, p billing.Provider) (Setting, error) {
	row := pg.Conn(ctx, s.db).QueryRow(ctx,
		`SELECT `+settingColumns+` FROM gateway_settings WHERE provider = $1`, string(p))
	setting, err := scanSetting(row)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return Setting{}, ErrSettingNotFound
		}
		return Setting{}, errors.Join(ErrFailedToLoad, err)
	}
	return setting, nil
}

func (s *PGStore) List(ctx context.Context) ([]Setting, error) {
	rows, err := pg.Conn(ctx, s.db).Query(ctx,
		`SELECT `+settingColumns+` FROM gateway_settings ORDER BY provider`)
	if err != nil {
		return nil, errors.Join(ErrFailedToLoad, err)
	}
	defer rows.Close()

	var out []Setting
	for rows.Next() {
		setting, err := scanSetting(rows)
		if err != nil {
			return nil, errors.Join(ErrFailedToLoad, err)
		}
		out = append(out, setting)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Join(ErrFailedToLoad, err)
	}
	return out, nil
}

func (s *PGStore) Save(ctx context.Context, setting Setting) error {
	creds, err := json.Marshal(setting.Sealed)
	if err != nil {
		return errors.Join(ErrFailedToSave, err)
	}

	_, err = pg.Conn(ctx, s.db).Exec(ctx, `
		INSERT INTO gateway_settings (`+settingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (provider) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			sandbox_mode = EXCLUDED.sandbox_mode,
			endpoint = EXCLUDED.endpoint,
			credentials = EXCLUDED.credentials,
			last_tested_at = EXCLUDED.last_tested_at,
			last_test_ok = EXCLUDED.last_test_ok,
			last_test_message = EXCLUDED.last_test_message,
			updated_at = EXCLUDED.updated_at`,
		string(setting.Provider), setting.Enabled, setting.SandboxMode, setting.Endpoint, creds,
		setting.LastTestedAt, setting.LastTestOK, setting.LastTestMessage, setting.UpdatedAt,
	)
	if err != nil {
		return errors.Join(ErrFailedToSave, err)
	}
	return nil
}

func scanSetting(row pgx.Row) (Setting, error) {
	var (
		s        Setting
		provider string
		creds    []byte
	)
	if err := row.Scan(&provider, &s.Enabled, &s.SandboxMode, &s.Endpoint, &creds,
		&s.LastTestedAt, &s.LastTestOK, &s.LastTestMessage, &s.UpdatedAt); err != nil {
		return Setting{}, err
	}
	s.Provider = billing.Provider(provider)
	s.Sealed = map[Field]string{}
	if len(creds) > 0 {
		if err := json.Unmarshal(creds, &s.Sealed); err != nil {
			return Setting{}, err
		}
	}
	return s, nil
}
