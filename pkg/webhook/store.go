package webhook

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dmitrymomot/billing/pkg/billing"
	"github.com/dmitrymomot/billing/pkg/pg"
)

// Record is a processed webhook event.
type Record struct {
	Key         string
	Provider    billing.Provider
	Reference   string
	Kind        string
	Outcome     Outcome
	ProcessedAt time.Time
}

// Store keeps the idempotency keys of processed events.
type Store interface {
	Exists(ctx context.Context, key string) (bool, error)
	// Insert stores r in the transaction carried by ctx. It fails with
	// billing.ErrIdempotencyReplay when the key is already present.
	Insert(ctx context.Context, r Record) error
}

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (m *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.records[key]
	return ok, nil
}

func (m *MemoryStore) Insert(ctx context.Context, r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[r.Key]; ok {
		return billing.ErrIdempotencyReplay
	}
	m.records[r.Key] = r

	billing.OnRollback(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.records, r.Key)
	})
	return nil
}

// Get returns a stored record.
func (m *MemoryStore) Get(key string) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[key]
	return r, ok
}

// PGStore keeps records in the webhook_events table.
type PGStore struct {
	db pg.Querier
}

// NewPGStore creates a PGStore.
func NewPGStore(db pg.Querier) *PGStore {
	if db == nil {
		panic("webhook: db is required")
	}
	return &PGStore{db: db}
}

func (s *PGStore) Exists(ctx context.Context, key string) (bool, error) {
	var ok bool
	err := pg.Conn(ctx, s.db).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM webhook_events WHERE idempotency_key = $1)`, key).Scan(&ok)
	if err != nil {
		return false, errors.Join(ErrFailedToLookup, err)
	}
	return ok, nil
}

func (s *PGStore) Insert(ctx context.Context, r Record) error {
	tag, err := pg.Conn(ctx, s.db).Exec(ctx, `INSERT INTO webhook_events
			(idempotency_key, provider, provider_reference, kind, outcome, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		r.Key, string(r.Provider), r.Reference, r.Kind, string(r.Outcome), r.ProcessedAt,
	)
	if err != nil {
		return errors.Join(ErrFailedToRecord, err)
	}
	if tag.RowsAffected() == 0 {
		return billing.ErrIdempotencyReplay
	}
	return nil
}
