package usage

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billing/pkg/billing"
)

// Count is the state of one window counter. Limit is the quota snapshot
// taken when the counter was created.
type Count struct {
	Used  int64
	Limit int64
}

// Outcome reports a Consume call. When Applied is false Denied is the
// index of the first window that refused the amount and no counter moved.
type Outcome struct {
	Applied bool
	Denied  int
	// Counts holds the counter of each window after the increment. It is
	// only filled when Applied is true.
	Counts []Count
}

// Store keeps usage counters. Counters are created lazily with the limit of
// the window they are first seen with.
type Store interface {
	// Consume adds amount to every window, or to none of them if any would
	// go over its limit.
	Consume(ctx context.Context, accountID uuid.UUID, windows []Window, amount int64) (Outcome, error)
	// Read returns the counters of windows without changing them. Missing
	// counters read as zero usage against the window limit.
	Read(ctx context.Context, accountID uuid.UUID, windows []Window) ([]Count, error)
	// Reset sets usage to zero, keeping the limit and the key.
	Reset(ctx context.Context, accountID uuid.UUID, windows []Window) error
}

// fits reports whether amount can be added to c.
func (c Count) fits(amount int64) bool {
	return c.Limit == billing.Unlimited || c.Used+amount <= c.Limit
}

type memoryKey struct {
	account uuid.UUID
	key     string
}

// MemoryStore keeps counters in process memory.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[memoryKey]Count
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counters: make(map[memoryKey]Count)}
}

func (m *MemoryStore) Consume(_ context.Context, accountID uuid.UUID, windows []Window, amount int64) (Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make([]Count, len(windows))
	for i, w := range windows {
		c := m.lookup(accountID, w)
		if !c.fits(amount) {
			return Outcome{Denied: i}, nil
		}
		counts[i] = c
	}
	for i, w := range windows {
		counts[i].Used += amount
		m.counters[memoryKey{accountID, w.Key}] = counts[i]
	}
	return Outcome{Applied: true, Denied: -1, Counts: counts}, nil
}

func (m *MemoryStore) Read(_ context.Context, accountID uuid.UUID, windows []Window) ([]Count, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Count, len(windows))
	for i, w := range windows {
		out[i] = m.lookup(accountID, w)
	}
	return out, nil
}

func (m *MemoryStore) Reset(_ context.Context, accountID uuid.UUID, windows []Window) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, w := range windows {
		k := memoryKey{accountID, w.Key}
		if c, ok := m.counters[k]; ok {
			c.Used = 0
			m.counters[k] = c
		}
	}
	return nil
}

func (m *MemoryStore) lookup(accountID uuid.UUID, w Window) Count {
	if c, ok := m.counters[memoryKey{accountID, w.Key}]; ok {
		return c
	}
	return Count{Limit: w.Limit}
}
