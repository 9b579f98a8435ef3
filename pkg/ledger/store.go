package ledger

import (
	"context"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billing/pkg/billing"
)

// Store persists payments.
type Store interface {
	Create(ctx context.Context, p Payment) error
	Get(ctx context.Context, id uuid.UUID) (Payment, error)
	// GetForUpdate loads and locks the row for the transaction in ctx.
	GetForUpdate(ctx context.Context, id uuid.UUID) (Payment, error)
	FindByReference(ctx context.Context, provider billing.Provider, ref string) (Payment, error)
	Update(ctx context.Context, p Payment) error
	ListBySubscription(ctx context.Context, subscriptionID uuid.UUID) ([]Payment, error)
	ListByAccount(ctx context.Context, accountID uuid.UUID) ([]Payment, error)
}

type refKey struct {
	provider billing.Provider
	ref      string
}

// MemoryStore keeps payments in process memory. Pair it with
// billing.LocalTransactor, which provides the serialization row locks give
// in PostgreSQL.
type MemoryStore struct {
	mu       sync.RWMutex
	payments map[uuid.UUID]Payment
	refs     map[refKey]uuid.UUID
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payments: make(map[uuid.UUID]Payment),
		refs:     make(map[refKey]uuid.UUID),
	}
}

func (m *MemoryStore) Create(ctx context.Context, p Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.payments[p.ID]; ok {
		return ErrFailedToSave
	}
	if p.ProviderReference != "" {
		key := refKey{p.Provider, p.ProviderReference}
		if _, ok := m.refs[key]; ok {
			return ErrDuplicateReference
		}
		m.refs[key] = p.ID
	}
	m.payments[p.ID] = p

	billing.OnRollback(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.payments, p.ID)
		if p.ProviderReference != "" {
			delete(m.refs, refKey{p.Provider, p.ProviderReference})
		}
	})
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id uuid.UUID) (Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.payments[id]
	if !ok {
		return Payment{}, ErrPaymentNotFound
	}
	return p, nil
}

func (m *MemoryStore) GetForUpdate(ctx context.Context, id uuid.UUID) (Payment, error) {
	return m.Get(ctx, id)
}

func (m *MemoryStore) FindByReference(_ context.Context, provider billing.Provider, ref string) (Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.refs[refKey{provider, ref}]
	if !ok {
		return Payment{}, ErrPaymentNotFound
	}
	return m.payments[id], nil
}

func (m *MemoryStore) Update(ctx context.Context, p Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, ok := m.payments[p.ID]
	if !ok {
		return ErrPaymentNotFound
	}
	newKey := refKey{p.Provider, p.ProviderReference}
	if p.ProviderReference != "" && p.ProviderReference != prev.ProviderReference {
		if _, taken := m.refs[newKey]; taken {
			return ErrDuplicateReference
		}
		m.refs[newKey] = p.ID
	}
	m.payments[p.ID] = p

	billing.OnRollback(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.payments[p.ID] = prev
		if p.ProviderReference != "" && p.ProviderReference != prev.ProviderReference {
			delete(m.refs, newKey)
		}
	})
	return nil
}

func (m *MemoryStore) ListBySubscription(_ context.Context, subscriptionID uuid.UUID) ([]Payment, error) {
	return m.list(func(p Payment) bool {
		return p.SubscriptionID != nil && *p.SubscriptionID == subscriptionID
	}), nil
}

func (m *MemoryStore) ListByAccount(_ context.Context, accountID uuid.UUID) ([]Payment, error) {
	return m.list(func(p Payment) bool { return p.AccountID == accountID }), nil
}

func (m *MemoryStore) list(match func(Payment) bool) []Payment {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Payment
	for _, p := range m.payments {
		if match(p) {
			out = append(out, p)
		}
	}
	slices.SortFunc(out, func(a, b Payment) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}
