package subscription

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billing/pkg/billing"
)

// Store persists subscriptions. The ForUpdate variants lock the row for
// the transaction carried by ctx.
type Store interface {
	// Create fails with ErrLiveSubscriptionExists when the account already
	// has a live subscription.
	Create(ctx context.Context, s Subscription) error
	Get(ctx context.Context, id uuid.UUID) (Subscription, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (Subscription, error)
	// Latest returns the most recently created subscription of the account,
	// live or not.
	Latest(ctx context.Context, accountID uuid.UUID) (Subscription, error)
	LatestForUpdate(ctx context.Context, accountID uuid.UUID) (Subscription, error)
	FindByReference(ctx context.Context, provider billing.Provider, ref string) (Subscription, error)
	Update(ctx context.Context, s Subscription) error
	// ListDue returns ids of live subscriptions whose period ended before
	// cutoff, oldest first.
	ListDue(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error)
	// CountLiveByPlan counts live subscriptions on or scheduled for a plan.
	CountLiveByPlan(ctx context.Context, planID uuid.UUID) (int, error)
}

// MemoryStore keeps subscriptions in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	subs map[uuid.UUID]Subscription
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[uuid.UUID]Subscription)}
}

func (m *MemoryStore) Create(ctx context.Context, s Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.IsLive() && m.hasLive(s.AccountID, uuid.Nil) {
		return ErrLiveSubscriptionExists
	}
	m.subs[s.ID] = s

	billing.OnRollback(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, s.ID)
	})
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id uuid.UUID) (Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.subs[id]
	if !ok {
		return Subscription{}, ErrSubscriptionNotFound
	}
	return s, nil
}

func (m *MemoryStore) GetForUpdate(ctx context.Context, id uuid.UUID) (Subscription, error) {
	return m.Get(ctx, id)
}

func (m *MemoryStore) Latest(_ context.Context, accountID uuid.UUID) (Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var (
		latest Subscription
		found  bool
	)
	for _, s := range m.subs {
		if s.AccountID != accountID {
			continue
		}
		// A live subscription always wins over older terminal ones.
		if !found || (s.IsLive() && !latest.IsLive()) ||
			(s.IsLive() == latest.IsLive() && s.CreatedAt.After(latest.CreatedAt)) {
			latest, found = s, true
		}
	}
	if !found {
		return Subscription{}, ErrSubscriptionNotFound
	}
	return latest, nil
}

func (m *MemoryStore) LatestForUpdate(ctx context.Context, accountID uuid.UUID) (Subscription, error) {
	return m.Latest(ctx, accountID)
}

func (m *MemoryStore) FindByReference(_ context.Context, provider billing.Provider, ref string) (Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, s := range m.subs {
		if s.Provider == provider && s.ProviderReference == ref && ref != "" {
			return s, nil
		}
	}
	return Subscription{}, ErrSubscriptionNotFound
}

func (m *MemoryStore) Update(ctx context.Context, s Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, ok := m.subs[s.ID]
	if !ok {
		return ErrSubscriptionNotFound
	}
	if s.IsLive() && m.hasLive(s.AccountID, s.ID) {
		return ErrLiveSubscriptionExists
	}
	m.subs[s.ID] = s

	billing.OnRollback(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.subs[s.ID] = prev
	})
	return nil
}

func (m *MemoryStore) ListDue(_ context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var due []Subscription
	for _, s := range m.subs {
		if s.IsLive() && s.CurrentPeriodEnd.Before(cutoff) {
			due = append(due, s)
		}
	}
	slices.SortFunc(due, func(a, b Subscription) int { return a.CurrentPeriodEnd.Compare(b.CurrentPeriodEnd) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	ids := make([]uuid.UUID, len(due))
	for i, s := range due {
		ids[i] = s.ID
	}
	return ids, nil
}

func (m *MemoryStore) CountLiveByPlan(_ context.Context, planID uuid.UUID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, s := range m.subs {
		if !s.IsLive() {
			continue
		}
		if s.PlanID == planID || (s.PendingPlanID != nil && *s.PendingPlanID == planID) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) hasLive(accountID, except uuid.UUID) bool {
	for id, s := range m.subs {
		if id != except && s.AccountID == accountID && s.IsLive() {
			return true
		}
	}
	return false
}

// PlanStore persists the plan catalog. Tombstone visibility is explicit on
// every read.
type PlanStore interface {
	// Create fails with ErrSlugTaken on a duplicate slug.
	Create(ctx context.Context, p Plan) error
	Get(ctx context.Context, id uuid.UUID, includeDeleted bool) (Plan, error)
	GetBySlug(ctx context.Context, slug string, includeDeleted bool) (Plan, error)
	// SlugExists also sees soft-deleted plans, since slugs are never reused.
	SlugExists(ctx context.Context, slug string) (bool, error)
	List(ctx context.Context, includeDeleted bool) ([]Plan, error)
	Update(ctx context.Context, p Plan) error
}

// MemoryPlanStore keeps plans in process memory.
type MemoryPlanStore struct {
	mu    sync.RWMutex
	plans map[uuid.UUID]Plan
}

// NewMemoryPlanStore creates an empty MemoryPlanStore.
func NewMemoryPlanStore() *MemoryPlanStore {
	return &MemoryPlanStore{plans: make(map[uuid.UUID]Plan)}
}

func (m *MemoryPlanStore) Create(ctx context.Context, p Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.plans {
		if existing.Slug == p.Slug {
			return ErrSlugTaken
		}
	}
	m.plans[p.ID] = clonePlan(p)

	billing.OnRollback(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.plans, p.ID)
	})
	return nil
}

func (m *MemoryPlanStore) Get(_ context.Context, id uuid.UUID, includeDeleted bool) (Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.plans[id]
	if !ok || (!includeDeleted && p.DeletedAt != nil) {
		return Plan{}, ErrPlanNotFound
	}
	return clonePlan(p), nil
}

func (m *MemoryPlanStore) GetBySlug(_ context.Context, slug string, includeDeleted bool) (Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, p := range m.plans {
		if p.Slug == slug && (includeDeleted || p.DeletedAt == nil) {
			return clonePlan(p), nil
		}
	}
	return Plan{}, ErrPlanNotFound
}

func (m *MemoryPlanStore) SlugExists(_ context.Context, slug string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, p := range m.plans {
		if p.Slug == slug {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryPlanStore) List(_ context.Context, includeDeleted bool) ([]Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Plan, 0, len(m.plans))
	for _, p := range m.plans {
		if includeDeleted || p.DeletedAt == nil {
			out = append(out, clonePlan(p))
		}
	}
	slices.SortFunc(out, func(a, b Plan) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.Slug, b.Slug)
	})
	return out, nil
}

func (m *MemoryPlanStore) Update(ctx context.Context, p Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, ok := m.plans[p.ID]
	if !ok {
		return ErrPlanNotFound
	}
	m.plans[p.ID] = clonePlan(p)

	billing.OnRollback(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.plans[p.ID] = prev
	})
	return nil
}

func clonePlan(p Plan) Plan {
	p.Features = slices.Clone(p.Features)
	if p.ProviderPrices != nil {
		prices := make(map[billing.Provider]string, len(p.ProviderPrices))
		for k, v := range p.ProviderPrices {
			prices[k] = v
		}
		p.ProviderPrices = prices
	}
	return p
}
