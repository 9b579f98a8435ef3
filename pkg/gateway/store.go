package gateway

import (
	"context"
	"slices"
	"sync"

	"github.com/dmitrymomot/billing/pkg/billing"
)

// Store persists gateway settings.
type Store interface {
	// Get returns ErrSettingNotFound when the provider was never configured.
	Get(ctx context.Context, p billing.Provider) (Setting, error)
	List(ctx context.Context) ([]Setting, error)
	Save(ctx context.Context, s Setting) error
}

// MemoryStore keeps settings in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	settings map[billing.Provider]Setting
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{settings: make(map[billing.Provider]Setting)}
}

func (m *MemoryStore) Get(_ context.Context, p billing.Provider) (Setting, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.settings[p]
	if !ok {
		return Setting{}, ErrSettingNotFound
	}
	return s.clone(), nil
}

func (m *MemoryStore) List(_ context.Context) ([]Setting, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Setting, 0, len(m.settings))
	for _, s := range m.settings {
		out = append(out, s.clone())
	}
	slices.SortFunc(out, func(a, b Setting) int {
		switch {
		case a.Provider < b.Provider:
			return -1
		case a.Provider > b.Provider:
			return 1
		}
		return 0
	})
	return out, nil
}

func (m *MemoryStore) Save(ctx context.Context, s Setting) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, existed := m.settings[s.Provider]
	m.settings[s.Provider] = s.clone()

	billing.OnRollback(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if existed {
			m.settings[s.Provider] = prev
		} else {
			delete(m.settings, s.Provider)
		}
	})
	return nil
}
