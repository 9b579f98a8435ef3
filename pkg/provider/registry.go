package provider

import (
	"slices"

	"github.com/dmitrymomot/billing/pkg/billing"
)

// Registry resolves adapters by provider name.
type Registry struct {
	adapters map[billing.Provider]Adapter
}

// NewRegistry creates a Registry. Later adapters replace earlier ones with
// the same name.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[billing.Provider]Adapter, len(adapters))}
	for _, a := range adapters {
		if a == nil {
			panic("provider: nil adapter")
		}
		r.adapters[a.Name()] = a
	}
	return r
}

// Get returns the adapter for p or ErrUnknownProvider.
func (r *Registry) Get(p billing.Provider) (Adapter, error) {
	a, ok := r.adapters[p]
	if !ok {
		return nil, ErrUnknownProvider
	}
	return a, nil
}

// Names lists registered providers in sorted order.
func (r *Registry) Names() []billing.Provider {
	out := make([]billing.Provider, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}
