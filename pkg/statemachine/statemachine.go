package statemachine

import (
	"context"
	"slices"
)

// Guard evaluates whether a transition should be allowed based on runtime conditions.
type Guard func(ctx context.Context, data any) bool

// Transition defines a state change triggered by an event, with optional guards.
type Transition[S, E ~string] struct {
	From   S
	To     S
	Event  E
	Guards []Guard // All must pass for transition to proceed
}

// Machine is an immutable transition table. It holds no current state:
// callers pass the state read from storage and persist the returned one,
// which keeps the table safe for concurrent use without locking.
type Machine[S, E ~string] struct {
	entity      string
	transitions map[S]map[E][]Transition[S, E]
}

// Option configures a Machine.
type Option[S, E ~string] func(*Machine[S, E]) error

// WithTransition adds an edge. Multiple edges for the same from/event pair
// are evaluated in registration order; the first one whose guards pass wins.
func WithTransition[S, E ~string](from, to S, event E, guards ...Guard) Option[S, E] {
	return func(m *Machine[S, E]) error {
		if from == "" || to == "" || event == "" {
			return ErrInvalidTransition
		}
		if _, ok := m.transitions[from]; !ok {
			m.transitions[from] = make(map[E][]Transition[S, E])
		}
		m.transitions[from][event] = append(m.transitions[from][event], Transition[S, E]{
			From:   from,
			To:     to,
			Event:  event,
			Guards: guards,
		})
		return nil
	}
}

// New builds a Machine for the named entity ("payment", "subscription").
// The entity name is reported in transition errors.
func New[S, E ~string](entity string, opts ...Option[S, E]) (*Machine[S, E], error) {
	m := &Machine[S, E]{
		entity:      entity,
		transitions: make(map[S]map[E][]Transition[S, E]),
	}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// MustNew is like New but panics on an invalid definition.
func MustNew[S, E ~string](entity string, opts ...Option[S, E]) *Machine[S, E] {
	m, err := New(entity, opts...)
	if err != nil {
		panic("statemachine: " + err.Error())
	}
	return m
}

// Fire returns the state reached from `from` when event happens.
// The returned error is a *billing.InvalidTransitionError when no edge exists
// or every candidate edge was rejected by its guards.
func (m *Machine[S, E]) Fire(ctx context.Context, from S, event E, data any) (S, error) {
	candidates := m.transitions[from][event]
	if len(candidates) == 0 {
		return from, newNoTransitionError(m.entity, string(from), string(event))
	}

	for _, t := range candidates {
		if guardsPass(ctx, t.Guards, data) {
			return t.To, nil
		}
	}
	return from, newRejectedError(m.entity, string(from), string(event))
}

// CanFire reports whether Fire would succeed.
func (m *Machine[S, E]) CanFire(ctx context.Context, from S, event E, data any) bool {
	_, err := m.Fire(ctx, from, event, data)
	return err == nil
}

// Events lists the events that have at least one edge out of state.
func (m *Machine[S, E]) Events(state S) []E {
	events := make([]E, 0, len(m.transitions[state]))
	for e := range m.transitions[state] {
		events = append(events, e)
	}
	slices.Sort(events)
	return events
}

// IsTerminal reports whether no edge leaves state.
func (m *Machine[S, E]) IsTerminal(state S) bool {
	return len(m.transitions[state]) == 0
}

func guardsPass(ctx context.Context, guards []Guard, data any) bool {
	for _, g := range guards {
		if g != nil && !g(ctx, data) {
			return false
		}
	}
	return true
}
