// Package statemachine provides an immutable, generic transition table.
//
// Unlike an object that owns its current state, a Machine only answers
// "where does this event lead from here". The state itself lives on the
// record being transitioned, so the usual flow is: load the record under a
// row lock, call Fire, persist the returned state.
//
//	type status string
//	type event string
//
//	m := statemachine.MustNew[status, event]("payment",
//		statemachine.WithTransition[status, event]("pending", "paid", "confirm"),
//		statemachine.WithTransition[status, event]("pending", "failed", "fail"),
//	)
//
//	next, err := m.Fire(ctx, "pending", "confirm", nil) // "paid", nil
//
// Guards allow branching: when several edges share the same source and event,
// the first whose guards all pass is taken. Failures are reported as
// *billing.InvalidTransitionError joined with ErrNoTransition or
// ErrTransitionRejected.
package statemachine
