// Package ledger records payments and drives their lifecycle.
//
//	pending ──confirm──▶ paid ──refund──▶ refunded
//	   │
//	   └──fail──▶ failed
//
// Mutations lock the payment row, fire the transition on a copy and persist
// the result. An event with no edge from the current status returns a
// *billing.InvalidTransitionError and leaves the record unchanged.
package ledger
