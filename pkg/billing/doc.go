// Package billing holds the vocabulary shared by every part of the billing
// engine: provider names, billing intervals, quota limits, the unit-of-work
// contract used to group mutations into one transaction, and the error
// taxonomy surfaced to callers.
//
// # Error taxonomy
//
//   - ValidationError: bad input, reported per field.
//   - ProviderError: the remote provider failed or timed out. Retryable.
//   - SignatureVerificationError: a webhook could not be authenticated.
//   - ErrIdempotencyReplay: a webhook was already applied. Not a failure.
//   - InvalidTransitionError: a state machine rejected an event.
//   - QuotaExceededError: a usage decision, not an operational error.
//
// Use the Is* and As* helpers instead of comparing concrete types:
//
//	if billing.IsProviderError(err) {
//		// safe to retry later
//	}
package billing
