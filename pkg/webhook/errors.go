package webhook

import "errors"

var (
	// ErrUnmatchedEvent means the event names nothing the engine knows yet.
	// The provider is asked to retry, since the local write it refers to
	// may still be in flight.
	ErrUnmatchedEvent = errors.New("webhook event does not match any payment or subscription")

	ErrFailedToRecord = errors.New("failed to record webhook event")
	ErrFailedToLookup = errors.New("failed to look up webhook event")
)
