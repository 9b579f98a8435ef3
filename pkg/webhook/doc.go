// Package webhook reconciles provider webhooks with local state.
//
// A delivery is authenticated by its provider adapter, parsed into a
// provider.Event and applied exactly once. The idempotency key of an event
// is derived from provider, reference and kind, and it is stored in the same
// transaction as the change it caused:
//
//	rec := webhook.NewReconciler(registry, manager, ledger, webhook.NewPGStore(pool), tx)
//	res, err := rec.Process(ctx, webhook.Delivery{
//	    Provider: billing.ProviderCard,
//	    Body:     body,
//	    Header:   r.Header,
//	})
//
// Replays and events that cannot change anything are acknowledged without
// side effects. Events that contradict the lifecycle, such as a payment for
// a canceled subscription, are recorded as rejected and acknowledged too,
// so the provider stops retrying; they are logged at error level and
// audited for manual follow-up.
package webhook
