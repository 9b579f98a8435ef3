// Package subscription owns plans and the subscription lifecycle.
//
// A Manager drives every subscription through one transition table:
//
//	trialing ─┐
//	active   ─┼─ payment_confirmed ──▶ active
//	past_due ─┘  payment_failed    ──▶ past_due
//	             plan_changed      ──▶ (unchanged)
//	             cancel            ──▶ canceled
//	             expire            ──▶ expired
//
//	canceled, expired ── reactivate ──▶ trialing | active
//
// Canceled and expired subscriptions take no automatic or webhook events;
// only an explicit Reactivate re-opens them. Time alone never changes a
// status: a due subscription is expired lazily by Current or by Sweep.
//
// Every mutation runs inside a billing.Transactor unit of work with the
// subscription row locked, so admin actions and webhook deliveries share
// one serialization path. Remote checkouts are created before the
// transaction; the provider reference is stored in the same transaction as
// the pending payment so late webhooks can always be matched.
//
// The plan catalog (Catalog, PlanStore) generates unique slugs, keeps plans
// soft-deletable and freezes pricing once a live subscription uses a plan.
// LoadPlansYAML and Seed populate it from a file.
package subscription
