// Package api exposes the billing engine over HTTP.
//
// Routes are grouped by caller:
//
//	POST /webhooks/{provider}                 provider callbacks
//	GET  /billing/plans                       plans open for subscription
//	POST /billing/checkout                    subscribe to a plan
//	POST /billing/cancel                      cancel now or at period end
//	POST /billing/change-plan                 upgrade or downgrade
//	POST /billing/reactivate                  reopen the latest subscription
//	GET  /billing/subscription                current subscription and plan
//	GET  /billing/payments                    payment history
//	GET  /billing/usage                       quota counters
//	POST /billing/usage/consume               deduct from the quota
//	GET  /admin/gateways                      masked gateway settings
//	PUT  /admin/gateways/{provider}           configure a gateway
//	POST /admin/gateways/{provider}/test      check gateway credentials
//	POST /admin/payments/{id}/confirm|fail|refund
//	POST /admin/subscriptions/{id}/cancel
//	POST /admin/subscriptions/{id}/manual-payment
//	POST /admin/usage/{account}/reset
//
// Authentication happens upstream. The /billing routes read the account
// from the X-Account-ID header unless WithAccountResolver says otherwise,
// and /admin routes run behind the middleware passed to WithAdminMiddleware.
//
// Every JSON body is an Envelope: {"data": ...} on success and
// {"error": {"code", "message", "details"}} on failure. Validation errors
// map to 422, missing resources to 404, lifecycle conflicts to 409, a
// missing active period to 402 and quota denials to 429.
package api
