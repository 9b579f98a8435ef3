package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dmitrymomot/billing/pkg/gateway"
	"github.com/dmitrymomot/billing/pkg/ledger"
	"github.com/dmitrymomot/billing/pkg/logger"
	"github.com/dmitrymomot/billing/pkg/provider"
	"github.com/dmitrymomot/billing/pkg/requestid"
	"github.com/dmitrymomot/billing/pkg/subscription"
	"github.com/dmitrymomot/billing/pkg/usage"
	"github.com/dmitrymomot/billing/pkg/webhook"
)

// DefaultMaxBodySize bounds JSON and webhook bodies.
const DefaultMaxBodySize = 1 << 20

// Deps are the services the HTTP interface exposes.
type Deps struct {
	Subscriptions *subscription.Manager
	Catalog       *subscription.Catalog
	Ledger        *ledger.Ledger
	Usage         *usage.Counter
	Gateways      *gateway.Service
	Providers     *provider.Registry
	Webhooks      *webhook.Reconciler
}

// Option configures the router.
type Option func(*options)

type options struct {
	log      *slog.Logger
	accounts AccountResolver
	admin    []func(http.Handler) http.Handler
	maxBody  int64
}

// WithLogger sets the request logger.
func WithLogger(log *slog.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithAccountResolver replaces the X-Account-ID header resolver.
func WithAccountResolver(res AccountResolver) Option {
	return func(o *options) { o.accounts = res }
}

// WithAdminMiddleware guards the /admin routes.
func WithAdminMiddleware(mw ...func(http.Handler) http.Handler) Option {
	return func(o *options) { o.admin = append(o.admin, mw...) }
}

// WithMaxBodySize overrides DefaultMaxBodySize.
func WithMaxBodySize(n int64) Option {
	return func(o *options) { o.maxBody = n }
}

// NewRouter mounts the webhook, customer and admin routes.
func NewRouter(d Deps, opts ...Option) chi.Router {
	switch {
	case d.Subscriptions == nil, d.Catalog == nil, d.Ledger == nil:
		panic("api: subscription manager, catalog and ledger are required")
	case d.Usage == nil, d.Gateways == nil, d.Providers == nil, d.Webhooks == nil:
		panic("api: usage counter, gateway service, providers and webhooks are required")
	}
	o := options{log: logger.Discard(), accounts: HeaderAccount(), maxBody: DefaultMaxBodySize}
	for _, opt := range opts {
		opt(&o)
	}

	b := newBinder(o.maxBody, o.log)
	h := &handlers{deps: d, b: b, maxBody: o.maxBody}

	r := chi.NewRouter()
	r.Use(requestid.Middleware)
	r.Use(middleware.Recoverer)
	r.Use(accessLog(o.log))
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		b.fail(w, r, ErrNotFound)
	})

	r.Post("/webhooks/{provider}", h.webhook)

	r.Group(func(r chi.Router) {
		r.Use(requireAccount(o.accounts, b))
		r.Get("/billing/plans", Wrap(b, h.plans))
		r.Post("/billing/checkout", Wrap(b, h.checkout))
		r.Post("/billing/cancel", Wrap(b, h.cancel))
		r.Post("/billing/change-plan", Wrap(b, h.changePlan))
		r.Post("/billing/reactivate", Wrap(b, h.reactivate))
		r.Get("/billing/subscription", Wrap(b, h.subscription))
		r.Get("/billing/payments", Wrap(b, h.payments))
		r.Get("/billing/usage", Wrap(b, h.usage))
		r.Post("/billing/usage/consume", Wrap(b, h.consume))
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(o.admin...)
		r.Get("/gateways", Wrap(b, h.listGateways))
		r.Get("/gateways/{provider}", Wrap(b, h.getGateway))
		r.Put("/gateways/{provider}", Wrap(b, h.updateGateway))
		r.Post("/gateways/{provider}/test", Wrap(b, h.testGateway))
		r.Post("/payments/{id}/confirm", Wrap(b, h.confirmPayment))
		r.Post("/payments/{id}/fail", Wrap(b, h.failPayment))
		r.Post("/payments/{id}/refund", Wrap(b, h.refundPayment))
		r.Post("/subscriptions/{id}/cancel", Wrap(b, h.adminCancel))
		r.Post("/subscriptions/{id}/manual-payment", Wrap(b, h.manualPayment))
		r.Post("/usage/{account}/reset", Wrap(b, h.resetUsage))
	})
	return r
}

type handlers struct {
	deps    Deps
	b       *Binder
	maxBody int64
}

func accessLog(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.DebugContext(r.Context(), "request handled",
				logger.RequestID(requestid.FromContext(r.Context())),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Int("bytes", ww.BytesWritten()),
			)
		})
	}
}
