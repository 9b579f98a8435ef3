package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	"github.com/dmitrymomot/billing/pkg/api"
	"github.com/dmitrymomot/billing/pkg/audit"
	"github.com/dmitrymomot/billing/pkg/config"
	"github.com/dmitrymomot/billing/pkg/gateway"
	"github.com/dmitrymomot/billing/pkg/httpserver"
	"github.com/dmitrymomot/billing/pkg/ledger"
	"github.com/dmitrymomot/billing/pkg/logger"
	"github.com/dmitrymomot/billing/pkg/pg"
	"github.com/dmitrymomot/billing/pkg/provider"
	"github.com/dmitrymomot/billing/pkg/redis"
	"github.com/dmitrymomot/billing/pkg/requestid"
	"github.com/dmitrymomot/billing/pkg/secrets"
	"github.com/dmitrymomot/billing/pkg/subscription"
	"github.com/dmitrymomot/billing/pkg/usage"
	"github.com/dmitrymomot/billing/pkg/webhook"
)

// app holds the wired engine. Fields stay nil for dependencies a command
// did not ask for.
type app struct {
	cfg   appConfig
	pgCfg pg.Config
	log   *slog.Logger

	pool  *pgxpool.Pool
	redis *goredis.Client

	catalog  *subscription.Catalog
	subs     *subscription.Manager
	ledger   *ledger.Ledger
	usage    *usage.Counter
	gateways *gateway.Service
	registry *provider.Registry
	webhooks *webhook.Reconciler
}

func newLogger(cfg appConfig) *slog.Logger {
	return logger.New(
		logger.WithEnvironment(cfg.Env, cfg.Name),
		logger.WithLevelName(cfg.LogLevel),
		logger.WithContextExtractors(
			requestid.LoggerExtractor(),
			accountExtractor,
		),
	)
}

func accountExtractor(ctx context.Context) (slog.Attr, bool) {
	if id, ok := api.AccountFromContext(ctx); ok {
		return logger.AccountID(id), true
	}
	return slog.Attr{}, false
}

// connect opens the database and, when the engine is needed, wires every
// component on top of it.
func connect(ctx context.Context, cfg appConfig, log *slog.Logger, withEngine bool) (*app, error) {
	a := &app{cfg: cfg, log: log}
	if err := config.Load(&a.pgCfg); err != nil {
		return nil, err
	}

	pool, err := pg.Connect(ctx, a.pgCfg)
	if err != nil {
		return nil, err
	}
	a.pool = pool
	if !withEngine {
		return a, nil
	}

	if err := a.wire(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	sealer, err := secrets.NewSealerFromHex(a.cfg.MasterKey)
	if err != nil {
		return err
	}

	em := audit.NewEmitter(audit.NewSlogSink(a.log.With(logger.Component("audit"))))
	tx := pg.NewTxManager(a.pool)

	a.gateways = gateway.NewService(gateway.NewPGStore(a.pool), sealer,
		gateway.WithLogger(a.log),
		gateway.WithAudit(em),
	)
	a.registry = provider.NewRegistry(
		provider.NewManual(a.gateways),
		provider.NewCard(a.gateways),
		provider.NewWallet(a.gateways, provider.WithWalletTimeout(a.cfg.ProviderTimeout)),
	)

	subStore := subscription.NewPGStore(a.pool)
	planStore := subscription.NewPGPlanStore(a.pool)

	a.ledger = ledger.New(ledger.NewPGStore(a.pool), tx,
		ledger.WithLogger(a.log),
		ledger.WithAudit(em),
	)
	a.catalog = subscription.NewCatalog(planStore, subStore, tx,
		subscription.WithCatalogLogger(a.log),
	)
	a.subs = subscription.NewManager(subStore, planStore, a.ledger, a.registry, tx,
		subscription.WithLogger(a.log),
		subscription.WithAudit(em),
		subscription.WithProviderTimeout(a.cfg.ProviderTimeout),
		subscription.WithDefaultProvider(a.cfg.DefaultProvider),
		subscription.WithGracePeriod(a.cfg.GracePeriod),
	)

	var store usage.Store
	switch a.cfg.UsageStore {
	case usageStoreRedis:
		var rcfg redis.Config
		if err := config.Load(&rcfg); err != nil {
			return err
		}
		client, err := redis.Connect(ctx, rcfg)
		if err != nil {
			return err
		}
		a.redis = client
		store = usage.NewRedisStore(client, rcfg.KeyPrefix)
	default:
		store = usage.NewPGStore(a.pool, tx)
	}
	a.usage = usage.NewCounter(store, a.subs,
		usage.WithLogger(a.log),
		usage.WithAudit(em),
	)

	a.webhooks = webhook.NewReconciler(a.registry, a.subs, a.ledger, webhook.NewPGStore(a.pool), tx,
		webhook.WithLogger(a.log),
		webhook.WithAudit(em),
	)
	return nil
}

func (a *app) handler() http.Handler {
	opts := []api.Option{api.WithLogger(a.log)}
	if a.cfg.AdminToken != "" {
		opts = append(opts, api.WithAdminMiddleware(adminToken(a.cfg.AdminToken)))
	} else {
		opts = append(opts, api.WithAdminMiddleware(denyAll))
	}

	r := api.NewRouter(api.Deps{
		Subscriptions: a.subs,
		Catalog:       a.catalog,
		Ledger:        a.ledger,
		Usage:         a.usage,
		Gateways:      a.gateways,
		Providers:     a.registry,
		Webhooks:      a.webhooks,
	}, opts...)

	checks := map[string]httpserver.Check{"postgres": pg.Healthcheck(a.pool)}
	if a.redis != nil {
		checks["redis"] = redis.Healthcheck(a.redis)
	}
	r.Get("/healthz", httpserver.HealthHandler(a.log, a.cfg.ProviderTimeout, nil))
	r.Get("/readyz", httpserver.HealthHandler(a.log, a.cfg.ProviderTimeout, checks))
	return r
}

func (a *app) sweep(ctx context.Context) error {
	rep, err := a.subs.Sweep(ctx)
	if err != nil {
		return err
	}
	if rep.Total() > 0 || rep.Errors > 0 {
		a.log.InfoContext(ctx, "sweep finished",
			slog.Int("canceled", rep.Canceled),
			slog.Int("expired", rep.Expired),
			slog.Int("renewed", rep.Renewed),
			slog.Int("errors", rep.Errors),
		)
	}
	return nil
}

func (a *app) close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Error("failed to close redis client", logger.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

var errAdminDenied = errors.New("admin token mismatch")

// adminToken accepts requests carrying "Authorization: Bearer <token>".
func adminToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				_ = api.JSONError(errors.Join(api.ErrUnauthorized, errAdminDenied)).Render(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func denyAll(http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = api.JSONError(api.ErrNotFound).Render(w, r)
	})
}
