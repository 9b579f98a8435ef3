package subscription

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billing/pkg/audit"
	"github.com/dmitrymomot/billing/pkg/billing"
	"github.com/dmitrymomot/billing/pkg/ledger"
	"github.com/dmitrymomot/billing/pkg/logger"
	"github.com/dmitrymomot/billing/pkg/provider"
	"github.com/dmitrymomot/billing/pkg/usage"
)

const (
	DefaultProviderTimeout = 15 * time.Second
	DefaultSweepBatch      = 100
)

// Manager runs the subscription lifecycle. Every operation that touches a
// subscription locks its row for the duration of the transaction.
type Manager struct {
	subs      Store
	plans     PlanStore
	ledger    *ledger.Ledger
	providers *provider.Registry
	tx        billing.Transactor

	now             func() time.Time
	log             *slog.Logger
	audit           audit.Emitter
	providerTimeout time.Duration
	defaultProvider billing.Provider
	grace           time.Duration
	sweepBatch      int
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the manager logger.
func WithLogger(log *slog.Logger) ManagerOption {
	return func(m *Manager) { m.log = log }
}

// WithAudit sets the audit emitter.
func WithAudit(em audit.Emitter) ManagerOption {
	return func(m *Manager) { m.audit = em }
}

// WithProviderTimeout bounds every outbound provider call.
func WithProviderTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.providerTimeout = d
		}
	}
}

// WithDefaultProvider sets the provider used when a request names none.
func WithDefaultProvider(p billing.Provider) ManagerOption {
	return func(m *Manager) { m.defaultProvider = p }
}

// WithGracePeriod keeps a subscription live for d after its period ends.
func WithGracePeriod(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d >= 0 {
			m.grace = d
		}
	}
}

// WithSweepBatch sets how many due subscriptions Sweep loads at once.
func WithSweepBatch(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.sweepBatch = n
		}
	}
}

// NewManager creates a Manager.
func NewManager(subs Store, plans PlanStore, l *ledger.Ledger, providers *provider.Registry, tx billing.Transactor, opts ...ManagerOption) *Manager {
	switch {
	case subs == nil:
		panic("subscription: subscription store is required")
	case plans == nil:
		panic("subscription: plan store is required")
	case l == nil:
		panic("subscription: ledger is required")
	case providers == nil:
		panic("subscription: provider registry is required")
	case tx == nil:
		panic("subscription: transactor is required")
	}
	m := &Manager{
		subs:            subs,
		plans:           plans,
		ledger:          l,
		providers:       providers,
		tx:              tx,
		now:             time.Now,
		log:             logger.Discard(),
		audit:           audit.Nop(),
		providerTimeout: DefaultProviderTimeout,
		defaultProvider: billing.ProviderManual,
		sweepBatch:      DefaultSweepBatch,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get returns a subscription by id without expiring it.
func (m *Manager) Get(ctx context.Context, id uuid.UUID) (Subscription, error) {
	return m.subs.Get(ctx, id)
}

// FindByReference returns the subscription a provider knows by ref.
func (m *Manager) FindByReference(ctx context.Context, p billing.Provider, ref string) (Subscription, error) {
	if ref == "" {
		return Subscription{}, ErrSubscriptionNotFound
	}
	return m.subs.FindByReference(ctx, p, ref)
}

// Current returns the latest subscription of an account. A live
// subscription whose period has ended is expired first, so callers never
// see a stale live status.
func (m *Manager) Current(ctx context.Context, accountID uuid.UUID) (Subscription, error) {
	sub, err := m.subs.Latest(ctx, accountID)
	if err != nil {
		return Subscription{}, err
	}
	if !sub.IsLive() || !m.due(sub, m.now()) {
		return sub, nil
	}
	out, _, err := m.Expire(ctx, sub.ID)
	if err != nil {
		return Subscription{}, err
	}
	return out, nil
}

// Live returns the live subscription of an account.
func (m *Manager) Live(ctx context.Context, accountID uuid.UUID) (Subscription, error) {
	sub, err := m.Current(ctx, accountID)
	if err != nil {
		return Subscription{}, err
	}
	if !sub.IsLive() {
		return Subscription{}, ErrSubscriptionNotFound
	}
	return sub, nil
}

// Plan returns the plan a subscription is on, soft-deleted or not.
func (m *Manager) Plan(ctx context.Context, sub Subscription) (Plan, error) {
	return m.plans.Get(ctx, sub.PlanID, true)
}

// Period resolves the usage period of an account from its live
// subscription. It implements usage.PeriodResolver.
func (m *Manager) Period(ctx context.Context, accountID uuid.UUID) (usage.Period, error) {
	sub, err := m.Live(ctx, accountID)
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			return usage.Period{}, errors.Join(usage.ErrNoActivePeriod, err)
		}
		return usage.Period{}, err
	}
	plan, err := m.Plan(ctx, sub)
	if err != nil {
		return usage.Period{}, err
	}
	return usage.Period{
		SubscriptionID: sub.ID,
		Start:          sub.CurrentPeriodStart,
		End:            sub.CurrentPeriodEnd,
		Quota:          plan.Quota.Normalize(),
	}, nil
}

// Payments lists the payments recorded for a subscription.
func (m *Manager) Payments(ctx context.Context, subscriptionID uuid.UUID) ([]ledger.Payment, error) {
	return m.ledger.ListBySubscription(ctx, subscriptionID)
}

// LinkProviderReference stores the provider-side subscription id. Setting
// the same reference again is a no-op.
func (m *Manager) LinkProviderReference(ctx context.Context, id uuid.UUID, ref string) (Subscription, error) {
	if ref == "" {
		return Subscription{}, billing.NewFieldError("provider_reference", "is required")
	}
	var out Subscription
	err := m.tx.WithinTx(ctx, func(ctx context.Context) error {
		sub, err := m.subs.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if sub.ProviderReference == ref {
			out = sub
			return nil
		}
		sub.ProviderReference = ref
		sub.UpdatedAt = m.now().UTC()
		if err := m.subs.Update(ctx, sub); err != nil {
			return err
		}
		out = sub
		return nil
	})
	return out, err
}

func (m *Manager) due(sub Subscription, now time.Time) bool {
	return sub.IsDue(now.Add(-m.grace))
}

func (m *Manager) fire(ctx context.Context, sub Subscription, event Event, data any) (Status, error) {
	to, err := machine.Fire(ctx, sub.Status, event, data)
	if err != nil {
		var ite *billing.InvalidTransitionError
		if errors.As(err, &ite) {
			ite.ID = sub.ID.String()
		}
		return "", err
	}
	return to, nil
}

// adapter resolves the provider adapter of p.
func (m *Manager) adapter(p billing.Provider) (provider.Adapter, error) {
	if p == "" {
		p = m.defaultProvider
	}
	if !p.Valid() {
		return nil, billing.NewFieldError("provider", "is not supported")
	}
	return m.providers.Get(p)
}

func (m *Manager) logTransition(ctx context.Context, sub Subscription, from Status, reason string) {
	if from == sub.Status {
		return
	}
	m.log.InfoContext(ctx, "subscription status changed",
		logger.SubscriptionID(sub.ID),
		logger.AccountID(sub.AccountID),
		logger.Transition(string(from), string(sub.Status)),
		slog.String("reason", reason),
	)
	billing.AfterCommit(ctx, func(ctx context.Context) {
		_ = m.audit.Log(ctx, audit.ActionSubscriptionStatus,
			audit.WithAccount(sub.AccountID.String()),
			audit.WithResource("subscription", sub.ID.String()),
			audit.WithMetadata("from", string(from)),
			audit.WithMetadata("to", string(sub.Status)),
			audit.WithMetadata("reason", reason),
		)
	})
}
