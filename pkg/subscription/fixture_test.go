package subscription_test

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billing/pkg/audit"
	"github.com/dmitrymomot/billing/pkg/billing"
	"github.com/dmitrymomot/billing/pkg/gateway"
	"github.com/dmitrymomot/billing/pkg/ledger"
	"github.com/dmitrymomot/billing/pkg/provider"
	"github.com/dmitrymomot/billing/pkg/subscription"
)

var start = time.Date(2025, 4, 10, 9, 30, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

// stubCard behaves like a hosted card checkout: pending until a webhook.
type stubCard struct {
	mu       sync.Mutex
	err      error
	requests []provider.CheckoutRequest
	// seen runs before the checkout is answered.
	seen func(req provider.CheckoutRequest)
}

func (s *stubCard) Name() billing.Provider { return billing.ProviderCard }

func (s *stubCard) CreateCheckout(_ context.Context, req provider.CheckoutRequest) (provider.Checkout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen != nil {
		s.seen(req)
	}
	if s.err != nil {
		return provider.Checkout{}, s.err
	}
	s.requests = append(s.requests, req)
	u := "https://pay.example.com/checkout/" + req.PaymentID.String()
	return provider.Checkout{Reference: "txn_" + req.PaymentID.String(), URL: &u, Status: provider.CheckoutPending}, nil
}

func (s *stubCard) VerifySignature(context.Context, []byte, http.Header, url.Values) error {
	return nil
}

func (s *stubCard) ParseEvent([]byte) (provider.Event, error) {
	return provider.Event{}, provider.ErrMalformedEvent
}

func (s *stubCard) Requests() []provider.CheckoutRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]provider.CheckoutRequest(nil), s.requests...)
}

func (s *stubCard) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *stubCard) OnCheckout(fn func(req provider.CheckoutRequest)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = fn
}

type noCredentials struct{}

func (noCredentials) Credentials(context.Context, billing.Provider) (gateway.Credentials, error) {
	return gateway.Credentials{}, errors.New("no credentials")
}

type fixture struct {
	clock   *clock
	subs    *subscription.MemoryStore
	catalog *subscription.Catalog
	ledger  *ledger.Ledger
	card    *stubCard
	sink    *audit.MemorySink
	mgr     *subscription.Manager
}

func newFixture(t *testing.T, opts ...subscription.ManagerOption) *fixture {
	t.Helper()
	f := &fixture{
		clock: &clock{t: start},
		subs:  subscription.NewMemoryStore(),
		card:  &stubCard{},
		sink:  audit.NewMemorySink(),
	}
	plans := subscription.NewMemoryPlanStore()
	tx := billing.NewLocalTransactor()
	em := audit.NewEmitter(f.sink)

	f.catalog = subscription.NewCatalog(plans, f.subs, tx, subscription.WithCatalogClock(f.clock.Now))
	f.ledger = ledger.New(ledger.NewMemoryStore(), tx, ledger.WithClock(f.clock.Now), ledger.WithAudit(em))
	registry := provider.NewRegistry(provider.NewManual(noCredentials{}), f.card)

	opts = append([]subscription.ManagerOption{
		subscription.WithClock(f.clock.Now),
		subscription.WithAudit(em),
	}, opts...)
	f.mgr = subscription.NewManager(f.subs, plans, f.ledger, registry, tx, opts...)
	return f
}

func (f *fixture) plan(t *testing.T, n subscription.NewPlan) subscription.Plan {
	t.Helper()
	if n.Currency == "" {
		n.Currency = "USD"
	}
	if n.Interval == "" {
		n.Interval = billing.IntervalMonthly
	}
	n.Active = true
	p, err := f.catalog.Create(context.Background(), n)
	require.NoError(t, err)
	return p
}
