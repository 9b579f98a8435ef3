package webhook_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billing/pkg/audit"
	"github.com/dmitrymomot/billing/pkg/billing"
	"github.com/dmitrymomot/billing/pkg/gateway"
	"github.com/dmitrymomot/billing/pkg/ledger"
	"github.com/dmitrymomot/billing/pkg/provider"
	"github.com/dmitrymomot/billing/pkg/subscription"
	"github.com/dmitrymomot/billing/pkg/webhook"
)

const manualSecret = "whsec_manual"

var now = time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)

type creds map[billing.Provider]gateway.Credentials

func (c creds) Credentials(_ context.Context, p billing.Provider) (gateway.Credentials, error) {
	cr, ok := c[p]
	if !ok {
		return gateway.Credentials{}, errors.New("provider disabled")
	}
	return cr, nil
}

// card parses manual-format payloads as card events and trusts a fixed
// header instead of a signature.
type card struct {
	parser *provider.Manual
}

func (c card) Name() billing.Provider { return billing.ProviderCard }

func (c card) CreateCheckout(_ context.Context, req provider.CheckoutRequest) (provider.Checkout, error) {
	u := "https://pay.example.com/" + req.PaymentID.String()
	return provider.Checkout{Reference: "txn_" + req.PaymentID.String(), URL: &u, Status: provider.CheckoutPending}, nil
}

func (c card) VerifySignature(_ context.Context, _ []byte, h http.Header, _ url.Values) error {
	if h.Get("X-Test-Signature") != "ok" {
		return billing.NewSignatureError(billing.ProviderCard, "bad signature")
	}
	return nil
}

func (c card) ParseEvent(payload []byte) (provider.Event, error) {
	ev, err := c.parser.ParseEvent(payload)
	ev.Provider = billing.ProviderCard
	return ev, err
}

type fixture struct {
	ledger   *ledger.Ledger
	mgr      *subscription.Manager
	registry *provider.Registry
	tx       billing.Transactor
	store    *webhook.MemoryStore
	sink     *audit.MemorySink
	rec      *webhook.Reconciler
	plan     subscription.Plan
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := func() time.Time { return now }
	tx := billing.NewLocalTransactor()
	subs := subscription.NewMemoryStore()
	plans := subscription.NewMemoryPlanStore()
	f := &fixture{store: webhook.NewMemoryStore(), sink: audit.NewMemorySink()}
	em := audit.NewEmitter(f.sink)

	manual := provider.NewManual(creds{
		billing.ProviderManual: gateway.NewCredentials(billing.ProviderManual, false, "",
			map[gateway.Field]string{gateway.FieldWebhookSecret: manualSecret}),
	}, provider.WithManualClock(clock))
	f.registry = provider.NewRegistry(manual, card{parser: manual})
	f.tx = tx

	f.ledger = ledger.New(ledger.NewMemoryStore(), tx, ledger.WithClock(clock))
	f.mgr = subscription.NewManager(subs, plans, f.ledger, f.registry, tx, subscription.WithClock(clock))
	f.rec = webhook.NewReconciler(f.registry, f.mgr, f.ledger, f.store, tx,
		webhook.WithClock(clock), webhook.WithAudit(em))

	catalog := subscription.NewCatalog(plans, subs, tx, subscription.WithCatalogClock(clock))
	p, err := catalog.Create(context.Background(), subscription.NewPlan{
		Slug: "pro", Name: "Pro", Price: 2900, Currency: "USD",
		Interval: billing.IntervalMonthly, Active: true,
	})
	require.NoError(t, err)
	f.plan = p
	return f
}

func (f *fixture) subscribe(t *testing.T, p billing.Provider) subscription.CheckoutResult {
	t.Helper()
	res, err := f.mgr.Subscribe(context.Background(), uuid.New(), f.plan.ID, p)
	require.NoError(t, err)
	return res
}

func payload(t *testing.T, ev provider.ManualEvent) []byte {
	t.Helper()
	b, err := json.Marshal(ev)
	require.NoError(t, err)
	return b
}

func cardDelivery(body []byte) webhook.Delivery {
	h := http.Header{}
	h.Set("X-Test-Signature", "ok")
	return webhook.Delivery{Provider: billing.ProviderCard, Body: body, Header: h}
}

func manualDelivery(body []byte, secret string) webhook.Delivery {
	h := http.Header{}
	h.Set(provider.HeaderManualTimestamp, strconv.FormatInt(now.Unix(), 10))
	h.Set(provider.HeaderManualSignature, provider.SignManual(secret, now.Unix(), body))
	return webhook.Delivery{Provider: billing.ProviderManual, Body: body, Header: h}
}

func TestReconciler_PaymentSucceeded(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	co := f.subscribe(t, billing.ProviderCard)
	require.Equal(t, ledger.StatusPending, co.Payment.Status)

	body := payload(t, provider.ManualEvent{
		ID: "evt_1", Kind: string(provider.KindPaymentSucceeded), Reference: co.Payment.ProviderReference,
	})

	res, err := f.rec.Process(ctx, cardDelivery(body))
	require.NoError(t, err)
	assert.Equal(t, webhook.OutcomeApplied, res.Outcome)
	assert.Equal(t, webhook.IdempotencyKey(billing.ProviderCard, co.Payment.ProviderReference, provider.KindPaymentSucceeded), res.Key)

	p, err := f.ledger.Get(ctx, co.Payment.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPaid, p.Status)
	rec, ok := f.store.Get(res.Key)
	require.True(t, ok)
	assert.Equal(t, webhook.OutcomeApplied, rec.Outcome)

	t.Run("duplicate delivery is a replay", func(t *testing.T) {
		res, err := f.rec.Process(ctx, cardDelivery(body))
		require.NoError(t, err)
		assert.Equal(t, webhook.OutcomeReplay, res.Outcome)

		payments, err := f.ledger.ListBySubscription(ctx, co.Subscription.ID)
		require.NoError(t, err)
		assert.Len(t, payments, 1)
	})
}

func TestReconciler_MatchesByMetadata(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	co := f.subscribe(t, billing.ProviderCard)

	body := payload(t, provider.ManualEvent{
		Kind:      string(provider.KindPaymentSucceeded),
		Reference: "ch_123",
		Metadata:  map[string]string{provider.MetaPaymentID: co.Payment.ID.String()},
	})
	res, err := f.rec.Process(ctx, cardDelivery(body))
	require.NoError(t, err)
	assert.Equal(t, webhook.OutcomeApplied, res.Outcome)

	p, err := f.ledger.Get(ctx, co.Payment.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPaid, p.Status)
	assert.Equal(t, co.Payment.ProviderReference, p.ProviderReference, "existing reference is kept")
}

func TestReconciler_Renewal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	co := f.subscribe(t, billing.ProviderCard)
	_, err := f.rec.Process(ctx, cardDelivery(payload(t, provider.ManualEvent{
		Kind: string(provider.KindPaymentSucceeded), Reference: co.Payment.ProviderReference,
	})))
	require.NoError(t, err)

	amount := int64(2900)
	body := payload(t, provider.ManualEvent{
		Kind:      string(provider.KindPaymentSucceeded),
		Reference: "txn_renewal_1",
		Amount:    &amount,
		Currency:  "usd",
		Metadata:  map[string]string{provider.MetaSubscriptionID: co.Subscription.ID.String()},
	})
	res, err := f.rec.Process(ctx, cardDelivery(body))
	require.NoError(t, err)
	assert.Equal(t, webhook.OutcomeApplied, res.Outcome)

	sub, err := f.mgr.Get(ctx, co.Subscription.ID)
	require.NoError(t, err)
	assert.Equal(t, co.Subscription.CurrentPeriodEnd, sub.CurrentPeriodStart)
	assert.True(t, sub.CurrentPeriodEnd.After(co.Subscription.CurrentPeriodEnd))

	renewal, err := f.ledger.FindByReference(ctx, billing.ProviderCard, "txn_renewal_1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPaid, renewal.Status)
	assert.Equal(t, "USD", renewal.Currency)
}

func TestReconciler_RenewalFailed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	co := f.subscribe(t, billing.ProviderCard)
	_, err := f.rec.Process(ctx, cardDelivery(payload(t, provider.ManualEvent{
		Kind: string(provider.KindPaymentSucceeded), Reference: co.Payment.ProviderReference,
	})))
	require.NoError(t, err)

	res, err := f.rec.Process(ctx, cardDelivery(payload(t, provider.ManualEvent{
		Kind:      string(provider.KindPaymentFailed),
		Reference: "txn_renewal_2",
		Metadata:  map[string]string{provider.MetaSubscriptionID: co.Subscription.ID.String()},
	})))
	require.NoError(t, err)
	assert.Equal(t, webhook.OutcomeApplied, res.Outcome)

	sub, err := f.mgr.Get(ctx, co.Subscription.ID)
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusPastDue, sub.Status)
}

func TestReconciler_Rejected(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	co := f.subscribe(t, billing.ProviderCard)
	ref := co.Payment.ProviderReference

	_, err := f.rec.Process(ctx, cardDelivery(payload(t, provider.ManualEvent{
		Kind: string(provider.KindPaymentFailed), Reference: ref,
	})))
	require.NoError(t, err)

	body := payload(t, provider.ManualEvent{Kind: string(provider.KindPaymentSucceeded), Reference: ref})
	res, err := f.rec.Process(ctx, cardDelivery(body))
	require.NoError(t, err)
	assert.Equal(t, webhook.OutcomeRejected, res.Outcome)
	assert.NotEmpty(t, res.Reason)
	assert.Contains(t, f.sink.Actions(), audit.ActionWebhookRejected)

	p, err := f.ledger.Get(ctx, co.Payment.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, p.Status, "confirmation rolled back")
	sub, err := f.mgr.Get(ctx, co.Subscription.ID)
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusPastDue, sub.Status)

	res, err = f.rec.Process(ctx, cardDelivery(body))
	require.NoError(t, err)
	assert.Equal(t, webhook.OutcomeReplay, res.Outcome)
}

// blindStore never reports a key as seen, as when two deliveries both pass
// the existence check before either commits.
type blindStore struct {
	*webhook.MemoryStore
}

func (blindStore) Exists(context.Context, string) (bool, error) { return false, nil }

func TestReconciler_RejectedRaceIsReplay(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	rec := webhook.NewReconciler(f.registry, f.mgr, f.ledger, blindStore{f.store}, f.tx,
		webhook.WithClock(func() time.Time { return now }), webhook.WithAudit(audit.NewEmitter(f.sink)))
	co := f.subscribe(t, billing.ProviderCard)
	ref := co.Payment.ProviderReference

	_, err := rec.Process(ctx, cardDelivery(payload(t, provider.ManualEvent{
		Kind: string(provider.KindPaymentFailed), Reference: ref,
	})))
	require.NoError(t, err)

	body := payload(t, provider.ManualEvent{Kind: string(provider.KindPaymentSucceeded), Reference: ref})
	res, err := rec.Process(ctx, cardDelivery(body))
	require.NoError(t, err)
	require.Equal(t, webhook.OutcomeRejected, res.Outcome)

	res, err = rec.Process(ctx, cardDelivery(body))
	require.NoError(t, err)
	assert.Equal(t, webhook.OutcomeReplay, res.Outcome)
	assert.Empty(t, res.Reason)

	rejected := 0
	for _, a := range f.sink.Actions() {
		if a == audit.ActionWebhookRejected {
			rejected++
		}
	}
	assert.Equal(t, 1, rejected, "the losing delivery is not audited")
}

func TestReconciler_ConcurrentDuplicates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	const n = 16

	process := func(t *testing.T, f *fixture, body []byte) map[webhook.Outcome]int {
		t.Helper()
		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			outcomes = make(map[webhook.Outcome]int)
		)
		for range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := f.rec.Process(ctx, cardDelivery(body))
				assert.NoError(t, err)
				mu.Lock()
				outcomes[res.Outcome]++
				mu.Unlock()
			}()
		}
		wg.Wait()
		return outcomes
	}

	t.Run("confirmation applies once", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		co := f.subscribe(t, billing.ProviderCard)
		body := payload(t, provider.ManualEvent{
			Kind: string(provider.KindPaymentSucceeded), Reference: co.Payment.ProviderReference,
		})

		outcomes := process(t, f, body)
		assert.Equal(t, map[webhook.Outcome]int{webhook.OutcomeApplied: 1, webhook.OutcomeReplay: n - 1}, outcomes)

		payments, err := f.ledger.ListBySubscription(ctx, co.Subscription.ID)
		require.NoError(t, err)
		require.Len(t, payments, 1)
		assert.Equal(t, ledger.StatusPaid, payments[0].Status)
	})

	t.Run("renewal is recorded once", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		co := f.subscribe(t, billing.ProviderCard)
		_, err := f.mgr.ConfirmPayment(ctx, co.Payment.ID, time.Time{})
		require.NoError(t, err)
		body := payload(t, provider.ManualEvent{
			Kind:      string(provider.KindPaymentSucceeded),
			Reference: "txn_renewal_concurrent",
			Metadata:  map[string]string{provider.MetaSubscriptionID: co.Subscription.ID.String()},
		})

		outcomes := process(t, f, body)
		assert.Equal(t, 1, outcomes[webhook.OutcomeApplied])
		assert.Equal(t, n-1, outcomes[webhook.OutcomeReplay])

		payments, err := f.ledger.ListBySubscription(ctx, co.Subscription.ID)
		require.NoError(t, err)
		assert.Len(t, payments, 2)
	})
}

func TestReconciler_FailureAfterCancel(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	co := f.subscribe(t, billing.ProviderCard)
	_, err := f.mgr.CancelSubscription(ctx, co.Subscription.ID, false)
	require.NoError(t, err)

	res, err := f.rec.Process(ctx, cardDelivery(payload(t, provider.ManualEvent{
		Kind: string(provider.KindPaymentFailed), Reference: co.Payment.ProviderReference,
	})))
	require.NoError(t, err)
	assert.Equal(t, webhook.OutcomeApplied, res.Outcome)

	p, err := f.ledger.Get(ctx, co.Payment.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, p.Status)
	sub, err := f.mgr.Get(ctx, co.Subscription.ID)
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusCanceled, sub.Status)
}

func TestReconciler_Refund(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	co := f.subscribe(t, billing.ProviderCard)
	ref := co.Payment.ProviderReference

	_, err := f.rec.Process(ctx, cardDelivery(payload(t, provider.ManualEvent{
		Kind: string(provider.KindPaymentSucceeded), Reference: ref,
	})))
	require.NoError(t, err)

	refund := payload(t, provider.ManualEvent{Kind: string(provider.KindPaymentRefunded), Reference: ref})
	res, err := f.rec.Process(ctx, cardDelivery(refund))
	require.NoError(t, err)
	assert.Equal(t, webhook.OutcomeApplied, res.Outcome)

	p, err := f.ledger.Get(ctx, co.Payment.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusRefunded, p.Status)
	sub, err := f.mgr.Get(ctx, co.Subscription.ID)
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusActive, sub.Status, "refund leaves the subscription alone")
}

func TestReconciler_SubscriptionCanceled(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	co := f.subscribe(t, billing.ProviderCard)
	_, err := f.mgr.LinkProviderReference(ctx, co.Subscription.ID, "sub_remote_1")
	require.NoError(t, err)

	body := payload(t, provider.ManualEvent{Kind: string(provider.KindSubscriptionCanceled), Reference: "sub_remote_1"})
	res, err := f.rec.Process(ctx, cardDelivery(body))
	require.NoError(t, err)
	assert.Equal(t, webhook.OutcomeApplied, res.Outcome)

	sub, err := f.mgr.Get(ctx, co.Subscription.ID)
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusCanceled, sub.Status)
}

func TestReconciler_Errors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	body := payload(t, provider.ManualEvent{Kind: string(provider.KindPaymentSucceeded), Reference: "manual_unknown"})

	t.Run("unknown provider", func(t *testing.T) {
		_, err := f.rec.Process(ctx, webhook.Delivery{Provider: billing.ProviderWallet, Body: body})
		assert.ErrorIs(t, err, provider.ErrUnknownProvider)
	})

	t.Run("bad signature", func(t *testing.T) {
		_, err := f.rec.Process(ctx, manualDelivery(body, "wrong"))
		assert.True(t, billing.IsSignatureError(err))
	})

	t.Run("malformed payload", func(t *testing.T) {
		bad := []byte(`{"kind":`)
		_, err := f.rec.Process(ctx, manualDelivery(bad, manualSecret))
		assert.ErrorIs(t, err, provider.ErrMalformedEvent)
	})

	t.Run("unmatched event is not recorded", func(t *testing.T) {
		res, err := f.rec.Process(ctx, manualDelivery(body, manualSecret))
		assert.ErrorIs(t, err, webhook.ErrUnmatchedEvent)
		_, ok := f.store.Get(webhook.IdempotencyKey(billing.ProviderManual, "manual_unknown", provider.KindPaymentSucceeded))
		assert.False(t, ok)
		assert.Empty(t, res.Outcome)
	})

	t.Run("unknown kind is ignored", func(t *testing.T) {
		other := payload(t, provider.ManualEvent{Kind: "customer.updated", Reference: "cus_1"})
		res, err := f.rec.Process(ctx, manualDelivery(other, manualSecret))
		require.NoError(t, err)
		assert.Equal(t, webhook.OutcomeIgnored, res.Outcome)
		assert.Empty(t, res.Key)
	})
}

func TestReconciler_ManualAlreadyPaid(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	co := f.subscribe(t, billing.ProviderManual)
	require.Equal(t, ledger.StatusPaid, co.Payment.Status)

	body := payload(t, provider.ManualEvent{
		Kind: string(provider.KindPaymentSucceeded), Reference: provider.ManualReference(co.Payment.ID),
	})
	res, err := f.rec.Process(ctx, manualDelivery(body, manualSecret))
	require.NoError(t, err)
	assert.Equal(t, webhook.OutcomeIgnored, res.Outcome)

	rec, ok := f.store.Get(res.Key)
	require.True(t, ok, "ignored events are recorded")
	assert.Equal(t, webhook.OutcomeIgnored, rec.Outcome)
}
