package provider_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billing/pkg/billing"
	"github.com/dmitrymomot/billing/pkg/gateway"
	"github.com/dmitrymomot/billing/pkg/provider"
)

type staticCreds map[billing.Provider]gateway.Credentials

func (s staticCreds) Credentials(_ context.Context, p billing.Provider) (gateway.Credentials, error) {
	c, ok := s[p]
	if !ok {
		return gateway.Credentials{}, gateway.ErrProviderDisabled
	}
	return c, nil
}

func checkoutRequest() provider.CheckoutRequest {
	return provider.CheckoutRequest{
		AccountID:      uuid.New(),
		SubscriptionID: uuid.New(),
		PaymentID:      uuid.New(),
		Plan:           provider.PlanSnapshot{ID: uuid.New(), Slug: "pro", Name: "Pro", Interval: billing.IntervalMonthly},
		Amount:         1500,
		Currency:       "USD",
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	creds := staticCreds{}
	reg := provider.NewRegistry(provider.NewManual(creds), provider.NewCard(creds), provider.NewWallet(creds))

	a, err := reg.Get(billing.ProviderWallet)
	require.NoError(t, err)
	assert.Equal(t, billing.ProviderWallet, a.Name())

	_, err = reg.Get("cash")
	assert.ErrorIs(t, err, provider.ErrUnknownProvider)

	assert.Equal(t, []billing.Provider{billing.ProviderCard, billing.ProviderManual, billing.ProviderWallet}, reg.Names())
}

func TestManual_Checkout(t *testing.T) {
	t.Parallel()

	m := provider.NewManual(staticCreds{})
	req := checkoutRequest()
	co, err := m.CreateCheckout(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, provider.CheckoutApproved, co.Status)
	assert.Equal(t, "manual_"+req.PaymentID.String(), co.Reference)
	assert.Nil(t, co.URL)
}

func TestManual_VerifySignature(t *testing.T) {
	t.Parallel()

	const secret = "manual-webhook-secret"
	now := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	creds := staticCreds{
		billing.ProviderManual: gateway.NewCredentials(billing.ProviderManual, false, "",
			map[gateway.Field]string{gateway.FieldWebhookSecret: secret}),
	}
	m := provider.NewManual(creds, provider.WithManualClock(func() time.Time { return now }))
	payload := []byte(`{"kind":"payment_succeeded","reference":"manual_1"}`)

	signed := func(ts time.Time, key string) http.Header {
		h := http.Header{}
		h.Set(provider.HeaderManualTimestamp, strconv.FormatInt(ts.Unix(), 10))
		h.Set(provider.HeaderManualSignature, provider.SignManual(key, ts.Unix(), payload))
		return h
	}

	tests := []struct {
		name   string
		header http.Header
		ok     bool
	}{
		{"valid", signed(now.Add(-time.Minute), secret), true},
		{"wrong secret", signed(now, "other"), false},
		{"too old", signed(now.Add(-6*time.Minute), secret), false},
		{"future", signed(now.Add(2*time.Minute), secret), false},
		{"missing headers", http.Header{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.VerifySignature(context.Background(), payload, tt.header, nil)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.True(t, billing.IsSignatureError(err))
			assert.NotContains(t, err.Error(), "mismatch", "reason must stay out of the message")
		})
	}

	t.Run("disabled provider", func(t *testing.T) {
		err := provider.NewManual(staticCreds{}).VerifySignature(context.Background(), payload, signed(now, secret), nil)
		assert.True(t, billing.IsSignatureError(err))
	})
}

func TestManual_ParseEvent(t *testing.T) {
	t.Parallel()

	m := provider.NewManual(staticCreds{})
	pid := uuid.New()
	ev, err := m.ParseEvent([]byte(fmt.Sprintf(
		`{"id":"evt_1","kind":"payment_succeeded","reference":"manual_x","amount":990,"metadata":{"payment_id":%q}}`, pid)))
	require.NoError(t, err)
	assert.Equal(t, provider.KindPaymentSucceeded, ev.Kind)
	assert.Equal(t, "manual_x", ev.Reference)
	require.NotNil(t, ev.Amount)
	assert.EqualValues(t, 990, *ev.Amount)
	got, ok := ev.PaymentID()
	assert.True(t, ok)
	assert.Equal(t, pid, got)

	ev, err = m.ParseEvent([]byte(`{"kind":"something_else","reference":"r"}`))
	require.NoError(t, err)
	assert.Equal(t, provider.KindUnknown, ev.Kind)

	_, err = m.ParseEvent([]byte(`{`))
	assert.ErrorIs(t, err, provider.ErrMalformedEvent)
	_, err = m.ParseEvent([]byte(`{"kind":"payment_failed"}`))
	assert.ErrorIs(t, err, provider.ErrMalformedEvent)
}

func paddleSignature(secret string, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte(":"))
	mac.Write(body)
	return fmt.Sprintf("ts=%d;h1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func TestCard_VerifySignature(t *testing.T) {
	t.Parallel()

	const secret = "pdl_ntfset_secret"
	creds := staticCreds{
		billing.ProviderCard: gateway.NewCredentials(billing.ProviderCard, true, "", map[gateway.Field]string{
			gateway.FieldAPIKey:        "pdl_sdbx_apikey",
			gateway.FieldWebhookSecret: secret,
		}),
	}
	card := provider.NewCard(creds)
	body := []byte(`{"event_type":"transaction.completed","data":{"id":"txn_1"}}`)
	ts := time.Now().Unix()

	h := http.Header{}
	h.Set(provider.HeaderPaddleSignature, paddleSignature(secret, ts, body))
	assert.NoError(t, card.VerifySignature(context.Background(), body, h, nil))

	h.Set(provider.HeaderPaddleSignature, paddleSignature("wrong", ts, body))
	assert.True(t, billing.IsSignatureError(card.VerifySignature(context.Background(), body, h, nil)))

	assert.True(t, billing.IsSignatureError(card.VerifySignature(context.Background(), body, http.Header{}, nil)))
}

func TestCard_ParseEvent(t *testing.T) {
	t.Parallel()

	card := provider.NewCard(staticCreds{})
	pid := uuid.New()

	tests := []struct {
		name    string
		payload string
		kind    provider.Kind
		ref     string
		amount  int64
	}{
		{
			name:    "transaction completed",
			payload: fmt.Sprintf(`{"event_id":"evt_1","event_type":"transaction.completed","occurred_at":"2025-05-01T10:00:00Z","data":{"id":"txn_1","subscription_id":"sub_9","currency_code":"USD","custom_data":{"payment_id":%q},"details":{"totals":{"grand_total":"1500"}}}}`, pid),
			kind:    provider.KindPaymentSucceeded,
			ref:     "txn_1",
			amount:  1500,
		},
		{
			name:    "payment failed",
			payload: `{"event_type":"transaction.payment_failed","data":{"id":"txn_2"}}`,
			kind:    provider.KindPaymentFailed,
			ref:     "txn_2",
		},
		{
			name:    "approved refund",
			payload: `{"event_type":"adjustment.created","data":{"id":"adj_1","action":"refund","status":"approved","transaction_id":"txn_1","totals":{"total":"1500"}}}`,
			kind:    provider.KindPaymentRefunded,
			ref:     "txn_1",
			amount:  1500,
		},
		{
			name:    "pending refund",
			payload: `{"event_type":"adjustment.created","data":{"id":"adj_2","action":"refund","status":"pending_approval","transaction_id":"txn_1"}}`,
			kind:    provider.KindUnknown,
			ref:     "adj_2",
		},
		{
			name:    "subscription canceled",
			payload: `{"event_type":"subscription.canceled","data":{"id":"sub_9","status":"canceled"}}`,
			kind:    provider.KindSubscriptionCanceled,
			ref:     "sub_9",
		},
		{
			name:    "unmapped",
			payload: `{"event_type":"customer.updated","data":{"id":"ctm_1"}}`,
			kind:    provider.KindUnknown,
			ref:     "ctm_1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := card.ParseEvent([]byte(tt.payload))
			require.NoError(t, err)
			assert.Equal(t, tt.kind, ev.Kind)
			assert.Equal(t, tt.ref, ev.Reference)
			if tt.amount > 0 {
				require.NotNil(t, ev.Amount)
				assert.Equal(t, tt.amount, *ev.Amount)
			}
		})
	}

	ev, err := card.ParseEvent([]byte(tests[0].payload))
	require.NoError(t, err)
	assert.Equal(t, "sub_9", ev.SubscriptionReference)
	got, ok := ev.PaymentID()
	assert.True(t, ok)
	assert.Equal(t, pid, got)

	_, err = card.ParseEvent([]byte(`{"event_type":"transaction.completed","data":{}}`))
	assert.ErrorIs(t, err, provider.ErrMalformedEvent)
}

func TestCard_CheckoutRequiresPrice(t *testing.T) {
	t.Parallel()

	card := provider.NewCard(staticCreds{})
	_, err := card.CreateCheckout(context.Background(), checkoutRequest())
	assert.True(t, billing.IsValidationError(err))
}

func TestCard_CheckoutDisabled(t *testing.T) {
	t.Parallel()

	card := provider.NewCard(staticCreds{})
	req := checkoutRequest()
	req.Plan.PriceID = "pri_1"
	_, err := card.CreateCheckout(context.Background(), req)
	require.True(t, billing.IsProviderError(err))
	assert.ErrorIs(t, err, gateway.ErrProviderDisabled)
}

func newPaddleServer(t *testing.T, bodies chan<- map[string]any) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /transactions", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		bodies <- body
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"data":{"id":"txn_1","status":"draft","checkout":{"url":"https://pay.example.com/txn_1"}}}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestCard_CheckoutItems(t *testing.T) {
	t.Parallel()

	creds := staticCreds{
		billing.ProviderCard: gateway.NewCredentials(billing.ProviderCard, true, "", map[gateway.Field]string{
			gateway.FieldAPIKey: "pdl_sdbx_apikey",
		}),
	}

	firstItem := func(t *testing.T, body map[string]any) map[string]any {
		t.Helper()
		items, ok := body["items"].([]any)
		require.True(t, ok)
		require.Len(t, items, 1)
		item, ok := items[0].(map[string]any)
		require.True(t, ok)
		return item
	}

	t.Run("catalog price for the full amount", func(t *testing.T) {
		t.Parallel()

		bodies := make(chan map[string]any, 1)
		srv := newPaddleServer(t, bodies)
		card := provider.NewCard(creds, provider.WithCardBaseURL(srv.URL))

		req := checkoutRequest()
		req.Plan.PriceID = "pri_1"
		req.Plan.Price = req.Amount
		co, err := card.CreateCheckout(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, "txn_1", co.Reference)
		require.NotNil(t, co.URL)
		assert.Equal(t, "https://pay.example.com/txn_1", *co.URL)
		assert.Equal(t, provider.CheckoutPending, co.Status)

		body := <-bodies
		item := firstItem(t, body)
		assert.Equal(t, "pri_1", item["price_id"])
		assert.NotContains(t, item, "price")
		custom, ok := body["custom_data"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, req.PaymentID.String(), custom[provider.MetaPaymentID])
	})

	t.Run("prorated amount is billed as a one-time item", func(t *testing.T) {
		t.Parallel()

		bodies := make(chan map[string]any, 1)
		srv := newPaddleServer(t, bodies)
		card := provider.NewCard(creds, provider.WithCardBaseURL(srv.URL))

		req := checkoutRequest()
		req.Plan.PriceID = "pri_1"
		req.Plan.Price = 3000
		req.Amount = 1234
		_, err := card.CreateCheckout(context.Background(), req)
		require.NoError(t, err)

		item := firstItem(t, <-bodies)
		assert.NotContains(t, item, "price_id")
		price, ok := item["price"].(map[string]any)
		require.True(t, ok)
		unit, ok := price["unit_price"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "1234", unit["amount"])
		assert.Equal(t, "USD", unit["currency_code"])
		assert.NotContains(t, price, "billing_cycle")
		product, ok := price["product"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "Pro", product["name"])
	})

	t.Run("non-positive amount", func(t *testing.T) {
		t.Parallel()

		card := provider.NewCard(creds)
		req := checkoutRequest()
		req.Plan.PriceID = "pri_1"
		req.Amount = 0
		_, err := card.CreateCheckout(context.Background(), req)
		assert.True(t, billing.IsValidationError(err))
	})
}

type walletServer struct {
	*httptest.Server
	tokens  atomic.Int32
	intents atomic.Int32
	status  int
	delay   time.Duration
}

func newWalletServer(t *testing.T) *walletServer {
	t.Helper()
	ws := &walletServer{status: http.StatusCreated}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth/token", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		id, secret, ok := r.BasicAuth()
		if !ok {
			id, secret = r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
		}
		if id != "wallet-client" || secret != "wallet-secret" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"invalid_client"}`))
			return
		}
		ws.tokens.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok-1","token_type":"bearer","expires_in":3600}`))
	})
	mux.HandleFunc("POST /v1/payment-intents", func(w http.ResponseWriter, r *http.Request) {
		ws.intents.Add(1)
		if ws.delay > 0 {
			time.Sleep(ws.delay)
		}
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))

		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, r.Header.Get("Idempotency-Key"), body["reference"])

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(ws.status)
		if ws.status >= 300 {
			_, _ = w.Write([]byte(`{"error":"declined"}`))
			return
		}
		_, _ = w.Write([]byte(`{"id":"pi_123","status":"pending","redirect_url":"https://wallet.example/pay/pi_123","qr_payload":"wallet://pay/pi_123"}`))
	})
	ws.Server = httptest.NewServer(mux)
	t.Cleanup(ws.Close)
	return ws
}

func walletCreds(endpoint, clientSecret string) staticCreds {
	return staticCreds{
		billing.ProviderWallet: gateway.NewCredentials(billing.ProviderWallet, true, endpoint, map[gateway.Field]string{
			gateway.FieldClientID:      "wallet-client",
			gateway.FieldClientSecret:  clientSecret,
			gateway.FieldWebhookSecret: "hook-token",
		}),
	}
}

func TestWallet_CreateCheckout(t *testing.T) {
	t.Parallel()

	ws := newWalletServer(t)
	w := provider.NewWallet(walletCreds(ws.URL, "wallet-secret"))

	co, err := w.CreateCheckout(context.Background(), checkoutRequest())
	require.NoError(t, err)
	assert.Equal(t, "pi_123", co.Reference)
	assert.Equal(t, provider.CheckoutPending, co.Status)
	require.NotNil(t, co.URL)
	assert.Equal(t, "https://wallet.example/pay/pi_123", *co.URL)
	require.NotEmpty(t, co.QRCode)
	assert.Equal(t, []byte("\x89PNG"), co.QRCode[:4])
}

func TestWallet_ReusesAccessToken(t *testing.T) {
	t.Parallel()

	ws := newWalletServer(t)
	w := provider.NewWallet(walletCreds(ws.URL, "wallet-secret"))

	for range 3 {
		_, err := w.CreateCheckout(context.Background(), checkoutRequest())
		require.NoError(t, err)
	}
	assert.Equal(t, int32(3), ws.intents.Load())
	assert.Equal(t, int32(1), ws.tokens.Load())

	t.Run("canceled caller does not poison the cache", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := w.CreateCheckout(ctx, checkoutRequest())
		require.Error(t, err)

		_, err = w.CreateCheckout(context.Background(), checkoutRequest())
		require.NoError(t, err)
		assert.Equal(t, int32(1), ws.tokens.Load())
	})
}

func TestWallet_CreateCheckoutErrors(t *testing.T) {
	t.Parallel()

	t.Run("remote 5xx", func(t *testing.T) {
		ws := newWalletServer(t)
		ws.status = http.StatusBadGateway
		_, err := provider.NewWallet(walletCreds(ws.URL, "wallet-secret")).CreateCheckout(context.Background(), checkoutRequest())

		var perr *billing.ProviderError
		require.True(t, errors.As(err, &perr))
		assert.Equal(t, http.StatusBadGateway, perr.StatusCode)
		assert.Equal(t, billing.ProviderWallet, perr.Provider)
	})

	t.Run("bad client credentials", func(t *testing.T) {
		ws := newWalletServer(t)
		_, err := provider.NewWallet(walletCreds(ws.URL, "nope")).CreateCheckout(context.Background(), checkoutRequest())

		var perr *billing.ProviderError
		require.True(t, errors.As(err, &perr))
		assert.Equal(t, http.StatusUnauthorized, perr.StatusCode)
		assert.Zero(t, ws.intents.Load())
	})

	t.Run("timeout", func(t *testing.T) {
		ws := newWalletServer(t)
		ws.delay = 200 * time.Millisecond
		w := provider.NewWallet(walletCreds(ws.URL, "wallet-secret"), provider.WithWalletTimeout(20*time.Millisecond))
		_, err := w.CreateCheckout(context.Background(), checkoutRequest())
		assert.True(t, billing.IsProviderError(err))
	})

	t.Run("missing endpoint", func(t *testing.T) {
		_, err := provider.NewWallet(walletCreds("", "wallet-secret")).CreateCheckout(context.Background(), checkoutRequest())
		assert.True(t, billing.IsProviderError(err))
		assert.ErrorIs(t, err, gateway.ErrMissingCredential)
	})
}

func TestWallet_TestConnection(t *testing.T) {
	t.Parallel()

	ws := newWalletServer(t)
	assert.NoError(t, provider.NewWallet(walletCreds(ws.URL, "wallet-secret")).TestConnection(context.Background()))
	assert.True(t, billing.IsProviderError(provider.NewWallet(walletCreds(ws.URL, "bad")).TestConnection(context.Background())))
}

func TestWallet_VerifySignature(t *testing.T) {
	t.Parallel()

	w := provider.NewWallet(walletCreds("https://wallet.example", "wallet-secret"))
	ctx := context.Background()

	assert.NoError(t, w.VerifySignature(ctx, nil, nil, url.Values{"token": {"hook-token"}}))
	assert.True(t, billing.IsSignatureError(w.VerifySignature(ctx, nil, nil, url.Values{"token": {"guess"}})))
	assert.True(t, billing.IsSignatureError(w.VerifySignature(ctx, nil, nil, url.Values{})))
}

func TestWallet_ParseEvent(t *testing.T) {
	t.Parallel()

	w := provider.NewWallet(staticCreds{})
	tests := map[string]provider.Kind{
		"approved":  provider.KindPaymentSucceeded,
		"rejected":  provider.KindPaymentFailed,
		"cancelled": provider.KindPaymentFailed,
		"refunded":  provider.KindPaymentRefunded,
		"pending":   provider.KindUnknown,
	}
	for status, kind := range tests {
		t.Run(status, func(t *testing.T) {
			ev, err := w.ParseEvent([]byte(fmt.Sprintf(`{"event_id":"e1","intent_id":"pi_1","status":%q,"amount":500}`, status)))
			require.NoError(t, err)
			assert.Equal(t, kind, ev.Kind)
			assert.Equal(t, "pi_1", ev.Reference)
		})
	}

	_, err := w.ParseEvent([]byte(`{"status":"approved"}`))
	assert.ErrorIs(t, err, provider.ErrMalformedEvent)
}
