package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	paddle "github.com/PaddleHQ/paddle-go-sdk/v4"

	"github.com/dmitrymomot/billing/pkg/billing"
	"github.com/dmitrymomot/billing/pkg/gateway"
)

// HeaderPaddleSignature carries the Paddle webhook signature.
const HeaderPaddleSignature = "Paddle-Signature"

// Card bills through Paddle. Credentials come from the gateway store on
// every call; SDK clients are cached per API key and environment.
type Card struct {
	creds CredentialSource
	now   func() time.Time

	sdkOpts []paddle.Option

	mu      sync.Mutex
	clients map[cardClientKey]*paddle.SDK
}

// CardOption configures the card adapter.
type CardOption func(*Card)

// WithCardBaseURL points the Paddle client at baseURL instead of the
// production or sandbox API.
func WithCardBaseURL(baseURL string) CardOption {
	return func(c *Card) { c.sdkOpts = append(c.sdkOpts, paddle.WithBaseURL(baseURL)) }
}

// WithCardHTTPClient replaces the HTTP client used by the Paddle SDK.
func WithCardHTTPClient(hc *http.Client) CardOption {
	return func(c *Card) { c.sdkOpts = append(c.sdkOpts, paddle.WithClient(hc)) }
}

type cardClientKey struct {
	apiKey  string
	sandbox bool
}

// NewCard creates the card adapter.
func NewCard(creds CredentialSource, opts ...CardOption) *Card {
	if creds == nil {
		panic("provider: credential source is required")
	}
	c := &Card{creds: creds, now: time.Now, clients: make(map[cardClientKey]*paddle.SDK)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Card) Name() billing.Provider { return billing.ProviderCard }

// CreateCheckout creates a Paddle transaction. The plan's catalog price is
// used when the amount matches it; any other amount (a prorated upgrade
// charge) is billed as a one-time non-catalog item. The transaction id
// becomes the payment reference.
func (c *Card) CreateCheckout(ctx context.Context, req CheckoutRequest) (Checkout, error) {
	if req.Plan.PriceID == "" {
		return Checkout{}, billing.NewFieldError("plan", "has no card processor price configured")
	}
	if req.Amount <= 0 {
		return Checkout{}, billing.NewFieldError("amount", "must be positive")
	}

	client, err := c.client(ctx)
	if err != nil {
		return Checkout{}, billing.NewProviderError(billing.ProviderCard, "create checkout", 0, err)
	}

	item := cardItem(req)
	custom := paddle.CustomData{}
	for k, v := range req.Metadata() {
		custom[k] = v
	}
	if req.Email != "" {
		custom["email"] = req.Email
	}

	txReq := &paddle.CreateTransactionRequest{
		Items:      []paddle.CreateTransactionItems{*item},
		CustomData: custom,
	}
	if req.SuccessURL != "" {
		txReq.Checkout = &paddle.TransactionCheckout{URL: paddle.PtrTo(req.SuccessURL)}
	}

	tx, err := client.TransactionsClient.CreateTransaction(ctx, txReq)
	if err != nil {
		return Checkout{}, billing.NewProviderError(billing.ProviderCard, "create checkout", 0, err)
	}
	if tx.Checkout == nil || tx.Checkout.URL == nil {
		return Checkout{}, billing.NewProviderError(billing.ProviderCard, "create checkout", 0,
			fmt.Errorf("%w: no checkout url returned", ErrCheckoutRejected))
	}

	return Checkout{
		Reference: tx.ID,
		URL:       tx.Checkout.URL,
		Status:    CheckoutPending,
	}, nil
}

func cardItem(req CheckoutRequest) *paddle.CreateTransactionItems {
	if req.Amount == req.Plan.Price {
		return paddle.NewCreateTransactionItemsTransactionItemFromCatalog(&paddle.TransactionItemFromCatalog{
			PriceID:  req.Plan.PriceID,
			Quantity: 1,
		})
	}
	desc := req.Description
	if desc == "" {
		desc = req.Plan.Name
	}
	return paddle.NewCreateTransactionItemsTransactionItemCreateWithProduct(&paddle.TransactionItemCreateWithProduct{
		Quantity: 1,
		Price: paddle.TransactionPriceCreateWithProduct{
			Description: desc,
			Name:        paddle.PtrTo(req.Plan.Name),
			TaxMode:     paddle.TaxModeAccountSetting,
			UnitPrice: paddle.Money{
				Amount:       strconv.FormatInt(req.Amount, 10),
				CurrencyCode: paddle.CurrencyCode(req.Currency),
			},
			Quantity: paddle.PriceQuantity{Minimum: 1, Maximum: 1},
			Product: paddle.TransactionSubscriptionProductCreate{
				Name:        req.Plan.Name,
				TaxCategory: paddle.TaxCategoryStandard,
			},
		},
	})
}

func (c *Card) VerifySignature(ctx context.Context, payload []byte, header http.Header, _ url.Values) error {
	creds, err := c.creds.Credentials(ctx, billing.ProviderCard)
	if err != nil {
		return billing.NewSignatureError(billing.ProviderCard, err.Error())
	}
	secret := creds.Get(gateway.FieldWebhookSecret)
	if secret == "" {
		return billing.NewSignatureError(billing.ProviderCard, "webhook secret is not configured")
	}
	if header.Get(HeaderPaddleSignature) == "" {
		return billing.NewSignatureError(billing.ProviderCard, "missing signature header")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/webhooks/card", bytes.NewReader(payload))
	if err != nil {
		return billing.NewSignatureError(billing.ProviderCard, err.Error())
	}
	req.Header.Set(HeaderPaddleSignature, header.Get(HeaderPaddleSignature))

	ok, err := paddle.NewWebhookVerifier(secret).Verify(req)
	if err != nil {
		return billing.NewSignatureError(billing.ProviderCard, err.Error())
	}
	if !ok {
		return billing.NewSignatureError(billing.ProviderCard, "signature mismatch")
	}
	return nil
}

type paddleEvent struct {
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       paddleEventData `json:"data"`
}

type paddleEventData struct {
	ID             string         `json:"id"`
	Status         string         `json:"status"`
	Action         string         `json:"action"`
	TransactionID  string         `json:"transaction_id"`
	SubscriptionID string         `json:"subscription_id"`
	CurrencyCode   string         `json:"currency_code"`
	CustomData     map[string]any `json:"custom_data"`
	Details        struct {
		Totals struct {
			GrandTotal string `json:"grand_total"`
		} `json:"totals"`
	} `json:"details"`
	Totals struct {
		Total string `json:"total"`
	} `json:"totals"`
}

// ParseEvent maps Paddle notifications:
// transaction.completed and transaction.paid succeed a payment,
// transaction.payment_failed fails it, approved refund adjustments refund it
// and subscription.canceled cancels the subscription.
func (c *Card) ParseEvent(payload []byte) (Event, error) {
	var raw paddleEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Event{}, errors.Join(ErrMalformedEvent, err)
	}
	if raw.EventType == "" || raw.Data.ID == "" {
		return Event{}, fmt.Errorf("%w: event_type and data.id are required", ErrMalformedEvent)
	}

	ev := Event{
		Provider:              billing.ProviderCard,
		ExternalID:            raw.EventID,
		Kind:                  KindUnknown,
		Reference:             raw.Data.ID,
		SubscriptionReference: raw.Data.SubscriptionID,
		Currency:              raw.Data.CurrencyCode,
		Metadata:              stringMetadata(raw.Data.CustomData),
		OccurredAt:            raw.OccurredAt.UTC(),
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = c.now().UTC()
	}

	var amount string
	switch raw.EventType {
	case "transaction.completed", "transaction.paid":
		ev.Kind = KindPaymentSucceeded
		amount = raw.Data.Details.Totals.GrandTotal
	case "transaction.payment_failed":
		ev.Kind = KindPaymentFailed
		amount = raw.Data.Details.Totals.GrandTotal
	case "adjustment.created", "adjustment.updated":
		if raw.Data.Action == "refund" && raw.Data.Status == "approved" && raw.Data.TransactionID != "" {
			ev.Kind = KindPaymentRefunded
			ev.Reference = raw.Data.TransactionID
			amount = raw.Data.Totals.Total
		}
	case "subscription.canceled":
		ev.Kind = KindSubscriptionCanceled
		ev.SubscriptionReference = raw.Data.ID
	}

	parsed, err := parseAmount(amount)
	if err != nil {
		return Event{}, errors.Join(ErrMalformedEvent, err)
	}
	ev.Amount = parsed
	return ev, nil
}

func (c *Card) client(ctx context.Context) (*paddle.SDK, error) {
	creds, err := c.creds.Credentials(ctx, billing.ProviderCard)
	if err != nil {
		return nil, err
	}
	if err := creds.Require(gateway.FieldAPIKey); err != nil {
		return nil, err
	}
	key := cardClientKey{apiKey: creds.Get(gateway.FieldAPIKey), sandbox: creds.SandboxMode}

	c.mu.Lock()
	defer c.mu.Unlock()
	if client, ok := c.clients[key]; ok {
		return client, nil
	}

	var client *paddle.SDK
	if key.sandbox {
		client, err = paddle.NewSandbox(key.apiKey, c.sdkOpts...)
	} else {
		client, err = paddle.New(key.apiKey, c.sdkOpts...)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create paddle client: %w", err)
	}
	// Old keys stay unused after a rotation; drop them.
	clear(c.clients)
	c.clients[key] = client
	return client, nil
}

func stringMetadata(in map[string]any) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
