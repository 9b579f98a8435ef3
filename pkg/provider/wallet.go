package provider

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	skipqrcode "github.com/skip2/go-qrcode"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/dmitrymomot/billing/pkg/billing"
	"github.com/dmitrymomot/billing/pkg/gateway"
)

const (
	// DefaultWalletTimeout bounds every call to the wallet API.
	DefaultWalletTimeout = 10 * time.Second
	// DefaultQRSize is the edge length of generated QR codes in pixels.
	DefaultQRSize = 256

	walletTokenPath  = "/oauth/token"
	walletIntentPath = "/v1/payment-intents"
	maxWalletBody    = 1 << 20
)

// Wallet bills through a regional wallet REST API. Access tokens are
// cached per credential set and refreshed when they expire.
type Wallet struct {
	creds  CredentialSource
	http   *http.Client
	qrSize int
	scopes []string
	now    func() time.Time

	mu     sync.Mutex
	tokens map[walletTokenKey]oauth2.TokenSource
}

type walletTokenKey struct {
	clientID     string
	clientSecret string
	tokenURL     string
}

// WalletOption configures the wallet adapter.
type WalletOption func(*Wallet)

// WithWalletHTTPClient replaces the HTTP client. Its timeout still bounds
// every request.
func WithWalletHTTPClient(c *http.Client) WalletOption {
	return func(w *Wallet) { w.http = c }
}

// WithWalletTimeout sets the HTTP client timeout.
func WithWalletTimeout(d time.Duration) WalletOption {
	return func(w *Wallet) {
		if d > 0 {
			w.http.Timeout = d
		}
	}
}

// WithWalletQRSize sets the QR code size in pixels.
func WithWalletQRSize(size int) WalletOption {
	return func(w *Wallet) { w.qrSize = size }
}

// WithWalletScopes sets the OAuth2 scopes requested with client credentials.
func WithWalletScopes(scopes ...string) WalletOption {
	return func(w *Wallet) { w.scopes = scopes }
}

// NewWallet creates the wallet adapter.
func NewWallet(creds CredentialSource, opts ...WalletOption) *Wallet {
	if creds == nil {
		panic("provider: credential source is required")
	}
	w := &Wallet{
		creds:  creds,
		http:   &http.Client{Timeout: DefaultWalletTimeout},
		qrSize: DefaultQRSize,
		scopes: []string{"payments"},
		now:    time.Now,
		tokens: make(map[walletTokenKey]oauth2.TokenSource),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Wallet) Name() billing.Provider { return billing.ProviderWallet }

type walletIntentRequest struct {
	Amount      int64             `json:"amount"`
	Currency    string            `json:"currency"`
	Reference   string            `json:"reference"`
	Description string            `json:"description,omitempty"`
	ReturnURL   string            `json:"return_url,omitempty"`
	Email       string            `json:"payer_email,omitempty"`
	Metadata    map[string]string `json:"metadata"`
}

type walletIntentResponse struct {
	ID          string     `json:"id"`
	Status      string     `json:"status"`
	RedirectURL string     `json:"redirect_url"`
	QRPayload   string     `json:"qr_payload"`
	ExpiresAt   *time.Time `json:"expires_at"`
}

// CreateCheckout creates a payment intent and renders its QR payload.
func (w *Wallet) CreateCheckout(ctx context.Context, req CheckoutRequest) (Checkout, error) {
	const op = "create checkout"

	client, base, err := w.client(ctx)
	if err != nil {
		return Checkout{}, billing.NewProviderError(billing.ProviderWallet, op, 0, err)
	}

	body, err := json.Marshal(walletIntentRequest{
		Amount:      req.Amount,
		Currency:    req.Currency,
		Reference:   req.PaymentID.String(),
		Description: req.Description,
		ReturnURL:   req.SuccessURL,
		Email:       req.Email,
		Metadata:    req.Metadata(),
	})
	if err != nil {
		return Checkout{}, billing.NewProviderError(billing.ProviderWallet, op, 0, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+walletIntentPath, bytes.NewReader(body))
	if err != nil {
		return Checkout{}, billing.NewProviderError(billing.ProviderWallet, op, 0, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.PaymentID.String())

	resp, err := client.Do(httpReq)
	if err != nil {
		return Checkout{}, billing.NewProviderError(billing.ProviderWallet, op, retrieveStatus(err), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxWalletBody))
	if err != nil {
		return Checkout{}, billing.NewProviderError(billing.ProviderWallet, op, resp.StatusCode, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Checkout{}, billing.NewProviderError(billing.ProviderWallet, op, resp.StatusCode,
			fmt.Errorf("%w: %s", ErrCheckoutRejected, strings.TrimSpace(string(raw))))
	}

	var intent walletIntentResponse
	if err := json.Unmarshal(raw, &intent); err != nil {
		return Checkout{}, billing.NewProviderError(billing.ProviderWallet, op, resp.StatusCode, err)
	}
	if intent.ID == "" {
		return Checkout{}, billing.NewProviderError(billing.ProviderWallet, op, resp.StatusCode,
			fmt.Errorf("%w: payment intent id is missing", ErrCheckoutRejected))
	}

	checkout := Checkout{
		Reference: intent.ID,
		Status:    CheckoutPending,
		ExpiresAt: intent.ExpiresAt,
	}
	if intent.RedirectURL != "" {
		checkout.URL = &intent.RedirectURL
	}
	if intent.QRPayload != "" {
		png, err := skipqrcode.Encode(intent.QRPayload, skipqrcode.Medium, w.qrSize)
		if err != nil {
			return Checkout{}, billing.NewProviderError(billing.ProviderWallet, op, 0, err)
		}
		checkout.QRCode = png
	}
	return checkout, nil
}

// VerifySignature checks the shared-secret token the wallet appends to the
// webhook URL.
func (w *Wallet) VerifySignature(ctx context.Context, _ []byte, _ http.Header, query url.Values) error {
	creds, err := w.creds.Credentials(ctx, billing.ProviderWallet)
	if err != nil {
		return billing.NewSignatureError(billing.ProviderWallet, err.Error())
	}
	secret := creds.Get(gateway.FieldWebhookSecret)
	if secret == "" {
		return billing.NewSignatureError(billing.ProviderWallet, "webhook secret is not configured")
	}
	token := query.Get("token")
	if token == "" {
		return billing.NewSignatureError(billing.ProviderWallet, "missing token")
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
		return billing.NewSignatureError(billing.ProviderWallet, "token mismatch")
	}
	return nil
}

type walletEvent struct {
	EventID    string            `json:"event_id"`
	IntentID   string            `json:"intent_id"`
	Status     string            `json:"status"`
	Amount     *int64            `json:"amount"`
	Currency   string            `json:"currency"`
	Metadata   map[string]string `json:"metadata"`
	OccurredAt time.Time         `json:"occurred_at"`
}

func (w *Wallet) ParseEvent(payload []byte) (Event, error) {
	var raw walletEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Event{}, errors.Join(ErrMalformedEvent, err)
	}
	if raw.IntentID == "" {
		return Event{}, fmt.Errorf("%w: intent_id is required", ErrMalformedEvent)
	}

	kind := KindUnknown
	switch strings.ToLower(raw.Status) {
	case "approved":
		kind = KindPaymentSucceeded
	case "rejected", "cancelled", "canceled":
		kind = KindPaymentFailed
	case "refunded":
		kind = KindPaymentRefunded
	}
	occurred := raw.OccurredAt
	if occurred.IsZero() {
		occurred = w.now()
	}

	return Event{
		Provider:   billing.ProviderWallet,
		ExternalID: raw.EventID,
		Kind:       kind,
		Reference:  raw.IntentID,
		Amount:     raw.Amount,
		Currency:   raw.Currency,
		Metadata:   raw.Metadata,
		OccurredAt: occurred.UTC(),
	}, nil
}

// TestConnection fetches an access token with the stored client credentials.
func (w *Wallet) TestConnection(ctx context.Context) error {
	cfg, _, err := w.config(ctx)
	if err != nil {
		return err
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, w.http)
	if _, err := cfg.Token(ctx); err != nil {
		return billing.NewProviderError(billing.ProviderWallet, "test connection", retrieveStatus(err), err)
	}
	return nil
}

func (w *Wallet) client(ctx context.Context) (*http.Client, string, error) {
	cfg, base, err := w.config(ctx)
	if err != nil {
		return nil, "", err
	}
	ts := w.tokenSource(cfg)
	client := oauth2.NewClient(context.WithValue(ctx, oauth2.HTTPClient, w.http), ts)
	client.Timeout = w.http.Timeout
	return client, base, nil
}

// tokenSource returns the cached token source of cfg. Token requests are
// bound by the HTTP client timeout, not by the caller's context.
func (w *Wallet) tokenSource(cfg *clientcredentials.Config) oauth2.TokenSource {
	key := walletTokenKey{clientID: cfg.ClientID, clientSecret: cfg.ClientSecret, tokenURL: cfg.TokenURL}

	w.mu.Lock()
	defer w.mu.Unlock()
	if ts, ok := w.tokens[key]; ok {
		return ts
	}
	ts := cfg.TokenSource(context.WithValue(context.Background(), oauth2.HTTPClient, w.http))
	// Rotated credentials leave the old source unused; drop it.
	clear(w.tokens)
	w.tokens[key] = ts
	return ts
}

func (w *Wallet) config(ctx context.Context) (*clientcredentials.Config, string, error) {
	creds, err := w.creds.Credentials(ctx, billing.ProviderWallet)
	if err != nil {
		return nil, "", err
	}
	if err := creds.Require(gateway.FieldClientID, gateway.FieldClientSecret); err != nil {
		return nil, "", err
	}
	if creds.Endpoint == "" {
		return nil, "", fmt.Errorf("%w: endpoint", gateway.ErrMissingCredential)
	}
	base := strings.TrimRight(creds.Endpoint, "/")
	return &clientcredentials.Config{
		ClientID:     creds.Get(gateway.FieldClientID),
		ClientSecret: creds.Get(gateway.FieldClientSecret),
		TokenURL:     base + walletTokenPath,
		Scopes:       w.scopes,
	}, base, nil
}

func retrieveStatus(err error) int {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		return re.Response.StatusCode
	}
	return 0
}
