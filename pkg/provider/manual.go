package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billing/pkg/billing"
	"github.com/dmitrymomot/billing/pkg/gateway"
)

// Header names used by signed manual webhooks.
const (
	HeaderManualSignature = "X-Webhook-Signature"
	HeaderManualTimestamp = "X-Webhook-Timestamp"
)

// DefaultManualMaxAge bounds how old a manual webhook signature may be.
const DefaultManualMaxAge = 5 * time.Minute

// Manual handles offline payments. Checkouts need no remote call and are
// approved at once; webhooks come from internal tooling and are signed with
// HMAC-SHA256(secret, timestamp + "." + payload).
type Manual struct {
	creds  CredentialSource
	now    func() time.Time
	maxAge time.Duration
}

// ManualOption configures the manual adapter.
type ManualOption func(*Manual)

// WithManualClock overrides the clock used for the timestamp window.
func WithManualClock(now func() time.Time) ManualOption {
	return func(m *Manual) { m.now = now }
}

// WithManualMaxAge overrides DefaultManualMaxAge.
func WithManualMaxAge(d time.Duration) ManualOption {
	return func(m *Manual) { m.maxAge = d }
}

// NewManual creates the manual adapter.
func NewManual(creds CredentialSource, opts ...ManualOption) *Manual {
	if creds == nil {
		panic("provider: credential source is required")
	}
	m := &Manual{creds: creds, now: time.Now, maxAge: DefaultManualMaxAge}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manual) Name() billing.Provider { return billing.ProviderManual }

// CreateCheckout returns an approved checkout referenced by the payment id.
func (m *Manual) CreateCheckout(_ context.Context, req CheckoutRequest) (Checkout, error) {
	return Checkout{
		Reference: ManualReference(req.PaymentID),
		Status:    CheckoutApproved,
	}, nil
}

func (m *Manual) VerifySignature(ctx context.Context, payload []byte, header http.Header, _ url.Values) error {
	creds, err := m.creds.Credentials(ctx, billing.ProviderManual)
	if err != nil {
		return billing.NewSignatureError(billing.ProviderManual, err.Error())
	}
	secret := creds.Get(gateway.FieldWebhookSecret)
	if secret == "" {
		return billing.NewSignatureError(billing.ProviderManual, "webhook secret is not configured")
	}

	sig := header.Get(HeaderManualSignature)
	rawTS := header.Get(HeaderManualTimestamp)
	if sig == "" || rawTS == "" {
		return billing.NewSignatureError(billing.ProviderManual, "missing signature headers")
	}
	ts, err := strconv.ParseInt(rawTS, 10, 64)
	if err != nil {
		return billing.NewSignatureError(billing.ProviderManual, "invalid timestamp format")
	}

	if m.maxAge > 0 {
		age := m.now().Sub(time.Unix(ts, 0))
		if age > m.maxAge {
			return billing.NewSignatureError(billing.ProviderManual, "signature timestamp too old")
		}
		if age < -time.Minute {
			return billing.NewSignatureError(billing.ProviderManual, "signature timestamp is in the future")
		}
	}

	expected := SignManual(secret, ts, payload)
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return billing.NewSignatureError(billing.ProviderManual, "signature mismatch")
	}
	return nil
}

// SignManual computes the hex signature internal tooling sends in
// X-Webhook-Signature.
func SignManual(secret string, timestamp int64, payload []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(h, "%d.", timestamp)
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// ManualReference is the provider reference of a manual payment.
func ManualReference(paymentID uuid.UUID) string {
	return "manual_" + paymentID.String()
}

// ManualEvent is the payload posted by internal tooling.
type ManualEvent struct {
	ID         string            `json:"id"`
	Kind       string            `json:"kind"`
	Reference  string            `json:"reference"`
	Amount     *int64            `json:"amount,omitempty"`
	Currency   string            `json:"currency,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

func (m *Manual) ParseEvent(payload []byte) (Event, error) {
	var raw ManualEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Event{}, errors.Join(ErrMalformedEvent, err)
	}
	if raw.Reference == "" {
		return Event{}, fmt.Errorf("%w: reference is required", ErrMalformedEvent)
	}

	kind := Kind(raw.Kind)
	switch kind {
	case KindPaymentSucceeded, KindPaymentFailed, KindPaymentRefunded, KindSubscriptionCanceled:
	default:
		kind = KindUnknown
	}
	occurred := raw.OccurredAt
	if occurred.IsZero() {
		occurred = m.now()
	}

	return Event{
		Provider:   billing.ProviderManual,
		ExternalID: raw.ID,
		Kind:       kind,
		Reference:  raw.Reference,
		Amount:     raw.Amount,
		Currency:   raw.Currency,
		Metadata:   raw.Metadata,
		OccurredAt: occurred.UTC(),
	}, nil
}

// TestConnection checks that a webhook secret is configured.
func (m *Manual) TestConnection(ctx context.Context) error {
	creds, err := m.creds.Credentials(ctx, billing.ProviderManual)
	if err != nil {
		return err
	}
	return creds.Require(gateway.FieldWebhookSecret)
}
