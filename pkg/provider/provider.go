package provider

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billing/pkg/billing"
	"github.com/dmitrymomot/billing/pkg/gateway"
)

// Metadata keys attached to every checkout so late webhooks can be matched
// to local records.
const (
	MetaAccountID      = "account_id"
	MetaSubscriptionID = "subscription_id"
	MetaPaymentID      = "payment_id"
)

// Kind classifies a webhook event.
type Kind string

const (
	KindPaymentSucceeded     Kind = "payment_succeeded"
	KindPaymentFailed        Kind = "payment_failed"
	KindPaymentRefunded      Kind = "payment_refunded"
	KindSubscriptionCanceled Kind = "subscription_canceled"
	KindUnknown              Kind = "unknown"
)

// CheckoutStatus is the state of a freshly created checkout.
type CheckoutStatus string

const (
	CheckoutPending  CheckoutStatus = "pending"
	CheckoutApproved CheckoutStatus = "approved"
)

// Adapter is the contract every payment provider implements.
type Adapter interface {
	Name() billing.Provider
	// CreateCheckout opens a remote checkout. Failures are returned as
	// *billing.ProviderError.
	CreateCheckout(ctx context.Context, req CheckoutRequest) (Checkout, error)
	// VerifySignature authenticates a delivery. Any failure is a
	// *billing.SignatureVerificationError.
	VerifySignature(ctx context.Context, payload []byte, header http.Header, query url.Values) error
	ParseEvent(payload []byte) (Event, error)
}

// Tester is implemented by adapters that can check their credentials.
type Tester interface {
	TestConnection(ctx context.Context) error
}

// CredentialSource yields decrypted credentials for a provider.
type CredentialSource interface {
	Credentials(ctx context.Context, p billing.Provider) (gateway.Credentials, error)
}

// PlanSnapshot is the part of a plan a provider needs to bill it.
type PlanSnapshot struct {
	ID       uuid.UUID
	Slug     string
	Name     string
	Interval billing.Interval
	// Price is the catalog amount in minor units; PriceID refers to it.
	Price int64
	// PriceID is the provider catalog price, if the provider keeps one.
	PriceID string
}

// CheckoutRequest asks a provider to collect Amount from an account.
type CheckoutRequest struct {
	AccountID      uuid.UUID
	SubscriptionID uuid.UUID
	PaymentID      uuid.UUID
	Plan           PlanSnapshot
	Amount         int64
	Currency       string
	Email          string
	SuccessURL     string
	Description    string
}

// Metadata returns the identifiers echoed back by the provider.
func (r CheckoutRequest) Metadata() map[string]string {
	return map[string]string{
		MetaAccountID:      r.AccountID.String(),
		MetaSubscriptionID: r.SubscriptionID.String(),
		MetaPaymentID:      r.PaymentID.String(),
	}
}

// Checkout is the provider answer to CreateCheckout.
type Checkout struct {
	Reference string
	URL       *string
	Status    CheckoutStatus
	// QRCode is a PNG for providers that support scan-to-pay.
	QRCode    []byte
	ExpiresAt *time.Time
}

// Event is a provider webhook mapped to engine terms.
type Event struct {
	Provider billing.Provider
	// ExternalID is the provider's own event id, kept for logs.
	ExternalID string
	Kind       Kind
	// Reference identifies the payment (or, for cancellations, the
	// provider subscription) the event is about.
	Reference string
	// SubscriptionReference is the provider-side subscription id, if any.
	SubscriptionReference string
	Amount                *int64
	Currency              string
	Metadata              map[string]string
	OccurredAt            time.Time
}

// PaymentID returns the local payment id echoed in metadata.
func (e Event) PaymentID() (uuid.UUID, bool) {
	return e.metaUUID(MetaPaymentID)
}

// SubscriptionID returns the local subscription id echoed in metadata.
func (e Event) SubscriptionID() (uuid.UUID, bool) {
	return e.metaUUID(MetaSubscriptionID)
}

// AccountID returns the local account id echoed in metadata.
func (e Event) AccountID() (uuid.UUID, bool) {
	return e.metaUUID(MetaAccountID)
}

func (e Event) metaUUID(key string) (uuid.UUID, bool) {
	raw, ok := e.Metadata[key]
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, false
	}
	return id, true
}

func parseAmount(raw string) (*int64, error) {
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
