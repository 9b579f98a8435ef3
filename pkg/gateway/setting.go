package gateway

import (
	"errors"
	"time"

	"github.com/dmitrymomot/billing/pkg/billing"
	"github.com/dmitrymomot/billing/pkg/secrets"
)

// Field names a credential attribute.
type Field string

const (
	FieldAPIKey        Field = "api_key"
	FieldWebhookSecret Field = "webhook_secret"
	FieldClientID      Field = "client_id"
	FieldClientSecret  Field = "client_secret"
)

// providerFields lists the fields each provider accepts, and which of them
// must be present before the provider can be enabled.
var providerFields = map[billing.Provider]struct {
	allowed  []Field
	required []Field
	endpoint bool
}{
	billing.ProviderManual: {
		allowed:  []Field{FieldWebhookSecret},
		required: []Field{FieldWebhookSecret},
	},
	billing.ProviderCard: {
		allowed:  []Field{FieldAPIKey, FieldWebhookSecret},
		required: []Field{FieldAPIKey, FieldWebhookSecret},
	},
	billing.ProviderWallet: {
		allowed:  []Field{FieldClientID, FieldClientSecret, FieldWebhookSecret},
		required: []Field{FieldClientID, FieldClientSecret, FieldWebhookSecret},
		endpoint: true,
	},
}

// Setting is the persisted configuration of one provider. Sealed holds
// ciphertexts keyed by field; it never contains plaintext.
type Setting struct {
	Provider        billing.Provider
	Enabled         bool
	SandboxMode     bool
	Endpoint        string
	Sealed          map[Field]string
	LastTestedAt    *time.Time
	LastTestOK      *bool
	LastTestMessage string
	UpdatedAt       time.Time
}

func newSetting(p billing.Provider) Setting {
	return Setting{Provider: p, SandboxMode: true, Sealed: map[Field]string{}}
}

func (s Setting) clone() Setting {
	sealed := make(map[Field]string, len(s.Sealed))
	for k, v := range s.Sealed {
		sealed[k] = v
	}
	s.Sealed = sealed
	return s
}

// FieldPreview tells an admin whether a credential is set without revealing it.
type FieldPreview struct {
	Set     bool   `json:"set"`
	Preview string `json:"preview,omitempty"`
}

// Masked is the admin-safe view of a Setting.
type Masked struct {
	Provider        billing.Provider       `json:"provider"`
	Enabled         bool                   `json:"enabled"`
	SandboxMode     bool                   `json:"sandbox_mode"`
	Endpoint        string                 `json:"endpoint,omitempty"`
	Fields          map[Field]FieldPreview `json:"fields"`
	LastTestedAt    *time.Time             `json:"last_tested_at,omitempty"`
	LastTestOK      *bool                  `json:"last_test_ok,omitempty"`
	LastTestMessage string                 `json:"last_test_message,omitempty"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// Update describes an admin change. Nil pointers leave a flag untouched,
// Secrets rotates only the fields it names (empty values are ignored) and
// Clear removes fields.
type Update struct {
	Enabled     *bool
	SandboxMode *bool
	Endpoint    *string
	Secrets     map[Field]string
	Clear       []Field
}

// Credentials are the decrypted values handed to a provider adapter.
type Credentials struct {
	Provider    billing.Provider
	SandboxMode bool
	Endpoint    string
	values      map[Field]string
}

// NewCredentials builds Credentials directly, for adapters used outside a Service.
func NewCredentials(p billing.Provider, sandbox bool, endpoint string, values map[Field]string) Credentials {
	c := Credentials{Provider: p, SandboxMode: sandbox, Endpoint: endpoint, values: make(map[Field]string, len(values))}
	for k, v := range values {
		c.values[k] = v
	}
	return c
}

// Get returns a decrypted field, or "" when unset.
func (c Credentials) Get(f Field) string {
	return c.values[f]
}

// Require fails with ErrMissingCredential when any field is unset.
func (c Credentials) Require(fields ...Field) error {
	missing := billing.NewValidationError()
	for _, f := range fields {
		if c.values[f] == "" {
			missing.Add(string(f), "is not configured")
		}
	}
	if missing.IsEmpty() {
		return nil
	}
	return errors.Join(ErrMissingCredential, missing)
}

func mask(s Setting, previews map[Field]string) Masked {
	m := Masked{
		Provider:        s.Provider,
		Enabled:         s.Enabled,
		SandboxMode:     s.SandboxMode,
		Endpoint:        s.Endpoint,
		Fields:          make(map[Field]FieldPreview),
		LastTestedAt:    s.LastTestedAt,
		LastTestOK:      s.LastTestOK,
		LastTestMessage: s.LastTestMessage,
		UpdatedAt:       s.UpdatedAt,
	}
	for _, f := range providerFields[s.Provider].allowed {
		_, set := s.Sealed[f]
		m.Fields[f] = FieldPreview{Set: set, Preview: previews[f]}
	}
	return m
}

func preview(plaintext string) string {
	return secrets.Mask(plaintext)
}
