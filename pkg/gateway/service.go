package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"slices"
	"time"

	"github.com/dmitrymomot/billing/pkg/audit"
	"github.com/dmitrymomot/billing/pkg/billing"
	"github.com/dmitrymomot/billing/pkg/logger"
	"github.com/dmitrymomot/billing/pkg/secrets"
)

// Service manages provider settings on top of a Store.
type Service struct {
	store  Store
	sealer *secrets.Sealer
	now    func() time.Time
	log    *slog.Logger
	audit  audit.Emitter
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the service logger.
func WithLogger(log *slog.Logger) ServiceOption {
	return func(s *Service) { s.log = log }
}

// WithAudit sets the audit emitter.
func WithAudit(em audit.Emitter) ServiceOption {
	return func(s *Service) { s.audit = em }
}

// NewService creates a Service. Store and sealer are required.
func NewService(store Store, sealer *secrets.Sealer, opts ...ServiceOption) *Service {
	if store == nil {
		panic("gateway: store is required")
	}
	if sealer == nil {
		panic("gateway: sealer is required")
	}
	s := &Service{
		store:  store,
		sealer: sealer,
		now:    time.Now,
		log:    logger.Discard(),
		audit:  audit.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Settings returns the masked view of one provider. Providers that were
// never configured are reported as disabled with no fields set.
func (s *Service) Settings(ctx context.Context, p billing.Provider) (Masked, error) {
	if !p.Valid() {
		return Masked{}, billing.NewFieldError("provider", "unknown provider")
	}
	setting, err := s.load(ctx, p)
	if err != nil {
		return Masked{}, err
	}
	return s.mask(setting)
}

// List returns masked views for every known provider.
func (s *Service) List(ctx context.Context) ([]Masked, error) {
	stored, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	byProvider := make(map[billing.Provider]Setting, len(stored))
	for _, st := range stored {
		byProvider[st.Provider] = st
	}

	out := make([]Masked, 0, len(providerFields))
	for _, p := range []billing.Provider{billing.ProviderCard, billing.ProviderManual, billing.ProviderWallet} {
		setting, ok := byProvider[p]
		if !ok {
			setting = newSetting(p)
		}
		m, err := s.mask(setting)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// Update applies an admin change and returns the new masked view.
// Enabling a provider requires all of its mandatory fields to be set.
func (s *Service) Update(ctx context.Context, p billing.Provider, upd Update) (Masked, error) {
	if !p.Valid() {
		return Masked{}, billing.NewFieldError("provider", "unknown provider")
	}
	if err := validateUpdate(p, upd); err != nil {
		return Masked{}, err
	}

	setting, err := s.load(ctx, p)
	if err != nil {
		return Masked{}, err
	}

	var changed []string
	if upd.Enabled != nil {
		setting.Enabled = *upd.Enabled
		changed = append(changed, "enabled")
	}
	if upd.SandboxMode != nil {
		setting.SandboxMode = *upd.SandboxMode
		changed = append(changed, "sandbox_mode")
	}
	if upd.Endpoint != nil {
		setting.Endpoint = *upd.Endpoint
		changed = append(changed, "endpoint")
	}
	for _, f := range upd.Clear {
		delete(setting.Sealed, f)
		changed = append(changed, "clear:"+string(f))
	}
	for f, v := range upd.Secrets {
		if v == "" {
			continue
		}
		sealed, err := s.sealer.Seal(string(p), v)
		if err != nil {
			return Masked{}, errors.Join(ErrFailedToSeal, err)
		}
		setting.Sealed[f] = sealed
		changed = append(changed, "rotate:"+string(f))
	}

	if setting.Enabled {
		rules := providerFields[p]
		missing := billing.NewValidationError()
		for _, f := range rules.required {
			if _, ok := setting.Sealed[f]; !ok {
				missing.Add(string(f), "is required to enable the provider")
			}
		}
		if rules.endpoint && setting.Endpoint == "" {
			missing.Add("endpoint", "is required to enable the provider")
		}
		if !missing.IsEmpty() {
			return Masked{}, missing
		}
	}

	setting.UpdatedAt = s.now().UTC()
	if err := s.store.Save(ctx, setting); err != nil {
		return Masked{}, err
	}

	slices.Sort(changed)
	s.log.InfoContext(ctx, "gateway setting updated", logger.Provider(string(p)), slog.Any("changed", changed))
	_ = s.audit.Log(ctx, audit.ActionGatewayUpdated,
		audit.WithResource("gateway", string(p)),
		audit.WithMetadata("changed", changed),
	)
	return s.mask(setting)
}

// Credentials decrypts the settings of an enabled provider.
func (s *Service) Credentials(ctx context.Context, p billing.Provider) (Credentials, error) {
	setting, err := s.store.Get(ctx, p)
	if err != nil {
		if errors.Is(err, ErrSettingNotFound) {
			return Credentials{}, ErrProviderDisabled
		}
		return Credentials{}, err
	}
	if !setting.Enabled {
		return Credentials{}, ErrProviderDisabled
	}

	values := make(map[Field]string, len(setting.Sealed))
	for f, sealed := range setting.Sealed {
		plain, err := s.sealer.Open(string(p), sealed)
		if err != nil {
			return Credentials{}, errors.Join(ErrFailedToOpenSecret, err)
		}
		values[f] = plain
	}
	return Credentials{
		Provider:    p,
		SandboxMode: setting.SandboxMode,
		Endpoint:    setting.Endpoint,
		values:      values,
	}, nil
}

// RecordTest stores the outcome of a connectivity check.
func (s *Service) RecordTest(ctx context.Context, p billing.Provider, ok bool, message string) error {
	setting, err := s.load(ctx, p)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	setting.LastTestedAt = &now
	setting.LastTestOK = &ok
	setting.LastTestMessage = message
	setting.UpdatedAt = now
	return s.store.Save(ctx, setting)
}

func (s *Service) load(ctx context.Context, p billing.Provider) (Setting, error) {
	setting, err := s.store.Get(ctx, p)
	if errors.Is(err, ErrSettingNotFound) {
		return newSetting(p), nil
	}
	if err != nil {
		return Setting{}, err
	}
	if setting.Sealed == nil {
		setting.Sealed = map[Field]string{}
	}
	return setting, nil
}

func (s *Service) mask(setting Setting) (Masked, error) {
	previews := make(map[Field]string, len(setting.Sealed))
	for f, sealed := range setting.Sealed {
		plain, err := s.sealer.Open(string(setting.Provider), sealed)
		if err != nil {
			return Masked{}, errors.Join(ErrFailedToOpenSecret, err)
		}
		previews[f] = preview(plain)
	}
	return mask(setting, previews), nil
}

func validateUpdate(p billing.Provider, upd Update) error {
	rules := providerFields[p]
	verr := billing.NewValidationError()
	for f := range upd.Secrets {
		if !slices.Contains(rules.allowed, f) {
			verr.Add(string(f), "is not supported by this provider")
		}
	}
	for _, f := range upd.Clear {
		if !slices.Contains(rules.allowed, f) {
			verr.Add(string(f), "is not supported by this provider")
		}
		if upd.Secrets[f] != "" {
			verr.Add(string(f), "cannot be rotated and cleared at once")
		}
	}
	if upd.Endpoint != nil && *upd.Endpoint != "" {
		if !rules.endpoint {
			verr.Add("endpoint", "is not supported by this provider")
		} else if u, err := url.Parse(*upd.Endpoint); err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
			verr.Add("endpoint", "must be an absolute http(s) URL")
		}
	}
	return verr.OrNil()
}
