package main

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dmitrymomot/billing/pkg/billing"
	"github.com/dmitrymomot/billing/pkg/secrets"
)

type appConfig struct {
	Env  string `env:"APP_ENV" envDefault:"development"`
	Name string `env:"APP_NAME" envDefault:"billingd"`
	// LogLevel overrides the level implied by Env.
	LogLevel string `env:"LOG_LEVEL"`

	MasterKey       string           `env:"BILLING_MASTER_KEY,required"`
	PlansFile       string           `env:"BILLING_PLANS_FILE" envDefault:"plans.yaml"`
	ProviderTimeout time.Duration    `env:"BILLING_PROVIDER_TIMEOUT" envDefault:"15s"`
	DefaultProvider billing.Provider `env:"BILLING_DEFAULT_PROVIDER" envDefault:"manual"`
	SweepInterval   time.Duration    `env:"BILLING_SWEEP_INTERVAL" envDefault:"1m"`
	GracePeriod     time.Duration    `env:"BILLING_GRACE_PERIOD" envDefault:"0s"`
	// AdminToken guards /admin routes. Empty disables them.
	AdminToken string `env:"BILLING_ADMIN_TOKEN"`

	UsageStore string `env:"USAGE_STORE" envDefault:"pg"`
}

const (
	usageStorePG    = "pg"
	usageStoreRedis = "redis"
)

var errInvalidAppConfig = errors.New("invalid application config")

func (c *appConfig) Validate() error {
	if _, err := secrets.NewSealerFromHex(c.MasterKey); err != nil {
		return errors.Join(errInvalidAppConfig, fmt.Errorf("BILLING_MASTER_KEY: %w", err))
	}
	if !c.DefaultProvider.Valid() {
		return errors.Join(errInvalidAppConfig, fmt.Errorf("BILLING_DEFAULT_PROVIDER: unknown provider %q", c.DefaultProvider))
	}
	if c.UsageStore != usageStorePG && c.UsageStore != usageStoreRedis {
		return errors.Join(errInvalidAppConfig, fmt.Errorf("USAGE_STORE: must be %q or %q", usageStorePG, usageStoreRedis))
	}
	if c.LogLevel != "" {
		var l slog.Level
		if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
			return errors.Join(errInvalidAppConfig, fmt.Errorf("LOG_LEVEL: %w", err))
		}
	}
	if c.SweepInterval <= 0 {
		return errors.Join(errInvalidAppConfig, errors.New("BILLING_SWEEP_INTERVAL: must be positive"))
	}
	if c.GracePeriod < 0 {
		return errors.Join(errInvalidAppConfig, errors.New("BILLING_GRACE_PERIOD: must not be negative"))
	}
	return nil
}
