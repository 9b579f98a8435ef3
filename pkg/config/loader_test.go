package config_test

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billing/pkg/config"
)

type successConfig struct {
	Name    string        `env:"CFG_TEST_NAME" envDefault:"billing"`
	Timeout time.Duration `env:"CFG_TEST_TIMEOUT" envDefault:"10s"`
	Workers int           `env:"CFG_TEST_WORKERS" envDefault:"2"`
}

type defaultsConfig struct {
	Name    string        `env:"CFG_DEFAULT_NAME" envDefault:"billing"`
	Timeout time.Duration `env:"CFG_DEFAULT_TIMEOUT" envDefault:"10s"`
}

type requiredConfig struct {
	Key string `env:"CFG_REQUIRED_KEY,required"`
}

type validatedConfig struct {
	Key string `env:"CFG_VALIDATED_KEY" envDefault:"short"`
}

func (c *validatedConfig) Validate() error {
	if len(c.Key) < 10 {
		return errors.New("key too short")
	}
	return nil
}

type cachedConfig struct {
	Value string `env:"CFG_CACHED_VALUE" envDefault:"first"`
}

func TestLoad_Success(t *testing.T) {
	t.Setenv("CFG_TEST_NAME", "engine")
	t.Setenv("CFG_TEST_TIMEOUT", "3s")
	t.Setenv("CFG_TEST_WORKERS", "8")

	var cfg successConfig
	require.NoError(t, config.Load(&cfg))

	assert.Equal(t, "engine", cfg.Name)
	assert.Equal(t, 3*time.Second, cfg.Timeout)
	assert.Equal(t, 8, cfg.Workers)
}

func TestLoad_Defaults(t *testing.T) {
	os.Unsetenv("CFG_DEFAULT_NAME")
	os.Unsetenv("CFG_DEFAULT_TIMEOUT")

	var cfg defaultsConfig
	require.NoError(t, config.Load(&cfg))
	assert.Equal(t, "billing", cfg.Name)
	assert.Equal(t, 10*time.Second, cfg.Timeout)
}

func TestLoad_MissingRequired(t *testing.T) {
	os.Unsetenv("CFG_REQUIRED_KEY")

	var cfg requiredConfig
	err := config.Load(&cfg)
	assert.ErrorIs(t, err, config.ErrParsingConfig)
}

func TestLoad_Validation(t *testing.T) {
	os.Unsetenv("CFG_VALIDATED_KEY")

	var cfg validatedConfig
	err := config.Load(&cfg)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestLoad_Cached(t *testing.T) {
	t.Setenv("CFG_CACHED_VALUE", "first")

	var a cachedConfig
	require.NoError(t, config.Load(&a))

	t.Setenv("CFG_CACHED_VALUE", "second")
	var b cachedConfig
	require.NoError(t, config.Load(&b))
	assert.Equal(t, "first", b.Value)

	config.Reset()
	var c cachedConfig
	require.NoError(t, config.Load(&c))
	assert.Equal(t, "second", c.Value)
}

func TestLoad_NilPointer(t *testing.T) {
	assert.ErrorIs(t, config.Load[successConfig](nil), config.ErrNilPointer)
	assert.Panics(t, func() {
		os.Unsetenv("CFG_REQUIRED_KEY")
		var cfg requiredConfig
		config.MustLoad(&cfg)
	})
}
