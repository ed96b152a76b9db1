package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("APP_ENV", "test")
	t.Setenv("REDIS_ADDR", "127.0.0.1:6379")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 6*time.Second, cfg.Profile.FetchTimeout)
	assert.Equal(t, "tb_client", cfg.Session.CookieName)
	assert.Equal(t, "/login", cfg.Session.SignInPath)
	assert.Equal(t, "/plans", cfg.Session.PlansPath)
	assert.Equal(t, time.Hour, cfg.Auth.AccessTokenTTL())
	assert.Equal(t, "0.0.0.0:8080", cfg.App.Addr())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "test")
	t.Setenv("PROFILE_FETCH_TIMEOUT", "250ms")
	t.Setenv("STRIPE_PRICE_PLANS", "price_a:starter, price_b:business,broken")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 250*time.Millisecond, cfg.Profile.FetchTimeout)
	assert.Equal(t, map[string]string{"price_a": "starter", "price_b": "business"}, cfg.Billing.PricePlans)
}

func TestValidateRejectsDevSecretInProduction(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_x")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AUTH_JWT_SECRET")
}

func TestValidateRejectsUnknownEnv(t *testing.T) {
	t.Setenv("APP_ENV", "qa")

	_, err := Load()
	require.Error(t, err)
}

func TestRequestTimeout(t *testing.T) {
	assert.Equal(t, time.Duration(0), AppConfig{RequestTimeoutSeconds: 0}.RequestTimeout())
	assert.Equal(t, 5*time.Second, AppConfig{RequestTimeoutSeconds: 5}.RequestTimeout())
}
