package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/code-payments/flipchat-iap/iap"
	"github.com/code-payments/flipchat-iap/iap/apple"
	"github.com/code-payments/flipchat-iap/iap/memory"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("IAP_SHARED_SECRET", "secret")

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "secret", cfg.SharedSecret)
	require.Equal(t, iap.EnvironmentProduction, cfg.IAPEnvironment())
	require.Equal(t, 30*time.Second, cfg.HTTPTimeout)
	require.Equal(t, "info", cfg.LogLevel)
	require.Nil(t, cfg.RetryStrategy())

	production, sandbox := cfg.Endpoints()
	require.Equal(t, apple.ProductionURL, production)
	require.Equal(t, apple.SandboxURL, sandbox)

	subscriptionType, err := cfg.Subscription()
	require.NoError(t, err)
	require.Equal(t, iap.AutoRenewable, subscriptionType)
}

func TestLoad_MissingSecret(t *testing.T) {
	t.Setenv("IAP_SHARED_SECRET", "")

	_, err := Load()
	require.Error(t, err)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("IAP_SHARED_SECRET", "secret")
	t.Setenv("IAP_ENVIRONMENT", "sandbox")
	t.Setenv("IAP_RETRY_COUNT", "2")
	t.Setenv("IAP_SUBSCRIPTION_TYPE", SubscriptionTypeNonRenewing)
	t.Setenv("IAP_NON_RENEWING_DURATION", "720h")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("IAP_SANDBOX_URL", "http://localhost:8080/verifyReceipt")

	cfg, err := Load()
	require.NoError(t, err)

	production, sandbox := cfg.Endpoints()
	require.Equal(t, apple.ProductionURL, production)
	require.Equal(t, "http://localhost:8080/verifyReceipt", sandbox)

	require.Equal(t, iap.EnvironmentSandbox, cfg.IAPEnvironment())
	require.NotNil(t, cfg.RetryStrategy())

	subscriptionType, err := cfg.Subscription()
	require.NoError(t, err)
	require.Equal(t, iap.NonRenewing(720*time.Hour), subscriptionType)

	log, err := cfg.Logger()
	require.NoError(t, err)
	require.True(t, log.Core().Enabled(zap.DebugLevel))
}

func TestLoad_Invalid(t *testing.T) {
	for _, tc := range []struct {
		name  string
		key   string
		value string
	}{
		{"Environment", "IAP_ENVIRONMENT", "staging"},
		{"Timeout", "IAP_HTTP_TIMEOUT", "0s"},
		{"RetryCount", "IAP_RETRY_COUNT", "-1"},
		{"SubscriptionType", "IAP_SUBSCRIPTION_TYPE", "lifetime"},
		{"NonRenewingWithoutDuration", "IAP_SUBSCRIPTION_TYPE", SubscriptionTypeNonRenewing},
		{"LogLevel", "LOG_LEVEL", "loud"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("IAP_SHARED_SECRET", "secret")
			t.Setenv(tc.key, tc.value)

			_, err := Load()
			require.Error(t, err)
		})
	}
}

func TestLoad_EnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("IAP_SHARED_SECRET=from-file\nIAP_ENVIRONMENT=sandbox\n"), 0o600))

	// godotenv sets variables that are not already present, so make sure
	// they are unset and cleaned up afterwards.
	t.Setenv("IAP_SHARED_SECRET", "")
	t.Setenv("IAP_ENVIRONMENT", "")
	os.Unsetenv("IAP_SHARED_SECRET")
	os.Unsetenv("IAP_ENVIRONMENT")

	cfg, err := Load(filepath.Join(dir, "missing.env"), envFile)
	require.NoError(t, err)
	require.Equal(t, "from-file", cfg.SharedSecret)
	require.Equal(t, iap.EnvironmentSandbox, cfg.IAPEnvironment())
}

func TestConfig_Facade(t *testing.T) {
	t.Setenv("IAP_SHARED_SECRET", "secret")

	cfg, err := Load()
	require.NoError(t, err)

	store := memory.NewStorefront(zap.NewNop())
	store.SetCanMakePayments(false)

	facade, err := cfg.Facade(zap.NewNop(), store)
	require.NoError(t, err)

	_, err = facade.FetchExpiryDate(context.Background(), []string{"com.flipchat.sub.monthly"})
	require.ErrorIs(t, err, iap.ErrPaymentsUnavailable)
}
