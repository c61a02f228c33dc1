package config

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gopkg.in/retry.v1"

	"github.com/code-payments/flipchat-iap/iap"
	"github.com/code-payments/flipchat-iap/iap/apple"
)

const (
	SubscriptionTypeAutoRenewable = "auto-renewable"
	SubscriptionTypeNonRenewing   = "non-renewing"
)

// Config holds everything needed to build a Facade backed by Apple's
// receipt validation service.
type Config struct {
	// SharedSecret authenticates receipt validation requests.
	SharedSecret string `env:"IAP_SHARED_SECRET,required"`

	// Environment is either "production" or "sandbox".
	Environment   string `env:"IAP_ENVIRONMENT" envDefault:"production"`
	// ProductionURL and SandboxURL override Apple's endpoints when set.
	ProductionURL string `env:"IAP_PRODUCTION_URL"`
	SandboxURL    string `env:"IAP_SANDBOX_URL"`

	HTTPTimeout            time.Duration `env:"IAP_HTTP_TIMEOUT" envDefault:"30s"`
	RetryCount             int           `env:"IAP_RETRY_COUNT" envDefault:"0"`
	RetryInitialDelay      time.Duration `env:"IAP_RETRY_INITIAL" envDefault:"500ms"`
	ExcludeOldTransactions bool          `env:"IAP_EXCLUDE_OLD_TRANSACTIONS" envDefault:"false"`

	SubscriptionType    string        `env:"IAP_SUBSCRIPTION_TYPE" envDefault:"auto-renewable"`
	NonRenewingDuration time.Duration `env:"IAP_NON_RENEWING_DURATION"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load reads the configuration from the environment. Any of the given .env
// files that exist are loaded first, without overriding variables that are
// already set.
func Load(envFiles ...string) (Config, error) {
	for _, file := range envFiles {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("failed to load %s: %w", file, err)
		}
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.SharedSecret == "" {
		return fmt.Errorf("IAP_SHARED_SECRET is required")
	}

	switch strings.ToLower(c.Environment) {
	case "production", "sandbox":
	default:
		return fmt.Errorf("invalid IAP_ENVIRONMENT: %s (must be 'production' or 'sandbox')", c.Environment)
	}

	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("IAP_HTTP_TIMEOUT must be positive")
	}
	if c.RetryCount < 0 {
		return fmt.Errorf("IAP_RETRY_COUNT must not be negative")
	}

	if _, err := c.Subscription(); err != nil {
		return err
	}
	if _, err := zap.ParseAtomicLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	return nil
}

func (c Config) IAPEnvironment() iap.Environment {
	if strings.ToLower(c.Environment) == "sandbox" {
		return iap.EnvironmentSandbox
	}
	return iap.EnvironmentProduction
}

func (c Config) Subscription() (iap.SubscriptionType, error) {
	switch c.SubscriptionType {
	case SubscriptionTypeAutoRenewable:
		return iap.AutoRenewable, nil
	case SubscriptionTypeNonRenewing:
		if c.NonRenewingDuration <= 0 {
			return iap.SubscriptionType{}, fmt.Errorf("IAP_NON_RENEWING_DURATION must be positive for non-renewing subscriptions")
		}
		return iap.NonRenewing(c.NonRenewingDuration), nil
	default:
		return iap.SubscriptionType{}, fmt.Errorf("invalid IAP_SUBSCRIPTION_TYPE: %s", c.SubscriptionType)
	}
}

// RetryStrategy returns nil when retries are disabled.
func (c Config) RetryStrategy() retry.Strategy {
	if c.RetryCount == 0 {
		return nil
	}

	return retry.LimitCount(c.RetryCount+1, retry.Exponential{
		Initial: c.RetryInitialDelay,
		Factor:  2,
	})
}

func (c Config) Logger() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}

	zapConfig := zap.NewProductionConfig()
	zapConfig.Level = level
	return zapConfig.Build()
}

// Endpoints returns the verifyReceipt URLs, falling back to Apple's.
func (c Config) Endpoints() (production, sandbox string) {
	production, sandbox = apple.ProductionURL, apple.SandboxURL
	if c.ProductionURL != "" {
		production = c.ProductionURL
	}
	if c.SandboxURL != "" {
		sandbox = c.SandboxURL
	}
	return production, sandbox
}

func (c Config) Validator(log *zap.Logger) *apple.Validator {
	opts := []apple.Option{
		apple.WithURLs(c.Endpoints()),
		apple.WithHTTPClient(&http.Client{Timeout: c.HTTPTimeout}),
		apple.WithExcludeOldTransactions(c.ExcludeOldTransactions),
	}
	if strategy := c.RetryStrategy(); strategy != nil {
		opts = append(opts, apple.WithRetryStrategy(strategy))
	}

	return apple.NewValidator(log, c.IAPEnvironment(), c.SharedSecret, opts...)
}

// Facade builds a Facade over the store, validating receipts with Apple.
func (c Config) Facade(log *zap.Logger, store iap.Storefront) (*iap.Facade, error) {
	subscriptionType, err := c.Subscription()
	if err != nil {
		return nil, err
	}

	return iap.NewFacade(log, store, c.Validator(log), subscriptionType), nil
}
