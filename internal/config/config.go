package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the service.
type Config struct {
	App      AppConfig
	Postgres PostgresConfig
	Redis    RedisConfig
	Logger   LoggerConfig
	Auth     AuthConfig
	Profile  ProfileConfig
	Session  SessionConfig
	Billing  BillingConfig
	Notify   NotificationConfig
}

// AppConfig controls server level behavior.
type AppConfig struct {
	Name                  string `validate:"required"`
	Env                   string `validate:"oneof=development staging production test"`
	Host                  string
	Port                  string `validate:"required,numeric"`
	Version               string
	RequestTimeoutSeconds int `validate:"gte=0"`
}

// PostgresConfig holds DB connection values.
type PostgresConfig struct {
	DSN            string
	MaxConns       int32
	MinConns       int32
	RunMigrations  bool
	ConnMaxIdleSec int32
	ConnMaxLifeSec int32
}

// RedisConfig holds Redis connection values.
type RedisConfig struct {
	Addr     string `validate:"required,hostname_port"`
	Password string
	DB       int `validate:"gte=0"`
}

// LoggerConfig configures logging behavior.
type LoggerConfig struct {
	Level string
}

// AuthConfig defines identity provider parameters.
type AuthConfig struct {
	JWTSecret               string `validate:"required,min=8"`
	AccessTokenTTLMinutes   int    `validate:"gt=0"`
	RefreshTokenTTLHours    int    `validate:"gt=0"`
	PasswordResetTTLMinutes int    `validate:"gt=0"`
	BcryptCost              int    `validate:"gte=4,lte=31"`
	MinPasswordLength       int    `validate:"gte=6"`
	SignInPerMinute         float64
	SignInBurst             int
}

// ProfileConfig bounds profile synchronization.
type ProfileConfig struct {
	FetchTimeout     time.Duration `validate:"gt=0"`
	RetryAttempts    int           `validate:"gte=0"`
	RetryInitialWait time.Duration
	RetryMaxWait     time.Duration
}

// SessionConfig controls per-client session state machines.
type SessionConfig struct {
	CookieName   string `validate:"required"`
	CookieSecure bool
	IdleTTL      time.Duration `validate:"gt=0"`
	GateWait     time.Duration `validate:"gte=0"`
	ExpiryGrace  time.Duration `validate:"gte=0"`
	SignInPath   string        `validate:"required"`
	PlansPath    string        `validate:"required"`
}

// BillingConfig configures payment settlement ingestion.
type BillingConfig struct {
	StripeWebhookSecret string
	CheckoutBaseURL     string
	SettleTimeout       time.Duration `validate:"gt=0"`
	PollInitialWait     time.Duration `validate:"gt=0"`
	PollMaxWait         time.Duration `validate:"gt=0"`
	NotifyChannel       string        `validate:"required"`
	EventDedupeTTL      time.Duration `validate:"gt=0"`
	PricePlans          map[string]string
}

// NotificationConfig contains outbound notification settings.
type NotificationConfig struct {
	EmailFrom        string
	PasswordResetURL string `validate:"required,url"`
}

// Load reads configuration from environment variables, applying defaults where possible.
func Load() (*Config, error) {
	_ = godotenv.Load()

	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	maxConns := int32(getEnvAsInt("POSTGRES_MAX_CONNS", 10))
	minConns := int32(getEnvAsInt("POSTGRES_MIN_CONNS", 2))
	runMigrations := getEnvAsBool("POSTGRES_RUN_MIGRATIONS", true)
	connMaxIdle := int32(getEnvAsInt("POSTGRES_CONN_MAX_IDLE_SECONDS", 30))
	connMaxLife := int32(getEnvAsInt("POSTGRES_CONN_MAX_LIFE_SECONDS", 300))

	cfg := &Config{
		App: AppConfig{
			Name:                  getEnv("APP_NAME", "entitlement-service"),
			Env:                   getEnv("APP_ENV", "development"),
			Host:                  getEnv("APP_HOST", "0.0.0.0"),
			Port:                  getEnv("APP_PORT", "8080"),
			Version:               getEnv("APP_VERSION", "dev"),
			RequestTimeoutSeconds: getEnvAsInt("HTTP_REQUEST_TIMEOUT_SECONDS", 30),
		},
		Postgres: PostgresConfig{
			DSN:            os.Getenv("POSTGRES_DSN"),
			MaxConns:       maxConns,
			MinConns:       minConns,
			RunMigrations:  runMigrations,
			ConnMaxIdleSec: connMaxIdle,
			ConnMaxLifeSec: connMaxLife,
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "127.0.0.1:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       redisDB,
		},
		Logger: LoggerConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Auth: AuthConfig{
			JWTSecret:               getEnv("AUTH_JWT_SECRET", "dev-secret"),
			AccessTokenTTLMinutes:   getEnvAsInt("AUTH_ACCESS_TOKEN_TTL_MINUTES", 60),
			RefreshTokenTTLHours:    getEnvAsInt("AUTH_REFRESH_TOKEN_TTL_HOURS", 24*30),
			PasswordResetTTLMinutes: getEnvAsInt("AUTH_PASSWORD_RESET_TTL_MINUTES", 30),
			BcryptCost:              getEnvAsInt("AUTH_BCRYPT_COST", 12),
			MinPasswordLength:       getEnvAsInt("AUTH_MIN_PASSWORD_LENGTH", 8),
			SignInPerMinute:         getEnvAsFloat("AUTH_SIGN_IN_PER_MINUTE", 10),
			SignInBurst:             getEnvAsInt("AUTH_SIGN_IN_BURST", 5),
		},
		Profile: ProfileConfig{
			FetchTimeout:     getEnvAsDuration("PROFILE_FETCH_TIMEOUT", 6*time.Second),
			RetryAttempts:    getEnvAsInt("PROFILE_RETRY_ATTEMPTS", 3),
			RetryInitialWait: getEnvAsDuration("PROFILE_RETRY_INITIAL_WAIT", time.Second),
			RetryMaxWait:     getEnvAsDuration("PROFILE_RETRY_MAX_WAIT", 8*time.Second),
		},
		Session: SessionConfig{
			CookieName:   getEnv("SESSION_COOKIE_NAME", "tb_client"),
			CookieSecure: getEnvAsBool("SESSION_COOKIE_SECURE", false),
			IdleTTL:      getEnvAsDuration("SESSION_IDLE_TTL", 30*time.Minute),
			GateWait:     getEnvAsDuration("GATE_RESOLVE_WAIT", 2*time.Second),
			ExpiryGrace:  getEnvAsDuration("SESSION_EXPIRY_GRACE", time.Second),
			SignInPath:   getEnv("SESSION_SIGN_IN_PATH", "/login"),
			PlansPath:    getEnv("SESSION_PLANS_PATH", "/plans"),
		},
		Billing: BillingConfig{
			StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
			CheckoutBaseURL:     getEnv("CHECKOUT_BASE_URL", "https://pay.example.com/checkout"),
			SettleTimeout:       getEnvAsDuration("CHECKOUT_SETTLE_TIMEOUT", 20*time.Second),
			PollInitialWait:     getEnvAsDuration("CHECKOUT_POLL_INITIAL_WAIT", 500*time.Millisecond),
			PollMaxWait:         getEnvAsDuration("CHECKOUT_POLL_MAX_WAIT", 4*time.Second),
			NotifyChannel:       getEnv("BILLING_NOTIFY_CHANNEL", "profiles:changed"),
			EventDedupeTTL:      getEnvAsDuration("STRIPE_EVENT_DEDUPE_TTL", 24*time.Hour),
			PricePlans:          parsePricePlans(os.Getenv("STRIPE_PRICE_PLANS")),
		},
		Notify: NotificationConfig{
			EmailFrom:        os.Getenv("NOTIFY_EMAIL_FROM"),
			PasswordResetURL: getEnv("PASSWORD_RESET_URL", "http://localhost:3000/reset-password"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct constraints and cross-field rules.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.App.Env == "production" {
		if c.Auth.JWTSecret == "dev-secret" {
			return fmt.Errorf("invalid configuration: AUTH_JWT_SECRET must be set in production")
		}
		if c.Billing.StripeWebhookSecret == "" {
			return fmt.Errorf("invalid configuration: STRIPE_WEBHOOK_SECRET must be set in production")
		}
	}
	if c.Profile.RetryMaxWait < c.Profile.RetryInitialWait {
		return fmt.Errorf("invalid configuration: PROFILE_RETRY_MAX_WAIT below PROFILE_RETRY_INITIAL_WAIT")
	}
	return nil
}

// Addr returns the HTTP bind address.
func (a AppConfig) Addr() string {
	return fmt.Sprintf("%s:%s", a.Host, a.Port)
}

// RequestTimeout returns the configured request timeout duration.
func (a AppConfig) RequestTimeout() time.Duration {
	if a.RequestTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(a.RequestTimeoutSeconds) * time.Second
}

// AccessTokenTTL returns the access token lifetime.
func (a AuthConfig) AccessTokenTTL() time.Duration {
	return time.Duration(a.AccessTokenTTLMinutes) * time.Minute
}

// RefreshTokenTTL returns the refresh token lifetime.
func (a AuthConfig) RefreshTokenTTL() time.Duration {
	return time.Duration(a.RefreshTokenTTLHours) * time.Hour
}

// PasswordResetTTL returns the reset token lifetime.
func (a AuthConfig) PasswordResetTTL() time.Duration {
	return time.Duration(a.PasswordResetTTLMinutes) * time.Minute
}

// parsePricePlans reads "price_a:starter,price_b:business".
func parsePricePlans(raw string) map[string]string {
	out := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		priceID, plan, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || priceID == "" || plan == "" {
			continue
		}
		out[strings.TrimSpace(priceID)] = strings.TrimSpace(plan)
	}
	return out
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsFloat(key string, fallback float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return parsed
}
