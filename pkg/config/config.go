// Package config loads the service configuration from the environment and
// an optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/membermatters/billing/pkg/billing"
)

const (
	EnvDevelopment = "development"
	EnvTest        = "test"
	EnvProduction  = "production"
)

// Config holds all configuration for the billing service.
type Config struct {
	AppEnv         string        `mapstructure:"APP_ENV" validate:"required,oneof=development test production"`
	HTTPAddr       string        `mapstructure:"HTTP_ADDR" validate:"required"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT" validate:"gt=0"`
	LogLevel       string        `mapstructure:"LOG_LEVEL" validate:"oneof=debug info warn error"`

	DatabaseURL  string `mapstructure:"DATABASE_URL" validate:"omitempty,url"`
	RedisURL     string `mapstructure:"REDIS_URL" validate:"omitempty,url"`
	AMQPURL      string `mapstructure:"AMQP_URL" validate:"omitempty,url"`
	AMQPExchange string `mapstructure:"AMQP_EXCHANGE" validate:"required"`

	StripeSecretKey       string `mapstructure:"STRIPE_SECRET_KEY" validate:"required"`
	StripeWebhookSecret   string `mapstructure:"STRIPE_WEBHOOK_SECRET"`
	AllowUnsignedWebhooks bool   `mapstructure:"ALLOW_UNSIGNED_WEBHOOKS"`
	CreateInvoices        bool   `mapstructure:"CREATE_INVOICES"`
	WebhookRateLimit      int    `mapstructure:"WEBHOOK_RATE_LIMIT" validate:"gte=0"`

	SiteName  string `mapstructure:"SITE_NAME" validate:"required"`
	SiteOwner string `mapstructure:"SITE_OWNER" validate:"required"`

	RequireInduction bool `mapstructure:"REQUIRE_INDUCTION"`
	// InductionValidFor is how long an induction counts. Zero means forever.
	InductionValidFor    time.Duration `mapstructure:"INDUCTION_VALID_FOR" validate:"gte=0"`
	RequireAccessCard    bool          `mapstructure:"REQUIRE_ACCESS_CARD"`
	RequirePaymentMethod bool          `mapstructure:"REQUIRE_PAYMENT_METHOD"`

	// Induction course scoring. Without CANVAS_API_URL the check-induction
	// action is unavailable.
	CanvasAPIURL      string  `mapstructure:"CANVAS_API_URL" validate:"omitempty,url"`
	CanvasAPIToken    string  `mapstructure:"CANVAS_API_TOKEN" validate:"required_with=CanvasAPIURL"`
	InductionCourseID string  `mapstructure:"INDUCTION_COURSE_ID" validate:"required_with=CanvasAPIURL"`
	MinInductionScore float64 `mapstructure:"MIN_INDUCTION_SCORE" validate:"gte=0,lte=100"`

	// ReconcileSchedule is a standard 5-field cron expression. Empty disables
	// scheduled reconciliation.
	ReconcileSchedule string `mapstructure:"RECONCILE_SCHEDULE"`

	MetricsNamespace string `mapstructure:"METRICS_NAMESPACE" validate:"required"`
}

var defaults = map[string]interface{}{
	"APP_ENV":                 EnvDevelopment,
	"HTTP_ADDR":               ":8080",
	"REQUEST_TIMEOUT":         "30s",
	"LOG_LEVEL":               "info",
	"DATABASE_URL":            "",
	"REDIS_URL":               "",
	"AMQP_URL":                "",
	"AMQP_EXCHANGE":           "membership.events",
	"STRIPE_SECRET_KEY":       "",
	"STRIPE_WEBHOOK_SECRET":   "",
	"ALLOW_UNSIGNED_WEBHOOKS": false,
	"CREATE_INVOICES":         false,
	"WEBHOOK_RATE_LIMIT":      100,
	"SITE_NAME":               "MemberMatters Portal",
	"SITE_OWNER":              "MemberMatters",
	"REQUIRE_INDUCTION":       true,
	"INDUCTION_VALID_FOR":     "0s",
	"REQUIRE_ACCESS_CARD":     true,
	"REQUIRE_PAYMENT_METHOD":  true,
	"CANVAS_API_URL":          "",
	"CANVAS_API_TOKEN":        "",
	"INDUCTION_COURSE_ID":     "",
	"MIN_INDUCTION_SCORE":     99,
	"RECONCILE_SCHEDULE":      "0 3 * * *",
	"METRICS_NAMESPACE":       "memberbilling",
}

// Load reads configuration from the given env files (".env" when none are
// given and it exists) and the process environment, then validates it.
// Variables already set in the environment win over env files.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load .env: %w", err)
		}
	} else if err := godotenv.Load(envFiles...); err != nil {
		return nil, fmt.Errorf("failed to load env files: %w", err)
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
		// Bind explicitly so Unmarshal sees variables that only exist in the environment.
		_ = v.BindEnv(key)
	}
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.StripeSecretKey = strings.TrimSpace(cfg.StripeSecretKey)
	cfg.StripeWebhookSecret = strings.TrimSpace(cfg.StripeWebhookSecret)
	cfg.CanvasAPIToken = strings.TrimSpace(cfg.CanvasAPIToken)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints and the cross-field rules a deployment
// must satisfy before the process starts.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if !strings.HasPrefix(c.StripeSecretKey, "sk_") && !strings.HasPrefix(c.StripeSecretKey, "rk_") {
		return fmt.Errorf("invalid config: STRIPE_SECRET_KEY must be a secret (sk_) or restricted (rk_) key")
	}
	if c.IsProduction() {
		if c.AllowUnsignedWebhooks {
			return fmt.Errorf("invalid config: ALLOW_UNSIGNED_WEBHOOKS is not allowed in production")
		}
		if c.StripeWebhookSecret == "" {
			return fmt.Errorf("invalid config: STRIPE_WEBHOOK_SECRET is required in production")
		}
		if c.DatabaseURL == "" {
			return fmt.Errorf("invalid config: DATABASE_URL is required in production")
		}
	}
	if c.ReconcileSchedule != "" {
		if _, err := cron.ParseStandard(c.ReconcileSchedule); err != nil {
			return fmt.Errorf("invalid config: RECONCILE_SCHEDULE: %w", err)
		}
	}
	return nil
}

// Warnings returns suspicious but allowed settings, such as a live Stripe
// key outside production.
func (c *Config) Warnings() []string {
	var out []string
	live := strings.HasPrefix(c.StripeSecretKey, "sk_live_") || strings.HasPrefix(c.StripeSecretKey, "rk_live_")
	switch {
	case live && !c.IsProduction():
		out = append(out, fmt.Sprintf("live Stripe key configured in %s", c.AppEnv))
	case !live && c.IsProduction():
		out = append(out, "test Stripe key configured in production")
	}
	if c.AllowUnsignedWebhooks {
		out = append(out, "unsigned Stripe webhooks are accepted")
	}
	return out
}

// IsProduction reports whether the service runs in production.
func (c *Config) IsProduction() bool {
	return c.AppEnv == EnvProduction
}

// InductionEnabled reports whether an induction course is configured.
func (c *Config) InductionEnabled() bool {
	return c.CanvasAPIURL != ""
}

// EligibilityRules returns the configured signup requirements.
func (c *Config) EligibilityRules() billing.EligibilityRules {
	return billing.EligibilityRules{
		RequireInduction:     c.RequireInduction,
		InductionValidFor:    c.InductionValidFor,
		RequireAccessCard:    c.RequireAccessCard,
		RequirePaymentMethod: c.RequirePaymentMethod,
	}
}
