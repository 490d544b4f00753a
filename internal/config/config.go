// Package config loads the storefront settings from the environment (and an
// optional .env file) into a typed Config.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/brandsonmedia/storefront/internal/apperr"
	"github.com/brandsonmedia/storefront/internal/providers/mpesa"
	"github.com/brandsonmedia/storefront/internal/providers/stripe"
)

const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

// Database holds the postgres connection settings.
type Database struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
}

// DSN renders a libpq style connection URL understood by both pgx and lib/pq.
func (d Database) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Password),
		Host:     fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:     d.Name,
		RawQuery: "sslmode=" + d.SSLMode,
	}
	return u.String()
}

// Telemetry controls the OTLP exporters.
type Telemetry struct {
	Enabled  bool
	Endpoint string
}

// Mpesa holds the Daraja credentials and callback settings.
type Mpesa struct {
	Environment    string
	ConsumerKey    string
	ConsumerSecret string
	ShortCode      string
	Passkey        string
	CallbackURL    string
	CallbackToken  string
	Timeout        time.Duration
}

// Client converts the settings into the Daraja client configuration.
func (m Mpesa) Client() mpesa.Config {
	base := mpesa.SandboxURL
	if m.Environment == "production" {
		base = mpesa.ProductionURL
	}
	return mpesa.Config{
		BaseURL:        base,
		ConsumerKey:    m.ConsumerKey,
		ConsumerSecret: m.ConsumerSecret,
		ShortCode:      m.ShortCode,
		Passkey:        m.Passkey,
		CallbackURL:    m.CallbackURL,
		Timeout:        m.Timeout,
	}
}

// Stripe holds the Stripe API and webhook settings.
type Stripe struct {
	BaseURL       string
	SecretKey     string
	WebhookSecret string
	Currency      string
	Timeout       time.Duration
}

// Client converts the settings into the Stripe client configuration.
func (s Stripe) Client() stripe.Config {
	return stripe.Config{
		BaseURL:       s.BaseURL,
		SecretKey:     s.SecretKey,
		WebhookSecret: s.WebhookSecret,
		Currency:      s.Currency,
		Timeout:       s.Timeout,
	}
}

// Config is the service configuration read from the environment.
type Config struct {
	Port              string
	Storage           string
	Database          Database
	RedisAddr         string
	CORSOrigins       []string
	LogLevel          string
	ServiceName       string
	Telemetry         Telemetry
	TaxRate           decimal.Decimal
	Mpesa             Mpesa
	Stripe            Stripe
	DTMServer         string
	InvoiceServiceURL string
	SweepMinAge       time.Duration
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "8080")
	v.SetDefault("STORAGE", StorageMemory)
	v.SetDefault("DATABASE_HOST", "localhost")
	v.SetDefault("DATABASE_PORT", 5432)
	v.SetDefault("DATABASE_USER", "postgres")
	v.SetDefault("DATABASE_PASSWORD", "postgres")
	v.SetDefault("DATABASE_NAME", "storefront")
	v.SetDefault("DATABASE_SSLMODE", "disable")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("SERVICE_NAME", "storefront")
	v.SetDefault("OTEL_ENABLED", false)
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318")
	v.SetDefault("TAX_RATE", "0.16")
	v.SetDefault("MPESA_ENVIRONMENT", "sandbox")
	v.SetDefault("MPESA_CONSUMER_KEY", "")
	v.SetDefault("MPESA_CONSUMER_SECRET", "")
	v.SetDefault("MPESA_SHORTCODE", "")
	v.SetDefault("MPESA_PASSKEY", "")
	v.SetDefault("MPESA_CALLBACK_URL", "")
	v.SetDefault("MPESA_CALLBACK_TOKEN", "")
	v.SetDefault("MPESA_TIMEOUT", "30s")
	v.SetDefault("STRIPE_API_BASE", stripe.DefaultBaseURL)
	v.SetDefault("STRIPE_SECRET_KEY", "")
	v.SetDefault("STRIPE_WEBHOOK_SECRET", "")
	v.SetDefault("STRIPE_CURRENCY", "kes")
	v.SetDefault("STRIPE_TIMEOUT", "20s")
	v.SetDefault("DTM_SERVER", "")
	v.SetDefault("INVOICE_SERVICE_URL", "")
	v.SetDefault("SWEEP_MIN_AGE", "2m")
}

// Load reads .env when present, then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	v := viper.New()
	v.AutomaticEnv()
	return FromViper(v)
}

// FromViper builds a Config from an already populated viper instance and
// validates it.
func FromViper(v *viper.Viper) (*Config, error) {
	setDefaults(v)

	taxRate, taxErr := decimal.NewFromString(v.GetString("TAX_RATE"))

	cfg := &Config{
		Port:    v.GetString("PORT"),
		Storage: strings.ToLower(v.GetString("STORAGE")),
		Database: Database{
			Host:     v.GetString("DATABASE_HOST"),
			Port:     v.GetInt("DATABASE_PORT"),
			User:     v.GetString("DATABASE_USER"),
			Password: v.GetString("DATABASE_PASSWORD"),
			Name:     v.GetString("DATABASE_NAME"),
			SSLMode:  v.GetString("DATABASE_SSLMODE"),
		},
		RedisAddr:   v.GetString("REDIS_ADDR"),
		CORSOrigins: splitList(v.GetString("CORS_ORIGINS")),
		LogLevel:    v.GetString("LOG_LEVEL"),
		ServiceName: v.GetString("SERVICE_NAME"),
		Telemetry: Telemetry{
			Enabled:  v.GetBool("OTEL_ENABLED"),
			Endpoint: v.GetString("OTEL_EXPORTER_OTLP_ENDPOINT"),
		},
		TaxRate: taxRate,
		Mpesa: Mpesa{
			Environment:    strings.ToLower(v.GetString("MPESA_ENVIRONMENT")),
			ConsumerKey:    v.GetString("MPESA_CONSUMER_KEY"),
			ConsumerSecret: v.GetString("MPESA_CONSUMER_SECRET"),
			ShortCode:      v.GetString("MPESA_SHORTCODE"),
			Passkey:        v.GetString("MPESA_PASSKEY"),
			CallbackURL:    v.GetString("MPESA_CALLBACK_URL"),
			CallbackToken:  v.GetString("MPESA_CALLBACK_TOKEN"),
			Timeout:        v.GetDuration("MPESA_TIMEOUT"),
		},
		Stripe: Stripe{
			BaseURL:       v.GetString("STRIPE_API_BASE"),
			SecretKey:     v.GetString("STRIPE_SECRET_KEY"),
			WebhookSecret: v.GetString("STRIPE_WEBHOOK_SECRET"),
			Currency:      strings.ToLower(v.GetString("STRIPE_CURRENCY")),
			Timeout:       v.GetDuration("STRIPE_TIMEOUT"),
		},
		DTMServer:         v.GetString("DTM_SERVER"),
		InvoiceServiceURL: v.GetString("INVOICE_SERVICE_URL"),
		SweepMinAge:       v.GetDuration("SWEEP_MIN_AGE"),
	}
	problems := &apperr.ValidationError{}
	if taxErr != nil {
		problems.Add("TAX_RATE", "must be a decimal number")
	}
	cfg.check(problems)
	if err := problems.OrNil(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	v := &apperr.ValidationError{}
	c.check(v)
	return v.OrNil()
}

func (c *Config) check(v *apperr.ValidationError) {
	if c.Port == "" {
		v.Add("PORT", "is required")
	}
	switch c.Storage {
	case StorageMemory:
	case StoragePostgres:
		if c.Database.Host == "" {
			v.Add("DATABASE_HOST", "is required for postgres storage")
		}
		if c.Database.Name == "" {
			v.Add("DATABASE_NAME", "is required for postgres storage")
		}
	default:
		v.Add("STORAGE", "must be %q or %q", StorageMemory, StoragePostgres)
	}
	if c.TaxRate.IsNegative() || c.TaxRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		v.Add("TAX_RATE", "must be within [0, 1)")
	}
	if c.Mpesa.Environment != "sandbox" && c.Mpesa.Environment != "production" {
		v.Add("MPESA_ENVIRONMENT", "must be sandbox or production")
	}
	if c.Mpesa.Timeout <= 0 {
		v.Add("MPESA_TIMEOUT", "must be positive")
	}
	if c.Stripe.Timeout <= 0 {
		v.Add("STRIPE_TIMEOUT", "must be positive")
	}
	if c.Stripe.Currency == "" {
		v.Add("STRIPE_CURRENCY", "is required")
	}
	if c.DTMServer != "" && c.InvoiceServiceURL == "" {
		v.Add("INVOICE_SERVICE_URL", "is required when DTM_SERVER is set")
	}
	if c.SweepMinAge <= 0 {
		v.Add("SWEEP_MIN_AGE", "must be positive")
	}
}
