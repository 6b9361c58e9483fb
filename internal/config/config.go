package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	PayPalSandboxURL = "https://api-m.sandbox.paypal.com"
	PayPalLiveURL    = "https://api-m.paypal.com"
)

type Config struct {
	HTTPAddr     string
	PostgresDSN  string // empty -> in-memory stores
	RedisAddr    string // empty -> no idempotency/cache layer
	KafkaBrokers []string
	ServiceName  string
	AppEnv       string
	LogLevel     string

	ReservationTTL time.Duration
	SweepInterval  time.Duration

	ReconcilerGroup   string
	ReconcilerWorkers int

	PayPal PayPalConfig
}

type PayPalConfig struct {
	ClientID     string
	ClientSecret string
	BaseURL      string
	Timeout      time.Duration
	MaxRetries   int
}

var ErrMissingCredentials = errors.New("PAYPAL_CLIENT_ID and PAYPAL_CLIENT_SECRET must be set")

// Validate is called at startup by binaries that talk to PayPal.
func (p PayPalConfig) Validate() error {
	if strings.TrimSpace(p.ClientID) == "" || strings.TrimSpace(p.ClientSecret) == "" {
		return ErrMissingCredentials
	}
	if p.BaseURL == "" {
		return errors.New("paypal base url is empty")
	}
	return nil
}

func Load() Config {
	return Config{
		HTTPAddr:       getenv("HTTP_ADDR", ":8081"),
		PostgresDSN:    os.Getenv("POSTGRES_DSN"),
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		KafkaBrokers:   splitCSV(os.Getenv("KAFKA_BROKERS")),
		ServiceName:    getenv("SERVICE_NAME", "checkout-api"),
		AppEnv:         getenv("APP_ENV", "dev"),
		LogLevel:       getenv("LOG_LEVEL", "info"),
		ReservationTTL: getDuration("RESERVATION_TTL", 15*time.Minute),
		SweepInterval:  getDuration("SWEEP_INTERVAL", time.Minute),

		ReconcilerGroup:   getenv("RECONCILER_GROUP", "checkout-reconciler"),
		ReconcilerWorkers: getPositiveInt("RECONCILER_WORKERS", 4),

		PayPal: PayPalConfig{
			ClientID:     os.Getenv("PAYPAL_CLIENT_ID"),
			ClientSecret: os.Getenv("PAYPAL_CLIENT_SECRET"),
			BaseURL:      payPalBaseURL(),
			Timeout:      getDuration("PAYPAL_TIMEOUT", 10*time.Second),
			MaxRetries:   getInt("PAYPAL_MAX_RETRIES", 2),
		},
	}
}

func payPalBaseURL() string {
	if v := os.Getenv("PAYPAL_BASE_URL"); v != "" {
		return strings.TrimRight(v, "/")
	}
	if strings.EqualFold(os.Getenv("PAYPAL_ENV"), "live") {
		return PayPalLiveURL
	}
	return PayPalSandboxURL
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getPositiveInt(k string, def int) int {
	if n := getInt(k, def); n > 0 {
		return n
	}
	return def
}

func getDuration(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
