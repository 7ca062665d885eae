// Package config loads the core's runtime configuration from the
// environment and enforces the secret policy: production refuses to start
// with missing or guessable secrets, other environments warn.
package config

import (
	"fmt"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

// MinSecretLen is the floor for all shared secrets.
const MinSecretLen = 32

// Config is the full runtime configuration.
type Config struct {
	Env      string `envconfig:"APP_ENV" default:"development"`
	HTTPAddr string `envconfig:"HTTP_ADDR" default:":8080"`

	DatabaseURL string `envconfig:"DATABASE_URL" default:"postgres://localhost:5432/tickettoken?sslmode=disable"`
	RedisAddr   string `envconfig:"REDIS_ADDR" default:"localhost:6379"`

	// Shared secrets. All are required in production.
	HMACSecret            string `envconfig:"HMAC_SECRET"`
	JWTSecret             string `envconfig:"JWT_SECRET"`
	InternalServiceSecret string `envconfig:"INTERNAL_SERVICE_SECRET"`
	KMSKeyID              string `envconfig:"KMS_KEY_ID"`

	// Scan tunables.
	QRRotationWindowSecs int `envconfig:"QR_ROTATION_WINDOW_SECS" default:"30"`
	DuplicateWindowMins  int `envconfig:"DUPLICATE_WINDOW_MINS" default:"10"`

	// Chain and mint.
	ChainRPCEndpoints []string `envconfig:"CHAIN_RPC_ENDPOINTS" default:"https://api.mainnet-beta.solana.com"`
	MetadataBucket    string   `envconfig:"METADATA_BUCKET" default:"tickettoken-metadata"`
	MetadataProvider  string   `envconfig:"METADATA_PROVIDER" default:"s3"`
	TreasuryWhitelist string   `envconfig:"TREASURY_WHITELIST_FILE"`
	TreasuryAddress   string   `envconfig:"TREASURY_ADDRESS"`
	TreasuryWebhook   string   `envconfig:"TREASURY_ALERT_WEBHOOK"`

	// Anomaly detection.
	AnomalyRulesFile string `envconfig:"ANOMALY_RULES_FILE"`
	DLQArchivePath   string `envconfig:"DLQ_ARCHIVE_PATH" default:"dlq-archive.db"`

	// Internal RPC.
	ServiceName     string `envconfig:"SERVICE_NAME" default:"ticketing-core"`
	CallbackBaseURL string `envconfig:"CALLBACK_BASE_URL"`
	AllowedServices []string `envconfig:"ALLOWED_INTERNAL_SERVICES" default:"ticketing-api,chain-sync"`

	// HTTP limits.
	RateLimitRPS   int `envconfig:"RATE_LIMIT_RPS" default:"50"`
	RateLimitBurst int `envconfig:"RATE_LIMIT_BURST" default:"100"`
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

// IsProduction reports whether the secret policy is enforced strictly.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// Problem is one configuration defect. Fatal problems abort startup in
// production.
type Problem struct {
	Name   string
	Reason string
}

func (p Problem) String() string {
	return fmt.Sprintf("config: %s: %s", p.Name, p.Reason)
}

// weakSecrets are values seen in leaked configs and default templates.
// Matching is case-insensitive on the whole value.
var weakSecrets = []string{
	"secret", "password", "changeme", "change-me", "default",
	"test", "testing", "dev", "development",
	"0123456789abcdef0123456789abcdef",
	"00000000000000000000000000000000",
	"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
}

// Problems audits the secrets. Every entry warrants one diagnostic line;
// in production any entry is fatal.
func (c *Config) Problems() []Problem {
	var out []Problem
	secrets := []struct {
		name  string
		value string
	}{
		{"HMAC_SECRET", c.HMACSecret},
		{"JWT_SECRET", c.JWTSecret},
		{"INTERNAL_SERVICE_SECRET", c.InternalServiceSecret},
	}
	for _, s := range secrets {
		switch {
		case s.value == "":
			out = append(out, Problem{s.name, "not set"})
		case len(s.value) < MinSecretLen:
			out = append(out, Problem{s.name, fmt.Sprintf("shorter than %d characters", MinSecretLen)})
		case isWeak(s.value):
			out = append(out, Problem{s.name, "matches a known weak value"})
		}
	}
	if c.KMSKeyID == "" {
		out = append(out, Problem{"KMS_KEY_ID", "not set"})
	}
	if c.DuplicateWindowMins < 1 || c.DuplicateWindowMins > 1440 {
		out = append(out, Problem{"DUPLICATE_WINDOW_MINS", "outside [1,1440]"})
	}
	if c.QRRotationWindowSecs < 1 {
		out = append(out, Problem{"QR_ROTATION_WINDOW_SECS", "must be positive"})
	}
	return out
}

func isWeak(value string) bool {
	v := strings.ToLower(value)
	for _, weak := range weakSecrets {
		if v == weak {
			return true
		}
	}
	// Single repeated character defeats the length floor.
	first := v[0]
	for i := 1; i < len(v); i++ {
		if v[i] != first {
			return false
		}
	}
	return true
}
