// Copyright (c) 2026 Veyra. All rights reserved.
// Author: tai.buivan.jp@gmail.com

/*
Package config handles application-wide settings and environment parsing.

It leverages 'caarlos0/env' to map OS environment variables into a strongly-typed
Go struct, providing early validation and default values.

Usage:

	cfg, err := config.Load()
	if err != nil {
	    log.Fatal(err)
	}

Architecture:

  - Immutability: Once loaded, configuration is read-only.
  - DI-Friendly: Passed to core components (DB, Redis, risk engine, token
    authority) via constructors.
  - Zero Hidden State: No global variables are used to store config.

Secrets (signing keys, blind-index master key, CAPTCHA secret) are referenced
by path or injected by the deployment's secret source; they never appear in
code or in defaults.
*/
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// # Configuration Schema

// Config holds all runtime configuration for the Veyra identity server.
type Config struct {

	// Server settings
	ServerPort  string `env:"SERVER_PORT"  envDefault:"8080"`
	Environment string `env:"ENVIRONMENT"  envDefault:"development"`
	Debug       bool   `env:"DEBUG"        envDefault:"false"`

	// Issuer is the public base URL of this server; it becomes the OAuth2
	// issuer identifier and the JWT 'iss' claim.
	Issuer string `env:"ISSUER" envDefault:"https://auth.veyra.id"`

	// Relational Database (PostgreSQL)
	DatabaseURL string `env:"DATABASE_URL,required"`

	// MigrationPath is the filesystem path to the SQL migrations directory.
	MigrationPath string `env:"MIGRATION_PATH" envDefault:"./data/migrations"`

	// Key-Value Cache (Redis)
	RedisURL string `env:"REDIS_URL,required"`

	// Cryptographic key material (paths into the secret source mount)
	AccessKeyPath  string `env:"ACCESS_SIGNING_KEY_PATH,required"`
	AccessKeyID    string `env:"ACCESS_SIGNING_KEY_ID" envDefault:"veyra-access-1"`
	RefreshHMACKey string `env:"REFRESH_HMAC_KEY,required"`
	MasterSecret   string `env:"MASTER_SECRET,required"` // HKDF root for blind-index + field encryption keys

	// Password policy
	PasswordMinLength    int    `env:"PASSWORD_MIN_LENGTH"    envDefault:"10"`
	PasswordMaxLength    int    `env:"PASSWORD_MAX_LENGTH"    envDefault:"72"`
	PasswordRequireUpper bool   `env:"PASSWORD_REQUIRE_UPPER" envDefault:"true"`
	PasswordRequireDigit bool   `env:"PASSWORD_REQUIRE_DIGIT" envDefault:"true"`
	PasswordRequireClass bool   `env:"PASSWORD_REQUIRE_SPECIAL" envDefault:"true"`
	PasswordCustomRegex  string `env:"PASSWORD_CUSTOM_REGEX"`
	BreachCheckURL       string `env:"BREACH_CHECK_URL" envDefault:"https://api.pwnedpasswords.com/range"`

	// Lockout & throttling
	LockoutThreshold  int           `env:"LOCKOUT_THRESHOLD" envDefault:"5"`
	LockoutDuration   time.Duration `env:"LOCKOUT_DURATION"  envDefault:"30m"`
	FailureWindow     time.Duration `env:"FAILURE_WINDOW"    envDefault:"15m"`
	CaptchaThreshold  int           `env:"CAPTCHA_THRESHOLD" envDefault:"3"`
	CaptchaVerifyURL  string        `env:"CAPTCHA_VERIFY_URL"`
	CaptchaSecret     string        `env:"CAPTCHA_SECRET"`
	DeviceTrustLogins int           `env:"DEVICE_TRUST_LOGINS" envDefault:"3"`

	// Geo / ASN risk analysis
	GeoProviderURL         string        `env:"GEO_PROVIDER_URL"`
	GeoFallbackURL         string        `env:"GEO_FALLBACK_URL"`
	SuspiciousDistanceKm   float64       `env:"SECURITY_GEO_SUSPICIOUS_DISTANCE_KM" envDefault:"500"`
	TimeWindowHours        int           `env:"SECURITY_GEO_TIME_WINDOW_HOURS"      envDefault:"24"`
	MaxTravelSpeedKmh      float64       `env:"SECURITY_GEO_MAX_SPEED_KMH"          envDefault:"1000"`
	HighRiskCountries      []string      `env:"HIGH_RISK_COUNTRIES" envSeparator:","`
	VPNReputationThreshold float64       `env:"VPN_REPUTATION_THRESHOLD" envDefault:"0.3"`
	GeoHistoryTTL          time.Duration `env:"GEO_HISTORY_TTL" envDefault:"24h"`

	// Token lifetimes
	AccessTokenTTL   time.Duration `env:"ACCESS_TOKEN_TTL"   envDefault:"15m"`
	RefreshTokenTTL  time.Duration `env:"REFRESH_TOKEN_TTL"  envDefault:"720h"`
	AuthCodeTTL      time.Duration `env:"AUTH_CODE_TTL"      envDefault:"10m"`
	IDTokenTTL       time.Duration `env:"ID_TOKEN_TTL"       envDefault:"1h"`
	DeviceCodeTTL    time.Duration `env:"DEVICE_CODE_TTL"    envDefault:"15m"`
	DevicePollPeriod time.Duration `env:"DEVICE_POLL_PERIOD" envDefault:"5s"`
	SessionTTL       time.Duration `env:"SESSION_TTL"        envDefault:"12h"`
	RememberMeTTL    time.Duration `env:"REMEMBER_ME_TTL"    envDefault:"336h"`
	PasskeyTimeout   time.Duration `env:"PASSKEY_TIMEOUT"    envDefault:"2m"`

	// Cache tuning
	CacheLocalMaxEntries int           `env:"CACHE_LOCAL_MAX_ENTRIES" envDefault:"10000"`
	CacheUsersTTL        time.Duration `env:"CACHE_USERS_TTL"         envDefault:"5m"`
	CacheRolesTTL        time.Duration `env:"CACHE_ROLES_TTL"         envDefault:"30m"`
	CacheASNTTL          time.Duration `env:"CACHE_ASN_TTL"           envDefault:"12h"`
	CacheTokensTTL       time.Duration `env:"CACHE_TOKENS_TTL"        envDefault:"2m"`
	CacheIPBlockTTL      time.Duration `env:"CACHE_IP_BLOCK_TTL"      envDefault:"10m"`
	CacheGeoLocationTTL  time.Duration `env:"CACHE_GEO_LOCATION_TTL"  envDefault:"6h"`
	CacheGeoHistoryTTL   time.Duration `env:"CACHE_GEO_HISTORY_TTL"   envDefault:"24h"`
	BreakerFailures      int           `env:"CACHE_BREAKER_FAILURES"  envDefault:"5"`
	BreakerRatio         float64       `env:"CACHE_BREAKER_RATIO"     envDefault:"0.5"`
	BreakerCooldown      time.Duration `env:"CACHE_BREAKER_COOLDOWN"  envDefault:"30s"`

	// WebAuthn relying party
	RPID          string   `env:"WEBAUTHN_RP_ID"     envDefault:"veyra.id"`
	RPDisplayName string   `env:"WEBAUTHN_RP_NAME"   envDefault:"Veyra"`
	RPOrigins     []string `env:"WEBAUTHN_RP_ORIGINS" envSeparator:"," envDefault:"https://auth.veyra.id"`

	// Federated identity providers (single upstream; multi-provider deployments
	// run one block per provider behind the proxy)
	UpstreamIssuer       string   `env:"UPSTREAM_ISSUER"`
	UpstreamClientID     string   `env:"UPSTREAM_CLIENT_ID"`
	UpstreamClientSecret string   `env:"UPSTREAM_CLIENT_SECRET"`
	UpstreamRedirectURL  string   `env:"UPSTREAM_REDIRECT_URL"`
	UpstreamScopes       []string `env:"UPSTREAM_SCOPES" envSeparator:"," envDefault:"openid,profile,email"`
	UpstreamEmailsURL    string   `env:"UPSTREAM_EMAILS_URL"` // GitHub-style /user/emails fallback

	// Phone parsing
	DefaultPhoneRegion string `env:"DEFAULT_PHONE_REGION" envDefault:"US"`

	// Cross-Origin Resource Sharing
	ExtraOrigins string `env:"EXTRA_ORIGINS"`
}

// # Configuration Loading

// Load parses environment variables into a [Config] struct.
func Load() (*Config, error) {

	// Initialize an empty config struct
	cfg := &Config{}

	// Use the 'env' package to map environment variables to struct fields.
	// This will fail if any field marked with 'required' is missing.
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse environment variables: %w", err)
	}

	if cfg.PasswordMinLength < 8 {
		return nil, fmt.Errorf("config: PASSWORD_MIN_LENGTH must be at least 8, got %d", cfg.PasswordMinLength)
	}

	if cfg.PasswordMaxLength < cfg.PasswordMinLength {
		return nil, fmt.Errorf("config: PASSWORD_MAX_LENGTH below PASSWORD_MIN_LENGTH")
	}

	if cfg.LockoutThreshold < 1 {
		return nil, fmt.Errorf("config: LOCKOUT_THRESHOLD must be positive")
	}

	return cfg, nil
}

// IsDevelopment reports whether the server is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction reports whether the server is running in production mode.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
