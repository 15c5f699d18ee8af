// Package auth verifies the access tokens that bind a request or socket to a user identity.
//
// Tokens are PASETO v4.public, issued by the account service. pulse only needs the
// public key; the secret key is accepted too so dev setups and tools can mint tokens.
package auth

import (
	"os"
	"strings"
	"time"
)

// Config defines runtime configuration for token verification.
type Config struct {
	// Issuer is the required "iss" claim.
	Issuer string

	// AccessTokenTTL is used only when minting tokens (dev tools, tests).
	AccessTokenTTL time.Duration

	// ClockSkew defines the allowed time skew during token validation.
	ClockSkew time.Duration

	// PasetoV4PublicKeyHex verifies tokens. Derived from the secret key when empty.
	PasetoV4PublicKeyHex string

	// PasetoV4SecretKeyHex signs tokens. Optional.
	PasetoV4SecretKeyHex string
}

// DefaultConfig returns defaults suitable for development.
func DefaultConfig() Config {
	return Config{
		Issuer:         "pulse",
		AccessTokenTTL: 15 * time.Minute,
		ClockSkew:      30 * time.Second,
	}
}

// Enabled reports whether any key material is configured.
func (c Config) Enabled() bool {
	return strings.TrimSpace(c.PasetoV4PublicKeyHex) != "" || strings.TrimSpace(c.PasetoV4SecretKeyHex) != ""
}

// LoadConfigFromEnv loads auth configuration from environment variables.
//
// Optional (auth is disabled when neither key is set):
//   - PULSE_PASETO_V4_PUBLIC_KEY_HEX
//   - PULSE_PASETO_V4_SECRET_KEY_HEX
//   - PULSE_AUTH_ISSUER
//   - PULSE_AUTH_ACCESS_TTL
//   - PULSE_AUTH_CLOCK_SKEW
//
// Returns ErrConfig if a value is present but invalid.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := strings.TrimSpace(os.Getenv("PULSE_AUTH_ISSUER")); v != "" {
		cfg.Issuer = v
	}

	if v := os.Getenv("PULSE_AUTH_ACCESS_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.AccessTokenTTL = d
	}

	if v := os.Getenv("PULSE_AUTH_CLOCK_SKEW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return Config{}, ErrConfig
		}
		cfg.ClockSkew = d
	}

	cfg.PasetoV4PublicKeyHex = strings.TrimSpace(os.Getenv("PULSE_PASETO_V4_PUBLIC_KEY_HEX"))
	cfg.PasetoV4SecretKeyHex = strings.TrimSpace(os.Getenv("PULSE_PASETO_V4_SECRET_KEY_HEX"))

	return cfg, nil
}
