package session

import (
	"os"
	"strconv"
	"strings"
	"time"

	paseto "aidanwoods.dev/go-paseto"
)

// Config defines runtime configuration for the session subsystem.
type Config struct {
	// Issuer is the "iss" claim of access tokens.
	Issuer string

	AccessTokenTTL time.Duration

	// RefreshTTL bounds a login; rotation re-arms it.
	RefreshTTL time.Duration

	// ClockSkew is tolerated during token validation.
	ClockSkew time.Duration

	// RefreshTokenBytes is the entropy of opaque refresh tokens.
	RefreshTokenBytes int

	// PasetoV4SecretKeyHex is the hex-encoded Ed25519 secret key used to sign
	// access tokens.
	PasetoV4SecretKeyHex string

	// EphemeralKey is set when the signing key was generated at startup.
	// Tokens do not survive a restart in that mode.
	EphemeralKey bool
}

// DefaultConfig returns defaults suitable for development.
func DefaultConfig() Config {
	return Config{
		Issuer:            "gabriel",
		AccessTokenTTL:    15 * time.Minute,
		RefreshTTL:        24 * time.Hour,
		ClockSkew:         30 * time.Second,
		RefreshTokenBytes: 32,
	}
}

// LoadConfigFromEnv loads session configuration from environment variables.
//
// Signing key:
//   - GABRIEL_PASETO_V4_SECRET_KEY_HEX (required unless GABRIEL_DEV_MODE=true,
//     in which case an ephemeral key is generated)
//
// Optional (durations are Go duration strings):
//   - GABRIEL_AUTH_ISSUER
//   - GABRIEL_AUTH_ACCESS_TTL
//   - GABRIEL_AUTH_REFRESH_TTL
//   - GABRIEL_AUTH_CLOCK_SKEW
//   - GABRIEL_AUTH_REFRESH_TOKEN_BYTES
//
// Returns ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := strings.TrimSpace(os.Getenv("GABRIEL_AUTH_ISSUER")); v != "" {
		cfg.Issuer = v
	}

	for _, d := range []struct {
		key      string
		dst      *time.Duration
		allowZero bool
	}{
		{"GABRIEL_AUTH_ACCESS_TTL", &cfg.AccessTokenTTL, false},
		{"GABRIEL_AUTH_REFRESH_TTL", &cfg.RefreshTTL, false},
		{"GABRIEL_AUTH_CLOCK_SKEW", &cfg.ClockSkew, true},
	} {
		v := strings.TrimSpace(os.Getenv(d.key))
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil || parsed < 0 || (parsed == 0 && !d.allowZero) {
			return Config{}, ErrConfig
		}
		*d.dst = parsed
	}

	if v := strings.TrimSpace(os.Getenv("GABRIEL_AUTH_REFRESH_TOKEN_BYTES")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 32 || n > 64 {
			return Config{}, ErrConfig
		}
		cfg.RefreshTokenBytes = n
	}

	if cfg.RefreshTTL < cfg.AccessTokenTTL {
		return Config{}, ErrConfig
	}

	cfg.PasetoV4SecretKeyHex = strings.TrimSpace(os.Getenv("GABRIEL_PASETO_V4_SECRET_KEY_HEX"))
	if cfg.PasetoV4SecretKeyHex == "" {
		dev, _ := strconv.ParseBool(strings.TrimSpace(os.Getenv("GABRIEL_DEV_MODE")))
		if !dev {
			return Config{}, ErrConfig
		}
		cfg.PasetoV4SecretKeyHex = paseto.NewV4AsymmetricSecretKey().ExportHex()
		cfg.EphemeralKey = true
	}

	return cfg, nil
}
