package app

import (
	"errors"
	"fmt"

	"gabriel/cmd/security/token"
)

// ValidateSecurityConfig enforces the startup security policy. It fails
// fast instead of silently falling back to weaker token hashing.
func ValidateSecurityConfig(cfg Config) error {
	if !cfg.RequireTokenHMAC {
		return nil
	}

	if _, err := token.HMACKeyFromEnv(token.MinHMACKeyBytes); err != nil {
		switch {
		case errors.Is(err, token.ErrHMACKeyMissing):
			return fmt.Errorf("security policy: GABRIEL_REQUIRE_TOKEN_HMAC=true but %s is missing", token.HMACEnvKey)
		case errors.Is(err, token.ErrHMACKeyTooShort):
			return fmt.Errorf("security policy: GABRIEL_REQUIRE_TOKEN_HMAC=true but %s is too short (min %d bytes)", token.HMACEnvKey, token.MinHMACKeyBytes)
		default:
			return err
		}
	}
	return nil
}
