package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"strings"
)

// HMACEnvKey is the env var holding the token HMAC secret.
// #nosec G101 -- env var name, not a credential.
const HMACEnvKey = "GABRIEL_TOKEN_HMAC_KEY"

// MinHMACKeyBytes is the smallest accepted HMAC secret.
const MinHMACKeyBytes = 32

// Hasher produces storage digests for refresh tokens.
// The zero value hashes with SHA-256.
type Hasher struct {
	key []byte
}

// NewHasher returns a Hasher keyed with key. An empty key selects SHA-256.
func NewHasher(key []byte) Hasher {
	if len(key) == 0 {
		return Hasher{}
	}
	return Hasher{key: append([]byte(nil), key...)}
}

// HasherFromEnv builds a Hasher from GABRIEL_TOKEN_HMAC_KEY.
// When requireHMAC is true a missing or short key is an error.
func HasherFromEnv(requireHMAC bool) (Hasher, error) {
	key, err := HMACKeyFromEnv(MinHMACKeyBytes)
	if err != nil {
		if requireHMAC {
			return Hasher{}, err
		}
		if err == ErrHMACKeyTooShort {
			return Hasher{}, err
		}
		return Hasher{}, nil
	}
	return NewHasher(key), nil
}

// Keyed reports whether the hasher uses HMAC.
func (h Hasher) Keyed() bool { return len(h.key) > 0 }

// Hex returns the hex digest of s.
func (h Hasher) Hex(s string) string {
	if len(h.key) == 0 {
		return HashSHA256Hex(s)
	}
	return HashHMACSHA256Hex(s, h.key)
}

// HashSHA256Hex returns a SHA-256 hex digest of s.
func HashSHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HashHMACSHA256Hex returns an HMAC-SHA256 hex digest of s using key.
func HashHMACSHA256Hex(s string, key []byte) string {
	m := hmac.New(sha256.New, key)
	_, _ = m.Write([]byte(s))
	return hex.EncodeToString(m.Sum(nil))
}

// HMACKeyFromEnv returns the configured HMAC key bytes, enforcing a minimum length.
func HMACKeyFromEnv(minBytes int) ([]byte, error) {
	raw := strings.TrimSpace(os.Getenv(HMACEnvKey))
	if raw == "" {
		return nil, ErrHMACKeyMissing
	}
	if minBytes > 0 && len(raw) < minBytes {
		return nil, ErrHMACKeyTooShort
	}
	return []byte(raw), nil
}
