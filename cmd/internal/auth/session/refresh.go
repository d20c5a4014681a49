package session

import (
	"crypto/rand"
	"encoding/base64"

	"gabriel/cmd/security/token"
)

func newOpaqueRefreshToken(nBytes int, h token.Hasher) (plain string, hashHex string, err error) {
	b := make([]byte, nBytes)
	if _, err = rand.Read(b); err != nil {
		return "", "", err
	}

	// URL-safe, no padding.
	plain = base64.RawURLEncoding.EncodeToString(b)
	return plain, h.Hex(plain), nil
}
