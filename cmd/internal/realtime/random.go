package realtime

import (
	"crypto/rand"
	"encoding/hex"
)

// NewRandomHex returns 2*nBytes hex characters (16 bytes when nBytes <= 0).
// It returns "" if the system RNG fails.
func NewRandomHex(nBytes int) string {
	if nBytes <= 0 {
		nBytes = 16
	}
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return ""
	}
	return hex.EncodeToString(b)
}
