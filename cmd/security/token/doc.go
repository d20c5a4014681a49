// Package token hashes opaque session tokens for server-side storage.
//
// With GABRIEL_TOKEN_HMAC_KEY set, digests are HMAC-SHA256 keyed by that
// secret; otherwise plain SHA-256 is used (development only). Output is
// always 64 hex characters.
package token
