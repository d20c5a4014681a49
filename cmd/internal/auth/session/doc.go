// Package session implements login sessions: short-lived PASETO v4.public
// access tokens paired with opaque refresh tokens that rotate on every use.
//
// Refresh tokens are stored hashed (HMAC-SHA256 when GABRIEL_TOKEN_HMAC_KEY
// is set, SHA-256 otherwise). Presenting an already rotated refresh token
// is treated as theft and revokes every session of the user.
package session
