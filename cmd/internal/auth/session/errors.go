package session

import "errors"

var (
	// ErrInvalidToken is returned when an access token fails verification.
	ErrInvalidToken = errors.New("invalid token")

	// ErrSessionNotFound is returned when no session matches.
	ErrSessionNotFound = errors.New("session not found")

	ErrSessionExpired = errors.New("session expired")
	ErrSessionRevoked = errors.New("session revoked")

	// ErrRefreshReuseDetected is returned when a rotated refresh token is
	// presented again. All sessions of the user have been revoked by then.
	ErrRefreshReuseDetected = errors.New("refresh token reuse detected")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")
)
