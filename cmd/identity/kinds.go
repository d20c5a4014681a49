package identity

import "errors"

// Sentinel error kinds (stable for errors.Is and for mapping to API status codes).
var (
	ErrInvalidInput = errors.New("invalid_input")
	ErrNotFound     = errors.New("not_found")
	ErrConflict     = errors.New("conflict")

	// ErrInvalidCredentials is the only failure VerifyCredentials reports for
	// unknown emails and wrong passwords alike.
	ErrInvalidCredentials = errors.New("invalid_credentials")
)
