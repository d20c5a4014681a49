package identity

import (
	"errors"

	"gabriel/cmd/security/password"
)

// HashPassword returns an Argon2id PHC hash under the configured policy.
func HashPassword(plain string) (string, error) {
	cfg, err := password.FromEnv()
	if err != nil {
		return "", err
	}
	enc, err := cfg.Hash(plain)
	if err != nil {
		switch {
		case errors.Is(err, password.ErrPasswordTooShort):
			return "", errors.New("password too short")
		case errors.Is(err, password.ErrPasswordTooLong):
			return "", errors.New("password too long")
		case errors.Is(err, password.ErrWeakPassword):
			return "", errors.New("weak password")
		default:
			return "", err
		}
	}
	return enc, nil
}

// VerifyPassword checks plain against an Argon2id or legacy bcrypt hash.
func VerifyPassword(plain, encoded string) (bool, error) {
	cfg, err := password.FromEnv()
	if err != nil {
		return false, err
	}
	return cfg.Verify(encoded, plain)
}

// PasswordNeedsRehash reports whether encoded predates the current hashing
// parameters.
func PasswordNeedsRehash(encoded string) bool {
	cfg, err := password.FromEnv()
	if err != nil {
		return false
	}
	return cfg.NeedsRehash(encoded)
}
