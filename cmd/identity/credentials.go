package identity

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// Authenticator verifies credential pairs against a Store.
type Authenticator struct {
	store Store
	log   *slog.Logger

	// dummyHash keeps the unknown-email path as slow as a real verify.
	dummyHash string
}

// NewAuthenticator constructs an Authenticator.
func NewAuthenticator(store Store, log *slog.Logger) *Authenticator {
	if log == nil {
		log = slog.Default()
	}
	a := &Authenticator{store: store, log: log}
	if h, err := HashPassword("timing-only-placeholder-password"); err == nil {
		a.dummyHash = h
	}
	return a
}

// VerifyCredentials returns the user owning email when password matches.
// Unknown emails and wrong passwords both yield ErrInvalidCredentials.
func (a *Authenticator) VerifyCredentials(ctx context.Context, email, password string) (User, error) {
	const op = "identity.VerifyCredentials"

	email = NormalizeEmail(email)
	if email == "" || strings.TrimSpace(password) == "" {
		return User{}, OpError{Op: op, Kind: ErrInvalidCredentials}
	}

	ua, err := a.store.GetUserAuthByEmail(ctx, email)
	if err != nil {
		if !IsNotFound(err) {
			return User{}, err
		}
		if a.dummyHash != "" {
			_, _ = VerifyPassword(password, a.dummyHash)
		}
		return User{}, OpError{Op: op, Kind: ErrInvalidCredentials}
	}

	ok, err := VerifyPassword(password, ua.PasswordHash)
	if err != nil || !ok {
		if err != nil {
			a.log.Warn("identity.verify.bad_hash", "user_id", ua.User.ID, "err", err)
		}
		return User{}, OpError{Op: op, Kind: ErrInvalidCredentials}
	}

	if PasswordNeedsRehash(ua.PasswordHash) {
		a.upgradeHash(ctx, ua.User.ID, password)
	}

	return ua.User, nil
}

func (a *Authenticator) upgradeHash(ctx context.Context, userID, plain string) {
	hash, err := HashPassword(plain)
	if err != nil {
		// Legacy passwords may not satisfy the current policy; keep the old hash.
		a.log.Info("identity.rehash.skipped", "user_id", userID, "reason", err.Error())
		return
	}
	if err := a.store.UpdatePasswordHash(ctx, userID, hash, time.Now().UTC()); err != nil {
		a.log.Error("identity.rehash.fail", "user_id", userID, "err", err)
		return
	}
	a.log.Info("identity.rehash.ok", "user_id", userID)
}
