package invite

import (
	"context"
	"time"
)

// CreateRecord is a normalized invite insert payload.
type CreateRecord struct {
	ID        string
	CodeHash  string
	CreatedBy string
	CreatedAt time.Time
	ExpiresAt time.Time
	MaxUses   int
	Note      string
}

// Store is the persistence boundary for invites.
type Store interface {
	Create(ctx context.Context, in CreateRecord) (Invite, error)
	GetByCodeHash(ctx context.Context, codeHash string) (Invite, error)

	// List returns up to limit invites, newest first.
	List(ctx context.Context, limit int) ([]Invite, error)

	// Redeem takes one use of the invite if it is active at now. It returns
	// ErrNotFound for an unknown hash and ErrNotActive otherwise.
	Redeem(ctx context.Context, codeHash string, now time.Time) (Invite, error)

	// Release gives back a use taken by Redeem.
	Release(ctx context.Context, id string) error

	Revoke(ctx context.Context, id string, now time.Time) (Invite, error)
}
