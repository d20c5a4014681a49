// Package invite issues single-purpose registration codes and redeems them
// when a new account signs up.
package invite

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"strings"
	"time"

	"gabriel/cmd/identity/ids"
	"gabriel/cmd/security/token"
)

const (
	defaultCodeBytes = 32
	maxNoteLen       = 512
)

// Invite is one registration invite. The plain code is never stored.
type Invite struct {
	ID         string
	CreatedBy  string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	MaxUses    int
	UsedCount  int
	RevokedAt  *time.Time
	LastUsedAt *time.Time
	Note       string
}

// Active reports whether the invite can still be redeemed at now.
func (inv Invite) Active(now time.Time) bool {
	return inv.RevokedAt == nil && inv.ExpiresAt.After(now) && inv.UsedCount < inv.MaxUses
}

// CreateInput describes invite creation. Zero TTL and MaxUses take the
// configured defaults.
type CreateInput struct {
	CreatedBy string
	TTL       time.Duration
	MaxUses   int
	Note      string
	Now       time.Time
}

// Service manages invite creation, redemption and revocation.
type Service struct {
	store  Store
	hasher token.Hasher
	cfg    Config
}

// NewService constructs a Service. hasher digests codes the same way
// refresh tokens are digested.
func NewService(store Store, hasher token.Hasher, cfg Config) (*Service, error) {
	if store == nil {
		return nil, ErrInvalidInput
	}
	d := DefaultConfig()
	if cfg.MaxTTL <= 0 {
		cfg.MaxTTL = d.MaxTTL
	}
	if cfg.MaxUses <= 0 {
		cfg.MaxUses = d.MaxUses
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = d.DefaultTTL
	}
	if cfg.DefaultMaxUses <= 0 {
		cfg.DefaultMaxUses = d.DefaultMaxUses
	}
	return &Service{store: store, hasher: hasher, cfg: cfg}, nil
}

// Create stores a new invite and returns it with its plain code. The code
// is only ever available here.
func (s *Service) Create(ctx context.Context, in CreateInput) (Invite, string, error) {
	if err := ctx.Err(); err != nil {
		return Invite{}, "", err
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	ttl := in.TTL
	if ttl == 0 {
		ttl = s.cfg.DefaultTTL
	}
	if ttl < 0 || ttl > s.cfg.MaxTTL {
		return Invite{}, "", ErrInvalidInput
	}
	maxUses := in.MaxUses
	if maxUses == 0 {
		maxUses = s.cfg.DefaultMaxUses
	}
	if maxUses < 0 || maxUses > s.cfg.MaxUses {
		return Invite{}, "", ErrInvalidInput
	}
	note := strings.TrimSpace(in.Note)
	if len(note) > maxNoteLen {
		return Invite{}, "", ErrInvalidInput
	}

	code, err := newCode(defaultCodeBytes)
	if err != nil {
		return Invite{}, "", err
	}
	id, err := ids.NewULID(now)
	if err != nil {
		return Invite{}, "", err
	}

	inv, err := s.store.Create(ctx, CreateRecord{
		ID:        id,
		CodeHash:  s.hasher.Hex(code),
		CreatedBy: strings.TrimSpace(in.CreatedBy),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		MaxUses:   maxUses,
		Note:      note,
	})
	if err != nil {
		return Invite{}, "", err
	}
	return inv, code, nil
}

// Redeem takes one use of the invite identified by code. Callers that fail
// to finish registration must hand the use back with Release.
func (s *Service) Redeem(ctx context.Context, code string, now time.Time) (Invite, error) {
	if err := ctx.Err(); err != nil {
		return Invite{}, err
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return Invite{}, ErrInvalidInput
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return s.store.Redeem(ctx, s.hasher.Hex(code), now)
}

// Release returns a use taken by Redeem.
func (s *Service) Release(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return ErrInvalidInput
	}
	return s.store.Release(ctx, id)
}

// Revoke disables the invite. Revoking twice keeps the first timestamp.
func (s *Service) Revoke(ctx context.Context, id string, now time.Time) (Invite, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Invite{}, ErrInvalidInput
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return s.store.Revoke(ctx, id, now)
}

// List returns the newest invites.
func (s *Service) List(ctx context.Context, limit int) ([]Invite, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.store.List(ctx, limit)
}

func newCode(nBytes int) (string, error) {
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
