package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"gabriel/cmd/security/token"
)

// Service issues, validates, rotates and revokes sessions.
type Service struct {
	cfg    Config
	tokens AccessTokenManager
	store  Store
	hasher token.Hasher
}

// Issued is the result of issuing or rotating a session.
type Issued struct {
	UserID       string
	SessionID    string
	AccessToken  string
	AccessExp    time.Time
	RefreshToken string
	RefreshExp   time.Time
}

// NewService constructs a Service. A zero Hasher stores plain SHA-256
// refresh hashes.
func NewService(cfg Config, store Store, tokens AccessTokenManager, hasher token.Hasher) *Service {
	return &Service{cfg: cfg, store: store, tokens: tokens, hasher: hasher}
}

// Config returns the effective configuration.
func (s *Service) Config() Config { return s.cfg }

// IssueSession creates a session for userID and returns fresh tokens.
// Only the refresh token hash is persisted.
func (s *Service) IssueSession(ctx context.Context, now time.Time, userID string, dev DeviceContext) (Issued, error) {
	refreshPlain, refreshHash, err := newOpaqueRefreshToken(s.cfg.RefreshTokenBytes, s.hasher)
	if err != nil {
		return Issued{}, err
	}

	row, err := s.store.Create(ctx, NewSession{
		UserID:      userID,
		RefreshHash: refreshHash,
		ExpiresAt:   now.Add(s.cfg.RefreshTTL),
		Device:      dev,
		Now:         now,
	})
	if err != nil {
		return Issued{}, err
	}

	return s.issued(row, refreshPlain, now)
}

func (s *Service) issued(row Row, refreshPlain string, now time.Time) (Issued, error) {
	accessToken, accessExp, err := s.tokens.Issue(row.UserID, row.ID, now)
	if err != nil {
		return Issued{}, err
	}
	return Issued{
		UserID:       row.UserID,
		SessionID:    row.ID,
		AccessToken:  accessToken,
		AccessExp:    accessExp,
		RefreshToken: refreshPlain,
		RefreshExp:   row.ExpiresAt,
	}, nil
}

// ValidateAccessToken verifies an access token and ensures the backing
// session is still active, so that logout takes effect immediately.
func (s *Service) ValidateAccessToken(ctx context.Context, token string, now time.Time) (AccessClaims, error) {
	claims, err := s.tokens.Verify(token, now)
	if err != nil {
		return AccessClaims{}, err
	}

	row, err := s.store.GetByID(ctx, claims.SessionID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return AccessClaims{}, ErrInvalidToken
		}
		return AccessClaims{}, err
	}

	if row.UserID != claims.UserID {
		return AccessClaims{}, ErrInvalidToken
	}
	if row.RevokedAt != nil || row.ReplacedBySessionID != nil {
		return AccessClaims{}, ErrSessionRevoked
	}
	if !row.ExpiresAt.After(now) {
		return AccessClaims{}, ErrSessionExpired
	}

	return claims, nil
}

// RevokeSession revokes a single session (logout).
func (s *Service) RevokeSession(ctx context.Context, now time.Time, sessionID string) error {
	return s.store.Revoke(ctx, now, sessionID, "logout")
}

// RevokeAll revokes every session of a user.
func (s *Service) RevokeAll(ctx context.Context, now time.Time, userID string) error {
	return s.store.RevokeAll(ctx, now, userID, "logout_all")
}

// TouchSession updates last_used_at (best-effort).
func (s *Service) TouchSession(ctx context.Context, now time.Time, sessionID string) error {
	return s.store.Touch(ctx, now, sessionID)
}

// RotateRefresh exchanges a refresh token for a new session.
//
// On ErrRefreshReuseDetected the returned Issued carries only UserID so the
// caller can audit the incident.
func (s *Service) RotateRefresh(ctx context.Context, now time.Time, refreshTokenPlain string, dev DeviceContext) (Issued, error) {
	refreshTokenPlain = strings.TrimSpace(refreshTokenPlain)
	if refreshTokenPlain == "" || len(refreshTokenPlain) > 4096 {
		return Issued{}, ErrSessionNotFound
	}

	newPlain, newHash, err := newOpaqueRefreshToken(s.cfg.RefreshTokenBytes, s.hasher)
	if err != nil {
		return Issued{}, err
	}

	row, err := s.store.Rotate(ctx, s.hasher.Hex(refreshTokenPlain), NewSession{
		RefreshHash: newHash,
		ExpiresAt:   now.Add(s.cfg.RefreshTTL),
		Device:      dev,
		Now:         now,
	})
	if err != nil {
		if errors.Is(err, ErrRefreshReuseDetected) {
			return Issued{UserID: row.UserID}, err
		}
		return Issued{}, err
	}

	return s.issued(row, newPlain, now)
}
