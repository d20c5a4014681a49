package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"gabriel/cmd/identity/ids"
)

// MemoryStore keeps sessions in process. The mutex serializes rotation the
// way row locks do in Postgres.
type MemoryStore struct {
	mu     sync.Mutex
	byID   map[string]*Row
	byHash map[string]string
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string]*Row),
		byHash: make(map[string]string),
	}
}

func (s *MemoryStore) insertLocked(in NewSession) (Row, error) {
	id, err := ids.NewULID(in.Now)
	if err != nil {
		return Row{}, err
	}
	lu := in.Now
	row := &Row{
		ID:               id,
		UserID:           in.UserID,
		RefreshTokenHash: in.RefreshHash,
		CreatedAt:        in.Now,
		LastUsedAt:       &lu,
		ExpiresAt:        in.ExpiresAt,
		Platform:         in.Device.Platform,
	}
	s.byID[id] = row
	s.byHash[in.RefreshHash] = id
	return *row, nil
}

// Create inserts a session.
func (s *MemoryStore) Create(ctx context.Context, in NewSession) (Row, error) {
	if err := ctx.Err(); err != nil {
		return Row{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(in)
}

// GetByID loads a session by id.
func (s *MemoryStore) GetByID(ctx context.Context, sessionID string) (Row, error) {
	if err := ctx.Err(); err != nil {
		return Row{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.byID[strings.TrimSpace(sessionID)]
	if !ok {
		return Row{}, ErrSessionNotFound
	}
	return *row, nil
}

// Rotate implements Store.
func (s *MemoryStore) Rotate(ctx context.Context, refreshHash string, next NewSession) (Row, error) {
	if err := ctx.Err(); err != nil {
		return Row{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byHash[refreshHash]
	if !ok {
		return Row{}, ErrSessionNotFound
	}
	old := s.byID[id]

	if err := classifyForRotation(*old, next.Now); err != nil {
		if err == ErrRefreshReuseDetected {
			s.revokeAllLocked(next.Now, old.UserID, "reuse_detected")
			return *old, err
		}
		return Row{}, err
	}

	next.UserID = old.UserID
	row, err := s.insertLocked(next)
	if err != nil {
		return Row{}, err
	}

	now := next.Now
	replaced := row.ID
	old.RevokedAt = &now
	old.LastUsedAt = &now
	old.ReplacedBySessionID = &replaced
	return row, nil
}

// Touch updates last_used_at.
func (s *MemoryStore) Touch(_ context.Context, now time.Time, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.byID[sessionID]; ok {
		row.LastUsedAt = &now
	}
	return nil
}

// Revoke revokes one session (idempotent).
func (s *MemoryStore) Revoke(_ context.Context, now time.Time, sessionID string, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.byID[sessionID]; ok && row.RevokedAt == nil {
		row.RevokedAt = &now
	}
	return nil
}

// RevokeAll revokes every session of userID (idempotent).
func (s *MemoryStore) RevokeAll(_ context.Context, now time.Time, userID string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revokeAllLocked(now, userID, reason)
	return nil
}

func (s *MemoryStore) revokeAllLocked(now time.Time, userID string, _ string) {
	for _, row := range s.byID {
		if row.UserID == userID && row.RevokedAt == nil {
			t := now
			row.RevokedAt = &t
		}
	}
}
