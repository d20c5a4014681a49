package invite

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps invites in process.
type MemoryStore struct {
	mu     sync.Mutex
	byID   map[string]*Invite
	byHash map[string]string
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*Invite), byHash: make(map[string]string)}
}

// Create implements Store.
func (s *MemoryStore) Create(ctx context.Context, in CreateRecord) (Invite, error) {
	if err := ctx.Err(); err != nil {
		return Invite{}, err
	}
	if in.ID == "" || in.CodeHash == "" || in.MaxUses <= 0 {
		return Invite{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byHash[in.CodeHash]; ok {
		return Invite{}, ErrInvalidInput
	}
	inv := &Invite{
		ID:        in.ID,
		CreatedBy: in.CreatedBy,
		CreatedAt: in.CreatedAt,
		ExpiresAt: in.ExpiresAt,
		MaxUses:   in.MaxUses,
		Note:      in.Note,
	}
	s.byID[in.ID] = inv
	s.byHash[in.CodeHash] = in.ID
	return *inv, nil
}

// GetByCodeHash implements Store.
func (s *MemoryStore) GetByCodeHash(ctx context.Context, codeHash string) (Invite, error) {
	if err := ctx.Err(); err != nil {
		return Invite{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byHash[codeHash]
	if !ok {
		return Invite{}, ErrNotFound
	}
	return *s.byID[id], nil
}

// List implements Store.
func (s *MemoryStore) List(ctx context.Context, limit int) ([]Invite, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	out := make([]Invite, 0, len(s.byID))
	for _, inv := range s.byID {
		out = append(out, *inv)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Redeem implements Store.
func (s *MemoryStore) Redeem(ctx context.Context, codeHash string, now time.Time) (Invite, error) {
	if err := ctx.Err(); err != nil {
		return Invite{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byHash[codeHash]
	if !ok {
		return Invite{}, ErrNotFound
	}
	inv := s.byID[id]
	if !inv.Active(now) {
		return Invite{}, ErrNotActive
	}
	inv.UsedCount++
	at := now
	inv.LastUsedAt = &at
	return *inv, nil
}

// Release implements Store.
func (s *MemoryStore) Release(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	if inv.UsedCount > 0 {
		inv.UsedCount--
	}
	return nil
}

// Revoke implements Store.
func (s *MemoryStore) Revoke(ctx context.Context, id string, now time.Time) (Invite, error) {
	if err := ctx.Err(); err != nil {
		return Invite{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.byID[id]
	if !ok {
		return Invite{}, ErrNotFound
	}
	if inv.RevokedAt == nil {
		at := now
		inv.RevokedAt = &at
	}
	return *inv, nil
}
