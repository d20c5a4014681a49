package identity

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is the in-process Store used when no database is configured.
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[string]*memUser
	byEmail map[string]string
}

type memUser struct {
	user User
	hash string
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]*memUser),
		byEmail: make(map[string]string),
	}
}

// CreateUser hashes the password and stores the account.
func (s *MemoryStore) CreateUser(ctx context.Context, in CreateUserInput) (User, error) {
	const op = "identity.CreateUser"
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	in, email, hash, err := prepareCreate(op, in)
	if err != nil {
		return User{}, err
	}

	id, err := NewULID(in.Now)
	if err != nil {
		return User{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byEmail[email]; exists {
		return User{}, ConflictError{Op: op, Field: "email"}
	}

	u := User{
		ID:        id,
		Email:     strings.TrimSpace(in.Email),
		Name:      strings.TrimSpace(in.Name),
		Role:      in.Role,
		CreatedAt: in.Now,
	}
	s.byID[id] = &memUser{user: u, hash: hash}
	s.byEmail[email] = id
	return u, nil
}

// GetUserByID returns the user with id.
func (s *MemoryStore) GetUserByID(ctx context.Context, id string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	mu, ok := s.byID[strings.TrimSpace(id)]
	if !ok {
		return User{}, NotFoundError{Op: "identity.GetUserByID", Resource: "user"}
	}
	return mu.user, nil
}

// GetUserAuthByEmail looks up an account by normalized email.
func (s *MemoryStore) GetUserAuthByEmail(ctx context.Context, email string) (UserAuth, error) {
	if err := ctx.Err(); err != nil {
		return UserAuth{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byEmail[NormalizeEmail(email)]
	if !ok {
		return UserAuth{}, NotFoundError{Op: "identity.GetUserAuthByEmail", Resource: "user"}
	}
	mu := s.byID[id]
	return UserAuth{User: mu.user, PasswordHash: mu.hash}, nil
}

// ListUsers returns every account ordered by CreatedAt descending.
func (s *MemoryStore) ListUsers(ctx context.Context) ([]User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]User, 0, len(s.byID))
	for _, mu := range s.byID {
		out = append(out, mu.user)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// UpdateRole sets the role of user id.
func (s *MemoryStore) UpdateRole(ctx context.Context, id string, role Role, _ time.Time) (User, error) {
	const op = "identity.UpdateRole"
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	if !role.Valid() {
		return User{}, invalid(op, "unknown role")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	mu, ok := s.byID[strings.TrimSpace(id)]
	if !ok {
		return User{}, NotFoundError{Op: op, Resource: "user"}
	}
	mu.user.Role = role
	return mu.user, nil
}

// UpdatePasswordHash replaces the stored hash of user id.
func (s *MemoryStore) UpdatePasswordHash(ctx context.Context, id string, hash string, _ time.Time) error {
	const op = "identity.UpdatePasswordHash"
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(hash) == "" {
		return invalid(op, "empty hash")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	mu, ok := s.byID[strings.TrimSpace(id)]
	if !ok {
		return NotFoundError{Op: op, Resource: "user"}
	}
	mu.hash = hash
	return nil
}
