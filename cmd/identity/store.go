package identity

import (
	"context"
	"strings"
	"time"
)

// CreateUserInput describes a new account. Password is plain text and is
// hashed by the store.
type CreateUserInput struct {
	Email    string
	Name     string
	Password string
	Role     Role
	Now      time.Time
}

// Store is the identity persistence boundary.
type Store interface {
	CreateUser(ctx context.Context, in CreateUserInput) (User, error)
	GetUserByID(ctx context.Context, id string) (User, error)
	GetUserAuthByEmail(ctx context.Context, email string) (UserAuth, error)

	// ListUsers returns all accounts, newest first.
	ListUsers(ctx context.Context) ([]User, error)

	UpdateRole(ctx context.Context, id string, role Role, now time.Time) (User, error)
	UpdatePasswordHash(ctx context.Context, id string, hash string, now time.Time) error
}

// prepareCreate validates and normalizes in, returning the normalized email
// and the password hash.
func prepareCreate(op string, in CreateUserInput) (CreateUserInput, string, string, error) {
	email := NormalizeEmail(in.Email)
	if email == "" || !looksLikeEmail(email) {
		return in, "", "", invalid(op, "valid email is required")
	}
	if in.Password == "" {
		return in, "", "", invalid(op, "password is required")
	}
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		in.Name = EmailLocalPart(in.Email)
	}
	if in.Role == "" {
		in.Role = RoleUser
	}
	if !in.Role.Valid() {
		return in, "", "", invalid(op, "unknown role")
	}
	if in.Now.IsZero() {
		in.Now = time.Now().UTC()
	}

	hash, err := HashPassword(in.Password)
	if err != nil {
		return in, "", "", invalid(op, err.Error())
	}
	return in, email, hash, nil
}
