package identity

import (
	"strings"
	"time"
)

// Role is the authorization level of an account.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAdmin
}

// ParseRole maps a raw string onto a Role.
func ParseRole(s string) (Role, bool) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	return r, r.Valid()
}

// User is an account as exposed to the rest of the service.
type User struct {
	ID        string
	Email     string
	Name      string
	Role      Role
	CreatedAt time.Time
}

// DisplayName returns Name, falling back to the email local part.
func (u User) DisplayName() string {
	if n := strings.TrimSpace(u.Name); n != "" {
		return n
	}
	return EmailLocalPart(u.Email)
}

// Principal returns the request identity for u.
func (u User) Principal() Principal {
	return Principal{UserID: u.ID, Email: u.Email, Role: u.Role}
}

// UserAuth pairs a user with its stored password hash. Only the login path
// reads it.
type UserAuth struct {
	User         User
	PasswordHash string
}

// Principal is the authenticated identity attached to a request.
type Principal struct {
	UserID string
	Email  string
	Role   Role
}

// Authenticated reports whether p names a user.
func (p Principal) Authenticated() bool { return strings.TrimSpace(p.UserID) != "" }

// IsAdmin reports whether p holds the admin role.
func (p Principal) IsAdmin() bool { return p.Role == RoleAdmin }
