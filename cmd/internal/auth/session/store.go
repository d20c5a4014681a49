package session

import (
	"context"
	"net"
	"strings"
	"time"
)

// Platform represents the client platform associated with a session.
type Platform string

const (
	PlatformWeb     Platform = "web"
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
	PlatformDesktop Platform = "desktop"
	PlatformUnknown Platform = "unknown"
)

// ParsePlatform maps free text onto a known Platform.
func ParsePlatform(s string) Platform {
	switch p := Platform(strings.ToLower(strings.TrimSpace(s))); p {
	case PlatformWeb, PlatformIOS, PlatformAndroid, PlatformDesktop:
		return p
	default:
		return PlatformUnknown
	}
}

// DeviceContext describes the client that owns a session.
type DeviceContext struct {
	Platform  Platform
	UserAgent string
	IP        net.IP
}

// Row mirrors a sessions row.
type Row struct {
	ID                  string
	UserID              string
	RefreshTokenHash    string
	CreatedAt           time.Time
	LastUsedAt          *time.Time
	ExpiresAt           time.Time
	RevokedAt           *time.Time
	ReplacedBySessionID *string
	Platform            Platform
}

// Active reports whether r can still authenticate requests at now.
func (r Row) Active(now time.Time) bool {
	return r.RevokedAt == nil && r.ReplacedBySessionID == nil && r.ExpiresAt.After(now)
}

// NewSession describes a session row to insert.
type NewSession struct {
	UserID      string
	RefreshHash string
	ExpiresAt   time.Time
	Device      DeviceContext
	Now         time.Time
}

// Store abstracts persistence for session state.
type Store interface {
	Create(ctx context.Context, in NewSession) (Row, error)
	GetByID(ctx context.Context, sessionID string) (Row, error)

	// Rotate atomically replaces the session holding refreshHash with a new
	// one built from next (next.UserID is taken from the old row).
	//
	// It returns ErrSessionNotFound, ErrSessionExpired or ErrSessionRevoked
	// for unusable tokens. When the token belongs to an already rotated
	// session, every session of the owner is revoked and
	// ErrRefreshReuseDetected is returned together with the old row.
	Rotate(ctx context.Context, refreshHash string, next NewSession) (Row, error)

	Touch(ctx context.Context, now time.Time, sessionID string) error
	Revoke(ctx context.Context, now time.Time, sessionID string, reason string) error
	RevokeAll(ctx context.Context, now time.Time, userID string, reason string) error
}

// classifyForRotation applies the rotation rules to a locked row.
func classifyForRotation(row Row, now time.Time) error {
	if row.RevokedAt != nil && row.ReplacedBySessionID != nil {
		return ErrRefreshReuseDetected
	}
	if row.RevokedAt != nil {
		return ErrSessionRevoked
	}
	if !row.ExpiresAt.After(now) {
		return ErrSessionExpired
	}
	return nil
}
