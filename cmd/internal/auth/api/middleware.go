package authapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"gabriel/cmd/identity"
	"gabriel/cmd/internal/auth/session"
	"gabriel/cmd/internal/httpjson"
)

type principalKey struct{}

type authInfo struct {
	principal identity.Principal
	sessionID string
}

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p identity.Principal, sessionID string) context.Context {
	return context.WithValue(ctx, principalKey{}, authInfo{principal: p, sessionID: sessionID})
}

// PrincipalFromContext returns the principal stored by RequireAuth.
func PrincipalFromContext(ctx context.Context) (identity.Principal, bool) {
	info, ok := ctx.Value(principalKey{}).(authInfo)
	if !ok || !info.principal.Authenticated() {
		return identity.Principal{}, false
	}
	return info.principal, true
}

// SessionIDFromContext returns the session id stored by RequireAuth.
func SessionIDFromContext(ctx context.Context) string {
	info, _ := ctx.Value(principalKey{}).(authInfo)
	return info.sessionID
}

// ErrUnauthenticated is returned by ResolvePrincipal for any token that
// does not map to an active session of an existing user.
var ErrUnauthenticated = errors.New("unauthenticated")

// ResolvePrincipal validates an access token and loads the current role of
// its user.
func (h *Handler) ResolvePrincipal(ctx context.Context, token string) (identity.Principal, string, error) {
	if token == "" {
		return identity.Principal{}, "", ErrUnauthenticated
	}
	claims, err := h.sessions.ValidateAccessToken(ctx, token, h.now())
	if err != nil {
		switch {
		case errors.Is(err, session.ErrInvalidToken),
			errors.Is(err, session.ErrSessionRevoked),
			errors.Is(err, session.ErrSessionExpired),
			errors.Is(err, session.ErrSessionNotFound):
			return identity.Principal{}, "", ErrUnauthenticated
		default:
			return identity.Principal{}, "", err
		}
	}

	u, err := h.users.GetUserByID(ctx, claims.UserID)
	if err != nil {
		if identity.IsNotFound(err) {
			return identity.Principal{}, "", ErrUnauthenticated
		}
		return identity.Principal{}, "", err
	}
	return u.Principal(), claims.SessionID, nil
}

// RequireAuth rejects requests without a valid bearer token with 401 before
// next runs. The principal is available via PrincipalFromContext.
func (h *Handler) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, sid, err := h.ResolvePrincipal(r.Context(), BearerToken(r))
		if err != nil {
			if errors.Is(err, ErrUnauthenticated) {
				httpjson.Error(w, http.StatusUnauthorized, "unauthorized", "authentication required")
				return
			}
			h.log.Error("auth.principal.fail", "err", err)
			httpjson.Error(w, http.StatusInternalServerError, "server_error", "internal error")
			return
		}

		if sid != "" {
			// Best-effort; a failed touch must not fail the request.
			if err := h.sessions.TouchSession(r.Context(), h.now(), sid); err != nil {
				h.log.Debug("auth.session.touch.fail", "err", err)
			}
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p, sid)))
	})
}

// RequireAdmin is RequireAuth plus a 403 for non-admin principals.
func (h *Handler) RequireAdmin(next http.Handler) http.Handler {
	return h.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, _ := PrincipalFromContext(r.Context())
		if !p.IsAdmin() {
			httpjson.Error(w, http.StatusForbidden, "forbidden", "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	}))
}

func (h *Handler) now() time.Time {
	if h.clock != nil {
		return h.clock().UTC()
	}
	return time.Now().UTC()
}
