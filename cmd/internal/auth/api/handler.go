package authapi

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"gabriel/cmd/identity"
	"gabriel/cmd/internal/audit"
	"gabriel/cmd/internal/auth/session"
	"gabriel/cmd/internal/httpjson"
)

// Handler wires HTTP auth endpoints to the identity and session services.
type Handler struct {
	log *slog.Logger
	cfg Config

	users    identity.Store
	creds    *identity.Authenticator
	sessions *session.Service
	audit    audit.Sink

	failures *failureTracker
	clock    func() time.Time
}

// HandlerOption configures optional Handler dependencies.
type HandlerOption func(*Handler)

// WithAuditSink overrides the default log-backed audit sink.
func WithAuditSink(sink audit.Sink) HandlerOption {
	return func(h *Handler) {
		if sink != nil {
			h.audit = sink
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) HandlerOption {
	return func(h *Handler) { h.clock = now }
}

// NewHandler constructs an auth Handler.
func NewHandler(log *slog.Logger, cfg Config, users identity.Store, sessions *session.Service, opts ...HandlerOption) (*Handler, error) {
	if users == nil || sessions == nil {
		return nil, errors.New("authapi: nil user store or session service")
	}
	if log == nil {
		log = slog.Default()
	}

	h := &Handler{
		log:      log,
		cfg:      cfg,
		users:    users,
		creds:    identity.NewAuthenticator(users, log),
		sessions: sessions,
		audit:    audit.LogSink{Log: log},
		failures: newFailureTracker(cfg.failureRetention()),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h, nil
}

// Register wires auth routes onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("/auth/login", h.handleLogin)
	mux.HandleFunc("/auth/refresh", h.handleRefresh)
	mux.Handle("/auth/logout", h.RequireAuth(http.HandlerFunc(h.handleLogout)))
	mux.Handle("/auth/logout_all", h.RequireAuth(http.HandlerFunc(h.handleLogoutAll)))
	mux.Handle("/me", h.RequireAuth(http.HandlerFunc(h.handleMe)))
}

// Users returns the identity store backing the handler.
func (h *Handler) Users() identity.Store { return h.users }

// Audit returns the audit sink.
func (h *Handler) Audit() audit.Sink { return h.audit }

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpjson.MethodNotAllowed(w, http.MethodPost)
		return
	}

	var req loginRequest
	if err := httpjson.Decode(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		httpjson.Error(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	email := identity.NormalizeEmail(req.Email)
	if email == "" || strings.TrimSpace(req.Password) == "" {
		httpjson.Error(w, http.StatusBadRequest, "invalid_request", "email and password are required")
		return
	}

	ctx := r.Context()
	now := h.now()
	ip := ClientIP(r, h.cfg.TrustProxy)
	ua := strings.TrimSpace(r.UserAgent())
	ipKey, emailKey := ipFailureKey(ip), "email:"+email

	// Throttle before touching the password hash.
	if blocked, retry := h.loginBlocked(ipKey, emailKey, now); blocked {
		h.audit.Record(ctx, audit.Event{
			Action: audit.LoginRateLimited, IP: ip, UserAgent: ua, At: now,
			Meta: map[string]any{"email": email, "retry_after_s": int64(retry.Seconds())},
		})
		h.log.Warn("auth.login.rate_limited", "retry_after_ms", retry.Milliseconds())
		httpjson.RateLimited(w, retry, "rate_limited", "too many attempts")
		return
	}

	u, err := h.creds.VerifyCredentials(ctx, email, req.Password)
	if err != nil {
		if !errors.Is(err, identity.ErrInvalidCredentials) {
			h.log.Error("auth.login.verify.fail", "err", err)
			httpjson.Error(w, http.StatusInternalServerError, "server_error", "internal error")
			return
		}
		if ipKey != "" {
			h.failures.Add(ipKey, now)
		}
		h.failures.Add(emailKey, now)
		h.audit.Record(ctx, audit.Event{
			Action: audit.LoginFailed, IP: ip, UserAgent: ua, At: now,
			Meta: map[string]any{"email": email},
		})
		h.log.Info("auth.login.fail")
		httpjson.Error(w, http.StatusUnauthorized, "invalid_credentials", "invalid email or password")
		return
	}
	h.failures.Reset(emailKey)

	issued, err := h.sessions.IssueSession(ctx, now, u.ID, session.DeviceContext{
		Platform:  session.ParsePlatform(req.Platform),
		UserAgent: ua,
		IP:        ip,
	})
	if err != nil {
		h.log.Error("auth.login.issue_session.fail", "err", err, "user_id", u.ID)
		httpjson.Error(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	h.audit.Record(ctx, audit.Event{
		Action: audit.LoginSuccess, UserID: u.ID, SessionID: issued.SessionID, IP: ip, UserAgent: ua, At: now,
	})
	h.log.Info("auth.login.ok", "user_id", u.ID, "session_id", issued.SessionID)

	httpjson.Write(w, http.StatusOK, loginResponse{
		User:    toUserResponse(u),
		Session: toSessionResponse(issued),
	})
}

func (h *Handler) loginBlocked(ipKey, emailKey string, now time.Time) (bool, time.Duration) {
	var retry time.Duration
	if ipKey != "" {
		if blocked, d := evaluateWindowThrottle(now, h.failures.Recent(ipKey, now), h.cfg.LoginIPMax, h.cfg.LoginIPWindow); blocked && d > retry {
			retry = d
		}
	}

	recent := h.failures.Recent(emailKey, now)
	cut := now.Add(-h.cfg.LoginUserWindow)
	inWindow := recent[:0:0]
	for _, f := range recent {
		if f.After(cut) {
			inWindow = append(inWindow, f)
		}
	}
	if blocked, d := evaluateProgressiveLockout(now, inWindow, h.cfg.lockoutTiers()); blocked && d > retry {
		retry = d
	}
	return retry > 0, retry
}

func ipFailureKey(ip net.IP) string {
	if ip == nil {
		return ""
	}
	return "ip:" + ip.String()
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpjson.MethodNotAllowed(w, http.MethodPost)
		return
	}

	var req refreshRequest
	if err := httpjson.Decode(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		httpjson.Error(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	refreshToken := strings.TrimSpace(req.RefreshToken)
	if refreshToken == "" {
		httpjson.Error(w, http.StatusBadRequest, "invalid_request", "refresh_token is required")
		return
	}

	ctx := r.Context()
	now := h.now()
	ip := ClientIP(r, h.cfg.TrustProxy)
	ua := strings.TrimSpace(r.UserAgent())

	issued, err := h.sessions.RotateRefresh(ctx, now, refreshToken, session.DeviceContext{
		Platform:  session.ParsePlatform(req.Platform),
		UserAgent: ua,
		IP:        ip,
	})
	if err != nil {
		switch {
		case errors.Is(err, session.ErrRefreshReuseDetected):
			h.audit.Record(ctx, audit.Event{Action: audit.RefreshReuse, UserID: issued.UserID, IP: ip, UserAgent: ua, At: now})
			h.log.Warn("auth.refresh.reuse_detected", "user_id", issued.UserID)
			httpjson.Error(w, http.StatusUnauthorized, "refresh_reuse_detected", "refresh token reuse detected")
		case errors.Is(err, session.ErrSessionExpired),
			errors.Is(err, session.ErrSessionRevoked),
			errors.Is(err, session.ErrSessionNotFound):
			httpjson.Error(w, http.StatusUnauthorized, "session_not_active", "session not active")
		default:
			h.log.Error("auth.refresh.fail", "err", err)
			httpjson.Error(w, http.StatusInternalServerError, "server_error", "internal error")
		}
		return
	}

	h.audit.Record(ctx, audit.Event{Action: audit.RefreshSuccess, UserID: issued.UserID, SessionID: issued.SessionID, IP: ip, UserAgent: ua, At: now})
	httpjson.Write(w, http.StatusOK, refreshResponse{Session: toSessionResponse(issued)})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	h.revoke(w, r, false)
}

func (h *Handler) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	h.revoke(w, r, true)
}

func (h *Handler) revoke(w http.ResponseWriter, r *http.Request, all bool) {
	if r.Method != http.MethodPost {
		httpjson.MethodNotAllowed(w, http.MethodPost)
		return
	}

	ctx := r.Context()
	p, _ := PrincipalFromContext(ctx)
	sid := SessionIDFromContext(ctx)
	now := h.now()

	action := audit.Logout
	revoke := func() error { return h.sessions.RevokeSession(ctx, now, sid) }
	if all {
		action = audit.LogoutAll
		revoke = func() error { return h.sessions.RevokeAll(ctx, now, p.UserID) }
	}
	if err := revoke(); err != nil {
		h.log.Error("auth.logout.fail", "err", err, "all", all)
		httpjson.Error(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	h.audit.Record(ctx, audit.Event{
		Action: action, UserID: p.UserID, SessionID: sid,
		IP: ClientIP(r, h.cfg.TrustProxy), UserAgent: strings.TrimSpace(r.UserAgent()), At: now,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpjson.MethodNotAllowed(w, http.MethodGet)
		return
	}

	p, _ := PrincipalFromContext(r.Context())
	u, err := h.users.GetUserByID(r.Context(), p.UserID)
	if err != nil {
		if identity.IsNotFound(err) {
			httpjson.Error(w, http.StatusUnauthorized, "unauthorized", "user not found")
			return
		}
		h.log.Error("auth.me.fail", "err", err)
		httpjson.Error(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	httpjson.Write(w, http.StatusOK, meResponse{User: toUserResponse(u)})
}

