package invite

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"gabriel/cmd/identity"
	"gabriel/cmd/internal/audit"
	authapi "gabriel/cmd/internal/auth/api"
	"gabriel/cmd/internal/httpjson"
)

const maxBodyBytes = 8 << 10

// Handler serves invite management for admins and public registration.
type Handler struct {
	log        *slog.Logger
	svc        *Service
	users      identity.Store
	audit      audit.Sink
	trustProxy bool
	clock      func() time.Time
}

// Option customizes a Handler.
type Option func(*Handler)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(h *Handler) { h.clock = now } }

// WithTrustProxy makes audit records use X-Forwarded-For.
func WithTrustProxy(v bool) Option { return func(h *Handler) { h.trustProxy = v } }

// NewHandler constructs the handler. A nil sink logs audit events.
func NewHandler(log *slog.Logger, svc *Service, users identity.Store, sink audit.Sink, opts ...Option) *Handler {
	if log == nil {
		log = slog.Default()
	}
	if sink == nil {
		sink = audit.LogSink{Log: log}
	}
	h := &Handler{log: log, svc: svc, users: users, audit: sink, clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Register mounts POST /auth/register and the admin invite routes.
func (h *Handler) Register(mux *http.ServeMux, requireAdmin func(http.Handler) http.Handler) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("/auth/register", h.handleRegister)
	mux.Handle("/api/admin/invites", requireAdmin(http.HandlerFunc(h.handleInvites)))
	mux.Handle("/api/admin/invites/{inviteId}", requireAdmin(http.HandlerFunc(h.handleRevoke)))
}

type createRequest struct {
	TTLHours int    `json:"ttl_hours"`
	MaxUses  int    `json:"max_uses"`
	Note     string `json:"note"`
}

type createResponse struct {
	ID        string    `json:"id"`
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
	MaxUses   int       `json:"max_uses"`
}

type inviteSummary struct {
	ID        string     `json:"id"`
	CreatedBy string     `json:"created_by,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	MaxUses   int        `json:"max_uses"`
	UsedCount int        `json:"used_count"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
	Note      string     `json:"note,omitempty"`
	Active    bool       `json:"active"`
}

type registerRequest struct {
	Code     string `json:"code"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

type registerResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  string `json:"role"`
}

func (h *Handler) handleInvites(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.handleList(w, r)
	case http.MethodPost:
		h.handleCreate(w, r)
	default:
		httpjson.MethodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	invites, err := h.svc.List(r.Context(), limit)
	if err != nil {
		h.log.Error("admin.invites.list.fail", "err", err)
		httpjson.Error(w, http.StatusInternalServerError, "server_error", "failed to fetch invites")
		return
	}
	now := h.clock().UTC()
	out := make([]inviteSummary, 0, len(invites))
	for _, inv := range invites {
		out = append(out, inviteSummary{
			ID:        inv.ID,
			CreatedBy: inv.CreatedBy,
			CreatedAt: inv.CreatedAt.UTC(),
			ExpiresAt: inv.ExpiresAt.UTC(),
			MaxUses:   inv.MaxUses,
			UsedCount: inv.UsedCount,
			RevokedAt: inv.RevokedAt,
			Note:      inv.Note,
			Active:    inv.Active(now),
		})
	}
	httpjson.Write(w, http.StatusOK, out)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	actor, _ := authapi.PrincipalFromContext(r.Context())

	var req createRequest
	if err := httpjson.Decode(w, r, maxBodyBytes, &req); err != nil && !errors.Is(err, httpjson.ErrEmptyBody) {
		httpjson.Error(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if req.TTLHours < 0 || req.MaxUses < 0 {
		httpjson.Error(w, http.StatusBadRequest, "invalid_request", "ttl_hours and max_uses must not be negative")
		return
	}

	now := h.clock().UTC()
	inv, code, err := h.svc.Create(r.Context(), CreateInput{
		CreatedBy: actor.UserID,
		TTL:       time.Duration(req.TTLHours) * time.Hour,
		MaxUses:   req.MaxUses,
		Note:      req.Note,
		Now:       now,
	})
	if err != nil {
		if errors.Is(err, ErrInvalidInput) {
			httpjson.Error(w, http.StatusBadRequest, "invalid_request", "invite parameters out of range")
			return
		}
		h.log.Error("admin.invites.create.fail", "err", err)
		httpjson.Error(w, http.StatusInternalServerError, "server_error", "failed to create invite")
		return
	}

	h.record(r, audit.InviteCreated, actor.UserID, map[string]any{
		"invite_id": inv.ID,
		"max_uses":  inv.MaxUses,
	})
	httpjson.Write(w, http.StatusCreated, createResponse{
		ID:        inv.ID,
		Code:      code,
		ExpiresAt: inv.ExpiresAt.UTC(),
		MaxUses:   inv.MaxUses,
	})
}

func (h *Handler) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		httpjson.MethodNotAllowed(w, http.MethodDelete)
		return
	}
	actor, _ := authapi.PrincipalFromContext(r.Context())
	id := strings.TrimSpace(r.PathValue("inviteId"))

	inv, err := h.svc.Revoke(r.Context(), id, h.clock().UTC())
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrInvalidInput):
		httpjson.Error(w, http.StatusNotFound, "not_found", "invite not found")
		return
	case err != nil:
		h.log.Error("admin.invites.revoke.fail", "err", err)
		httpjson.Error(w, http.StatusInternalServerError, "server_error", "failed to revoke invite")
		return
	}

	h.record(r, audit.InviteRevoked, actor.UserID, map[string]any{"invite_id": inv.ID})
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpjson.MethodNotAllowed(w, http.MethodPost)
		return
	}

	var req registerRequest
	if err := httpjson.Decode(w, r, maxBodyBytes, &req); err != nil ||
		strings.TrimSpace(req.Code) == "" || strings.TrimSpace(req.Email) == "" || req.Password == "" {
		httpjson.Error(w, http.StatusBadRequest, "invalid_request", "code, email and password are required")
		return
	}

	ctx := r.Context()
	now := h.clock().UTC()
	inv, err := h.svc.Redeem(ctx, req.Code, now)
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrNotActive) || errors.Is(err, ErrInvalidInput) {
			h.record(r, audit.RegisterFailed, "", map[string]any{"reason": "invalid_invite"})
			httpjson.Error(w, http.StatusForbidden, "invalid_invite", "invite code is invalid or expired")
			return
		}
		h.log.Error("auth.register.redeem.fail", "err", err)
		httpjson.Error(w, http.StatusInternalServerError, "server_error", "registration failed")
		return
	}

	u, err := h.users.CreateUser(ctx, identity.CreateUserInput{
		Email:    req.Email,
		Name:     req.Name,
		Password: req.Password,
		Role:     identity.RoleUser,
		Now:      now,
	})
	if err != nil {
		if relErr := h.svc.Release(ctx, inv.ID); relErr != nil {
			h.log.Warn("auth.register.release.fail", "invite_id", inv.ID, "err", relErr)
		}
		h.writeCreateError(w, r, inv.ID, err)
		return
	}

	h.record(r, audit.RegisterSuccess, u.ID, map[string]any{"invite_id": inv.ID})
	httpjson.Write(w, http.StatusCreated, registerResponse{
		ID:    u.ID,
		Email: u.Email,
		Name:  u.DisplayName(),
		Role:  string(u.Role),
	})
}

func (h *Handler) writeCreateError(w http.ResponseWriter, r *http.Request, inviteID string, err error) {
	switch {
	case identity.IsConflict(err):
		h.record(r, audit.RegisterFailed, "", map[string]any{"invite_id": inviteID, "reason": "email_taken"})
		httpjson.Error(w, http.StatusConflict, "email_taken", "an account with this email already exists")
	case identity.IsInvalidInput(err):
		msg := "invalid registration details"
		var opErr identity.OpError
		if errors.As(err, &opErr) && opErr.Msg != "" {
			msg = opErr.Msg
		}
		httpjson.Error(w, http.StatusBadRequest, "invalid_request", msg)
	default:
		h.log.Error("auth.register.fail", "err", err)
		httpjson.Error(w, http.StatusInternalServerError, "server_error", "registration failed")
	}
}

func (h *Handler) record(r *http.Request, action, userID string, meta map[string]any) {
	h.audit.Record(r.Context(), audit.Event{
		Action:    action,
		UserID:    userID,
		SessionID: authapi.SessionIDFromContext(r.Context()),
		IP:        authapi.ClientIP(r, h.trustProxy),
		UserAgent: r.UserAgent(),
		Meta:      meta,
		At:        h.clock().UTC(),
	})
}
