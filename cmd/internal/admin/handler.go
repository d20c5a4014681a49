// Package admin serves the operator endpoints: listing accounts and
// changing their role.
package admin

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"gabriel/cmd/identity"
	"gabriel/cmd/internal/audit"
	authapi "gabriel/cmd/internal/auth/api"
	"gabriel/cmd/internal/httpjson"
)

const maxBodyBytes = 4 << 10

// Handler serves /api/admin/users.
type Handler struct {
	log        *slog.Logger
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

// NewHandler constructs the admin handler. A nil sink logs audit events.
func NewHandler(log *slog.Logger, users identity.Store, sink audit.Sink, opts ...Option) *Handler {
	if log == nil {
		log = slog.Default()
	}
	if sink == nil {
		sink = audit.LogSink{Log: log}
	}
	h := &Handler{log: log, users: users, audit: sink, clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Register mounts the admin routes behind requireAdmin.
func (h *Handler) Register(mux *http.ServeMux, requireAdmin func(http.Handler) http.Handler) {
	if h == nil || mux == nil {
		return
	}
	mux.Handle("/api/admin/users", requireAdmin(http.HandlerFunc(h.handleList)))
	mux.Handle("/api/admin/users/{userId}", requireAdmin(http.HandlerFunc(h.handleUpdate)))
}

type userSummary struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
}

type roleRequest struct {
	Role string `json:"role"`
}

type roleResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpjson.MethodNotAllowed(w, http.MethodGet)
		return
	}
	users, err := h.users.ListUsers(r.Context())
	if err != nil {
		h.log.Error("admin.users.list.fail", "err", err)
		httpjson.Error(w, http.StatusInternalServerError, "server_error", "failed to fetch users")
		return
	}
	out := make([]userSummary, 0, len(users))
	for _, u := range users {
		out = append(out, userSummary{
			ID:        u.ID,
			Email:     u.Email,
			Name:      u.DisplayName(),
			Role:      string(u.Role),
			CreatedAt: u.CreatedAt.UTC(),
		})
	}
	httpjson.Write(w, http.StatusOK, out)
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPatch {
		httpjson.MethodNotAllowed(w, http.MethodPatch)
		return
	}
	actor, _ := authapi.PrincipalFromContext(r.Context())
	userID := strings.TrimSpace(r.PathValue("userId"))

	var req roleRequest
	if err := httpjson.Decode(w, r, maxBodyBytes, &req); err != nil || userID == "" || strings.TrimSpace(req.Role) == "" {
		httpjson.Error(w, http.StatusBadRequest, "invalid_request", "missing required fields")
		return
	}
	role, ok := identity.ParseRole(req.Role)
	if !ok {
		httpjson.Error(w, http.StatusBadRequest, "invalid_role", "invalid role value")
		return
	}
	// An admin demoting themselves could leave nobody able to undo it.
	if userID == actor.UserID && role != identity.RoleAdmin {
		httpjson.Error(w, http.StatusBadRequest, "self_demotion", "you cannot remove your own admin privileges")
		return
	}

	before, err := h.users.GetUserByID(r.Context(), userID)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	u, err := h.users.UpdateRole(r.Context(), userID, role, h.clock().UTC())
	if err != nil {
		h.writeStoreError(w, err)
		return
	}

	h.audit.Record(r.Context(), audit.Event{
		Action:    audit.AdminRoleChanged,
		UserID:    actor.UserID,
		SessionID: authapi.SessionIDFromContext(r.Context()),
		IP:        authapi.ClientIP(r, h.trustProxy),
		UserAgent: r.UserAgent(),
		Meta: map[string]any{
			"target_user_id": u.ID,
			"from":           string(before.Role),
			"to":             string(u.Role),
		},
		At: h.clock().UTC(),
	})
	httpjson.Write(w, http.StatusOK, roleResponse{ID: u.ID, Email: u.Email, Role: string(u.Role)})
}

func (h *Handler) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case identity.IsNotFound(err):
		httpjson.Error(w, http.StatusNotFound, "not_found", "user not found")
	case identity.IsInvalidInput(err):
		httpjson.Error(w, http.StatusBadRequest, "invalid_request", "invalid request")
	default:
		h.log.Error("admin.users.update.fail", "err", err)
		httpjson.Error(w, http.StatusInternalServerError, "server_error", "failed to update user")
	}
}
