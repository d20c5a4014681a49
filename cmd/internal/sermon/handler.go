package sermon

import (
	"errors"
	"log/slog"
	"net/http"

	authapi "gabriel/cmd/internal/auth/api"
	"gabriel/cmd/internal/httpjson"
	"gabriel/cmd/internal/llm"
)

const maxBodyBytes = 32 << 10

// Handler serves POST /api/sermon.
type Handler struct {
	log *slog.Logger
	gen *Generator
}

// NewHandler constructs the sermon handler.
func NewHandler(log *slog.Logger, gen *Generator) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{log: log, gen: gen}
}

// Register mounts the sermon route behind requireAuth.
func (h *Handler) Register(mux *http.ServeMux, requireAuth func(http.Handler) http.Handler) {
	if h == nil || mux == nil {
		return
	}
	mux.Handle("/api/sermon", requireAuth(http.HandlerFunc(h.handleGenerate)))
}

func (h *Handler) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpjson.MethodNotAllowed(w, http.MethodPost)
		return
	}
	p, _ := authapi.PrincipalFromContext(r.Context())

	var req Request
	if err := httpjson.Decode(w, r, maxBodyBytes, &req); err != nil {
		httpjson.Error(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}

	s, err := h.gen.Generate(r.Context(), req)
	if err != nil {
		var he *llm.HTTPError
		switch {
		case errors.Is(err, ErrInvalidRequest):
			httpjson.Error(w, http.StatusBadRequest, "invalid_request", "bible passage and theme are required")
		case errors.Is(err, llm.ErrNotConfigured):
			httpjson.Error(w, http.StatusServiceUnavailable, "provider_unavailable", "sermon generation is not configured, please contact the administrator")
		case errors.Is(err, ErrInvalidSermon), errors.Is(err, llm.ErrEmptyCompletion):
			httpjson.Error(w, http.StatusBadGateway, "invalid_sermon", "the generated sermon was incomplete, please try again")
		case errors.As(err, &he):
			h.log.Warn("sermon.upstream.fail", "user_id", p.UserID, "status", he.StatusCode)
			httpjson.Error(w, http.StatusBadGateway, "upstream_error", "failed to generate sermon")
		default:
			h.log.Error("sermon.generate.fail", "user_id", p.UserID, "err", err)
			httpjson.Error(w, http.StatusBadGateway, "upstream_error", "failed to generate sermon")
		}
		return
	}
	h.log.Info("sermon.generate.ok", "user_id", p.UserID, "main_points", len(s.MainPoints))
	httpjson.Write(w, http.StatusOK, s)
}
