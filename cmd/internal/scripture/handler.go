package scripture

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"gabriel/cmd/internal/httpjson"
)

const maxBodyBytes = 8 << 10

// Handler serves GET and POST /api/bible.
type Handler struct {
	log    *slog.Logger
	client *Client
}

// NewHandler constructs the scripture handler.
func NewHandler(log *slog.Logger, client *Client) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{log: log, client: client}
}

// Register mounts the route behind requireAuth.
func (h *Handler) Register(mux *http.ServeMux, requireAuth func(http.Handler) http.Handler) {
	if h == nil || mux == nil {
		return
	}
	mux.Handle("/api/bible", requireAuth(http.HandlerFunc(h.handleBible)))
}

func (h *Handler) handleBible(w http.ResponseWriter, r *http.Request) {
	var q Query
	switch r.Method {
	case http.MethodGet:
		v := r.URL.Query()
		q = Query{
			Action:    Action(v.Get("action")),
			BibleID:   v.Get("bibleId"),
			BookID:    v.Get("bookId"),
			ChapterID: v.Get("chapterId"),
			Query:     v.Get("query"),
		}
	case http.MethodPost:
		if err := httpjson.Decode(w, r, maxBodyBytes, &q); err != nil {
			httpjson.Error(w, http.StatusBadRequest, "invalid_request", "invalid request body")
			return
		}
	default:
		httpjson.MethodNotAllowed(w, http.MethodGet, http.MethodPost)
		return
	}

	data, err := h.client.Fetch(r.Context(), q)
	if err != nil {
		var qe *QueryError
		var ue *UpstreamError
		switch {
		case errors.As(err, &qe):
			httpjson.Error(w, http.StatusBadRequest, "invalid_request", qe.Message)
		case errors.Is(err, ErrNotConfigured):
			httpjson.Error(w, http.StatusServiceUnavailable, "scripture_unavailable", "the Bible service is not configured")
		case errors.Is(err, context.Canceled):
		case errors.As(err, &ue):
			h.log.Warn("scripture.upstream.fail", "action", string(q.Action), "status", ue.StatusCode, "err", ue.Err)
			httpjson.Error(w, http.StatusBadGateway, "upstream_error", "Failed to fetch Bible data. Please try again later.")
		default:
			h.log.Error("scripture.fetch.fail", "action", string(q.Action), "err", err)
			httpjson.Error(w, http.StatusBadGateway, "upstream_error", "Failed to fetch Bible data. Please try again later.")
		}
		return
	}
	httpjson.Write(w, http.StatusOK, data)
}
