package counsel

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	authapi "gabriel/cmd/internal/auth/api"
	"gabriel/cmd/internal/httpjson"
)

// fragmentWriteTimeout bounds each write to a slow client.
const fragmentWriteTimeout = 30 * time.Second

// Handler serves POST /api/chat.
type Handler struct {
	log   *slog.Logger
	relay *Relay
}

// NewHandler constructs the chat handler.
func NewHandler(log *slog.Logger, relay *Relay) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{log: log, relay: relay}
}

// Register mounts the chat route behind requireAuth.
func (h *Handler) Register(mux *http.ServeMux, requireAuth func(http.Handler) http.Handler) {
	if h == nil || mux == nil {
		return
	}
	mux.Handle("/api/chat", requireAuth(http.HandlerFunc(h.handleChat)))
}

type chatRequest struct {
	Messages []Turn `json:"messages"`
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpjson.MethodNotAllowed(w, http.MethodPost)
		return
	}
	p, ok := authapi.PrincipalFromContext(r.Context())
	if !ok {
		httpjson.Error(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}

	var req chatRequest
	if err := httpjson.Decode(w, r, h.relay.Config().MaxBodyBytes, &req); err != nil {
		httpjson.Error(w, http.StatusBadRequest, "invalid_request", "messages are required")
		return
	}

	sink := newHTTPSink(w)
	err := h.relay.Submit(r.Context(), p, req.Messages, sink)
	if err == nil {
		return
	}
	if sink.begun {
		// Headers are committed; the client sees a truncated body.
		return
	}

	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		httpjson.Error(w, http.StatusBadRequest, "invalid_request", ve.Reason)
	case errors.Is(err, ErrUnauthenticated):
		httpjson.Error(w, http.StatusUnauthorized, "unauthorized", "authentication required")
	case errors.Is(err, ErrProviderUnavailable):
		httpjson.Error(w, http.StatusServiceUnavailable, "provider_unavailable", "the counselor is not configured, please contact the administrator")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// Client went away; nobody is listening.
	case isUpstream(err):
		httpjson.Error(w, http.StatusServiceUnavailable, "upstream_unavailable", "the counselor is unavailable right now, please try again")
	default:
		h.log.Error("counsel.chat.fail", "user_id", p.UserID, "err", err)
		httpjson.Error(w, http.StatusInternalServerError, "server_error", "an error occurred during the conversation")
	}
}

func isUpstream(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue)
}

// httpSink writes fragments as a chunked text/plain body.
type httpSink struct {
	w     http.ResponseWriter
	rc    *http.ResponseController
	begun bool
}

func newHTTPSink(w http.ResponseWriter) *httpSink {
	return &httpSink{w: w, rc: http.NewResponseController(w)}
}

func (s *httpSink) Begin() error {
	s.begun = true
	h := s.w.Header()
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	return s.flush()
}

func (s *httpSink) Fragment(text string) error {
	if err := s.rc.SetWriteDeadline(time.Now().Add(fragmentWriteTimeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	if _, err := io.WriteString(s.w, text); err != nil {
		return err
	}
	return s.flush()
}

func (s *httpSink) flush() error {
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}
