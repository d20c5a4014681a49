package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gabriel/cmd/identity"
	authapi "gabriel/cmd/internal/auth/api"
	"gabriel/cmd/internal/counsel"
	v1 "gabriel/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const (
	wsCloseGrace      = 1 * time.Second
	wsMaxPingFailures = 3
)

var (
	errBackpressure = errors.New("realtime: send queue full")
	errClientClosed = errors.New("realtime: client closed")
)

// Authenticator resolves an access token to the current principal and its
// auth session id.
type Authenticator interface {
	ResolvePrincipal(ctx context.Context, token string) (identity.Principal, string, error)
}

// ChatRelay streams one assistant reply into sink.
type ChatRelay interface {
	Submit(ctx context.Context, p identity.Principal, turns []counsel.Turn, sink counsel.Sink) error
}

// WSGateway carries chat submissions over a WebSocket. It enforces the
// origin policy, subprotocol, hello authentication, rate limits and
// heartbeats, and runs at most one relay submission per connection.
type WSGateway struct {
	log   *slog.Logger
	cfg   Config
	auth  Authenticator
	relay ChatRelay
	hub   *Hub

	// websocket.Accept authorizes same-host origins itself; cross-origin
	// hosts must be listed here. Derived from AllowedOrigins so the two
	// checks agree.
	originPatterns []string
}

// NewWSGateway constructs a gateway. hub may be nil.
func NewWSGateway(log *slog.Logger, cfg Config, auth Authenticator, relay ChatRelay, hub *Hub) *WSGateway {
	if log == nil {
		log = slog.Default()
	}
	if hub == nil {
		hub = NewHub(nil)
	}
	cfg = cfg.withDefaults()
	return &WSGateway{
		log:            log,
		cfg:            cfg,
		auth:           auth,
		relay:          relay,
		hub:            hub,
		originPatterns: deriveOriginPatternsFromAllowedOrigins(cfg.AllowedOrigins),
	}
}

// Hub returns the connection registry.
func (g *WSGateway) Hub() *Hub { return g.hub }

func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// connState is owned by one connection.
type connState struct {
	mu        sync.Mutex
	principal identity.Principal
	inflight  *submission
}

type submission struct {
	requestID string
	cancel    context.CancelFunc
	canceled  atomic.Bool
}

func (s *connState) authed() (identity.Principal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.principal, s.principal.Authenticated()
}

// HandleWS upgrades the request and runs the connection until either side
// closes it.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	st := &connState{}
	var authSessionID string
	// Non-browser clients may authenticate on the upgrade request itself.
	if tok := authapi.BearerToken(r); tok != "" {
		p, sid, err := g.auth.ResolvePrincipal(r.Context(), tok)
		if err != nil {
			if errors.Is(err, authapi.ErrUnauthenticated) {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			g.log.Error("ws.auth.fail", "err", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		st.principal, authSessionID = p, sid
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	client := NewClient(NewRandomHex(10), g.cfg.SendQueueSize)
	if st.principal.Authenticated() {
		client.Authenticate(st.principal.UserID, authSessionID)
	}
	if !g.hub.Add(client) {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer g.hub.Remove(client)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				shutdown(websocket.StatusGoingAway, "server shutting down")
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "conn_id", client.ConnID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		t := time.NewTicker(g.cfg.HeartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()
				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "conn_id", client.ConnID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	var subs sync.WaitGroup
	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

readLoop:
	for {
		idle := g.cfg.ReadIdleTimeout
		if _, ok := st.authed(); !ok {
			idle = g.cfg.HelloTimeout
		}
		readCtx, readCancel := context.WithTimeout(ctx, idle)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusPolicyViolation, "idle")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, client, v1.CodeBadJSON, "invalid JSON", "")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "conn_id", client.ConnID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !rl.Allow(time.Now()) {
			g.writeErrorNow(ctx, conn, v1.CodeRateLimited, "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}
		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, v1.CodeBadEnvelope, err.Error(), "")
			continue readLoop
		}

		switch env.Type {
		case v1.TypeHello:
			if err := g.onHello(ctx, client, st, env); err != nil {
				g.writeErrorNow(ctx, conn, v1.CodeUnauthenticated, err.Error())
				shutdown(websocket.StatusPolicyViolation, "hello failed")
				break readLoop
			}

		case v1.TypeChatSubmit:
			p, ok := st.authed()
			if !ok {
				g.trySendError(ctx, client, v1.CodeUnauthenticated, "send hello first", "")
				continue readLoop
			}
			if err := g.onSubmit(ctx, client, st, p, env, &subs); err != nil {
				continue readLoop
			}

		case v1.TypeChatCancel:
			g.onCancel(st, env)

		default:
			g.trySendError(ctx, client, v1.CodeUnsupported, fmt.Sprintf("unsupported type: %s", env.Type), "")
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone
	subs.Wait()

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

func (g *WSGateway) onHello(ctx context.Context, client *Client, st *connState, env v1.Envelope) error {
	var p v1.HelloPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return errors.New("invalid hello payload")
	}

	principal, ok := st.authed()
	if tok := strings.TrimSpace(p.Token); tok != "" {
		resolved, sid, err := g.auth.ResolvePrincipal(ctx, tok)
		if err != nil {
			if !errors.Is(err, authapi.ErrUnauthenticated) {
				g.log.Error("ws.hello.auth.fail", "conn_id", client.ConnID, "err", err)
			}
			return errors.New("invalid token")
		}
		if ok && resolved.UserID != principal.UserID {
			return errors.New("token belongs to a different user")
		}
		st.mu.Lock()
		st.principal = resolved
		st.mu.Unlock()
		client.Authenticate(resolved.UserID, sid)
		principal, ok = resolved, true
	}
	if !ok {
		return errors.New("token required")
	}

	ack := newEnvelope(v1.TypeHelloAck, mustPayload(v1.HelloAckPayload{UserID: principal.UserID, SessionID: client.ConnID}))
	if !g.enqueue(ctx, client, ack) {
		return errors.New("backpressure: hello_ack")
	}
	return nil
}

func (g *WSGateway) onSubmit(ctx context.Context, client *Client, st *connState, p identity.Principal, env v1.Envelope, subs *sync.WaitGroup) error {
	var in v1.ChatSubmitPayload
	if err := json.Unmarshal(env.Payload, &in); err != nil {
		g.trySendError(ctx, client, v1.CodeInvalidRequest, "invalid chat_submit payload", "")
		return err
	}
	reqID := strings.TrimSpace(in.RequestID)
	if reqID == "" || len(reqID) > maxRequestIDLen {
		g.trySendError(ctx, client, v1.CodeInvalidRequest, "request_id is required", "")
		return errors.New("bad request id")
	}

	turns := make([]counsel.Turn, 0, len(in.Messages))
	for _, m := range in.Messages {
		turns = append(turns, counsel.Turn{Role: counsel.Role(m.Role), Content: m.Content})
	}

	subCtx, subCancel := context.WithCancel(ctx)
	sub := &submission{requestID: reqID, cancel: subCancel}

	st.mu.Lock()
	if st.inflight != nil {
		st.mu.Unlock()
		subCancel()
		g.trySendError(ctx, client, v1.CodeBusy, "a reply is already streaming", reqID)
		return errors.New("busy")
	}
	st.inflight = sub
	st.mu.Unlock()

	subs.Add(1)
	go func() {
		defer subs.Done()
		defer func() {
			subCancel()
			st.mu.Lock()
			if st.inflight == sub {
				st.inflight = nil
			}
			st.mu.Unlock()
		}()
		g.runSubmission(ctx, subCtx, client, p, sub, turns)
	}()
	return nil
}

func (g *WSGateway) runSubmission(connCtx, subCtx context.Context, client *Client, p identity.Principal, sub *submission, turns []counsel.Turn) {
	sink := &wsSink{g: g, ctx: subCtx, client: client, requestID: sub.requestID}
	err := g.relay.Submit(subCtx, p, turns, sink)

	if connCtx.Err() != nil {
		return
	}
	if err == nil {
		done := newEnvelope(v1.TypeChatDone, mustPayload(v1.ChatDonePayload{RequestID: sub.requestID}))
		if werr := g.enqueueWait(connCtx, client, done); werr != nil {
			g.log.Info("ws.chat_done.drop", "conn_id", client.ConnID, "err", werr)
		}
		return
	}
	if sub.canceled.Load() {
		g.trySendError(connCtx, client, v1.CodeCanceled, "canceled", sub.requestID)
		return
	}
	code, msg := errorCodeFor(err)
	if code == v1.CodeInternal {
		g.log.Error("ws.chat.fail", "conn_id", client.ConnID, "user_id", p.UserID, "err", err)
	}
	g.trySendError(connCtx, client, code, msg, sub.requestID)
}

func (g *WSGateway) onCancel(st *connState, env v1.Envelope) {
	var in v1.ChatCancelPayload
	if err := json.Unmarshal(env.Payload, &in); err != nil {
		return
	}
	st.mu.Lock()
	sub := st.inflight
	st.mu.Unlock()
	if sub != nil && sub.requestID == strings.TrimSpace(in.RequestID) {
		sub.canceled.Store(true)
		sub.cancel()
	}
}

func errorCodeFor(err error) (string, string) {
	var ve *counsel.ValidationError
	var ue *counsel.UpstreamError
	switch {
	case errors.As(err, &ve):
		return v1.CodeInvalidRequest, ve.Reason
	case errors.Is(err, counsel.ErrUnauthenticated):
		return v1.CodeUnauthenticated, "authentication required"
	case errors.Is(err, counsel.ErrProviderUnavailable):
		return v1.CodeUnavailable, "the counselor is not configured"
	case errors.As(err, &ue):
		return v1.CodeUpstream, "the counselor stopped responding, please try again"
	default:
		return v1.CodeInternal, "an error occurred during the conversation"
	}
}

// wsSink turns relay fragments into chat_delta envelopes. Fragments wait
// for queue space up to the write timeout rather than being dropped.
type wsSink struct {
	g         *WSGateway
	ctx       context.Context
	client    *Client
	requestID string
}

func (s *wsSink) Begin() error { return nil }

func (s *wsSink) Fragment(text string) error {
	env := newEnvelope(v1.TypeChatDelta, mustPayload(v1.ChatDeltaPayload{RequestID: s.requestID, Text: text}))
	return s.g.enqueueWait(s.ctx, s.client, env)
}

// ---- send helpers ----

func (g *WSGateway) trySendError(ctx context.Context, client *Client, code, msg, requestID string) {
	env := newEnvelope(v1.TypeError, mustPayload(v1.ErrorPayload{Code: code, Message: msg, RequestID: requestID}))
	_ = g.enqueue(ctx, client, env)
}

// writeErrorNow bypasses the send queue so the frame lands before an
// immediate close.
func (g *WSGateway) writeErrorNow(ctx context.Context, conn *websocket.Conn, code, msg string) {
	env := newEnvelope(v1.TypeError, mustPayload(v1.ErrorPayload{Code: code, Message: msg}))
	_ = writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout)
}

// enqueue never blocks; it reports false when the queue is full.
func (g *WSGateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	default:
		return false
	}
}

func (g *WSGateway) enqueueWait(ctx context.Context, client *Client, env v1.Envelope) error {
	select {
	case client.Send <- env:
		return nil
	default:
	}
	t := time.NewTimer(g.cfg.WriteTimeout)
	defer t.Stop()
	select {
	case client.Send <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-client.Done():
		return errClientClosed
	case <-t.C:
		return errBackpressure
	}
}

// ---- envelope IO ----

func newEnvelope(typ string, payload json.RawMessage) v1.Envelope {
	now := time.Now().UTC()
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      NewEnvelopeID(now),
		TS:      now,
		Payload: payload,
	}
}

func mustPayload(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		// Payload types are plain structs of strings.
		panic(err)
	}
	return b
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, badJSONError{err}
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type badJSONError struct{ err error }

func (e badJSONError) Error() string { return "bad json: " + e.err.Error() }
func (e badJSONError) Unwrap() error { return e.err }

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	var bj badJSONError
	switch {
	case errors.As(err, &bj):
		return readErrBadJSON
	case websocket.CloseStatus(err) != -1:
		return readErrClose
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return readErrCtxDone
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.EOF):
		return readErrConnClosed
	default:
		return readErrUnknown
	}
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}
	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)
	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		switch {
		case a == "":
			continue
		case a == "*", origin == a:
			return nil
		case originHost != "" && originHost == originHostOnly(a):
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = strings.TrimSpace(u.Host)
		if s == "" {
			return ""
		}
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatternsFromAllowedOrigins returns the sorted, de-duplicated
// hosts of the allowlist for websocket.AcceptOptions.OriginPatterns.
func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	out := make([]string, 0, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		out = append(out, h)
	}
	slices.Sort(out)
	return slices.Compact(out)
}
