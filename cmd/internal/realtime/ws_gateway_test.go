package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"gabriel/cmd/identity"
	authapi "gabriel/cmd/internal/auth/api"
	"gabriel/cmd/internal/counsel"
	v1 "gabriel/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

type fakeAuth struct {
	tokens map[string]identity.Principal
}

func (a fakeAuth) ResolvePrincipal(_ context.Context, token string) (identity.Principal, string, error) {
	p, ok := a.tokens[token]
	if !ok {
		return identity.Principal{}, "", authapi.ErrUnauthenticated
	}
	return p, "sess-" + p.UserID, nil
}

// fakeRelay replays fragments, or blocks until canceled when block is set.
type fakeRelay struct {
	fragments []string
	err       error
	block     bool
	started   chan struct{}
}

func (r *fakeRelay) Submit(ctx context.Context, _ identity.Principal, turns []counsel.Turn, sink counsel.Sink) error {
	if len(turns) == 0 {
		return &counsel.ValidationError{Index: -1, Reason: "messages must not be empty"}
	}
	if r.started != nil {
		close(r.started)
	}
	if r.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if r.err != nil {
		return r.err
	}
	if err := sink.Begin(); err != nil {
		return err
	}
	for _, f := range r.fragments {
		if err := sink.Fragment(f); err != nil {
			return err
		}
	}
	return nil
}

var testPrincipal = identity.Principal{UserID: "user-1", Email: "a@example.com", Role: identity.RoleUser}

func newTestGateway(t *testing.T, relay ChatRelay) (*WSGateway, *httptest.Server) {
	t.Helper()
	cfg := Config{
		OriginRequired: false,
		AllowedOrigins: []string{"http://localhost"},
		HelloTimeout:   2 * time.Second,
	}
	auth := fakeAuth{tokens: map[string]identity.Principal{"good": testPrincipal}}
	gw := NewWSGateway(slog.New(slog.NewTextHandler(io.Discard, nil)), cfg, auth, relay, nil)
	ts := httptest.NewServer(gw)
	t.Cleanup(ts.Close)
	return gw, ts
}

func wsURL(raw string) string {
	u, _ := url.Parse(raw)
	u.Scheme = "ws"
	return u.String()
}

func dialWS(t *testing.T, baseURL, origin, token string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h := http.Header{}
	if origin != "" {
		h.Set("Origin", origin)
	}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return websocket.Dial(ctx, wsURL(baseURL), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
}

func mustDial(t *testing.T, baseURL string) *websocket.Conn {
	t.Helper()
	c, resp, err := dialWS(t, baseURL, "", "")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close(websocket.StatusNormalClosure, "") })
	return c
}

func send(t *testing.T, c *websocket.Conn, typ string, payload any) {
	t.Helper()
	b, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	env := v1.Envelope{V: v1.Version, Type: typ, ID: NewRandomHex(8), TS: time.Now().UTC(), Payload: b}
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Write(ctx, websocket.MessageText, raw); err != nil {
		t.Fatalf("write %s: %v", typ, err)
	}
}

func recv(t *testing.T, c *websocket.Conn) v1.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return env
}

func recvError(t *testing.T, c *websocket.Conn) v1.ErrorPayload {
	t.Helper()
	env := recv(t, c)
	if env.Type != v1.TypeError {
		t.Fatalf("expected error envelope, got %s (%s)", env.Type, env.Payload)
	}
	var p v1.ErrorPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("unmarshal error payload: %v", err)
	}
	return p
}

func hello(t *testing.T, c *websocket.Conn) v1.HelloAckPayload {
	t.Helper()
	send(t, c, v1.TypeHello, v1.HelloPayload{Token: "good"})
	env := recv(t, c)
	if env.Type != v1.TypeHelloAck {
		t.Fatalf("expected hello_ack, got %s (%s)", env.Type, env.Payload)
	}
	var ack v1.HelloAckPayload
	if err := json.Unmarshal(env.Payload, &ack); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	return ack
}

func userTurn(text string) []v1.ChatTurn {
	return []v1.ChatTurn{{Role: "user", Content: text}}
}

func TestWSGateway_HelloThenStream(t *testing.T) {
	_, ts := newTestGateway(t, &fakeRelay{fragments: []string{"Peace ", "be ", "with you."}})
	c := mustDial(t, ts.URL)

	ack := hello(t, c)
	if ack.UserID != testPrincipal.UserID || ack.SessionID == "" {
		t.Fatalf("unexpected ack: %+v", ack)
	}

	send(t, c, v1.TypeChatSubmit, v1.ChatSubmitPayload{RequestID: "r1", Messages: userTurn("hello")})

	var got strings.Builder
stream:
	for {
		env := recv(t, c)
		switch env.Type {
		case v1.TypeChatDelta:
			var d v1.ChatDeltaPayload
			_ = json.Unmarshal(env.Payload, &d)
			if d.RequestID != "r1" {
				t.Fatalf("delta request_id: got %q", d.RequestID)
			}
			got.WriteString(d.Text)
		case v1.TypeChatDone:
			var d v1.ChatDonePayload
			_ = json.Unmarshal(env.Payload, &d)
			if d.RequestID != "r1" {
				t.Fatalf("done request_id: got %q", d.RequestID)
			}
			break stream
		default:
			t.Fatalf("unexpected envelope %s (%s)", env.Type, env.Payload)
		}
	}
	if got.String() != "Peace be with you." {
		t.Fatalf("reassembled reply: got %q", got.String())
	}
}

func TestWSGateway_SubmitBeforeHello(t *testing.T) {
	_, ts := newTestGateway(t, &fakeRelay{})
	c := mustDial(t, ts.URL)

	send(t, c, v1.TypeChatSubmit, v1.ChatSubmitPayload{RequestID: "r1", Messages: userTurn("hi")})
	if p := recvError(t, c); p.Code != v1.CodeUnauthenticated {
		t.Fatalf("expected unauthenticated, got %+v", p)
	}
}

func TestWSGateway_BadHelloClosesConnection(t *testing.T) {
	_, ts := newTestGateway(t, &fakeRelay{})
	c := mustDial(t, ts.URL)

	send(t, c, v1.TypeHello, v1.HelloPayload{Token: "nope"})
	if p := recvError(t, c); p.Code != v1.CodeUnauthenticated {
		t.Fatalf("expected unauthenticated, got %+v", p)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, _, err := c.Read(ctx)
	if got := websocket.CloseStatus(err); got != websocket.StatusPolicyViolation {
		t.Fatalf("expected policy violation close, got %v (err=%v)", got, err)
	}
}

func TestWSGateway_BearerOnUpgrade(t *testing.T) {
	_, ts := newTestGateway(t, &fakeRelay{fragments: []string{"ok"}})

	_, resp, err := dialWS(t, ts.URL, "", "bad-token")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("expected 401, got status=%d err=%v", status, err)
	}

	c, resp, err := dialWS(t, ts.URL, "", "good")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial with bearer: %v", err)
	}
	defer c.Close(websocket.StatusNormalClosure, "")

	// Already authenticated: submit works without hello.
	send(t, c, v1.TypeChatSubmit, v1.ChatSubmitPayload{RequestID: "r1", Messages: userTurn("hi")})
	if env := recv(t, c); env.Type != v1.TypeChatDelta {
		t.Fatalf("expected chat_delta, got %s (%s)", env.Type, env.Payload)
	}
	if env := recv(t, c); env.Type != v1.TypeChatDone {
		t.Fatalf("expected chat_done, got %s (%s)", env.Type, env.Payload)
	}
}

func TestWSGateway_BusyAndCancel(t *testing.T) {
	started := make(chan struct{})
	_, ts := newTestGateway(t, &fakeRelay{block: true, started: started})
	c := mustDial(t, ts.URL)
	hello(t, c)

	send(t, c, v1.TypeChatSubmit, v1.ChatSubmitPayload{RequestID: "r1", Messages: userTurn("first")})
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatalf("submission never started")
	}

	send(t, c, v1.TypeChatSubmit, v1.ChatSubmitPayload{RequestID: "r2", Messages: userTurn("second")})
	p := recvError(t, c)
	if p.Code != v1.CodeBusy || p.RequestID != "r2" {
		t.Fatalf("expected busy for r2, got %+v", p)
	}

	send(t, c, v1.TypeChatCancel, v1.ChatCancelPayload{RequestID: "r1"})
	p = recvError(t, c)
	if p.Code != v1.CodeCanceled || p.RequestID != "r1" {
		t.Fatalf("expected canceled for r1, got %+v", p)
	}
}

func TestWSGateway_RelayErrorsMapToCodes(t *testing.T) {
	cases := []struct {
		name  string
		err   error
		turns []v1.ChatTurn
		want  string
	}{
		{"validation", nil, nil, v1.CodeInvalidRequest},
		{"unavailable", counsel.ErrProviderUnavailable, userTurn("hi"), v1.CodeUnavailable},
		{"upstream", &counsel.UpstreamError{Err: errors.New("boom")}, userTurn("hi"), v1.CodeUpstream},
		{"internal", errors.New("unexpected"), userTurn("hi"), v1.CodeInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, ts := newTestGateway(t, &fakeRelay{err: tc.err})
			c := mustDial(t, ts.URL)
			hello(t, c)

			send(t, c, v1.TypeChatSubmit, v1.ChatSubmitPayload{RequestID: "r1", Messages: tc.turns})
			p := recvError(t, c)
			if p.Code != tc.want || p.RequestID != "r1" {
				t.Fatalf("expected %s for r1, got %+v", tc.want, p)
			}
		})
	}
}

func TestWSGateway_RejectsMissingRequestID(t *testing.T) {
	_, ts := newTestGateway(t, &fakeRelay{})
	c := mustDial(t, ts.URL)
	hello(t, c)

	send(t, c, v1.TypeChatSubmit, v1.ChatSubmitPayload{Messages: userTurn("hi")})
	if p := recvError(t, c); p.Code != v1.CodeInvalidRequest {
		t.Fatalf("expected invalid_request, got %+v", p)
	}
}

func TestWSGateway_BadJSONKeepsConnection(t *testing.T) {
	_, ts := newTestGateway(t, &fakeRelay{})
	c := mustDial(t, ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if p := recvError(t, c); p.Code != v1.CodeBadJSON {
		t.Fatalf("expected bad_json, got %+v", p)
	}
	hello(t, c)
}

func TestWSGateway_HubCloseAllDisconnects(t *testing.T) {
	gw, ts := newTestGateway(t, &fakeRelay{})
	c := mustDial(t, ts.URL)
	hello(t, c)

	if n := gw.Hub().Count(); n != 1 {
		t.Fatalf("expected 1 connection, got %d", n)
	}
	gw.Hub().CloseAll()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, _, err := c.Read(ctx)
	if got := websocket.CloseStatus(err); got != websocket.StatusGoingAway {
		t.Fatalf("expected going away close, got %v (err=%v)", got, err)
	}

	late, resp, err := dialWS(t, ts.URL, "", "")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		// The upgrade completes before the hub refuses the connection.
		_, _, rerr := late.Read(ctx)
		if got := websocket.CloseStatus(rerr); got != websocket.StatusGoingAway {
			t.Fatalf("expected late connection to be refused, got %v (err=%v)", got, rerr)
		}
	}
}

func TestWSGateway_OriginPolicy(t *testing.T) {
	gw := NewWSGateway(nil, Config{OriginRequired: true, AllowedOrigins: []string{"https://app.example.com"}}, fakeAuth{}, &fakeRelay{}, nil)

	req := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}
	if err := gw.enforceOrigin(req("")); err == nil {
		t.Fatalf("expected missing origin to be rejected")
	}
	if err := gw.enforceOrigin(req("https://evil.example.com")); err == nil {
		t.Fatalf("expected foreign origin to be rejected")
	}
	if err := gw.enforceOrigin(req("https://app.example.com:8443")); err != nil {
		t.Fatalf("expected host match to pass, got %v", err)
	}

	w := httptest.NewRecorder()
	gw.ServeHTTP(w, req("https://evil.example.com"))
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
}

func TestDeriveOriginPatterns(t *testing.T) {
	got := deriveOriginPatternsFromAllowedOrigins([]string{
		"http://localhost:3000", "https://localhost", "*", "", "https://App.Example.com",
	})
	want := []string{"app.example.com", "localhost"}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}

func TestRateLimiter_Window(t *testing.T) {
	rl := NewRateLimiter(2, time.Second)
	now := time.Unix(1_700_000_000, 0)
	if !rl.Allow(now) || !rl.Allow(now.Add(10*time.Millisecond)) {
		t.Fatalf("first two events should pass")
	}
	if rl.Allow(now.Add(20 * time.Millisecond)) {
		t.Fatalf("third event inside the window should be refused")
	}
	if !rl.Allow(now.Add(1100 * time.Millisecond)) {
		t.Fatalf("event after the window should pass")
	}
}
