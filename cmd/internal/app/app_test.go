package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"gabriel/cmd/identity"
)

func TestRuntimeBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "explicit localhost", in: "127.0.0.1:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v4", in: "0.0.0.0:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v6", in: "[::]:9090", want: "http://127.0.0.1:9090"},
		{name: "port only", in: ":8080", want: "http://127.0.0.1:8080"},
		{name: "ipv6 host", in: "[2001:db8::1]:9090", want: "http://[2001:db8::1]:9090"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := runtimeBaseURL(tc.in)
			if got != tc.want {
				t.Fatalf("runtimeBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
			}
		})
	}
}

func TestWSBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{in: "http://127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
		{in: "https://gabriel.example.com", want: "wss://gabriel.example.com"},
		{in: "127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
	}

	for _, tc := range cases {
		got := wsBaseURL(tc.in)
		if got != tc.want {
			t.Fatalf("wsBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
		}
	}
}

// newMemoryApp builds an App with in-memory stores and no upstream keys.
func newMemoryApp(t *testing.T) (*App, *httptest.Server) {
	t.Helper()
	t.Setenv("GABRIEL_DATABASE_URL", "")
	t.Setenv("GABRIEL_DEV_MODE", "true")
	t.Setenv("GABRIEL_PASETO_V4_SECRET_KEY_HEX", "")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("BIBLE_API_KEY", "")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("GABRIEL_PERSONA_FILE", "")

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := New(context.Background(), LoadConfig(), log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ts := httptest.NewServer(a.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = a.Shutdown(context.Background(), nil)
	})
	return a, ts
}

func get(t *testing.T, url, bearer string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func post(t *testing.T, url, bearer, body string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func TestApp_ProbesAndMetrics(t *testing.T) {
	_, ts := newMemoryApp(t)

	if status, body := get(t, ts.URL+"/healthz", ""); status != http.StatusOK || body != "ok\n" {
		t.Fatalf("healthz: %d %q", status, body)
	}
	if status, _ := get(t, ts.URL+"/readyz", ""); status != http.StatusOK {
		t.Fatalf("readyz: %d", status)
	}
	status, body := get(t, ts.URL+"/metrics", "")
	if status != http.StatusOK {
		t.Fatalf("metrics: %d", status)
	}
	for _, name := range []string{"gabriel_ws_connections", "go_goroutines"} {
		if !strings.Contains(body, name) {
			t.Fatalf("metrics output missing %s", name)
		}
	}
}

func TestApp_ReadinessRequiresDB(t *testing.T) {
	t.Setenv("GABRIEL_READINESS_REQUIRE_DB", "true")
	_, ts := newMemoryApp(t)

	if status, _ := get(t, ts.URL+"/readyz", ""); status != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without a database, got %d", status)
	}
}

func TestApp_ProtectedRoutes(t *testing.T) {
	a, ts := newMemoryApp(t)

	for _, path := range []string{"/api/chat", "/api/sermon", "/api/bible"} {
		if status, _ := post(t, ts.URL+path, "", `{}`); status != http.StatusUnauthorized {
			t.Fatalf("%s without token: expected 401, got %d", path, status)
		}
	}

	const pw = "Correct-Horse-Battery-9"
	if _, err := a.auth.Users().CreateUser(context.Background(), identity.CreateUserInput{
		Email: "seeker@example.com", Password: pw,
	}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	status, body := post(t, ts.URL+"/auth/login", "", `{"email":"seeker@example.com","password":"`+pw+`"}`)
	if status != http.StatusOK {
		t.Fatalf("login: %d %s", status, body)
	}
	var login struct {
		Session struct {
			AccessToken string `json:"access_token"`
		} `json:"session"`
	}
	if err := json.Unmarshal([]byte(body), &login); err != nil || login.Session.AccessToken == "" {
		t.Fatalf("login body: %s (%v)", body, err)
	}
	tok := login.Session.AccessToken

	status, body = post(t, ts.URL+"/api/chat", tok, `{"messages":[{"role":"user","content":"I feel lost"}]}`)
	if status != http.StatusServiceUnavailable || !strings.Contains(body, "provider_unavailable") {
		t.Fatalf("chat without provider: %d %s", status, body)
	}

	status, body = post(t, ts.URL+"/api/bible", tok, `{"action":"getBibles"}`)
	if status != http.StatusServiceUnavailable || !strings.Contains(body, "scripture_unavailable") {
		t.Fatalf("bible without key: %d %s", status, body)
	}

	if status, _ := get(t, ts.URL+"/api/admin/users", tok); status != http.StatusForbidden {
		t.Fatalf("admin list as user: expected 403, got %d", status)
	}
	if status, _ := post(t, ts.URL+"/api/admin/invites", tok, `{}`); status != http.StatusForbidden {
		t.Fatalf("invite create as user: expected 403, got %d", status)
	}
	status, body = post(t, ts.URL+"/auth/register", "", `{"code":"bogus","email":"new@example.com","password":"`+pw+`"}`)
	if status != http.StatusForbidden || !strings.Contains(body, "invalid_invite") {
		t.Fatalf("register with bogus invite: %d %s", status, body)
	}
}

func TestApp_SecurityHeaders(t *testing.T) {
	_, ts := newMemoryApp(t)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("missing nosniff: %q", got)
	}
}
