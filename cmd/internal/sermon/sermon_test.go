package sermon

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"gabriel/cmd/identity"
	authapi "gabriel/cmd/internal/auth/api"
	"gabriel/cmd/internal/httpjson"
	"gabriel/cmd/internal/llm"
)

type stubProvider struct {
	out  string
	err  error
	last llm.Request
}

func (s *stubProvider) Stream(context.Context, llm.Request) (llm.Stream, error) {
	return nil, errors.New("not used")
}

func (s *stubProvider) Complete(_ context.Context, req llm.Request) (string, error) {
	s.last = req
	return s.out, s.err
}

const validSermon = `{
  "title": "An Anchor for the Soul",
  "introduction": "Hebrews speaks to weary believers.",
  "mainPoints": [{"title": "Hope is certain", "content": "God cannot lie."}],
  "conclusion": "Hold fast.",
  "scriptureReferences": ["Hebrews 6:19", "Romans 5:5"]
}`

func TestGenerate_ValidatesAndDefaults(t *testing.T) {
	sp := &stubProvider{out: validSermon}
	g := NewGenerator(nil, sp)

	s, err := g.Generate(context.Background(), Request{BiblePassage: " Hebrews 6:13-20 ", Theme: "hope"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if s.Title != "An Anchor for the Soul" || len(s.MainPoints) != 1 || len(s.ScriptureReferences) != 2 {
		t.Fatalf("unexpected sermon: %+v", s)
	}
	if s.Illustrations == nil {
		t.Fatalf("illustrations should default to an empty list")
	}

	req := sp.last
	if req.Model != "gpt-4o" || req.Temperature != 0.7 || req.MaxTokens != 3000 || !req.JSON {
		t.Fatalf("unexpected sampling: %+v", req)
	}
	if len(req.Messages) != 2 || req.Messages[0].Role != llm.RoleSystem {
		t.Fatalf("unexpected messages: %+v", req.Messages)
	}
	user := req.Messages[1].Content
	for _, want := range []string{"Bible Passage: Hebrews 6:13-20", "Theme: hope", "Target Audience: general congregation", "Approximate Length: 20 minutes", "Please suggest an appropriate title."} {
		if !strings.Contains(user, want) {
			t.Fatalf("user prompt missing %q:\n%s", want, user)
		}
	}
	if strings.Contains(user, "Additional Notes") {
		t.Fatalf("empty notes leaked into prompt")
	}
}

func TestGenerate_RequiresPassageAndTheme(t *testing.T) {
	sp := &stubProvider{out: validSermon}
	g := NewGenerator(nil, sp)
	if _, err := g.Generate(context.Background(), Request{Theme: "hope"}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	if sp.last.Model != "" {
		t.Fatalf("provider called for invalid request")
	}
}

func TestParseSermon_Rejects(t *testing.T) {
	cases := map[string]string{
		"not json":         `Here is your sermon`,
		"no points":        `{"title":"t","introduction":"i","mainPoints":[],"conclusion":"c","scriptureReferences":[]}`,
		"no references":    `{"title":"t","introduction":"i","mainPoints":[{"title":"a","content":"b"}],"conclusion":"c"}`,
		"blank conclusion": `{"title":"t","introduction":"i","mainPoints":[{"title":"a","content":"b"}],"conclusion":" ","scriptureReferences":[]}`,
		"empty point":      `{"title":"t","introduction":"i","mainPoints":[{"title":"a"}],"conclusion":"c","scriptureReferences":[]}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := parseSermon(raw); !errors.Is(err, ErrInvalidSermon) {
				t.Fatalf("expected ErrInvalidSermon, got %v", err)
			}
		})
	}
}

func TestRequestNormalized_ClampsLength(t *testing.T) {
	for in, want := range map[int]int{0: 20, 2: 5, 45: 45, 400: 90} {
		r, err := Request{BiblePassage: "John 3", Theme: "love", LengthMinutes: in}.normalized()
		if err != nil || r.LengthMinutes != want {
			t.Fatalf("LengthMinutes(%d) = %d, %v; want %d", in, r.LengthMinutes, err, want)
		}
	}
}

func newSermonServer(t *testing.T, provider llm.Provider) *httptest.Server {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	auth := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := identity.Principal{UserID: "u1", Email: "pastor@example.com", Role: identity.RoleUser}
			next.ServeHTTP(w, r.WithContext(authapi.WithPrincipal(r.Context(), p, "s1")))
		})
	}
	mux := http.NewServeMux()
	NewHandler(log, NewGenerator(log, provider)).Register(mux, auth)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestHandler_StatusMapping(t *testing.T) {
	body := `{"biblePassage":"Psalm 23","theme":"comfort","lengthMinutes":15}`
	cases := []struct {
		name     string
		provider llm.Provider
		body     string
		status   int
		code     string
	}{
		{"ok", &stubProvider{out: validSermon}, body, http.StatusOK, ""},
		{"missing theme", &stubProvider{out: validSermon}, `{"biblePassage":"Psalm 23"}`, http.StatusBadRequest, "invalid_request"},
		{"unknown field", &stubProvider{out: validSermon}, `{"biblePassage":"Psalm 23","theme":"x","tone":"fiery"}`, http.StatusBadRequest, "invalid_request"},
		{"unconfigured", nil, body, http.StatusServiceUnavailable, "provider_unavailable"},
		{"bad structure", &stubProvider{out: `{"title":"only"}`}, body, http.StatusBadGateway, "invalid_sermon"},
		{"upstream 500", &stubProvider{err: &llm.HTTPError{StatusCode: 500}}, body, http.StatusBadGateway, "upstream_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var p llm.Provider
			if tc.provider != nil {
				p = tc.provider
			}
			srv := newSermonServer(t, p)
			resp, err := srv.Client().Post(srv.URL+"/api/sermon", "application/json", strings.NewReader(tc.body))
			if err != nil {
				t.Fatalf("post: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tc.status {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tc.status)
			}
			if tc.code == "" {
				var s Sermon
				if err := json.NewDecoder(resp.Body).Decode(&s); err != nil || s.Title == "" {
					t.Fatalf("decode sermon: %+v, %v", s, err)
				}
				return
			}
			var env httpjson.ErrorResponse
			if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
				t.Fatalf("decode error: %v", err)
			}
			if env.Error.Code != tc.code {
				t.Fatalf("code = %q, want %q", env.Error.Code, tc.code)
			}
		})
	}
}
