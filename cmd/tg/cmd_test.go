package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/daviddao/tagged/pkg/model"
	"github.com/daviddao/tagged/pkg/optimistic"
	"github.com/daviddao/tagged/pkg/session"
)

// --- envOr tests ---

func TestEnvOr_EnvSet(t *testing.T) {
	t.Setenv("TEST_TG_ENV", "hello")
	if got := envOr("TEST_TG_ENV", "default"); got != "hello" {
		t.Fatalf("envOr with set env: got %q, want %q", got, "hello")
	}
}

func TestEnvOr_EnvUnset(t *testing.T) {
	if got := envOr("TEST_TG_UNSET_KEY_XYZ", "fallback"); got != "fallback" {
		t.Fatalf("envOr with unset env: got %q, want %q", got, "fallback")
	}
}

func TestEnvOr_EmptyEnv(t *testing.T) {
	t.Setenv("TEST_TG_EMPTY", "")
	if got := envOr("TEST_TG_EMPTY", "default"); got != "default" {
		t.Fatalf("envOr with empty env: got %q, want %q", got, "default")
	}
}

// --- exitCode tests ---

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, exitOK},
		{errors.New("boom"), exitError},
		{optimistic.ErrLoginRequired, exitAuth},
		{fmt.Errorf("like: %w", optimistic.ErrLoginRequired), exitAuth},
		{fmt.Errorf("islike: %w", session.ErrSessionExpired), exitAuth},
		{optimistic.ErrInFlight, exitError},
	}
	for _, tt := range tests {
		if got := exitCode(tt.err); got != tt.want {
			t.Errorf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

// --- helpers ---

func TestSessionState(t *testing.T) {
	now := time.Now()
	tests := []struct {
		s    model.Session
		want string
	}{
		{model.Session{}, "signed out"},
		{model.Session{UserDocID: "u1"}, "signed out"},
		{model.Session{UserDocID: "u1", AccessToken: "t"}, "active"},
		{model.Session{UserDocID: "u1", AccessToken: "t", ExpiresAt: now.Add(time.Hour)}, "active"},
		{model.Session{UserDocID: "u1", AccessToken: "t", ExpiresAt: now.Add(-time.Second)}, "expired"},
	}
	for _, tt := range tests {
		if got := sessionState(tt.s, now); got != tt.want {
			t.Errorf("sessionState(%+v) = %q, want %q", tt.s, got, tt.want)
		}
	}
}

func TestDescribe(t *testing.T) {
	if got := describe(model.LikeState{IsLiked: true, Count: 3}); got != "liked (3)" {
		t.Fatalf("describe liked: %q", got)
	}
	if got := describe(model.LikeState{Count: 0}); got != "not liked (0)" {
		t.Fatalf("describe not liked: %q", got)
	}
}

func TestResolveConfigPath(t *testing.T) {
	t.Setenv("TAGGED_CONFIG", "")
	if got := resolveConfigPath("/etc/tg.yaml"); got != "/etc/tg.yaml" {
		t.Fatalf("flag should win: %q", got)
	}
	t.Setenv("TAGGED_CONFIG", "/env/tg.yaml")
	if got := resolveConfigPath(""); got != "/env/tg.yaml" {
		t.Fatalf("env should be used: %q", got)
	}
}

// --- end-to-end ---

// fakeAPI is a minimal Tagged backend plus a Google token endpoint.
type fakeAPI struct {
	mu     sync.Mutex
	likes  map[string]bool
	counts map[string]int
}

func newFakeAPI(t *testing.T) (*fakeAPI, *httptest.Server) {
	t.Helper()
	f := &fakeAPI{likes: map[string]bool{}, counts: map[string]int{}}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /user/{user}/islike", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		key := r.URL.Query().Get("doc_type") + "/" + r.URL.Query().Get("doc_id")
		envelope(w, 200, map[string]any{"is_like": f.likes[key], "like_count": f.counts[key]})
	})
	mux.HandleFunc("POST /user/{user}/{verb}/{type}/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		key := r.PathValue("type") + "/" + r.PathValue("id")
		want := r.PathValue("verb") == "like"
		if f.likes[key] == want {
			envelope(w, http.StatusConflict, nil)
			return
		}
		f.likes[key] = want
		if want {
			f.counts[key]++
		} else {
			f.counts[key]--
		}
		envelope(w, 200, nil)
	})
	mux.HandleFunc("POST /auth/login", func(w http.ResponseWriter, r *http.Request) {
		var req struct{ Token, Provider string }
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Token != "good-id-token" {
			envelope(w, http.StatusUnauthorized, nil)
			return
		}
		envelope(w, 200, map[string]any{"access_token": "tok", "user_doc_id": "u1", "email": "a@b.c", "expires_in": 3600})
	})
	mux.HandleFunc("POST /token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := r.ParseForm(); err != nil || r.PostForm.Get("code") != "c1" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		_, _ = w.Write([]byte(`{"access_token":"ga","id_token":"good-id-token","expires_in":3600,"token_type":"Bearer"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, srv
}

func envelope(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(model.Envelope[any]{StatusCode: status, Description: http.StatusText(status), Data: data})
}

// setupCLI points the CLI at url with a temp database and a fast retry
// policy. It returns the config file path.
func setupCLI(t *testing.T, url string) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("TAGGED_DB", filepath.Join(dir, "tg.db"))
	t.Setenv("TAGGED_API_URL", url)
	t.Setenv("TAGGED_CONFIG", "")
	cfg := fmt.Sprintf(`api:
  base_delay: 1ms
  max_retries: 2
google:
  client_id: cid
  client_secret: secret
  redirect_uri: http://localhost/callback
  token_url: %s/token
`, url)
	path := filepath.Join(dir, "tagged.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func tg(t *testing.T, cfgPath string, args ...string) (string, string, int) {
	t.Helper()
	var out, errOut bytes.Buffer
	code := run(append([]string{"--config", cfgPath}, args...), &out, &errOut)
	return out.String(), errOut.String(), code
}

func TestVersion(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := run([]string{"version"}, &out, &errOut); code != exitOK {
		t.Fatalf("version exit %d: %s", code, errOut.String())
	}
	if got := strings.TrimSpace(out.String()); got != "tg "+version {
		t.Fatalf("version output: %q", got)
	}
}

func TestLikeRequiresLogin(t *testing.T) {
	_, srv := newFakeAPI(t)
	cfg := setupCLI(t, srv.URL)

	_, stderr, code := tg(t, cfg, "like", "image", "X")
	if code != exitAuth {
		t.Fatalf("like without login: exit %d, want %d (%s)", code, exitAuth, stderr)
	}
	if !strings.Contains(stderr, "[warning]") {
		t.Fatalf("expected a warning notice, got %q", stderr)
	}

	if _, _, code := tg(t, cfg, "islike", "image", "X"); code != exitAuth {
		t.Fatalf("islike without login: exit %d", code)
	}
}

func TestLoginLikeHistoryFlow(t *testing.T) {
	api, srv := newFakeAPI(t)
	cfg := setupCLI(t, srv.URL)

	out, stderr, code := tg(t, cfg, "login", "--id-token", "good-id-token")
	if code != exitOK {
		t.Fatalf("login: exit %d: %s", code, stderr)
	}
	if !strings.Contains(out, "signed in as a@b.c (u1)") {
		t.Fatalf("login output: %q", out)
	}

	api.mu.Lock()
	api.counts["image/X"] = 9
	api.mu.Unlock()

	out, stderr, code = tg(t, cfg, "like", "image", "X")
	if code != exitOK {
		t.Fatalf("like: exit %d: %s", code, stderr)
	}
	if !strings.Contains(out, "liked (10) (optimistic)") {
		t.Fatalf("like should print the optimistic state first: %q", out)
	}
	if !strings.Contains(out, "liked (10) (settled)") {
		t.Fatalf("like should settle on the server state: %q", out)
	}
	if !strings.Contains(stderr, "[success]") {
		t.Fatalf("expected a success notice, got %q", stderr)
	}

	out, _, code = tg(t, cfg, "islike", "image", "X")
	if code != exitOK || !strings.Contains(out, "image:X  liked (10)") {
		t.Fatalf("islike: exit %d, out %q", code, out)
	}

	out, _, code = tg(t, cfg, "--json", "like", "image", "X")
	if code != exitOK {
		t.Fatalf("unlike: exit %d", code)
	}
	var res struct {
		Final model.LikeState `json:"final"`
		Phase model.Phase     `json:"phase"`
	}
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode like json: %v (%q)", err, out)
	}
	if res.Phase != model.PhaseSettled || res.Final != (model.LikeState{IsLiked: false, Count: 9}) {
		t.Fatalf("unlike result: %+v", res)
	}

	out, _, code = tg(t, cfg, "history")
	if code != exitOK {
		t.Fatalf("history: exit %d", code)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 {
		t.Fatalf("history: want 2 entries, got %d: %q", len(lines), out)
	}
	if !strings.Contains(lines[0], "not liked (9)") || !strings.Contains(lines[1], "-> liked (10)") {
		t.Fatalf("history should list newest first: %q", out)
	}

	out, _, code = tg(t, cfg, "--json", "status")
	if code != exitOK {
		t.Fatalf("status: exit %d", code)
	}
	var st struct {
		Session   string `json:"session"`
		User      string `json:"user"`
		Mutations int64  `json:"mutations"`
	}
	if err := json.Unmarshal([]byte(out), &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.Session != "active" || st.User != "u1" || st.Mutations != 2 {
		t.Fatalf("status: %+v", st)
	}

	if out, _, code = tg(t, cfg, "logout"); code != exitOK || !strings.Contains(out, "signed out") {
		t.Fatalf("logout: exit %d, out %q", code, out)
	}
	if _, _, code = tg(t, cfg, "like", "image", "X"); code != exitAuth {
		t.Fatalf("like after logout: exit %d", code)
	}
}

func TestLoginWithCode(t *testing.T) {
	_, srv := newFakeAPI(t)
	cfg := setupCLI(t, srv.URL)

	out, stderr, code := tg(t, cfg, "login", "--code", "c1")
	if code != exitOK {
		t.Fatalf("login --code: exit %d: %s", code, stderr)
	}
	if !strings.Contains(out, "u1") {
		t.Fatalf("login output: %q", out)
	}

	_, stderr, code = tg(t, cfg, "login", "--code", "c1")
	if code != exitError || !strings.Contains(stderr, "already used") {
		t.Fatalf("reused code: exit %d, stderr %q", code, stderr)
	}

	if _, _, code = tg(t, cfg, "logout"); code != exitOK {
		t.Fatalf("logout: exit %d", code)
	}
	_, stderr, code = tg(t, cfg, "login", "--code", "c1")
	if code != exitError || !strings.Contains(stderr, "already used") {
		t.Fatalf("code reused after logout: exit %d, stderr %q", code, stderr)
	}

	if _, _, code = tg(t, cfg, "login", "--code", "bad"); code != exitError {
		t.Fatalf("rejected code: exit %d", code)
	}
	if _, _, code = tg(t, cfg, "login"); code != exitError {
		t.Fatalf("login without flags: exit %d", code)
	}
}

func TestLikeRollsBackWhenOffline(t *testing.T) {
	_, srv := newFakeAPI(t)
	cfg := setupCLI(t, srv.URL)
	if _, stderr, code := tg(t, cfg, "login", "--id-token", "good-id-token"); code != exitOK {
		t.Fatalf("login: %s", stderr)
	}
	srv.Close()

	out, stderr, code := tg(t, cfg, "like", "image", "Y", "--liked=false", "--count", "3")
	if code != exitError {
		t.Fatalf("offline like: exit %d, want %d", code, exitError)
	}
	if !strings.Contains(out, "liked (4) (optimistic)") {
		t.Fatalf("optimistic output: %q", out)
	}
	if !strings.Contains(out, "not liked (3) (rolled_back)") {
		t.Fatalf("rollback output: %q", out)
	}
	if !strings.Contains(stderr, "[error]") {
		t.Fatalf("expected an error notice, got %q", stderr)
	}

	out, _, _ = tg(t, cfg, "history")
	if !strings.Contains(out, "rolled_back") || !strings.Contains(out, "error:") {
		t.Fatalf("history should record the rollback: %q", out)
	}
}
