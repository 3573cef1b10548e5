package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/go-authgate/scan-cli/credstore"
	"github.com/go-authgate/scan-cli/internal/apitest"
	"github.com/go-authgate/scan-cli/scanapi"
	"github.com/go-authgate/scan-cli/session"
	"github.com/go-authgate/scan-cli/tui"
)

const (
	testEmail    = "a@b.com"
	testPassword = "secret-password"
)

// recorder keeps the displayer events a test asserts on. Hooks fire from
// refresh goroutines, hence the mutex.
type recorder struct {
	tui.NoopDisplayer

	mu     sync.Mutex
	events []string
	docs   []scanapi.Document
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) has(e string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, got := range r.events {
		if got == e {
			return true
		}
	}
	return false
}

func (r *recorder) SessionRestored(user string)        { r.add("restored:" + user) }
func (r *recorder) NotAuthenticated()                  { r.add("anonymous") }
func (r *recorder) AccessTokenRejected(_, path string) { r.add("rejected:" + path) }
func (r *recorder) Refreshing()                        { r.add("refreshing") }
func (r *recorder) RefreshOK()                         { r.add("refreshed") }
func (r *recorder) SessionExpired()                    { r.add("expired") }
func (r *recorder) StorageFailed(error)                { r.add("storage-failed") }
func (r *recorder) LoggedIn(p map[string]any)          { r.add("login:" + tui.DisplayName(p)) }
func (r *recorder) LoggedOut()                         { r.add("logout") }
func (r *recorder) Profile(p map[string]any)           { r.add("profile:" + tui.DisplayName(p)) }
func (r *recorder) Fatal(text string)                  { r.add("fatal:" + text) }
func (r *recorder) Documents(docs []scanapi.Document) {
	r.mu.Lock()
	r.docs = docs
	r.mu.Unlock()
	r.add("documents")
}

func testConfig(t *testing.T, serverURL string) *config {
	t.Helper()
	return &config{
		ServerURL:      serverURL,
		CredentialFile: filepath.Join(t.TempDir(), "credentials.json"),
		Backend:        backendFile,
		RequestTimeout: 5 * time.Second,
		LogLevel:       slog.LevelError,
	}
}

func invoke(t *testing.T, cfg *config, d tui.Displayer, args ...string) error {
	t.Helper()
	inv, err := parseInvocation(args, nil, nil)
	if err != nil {
		t.Fatalf("parseInvocation(%q): %v", args, err)
	}
	return run(cfg, inv, d, slog.New(slog.DiscardHandler))
}

func TestGetConfig(t *testing.T) {
	t.Setenv("SCAN_TEST_VALUE", "from-env")

	if got := getConfig("from-flag", "SCAN_TEST_VALUE", "default"); got != "from-flag" {
		t.Errorf("flag should win, got %q", got)
	}
	if got := getConfig("", "SCAN_TEST_VALUE", "default"); got != "from-env" {
		t.Errorf("env should win over default, got %q", got)
	}
	if got := getConfig("", "SCAN_TEST_UNSET", "default"); got != "default" {
		t.Errorf("default expected, got %q", got)
	}
}

func TestValidateServerURL(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"http://localhost:8000", false},
		{"https://scanner.example.com", false},
		{"", true},
		{"ftp://example.com", true},
		{"http://", true},
		{"localhost:8000", true},
	}

	for _, tt := range tests {
		err := validateServerURL(tt.url)
		if (err != nil) != tt.wantErr {
			t.Errorf("validateServerURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
		}
	}
}

func TestParseSettings(t *testing.T) {
	if d, err := parseTimeout("15s"); err != nil || d != 15*time.Second {
		t.Errorf("parseTimeout(15s) = %v, %v", d, err)
	}
	for _, bad := range []string{"0s", "-1s", "soon"} {
		if _, err := parseTimeout(bad); err == nil {
			t.Errorf("parseTimeout(%q) should fail", bad)
		}
	}

	if n, err := parseRetries("3"); err != nil || n != 3 {
		t.Errorf("parseRetries(3) = %d, %v", n, err)
	}
	for _, bad := range []string{"-1", "11", "x"} {
		if _, err := parseRetries(bad); err == nil {
			t.Errorf("parseRetries(%q) should fail", bad)
		}
	}

	if l, err := parseLogLevel("debug"); err != nil || l != slog.LevelDebug {
		t.Errorf("parseLogLevel(debug) = %v, %v", l, err)
	}
	if _, err := parseLogLevel("loud"); err == nil {
		t.Error("parseLogLevel(loud) should fail")
	}
}

func TestParseFields(t *testing.T) {
	fields, err := parseFields([]string{"company=acme", "note=a=b"})
	if err != nil {
		t.Fatal(err)
	}
	if fields["company"] != "acme" || fields["note"] != "a=b" {
		t.Errorf("unexpected fields: %v", fields)
	}

	if _, err := parseFields([]string{"novalue"}); err == nil {
		t.Error("expected error for argument without '='")
	}
	if _, err := parseFields([]string{"=x"}); err == nil {
		t.Error("expected error for empty field name")
	}
}

func TestReadSecrets(t *testing.T) {
	t.Setenv("SCAN_OLD_PASSWORD", "")
	t.Setenv("SCAN_NEW_PASSWORD", "from-env")

	var prompts strings.Builder
	got, err := readSecrets(
		strings.NewReader("typed-old\r\nignored\n"),
		&prompts,
		[]secret{secretOldPassword, secretNewPassword},
	)
	if err != nil {
		t.Fatal(err)
	}
	if got[0] != "typed-old" || got[1] != "from-env" {
		t.Errorf("got %q", got)
	}
	if prompts.String() != "Current password: " {
		t.Errorf("unexpected prompts %q", prompts.String())
	}

	t.Setenv("SCAN_PASSWORD", "")
	if _, err := readSecrets(strings.NewReader(""), &prompts, []secret{secretPassword}); err == nil {
		t.Error("expected error when no password is available")
	}
}

func TestParseInvocation(t *testing.T) {
	t.Setenv("SCAN_PASSWORD", "pw")

	inv, err := parseInvocation([]string{"login", testEmail}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if inv.cmd.name != "login" || inv.args[0] != testEmail || inv.secrets[0] != "pw" {
		t.Errorf("unexpected invocation %+v", inv)
	}

	for _, args := range [][]string{
		nil,
		{"fly"},
		{"login"},
		{"login", "a", "b"},
		{"logout", "now"},
		{"register", testEmail},
	} {
		if _, err := parseInvocation(args, nil, nil); err == nil {
			t.Errorf("parseInvocation(%q) should fail", args)
		}
	}

	// Secrets piped on stdin.
	t.Setenv("SCAN_PASSWORD", "")
	stdin := filepath.Join(t.TempDir(), "stdin")
	if err := os.WriteFile(stdin, []byte("piped\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	f, err := os.Open(stdin)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	inv, err = parseInvocation([]string{"login", testEmail}, f, os.Stderr)
	if err != nil {
		t.Fatal(err)
	}
	if inv.secrets[0] != "piped" {
		t.Errorf("secret = %q, want piped", inv.secrets[0])
	}
}

func TestRun_SessionAcrossInvocations(t *testing.T) {
	api := apitest.New(t)
	api.AddUser(testEmail, testPassword, map[string]any{"username": "a"})
	api.AddDocument(testEmail, "report.pdf", 2)
	cfg := testConfig(t, api.URL)
	t.Setenv("SCAN_PASSWORD", testPassword)

	d := &recorder{}
	if err := invoke(t, cfg, d, "login", testEmail); err != nil {
		t.Fatalf("login: %v", err)
	}
	if !d.has("login:a") {
		t.Errorf("missing login event: %v", d.events)
	}

	// A new process restores the session from the file.
	d = &recorder{}
	if err := invoke(t, cfg, d, "whoami"); err != nil {
		t.Fatalf("whoami: %v", err)
	}
	if !d.has("profile:a") {
		t.Errorf("missing profile event: %v", d.events)
	}

	api.ExpireAccessTokens()
	d = &recorder{}
	if err := invoke(t, cfg, d, "documents"); err != nil {
		t.Fatalf("documents: %v", err)
	}
	for _, e := range []string{"restored:a", "rejected:/documents/", "refreshing", "refreshed", "documents"} {
		if !d.has(e) {
			t.Errorf("missing %q in %v", e, d.events)
		}
	}
	if len(d.docs) != 1 || d.docs[0].Filename != "report.pdf" {
		t.Errorf("unexpected documents %+v", d.docs)
	}
	if api.RefreshCalls() != 1 {
		t.Errorf("refresh calls = %d, want 1", api.RefreshCalls())
	}

	// The renewed token was persisted: no second refresh.
	if err := invoke(t, cfg, &recorder{}, "stats"); err != nil {
		t.Fatalf("stats: %v", err)
	}
	if api.RefreshCalls() != 1 {
		t.Errorf("refresh calls = %d, want 1", api.RefreshCalls())
	}

	d = &recorder{}
	if err := invoke(t, cfg, d, "logout"); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if err := invoke(t, cfg, &recorder{}, "whoami"); !errors.Is(err, errNotSignedIn) {
		t.Errorf("whoami after logout: %v", err)
	}
}

func TestRun_SessionExpired(t *testing.T) {
	api := apitest.New(t)
	api.AddUser(testEmail, testPassword, map[string]any{"username": "a"})
	cfg := testConfig(t, api.URL)
	t.Setenv("SCAN_PASSWORD", testPassword)

	if err := invoke(t, cfg, &recorder{}, "login", testEmail); err != nil {
		t.Fatalf("login: %v", err)
	}

	api.ExpireAccessTokens()
	api.FailRefresh(401)
	d := &recorder{}
	err := invoke(t, cfg, d, "profile")
	if !session.IsSessionExpired(err) {
		t.Fatalf("profile error = %v, want session expired", err)
	}
	if !d.has("expired") || !d.has("fatal:Your session has expired. Please sign in again.") {
		t.Errorf("unexpected events %v", d.events)
	}

	d = &recorder{}
	_ = invoke(t, cfg, d, "stats")
	if !d.has("anonymous") {
		t.Errorf("session should be gone from the file: %v", d.events)
	}
}

func TestRun_LoginRejected(t *testing.T) {
	api := apitest.New(t)
	api.AddUser(testEmail, testPassword, nil)
	cfg := testConfig(t, api.URL)
	t.Setenv("SCAN_PASSWORD", "wrong")

	d := &recorder{}
	if err := invoke(t, cfg, d, "login", testEmail); err == nil {
		t.Fatal("expected login to fail")
	}
	if !d.has("fatal:No active account found with the given credentials") {
		t.Errorf("unexpected events %v", d.events)
	}
	if _, err := os.Stat(cfg.CredentialFile); !os.IsNotExist(err) {
		t.Errorf("no credential file expected, stat err = %v", err)
	}
}

func TestRun_SealedFileBackend(t *testing.T) {
	api := apitest.New(t)
	api.AddUser(testEmail, testPassword, map[string]any{"username": "sealed-user"})
	cfg := testConfig(t, api.URL)
	cfg.SealKey = "correct horse battery staple"
	t.Setenv("SCAN_PASSWORD", testPassword)

	if err := invoke(t, cfg, &recorder{}, "login", testEmail); err != nil {
		t.Fatalf("login: %v", err)
	}
	raw, ok, err := credstore.NewFileBackend(cfg.CredentialFile).Get(context.Background(), cfg.ServerURL)
	if err != nil || !ok {
		t.Fatalf("stored value: ok=%v err=%v", ok, err)
	}
	if strings.Contains(string(raw), "sealed-user") {
		t.Error("profile stored in plaintext")
	}

	d := &recorder{}
	if err := invoke(t, cfg, d, "whoami"); err != nil {
		t.Fatalf("whoami: %v", err)
	}

	// A different key cannot read the session.
	cfg.SealKey = "another key"
	d = &recorder{}
	if err := invoke(t, cfg, d, "whoami"); !errors.Is(err, errNotSignedIn) {
		t.Errorf("whoami with wrong key: %v", err)
	}
	if !d.has("storage-failed") {
		t.Errorf("unreadable store should be reported: %v", d.events)
	}
}

func TestRun_RedisBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	api := apitest.New(t)
	api.AddUser(testEmail, testPassword, map[string]any{"username": "a"})
	cfg := testConfig(t, api.URL)
	cfg.Backend = backendRedis
	cfg.RedisAddr = mr.Addr()
	t.Setenv("SCAN_PASSWORD", testPassword)

	if err := invoke(t, cfg, &recorder{}, "login", testEmail); err != nil {
		t.Fatalf("login: %v", err)
	}
	if len(mr.Keys()) != 1 {
		t.Errorf("redis keys = %v, want one session", mr.Keys())
	}
	if err := invoke(t, cfg, &recorder{}, "profile", "company=acme"); err != nil {
		t.Fatalf("profile update: %v", err)
	}
	if got := api.Profile(testEmail)["company"]; got != "acme" {
		t.Errorf("server profile company = %v", got)
	}
}

func TestRun_RedisUnavailable(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Backend = backendRedis
	cfg.RedisAddr = "127.0.0.1:1"

	d := &recorder{}
	err := invoke(t, cfg, d, "whoami")
	if err == nil {
		t.Fatal("expected connection error")
	}
	if !d.has("fatal:Could not access saved credentials. Please try again.") {
		t.Errorf("unexpected events %v", d.events)
	}
}

func TestRun_Detect(t *testing.T) {
	api := apitest.New(t)
	api.AddUser(testEmail, testPassword, nil)
	cfg := testConfig(t, api.URL)
	cfg.Backend = backendMemory
	t.Setenv("SCAN_PASSWORD", testPassword)

	// A memory session does not outlive one invocation.
	if err := invoke(t, cfg, &recorder{}, "login", testEmail); err != nil {
		t.Fatalf("login: %v", err)
	}
	file := filepath.Join(t.TempDir(), "leak.txt")
	if err := os.WriteFile(file, []byte("contact: x@example.com\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	err := invoke(t, cfg, &recorder{}, "detect", file)
	if !session.IsSessionExpired(err) {
		t.Errorf("detect without session: %v", err)
	}
	if api.Hits("POST /detect/") != 1 {
		t.Errorf("detect hits = %d, want 1", api.Hits("POST /detect/"))
	}

	if err := invoke(t, cfg, &recorder{}, "detect", filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestRun_Interrupted(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	inv := &invocation{cmd: &command{
		name: "wait",
		run: func(context.Context, *app, tui.Displayer, *invocation) error {
			return context.Canceled
		},
	}}
	d := &recorder{}
	if err := run(cfg, inv, d, slog.New(slog.DiscardHandler)); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if !d.has("fatal:Interrupted.") {
		t.Errorf("unexpected events %v", d.events)
	}
}
