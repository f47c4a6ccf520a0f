package webserver_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zsprackett/pi-control/internal/db"
	"github.com/zsprackett/pi-control/internal/events"
	"github.com/zsprackett/pi-control/internal/relay"
	"github.com/zsprackett/pi-control/internal/webserver"
)

const (
	secret    = "s3cret"
	jwtSecret = "test-jwt-secret"
)

type testEnv struct {
	srv   *webserver.Server
	relay *relay.Relay
	store *db.DB
}

func newTestEnv(t *testing.T, cfg webserver.Config) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := db.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Migrate(); err != nil {
		t.Fatal(err)
	}

	auth := relay.NewAuthenticator(secret, "")
	rel := relay.New(relay.Options{
		Catalog: relay.DefaultCatalog(),
		Auth:    auth,
		Audit:   store,
	}, logger)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rel.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		store.Close()
	})

	if cfg.JWTSecret == "" {
		cfg.JWTSecret = jwtSecret
	}
	cfg.Host = "127.0.0.1"
	srv := webserver.New(rel, auth, store, cfg, logger)
	return &testEnv{srv: srv, relay: rel, store: store}
}

func (env *testEnv) get(t *testing.T, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(w, req)
	return w
}

func (env *testEnv) login(t *testing.T) string {
	t.Helper()
	req := httptest.NewRequest("POST", "/api/auth/login", strings.NewReader(`{"secret":"`+secret+`"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(w, req)
	if w.Code != 200 {
		t.Fatalf("login: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]any
	json.NewDecoder(w.Body).Decode(&resp)
	token, _ := resp["access_token"].(string)
	if token == "" {
		t.Fatal("expected access_token in response")
	}
	return token
}

func TestLoginEndpoint(t *testing.T) {
	env := newTestEnv(t, webserver.Config{TokenTTL: time.Hour})
	req := httptest.NewRequest("POST", "/api/auth/login", strings.NewReader(`{"secret":"s3cret"}`))
	w := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.ExpiresIn != 3600 {
		t.Errorf("expires_in: expected 3600, got %d", resp.ExpiresIn)
	}
	subject, err := webserver.ValidateAccessToken(jwtSecret, resp.AccessToken)
	if err != nil {
		t.Fatalf("issued token does not validate: %v", err)
	}
	if subject != "operator" {
		t.Errorf("expected operator, got %s", subject)
	}
}

func TestLoginEndpoint_WrongSecret(t *testing.T) {
	env := newTestEnv(t, webserver.Config{})
	req := httptest.NewRequest("POST", "/api/auth/login", strings.NewReader(`{"secret":"nope"}`))
	w := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(w, req)
	if w.Code != 401 {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestLoginEndpoint_BadBody(t *testing.T) {
	env := newTestEnv(t, webserver.Config{})
	req := httptest.NewRequest("POST", "/api/auth/login", strings.NewReader(`{`))
	w := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(w, req)
	if w.Code != 400 {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestAPIRequiresToken(t *testing.T) {
	env := newTestEnv(t, webserver.Config{})
	for _, path := range []string{"/api/state", "/api/catalog", "/api/audit"} {
		if w := env.get(t, path, ""); w.Code != 401 {
			t.Errorf("%s without token: expected 401, got %d", path, w.Code)
		}
		if w := env.get(t, path, "garbage"); w.Code != 401 {
			t.Errorf("%s with bad token: expected 401, got %d", path, w.Code)
		}
	}
}

func TestCatalogEndpoint_QueryToken(t *testing.T) {
	env := newTestEnv(t, webserver.Config{})
	token := env.login(t)

	w := env.get(t, "/api/catalog?token="+token, "")
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Tasks relay.Catalog `json:"tasks"`
	}
	json.NewDecoder(w.Body).Decode(&resp)
	if !resp.Tasks.Has("stepper") || !resp.Tasks.Has("cardboardCNCTest") {
		t.Errorf("catalog missing default tasks: %v", resp.Tasks.IDs())
	}
}

func TestStateEndpoint_Empty(t *testing.T) {
	env := newTestEnv(t, webserver.Config{})
	w := env.get(t, "/api/state", env.login(t))
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	// Empty lists must be arrays, not null.
	body := strings.TrimSpace(w.Body.String())
	want := `{"online":false,"currentTasks":[],"history":[]}`
	if body != want {
		t.Errorf("got %s, want %s", body, want)
	}
}

type nopPeer struct{ id string }

func (p nopPeer) ID() string        { return p.id }
func (p nopPeer) Send(events.Event) {}

func TestAuditEndpoint(t *testing.T) {
	env := newTestEnv(t, webserver.Config{})
	ctx := context.Background()
	p := nopPeer{id: "op"}
	env.relay.Connect(ctx, p)
	env.relay.Dispatch(ctx, p, events.New(events.Init, map[string]string{"secret": secret, "mode": "users"}))
	env.relay.Dispatch(ctx, p, events.New(events.Task, secret, "stepper", []string{}))
	// Snapshot is ordered after the dispatches above.
	if _, err := env.relay.Snapshot(ctx); err != nil {
		t.Fatal(err)
	}

	token := env.login(t)
	w := env.get(t, "/api/audit?limit=10", token)
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Events []db.AuditEvent `json:"events"`
	}
	json.NewDecoder(w.Body).Decode(&resp)
	var actions []string
	for _, e := range resp.Events {
		actions = append(actions, e.Action)
		if e.PeerID != "op" {
			t.Errorf("%s: expected peer op, got %q", e.Action, e.PeerID)
		}
	}
	if !slices.Contains(actions, "user.join") || !slices.Contains(actions, "task.start") {
		t.Errorf("unexpected actions %v", actions)
	}

	if w := env.get(t, "/api/audit?limit=zero", token); w.Code != 400 {
		t.Errorf("bad limit: expected 400, got %d", w.Code)
	}
}

func TestAuditEndpoint_LogsTokenSubject(t *testing.T) {
	var logs strings.Builder
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	store, err := db.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	if err := store.Migrate(); err != nil {
		t.Fatal(err)
	}
	auth := relay.NewAuthenticator(secret, "")
	rel := relay.New(relay.Options{Catalog: relay.DefaultCatalog(), Auth: auth}, logger)
	srv := webserver.New(rel, auth, store, webserver.Config{JWTSecret: jwtSecret}, logger)

	token, _ := webserver.IssueAccessToken(jwtSecret, "operator", time.Hour)
	req := httptest.NewRequest("GET", "/api/audit", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(logs.String(), "subject=operator") {
		t.Errorf("audit read not attributed to token subject: %q", logs.String())
	}
}

func TestAuditEndpoint_Disabled(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	auth := relay.NewAuthenticator(secret, "")
	rel := relay.New(relay.Options{Catalog: relay.DefaultCatalog(), Auth: auth}, logger)
	srv := webserver.New(rel, auth, nil, webserver.Config{JWTSecret: jwtSecret}, logger)

	token, _ := webserver.IssueAccessToken(jwtSecret, "operator", time.Hour)
	req := httptest.NewRequest("GET", "/api/audit", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != 404 {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, webserver.Config{})
	w := env.get(t, "/healthz", "")
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp map[string]any
	json.NewDecoder(w.Body).Decode(&resp)
	if resp["status"] != "ok" || resp["deviceOnline"] != false {
		t.Errorf("unexpected health %v", resp)
	}
}

func TestStaticIndex(t *testing.T) {
	env := newTestEnv(t, webserver.Config{})
	w := env.get(t, "/", "")
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "<title>pi-control</title>") {
		t.Error("expected dashboard page")
	}
}

// wsClient is a test socket that reads events with a deadline.
type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dial(t *testing.T, ts *httptest.Server) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) emit(name string, args ...any) {
	c.t.Helper()
	if err := c.conn.WriteJSON(events.New(name, args...)); err != nil {
		c.t.Fatalf("write %s: %v", name, err)
	}
}

// next returns the first event called name, skipping anything else.
func (c *wsClient) next(name string) events.Event {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var e events.Event
		if err := c.conn.ReadJSON(&e); err != nil {
			c.t.Fatalf("waiting for %s: %v", name, err)
		}
		if e.Name == name {
			return e
		}
	}
}

func arg[T any](t *testing.T, e events.Event, i int) T {
	t.Helper()
	var v T
	if err := e.Arg(i, &v); err != nil {
		t.Fatalf("decode %s arg %d: %v", e.Name, i, err)
	}
	return v
}

type initPayload struct {
	CurrentTasks []string      `json:"currentTasks"`
	History      []relay.Entry `json:"history"`
}

type taskOrder struct {
	Name string          `json:"name"`
	Kill json.RawMessage `json:"kill"`
	Args []string        `json:"args"`
}

func TestSocket_SessionFlow(t *testing.T) {
	env := newTestEnv(t, webserver.Config{})
	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	user := dial(t, ts)
	if arg[bool](t, user.next(events.Initialized), 0) {
		t.Fatal("device should start offline")
	}
	user.emit(events.Init, map[string]string{"secret": secret, "mode": "users"})
	joined := arg[initPayload](t, user.next(events.Init), 0)
	if joined.CurrentTasks == nil || joined.History == nil || len(joined.CurrentTasks) != 0 {
		t.Fatalf("unexpected initial state %+v", joined)
	}

	device := dial(t, ts)
	device.next(events.Initialized)
	device.emit(events.Init, map[string]string{"secret": secret, "mode": "pi"})
	if !arg[bool](t, user.next(events.Initialized), 0) {
		t.Fatal("expected device online")
	}

	user.emit(events.Task, secret, "stepper", []string{"buildArduino"})
	order := arg[taskOrder](t, device.next(events.Task), 0)
	if order.Name != "stepper" || string(order.Kill) != "false" || !slices.Equal(order.Args, []string{"buildArduino"}) {
		t.Errorf("unexpected order %+v kill=%s", order, order.Kill)
	}
	if got := arg[[]string](t, user.next(events.Tasks), 0); !slices.Equal(got, []string{"stepper"}) {
		t.Errorf("users saw tasks %v", got)
	}

	user.emit(events.Terminal, secret, ";;ls")
	if got := arg[string](t, device.next(events.Command), 0); got != "ls\n" {
		t.Errorf("device command %q", got)
	}
	if got := arg[string](t, user.next(events.Command), 0); got != "ls" {
		t.Errorf("user command %q", got)
	}

	device.emit(events.Output, "file.txt")
	if got := arg[string](t, user.next(events.Output), 0); got != "file.txt" {
		t.Errorf("user output %q", got)
	}

	device.conn.Close()
	if arg[bool](t, user.next(events.Initialized), 0) {
		t.Error("expected device offline after disconnect")
	}
	reset := arg[initPayload](t, user.next(events.Init), 0)
	if len(reset.CurrentTasks) != 0 || len(reset.History) != 0 {
		t.Errorf("state not reset: %+v", reset)
	}
}

func TestSocket_WrongSecretDenied(t *testing.T) {
	env := newTestEnv(t, webserver.Config{})
	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	c := dial(t, ts)
	c.emit(events.Init, map[string]string{"secret": "wrong", "mode": "users"})
	if got := arg[string](t, c.next(events.Init), 0); got != "denied" {
		t.Errorf("expected denied, got %q", got)
	}
}

func TestSocket_OriginCheck(t *testing.T) {
	env := newTestEnv(t, webserver.Config{AllowedOrigins: []string{"https://pi.example"}})
	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example"}})
	if err == nil {
		t.Fatal("expected handshake to fail for foreign origin")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403, got %v", resp)
	}

	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://pi.example"}})
	if err != nil {
		t.Fatalf("allowed origin rejected: %v", err)
	}
	conn.Close()
}
