package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/crypto/bcrypt"

	"github.com/rhuss/plume/pkg/api"
	"github.com/rhuss/plume/pkg/auth"
	"github.com/rhuss/plume/pkg/auth/local"
	"github.com/rhuss/plume/pkg/config"
	"github.com/rhuss/plume/pkg/events"
	"github.com/rhuss/plume/pkg/observability"
	"github.com/rhuss/plume/pkg/service"
)

const (
	adminEmail    = "admin@feathersjs.com"
	adminPassword = "admin"
)

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Auth.Secret = "test-secret-0123456789"
	cfg.Auth.Local.HashCost = bcrypt.MinCost
	return &cfg
}

func startApp(t *testing.T, cfg *config.Config) (*App, *httptest.Server) {
	t.Helper()
	a, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(func() {
		srv.Close()
		a.Close()
	})
	return a, srv
}

func do(t *testing.T, method, url, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, r)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

// login authenticates with the local strategy and returns the access token.
func login(t *testing.T, base, email, password string) string {
	t.Helper()
	resp, body := do(t, http.MethodPost, base+"/authentication", "", map[string]any{
		"strategy": "local",
		"email":    email,
		"password": password,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("login status = %d, body = %s", resp.StatusCode, body)
	}
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	token, _ := out["accessToken"].(string)
	if token == "" {
		t.Fatalf("no access token in %s", body)
	}
	return token
}

func TestDefaultUserIsStoredHashed(t *testing.T) {
	a, _ := startApp(t, testConfig())

	hc := service.NewContext("users", service.Find)
	hc.Params.Query = api.Query{"email": adminEmail}
	auth.SetPrincipal(hc, &auth.Principal{Subject: "test"})
	result, err := a.Engine().Call(context.Background(), hc)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	users := result.([]api.Record)
	if len(users) != 1 {
		t.Fatalf("found %d users, want 1", len(users))
	}
	stored, _ := users[0]["password"].(string)
	if stored == adminPassword {
		t.Fatal("password stored in plaintext")
	}
	if err := local.VerifyPassword(stored, adminPassword); err != nil {
		t.Errorf("stored hash does not verify: %v", err)
	}
	if err := local.VerifyPassword(stored, "wrong"); err == nil {
		t.Error("stored hash verifies a wrong password")
	}
}

func TestInvalidTokenFallsThroughToCredentials(t *testing.T) {
	_, srv := startApp(t, testConfig())

	before := testutil.ToFloat64(observability.AuthAttemptsTotal.WithLabelValues("jwt", "no"))

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/authentication",
		strings.NewReader(`{"email":"`+adminEmail+`","password":"`+adminPassword+`"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer not.a.token")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	var out struct {
		AccessToken    string         `json:"accessToken"`
		Authentication map[string]any `json:"authentication"`
		User           map[string]any `json:"user"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Authentication["strategy"] != "local" {
		t.Errorf("strategy = %v, want local", out.Authentication["strategy"])
	}
	if out.User["email"] != adminEmail {
		t.Errorf("user = %v", out.User)
	}
	if _, ok := out.User["password"]; ok {
		t.Error("password returned with the authenticated user")
	}
	if got := testutil.ToFloat64(observability.AuthAttemptsTotal.WithLabelValues("jwt", "no")); got != before+1 {
		t.Errorf("jwt rejections = %v, want %v", got, before+1)
	}
}

func TestBadCredentialsAreGeneric(t *testing.T) {
	_, srv := startApp(t, testConfig())

	for _, body := range []map[string]any{
		{"strategy": "local", "email": adminEmail, "password": "wrong"},
		{"strategy": "local", "email": "nobody@example.com", "password": "admin"},
	} {
		resp, data := do(t, http.MethodPost, srv.URL+"/authentication", "", body)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", resp.StatusCode)
		}
		var e api.ErrorResponse
		json.Unmarshal(data, &e)
		if e.Error == nil || e.Error.Message != "authentication failed" {
			t.Errorf("error = %s, want generic message", data)
		}
	}
}

func TestUsersFindRequiresToken(t *testing.T) {
	_, srv := startApp(t, testConfig())

	resp, _ := do(t, http.MethodGet, srv.URL+"/users", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("find without token: status = %d, want 401", resp.StatusCode)
	}

	token := login(t, srv.URL, adminEmail, adminPassword)
	resp, body := do(t, http.MethodGet, srv.URL+"/users", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("find with token: status = %d, body = %s", resp.StatusCode, body)
	}
	var users []map[string]any
	if err := json.Unmarshal(body, &users); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(users) != 1 {
		t.Fatalf("users = %v", users)
	}
	if _, ok := users[0]["password"]; ok {
		t.Error("password field returned over REST")
	}
}

func TestRegistrationHashesPassword(t *testing.T) {
	_, srv := startApp(t, testConfig())

	resp, body := do(t, http.MethodPost, srv.URL+"/users", "", map[string]any{
		"email":    "jane@example.com",
		"password": "s3cret",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	if bytes.Contains(body, []byte("s3cret")) || bytes.Contains(body, []byte(`"password"`)) {
		t.Errorf("create result exposes the password: %s", body)
	}

	login(t, srv.URL, "jane@example.com", "s3cret")

	resp, _ = do(t, http.MethodPost, srv.URL+"/users", "", map[string]any{
		"email":    "jane@example.com",
		"password": "other",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate email: status = %d, want 409", resp.StatusCode)
	}
}

func TestPatchRehashWhenConfigured(t *testing.T) {
	cfg := testConfig()
	cfg.Services.Users.HashPassword.Operations = []string{"create", "patch"}
	_, srv := startApp(t, cfg)

	resp, body := do(t, http.MethodPost, srv.URL+"/users", "", map[string]any{
		"email": "joe@example.com", "password": "first",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", resp.StatusCode, body)
	}
	var created map[string]any
	json.Unmarshal(body, &created)

	resp, body = do(t, http.MethodPatch, srv.URL+"/users/"+created["id"].(string), "", map[string]any{
		"password": "second",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch: %d %s", resp.StatusCode, body)
	}
	login(t, srv.URL, "joe@example.com", "second")
}

func TestLogoutRevokesToken(t *testing.T) {
	_, srv := startApp(t, testConfig())
	token := login(t, srv.URL, adminEmail, adminPassword)

	resp, body := do(t, http.MethodDelete, srv.URL+"/authentication/current", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("logout: status = %d, body = %s", resp.StatusCode, body)
	}

	resp, _ = do(t, http.MethodGet, srv.URL+"/users", token, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("revoked token: status = %d, want 401", resp.StatusCode)
	}

	resp, _ = do(t, http.MethodDelete, srv.URL+"/authentication/current", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("logout without token: status = %d, want 401", resp.StatusCode)
	}
}

func TestLogoutWithTokenAsID(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.JWT.Issuer = "https://auth.example.com/realms/plume"
	cfg.Auth.JWT.Audience = "plume-api"
	a, srv := startApp(t, cfg)

	perms := make([]string, 0, 20)
	for i := range 20 {
		perms = append(perms, fmt.Sprintf("service-%02d:read", i))
	}
	token, err := a.tokens.Issue(&auth.Principal{Subject: "admin", Permissions: perms})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if len(token) <= 256 {
		t.Fatalf("token length = %d, want a long token", len(token))
	}

	resp, body := do(t, http.MethodDelete, srv.URL+"/authentication/"+token, token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("logout: status = %d, body = %s", resp.StatusCode, body)
	}
	resp, _ = do(t, http.MethodGet, srv.URL+"/users", token, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("revoked token: status = %d, want 401", resp.StatusCode)
	}
}

func TestAuthenticationOnlyCreateAndRemove(t *testing.T) {
	_, srv := startApp(t, testConfig())

	resp, _ := do(t, http.MethodGet, srv.URL+"/authentication", "", nil)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("find on authentication: status = %d, want 405", resp.StatusCode)
	}
}

func TestCustomRoutes(t *testing.T) {
	_, srv := startApp(t, testConfig())
	token := login(t, srv.URL, adminEmail, adminPassword)

	tests := []struct {
		path   string
		token  string
		status int
		want   string
	}{
		{"/unprotected", "", http.StatusOK, `"text":"unprotected"`},
		{"/app", "", http.StatusOK, `"text":"welcome to dashboard"`},
		{"/login", "", http.StatusOK, `"success":false`},
		{"/protected", "", http.StatusUnauthorized, `"unauthenticated"`},
		{"/protected", token, http.StatusOK, `{"success":true}`},
		{"/nowhere", "", http.StatusNotFound, `"not_found"`},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, body := do(t, http.MethodGet, srv.URL+tt.path, tt.token, nil)
			if resp.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			if !strings.Contains(string(body), tt.want) {
				t.Errorf("body = %s, want containing %s", body, tt.want)
			}
		})
	}
}

func TestFormLoginRedirects(t *testing.T) {
	_, srv := startApp(t, testConfig())
	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}

	tests := []struct {
		password string
		location string
	}{
		{adminPassword, "/app"},
		{"wrong", "/login"},
	}
	for _, tt := range tests {
		form := url.Values{"email": {adminEmail}, "password": {tt.password}}
		resp, err := client.PostForm(srv.URL+"/login", form)
		if err != nil {
			t.Fatalf("POST /login: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusFound {
			t.Errorf("status = %d, want 302", resp.StatusCode)
		}
		if got := resp.Header.Get("Location"); got != tt.location {
			t.Errorf("password %q: Location = %q, want %q", tt.password, got, tt.location)
		}
	}
}

func TestHealthAndMetrics(t *testing.T) {
	_, srv := startApp(t, testConfig())

	resp, body := do(t, http.MethodGet, srv.URL+"/healthz", "", nil)
	if resp.StatusCode != http.StatusOK || string(body) != "ok\n" {
		t.Errorf("healthz = %d %q", resp.StatusCode, body)
	}

	resp, body = do(t, http.MethodGet, srv.URL+"/metrics", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "plume_pipeline_runs_total") {
		t.Error("metrics output lacks plume_pipeline_runs_total")
	}
}

func TestEndpointProtection(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.APIKeys = []config.APIKeyConfig{
		{Key: "writer-key", Subject: "writer", Permissions: []string{"messages:write"}},
		{Key: "reader-key", Subject: "reader", Permissions: []string{"messages:read"}},
	}
	cfg.Auth.Endpoints = []config.EndpointConfig{{
		Service:    "messages",
		Operations: []string{"create"},
		Strategies: []string{"jwt", "apikey"},
		Permission: "messages:write",
	}}
	_, srv := startApp(t, cfg)

	post := func(key string) int {
		req, _ := http.NewRequest(http.MethodPost, srv.URL+"/messages", strings.NewReader(`{"text":"hi"}`))
		req.Header.Set("Content-Type", "application/json")
		if key != "" {
			req.Header.Set("X-Api-Key", key)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("POST: %v", err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if got := post(""); got != http.StatusUnauthorized {
		t.Errorf("no key: status = %d, want 401", got)
	}
	if got := post("reader-key"); got != http.StatusForbidden {
		t.Errorf("reader key: status = %d, want 403", got)
	}
	if got := post("writer-key"); got != http.StatusCreated {
		t.Errorf("writer key: status = %d, want 201", got)
	}

	// The admin token carries "*" and passes the permission check.
	token := login(t, srv.URL, adminEmail, adminPassword)
	resp, _ := do(t, http.MethodPost, srv.URL+"/messages", token, map[string]any{"text": "from admin"})
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("admin token: status = %d, want 201", resp.StatusCode)
	}

	resp, body := do(t, http.MethodGet, srv.URL+"/messages", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("find: status = %d", resp.StatusCode)
	}
	var msgs []map[string]any
	json.Unmarshal(body, &msgs)
	if len(msgs) != 2 {
		t.Errorf("messages = %v, want 2", msgs)
	}
}

func TestAnonymousFallback(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.Anonymous = true
	cfg.Auth.Endpoints = []config.EndpointConfig{
		{Service: "notes", Operations: []string{"find"}},
		{Service: "notes", Operations: []string{"create"}, Permission: "notes:write"},
	}
	_, srv := startApp(t, cfg)

	resp, _ := do(t, http.MethodGet, srv.URL+"/notes", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("anonymous find: status = %d, want 200", resp.StatusCode)
	}
	resp, _ = do(t, http.MethodPost, srv.URL+"/notes", "", map[string]any{"text": "x"})
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("anonymous create: status = %d, want 403", resp.StatusCode)
	}
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.RateLimit = config.RateLimitConfig{Enabled: true, DefaultRPM: 2}
	cfg.Auth.Endpoints = []config.EndpointConfig{{Service: "notes", Operations: []string{"remove"}}}
	_, srv := startApp(t, cfg)

	for i := range 2 {
		resp, _ := do(t, http.MethodGet, srv.URL+"/notes", "", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d: status = %d", i+1, resp.StatusCode)
		}
	}
	resp, _ := do(t, http.MethodGet, srv.URL+"/notes", "", nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("third request: status = %d, want 429", resp.StatusCode)
	}
}

func TestSocketLoginKeepsToken(t *testing.T) {
	_, srv := startApp(t, testConfig())

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/socket", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	reply := func(id string) map[string]any {
		t.Helper()
		for {
			ws.SetReadDeadline(time.Now().Add(5 * time.Second))
			var m map[string]any
			if err := ws.ReadJSON(&m); err != nil {
				t.Fatalf("read: %v", err)
			}
			if m["id"] == id {
				return m
			}
		}
	}

	ws.WriteJSON(map[string]any{"id": "1", "method": "find", "path": "users"})
	if m := reply("1"); m["error"] == nil {
		t.Fatalf("find before login succeeded: %v", m)
	}

	ws.WriteJSON(map[string]any{
		"id": "2", "method": "create", "path": "authentication",
		"data": map[string]any{"strategy": "local", "email": adminEmail, "password": adminPassword},
	})
	if m := reply("2"); m["error"] != nil {
		t.Fatalf("login failed: %v", m["error"])
	}

	ws.WriteJSON(map[string]any{"id": "3", "method": "find", "path": "users"})
	m := reply("3")
	if m["error"] != nil {
		t.Fatalf("find after login: %v", m["error"])
	}
	users, _ := m["result"].([]any)
	if len(users) != 1 {
		t.Fatalf("result = %v", m["result"])
	}
	if _, ok := users[0].(map[string]any)["password"]; ok {
		t.Error("password field returned over the socket")
	}
}

func TestMCPOverHTTP(t *testing.T) {
	_, srv := startApp(t, testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "1.0.0"}, nil)
	session, err := client.Connect(ctx, &mcp.StreamableClientTransport{Endpoint: srv.URL + "/mcp"}, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer session.Close()

	tools, err := session.ListTools(ctx, nil)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	names := map[string]bool{}
	for _, tool := range tools.Tools {
		names[tool.Name] = true
	}
	for _, want := range []string{"users_find", "users_create", "authentication_create", "authentication_remove"} {
		if !names[want] {
			t.Errorf("tool %s missing from %v", want, names)
		}
	}
	if names["authentication_find"] {
		t.Error("unsupported operation exposed as a tool")
	}

	res, err := session.CallTool(ctx, &mcp.CallToolParams{Name: "users_find"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if !res.IsError {
		t.Error("users_find without token succeeded")
	}
}

func TestEventFilter(t *testing.T) {
	bus := events.NewBus(8, nil)
	defer bus.Close()
	ch, cancel := bus.Subscribe()
	defer cancel()

	f := eventFilter{next: bus, skip: "authentication", hidden: []string{"password"}}
	f.Publish(events.Event{Path: "authentication", Name: "created", Data: api.Record{"accessToken": "t"}})
	f.Publish(events.Event{Path: "users", Name: "created", Data: api.Record{"id": "1", "password": "hash"}})

	select {
	case ev := <-ch:
		if ev.Path != "users" {
			t.Fatalf("event path = %q, want users", ev.Path)
		}
		if _, ok := ev.Data.(api.Record)["password"]; ok {
			t.Error("password published in event")
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
	select {
	case ev := <-ch:
		t.Errorf("unexpected event %v", ev)
	default:
	}
}

func TestNewRejectsUnknownStrategy(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.Strategies = []string{"jwt", "oauth"}
	if _, err := New(context.Background(), cfg); err == nil {
		t.Fatal("New succeeded with an unknown strategy")
	}
}

func TestSeedKeepsExistingUser(t *testing.T) {
	a, _ := startApp(t, testConfig())
	if err := a.seedDefaultUser(context.Background()); err != nil {
		t.Errorf("second seed: %v", err)
	}
}
