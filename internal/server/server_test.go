package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"timelock/internal/config"
	"timelock/internal/db"
	"timelock/internal/engine"
	"timelock/internal/engine/auth"
	"timelock/internal/migrate"
)

type testServer struct {
	URL    string
	Engine *engine.Engine
	Clock  *time.Time
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

var serverBaseTime = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("timelock")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	clock := serverBaseTime
	e.Now = func() time.Time { return clock }
	seedRoles(t, e, "alice", auth.RoleProposer, auth.RoleExecutor, auth.RoleAdmin)
	seedRoles(t, e, "resq", auth.RoleEmergency)
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: "test-secret", AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		Clock:  &clock,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(testSrv.Close)
	return testSrv
}

func seedRoles(t *testing.T, e *engine.Engine, actorID string, roles ...string) {
	t.Helper()
	ctx := context.Background()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	now := serverBaseTime.UTC().Format(time.RFC3339)
	if err := e.Repo.EnsureActor(ctx, tx, actorID, now); err != nil {
		t.Fatalf("ensure actor: %v", err)
	}
	for _, role := range roles {
		if err := e.Repo.AssignRole(ctx, tx, actorID, role); err != nil {
			t.Fatalf("assign role: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func asAlice() map[string]string {
	return map[string]string{"X-Actor-Id": "alice"}
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, data)
	}
	return envelope.Error.Code
}

func TestQueueExecuteLifecycle(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	var gotBody []byte
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.Write([]byte("target-ok"))
	}))
	defer target.Close()

	descriptor := map[string]any{
		"target":      target.URL,
		"value":       3,
		"signature":   "pause()",
		"window_from": serverBaseTime.Unix() + 100,
		"window_to":   serverBaseTime.Unix() + 200,
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/commands", descriptor, asAlice())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("queue status %d: %s", res.StatusCode, data)
	}
	var queued CommandResponse
	if err := json.Unmarshal(data, &queued); err != nil {
		t.Fatalf("unmarshal command: %v", err)
	}
	if queued.Status != "queued" || queued.ID == "" {
		t.Fatalf("queued = %+v", queued)
	}

	// queueing the same descriptor again conflicts
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/commands", descriptor, asAlice())
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "already_queued" {
		t.Fatalf("duplicate queue status %d: %s", res.StatusCode, data)
	}

	// too early
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/commands/execute", descriptor, asAlice())
	if res.StatusCode != http.StatusUnprocessableEntity || errorCode(t, data) != "not_yet_ready" {
		t.Fatalf("early execute status %d: %s", res.StatusCode, data)
	}

	*srv.Clock = srv.Clock.Add(150 * time.Second)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/commands/execute", descriptor, asAlice())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("execute status %d: %s", res.StatusCode, data)
	}
	var executed ExecuteResponse
	if err := json.Unmarshal(data, &executed); err != nil {
		t.Fatalf("unmarshal execute: %v", err)
	}
	if executed.Command.Status != "executed" {
		t.Fatalf("executed = %+v", executed.Command)
	}
	if string(executed.Result) != "target-ok" {
		t.Fatalf("result = %q", executed.Result)
	}
	if len(gotBody) == 0 {
		t.Fatalf("target never received the selector payload")
	}

	// double execute conflicts
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/commands/execute", descriptor, asAlice())
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "already_executed" {
		t.Fatalf("double execute status %d: %s", res.StatusCode, data)
	}

	// listing shows the executed command
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/commands?status=executed", nil, asAlice())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, data)
	}
	var page paginatedCommands
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].ID != queued.ID {
		t.Fatalf("list = %+v", page)
	}
}

func TestCancelEndpoint(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	descriptor := map[string]any{
		"target":      "https://example.com/vault",
		"window_from": serverBaseTime.Unix() + 100,
		"window_to":   serverBaseTime.Unix() + 200,
	}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/commands", descriptor, asAlice())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("queue status %d: %s", res.StatusCode, data)
	}
	var queued CommandResponse
	_ = json.Unmarshal(data, &queued)

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/commands/"+queued.ID, nil, asAlice())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("cancel status %d: %s", res.StatusCode, data)
	}
	var cancelled CommandResponse
	_ = json.Unmarshal(data, &cancelled)
	if cancelled.Status != "unqueued" {
		t.Fatalf("cancelled = %+v", cancelled)
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/commands/"+queued.ID, nil, asAlice())
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "not_queued" {
		t.Fatalf("double cancel status %d: %s", res.StatusCode, data)
	}
}

func TestInvalidWindowRejected(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	descriptor := map[string]any{
		"target":      "https://example.com/vault",
		"window_from": serverBaseTime.Unix() - 10,
		"window_to":   serverBaseTime.Unix() + 200,
	}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/commands", descriptor, asAlice())
	if res.StatusCode != http.StatusBadRequest || errorCode(t, data) != "invalid_window" {
		t.Fatalf("invalid window status %d: %s", res.StatusCode, data)
	}
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/commands", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status %d", res.StatusCode)
	}

	// health stays open
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
}

func TestRoleForbidden(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	descriptor := map[string]any{
		"target":      "https://example.com/vault",
		"window_from": serverBaseTime.Unix() + 100,
		"window_to":   serverBaseTime.Unix() + 200,
	}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/commands", descriptor, map[string]string{"X-Actor-Id": "mallory"})
	if res.StatusCode != http.StatusForbidden || errorCode(t, data) != "forbidden" {
		t.Fatalf("forbidden status %d: %s", res.StatusCode, data)
	}
}

func TestDevLoginAndMe(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id": "alice",
		"roles":    []string{"proposer"},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, data)
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil || login.Token == "" {
		t.Fatalf("login = %s (%v)", data, err)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, data)
	}
	var me WhoAmIResponse
	_ = json.Unmarshal(data, &me)
	if me.ActorID != "alice" || me.Source != "jwt" {
		t.Fatalf("me = %+v", me)
	}
}

func TestEmergencyEndpoints(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/emergency/execute", map[string]any{
		"target":    "https://example.com/vault",
		"signature": "pause()",
	}, map[string]string{"X-Actor-Id": "resq"})
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "not_registered" {
		t.Fatalf("unregistered emergency status %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodGet,
		srv.URL+"/v0/emergency/registered?target=https%3A%2F%2Fexample.com%2Fvault&signature=pause()", nil, asAlice())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("registered check status %d: %s", res.StatusCode, data)
	}
	var check EmergencyRegisteredResponse
	_ = json.Unmarshal(data, &check)
	if check.Registered {
		t.Fatalf("check = %+v", check)
	}
}

func TestRoleAdminEndpoints(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/roles/grant", map[string]any{
		"actor_id": "bob",
		"role_id":  "executor",
	}, asAlice())
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("grant status %d: %s", res.StatusCode, data)
	}

	// non-admin cannot grant
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/roles/grant", map[string]any{
		"actor_id": "eve",
		"role_id":  "executor",
	}, map[string]string{"X-Actor-Id": "bob"})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("non-admin grant status %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/roles?role_id=executor", nil, asAlice())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list roles status %d: %s", res.StatusCode, data)
	}
	var grants []RoleGrantResponse
	if err := json.Unmarshal(data, &grants); err != nil {
		t.Fatalf("unmarshal grants: %v", err)
	}
	found := false
	for _, g := range grants {
		if g.ActorID == "bob" && g.RoleID == "executor" {
			found = true
		}
	}
	if !found {
		t.Fatalf("grant for bob missing: %+v", grants)
	}
}
