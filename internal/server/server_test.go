package server

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"switchyard/internal/app"
	"switchyard/internal/config"
	"switchyard/internal/domain"
	"switchyard/internal/taskqueue"
	"switchyard/internal/worklog"
)

type testServer struct {
	URL    string
	App    *app.App
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, auth AuthConfig) (*testServer, func()) {
	t.Helper()
	cfg := config.Default(t.TempDir())
	cfg.Status.CacheTTL = 0
	a, err := app.Open(context.Background(), cfg, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("open app: %v", err)
	}
	handler, err := New(Config{App: a, BasePath: "/v0", Auth: auth})
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
		App:    a,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			a.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Accept", "application/json")
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

func seed(t *testing.T, a *app.App) domain.Task {
	t.Helper()
	ctx := context.Background()
	for _, w := range []string{"A", "B"} {
		if err := a.Router.Register(w); err != nil {
			t.Fatalf("register %s: %v", w, err)
		}
	}
	task, err := a.Tasks.Create(ctx, taskqueue.TaskCreateOptions{Title: "index docs", Priority: domain.PriorityHigh, EstimatedEffort: 2})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := a.Tasks.Distribute(ctx, task.ID, "A"); err != nil {
		t.Fatalf("distribute: %v", err)
	}
	msg, err := domain.NewMessage("A", "B", domain.PriorityMedium, domain.NotificationPayload{Subject: "hello"})
	if err != nil {
		t.Fatalf("new message: %v", err)
	}
	if _, err := a.Router.Send(ctx, msg); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := a.Locks.Acquire(ctx, "docs/index", "A", 0); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	for _, content := range []string{"started", "halfway"} {
		if _, err := a.WorkLog.Append(ctx, worklog.AppendOptions{TaskID: task.ID, Author: "A", Content: content}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	return task
}

func TestStatusSnapshotOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	seed(t, srv.App)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/status", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var snap StatusResponse
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if snap.Tasks["active"] != 1 || snap.Tasks["pending"] != 0 {
		t.Fatalf("unexpected task counts: %+v", snap.Tasks)
	}
	if len(snap.Locks) != 1 || snap.Locks[0].Resource != "docs/index" {
		t.Fatalf("unexpected locks: %+v", snap.Locks)
	}
	if len(snap.WorkLog) != 2 {
		t.Fatalf("expected 2 log entries, got %d", len(snap.WorkLog))
	}
	inbox := map[string]int{}
	for _, w := range snap.Workers {
		inbox[w.ID] = w.Inbox
	}
	if inbox["A"] != 1 || inbox["B"] != 1 {
		t.Fatalf("expected one message in each inbox, got %+v", inbox)
	}
}

func TestTaskAndLogEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	task := seed(t, srv.App)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/"+task.ID, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get task status %d: %s", res.StatusCode, string(data))
	}
	var got TaskResponse
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	if got.Status != "active" || got.Assignee != "A" || got.Priority != "high" {
		t.Fatalf("unexpected task: %+v", got)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks?status=active", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list tasks status %d: %s", res.StatusCode, string(data))
	}
	var listed []TaskResponse
	if err := json.Unmarshal(data, &listed); err != nil {
		t.Fatalf("unmarshal tasks: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != task.ID {
		t.Fatalf("unexpected task list: %+v", listed)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/"+task.ID+"/log", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("task log status %d: %s", res.StatusCode, string(data))
	}
	var entries []LogEntryResponse
	if err := json.Unmarshal(data, &entries); err != nil {
		t.Fatalf("unmarshal log: %v", err)
	}
	if len(entries) != 2 || entries[0].Seq != 1 || entries[1].Content != "halfway" {
		t.Fatalf("unexpected log: %+v", entries)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/"+task.ID+"/log/summary", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("summary status %d: %s", res.StatusCode, string(data))
	}
	var summary TaskSummaryResponse
	if err := json.Unmarshal(data, &summary); err != nil {
		t.Fatalf("unmarshal summary: %v", err)
	}
	if summary.LastProgress != "halfway" || summary.Entries != 2 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}

func TestErrorEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	seed(t, srv.App)
	client := srv.Client()

	cases := []struct {
		url    string
		status int
		code   string
	}{
		{"/v0/tasks/missing", http.StatusNotFound, "not_found"},
		{"/v0/workers/ghost/failures", http.StatusNotFound, "unknown_worker"},
		{"/v0/tasks?status=bogus", http.StatusBadRequest, "invalid_payload"},
		{"/v0/tasks/missing/log/summary", http.StatusNotFound, "not_found"},
	}
	for _, tc := range cases {
		res, data := doJSON(t, client, http.MethodGet, srv.URL+tc.url, nil)
		if res.StatusCode != tc.status {
			t.Fatalf("%s: expected %d, got %d: %s", tc.url, tc.status, res.StatusCode, string(data))
		}
		var envelope struct {
			Error apiErrorBody `json:"error"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			t.Fatalf("%s: unmarshal error: %v", tc.url, err)
		}
		if envelope.Error.Code != tc.code {
			t.Fatalf("%s: expected code %s, got %+v", tc.url, tc.code, envelope.Error)
		}
	}
}

func TestWorkerMessagesEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	seed(t, srv.App)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/workers/B/messages?state=inbox", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("messages status %d: %s", res.StatusCode, string(data))
	}
	var msgs []MessageResponse
	if err := json.Unmarshal(data, &msgs); err != nil {
		t.Fatalf("unmarshal messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].From != "A" || msgs[0].Type != "notification" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
}

func TestBearerAuth(t *testing.T) {
	const secret = "test-secret"
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: secret})
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should be open, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/status", nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/status", map[string]string{"Authorization": "Bearer not-a-jwt"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", res.StatusCode)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "dashboard",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", map[string]string{"Authorization": "Bearer " + signed})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var me map[string]any
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if me["subject"] != "dashboard" {
		t.Fatalf("unexpected principal: %+v", me)
	}
}
