package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/aicallyu/olympus/internal/agent"
	"github.com/aicallyu/olympus/internal/config"
	"github.com/aicallyu/olympus/internal/db"
	"github.com/aicallyu/olympus/internal/domain"
	"github.com/aicallyu/olympus/internal/engine"
	"github.com/aicallyu/olympus/internal/migrate"
	"github.com/aicallyu/olympus/internal/pipeline"
	"github.com/aicallyu/olympus/internal/runners"
	"github.com/aicallyu/olympus/internal/warroom"
)

type echoInvoker struct{}

func (echoInvoker) Invoke(ctx context.Context, a domain.Agent, req agent.Request) (agent.Reply, error) {
	return agent.Reply{Content: a.Name + " on it", Model: "fake-model", TokensUsed: 10}, nil
}

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
}

func newTestServer(t *testing.T, auth AuthConfig) *testServer {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("p1")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := engine.New(conn, cfg)
	e.Logger = logger
	dir := agent.Directory{Store: e.Repo}
	if err := dir.Seed(ctx, cfg.Agents); err != nil {
		t.Fatalf("seed agents: %v", err)
	}
	e.Agents = dir
	pass := runners.Func(func(ctx context.Context, req runners.Request) (runners.Result, error) {
		return runners.Result{Passed: true, Summary: "ok"}, nil
	})
	e.Runners[pipeline.GateBuild] = pass
	e.Runners[pipeline.GateDeploy] = pass
	e.Runners[pipeline.GatePerception] = pass

	router := warroom.NewRouter(e.Repo, dir, echoInvoker{}, "ZEUS")
	router.Events = e.Events
	router.Logger = logger
	orch := &warroom.Orchestrator{
		Store: e.Repo, Agents: dir, Invoker: echoInvoker{}, Events: e.Events, Moderator: "ATHENA",
		MaxDuration: time.Minute, ContextMessages: 10, TurnTimeout: 5 * time.Second, Logger: logger,
	}
	auth.Logger = logger
	handler, err := New(Config{Engine: e, Router: router, Discussions: orch, Auth: auth, Logger: logger})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testServer{URL: srv.URL + "/v1", Engine: e, client: srv.Client()}
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("decode %s: %v", string(data), err)
	}
	return v
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func expectError(t *testing.T, resp *http.Response, data []byte, status int, code string) {
	t.Helper()
	if resp.StatusCode != status {
		t.Fatalf("expected %d, got %d: %s", status, resp.StatusCode, string(data))
	}
	env := decode[errorEnvelope](t, data)
	if env.Error.Code != code {
		t.Fatalf("expected code %q, got %q (%s)", code, env.Error.Code, string(data))
	}
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t, AuthConfig{})

	resp, data := s.do(t, http.MethodPost, "/projects", map[string]any{"id": "p1", "live_url": "https://app.example"}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create project: %d %s", resp.StatusCode, string(data))
	}
	resp, data = s.do(t, http.MethodPost, "/projects", map[string]any{"id": "p1"}, nil)
	expectError(t, resp, data, http.StatusConflict, "duplicate")

	resp, data = s.do(t, http.MethodPost, "/projects/p1/tasks", map[string]any{
		"title":                     "Login page",
		"requires_human_checkpoint": true,
		"acceptance_criteria":       []map[string]any{{"description": "banner", "test_selector": "#banner"}},
	}, map[string]string{"X-Actor-Id": "operator"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create task: %d %s", resp.StatusCode, string(data))
	}
	task := decode[domain.Task](t, data)
	if task.Status != "inbox" || len(task.AcceptanceCriteria) != 1 {
		t.Fatalf("unexpected task %+v", task)
	}

	resp, data = s.do(t, http.MethodPost, "/tasks/"+task.ID+"/status", map[string]any{"status": "in_progress"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("set status: %d %s", resp.StatusCode, string(data))
	}
	resp, data = s.do(t, http.MethodPost, "/tasks/"+task.ID+"/submit", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("submit: %d %s", resp.StatusCode, string(data))
	}
	run := decode[GateRunResponse](t, data)
	if run.Gate != "build_check" || !run.Passed || run.TaskStatus != "deploy_check" || len(run.Chain) != 0 {
		t.Fatalf("submit should stop at deploy_check: %+v", run)
	}

	resp, data = s.do(t, http.MethodPost, "/deploy-events", map[string]any{"project_id": "p1", "commit": "abc123"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("deploy event: %d %s", resp.StatusCode, string(data))
	}
	deployed := decode[engine.DeployResult](t, data)
	if deployed.Status != "ok" || len(deployed.Triggered) != 1 || deployed.Triggered[0].TaskStatus != "human_checkpoint" {
		t.Fatalf("unexpected deploy result %+v", deployed)
	}

	resp, data = s.do(t, http.MethodGet, "/tasks/"+task.ID+"/verifications", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("verifications: %d %s", resp.StatusCode, string(data))
	}
	if recs := decode[VerificationList](t, data); len(recs.Items) != 3 {
		t.Fatalf("expected one record per automated gate, got %d", len(recs.Items))
	}

	resp, data = s.do(t, http.MethodPost, "/tasks/"+task.ID+"/checkpoint/approve", map[string]any{"notes": "ship it"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approve: %d %s", resp.StatusCode, string(data))
	}
	if done := decode[domain.Task](t, data); done.Status != "done" || done.CompletedAt == nil {
		t.Fatalf("approved task should be done: %+v", done)
	}

	resp, data = s.do(t, http.MethodPost, "/tasks/"+task.ID+"/checkpoint/approve", nil, nil)
	expectError(t, resp, data, http.StatusConflict, "invalid_transition")

	resp, data = s.do(t, http.MethodGet, "/events?project_id=p1&type=task.created", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", resp.StatusCode, string(data))
	}
	evts := decode[paginatedEvents](t, data)
	if len(evts.Items) != 1 || evts.Items[0].ActorID != "operator" {
		t.Fatalf("task.created should carry the header actor: %+v", evts.Items)
	}
}

func TestErrorEnvelope(t *testing.T) {
	s := newTestServer(t, AuthConfig{})

	resp, data := s.do(t, http.MethodGet, "/tasks/missing", nil, nil)
	expectError(t, resp, data, http.StatusNotFound, "not_found")

	resp, data = s.do(t, http.MethodPost, "/gates/run", map[string]any{"task_id": "x", "gate": "bogus"}, nil)
	expectError(t, resp, data, http.StatusBadRequest, "bad_request")

	resp, data = s.do(t, http.MethodPost, "/gates/run", map[string]any{"task_id": "missing", "gate": "build_check"}, nil)
	expectError(t, resp, data, http.StatusUnprocessableEntity, "configuration_error")

	resp, data = s.do(t, http.MethodGet, "/events?cursor=abc", nil, nil)
	expectError(t, resp, data, http.StatusBadRequest, "bad_request")
}

func TestBearerAuth(t *testing.T) {
	s := newTestServer(t, AuthConfig{JWTSecret: "s3cret"})

	resp, data := s.do(t, http.MethodGet, "/health", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health must stay public: %d %s", resp.StatusCode, string(data))
	}
	resp, data = s.do(t, http.MethodGet, "/projects", nil, nil)
	expectError(t, resp, data, http.StatusUnauthorized, "unauthorized")

	forged, err := IssueToken("other", "mallory", nil, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	resp, data = s.do(t, http.MethodGet, "/projects", nil, map[string]string{"Authorization": "Bearer " + forged})
	expectError(t, resp, data, http.StatusUnauthorized, "invalid_credentials")

	token, err := IssueToken("s3cret", "hera", []string{"operator"}, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	auth := map[string]string{"Authorization": "Bearer " + token, "X-Actor-Id": "ignored"}
	resp, data = s.do(t, http.MethodPost, "/projects", map[string]any{"id": "p2"}, auth)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create project: %d %s", resp.StatusCode, string(data))
	}
	resp, data = s.do(t, http.MethodGet, "/events?entity_kind=project&entity_id=p2", nil, auth)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", resp.StatusCode, string(data))
	}
	evts := decode[paginatedEvents](t, data)
	if len(evts.Items) != 1 || evts.Items[0].ActorID != "hera" {
		t.Fatalf("actor should come from the token subject: %+v", evts.Items)
	}
}

func TestWarRoomOverHTTP(t *testing.T) {
	s := newTestServer(t, AuthConfig{})

	resp, data := s.do(t, http.MethodPost, "/rooms", map[string]any{"id": "ops", "name": "Ops"}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create room: %d %s", resp.StatusCode, string(data))
	}
	if room := decode[domain.Room](t, data); room.RoutingMode != warroom.ModeMentioned {
		t.Fatalf("room should default to mentioned routing: %+v", room)
	}
	for _, name := range []string{"ATLAS", "HERMES", "operator"} {
		resp, data = s.do(t, http.MethodPost, "/rooms/ops/participants", map[string]any{"name": name}, nil)
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("add %s: %d %s", name, resp.StatusCode, string(data))
		}
	}
	resp, data = s.do(t, http.MethodPost, "/rooms/ops/participants", map[string]any{"name": "NOBODY"}, nil)
	expectError(t, resp, data, http.StatusBadRequest, "bad_request")

	resp, data = s.do(t, http.MethodPost, "/messages/route", map[string]any{
		"room_id": "ops", "content": "@atlas can you look at the build?",
	}, map[string]string{"X-Actor-Id": "operator"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("route: %d %s", resp.StatusCode, string(data))
	}
	res := decode[warroom.RouteResult](t, data)
	if res.Status != "ok" || len(res.Responded) != 1 || res.Responded[0] != "ATLAS" {
		t.Fatalf("unexpected route result %+v", res)
	}

	resp, data = s.do(t, http.MethodGet, "/rooms/ops/messages", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("messages: %d %s", resp.StatusCode, string(data))
	}
	msgs := decode[MessageList](t, data)
	if len(msgs.Items) != 2 || msgs.Items[0].SenderName != "operator" || msgs.Items[1].Content != "ATLAS on it" {
		t.Fatalf("unexpected messages %+v", msgs.Items)
	}

	resp, data = s.do(t, http.MethodPost, "/rooms/ops/hands", map[string]any{"name": "HERMES", "reason": "deploy is red"}, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("raise hand: %d %s", resp.StatusCode, string(data))
	}
	resp, data = s.do(t, http.MethodDelete, "/rooms/ops/hands", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("lower hands: %d %s", resp.StatusCode, string(data))
	}
	if lowered := decode[HandsLoweredResponse](t, data); lowered.Lowered != 1 {
		t.Fatalf("expected one lowered hand, got %+v", lowered)
	}

	resp, data = s.do(t, http.MethodPut, "/rooms/missing/routing-mode", map[string]any{"routing_mode": "all"}, nil)
	expectError(t, resp, data, http.StatusNotFound, "not_found")
}

func TestDiscussionOverHTTP(t *testing.T) {
	s := newTestServer(t, AuthConfig{})
	s.do(t, http.MethodPost, "/rooms", map[string]any{"id": "ops", "name": "Ops"}, nil)

	resp, data := s.do(t, http.MethodPost, "/discussions", map[string]any{
		"room_id": "ops", "topic": "Release plan", "agents": []string{"ATLAS", "HERMES"},
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("discussion: %d %s", resp.StatusCode, string(data))
	}
	res := decode[warroom.DiscussionResult](t, data)
	if res.Status != "completed" || len(res.Contributions) != 2 || res.Summary != "ATHENA on it" {
		t.Fatalf("unexpected discussion result %+v", res)
	}

	resp, data = s.do(t, http.MethodPost, "/discussions", map[string]any{"room_id": "ops", "agents": []string{"ATLAS"}}, nil)
	expectError(t, resp, data, http.StatusBadRequest, "bad_request")

	resp, data = s.do(t, http.MethodPost, "/discussions/"+res.DiscussionID+"/stop", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop: %d %s", resp.StatusCode, string(data))
	}
	if stop := decode[StopResponse](t, data); stop.Stopped {
		t.Fatalf("finished discussion cannot be stopped")
	}
}

func TestWebhookDelivery(t *testing.T) {
	var mu sync.Mutex
	var got []webhookEvent
	var headers []http.Header
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		_ = json.NewDecoder(r.Body).Decode(&evt)
		mu.Lock()
		got = append(got, evt)
		headers = append(headers, r.Header.Clone())
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	s := newTestServer(t, AuthConfig{})
	ctx := context.Background()
	s.Engine.Config.Webhooks = []config.WebhookConfig{{URL: hook.URL, Events: []string{"task.created"}, Secret: "shh"}}
	d := newWebhookDispatcher(s.Engine, nil)
	if d == nil {
		t.Fatalf("dispatcher should start with a configured hook")
	}
	if _, err := s.Engine.CreateProject(ctx, domain.Project{ID: "p1"}, "tester"); err != nil {
		t.Fatalf("create project: %v", err)
	}
	// Events older than the first poll are not replayed.
	d.dispatchAll(ctx)
	if _, err := s.Engine.CreateTask(ctx, engine.TaskCreateOptions{ProjectID: "p1", Title: "hooked", ActorID: "tester"}); err != nil {
		t.Fatalf("create task: %v", err)
	}
	d.dispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].Type != "task.created" || got[0].ProjectID != "p1" {
		t.Fatalf("expected one task.created delivery, got %+v", got)
	}
	if headers[0].Get("X-Olympus-Event") != "task.created" || headers[0].Get("X-Olympus-Secret") != "shh" {
		t.Fatalf("unexpected headers %v", headers[0])
	}
}
