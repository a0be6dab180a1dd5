package engine_test

import (
	"context"
	"errors"
	"strings"
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
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []domain.Notification
}

func (n *recordingNotifier) Dispatch(ctx context.Context, note domain.Notification) (domain.Notification, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, note)
	return note, nil
}

func (n *recordingNotifier) ofType(typ string) []domain.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var res []domain.Notification
	for _, note := range n.sent {
		if note.Type == typ {
			res = append(res, note)
		}
	}
	return res
}

// switchRunner passes or fails depending on a flag the test flips.
type switchRunner struct {
	mu    sync.Mutex
	pass  bool
	calls int
}

func (r *switchRunner) Run(ctx context.Context, req runners.Request) (runners.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.pass {
		return runners.Result{Passed: true, Summary: "ok"}, nil
	}
	return runners.Result{Summary: "npm run build exited 1", Details: map[string]any{"exit": 1}}, nil
}

func (r *switchRunner) set(pass bool) {
	r.mu.Lock()
	r.pass = pass
	r.mu.Unlock()
}

type testEnv struct {
	Engine  engine.Engine
	Ctx     context.Context
	Notes   *recordingNotifier
	Build   *switchRunner
	Deploy  *switchRunner
	Percept *switchRunner
}

func newTestEnv(t *testing.T, tweak ...func(*config.Config)) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("p1")
	for _, fn := range tweak {
		fn(cfg)
	}
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	dir := agent.Directory{Store: eng.Repo}
	if err := dir.Seed(ctx, cfg.Agents); err != nil {
		t.Fatalf("seed agents: %v", err)
	}
	eng.Agents = dir
	notes := &recordingNotifier{}
	eng.Notifier = notes
	env := testEnv{
		Engine: eng, Ctx: ctx, Notes: notes,
		Build: &switchRunner{pass: true}, Deploy: &switchRunner{pass: true}, Percept: &switchRunner{pass: true},
	}
	eng.Runners[pipeline.GateBuild] = env.Build
	eng.Runners[pipeline.GateDeploy] = env.Deploy
	eng.Runners[pipeline.GatePerception] = env.Percept

	if _, err := eng.CreateProject(ctx, domain.Project{ID: "p1", Name: "Olympus", LiveURL: "https://app.example"}, "tester"); err != nil {
		t.Fatalf("create project: %v", err)
	}
	return env
}

func (env testEnv) newTask(t *testing.T, human bool) domain.Task {
	t.Helper()
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID: "p1", Title: "Login page", HumanCheckpoint: &human, ActorID: "tester",
		AcceptanceCriteria: []domain.Criterion{{Description: "banner", TestSelector: "#banner", ExpectedResult: "#banner is visible"}},
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := env.Engine.UpdateTaskStatus(env.Ctx, task.ID, "in_progress", "tester"); err != nil {
		t.Fatalf("start task: %v", err)
	}
	return task
}

func (env testEnv) task(t *testing.T, id string) domain.Task {
	t.Helper()
	task, err := env.Engine.Repo.GetTask(env.Ctx, id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	return task
}

func (env testEnv) deploy(t *testing.T) engine.DeployResult {
	t.Helper()
	res, err := env.Engine.HandleDeployEvent(env.Ctx, engine.DeployEvent{ProjectID: "p1", Commit: "abc123"})
	if err != nil {
		t.Fatalf("deploy event: %v", err)
	}
	return res
}

func TestCreateTaskNormalizesCriteria(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID: "p1", Title: "t", Assignee: "@atlas",
		AcceptanceCriteria: []domain.Criterion{{Description: "copy"}, {TestSelector: "#x"}},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if task.Status != "assigned" || task.AssigneeID == nil || *task.AssigneeID != "ATLAS" {
		t.Fatalf("unexpected task %+v", task)
	}
	c := task.AcceptanceCriteria
	if c[0].ID != "ac-1" || c[0].Type != "manual" || c[1].Type != "perception" {
		t.Fatalf("criteria = %+v", c)
	}
	if !task.RequiresHumanCheckpoint {
		t.Fatalf("human checkpoint should default on")
	}
	_, err = env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID: "p1", Title: "t", AcceptanceCriteria: []domain.Criterion{{TestSelector: "#x", TestAction: "drag"}},
	})
	if !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("expected invalid input for unknown action, got %v", err)
	}
}

func TestLegacyBoardTransitions(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: "p1", Title: "board"})
	if err != nil {
		t.Fatal(err)
	}
	for _, to := range []string{"assigned", "in_progress", "review", "done"} {
		task, err = env.Engine.UpdateTaskStatus(env.Ctx, task.ID, to, "tester")
		if err != nil || task.Status != to {
			t.Fatalf("to %s: %v", to, err)
		}
	}
	if task.CompletedAt == nil {
		t.Fatalf("done task should carry completed_at")
	}
	other, _ := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: "p1", Title: "other"})
	if _, err := env.Engine.UpdateTaskStatus(env.Ctx, other.ID, "build_check", "tester"); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("gate status must not be reachable from the board, got %v", err)
	}
	if _, err := env.Engine.UpdateTaskStatus(env.Ctx, other.ID, "bogus", "tester"); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if got := env.task(t, other.ID); len(got.GateStatus) != 0 {
		t.Fatalf("board moves must not touch gate status: %+v", got.GateStatus)
	}
}

func TestBuildFailureRoutesToAutoFix(t *testing.T) {
	env := newTestEnv(t)
	env.Build.set(false)
	task := env.newTask(t, true)

	out, err := env.Engine.SubmitForVerification(env.Ctx, task.ID, "tester")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.Passed || out.Outcome != "fail" || out.Attempt != 1 || out.TaskStatus != "auto_fix" {
		t.Fatalf("unexpected outcome %+v", out)
	}
	got := env.task(t, task.ID)
	gs := got.GateStatus["build_check"]
	if got.Status != "auto_fix" || gs.Status != "failed" || gs.Attempts != 1 {
		t.Fatalf("task = %s gate = %+v", got.Status, gs)
	}
	warnings := env.Notes.ofType("warning")
	if len(warnings) != 1 || !strings.Contains(warnings[0].Message, "ATLAS") {
		t.Fatalf("warning should name the responsible agent: %+v", warnings)
	}
	recs, err := env.Engine.Repo.ListVerifications(env.Ctx, task.ID, "build_check")
	if err != nil || len(recs) != 1 {
		t.Fatalf("records = %v %v", recs, err)
	}
	if recs[0].AutoFixAction != "routed_to:ATLAS" || out.RoutedTo != "ATLAS" {
		t.Fatalf("auto fix action = %q routed = %q", recs[0].AutoFixAction, out.RoutedTo)
	}
}

func TestAssigneeOwnsFixWhenRoleMatches(t *testing.T) {
	env := newTestEnv(t)
	env.Build.set(false)
	apollo := "APOLLO"
	human := true
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: "p1", Title: "ui", Assignee: apollo, HumanCheckpoint: &human})
	if err != nil {
		t.Fatal(err)
	}
	out, err := env.Engine.SubmitForVerification(env.Ctx, task.ID, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if out.RoutedTo != "APOLLO" {
		t.Fatalf("routed to %q, want the frontend assignee", out.RoutedTo)
	}
}

func TestThirdFailureEscalates(t *testing.T) {
	env := newTestEnv(t)
	env.Build.set(false)
	task := env.newTask(t, true)

	if _, err := env.Engine.SubmitForVerification(env.Ctx, task.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	for i := 2; i <= 3; i++ {
		out, err := env.Engine.CompleteAutoFix(env.Ctx, task.ID, "ATLAS", "fixed types")
		if err != nil {
			t.Fatalf("auto fix %d: %v", i, err)
		}
		if out.Attempt != i {
			t.Fatalf("attempt = %d, want %d", out.Attempt, i)
		}
	}
	got := env.task(t, task.ID)
	gs := got.GateStatus["build_check"]
	if got.Status != "escalated" || gs.Status != "escalated" || gs.Attempts != 3 {
		t.Fatalf("task = %s gate = %+v", got.Status, gs)
	}
	recs, _ := env.Engine.Repo.ListVerifications(env.Ctx, task.ID, "build_check")
	if len(recs) != 3 || recs[2].Status != "escalated" || recs[2].EscalationContext == nil {
		t.Fatalf("records = %+v", recs)
	}
	if n := len(env.Notes.ofType("escalation")); n != 1 {
		t.Fatalf("escalation notifications = %d", n)
	}

	_, err := env.Engine.RunGate(env.Ctx, engine.GateRequest{TaskID: task.ID, Gate: "build_check", Attempt: 4})
	if !errors.Is(err, engine.ErrAttemptsExhausted) {
		t.Fatalf("attempt 4 should be rejected, got %v", err)
	}
	_, err = env.Engine.RunGate(env.Ctx, engine.GateRequest{TaskID: task.ID, Gate: "build_check"})
	if !errors.Is(err, engine.ErrAttemptsExhausted) {
		t.Fatalf("next attempt after escalation should be rejected, got %v", err)
	}
	if env.Build.calls != 3 {
		t.Fatalf("runner calls = %d", env.Build.calls)
	}

	escs, err := env.Engine.ListEscalations(env.Ctx, "p1")
	if err != nil || len(escs) != 1 || escs[0].Gate != "build_check" || escs[0].Record.Attempt != 3 {
		t.Fatalf("escalations = %+v %v", escs, err)
	}
}

func TestDuplicateAttemptReturnsStoredOutcome(t *testing.T) {
	env := newTestEnv(t)
	env.Build.set(false)
	task := env.newTask(t, true)
	first, err := env.Engine.SubmitForVerification(env.Ctx, task.ID, "tester")
	if err != nil {
		t.Fatal(err)
	}
	env.Build.set(true)
	again, err := env.Engine.RunGate(env.Ctx, engine.GateRequest{TaskID: task.ID, ProjectID: "p1", Gate: "build_check", Attempt: 1})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !again.Duplicate || again.Passed || again.VerificationID != first.VerificationID {
		t.Fatalf("replay = %+v, first = %+v", again, first)
	}
	if env.Build.calls != 1 {
		t.Fatalf("replay must not run the runner, calls = %d", env.Build.calls)
	}
	if _, err := env.Engine.RunGate(env.Ctx, engine.GateRequest{TaskID: task.ID, Gate: "build_check", Attempt: 3}); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("skipping attempt 2 should fail, got %v", err)
	}
}

func TestAutoAdvanceToHumanCheckpointThenApprove(t *testing.T) {
	env := newTestEnv(t)
	task := env.newTask(t, true)
	out, err := env.Engine.SubmitForVerification(env.Ctx, task.ID, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if !out.Passed || len(out.Chain) != 0 || out.FinalStatus() != "deploy_check" {
		t.Fatalf("submit should wait for the deploy: %+v", out)
	}
	res := env.deploy(t)
	if len(res.Triggered) != 1 || res.Triggered[0].TaskStatus != "human_checkpoint" {
		t.Fatalf("triggered = %+v", res.Triggered)
	}
	got := env.task(t, task.ID)
	for _, g := range []string{"build_check", "deploy_check", "perception_check"} {
		if got.GateStatus[g].Status != "passed" {
			t.Fatalf("%s = %+v", g, got.GateStatus[g])
		}
	}

	// A passed gate is never re-entered.
	replay, err := env.Engine.RunGate(env.Ctx, engine.GateRequest{TaskID: task.ID, Gate: "build_check"})
	if err != nil || !replay.Passed || !replay.Duplicate || replay.TaskStatus != "human_checkpoint" {
		t.Fatalf("replay = %+v %v", replay, err)
	}
	if env.Build.calls != 1 {
		t.Fatalf("build ran %d times", env.Build.calls)
	}

	if _, err := env.Engine.RunGate(env.Ctx, engine.GateRequest{TaskID: task.ID, Gate: "human_checkpoint"}); !errors.Is(err, engine.ErrConfiguration) {
		t.Fatalf("human checkpoint is not runnable, got %v", err)
	}
	done, err := env.Engine.Approve(env.Ctx, task.ID, "operator", "looks good")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if done.Status != "done" || done.CompletedAt == nil {
		t.Fatalf("approved task = %+v", done)
	}
	if _, err := env.Engine.Approve(env.Ctx, task.ID, "operator", ""); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("second approve should fail, got %v", err)
	}
}

func TestNoHumanCheckpointFinishesAfterPerception(t *testing.T) {
	env := newTestEnv(t)
	task := env.newTask(t, false)
	if _, err := env.Engine.SubmitForVerification(env.Ctx, task.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	res := env.deploy(t)
	if len(res.Triggered) != 1 || res.Triggered[0].TaskStatus != "done" {
		t.Fatalf("triggered = %+v", res.Triggered)
	}
	if got := env.task(t, task.ID); got.Status != "done" || got.CompletedAt == nil {
		t.Fatalf("task = %+v", got)
	}
}

func TestRejectRequiresNotes(t *testing.T) {
	env := newTestEnv(t)
	task := env.newTask(t, true)
	if _, err := env.Engine.SubmitForVerification(env.Ctx, task.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	env.deploy(t)
	if _, err := env.Engine.Reject(env.Ctx, task.ID, "operator", "  "); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	got, err := env.Engine.Reject(env.Ctx, task.ID, "operator", "wrong colour")
	if err != nil || got.Status != "rejected" {
		t.Fatalf("reject = %+v %v", got, err)
	}
	recs, _ := env.Engine.Repo.ListVerifications(env.Ctx, task.ID, "human_checkpoint")
	if len(recs) != 1 || recs[0].Status != "fail" || recs[0].VerifiedBy != "operator" {
		t.Fatalf("records = %+v", recs)
	}
}

func escalate(t *testing.T, env testEnv) domain.Task {
	t.Helper()
	env.Build.set(false)
	task := env.newTask(t, true)
	if _, err := env.Engine.SubmitForVerification(env.Ctx, task.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if _, err := env.Engine.CompleteAutoFix(env.Ctx, task.ID, "ATLAS", ""); err != nil {
			t.Fatal(err)
		}
	}
	if got := env.task(t, task.ID); got.Status != "escalated" {
		t.Fatalf("setup: status = %s", got.Status)
	}
	return task
}

func TestRetryWithInstructionsStartsNewRound(t *testing.T) {
	env := newTestEnv(t)
	task := escalate(t, env)
	env.Build.set(true)

	out, err := env.Engine.RetryWithInstructions(env.Ctx, task.ID, "operator", "pin the node version")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !out.Passed || out.Round != 2 || out.Attempt != 1 {
		t.Fatalf("outcome = %+v", out)
	}
	recs, _ := env.Engine.Repo.ListVerifications(env.Ctx, task.ID, "build_check")
	if len(recs) != 5 {
		t.Fatalf("want 3 attempts, the decision and the new pass, got %d", len(recs))
	}
	decision := recs[3]
	if decision.Round != 1 || decision.Attempt != 0 || decision.AutoFixAction != "human:retry_with_instructions" {
		t.Fatalf("decision = %+v", decision)
	}
	if _, err := env.Engine.RetryWithInstructions(env.Ctx, task.ID, "operator", "again"); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("retry outside escalated should fail, got %v", err)
	}
}

func TestReassignAndAdjustCriteria(t *testing.T) {
	env := newTestEnv(t)
	task := escalate(t, env)

	if _, err := env.Engine.Reassign(env.Ctx, task.ID, "operator", "nobody"); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("unknown agent should be invalid input, got %v", err)
	}
	out, err := env.Engine.Reassign(env.Ctx, task.ID, "operator", "apollo")
	if err != nil {
		t.Fatalf("reassign: %v", err)
	}
	if out.Passed || out.Round != 2 || out.Attempt != 1 || out.RoutedTo != "APOLLO" {
		t.Fatalf("outcome = %+v", out)
	}
	got := env.task(t, task.ID)
	if got.AssigneeID == nil || *got.AssigneeID != "APOLLO" || got.GateStatus["build_check"].Round != 2 {
		t.Fatalf("task = %+v", got)
	}

	// Burn the second round and adjust criteria on the third.
	for i := 0; i < 2; i++ {
		if _, err := env.Engine.CompleteAutoFix(env.Ctx, task.ID, "APOLLO", ""); err != nil {
			t.Fatal(err)
		}
	}
	env.Build.set(true)
	out, err = env.Engine.AdjustCriteria(env.Ctx, task.ID, "operator", []domain.Criterion{{Description: "logo renders", TestSelector: "#logo"}})
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if out.Round != 3 || !out.Passed {
		t.Fatalf("outcome = %+v", out)
	}
	got = env.task(t, task.ID)
	if len(got.AcceptanceCriteria) != 1 || got.AcceptanceCriteria[0].TestSelector != "#logo" {
		t.Fatalf("criteria = %+v", got.AcceptanceCriteria)
	}
}

func TestRejectEscalatedTask(t *testing.T) {
	env := newTestEnv(t)
	task := escalate(t, env)
	got, err := env.Engine.Reject(env.Ctx, task.ID, "operator", "out of scope")
	if err != nil || got.Status != "rejected" {
		t.Fatalf("reject = %+v %v", got, err)
	}
	recs, _ := env.Engine.Repo.ListVerifications(env.Ctx, task.ID, "build_check")
	last := recs[len(recs)-1]
	if last.Attempt != 0 || last.Status != "fail" {
		t.Fatalf("decision record = %+v", last)
	}
}

func TestRunnerPanicBecomesFailure(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Runners[pipeline.GateBuild] = runners.Func(func(ctx context.Context, req runners.Request) (runners.Result, error) {
		panic("boom")
	})
	task := env.newTask(t, true)
	out, err := env.Engine.SubmitForVerification(env.Ctx, task.ID, "tester")
	if err != nil {
		t.Fatalf("panic must not surface as an error: %v", err)
	}
	if out.Passed || !strings.Contains(out.Summary, "boom") || out.TaskStatus != "auto_fix" {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestConcurrentRunOfSameGateIsRefused(t *testing.T) {
	env := newTestEnv(t)
	started := make(chan struct{})
	release := make(chan struct{})
	env.Engine.Runners[pipeline.GateBuild] = runners.Func(func(ctx context.Context, req runners.Request) (runners.Result, error) {
		close(started)
		<-release
		return runners.Result{Passed: true}, nil
	})
	task := env.newTask(t, true)

	errc := make(chan error, 1)
	go func() {
		_, err := env.Engine.SubmitForVerification(env.Ctx, task.ID, "tester")
		errc <- err
	}()
	<-started
	_, err := env.Engine.RunGate(env.Ctx, engine.GateRequest{TaskID: task.ID, Gate: "build_check"})
	if !errors.Is(err, engine.ErrGateInProgress) {
		t.Fatalf("expected in-progress error, got %v", err)
	}
	close(release)
	if err := <-errc; err != nil {
		t.Fatalf("first run: %v", err)
	}
}

func TestConfigurationErrors(t *testing.T) {
	env := newTestEnv(t)
	task := env.newTask(t, true)
	cases := []engine.GateRequest{
		{TaskID: task.ID, Gate: "lint_check"},
		{TaskID: "missing", Gate: "build_check"},
		{TaskID: task.ID, ProjectID: "other", Gate: "build_check"},
	}
	for _, req := range cases {
		if _, err := env.Engine.RunGate(env.Ctx, req); !errors.Is(err, engine.ErrConfiguration) {
			t.Fatalf("%+v: expected configuration error, got %v", req, err)
		}
	}

	if _, err := env.Engine.CreateProject(env.Ctx, domain.Project{ID: "bare"}, "tester"); err != nil {
		t.Fatal(err)
	}
	bare, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: "bare", Title: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.RunGate(env.Ctx, engine.GateRequest{TaskID: bare.ID, Gate: "deploy_check"}); !errors.Is(err, engine.ErrConfiguration) {
		t.Fatalf("missing live url should be a configuration error, got %v", err)
	}
}

func TestDeployEventTriggersWaitingGates(t *testing.T) {
	env := newTestEnv(t)
	task := env.newTask(t, true)
	out, err := env.Engine.SubmitForVerification(env.Ctx, task.ID, "tester")
	if err != nil || out.TaskStatus != "deploy_check" || len(out.Chain) != 0 {
		t.Fatalf("submit = %+v %v", out, err)
	}
	if env.Deploy.calls != 0 {
		t.Fatalf("deploy_check ran before the deploy event")
	}

	res, err := env.Engine.HandleDeployEvent(env.Ctx, engine.DeployEvent{ProjectID: "p1", Commit: "abc", Status: "error"})
	if err != nil || res.Status != "ignored" || len(res.Triggered) != 0 {
		t.Fatalf("failed deploy = %+v %v", res, err)
	}
	if env.Deploy.calls != 0 {
		t.Fatalf("failed deploy must not run gates")
	}

	res, err = env.Engine.HandleDeployEvent(env.Ctx, engine.DeployEvent{ProjectID: "p1", Commit: "def", DeployURL: "https://preview.example"})
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if len(res.Triggered) != 1 || res.Triggered[0].Gate != "deploy_check" || res.Triggered[0].TaskStatus != "human_checkpoint" {
		t.Fatalf("triggered = %+v", res.Triggered)
	}
	if env.Deploy.calls != 1 || env.Percept.calls != 1 {
		t.Fatalf("deploy ran %d times, perception %d", env.Deploy.calls, env.Percept.calls)
	}
	p, _ := env.Engine.Repo.GetProject(env.Ctx, "p1")
	if p.LiveURL != "https://preview.example" {
		t.Fatalf("live url = %q", p.LiveURL)
	}
}

func TestAutoAdvanceOffLeavesPerceptionWaiting(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		off := false
		c.Gates.AutoAdvance = &off
	})
	task := env.newTask(t, true)
	if _, err := env.Engine.SubmitForVerification(env.Ctx, task.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	res := env.deploy(t)
	if len(res.Triggered) != 1 || res.Triggered[0].TaskStatus != "perception_check" {
		t.Fatalf("triggered = %+v", res.Triggered)
	}
	if env.Percept.calls != 0 {
		t.Fatalf("perception ran with auto advance off")
	}
}

func TestDeployEventRetriesFailedDeployCheck(t *testing.T) {
	env := newTestEnv(t)
	env.Deploy.set(false)
	buildFix := env.newTask(t, true)
	env.Build.set(false)
	if _, err := env.Engine.SubmitForVerification(env.Ctx, buildFix.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	env.Build.set(true)
	deployFix := env.newTask(t, true)
	if _, err := env.Engine.SubmitForVerification(env.Ctx, deployFix.ID, "tester"); err != nil {
		t.Fatal(err)
	}

	res := env.deploy(t)
	if len(res.Triggered) != 1 || res.Triggered[0].TaskID != deployFix.ID || res.Triggered[0].Passed {
		t.Fatalf("first deploy = %+v", res.Triggered)
	}
	if got := env.task(t, deployFix.ID); got.Status != "auto_fix" || got.GateStatus["deploy_check"].Status != "failed" {
		t.Fatalf("task = %s %+v", got.Status, got.GateStatus["deploy_check"])
	}

	env.Deploy.set(true)
	res = env.deploy(t)
	if len(res.Triggered) != 1 || res.Triggered[0].TaskID != deployFix.ID || !res.Triggered[0].Passed {
		t.Fatalf("redeploy = %+v", res.Triggered)
	}
	if res.Triggered[0].TaskStatus != "human_checkpoint" {
		t.Fatalf("redeploy status = %s", res.Triggered[0].TaskStatus)
	}
	got := env.task(t, deployFix.ID)
	if gs := got.GateStatus["deploy_check"]; gs.Status != "passed" || gs.Attempts != 2 {
		t.Fatalf("deploy gate = %+v", gs)
	}
	if got := env.task(t, buildFix.ID); got.Status != "auto_fix" {
		t.Fatalf("build fix task should stay in auto_fix, got %s", got.Status)
	}
}
