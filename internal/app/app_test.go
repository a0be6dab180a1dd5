package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/aicallyu/olympus/internal/agent"
	"github.com/aicallyu/olympus/internal/browser"
	"github.com/aicallyu/olympus/internal/config"
	"github.com/aicallyu/olympus/internal/domain"
	"github.com/aicallyu/olympus/internal/pipeline"
	"github.com/aicallyu/olympus/internal/warroom"
)

type noBrowser struct{}

func (noBrowser) Open(ctx context.Context, url string) (browser.Page, error) {
	return nil, errors.New("no browser in tests")
}

type cannedInvoker struct{}

func (cannedInvoker) Invoke(ctx context.Context, a domain.Agent, req agent.Request) (agent.Reply, error) {
	return agent.Reply{Content: a.Name + " here", TokensUsed: 5}, nil
}

func openTestApp(t *testing.T, workspace string) *App {
	t.Helper()
	a, err := Open(context.Background(), Options{
		Workspace: workspace,
		ProjectID: "demo",
		ActorID:   "tester",
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Browser:   noBrowser{},
		Invoker:   cannedInvoker{},
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(a.Close)
	return a
}

func TestOpenWiresWorkspace(t *testing.T) {
	a := openTestApp(t, t.TempDir())
	ctx := context.Background()

	if a.Config.Project.ID != "demo" {
		t.Fatalf("project id = %q", a.Config.Project.ID)
	}
	p, err := a.Engine.Repo.GetProject(ctx, "demo")
	if err != nil {
		t.Fatalf("project not created: %v", err)
	}
	if p.ID != "demo" {
		t.Fatalf("unexpected project %+v", p)
	}
	for _, g := range pipeline.Sequence {
		if !g.Automated() {
			continue
		}
		if _, ok := a.Engine.Runners[g]; !ok {
			t.Fatalf("no runner for %s", g)
		}
	}
	zeus, err := a.Agents.Resolve(ctx, "zeus")
	if err != nil {
		t.Fatalf("resolve zeus: %v", err)
	}
	if zeus.Name != "ZEUS" {
		t.Fatalf("unexpected agent %+v", zeus)
	}
	if warroom.DefaultMode != a.Config.Routing.DefaultMode {
		t.Fatalf("default mode = %q", warroom.DefaultMode)
	}
	if _, err := a.Handler("/v1"); err != nil {
		t.Fatalf("handler: %v", err)
	}
}

func TestOpenReadsConfigFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(config.Path(dir), []byte(config.GenerateDefault("from-file")), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	a := openTestApp(t, dir)
	if a.Config.Project.ID != "from-file" {
		t.Fatalf("project id = %q", a.Config.Project.ID)
	}
	if _, err := a.Engine.Repo.GetProject(context.Background(), "from-file"); err != nil {
		t.Fatalf("project not created: %v", err)
	}
}

func TestReopenKeepsState(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first := openTestApp(t, dir)
	room, err := first.Router.CreateRoom(ctx, domain.Room{Name: "ops"})
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	first.Close()

	second := openTestApp(t, dir)
	got, err := second.Router.Store.GetRoom(ctx, room.ID)
	if err != nil {
		t.Fatalf("room lost after reopen: %v", err)
	}
	if got.Name != "ops" {
		t.Fatalf("unexpected room %+v", got)
	}
}
