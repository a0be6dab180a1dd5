package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/aicallyu/olympus/internal/engine"
)

type recordingHandler struct {
	mu     sync.Mutex
	events []engine.DeployEvent
	fail   string
}

func (h *recordingHandler) HandleDeployEvent(ctx context.Context, ev engine.DeployEvent) (engine.DeployResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
	if ev.ProjectID == h.fail {
		return engine.DeployResult{}, errors.New("project missing")
	}
	return engine.DeployResult{Status: "ok"}, nil
}

func TestDecode(t *testing.T) {
	ev, err := Decode([]byte(`{"project_id":"p1","commit":"abc","deploy_url":"https://x.example","status":"ready"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.ProjectID != "p1" || ev.Commit != "abc" || ev.DeployURL != "https://x.example" || ev.Failed() {
		t.Fatalf("unexpected event %+v", ev)
	}
	ev, err = Decode([]byte(`{"type":"deployment.succeeded","payload":{"project_id":"p2","commit":"def"}}`))
	if err != nil || ev.ProjectID != "p2" || ev.Commit != "def" {
		t.Fatalf("wrapped payload: %+v %v", ev, err)
	}
	if _, err := Decode([]byte(`{"commit":"abc"}`)); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed without project, got %v", err)
	}
	if _, err := Decode([]byte(`not json`)); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed for bad json, got %v", err)
	}
}

func TestIngestorSkipsBadMessages(t *testing.T) {
	c := NewChannelConsumer()
	h := &recordingHandler{fail: "gone"}
	c.Send(Message{Topic: "deploy.events", Value: []byte(`{"project_id":"gone","commit":"1"}`)})
	c.Send(Message{Topic: "deploy.events", Value: []byte(`garbage`)})
	c.Send(Message{Topic: "deploy.events", Value: []byte(`{"project_id":"p1","commit":"2"}`)})
	c.Close()

	in := Ingestor{Consumer: c, Handler: h, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	if err := in.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(h.events) != 2 || h.events[0].ProjectID != "gone" || h.events[1].Commit != "2" {
		t.Fatalf("unexpected handled events %+v", h.events)
	}
}

func TestIngestorStopsWithContext(t *testing.T) {
	c := NewChannelConsumer()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	in := Ingestor{Consumer: c, Handler: &recordingHandler{}}
	if err := in.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestKafkaConsumerNeedsBrokers(t *testing.T) {
	c := NewKafkaConsumer(" , ", "deploy.events", "olympus")
	if err := c.Start(context.Background()); err == nil {
		t.Fatalf("expected error without brokers")
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
