package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aicallyu/olympus/internal/config"
	"github.com/aicallyu/olympus/internal/domain"
	"github.com/aicallyu/olympus/internal/events"
	"github.com/aicallyu/olympus/internal/pipeline"
	"github.com/aicallyu/olympus/internal/repo"
	"github.com/aicallyu/olympus/internal/runners"
)

var (
	// ErrConfiguration marks requests that can never succeed as sent: unknown
	// gate, missing task or project, no live url. They are not retried.
	ErrConfiguration = errors.New("configuration error")
	// ErrGateInProgress is returned while the same gate runs for the task.
	ErrGateInProgress = errors.New("gate already running")
	// ErrInvalidTransition rejects a move the task's current status or gate
	// state does not allow, including out-of-sequence attempts.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrAttemptsExhausted means the round already used all its attempts and
	// needs a human decision.
	ErrAttemptsExhausted = errors.New("attempts exhausted")
	// ErrInvalidInput covers malformed requests such as blank notes or an
	// unknown agent.
	ErrInvalidInput = errors.New("invalid input")
)

// Notifier receives notifications after the state change they describe has
// been committed.
type Notifier interface {
	Dispatch(ctx context.Context, n domain.Notification) (domain.Notification, error)
}

// AgentLookup finds the agents that own fixing a failed gate.
type AgentLookup interface {
	Resolve(ctx context.Context, name string) (domain.Agent, error)
	ByRole(ctx context.Context, roles ...string) ([]domain.Agent, error)
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Runners  map[pipeline.Gate]runners.Runner
	Notifier Notifier
	Agents   AgentLookup
	Logger   *slog.Logger
	Now      func() time.Time

	inflight *inflight
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Config:   cfg,
		Runners:  map[pipeline.Gate]runners.Runner{},
		Logger:   slog.Default(),
		Now:      time.Now,
		inflight: &inflight{keys: map[string]struct{}{}},
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) ts() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// withTx runs fn in a transaction. Nothing inside fn may query through e.DB:
// the pool holds a single connection.
func (e Engine) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) notify(ctx context.Context, notes []domain.Notification) {
	if e.Notifier == nil {
		return
	}
	for _, n := range notes {
		if _, err := e.Notifier.Dispatch(ctx, n); err != nil {
			e.logger().Error("dispatch notification", "type", n.Type, "task_id", n.TaskID, "err", err)
		}
	}
}

func (e Engine) CreateProject(ctx context.Context, p domain.Project, actorID string) (domain.Project, error) {
	if strings.TrimSpace(p.ID) == "" {
		return p, fmt.Errorf("%w: project id is required", ErrInvalidInput)
	}
	if p.Name == "" {
		p.Name = p.ID
	}
	p.CreatedAt = e.ts()
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
			return fmt.Errorf("insert project: %w", err)
		}
		return e.Events.Append(ctx, tx, events.ProjectCreated, p.ID, "project", p.ID, actorID, events.EventPayload{"live_url": p.LiveURL})
	})
	return p, err
}

// EnsureProject creates the project from config when it does not exist yet.
func (e Engine) EnsureProject(ctx context.Context, actorID string) (domain.Project, error) {
	if e.Config == nil {
		return domain.Project{}, errors.New("config not loaded")
	}
	p, err := e.Repo.GetProject(ctx, e.Config.Project.ID)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return p, err
	}
	return e.CreateProject(ctx, domain.Project{
		ID:               e.Config.Project.ID,
		Name:             e.Config.Project.Name,
		LiveURL:          e.Config.Project.LiveURL,
		RepoPath:         e.Config.Project.RepoPath,
		ExpectedRoutes:   e.Config.Project.ExpectedRoutes,
		ExpectedElements: e.Config.Project.ExpectedElements,
	}, actorID)
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ID                 string
	ProjectID          string
	Title              string
	Description        string
	Assignee           string
	HumanCheckpoint    *bool
	AcceptanceCriteria []domain.Criterion
	ActorID            string
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Task{}, fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	if opts.ProjectID == "" {
		return domain.Task{}, fmt.Errorf("%w: project is required", ErrInvalidInput)
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.Task{}, fmt.Errorf("project %s: %w", opts.ProjectID, err)
	}
	if opts.Assignee != "" && e.Agents != nil {
		a, err := e.Agents.Resolve(ctx, opts.Assignee)
		if err != nil {
			return domain.Task{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		opts.Assignee = a.Name
	}
	human := true
	if e.Config != nil {
		human = e.Config.HumanCheckpointDefault()
	}
	if opts.HumanCheckpoint != nil {
		human = *opts.HumanCheckpoint
	}
	criteria, err := normalizeCriteria(opts.AcceptanceCriteria)
	if err != nil {
		return domain.Task{}, err
	}
	now := e.ts()
	t := domain.Task{
		ID:                      opts.ID,
		ProjectID:               opts.ProjectID,
		Title:                   opts.Title,
		Description:             opts.Description,
		Status:                  string(pipeline.StatusInbox),
		RequiresHumanCheckpoint: human,
		GateStatus:              map[string]domain.GateState{},
		AcceptanceCriteria:      criteria,
		CreatedAt:               now,
		UpdatedAt:               now,
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if opts.Assignee != "" {
		t.AssigneeID = &opts.Assignee
		t.Status = string(pipeline.StatusAssigned)
	}
	err = e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		return e.Events.Append(ctx, tx, events.TaskCreated, t.ProjectID, "task", t.ID, opts.ActorID, events.EventPayload{"title": t.Title, "status": t.Status})
	})
	return t, err
}

var criterionActions = map[string]bool{"": true, "click": true, "type": true, "hover": true, "none": true}

func normalizeCriteria(in []domain.Criterion) ([]domain.Criterion, error) {
	out := make([]domain.Criterion, 0, len(in))
	for i, c := range in {
		if !criterionActions[c.TestAction] {
			return nil, fmt.Errorf("%w: criterion %d: unknown action %q", ErrInvalidInput, i+1, c.TestAction)
		}
		if c.ID == "" {
			c.ID = fmt.Sprintf("ac-%d", i+1)
		}
		if c.Type == "" {
			if c.TestSelector == "" {
				c.Type = "manual"
			} else {
				c.Type = "perception"
			}
		}
		out = append(out, c)
	}
	return out, nil
}

// UpdateTaskStatus moves a task along the plain board flow. Gate statuses are
// reached through SubmitForVerification only.
func (e Engine) UpdateTaskStatus(ctx context.Context, taskID, status, actorID string) (domain.Task, error) {
	to, err := pipeline.ParseStatus(status)
	if err != nil {
		return domain.Task{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	var t domain.Task
	err = e.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		t, err = e.Repo.GetTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		from := pipeline.Status(t.Status)
		if !pipeline.IsLegacy(from) || !pipeline.CanMoveLegacy(from, to) {
			return fmt.Errorf("%w: task status %s -> %s", ErrInvalidTransition, from, to)
		}
		t.Status = string(to)
		t.UpdatedAt = e.ts()
		if to == pipeline.StatusDone {
			done := t.UpdatedAt
			t.CompletedAt = &done
		}
		if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.TaskStatusChanged, t.ProjectID, "task", t.ID, actorID, events.EventPayload{"from": string(from), "to": string(to)})
	})
	return t, err
}

// AssignTask sets the assignee of a task on the board flow.
func (e Engine) AssignTask(ctx context.Context, taskID, agentName, actorID string) (domain.Task, error) {
	if e.Agents != nil {
		a, err := e.Agents.Resolve(ctx, agentName)
		if err != nil {
			return domain.Task{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		agentName = a.Name
	}
	var t domain.Task
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		t, err = e.Repo.GetTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if !pipeline.IsLegacy(pipeline.Status(t.Status)) {
			return fmt.Errorf("%w: task %s is in verification; use reassign after escalation", ErrInvalidTransition, t.ID)
		}
		t.AssigneeID = &agentName
		if t.Status == string(pipeline.StatusInbox) {
			t.Status = string(pipeline.StatusAssigned)
		}
		t.UpdatedAt = e.ts()
		if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.TaskStatusChanged, t.ProjectID, "task", t.ID, actorID, events.EventPayload{"assignee": agentName, "to": t.Status})
	})
	return t, err
}

type inflight struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func (f *inflight) acquire(key string) bool {
	if f == nil {
		return true
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, busy := f.keys[key]; busy {
		return false
	}
	f.keys[key] = struct{}{}
	return true
}

func (f *inflight) release(key string) {
	if f == nil {
		return
	}
	f.mu.Lock()
	delete(f.keys, key)
	f.mu.Unlock()
}
