package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/aicallyu/olympus/internal/domain"
	"github.com/aicallyu/olympus/internal/events"
	"github.com/aicallyu/olympus/internal/notify"
	"github.com/aicallyu/olympus/internal/pipeline"
	"github.com/aicallyu/olympus/internal/repo"
	"github.com/aicallyu/olympus/internal/runners"
)

// GateRequest asks for one attempt of a gate. Attempt 0 means the next one.
type GateRequest struct {
	TaskID             string
	ProjectID          string
	Gate               string
	Attempt            int
	AcceptanceCriteria []domain.Criterion
	ActorID            string
}

type GateOutcome struct {
	TaskID         string        `json:"task_id"`
	Gate           string        `json:"gate"`
	Passed         bool          `json:"passed"`
	Outcome        string        `json:"outcome" enum:"pass,fail,escalated"`
	Attempt        int           `json:"attempt"`
	Round          int           `json:"round"`
	TaskStatus     string        `json:"task_status"`
	Duplicate      bool          `json:"duplicate"`
	Summary        string        `json:"summary,omitempty"`
	VerificationID string        `json:"verification_id,omitempty"`
	RoutedTo       string        `json:"routed_to,omitempty"`
	Chain          []GateOutcome `json:"chain,omitempty"`
}

// FinalStatus is the task status after the last gate of the chain ran.
func (o GateOutcome) FinalStatus() string {
	if n := len(o.Chain); n > 0 {
		return o.Chain[n-1].TaskStatus
	}
	return o.TaskStatus
}

// RunGate executes one attempt of a gate and applies the outcome. With auto
// advance on, a pass that lands on another automated gate runs that gate too;
// the follow-up outcomes are returned in Chain. The chain stops in front of
// deploy_check: that gate waits for the deploy event of the new build.
func (e Engine) RunGate(ctx context.Context, req GateRequest) (GateOutcome, error) {
	return e.runChain(ctx, req, false)
}

// runChain is RunGate; deployed allows the chain to enter deploy_check because
// the caller is handling a fresh deployment.
func (e Engine) runChain(ctx context.Context, req GateRequest, deployed bool) (GateOutcome, error) {
	out, err := e.runGate(ctx, req)
	if err != nil || !out.Passed || out.Duplicate || e.Config == nil || !e.Config.AutoAdvance() {
		return out, err
	}
	status := pipeline.Status(out.TaskStatus)
	for {
		g, ok := pipeline.GateForStatus(status)
		if !ok || !g.Automated() {
			break
		}
		if g == pipeline.GateDeploy && !deployed {
			break
		}
		next, err := e.runGate(ctx, GateRequest{
			TaskID:             req.TaskID,
			ProjectID:          req.ProjectID,
			Gate:               string(g),
			AcceptanceCriteria: req.AcceptanceCriteria,
			ActorID:            req.ActorID,
		})
		if err != nil {
			e.logger().Warn("auto advance stopped", "task_id", req.TaskID, "gate", g, "err", err)
			break
		}
		out.Chain = append(out.Chain, next)
		if !next.Passed || next.Duplicate {
			break
		}
		status = pipeline.Status(next.TaskStatus)
	}
	return out, nil
}

func (e Engine) runGate(ctx context.Context, req GateRequest) (GateOutcome, error) {
	gate, err := pipeline.ParseGate(req.Gate)
	if err != nil {
		return GateOutcome{}, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	if !gate.Automated() {
		return GateOutcome{}, fmt.Errorf("%w: %s is decided by a human; approve or reject instead", ErrConfiguration, gate)
	}
	if req.Attempt < 0 {
		return GateOutcome{}, fmt.Errorf("%w: attempt must be >= 0", ErrInvalidInput)
	}
	runner := e.Runners[gate]
	if runner == nil {
		return GateOutcome{}, fmt.Errorf("%w: no runner for %s", ErrConfiguration, gate)
	}

	key := req.TaskID + "/" + string(gate)
	if !e.inflight.acquire(key) {
		return GateOutcome{}, fmt.Errorf("%w: %s on task %s", ErrGateInProgress, gate, req.TaskID)
	}
	defer e.inflight.release(key)

	task, err := e.Repo.GetTask(ctx, req.TaskID)
	if err != nil {
		return GateOutcome{}, fmt.Errorf("%w: task %s: %w", ErrConfiguration, req.TaskID, err)
	}
	if req.ProjectID != "" && req.ProjectID != task.ProjectID {
		return GateOutcome{}, fmt.Errorf("%w: task %s belongs to project %s, not %s", ErrConfiguration, task.ID, task.ProjectID, req.ProjectID)
	}
	project, err := e.Repo.GetProject(ctx, task.ProjectID)
	if err != nil {
		return GateOutcome{}, fmt.Errorf("%w: project %s: %w", ErrConfiguration, task.ProjectID, err)
	}
	if gate != pipeline.GateBuild && project.LiveURL == "" {
		return GateOutcome{}, fmt.Errorf("%w: project %s has no live url for %s", ErrConfiguration, project.ID, gate)
	}

	gs := gateState(task, gate)
	attempt := req.Attempt
	if attempt == 0 {
		attempt = gs.Attempts + 1
		if gs.Status == pipeline.GateRunning && gs.Attempts > 0 {
			// Left running by a crash: the attempt has no record yet.
			attempt = gs.Attempts
		}
	}
	if prev, err := e.Repo.GetVerificationByKey(ctx, nil, task.ID, string(gate), gs.Round, attempt); err == nil {
		return outcomeFromRecord(prev, task.Status), nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return GateOutcome{}, err
	}
	if gs.Status == pipeline.GatePassed {
		return GateOutcome{
			TaskID: task.ID, Gate: string(gate), Passed: true, Outcome: pipeline.OutcomePass,
			Attempt: gs.Attempts, Round: gs.Round, TaskStatus: task.Status, Duplicate: true,
			Summary: "gate already passed",
		}, nil
	}
	if attempt > pipeline.MaxAttempts {
		return GateOutcome{}, fmt.Errorf("%w: %s on task %s allows %d attempts", ErrAttemptsExhausted, gate, task.ID, pipeline.MaxAttempts)
	}
	status := pipeline.Status(task.Status)
	atGate := status == gate.Status() || (status == pipeline.StatusAutoFix && gs.Status == pipeline.GateFailed)
	if !atGate || gs.Status == pipeline.GateEscalated {
		return GateOutcome{}, fmt.Errorf("%w: task %s is %s, cannot run %s", ErrInvalidTransition, task.ID, task.Status, gate)
	}
	expected := gs.Attempts + 1
	if gs.Status == pipeline.GateRunning {
		expected = gs.Attempts
	}
	if attempt != expected {
		return GateOutcome{}, fmt.Errorf("%w: attempt %d out of sequence, next is %d", ErrInvalidTransition, attempt, expected)
	}

	ctx, span := otel.Tracer("olympus/engine").Start(ctx, "gate.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("gate", string(gate)),
		attribute.Int("attempt", attempt),
	)

	if err := e.markRunning(ctx, task.ID, gate, attempt, req.ActorID); err != nil {
		return GateOutcome{}, err
	}
	e.logger().Info("gate started", "task_id", task.ID, "gate", gate, "attempt", attempt, "round", gs.Round)

	criteria := req.AcceptanceCriteria
	if len(criteria) == 0 {
		criteria = task.AcceptanceCriteria
	}
	rreq := runners.Request{Task: task, Project: project, Criteria: criteria}
	result := runners.Safe(ctx, runner, rreq, e.gateTimeout(gate, project, criteria))
	span.SetAttributes(attribute.Bool("passed", result.Passed))

	return e.recordOutcome(ctx, task, project, gate, attempt, result, req.ActorID)
}

func gateState(t domain.Task, g pipeline.Gate) domain.GateState {
	gs, ok := t.GateStatus[string(g)]
	if !ok {
		gs = domain.GateState{Status: pipeline.GatePending}
	}
	if gs.MaxAttempts == 0 {
		gs.MaxAttempts = pipeline.MaxAttempts
	}
	if gs.Round == 0 {
		gs.Round = 1
	}
	return gs
}

func outcomeFromRecord(v domain.Verification, taskStatus string) GateOutcome {
	out := GateOutcome{
		TaskID: v.TaskID, Gate: v.Gate, Passed: v.Status == pipeline.OutcomePass, Outcome: v.Status,
		Attempt: v.Attempt, Round: v.Round, TaskStatus: taskStatus, Duplicate: true,
		Summary: v.Summary, VerificationID: v.ID,
	}
	if agent, ok := strings.CutPrefix(v.AutoFixAction, "routed_to:"); ok {
		out.RoutedTo = agent
	}
	return out
}

func (e Engine) markRunning(ctx context.Context, taskID string, gate pipeline.Gate, attempt int, actorID string) error {
	return e.withTx(ctx, func(tx *sql.Tx) error {
		t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		gs := gateState(t, gate)
		gs.Status = pipeline.GateRunning
		gs.Attempts = attempt
		t.GateStatus[string(gate)] = gs
		from := t.Status
		t.Status = string(gate.Status())
		t.UpdatedAt = e.ts()
		if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.GateStarted, t.ProjectID, "task", t.ID, actorID, events.EventPayload{
			"gate": string(gate), "attempt": attempt, "round": gs.Round, "from": from,
		})
	})
}

func (e Engine) gateTimeout(g pipeline.Gate, p domain.Project, criteria []domain.Criterion) time.Duration {
	if e.Config == nil {
		return 5 * time.Minute
	}
	gc := e.Config.Gates
	switch g {
	case pipeline.GateBuild:
		return gc.Build.Timeout
	case pipeline.GateDeploy:
		return gc.Deploy.PageTimeout + gc.Deploy.HTTPTimeout*time.Duration(1+len(p.ExpectedRoutes)) +
			gc.Perception.WaitTimeout*time.Duration(len(p.ExpectedElements))
	case pipeline.GatePerception:
		n := len(criteria)
		if n == 0 {
			n = 1
		}
		return (gc.Perception.PageTimeout + 2*gc.Perception.WaitTimeout) * time.Duration(n)
	}
	return time.Minute
}

func (e Engine) verifiedBy(g pipeline.Gate, actorID string) string {
	if actorID != "" {
		return actorID
	}
	return "olympus:" + string(g)
}

// recordOutcome applies a runner result: the gate state, task status,
// verification record and event are committed together; notifications go out
// afterwards.
func (e Engine) recordOutcome(ctx context.Context, task domain.Task, project domain.Project, gate pipeline.Gate, attempt int, result runners.Result, actorID string) (GateOutcome, error) {
	// Reads through e.DB must finish before the transaction opens.
	var routedTo string
	var history []domain.Verification
	if !result.Passed {
		routedTo = e.responsibleAgent(ctx, task, gate)
		if attempt >= pipeline.MaxAttempts {
			var err error
			history, err = e.Repo.ListVerifications(ctx, task.ID, string(gate))
			if err != nil {
				return GateOutcome{}, err
			}
		}
	}

	now := e.ts()
	out := GateOutcome{TaskID: task.ID, Gate: string(gate), Attempt: attempt, Passed: result.Passed, Summary: result.Summary, RoutedTo: routedTo}
	var notes []domain.Notification
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		t, err := e.Repo.GetTaskTx(ctx, tx, task.ID)
		if err != nil {
			return err
		}
		gs := gateState(t, gate)
		gs.Attempts = attempt
		out.Round = gs.Round
		v := domain.Verification{
			ID:         uuid.NewString(),
			ProjectID:  t.ProjectID,
			TaskID:     t.ID,
			Gate:       string(gate),
			Round:      gs.Round,
			Attempt:    attempt,
			VerifiedBy: e.verifiedBy(gate, actorID),
			Summary:    result.Summary,
			Details:    result.Details,
			CreatedAt:  now,
		}
		var evtType string
		payload := events.EventPayload{"gate": string(gate), "attempt": attempt, "round": gs.Round, "summary": result.Summary}
		switch {
		case result.Passed:
			gs.Status = pipeline.GatePassed
			gs.LastError = ""
			gs.PassedAt = now
			next := pipeline.Next(gate, t.RequiresHumanCheckpoint)
			t.Status = string(next)
			if next == pipeline.StatusDone {
				t.CompletedAt = &now
			}
			v.Status = pipeline.OutcomePass
			out.Outcome = pipeline.OutcomePass
			evtType = events.GatePassed
			payload["next"] = string(next)
			notes = append(notes, domain.Notification{
				Type: notify.TypeInfo, ProjectID: t.ProjectID, TaskID: t.ID,
				Message: fmt.Sprintf("%q passed %s (attempt %d), now %s", t.Title, gate, attempt, next),
			})
		case attempt < pipeline.MaxAttempts:
			gs.Status = pipeline.GateFailed
			gs.LastError = result.Summary
			t.Status = string(pipeline.StatusAutoFix)
			v.Status = pipeline.OutcomeFail
			if routedTo != "" {
				v.AutoFixAction = "routed_to:" + routedTo
			}
			out.Outcome = pipeline.OutcomeFail
			evtType = events.GateFailed
			payload["routed_to"] = routedTo
			msg := fmt.Sprintf("%q failed %s (attempt %d/%d): %s", t.Title, gate, attempt, pipeline.MaxAttempts, result.Summary)
			if routedTo != "" {
				msg += fmt.Sprintf(". @%s please auto-fix and signal completion", routedTo)
			}
			notes = append(notes, domain.Notification{
				Type: notify.TypeWarning, ProjectID: t.ProjectID, TaskID: t.ID, Message: msg,
				Details: map[string]any{"gate": string(gate), "attempt": attempt, "agent": routedTo, "summary": result.Summary},
			})
		default:
			gs.Status = pipeline.GateEscalated
			gs.LastError = result.Summary
			t.Status = string(pipeline.StatusEscalated)
			v.Status = pipeline.OutcomeEscalated
			v.EscalationContext = escalationContext(gate, gs, routedTo, history, result)
			out.Outcome = pipeline.OutcomeEscalated
			evtType = events.GateEscalated
			notes = append(notes, domain.Notification{
				Type: notify.TypeEscalation, ProjectID: t.ProjectID, TaskID: t.ID,
				Message: fmt.Sprintf("%q failed %s %d times and needs a human: %s", t.Title, gate, attempt, result.Summary),
				Details: v.EscalationContext,
			})
		}
		t.GateStatus[string(gate)] = gs
		t.UpdatedAt = now
		if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
			return err
		}
		if err := e.Repo.InsertVerificationTx(ctx, tx, v); err != nil {
			return err
		}
		out.VerificationID = v.ID
		out.TaskStatus = t.Status
		return e.Events.Append(ctx, tx, evtType, t.ProjectID, "task", t.ID, actorID, payload)
	})
	if errors.Is(err, repo.ErrDuplicate) {
		prev, gerr := e.Repo.GetVerificationByKey(ctx, nil, task.ID, string(gate), out.Round, attempt)
		if gerr != nil {
			return GateOutcome{}, err
		}
		cur, gerr := e.Repo.GetTask(ctx, task.ID)
		if gerr != nil {
			return GateOutcome{}, gerr
		}
		return outcomeFromRecord(prev, cur.Status), nil
	}
	if err != nil {
		return GateOutcome{}, err
	}
	e.logger().Info("gate finished", "task_id", task.ID, "gate", gate, "attempt", attempt, "outcome", out.Outcome, "task_status", out.TaskStatus)
	e.notify(ctx, notes)
	return out, nil
}

func escalationContext(gate pipeline.Gate, gs domain.GateState, routedTo string, history []domain.Verification, result runners.Result) map[string]any {
	var attempts []map[string]any
	for _, h := range history {
		if h.Round != gs.Round {
			continue
		}
		attempts = append(attempts, map[string]any{"attempt": h.Attempt, "summary": h.Summary, "at": h.CreatedAt})
	}
	attempts = append(attempts, map[string]any{"attempt": gs.Attempts, "summary": result.Summary})
	return map[string]any{
		"gate":           string(gate),
		"attempts":       gs.Attempts,
		"round":          gs.Round,
		"last_error":     result.Summary,
		"responsible":    routedTo,
		"attempt_log":    attempts,
		"human_options":  []string{"retry_with_instructions", "reassign", "adjust_criteria", "reject"},
		"failed_details": result.Details,
	}
}

// responsibleAgent prefers the assignee when its role owns the gate, else the
// first directory agent holding one of the gate's roles.
func (e Engine) responsibleAgent(ctx context.Context, t domain.Task, g pipeline.Gate) string {
	if e.Agents == nil {
		return ""
	}
	roles := pipeline.ResponsibleRoles(g)
	if e.Config != nil {
		roles = e.Config.ResponsibleRoles(g)
	}
	if t.AssigneeID != nil {
		if a, err := e.Agents.Resolve(ctx, *t.AssigneeID); err == nil {
			for _, r := range roles {
				if strings.EqualFold(a.Role, r) {
					return a.Name
				}
			}
		}
	}
	list, err := e.Agents.ByRole(ctx, roles...)
	if err != nil {
		e.logger().Warn("lookup responsible agent", "gate", g, "err", err)
		return ""
	}
	if len(list) == 0 {
		return ""
	}
	return list[0].Name
}
