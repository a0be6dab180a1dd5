package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/aicallyu/olympus/internal/domain"
	"github.com/aicallyu/olympus/internal/events"
	"github.com/aicallyu/olympus/internal/notify"
	"github.com/aicallyu/olympus/internal/pipeline"
	"github.com/aicallyu/olympus/internal/repo"
)

// Escalation actions a human can take on an escalated gate.
const (
	ActionRetry          = "retry_with_instructions"
	ActionReassign       = "reassign"
	ActionAdjustCriteria = "adjust_criteria"
	ActionReject         = "reject"
)

// SubmitForVerification enters the gate pipeline: every gate starts pending in
// round 1 and the build gate runs right away.
func (e Engine) SubmitForVerification(ctx context.Context, taskID, actorID string) (GateOutcome, error) {
	var t domain.Task
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		t, err = e.Repo.GetTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		from := pipeline.Status(t.Status)
		if !pipeline.CanSubmit(from) {
			return fmt.Errorf("%w: task %s is %s, submit needs assigned, in_progress or review", ErrInvalidTransition, t.ID, from)
		}
		t.GateStatus = map[string]domain.GateState{}
		for _, g := range pipeline.Sequence {
			t.GateStatus[string(g)] = domain.GateState{Status: pipeline.GatePending, MaxAttempts: pipeline.MaxAttempts, Round: 1}
		}
		t.Status = string(pipeline.StatusBuildCheck)
		t.CompletedAt = nil
		t.UpdatedAt = e.ts()
		if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.TaskSubmitted, t.ProjectID, "task", t.ID, actorID, events.EventPayload{"from": string(from)})
	})
	if err != nil {
		return GateOutcome{}, err
	}
	return e.RunGate(ctx, GateRequest{TaskID: t.ID, ProjectID: t.ProjectID, Gate: string(pipeline.GateBuild), ActorID: actorID})
}

// CompleteAutoFix signals that the responsible agent finished fixing a failed
// gate; the gate runs again with its next attempt.
func (e Engine) CompleteAutoFix(ctx context.Context, taskID, actorID, notes string) (GateOutcome, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return GateOutcome{}, err
	}
	if t.Status != string(pipeline.StatusAutoFix) {
		return GateOutcome{}, fmt.Errorf("%w: task %s is %s, not auto_fix", ErrInvalidTransition, t.ID, t.Status)
	}
	gate, ok := firstGateIn(t, pipeline.GateFailed)
	if !ok {
		return GateOutcome{}, fmt.Errorf("%w: task %s has no failed gate", ErrInvalidTransition, t.ID)
	}
	err = e.Events.AppendDirect(ctx, events.AutoFixCompleted, t.ProjectID, "task", t.ID, actorID, events.EventPayload{
		"gate": string(gate), "notes": notes, "attempts": t.GateStatus[string(gate)].Attempts,
	})
	if err != nil {
		return GateOutcome{}, err
	}
	return e.RunGate(ctx, GateRequest{TaskID: t.ID, ProjectID: t.ProjectID, Gate: string(gate), ActorID: actorID})
}

func firstGateIn(t domain.Task, state string) (pipeline.Gate, bool) {
	for _, g := range pipeline.Sequence {
		if gs, ok := t.GateStatus[string(g)]; ok && gs.Status == state {
			return g, true
		}
	}
	return "", false
}

// Approve passes the human checkpoint.
func (e Engine) Approve(ctx context.Context, taskID, actorID, notes string) (domain.Task, error) {
	if actorID == "" {
		return domain.Task{}, fmt.Errorf("%w: approver is required", ErrInvalidInput)
	}
	var t domain.Task
	var out []domain.Notification
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		t, err = e.Repo.GetTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if t.Status != string(pipeline.StatusHumanCheckpoint) {
			return fmt.Errorf("%w: task %s is %s, not human_checkpoint", ErrInvalidTransition, t.ID, t.Status)
		}
		now := e.ts()
		gs := gateState(t, pipeline.GateHumanCheckpoint)
		gs.Status = pipeline.GatePassed
		gs.Attempts = 1
		gs.PassedAt = now
		t.GateStatus[string(pipeline.GateHumanCheckpoint)] = gs
		t.Status = string(pipeline.StatusDone)
		t.CompletedAt = &now
		t.UpdatedAt = now
		if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
			return err
		}
		err = e.Repo.InsertVerificationTx(ctx, tx, domain.Verification{
			ID: uuid.NewString(), ProjectID: t.ProjectID, TaskID: t.ID, Gate: string(pipeline.GateHumanCheckpoint),
			Round: gs.Round, Attempt: 1, VerifiedBy: actorID, Status: pipeline.OutcomePass, Summary: notes, CreatedAt: now,
		})
		if err != nil {
			return err
		}
		out = append(out, domain.Notification{
			Type: notify.TypeInfo, ProjectID: t.ProjectID, TaskID: t.ID,
			Message: fmt.Sprintf("%q approved by %s", t.Title, actorID),
		})
		return e.Events.Append(ctx, tx, events.CheckpointApproved, t.ProjectID, "task", t.ID, actorID, events.EventPayload{"notes": notes})
	})
	if err != nil {
		return t, err
	}
	e.notify(ctx, out)
	return t, nil
}

// Reject ends the task at the human checkpoint or at an escalated gate.
func (e Engine) Reject(ctx context.Context, taskID, actorID, notes string) (domain.Task, error) {
	if strings.TrimSpace(notes) == "" {
		return domain.Task{}, fmt.Errorf("%w: rejection notes are required", ErrInvalidInput)
	}
	if actorID == "" {
		return domain.Task{}, fmt.Errorf("%w: reviewer is required", ErrInvalidInput)
	}
	var t domain.Task
	var out []domain.Notification
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		t, err = e.Repo.GetTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		var gate pipeline.Gate
		attempt := 1
		switch pipeline.Status(t.Status) {
		case pipeline.StatusHumanCheckpoint:
			gate = pipeline.GateHumanCheckpoint
		case pipeline.StatusEscalated:
			g, ok := firstGateIn(t, pipeline.GateEscalated)
			if !ok {
				return fmt.Errorf("%w: task %s has no escalated gate", ErrInvalidTransition, t.ID)
			}
			gate = g
			attempt = 0
		default:
			return fmt.Errorf("%w: task %s is %s; reject needs human_checkpoint or escalated", ErrInvalidTransition, t.ID, t.Status)
		}
		now := e.ts()
		gs := gateState(t, gate)
		if gate == pipeline.GateHumanCheckpoint {
			gs.Status = pipeline.GateFailed
			gs.Attempts = 1
		}
		gs.LastError = notes
		t.GateStatus[string(gate)] = gs
		t.Status = string(pipeline.StatusRejected)
		t.UpdatedAt = now
		if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
			return err
		}
		err = e.Repo.InsertVerificationTx(ctx, tx, domain.Verification{
			ID: uuid.NewString(), ProjectID: t.ProjectID, TaskID: t.ID, Gate: string(gate),
			Round: gs.Round, Attempt: attempt, VerifiedBy: actorID, Status: pipeline.OutcomeFail,
			Summary: notes, AutoFixAction: "human:" + ActionReject, CreatedAt: now,
		})
		if err != nil {
			return err
		}
		out = append(out, domain.Notification{
			Type: notify.TypeWarning, ProjectID: t.ProjectID, TaskID: t.ID,
			Message: fmt.Sprintf("%q rejected by %s at %s: %s", t.Title, actorID, gate, notes),
		})
		return e.Events.Append(ctx, tx, events.CheckpointRejected, t.ProjectID, "task", t.ID, actorID, events.EventPayload{"gate": string(gate), "notes": notes})
	})
	if err != nil {
		return t, err
	}
	e.notify(ctx, out)
	return t, nil
}

// RetryWithInstructions resets the escalated gate and runs it again. The
// instructions are recorded with the reset and sent to the feed.
func (e Engine) RetryWithInstructions(ctx context.Context, taskID, actorID, instructions string) (GateOutcome, error) {
	if strings.TrimSpace(instructions) == "" {
		return GateOutcome{}, fmt.Errorf("%w: instructions are required", ErrInvalidInput)
	}
	return e.resetEscalated(ctx, taskID, actorID, ActionRetry, instructions, func(t *domain.Task) error { return nil })
}

// Reassign hands the escalated task to another agent and resets the gate.
func (e Engine) Reassign(ctx context.Context, taskID, actorID, agentName string) (GateOutcome, error) {
	if strings.TrimSpace(agentName) == "" {
		return GateOutcome{}, fmt.Errorf("%w: agent is required", ErrInvalidInput)
	}
	if e.Agents != nil {
		a, err := e.Agents.Resolve(ctx, agentName)
		if err != nil {
			return GateOutcome{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		agentName = a.Name
	}
	return e.resetEscalated(ctx, taskID, actorID, ActionReassign, "reassigned to "+agentName, func(t *domain.Task) error {
		t.AssigneeID = &agentName
		return nil
	})
}

// AdjustCriteria replaces the acceptance criteria of an escalated task and
// resets the gate.
func (e Engine) AdjustCriteria(ctx context.Context, taskID, actorID string, criteria []domain.Criterion) (GateOutcome, error) {
	normalized, err := normalizeCriteria(criteria)
	if err != nil {
		return GateOutcome{}, err
	}
	summary := fmt.Sprintf("acceptance criteria replaced (%d)", len(normalized))
	return e.resetEscalated(ctx, taskID, actorID, ActionAdjustCriteria, summary, func(t *domain.Task) error {
		t.AcceptanceCriteria = normalized
		return nil
	})
}

// resetEscalated starts a new round on the escalated gate: attempts go back to
// 0, the gate to pending, the task to the gate's status. The decision is kept
// as attempt 0 of the round it closes.
func (e Engine) resetEscalated(ctx context.Context, taskID, actorID, action, summary string, mutate func(*domain.Task) error) (GateOutcome, error) {
	if actorID == "" {
		return GateOutcome{}, fmt.Errorf("%w: actor is required", ErrInvalidInput)
	}
	var t domain.Task
	var gate pipeline.Gate
	var notes []domain.Notification
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		t, err = e.Repo.GetTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if t.Status != string(pipeline.StatusEscalated) {
			return fmt.Errorf("%w: task %s is %s, not escalated", ErrInvalidTransition, t.ID, t.Status)
		}
		g, ok := firstGateIn(t, pipeline.GateEscalated)
		if !ok {
			return fmt.Errorf("%w: task %s has no escalated gate", ErrInvalidTransition, t.ID)
		}
		gate = g
		if err := mutate(&t); err != nil {
			return err
		}
		now := e.ts()
		prev := gateState(t, gate)
		err = e.Repo.InsertVerificationTx(ctx, tx, domain.Verification{
			ID: uuid.NewString(), ProjectID: t.ProjectID, TaskID: t.ID, Gate: string(gate),
			Round: prev.Round, Attempt: 0, VerifiedBy: actorID, Status: pipeline.OutcomeEscalated,
			Summary: summary, AutoFixAction: "human:" + action, CreatedAt: now,
		})
		if errors.Is(err, repo.ErrDuplicate) {
			return fmt.Errorf("%w: round %d of %s already has a human decision", ErrInvalidTransition, prev.Round, gate)
		}
		if err != nil {
			return err
		}
		t.GateStatus[string(gate)] = domain.GateState{
			Status: pipeline.GatePending, MaxAttempts: pipeline.MaxAttempts, Round: prev.Round + 1,
		}
		t.Status = string(gate.Status())
		t.UpdatedAt = now
		if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
			return err
		}
		notes = append(notes, domain.Notification{
			Type: notify.TypeInfo, ProjectID: t.ProjectID, TaskID: t.ID,
			Message: fmt.Sprintf("%s on %q at %s by %s: %s", action, t.Title, gate, actorID, summary),
		})
		return e.Events.Append(ctx, tx, events.GateReset, t.ProjectID, "task", t.ID, actorID, events.EventPayload{
			"gate": string(gate), "action": action, "summary": summary, "round": prev.Round + 1,
		})
	})
	if err != nil {
		return GateOutcome{}, err
	}
	e.notify(ctx, notes)
	return e.RunGate(ctx, GateRequest{TaskID: t.ID, ProjectID: t.ProjectID, Gate: string(gate), ActorID: actorID})
}

// Escalation is an escalated task with the context of its last attempt.
type Escalation struct {
	Task   domain.Task         `json:"task"`
	Gate   string              `json:"gate"`
	Record domain.Verification `json:"record"`
}

// ListEscalations returns the tasks waiting for a human decision.
func (e Engine) ListEscalations(ctx context.Context, projectID string) ([]Escalation, error) {
	tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{ProjectID: projectID, Statuses: []string{string(pipeline.StatusEscalated)}})
	if err != nil {
		return nil, err
	}
	out := make([]Escalation, 0, len(tasks))
	for _, t := range tasks {
		g, ok := firstGateIn(t, pipeline.GateEscalated)
		if !ok {
			continue
		}
		esc := Escalation{Task: t, Gate: string(g)}
		gs := gateState(t, g)
		if v, err := e.Repo.GetVerificationByKey(ctx, nil, t.ID, string(g), gs.Round, gs.Attempts); err == nil {
			esc.Record = v
		} else if !errors.Is(err, repo.ErrNotFound) {
			return nil, err
		}
		out = append(out, esc)
	}
	return out, nil
}
