package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written by the engine and the War Room.
const (
	TaskCreated         = "task.created"
	TaskStatusChanged   = "task.status.changed"
	TaskSubmitted       = "task.submitted"
	GateStarted         = "gate.started"
	GatePassed          = "gate.passed"
	GateFailed          = "gate.failed"
	GateEscalated       = "gate.escalated"
	GateReset           = "gate.reset"
	AutoFixCompleted    = "autofix.completed"
	CheckpointApproved  = "checkpoint.approved"
	CheckpointRejected  = "checkpoint.rejected"
	DeployReceived      = "deploy.received"
	ProjectCreated      = "project.created"
	DiscussionStarted   = "discussion.started"
	DiscussionFinished  = "discussion.finished"
	HandRaised          = "hand.raised"
	HandsLowered        = "hands.lowered"
	MessageRouted       = "message.routed"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one event row inside tx so it commits with the state change it
// describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	return w.append(ctx, tx, evtType, projectID, entityKind, entityID, actorID, payload)
}

// AppendDirect writes an event outside a transaction, for flows that have no
// other state change to commit with.
func (w Writer) AppendDirect(ctx context.Context, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	return w.append(ctx, w.DB, evtType, projectID, entityKind, entityID, actorID, payload)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (w Writer) append(ctx context.Context, ex execer, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	if actorID == "" {
		actorID = "system"
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = ex.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(projectID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
