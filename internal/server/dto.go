package server

import (
	"encoding/json"

	"github.com/aicallyu/olympus/internal/domain"
	"github.com/aicallyu/olympus/internal/engine"
)

// Request payloads

type CriterionRequest struct {
	ID             string `json:"id,omitempty"`
	Description    string `json:"description"`
	Type           string `json:"type,omitempty"`
	TestSelector   string `json:"test_selector,omitempty"`
	TestAction     string `json:"test_action,omitempty" enum:"click,type,hover,none"`
	ActionValue    string `json:"action_value,omitempty"`
	ExpectedResult string `json:"expected_result,omitempty"`
}

type CreateProjectRequest struct {
	ID               string   `json:"id"`
	Name             string   `json:"name,omitempty"`
	LiveURL          string   `json:"live_url,omitempty"`
	RepoPath         string   `json:"repo_path,omitempty"`
	ExpectedRoutes   []string `json:"expected_routes,omitempty"`
	ExpectedElements []string `json:"expected_elements,omitempty"`
}

type CreateTaskRequest struct {
	ID                 string             `json:"id,omitempty"`
	Title              string             `json:"title"`
	Description        string             `json:"description,omitempty"`
	Assignee           string             `json:"assignee,omitempty"`
	HumanCheckpoint    *bool              `json:"requires_human_checkpoint,omitempty"`
	AcceptanceCriteria []CriterionRequest `json:"acceptance_criteria,omitempty"`
}

type SetStatusRequest struct {
	Status string `json:"status" enum:"inbox,assigned,in_progress,review,blocked,done"`
}

type AssignRequest struct {
	Assignee string `json:"assignee"`
}

type RunGateRequest struct {
	TaskID             string             `json:"task_id"`
	ProjectID          string             `json:"project_id,omitempty"`
	Gate               string             `json:"gate" enum:"build_check,deploy_check,perception_check"`
	Attempt            int                `json:"attempt,omitempty" minimum:"0"`
	AcceptanceCriteria []CriterionRequest `json:"acceptance_criteria,omitempty"`
}

type DeployEventRequest struct {
	ProjectID string `json:"project_id"`
	Commit    string `json:"commit"`
	DeployURL string `json:"deploy_url,omitempty"`
	Status    string `json:"status,omitempty"`
}

type NotesRequest struct {
	Notes string `json:"notes,omitempty"`
}

type RetryRequest struct {
	Instructions string `json:"instructions"`
}

type ReassignRequest struct {
	Agent string `json:"agent"`
}

type AdjustCriteriaRequest struct {
	AcceptanceCriteria []CriterionRequest `json:"acceptance_criteria"`
}

type CreateRoomRequest struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	RoutingMode string `json:"routing_mode,omitempty" enum:"all,mentioned,moderated"`
}

type SetRoutingModeRequest struct {
	RoutingMode string `json:"routing_mode" enum:"all,mentioned,moderated"`
}

type AddParticipantRequest struct {
	Name string `json:"name"`
}

type RouteMessageRequest struct {
	MessageID   string `json:"message_id,omitempty"`
	RoomID      string `json:"room_id"`
	SenderName  string `json:"sender_name,omitempty"`
	SenderType  string `json:"sender_type,omitempty" enum:"human,agent"`
	Content     string `json:"content,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	AudioURL    string `json:"audio_url,omitempty"`
}

type RaiseHandRequest struct {
	Name   string `json:"name"`
	Reason string `json:"reason,omitempty"`
}

type RespondHandsRequest struct {
	Names []string `json:"names,omitempty"`
}

type StartDiscussionRequest struct {
	DiscussionID string   `json:"discussion_id,omitempty"`
	RoomID       string   `json:"room_id"`
	Topic        string   `json:"topic"`
	Deliverable  string   `json:"deliverable,omitempty"`
	Agents       []string `json:"agents"`
}

// Response payloads

type GateRunResponse struct {
	Status     string     `json:"status"`
	Gate       string     `json:"gate"`
	Passed     bool       `json:"passed"`
	Attempt    int        `json:"attempt"`
	Round      int        `json:"round"`
	TaskStatus string     `json:"task_status"`
	Duplicate  bool       `json:"duplicate"`
	Summary    string     `json:"summary,omitempty"`
	RoutedTo   string     `json:"routed_to,omitempty"`
	Chain      []GateStep `json:"chain,omitempty"`
}

// GateStep is one automatically chained gate run.
type GateStep struct {
	Gate       string `json:"gate"`
	Passed     bool   `json:"passed"`
	Attempt    int    `json:"attempt"`
	TaskStatus string `json:"task_status"`
	Summary    string `json:"summary,omitempty"`
}

type HandsLoweredResponse struct {
	Lowered int `json:"lowered"`
}

type StopResponse struct {
	Stopped bool `json:"stopped"`
}

type EventResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts"`
	Type       string          `json:"type"`
	ProjectID  string          `json:"project_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type TaskList struct {
	Items []domain.Task `json:"items"`
}

type VerificationList struct {
	Items []domain.Verification `json:"items"`
}

type NotificationList struct {
	Items []domain.Notification `json:"items"`
}

type EscalationList struct {
	Items []engine.Escalation `json:"items"`
}

type RoomList struct {
	Items []domain.Room `json:"items"`
}

type ParticipantList struct {
	Items []domain.Participant `json:"items"`
}

type MessageList struct {
	Items []domain.Message `json:"items"`
}

func criteria(in []CriterionRequest) []domain.Criterion {
	out := make([]domain.Criterion, 0, len(in))
	for _, c := range in {
		out = append(out, domain.Criterion{
			ID:             c.ID,
			Description:    c.Description,
			Type:           c.Type,
			TestSelector:   c.TestSelector,
			TestAction:     c.TestAction,
			ActionValue:    c.ActionValue,
			ExpectedResult: c.ExpectedResult,
		})
	}
	return out
}

func gateRunResponse(o engine.GateOutcome) GateRunResponse {
	var chain []GateStep
	for _, c := range o.Chain {
		chain = append(chain, GateStep{Gate: c.Gate, Passed: c.Passed, Attempt: c.Attempt, TaskStatus: c.TaskStatus, Summary: c.Summary})
	}
	return GateRunResponse{
		Status:     "ok",
		Gate:       o.Gate,
		Passed:     o.Passed,
		Attempt:    o.Attempt,
		Round:      o.Round,
		TaskStatus: o.FinalStatus(),
		Duplicate:  o.Duplicate,
		Summary:    o.Summary,
		RoutedTo:   o.RoutedTo,
		Chain:      chain,
	}
}

func eventResponse(evt domain.Event) EventResponse {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		ProjectID:  evt.ProjectID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    payload,
	}
}
