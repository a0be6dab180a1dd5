package olympussdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Olympus HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	// ActorID is sent as X-Actor-Id; servers with bearer auth ignore it.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  2 * time.Minute,
	}
}

// GateState is the per-gate progress stored on a task.
type GateState struct {
	Status      string `json:"status"`
	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"max_attempts"`
	Round       int    `json:"round"`
	LastError   string `json:"last_error,omitempty"`
}

type Criterion struct {
	ID             string `json:"id,omitempty"`
	Description    string `json:"description"`
	Type           string `json:"type,omitempty"`
	TestSelector   string `json:"test_selector,omitempty"`
	TestAction     string `json:"test_action,omitempty"`
	ActionValue    string `json:"action_value,omitempty"`
	ExpectedResult string `json:"expected_result,omitempty"`
}

// Task represents the API task model (partial).
type Task struct {
	ID                      string               `json:"id"`
	ProjectID               string               `json:"project_id"`
	Title                   string               `json:"title"`
	Status                  string               `json:"status"`
	Assignee                string               `json:"assignee,omitempty"`
	RequiresHumanCheckpoint bool                 `json:"requires_human_checkpoint"`
	GateStatus              map[string]GateState `json:"gate_status"`
	AcceptanceCriteria      []Criterion          `json:"acceptance_criteria"`
}

type NewTask struct {
	ID                 string      `json:"id,omitempty"`
	Title              string      `json:"title"`
	Description        string      `json:"description,omitempty"`
	Assignee           string      `json:"assignee,omitempty"`
	HumanCheckpoint    *bool       `json:"requires_human_checkpoint,omitempty"`
	AcceptanceCriteria []Criterion `json:"acceptance_criteria,omitempty"`
}

// GateStep is one gate run that followed automatically.
type GateStep struct {
	Gate       string `json:"gate"`
	Passed     bool   `json:"passed"`
	Attempt    int    `json:"attempt"`
	TaskStatus string `json:"task_status"`
	Summary    string `json:"summary,omitempty"`
}

// GateRun is the outcome of a gate run, including chained gates.
type GateRun struct {
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

type DeployEvent struct {
	ProjectID string `json:"project_id"`
	Commit    string `json:"commit"`
	DeployURL string `json:"deploy_url,omitempty"`
	Status    string `json:"status,omitempty"`
}

type DeployResult struct {
	Status    string `json:"status"`
	Triggered []struct {
		TaskID     string `json:"task_id"`
		Gate       string `json:"gate"`
		Passed     bool   `json:"passed"`
		TaskStatus string `json:"task_status,omitempty"`
		Error      string `json:"error,omitempty"`
	} `json:"triggered"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

type RouteResult struct {
	Status    string   `json:"status"`
	MessageID string   `json:"message_id"`
	Mode      string   `json:"mode,omitempty"`
	Reason    string   `json:"reason,omitempty"`
	Responded []string `json:"responded"`
	Failed    []string `json:"failed"`
}

type DiscussionResult struct {
	Status             string   `json:"status"`
	DiscussionID       string   `json:"discussion_id"`
	AgentsParticipated []string `json:"agents_participated"`
	TotalTokens        int      `json:"total_tokens"`
	Stopped            bool     `json:"stopped"`
	StopReason         string   `json:"stop_reason,omitempty"`
	Summary            string   `json:"summary,omitempty"`
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the body has one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateTask creates a task in project.
func (c *Client) CreateTask(ctx context.Context, projectID string, t NewTask) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("projects/%s/tasks", url.PathEscape(projectID)), t, &resp)
	return resp, err
}

func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Submit sends a task into the verification pipeline.
func (c *Client) Submit(ctx context.Context, taskID string) (GateRun, error) {
	var resp GateRun
	err := c.do(ctx, http.MethodPost, c.taskPath(taskID, "submit"), nil, &resp)
	return resp, err
}

// RunGate runs one attempt of gate. Attempt 0 lets the server pick the next one.
func (c *Client) RunGate(ctx context.Context, taskID, gate string, attempt int) (GateRun, error) {
	body := map[string]any{"task_id": taskID, "gate": gate}
	if attempt > 0 {
		body["attempt"] = attempt
	}
	var resp GateRun
	err := c.do(ctx, http.MethodPost, "gates/run", body, &resp)
	return resp, err
}

// DeployEvent reports a finished deployment.
func (c *Client) DeployEvent(ctx context.Context, ev DeployEvent) (DeployResult, error) {
	var resp DeployResult
	err := c.do(ctx, http.MethodPost, "deploy-events", ev, &resp)
	return resp, err
}

func (c *Client) CompleteAutoFix(ctx context.Context, taskID, notes string) (GateRun, error) {
	var resp GateRun
	err := c.do(ctx, http.MethodPost, c.taskPath(taskID, "auto-fix/complete"), map[string]any{"notes": notes}, &resp)
	return resp, err
}

func (c *Client) Approve(ctx context.Context, taskID, notes string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.taskPath(taskID, "checkpoint/approve"), map[string]any{"notes": notes}, &resp)
	return resp, err
}

func (c *Client) Reject(ctx context.Context, taskID, notes string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.taskPath(taskID, "checkpoint/reject"), map[string]any{"notes": notes}, &resp)
	return resp, err
}

func (c *Client) Retry(ctx context.Context, taskID, instructions string) (GateRun, error) {
	var resp GateRun
	err := c.do(ctx, http.MethodPost, c.taskPath(taskID, "escalation/retry"), map[string]any{"instructions": instructions}, &resp)
	return resp, err
}

func (c *Client) Reassign(ctx context.Context, taskID, agent string) (GateRun, error) {
	var resp GateRun
	err := c.do(ctx, http.MethodPost, c.taskPath(taskID, "escalation/reassign"), map[string]any{"agent": agent}, &resp)
	return resp, err
}

func (c *Client) AdjustCriteria(ctx context.Context, taskID string, criteria []Criterion) (GateRun, error) {
	var resp GateRun
	err := c.do(ctx, http.MethodPost, c.taskPath(taskID, "escalation/criteria"), map[string]any{"acceptance_criteria": criteria}, &resp)
	return resp, err
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, projectID string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if projectID != "" {
		q.Set("project_id", projectID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// RouteMessage posts a chat message to a War Room and waits for the replies.
func (c *Client) RouteMessage(ctx context.Context, roomID, sender, content string) (RouteResult, error) {
	body := map[string]any{"room_id": roomID, "content": content}
	if sender != "" {
		body["sender_name"] = sender
	}
	var resp RouteResult
	err := c.do(ctx, http.MethodPost, "messages/route", body, &resp)
	return resp, err
}

// StartDiscussion runs a discussion to completion and returns its summary.
func (c *Client) StartDiscussion(ctx context.Context, roomID, topic, deliverable string, agents []string) (DiscussionResult, error) {
	body := map[string]any{"room_id": roomID, "topic": topic, "agents": agents}
	if deliverable != "" {
		body["deliverable"] = deliverable
	}
	var resp DiscussionResult
	err := c.do(ctx, http.MethodPost, "discussions", body, &resp)
	return resp, err
}

func (c *Client) StopDiscussion(ctx context.Context, id string) (bool, error) {
	var resp struct {
		Stopped bool `json:"stopped"`
	}
	err := c.do(ctx, http.MethodPost, "discussions/"+url.PathEscape(id)+"/stop", nil, &resp)
	return resp.Stopped, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	var reader io.Reader
	if body != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
		reader = &buf
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base()+"/"+strings.TrimLeft(endpoint, "/"), reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	if c.ActorID != "" {
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) taskPath(taskID, action string) string {
	return fmt.Sprintf("tasks/%s/%s", url.PathEscape(taskID), action)
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
