package domain

type Project struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	LiveURL          string   `json:"live_url,omitempty"`
	RepoPath         string   `json:"repo_path,omitempty"`
	ExpectedRoutes   []string `json:"expected_routes,omitempty"`
	ExpectedElements []string `json:"expected_elements,omitempty"`
	CreatedAt        string   `json:"created_at" format:"date-time"`
}

// GateState is one entry of a task's gate_status map.
type GateState struct {
	Status      string `json:"status" enum:"pending,running,passed,failed,escalated"`
	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"max_attempts"`
	Round       int    `json:"round"`
	LastError   string `json:"last_error,omitempty"`
	PassedAt    string `json:"passed_at,omitempty" format:"date-time"`
}

type Criterion struct {
	ID             string `json:"id"`
	Description    string `json:"description"`
	Type           string `json:"type"`
	TestSelector   string `json:"test_selector,omitempty"`
	TestAction     string `json:"test_action,omitempty" enum:"click,type,hover,none,"`
	ActionValue    string `json:"action_value,omitempty"`
	ExpectedResult string `json:"expected_result,omitempty"`
}

type Task struct {
	ID                      string               `json:"id"`
	ProjectID               string               `json:"project_id"`
	Title                   string               `json:"title"`
	Description             string               `json:"description,omitempty"`
	Status                  string               `json:"status" enum:"inbox,assigned,in_progress,review,blocked,build_check,deploy_check,perception_check,auto_fix,human_checkpoint,escalated,rejected,done"`
	AssigneeID              *string              `json:"assignee,omitempty"`
	RequiresHumanCheckpoint bool                 `json:"requires_human_checkpoint"`
	GateStatus              map[string]GateState `json:"gate_status"`
	AcceptanceCriteria      []Criterion          `json:"acceptance_criteria"`
	CreatedAt               string               `json:"created_at" format:"date-time"`
	UpdatedAt               string               `json:"updated_at" format:"date-time"`
	CompletedAt             *string              `json:"completed_at,omitempty" format:"date-time"`
}

// Verification is the append-only record of one gate attempt.
type Verification struct {
	ID                string         `json:"id"`
	ProjectID         string         `json:"project_id"`
	TaskID            string         `json:"task_id"`
	Gate              string         `json:"gate"`
	Round             int            `json:"round"`
	Attempt           int            `json:"attempt"`
	VerifiedBy        string         `json:"verified_by"`
	Status            string         `json:"status" enum:"pass,fail,escalated"`
	Summary           string         `json:"summary,omitempty"`
	Details           map[string]any `json:"details,omitempty"`
	AutoFixAction     string         `json:"auto_fix_action,omitempty"`
	AutoFixResult     string         `json:"auto_fix_result,omitempty"`
	EscalationContext map[string]any `json:"escalation_context,omitempty"`
	CreatedAt         string         `json:"created_at" format:"date-time"`
}

type Agent struct {
	Name         string `json:"name"`
	Role         string `json:"role"`
	EndpointKind string `json:"endpoint_kind" enum:"openai,human,none"`
	EndpointURL  string `json:"endpoint_url,omitempty"`
	Model        string `json:"model,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	VoiceID      string `json:"voice_id,omitempty"`
	SessionKey   string `json:"session_key,omitempty"`
}

type Room struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	RoutingMode string `json:"routing_mode" enum:"all,mentioned,moderated"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Participant struct {
	RoomID       string `json:"room_id"`
	Name         string `json:"name"`
	Type         string `json:"type" enum:"human,agent"`
	Active       bool   `json:"active"`
	HandRaised   bool   `json:"hand_raised"`
	HandReason   string `json:"hand_reason,omitempty"`
	HandRaisedAt string `json:"hand_raised_at,omitempty" format:"date-time"`
}

type Message struct {
	ID            string         `json:"id"`
	RoomID        string         `json:"room_id"`
	Seq           int64          `json:"seq"`
	SenderName    string         `json:"sender_name"`
	SenderType    string         `json:"sender_type" enum:"human,agent,system"`
	Content       string         `json:"content"`
	ContentType   string         `json:"content_type"`
	AudioURL      string         `json:"audio_url,omitempty"`
	Model         string         `json:"model,omitempty"`
	TokensUsed    int            `json:"tokens_used,omitempty"`
	LatencyMS     int64          `json:"latency_ms,omitempty"`
	RoutingReason string         `json:"routing_reason,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     string         `json:"created_at" format:"date-time"`
}

type Notification struct {
	ID        int64          `json:"id"`
	Type      string         `json:"type" enum:"info,warning,escalation,prod_alert"`
	ProjectID string         `json:"project_id,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Forwarded bool           `json:"forwarded"`
	CreatedAt string         `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
