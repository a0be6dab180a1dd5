package warroom

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/aicallyu/olympus/internal/agent"
	"github.com/aicallyu/olympus/internal/domain"
	"github.com/aicallyu/olympus/internal/events"
)

// Stop reasons reported on a discussion result.
const (
	StopTimeBudget  = "time_budget"
	StopTokenBudget = "token_budget"
	StopCancelled   = "cancelled"
)

// Orchestrator runs one-pass round-robin discussions between agents and asks
// a moderator for the synthesis.
type Orchestrator struct {
	Store     Store
	Agents    Directory
	Invoker   agent.Invoker
	Events    EventLog
	Moderator string

	MaxDuration     time.Duration
	MaxTokens       int
	ContextMessages int
	TurnTimeout     time.Duration
	Logger          *slog.Logger
	Now             func() time.Time

	mu      sync.Mutex
	running map[string]running
}

type running struct {
	roomID string
	cancel context.CancelFunc
}

type DiscussionRequest struct {
	ID          string   `json:"discussion_id,omitempty"`
	RoomID      string   `json:"room_id"`
	Topic       string   `json:"topic"`
	Deliverable string   `json:"deliverable,omitempty"`
	Agents      []string `json:"agents"`
	StartedBy   string   `json:"started_by,omitempty"`
}

type Contribution struct {
	Agent     string `json:"agent"`
	Content   string `json:"content"`
	Tokens    int    `json:"tokens"`
	MessageID string `json:"message_id"`
}

type DiscussionResult struct {
	Status             string         `json:"status" enum:"completed,stopped"`
	DiscussionID       string         `json:"discussion_id"`
	AgentsParticipated []string       `json:"agents_participated"`
	Contributions      []Contribution `json:"contributions"`
	TotalTokens        int            `json:"total_tokens"`
	Stopped            bool           `json:"stopped"`
	StopReason         string         `json:"stop_reason,omitempty"`
	Summary            string         `json:"summary,omitempty"`
}

func (o *Orchestrator) logger() *slog.Logger { return orDefault(o.Logger) }

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func (o *Orchestrator) register(id, roomID string, cancel context.CancelFunc) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running == nil {
		o.running = map[string]running{}
	}
	if _, busy := o.running[id]; busy {
		return false
	}
	o.running[id] = running{roomID: roomID, cancel: cancel}
	return true
}

func (o *Orchestrator) unregister(id string) {
	o.mu.Lock()
	delete(o.running, id)
	o.mu.Unlock()
}

// Stop cancels a running discussion. It reports whether one was found.
func (o *Orchestrator) Stop(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.running[id]
	if ok {
		r.cancel()
	}
	return ok
}

// StopRoom cancels every discussion running in a room.
func (o *Orchestrator) StopRoom(roomID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, r := range o.running {
		if r.roomID == roomID {
			r.cancel()
			n++
		}
	}
	return n
}

// Running lists the ids of discussions in progress.
func (o *Orchestrator) Running() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.running))
	for id := range o.running {
		ids = append(ids, id)
	}
	return ids
}

// Start runs a discussion to completion and returns its result. A failed
// turn is logged and skipped; a failed summary leaves the contributions in
// the room without a synthesis.
func (o *Orchestrator) Start(ctx context.Context, req DiscussionRequest) (DiscussionResult, error) {
	if strings.TrimSpace(req.RoomID) == "" || strings.TrimSpace(req.Topic) == "" {
		return DiscussionResult{}, fmt.Errorf("%w: room_id and topic are required", ErrInvalidRequest)
	}
	if _, err := o.Store.GetRoom(ctx, req.RoomID); err != nil {
		return DiscussionResult{}, fmt.Errorf("room %s: %w", req.RoomID, err)
	}
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !o.register(id, req.RoomID, cancel) {
		return DiscussionResult{}, fmt.Errorf("%w: %s", ErrDiscussionRunning, id)
	}
	defer o.unregister(id)

	ctx, span := otel.Tracer("olympus/warroom").Start(ctx, "discussion")
	defer span.End()
	span.SetAttributes(attribute.String("discussion.id", id), attribute.String("room.id", req.RoomID))

	res := DiscussionResult{Status: "completed", DiscussionID: id, AgentsParticipated: []string{}, Contributions: []Contribution{}}
	start := o.now()
	participants := o.participants(ctx, req.Agents)
	names := make([]string, 0, len(participants))
	for _, a := range participants {
		names = append(names, a.Name)
	}
	o.post(ctx, req.RoomID, id, ContentDiscussionStart, fmt.Sprintf("Discussion started: %s", req.Topic), map[string]any{
		"topic": req.Topic, "deliverable": req.Deliverable, "agents": names,
	})
	appendEvent(ctx, o.Events, o.Logger, events.DiscussionStarted, req.RoomID, req.StartedBy, events.EventPayload{
		"discussion_id": id, "topic": req.Topic, "agents": names,
	})

	history, err := o.Store.RecentMessages(ctx, req.RoomID, o.contextSize())
	if err != nil {
		o.logger().Warn("load discussion context", "discussion_id", id, "err", err)
	}
	background := transcript(history)

	for i, a := range participants {
		if reason := o.budgetExceeded(ctx, start, res.TotalTokens); reason != "" {
			res.Stopped = true
			res.StopReason = reason
			break
		}
		c, err := o.turn(ctx, req, id, i+1, a, background, res.Contributions)
		if err != nil {
			o.logger().Warn("discussion turn failed", "discussion_id", id, "agent", a.Name, "err", err)
			continue
		}
		res.Contributions = append(res.Contributions, c)
		res.AgentsParticipated = append(res.AgentsParticipated, c.Agent)
		res.TotalTokens += c.Tokens
	}
	if !res.Stopped && ctx.Err() != nil {
		res.Stopped = true
		res.StopReason = StopCancelled
	}

	if res.Stopped {
		res.Status = "stopped"
		// The stop notice must land even after cancellation.
		o.post(context.WithoutCancel(ctx), req.RoomID, id, ContentNotice, stopNotice(res.StopReason, len(res.Contributions)), map[string]any{"reason": res.StopReason})
	}
	if len(res.Contributions) > 0 && res.StopReason != StopCancelled {
		summary, err := o.summarize(ctx, req, id, res.Contributions)
		if err != nil {
			o.logger().Warn("discussion summary failed", "discussion_id", id, "err", err)
		}
		res.Summary = summary
	}
	appendEvent(context.WithoutCancel(ctx), o.Events, o.Logger, events.DiscussionFinished, req.RoomID, req.StartedBy, events.EventPayload{
		"discussion_id": id, "status": res.Status, "stop_reason": res.StopReason,
		"contributions": len(res.Contributions), "total_tokens": res.TotalTokens,
	})
	o.logger().Info("discussion finished", "discussion_id", id, "status", res.Status, "contributions", len(res.Contributions), "tokens", res.TotalTokens)
	return res, nil
}

func (o *Orchestrator) contextSize() int {
	if o.ContextMessages > 0 {
		return o.ContextMessages
	}
	return 15
}

// participants resolves the requested agents, skipping unknown names, humans,
// agents without endpoint and the moderator.
func (o *Orchestrator) participants(ctx context.Context, names []string) []domain.Agent {
	var out []domain.Agent
	seen := map[string]bool{}
	for _, n := range names {
		a, err := o.Agents.Resolve(ctx, n)
		if err != nil {
			o.logger().Warn("skip discussion participant", "name", n, "err", err)
			continue
		}
		key := strings.ToLower(a.Name)
		if seen[key] || agent.IsHuman(a) || a.EndpointKind == agent.KindNone || strings.EqualFold(a.Name, o.Moderator) {
			continue
		}
		seen[key] = true
		out = append(out, a)
	}
	return out
}

func (o *Orchestrator) budgetExceeded(ctx context.Context, start time.Time, tokens int) string {
	if ctx.Err() != nil {
		return StopCancelled
	}
	if o.MaxDuration > 0 && o.now().Sub(start) >= o.MaxDuration {
		return StopTimeBudget
	}
	if o.MaxTokens > 0 && tokens >= o.MaxTokens {
		return StopTokenBudget
	}
	return ""
}

func stopNotice(reason string, contributions int) string {
	switch reason {
	case StopTimeBudget:
		return fmt.Sprintf("Discussion time limit reached after %d contributions.", contributions)
	case StopTokenBudget:
		return fmt.Sprintf("Discussion token budget reached after %d contributions.", contributions)
	}
	return "Discussion stopped."
}

func (o *Orchestrator) turn(ctx context.Context, req DiscussionRequest, id string, n int, a domain.Agent, background string, prior []Contribution) (c Contribution, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	ctx, span := otel.Tracer("olympus/warroom").Start(ctx, "discussion.turn")
	defer span.End()
	span.SetAttributes(attribute.String("agent.name", a.Name), attribute.Int("turn", n))

	timeout := o.TurnTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	reply, err := o.Invoker.Invoke(callCtx, a, agent.Request{
		Messages:  []agent.ChatMessage{{Role: "user", Content: turnPrompt(req, a, background, prior)}},
		MaxTokens: 600,
	})
	if err != nil {
		return c, err
	}
	if strings.TrimSpace(reply.Content) == "" {
		return c, fmt.Errorf("%s returned an empty contribution", a.Name)
	}
	m, err := o.Store.InsertMessage(ctx, domain.Message{
		ID: uuid.NewString(), RoomID: req.RoomID, SenderName: a.Name, SenderType: SenderAgent,
		Content: reply.Content, ContentType: ContentDiscussion, Model: reply.Model,
		TokensUsed: reply.TokensUsed, LatencyMS: reply.LatencyMS,
		RoutingReason: "discussion turn " + fmt.Sprint(n),
		Metadata:      map[string]any{"discussion_id": id, "turn": n},
		CreatedAt:     timestamp(o.Now),
	})
	if err != nil {
		return c, err
	}
	return Contribution{Agent: a.Name, Content: reply.Content, Tokens: reply.TokensUsed, MessageID: m.ID}, nil
}

func turnPrompt(req DiscussionRequest, a domain.Agent, background string, prior []Contribution) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Team discussion topic: %s\n", req.Topic)
	if req.Deliverable != "" {
		fmt.Fprintf(&b, "Expected deliverable: %s\n", req.Deliverable)
	}
	if background != "" {
		fmt.Fprintf(&b, "\nRecent room conversation:\n%s", background)
	}
	if len(prior) > 0 {
		b.WriteString("\nContributions so far in this discussion:\n")
		for _, c := range prior {
			fmt.Fprintf(&b, "%s: %s\n", c.Agent, c.Content)
		}
		b.WriteString("\nReact to the points above where useful; do not repeat them.\n")
	}
	role := a.Role
	if role == "" {
		role = "team member"
	}
	fmt.Fprintf(&b, "\nGive your contribution as the %s in under 200 words.", role)
	return b.String()
}

func (o *Orchestrator) summarize(ctx context.Context, req DiscussionRequest, id string, contributions []Contribution) (string, error) {
	if o.Moderator == "" {
		return "", fmt.Errorf("no discussion moderator configured")
	}
	mod, err := o.Agents.Resolve(ctx, o.Moderator)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Topic: %s\n", req.Topic)
	if req.Deliverable != "" {
		fmt.Fprintf(&b, "Deliverable: %s\n", req.Deliverable)
	}
	b.WriteString("\nContributions:\n")
	for _, c := range contributions {
		fmt.Fprintf(&b, "%s: %s\n", c.Agent, c.Content)
	}
	b.WriteString("\nWrite a synthesis of 2-3 paragraphs. Name the points of agreement and disagreement, then answer the deliverable directly.")

	timeout := o.TurnTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	reply, err := o.Invoker.Invoke(callCtx, mod, agent.Request{
		Messages:  []agent.ChatMessage{{Role: "user", Content: b.String()}},
		MaxTokens: 900,
	})
	if err != nil {
		return "", err
	}
	_, err = o.Store.InsertMessage(ctx, domain.Message{
		ID: uuid.NewString(), RoomID: req.RoomID, SenderName: mod.Name, SenderType: SenderAgent,
		Content: reply.Content, ContentType: ContentSummary, Model: reply.Model,
		TokensUsed: reply.TokensUsed, LatencyMS: reply.LatencyMS, RoutingReason: "discussion summary",
		Metadata:  map[string]any{"discussion_id": id},
		CreatedAt: timestamp(o.Now),
	})
	if err != nil {
		return reply.Content, err
	}
	return reply.Content, nil
}

func (o *Orchestrator) post(ctx context.Context, roomID, id, contentType, text string, meta map[string]any) {
	if meta == nil {
		meta = map[string]any{}
	}
	meta["discussion_id"] = id
	_, err := o.Store.InsertMessage(ctx, domain.Message{
		ID: uuid.NewString(), RoomID: roomID, SenderName: SenderSystem, SenderType: SenderSystem,
		Content: text, ContentType: contentType, Metadata: meta, CreatedAt: timestamp(o.Now),
	})
	if err != nil {
		o.logger().Warn("post discussion message", "discussion_id", id, "err", err)
	}
}
