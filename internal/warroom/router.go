package warroom

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"github.com/aicallyu/olympus/internal/agent"
	"github.com/aicallyu/olympus/internal/domain"
	"github.com/aicallyu/olympus/internal/events"
)

// Router answers chat messages by fanning them out to the selected agents.
type Router struct {
	Store       Store
	Agents      Directory
	Invoker     agent.Invoker
	Speaker     agent.Speaker
	Transcriber agent.Transcriber
	Events      EventLog
	Strategies  map[string]Strategy

	ContextMessages int
	AgentTimeout    time.Duration
	Logger          *slog.Logger
	Now             func() time.Time
}

// NewRouter registers the three built-in strategies. moderator names the agent
// consulted in moderated rooms.
func NewRouter(store Store, agents Directory, invoker agent.Invoker, moderator string) *Router {
	r := &Router{
		Store:           store,
		Agents:          agents,
		Invoker:         invoker,
		ContextMessages: 20,
		AgentTimeout:    60 * time.Second,
		Logger:          slog.Default(),
		Now:             time.Now,
	}
	r.Strategies = map[string]Strategy{
		ModeAll:       AllStrategy{},
		ModeMentioned: MentionStrategy{},
		ModeModerated: ModeratedStrategy{Moderator: moderator, Agents: agents, Invoker: invoker, Fallback: MentionStrategy{}},
	}
	return r
}

type RouteRequest struct {
	MessageID   string `json:"message_id,omitempty"`
	RoomID      string `json:"room_id"`
	SenderName  string `json:"sender_name"`
	SenderType  string `json:"sender_type,omitempty" enum:"human,agent,"`
	Content     string `json:"content,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	AudioURL    string `json:"audio_url,omitempty"`
}

type RouteResult struct {
	Status    string   `json:"status" enum:"ok,no_responders,no_content"`
	MessageID string   `json:"message_id"`
	Mode      string   `json:"mode,omitempty"`
	Reason    string   `json:"reason,omitempty"`
	Responded []string `json:"responded"`
	Failed    []string `json:"failed"`
}

func (r *Router) logger() *slog.Logger { return orDefault(r.Logger) }

func (r *Router) strategy(mode string) Strategy {
	if s, ok := r.Strategies[mode]; ok {
		return s
	}
	if s, ok := r.Strategies[ModeMentioned]; ok {
		return s
	}
	return MentionStrategy{}
}

// Route stores (or loads) the message, picks responders and invokes them
// concurrently. Agent failures are reported in Failed, never as an error.
func (r *Router) Route(ctx context.Context, req RouteRequest) (RouteResult, error) {
	res := RouteResult{Responded: []string{}, Failed: []string{}}
	if req.RoomID == "" {
		return res, fmt.Errorf("%w: room_id is required", ErrInvalidRequest)
	}
	room, err := r.Store.GetRoom(ctx, req.RoomID)
	if err != nil {
		return res, fmt.Errorf("room %s: %w", req.RoomID, err)
	}
	msg, err := r.loadOrStore(ctx, req)
	if err != nil {
		return res, err
	}
	res.MessageID = msg.ID

	if msg.ContentType == ContentVoice && strings.TrimSpace(msg.Content) == "" {
		msg, err = r.transcribe(ctx, msg)
		if err != nil {
			r.logger().Warn("transcribe voice message", "message_id", msg.ID, "err", err)
			r.postError(ctx, room.ID, msg.SenderName, fmt.Sprintf("could not transcribe voice message: %v", err))
			res.Status = "no_content"
			return res, nil
		}
	}

	candidates, err := r.candidates(ctx, room.ID, msg.SenderName)
	if err != nil {
		return res, err
	}
	var sel Selection
	if msg.SenderType == SenderAgent {
		// Agents only reach other agents by name; no broadcast loops.
		sel, err = MentionStrategy{}.Select(ctx, SelectRequest{Message: msg, Candidates: candidates})
	} else {
		mode := room.RoutingMode
		if _, ok := r.Strategies[mode]; !ok {
			mode = ModeMentioned
		}
		sel, err = r.strategy(mode).Select(ctx, SelectRequest{Message: msg, Candidates: candidates})
	}
	if err != nil {
		return res, fmt.Errorf("select responders: %w", err)
	}
	res.Mode = sel.Mode
	res.Reason = sel.Reason

	if msg.SenderType == SenderHuman {
		r.clearMentionedHands(ctx, room.ID, msg.Content)
	}
	if len(sel.Responders) == 0 {
		res.Status = "no_responders"
		return res, nil
	}

	res.Responded, res.Failed = r.fanOut(ctx, room.ID, msg, sel.Responders, sel.Reason, nil)
	res.Status = "ok"
	appendEvent(ctx, r.Events, r.Logger, events.MessageRouted, room.ID, msg.SenderName, events.EventPayload{
		"message_id": msg.ID, "mode": sel.Mode, "responded": res.Responded, "failed": res.Failed,
	})
	return res, nil
}

func (r *Router) loadOrStore(ctx context.Context, req RouteRequest) (domain.Message, error) {
	if req.MessageID != "" {
		m, err := r.Store.GetMessage(ctx, req.MessageID)
		if err == nil {
			if m.RoomID != req.RoomID {
				return m, fmt.Errorf("%w: message %s is not in room %s", ErrInvalidRequest, m.ID, req.RoomID)
			}
			return m, nil
		}
		if req.Content == "" && req.AudioURL == "" {
			return m, fmt.Errorf("message %s: %w", req.MessageID, err)
		}
	}
	if strings.TrimSpace(req.SenderName) == "" {
		return domain.Message{}, fmt.Errorf("%w: sender_name is required", ErrInvalidRequest)
	}
	contentType := req.ContentType
	if contentType == "" {
		contentType = ContentText
		if req.AudioURL != "" && req.Content == "" {
			contentType = ContentVoice
		}
	}
	if contentType != ContentVoice && strings.TrimSpace(req.Content) == "" {
		return domain.Message{}, fmt.Errorf("%w: content is required", ErrInvalidRequest)
	}
	senderType := req.SenderType
	if senderType == "" {
		senderType = r.senderType(ctx, req.SenderName)
	}
	id := req.MessageID
	if id == "" {
		id = uuid.NewString()
	}
	return r.Store.InsertMessage(ctx, domain.Message{
		ID: id, RoomID: req.RoomID, SenderName: req.SenderName, SenderType: senderType,
		Content: req.Content, ContentType: contentType, AudioURL: req.AudioURL, CreatedAt: timestamp(r.Now),
	})
}

func (r *Router) senderType(ctx context.Context, name string) string {
	if r.Agents == nil {
		return SenderHuman
	}
	a, err := r.Agents.Resolve(ctx, name)
	if err != nil || agent.IsHuman(a) {
		return SenderHuman
	}
	return SenderAgent
}

func (r *Router) transcribe(ctx context.Context, m domain.Message) (domain.Message, error) {
	if r.Transcriber == nil {
		return m, errors.New("no transcriber configured")
	}
	if m.AudioURL == "" {
		return m, errors.New("voice message without audio_url")
	}
	text, err := r.Transcriber.Transcribe(ctx, m.AudioURL)
	if err != nil {
		return m, err
	}
	if strings.TrimSpace(text) == "" {
		return m, errors.New("empty transcription")
	}
	if err := r.Store.UpdateMessageContent(ctx, m.ID, text); err != nil {
		return m, err
	}
	if err := r.Store.MergeMessageMetadata(ctx, m.ID, map[string]any{"transcribed": true}); err != nil {
		r.logger().Warn("mark transcribed", "message_id", m.ID, "err", err)
	}
	m.Content = text
	return m, nil
}

// candidates resolves the room's active agent participants, dropping the
// sender, humans and agents without an endpoint.
func (r *Router) candidates(ctx context.Context, roomID, sender string) ([]domain.Agent, error) {
	parts, err := r.Store.ListParticipants(ctx, roomID)
	if err != nil {
		return nil, err
	}
	var out []domain.Agent
	for _, p := range parts {
		if p.Type != SenderAgent || strings.EqualFold(p.Name, sender) {
			continue
		}
		a, err := r.Agents.Resolve(ctx, p.Name)
		if err != nil {
			r.logger().Warn("skip participant", "room_id", roomID, "name", p.Name, "err", err)
			continue
		}
		if agent.IsHuman(a) || a.EndpointKind == agent.KindNone {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (r *Router) clearMentionedHands(ctx context.Context, roomID, content string) {
	mentioned := Mentions(content)
	if len(mentioned) == 0 {
		return
	}
	hands, err := r.Store.ListRaisedHands(ctx, roomID)
	if err != nil {
		r.logger().Warn("list raised hands", "room_id", roomID, "err", err)
		return
	}
	for _, h := range hands {
		for _, n := range mentioned {
			if strings.EqualFold(h.Name, n) {
				if err := r.Store.SetHand(ctx, roomID, h.Name, false, "", ""); err != nil {
					r.logger().Warn("lower hand", "room_id", roomID, "name", h.Name, "err", err)
				}
			}
		}
	}
}

// fanOut invokes every responder concurrently with the same history. Each
// branch contains its own failure: an error or panic becomes an error message
// in the room and the agent lands in failed. nudge, when set, adds a final
// per-agent instruction.
func (r *Router) fanOut(ctx context.Context, roomID string, trigger domain.Message, responders []domain.Agent, reason string, nudge func(domain.Agent) string) ([]string, []string) {
	history, err := r.Store.RecentMessages(ctx, roomID, r.ContextMessages)
	if err != nil {
		r.logger().Warn("load context", "room_id", roomID, "err", err)
	}
	var mu sync.Mutex
	responded, failed := []string{}, []string{}
	var wg conc.WaitGroup
	for _, a := range responders {
		a := a
		var extra string
		if nudge != nil {
			extra = nudge(a)
		}
		wg.Go(func() {
			err := r.respondSafely(ctx, roomID, a, history, trigger, reason, extra)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed = append(failed, a.Name)
				return
			}
			responded = append(responded, a.Name)
		})
	}
	wg.Wait()
	sort.Strings(responded)
	sort.Strings(failed)
	return responded, failed
}

func (r *Router) respondSafely(ctx context.Context, roomID string, a domain.Agent, history []domain.Message, trigger domain.Message, reason, extra string) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
		if err != nil {
			r.logger().Error("agent reply failed", "room_id", roomID, "agent", a.Name, "err", err)
			r.postError(ctx, roomID, a.Name, fmt.Sprintf("%s could not respond: %v", a.Name, err))
		}
	}()
	return r.respond(ctx, roomID, a, history, trigger, reason, extra)
}

func (r *Router) respond(ctx context.Context, roomID string, a domain.Agent, history []domain.Message, trigger domain.Message, reason, extra string) error {
	timeout := r.AgentTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	msgs := chatContext(a.Name, history)
	if extra != "" {
		msgs = append(msgs, agent.ChatMessage{Role: "user", Content: extra})
	}
	reply, err := r.Invoker.Invoke(callCtx, a, agent.Request{Messages: msgs})
	if err != nil {
		return err
	}
	if strings.TrimSpace(reply.Content) == "" {
		return errors.New("empty reply")
	}
	stored, err := r.Store.InsertMessage(ctx, domain.Message{
		ID:            uuid.NewString(),
		RoomID:        roomID,
		SenderName:    a.Name,
		SenderType:    SenderAgent,
		Content:       reply.Content,
		ContentType:   ContentText,
		Model:         reply.Model,
		TokensUsed:    reply.TokensUsed,
		LatencyMS:     reply.LatencyMS,
		RoutingReason: reason,
		Metadata:      map[string]any{"in_reply_to": trigger.ID},
		CreatedAt:     timestamp(r.Now),
	})
	if err != nil {
		return fmt.Errorf("store reply: %w", err)
	}
	r.speak(ctx, a, stored)
	return nil
}

// speak attaches synthesized audio to a reply. The text reply stands on its
// own, so failures are only logged.
func (r *Router) speak(ctx context.Context, a domain.Agent, m domain.Message) {
	if r.Speaker == nil || a.VoiceID == "" {
		return
	}
	url, err := r.Speaker.Synthesize(ctx, m.Content, a.VoiceID)
	if err == nil {
		err = r.Store.UpdateMessageAudio(ctx, m.ID, url)
	}
	if err != nil {
		r.logger().Warn("text to speech", "agent", a.Name, "message_id", m.ID, "err", err)
	}
}

func (r *Router) postError(ctx context.Context, roomID, about, text string) {
	_, err := r.Store.InsertMessage(context.WithoutCancel(ctx), domain.Message{
		ID: uuid.NewString(), RoomID: roomID, SenderName: SenderSystem, SenderType: SenderSystem,
		Content: text, ContentType: ContentError, Metadata: map[string]any{"agent": about},
		CreatedAt: timestamp(r.Now),
	})
	if err != nil {
		r.logger().Error("post error message", "room_id", roomID, "err", err)
	}
}
