package warroom

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/aicallyu/olympus/internal/domain"
	"github.com/aicallyu/olympus/internal/events"
)

// RaiseHand marks an agent participant as wanting to speak.
func (r *Router) RaiseHand(ctx context.Context, roomID, name, reason string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRequest)
	}
	a, err := r.Agents.Resolve(ctx, name)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	now := timestamp(r.Now)
	if err := r.Store.SetHand(ctx, roomID, a.Name, true, reason, now); err != nil {
		return fmt.Errorf("raise hand for %s in %s: %w", a.Name, roomID, err)
	}
	text := a.Name + " raised a hand"
	if reason != "" {
		text += ": " + reason
	}
	_, err = r.Store.InsertMessage(ctx, domain.Message{
		ID: uuid.NewString(), RoomID: roomID, SenderName: SenderSystem, SenderType: SenderSystem,
		Content: text, ContentType: ContentHandRaise, Metadata: map[string]any{"agent": a.Name, "reason": reason},
		CreatedAt: now,
	})
	if err != nil {
		return err
	}
	appendEvent(ctx, r.Events, r.Logger, events.HandRaised, roomID, a.Name, events.EventPayload{"reason": reason})
	return nil
}

// LowerAllHands clears every raised hand without asking anyone to speak.
func (r *Router) LowerAllHands(ctx context.Context, roomID, actor string) (int, error) {
	if _, err := r.Store.GetRoom(ctx, roomID); err != nil {
		return 0, fmt.Errorf("room %s: %w", roomID, err)
	}
	n, err := r.Store.LowerAllHands(ctx, roomID)
	if err != nil {
		return 0, err
	}
	appendEvent(ctx, r.Events, r.Logger, events.HandsLowered, roomID, actor, events.EventPayload{"count": n})
	return n, nil
}

// RespondToRaisedHands asks hand-raised agents for their full answer: the
// named ones, or all of them when names is empty. Their hands are lowered
// first and the replies go through the same fan-out as Route.
func (r *Router) RespondToRaisedHands(ctx context.Context, roomID string, names []string) (RouteResult, error) {
	res := RouteResult{Responded: []string{}, Failed: []string{}, Mode: "hand_raise"}
	if _, err := r.Store.GetRoom(ctx, roomID); err != nil {
		return res, fmt.Errorf("room %s: %w", roomID, err)
	}
	hands, err := r.Store.ListRaisedHands(ctx, roomID)
	if err != nil {
		return res, err
	}
	var chosen []domain.Participant
	for _, h := range hands {
		if len(names) == 0 || containsFold(names, h.Name) {
			chosen = append(chosen, h)
		}
	}
	var responders []domain.Agent
	reasons := map[string]string{}
	for _, h := range chosen {
		if err := r.Store.SetHand(ctx, roomID, h.Name, false, "", ""); err != nil {
			return res, err
		}
		a, err := r.Agents.Resolve(ctx, h.Name)
		if err != nil {
			r.logger().Warn("skip raised hand", "room_id", roomID, "name", h.Name, "err", err)
			continue
		}
		responders = append(responders, a)
		reasons[a.Name] = h.HandReason
	}
	if len(responders) == 0 {
		res.Status = "no_responders"
		return res, nil
	}

	var trigger domain.Message
	if recent, err := r.Store.RecentMessages(ctx, roomID, 1); err == nil && len(recent) > 0 {
		trigger = recent[0]
	}
	res.MessageID = trigger.ID
	res.Responded, res.Failed = r.fanOut(ctx, roomID, trigger, responders, "hand raised", func(a domain.Agent) string {
		if reason := reasons[a.Name]; reason != "" {
			return fmt.Sprintf("You raised your hand because: %s. Share your point now.", reason)
		}
		return "You raised your hand to speak. Share your point now."
	})
	res.Status = "ok"
	res.Reason = "hand raised"
	return res, nil
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(strings.TrimPrefix(v, "@"), s) {
			return true
		}
	}
	return false
}
