package warroom

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/aicallyu/olympus/internal/agent"
	"github.com/aicallyu/olympus/internal/domain"
)

// DefaultMode is used for rooms created without a routing mode.
var DefaultMode = ModeMentioned

func validMode(mode string) bool {
	switch mode {
	case ModeAll, ModeMentioned, ModeModerated:
		return true
	}
	return false
}

func (r *Router) CreateRoom(ctx context.Context, room domain.Room) (domain.Room, error) {
	if strings.TrimSpace(room.Name) == "" {
		return room, fmt.Errorf("%w: name is required", ErrInvalidRequest)
	}
	if room.RoutingMode == "" {
		room.RoutingMode = DefaultMode
	}
	if !validMode(room.RoutingMode) {
		return room, fmt.Errorf("%w: unknown routing mode %q", ErrInvalidRequest, room.RoutingMode)
	}
	if room.ID == "" {
		room.ID = uuid.NewString()
	}
	room.CreatedAt = timestamp(r.Now)
	if err := r.Store.InsertRoom(ctx, room); err != nil {
		return room, fmt.Errorf("create room %s: %w", room.ID, err)
	}
	return room, nil
}

func (r *Router) SetRoutingMode(ctx context.Context, roomID, mode string) (domain.Room, error) {
	if !validMode(mode) {
		return domain.Room{}, fmt.Errorf("%w: unknown routing mode %q", ErrInvalidRequest, mode)
	}
	if err := r.Store.SetRoutingMode(ctx, roomID, mode); err != nil {
		return domain.Room{}, fmt.Errorf("room %s: %w", roomID, err)
	}
	return r.Store.GetRoom(ctx, roomID)
}

// AddParticipant joins a known agent or human to a room. The participant type
// follows the directory entry.
func (r *Router) AddParticipant(ctx context.Context, roomID, name string) (domain.Participant, error) {
	if _, err := r.Store.GetRoom(ctx, roomID); err != nil {
		return domain.Participant{}, fmt.Errorf("room %s: %w", roomID, err)
	}
	a, err := r.Agents.Resolve(ctx, name)
	if err != nil {
		return domain.Participant{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	p := domain.Participant{RoomID: roomID, Name: a.Name, Type: SenderAgent, Active: true}
	if agent.IsHuman(a) {
		p.Type = SenderHuman
	}
	if err := r.Store.UpsertParticipant(ctx, p); err != nil {
		return p, err
	}
	return p, nil
}
