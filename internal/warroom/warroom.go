// Package warroom decides which agents answer a chat message, runs the
// hand-raise protocol and drives bounded multi-agent discussions.
package warroom

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/aicallyu/olympus/internal/domain"
	"github.com/aicallyu/olympus/internal/events"
)

// Routing modes.
const (
	ModeAll       = "all"
	ModeMentioned = "mentioned"
	ModeModerated = "moderated"
)

// Sender and content types stored on messages.
const (
	SenderHuman  = "human"
	SenderAgent  = "agent"
	SenderSystem = "system"

	ContentText            = "text"
	ContentVoice           = "voice"
	ContentError           = "error"
	ContentHandRaise       = "hand_raise"
	ContentDiscussionStart = "discussion_start"
	ContentDiscussion      = "discussion"
	ContentSummary         = "summary"
	ContentNotice          = "notice"
)

var (
	ErrInvalidRequest    = errors.New("invalid request")
	ErrDiscussionRunning = errors.New("discussion already running")
)

// Store is the part of repo.Repo the War Room needs.
type Store interface {
	InsertRoom(ctx context.Context, room domain.Room) error
	GetRoom(ctx context.Context, id string) (domain.Room, error)
	ListRooms(ctx context.Context) ([]domain.Room, error)
	SetRoutingMode(ctx context.Context, roomID, mode string) error
	UpsertParticipant(ctx context.Context, p domain.Participant) error
	ListParticipants(ctx context.Context, roomID string) ([]domain.Participant, error)
	ListRaisedHands(ctx context.Context, roomID string) ([]domain.Participant, error)
	SetHand(ctx context.Context, roomID, name string, raised bool, reason, at string) error
	LowerAllHands(ctx context.Context, roomID string) (int, error)
	InsertMessage(ctx context.Context, m domain.Message) (domain.Message, error)
	GetMessage(ctx context.Context, id string) (domain.Message, error)
	RecentMessages(ctx context.Context, roomID string, limit int) ([]domain.Message, error)
	UpdateMessageContent(ctx context.Context, id, content string) error
	UpdateMessageAudio(ctx context.Context, id, audioURL string) error
	MergeMessageMetadata(ctx context.Context, id string, keys map[string]any) error
}

type Directory interface {
	Resolve(ctx context.Context, name string) (domain.Agent, error)
}

// EventLog records War Room activity in the event log. Optional.
type EventLog interface {
	AppendDirect(ctx context.Context, evtType, projectID, entityKind, entityID, actorID string, payload events.EventPayload) error
}

func timestamp(now func() time.Time) string {
	if now == nil {
		now = time.Now
	}
	return now().UTC().Format(time.RFC3339Nano)
}

func orDefault(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return slog.Default()
}

func appendEvent(ctx context.Context, log EventLog, logger *slog.Logger, evtType, roomID, actor string, payload events.EventPayload) {
	if log == nil {
		return
	}
	if err := log.AppendDirect(ctx, evtType, "", "room", roomID, actor, payload); err != nil {
		orDefault(logger).Warn("append event", "type", evtType, "room_id", roomID, "err", err)
	}
}
