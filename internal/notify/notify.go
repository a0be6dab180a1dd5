// Package notify fans pipeline notifications out to the dashboard feed and,
// for the urgent types, to an outbound chat channel.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aicallyu/olympus/internal/domain"
)

const (
	TypeInfo       = "info"
	TypeWarning    = "warning"
	TypeEscalation = "escalation"
	TypeProdAlert  = "prod_alert"
)

// Store is the dashboard feed.
type Store interface {
	InsertNotification(ctx context.Context, n domain.Notification) (int64, error)
	MarkNotificationForwarded(ctx context.Context, id int64) error
}

// Channel delivers a notification outside the dashboard (Slack, mail, ...).
type Channel interface {
	Send(ctx context.Context, n domain.Notification) error
}

type Dispatcher struct {
	Store   Store
	Channel Channel
	Logger  *slog.Logger
	Now     func() time.Time
}

// Forwardable reports whether a notification type leaves the dashboard.
func Forwardable(typ string) bool {
	return typ == TypeEscalation || typ == TypeProdAlert
}

// Dispatch records n in the feed and forwards urgent types to the channel.
// Forwarding failures are logged and leave forwarded=false; only a feed write
// failure is returned.
func (d Dispatcher) Dispatch(ctx context.Context, n domain.Notification) (domain.Notification, error) {
	switch n.Type {
	case TypeInfo, TypeWarning, TypeEscalation, TypeProdAlert:
	default:
		return n, fmt.Errorf("unknown notification type %q", n.Type)
	}
	if n.CreatedAt == "" {
		n.CreatedAt = d.now().UTC().Format(time.RFC3339)
	}
	n.Forwarded = false
	id, err := d.Store.InsertNotification(ctx, n)
	if err != nil {
		return n, fmt.Errorf("insert notification: %w", err)
	}
	n.ID = id
	if d.Channel == nil || !Forwardable(n.Type) {
		return n, nil
	}
	if err := d.Channel.Send(ctx, n); err != nil {
		d.logger().Warn("notification forward failed", "id", n.ID, "type", n.Type, "task_id", n.TaskID, "err", err)
		return n, nil
	}
	if err := d.Store.MarkNotificationForwarded(ctx, n.ID); err != nil {
		d.logger().Warn("mark notification forwarded", "id", n.ID, "err", err)
		return n, nil
	}
	n.Forwarded = true
	return n, nil
}

func (d Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d Dispatcher) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}
