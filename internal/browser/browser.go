// Package browser is the headless-browser port used by the deploy and
// perception gates.
package browser

import (
	"context"
	"errors"
)

const (
	ActionClick = "click"
	ActionType  = "type"
	ActionHover = "hover"
	ActionNone  = "none"
)

var ErrUnsupportedAction = errors.New("unsupported action")

// Browser opens pages.
type Browser interface {
	Open(ctx context.Context, url string) (Page, error)
}

// Page is one loaded document. Waits honour the deadline of ctx.
type Page interface {
	Act(ctx context.Context, selector, action, value string) error
	WaitVisible(ctx context.Context, selector string) error
	// WaitHidden succeeds when the element is absent or not displayed.
	WaitHidden(ctx context.Context, selector string) error
	Text(ctx context.Context, selector string) (string, error)
	BodyText(ctx context.Context) (string, error)
	ConsoleErrors() []string
	NetworkErrors() []string
	Close() error
}
