package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"github.com/aicallyu/olympus/internal/domain"
)

// SlackChannel posts forwarded notifications with chat.postMessage.
type SlackChannel struct {
	client  *slack.Client
	channel string
}

// NewSlack builds a channel for the bot token. apiURL overrides the Slack API
// base and is empty in production.
func NewSlack(token, channel, apiURL string, httpClient *http.Client) (*SlackChannel, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("missing slack token")
	}
	if strings.TrimSpace(channel) == "" {
		return nil, errors.New("missing slack channel")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	base := strings.TrimSpace(apiURL)
	if base == "" {
		base = "https://slack.com/api"
	}
	base = strings.TrimRight(base, "/") + "/"
	return &SlackChannel{
		client:  slack.New(token, slack.OptionHTTPClient(httpClient), slack.OptionAPIURL(base)),
		channel: channel,
	}, nil
}

func (s *SlackChannel) Send(ctx context.Context, n domain.Notification) error {
	text := FormatText(n)
	return withRetry(ctx, 3, 200*time.Millisecond, func() (bool, error) {
		_, _, err := s.client.PostMessageContext(ctx, s.channel, slack.MsgOptionText(text, false))
		if err == nil {
			return false, nil
		}
		var rle *slack.RateLimitedError
		if errors.As(err, &rle) && rle != nil {
			return true, err
		}
		return false, err
	})
}

// FormatText renders a notification as a single chat line.
func FormatText(n domain.Notification) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]", strings.ToUpper(n.Type))
	if n.ProjectID != "" {
		fmt.Fprintf(&b, " %s", n.ProjectID)
	}
	if n.TaskID != "" {
		fmt.Fprintf(&b, " task %s", n.TaskID)
	}
	fmt.Fprintf(&b, ": %s", n.Message)
	return b.String()
}

func withRetry(ctx context.Context, attempts int, baseDelay time.Duration, fn func() (retryable bool, err error)) error {
	var lastErr error
	for i := 0; i < attempts; i++ {
		retryable, err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable || i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(baseDelay * time.Duration(1<<i)):
		}
	}
	return lastErr
}
