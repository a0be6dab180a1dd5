package warroom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/aicallyu/olympus/internal/agent"
	"github.com/aicallyu/olympus/internal/domain"
)

// SelectRequest carries what a strategy may look at. Candidates are the
// invokable agents of the room, sender already removed.
type SelectRequest struct {
	Message    domain.Message
	Candidates []domain.Agent
}

type Selection struct {
	Mode       string
	Responders []domain.Agent
	Reason     string
}

// Strategy picks the responders for one message.
type Strategy interface {
	Select(ctx context.Context, req SelectRequest) (Selection, error)
}

// An @ glued to a word or a dot is an email address, not a mention.
var mentionPattern = regexp.MustCompile(`(?:^|[^\w.])@(\w[\w-]*)`)

// Mentions returns the names @mentioned in text, in order, without repeats.
func Mentions(text string) []string {
	var names []string
	seen := map[string]bool{}
	for _, m := range mentionPattern.FindAllStringSubmatch(text, -1) {
		key := strings.ToLower(m[1])
		if seen[key] {
			continue
		}
		seen[key] = true
		names = append(names, m[1])
	}
	return names
}

func pick(candidates []domain.Agent, names []string) []domain.Agent {
	var out []domain.Agent
	for _, n := range names {
		for _, c := range candidates {
			if strings.EqualFold(c.Name, n) {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

type AllStrategy struct{}

func (AllStrategy) Select(ctx context.Context, req SelectRequest) (Selection, error) {
	return Selection{Mode: ModeAll, Responders: req.Candidates, Reason: "all agents respond"}, nil
}

type MentionStrategy struct{}

func (MentionStrategy) Select(ctx context.Context, req SelectRequest) (Selection, error) {
	sel := Selection{Mode: ModeMentioned, Responders: pick(req.Candidates, Mentions(req.Message.Content))}
	if len(sel.Responders) > 0 {
		sel.Reason = "mentioned"
	}
	return sel, nil
}

// ModeratedStrategy asks a moderator agent which candidates should answer.
// The reply must contain {"responders":[...],"reason":"..."}; anything else
// falls back to mention routing.
type ModeratedStrategy struct {
	Moderator string
	Agents    Directory
	Invoker   agent.Invoker
	Timeout   time.Duration
	Fallback  Strategy
	Logger    *slog.Logger
}

func (s ModeratedStrategy) Select(ctx context.Context, req SelectRequest) (Selection, error) {
	sel, err := s.ask(ctx, req)
	if err == nil {
		return sel, nil
	}
	orDefault(s.Logger).Warn("moderator unavailable, using mentions", "moderator", s.Moderator, "err", err)
	fallback := s.Fallback
	if fallback == nil {
		fallback = MentionStrategy{}
	}
	sel, ferr := fallback.Select(ctx, req)
	if ferr != nil {
		return sel, ferr
	}
	sel.Reason = strings.TrimSpace("moderator unavailable; " + sel.Reason)
	return sel, nil
}

func (s ModeratedStrategy) ask(ctx context.Context, req SelectRequest) (Selection, error) {
	if s.Moderator == "" || s.Agents == nil || s.Invoker == nil {
		return Selection{}, errors.New("no moderator configured")
	}
	if len(req.Candidates) == 0 {
		return Selection{Mode: ModeModerated}, nil
	}
	mod, err := s.Agents.Resolve(ctx, s.Moderator)
	if err != nil {
		return Selection{}, err
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	reply, err := s.Invoker.Invoke(ctx, mod, agent.Request{
		Messages:  []agent.ChatMessage{{Role: "user", Content: moderatorPrompt(req)}},
		MaxTokens: 300,
	})
	if err != nil {
		return Selection{}, err
	}
	names, reason, err := parseModeratorReply(reply.Content)
	if err != nil {
		return Selection{}, err
	}
	return Selection{Mode: ModeModerated, Responders: pick(req.Candidates, names), Reason: reason}, nil
}

func moderatorPrompt(req SelectRequest) string {
	var lines []string
	var valid []string
	for _, c := range req.Candidates {
		role := c.Role
		if role == "" {
			role = "agent"
		}
		lines = append(lines, fmt.Sprintf("- %s: %s", c.Name, role))
		valid = append(valid, c.Name)
	}
	return fmt.Sprintf(`You moderate a team chat. Decide which agents should answer the message below.

Available agents:
%s

Names in "responders" MUST be from: %s. Choose the fewest agents that can answer well; an empty list is allowed.

Message from %s: %s

Reply with ONLY a JSON object (no markdown, no explanation):
{"responders":["<name>"],"reason":"<brief reason>"}`,
		strings.Join(lines, "\n"), strings.Join(valid, ", "), req.Message.SenderName, req.Message.Content)
}

// parseModeratorReply extracts the JSON object from a reply that may wrap it
// in prose.
func parseModeratorReply(output string) ([]string, string, error) {
	start := strings.Index(output, "{")
	end := strings.LastIndex(output, "}")
	if start < 0 || end <= start {
		return nil, "", fmt.Errorf("moderator reply has no JSON object: %q", truncate(output, 120))
	}
	var parsed struct {
		Responders []string `json:"responders"`
		Reason     string   `json:"reason"`
	}
	if err := json.Unmarshal([]byte(output[start:end+1]), &parsed); err != nil {
		return nil, "", fmt.Errorf("moderator reply: %w", err)
	}
	if parsed.Responders == nil {
		return nil, "", errors.New("moderator reply without responders")
	}
	return parsed.Responders, parsed.Reason, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
