package warroom

import (
	"fmt"
	"strings"

	"github.com/aicallyu/olympus/internal/agent"
	"github.com/aicallyu/olympus/internal/domain"
)

// chatContext turns room history into the message list sent to one agent.
// The agent's own earlier messages become assistant turns; everything else is
// a user turn prefixed with the speaker's name. System rows other than
// summaries are left out.
func chatContext(self string, history []domain.Message) []agent.ChatMessage {
	out := make([]agent.ChatMessage, 0, len(history))
	for _, m := range history {
		if m.SenderType == SenderSystem && m.ContentType != ContentSummary {
			continue
		}
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		if strings.EqualFold(m.SenderName, self) {
			out = append(out, agent.ChatMessage{Role: "assistant", Content: m.Content})
			continue
		}
		out = append(out, agent.ChatMessage{Role: "user", Content: fmt.Sprintf("%s: %s", m.SenderName, m.Content)})
	}
	return out
}

// transcript renders history as plain "NAME: text" lines for prompts that
// embed context in a single message.
func transcript(history []domain.Message) string {
	var b strings.Builder
	for _, m := range history {
		if m.SenderType == SenderSystem || strings.TrimSpace(m.Content) == "" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", m.SenderName, m.Content)
	}
	return b.String()
}
