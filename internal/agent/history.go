package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nextlevelbuilder/maestro/internal/providers"
	"github.com/nextlevelbuilder/maestro/internal/store"
)

// DefaultHistoryLimit is the prompt window when neither host config nor
// project.yaml set one.
const DefaultHistoryLimit = 40

// LoadHistory maps the agent's recent conversation rows into provider
// messages, oldest first. Messages the agent sent become assistant turns;
// everything addressed to it becomes user turns, prefixed with the sender
// so multi-party threads stay readable.
func LoadHistory(ctx context.Context, conv store.ConversationStore, agentID string, limit int) []providers.Message {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	rows, err := conv.History(ctx, agentID, limit)
	if err != nil {
		slog.Warn("history load failed", "agent", agentID, "error", err)
		return nil
	}
	out := make([]providers.Message, 0, len(rows))
	for _, m := range rows {
		if m.FromAgent == agentID {
			out = append(out, providers.Message{Role: "assistant", Content: m.Content})
			continue
		}
		content := m.Content
		if m.FromAgent != "" && m.ContactType != store.ContactUser {
			content = fmt.Sprintf("(from %s) %s", m.FromAgent, m.Content)
		}
		out = append(out, providers.Message{Role: "user", Content: content})
	}
	return out
}
