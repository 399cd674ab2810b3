package pipeline

import (
	"fmt"
	"strings"

	"github.com/replyhive/replyhive/internal/provider"
	"github.com/replyhive/replyhive/internal/store"
)

// buildReplyPrompt assembles the chat transcript sent to the model: a system
// prompt carrying the tenant's knowledge base, the recent history, and the
// incoming message.
func buildReplyPrompt(tenantName string, knowledge []store.KnowledgeEntry, history []store.Message, incoming string) []provider.Message {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are the assistant answering WhatsApp messages on behalf of %s.\n", tenantName)
	sb.WriteString("Answer briefly and politely, in the language of the customer.\n")
	sb.WriteString("Only use the knowledge base below; if the answer is not covered, say you will check and get back to them.\n")
	if len(knowledge) > 0 {
		sb.WriteString("\nKnowledge base:\n")
		for _, k := range knowledge {
			fmt.Fprintf(&sb, "- [%s] Q: %s A: %s\n", k.Category, k.Question, k.Answer)
		}
	}

	msgs := []provider.Message{{Role: "system", Content: sb.String()}}
	for _, h := range history {
		role := "user"
		switch h.Role {
		case store.RoleAssistant, store.RoleOwner:
			role = "assistant"
		}
		msgs = append(msgs, provider.Message{Role: role, Content: h.Content})
	}
	// The incoming message is already in history (it was stored first), but
	// repeat it last when the history window missed it.
	if len(history) == 0 || history[len(history)-1].Content != incoming {
		msgs = append(msgs, provider.Message{Role: "user", Content: incoming})
	}
	return msgs
}
