// Package agent defines the conversational personas and turns buffered
// WhatsApp batches plus conversation history into provider chat requests.
package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/nutriflow/zapgate/internal/providers"
	"github.com/nutriflow/zapgate/internal/store"
)

// Persona is one configured conversational agent.
type Persona struct {
	Name         string // interaction log agent id ("sales", "nutrition")
	SystemPrompt string
	Model        string
	MaxTokens    int
	Temperature  float64

	provider providers.Provider
}

// Reply runs one turn: history plus the combined batch in, assistant text out.
func (p *Persona) Reply(ctx context.Context, history []store.Interaction, combined string) (string, error) {
	req := providers.ChatRequest{
		Model:       p.Model,
		MaxTokens:   p.MaxTokens,
		Temperature: p.Temperature,
		Messages:    p.buildMessages(history, combined),
	}

	resp, err := p.provider.Chat(ctx, req)
	if err != nil {
		return "", fmt.Errorf("%s agent: %w", p.Name, err)
	}

	reply := strings.TrimSpace(resp.Content)
	if reply == "" {
		return "", fmt.Errorf("%s agent: empty completion", p.Name)
	}
	return reply, nil
}

// buildMessages maps the interaction log onto chat roles. The combined batch
// is always the final user turn, even when the log already contains its
// individual messages, so the model sees the batch exactly as debounced.
func (p *Persona) buildMessages(history []store.Interaction, combined string) []providers.Message {
	msgs := make([]providers.Message, 0, len(history)+2)
	msgs = append(msgs, providers.Message{Role: "system", Content: p.SystemPrompt})

	for _, it := range history {
		role := "user"
		if it.Direction == store.DirectionOutgoing {
			role = "assistant"
		}
		msgs = append(msgs, providers.Message{Role: role, Content: it.Message})
	}

	msgs = append(msgs, providers.Message{Role: "user", Content: combined})
	return msgs
}
