package llmclient

import (
	"context"
	"strings"
	"time"
)

// Message roles understood by every backend.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one chat turn sent to a model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Model produces the next assistant reply for a conversation.
type Model interface {
	Generate(ctx context.Context, messages []Message) (string, error)
}

// Options configure a backend.
type Options struct {
	Model       string
	BaseURL     string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
	// retry settings, used by the llama.cpp backend
	MaxRetries    int
	RetryDelay    time.Duration
	BackoffMax    time.Duration
	BackoffJitter float64
}

// splitSystem pulls every system message out of the conversation and joins
// them, since most provider APIs take the system prompt separately.
func splitSystem(messages []Message) (string, []Message) {
	var system []string
	rest := make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == RoleSystem {
			if s := strings.TrimSpace(m.Content); s != "" {
				system = append(system, s)
			}
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(system, "\n\n"), rest
}

// alternate merges consecutive turns with the same role. Gemini and
// Anthropic reject conversations where a role repeats.
func alternate(messages []Message) []Message {
	out := make([]Message, 0, len(messages))
	for _, m := range messages {
		if n := len(out); n > 0 && out[n-1].Role == m.Role {
			out[n-1].Content += "\n\n" + m.Content
			continue
		}
		out = append(out, m)
	}
	return out
}

// timeoutModel bounds every Generate call.
type timeoutModel struct {
	Model
	timeout time.Duration
}

func (t timeoutModel) Generate(ctx context.Context, messages []Message) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.Model.Generate(ctx, messages)
}

// Close releases the wrapped backend, if it holds resources.
func (t timeoutModel) Close() error {
	if c, ok := t.Model.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
