package llmclient

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	ollama "github.com/ollama/ollama/api"
)

type ollamaModel struct {
	client *ollama.Client
	opts   Options
}

// newOllama talks to opts.BaseURL, or to OLLAMA_HOST when no base URL is set.
func newOllama(opts Options) (*ollamaModel, error) {
	if opts.BaseURL == "" {
		client, err := ollama.ClientFromEnvironment()
		if err != nil {
			return nil, fmt.Errorf("ollama init: %w", err)
		}
		return &ollamaModel{client: client, opts: opts}, nil
	}
	u, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama base url %q: %w", opts.BaseURL, err)
	}
	return &ollamaModel{client: ollama.NewClient(u, &http.Client{Timeout: opts.Timeout}), opts: opts}, nil
}

func (o *ollamaModel) Generate(ctx context.Context, messages []Message) (string, error) {
	stream := false
	req := &ollama.ChatRequest{
		Model:    o.opts.Model,
		Stream:   &stream,
		Messages: make([]ollama.Message, 0, len(messages)),
		Options: map[string]any{
			"temperature": o.opts.Temperature,
		},
	}
	if o.opts.MaxTokens > 0 {
		req.Options["num_predict"] = o.opts.MaxTokens
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, ollama.Message{Role: m.Role, Content: m.Content})
	}

	var b strings.Builder
	err := o.client.Chat(ctx, req, func(resp ollama.ChatResponse) error {
		b.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("ollama chat: %w", err)
	}
	return b.String(), nil
}
