package llmclient

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicopt "github.com/anthropics/anthropic-sdk-go/option"
)

type anthropicModel struct {
	client anthropic.Client
	opts   Options
}

func newAnthropic(apiKey string, opts Options) *anthropicModel {
	clientOpts := []anthropicopt.RequestOption{anthropicopt.WithAPIKey(apiKey)}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, anthropicopt.WithBaseURL(opts.BaseURL))
	}
	return &anthropicModel{client: anthropic.NewClient(clientOpts...), opts: opts}
}

func (a *anthropicModel) Generate(ctx context.Context, messages []Message) (string, error) {
	system, rest := splitSystem(messages)
	rest = alternate(rest)

	maxTokens := a.opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(a.opts.Model),
		MaxTokens:   int64(maxTokens),
		Temperature: anthropic.Float(a.opts.Temperature),
		Messages:    make([]anthropic.MessageParam, 0, len(rest)),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	for _, m := range rest {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == RoleAssistant {
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(block))
		} else {
			params.Messages = append(params.Messages, anthropic.NewUserMessage(block))
		}
	}

	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic messages: %w", err)
	}

	var b strings.Builder
	for _, cb := range msg.Content {
		if tb, ok := cb.AsAny().(anthropic.TextBlock); ok {
			b.WriteString(tb.Text)
		}
	}
	return b.String(), nil
}
