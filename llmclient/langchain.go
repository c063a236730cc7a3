package llmclient

import (
	"context"
	"errors"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/googleai"
)

// langchainModel reaches Gemini through langchaingo's googleai provider.
type langchainModel struct {
	llm  *googleai.GoogleAI
	opts Options
}

func newLangchain(ctx context.Context, apiKey string, opts Options) (*langchainModel, error) {
	llm, err := googleai.New(ctx,
		googleai.WithAPIKey(apiKey),
		googleai.WithDefaultModel(opts.Model),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create model provider: %w", err)
	}
	return &langchainModel{llm: llm, opts: opts}, nil
}

func (l *langchainModel) Generate(ctx context.Context, messages []Message) (string, error) {
	content := make([]llms.MessageContent, 0, len(messages))
	for _, m := range messages {
		role := llms.ChatMessageTypeHuman
		switch m.Role {
		case RoleSystem:
			role = llms.ChatMessageTypeSystem
		case RoleAssistant:
			role = llms.ChatMessageTypeAI
		}
		content = append(content, llms.TextParts(role, m.Content))
	}

	callOpts := []llms.CallOption{llms.WithTemperature(l.opts.Temperature)}
	if l.opts.MaxTokens > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(l.opts.MaxTokens))
	}
	resp, err := l.llm.GenerateContent(ctx, content, callOpts...)
	if err != nil {
		return "", fmt.Errorf("langchain generate: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("langchain: empty response")
	}
	return resp.Choices[0].Content, nil
}
