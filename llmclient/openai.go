package llmclient

import (
	"context"
	"errors"
	"fmt"

	"github.com/sashabaranov/go-openai"
)

type openAIModel struct {
	client *openai.Client
	opts   Options
}

func newOpenAI(apiKey string, opts Options) *openAIModel {
	cfg := openai.DefaultConfig(apiKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	return &openAIModel{client: openai.NewClientWithConfig(cfg), opts: opts}
}

func (o *openAIModel) Generate(ctx context.Context, messages []Message) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:       o.opts.Model,
		Temperature: float32(o.opts.Temperature),
		MaxTokens:   o.opts.MaxTokens,
		Messages:    make([]openai.ChatCompletionMessage, 0, len(messages)),
	}
	for _, m := range messages {
		role := openai.ChatMessageRoleUser
		switch m.Role {
		case RoleSystem:
			role = openai.ChatMessageRoleSystem
		case RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		}
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("no response from OpenAI")
	}
	return resp.Choices[0].Message.Content, nil
}
