package llmclient

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

type geminiModel struct {
	client *genai.Client
	opts   Options
}

func newGemini(ctx context.Context, apiKey string, opts Options) (*geminiModel, error) {
	clientOpts := []option.ClientOption{option.WithAPIKey(apiKey)}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(opts.BaseURL))
	}
	client, err := genai.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("gemini init: %w", err)
	}
	return &geminiModel{client: client, opts: opts}, nil
}

func (g *geminiModel) Generate(ctx context.Context, messages []Message) (string, error) {
	system, rest := splitSystem(messages)
	rest = alternate(rest)
	if len(rest) == 0 || rest[len(rest)-1].Role != RoleUser {
		return "", errors.New("gemini: conversation must end with a user message")
	}

	model := g.client.GenerativeModel(g.opts.Model)
	model.SetTemperature(float32(g.opts.Temperature))
	if g.opts.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(g.opts.MaxTokens))
	}
	if system != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}

	cs := model.StartChat()
	for _, m := range rest[:len(rest)-1] {
		role := "user"
		if m.Role == RoleAssistant {
			role = "model"
		}
		cs.History = append(cs.History, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(m.Content)}})
	}

	resp, err := cs.SendMessage(ctx, genai.Text(rest[len(rest)-1].Content))
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", errors.New("gemini: empty response")
	}

	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			b.WriteString(string(text))
		}
	}
	return b.String(), nil
}

func (g *geminiModel) Close() error {
	return g.client.Close()
}
