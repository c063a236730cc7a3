package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrContextWindowExceeded is returned when the model reports the prompt
// exceeds the available context size.
var ErrContextWindowExceeded = errors.New("context window exceeded")

const defaultLlamaCppHost = "http://localhost:8080"

type chatRequest struct {
	Model       string    `json:"model,omitempty"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

// llamaCppModel calls an OpenAI compatible /v1/chat/completions endpoint
// (llama.cpp server), retrying while the server reports the model is loading.
type llamaCppModel struct {
	host       string
	opts       Options
	httpClient *http.Client
	logger     *zap.Logger
}

func newLlamaCpp(opts Options, logger *zap.Logger) *llamaCppModel {
	host := opts.BaseURL
	if host == "" {
		host = defaultLlamaCppHost
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 1
	}
	return &llamaCppModel{
		host:       strings.TrimRight(host, "/"),
		opts:       opts,
		httpClient: &http.Client{Timeout: opts.Timeout},
		logger:     logger,
	}
}

func (c *llamaCppModel) Generate(ctx context.Context, messages []Message) (string, error) {
	temperature := c.opts.Temperature
	reqBody := chatRequest{
		Model:       c.opts.Model,
		Messages:    messages,
		Stream:      false,
		Temperature: &temperature,
		MaxTokens:   c.opts.MaxTokens,
	}
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	url := c.host + "/v1/chat/completions"

	var resp *http.Response
	var lastErr error
	for attempt := 0; attempt < c.opts.MaxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
		if err != nil {
			return "", fmt.Errorf("create chat request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		r, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			// Do not retry on context cancellation/deadline
			if ctx.Err() != nil {
				break
			}
			c.backoffSleep(ctx, attempt)
			continue
		}
		if r.StatusCode == http.StatusServiceUnavailable {
			// Model loading; retry with backoff
			io.Copy(io.Discard, r.Body)
			r.Body.Close()
			lastErr = fmt.Errorf("llm server status %s", r.Status)
			if c.logger != nil {
				c.logger.Warn("LLM service unavailable, retrying", zap.Int("attempt", attempt+1))
			}
			c.backoffSleep(ctx, attempt)
			continue
		}
		resp = r
		break
	}
	if resp == nil {
		return "", fmt.Errorf("no response from LLM server: %w", lastErr)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read chat response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		if strings.Contains(string(bodyBytes), "exceeds the available context size") {
			return "", ErrContextWindowExceeded
		}
		return "", fmt.Errorf("llm server status %s: %s", resp.Status, string(bodyBytes))
	}

	var cr chatResponse
	if err := json.Unmarshal(bodyBytes, &cr); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	if len(cr.Choices) == 0 {
		return "", fmt.Errorf("no response choices from llm server")
	}
	return cr.Choices[0].Message.Content, nil
}

func (c *llamaCppModel) backoffSleep(ctx context.Context, attempt int) {
	// Exponential backoff with configurable jitter and cap
	base := c.opts.RetryDelay
	if base <= 0 {
		base = time.Second
	}
	d := base * time.Duration(1<<attempt)
	if maxWait := c.opts.BackoffMax; maxWait > 0 && d > maxWait {
		d = maxWait
	}
	jitterRatio := c.opts.BackoffJitter
	if jitterRatio < 0 || jitterRatio > 1 {
		jitterRatio = 0.1
	}
	jitter := time.Duration(float64(d) * jitterRatio)
	wait := d - jitter + time.Duration(time.Now().UnixNano()%int64(2*jitter+1))

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
