package agent

import (
	"regexp"
	"strings"

	"eda-agent/config"
	"eda-agent/llmclient"
	"eda-agent/session"
	"eda-agent/tools"

	"go.uber.org/zap"
)

var codeRequest = regexp.MustCompile(`(?i)\b(code|c[oó]digo|script|snippet)\b`)

// ResponseHandler assembles model input and post-processes model replies.
type ResponseHandler struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewResponseHandler creates a new response handler instance.
func NewResponseHandler(cfg *config.Config, logger *zap.Logger) *ResponseHandler {
	return &ResponseHandler{
		cfg:    cfg,
		logger: logger,
	}
}

// BuildMessages puts the persona first, then every prior transcript turn in
// order, then the new question.
func (r *ResponseHandler) BuildMessages(persona string, history []session.Message, question string) []llmclient.Message {
	messages := make([]llmclient.Message, 0, len(history)+2)
	if persona != "" {
		messages = append(messages, llmclient.Message{Role: llmclient.RoleSystem, Content: persona})
	}
	for _, msg := range history {
		content := strings.TrimSpace(msg.Content)
		if content == "" {
			continue
		}
		role := llmclient.RoleUser
		if msg.Role == session.RoleAssistant {
			role = llmclient.RoleAssistant
			if msg.Chart != nil {
				content += "\n\n(A chart was shown with this answer.)"
			}
		}
		messages = append(messages, llmclient.Message{Role: role, Content: content})
	}
	messages = append(messages, llmclient.Message{Role: llmclient.RoleUser, Content: question})
	return messages
}

// CloseFence appends a closing fence when the reply stopped inside a code block.
func (r *ResponseHandler) CloseFence(reply string) string {
	if strings.Count(reply, "```")%2 == 1 {
		r.logger.Debug("Adding missing closing fence")
		return reply + "\n```"
	}
	return reply
}

// IsEmpty checks if the response is empty or only whitespace.
func (r *ResponseHandler) IsEmpty(response string) bool {
	return strings.TrimSpace(response) == ""
}

// FinalAnswer removes code from the final reply. When the question asked for
// code, the last executed block is appended instead.
func (r *ResponseHandler) FinalAnswer(reply, question, lastCode string) string {
	text := tools.StripCode(reply)
	if text == "" {
		text = strings.TrimSpace(reply)
	}
	if lastCode != "" && WantsCode(question) {
		text += "\n\n```python\n" + strings.TrimSpace(lastCode) + "\n```"
	}
	return text
}

// WantsCode reports whether the question explicitly asks to see code.
func WantsCode(question string) bool {
	return codeRequest.MatchString(question)
}
