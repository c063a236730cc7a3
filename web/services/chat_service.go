package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"eda-agent/agent"
	apperrors "eda-agent/errors"
	"eda-agent/llmclient"
	"eda-agent/session"
	"eda-agent/utils"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AnalysisErrorPrefix starts the assistant message stored when the agent fails.
const AnalysisErrorPrefix = "An error occurred during the analysis: "

// Asker answers one question against a dataset.
type Asker interface {
	Ask(ctx context.Context, req agent.Request) (*agent.Answer, error)
}

// ModelSource hands out a model client for a credential. The returned func
// releases the client.
type ModelSource interface {
	Get(ctx context.Context, apiKey string) (llmclient.Model, func(), error)
}

type ChatService struct {
	agent    Asker
	models   ModelSource
	sessions *SessionService
	manager  *session.Manager
	logger   *zap.Logger
	now      func() time.Time
}

// Exchange is the pair of messages one question adds to the transcript.
type Exchange struct {
	User      session.Message
	Assistant session.Message
}

func NewChatService(agent Asker, models ModelSource, sessions *SessionService, manager *session.Manager, logger *zap.Logger) *ChatService {
	return &ChatService{
		agent:    agent,
		models:   models,
		sessions: sessions,
		manager:  manager,
		logger:   logger,
		now:      time.Now,
	}
}

// Ask stores the question, runs the agent and stores its answer. Questions
// within one session run one at a time. Agent failures become an assistant
// message rather than an error; the returned error covers only problems that
// prevent the question from being asked at all.
func (cs *ChatService) Ask(ctx context.Context, sessionID, question string) (*Exchange, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, apperrors.WrapError(apperrors.ErrInvalidInput, "message cannot be empty")
	}

	unlock := cs.manager.Lock(sessionID)
	defer unlock()

	ds, datasetFile := cs.manager.Dataset(sessionID)
	if ds == nil {
		return nil, apperrors.ErrNoDataset
	}

	model, release, err := cs.models.Get(ctx, cs.sessions.APIKey(sessionID))
	if err != nil {
		return nil, err
	}
	defer release()

	history, err := cs.manager.Messages(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("could not load transcript: %w", err)
	}

	userMsg := session.Message{
		ID:        utils.GenerateMessageID(),
		SessionID: sessionID,
		Role:      session.RoleUser,
		Content:   question,
		CreatedAt: cs.now(),
	}
	if err := cs.manager.AppendMessage(ctx, userMsg); err != nil {
		cs.logger.Error("Failed to save user message", zap.Error(err), zap.String("session_id", sessionID))
		return nil, fmt.Errorf("could not save message: %w", err)
	}
	cs.manager.MaybeSetTitle(ctx, sessionID, question, len(history))

	assistantID := uuid.New().String()
	chartName := utils.ChartFilename(assistantID)

	cs.logger.Info("Processing question",
		zap.String("session_id", sessionID),
		zap.Int("history_messages", len(history)),
		zap.Int("question_length", len(question)))

	answer, askErr := cs.agent.Ask(ctx, agent.Request{
		SessionID:   sessionID,
		Question:    question,
		History:     history,
		Dataset:     ds,
		DatasetFile: datasetFile,
		ChartName:   chartName,
		Model:       model,
	})

	assistantMsg := session.Message{
		ID:        assistantID,
		SessionID: sessionID,
		Role:      session.RoleAssistant,
		CreatedAt: cs.now(),
	}
	if askErr != nil {
		cs.logger.Error("Agent failed to answer",
			zap.Error(askErr),
			zap.String("session_id", sessionID))
		assistantMsg.Content = AnalysisErrorPrefix + askErr.Error()
	} else {
		assistantMsg.Content = answer.Text
		if answer.ChartFile != "" && utils.VerifyFileExists(cs.manager.WorkspacePath(sessionID), answer.ChartFile) {
			assistantMsg.Chart = &session.Chart{
				File: answer.ChartFile,
				URL:  ChartURL(sessionID, answer.ChartFile),
			}
		} else if answer.ChartFile != "" {
			cs.logger.Warn("Chart reported but not found in workspace",
				zap.String("session_id", sessionID),
				zap.String("file", answer.ChartFile))
		}
	}

	// The request may have been cancelled while the agent ran; the answer
	// is still stored.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := cs.manager.AppendMessage(saveCtx, assistantMsg); err != nil {
		cs.logger.Error("Failed to save assistant message",
			zap.Error(err),
			zap.String("session_id", sessionID))
		return nil, fmt.Errorf("could not save answer: %w", err)
	}

	return &Exchange{User: userMsg, Assistant: assistantMsg}, nil
}

