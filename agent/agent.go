package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"eda-agent/config"
	"eda-agent/dataset"
	apperrors "eda-agent/errors"
	"eda-agent/llmclient"
	"eda-agent/prompts"
	"eda-agent/session"

	"go.uber.org/zap"
)

// Request is one question asked against a session's dataset.
type Request struct {
	SessionID string
	Question  string
	// History holds the prior transcript turns, oldest first.
	History []session.Message
	Dataset *dataset.Dataset
	// DatasetFile is the dataset's file name inside the session workspace.
	DatasetFile string
	// ChartName is the file a drawn figure is saved to. Empty disables capture.
	ChartName string
	Model     llmclient.Model
}

// Answer is the agent's reply to a Request.
type Answer struct {
	Text      string
	ChartFile string
	Steps     int
}

type Agent struct {
	cfg                  *config.Config
	executor             Executor
	logger               *zap.Logger
	executionCoordinator *ExecutionCoordinator
	responseHandler      *ResponseHandler

	mu sync.Mutex
	// loaded maps a session to the dataset currently loaded in its runtime.
	loaded map[string]string
}

func NewAgent(cfg *config.Config, executor Executor, logger *zap.Logger) *Agent {
	logger.Info("Agent initialized",
		zap.Int("max_turns", cfg.MaxTurns),
		zap.Int("consecutive_errors", cfg.ConsecutiveErrors))

	return &Agent{
		cfg:                  cfg,
		executor:             executor,
		logger:               logger,
		executionCoordinator: NewExecutionCoordinator(executor, logger),
		responseHandler:      NewResponseHandler(cfg, logger),
		loaded:               make(map[string]string),
	}
}

// InitializeSession loads the dataset into the session's runtime unless the
// same dataset is already loaded there.
func (a *Agent) InitializeSession(ctx context.Context, sessionID string, ds *dataset.Dataset, file string) error {
	key := ds.Fingerprint() + "|" + file

	a.mu.Lock()
	current := a.loaded[sessionID]
	a.mu.Unlock()
	if current == key {
		return nil
	}

	out, err := a.executor.InitializeSession(ctx, sessionID, file, ds.Delimiter())
	if err != nil {
		return apperrors.WrapError(err, "failed to load dataset into the analysis runtime")
	}
	if strings.Contains(out, "Traceback") || strings.HasPrefix(strings.TrimSpace(out), "Error") {
		return fmt.Errorf("%w: loading %s failed: %s", apperrors.ErrPythonExecution, ds.Name(), strings.TrimSpace(out))
	}

	a.mu.Lock()
	a.loaded[sessionID] = key
	a.mu.Unlock()
	a.logger.Info("Dataset loaded into runtime",
		zap.String("session_id", sessionID),
		zap.String("dataset", ds.Name()),
		zap.Int("rows", ds.NumRows()))
	return nil
}

// CleanupSession drops the runtime binding and load state of a session.
func (a *Agent) CleanupSession(sessionID string) {
	a.mu.Lock()
	delete(a.loaded, sessionID)
	a.mu.Unlock()
	a.executor.CleanupSession(sessionID)
}

// Ask answers one question. The returned error is meant to be shown to the
// user; the session stays usable afterwards.
func (a *Agent) Ask(ctx context.Context, req Request) (*Answer, error) {
	if req.Dataset == nil {
		return nil, apperrors.ErrNoDataset
	}
	if req.Model == nil {
		return nil, apperrors.WrapError(apperrors.ErrMissingCredential, "no language model configured")
	}
	if strings.TrimSpace(req.Question) == "" {
		return nil, apperrors.WrapError(apperrors.ErrInvalidInput, "question is empty")
	}

	if err := a.InitializeSession(ctx, req.SessionID, req.Dataset, req.DatasetFile); err != nil {
		return nil, err
	}
	if err := a.executor.ResetFigures(ctx, req.SessionID); err != nil {
		a.logger.Warn("Failed to clear figures before question",
			zap.String("session_id", req.SessionID),
			zap.Error(err))
	}

	persona, err := prompts.AgentPersona(prompts.Persona{
		Language:    a.cfg.AnswerLanguage,
		DatasetName: req.Dataset.Name(),
		Rows:        req.Dataset.NumRows(),
		Columns:     req.Dataset.NumColumns(),
		Profile:     req.Dataset.Profile().Markdown(),
		Head:        req.Dataset.Head(a.cfg.PreviewRows).Markdown(),
	})
	if err != nil {
		return nil, apperrors.WrapError(err, "failed to render agent prompt")
	}
	messages := a.responseHandler.BuildMessages(persona, req.History, req.Question)

	loop := NewConversationLoop(a.cfg, a.logger)
	var (
		final    string
		lastCode string
		steps    int
	)

	for turn := 0; ; turn++ {
		if ok, reason := loop.ShouldContinue(turn); !ok {
			return nil, fmt.Errorf("%w: %s", apperrors.ErrAgentFailed, reason)
		}

		reply, err := req.Model.Generate(ctx, messages)
		steps++
		if err != nil {
			a.logger.Error("Failed to get LLM response",
				zap.Error(err),
				zap.Int("turn", turn),
				zap.String("session_id", req.SessionID))
			return nil, fmt.Errorf("%w: %w", apperrors.ErrLLMCommunication, err)
		}

		if a.responseHandler.IsEmpty(reply) {
			a.logger.Warn("Empty LLM response, asking for a corrected reply",
				zap.Int("turn", turn),
				zap.String("session_id", req.SessionID))
			loop.RecordError()
			messages = append(messages, llmclient.Message{Role: llmclient.RoleUser, Content: prompts.ParseError()})
			continue
		}

		reply = a.responseHandler.CloseFence(reply)
		exec := a.executionCoordinator.ProcessResponse(ctx, reply, req.SessionID)
		if !exec.WasCodeExecuted {
			final = reply
			break
		}

		if exec.HasError {
			loop.RecordError()
		} else {
			loop.RecordSuccess()
			lastCode = exec.Code
		}
		messages = append(messages,
			llmclient.Message{Role: llmclient.RoleAssistant, Content: reply},
			llmclient.Message{Role: llmclient.RoleUser, Content: FormatResults(exec.Result)},
		)
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", apperrors.ErrAgentFailed, ctx.Err())
		}
	}

	answer := &Answer{
		Text:  a.responseHandler.FinalAnswer(final, req.Question, lastCode),
		Steps: steps,
	}

	if req.ChartName != "" {
		saved, err := a.executor.CaptureFigure(ctx, req.SessionID, req.ChartName)
		if err != nil {
			a.logger.Warn("Failed to capture chart",
				zap.String("session_id", req.SessionID),
				zap.Error(err))
		} else if saved {
			answer.ChartFile = req.ChartName
		}
	}

	a.logger.Info("Question answered",
		zap.String("session_id", req.SessionID),
		zap.Int("steps", answer.Steps),
		zap.Bool("chart", answer.ChartFile != ""))
	return answer, nil
}
