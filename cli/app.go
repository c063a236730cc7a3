package cli

import (
	"context"
	"fmt"
	"strings"

	"eda-agent/agent"
	"eda-agent/config"
	"eda-agent/dataset"
	"eda-agent/llmclient"
	"eda-agent/session"
	"eda-agent/tools"
	"eda-agent/web/services"

	"go.uber.org/zap"
)

// app holds the services shared by the serve and ask commands.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	store    session.TranscriptStore
	manager  *session.Manager
	python   *tools.StatefulPythonTool
	agent    *agent.Agent
	models   *llmclient.Factory
	datasets *dataset.Cache
	sessions *services.SessionService
	uploads  *services.UploadService
	chat     *services.ChatService
}

// loadConfig reads the configuration and builds the process logger. Flag
// values win over LOG_LEVEL and LOG_FORMAT.
func loadConfig() (*config.Config, *zap.Logger, error) {
	tempLogger, err := config.InitLogger("info", "console")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	cfg := config.Load(tempLogger)

	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}
	if flagLogFormat != "" {
		cfg.LogFormat = flagLogFormat
	}
	logger, err := config.InitLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to re-initialize logger with configured level: %w", err)
	}
	return cfg, logger, nil
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.store = store
	a.manager = session.NewManager(store, cfg.WorkspaceDir, logger)

	a.python, err = tools.NewStatefulPythonTool(ctx, cfg, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize python tool: %w", err)
	}
	a.agent = agent.NewAgent(cfg, a.python, logger)
	a.manager.OnDelete(a.agent.CleanupSession)

	a.models, err = llmclient.NewFactory(cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.datasets, err = dataset.NewCache(cfg.DatasetCacheSize)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create dataset cache: %w", err)
	}

	a.sessions = services.NewSessionService(a.manager, a.models, cfg.SecretAPIKey(), cfg.PreviewRows, cfg.MaxUploadMB, logger)
	a.uploads = services.NewUploadService(a.datasets, a.manager, cfg.MaxUploadBytes(), logger)
	a.chat = services.NewChatService(a.agent, a.models, a.sessions, a.manager, logger)

	logger.Info("Services initialized",
		zap.String("llm_provider", a.models.Provider()),
		zap.String("llm_model", cfg.LLMModel),
		zap.String("workspace_dir", cfg.WorkspaceDir),
		zap.Bool("persistent_transcripts", cfg.DatabaseURL != ""))
	return a, nil
}

// openStore uses Postgres when DATABASE_URL is set and keeps transcripts in
// memory otherwise.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (session.TranscriptStore, error) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		logger.Info("DATABASE_URL not set, transcripts are kept in memory")
		return session.NewMemoryStore(), nil
	}
	store, err := session.NewPostgresStore(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to ensure database schema: %w", err)
	}
	return store, nil
}

func (a *app) Close() {
	if a.python != nil {
		a.python.Close()
	}
	if a.models != nil {
		a.models.Purge()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("Failed to close transcript store", zap.Error(err))
		}
	}
}
