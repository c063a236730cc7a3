package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"eda-agent/config"
	"eda-agent/session"
	"eda-agent/web/handlers"
	"eda-agent/web/middleware"
	"eda-agent/web/services"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Dependencies are the services the HTTP layer is built on.
type Dependencies struct {
	Manager  *session.Manager
	Chat     *services.ChatService
	Sessions *services.SessionService
	Uploads  *services.UploadService
	Limiter  *middleware.SessionRateLimiter
}

type Server struct {
	router *gin.Engine
	deps   Dependencies
	logger *zap.Logger
	config *config.Config
}

func NewServer(deps Dependencies, logger *zap.Logger, config *config.Config) *Server {
	if gin.Mode() != gin.TestMode {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(func(c *gin.Context) {
		c.Set("logger", logger)
		c.Next()
	})

	server := &Server{
		router: router,
		deps:   deps,
		logger: logger,
		config: config,
	}

	server.setupRoutes()
	return server
}

func (s *Server) setupRoutes() {
	chatHandler := handlers.NewChatHandler(
		s.deps.Chat,
		s.deps.Sessions,
		s.deps.Uploads,
		s.deps.Manager,
		s.config.MaxUploadBytes(),
		s.logger,
	)
	workspaceHandler := handlers.NewWorkspaceHandler(s.deps.Manager, s.logger)

	notify := func(sessionID, text string) {
		s.deps.Manager.AddNotice(sessionID, session.NoticeWarning, text)
	}
	var messageLimit gin.HandlerFunc = func(c *gin.Context) { c.Next() }
	fileLimit := messageLimit
	if s.deps.Limiter != nil {
		messageLimit = middleware.RateLimitMiddleware(s.deps.Limiter, middleware.LimitMessage, notify)
		fileLimit = middleware.RateLimitMiddleware(s.deps.Limiter, middleware.LimitFile, notify)
	}

	s.router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	app := s.router.Group("/")
	app.Use(middleware.SessionMiddleware(s.deps.Manager, s.logger))
	{
		app.GET("/", chatHandler.Index)
		app.POST("/credentials", chatHandler.Credentials)
		app.POST("/upload", fileLimit, chatHandler.Upload)
		app.POST("/chat", messageLimit, chatHandler.Chat)
		app.POST("/reset", chatHandler.Reset)
		app.GET("/api/transcript", chatHandler.Transcript)
		app.GET("/workspaces/:sessionID/*filepath", workspaceHandler.ServeFile)
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.logger.Info("Starting web server", zap.String("address", addr))

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			s.logger.Error("Web server failed to start", zap.Error(err))
			return err
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down web server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
