package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"eda-agent/config"
	"eda-agent/web"
	"eda-agent/web/middleware"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the web chat interface",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		defer config.Cleanup()
		if servePort > 0 {
			cfg.WebPort = servePort
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		limiter := middleware.NewSessionRateLimiter(middleware.RateLimiterConfig{
			MessagesPerMinute: cfg.RateLimitMessagesPerMin,
			FilesPerHour:      cfg.RateLimitFilesPerHour,
			BurstSize:         cfg.RateLimitBurstSize,
			CleanupInterval:   time.Hour,
		}, logger)
		defer limiter.Stop()
		a.manager.OnDelete(limiter.Forget)

		if cfg.CleanupEnabled {
			cleanup := web.NewCleanupService(a.manager, logger)
			go cleanup.Run(ctx, cfg.CleanupInterval, cfg.SessionRetentionAge)
		} else {
			logger.Info("Workspace cleanup disabled")
		}

		server := web.NewServer(web.Dependencies{
			Manager:  a.manager,
			Chat:     a.chat,
			Sessions: a.sessions,
			Uploads:  a.uploads,
			Limiter:  limiter,
		}, logger, cfg)

		addr := fmt.Sprintf(":%d", cfg.WebPort)
		logger.Info("Starting eda-agent web server", zap.String("port", addr))
		if err := server.Start(ctx, addr); err != nil {
			logger.Error("Web server error", zap.Error(err))
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "port to listen on (overrides WEB_PORT)")
}
