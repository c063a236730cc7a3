package web

import (
	"context"
	"fmt"
	"time"

	"eda-agent/session"

	"go.uber.org/zap"
)

// CleanupService removes sessions that have been idle for too long.
type CleanupService struct {
	manager *session.Manager
	logger  *zap.Logger
}

func NewCleanupService(manager *session.Manager, logger *zap.Logger) *CleanupService {
	return &CleanupService{
		manager: manager,
		logger:  logger,
	}
}

// CleanupStaleWorkspaces deletes sessions inactive for longer than maxAge,
// returning how many were deleted.
func (cs *CleanupService) CleanupStaleWorkspaces(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoffTime := time.Now().Add(-maxAge)

	cs.logger.Info("Starting stale workspace cleanup",
		zap.Time("cutoff_time", cutoffTime),
		zap.Duration("max_age", maxAge))

	staleSessions, err := cs.manager.Store().StaleSessions(ctx, cutoffTime)
	if err != nil {
		return 0, fmt.Errorf("failed to get stale sessions: %w", err)
	}

	if len(staleSessions) == 0 {
		cs.logger.Debug("No stale sessions found")
		return 0, nil
	}

	deletedCount := 0
	for _, sessionID := range staleSessions {
		// Delete runs the registered hooks, removes the workspace directory
		// and the stored transcript.
		if err := cs.manager.Delete(ctx, sessionID); err != nil {
			cs.logger.Error("Failed to delete stale session",
				zap.Error(err),
				zap.String("session_id", sessionID))
			continue
		}
		deletedCount++
	}

	cs.logger.Info("Stale workspace cleanup completed",
		zap.Int("sessions_deleted", deletedCount),
		zap.Int("sessions_failed", len(staleSessions)-deletedCount))

	return deletedCount, nil
}

// Run repeats the cleanup every interval until ctx is cancelled.
func (cs *CleanupService) Run(ctx context.Context, interval, maxAge time.Duration) {
	if interval <= 0 || maxAge <= 0 {
		cs.logger.Warn("Cleanup disabled: interval and retention must be positive",
			zap.Duration("interval", interval),
			zap.Duration("max_age", maxAge))
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := cs.CleanupStaleWorkspaces(ctx, maxAge); err != nil {
			cs.logger.Error("Stale workspace cleanup failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
