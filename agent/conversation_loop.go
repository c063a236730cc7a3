package agent

import (
	"eda-agent/config"

	"go.uber.org/zap"
)

// Reasons reported when the loop stops without a final answer.
const (
	reasonConsecutiveErrors = "consecutive errors, the question could not be answered"
	reasonMaxTurns          = "maximum number of steps reached without a final answer"
)

// ConversationLoop tracks the turn budget and consecutive failures of one question.
type ConversationLoop struct {
	maxTurns          int
	maxErrors         int
	consecutiveErrors int
	logger            *zap.Logger
}

// NewConversationLoop creates a loop bounded by MAX_TURNS and CONSECUTIVE_ERRORS.
func NewConversationLoop(cfg *config.Config, logger *zap.Logger) *ConversationLoop {
	maxErrors := cfg.ConsecutiveErrors
	if maxErrors <= 0 {
		maxErrors = 1
	}
	maxTurns := cfg.MaxTurns
	if maxTurns <= 0 {
		maxTurns = 1
	}
	return &ConversationLoop{
		maxTurns:  maxTurns,
		maxErrors: maxErrors,
		logger:    logger,
	}
}

// ShouldContinue checks if the loop should continue based on turn count and consecutive errors.
// Returns (shouldContinue, reason). If shouldContinue is false, reason contains the break message.
func (c *ConversationLoop) ShouldContinue(turn int) (bool, string) {
	if c.consecutiveErrors >= c.maxErrors {
		c.logger.Warn("Agent produced consecutive errors, stopping",
			zap.Int("consecutive_errors", c.consecutiveErrors))
		return false, reasonConsecutiveErrors
	}

	if turn >= c.maxTurns {
		c.logger.Info("Reached maximum turns limit",
			zap.Int("max_turns", c.maxTurns))
		return false, reasonMaxTurns
	}

	return true, ""
}

// RecordError increments the consecutive error counter and logs it.
func (c *ConversationLoop) RecordError() {
	c.consecutiveErrors++
	c.logger.Debug("Recorded agent error",
		zap.Int("consecutive_errors", c.consecutiveErrors))
}

// RecordSuccess resets the consecutive error counter.
func (c *ConversationLoop) RecordSuccess() {
	if c.consecutiveErrors > 0 {
		c.logger.Debug("Resetting consecutive error count after successful step")
		c.consecutiveErrors = 0
	}
}

// ConsecutiveErrors returns the current consecutive error count.
func (c *ConversationLoop) ConsecutiveErrors() int {
	return c.consecutiveErrors
}
