package agent

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// maxResultChars bounds the execution output fed back to the model.
const maxResultChars = 8000

// Executor runs code in the per-session dataframe runtime.
type Executor interface {
	InitializeSession(ctx context.Context, sessionID, file string, delimiter rune) (string, error)
	ResetFigures(ctx context.Context, sessionID string) error
	CaptureFigure(ctx context.Context, sessionID, file string) (bool, error)
	ExecutePythonCode(ctx context.Context, text, sessionID string) (code string, output string, ok bool)
	CleanupSession(sessionID string)
}

// ExecutionCoordinator handles Python code detection, execution, and result processing.
type ExecutionCoordinator struct {
	executor Executor
	logger   *zap.Logger
}

// ExecutionResult contains the outcome of processing a model reply for code execution.
type ExecutionResult struct {
	WasCodeExecuted bool
	Code            string
	Result          string
	HasError        bool
}

// NewExecutionCoordinator creates a new execution coordinator instance.
func NewExecutionCoordinator(executor Executor, logger *zap.Logger) *ExecutionCoordinator {
	return &ExecutionCoordinator{
		executor: executor,
		logger:   logger,
	}
}

// ProcessResponse runs the first Python block of reply, if any.
func (e *ExecutionCoordinator) ProcessResponse(ctx context.Context, reply, sessionID string) *ExecutionResult {
	code, result, wasExecuted := e.executor.ExecutePythonCode(ctx, reply, sessionID)
	if !wasExecuted {
		return &ExecutionResult{WasCodeExecuted: false}
	}

	hasError := e.DetectError(result)
	if hasError {
		e.logger.Warn("Python execution resulted in error",
			zap.String("session_id", sessionID),
			zap.Int("output_length", len(result)))
	}

	return &ExecutionResult{
		WasCodeExecuted: true,
		Code:            code,
		Result:          result,
		HasError:        hasError,
	}
}

// DetectError checks if the execution result contains error indicators.
func (e *ExecutionCoordinator) DetectError(result string) bool {
	return strings.Contains(result, "Error:") || strings.Contains(result, "Traceback (most recent call last)")
}

// FormatResults wraps execution output in the tags the persona prompt describes.
func FormatResults(result string) string {
	result = strings.TrimSpace(result)
	if result == "" {
		result = "(no output; print the values you need to see)"
	}
	if len(result) > maxResultChars {
		result = fmt.Sprintf("%s\n... [output truncated, %d characters omitted]", strings.ToValidUTF8(result[:maxResultChars], ""), len(result)-maxResultChars)
	}
	return "<execution_results>\n" + result + "\n</execution_results>"
}
