package errors

import (
	"errors"
	"fmt"
)

// Common error types for categorization and handling

var (
	// ErrNotFound indicates a requested resource was not found
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates invalid user input
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnauthorized indicates unauthorized access attempt
	ErrUnauthorized = errors.New("unauthorized")

	// ErrServiceUnavailable indicates a required service is unavailable
	ErrServiceUnavailable = errors.New("service unavailable")

	// ErrDatabaseOperation indicates a database operation failed
	ErrDatabaseOperation = errors.New("database operation failed")

	// ErrPythonExecution indicates Python code execution failed
	ErrPythonExecution = errors.New("python execution failed")

	// ErrLLMCommunication indicates LLM communication failed
	ErrLLMCommunication = errors.New("llm communication failed")

	// ErrInvalidCSV indicates an uploaded file could not be parsed as CSV
	ErrInvalidCSV = errors.New("invalid csv")

	// ErrMissingCredential indicates no API key is available for the model provider
	ErrMissingCredential = errors.New("missing api credential")

	// ErrNoDataset indicates a question was asked before any dataset was loaded
	ErrNoDataset = errors.New("no dataset loaded")

	// ErrAgentFailed indicates the agent could not produce an answer
	ErrAgentFailed = errors.New("agent failed")

	// ErrRateLimited indicates the caller exceeded a rate limit
	ErrRateLimited = errors.New("rate limit exceeded")
)

// WrapError wraps an error with context message and stack
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// WrapErrorf wraps an error with formatted context message
func WrapErrorf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	message := fmt.Sprintf(format, args...)
	return fmt.Errorf("%s: %w", message, err)
}

// Is forwards to the standard library so callers importing this package
// under its own name do not need a second errors import.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// New forwards to the standard library.
func New(text string) error {
	return errors.New(text)
}

// IsNotFound checks if error is a not found error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsInvalidInput checks if error is an invalid input error
func IsInvalidInput(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}

// IsServiceUnavailable checks if error is a service unavailable error
func IsServiceUnavailable(err error) bool {
	return errors.Is(err, ErrServiceUnavailable)
}

// IsInvalidCSV checks if error is a CSV parse error
func IsInvalidCSV(err error) bool {
	return errors.Is(err, ErrInvalidCSV)
}

// IsMissingCredential checks if error is caused by a missing API key
func IsMissingCredential(err error) bool {
	return errors.Is(err, ErrMissingCredential)
}
