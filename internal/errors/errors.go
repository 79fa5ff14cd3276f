// Package errors provides the CLI-facing error type: a user-friendly
// message with suggested fixes, wrapping the engine-level error (often
// an *errkind.Error) as its cause. The protocol cores never use this
// package; it exists for the command-line surfaces only.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// UserError represents an error with user-friendly message and suggestions
type UserError struct {
	Message     string   // User-friendly error message
	Suggestions []string // Possible solutions
	Err         error    // Underlying error (can be nil)
}

// Error implements the error interface
func (e *UserError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Message)

	if len(e.Suggestions) > 0 {
		sb.WriteString("\n\nPossible solutions:")
		for _, suggestion := range e.Suggestions {
			sb.WriteString("\n  - ")
			sb.WriteString(suggestion)
		}
	}

	if e.Err != nil {
		sb.WriteString("\n\nTechnical details: ")
		sb.WriteString(e.Err.Error())
	}

	return sb.String()
}

// Unwrap returns the underlying error
func (e *UserError) Unwrap() error {
	return e.Err
}

// NewUserError creates a new user-friendly error
func NewUserError(message string, suggestions []string, err error) *UserError {
	return &UserError{
		Message:     message,
		Suggestions: suggestions,
		Err:         err,
	}
}

// IsUserError checks if an error is a UserError
func IsUserError(err error) bool {
	var userErr *UserError
	return errors.As(err, &userErr)
}

// Common error constructors for typical scenarios

// ConnectionError creates an error for connection/listen failures
func ConnectionError(target string, err error) error {
	return NewUserError(
		fmt.Sprintf("Failed to connect to %s", target),
		[]string{
			"Check if the server is running and reachable",
			"Verify the address and port are correct",
			"Check firewall settings (HTTP/3 needs UDP open)",
		},
		err,
	)
}

// FileNotFoundError creates an error for missing files
func FileNotFoundError(path string, err error) error {
	return NewUserError(
		fmt.Sprintf("File not found: %s", path),
		[]string{
			"Check if the file path is correct",
			"Verify you have read permissions",
		},
		err,
	)
}

// ConfigError creates an error for configuration issues
func ConfigError(message string, err error) error {
	return NewUserError(
		message,
		[]string{
			"Check your config file at ~/.config/httpengine/httpengine.yaml",
			"Verify the YAML syntax is correct",
			"Try running 'httpengine config show' to see current settings",
			"Delete the config file to reset to defaults",
		},
		err,
	)
}
