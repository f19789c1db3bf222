package cmd

import (
	"fmt"
	"os"

	"recurring-payments-engine/pkg/errors"
	"recurring-payments-engine/pkg/logger"
)

// CLIErrorHandler turns engine errors into user-facing messages and exit
// codes.
type CLIErrorHandler struct {
	logger logger.Logger
}

// NewCLIErrorHandler creates a new CLI error handler
func NewCLIErrorHandler() *CLIErrorHandler {
	return &CLIErrorHandler{
		logger: logger.Global().WithComponent("cli"),
	}
}

// HandleError prints a user-friendly message for err and returns the process
// exit code.
func (h *CLIErrorHandler) HandleError(err error) int {
	if err == nil {
		return 0
	}

	h.logger.WithError(err).Error("command failed")

	if engineErr, ok := errors.As(err); ok {
		return h.handleEngineError(engineErr)
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return 1
}

func (h *CLIErrorHandler) handleEngineError(err *errors.Error) int {
	fmt.Fprintf(os.Stderr, "Error: %s\n", err.Message)

	if len(err.Context) > 0 {
		fmt.Fprintf(os.Stderr, "\nContext:\n")
		for key, value := range err.Context {
			fmt.Fprintf(os.Stderr, "  %s: %v\n", key, value)
		}
	}
	if err.Suggestion != "" {
		fmt.Fprintf(os.Stderr, "\nSuggestion: %s\n", err.Suggestion)
	}
	fmt.Fprintf(os.Stderr, "\n%s\n", categoryHelp(err.Category))

	return err.ExitCode()
}

func categoryHelp(category errors.Category) string {
	switch category {
	case errors.CategoryStructural:
		return "The referenced entity is missing or incomplete. Check the IDs and required fields."
	case errors.CategoryConflict:
		return "The operation collides with existing data. Update or merge instead of creating."
	case errors.CategoryStorage:
		return "The database could not be read or written. Check the --db path and file permissions."
	case errors.CategoryConfiguration:
		return "A configuration value is invalid. Run with --help to see accepted values."
	default:
		return "Run with --log-level debug for more detail."
	}
}
