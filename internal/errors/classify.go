package errors

import (
	"context"
	"errors"
)

// ErrorSeverity indicates how serious an error is for the operator.
type ErrorSeverity int

const (
	SeverityInfo    ErrorSeverity = iota // Operator should know, not blocking
	SeverityWarning                      // Degraded functionality
	SeverityError                        // Operation failed, can retry
	SeverityFatal                        // Nothing sensible left to do
)

// String returns a lower-case name for the severity.
func (s ErrorSeverity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// UIError wraps an error with presentation metadata.
type UIError struct {
	Err      error
	Severity ErrorSeverity
	Title    string   // Short title
	Message  string   // Detailed message
	Recovery []string // Suggested actions
	Details  string   // Technical details
}

func (e *UIError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Title
}

// Unwrap returns the underlying error.
func (e *UIError) Unwrap() error {
	return e.Err
}

// Describe renders err as a single human readable line suitable for an
// error event or a terminal.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	ui := ClassifyGRPCError(err)
	if ui.Message == "" {
		return ui.Title
	}
	return ui.Title + ": " + ui.Message
}

// ClassifyError converts a standard error into a UIError with appropriate
// severity, title, message, and recovery suggestions.
func ClassifyError(err error) *UIError {
	if err == nil {
		return nil
	}

	var uiErr *UIError
	if errors.As(err, &uiErr) {
		return uiErr
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &UIError{
			Err:      err,
			Severity: SeverityError,
			Title:    "Request Timeout",
			Message:  "The server took too long to respond.",
			Recovery: []string{"Try again", "Increase the timeout"},
		}

	case errors.Is(err, context.Canceled):
		return &UIError{
			Err:      err,
			Severity: SeverityInfo,
			Title:    "Request Cancelled",
			Message:  "The call was cancelled.",
		}

	case errors.Is(err, ErrInvalidEndpoint):
		return &UIError{
			Err:      err,
			Severity: SeverityError,
			Title:    "Invalid Endpoint",
			Message:  err.Error(),
			Recovery: []string{"Use host:port, or an http(s) URL for gRPC-Web"},
		}

	case errors.Is(err, ErrInvalidTLS):
		return &UIError{
			Err:      err,
			Severity: SeverityError,
			Title:    "Invalid TLS Configuration",
			Message:  err.Error(),
			Recovery: []string{
				"Check that certificate files are PEM encoded",
				"Provide both the client certificate and key, or neither",
			},
		}

	case errors.Is(err, ErrMethodNotFound):
		return &UIError{
			Err:      err,
			Severity: SeverityError,
			Title:    "Method Not Found",
			Message:  err.Error(),
			Recovery: []string{"Check the method name", "List services to see what the schema declares"},
		}

	case errors.Is(err, ErrReflectionUnavailable):
		return &UIError{
			Err:      err,
			Severity: SeverityWarning,
			Title:    "Reflection Not Available",
			Message:  "This server doesn't support gRPC reflection.",
			Recovery: []string{"Load .proto files instead"},
		}

	case errors.Is(err, ErrInvalidDescriptor):
		return &UIError{
			Err:      err,
			Severity: SeverityError,
			Title:    "Invalid Descriptor",
			Message:  "The schema could not be resolved.",
			Recovery: []string{"Check import paths", "Load the missing dependency files"},
			Details:  err.Error(),
		}

	case errors.Is(err, ErrInvalidPayload):
		return &UIError{
			Err:      err,
			Severity: SeverityError,
			Title:    "Invalid Request",
			Message:  err.Error(),
			Recovery: []string{"Correct the request JSON and try again"},
		}
	}

	var validationErr ValidationError
	if errors.As(err, &validationErr) {
		return &UIError{
			Err:      err,
			Severity: SeverityError,
			Title:    "Validation Error",
			Message:  validationErr.Message,
			Recovery: []string{"Correct the field value and try again"},
			Details:  validationErr.Error(),
		}
	}

	return &UIError{
		Err:      err,
		Severity: SeverityError,
		Title:    "Unexpected Error",
		Message:  err.Error(),
		Recovery: []string{"Try again"},
		Details:  err.Error(),
	}
}
