package errors

import "errors"

// Sentinel errors for common failure modes.
var (
	ErrInvalidEndpoint       = errors.New("invalid endpoint")
	ErrInvalidTLS            = errors.New("invalid TLS material")
	ErrMethodNotFound        = errors.New("method not found")
	ErrReflectionUnavailable = errors.New("reflection not available")
	ErrInvalidDescriptor     = errors.New("invalid descriptor")
	ErrInvalidPayload        = errors.New("invalid request payload")
)

// ValidationError represents a field validation failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}
