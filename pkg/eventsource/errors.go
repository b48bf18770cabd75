package eventsource

import "github.com/chris-alexander-pop/notification-pipeline/pkg/errors"

// Error codes surfaced by Event Source Adapter implementations.
const (
	CodeConnectionFailed = "EVENTSOURCE_CONNECTION_FAILED"
	CodeParseFailed      = "EVENTSOURCE_PARSE_FAILED"
	CodeCircuitOpen      = "EVENTSOURCE_CIRCUIT_OPEN"
	CodeAlreadyStarted   = "EVENTSOURCE_ALREADY_STARTED"
	CodeNotStarted       = "EVENTSOURCE_NOT_STARTED"
)

func ErrConnectionFailed(cause error) *errors.AppError {
	return errors.New(CodeConnectionFailed, "failed to connect to event source", cause)
}

func ErrParseFailed(cause error) *errors.AppError {
	return errors.New(CodeParseFailed, "failed to parse event frame", cause)
}

func ErrCircuitOpen() *errors.AppError {
	return errors.New(CodeCircuitOpen, "event source circuit breaker is open", nil)
}

func ErrAlreadyStarted() *errors.AppError {
	return errors.New(CodeAlreadyStarted, "event source already started", nil)
}

func ErrNotStarted() *errors.AppError {
	return errors.New(CodeNotStarted, "event source not started", nil)
}
