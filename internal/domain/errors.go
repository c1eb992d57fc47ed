package domain

import "errors"

var (
	// ErrNotFound is returned when a task or key does not exist.
	// Adapters map it to 404/NOT_FOUND.
	ErrNotFound = errors.New("resource not found")
	// ErrUnauthorized covers missing, malformed, unknown and revoked credentials.
	// Callers never learn which of these applied.
	ErrUnauthorized   = errors.New("unauthorized")
	ErrInvalidInput   = errors.New("invalid input")
	ErrDuplicateName  = errors.New("key name already exists")
	ErrRateLimited    = errors.New("rate limited")
	ErrLinkExpired    = errors.New("link expired")
	ErrResourceLoad   = errors.New("resource load failed")
	ErrTaskRevoked    = errors.New("task revoked")
	ErrNoTaskHandler  = errors.New("no handler registered for task")
	ErrNotImplemented = errors.New("not implemented")
	// ErrBacklogExceeded signals that admission refused a job because the
	// summed queue depth reached the configured limit. It is retryable later.
	ErrBacklogExceeded = errors.New("task backlog exceeded")
	// ErrDispatch wraps broker write failures on the enqueue path.
	ErrDispatch = errors.New("dispatch failed")
	// ErrBrokerUnavailable wraps broker read failures.
	ErrBrokerUnavailable = errors.New("broker unavailable")
)

// BacklogError carries the observed depth alongside ErrBacklogExceeded so the
// HTTP adapter can name both numbers in the 429 body.
type BacklogError struct {
	Waiting int64
	Limit   int64
}

func (e *BacklogError) Error() string {
	return ErrBacklogExceeded.Error()
}

func (e *BacklogError) Unwrap() error {
	return ErrBacklogExceeded
}
