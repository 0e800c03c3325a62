package types

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned when sending on a transport that is not open.
var ErrNotConnected = errors.New("transport not connected")

// ConnectionError reports that a transport failed to open.
type ConnectionError struct {
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProtocolError carries a server_error message.
type ProtocolError struct {
	Message string
}

func (e *ProtocolError) Error() string {
	return "server error: " + e.Message
}

// NotFoundError reports a failed history fetch (any non-2xx status).
type NotFoundError struct {
	ThreadID   ThreadID
	StatusCode int
	Body       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("thread %s: status %d: %s", e.ThreadID, e.StatusCode, e.Body)
}

// TimeoutError reports that the server stopped waiting for a confirmation.
type TimeoutError struct {
	ConfirmationID ConfirmationID
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("confirmation %s timed out", e.ConfirmationID)
}

// SubmissionError reports a failed feedback or confirmation submission.
// It never reaches the timeline.
type SubmissionError struct {
	Op  string
	Err error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// InterruptedError reports a socket that closed before completion.
type InterruptedError struct {
	Err error
}

func (e *InterruptedError) Error() string {
	if e.Err == nil {
		return "connection interrupted before completion"
	}
	return fmt.Sprintf("connection interrupted before completion: %v", e.Err)
}

func (e *InterruptedError) Unwrap() error { return e.Err }

// HTTPStatusError is returned for unexpected statuses on calls without a
// more specific error type.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}
