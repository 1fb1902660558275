package camunda

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

var (
	// ErrLockNotOwned is returned when another worker holds the task's lock.
	ErrLockNotOwned = errors.New("lock not owned")

	// ErrLockExpired is returned when the lock lapsed or the task is gone.
	ErrLockExpired = errors.New("lock expired")
)

// TransportError is a failure to get an answer from the engine: network and
// timeout errors, throttling and server errors. It is safe to retry.
type TransportError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: engine returned HTTP %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// EngineError is a request the engine rejected for reasons other than lock
// ownership. It is not retried.
type EngineError struct {
	Op         string
	StatusCode int
	Type       string
	Message    string
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("%s: engine rejected request (HTTP %d, %s): %s", e.Op, e.StatusCode, e.Type, e.Message)
}

// IsTransport reports whether err is a retryable transport failure.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsLockLost reports whether err says this worker no longer holds the lock.
func IsLockLost(err error) bool {
	return errors.Is(err, ErrLockNotOwned) || errors.Is(err, ErrLockExpired)
}

// engineErrorBody is the engine's JSON error payload.
type engineErrorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

var (
	notOwnedPattern = regexp.MustCompile(`(?i)locked by worker|cannot be \w+ by worker`)
	expiredPattern  = regexp.MustCompile(`(?i)expired|not locked`)
)

// classify maps a non-2xx engine response to an error.
func classify(op string, status int, body engineErrorBody) error {
	msg := strings.TrimSpace(body.Message)

	switch {
	case notOwnedPattern.MatchString(msg):
		return fmt.Errorf("%s: %w: %s", op, ErrLockNotOwned, msg)
	case status == http.StatusNotFound || expiredPattern.MatchString(msg):
		return fmt.Errorf("%s: %w: %s", op, ErrLockExpired, msg)
	case status == http.StatusTooManyRequests || status >= 500:
		if msg == "" {
			msg = http.StatusText(status)
		}
		return &TransportError{Op: op, StatusCode: status, Err: errors.New(msg)}
	default:
		return &EngineError{Op: op, StatusCode: status, Type: body.Type, Message: msg}
	}
}
