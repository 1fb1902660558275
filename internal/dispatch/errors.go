package dispatch

import (
	"errors"
	"net/http"
)

// ErrNotPerformed is returned when completion is requested for a task that
// is not an engine task waiting in performed.
var ErrNotPerformed = errors.New("task is not awaiting completion")

// ErrNoEngine is returned when an operation needs the process engine but the
// orchestrator was built without one.
var ErrNoEngine = errors.New("no engine configured")

// Category classifies a dispatch failure.
type Category string

const (
	// CategoryConfiguration covers unknown topics, inactive mappings, missing
	// service bindings and undecodable or invalid variables. Never retried.
	CategoryConfiguration Category = "configuration"

	// CategoryHandler is a failure raised by the handler itself. Retried
	// through the engine while retries remain.
	CategoryHandler Category = "handler"

	// CategoryProtocol is a lost lock. The execution is superseded.
	CategoryProtocol Category = "protocol"

	// CategoryTransport is an infrastructure failure talking to the engine or
	// the store.
	CategoryTransport Category = "transport"
)

// HTTPStatus maps the category to the status returned by the direct
// submission API.
func (c Category) HTTPStatus() int {
	switch c {
	case CategoryConfiguration, CategoryHandler:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Error is a categorized dispatch failure.
type Error struct {
	Category Category
	Err      error
}

func (e *Error) Error() string {
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(c Category, err error) *Error {
	return &Error{Category: c, Err: err}
}

// CategoryOf returns the category of err. Uncategorized errors are treated
// as transport failures.
func CategoryOf(err error) Category {
	var de *Error
	if errors.As(err, &de) {
		return de.Category
	}
	return CategoryTransport
}
