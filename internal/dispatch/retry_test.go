package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/seantiz/bptl/internal/camunda"
)

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{Initial: 10 * time.Second, Multiplier: 2, Max: time.Minute}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 10 * time.Second},
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{3, 40 * time.Second},
		{4, time.Minute},
		{10, time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Delay(tt.attempt), "attempt %d", tt.attempt)
	}

	assert.Zero(t, RetryPolicy{}.Delay(3))
	assert.Equal(t, 5*time.Second, RetryPolicy{Initial: 5 * time.Second}.Delay(4))
}

func TestCategoryHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, CategoryConfiguration.HTTPStatus())
	assert.Equal(t, http.StatusBadRequest, CategoryHandler.HTTPStatus())
	assert.Equal(t, http.StatusInternalServerError, CategoryProtocol.HTTPStatus())
	assert.Equal(t, http.StatusInternalServerError, CategoryTransport.HTTPStatus())
}

func TestCategoryOf(t *testing.T) {
	base := errors.New("boom")
	wrapped := newError(CategoryHandler, base)

	assert.Equal(t, CategoryHandler, CategoryOf(wrapped))
	assert.Equal(t, CategoryTransport, CategoryOf(base))
	assert.ErrorIs(t, wrapped, base)
}

func newCallTestOrchestrator(attempts int) *Orchestrator {
	return &Orchestrator{
		logger: slog.New(slog.NewJSONHandler(io.Discard, nil)),
		cfg:    Config{Calls: CallPolicy{Attempts: attempts, Initial: time.Millisecond, Max: time.Millisecond}},
	}
}

func TestCallEngineRetriesTransportWithinBudget(t *testing.T) {
	o := newCallTestOrchestrator(3)

	calls := 0
	err := o.callEngine(context.Background(), camunda.OpComplete, "t1", func(context.Context) error {
		calls++
		return &camunda.TransportError{Op: camunda.OpComplete, Err: errors.New("reset")}
	})
	assert.True(t, camunda.IsTransport(err))
	assert.Equal(t, 3, calls)

	calls = 0
	err = o.callEngine(context.Background(), camunda.OpComplete, "t1", func(context.Context) error {
		calls++
		if calls < 2 {
			return &camunda.TransportError{Op: camunda.OpComplete, Err: errors.New("reset")}
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestCallEngineDoesNotRetryLockErrors(t *testing.T) {
	o := newCallTestOrchestrator(5)

	calls := 0
	err := o.callEngine(context.Background(), camunda.OpComplete, "t1", func(context.Context) error {
		calls++
		return camunda.ErrLockNotOwned
	})
	assert.ErrorIs(t, err, camunda.ErrLockNotOwned)
	assert.Equal(t, 1, calls)
}
