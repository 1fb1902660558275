package camundatest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/bptl/internal/camunda"
)

// fakeClock is a settable clock for lease expiry tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newEngine(t *testing.T) (*Engine, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	e := New()
	e.SetClock(clock.Now)
	return e, clock
}

func TestConcurrentFetchNeverSharesATask(t *testing.T) {
	e, _ := newEngine(t)
	const tasks = 50
	for range tasks {
		e.AddTask("zaak-initialize", nil)
	}

	const workers = 8
	var (
		mu   sync.Mutex
		seen = make(map[string]string)
		wg   sync.WaitGroup
	)
	for w := range workers {
		workerID := fmt.Sprintf("worker-%d", w)
		wg.Go(func() {
			for {
				claims, err := e.FetchAndLock(context.Background(), workerID, "zaak-initialize", 3, time.Minute)
				if err != nil {
					t.Errorf("FetchAndLock: %v", err)
					return
				}
				if len(claims) == 0 {
					return
				}
				mu.Lock()
				for _, c := range claims {
					if prev, dup := seen[c.ExternalTaskID]; dup {
						t.Errorf("task %s locked by %s and %s", c.ExternalTaskID, prev, workerID)
					}
					seen[c.ExternalTaskID] = workerID
				}
				mu.Unlock()
			}
		})
	}
	wg.Wait()

	assert.Len(t, seen, tasks)
}

func TestExtendLockOwnership(t *testing.T) {
	e, clock := newEngine(t)
	id := e.AddTask("zaak-close", nil)

	claims, err := e.FetchAndLock(context.Background(), "worker-a", "zaak-close", 1, 300*time.Second)
	require.NoError(t, err)
	require.Len(t, claims, 1)
	assert.Equal(t, clock.Now().Add(300*time.Second), claims[0].LockExpiresAt)

	require.NoError(t, e.ExtendLock(context.Background(), id, "worker-a", 600*time.Second))
	task, _ := e.Task(id)
	assert.Equal(t, clock.Now().Add(600*time.Second), task.LockExpiresAt)

	err = e.ExtendLock(context.Background(), id, "worker-b", 600*time.Second)
	assert.True(t, errors.Is(err, camunda.ErrLockNotOwned), "got %v", err)
}

func TestCompleteAfterLeaseExpired(t *testing.T) {
	e, clock := newEngine(t)
	id := e.AddTask("zaak-close", nil)

	_, err := e.FetchAndLock(context.Background(), "worker-a", "zaak-close", 1, time.Minute)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	err = e.Complete(context.Background(), id, "worker-a", nil)
	assert.True(t, errors.Is(err, camunda.ErrLockExpired), "got %v", err)

	// The expired task can be locked again by someone else.
	claims, err := e.FetchAndLock(context.Background(), "worker-b", "zaak-close", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, claims, 1)

	err = e.Complete(context.Background(), id, "worker-a", nil)
	assert.True(t, errors.Is(err, camunda.ErrLockNotOwned), "got %v", err)
	require.NoError(t, e.Complete(context.Background(), id, "worker-b", nil))

	task, _ := e.Task(id)
	assert.True(t, task.Completed)
}

func TestCompleteIsIdempotentForTheCompletingWorker(t *testing.T) {
	e, _ := newEngine(t)
	id := e.AddTask("zaak-close", nil)

	_, err := e.FetchAndLock(context.Background(), "worker-a", "zaak-close", 1, time.Minute)
	require.NoError(t, err)
	require.NoError(t, e.Complete(context.Background(), id, "worker-a", nil))
	require.NoError(t, e.Complete(context.Background(), id, "worker-a", nil))

	err = e.Complete(context.Background(), id, "worker-b", nil)
	assert.True(t, errors.Is(err, camunda.ErrLockExpired), "got %v", err)
}

func TestReportFailureReoffersAfterTimeout(t *testing.T) {
	e, clock := newEngine(t)
	id := e.AddTask("status-create", nil)

	_, err := e.FetchAndLock(context.Background(), "worker-a", "status-create", 1, time.Minute)
	require.NoError(t, err)
	require.NoError(t, e.ReportFailure(context.Background(), id, "worker-a", camunda.Failure{
		Message:      "boom",
		RetriesLeft:  2,
		RetryTimeout: 10 * time.Second,
	}))

	claims, err := e.FetchAndLock(context.Background(), "worker-a", "status-create", 1, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, claims, "task offered before its retry timeout")

	clock.Advance(11 * time.Second)
	claims, err = e.FetchAndLock(context.Background(), "worker-b", "status-create", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, claims, 1)
	require.NotNil(t, claims[0].Retries)
	assert.Equal(t, 2, *claims[0].Retries)
}

func TestReportFailureWithoutRetriesRaisesIncident(t *testing.T) {
	e, clock := newEngine(t)
	id := e.AddTask("status-create", nil)

	_, err := e.FetchAndLock(context.Background(), "worker-a", "status-create", 1, time.Minute)
	require.NoError(t, err)
	require.NoError(t, e.ReportFailure(context.Background(), id, "worker-a", camunda.Failure{Message: "boom"}))

	task, _ := e.Task(id)
	assert.True(t, task.Incident)
	assert.Equal(t, "boom", task.ErrorMessage)

	clock.Advance(time.Hour)
	claims, err := e.FetchAndLock(context.Background(), "worker-a", "status-create", 1, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, claims)
}

func TestFetchPrefersPriority(t *testing.T) {
	e, _ := newEngine(t)
	e.AddTaskWithPriority("t", nil, 1)
	high := e.AddTaskWithPriority("t", nil, 50)

	claims, err := e.FetchAndLock(context.Background(), "w", "t", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, claims, 1)
	assert.Equal(t, high, claims[0].ExternalTaskID)
}

func TestFailNextCompletes(t *testing.T) {
	e, _ := newEngine(t)
	id := e.AddTask("t", nil)
	_, err := e.FetchAndLock(context.Background(), "w", "t", 1, time.Minute)
	require.NoError(t, err)

	e.FailNextCompletes(1, false)
	err = e.Complete(context.Background(), id, "w", nil)
	assert.True(t, camunda.IsTransport(err), "got %v", err)

	task, _ := e.Task(id)
	assert.False(t, task.Completed)

	require.NoError(t, e.Complete(context.Background(), id, "w", nil))
	assert.Equal(t, 2, e.Counts().Complete)
}
