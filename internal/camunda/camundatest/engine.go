// Package camundatest provides an in-memory process engine that grants and
// checks external task leases the way the real engine does. It implements
// camunda.LockManager directly and also serves the REST protocol over HTTP.
package camundatest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/seantiz/bptl/internal/camunda"
	"github.com/seantiz/bptl/internal/codec"
)

// Task is the engine's view of one external task.
type Task struct {
	ID                string
	TopicName         string
	Variables         codec.Variables
	Priority          int
	Retries           *int
	WorkerID          string
	LockExpiresAt     time.Time
	RetryAt           time.Time
	ErrorMessage      string
	Completed         bool
	CompletedBy       string
	Incident          bool
	CompletionResults codec.Variables
}

// Counts tracks how often each protocol operation was called.
type Counts struct {
	FetchAndLock  int
	ExtendLock    int
	Complete      int
	ReportFailure int
}

// Compile-time interface satisfaction check.
var _ camunda.LockManager = (*Engine)(nil)

// Engine is an in-memory external task engine. It is safe for concurrent use.
type Engine struct {
	mu    sync.Mutex
	tasks map[string]*Task
	order []string
	seq   int
	now   func() time.Time

	counts            Counts
	failCompletes     int
	completeAfterFail bool
}

// New creates an empty engine using the wall clock.
func New() *Engine {
	return &Engine{
		tasks: make(map[string]*Task),
		now:   time.Now,
	}
}

// SetClock replaces the engine's clock.
func (e *Engine) SetClock(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
}

// AddTask queues an unlocked task on topic and returns its identifier.
func (e *Engine) AddTask(topic string, vars codec.Variables) string {
	return e.AddTaskWithPriority(topic, vars, 0)
}

// AddTaskWithPriority queues an unlocked task with the given priority.
func (e *Engine) AddTaskWithPriority(topic string, vars codec.Variables, priority int) string {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.seq++
	id := fmt.Sprintf("ext-%04d", e.seq)
	e.tasks[id] = &Task{ID: id, TopicName: topic, Variables: vars, Priority: priority}
	e.order = append(e.order, id)
	return id
}

// SetRetries sets the retries the engine reports for id, as an operator or
// the process model would.
func (e *Engine) SetRetries(id string, retries int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if t, ok := e.tasks[id]; ok {
		t.Retries = &retries
	}
}

// Task returns a copy of the engine's record for id.
func (e *Engine) Task(id string) (Task, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// Counts returns the number of calls per operation so far.
func (e *Engine) Counts() Counts {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counts
}

// FailNextCompletes makes the next n Complete calls fail with a transport
// error. With applied set, the engine still records the completion, as when
// the acknowledgement is lost on the way back.
func (e *Engine) FailNextCompletes(n int, applied bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failCompletes = n
	e.completeAfterFail = applied
}

// FetchAndLock locks up to maxTasks available tasks of topic, highest
// priority first.
func (e *Engine) FetchAndLock(ctx context.Context, workerID, topic string, maxTasks int, lockDuration time.Duration) ([]camunda.Claim, error) {
	if err := ctx.Err(); err != nil {
		return nil, &camunda.TransportError{Op: camunda.OpFetchAndLock, Err: err}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.counts.FetchAndLock++

	now := e.now()
	var available []*Task
	for _, id := range e.order {
		t := e.tasks[id]
		if t.TopicName != topic || t.Completed || t.Incident {
			continue
		}
		if t.WorkerID != "" && now.Before(t.LockExpiresAt) {
			continue
		}
		if now.Before(t.RetryAt) {
			continue
		}
		available = append(available, t)
	}
	sort.SliceStable(available, func(i, j int) bool {
		return available[i].Priority > available[j].Priority
	})
	if len(available) > maxTasks {
		available = available[:maxTasks]
	}

	claims := make([]camunda.Claim, 0, len(available))
	for _, t := range available {
		t.WorkerID = workerID
		t.LockExpiresAt = now.Add(lockDuration)
		claims = append(claims, camunda.Claim{
			ExternalTaskID: t.ID,
			TopicName:      t.TopicName,
			WorkerID:       workerID,
			Variables:      t.Variables,
			LockExpiresAt:  t.LockExpiresAt,
			Priority:       t.Priority,
			Retries:        copyInt(t.Retries),
		})
	}
	return claims, nil
}

// ExtendLock renews the lease held by workerID.
func (e *Engine) ExtendLock(_ context.Context, externalTaskID, workerID string, newDuration time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.counts.ExtendLock++

	t, err := e.owned(camunda.OpExtendLock, externalTaskID, workerID)
	if err != nil {
		return err
	}
	t.LockExpiresAt = e.now().Add(newDuration)
	return nil
}

// Complete marks the task done and releases the lease.
func (e *Engine) Complete(_ context.Context, externalTaskID, workerID string, vars codec.Variables) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.counts.Complete++

	if e.failCompletes > 0 {
		e.failCompletes--
		if !e.completeAfterFail {
			return &camunda.TransportError{Op: camunda.OpComplete, Err: errors.New("connection reset by peer")}
		}
		if t, err := e.owned(camunda.OpComplete, externalTaskID, workerID); err == nil {
			e.finish(t, vars)
		}
		return &camunda.TransportError{Op: camunda.OpComplete, Err: errors.New("timeout awaiting response headers")}
	}

	// Repeating an acknowledged completion is a no-op for the worker that
	// completed the task.
	if t, ok := e.tasks[externalTaskID]; ok && t.Completed && t.CompletedBy == workerID {
		return nil
	}

	t, err := e.owned(camunda.OpComplete, externalTaskID, workerID)
	if err != nil {
		return err
	}
	e.finish(t, vars)
	return nil
}

// ReportFailure records a failed attempt: the task is offered again after the
// retry timeout, or gets an incident when no retries are left.
func (e *Engine) ReportFailure(_ context.Context, externalTaskID, workerID string, f camunda.Failure) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.counts.ReportFailure++

	t, err := e.owned(camunda.OpReportFailure, externalTaskID, workerID)
	if err != nil {
		return err
	}

	retries := max(f.RetriesLeft, 0)
	t.Retries = &retries
	t.ErrorMessage = f.Message
	t.WorkerID = ""
	t.LockExpiresAt = time.Time{}
	if retries == 0 {
		t.Incident = true
		return nil
	}
	t.RetryAt = e.now().Add(f.RetryTimeout)
	return nil
}

// owned returns the task if workerID holds an unexpired lease on it. Callers
// hold e.mu.
func (e *Engine) owned(op, externalTaskID, workerID string) (*Task, error) {
	t, ok := e.tasks[externalTaskID]
	if !ok || t.Completed {
		return nil, fmt.Errorf("%s: %w: external task %s does not exist", op, camunda.ErrLockExpired, externalTaskID)
	}
	if t.WorkerID != workerID {
		return nil, fmt.Errorf("%s: %w: external task %s is locked by worker %q", op, camunda.ErrLockNotOwned, externalTaskID, t.WorkerID)
	}
	if !e.now().Before(t.LockExpiresAt) {
		return nil, fmt.Errorf("%s: %w: lock of external task %s expired", op, camunda.ErrLockExpired, externalTaskID)
	}
	return t, nil
}

func (e *Engine) finish(t *Task, vars codec.Variables) {
	t.Completed = true
	t.CompletedBy = t.WorkerID
	t.CompletionResults = vars
	t.WorkerID = ""
	t.LockExpiresAt = time.Time{}
}

func copyInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
