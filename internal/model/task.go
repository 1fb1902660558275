package model

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/seantiz/bptl/internal/codec"
)

var (
	idMu      sync.Mutex
	idEntropy = ulid.Monotonic(rand.Reader, 0)
)

// NewTaskID returns a ULID for a new task. Ids minted in the same millisecond
// still sort in creation order.
func NewTaskID() string {
	idMu.Lock()
	defer idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), idEntropy).String()
}

// Task status constants.
const (
	StatusInitial    = "initial"
	StatusInProgress = "in_progress"
	StatusPerformed  = "performed"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Task kind constants.
const (
	KindEngine = "engine"
	KindDirect = "direct"
)

// validTransitions maps each status to the set of statuses it may transition to.
// performed→failed covers a completion call rejected with a lock ownership error.
// failed→initial is only taken when the engine re-offers an engine task.
var validTransitions = map[string]map[string]bool{
	StatusInitial: {
		StatusInProgress: true,
	},
	StatusInProgress: {
		StatusPerformed: true,
		StatusFailed:    true,
	},
	StatusPerformed: {
		StatusCompleted: true,
		StatusFailed:    true,
	},
	StatusFailed: {
		StatusInitial: true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// EngineClaim holds the fields that only exist on engine-sourced tasks. Lock
// ownership is the tuple (ExternalTaskID, WorkerID, LockExpiresAt).
type EngineClaim struct {
	ExternalTaskID string     `json:"external_task_id"`
	WorkerID       string     `json:"worker_id"`
	LockExpiresAt  *time.Time `json:"lock_expires_at,omitempty"`
	Priority       int        `json:"priority"`
	RetriesLeft    int        `json:"retries_left"`

	// Attempts counts handler failures reported for this task. It drives the
	// retry timeout independently of the retries the engine granted.
	Attempts int `json:"attempts"`
}

// Task is a unit of work dispatched to a handler. Kind selects the variant:
// engine tasks carry an EngineClaim, direct tasks do not.
type Task struct {
	ID              string          `json:"id"`
	Kind            string          `json:"kind"`
	TopicName       string          `json:"topic_name"`
	Status          string          `json:"status"`
	Variables       codec.Variables `json:"variables"`
	ResultVariables codec.Variables `json:"result_variables,omitempty"`
	LastError       string          `json:"last_error,omitempty"`
	Engine          *EngineClaim    `json:"engine,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty"`
}

// IsEngineTask reports whether the task was sourced from the remote engine.
func (t *Task) IsEngineTask() bool {
	return t.Kind == KindEngine && t.Engine != nil
}

// Terminal reports whether the task reached a final state. A failed engine task
// is only final once its retries are exhausted.
func (t *Task) Terminal() bool {
	switch t.Status {
	case StatusCompleted:
		return true
	case StatusFailed:
		return !t.IsEngineTask() || t.Engine.RetriesLeft <= 0
	default:
		return false
	}
}

// LeaseExpired reports whether the engine lease lapsed at now. Direct tasks
// never hold a lease.
func (t *Task) LeaseExpired(now time.Time) bool {
	if !t.IsEngineTask() || t.Engine.LockExpiresAt == nil {
		return false
	}
	return !now.Before(*t.Engine.LockExpiresAt)
}

// NewDirectTask builds a direct task in the in_progress state, which direct
// submissions enter immediately.
func NewDirectTask(topic string, vars codec.Variables) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:        NewTaskID(),
		Kind:      KindDirect,
		TopicName: topic,
		Status:    StatusInProgress,
		Variables: vars,
		CreatedAt: now,
		StartedAt: &now,
	}
}
