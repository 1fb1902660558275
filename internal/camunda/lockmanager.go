package camunda

import (
	"context"
	"time"

	"github.com/seantiz/bptl/internal/codec"
)

// Claim is one external task locked for a worker.
type Claim struct {
	ExternalTaskID    string
	TopicName         string
	WorkerID          string
	Variables         codec.Variables
	LockExpiresAt     time.Time
	Priority          int
	Retries           *int
	ProcessInstanceID string
	BusinessKey       string
}

// Failure describes a failed attempt reported to the engine. With
// RetriesLeft > 0 the engine re-offers the task after RetryTimeout; at zero it
// raises an incident.
type Failure struct {
	Message      string
	Details      string
	RetriesLeft  int
	RetryTimeout time.Duration
}

// LockManager is the engine's locked-task protocol.
type LockManager interface {
	FetchAndLock(ctx context.Context, workerID, topic string, maxTasks int, lockDuration time.Duration) ([]Claim, error)
	ExtendLock(ctx context.Context, externalTaskID, workerID string, newDuration time.Duration) error
	Complete(ctx context.Context, externalTaskID, workerID string, vars codec.Variables) error
	ReportFailure(ctx context.Context, externalTaskID, workerID string, f Failure) error
}
