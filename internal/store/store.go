package store

import (
	"context"
	"errors"
	"time"

	"github.com/seantiz/bptl/internal/codec"
	"github.com/seantiz/bptl/internal/model"
)

var (
	// ErrNotFound is returned when a task or mapping does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when a task status transition is not allowed.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrAlreadyCompleted is returned when the engine offers a task that was
	// already completed locally.
	ErrAlreadyCompleted = errors.New("task already completed")

	// ErrLeaseNotHeld is returned when a lease is extended by a worker that
	// does not hold it, or for a task that is no longer executing.
	ErrLeaseNotHeld = errors.New("lease not held")
)

// ClaimOutcome tells the caller what to do with a claimed engine task.
type ClaimOutcome string

const (
	// ClaimNew is a task seen for the first time; run its handler.
	ClaimNew ClaimOutcome = "new"
	// ClaimReopened is a failed or abandoned task offered again; run its handler.
	ClaimReopened ClaimOutcome = "reopened"
	// ClaimPerformed is a task whose handler already succeeded but whose
	// completion was never acknowledged; complete it, do not run the handler.
	ClaimPerformed ClaimOutcome = "performed"
)

// EngineClaim is a lease granted by the engine, as persisted by ClaimEngineTask.
type EngineClaim struct {
	ExternalTaskID string
	TopicName      string
	WorkerID       string
	Variables      codec.Variables
	LockExpiresAt  time.Time
	Priority       int

	// Retries is the engine's retry counter; nil when the engine has not
	// set one yet, in which case DefaultRetries seeds a new task.
	Retries        *int
	DefaultRetries int
}

// TaskFilter narrows ListTasks. Empty fields match everything.
type TaskFilter struct {
	Status string
	Topic  string
	Kind   string
}

// TaskStats holds aggregate task statistics.
type TaskStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	CountByTopic  map[string]int `json:"count_by_topic"`
	CountByKind   map[string]int `json:"count_by_kind"`
	Dangling      int            `json:"dangling"`
}

// Store defines the persistence operations for tasks and handler mappings.
type Store interface {
	CreateTask(ctx context.Context, t *model.Task) error
	GetTask(ctx context.Context, id string) (*model.Task, error)
	GetTaskByExternalID(ctx context.Context, externalID string) (*model.Task, error)
	ListTasks(ctx context.Context, f TaskFilter, limit, offset int) ([]*model.Task, int, error)
	ClaimEngineTask(ctx context.Context, c EngineClaim) (*model.Task, ClaimOutcome, error)
	MarkPerformed(ctx context.Context, id string, result codec.Variables) error
	MarkCompleted(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, lastError string, retriesLeft *int) error
	ExtendLease(ctx context.Context, id, workerID string, expiresAt time.Time) error
	UpdateTaskStatus(ctx context.Context, id, status string) error
	GetTaskStats(ctx context.Context) (*TaskStats, error)

	SaveService(ctx context.Context, svc *model.Service) error
	SaveMapping(ctx context.Context, m *model.HandlerMapping) error
	GetMapping(ctx context.Context, topic string) (*model.HandlerMapping, error)
	ListMappings(ctx context.Context) ([]*model.HandlerMapping, error)

	Ping(ctx context.Context) error
	Close() error
}
