package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/seantiz/bptl/internal/camunda"
	"github.com/seantiz/bptl/internal/codec"
	"github.com/seantiz/bptl/internal/handler"
	"github.com/seantiz/bptl/internal/model"
	"github.com/seantiz/bptl/internal/service"
	"github.com/seantiz/bptl/internal/store"
)

// callbackVariable names the optional input variable holding a URL that is
// POSTed to once the task completes.
const callbackVariable = "callbackUrl"

// reconcileBatch is the number of performed tasks loaded per reconcile pass.
const reconcileBatch = 100

// Config holds the orchestrator settings.
type Config struct {
	// WorkerID identifies this worker to the engine.
	WorkerID string

	// LockDuration is the lease requested from the engine and used when
	// renewing it.
	LockDuration time.Duration

	// DefaultRetries seeds retries_left when the engine has not set retries.
	DefaultRetries int

	// Retry computes the retry timeout reported with a failed attempt.
	Retry RetryPolicy

	// Calls bounds transport retries of a single engine call.
	Calls CallPolicy

	// RenewLeases extends the lease at half its duration while a handler runs.
	RenewLeases bool

	// CallbackTimeout bounds the completion callback request.
	CallbackTimeout time.Duration

	// HandlerTimeout bounds a single handler run. Zero means LockDuration; a
	// negative value disables the bound.
	HandlerTimeout time.Duration
}

// Orchestrator executes tasks and drives them through their lifecycle.
type Orchestrator struct {
	store    store.Store
	registry *handler.Registry
	engine   camunda.LockManager
	pool     *service.Pool
	broker   *EventBroker
	logger   *slog.Logger
	cfg      Config
	http     *http.Client
	tracer   trace.Tracer
	now      func() time.Time
}

// NewOrchestrator creates an orchestrator. engine may be nil when only direct
// submissions are served.
func NewOrchestrator(s store.Store, reg *handler.Registry, engine camunda.LockManager, pool *service.Pool, logger *slog.Logger, cfg Config) *Orchestrator {
	if cfg.Calls.Attempts == 0 {
		cfg.Calls = DefaultCallPolicy()
	}
	if cfg.CallbackTimeout == 0 {
		cfg.CallbackTimeout = 10 * time.Second
	}
	if cfg.HandlerTimeout == 0 {
		cfg.HandlerTimeout = cfg.LockDuration
	}
	return &Orchestrator{
		store:    s,
		registry: reg,
		engine:   engine,
		pool:     pool,
		broker:   NewEventBroker(),
		logger:   logger,
		cfg:      cfg,
		http:     &http.Client{Timeout: cfg.CallbackTimeout},
		tracer:   otel.Tracer("github.com/seantiz/bptl/internal/dispatch"),
		now:      time.Now,
	}
}

// Broker returns the orchestrator's event broker for SSE subscription.
func (o *Orchestrator) Broker() *EventBroker {
	return o.broker
}

// WorkerID returns the identity this orchestrator claims tasks under.
func (o *Orchestrator) WorkerID() string {
	return o.cfg.WorkerID
}

// LockDuration returns the lease length requested from the engine.
func (o *Orchestrator) LockDuration() time.Duration {
	return o.cfg.LockDuration
}

// HandleClaim persists a lease granted by the engine and acts on it: new and
// reopened tasks are executed, a task already performed is only completed.
func (o *Orchestrator) HandleClaim(ctx context.Context, c camunda.Claim) error {
	t, outcome, err := o.store.ClaimEngineTask(ctx, store.EngineClaim{
		ExternalTaskID: c.ExternalTaskID,
		TopicName:      c.TopicName,
		WorkerID:       c.WorkerID,
		Variables:      c.Variables,
		LockExpiresAt:  c.LockExpiresAt,
		Priority:       c.Priority,
		Retries:        c.Retries,
		DefaultRetries: o.cfg.DefaultRetries,
	})
	if errors.Is(err, store.ErrAlreadyCompleted) {
		return o.recomplete(ctx, c)
	}
	if err != nil {
		return newError(CategoryTransport, fmt.Errorf("persist claim %s: %w", c.ExternalTaskID, err))
	}

	o.logger.Info("task claimed",
		slog.String("task_id", t.ID),
		slog.String("external_task_id", c.ExternalTaskID),
		slog.String("topic", c.TopicName),
		slog.String("outcome", string(outcome)),
	)

	if outcome == store.ClaimPerformed {
		return o.complete(ctx, t)
	}

	o.broker.Reopen(t.ID)
	_, err = o.Execute(ctx, t)
	return err
}

// recomplete answers an engine offer for a task that completed locally by
// repeating the completion with the stored result.
func (o *Orchestrator) recomplete(ctx context.Context, c camunda.Claim) error {
	if o.engine == nil {
		return newError(CategoryConfiguration, fmt.Errorf("complete %s again: %w", c.ExternalTaskID, ErrNoEngine))
	}
	t, err := o.store.GetTaskByExternalID(ctx, c.ExternalTaskID)
	if err != nil {
		return newError(CategoryTransport, fmt.Errorf("get completed task %s: %w", c.ExternalTaskID, err))
	}
	o.logger.Warn("engine offered a completed task",
		slog.String("task_id", t.ID),
		slog.String("external_task_id", c.ExternalTaskID),
	)
	err = o.callEngine(ctx, camunda.OpComplete, t.ID, func(ctx context.Context) error {
		return o.engine.Complete(ctx, c.ExternalTaskID, c.WorkerID, t.ResultVariables)
	})
	if err != nil {
		return newError(categoryOfEngineErr(err), fmt.Errorf("complete %s again: %w", c.ExternalTaskID, err))
	}
	return nil
}

// SubmitDirect runs a direct task synchronously and returns it with the
// handler's result.
func (o *Orchestrator) SubmitDirect(ctx context.Context, topic string, vars map[string]any) (*model.Task, map[string]any, error) {
	encoded, err := codec.Encode(vars)
	if err != nil {
		return nil, nil, newError(CategoryConfiguration, fmt.Errorf("encode variables: %w", err))
	}

	t := model.NewDirectTask(topic, encoded)
	if err := o.store.CreateTask(ctx, t); err != nil {
		return nil, nil, newError(CategoryTransport, fmt.Errorf("create task: %w", err))
	}

	result, execErr := o.Execute(ctx, t)

	stored, err := o.store.GetTask(ctx, t.ID)
	if err != nil {
		stored = t
	}
	return stored, result, execErr
}

// Execute runs the handler for an in_progress task and records the outcome.
// Engine tasks are completed on the engine; direct tasks complete locally.
// The returned error is a *Error.
func (o *Orchestrator) Execute(ctx context.Context, t *model.Task) (map[string]any, error) {
	o.publish(t.ID, model.StatusInProgress, "")

	result, input, err := o.perform(ctx, t)
	if err != nil {
		return nil, o.fail(ctx, t, err)
	}

	encoded, err := codec.Encode(result)
	if err != nil {
		return nil, o.fail(ctx, t, newError(CategoryConfiguration, fmt.Errorf("encode result: %w", err)))
	}

	if err := o.store.MarkPerformed(ctx, t.ID, encoded); err != nil {
		return nil, o.fail(ctx, t, newError(CategoryTransport, fmt.Errorf("mark performed: %w", err)))
	}
	t.Status = model.StatusPerformed
	t.ResultVariables = encoded
	o.publish(t.ID, model.StatusPerformed, "")

	if t.IsEngineTask() {
		if err := o.complete(ctx, t); err != nil {
			return result, err
		}
	} else {
		if err := o.store.MarkCompleted(ctx, t.ID); err != nil {
			return nil, newError(CategoryTransport, fmt.Errorf("mark completed: %w", err))
		}
		o.finishCompleted(t)
	}

	o.callback(ctx, t.ID, input)
	return result, nil
}

// perform resolves, validates and runs the handler. It returns the result and
// the decoded input.
func (o *Orchestrator) perform(ctx context.Context, t *model.Task) (map[string]any, map[string]any, error) {
	if t.LeaseExpired(o.now()) {
		return nil, nil, newError(CategoryProtocol, fmt.Errorf("lease of %s expired before execution", t.Engine.ExternalTaskID))
	}

	h, mapping, err := o.registry.Resolve(ctx, t.TopicName)
	if errors.Is(err, handler.ErrUnknownTopic) {
		return nil, nil, newError(CategoryConfiguration, err)
	}
	if err != nil {
		return nil, nil, newError(CategoryTransport, err)
	}
	if err := o.registry.ValidateMapping(mapping); err != nil {
		return nil, nil, newError(CategoryConfiguration, err)
	}

	input, err := codec.Decode(t.Variables)
	if err != nil {
		return nil, nil, newError(CategoryConfiguration, err)
	}
	if input == nil {
		input = map[string]any{}
	}
	if err := o.registry.ValidateInput(mapping.HandlerReference, input); err != nil {
		return nil, nil, newError(CategoryConfiguration, err)
	}

	bindings, err := o.pool.Bind(h.RequiredServices(), mapping.DefaultServices, input)
	if err != nil {
		return nil, nil, newError(CategoryConfiguration, err)
	}

	stop := o.keepLease(ctx, t)
	defer stop()

	result, err := o.invoke(ctx, h, handler.Input{
		TaskID:    t.ID,
		Topic:     t.TopicName,
		Variables: input,
		Services:  bindings,
	})
	if err != nil {
		return nil, input, newError(CategoryHandler, err)
	}
	if result == nil {
		result = map[string]any{}
	}
	return result, input, nil
}

// invoke calls the handler inside a span under the handler deadline and turns
// a panic into an error.
func (o *Orchestrator) invoke(ctx context.Context, h handler.Handler, in handler.Input) (result map[string]any, err error) {
	if o.cfg.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.HandlerTimeout)
		defer cancel()
	}
	ctx, span := o.tracer.Start(ctx, "dispatch.perform",
		trace.WithAttributes(
			attribute.String("bptl.task_id", in.TaskID),
			attribute.String("bptl.topic", in.Topic),
			attribute.String("bptl.handler", h.Topic()),
		),
	)
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
		if err != nil && o.cfg.HandlerTimeout > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("handler exceeded %s: %w", o.cfg.HandlerTimeout, err)
		}
		handlerDuration.WithLabelValues(h.Topic()).Observe(time.Since(start).Seconds())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "handler failed")
		}
		span.End()
	}()

	return h.Perform(ctx, in)
}

// fail records a failed execution and reports it to the engine when the task
// came from there. It returns err as a *Error.
func (o *Orchestrator) fail(ctx context.Context, t *model.Task, err error) error {
	category := CategoryOf(err)
	de := newError(category, err)
	var existing *Error
	if errors.As(err, &existing) {
		de = existing
	}
	failuresTotal.WithLabelValues(string(category)).Inc()

	logger := o.logger.With(
		slog.String("task_id", t.ID),
		slog.String("topic", t.TopicName),
		slog.String("category", string(category)),
	)

	var retriesLeft *int
	if category == CategoryHandler && t.IsEngineTask() {
		left := max(t.Engine.RetriesLeft-1, 0)
		retriesLeft = &left
	}

	if markErr := o.store.MarkFailed(ctx, t.ID, err.Error(), retriesLeft); markErr != nil {
		logger.Error("failed to mark task failed", slog.Any("error", markErr))
	}
	t.Status = model.StatusFailed
	t.LastError = err.Error()
	if retriesLeft != nil {
		t.Engine.RetriesLeft = *retriesLeft
		t.Engine.Attempts++
	}

	outcome := outcomeFailed
	if category == CategoryProtocol {
		outcome = outcomeSuperseded
	}
	tasksTotal.WithLabelValues(t.Kind, outcome).Inc()
	logger.Warn("task failed", slog.Any("error", err))

	if t.IsEngineTask() {
		switch category {
		case CategoryHandler:
			o.reportFailure(ctx, t, err, *retriesLeft)
		case CategoryConfiguration:
			// Configuration errors are not retried: the engine raises an
			// incident for an operator to resolve.
			o.reportFailure(ctx, t, err, 0)
		}
	}

	o.publish(t.ID, model.StatusFailed, err.Error())
	if t.Terminal() {
		o.broker.Close(t.ID)
	}
	return de
}

func (o *Orchestrator) reportFailure(ctx context.Context, t *model.Task, cause error, retriesLeft int) {
	if o.engine == nil {
		o.logger.Error("failure not reported", slog.String("task_id", t.ID), slog.Any("error", ErrNoEngine))
		return
	}
	attempt := max(t.Engine.Attempts, 1)
	f := camunda.Failure{
		Message:     cause.Error(),
		RetriesLeft: retriesLeft,
	}
	if retriesLeft > 0 {
		f.RetryTimeout = o.cfg.Retry.Delay(attempt)
	}

	err := o.callEngine(ctx, camunda.OpReportFailure, t.ID, func(ctx context.Context) error {
		return o.engine.ReportFailure(ctx, t.Engine.ExternalTaskID, t.Engine.WorkerID, f)
	})

	logger := o.logger.With(
		slog.String("task_id", t.ID),
		slog.String("external_task_id", t.Engine.ExternalTaskID),
		slog.Int("retries_left", retriesLeft),
	)
	switch {
	case err == nil && retriesLeft == 0:
		logger.Warn("incident reported to engine")
	case err == nil:
		logger.Info("failure reported to engine", slog.Duration("retry_timeout", f.RetryTimeout))
	case camunda.IsLockLost(err):
		logger.Warn("failure not reported, lock lost", slog.Any("error", err))
	default:
		logger.Error("failed to report failure to engine", slog.Any("error", err))
	}
}

// complete asks the engine to complete a performed task with its stored
// result. A lost lock marks the task failed; a transport failure leaves it
// performed for reconciliation, as does a missing engine.
func (o *Orchestrator) complete(ctx context.Context, t *model.Task) error {
	if o.engine == nil {
		return newError(CategoryConfiguration, fmt.Errorf("complete %s: %w", t.ID, ErrNoEngine))
	}
	err := o.callEngine(ctx, camunda.OpComplete, t.ID, func(ctx context.Context) error {
		return o.engine.Complete(ctx, t.Engine.ExternalTaskID, t.Engine.WorkerID, t.ResultVariables)
	})

	switch {
	case err == nil:
		if err := o.store.MarkCompleted(ctx, t.ID); err != nil {
			return newError(CategoryTransport, fmt.Errorf("mark completed: %w", err))
		}
		o.finishCompleted(t)
		return nil

	case camunda.IsLockLost(err):
		return o.fail(ctx, t, newError(CategoryProtocol, fmt.Errorf("complete: %w", err)))

	default:
		tasksTotal.WithLabelValues(t.Kind, outcomeDangling).Inc()
		o.logger.Error("completion not acknowledged, task left performed",
			slog.String("task_id", t.ID),
			slog.String("external_task_id", t.Engine.ExternalTaskID),
			slog.Any("error", err),
		)
		o.publish(t.ID, model.StatusPerformed, "completion pending: "+err.Error())
		return newError(categoryOfEngineErr(err), fmt.Errorf("complete: %w", err))
	}
}

func (o *Orchestrator) finishCompleted(t *model.Task) {
	t.Status = model.StatusCompleted
	tasksTotal.WithLabelValues(t.Kind, outcomeCompleted).Inc()
	o.logger.Info("task completed", slog.String("task_id", t.ID), slog.String("topic", t.TopicName))
	o.publish(t.ID, model.StatusCompleted, "")
	o.broker.Close(t.ID)
}

// CompleteTask retries the completion of one performed engine task without
// running its handler again.
func (o *Orchestrator) CompleteTask(ctx context.Context, id string) (*model.Task, error) {
	t, err := o.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if !t.IsEngineTask() || t.Status != model.StatusPerformed {
		return t, fmt.Errorf("task %s in status %s: %w", id, t.Status, ErrNotPerformed)
	}

	if err := o.complete(ctx, t); err != nil {
		return t, err
	}
	reconciledTotal.Inc()

	input, err := codec.Decode(t.Variables)
	if err == nil {
		o.callback(ctx, t.ID, input)
	}
	return t, nil
}

// Reconcile completes every engine task left in performed. It returns the
// number of tasks completed.
func (o *Orchestrator) Reconcile(ctx context.Context) (int, error) {
	if o.engine == nil {
		return 0, ErrNoEngine
	}
	tasks, _, err := o.store.ListTasks(ctx, store.TaskFilter{
		Status: model.StatusPerformed,
		Kind:   model.KindEngine,
	}, reconcileBatch, 0)
	if err != nil {
		return 0, fmt.Errorf("list performed tasks: %w", err)
	}

	completed := 0
	for _, t := range tasks {
		if ctx.Err() != nil {
			return completed, ctx.Err()
		}
		if _, err := o.CompleteTask(ctx, t.ID); err != nil {
			o.logger.Warn("reconcile failed", slog.String("task_id", t.ID), slog.Any("error", err))
			continue
		}
		completed++
	}
	if completed > 0 {
		o.logger.Info("reconciled performed tasks", slog.Int("completed", completed))
	}
	return completed, nil
}

// keepLease extends the engine lease at half its duration until the returned
// stop function is called.
func (o *Orchestrator) keepLease(ctx context.Context, t *model.Task) (stop func()) {
	if o.engine == nil || !o.cfg.RenewLeases || !t.IsEngineTask() || o.cfg.LockDuration <= 0 {
		return func() {}
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	externalID, workerID := t.Engine.ExternalTaskID, t.Engine.WorkerID

	go func() {
		defer close(done)
		ticker := time.NewTicker(o.cfg.LockDuration / 2)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			err := o.engine.ExtendLock(ctx, externalID, workerID, o.cfg.LockDuration)
			if camunda.IsLockLost(err) {
				o.logger.Warn("lease renewal stopped, lock lost", slog.String("task_id", t.ID), slog.Any("error", err))
				return
			}
			if err != nil {
				o.logger.Warn("lease renewal failed", slog.String("task_id", t.ID), slog.Any("error", err))
				continue
			}
			if err := o.store.ExtendLease(ctx, t.ID, workerID, o.now().Add(o.cfg.LockDuration)); err != nil {
				o.logger.Warn("failed to persist renewed lease", slog.String("task_id", t.ID), slog.Any("error", err))
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// callback POSTs an empty body to the task's callbackUrl variable, if any.
func (o *Orchestrator) callback(ctx context.Context, taskID string, input map[string]any) {
	target, _ := input[callbackVariable].(string)
	if target == "" {
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, nil)
	if err != nil {
		o.logger.Warn("invalid callback url", slog.String("task_id", taskID), slog.Any("error", err))
		return
	}
	resp, err := o.http.Do(req)
	if err != nil {
		o.logger.Warn("callback failed", slog.String("task_id", taskID), slog.Any("error", err))
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		o.logger.Warn("callback rejected", slog.String("task_id", taskID), slog.Int("status", resp.StatusCode))
	}
}

func (o *Orchestrator) publish(taskID, status, msg string) {
	o.broker.Publish(Event{TaskID: taskID, Status: status, Message: msg, Time: o.now().UTC()})
}

func categoryOfEngineErr(err error) Category {
	if camunda.IsLockLost(err) {
		return CategoryProtocol
	}
	return CategoryTransport
}
