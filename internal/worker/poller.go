// Package worker runs the poll loop: it fetches and locks external tasks
// from the engine and hands each claim to the dispatcher, a bounded number
// at a time.
package worker

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/seantiz/bptl/internal/camunda"
	"github.com/seantiz/bptl/internal/model"
)

// Dispatcher executes claimed tasks. *dispatch.Orchestrator implements it.
type Dispatcher interface {
	HandleClaim(ctx context.Context, c camunda.Claim) error
	Reconcile(ctx context.Context) (int, error)
	WorkerID() string
	LockDuration() time.Duration
}

// MappingLister lists the configured handler mappings.
type MappingLister interface {
	ListMappings(ctx context.Context) ([]*model.HandlerMapping, error)
}

// Config holds the poll loop settings.
type Config struct {
	// Topics to poll. Empty means every active mapping.
	Topics []string

	// MaxTasks caps the tasks locked per poll cycle.
	MaxTasks int

	// PollInterval is the pause between cycles that found no work.
	PollInterval time.Duration

	// ReconcileInterval is how often performed tasks are re-completed.
	// Zero disables periodic reconciliation.
	ReconcileInterval time.Duration

	// Concurrency caps the executions running at once.
	Concurrency int
}

// Poller fetches and dispatches engine tasks. Executions run in the
// background, one per slot; the poller fetches again as soon as a slot frees
// up instead of waiting for the slowest execution of a batch.
type Poller struct {
	engine     camunda.LockManager
	dispatcher Dispatcher
	mappings   MappingLister
	cfg        Config
	logger     *slog.Logger

	slots   *semaphore.Weighted
	running sync.WaitGroup
}

// NewPoller creates a poller.
func NewPoller(engine camunda.LockManager, d Dispatcher, mappings MappingLister, logger *slog.Logger, cfg Config) *Poller {
	if cfg.MaxTasks <= 0 {
		cfg.MaxTasks = 10
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &Poller{
		engine:     engine,
		dispatcher: d,
		mappings:   mappings,
		cfg:        cfg,
		logger:     logger,
		slots:      semaphore.NewWeighted(int64(cfg.Concurrency)),
	}
}

// Run polls until ctx is cancelled. Executions already started run to
// completion before Run returns.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("poller started",
		slog.String("worker_id", p.dispatcher.WorkerID()),
		slog.Int("max_tasks", p.cfg.MaxTasks),
		slog.Int("concurrency", p.cfg.Concurrency),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.poll(gctx) })
	g.Go(func() error { return p.reconcile(gctx) })
	err := g.Wait()

	p.running.Wait()
	p.logger.Info("poller stopped")
	return err
}

func (p *Poller) poll(ctx context.Context) error {
	for {
		// Hold a slot before fetching so a busy worker does not lock tasks it
		// cannot start yet.
		if err := p.slots.Acquire(ctx, 1); err != nil {
			return nil
		}

		n, err := p.fill(ctx, 1)
		if err != nil {
			p.logger.Error("poll cycle failed", slog.Any("error", err))
		}
		if n > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(p.cfg.PollInterval):
		}
	}
}

func (p *Poller) reconcile(ctx context.Context) error {
	if p.cfg.ReconcileInterval <= 0 {
		return nil
	}
	ticker := time.NewTicker(p.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if _, err := p.dispatcher.Reconcile(ctx); err != nil {
			p.logger.Error("reconcile failed", slog.Any("error", err))
		}
	}
}

// PollOnce runs a single cycle with the slots free right now and waits for
// the executions it started. It returns the number of tasks dispatched.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	n, err := p.fill(ctx, 0)
	p.running.Wait()
	return n, err
}

// fill locks as many tasks as there are free slots, up to MaxTasks, and
// starts an execution for each. held is the number of slots the caller
// already acquired; slots left unused are released.
func (p *Poller) fill(ctx context.Context, held int) (int, error) {
	for held < p.cfg.MaxTasks && p.slots.TryAcquire(1) {
		held++
	}

	dispatched := 0
	defer func() {
		if unused := held - dispatched; unused > 0 {
			p.slots.Release(int64(unused))
		}
	}()

	topics, err := p.topics(ctx)
	if err != nil {
		return 0, err
	}

	// Executions are not cancelled mid-way; the handler deadline and the
	// lease bound them.
	execCtx := context.WithoutCancel(ctx)

	for _, topic := range topics {
		remaining := held - dispatched
		if remaining <= 0 || ctx.Err() != nil {
			break
		}

		claims, err := p.engine.FetchAndLock(ctx, p.dispatcher.WorkerID(), topic, remaining, p.dispatcher.LockDuration())
		if err != nil {
			p.logger.Warn("fetch and lock failed", slog.String("topic", topic), slog.Any("error", err))
			continue
		}
		if len(claims) > remaining {
			p.logger.Warn("engine returned more tasks than requested",
				slog.String("topic", topic),
				slog.Int("requested", remaining),
				slog.Int("returned", len(claims)),
			)
		}

		for _, c := range claims {
			if dispatched < held {
				dispatched++
				p.running.Go(func() {
					defer p.slots.Release(1)
					p.execute(execCtx, c)
				})
				continue
			}
			// Over-delivered claims still hold a lease; run them inline rather
			// than let the lock lapse.
			p.execute(execCtx, c)
		}
	}
	return dispatched, nil
}

func (p *Poller) execute(ctx context.Context, c camunda.Claim) {
	if err := p.dispatcher.HandleClaim(ctx, c); err != nil {
		p.logger.Warn("task execution did not complete",
			slog.String("external_task_id", c.ExternalTaskID),
			slog.String("topic", c.TopicName),
			slog.Any("error", err),
		)
	}
}

func (p *Poller) topics(ctx context.Context) ([]string, error) {
	if len(p.cfg.Topics) > 0 {
		return p.cfg.Topics, nil
	}

	mappings, err := p.mappings.ListMappings(ctx)
	if err != nil {
		return nil, err
	}
	var topics []string
	for _, m := range mappings {
		if m.Active {
			topics = append(topics, m.TopicName)
		}
	}
	sort.Strings(topics)
	return topics, nil
}
