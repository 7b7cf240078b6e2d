package controller

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/cloudforge/anvil/pkg/clients"
	"github.com/cloudforge/anvil/pkg/config"
	"github.com/cloudforge/anvil/pkg/events"
	"github.com/cloudforge/anvil/pkg/handler"
	"github.com/cloudforge/anvil/pkg/log"
	"github.com/cloudforge/anvil/pkg/metrics"
	"github.com/cloudforge/anvil/pkg/queue"
	"github.com/cloudforge/anvil/pkg/statemachine"
	"github.com/cloudforge/anvil/pkg/store"
	"github.com/cloudforge/anvil/pkg/types"
)

// Controller runs the reconciliation loop for one resource kind.
//
// Two tickers drive it. The dispatch ticker claims due queue entries and
// hands each to the kind's handler on a bounded worker pool. The sweep
// ticker walks every resource of the kind and makes sure it has a queue
// entry, so nothing is ever permanently forgotten even if an explicit
// enqueue was lost.
//
// The controller is the only component that writes lifecycle state. Every
// write is guarded twice: by the queue lease (renewed immediately before
// the write, abandoned on renewal failure) and by the store's optimistic
// version check.
type Controller struct {
	kind    types.Kind
	def     *statemachine.Definition
	handler handler.Handler
	store   store.Store
	queue   queue.Queue
	broker  *events.Broker
	clients clients.Set
	cfg     config.IterationConfig
	owner   string
	logger  zerolog.Logger

	pool   *errgroup.Group
	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a controller for one kind. The owner identity is unique per
// controller instance so leases can be traced back to the process that
// held them.
func New(kind types.Kind, def *statemachine.Definition, h handler.Handler,
	s store.Store, q queue.Queue, broker *events.Broker, cl clients.Set,
	cfg config.IterationConfig) *Controller {

	hostname, _ := os.Hostname()
	owner := fmt.Sprintf("%s-%s-%s", hostname, kind, uuid.NewString()[:8])

	pool := &errgroup.Group{}
	pool.SetLimit(cfg.MaxConcurrency)

	return &Controller{
		kind:    kind,
		def:     def,
		handler: h,
		store:   s,
		queue:   q,
		broker:  broker,
		clients: cl,
		cfg:     cfg,
		owner:   owner,
		logger:  log.WithComponent("controller").With().Str("resource_kind", string(kind)).Logger(),
		pool:    pool,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Owner returns this instance's lease owner identity.
func (c *Controller) Owner() string {
	return c.owner
}

// Start launches the dispatch and sweep loops.
func (c *Controller) Start() {
	c.logger.Info().
		Str("owner", c.owner).
		Dur("poll_interval", c.cfg.PollInterval).
		Dur("dispatch_interval", c.cfg.DispatchInterval).
		Int("max_concurrency", c.cfg.MaxConcurrency).
		Msg("Starting controller")

	go c.run()
}

// Stop shuts the loops down and waits for in-flight reconciliations.
func (c *Controller) Stop() {
	close(c.stopCh)
	<-c.doneCh
	c.logger.Info().Msg("Controller stopped")
}

func (c *Controller) run() {
	defer close(c.doneCh)

	dispatch := time.NewTicker(c.cfg.DispatchInterval)
	defer dispatch.Stop()
	sweep := time.NewTicker(c.cfg.PollInterval)
	defer sweep.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Prime the queue before the first dispatch.
	c.SweepOnce(ctx)

	for {
		select {
		case <-dispatch.C:
			c.DispatchOnce(ctx)
		case <-sweep.C:
			c.SweepOnce(ctx)
		case <-c.stopCh:
			_ = c.pool.Wait()
			return
		}
	}
}

// SweepOnce ensures every resource of the kind has a queue entry. It uses
// the insert-if-absent primitive, so entries parked in the future by Wait
// backoffs keep their schedule.
func (c *Controller) SweepOnce(ctx context.Context) {
	ids, err := c.store.List(ctx, c.kind)
	if err != nil {
		c.logger.Error().Err(err).Msg("Sweep failed to list resources")
		return
	}

	now := time.Now().UTC()
	for _, id := range ids {
		res, err := c.store.Load(ctx, c.kind, id)
		if err != nil {
			continue
		}
		if c.def.Terminal(res.State.Name) && !c.cfg.RetainTerminal {
			continue
		}
		if err := c.queue.EnsureQueued(ctx, c.kind, id, now); err != nil {
			c.logger.Error().Err(err).Str("resource_id", id).Msg("Sweep failed to queue resource")
		}
	}
}

// DispatchOnce claims one batch of due entries and reconciles them on the
// worker pool. It returns after all claimed entries have been scheduled;
// the reconciliations themselves run asynchronously.
func (c *Controller) DispatchOnce(ctx context.Context) {
	leases, err := c.queue.ClaimBatch(ctx, c.kind, c.owner, c.cfg.ClaimBatchSize, c.cfg.StaleLeaseAfter)
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to claim batch")
		return
	}

	for _, lease := range leases {
		lease := lease
		if lease.Reclaimed {
			metrics.LeasesReclaimed.WithLabelValues(string(c.kind)).Inc()
			c.publish(events.EventLeaseReclaimed, lease.ResourceID, "stale lease taken over")
		}
		if !c.pool.TryGo(func() error {
			c.process(ctx, lease)
			return nil
		}) {
			// Pool saturated; hand the entry back untouched in time.
			if err := c.queue.Release(ctx, lease, time.Now().UTC()); err != nil {
				c.logger.Error().Err(err).Str("resource_id", lease.ResourceID).Msg("Failed to release unscheduled lease")
			}
		}
	}
}

// Wait blocks until all in-flight reconciliations finish. Tests use it to
// make dispatch synchronous.
func (c *Controller) Wait() {
	_ = c.pool.Wait()
}

// process runs one full reconciliation under one lease.
func (c *Controller) process(ctx context.Context, lease types.Lease) {
	logger := c.logger.With().Str("resource_id", lease.ResourceID).Logger()

	res, err := c.store.Load(ctx, c.kind, lease.ResourceID)
	if errors.Is(err, types.ErrNotFound) {
		// Resource deleted out from under its queue entry.
		if err := c.queue.Complete(ctx, lease); err != nil && !errors.Is(err, types.ErrLeaseLost) {
			logger.Error().Err(err).Msg("Failed to drop queue entry for deleted resource")
		}
		return
	}
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load resource")
		c.releaseAfter(ctx, lease, c.cfg.PollInterval, logger)
		return
	}

	// Terminal states are never handled. RetainTerminal keeps the entry
	// parked on the periodic cadence so operators can still see it in
	// queue depth; otherwise the entry is dropped for good.
	if c.def.Terminal(res.State.Name) {
		if c.cfg.RetainTerminal {
			c.releaseAfter(ctx, lease, c.cfg.PollInterval, logger)
			return
		}
		if err := c.queue.Complete(ctx, lease); err != nil && !errors.Is(err, types.ErrLeaseLost) {
			logger.Error().Err(err).Msg("Failed to drop queue entry for terminal resource")
		}
		return
	}

	// The SLA verdict is taken at the moment of evaluation so every
	// outcome can be correlated with whether the resource was already
	// overdue when its handler ran.
	timeInState := time.Since(res.StateEnteredAt)
	verdict := c.def.EvaluateSLA(res.State.Name, timeInState)

	timer := metrics.NewTimer()
	outcome := c.invoke(ctx, res, logger)
	duration := timer.Duration()

	metrics.HandlerDuration.WithLabelValues(string(c.kind)).Observe(duration.Seconds())
	metrics.HandlerOutcomes.WithLabelValues(string(c.kind), res.State.Name, string(outcome.Kind)).Inc()
	if verdict.AboveSLA {
		metrics.EvaluationsAboveSLA.WithLabelValues(string(c.kind), res.State.Name).Inc()
	}

	logger.Info().
		Str("state", res.State.Name).
		Str("outcome", string(outcome.Kind)).
		Dur("duration", duration).
		Dur("time_in_state", timeInState).
		Bool("over_sla", verdict.AboveSLA).
		Msg("Reconciliation evaluated")

	switch outcome.Kind {
	case types.OutcomeTransition, types.OutcomeFatal:
		c.applyTransition(ctx, lease, res, outcome, logger)
	case types.OutcomeWait:
		c.recordOutcome(ctx, res, outcome, logger)
		c.releaseAfter(ctx, lease, c.cfg.PollInterval, logger)
	case types.OutcomeRetryableError:
		logger.Warn().Str("reason", outcome.Reason).Msg("Retryable handler error")
		c.recordOutcome(ctx, res, outcome, logger)
		c.releaseAfter(ctx, lease, c.cfg.PollInterval, logger)
	}
}

// invoke runs the handler with a budget and panic isolation.
func (c *Controller) invoke(ctx context.Context, res *types.Resource, logger zerolog.Logger) (outcome types.Outcome) {
	hctx, cancel := context.WithTimeout(ctx, c.cfg.HandlerTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			metrics.HandlerPanics.WithLabelValues(string(c.kind)).Inc()
			logger.Error().Interface("panic", r).Msg("Handler panicked")
			c.publish(events.EventHandlerPanicked, res.ID, fmt.Sprint(r))
			outcome = types.RetryableError(fmt.Errorf("handler panic: %v", r))
		}
	}()

	outcome = c.handler.Handle(hctx, res, &handler.Context{
		Clients: c.clients,
		Log:     logger,
	})
	return outcome
}

// applyTransition persists a Transition or Fatal outcome. The lease is
// renewed immediately before the write; a lost lease means another
// instance owns the resource now, so nothing is persisted.
func (c *Controller) applyTransition(ctx context.Context, lease types.Lease, res *types.Resource, outcome types.Outcome, logger zerolog.Logger) {
	next := outcome.Next
	if outcome.Kind == types.OutcomeFatal {
		next = types.NewState(c.def.Fatal)
		logger.Error().Str("reason", outcome.Reason).Msg("Fatal handler outcome")
	}

	// A Fatal outcome may target any state; regular transitions must
	// follow a declared edge. Same-name transitions only update the
	// sub-state detail and are always legal. An undeclared edge is a
	// handler bug and is retried like any other transient failure.
	if outcome.Kind == types.OutcomeTransition &&
		res.State.Name != next.Name &&
		!c.def.Allowed(res.State.Name, next.Name) {
		logger.Error().
			Str("from", res.State.Name).
			Str("to", next.Name).
			Msg("Handler requested undeclared transition")
		bad := types.RetryableError(fmt.Errorf("undeclared transition %s -> %s", res.State.Name, next.Name))
		c.recordOutcome(ctx, res, bad, logger)
		c.releaseAfter(ctx, lease, c.cfg.PollInterval, logger)
		return
	}

	if err := c.queue.Renew(ctx, lease); err != nil {
		metrics.LeasesLost.WithLabelValues(string(c.kind)).Inc()
		logger.Warn().Err(err).Msg("Lease lost before persist, abandoning write")
		return
	}

	entry := types.HistoryEntry{
		ResourceID: res.ID,
		Kind:       res.Kind,
		PriorState: res.State,
		NewState:   next,
		Outcome:    outcome.Kind,
		Reason:     outcome.Reason,
	}
	_, err := c.store.Persist(ctx, c.kind, res.ID, res.Version, next, entry)
	if errors.Is(err, types.ErrConflict) {
		metrics.PersistConflicts.WithLabelValues(string(c.kind)).Inc()
		logger.Warn().Msg("Version conflict, will reconcile from fresh state")
		c.releaseAfter(ctx, lease, 0, logger)
		return
	}
	if err != nil {
		logger.Error().Err(err).Msg("Failed to persist transition")
		c.releaseAfter(ctx, lease, c.cfg.PollInterval, logger)
		return
	}

	logger.Info().
		Str("from", res.State.String()).
		Str("to", next.String()).
		Str("outcome", string(outcome.Kind)).
		Msg("State transitioned")

	eventType := events.EventStateTransitioned
	if outcome.Kind == types.OutcomeFatal {
		eventType = events.EventResourceFailed
	}
	c.publish(eventType, res.ID, fmt.Sprintf("%s -> %s", res.State.Name, next.Name))

	if c.def.Terminal(next.Name) {
		c.publish(events.EventResourceTerminal, res.ID, next.Name)
		if !c.cfg.RetainTerminal {
			if err := c.queue.Complete(ctx, lease); err != nil && !errors.Is(err, types.ErrLeaseLost) {
				logger.Error().Err(err).Msg("Failed to complete queue entry")
			}
			return
		}
		c.releaseAfter(ctx, lease, c.cfg.PollInterval, logger)
		return
	}

	// Fast path: re-evaluate the new state immediately.
	c.releaseAfter(ctx, lease, 0, logger)
}

func (c *Controller) recordOutcome(ctx context.Context, res *types.Resource, outcome types.Outcome, logger zerolog.Logger) {
	if err := c.store.RecordOutcome(ctx, c.kind, res.ID, outcome.Kind, outcome.Reason); err != nil {
		logger.Error().Err(err).Msg("Failed to record outcome")
	}
}

func (c *Controller) releaseAfter(ctx context.Context, lease types.Lease, delay time.Duration, logger zerolog.Logger) {
	notBefore := time.Now().UTC().Add(delay)
	err := c.queue.Release(ctx, lease, notBefore)
	if errors.Is(err, types.ErrLeaseLost) {
		metrics.LeasesLost.WithLabelValues(string(c.kind)).Inc()
		return
	}
	if err != nil {
		logger.Error().Err(err).Msg("Failed to release lease")
	}
}

func (c *Controller) publish(eventType events.EventType, resourceID, message string) {
	if c.broker == nil {
		return
	}
	c.broker.Publish(&events.Event{
		Type:       eventType,
		Kind:       c.kind,
		ResourceID: resourceID,
		Message:    message,
	})
}
