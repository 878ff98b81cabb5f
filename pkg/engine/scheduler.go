package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/openstack-archive/senlin-sub004/pkg/stores"
	"github.com/openstack-archive/senlin-sub004/pkg/telemetry"
)

// SchedulerOptions configures the per-engine scheduler loop.
type SchedulerOptions struct {
	EngineID string
	Address  string

	// MaxActionsPerBatch bounds consecutive node-scoped launches before the
	// pump sleeps for BatchInterval. Zero disables throttling.
	MaxActionsPerBatch int
	BatchInterval      time.Duration

	// PollInterval is the backstop cadence for claiming ready actions when
	// no wake-up arrives.
	PollInterval time.Duration

	// PeriodicInterval drives the liveness heartbeat and the timeout sweep.
	PeriodicInterval time.Duration

	// MaxWorkers bounds concurrently executing actions.
	MaxWorkers int

	// ShutdownGrace bounds how long shutdown waits for in-flight actions
	// to finish before deregistering the engine anyway.
	ShutdownGrace time.Duration
}

// Scheduler is the per-engine work loop. It registers the engine identity,
// pumps READY actions through the executor, heartbeats liveness and sweeps
// timed-out actions. One scheduler runs per engine process.
type Scheduler struct {
	store    stores.Store
	executor *Executor
	metrics  *telemetry.Metrics
	logger   zerolog.Logger

	engineID string
	address  string

	pollInterval     time.Duration
	periodicInterval time.Duration
	shutdownGrace    time.Duration

	// Throttle knobs are hot-reloadable from the config watcher.
	maxPerBatch   atomic.Int64
	batchInterval atomic.Int64 // nanoseconds

	wake    chan struct{}
	workers chan struct{}
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler bound to one engine identity.
func NewScheduler(store stores.Store, executor *Executor, metrics *telemetry.Metrics, logger zerolog.Logger, opts SchedulerOptions) *Scheduler {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.PeriodicInterval <= 0 {
		opts.PeriodicInterval = 15 * time.Second
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 10
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = 30 * time.Second
	}
	s := &Scheduler{
		store:            store,
		executor:         executor,
		metrics:          metrics,
		logger:           logger.With().Str("component", "scheduler").Str("engine", opts.EngineID).Logger(),
		engineID:         opts.EngineID,
		address:          opts.Address,
		pollInterval:     opts.PollInterval,
		periodicInterval: opts.PeriodicInterval,
		shutdownGrace:    opts.ShutdownGrace,
		wake:             make(chan struct{}, 1),
		workers:          make(chan struct{}, opts.MaxWorkers),
	}
	s.SetThrottle(opts.MaxActionsPerBatch, opts.BatchInterval)
	return s
}

// SetThrottle updates the batching knobs. Safe to call while Run is active.
func (s *Scheduler) SetThrottle(maxPerBatch int, interval time.Duration) {
	s.maxPerBatch.Store(int64(maxPerBatch))
	s.batchInterval.Store(int64(interval))
}

// EngineID returns this scheduler's engine identity token.
func (s *Scheduler) EngineID() string {
	return s.engineID
}

// Run registers the engine and blocks pumping work until ctx ends. On exit
// it waits for in-flight actions and deregisters the engine.
func (s *Scheduler) Run(ctx context.Context) error {
	now := time.Now().UTC()
	engine := &stores.Engine{
		ID:          s.engineID,
		Address:     s.address,
		StartedAt:   now,
		HeartbeatAt: now,
	}
	if err := s.store.RegisterEngine(ctx, engine); err != nil {
		return NewInfrastructureError("failed to register engine", err)
	}
	s.logger.Info().Str("address", s.address).Msg("engine registered")

	pollTicker := time.NewTicker(s.pollInterval)
	defer pollTicker.Stop()
	periodicTicker := time.NewTicker(s.periodicInterval)
	defer periodicTicker.Stop()

	// Drain whatever was ready before this engine came up.
	s.runPending(ctx)

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case <-s.wake:
			s.runPending(ctx)
		case <-pollTicker.C:
			s.runPending(ctx)
		case <-periodicTicker.C:
			s.periodic(ctx)
		}
	}
}

// Wake nudges the pump without waiting for the next poll tick.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// StartAction claims one specific READY action and executes it. A
// conflict is returned when another engine already owns it or it is not
// READY; delivery then falls back to polling.
func (s *Scheduler) StartAction(ctx context.Context, actionID string) error {
	action, err := s.store.AcquireAction(ctx, actionID, s.engineID, time.Now().UTC())
	if err != nil {
		if errors.Is(err, stores.ErrNotAcquired) {
			return NewConflictError("action not claimable", err).WithAction(actionID)
		}
		if errors.Is(err, stores.ErrNotFound) {
			return NewNotFoundError("action not found", err).WithAction(actionID)
		}
		return NewInfrastructureError("failed to claim action", err).WithAction(actionID)
	}
	s.launch(ctx, action)
	return nil
}

// Cancel records a CANCEL signal on a running or suspended action. READY
// actions are cancelled directly since no executor is watching them.
func (s *Scheduler) Cancel(ctx context.Context, actionID string) error {
	action, err := s.store.GetAction(ctx, actionID)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return NewNotFoundError("action not found", err).WithAction(actionID)
		}
		return NewInfrastructureError("failed to load action", err).WithAction(actionID)
	}
	switch action.Status {
	case stores.ActionStatusInit, stores.ActionStatusWaiting, stores.ActionStatusReady:
		if err := s.store.FinishAction(ctx, actionID, stores.ActionStatusCancelled, "cancelled before execution", "{}", time.Now()); err != nil {
			return NewInfrastructureError("failed to cancel action", err).WithAction(actionID)
		}
		return nil
	}
	return s.signal(ctx, actionID, stores.SignalCancel)
}

// Suspend records a SUSPEND signal; the executor honors it at its next
// checkpoint.
func (s *Scheduler) Suspend(ctx context.Context, actionID string) error {
	return s.signal(ctx, actionID, stores.SignalSuspend)
}

// Resume records a RESUME signal for a suspended action.
func (s *Scheduler) Resume(ctx context.Context, actionID string) error {
	return s.signal(ctx, actionID, stores.SignalResume)
}

func (s *Scheduler) signal(ctx context.Context, actionID string, sig stores.ActionSignal) error {
	if err := s.store.SetActionSignal(ctx, actionID, sig); err != nil {
		if errors.Is(err, stores.ErrNotAcquired) {
			// Signalling an action that is neither running nor suspended
			// is reported to the caller and changes nothing.
			s.logger.Debug().Str("action", actionID).Str("signal", string(sig)).Msg("signal on non-signalable action ignored")
			return NewConflictError("action not in a signalable state", err).WithAction(actionID)
		}
		return NewInfrastructureError("failed to record signal", err).WithAction(actionID)
	}
	s.logger.Info().Str("action", actionID).Str("signal", string(sig)).Msg("signal recorded")
	return nil
}

// runPending drains the READY queue, throttling node-scoped launches so
// large fan-outs cannot starve peer engines.
func (s *Scheduler) runPending(ctx context.Context) {
	nodeStreak := 0
	for {
		if ctx.Err() != nil {
			return
		}
		action, err := s.store.AcquireFirstReady(ctx, s.engineID, time.Now().UTC())
		if err != nil {
			s.logger.Error().Err(err).Msg("failed to poll for ready actions")
			return
		}
		if action == nil {
			return
		}

		s.launch(ctx, action)

		maxPerBatch := int(s.maxPerBatch.Load())
		if action.TargetScope == stores.ScopeNode {
			nodeStreak++
			if maxPerBatch > 0 && nodeStreak >= maxPerBatch {
				nodeStreak = 0
				interval := time.Duration(s.batchInterval.Load())
				s.logger.Debug().Dur("interval", interval).Msg("batch limit reached, throttling")
				s.metrics.BatchThrottled()
				select {
				case <-ctx.Done():
					return
				case <-time.After(interval):
				}
			}
		} else {
			nodeStreak = 0
		}
	}
}

// launch executes a claimed action on the bounded worker pool. Execution
// runs on a context detached from the caller: the triggering HTTP request
// ending or the pump shutting down must not abort a claimed action
// mid-flight, or its terminal status and checkpoint writes would fail and
// leave it stranded RUNNING under a deregistered engine.
func (s *Scheduler) launch(ctx context.Context, action *stores.Action) {
	s.workers <- struct{}{}
	s.wg.Add(1)
	s.metrics.RunningActions(1)
	runCtx := context.WithoutCancel(ctx)
	go func() {
		defer func() {
			s.metrics.RunningActions(-1)
			<-s.workers
			s.wg.Done()
		}()
		if err := s.executor.Execute(runCtx, action); err != nil {
			s.logger.Error().Err(err).Str("action", action.ID).Msg("action execution error")
		}
	}()
}

// periodic heartbeats this engine and fails RUNNING actions whose timeout
// elapsed.
func (s *Scheduler) periodic(ctx context.Context) {
	now := time.Now().UTC()
	if err := s.store.HeartbeatEngine(ctx, s.engineID, now); err != nil {
		s.logger.Error().Err(err).Msg("heartbeat failed")
	}

	timedOut, err := s.store.MarkTimedOutActions(ctx, now)
	if err != nil {
		s.logger.Error().Err(err).Msg("timeout sweep failed")
		return
	}
	for _, id := range timedOut {
		s.logger.Warn().Str("action", id).Msg("action timed out")
		s.metrics.ActionTimedOut()
	}
}

// shutdown drains in-flight actions up to the grace period, then removes
// the engine registration so peers may steal its locks. Actions still
// running past the grace keep their detached contexts; if a peer steals
// a lock afterwards the fence check fails them instead of committing.
func (s *Scheduler) shutdown() {
	s.logger.Info().Msg("scheduler draining")
	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(s.shutdownGrace):
		s.logger.Warn().Dur("grace", s.shutdownGrace).Msg("in-flight actions outlived drain grace, deregistering anyway")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.store.RemoveEngine(ctx, s.engineID); err != nil {
		s.logger.Error().Err(err).Msg("failed to deregister engine")
	}
	s.logger.Info().Msg("engine deregistered")
}
