package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/openstack-archive/senlin-sub004/pkg/stores"
	"github.com/openstack-archive/senlin-sub004/pkg/telemetry"
)

// Executor runs one claimed action to completion while enforcing
// target-level exclusion and dependency ordering. It is created once per
// engine process and is safe for concurrent use; per-action state lives on
// the stack of Execute.
type Executor struct {
	store    stores.Store
	locks    LockManager
	profiles ProfileResolver
	policies PolicyHooks
	notifier Notifier
	metrics  *telemetry.Metrics
	events   *telemetry.EventPublisher
	tracer   trace.Tracer
	logger   zerolog.Logger

	engineID string

	// signalInterval is the pause-gate poll cadence while SUSPENDED.
	signalInterval time.Duration
}

// ExecutorOptions configures an Executor.
type ExecutorOptions struct {
	EngineID       string
	SignalInterval time.Duration

	// Events, when non-nil, receives lifecycle events for subscribers.
	Events *telemetry.EventPublisher
}

// NewExecutor creates an executor bound to one engine identity.
func NewExecutor(
	store stores.Store,
	locks LockManager,
	profiles ProfileResolver,
	policies PolicyHooks,
	notifier Notifier,
	metrics *telemetry.Metrics,
	tracer trace.Tracer,
	logger zerolog.Logger,
	opts ExecutorOptions,
) *Executor {
	interval := opts.SignalInterval
	if interval <= 0 {
		interval = time.Second
	}
	return &Executor{
		store:          store,
		locks:          locks,
		profiles:       profiles,
		policies:       policies,
		notifier:       notifier,
		metrics:        metrics,
		events:         opts.Events,
		tracer:         tracer,
		logger:         logger.With().Str("component", "executor").Logger(),
		engineID:       opts.EngineID,
		signalInterval: interval,
	}
}

// Execute runs an action the caller has already claimed (status RUNNING,
// owned by this engine). Adapter failures terminate the action, never the
// engine; only infrastructure failures propagate to the caller.
func (e *Executor) Execute(ctx context.Context, action *stores.Action) error {
	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.Start(ctx, "engine.action.execute",
			trace.WithAttributes(
				attribute.String("action.id", action.ID),
				attribute.String("action.verb", action.Verb),
				attribute.String("action.target", action.TargetID),
			))
		defer span.End()
	}

	logger := e.logger.With().
		Str("action", action.ID).
		Str("verb", action.Verb).
		Str("target", action.TargetID).
		Logger()

	start := time.Now()
	e.metrics.ActionStarted(action.Verb)
	e.appendEvent(ctx, action.ID, stores.EventLevelInfo, "action execution started")
	if e.events != nil {
		_ = e.events.PublishActionStarted(action.ID, action.Verb, action.TargetID, e.engineID)
	}

	status, reason, outputs, err := e.run(ctx, logger, action)
	if err != nil {
		// Infrastructure failure: the action keeps its current state and
		// the poll cycle aborts; a later tick or the timeout sweep picks
		// it up.
		logger.Error().Err(err).Msg("action execution aborted")
		return err
	}
	if status == "" {
		// Requeued after a lock conflict; nothing terminal to record.
		e.metrics.ActionFinished(action.Verb, "requeued", time.Since(start))
		return nil
	}

	if ferr := e.store.FinishAction(ctx, action.ID, status, reason, outputs, time.Now()); ferr != nil {
		return NewInfrastructureError("failed to record action result", ferr).WithAction(action.ID)
	}
	e.metrics.ActionFinished(action.Verb, string(status), time.Since(start))

	switch status {
	case stores.ActionStatusSucceeded:
		logger.Info().Dur("duration", time.Since(start)).Msg("action succeeded")
		e.appendEvent(ctx, action.ID, stores.EventLevelInfo, "action succeeded")
		if e.events != nil {
			_ = e.events.PublishActionSucceeded(action.ID, action.Verb, time.Since(start))
		}
		if err := e.wakeDependents(ctx, logger, action.ID); err != nil {
			return err
		}
	case stores.ActionStatusCancelled:
		logger.Info().Msg("action cancelled")
		e.appendEvent(ctx, action.ID, stores.EventLevelWarning, "action cancelled on signal")
		if e.events != nil {
			_ = e.events.PublishActionCancelled(action.ID)
		}
	default:
		logger.Warn().Str("reason", reason).Msg("action failed")
		e.appendEvent(ctx, action.ID, stores.EventLevelError, "action failed: "+reason)
		if e.events != nil {
			_ = e.events.PublishActionFailed(action.ID, action.Verb, reason)
		}
	}
	return nil
}

// run performs the locked portion of execution and returns the terminal
// status to record. An empty status means the action was requeued.
func (e *Executor) run(ctx context.Context, logger zerolog.Logger, action *stores.Action) (stores.ActionStatus, string, string, error) {
	verb := Verb(action.Verb)

	params := map[string]interface{}{}
	if action.Inputs != "" {
		if err := json.Unmarshal([]byte(action.Inputs), &params); err != nil {
			return stores.ActionStatusFailed, "invalid action inputs: " + err.Error(), "{}", nil
		}
	}

	clusterID := e.clusterOf(action, params)

	if e.policies != nil && clusterID != "" && verb.Mutating() {
		if err := e.policies.PreOp(ctx, clusterID, action); err != nil {
			if IsInfrastructure(err) {
				return "", "", "", err
			}
			return stores.ActionStatusFailed, "policy rejected operation: " + err.Error(), "{}", nil
		}
	}

	// Lock order: cluster before node, so JOIN/LEAVE cannot deadlock
	// against cluster-scoped actions.
	targets := e.lockTargets(action, verb, clusterID)
	held := make([]string, 0, len(targets))
	defer func() {
		for i := len(held) - 1; i >= 0; i-- {
			if rerr := e.locks.Release(ctx, held[i], action.ID); rerr != nil {
				logger.Error().Err(rerr).Str("lock_target", held[i]).Msg("failed to release lock")
			}
		}
	}()

	for _, target := range targets {
		if err := e.locks.Acquire(ctx, target, action.ID, verb.LockScope()); err != nil {
			if IsConflict(err) {
				e.metrics.LockConflict(string(verb.LockScope()))
				logger.Debug().Str("lock_target", target).Msg("lock held elsewhere, requeueing action")
				return "", "", "", e.requeue(ctx, action)
			}
			return "", "", "", err
		}
		held = append(held, target)
	}

	if stop, status, reason := e.checkpoint(ctx, logger, action); stop {
		return status, reason, "{}", nil
	}

	outputs, err := e.invoke(ctx, verb, action, params)
	if err != nil {
		if IsInfrastructure(err) {
			return "", "", "", err
		}
		return stores.ActionStatusFailed, err.Error(), "{}", nil
	}

	if stop, status, reason := e.checkpoint(ctx, logger, action); stop {
		return status, reason, "{}", nil
	}

	// The fence must still be ours before the result is recorded: a peer
	// stealing the lock from a falsely-dead engine is the one split-brain
	// path left, and it must surface loudly instead of committing.
	for _, target := range held {
		if verr := e.locks.Verify(ctx, target, action.ID); verr != nil {
			if IsInfrastructure(verr) {
				return "", "", "", verr
			}
			logger.Error().Err(verr).Str("lock_target", target).
				Msg("lock fence lost during execution, failing action")
			e.appendEvent(ctx, action.ID, stores.EventLevelError, "lock fence lost during execution")
			return stores.ActionStatusFailed, "lock fence lost during execution: " + verr.Error(), "{}", nil
		}
	}

	if e.policies != nil && clusterID != "" && verb.Mutating() {
		if err := e.policies.PostOp(ctx, clusterID, action); err != nil {
			logger.Warn().Err(err).Msg("policy post-operation hook failed")
		}
	}

	encoded, err := json.Marshal(outputs)
	if err != nil {
		encoded = []byte("{}")
	}
	return stores.ActionStatusSucceeded, "action completed", string(encoded), nil
}

// invoke dispatches the verb to the target's profile strategy. Policy
// attach/detach verbs mutate the binding table directly and involve no
// profile.
func (e *Executor) invoke(ctx context.Context, verb Verb, action *stores.Action, params map[string]interface{}) (map[string]interface{}, error) {
	switch verb {
	case ClusterAttachPolicy:
		return e.attachPolicy(ctx, action, params)
	case ClusterDetachPolicy:
		return e.detachPolicy(ctx, action, params)
	}

	profileType, _ := params["profile"].(string)
	profile, err := e.profiles.Resolve(profileType)
	if err != nil {
		return nil, NewAdapterError("no profile for target", err).WithTarget(action.TargetID)
	}

	var span trace.Span
	if e.tracer != nil {
		ctx, span = e.tracer.Start(ctx, "profile."+string(verb))
		defer span.End()
	}

	var do func(context.Context, string, map[string]interface{}) (map[string]interface{}, error)
	switch verb {
	case ClusterCreate, NodeCreate:
		do = profile.DoCreate
	case ClusterDelete, NodeDelete:
		do = profile.DoDelete
	case ClusterScaleIn, ClusterScaleOut, NodeUpdate:
		do = profile.DoUpdate
	case ClusterCheck, NodeCheck:
		do = profile.DoCheck
	case ClusterRecover, NodeRecover:
		do = profile.DoRecover
	case NodeJoin:
		do = profile.DoJoin
	case NodeLeave:
		do = profile.DoLeave
	default:
		return nil, NewAdapterError(fmt.Sprintf("unsupported verb %q", verb), nil)
	}

	outputs, err := do(ctx, action.TargetID, params)
	if err != nil {
		if IsInfrastructure(err) {
			return nil, err
		}
		return nil, NewAdapterError("profile operation failed", err).
			WithAction(action.ID).WithTarget(action.TargetID)
	}
	return outputs, nil
}

func (e *Executor) attachPolicy(ctx context.Context, action *stores.Action, params map[string]interface{}) (map[string]interface{}, error) {
	policyID, _ := params["policy_id"].(string)
	if policyID == "" {
		return nil, NewAdapterError("policy_id is required", nil).WithAction(action.ID)
	}
	name, _ := params["policy_name"].(string)
	policyType, _ := params["policy_type"].(string)
	priority := 50
	if p, ok := params["priority"].(float64); ok {
		priority = int(p)
	}
	data := "{}"
	if d, ok := params["data"].(map[string]interface{}); ok {
		if encoded, err := json.Marshal(d); err == nil {
			data = string(encoded)
		}
	}

	binding := &stores.ClusterPolicy{
		ClusterID:  action.TargetID,
		PolicyID:   policyID,
		PolicyName: name,
		PolicyType: policyType,
		Enabled:    true,
		Priority:   priority,
		Data:       data,
	}
	if err := e.store.CreateClusterPolicy(ctx, binding); err != nil {
		return nil, NewInfrastructureError("failed to attach policy", err).WithAction(action.ID)
	}
	return map[string]interface{}{"policy_id": policyID}, nil
}

func (e *Executor) detachPolicy(ctx context.Context, action *stores.Action, params map[string]interface{}) (map[string]interface{}, error) {
	policyID, _ := params["policy_id"].(string)
	if policyID == "" {
		return nil, NewAdapterError("policy_id is required", nil).WithAction(action.ID)
	}
	if err := e.store.DeleteClusterPolicy(ctx, action.TargetID, policyID); err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return nil, NewNotFoundError("policy not attached", err).WithAction(action.ID)
		}
		return nil, NewInfrastructureError("failed to detach policy", err).WithAction(action.ID)
	}
	return map[string]interface{}{"policy_id": policyID}, nil
}

// checkpoint polls the pending signal slot. It returns stop=true with the
// terminal status to record when the action must not proceed. SUSPEND parks
// the executor on a pause gate until RESUME or CANCEL arrives.
func (e *Executor) checkpoint(ctx context.Context, logger zerolog.Logger, action *stores.Action) (bool, stores.ActionStatus, string) {
	for {
		select {
		case <-ctx.Done():
			return true, stores.ActionStatusCancelled, "engine shutting down"
		default:
		}

		sig, err := e.store.GetActionSignal(ctx, action.ID)
		if err != nil {
			// Treat a signal read failure like no signal; the next
			// checkpoint retries.
			logger.Warn().Err(err).Msg("failed to poll action signal")
			return false, "", ""
		}

		switch sig {
		case stores.SignalCancel:
			return true, stores.ActionStatusCancelled, "cancelled on signal"
		case stores.SignalSuspend:
			logger.Info().Msg("action suspended")
			if err := e.store.UpdateActionStatus(ctx, action.ID, stores.ActionStatusSuspended, "suspended on signal"); err != nil {
				logger.Warn().Err(err).Msg("failed to record suspension")
			}
			_ = e.store.ClearActionSignal(ctx, action.ID)
			if stop, status, reason := e.awaitResume(ctx, logger, action); stop {
				return true, status, reason
			}
			continue
		case stores.SignalResume:
			// Resume without a preceding suspend is a reported no-op.
			logger.Debug().Msg("resume signal on running action ignored")
			_ = e.store.ClearActionSignal(ctx, action.ID)
			return false, "", ""
		default:
			return false, "", ""
		}
	}
}

// awaitResume blocks on the pause gate until RESUME or CANCEL.
func (e *Executor) awaitResume(ctx context.Context, logger zerolog.Logger, action *stores.Action) (bool, stores.ActionStatus, string) {
	ticker := time.NewTicker(e.signalInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return true, stores.ActionStatusCancelled, "engine shutting down"
		case <-ticker.C:
		}

		sig, err := e.store.GetActionSignal(ctx, action.ID)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to poll signal while suspended")
			continue
		}
		switch sig {
		case stores.SignalCancel:
			return true, stores.ActionStatusCancelled, "cancelled while suspended"
		case stores.SignalResume:
			logger.Info().Msg("action resumed")
			if err := e.store.UpdateActionStatus(ctx, action.ID, stores.ActionStatusRunning, "resumed on signal"); err != nil {
				logger.Warn().Err(err).Msg("failed to record resume")
			}
			_ = e.store.ClearActionSignal(ctx, action.ID)
			return false, "", ""
		}
	}
}

// requeue returns a claimed action to READY so a later poll retries it.
func (e *Executor) requeue(ctx context.Context, action *stores.Action) error {
	action.Status = stores.ActionStatusReady
	action.Owner = nil
	action.StartedAt = nil
	if err := e.store.UpdateAction(ctx, action); err != nil {
		return NewInfrastructureError("failed to requeue action", err).WithAction(action.ID)
	}
	return nil
}

// wakeDependents promotes satisfied dependents and broadcasts a wake-up for
// each of them.
func (e *Executor) wakeDependents(ctx context.Context, logger zerolog.Logger, actionID string) error {
	ready, err := e.store.MarkReadyDependents(ctx, actionID)
	if err != nil {
		return NewInfrastructureError("failed to promote dependents", err).WithAction(actionID)
	}
	for _, id := range ready {
		logger.Debug().Str("dependent", id).Msg("dependent action ready")
		if e.notifier == nil {
			continue
		}
		if nerr := e.notifier.StartAction(ctx, "", id); nerr != nil {
			// Best-effort: polling picks the action up on a later tick.
			logger.Warn().Err(nerr).Str("dependent", id).Msg("failed to notify engines")
		}
	}
	return nil
}

// clusterOf resolves the cluster a node action belongs to, for policy hooks.
func (e *Executor) clusterOf(action *stores.Action, params map[string]interface{}) string {
	if action.TargetScope == stores.ScopeCluster {
		return action.TargetID
	}
	if id, ok := params["cluster_id"].(string); ok {
		return id
	}
	return ""
}

// lockTargets returns the lock set for the action in acquisition order.
func (e *Executor) lockTargets(action *stores.Action, verb Verb, clusterID string) []string {
	if (verb == NodeJoin || verb == NodeLeave) && clusterID != "" {
		return []string{clusterID, action.TargetID}
	}
	return []string{action.TargetID}
}

func (e *Executor) appendEvent(ctx context.Context, actionID string, level stores.EventLevel, message string) {
	event := &stores.Event{
		ActionID:  &actionID,
		Level:     level,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
	if err := e.store.AppendEvent(ctx, event); err != nil {
		e.logger.Debug().Err(err).Msg("failed to append event")
	}
}
