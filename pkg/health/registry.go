// Package health assigns periodic cluster health-check duty across engines.
// Duty lives in the store as health entries; each engine periodically claims
// entries whose owner is dead or absent and runs a local monitoring task per
// claimed cluster. Tasks derive check actions into the normal scheduling
// pipeline rather than probing targets directly.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openstack-archive/senlin-sub004/pkg/engine"
	"github.com/openstack-archive/senlin-sub004/pkg/stores"
	"github.com/openstack-archive/senlin-sub004/pkg/telemetry"
)

// CheckTypeNodeStatusPolling is the default check type: derive a cluster
// check action on every interval.
const CheckTypeNodeStatusPolling = "NODE_STATUS_POLLING"

const (
	defaultClaimInterval = 30 * time.Second
	defaultCheckInterval = 60 * time.Second
	defaultActionTimeout = time.Hour
)

// Options configures a health Registry.
type Options struct {
	// EngineID is the identity entries are claimed under.
	EngineID string

	// ClaimInterval is how often the claim loop runs.
	ClaimInterval time.Duration

	// CheckInterval is the default per-cluster check cadence applied to
	// registrations that do not specify one.
	CheckInterval time.Duration

	// ActionTimeout is the execution timeout stamped on derived check
	// actions.
	ActionTimeout time.Duration

	// LivenessWindow is how recently the owner of an entry must have
	// heartbeated to keep its claim.
	LivenessWindow time.Duration
}

// Registry owns this engine's share of the cluster health-check duty. Claims
// are store-side compare-and-swap; the in-process monitor map only mirrors
// what this engine currently owns.
type Registry struct {
	store    stores.Store
	notifier engine.Notifier
	metrics  *telemetry.Metrics
	events   *telemetry.EventPublisher
	logger   zerolog.Logger

	engineID       string
	claimInterval  time.Duration
	checkInterval  time.Duration
	actionTimeout  time.Duration
	livenessWindow time.Duration

	mu       sync.Mutex
	monitors map[string]*monitor
}

// monitor is one local per-cluster check task.
type monitor struct {
	entry  *stores.HealthEntry
	cancel context.CancelFunc
}

// NewRegistry creates a health registry bound to one engine identity.
func NewRegistry(store stores.Store, notifier engine.Notifier, metrics *telemetry.Metrics, events *telemetry.EventPublisher, logger zerolog.Logger, opts Options) *Registry {
	if opts.ClaimInterval <= 0 {
		opts.ClaimInterval = defaultClaimInterval
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = defaultCheckInterval
	}
	if opts.ActionTimeout <= 0 {
		opts.ActionTimeout = defaultActionTimeout
	}
	if opts.LivenessWindow <= 0 {
		opts.LivenessWindow = 2 * time.Minute
	}
	return &Registry{
		store:          store,
		notifier:       notifier,
		metrics:        metrics,
		events:         events,
		logger:         logger.With().Str("component", "health").Logger(),
		engineID:       opts.EngineID,
		claimInterval:  opts.ClaimInterval,
		checkInterval:  opts.CheckInterval,
		actionTimeout:  opts.ActionTimeout,
		livenessWindow: opts.LivenessWindow,
		monitors:       make(map[string]*monitor),
	}
}

// RegisterCluster enrolls a cluster for periodic health checks. The entry is
// unclaimed until the next claim pass picks it up.
func (r *Registry) RegisterCluster(ctx context.Context, clusterID, checkType string, interval time.Duration, params map[string]interface{}) error {
	if checkType == "" {
		checkType = CheckTypeNodeStatusPolling
	}
	if interval <= 0 {
		interval = r.checkInterval
	}
	if params == nil {
		params = map[string]interface{}{}
	}
	encoded, err := json.Marshal(params)
	if err != nil {
		return engine.NewAdapterError("failed to encode health params", err)
	}

	now := time.Now().UTC()
	entry := &stores.HealthEntry{
		ClusterID:       clusterID,
		CheckType:       checkType,
		IntervalSeconds: int64(interval / time.Second),
		Params:          string(encoded),
		Enabled:         true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := r.store.CreateHealthEntry(ctx, entry); err != nil {
		return engine.NewInfrastructureError("failed to register cluster for health checks", err).WithTarget(clusterID)
	}
	r.logger.Info().
		Str("cluster", clusterID).
		Str("check_type", checkType).
		Dur("interval", interval).
		Msg("cluster registered for health monitoring")
	return nil
}

// UnregisterCluster removes the cluster's health entry and stops any local
// monitoring task for it.
func (r *Registry) UnregisterCluster(ctx context.Context, clusterID string) error {
	if err := r.store.DeleteHealthEntry(ctx, clusterID); err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return engine.NewNotFoundError(fmt.Sprintf("cluster %s is not registered", clusterID), err)
		}
		return engine.NewInfrastructureError("failed to unregister cluster", err).WithTarget(clusterID)
	}
	r.stopMonitor(clusterID)
	r.logger.Info().Str("cluster", clusterID).Msg("cluster unregistered from health monitoring")
	return nil
}

// SetClusterEnabled pauses or resumes checks for the cluster. A disabled
// entry keeps its registration but is skipped by claims and monitors.
func (r *Registry) SetClusterEnabled(ctx context.Context, clusterID string, enabled bool) error {
	if err := r.store.SetHealthEntryEnabled(ctx, clusterID, enabled); err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return engine.NewNotFoundError(fmt.Sprintf("cluster %s is not registered", clusterID), err)
		}
		return engine.NewInfrastructureError("failed to update health entry", err).WithTarget(clusterID)
	}
	if !enabled {
		r.stopMonitor(clusterID)
	}
	r.logger.Info().Str("cluster", clusterID).Bool("enabled", enabled).Msg("health monitoring toggled")
	return nil
}

// Run claims and monitors until the context ends. One claim pass runs
// immediately so a fresh engine picks up orphaned duty without waiting a
// full interval.
func (r *Registry) Run(ctx context.Context) {
	r.claim(ctx)

	ticker := time.NewTicker(r.claimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.stopAll()
			return
		case <-ticker.C:
			r.claim(ctx)
		}
	}
}

// claim reassigns orphaned entries to this engine and reconciles the local
// monitor set against what the store says this engine owns.
func (r *Registry) claim(ctx context.Context) {
	aliveSince := time.Now().UTC().Add(-r.livenessWindow)
	live, err := r.store.ListLiveEngines(ctx, aliveSince)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to list live engines")
		return
	}
	aliveIDs := make([]string, 0, len(live))
	for _, e := range live {
		aliveIDs = append(aliveIDs, e.ID)
	}

	claimed, err := r.store.ClaimHealthEntries(ctx, r.engineID, aliveIDs)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to claim health entries")
		return
	}
	if len(claimed) > 0 {
		r.metrics.HealthEntriesClaimed(len(claimed))
		for _, entry := range claimed {
			r.logger.Info().
				Str("cluster", entry.ClusterID).
				Str("check_type", entry.CheckType).
				Msg("claimed health-check duty")
			if r.events != nil {
				_ = r.events.PublishHealthClaimed(entry.ClusterID, r.engineID)
			}
		}
	}

	owned, err := r.store.ListHealthEntriesByEngine(ctx, r.engineID)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to list owned health entries")
		return
	}
	r.reconcile(ctx, owned)
}

// reconcile starts monitors for newly owned entries and stops monitors for
// entries this engine no longer owns.
func (r *Registry) reconcile(ctx context.Context, owned []*stores.HealthEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := make(map[string]*stores.HealthEntry, len(owned))
	for _, entry := range owned {
		if entry.Enabled {
			current[entry.ClusterID] = entry
		}
	}

	for clusterID, m := range r.monitors {
		if _, still := current[clusterID]; !still {
			m.cancel()
			delete(r.monitors, clusterID)
			r.logger.Info().Str("cluster", clusterID).Msg("stopped health monitor")
		}
	}

	for clusterID, entry := range current {
		if _, running := r.monitors[clusterID]; running {
			continue
		}
		mctx, cancel := context.WithCancel(ctx)
		r.monitors[clusterID] = &monitor{entry: entry, cancel: cancel}
		go r.monitorLoop(mctx, entry)
		r.logger.Info().
			Str("cluster", clusterID).
			Int64("interval_seconds", entry.IntervalSeconds).
			Msg("started health monitor")
	}
}

// monitorLoop derives one check action per interval for the entry's cluster.
func (r *Registry) monitorLoop(ctx context.Context, entry *stores.HealthEntry) {
	interval := time.Duration(entry.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = r.checkInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.runCheck(ctx, entry); err != nil {
				r.metrics.HealthCheck(entry.CheckType, "error")
				r.logger.Error().Err(err).
					Str("cluster", entry.ClusterID).
					Msg("failed to derive health check")
				continue
			}
			r.metrics.HealthCheck(entry.CheckType, "dispatched")
		}
	}
}

// runCheck turns one monitor tick into a derived cluster check action and
// wakes the engines to claim it.
func (r *Registry) runCheck(ctx context.Context, entry *stores.HealthEntry) error {
	params := map[string]interface{}{}
	if entry.Params != "" {
		// Params were validated on registration.
		_ = json.Unmarshal([]byte(entry.Params), &params)
	}

	action, err := engine.NewAction(engine.ActionRequest{
		Name:     fmt.Sprintf("health_check_%s", entry.ClusterID),
		TargetID: entry.ClusterID,
		Verb:     engine.ClusterCheck,
		Cause:    stores.CauseDerived,
		Inputs:   params,
	}, r.actionTimeout, time.Now())
	if err != nil {
		return err
	}
	if err := r.store.CreateAction(ctx, action); err != nil {
		return engine.NewInfrastructureError("failed to create check action", err).WithTarget(entry.ClusterID)
	}

	// Best-effort wake; the poll loop is the backstop.
	if r.notifier != nil {
		_ = r.notifier.StartAction(ctx, "", action.ID)
	}
	return nil
}

// Monitored returns the cluster ids this engine currently runs monitors for.
func (r *Registry) Monitored() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.monitors))
	for id := range r.monitors {
		ids = append(ids, id)
	}
	return ids
}

func (r *Registry) stopMonitor(clusterID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.monitors[clusterID]; ok {
		m.cancel()
		delete(r.monitors, clusterID)
	}
}

func (r *Registry) stopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for clusterID, m := range r.monitors {
		m.cancel()
		delete(r.monitors, clusterID)
	}
}
