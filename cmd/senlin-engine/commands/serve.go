package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openstack-archive/senlin-sub004/pkg/config"
	"github.com/openstack-archive/senlin-sub004/pkg/dispatch"
	"github.com/openstack-archive/senlin-sub004/pkg/engine"
	"github.com/openstack-archive/senlin-sub004/pkg/health"
	"github.com/openstack-archive/senlin-sub004/pkg/lock"
	"github.com/openstack-archive/senlin-sub004/pkg/policy"
	"github.com/openstack-archive/senlin-sub004/pkg/profiles"
	"github.com/openstack-archive/senlin-sub004/pkg/stores"
	"github.com/openstack-archive/senlin-sub004/pkg/telemetry"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine daemon",
		Long: `Start this engine: register its identity, serve the inter-engine dispatch
API, pump ready actions through the executor and, when enabled, claim a
share of the cluster health-check duty.

The engine identity token is regenerated on every start; peers recognize a
restarted engine as a new member and reclaim whatever it held.`,
		Example: `  # Run with built-in defaults (SQLite file in the working directory)
  senlin-engine serve

  # Run against a config file; throttle changes apply without restart
  senlin-engine serve --config /etc/senlin/engine.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}

	return cmd
}

// localWaker forwards wake-ups addressed to this engine straight to the
// scheduler, skipping the HTTP round trip. The indirection exists because
// the dispatch client is constructed before the scheduler.
type localWaker struct {
	scheduler *engine.Scheduler
}

func (w *localWaker) Wake() {
	if w.scheduler != nil {
		w.scheduler.Wake()
	}
}

func runServe(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	tel, err := telemetry.NewTelemetry(cfg.BuildTelemetryConfig())
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	logger := tel.Logger.Zerolog()
	ctx = tel.WithContext(ctx)

	store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Database.Path})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate store: %w", err)
	}

	policies, err := policy.NewEngine(store, cfg.Policy.CooldownWindow, tel.Events, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize policy engine: %w", err)
	}
	if cfg.Policy.RulesDir != "" {
		if err := policies.LoadRules(ctx, []string{cfg.Policy.RulesDir}); err != nil {
			return fmt.Errorf("failed to load policy rules: %w", err)
		}
	}

	registry := profiles.NewRegistry()
	if err := registry.Register(profiles.NewNoopProfile()); err != nil {
		return err
	}

	advertise := cfg.Dispatch.AdvertiseAddress
	if advertise == "" {
		advertise = cfg.Dispatch.ListenAddress
	}
	identity := engine.NewIdentity(advertise, time.Now())
	logger.Info().
		Str("engine", identity.ID).
		Str("name", cfg.Engine.Name).
		Str("address", advertise).
		Msg("engine identity created")

	locks := lock.NewManager(store, tel.Metrics, tel.Events, logger, lock.Options{
		EngineID:         identity.ID,
		MaxSharedHolders: cfg.Engine.MaxSharedHolders,
		LivenessWindow:   cfg.Engine.LockLivenessWindow,
	})

	waker := &localWaker{}
	notifier := dispatch.NewClient(store, tel.Metrics, logger, dispatch.ClientOptions{
		SelfEngineID:   identity.ID,
		Local:          waker,
		RequestTimeout: cfg.Dispatch.RequestTimeout,
		LivenessWindow: cfg.Engine.LockLivenessWindow,
	})

	executor := engine.NewExecutor(store, locks, registry, policies, notifier, tel.Metrics, tel.Tracer.Tracer(), logger, engine.ExecutorOptions{
		EngineID: identity.ID,
		Events:   tel.Events,
	})
	scheduler := engine.NewScheduler(store, executor, tel.Metrics, logger, engine.SchedulerOptions{
		EngineID:           identity.ID,
		Address:            advertise,
		MaxActionsPerBatch: cfg.Engine.MaxActionsPerBatch,
		BatchInterval:      cfg.Engine.BatchInterval,
		PollInterval:       cfg.Engine.PollInterval,
		PeriodicInterval:   cfg.Engine.PeriodicInterval,
		MaxWorkers:         cfg.Engine.MaxWorkers,
		ShutdownGrace:      cfg.Engine.ShutdownGrace,
	})
	waker.scheduler = scheduler

	var healthRegistry *health.Registry
	var healthAdmin dispatch.HealthAdmin
	if cfg.Health.Enabled {
		healthRegistry = health.NewRegistry(store, notifier, tel.Metrics, tel.Events, logger, health.Options{
			EngineID:       identity.ID,
			ClaimInterval:  cfg.Health.ClaimInterval,
			CheckInterval:  cfg.Health.CheckInterval,
			ActionTimeout:  cfg.Engine.DefaultActionTimeout,
			LivenessWindow: cfg.Health.EngineLivenessWindow,
		})
		healthAdmin = healthRegistry
	}

	server := dispatch.NewServer(scheduler, healthAdmin, logger, dispatch.ServerOptions{
		ListenAddress:  cfg.Dispatch.ListenAddress,
		MetricsHandler: tel.Metrics.Handler(),
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			errCh <- err
		}
	}()

	if healthRegistry != nil {
		go healthRegistry.Run(runCtx)
	}

	if configPath != "" {
		watcher := config.NewWatcher(configPath, cfg, logger)
		watcher.OnReload(func(next *config.Config) {
			scheduler.SetThrottle(next.Engine.MaxActionsPerBatch, next.Engine.BatchInterval)
		})
		go func() {
			if err := watcher.Watch(runCtx); err != nil {
				logger.Warn().Err(err).Msg("config watcher stopped")
			}
		}()
	}

	schedErr := make(chan error, 1)
	go func() {
		schedErr <- scheduler.Run(runCtx)
	}()

	var runErr error
	select {
	case runErr = <-errCh:
		// Listener failure: stop the scheduler and drain.
		cancel()
		<-schedErr
	case runErr = <-schedErr:
	case <-ctx.Done():
		cancel()
		runErr = <-schedErr
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("dispatch server shutdown failed")
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("telemetry shutdown failed")
	}

	if runErr != nil && runCtx.Err() == nil {
		return runErr
	}
	logger.Info().Str("engine", identity.ID).Msg("engine stopped")
	return nil
}
