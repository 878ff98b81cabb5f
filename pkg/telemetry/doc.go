// Package telemetry provides comprehensive observability instrumentation for the engine.
//
// The telemetry package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and event publishing into a unified system
// for monitoring and debugging engine operations.
//
// # Architecture
//
// The telemetry system is built on four pillars:
//
//  1. Structured Logging - Context-aware logging with zerolog
//  2. Distributed Tracing - OpenTelemetry traces with multiple exporters
//  3. Metrics Collection - Prometheus metrics for operational insights
//  4. Event Publishing - Async event system for audit and notifications
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceName = "senlin-engine"
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	// Start metrics server
//	if err := tel.StartMetricsServer(); err != nil {
//	    log.Fatal(err)
//	}
//
// Add telemetry to context:
//
//	ctx = tel.WithContext(ctx)
//
// # Structured Logging
//
// The logger provides component-specific logging with automatic context propagation:
//
//	logger := tel.Logger.NewComponentLogger("scheduler")
//	logger = logger.WithActionID("action-123").WithTargetID("cluster-456")
//	logger.Info("Claiming ready action")
//	logger.WithError(err).Error("Claim failed")
//
// Log levels: trace, debug, info, warn, error, fatal
//
// # Distributed Tracing
//
// Tracing provides visibility into request flow and performance:
//
//	ctx, span := tel.Tracer.Start(ctx, "operation.name")
//	defer span.End()
//
//	// Add attributes
//	span.SetAttributes(
//	    attribute.String("action.id", actionID),
//	    attribute.String("action.verb", "CLUSTER_SCALE_OUT"),
//	)
//
//	// Record errors
//	if err != nil {
//	    telemetry.RecordError(span, err)
//	}
//
// Supported exporters: OTLP (production), Stdout (development), Jaeger (legacy)
//
// # Metrics
//
// Prometheus metrics track system behavior and performance:
//
//	// Record action execution
//	tel.Metrics.ActionStarted("CLUSTER_CREATE")
//	tel.Metrics.ActionFinished("CLUSTER_CREATE", "SUCCEEDED", duration)
//
//	// Record lock behavior
//	tel.Metrics.LockConflict("exclusive")
//	tel.Metrics.LockStolen()
//
//	// Record errors
//	tel.Metrics.RecordError("infrastructure_failure")
//
// Metrics are exposed via HTTP at /metrics (default: :9090/metrics)
//
// # Event Publishing
//
// The event system provides async publishing with buffering and filtering:
//
//	// Publish events
//	tel.Events.PublishActionStarted(actionID, verb, targetID, engineID)
//	tel.Events.PublishLockStolen(targetID, deadEngine, newEngine, generation)
//
//	// Subscribe to events
//	tel.Events.Subscribe(func(event telemetry.Event) {
//	    fmt.Printf("Event: %s - %s\n", event.Type, event.Message)
//	}, telemetry.FilterByLevel("warning"))
//
// Event filters: FilterByLevel, FilterByType, FilterByActionID, FilterByTargetID
//
// # Context Helpers
//
// High-level helpers simplify common instrumentation patterns:
//
//	// Instrument an operation
//	ic := telemetry.StartOperation(ctx, "scheduler.poll",
//	    attribute.String("engine.id", engineID))
//	defer ic.End(err)
//
//	ic.Logger.Info("Polling for ready actions")
//
//	// Action context
//	ctx = telemetry.WithActionContext(ctx, actionID, verb, targetID)
//	defer telemetry.EndActionContext(ctx, actionID, verb, status, err)
//
//	// Profile operation
//	err := telemetry.RecordProfileOperation(ctx, "os.nova.server", "create", func() error {
//	    return profile.DoCreate(ctx, targetID, params)
//	})
//
// # Configuration
//
// The package provides pre-configured setups for different environments:
//
//	// Development (verbose logging, stdout traces, full sampling)
//	cfg := telemetry.DevelopmentConfig()
//
//	// Production (JSON logs, OTLP traces, 10% sampling)
//	cfg := telemetry.ProductionConfig()
//
// # Graceful Shutdown
//
// Always shut down telemetry gracefully to flush pending data:
//
//	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
//	defer cancel()
//
//	if err := tel.Shutdown(ctx); err != nil {
//	    log.Printf("Telemetry shutdown error: %v", err)
//	}
//
// # Common Metrics
//
// Key metrics exposed:
//
//   - senlin_actions_started_total{verb}
//   - senlin_actions_finished_total{verb,status}
//   - senlin_action_duration_seconds{verb}
//   - senlin_actions_timed_out_total
//   - senlin_locks_acquired_total
//   - senlin_lock_conflicts_total{scope}
//   - senlin_locks_stolen_total
//   - senlin_batch_throttles_total
//   - senlin_dispatch_requests_total{operation,status}
//   - senlin_health_entries_claimed_total
//   - senlin_running_actions
//   - senlin_live_engines
//   - senlin_errors_by_class_total{class}
//
// # Security Considerations
//
//   - Never log sensitive data (credentials, keys, tokens)
//   - Use secure connections (TLS) for trace exporters in production
//   - Limit metrics endpoint access via network policies
package telemetry
