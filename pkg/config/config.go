package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openstack-archive/senlin-sub004/pkg/telemetry"
)

// Config is the root engine configuration, loaded from a YAML file and
// validated before use.
type Config struct {
	// Engine contains the scheduler and executor settings.
	Engine EngineConfig `yaml:"engine" validate:"required"`

	// Database contains the persistence settings.
	Database DatabaseConfig `yaml:"database" validate:"required"`

	// Dispatch contains the inter-engine transport settings.
	Dispatch DispatchConfig `yaml:"dispatch"`

	// Health contains the health-monitoring settings.
	Health HealthConfig `yaml:"health"`

	// Policy contains the policy-engine settings.
	Policy PolicyConfig `yaml:"policy"`

	// Telemetry contains logging, tracing, metrics and event settings.
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// EngineConfig configures the per-engine scheduler and executor.
type EngineConfig struct {
	// Name is a stable human-readable name for this engine; the runtime
	// identity token is regenerated on every start.
	Name string `yaml:"name"`

	// MaxActionsPerBatch bounds consecutive node-scoped action launches
	// before the scheduler sleeps for BatchInterval. Zero disables
	// throttling.
	MaxActionsPerBatch int `yaml:"max_actions_per_batch" validate:"min=0"`

	// BatchInterval is the sleep inserted between batches.
	BatchInterval time.Duration `yaml:"batch_interval" validate:"min=0"`

	// DefaultActionTimeout applies to actions created without an explicit
	// timeout.
	DefaultActionTimeout time.Duration `yaml:"default_action_timeout" validate:"required,min=1s"`

	// PollInterval is the backstop cadence for claiming ready actions.
	PollInterval time.Duration `yaml:"poll_interval" validate:"min=0"`

	// PeriodicInterval drives the liveness heartbeat and timeout sweep.
	PeriodicInterval time.Duration `yaml:"periodic_interval" validate:"min=0"`

	// MaxWorkers bounds concurrently executing actions per engine.
	MaxWorkers int `yaml:"max_workers" validate:"min=0"`

	// ShutdownGrace bounds how long shutdown waits for in-flight actions
	// before deregistering the engine.
	ShutdownGrace time.Duration `yaml:"shutdown_grace" validate:"min=0"`

	// MaxSharedHolders bounds concurrent holders of a shared target lock.
	MaxSharedHolders int `yaml:"max_shared_holders" validate:"min=0"`

	// LockLivenessWindow is how recently a lock holder must have
	// heartbeated to be considered alive.
	LockLivenessWindow time.Duration `yaml:"lock_liveness_window" validate:"min=0"`
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	// Path is the SQLite database file, or ":memory:" for tests.
	Path string `yaml:"path" validate:"required"`

	// BusyTimeout is passed to the driver for lock contention.
	BusyTimeout time.Duration `yaml:"busy_timeout" validate:"min=0"`
}

// DispatchConfig configures the inter-engine HTTP transport.
type DispatchConfig struct {
	// ListenAddress is where this engine accepts peer requests.
	ListenAddress string `yaml:"listen_address"`

	// AdvertiseAddress is the address peers use to reach this engine.
	// Defaults to ListenAddress.
	AdvertiseAddress string `yaml:"advertise_address"`

	// RequestTimeout bounds each outbound peer request.
	RequestTimeout time.Duration `yaml:"request_timeout" validate:"min=0"`
}

// HealthConfig configures the health-monitoring duty loop.
type HealthConfig struct {
	// Enabled controls whether this engine participates in health duty.
	Enabled bool `yaml:"enabled"`

	// ClaimInterval is how often the engine scans for orphaned duties.
	ClaimInterval time.Duration `yaml:"claim_interval" validate:"min=0"`

	// CheckInterval is the default per-cluster check cadence for
	// registrations that do not specify one.
	CheckInterval time.Duration `yaml:"check_interval" validate:"min=0"`

	// EngineLivenessWindow is how recently a duty-holding engine must have
	// heartbeated before its duties are reclaimed.
	EngineLivenessWindow time.Duration `yaml:"engine_liveness_window" validate:"min=0"`
}

// PolicyConfig configures the policy engine.
type PolicyConfig struct {
	// CooldownWindow is the default cooldown applied after a policy-guarded
	// mutation when the binding does not specify one.
	CooldownWindow time.Duration `yaml:"cooldown_window" validate:"min=0"`

	// RulesDir holds additional Rego rule files loaded at startup.
	RulesDir string `yaml:"rules_dir"`
}

// TelemetryConfig mirrors the telemetry package configuration in YAML form.
type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	Environment    string `yaml:"environment"`

	LogLevel  string `yaml:"log_level" validate:"omitempty,oneof=trace debug info warn error fatal"`
	LogFormat string `yaml:"log_format" validate:"omitempty,oneof=console json"`

	TracingEnabled  bool    `yaml:"tracing_enabled"`
	TracingExporter string  `yaml:"tracing_exporter" validate:"omitempty,oneof=jaeger otlp stdout none"`
	TracingEndpoint string  `yaml:"tracing_endpoint"`
	SamplingRate    float64 `yaml:"sampling_rate" validate:"min=0,max=1"`

	MetricsEnabled bool   `yaml:"metrics_enabled"`
	MetricsAddress string `yaml:"metrics_address"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			Name:                 "senlin-engine",
			MaxActionsPerBatch:   0,
			BatchInterval:        3 * time.Second,
			DefaultActionTimeout: time.Hour,
			PollInterval:         5 * time.Second,
			PeriodicInterval:     15 * time.Second,
			MaxWorkers:           10,
			ShutdownGrace:        30 * time.Second,
			MaxSharedHolders:     8,
			LockLivenessWindow:   2 * time.Minute,
		},
		Database: DatabaseConfig{
			Path:        "senlin.db",
			BusyTimeout: 5 * time.Second,
		},
		Dispatch: DispatchConfig{
			ListenAddress:  ":8778",
			RequestTimeout: 5 * time.Second,
		},
		Health: HealthConfig{
			Enabled:              true,
			ClaimInterval:        30 * time.Second,
			CheckInterval:        time.Minute,
			EngineLivenessWindow: 2 * time.Minute,
		},
		Policy: PolicyConfig{
			CooldownWindow: time.Minute,
		},
		Telemetry: TelemetryConfig{
			ServiceName:     "senlin-engine",
			ServiceVersion:  "dev",
			Environment:     "development",
			LogLevel:        "info",
			LogFormat:       "console",
			TracingEnabled:  false,
			TracingExporter: "stdout",
			SamplingRate:    1.0,
			MetricsEnabled:  true,
			MetricsAddress:  ":9090",
		},
	}
}

// Load reads and validates the configuration file at path. Absent fields
// keep their defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration against its struct tags plus the
// cross-field rules the tags cannot express.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Engine.MaxActionsPerBatch > 0 && c.Engine.BatchInterval <= 0 {
		return fmt.Errorf("invalid configuration: batch_interval must be positive when max_actions_per_batch is set")
	}
	return nil
}

// BuildTelemetryConfig converts the YAML telemetry block to the telemetry
// package's native configuration.
func (c *Config) BuildTelemetryConfig() *telemetry.Config {
	tc := telemetry.DefaultConfig()
	if c.Telemetry.ServiceName != "" {
		tc.ServiceName = c.Telemetry.ServiceName
	}
	if c.Telemetry.ServiceVersion != "" {
		tc.ServiceVersion = c.Telemetry.ServiceVersion
	}
	if c.Telemetry.Environment != "" {
		tc.Environment = c.Telemetry.Environment
	}
	if c.Telemetry.LogLevel != "" {
		tc.Logging.Level = c.Telemetry.LogLevel
	}
	if c.Telemetry.LogFormat != "" {
		tc.Logging.Format = c.Telemetry.LogFormat
	}
	tc.Tracing.Enabled = c.Telemetry.TracingEnabled
	if c.Telemetry.TracingExporter != "" {
		tc.Tracing.Exporter = c.Telemetry.TracingExporter
	}
	tc.Tracing.Endpoint = c.Telemetry.TracingEndpoint
	if c.Telemetry.SamplingRate > 0 {
		tc.Tracing.SamplingRate = c.Telemetry.SamplingRate
	}
	tc.Metrics.Enabled = c.Telemetry.MetricsEnabled
	if c.Telemetry.MetricsAddress != "" {
		tc.Metrics.ListenAddress = c.Telemetry.MetricsAddress
	}
	return tc
}
