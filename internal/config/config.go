// Package config loads foreman's layered configuration: built-in defaults,
// an optional YAML file, FOREMAN_* environment variables and caller
// overrides, in that order of precedence.
package config

import (
	"time"

	"foreman/internal/domain/scaling"
	"foreman/internal/infra/observability"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

// Config is the full service configuration.
type Config struct {
	Environment string `yaml:"environment"`
	LogLevel    string `yaml:"log_level"`
	// IDStrategy is ksuid or uuidv7.
	IDStrategy string `yaml:"id_strategy"`

	Database    DatabaseConfig              `yaml:"database"`
	Server      ServerConfig                `yaml:"server"`
	Coordinator CoordinatorConfig           `yaml:"coordinator"`
	Gates       GatesConfig                 `yaml:"gates"`
	Scaling     ScalingConfig               `yaml:"scaling"`
	Recovery    RecoveryConfig              `yaml:"recovery"`
	Sweeper     SweeperConfig               `yaml:"sweeper"`
	GitHub      GitHubConfig                `yaml:"github"`
	Railway     RailwayConfig               `yaml:"railway"`
	Tracing     observability.TracingConfig `yaml:"tracing"`
}

type DatabaseConfig struct {
	Driver   string `yaml:"driver"`
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"max_conns"`
	// Migrate applies the schema on start.
	Migrate bool `yaml:"migrate"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// AllowedOrigins enables CORS for the listed origins; "*" allows any.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type CoordinatorConfig struct {
	DefaultStrategy       string        `yaml:"default_strategy"`
	HeartbeatTimeout      time.Duration `yaml:"heartbeat_timeout"`
	EscalateRouteFailures bool          `yaml:"escalate_route_failures"`
}

type GatesConfig struct {
	DefaultRepo  string        `yaml:"default_repo"`
	CheckTimeout time.Duration `yaml:"check_timeout"`
	PRCacheSize  int           `yaml:"pr_cache_size"`
	PRCacheTTL   time.Duration `yaml:"pr_cache_ttl"`
	// FailureThreshold opens an escalation each time a gate has failed this
	// many times. Zero disables it.
	FailureThreshold int          `yaml:"failure_threshold"`
	Review           ReviewConfig `yaml:"review"`
}

// ReviewConfig decides how automated reviewers weigh against humans.
type ReviewConfig struct {
	AutomatedReviewers     []string `yaml:"automated_reviewers"`
	AllowAutomatedOverride bool     `yaml:"allow_automated_override"`
}

type ScalingConfig struct {
	scaling.Policy     `yaml:",inline"`
	StalenessThreshold time.Duration      `yaml:"staleness_threshold"`
	Concurrency        int                `yaml:"concurrency"`
	Provisioning       ProvisioningConfig `yaml:"provisioning"`
}

type ProvisioningConfig struct {
	Enabled            bool          `yaml:"enabled"`
	Repo               string        `yaml:"repo"`
	Branch             string        `yaml:"branch"`
	ServiceNamePrefix  string        `yaml:"service_name_prefix"`
	DeployTimeout      time.Duration `yaml:"deploy_timeout"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	HealthPath         string        `yaml:"health_path"`
	HealthAttempts     int           `yaml:"health_attempts"`
	HealthRetryDelay   time.Duration `yaml:"health_retry_delay"`
	HealthTimeout      time.Duration `yaml:"health_timeout"`
	WorkerRole         string        `yaml:"worker_role"`
	WorkerCapabilities []string      `yaml:"worker_capabilities"`
	WorkerCapacity     int           `yaml:"worker_capacity"`
}

type RecoveryConfig struct {
	MaxRetries    int              `yaml:"max_retries"`
	DLQMaxRetries int              `yaml:"dlq_max_retries"`
	Escalation    EscalationConfig `yaml:"escalation"`
}

// EscalationConfig holds per-level timeouts and sweep behaviour.
type EscalationConfig struct {
	WorkerTimeout          time.Duration `yaml:"worker_timeout"`
	OrchestratorTimeout    time.Duration `yaml:"orchestrator_timeout"`
	OwnerTimeout           time.Duration `yaml:"owner_timeout"`
	DefaultTimeout         time.Duration `yaml:"default_timeout"`
	AutoResolveWhenCleared bool          `yaml:"auto_resolve_when_cleared"`
	AutoResolveAtCeiling   bool          `yaml:"auto_resolve_at_ceiling"`
}

type SweeperConfig struct {
	Enabled            bool          `yaml:"enabled"`
	AdvanceSchedule    string        `yaml:"advance_schedule"`
	EscalationSchedule string        `yaml:"escalation_schedule"`
	ScalingSchedule    string        `yaml:"scaling_schedule"`
	ReaperSchedule     string        `yaml:"reaper_schedule"`
	JobTimeout         time.Duration `yaml:"job_timeout"`
	ConcurrencyPolicy  string        `yaml:"concurrency_policy"`
	AdvanceBatch       int           `yaml:"advance_batch"`
}

type GitHubConfig struct {
	Token            string `yaml:"token"`
	BaseURL          string `yaml:"base_url"`
	MaxSearchResults int    `yaml:"max_search_results"`
}

type RailwayConfig struct {
	Endpoint          string `yaml:"endpoint"`
	Token             string `yaml:"token"`
	ProjectID         string `yaml:"project_id"`
	EnvironmentID     string `yaml:"environment_id"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
}

// Configured reports whether enough credentials are present to build a client.
func (c GitHubConfig) Configured() bool { return c.Token != "" }

func (c RailwayConfig) Configured() bool {
	return c.Token != "" && c.ProjectID != "" && c.EnvironmentID != ""
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Environment: "development",
		LogLevel:    "info",
		IDStrategy:  "ksuid",
		Database: DatabaseConfig{
			Driver:   DriverMemory,
			MaxConns: 10,
		},
		Server: ServerConfig{
			Addr:            ":9090",
			ShutdownTimeout: 15 * time.Second,
		},
		Coordinator: CoordinatorConfig{
			DefaultStrategy:       "least_loaded",
			HeartbeatTimeout:      60 * time.Second,
			EscalateRouteFailures: true,
		},
		Gates: GatesConfig{
			CheckTimeout:     30 * time.Second,
			PRCacheSize:      512,
			PRCacheTTL:       10 * time.Minute,
			FailureThreshold: 3,
		},
		Scaling: ScalingConfig{
			Policy:             scaling.DefaultPolicy(),
			StalenessThreshold: 2 * time.Minute,
			Concurrency:        4,
			Provisioning: ProvisioningConfig{
				Branch:            "main",
				ServiceNamePrefix: "foreman-worker",
				DeployTimeout:     10 * time.Minute,
				PollInterval:      10 * time.Second,
				HealthPath:        "/health",
				HealthAttempts:    5,
				HealthRetryDelay:  5 * time.Second,
				HealthTimeout:     10 * time.Second,
				WorkerCapacity:    3,
			},
		},
		Recovery: RecoveryConfig{
			MaxRetries:    3,
			DLQMaxRetries: 3,
			Escalation: EscalationConfig{
				WorkerTimeout:          30 * time.Minute,
				OrchestratorTimeout:    2 * time.Hour,
				OwnerTimeout:           24 * time.Hour,
				DefaultTimeout:         time.Hour,
				AutoResolveWhenCleared: true,
			},
		},
		Sweeper: SweeperConfig{
			Enabled:            true,
			AdvanceSchedule:    "@every 30s",
			EscalationSchedule: "@every 1m",
			ScalingSchedule:    "@every 1m",
			ReaperSchedule:     "@every 30s",
			JobTimeout:         2 * time.Minute,
			ConcurrencyPolicy:  "skip",
			AdvanceBatch:       100,
		},
		GitHub:  GitHubConfig{MaxSearchResults: 20},
		Railway: RailwayConfig{RequestsPerMinute: 60},
		Tracing: observability.TracingConfig{
			Exporter:    "otlp",
			ServiceName: "foreman",
			SampleRate:  1.0,
		},
	}
}
