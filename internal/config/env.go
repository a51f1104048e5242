package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix prefixes every environment variable the loader reads.
const EnvPrefix = "FOREMAN_"

type envBinding struct {
	field string
	apply func(raw string) error
}

// envKey maps a dotted field to its variable: scaling.max_workers becomes
// FOREMAN_SCALING_MAX_WORKERS.
func envKey(field string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(field, ".", "_"))
}

func envBindings(cfg *Config) []envBinding {
	return []envBinding{
		str("environment", &cfg.Environment),
		str("log_level", &cfg.LogLevel),
		str("id_strategy", &cfg.IDStrategy),

		str("database.driver", &cfg.Database.Driver),
		str("database.url", &cfg.Database.URL),
		int32v("database.max_conns", &cfg.Database.MaxConns),
		boolean("database.migrate", &cfg.Database.Migrate),

		str("server.addr", &cfg.Server.Addr),
		duration("server.shutdown_timeout", &cfg.Server.ShutdownTimeout),

		str("coordinator.default_strategy", &cfg.Coordinator.DefaultStrategy),
		duration("coordinator.heartbeat_timeout", &cfg.Coordinator.HeartbeatTimeout),
		boolean("coordinator.escalate_route_failures", &cfg.Coordinator.EscalateRouteFailures),

		str("gates.default_repo", &cfg.Gates.DefaultRepo),
		duration("gates.check_timeout", &cfg.Gates.CheckTimeout),
		integer("gates.failure_threshold", &cfg.Gates.FailureThreshold),
		list("gates.review.automated_reviewers", &cfg.Gates.Review.AutomatedReviewers),
		boolean("gates.review.allow_automated_override", &cfg.Gates.Review.AllowAutomatedOverride),

		integer("scaling.min_workers", &cfg.Scaling.MinWorkers),
		integer("scaling.max_workers", &cfg.Scaling.MaxWorkers),
		integer("scaling.scale_up_threshold", &cfg.Scaling.ScaleUpThreshold),
		integer("scaling.scale_down_threshold", &cfg.Scaling.ScaleDownThreshold),
		duration("scaling.scale_up_cooldown", &cfg.Scaling.ScaleUpCooldown),
		duration("scaling.scale_down_cooldown", &cfg.Scaling.ScaleDownCooldown),
		duration("scaling.staleness_threshold", &cfg.Scaling.StalenessThreshold),
		boolean("scaling.provisioning.enabled", &cfg.Scaling.Provisioning.Enabled),
		str("scaling.provisioning.repo", &cfg.Scaling.Provisioning.Repo),
		str("scaling.provisioning.branch", &cfg.Scaling.Provisioning.Branch),

		list("server.allowed_origins", &cfg.Server.AllowedOrigins),

		integer("recovery.max_retries", &cfg.Recovery.MaxRetries),
		integer("recovery.dlq_max_retries", &cfg.Recovery.DLQMaxRetries),

		boolean("sweeper.enabled", &cfg.Sweeper.Enabled),

		str("github.token", &cfg.GitHub.Token),
		str("github.base_url", &cfg.GitHub.BaseURL),

		str("railway.token", &cfg.Railway.Token),
		str("railway.project_id", &cfg.Railway.ProjectID),
		str("railway.environment_id", &cfg.Railway.EnvironmentID),

		boolean("tracing.enabled", &cfg.Tracing.Enabled),
		str("tracing.exporter", &cfg.Tracing.Exporter),
		str("tracing.otlp_endpoint", &cfg.Tracing.OTLPEndpoint),
		str("tracing.zipkin_endpoint", &cfg.Tracing.ZipkinEndpoint),
	}
}

func applyEnv(cfg *Config, meta *Metadata, lookup EnvLookup) error {
	var errs []error
	for _, b := range envBindings(cfg) {
		key := envKey(b.field)
		value, ok := lookup(key)
		if !ok || strings.TrimSpace(value) == "" {
			continue
		}
		if err := b.apply(strings.TrimSpace(value)); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			continue
		}
		meta.sources[b.field] = SourceEnv
	}
	return errors.Join(errs...)
}

func str(field string, dst *string) envBinding {
	return envBinding{field: field, apply: func(raw string) error {
		*dst = raw
		return nil
	}}
}

func integer(field string, dst *int) envBinding {
	return envBinding{field: field, apply: func(raw string) error {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("invalid integer %q", raw)
		}
		*dst = v
		return nil
	}}
}

func int32v(field string, dst *int32) envBinding {
	return envBinding{field: field, apply: func(raw string) error {
		v, err := strconv.ParseInt(raw, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid integer %q", raw)
		}
		*dst = int32(v)
		return nil
	}}
}

func boolean(field string, dst *bool) envBinding {
	return envBinding{field: field, apply: func(raw string) error {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("invalid boolean %q", raw)
		}
		*dst = v
		return nil
	}}
}

func duration(field string, dst *time.Duration) envBinding {
	return envBinding{field: field, apply: func(raw string) error {
		v, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid duration %q", raw)
		}
		*dst = v
		return nil
	}}
}

func list(field string, dst *[]string) envBinding {
	return envBinding{field: field, apply: func(raw string) error {
		*dst = strings.Split(raw, ",")
		return nil
	}}
}
