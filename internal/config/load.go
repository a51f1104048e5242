package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ValueSource describes where a configuration value originated from.
type ValueSource string

const (
	SourceDefault  ValueSource = "default"
	SourceFile     ValueSource = "file"
	SourceEnv      ValueSource = "environment"
	SourceOverride ValueSource = "override"
)

// EnvPathVar names the variable that points at the YAML file when no path
// is given explicitly.
const EnvPathVar = "FOREMAN_CONFIG"

// Metadata contains provenance details for loaded configuration.
type Metadata struct {
	sources  map[string]ValueSource
	path     string
	loadedAt time.Time
}

// Source returns the origin of a dotted field such as "scaling.max_workers".
func (m Metadata) Source(field string) ValueSource {
	if src, ok := m.sources[field]; ok {
		return src
	}
	return SourceDefault
}

// Path is the file that was read, empty when none was.
func (m Metadata) Path() string { return m.path }

func (m Metadata) LoadedAt() time.Time { return m.loadedAt }

// Overrides carry caller-specified values that win over env and file.
type Overrides struct {
	LogLevel        *string
	DatabaseDriver  *string
	DatabaseURL     *string
	ServerAddr      *string
	DefaultStrategy *string
	SweeperEnabled  *bool
}

// EnvLookup resolves the value for an environment variable.
type EnvLookup func(string) (string, bool)

// DefaultEnvLookup delegates to os.LookupEnv.
func DefaultEnvLookup(key string) (string, bool) {
	return os.LookupEnv(key)
}

// Option customises the loader behaviour.
type Option func(*loadOptions)

type loadOptions struct {
	envLookup  EnvLookup
	readFile   func(string) ([]byte, error)
	overrides  Overrides
	configPath string
}

// WithEnv supplies a custom environment lookup implementation.
func WithEnv(lookup EnvLookup) Option {
	return func(o *loadOptions) { o.envLookup = lookup }
}

// WithOverrides applies caller overrides that take highest precedence.
func WithOverrides(overrides Overrides) Option {
	return func(o *loadOptions) { o.overrides = overrides }
}

// WithConfigPath forces the loader to read a specific file. A missing file
// at an explicit path is an error.
func WithConfigPath(path string) Option {
	return func(o *loadOptions) { o.configPath = path }
}

// WithFileReader injects a custom reader, used primarily for tests.
func WithFileReader(reader func(string) ([]byte, error)) Option {
	return func(o *loadOptions) { o.readFile = reader }
}

// Load merges defaults, file, env and overrides, then validates the result.
func Load(opts ...Option) (Config, Metadata, error) {
	options := loadOptions{
		envLookup: DefaultEnvLookup,
		readFile:  os.ReadFile,
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.envLookup == nil {
		options.envLookup = DefaultEnvLookup
	}

	meta := Metadata{sources: map[string]ValueSource{}, loadedAt: time.Now()}
	cfg := Defaults()

	if err := applyFile(&cfg, &meta, options); err != nil {
		return Config{}, Metadata{}, err
	}
	if err := applyEnv(&cfg, &meta, options.envLookup); err != nil {
		return Config{}, Metadata{}, err
	}
	applyOverrides(&cfg, &meta, options.overrides)
	normalize(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, Metadata{}, err
	}
	return cfg, meta, nil
}

func applyFile(cfg *Config, meta *Metadata, opts loadOptions) error {
	path := strings.TrimSpace(opts.configPath)
	explicit := path != ""
	if !explicit {
		if value, ok := opts.envLookup(EnvPathVar); ok {
			path = strings.TrimSpace(value)
		}
	}
	if path == "" {
		return nil
	}

	data, err := opts.readFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		meta.path = path
		return nil
	}

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	meta.path = path
	recordFileSources(&root, "", meta)
	return nil
}

// recordFileSources marks every leaf key present in the document.
func recordFileSources(node *yaml.Node, prefix string, meta *Metadata) {
	if node.Kind == yaml.DocumentNode && len(node.Content) > 0 {
		recordFileSources(node.Content[0], prefix, meta)
		return
	}
	if node.Kind != yaml.MappingNode {
		if prefix != "" {
			meta.sources[prefix] = SourceFile
		}
		return
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		if prefix != "" {
			key = prefix + "." + key
		}
		recordFileSources(node.Content[i+1], key, meta)
	}
}

func applyOverrides(cfg *Config, meta *Metadata, o Overrides) {
	set := func(field string) { meta.sources[field] = SourceOverride }
	if o.LogLevel != nil {
		cfg.LogLevel = *o.LogLevel
		set("log_level")
	}
	if o.DatabaseDriver != nil {
		cfg.Database.Driver = *o.DatabaseDriver
		set("database.driver")
	}
	if o.DatabaseURL != nil {
		cfg.Database.URL = *o.DatabaseURL
		set("database.url")
	}
	if o.ServerAddr != nil {
		cfg.Server.Addr = *o.ServerAddr
		set("server.addr")
	}
	if o.DefaultStrategy != nil {
		cfg.Coordinator.DefaultStrategy = *o.DefaultStrategy
		set("coordinator.default_strategy")
	}
	if o.SweeperEnabled != nil {
		cfg.Sweeper.Enabled = *o.SweeperEnabled
		set("sweeper.enabled")
	}
}

func normalize(cfg *Config) {
	cfg.Environment = strings.TrimSpace(cfg.Environment)
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.Database.Driver = strings.ToLower(strings.TrimSpace(cfg.Database.Driver))
	cfg.Database.URL = strings.TrimSpace(cfg.Database.URL)
	if cfg.Database.Driver == "" && cfg.Database.URL != "" {
		cfg.Database.Driver = DriverPostgres
	}
	cfg.Coordinator.DefaultStrategy = strings.ToLower(strings.TrimSpace(cfg.Coordinator.DefaultStrategy))
	cfg.GitHub.Token = strings.TrimSpace(cfg.GitHub.Token)
	cfg.Railway.Token = strings.TrimSpace(cfg.Railway.Token)
	cfg.Scaling.Provisioning.WorkerCapabilities = dedupe(cfg.Scaling.Provisioning.WorkerCapabilities)
	cfg.Gates.Review.AutomatedReviewers = dedupe(cfg.Gates.Review.AutomatedReviewers)
}

func dedupe(items []string) []string {
	if len(items) == 0 {
		return items
	}
	out := items[:0]
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		trimmed := strings.TrimSpace(item)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}
