// Package config loads RuntimeConfig for deepresearchd: a YAML file layer
// under environment-variable overrides, under explicit caller overrides,
// with provenance tracked per field. Scoped to this system's two
// environment inputs (provider credential, default output directory) plus
// the engine's tunables.
package config

import (
	"os"
	"strconv"
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

const (
	DefaultDBPath         = "deep_research.db"
	DefaultOutputDir      = "~/deep-research-reports"
	DefaultSyncBudget     = 30 * time.Second
	DefaultPollInterval   = 10 * time.Second
	DefaultExecutorCap    = int64(3)
	DefaultMaxWaitHours   = 8
	DefaultModel          = "deep-research-default"
	DefaultProviderEnvKey = "DEEPRESEARCH_PROVIDER_CREDENTIAL"
)

// RuntimeConfig captures every setting the daemon needs at construction.
type RuntimeConfig struct {
	ProviderCredential string        `yaml:"provider_credential"`
	ProviderBaseURL    string        `yaml:"provider_base_url"`
	OutputDir          string        `yaml:"output_dir"`
	DBPath             string        `yaml:"db_path"`
	SyncBudget         time.Duration `yaml:"sync_budget"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	ExecutorCapacity   int64         `yaml:"executor_capacity"`
	MaxWaitHoursDefault int          `yaml:"max_wait_hours_default"`
	DefaultModel       string        `yaml:"default_model"`
	MetricsAddr        string        `yaml:"metrics_addr"`
}

// fileConfig mirrors RuntimeConfig's YAML-facing shape, with durations as
// plain seconds so the file format stays human-editable.
type fileConfig struct {
	ProviderCredential  string `yaml:"provider_credential"`
	ProviderBaseURL     string `yaml:"provider_base_url"`
	OutputDir           string `yaml:"output_dir"`
	DBPath              string `yaml:"db_path"`
	SyncBudgetSeconds   int    `yaml:"sync_budget_seconds"`
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
	ExecutorCapacity    int64  `yaml:"executor_capacity"`
	MaxWaitHoursDefault int    `yaml:"max_wait_hours_default"`
	DefaultModel        string `yaml:"default_model"`
	MetricsAddr         string `yaml:"metrics_addr"`
}

// Metadata carries provenance for each field name loaded by Load.
type Metadata struct {
	sources  map[string]ValueSource
	loadedAt time.Time
}

// Source returns the origin of field, defaulting to SourceDefault.
func (m Metadata) Source(field string) ValueSource {
	if m.sources == nil {
		return SourceDefault
	}
	if src, ok := m.sources[field]; ok {
		return src
	}
	return SourceDefault
}

// LoadedAt returns when Load constructed this configuration.
func (m Metadata) LoadedAt() time.Time { return m.loadedAt }

// EnvLookup resolves an environment variable, for injection in tests.
type EnvLookup func(string) (string, bool)

// Overrides conveys caller-specified values that win over file and env.
type Overrides struct {
	ProviderCredential *string
	ProviderBaseURL    *string
	OutputDir          *string
	DBPath             *string
}

// Option customises Load's behavior.
type Option func(*loadOptions)

type loadOptions struct {
	envLookup  EnvLookup
	readFile   func(string) ([]byte, error)
	overrides  Overrides
	configPath string
}

// WithEnv supplies a custom environment lookup, for tests.
func WithEnv(lookup EnvLookup) Option {
	return func(o *loadOptions) { o.envLookup = lookup }
}

// WithOverrides applies caller overrides at the highest precedence.
func WithOverrides(overrides Overrides) Option {
	return func(o *loadOptions) { o.overrides = overrides }
}

// WithConfigPath forces Load to read configuration from a specific file.
func WithConfigPath(path string) Option {
	return func(o *loadOptions) { o.configPath = path }
}

// WithFileReader injects a custom file reader, for tests.
func WithFileReader(reader func(string) ([]byte, error)) Option {
	return func(o *loadOptions) { o.readFile = reader }
}

// DefaultEnvLookup delegates to os.LookupEnv.
func DefaultEnvLookup(key string) (string, bool) { return os.LookupEnv(key) }

// Load merges defaults, an optional YAML file, environment variables, and
// explicit overrides, in that precedence order, returning provenance
// alongside the result.
func Load(opts ...Option) (RuntimeConfig, Metadata, error) {
	options := loadOptions{envLookup: DefaultEnvLookup, readFile: os.ReadFile}
	for _, opt := range opts {
		opt(&options)
	}

	meta := Metadata{sources: map[string]ValueSource{}, loadedAt: time.Now()}
	cfg := RuntimeConfig{
		OutputDir:           DefaultOutputDir,
		DBPath:              DefaultDBPath,
		SyncBudget:          DefaultSyncBudget,
		PollInterval:        DefaultPollInterval,
		ExecutorCapacity:    DefaultExecutorCap,
		MaxWaitHoursDefault: DefaultMaxWaitHours,
		DefaultModel:        DefaultModel,
	}

	if err := applyFile(&cfg, &meta, options); err != nil {
		return RuntimeConfig{}, Metadata{}, err
	}
	applyEnv(&cfg, &meta, options.envLookup)
	applyOverrides(&cfg, &meta, options.overrides)

	return cfg, meta, nil
}

func applyFile(cfg *RuntimeConfig, meta *Metadata, options loadOptions) error {
	if options.configPath == "" {
		return nil
	}
	raw, err := options.readFile(options.configPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return err
	}

	if fc.ProviderCredential != "" {
		cfg.ProviderCredential = fc.ProviderCredential
		meta.sources["provider_credential"] = SourceFile
	}
	if fc.ProviderBaseURL != "" {
		cfg.ProviderBaseURL = fc.ProviderBaseURL
		meta.sources["provider_base_url"] = SourceFile
	}
	if fc.OutputDir != "" {
		cfg.OutputDir = fc.OutputDir
		meta.sources["output_dir"] = SourceFile
	}
	if fc.DBPath != "" {
		cfg.DBPath = fc.DBPath
		meta.sources["db_path"] = SourceFile
	}
	if fc.SyncBudgetSeconds > 0 {
		cfg.SyncBudget = time.Duration(fc.SyncBudgetSeconds) * time.Second
		meta.sources["sync_budget"] = SourceFile
	}
	if fc.PollIntervalSeconds > 0 {
		cfg.PollInterval = time.Duration(fc.PollIntervalSeconds) * time.Second
		meta.sources["poll_interval"] = SourceFile
	}
	if fc.ExecutorCapacity > 0 {
		cfg.ExecutorCapacity = fc.ExecutorCapacity
		meta.sources["executor_capacity"] = SourceFile
	}
	if fc.MaxWaitHoursDefault > 0 {
		cfg.MaxWaitHoursDefault = fc.MaxWaitHoursDefault
		meta.sources["max_wait_hours_default"] = SourceFile
	}
	if fc.DefaultModel != "" {
		cfg.DefaultModel = fc.DefaultModel
		meta.sources["default_model"] = SourceFile
	}
	if fc.MetricsAddr != "" {
		cfg.MetricsAddr = fc.MetricsAddr
		meta.sources["metrics_addr"] = SourceFile
	}
	return nil
}

func applyEnv(cfg *RuntimeConfig, meta *Metadata, lookup EnvLookup) {
	if v, ok := lookup("DEEPRESEARCH_PROVIDER_CREDENTIAL"); ok && v != "" {
		cfg.ProviderCredential = v
		meta.sources["provider_credential"] = SourceEnv
	}
	if v, ok := lookup("DEEPRESEARCH_PROVIDER_BASE_URL"); ok && v != "" {
		cfg.ProviderBaseURL = v
		meta.sources["provider_base_url"] = SourceEnv
	}
	if v, ok := lookup("DEEPRESEARCH_OUTPUT_DIR"); ok && v != "" {
		cfg.OutputDir = v
		meta.sources["output_dir"] = SourceEnv
	}
	if v, ok := lookup("DEEPRESEARCH_DB_PATH"); ok && v != "" {
		cfg.DBPath = v
		meta.sources["db_path"] = SourceEnv
	}
	if v, ok := lookup("DEEPRESEARCH_SYNC_BUDGET_SECONDS"); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.SyncBudget = time.Duration(n) * time.Second
			meta.sources["sync_budget"] = SourceEnv
		}
	}
	if v, ok := lookup("DEEPRESEARCH_METRICS_ADDR"); ok && v != "" {
		cfg.MetricsAddr = v
		meta.sources["metrics_addr"] = SourceEnv
	}
}

func applyOverrides(cfg *RuntimeConfig, meta *Metadata, o Overrides) {
	if o.ProviderCredential != nil {
		cfg.ProviderCredential = *o.ProviderCredential
		meta.sources["provider_credential"] = SourceOverride
	}
	if o.ProviderBaseURL != nil {
		cfg.ProviderBaseURL = *o.ProviderBaseURL
		meta.sources["provider_base_url"] = SourceOverride
	}
	if o.OutputDir != nil {
		cfg.OutputDir = *o.OutputDir
		meta.sources["output_dir"] = SourceOverride
	}
	if o.DBPath != nil {
		cfg.DBPath = *o.DBPath
		meta.sources["db_path"] = SourceOverride
	}
}
