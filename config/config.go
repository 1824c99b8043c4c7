// Package config loads durable settings from YAML with DURABLE_* environment
// overrides.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/deepnoodle-ai/durable"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "DURABLE_"

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Log formats.
const (
	LogFormatText = "text"
	LogFormatJSON = "json"
)

// Config is the complete configuration of a durable process.
type Config struct {
	Storage StorageConfig `yaml:"storage"`
	Redis   RedisConfig   `yaml:"redis"`
	Worker  WorkerConfig  `yaml:"worker"`
	Loop    LoopConfig    `yaml:"loop"`
	Log     LogConfig     `yaml:"log"`

	// AuditDir, if set, enables the file audit log in this directory.
	AuditDir string `yaml:"audit_dir,omitempty"`
}

// StorageConfig selects the storage backend. DSN is a file path for sqlite
// and a connection URL for postgres.
type StorageConfig struct {
	Driver   string `yaml:"driver"`
	DSN      string `yaml:"dsn,omitempty"`
	MaxConns int32  `yaml:"max_conns,omitempty"`
}

// RedisConfig enables Redis-based leases when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr,omitempty"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
	Prefix   string `yaml:"prefix,omitempty"`
}

// WorkerConfig tunes run execution.
type WorkerConfig struct {
	Owner        string        `yaml:"owner,omitempty"`
	AgentKind    string        `yaml:"agent_kind,omitempty"`
	Concurrency  int           `yaml:"concurrency"`
	LeaseTTL     time.Duration `yaml:"lease_ttl"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// LoopConfig sets the loop policies.
type LoopConfig struct {
	MaxIterations       int                         `yaml:"max_iterations"`
	MaxIterationsPolicy durable.MaxIterationsPolicy `yaml:"max_iterations_policy"`
	InFlightPolicy      durable.InFlightPolicy      `yaml:"in_flight_policy"`
}

// LogConfig sets the log level and handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Driver: DriverSQLite,
			DSN:    "durable.db",
		},
		Worker: WorkerConfig{
			Concurrency:  4,
			LeaseTTL:     30 * time.Second,
			PollInterval: time.Second,
		},
		Loop: LoopConfig{
			MaxIterations:       durable.DefaultMaxIterations,
			MaxIterationsPolicy: durable.MaxIterationsComplete,
			InFlightPolicy:      durable.InFlightReattempt,
		},
		Log: LogConfig{
			Level:  "info",
			Format: LogFormatText,
		},
	}
}

// Load returns the defaults, overlaid with the YAML file at path (skipped
// when path is empty) and then with environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config file: %w", err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadString parses YAML on top of the defaults without consulting the
// environment.
func LoadString(data string) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal([]byte(data), cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays values found through lookup, which is normally
// os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"STORAGE_DRIVER": &c.Storage.Driver,
		"STORAGE_DSN":    &c.Storage.DSN,
		"REDIS_ADDR":     &c.Redis.Addr,
		"REDIS_PASSWORD": &c.Redis.Password,
		"REDIS_PREFIX":   &c.Redis.Prefix,
		"WORKER_OWNER":   &c.Worker.Owner,
		"WORKER_AGENT":   &c.Worker.AgentKind,
		"LOG_LEVEL":      &c.Log.Level,
		"LOG_FORMAT":     &c.Log.Format,
		"AUDIT_DIR":      &c.AuditDir,
	}
	for name, dst := range strs {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"REDIS_DB":            &c.Redis.DB,
		"WORKER_CONCURRENCY":  &c.Worker.Concurrency,
		"LOOP_MAX_ITERATIONS": &c.Loop.MaxIterations,
	}
	for name, dst := range ints {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, err)
			}
			*dst = n
		}
	}

	durations := map[string]*time.Duration{
		"WORKER_LEASE_TTL":     &c.Worker.LeaseTTL,
		"WORKER_POLL_INTERVAL": &c.Worker.PollInterval,
	}
	for name, dst := range durations {
		if v, ok := lookup(EnvPrefix + name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, err)
			}
			*dst = d
		}
	}

	if v, ok := lookup(EnvPrefix + "LOOP_MAX_ITERATIONS_POLICY"); ok {
		c.Loop.MaxIterationsPolicy = durable.MaxIterationsPolicy(v)
	}
	if v, ok := lookup(EnvPrefix + "LOOP_IN_FLIGHT_POLICY"); ok {
		c.Loop.InFlightPolicy = durable.InFlightPolicy(v)
	}
	return nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage dsn is required for driver %q", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker concurrency must be at least 1")
	}
	if c.Worker.LeaseTTL <= 0 {
		return fmt.Errorf("worker lease ttl must be positive")
	}
	if c.Worker.PollInterval <= 0 {
		return fmt.Errorf("worker poll interval must be positive")
	}
	if c.Loop.MaxIterations < 1 {
		return fmt.Errorf("loop max iterations must be at least 1")
	}
	switch c.Loop.MaxIterationsPolicy {
	case durable.MaxIterationsComplete, durable.MaxIterationsFail:
	default:
		return fmt.Errorf("unknown max iterations policy %q", c.Loop.MaxIterationsPolicy)
	}
	switch c.Loop.InFlightPolicy {
	case durable.InFlightReattempt, durable.InFlightFail:
	default:
		return fmt.Errorf("unknown in-flight policy %q", c.Loop.InFlightPolicy)
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return fmt.Errorf("invalid log level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case LogFormatText, LogFormatJSON:
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}
