// Package config handles YAML configuration loading with environment variable expansion.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"time"

	"github.com/robfig/cron/v3"
	"go.yaml.in/yaml/v3"

	ledger "github.com/eugener/tokenledger/internal"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverMemory   = "memory"
)

// Config is the top-level ledger configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Limiters  []LimiterEntry  `yaml:"limiters"`
	Subjects  []SubjectEntry  `yaml:"subjects"`
	Cache     CacheConfig     `yaml:"cache"`
	Usage     UsageConfig     `yaml:"usage"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Log       LogConfig       `yaml:"log"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig selects and configures the ledger store.
type DatabaseConfig struct {
	Driver        string `yaml:"driver"` // sqlite, postgres, redis, memory
	DSN           string `yaml:"dsn"`    // sqlite file path or postgres URL
	TablePrefix   string `yaml:"table_prefix"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	KeyPrefix     string `yaml:"key_prefix"`
}

// LimiterEntry defines one quota limiter.
type LimiterEntry struct {
	Name             string       `yaml:"name"` // defaults to the scope's limiter name
	Scope            ledger.Scope `yaml:"scope"`
	InitialQuota     int64        `yaml:"initial_quota"`
	IncreaseBy       int64        `yaml:"increase_by"`
	RevokeSchedule   string       `yaml:"revoke_schedule"`   // cron, empty = never
	IncreaseSchedule string       `yaml:"increase_schedule"` // cron, empty = never
}

// ResolvedName returns Name if set, otherwise the scope's reporting name.
func (l LimiterEntry) ResolvedName() string {
	if l.Name != "" {
		return l.Name
	}
	return l.Scope.LimiterName()
}

// SubjectEntry seeds one ledger row at startup.
type SubjectEntry struct {
	Scope ledger.Scope `yaml:"scope"`
	ID    string       `yaml:"id"`
}

// CacheConfig sizes the in-process set of subjects known to be initialized.
type CacheConfig struct {
	Enabled bool          `yaml:"enabled"`
	MaxSize int           `yaml:"max_size"`
	TTL     time.Duration `yaml:"ttl"`
}

// UsageConfig controls token usage history.
type UsageConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// SlogLevel parses Level, defaulting to info.
func (l LogConfig) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Default returns a configuration with every default populated.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:    DriverSQLite,
			DSN:       "tokenledger.db",
			KeyPrefix: "tokenledger:",
		},
		Cache: CacheConfig{
			Enabled: true,
			MaxSize: 100_000,
			TTL:     10 * time.Minute,
		},
		Usage: UsageConfig{Enabled: true},
		Log:   LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads and parses a YAML config file, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.Database.Driver {
	case DriverSQLite, DriverPostgres:
		if c.Database.DSN == "" {
			errs = append(errs, fmt.Errorf("database.dsn is required for driver %q", c.Database.Driver))
		}
	case DriverRedis:
		if c.Database.RedisAddr == "" {
			errs = append(errs, errors.New("database.redis_addr is required for driver \"redis\""))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not supported", c.Database.Driver))
	}

	if len(c.Limiters) == 0 {
		errs = append(errs, errors.New("at least one limiter is required"))
	}
	names := make(map[string]bool, len(c.Limiters))
	scopes := make(map[ledger.Scope]bool, len(c.Limiters))
	for i, l := range c.Limiters {
		if !l.Scope.Valid() {
			errs = append(errs, fmt.Errorf("limiters[%d]: invalid scope %q", i, l.Scope))
		}
		if l.InitialQuota < 0 || l.IncreaseBy < 0 {
			errs = append(errs, fmt.Errorf("limiters[%d]: quotas must be non-negative", i))
		}
		name := l.ResolvedName()
		if names[name] {
			errs = append(errs, fmt.Errorf("limiters[%d]: duplicate name %q", i, name))
		}
		names[name] = true
		// Rows are keyed by (subject, scope); a second limiter on the same
		// scope would debit the same row.
		if scopes[l.Scope] {
			errs = append(errs, fmt.Errorf("limiters[%d]: scope %q already has a limiter", i, l.Scope))
		}
		scopes[l.Scope] = true
		for _, spec := range []string{l.RevokeSchedule, l.IncreaseSchedule} {
			if spec == "" {
				continue
			}
			if _, err := cron.ParseStandard(spec); err != nil {
				errs = append(errs, fmt.Errorf("limiters[%d]: invalid schedule %q: %w", i, spec, err))
			}
		}
	}

	for i, s := range c.Subjects {
		if s.ID == "" {
			errs = append(errs, fmt.Errorf("subjects[%d]: id is required", i))
		}
		if !scopes[s.Scope] {
			errs = append(errs, fmt.Errorf("subjects[%d]: no limiter for scope %q", i, s.Scope))
		}
	}

	if c.Cache.Enabled && c.Cache.MaxSize <= 0 {
		errs = append(errs, errors.New("cache.max_size must be positive"))
	}
	if c.Telemetry.Tracing.Enabled && c.Telemetry.Tracing.Endpoint == "" {
		errs = append(errs, errors.New("telemetry.tracing.endpoint is required when tracing is enabled"))
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not supported", c.Log.Format))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
