package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/robfig/cron/v3"

	"github.com/ekaya-inc/ekaya-navigator/pkg/adapters/datasource"
)

// AppName names the per-user config directory and the default log file.
const AppName = "ekaya-navigator"

// DefaultConfigFile is read from the working directory when no path is given.
const DefaultConfigFile = "config.yaml"

// Config holds all configuration for ekaya-navigator.
// Configuration can come from a YAML file or environment variables.
// Environment variables always override YAML values.
type Config struct {
	Version string `yaml:"-"` // Set at load time, not from config

	Store      StoreConfig      `yaml:"store"`
	Pool       PoolConfig       `yaml:"pool"`
	SchemaTree SchemaTreeConfig `yaml:"schema_tree"`
	Log        LogConfig        `yaml:"log"`

	// HealthCheckSchedule is a cron expression (e.g. "@every 1m", "*/5 * * * *").
	// Empty disables the health monitor.
	HealthCheckSchedule string `yaml:"health_check_schedule" env:"NAVIGATOR_HEALTH_CHECK_SCHEDULE" env-default:"@every 1m"`

	// Workers is the size of the background dispatcher.
	Workers int `yaml:"workers" env:"NAVIGATOR_WORKERS" env-default:"4" validate:"min=1,max=64"`

	// WatchConfig reloads connections when the connections file changes on disk.
	WatchConfig bool `yaml:"watch_config" env:"NAVIGATOR_WATCH_CONFIG" env-default:"true"`
}

// StoreConfig locates the persisted connections.
type StoreConfig struct {
	// Path to connections.json. Empty means <user config dir>/ekaya-navigator/connections.json.
	Path string `yaml:"path" env:"NAVIGATOR_CONNECTIONS_FILE" env-default:""`
}

// PoolConfig holds physical pool sizing and the idle eviction policy.
type PoolConfig struct {
	MinConns       int32         `yaml:"min_conns" env:"NAVIGATOR_POOL_MIN_CONNS" env-default:"5" validate:"min=0"`
	MaxConns       int32         `yaml:"max_conns" env:"NAVIGATOR_POOL_MAX_CONNS" env-default:"20" validate:"min=1,gtefield=MinConns"`
	IdleTimeout    time.Duration `yaml:"idle_timeout" env:"NAVIGATOR_POOL_IDLE_TIMEOUT" env-default:"600s" validate:"gt=0"`
	MaxLifetime    time.Duration `yaml:"max_lifetime" env:"NAVIGATOR_POOL_MAX_LIFETIME" env-default:"1800s" validate:"gt=0"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" env:"NAVIGATOR_POOL_CONNECT_TIMEOUT" env-default:"30s" validate:"gt=0"`

	// IdleEvictAfter closes pools with no bound component after this long
	// without use. Zero disables eviction.
	IdleEvictAfter  time.Duration `yaml:"idle_evict_after" env:"NAVIGATOR_POOL_IDLE_EVICT_AFTER" env-default:"10m" validate:"min=0"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" env:"NAVIGATOR_POOL_CLEANUP_INTERVAL" env-default:"1m" validate:"gt=0"`
}

// Datasource converts to the pool settings the driver consumes.
func (p PoolConfig) Datasource() datasource.PoolConfig {
	return datasource.DefaultPoolConfig().
		WithMinConns(p.MinConns).
		WithMaxConns(p.MaxConns).
		WithIdleTimeout(p.IdleTimeout).
		WithMaxLifetime(p.MaxLifetime).
		WithConnectTimeout(p.ConnectTimeout).
		Normalized()
}

// SchemaTreeConfig tunes the lazy schema tree loader.
type SchemaTreeConfig struct {
	CacheTTL time.Duration `yaml:"cache_ttl" env:"NAVIGATOR_TREE_CACHE_TTL" env-default:"30m" validate:"gt=0"`
	PageSize int           `yaml:"page_size" env:"NAVIGATOR_TREE_PAGE_SIZE" env-default:"100" validate:"min=1"`
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level string `yaml:"level" env:"NAVIGATOR_LOG_LEVEL" env-default:"info" validate:"oneof=debug info warn error"`
	// File is the rotated JSON log. Empty means <user config dir>/ekaya-navigator/logs/navigator.log;
	// "-" disables file logging.
	File       string `yaml:"file" env:"NAVIGATOR_LOG_FILE" env-default:""`
	MaxSizeMB  int    `yaml:"max_size_mb" env:"NAVIGATOR_LOG_MAX_SIZE_MB" env-default:"10" validate:"min=1"`
	MaxBackups int    `yaml:"max_backups" env:"NAVIGATOR_LOG_MAX_BACKUPS" env-default:"3" validate:"min=0"`
	MaxAgeDays int    `yaml:"max_age_days" env:"NAVIGATOR_LOG_MAX_AGE_DAYS" env-default:"28" validate:"min=0"`
	Console    bool   `yaml:"console" env:"NAVIGATOR_LOG_CONSOLE" env-default:"true"`
}

// Load reads configuration from path (config.yaml when empty) with
// environment variable overrides. A missing file is not an error; defaults
// and the environment apply. The version parameter is set on the returned
// Config.
func Load(path, version string) (*Config, error) {
	cfg := &Config{Version: version}

	explicit := path != ""
	if !explicit {
		path = DefaultConfigFile
	}

	_, statErr := os.Stat(path)
	switch {
	case statErr == nil:
		if err := cleanenv.ReadConfig(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
	case errors.Is(statErr, fs.ErrNotExist) && !explicit:
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("failed to read environment: %w", err)
		}
	default:
		return nil, fmt.Errorf("failed to read %s: %w", path, statErr)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

var scheduleParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Validate checks ranges and that the health check schedule parses.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.HealthCheckSchedule != "" {
		if _, err := scheduleParser.Parse(c.HealthCheckSchedule); err != nil {
			return fmt.Errorf("health_check_schedule %q: %w", c.HealthCheckSchedule, err)
		}
	}
	return nil
}

// ParseSchedule parses a health check schedule with the same rules Validate
// applies.
func ParseSchedule(expr string) (cron.Schedule, error) {
	return scheduleParser.Parse(expr)
}

// Usage renders the environment variables cleanenv understands.
func Usage() (string, error) {
	var cfg Config
	return cleanenv.GetDescription(&cfg, nil)
}
