// Package config provides configuration management for Conductor. Settings
// come from environment variables with the CONDUCTOR_ prefix, with sensible
// defaults for every option; a YAML config file can overlay the environment
// when deployments prefer files over env vars.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration settings for the Conductor engine.
type Config struct {
	Storage   StorageConfig   `yaml:"storage"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Memory    MemoryConfig    `yaml:"memory"`
	Knowledge KnowledgeConfig `yaml:"knowledge"`
}

// StorageConfig selects and locates the persistence backend.
type StorageConfig struct {
	// Engine is the storage backend: "sqlite" or "postgres".
	Engine string `yaml:"engine"`

	// DataPath is the directory holding the sqlite database file.
	DataPath string `yaml:"data_path"`

	// PostgresDSN is the connection string used when Engine is "postgres".
	PostgresDSN string `yaml:"postgres_dsn"`
}

// SchedulerConfig holds the task lifecycle policy knobs.
type SchedulerConfig struct {
	MaxRetries        int           `yaml:"max_retries"`
	BackoffBase       time.Duration `yaml:"backoff_base"`
	BackoffCap        time.Duration `yaml:"backoff_cap"`
	Propagation       string        `yaml:"propagation"` // best_effort or fail_fast
	Workers           int           `yaml:"workers"`
	DispatchPerSecond float64       `yaml:"dispatch_per_second"`
	ExecTimeout       time.Duration `yaml:"exec_timeout"`
}

// MemoryConfig holds memory retention policy.
type MemoryConfig struct {
	KeepPerType   int           `yaml:"keep_per_type"`
	HalfLifeHours float64       `yaml:"half_life_hours"`
	ShortTermTTL  time.Duration `yaml:"short_term_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// KnowledgeConfig holds knowledge graph service settings.
type KnowledgeConfig struct {
	EntityCacheSize int `yaml:"entity_cache_size"`
}

// UnmarshalYAML overlays only the fields present in the document, parsing
// durations from strings like "30s". Absent fields keep their current
// (env/default) values.
func (c *SchedulerConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		MaxRetries        *int     `yaml:"max_retries"`
		BackoffBase       *string  `yaml:"backoff_base"`
		BackoffCap        *string  `yaml:"backoff_cap"`
		Propagation       *string  `yaml:"propagation"`
		Workers           *int     `yaml:"workers"`
		DispatchPerSecond *float64 `yaml:"dispatch_per_second"`
		ExecTimeout       *string  `yaml:"exec_timeout"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.MaxRetries != nil {
		c.MaxRetries = *raw.MaxRetries
	}
	if raw.Propagation != nil {
		c.Propagation = *raw.Propagation
	}
	if raw.Workers != nil {
		c.Workers = *raw.Workers
	}
	if raw.DispatchPerSecond != nil {
		c.DispatchPerSecond = *raw.DispatchPerSecond
	}
	var err error
	if c.BackoffBase, err = overlayDuration(c.BackoffBase, raw.BackoffBase); err != nil {
		return fmt.Errorf("backoff_base: %w", err)
	}
	if c.BackoffCap, err = overlayDuration(c.BackoffCap, raw.BackoffCap); err != nil {
		return fmt.Errorf("backoff_cap: %w", err)
	}
	if c.ExecTimeout, err = overlayDuration(c.ExecTimeout, raw.ExecTimeout); err != nil {
		return fmt.Errorf("exec_timeout: %w", err)
	}
	return nil
}

// UnmarshalYAML overlays only the fields present in the document.
func (c *MemoryConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		KeepPerType   *int     `yaml:"keep_per_type"`
		HalfLifeHours *float64 `yaml:"half_life_hours"`
		ShortTermTTL  *string  `yaml:"short_term_ttl"`
		SweepInterval *string  `yaml:"sweep_interval"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.KeepPerType != nil {
		c.KeepPerType = *raw.KeepPerType
	}
	if raw.HalfLifeHours != nil {
		c.HalfLifeHours = *raw.HalfLifeHours
	}
	var err error
	if c.ShortTermTTL, err = overlayDuration(c.ShortTermTTL, raw.ShortTermTTL); err != nil {
		return fmt.Errorf("short_term_ttl: %w", err)
	}
	if c.SweepInterval, err = overlayDuration(c.SweepInterval, raw.SweepInterval); err != nil {
		return fmt.Errorf("sweep_interval: %w", err)
	}
	return nil
}

func overlayDuration(current time.Duration, raw *string) (time.Duration, error) {
	if raw == nil {
		return current, nil
	}
	return time.ParseDuration(*raw)
}

// LoadConfig loads configuration from environment variables with defaults.
// All environment variables use the CONDUCTOR_ prefix.
func LoadConfig() (*Config, error) {
	cfg := buildBaseConfig()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfigFile loads the environment-based configuration and overlays it
// with values from a YAML file. File values take precedence over the
// environment; fields absent from the file keep their env/default values.
func LoadConfigFile(path string) (*Config, error) {
	cfg := buildBaseConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Storage.Engine {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unknown storage engine %q", c.Storage.Engine)
	}
	if c.Storage.Engine == "postgres" && c.Storage.PostgresDSN == "" {
		return fmt.Errorf("config: postgres engine requires CONDUCTOR_POSTGRES_DSN")
	}
	switch c.Scheduler.Propagation {
	case "best_effort", "fail_fast":
	default:
		return fmt.Errorf("config: unknown propagation policy %q", c.Scheduler.Propagation)
	}
	if c.Scheduler.MaxRetries < 0 {
		return fmt.Errorf("config: max_retries must be non-negative")
	}
	return nil
}

// buildBaseConfig constructs a Config from environment variables and
// defaults.
func buildBaseConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Engine:      getEnv("CONDUCTOR_STORAGE_ENGINE", "sqlite"),
			DataPath:    getEnv("CONDUCTOR_DATA_PATH", "./data"),
			PostgresDSN: getEnv("CONDUCTOR_POSTGRES_DSN", ""),
		},
		Scheduler: SchedulerConfig{
			MaxRetries:        getEnvInt("CONDUCTOR_MAX_RETRIES", 3),
			BackoffBase:       getEnvDuration("CONDUCTOR_BACKOFF_BASE", 2*time.Second),
			BackoffCap:        getEnvDuration("CONDUCTOR_BACKOFF_CAP", 5*time.Minute),
			Propagation:       getEnv("CONDUCTOR_PROPAGATION", "best_effort"),
			Workers:           getEnvInt("CONDUCTOR_WORKERS", 4),
			DispatchPerSecond: getEnvFloat("CONDUCTOR_DISPATCH_PER_SECOND", 0),
			ExecTimeout:       getEnvDuration("CONDUCTOR_EXEC_TIMEOUT", 2*time.Minute),
		},
		Memory: MemoryConfig{
			KeepPerType:   getEnvInt("CONDUCTOR_MEMORY_KEEP_PER_TYPE", 100),
			HalfLifeHours: getEnvFloat("CONDUCTOR_MEMORY_HALF_LIFE_HOURS", 168),
			ShortTermTTL:  getEnvDuration("CONDUCTOR_MEMORY_SHORT_TERM_TTL", 24*time.Hour),
			SweepInterval: getEnvDuration("CONDUCTOR_MEMORY_SWEEP_INTERVAL", time.Hour),
		},
		Knowledge: KnowledgeConfig{
			EntityCacheSize: getEnvInt("CONDUCTOR_ENTITY_CACHE_SIZE", 512),
		},
	}
}

// getEnv returns the environment variable value or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default. Unparsable
// values fall back to the default.
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}

// getEnvFloat returns a float environment variable or a default.
func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}
	return f
}

// getEnvDuration returns a duration environment variable (Go duration
// syntax, e.g. "30s") or a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return d
}
