// Package config provides layered configuration loading for the scheduler:
// defaults, then environment variables (BAISCHED_ prefix), then an optional
// config.yaml, unmarshaled into a typed Config and validated before use.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every configuration section the scheduler consumes.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	RPC        RPCConfig        `mapstructure:"rpc"`
	Agent      AgentConfig      `mapstructure:"agent"`
	Reconciler ReconcilerConfig `mapstructure:"reconciler"`
	LeaderLock LeaderLockConfig `mapstructure:"leaderLock"`
}

// ServerConfig holds the ambient HTTP surface's listen configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // seconds
}

func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// DatabaseConfig holds the metadata store connection, selecting between
// Postgres and SQLite per internal/db/dialect.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // "postgres" or "sqlite3"
	Path     string `mapstructure:"path"`   // sqlite file path
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// NATSConfig holds event-bus transport configuration. An empty URL selects
// the in-memory bus (single-node/test) instead of NATS.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClusterID     string `mapstructure:"clusterId"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds structured-logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// SchedulerConfig holds the scheduler loop's policy selection and timing.
type SchedulerConfig struct {
	SessionPolicy     string        `mapstructure:"sessionPolicy"` // fifo | drf | priority
	AgentPolicy       string        `mapstructure:"agentPolicy"`   // concentrated | dispersed | custom
	HolBlockThreshold int           `mapstructure:"holBlockThreshold"`
	TickInterval      time.Duration `mapstructure:"tickInterval"`
	MaxCycleDuration  time.Duration `mapstructure:"maxCycleDuration"`
}

// RPCConfig holds southbound RPC deadlines.
type RPCConfig struct {
	CreateTimeout  time.Duration `mapstructure:"createTimeout"`
	DestroyTimeout time.Duration `mapstructure:"destroyTimeout"`
	ExecTimeout    time.Duration `mapstructure:"execTimeout"`
	RetryLimit     int           `mapstructure:"retryLimit"`
	RetryCooldown  time.Duration `mapstructure:"retryCooldown"`
}

// AgentConfig holds per-agent dispatch backpressure.
type AgentConfig struct {
	ConcurrencyBudget int `mapstructure:"concurrencyBudget"`
}

// ReconcilerConfig holds the lifecycle reconciler's cadence and per-state
// deadlines, optionally overridden per resource group.
type ReconcilerConfig struct {
	Interval       time.Duration            `mapstructure:"interval"`
	StateDeadlines map[string]time.Duration `mapstructure:"stateDeadlines"`
	// PerGroupOverrides maps resource-group -> state -> deadline, consulted
	// before StateDeadlines (see SPEC_FULL.md §9 open-question decision).
	PerGroupOverrides map[string]map[string]time.Duration `mapstructure:"perGroupOverrides"`
}

// LeaderLockConfig selects and tunes the cross-process mutual-exclusion
// backing.
type LeaderLockConfig struct {
	Backend  string        `mapstructure:"backend"` // raft | postgres | file
	TTL      time.Duration `mapstructure:"ttl"`
	RaftDir  string        `mapstructure:"raftDir"`
	RaftBind string        `mapstructure:"raftBind"`
	FilePath string        `mapstructure:"filePath"`
}

// detectDefaultLogFormat mirrors the console-vs-json heuristic used across
// the stack: JSON under Kubernetes/production, readable console otherwise.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("BAISCHED_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.path", "./baisched.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "baisched")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "baisched")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// Empty URL means use the in-memory event bus.
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clusterId", "baisched-cluster")
	v.SetDefault("nats.clientId", "baisched-manager")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("scheduler.sessionPolicy", "fifo")
	v.SetDefault("scheduler.agentPolicy", "concentrated")
	v.SetDefault("scheduler.holBlockThreshold", 2)
	v.SetDefault("scheduler.tickInterval", 2*time.Second)
	v.SetDefault("scheduler.maxCycleDuration", 10*time.Second)

	v.SetDefault("rpc.createTimeout", 60*time.Second)
	v.SetDefault("rpc.destroyTimeout", 30*time.Second)
	v.SetDefault("rpc.execTimeout", 15*time.Second)
	v.SetDefault("rpc.retryLimit", 1)
	v.SetDefault("rpc.retryCooldown", 5*time.Second)

	v.SetDefault("agent.concurrencyBudget", 4)

	v.SetDefault("reconciler.interval", 5*time.Second)
	v.SetDefault("reconciler.stateDeadlines", map[string]time.Duration{
		"PREPARING": 2 * time.Minute,
		"PULLING":   10 * time.Minute,
		"CREATING":  2 * time.Minute,
		"LOST":      30 * time.Second,
	})

	v.SetDefault("leaderLock.backend", "file")
	v.SetDefault("leaderLock.ttl", 10*time.Second)
	v.SetDefault("leaderLock.raftDir", "./raft-data")
	v.SetDefault("leaderLock.raftBind", "127.0.0.1:7946")
	v.SetDefault("leaderLock.filePath", "./baisched.lock")
}

// Load reads configuration from environment variables, an optional
// config.yaml, and defaults. Environment variables use the prefix
// BAISCHED_ with SCREAMING_SNAKE_CASE naming.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified directory (or default
// locations) in addition to env vars and defaults.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("BAISCHED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/baisched/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate collects every configuration error before returning, so an
// operator sees the whole list in one pass instead of fixing issues
// one at a time.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Database.Driver == "postgres" {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for postgres driver")
		}
	} else if cfg.Database.Driver != "sqlite3" {
		errs = append(errs, "database.driver must be one of: postgres, sqlite3")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	validSessionPolicies := map[string]bool{"fifo": true, "drf": true, "priority": true}
	if !validSessionPolicies[cfg.Scheduler.SessionPolicy] {
		errs = append(errs, "scheduler.sessionPolicy must be one of: fifo, drf, priority")
	}
	validAgentPolicies := map[string]bool{"concentrated": true, "dispersed": true, "custom": true}
	if !validAgentPolicies[cfg.Scheduler.AgentPolicy] {
		errs = append(errs, "scheduler.agentPolicy must be one of: concentrated, dispersed, custom")
	}
	if cfg.Scheduler.HolBlockThreshold < 0 {
		errs = append(errs, "scheduler.holBlockThreshold must be >= 0")
	}

	validLockBackends := map[string]bool{"raft": true, "postgres": true, "file": true}
	if !validLockBackends[cfg.LeaderLock.Backend] {
		errs = append(errs, "leaderLock.backend must be one of: raft, postgres, file")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
