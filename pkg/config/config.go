// Package config loads the coordinator's configuration from the
// environment. Load is the only source of these fields; no command-line
// flag overrides them.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the full configuration surface of the coordinator binary.
type Config struct {
	HTTPAddr         string `env:"SCHED_HTTP_ADDR" envDefault:":8080"`
	RegistrationAddr string `env:"SCHED_REGISTRATION_ADDR" envDefault:":7070"`
	DataDir          string `env:"SCHED_DATA_DIR" envDefault:"./data"`
	RegistryPath     string `env:"SCHED_REGISTRY_PATH" envDefault:"./data/handlers.yaml"`

	LogLevel string `env:"SCHED_LOG_LEVEL" envDefault:"info"`
	LogJSON  bool   `env:"SCHED_LOG_JSON" envDefault:"false"`
	LogFile  string `env:"SCHED_LOG_FILE"`

	DeploymentName string `env:"SCHED_DEPLOYMENT_NAME" envDefault:"default"`

	// Event broker; empty RedisAddr disables the broker entirely.
	RedisAddr         string        `env:"SCHED_REDIS_ADDR"`
	RedisPassword     string        `env:"SCHED_REDIS_PASSWORD"`
	RedisDB           int           `env:"SCHED_REDIS_DB" envDefault:"0"`
	HeartbeatInterval time.Duration `env:"SCHED_HEARTBEAT_INTERVAL" envDefault:"5s"`

	// Raft clustering; empty RaftBindAddr keeps the store single-instance.
	RaftBindAddr  string `env:"SCHED_RAFT_BIND_ADDR"`
	RaftBootstrap bool   `env:"SCHED_RAFT_BOOTSTRAP" envDefault:"false"`
	NodeID        string `env:"SCHED_NODE_ID"`

	// Dispatch tuning.
	PlannerInterval time.Duration `env:"SCHED_PLANNER_INTERVAL" envDefault:"1s"`
	Workers         int           `env:"SCHED_WORKERS" envDefault:"8"`
	CallTimeout     time.Duration `env:"SCHED_CALL_TIMEOUT" envDefault:"30s"`
	ExecLogCapacity int           `env:"SCHED_EXECLOG_CAPACITY" envDefault:"1000"`
}

// Load parses the environment into a Config.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("config: parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the coordinator cannot start with.
func (c *Config) Validate() error {
	if c.PlannerInterval <= 0 || c.PlannerInterval > time.Second {
		return fmt.Errorf("config: planner interval must be in (0, 1s], got %s", c.PlannerInterval)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("config: workers must be positive, got %d", c.Workers)
	}
	if c.RaftBootstrap && c.RaftBindAddr == "" {
		return fmt.Errorf("config: raft bootstrap requires SCHED_RAFT_BIND_ADDR")
	}
	return nil
}
