package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full worker configuration: identity, coordination timing,
// trading tunables and the operator API surface. Loaded from a YAML file,
// then overridden by environment variables for the deploy-time bits.
type Config struct {
	Worker       WorkerConfig       `yaml:"worker"`
	Coordination CoordinationConfig `yaml:"coordination"`
	Trading      TradingConfig      `yaml:"trading"`
	Database     DatabaseConfig     `yaml:"database"`
	API          APIConfig          `yaml:"api"`
}

// WorkerConfig identifies this fleet member.
type WorkerConfig struct {
	ID        string `yaml:"id"`
	AccountID string `yaml:"account_id"`
}

// CoordinationConfig carries the lease and liveness timing. The lock TTL
// should be several heartbeat intervals long so one missed beat never
// forfeits a lease.
type CoordinationConfig struct {
	LockTTL           time.Duration `yaml:"lock_ttl"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatGrace    int           `yaml:"heartbeat_grace"`
	MaxSilence        time.Duration `yaml:"max_silence"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
}

// TradingConfig carries the strategy tunables and the candidate watchlist.
type TradingConfig struct {
	Watchlist        []string      `yaml:"watchlist"`
	OrderQuantity    float64       `yaml:"order_quantity"`
	TargetGainPct    float64       `yaml:"target_gain_pct"`
	StopLossPct      float64       `yaml:"stop_loss_pct"`
	LoopInterval     time.Duration `yaml:"loop_interval"`
	FillPollInterval time.Duration `yaml:"fill_poll_interval"`
	FillPollTimeout  time.Duration `yaml:"fill_poll_timeout"`
}

// DatabaseConfig points at the shared coordination store.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// APIConfig covers the operator HTTP surface.
type APIConfig struct {
	Port      string `yaml:"port"`
	JWTSecret string `yaml:"jwt_secret"`
}

// Default returns a configuration that works out of the box against a local
// file-backed store.
func Default() *Config {
	return &Config{
		Worker: WorkerConfig{
			ID:        "worker-1",
			AccountID: "sub000",
		},
		Coordination: CoordinationConfig{
			LockTTL:           30 * time.Second,
			HeartbeatInterval: 5 * time.Second,
			HeartbeatGrace:    3,
			MaxSilence:        30 * time.Second,
			SweepInterval:     10 * time.Second,
		},
		Trading: TradingConfig{
			OrderQuantity:    10,
			TargetGainPct:    0.02,
			StopLossPct:      0.01,
			LoopInterval:     2 * time.Second,
			FillPollInterval: 500 * time.Millisecond,
			FillPollTimeout:  30 * time.Second,
		},
		Database: DatabaseConfig{DSN: "coordination.db"},
		API:      APIConfig{Port: "8080"},
	}
}

// Load reads the YAML file at path on top of the defaults, then applies
// environment overrides. An empty path skips the file and uses defaults
// plus environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("WORKER_ID"); v != "" {
		c.Worker.ID = v
	}
	if v := os.Getenv("ACCOUNT_ID"); v != "" {
		c.Worker.AccountID = v
	}
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("PORT"); v != "" {
		c.API.Port = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.API.JWTSecret = v
	}
}

// Validate rejects configurations that would let a lease lapse between
// heartbeats or otherwise misbehave at runtime.
func (c *Config) Validate() error {
	if c.Worker.ID == "" {
		return fmt.Errorf("worker.id is required")
	}
	if c.Worker.AccountID == "" {
		return fmt.Errorf("worker.account_id is required")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Coordination.LockTTL <= 0 {
		return fmt.Errorf("coordination.lock_ttl must be positive")
	}
	if c.Coordination.HeartbeatInterval <= 0 {
		return fmt.Errorf("coordination.heartbeat_interval must be positive")
	}
	if c.Coordination.LockTTL < 3*c.Coordination.HeartbeatInterval {
		return fmt.Errorf("coordination.lock_ttl must be at least three heartbeat intervals")
	}
	if c.Coordination.MaxSilence < c.Coordination.HeartbeatInterval {
		return fmt.Errorf("coordination.max_silence must not be shorter than the heartbeat interval")
	}
	if c.Trading.OrderQuantity <= 0 {
		return fmt.Errorf("trading.order_quantity must be positive")
	}
	if c.Trading.TargetGainPct <= 0 || c.Trading.TargetGainPct >= 1 {
		return fmt.Errorf("trading.target_gain_pct must be between 0 and 1")
	}
	if c.Trading.StopLossPct <= 0 || c.Trading.StopLossPct >= 1 {
		return fmt.Errorf("trading.stop_loss_pct must be between 0 and 1")
	}
	return nil
}
