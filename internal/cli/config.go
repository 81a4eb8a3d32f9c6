package cli

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete system configuration structure.
// Missing keys keep the values from DefaultConfig.
type Config struct {
	Minister  MinisterConfig  `yaml:"minister"`
	Consensus ConsensusConfig `yaml:"consensus"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Admin struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"admin"`
}

// MinisterConfig configures a coordinator replica.
type MinisterConfig struct {
	WorkerAddr          string        `yaml:"worker_addr"`
	UserAddr            string        `yaml:"user_addr"`
	TransmissionThreads int           `yaml:"transmission_threads"`
	ConsensusMode       bool          `yaml:"consensus_mode"`
	TickInterval        time.Duration `yaml:"tick_interval"`
	UserTimeout         time.Duration `yaml:"user_timeout"`
	MaxMissedHeartbeats int           `yaml:"max_missed_heartbeats"`
	DialTimeout         time.Duration `yaml:"dial_timeout"`
	IOTimeout           time.Duration `yaml:"io_timeout"`
	RetryDelay          time.Duration `yaml:"retry_delay"`
	QueueWarnAfter      time.Duration `yaml:"queue_warn_after"`
	DataBackend         string        `yaml:"data_backend"` // memory | redis

	Redis struct {
		Addr   string `yaml:"addr"`
		DB     int    `yaml:"db"`
		Prefix string `yaml:"prefix"`
	} `yaml:"redis"`
}

// ConsensusConfig configures a consensus replica.
type ConsensusConfig struct {
	Export            string        `yaml:"export"` // IP:ConPort:WorkerPort:UserPort
	Leader            string        `yaml:"leader"` // IP:ConPort
	Initial           bool          `yaml:"initial"`
	Masters           []string      `yaml:"masters"` // Host:WorkerPort:UserPort
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	DialTimeout       time.Duration `yaml:"dial_timeout"`
	IOTimeout         time.Duration `yaml:"io_timeout"`
	SnapshotPath      string        `yaml:"snapshot_path"`
}

const (
	backendMemory = "memory"
	backendRedis  = "redis"
)

func DefaultConfig() *Config {
	cfg := &Config{
		Minister: MinisterConfig{
			WorkerAddr:          "0.0.0.0:1240",
			UserAddr:            "0.0.0.0:1241",
			TransmissionThreads: 5,
			TickInterval:        50 * time.Millisecond,
			UserTimeout:         100 * time.Second,
			MaxMissedHeartbeats: 6,
			DialTimeout:         2 * time.Second,
			IOTimeout:           10 * time.Second,
			RetryDelay:          50 * time.Millisecond,
			QueueWarnAfter:      2 * time.Second,
			DataBackend:         backendMemory,
		},
		Consensus: ConsensusConfig{
			Export:            "0.0.0.0:3060:3061:3062",
			HeartbeatInterval: 2 * time.Second,
			DialTimeout:       2 * time.Second,
			IOTimeout:         10 * time.Second,
		},
	}
	cfg.Minister.Redis.Addr = "127.0.0.1:6379"
	cfg.Minister.Redis.Prefix = "parliament"
	cfg.Metrics.Port = 9090
	cfg.Admin.Port = 50051
	return cfg
}

// loadConfig reads path over the defaults. An empty path means defaults
// only.
func loadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Minister.DataBackend {
	case backendMemory, backendRedis:
	default:
		return fmt.Errorf("unknown data_backend %q", c.Minister.DataBackend)
	}
	if c.Minister.TransmissionThreads <= 0 {
		return fmt.Errorf("transmission_threads must be positive, got %d", c.Minister.TransmissionThreads)
	}
	return nil
}
