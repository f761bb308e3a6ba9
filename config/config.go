package config

import (
	"fmt"
	"os"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// Config is the full configuration for both the hub and worker binaries.
// An empty RedisAddr selects in-process transports (single-node mode).
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	RedisAddr  string `yaml:"redis_addr"`
	JWTSecret  string `yaml:"jwt_secret"`
	LogLevel   string `yaml:"log_level"`

	Rooms   RoomsConfig   `yaml:"rooms"`
	Bridge  BridgeConfig  `yaml:"bridge"`
	Jobs    JobsConfig    `yaml:"jobs"`
	History HistoryConfig `yaml:"history"`
}

type RoomsConfig struct {
	SendTimeout   Duration `yaml:"send_timeout"`
	MsgRatePerSec float64  `yaml:"msg_rate_per_sec"`
	MsgBurst      int      `yaml:"msg_burst"`
}

type BridgeConfig struct {
	PendingBuffer int      `yaml:"pending_buffer"`
	ReconnectMin  Duration `yaml:"reconnect_min"`
	ReconnectMax  Duration `yaml:"reconnect_max"`
}

type JobsConfig struct {
	MaxAttempts    int      `yaml:"max_attempts"`
	Workers        int      `yaml:"workers"`
	PopTimeout     Duration `yaml:"pop_timeout"`
	HandlerTimeout Duration `yaml:"handler_timeout"`
	// VisibilityTimeout is how long a popped job may sit unacked before the
	// reaper assumes its worker died and requeues it.
	VisibilityTimeout Duration `yaml:"visibility_timeout"`
}

type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		ListenAddr: ":8080",
		RedisAddr:  "localhost:6379",
		JWTSecret:  "dev-secret-change-me",
		LogLevel:   "info",
		Rooms: RoomsConfig{
			SendTimeout:   Duration(5 * time.Second),
			MsgRatePerSec: 10,
			MsgBurst:      20,
		},
		Bridge: BridgeConfig{
			PendingBuffer: 256,
			ReconnectMin:  Duration(100 * time.Millisecond),
			ReconnectMax:  Duration(5 * time.Second),
		},
		Jobs: JobsConfig{
			MaxAttempts:       3,
			Workers:           2,
			PopTimeout:        Duration(2 * time.Second),
			HandlerTimeout:    Duration(60 * time.Second),
			VisibilityTimeout: Duration(5 * time.Minute),
		},
		History: HistoryConfig{
			Enabled: false,
			Path:    "history.db",
		},
	}
}

// Load reads cfg from path, falling back to defaults when path is empty or
// the file does not exist, then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}
