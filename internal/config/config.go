// Package config loads application configuration from an optional YAML file
// and environment variables; environment variables win.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/lmittmann/tint"
)

const (
	defaultListenAddr    = ":8080"
	defaultDBPath        = "loom.db"
	defaultTaskQueue     = "default"
	defaultDecisionSlots = 2
	defaultActivitySlots = 4

	defaultLeaseDuration = 30 * time.Second
	defaultPollInterval  = 200 * time.Millisecond
	defaultSweepInterval = time.Second
	defaultTimerInterval = 500 * time.Millisecond

	envConfigPath    = "LOOM_CONFIG"
	envListenAddr    = "LOOM_LISTEN_ADDR"
	envDBPath        = "LOOM_DB_PATH"
	envLogLevel      = "LOOM_LOG_LEVEL"
	envLogFormat     = "LOOM_LOG_FORMAT"
	envTaskQueue     = "LOOM_TASK_QUEUE"
	envDecisionSlots = "LOOM_DECISION_SLOTS"
	envActivitySlots = "LOOM_ACTIVITY_SLOTS"
	envLeaseDuration = "LOOM_LEASE_DURATION"
	envPollInterval  = "LOOM_POLL_INTERVAL"
	envSweepInterval = "LOOM_SWEEP_INTERVAL"
	envTimerInterval = "LOOM_TIMER_INTERVAL"
)

// Config holds application configuration.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	DBPath     string `yaml:"db_path"`
	LogLevel   slog.Level
	// LogFormat is "json" or "text".
	LogFormat string `yaml:"log_format"`
	TaskQueue string `yaml:"task_queue"`

	DecisionSlots int `yaml:"decision_slots"`
	ActivitySlots int `yaml:"activity_slots"`

	LeaseDuration time.Duration `yaml:"lease_duration"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	TimerInterval time.Duration `yaml:"timer_interval"`

	// yamlLogLevel receives the file value before parsing into LogLevel.
	YAMLLogLevel string `yaml:"log_level"`
}

// Load reads configuration with sensible defaults, then the YAML file named
// by LOOM_CONFIG (if any), then environment variable overrides.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:    defaultListenAddr,
		DBPath:        defaultDBPath,
		LogLevel:      slog.LevelInfo,
		LogFormat:     "json",
		TaskQueue:     defaultTaskQueue,
		DecisionSlots: defaultDecisionSlots,
		ActivitySlots: defaultActivitySlots,
		LeaseDuration: defaultLeaseDuration,
		PollInterval:  defaultPollInterval,
		SweepInterval: defaultSweepInterval,
		TimerInterval: defaultTimerInterval,
	}

	if path := os.Getenv(envConfigPath); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file %s: %w", path, err)
		}
		if cfg.YAMLLogLevel != "" {
			cfg.LogLevel = parseLogLevel(cfg.YAMLLogLevel)
		}
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envLogFormat); v != "" {
		cfg.LogFormat = strings.ToLower(v)
	}
	if v := os.Getenv(envTaskQueue); v != "" {
		cfg.TaskQueue = v
	}
	if v := os.Getenv(envDecisionSlots); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.DecisionSlots = n
		}
	}
	if v := os.Getenv(envActivitySlots); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ActivitySlots = n
		}
	}
	overrideDuration(&cfg.LeaseDuration, envLeaseDuration)
	overrideDuration(&cfg.PollInterval, envPollInterval)
	overrideDuration(&cfg.SweepInterval, envSweepInterval)
	overrideDuration(&cfg.TimerInterval, envTimerInterval)

	return cfg, nil
}

func overrideDuration(dst *time.Duration, env string) {
	v := os.Getenv(env)
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		*dst = d
	}
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured logger writing to w at the configured level.
// Format "text" uses tint's human-readable handler; anything else is JSON.
func NewLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	if format == "text" {
		return slog.New(tint.NewHandler(w, &tint.Options{Level: level}))
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
