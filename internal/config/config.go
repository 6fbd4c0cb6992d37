package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/danielpatrickdp/pump-loop/go-controller/internal/dosing"
	"github.com/danielpatrickdp/pump-loop/go-controller/internal/executor"
	"github.com/danielpatrickdp/pump-loop/go-controller/internal/logging"
	"github.com/danielpatrickdp/pump-loop/go-controller/internal/observability"
)

// #region config

// Config is the controller configuration. Values come from defaults, then
// an optional YAML file, then LOOP_* environment variables.
type Config struct {
	MinChangeFraction          float64 `yaml:"min_change_fraction"`
	ClosedLoop                 bool    `yaml:"closed_loop"`
	BTWatchdogEnabled          bool    `yaml:"bt_watchdog_enabled"`
	MinWatchdogIntervalSeconds int     `yaml:"min_watchdog_interval_seconds"`
	MaxConnectionTimeSeconds   int     `yaml:"max_connection_time_seconds"`
	MaxBasal                   float64 `yaml:"max_basal"`
	MaxBolus                   float64 `yaml:"max_bolus"`
	MaxCurrentBasalMultiplier  float64 `yaml:"max_current_basal_multiplier"`
	StatusRefreshMinutes       int     `yaml:"status_refresh_minutes"`
	CommandTimeoutSeconds      int     `yaml:"command_timeout_seconds"`

	DBPath      string `yaml:"db_path"`
	BridgeAddr  string `yaml:"bridge_addr"`
	RedisURL    string `yaml:"redis_url"`
	MetricsAddr string `yaml:"metrics_addr"`
	LogDir      string `yaml:"log_dir"`

	OTelExporter    string  `yaml:"otel_exporter"` // "", "none", "otlp", "stdout"
	OTelEndpoint    string  `yaml:"otel_endpoint"`
	OTelInsecure    bool    `yaml:"otel_insecure"`
	OTelSampleRatio float64 `yaml:"otel_sample_ratio"`
}

// Default returns the stock configuration: open loop, watchdog off.
func Default() Config {
	return Config{
		MinChangeFraction:          0.30,
		ClosedLoop:                 false,
		BTWatchdogEnabled:          false,
		MinWatchdogIntervalSeconds: 720,
		MaxConnectionTimeSeconds:   110,
		MaxBasal:                   1.0,
		MaxBolus:                   3.0,
		MaxCurrentBasalMultiplier:  4.0,
		StatusRefreshMinutes:       15,
		CommandTimeoutSeconds:      180,
		DBPath:                     "pump_loop.db",
		MetricsAddr:                ":9464",
		OTelInsecure:               true,
		OTelSampleRatio:            1.0,
	}
}

// Load reads path (skipped when empty), applies environment overrides and
// validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.MinChangeFraction = getenvFloat("LOOP_MIN_CHANGE_FRACTION", c.MinChangeFraction)
	c.ClosedLoop = getenvBool("LOOP_CLOSED_LOOP", c.ClosedLoop)
	c.BTWatchdogEnabled = getenvBool("LOOP_BT_WATCHDOG_ENABLED", c.BTWatchdogEnabled)
	c.MinWatchdogIntervalSeconds = getenvInt("LOOP_MIN_WATCHDOG_INTERVAL_SECONDS", c.MinWatchdogIntervalSeconds)
	c.MaxConnectionTimeSeconds = getenvInt("LOOP_MAX_CONNECTION_TIME_SECONDS", c.MaxConnectionTimeSeconds)
	c.MaxBasal = getenvFloat("LOOP_MAX_BASAL", c.MaxBasal)
	c.MaxBolus = getenvFloat("LOOP_MAX_BOLUS", c.MaxBolus)
	c.MaxCurrentBasalMultiplier = getenvFloat("LOOP_MAX_CURRENT_BASAL_MULTIPLIER", c.MaxCurrentBasalMultiplier)
	c.StatusRefreshMinutes = getenvInt("LOOP_STATUS_REFRESH_MINUTES", c.StatusRefreshMinutes)
	c.CommandTimeoutSeconds = getenvInt("LOOP_COMMAND_TIMEOUT_SECONDS", c.CommandTimeoutSeconds)
	c.DBPath = getenv("LOOP_DB_PATH", c.DBPath)
	c.BridgeAddr = getenv("LOOP_BRIDGE_ADDR", c.BridgeAddr)
	c.RedisURL = getenv("LOOP_REDIS_URL", c.RedisURL)
	c.MetricsAddr = getenv("LOOP_METRICS_ADDR", c.MetricsAddr)
	c.LogDir = getenv("LOOP_LOG_DIR", c.LogDir)
	c.OTelExporter = getenv("LOOP_OTEL_EXPORTER", c.OTelExporter)
	c.OTelEndpoint = getenv("LOOP_OTEL_ENDPOINT", c.OTelEndpoint)
	c.OTelInsecure = getenvBool("LOOP_OTEL_INSECURE", c.OTelInsecure)
	c.OTelSampleRatio = getenvFloat("LOOP_OTEL_SAMPLE_RATIO", c.OTelSampleRatio)
}

// Validate rejects settings the loop cannot run safely with.
func (c Config) Validate() error {
	if c.MinChangeFraction <= 0 || c.MinChangeFraction >= 1 {
		return fmt.Errorf("min_change_fraction must be in (0,1), got %v", c.MinChangeFraction)
	}
	if c.MaxConnectionTimeSeconds <= 0 {
		return fmt.Errorf("max_connection_time_seconds must be positive, got %d", c.MaxConnectionTimeSeconds)
	}
	if c.MinWatchdogIntervalSeconds <= 0 {
		return fmt.Errorf("min_watchdog_interval_seconds must be positive, got %d", c.MinWatchdogIntervalSeconds)
	}
	if c.CommandTimeoutSeconds <= 0 {
		return fmt.Errorf("command_timeout_seconds must be positive, got %d", c.CommandTimeoutSeconds)
	}
	if c.StatusRefreshMinutes < 0 {
		return fmt.Errorf("status_refresh_minutes must not be negative, got %d", c.StatusRefreshMinutes)
	}
	if c.MaxBasal < 0 || c.MaxBolus < 0 || c.MaxCurrentBasalMultiplier < 0 {
		return fmt.Errorf("safety limits must not be negative")
	}
	if c.OTelSampleRatio < 0 || c.OTelSampleRatio > 1 {
		return fmt.Errorf("otel_sample_ratio must be in [0,1], got %v", c.OTelSampleRatio)
	}
	return nil
}

// #endregion config

// #region views

func (c Config) Dosing() dosing.Config {
	return dosing.Config{
		ClosedLoop:                c.ClosedLoop,
		MinChangeFraction:         c.MinChangeFraction,
		MaxBasal:                  c.MaxBasal,
		MaxBolus:                  c.MaxBolus,
		MaxCurrentBasalMultiplier: c.MaxCurrentBasalMultiplier,
	}
}

func (c Config) Executor() executor.Config {
	ec := executor.DefaultConfig()
	ec.WatchdogEnabled = c.BTWatchdogEnabled
	ec.MinWatchdogInterval = time.Duration(c.MinWatchdogIntervalSeconds) * time.Second
	ec.MaxConnectionTime = time.Duration(c.MaxConnectionTimeSeconds) * time.Second
	ec.CommandTimeout = time.Duration(c.CommandTimeoutSeconds) * time.Second
	return ec
}

func (c Config) Logging() logging.Config {
	return logging.Config{Dir: c.LogDir}
}

func (c Config) Tracing() observability.TracerConfig {
	return observability.TracerConfig{
		ServiceName: "loopd",
		Exporter:    c.OTelExporter,
		Endpoint:    c.OTelEndpoint,
		Insecure:    c.OTelInsecure,
		SampleRatio: c.OTelSampleRatio,
	}
}

func (c Config) StatusRefresh() time.Duration {
	return time.Duration(c.StatusRefreshMinutes) * time.Minute
}

// #endregion views

// #region env-helpers

func getenv(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getenvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	switch v {
	case "1", "true", "TRUE", "yes", "YES":
		return true
	case "0", "false", "FALSE", "no", "NO":
		return false
	default:
		return fallback
	}
}

// #endregion env-helpers
