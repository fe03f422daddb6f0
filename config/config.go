// Package config loads settings from defaults, an optional YAML file, a
// .env file and OBLIGATIONS_* environment variables, in increasing order of
// precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. OBLIGATIONS_PORT or
// OBLIGATIONS_LOG_LEVEL.
const EnvPrefix = "OBLIGATIONS"

// Config holds all configuration for the application.
type Config struct {
	Port      int
	DBPath    string
	QueuePath string
	DeviceID  string

	Log          LogConfig
	Notify       NotifyConfig
	Connectivity ConnectivityConfig
	Gateway      GatewayConfig
	Contractors  []ContractorConfig
}

type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // text or json
}

// NotifyConfig holds the cron specs of the reminder scheduler.
type NotifyConfig struct {
	Schedule      string
	SweepSchedule string
}

// ConnectivityConfig configures the reachability probe and queue retries.
// An empty ProbeURL means the device is always online.
type ConnectivityConfig struct {
	ProbeURL      string
	ProbeInterval time.Duration
	RetryInterval time.Duration
}

type GatewayConfig struct {
	Latency time.Duration
}

// ContractorConfig seeds one directory entry from the config file.
type ContractorConfig struct {
	ID          string   `mapstructure:"id"`
	Name        string   `mapstructure:"name"`
	Company     string   `mapstructure:"company"`
	Specialties []string `mapstructure:"specialties"`
	Email       string   `mapstructure:"email"`
	Phone       string   `mapstructure:"phone"`
	HourlyRate  string   `mapstructure:"hourly_rate"` // decimal, empty if unknown
	Preferred   bool     `mapstructure:"preferred"`
	Rating      int      `mapstructure:"rating"`
}

// SetDefaults registers every key with its default.
func SetDefaults(v *viper.Viper) {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "device-1"
	}

	v.SetDefault("port", 8080)
	v.SetDefault("db_path", "obligations.db")
	v.SetDefault("queue_path", "queue.db")
	v.SetDefault("device_id", host)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("notify.schedule", "@every 1m")
	v.SetDefault("notify.sweep_schedule", "0 8 * * *")
	v.SetDefault("connectivity.probe_url", "")
	v.SetDefault("connectivity.probe_interval", 30*time.Second)
	v.SetDefault("connectivity.retry_interval", 30*time.Second)
	v.SetDefault("gateway.latency", time.Duration(0))
}

// Load reads .env from the working directory if present, then configFile
// if non-empty, and returns the merged, validated settings.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	cfg := &Config{
		Port:      v.GetInt("port"),
		DBPath:    v.GetString("db_path"),
		QueuePath: v.GetString("queue_path"),
		DeviceID:  strings.TrimSpace(v.GetString("device_id")),
		Log: LogConfig{
			Level:  strings.ToLower(v.GetString("log.level")),
			Format: strings.ToLower(v.GetString("log.format")),
		},
		Notify: NotifyConfig{
			Schedule:      v.GetString("notify.schedule"),
			SweepSchedule: v.GetString("notify.sweep_schedule"),
		},
		Connectivity: ConnectivityConfig{
			ProbeURL:      v.GetString("connectivity.probe_url"),
			ProbeInterval: v.GetDuration("connectivity.probe_interval"),
			RetryInterval: v.GetDuration("connectivity.retry_interval"),
		},
		Gateway: GatewayConfig{
			Latency: v.GetDuration("gateway.latency"),
		},
	}
	if err := v.UnmarshalKey("contractors", &cfg.Contractors); err != nil {
		return nil, fmt.Errorf("read contractors: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.DBPath == "" {
		return errors.New("db_path is required")
	}
	if c.DeviceID == "" {
		return errors.New("device_id is required")
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("invalid log.format %q (must be text or json)", c.Log.Format)
	}
	if c.Connectivity.ProbeURL != "" && c.Connectivity.ProbeInterval <= 0 {
		return fmt.Errorf("invalid connectivity.probe_interval %s", c.Connectivity.ProbeInterval)
	}
	if c.Connectivity.RetryInterval < 0 {
		return fmt.Errorf("invalid connectivity.retry_interval %s", c.Connectivity.RetryInterval)
	}
	if c.Gateway.Latency < 0 {
		return fmt.Errorf("invalid gateway.latency %s", c.Gateway.Latency)
	}
	seen := make(map[string]bool, len(c.Contractors))
	for i, ct := range c.Contractors {
		if ct.ID == "" {
			return fmt.Errorf("contractors[%d]: id is required", i)
		}
		if seen[ct.ID] {
			return fmt.Errorf("contractors[%d]: duplicate id %q", i, ct.ID)
		}
		seen[ct.ID] = true
	}
	return nil
}

// Logger builds the structured logger described by the log settings.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log.level %q", s)
	}
	return level, nil
}
