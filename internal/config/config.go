// Package config loads syncmon settings from a YAML file, SYNCMON_*
// environment variables and defaults, in that order of precedence
// (environment wins over file).
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/dqmtools/syncmon/internal/logging"
)

// EnvPrefix prefixes environment overrides, e.g. SYNCMON_DASHBOARD_PORT.
const EnvPrefix = "SYNCMON"

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the resolved configuration.
type Config struct {
	Sources []string

	ReconnectInterval time.Duration
	TimeoutInterval   time.Duration
	Debounce          time.Duration
	TimeoutTicks      int
	MaxBackoffTicks   int
	PollInterval      time.Duration

	StatsDB       string
	DashboardPort int

	Log     logging.Options
	Verbose bool
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("sources", []string{})
	v.SetDefault("reconnect_interval", 3*time.Second)
	v.SetDefault("timeout_interval", time.Second)
	v.SetDefault("debounce", 100*time.Millisecond)
	v.SetDefault("timeout_ticks", 15)
	v.SetDefault("max_backoff_ticks", 5)
	v.SetDefault("poll_interval", 3*time.Second)
	v.SetDefault("stats_db", "")
	v.SetDefault("dashboard.port", 8080)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.compress", true)
	v.SetDefault("verbose", false)
}

// Load reads path (optional; "" or a missing file means defaults plus
// environment) and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			v.SetConfigType("yaml")
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat config %s: %w", path, err)
		}
	}

	cfg := &Config{
		Sources:           sources(v),
		ReconnectInterval: v.GetDuration("reconnect_interval"),
		TimeoutInterval:   v.GetDuration("timeout_interval"),
		Debounce:          v.GetDuration("debounce"),
		TimeoutTicks:      v.GetInt("timeout_ticks"),
		MaxBackoffTicks:   v.GetInt("max_backoff_ticks"),
		PollInterval:      v.GetDuration("poll_interval"),
		StatsDB:           v.GetString("stats_db"),
		DashboardPort:     v.GetInt("dashboard.port"),
		Log: logging.Options{
			File:       v.GetString("log.file"),
			MaxSizeMB:  v.GetInt("log.max_size_mb"),
			MaxBackups: v.GetInt("log.max_backups"),
			MaxAgeDays: v.GetInt("log.max_age_days"),
			Compress:   v.GetBool("log.compress"),
		},
		Verbose: v.GetBool("verbose"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// sources accepts a YAML list or a comma separated environment value.
func sources(v *viper.Viper) []string {
	var out []string
	for _, s := range v.GetStringSlice("sources") {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate checks intervals, counts and source URIs.
func (c *Config) Validate() error {
	if c.ReconnectInterval <= 0 {
		return fmt.Errorf("%w: reconnect_interval must be positive", ErrInvalid)
	}
	if c.TimeoutInterval <= 0 {
		return fmt.Errorf("%w: timeout_interval must be positive", ErrInvalid)
	}
	if c.Debounce < 0 {
		return fmt.Errorf("%w: debounce must not be negative", ErrInvalid)
	}
	if c.TimeoutTicks < 1 {
		return fmt.Errorf("%w: timeout_ticks must be at least 1", ErrInvalid)
	}
	if c.MaxBackoffTicks < 1 {
		return fmt.Errorf("%w: max_backoff_ticks must be at least 1", ErrInvalid)
	}
	if c.DashboardPort < 0 || c.DashboardPort > 65535 {
		return fmt.Errorf("%w: dashboard.port %d out of range", ErrInvalid, c.DashboardPort)
	}

	seen := make(map[string]bool, len(c.Sources))
	for _, s := range c.Sources {
		u, err := url.Parse(s)
		if err != nil {
			return fmt.Errorf("%w: source %q: %v", ErrInvalid, s, err)
		}
		switch u.Scheme {
		case "ws", "wss", "http", "https":
		default:
			return fmt.Errorf("%w: source %q: scheme must be ws, wss, http or https", ErrInvalid, s)
		}
		if u.Host == "" {
			return fmt.Errorf("%w: source %q has no host", ErrInvalid, s)
		}
		if seen[s] {
			return fmt.Errorf("%w: source %q listed twice", ErrInvalid, s)
		}
		seen[s] = true
	}
	return nil
}
