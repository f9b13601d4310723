// Package config provides YAML-based configuration loading for Waypost.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the top-level Waypost configuration, loaded from waypost.yaml.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Session       SessionConfig       `yaml:"session"`
	Reconnect     ReconnectConfig     `yaml:"reconnect"`
	Chat          ChatConfig          `yaml:"chat"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Database      DatabaseConfig      `yaml:"database"`
	Alerts        AlertsConfig        `yaml:"alerts"`
	Dashboard     DashboardConfig     `yaml:"dashboard"`
	Retention     RetentionConfig     `yaml:"retention"`
	API           APIConfig           `yaml:"api"`
}

// ServerConfig holds the remote endpoints.
type ServerConfig struct {
	SocketURL string `yaml:"socket_url" env:"WAYPOST_SOCKET_URL"`
	APIURL    string `yaml:"api_url" env:"WAYPOST_API_URL"`
}

// SessionConfig identifies the logged-in user. The token is opaque and is
// either inline, in the environment, or in TokenFile.
type SessionConfig struct {
	UserID    string `yaml:"user_id" env:"WAYPOST_USER_ID"`
	Token     string `yaml:"token" env:"WAYPOST_TOKEN"`
	TokenFile string `yaml:"token_file"`
}

// ReconnectConfig controls the connection retry policy.
type ReconnectConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
	DelayMs     int `yaml:"delay_ms"`
}

// ChatConfig tunes chat sessions.
type ChatConfig struct {
	TypingWindowMs int `yaml:"typing_window_ms"`
}

// NotificationsConfig tunes the notification feed.
type NotificationsConfig struct {
	Enabled         bool `yaml:"enabled"`
	PollIntervalSec int  `yaml:"poll_interval_sec"`
}

// DatabaseConfig selects the notification/message store. Driver is
// "sqlite" (Path) or "mysql" (Host/Port/Name/User).
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path" env:"WAYPOST_DB_PATH"`
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	Name   string `yaml:"name"`
	User   string `yaml:"user"`
}

// AlertsConfig selects where transient alerts are delivered. Sinks may
// contain "log", "slack" and "discord".
type AlertsConfig struct {
	Sinks   []string      `yaml:"sinks"`
	Slack   SlackConfig   `yaml:"slack"`
	Discord DiscordConfig `yaml:"discord"`
}

// SlackConfig holds Slack sink settings.
type SlackConfig struct {
	BotToken  string `yaml:"bot_token" env:"WAYPOST_SLACK_BOT_TOKEN"`
	ChannelID string `yaml:"channel_id"`
}

// DiscordConfig holds Discord sink settings.
type DiscordConfig struct {
	BotToken  string `yaml:"bot_token" env:"WAYPOST_DISCORD_BOT_TOKEN"`
	ChannelID string `yaml:"channel_id"`
}

// DashboardConfig controls the local status server. Port 0 disables it.
type DashboardConfig struct {
	Port int `yaml:"port"`
}

// RetentionConfig controls pruning of the local message log.
type RetentionConfig struct {
	Cron       string `yaml:"cron"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// APIConfig controls outbound REST calls.
type APIConfig struct {
	TimeoutSec int     `yaml:"timeout_sec"`
	RatePerSec float64 `yaml:"rate_per_sec"`
	Burst      int     `yaml:"burst"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes, applies environment overrides, and returns a
// validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("config: parse env: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Reconnect.MaxAttempts == 0 {
		c.Reconnect.MaxAttempts = 5
	}
	if c.Reconnect.DelayMs == 0 {
		c.Reconnect.DelayMs = 1000
	}
	if c.Chat.TypingWindowMs == 0 {
		c.Chat.TypingWindowMs = 1000
	}
	if c.Notifications.PollIntervalSec == 0 {
		c.Notifications.PollIntervalSec = 2
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		c.Database.Path = "waypost.db"
	}
	if c.Database.Driver == "mysql" {
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
		if c.Database.User == "" {
			c.Database.User = "root"
		}
	}
	if len(c.Alerts.Sinks) == 0 {
		c.Alerts.Sinks = []string{"log"}
	}
	if c.Retention.MaxAgeDays == 0 {
		c.Retention.MaxAgeDays = 30
	}
	if c.API.TimeoutSec == 0 {
		c.API.TimeoutSec = 10
	}
	if c.API.RatePerSec == 0 {
		c.API.RatePerSec = 5
	}
	if c.API.Burst == 0 {
		c.API.Burst = 10
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Server.SocketURL == "" {
		errs = append(errs, "server.socket_url is required")
	}
	if c.Server.APIURL == "" {
		errs = append(errs, "server.api_url is required")
	}
	if c.Reconnect.MaxAttempts < 0 {
		errs = append(errs, "reconnect.max_attempts must be >= 0")
	}
	if c.Reconnect.DelayMs < 0 {
		errs = append(errs, "reconnect.delay_ms must be >= 0")
	}
	switch c.Database.Driver {
	case "sqlite":
	case "mysql":
		if c.Database.Name == "" {
			errs = append(errs, "database.name is required for mysql")
		}
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported", c.Database.Driver))
	}
	for _, s := range c.Alerts.Sinks {
		switch s {
		case "log":
		case "slack":
			if c.Alerts.Slack.BotToken == "" || c.Alerts.Slack.ChannelID == "" {
				errs = append(errs, "alerts.slack requires bot_token and channel_id")
			}
		case "discord":
			if c.Alerts.Discord.BotToken == "" || c.Alerts.Discord.ChannelID == "" {
				errs = append(errs, "alerts.discord requires bot_token and channel_id")
			}
		default:
			errs = append(errs, fmt.Sprintf("alerts.sinks: unknown sink %q", s))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ResolveToken returns the session token from the config or, when empty,
// from TokenFile. An empty result with a nil error means no session.
func (c *Config) ResolveToken() (string, error) {
	if c.Session.Token != "" {
		return c.Session.Token, nil
	}
	if c.Session.TokenFile == "" {
		return "", nil
	}
	data, err := os.ReadFile(c.Session.TokenFile)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("config: read token file %s: %w", c.Session.TokenFile, err)
	}
	return strings.TrimSpace(string(data)), nil
}
