// Package config provides YAML-based configuration loading for inspectd.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level inspectd configuration, loaded from inspectd.yaml.
type Config struct {
	Database DatabaseConfig    `yaml:"database"`
	HTTP     HTTPConfig        `yaml:"http"`
	Recovery RecoveryConfig    `yaml:"recovery"`
	Stages   map[string]string `yaml:"stages"`
	Notify   NotifyConfig      `yaml:"notify"`
}

// DatabaseConfig holds connection settings for the MySQL server.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// HTTPConfig holds settings for the API server.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// RecoveryConfig holds thresholds for the stuck-job sweep.
type RecoveryConfig struct {
	Schedule        string   `yaml:"schedule"`
	DeadlineMinutes int      `yaml:"deadline_minutes"`
	RetryableTypes  []string `yaml:"retryable_types"`
}

// Deadline returns the stuck-job deadline as a duration.
func (r RecoveryConfig) Deadline() time.Duration {
	return time.Duration(r.DeadlineMinutes) * time.Minute
}

// NotifyConfig holds optional alert sink credentials.
type NotifyConfig struct {
	Slack   SlackConfig   `yaml:"slack"`
	Discord DiscordConfig `yaml:"discord"`
}

// SlackConfig configures the Slack alert adapter.
type SlackConfig struct {
	BotToken string `yaml:"bot_token"`
	Channel  string `yaml:"channel"`
}

// DiscordConfig configures the Discord alert adapter.
type DiscordConfig struct {
	BotToken string `yaml:"bot_token"`
	Channel  string `yaml:"channel"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Database.Host == "" {
		c.Database.Host = "127.0.0.1"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 3306
	}
	if c.Database.Name == "" {
		c.Database.Name = "inspectd"
	}
	if c.Database.User == "" {
		c.Database.User = "root"
	}
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 8080
	}
	if c.Recovery.Schedule == "" {
		c.Recovery.Schedule = "*/5 * * * *"
	}
	if c.Recovery.DeadlineMinutes == 0 {
		c.Recovery.DeadlineMinutes = 5
	}
	if len(c.Recovery.RetryableTypes) == 0 {
		c.Recovery.RetryableTypes = []string{
			"chunked_analysis",
			"fair_market_value",
			"cost_forecast",
			"expert_advice",
		}
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if len(c.Stages) == 0 {
		errs = append(errs, "at least one stage endpoint is required")
	}
	for name, url := range c.Stages {
		if url == "" {
			errs = append(errs, fmt.Sprintf("stages[%s] endpoint is empty", name))
		}
	}
	if c.Notify.Slack.BotToken != "" && c.Notify.Slack.Channel == "" {
		errs = append(errs, "notify.slack.channel is required when bot_token is set")
	}
	if c.Notify.Discord.BotToken != "" && c.Notify.Discord.Channel == "" {
		errs = append(errs, "notify.discord.channel is required when bot_token is set")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
