// Package config loads the YAML configuration for the TestFlow server.
package config

import (
	"encoding/hex"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Jenkins      JenkinsConfig      `yaml:"jenkins"`
	Poller       PollerConfig       `yaml:"poller"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	Notification NotificationConfig `yaml:"notification"`
	Security     SecurityConfig     `yaml:"security"`
	Log          LogConfig          `yaml:"log"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit"`
}

type ServerConfig struct {
	Host            string   `yaml:"host"`
	Port            int      `yaml:"port"`
	PathPrefix      string   `yaml:"path_prefix"`
	ShutdownTimeout string   `yaml:"shutdown_timeout"`
	CORSOrigins     []string `yaml:"cors_origins"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// JenkinsConfig describes how to reach the CI system.
type JenkinsConfig struct {
	URL        string `yaml:"url"`
	User       string `yaml:"user"`
	Token      string `yaml:"token"`
	Timeout    string `yaml:"timeout"`
	ReportPath string `yaml:"report_path"`
}

// PollerConfig controls the reconciliation loop.
type PollerConfig struct {
	Interval    string `yaml:"interval"`
	SubmitGrace string `yaml:"submit_grace"`
}

type SchedulerConfig struct {
	Timezone string `yaml:"timezone"`
}

type NotificationConfig struct {
	Timeout string `yaml:"timeout"`
}

type SecurityConfig struct {
	EncryptionKey string `yaml:"encryption_key"`
}

// LogConfig selects the log encoding, level and optional rotating file sink.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	JSON       bool   `yaml:"json"`
}

// RateLimitConfig bounds how often a single client may trigger executions.
type RateLimitConfig struct {
	TriggerPerMinute int `yaml:"trigger_per_minute"`
	TriggerBurst     int `yaml:"trigger_burst"`
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func (c *ServerConfig) GetShutdownTimeout() time.Duration {
	return parseDuration(c.ShutdownTimeout, 15*time.Second)
}

func (c *JenkinsConfig) GetTimeout() time.Duration {
	return parseDuration(c.Timeout, 10*time.Second)
}

func (c *PollerConfig) GetInterval() time.Duration {
	return parseDuration(c.Interval, 10*time.Second)
}

func (c *PollerConfig) GetSubmitGrace() time.Duration {
	return parseDuration(c.SubmitGrace, 30*time.Second)
}

func (c *NotificationConfig) GetTimeout() time.Duration {
	return parseDuration(c.Timeout, 10*time.Second)
}

// GetLocation resolves the scheduler timezone, falling back to the local zone.
func (c *SchedulerConfig) GetLocation() *time.Location {
	if c.Timezone == "" || strings.EqualFold(c.Timezone, "local") {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// Key decodes the hex encryption key. An empty key yields nil.
func (c *SecurityConfig) Key() ([]byte, error) {
	if c.EncryptionKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.EncryptionKey)
	if err != nil {
		return nil, errors.Wrap(err, "security.encryption_key must be hex encoded")
	}
	if len(key) != 32 {
		return nil, errors.Newf("security.encryption_key must be 32 bytes (64 hex chars), got %d bytes", len(key))
	}
	return key, nil
}

// Load reads the config file at path. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config %s", path)
		}
	}

	applyEnv(&cfg)
	setDefaults(&cfg)

	return &cfg, nil
}

// Validate checks settings that cannot be defaulted.
func (c *Config) Validate() error {
	if c.Jenkins.URL == "" {
		return errors.New("jenkins.url is required")
	}
	if !strings.HasPrefix(c.Jenkins.URL, "http://") && !strings.HasPrefix(c.Jenkins.URL, "https://") {
		return errors.Newf("jenkins.url must be an http(s) URL, got %q", c.Jenkins.URL)
	}
	if _, err := c.Security.Key(); err != nil {
		return err
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return errors.Newf("server.port out of range: %d", c.Server.Port)
	}
	return nil
}

func applyEnv(cfg *Config) {
	overrides := []struct {
		env string
		dst *string
	}{
		{"TESTFLOW_JENKINS_URL", &cfg.Jenkins.URL},
		{"TESTFLOW_JENKINS_USER", &cfg.Jenkins.User},
		{"TESTFLOW_JENKINS_TOKEN", &cfg.Jenkins.Token},
		{"TESTFLOW_DATABASE_PATH", &cfg.Database.Path},
		{"TESTFLOW_ENCRYPTION_KEY", &cfg.Security.EncryptionKey},
	}
	for _, o := range overrides {
		if v, ok := os.LookupEnv(o.env); ok && v != "" {
			*o.dst = v
		}
	}
}

func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8000
	}
	if cfg.Server.PathPrefix == "" {
		cfg.Server.PathPrefix = "/api/v1"
	}
	if cfg.Server.ShutdownTimeout == "" {
		cfg.Server.ShutdownTimeout = "15s"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./data/testflow.db"
	}
	cfg.Jenkins.URL = strings.TrimRight(cfg.Jenkins.URL, "/")
	if cfg.Jenkins.Timeout == "" {
		cfg.Jenkins.Timeout = "10s"
	}
	if cfg.Jenkins.ReportPath == "" {
		cfg.Jenkins.ReportPath = "allure/"
	}
	if cfg.Poller.Interval == "" {
		cfg.Poller.Interval = "10s"
	}
	if cfg.Poller.SubmitGrace == "" {
		cfg.Poller.SubmitGrace = "30s"
	}
	if cfg.Notification.Timeout == "" {
		cfg.Notification.Timeout = "10s"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.MaxSizeMB == 0 {
		cfg.Log.MaxSizeMB = 100
	}
	if cfg.Log.MaxBackups == 0 {
		cfg.Log.MaxBackups = 5
	}
	if cfg.Log.MaxAgeDays == 0 {
		cfg.Log.MaxAgeDays = 30
	}
	if cfg.RateLimit.TriggerPerMinute == 0 {
		cfg.RateLimit.TriggerPerMinute = 30
	}
	if cfg.RateLimit.TriggerBurst == 0 {
		cfg.RateLimit.TriggerBurst = 5
	}
}
