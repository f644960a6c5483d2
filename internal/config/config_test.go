package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  host: "127.0.0.1"
  port: 9090
  path_prefix: "/api/v2"
  shutdown_timeout: "5s"

database:
  path: "/data/test.db"

jenkins:
  url: "http://jenkins.local:8080/"
  user: "ci"
  token: "secret-token"
  timeout: "3s"
  report_path: "testReport/"

poller:
  interval: "2s"
  submit_grace: "1m"

scheduler:
  timezone: "UTC"

notification:
  timeout: "4s"

security:
  encryption_key: "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

log:
  level: "debug"
  json: true
  file: "/var/log/testflow.log"

rate_limit:
  trigger_per_minute: 10
  trigger_burst: 2
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "/api/v2", cfg.Server.PathPrefix)
	assert.Equal(t, 5*time.Second, cfg.Server.GetShutdownTimeout())
	assert.Equal(t, "/data/test.db", cfg.Database.Path)

	assert.Equal(t, "http://jenkins.local:8080", cfg.Jenkins.URL, "trailing slash is trimmed")
	assert.Equal(t, "ci", cfg.Jenkins.User)
	assert.Equal(t, "secret-token", cfg.Jenkins.Token)
	assert.Equal(t, 3*time.Second, cfg.Jenkins.GetTimeout())
	assert.Equal(t, "testReport/", cfg.Jenkins.ReportPath)

	assert.Equal(t, 2*time.Second, cfg.Poller.GetInterval())
	assert.Equal(t, time.Minute, cfg.Poller.GetSubmitGrace())
	assert.Equal(t, time.UTC, cfg.Scheduler.GetLocation())
	assert.Equal(t, 4*time.Second, cfg.Notification.GetTimeout())

	key, err := cfg.Security.Key()
	require.NoError(t, err)
	assert.Len(t, key, 32)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.JSON)
	assert.Equal(t, "/var/log/testflow.log", cfg.Log.File)
	assert.Equal(t, 10, cfg.RateLimit.TriggerPerMinute)
	assert.Equal(t, 2, cfg.RateLimit.TriggerBurst)

	require.NoError(t, cfg.Validate())
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}"))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, "/api/v1", cfg.Server.PathPrefix)
	assert.Equal(t, "./data/testflow.db", cfg.Database.Path)
	assert.Equal(t, 10*time.Second, cfg.Jenkins.GetTimeout())
	assert.Equal(t, "allure/", cfg.Jenkins.ReportPath)
	assert.Equal(t, 10*time.Second, cfg.Poller.GetInterval())
	assert.Equal(t, 30*time.Second, cfg.Poller.GetSubmitGrace())
	assert.Equal(t, time.Local, cfg.Scheduler.GetLocation())
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 100, cfg.Log.MaxSizeMB)
	assert.Equal(t, 30, cfg.RateLimit.TriggerPerMinute)

	key, err := cfg.Security.Key()
	require.NoError(t, err)
	assert.Nil(t, key)
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8000, cfg.Server.Port)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "server: [not, a, map"))
	assert.Error(t, err)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("TESTFLOW_JENKINS_URL", "https://ci.example.com/")
	t.Setenv("TESTFLOW_JENKINS_TOKEN", "from-env")
	t.Setenv("TESTFLOW_DATABASE_PATH", "/tmp/override.db")

	cfg, err := Load(writeConfig(t, `
jenkins:
  url: "http://ignored"
  token: "ignored"
`))
	require.NoError(t, err)

	assert.Equal(t, "https://ci.example.com", cfg.Jenkins.URL)
	assert.Equal(t, "from-env", cfg.Jenkins.Token)
	assert.Equal(t, "/tmp/override.db", cfg.Database.Path)
}

func TestDurationGetters_InvalidFallsBack(t *testing.T) {
	cfg := &Config{
		Jenkins: JenkinsConfig{Timeout: "soon"},
		Poller:  PollerConfig{Interval: "-5s", SubmitGrace: "abc"},
	}

	assert.Equal(t, 10*time.Second, cfg.Jenkins.GetTimeout())
	assert.Equal(t, 10*time.Second, cfg.Poller.GetInterval())
	assert.Equal(t, 30*time.Second, cfg.Poller.GetSubmitGrace())
}

func TestSchedulerConfig_UnknownTimezone(t *testing.T) {
	c := SchedulerConfig{Timezone: "Mars/Olympus_Mons"}
	assert.Equal(t, time.Local, c.GetLocation())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"ok", func(c *Config) {}, ""},
		{"missing jenkins url", func(c *Config) { c.Jenkins.URL = "" }, "jenkins.url is required"},
		{"bad scheme", func(c *Config) { c.Jenkins.URL = "ftp://ci" }, "http(s) URL"},
		{"bad key hex", func(c *Config) { c.Security.EncryptionKey = "zz" }, "hex encoded"},
		{"short key", func(c *Config) { c.Security.EncryptionKey = "abcd" }, "32 bytes"},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "out of range"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("")
			require.NoError(t, err)
			cfg.Jenkins.URL = "http://jenkins:8080"
			tt.mutate(cfg)

			err = cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
