package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	err := rootCmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "testflow")
}

func TestCronPreviewCommand(t *testing.T) {
	path := writeConfig(t, "scheduler:\n  timezone: UTC\n")

	out, err := execute(t, "cron-preview", "0 9 * * *", "-n", "3", "--config", path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	var prev time.Time
	for _, line := range lines {
		ts, err := time.Parse(time.RFC3339, line)
		require.NoError(t, err)
		assert.Equal(t, 9, ts.UTC().Hour())
		assert.True(t, ts.After(prev))
		prev = ts
	}
}

func TestCronPreviewCommand_Malformed(t *testing.T) {
	_, err := execute(t, "cron-preview", "not a cron", "--config", writeConfig(t, "{}"))
	assert.Error(t, err)
}

func TestJobsCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jobs":[{"name":"api-smoke","url":"http://ci/job/api-smoke/","color":"blue"}]}`))
	}))
	defer srv.Close()

	path := writeConfig(t, "jenkins:\n  url: "+srv.URL+"\nlog:\n  level: error\n")
	out, err := execute(t, "jobs", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "api-smoke")
	assert.Contains(t, out, "blue")
}

func TestJobsCommand_RequiresJenkinsURL(t *testing.T) {
	_, err := execute(t, "jobs", "--config", writeConfig(t, "{}"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jenkins.url is required")
}
