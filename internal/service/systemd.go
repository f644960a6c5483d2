// Package service installs testflow as a systemd unit.
package service

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"text/template"

	"github.com/cockroachdb/errors"
)

const (
	UnitName     = "testflow"
	UnitFilePath = "/etc/systemd/system/testflow.service"
)

// ErrUnsupported indicates the host has no usable systemd.
var ErrUnsupported = errors.New("systemd not available on this system")

// Status is what systemd reports about the unit.
type Status struct {
	ActiveState string `json:"active_state"`
	SubState    string `json:"sub_state"`
	IsInstalled bool   `json:"is_installed"`
	IsRunning   bool   `json:"is_running"`
	IsEnabled   bool   `json:"is_enabled"`
}

// UnitConfig holds the values rendered into the unit file.
type UnitConfig struct {
	ExecPath   string
	ConfigPath string
	User       string
	WorkingDir string
}

var unitTemplate = template.Must(template.New("unit").Parse(`[Unit]
Description=TestFlow - test execution lifecycle and reconciliation
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
User={{.User}}
Group={{.User}}
WorkingDirectory={{.WorkingDir}}
ExecStart={{.ExecPath}} serve --config {{.ConfigPath}}
Restart=always
RestartSec=5
StandardOutput=journal
StandardError=journal

NoNewPrivileges=true
ProtectSystem=strict
ProtectHome=read-only
ReadWritePaths={{.WorkingDir}}
PrivateTmp=true

[Install]
WantedBy=multi-user.target
`))

// RenderUnit renders the unit file for cfg.
func RenderUnit(cfg UnitConfig) (string, error) {
	var buf bytes.Buffer
	if err := unitTemplate.Execute(&buf, cfg); err != nil {
		return "", errors.Wrap(err, "render unit file")
	}
	return buf.String(), nil
}

// DefaultUnitConfig points the unit at the running executable.
func DefaultUnitConfig() UnitConfig {
	execPath, _ := os.Executable()
	if resolved, err := filepath.EvalSymlinks(execPath); err == nil {
		execPath = resolved
	}
	return UnitConfig{
		ExecPath:   execPath,
		ConfigPath: "/etc/testflow/config.yaml",
		User:       "testflow",
		WorkingDir: "/var/lib/testflow",
	}
}

// Systemctl runs one systemctl invocation and returns its combined output.
type Systemctl func(args ...string) (string, error)

func runSystemctl(args ...string) (string, error) {
	out, err := exec.Command("systemctl", args...).CombinedOutput()
	if err != nil {
		return "", errors.Wrapf(err, "systemctl %s: %s", strings.Join(args, " "), strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

// Manager drives the unit through systemctl.
type Manager struct {
	systemctl Systemctl
	unitPath  string
}

// NewManager returns a Manager for the host systemd, or ErrUnsupported.
func NewManager() (*Manager, error) {
	if runtime.GOOS != "linux" {
		return nil, ErrUnsupported
	}
	if _, err := exec.LookPath("systemctl"); err != nil {
		return nil, ErrUnsupported
	}
	return &Manager{systemctl: runSystemctl, unitPath: UnitFilePath}, nil
}

// NewManagerWith builds a Manager around a custom systemctl and unit path.
func NewManagerWith(systemctl Systemctl, unitPath string) *Manager {
	return &Manager{systemctl: systemctl, unitPath: unitPath}
}

// Install writes the unit, then enables and starts it.
func (m *Manager) Install(cfg UnitConfig) error {
	content, err := RenderUnit(cfg)
	if err != nil {
		return err
	}
	if err := os.WriteFile(m.unitPath, []byte(content), 0644); err != nil {
		return errors.Wrap(err, "write unit file")
	}
	for _, args := range [][]string{{"daemon-reload"}, {"enable", UnitName}, {"start", UnitName}} {
		if _, err := m.systemctl(args...); err != nil {
			return err
		}
	}
	return nil
}

// Uninstall stops and removes the unit. A missing unit is not an error.
func (m *Manager) Uninstall() error {
	_, _ = m.systemctl("stop", UnitName)
	_, _ = m.systemctl("disable", UnitName)

	if err := os.Remove(m.unitPath); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "remove unit file")
	}
	_, err := m.systemctl("daemon-reload")
	return err
}

// Status reports the unit state. Properties systemd cannot report stay empty.
func (m *Manager) Status() Status {
	var st Status
	if _, err := os.Stat(m.unitPath); err == nil {
		st.IsInstalled = true
	}
	if v, err := m.systemctl("show", UnitName, "--property=ActiveState", "--value"); err == nil {
		st.ActiveState = v
		st.IsRunning = v == "active"
	}
	if v, err := m.systemctl("show", UnitName, "--property=SubState", "--value"); err == nil {
		st.SubState = v
	}
	if v, err := m.systemctl("is-enabled", UnitName); err == nil {
		st.IsEnabled = v == "enabled"
	}
	return st
}
