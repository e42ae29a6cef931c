// Package config loads runtime configuration for the coordination runtime:
// the environment variables named in spec §6, and an optional per-workspace
// pane roster file (hivemind.yaml).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Defaults per spec §6.
const (
	DefaultHeartbeatIntervalMS = 300000
	DefaultStuckThresholdMS    = 60000
	DefaultMaxNudges           = 2
)

// Config holds process-wide configuration resolved from the environment.
type Config struct {
	Workspace          string
	DaemonEndpoint     string
	HeartbeatInterval  time.Duration
	StuckThreshold     time.Duration
	MaxNudges          int
}

// Load resolves configuration from the environment using viper, applying
// the spec's defaults for anything unset. HIVEMIND_WORKSPACE is required.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HIVEMIND")
	v.AutomaticEnv()

	v.SetDefault("HEARTBEAT_INTERVAL_MS", DefaultHeartbeatIntervalMS)
	v.SetDefault("STUCK_THRESHOLD_MS", DefaultStuckThresholdMS)
	v.SetDefault("MAX_NUDGES", DefaultMaxNudges)

	workspace := v.GetString("WORKSPACE")
	if workspace == "" {
		return nil, fmt.Errorf("HIVEMIND_WORKSPACE is required")
	}

	endpoint := v.GetString("DAEMON_ENDPOINT")
	if endpoint == "" {
		endpoint = DefaultEndpoint()
	}

	return &Config{
		Workspace:         workspace,
		DaemonEndpoint:    endpoint,
		HeartbeatInterval: time.Duration(v.GetInt("HEARTBEAT_INTERVAL_MS")) * time.Millisecond,
		StuckThreshold:    time.Duration(v.GetInt("STUCK_THRESHOLD_MS")) * time.Millisecond,
		MaxNudges:         v.GetInt("MAX_NUDGES"),
	}, nil
}

// DefaultEndpoint returns the platform-default daemon IPC endpoint path,
// per spec §6: a named pipe on Windows, a Unix domain socket elsewhere.
func DefaultEndpoint() string {
	if runtime.GOOS == "windows" {
		return `\\.\pipe\hivemind-terminal`
	}
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "hivemind-terminal.sock")
}

// PaneSpec describes one configured pane in the roster file.
type PaneSpec struct {
	Role    string   `yaml:"role"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Cwd     string   `yaml:"cwd"`
	Mode    string   `yaml:"mode"` // "interactive" or "exec"
}

// Roster is the top-level shape of <workspace>/hivemind.yaml.
type Roster struct {
	Panes      []PaneSpec `yaml:"panes"`
	Lead       string     `yaml:"lead"`       // role designated as the heartbeat "lead" pane
	GatedRoles []string   `yaml:"gatedRoles"` // roles whose trigger delivery is gated on workspace phase (spec §4.5)
}

// LoadRoster reads and parses the pane roster file. A missing file is not
// an error; callers receive an empty Roster (no panes, no lead, no gated
// roles).
func LoadRoster(workspace string) (*Roster, error) {
	path := filepath.Join(workspace, "hivemind.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Roster{}, nil
		}
		return nil, fmt.Errorf("reading roster %s: %w", path, err)
	}

	var r Roster
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parsing roster %s: %w", path, err)
	}
	return &r, nil
}
