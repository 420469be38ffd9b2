// Package config holds the snapshot handed to the sandbox builder and the
// PTY engine. The TOML configuration schema and its merge rules are an
// external collaborator (see spec §1); this package only decodes the
// minimal YAML snapshot the daemon needs to construct sessions.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Mount describes one host-path bind mount requested for a session.
type Mount struct {
	Source   string `yaml:"source"`
	Target   string `yaml:"target"`
	ReadOnly bool   `yaml:"read_only,omitempty"`
	Named    string `yaml:"named,omitempty"` // daemon-managed volume name instead of a host source
}

// NetworkMode selects whether a session gets a private network namespace.
type NetworkMode int

const (
	NetworkIsolated NetworkMode = iota // new netns, loopback only
	NetworkHost                        // share the host network namespace
)

func (m NetworkMode) String() string {
	if m == NetworkHost {
		return "host"
	}
	return "isolated"
}

func ParseNetworkMode(s string) NetworkMode {
	if s == "host" {
		return NetworkHost
	}
	return NetworkIsolated
}

// Snapshot is the immutable configuration a Session is built from. One is
// captured at `create` time and stored on the Session so later operations
// (restart, `ls`) see the settings the session was actually built with,
// even if the on-disk config changes afterward.
type Snapshot struct {
	Agent          string            `yaml:"agent"`
	Network        NetworkMode       `yaml:"-"`
	NetworkRaw     string            `yaml:"network,omitempty"`
	Mounts         []Mount           `yaml:"mounts,omitempty"`
	Env            map[string]string `yaml:"env,omitempty"`
	AutoRestart    bool              `yaml:"auto_restart"`
	RestartDelay   time.Duration     `yaml:"-"`
	RestartDelayMS int               `yaml:"restart_delay_ms,omitempty"`
	ScrollbackSize int               `yaml:"scrollback_bytes,omitempty"`
	IdleTimeout    time.Duration     `yaml:"-"`
	IdleTimeoutSec int               `yaml:"idle_timeout_seconds,omitempty"`
	BlockedInput   []string          `yaml:"blocked_input,omitempty"`
}

const (
	DefaultScrollbackSize = 256 * 1024
	DefaultRestartDelay   = 500 * time.Millisecond
	DefaultIdleTimeout    = 30 * time.Second
)

// Default returns the built-in defaults used when no config file is present.
func Default() Snapshot {
	return Snapshot{
		Agent:          "agent",
		Network:        NetworkIsolated,
		AutoRestart:    true,
		RestartDelay:   DefaultRestartDelay,
		ScrollbackSize: DefaultScrollbackSize,
		IdleTimeout:    DefaultIdleTimeout,
	}
}

// Load reads and decodes the YAML config snapshot at path, filling in
// defaults for anything left unset. A missing file is not an error — it
// just yields Default().
func Load(path string) (Snapshot, error) {
	snap := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return snap, nil
		}
		return snap, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return snap, fmt.Errorf("parse config %s: %w", path, err)
	}
	snap.Network = ParseNetworkMode(snap.NetworkRaw)
	if snap.RestartDelayMS > 0 {
		snap.RestartDelay = time.Duration(snap.RestartDelayMS) * time.Millisecond
	} else if snap.RestartDelay == 0 {
		snap.RestartDelay = DefaultRestartDelay
	}
	if snap.ScrollbackSize <= 0 {
		snap.ScrollbackSize = DefaultScrollbackSize
	}
	if snap.IdleTimeoutSec > 0 {
		snap.IdleTimeout = time.Duration(snap.IdleTimeoutSec) * time.Second
	} else if snap.IdleTimeout == 0 {
		snap.IdleTimeout = DefaultIdleTimeout
	}
	if err := checkMountContainment(snap.Mounts); err != nil {
		return snap, err
	}
	return snap, nil
}

// checkMountContainment rejects any configured mount whose host source
// resolves (following symlinks) outside the user's home directory, via `..`
// or a symlink escape. Named (daemon-managed) mounts are exempt — their
// source is a volume directory under the state dir, not a user-supplied
// path.
func checkMountContainment(mounts []Mount) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("resolve home directory: %w", err)
	}
	home, err = filepath.EvalSymlinks(home)
	if err != nil {
		return fmt.Errorf("resolve home directory: %w", err)
	}

	for _, m := range mounts {
		if m.Named != "" || m.Source == "" {
			continue
		}
		resolved, err := filepath.EvalSymlinks(m.Source)
		if err != nil {
			// A source that doesn't exist yet can't be evaluated for symlink
			// escape; fall back to the cleaned absolute path.
			abs, absErr := filepath.Abs(m.Source)
			if absErr != nil {
				return fmt.Errorf("mount %q: %w", m.Source, absErr)
			}
			resolved = abs
		}
		rel, err := filepath.Rel(home, resolved)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return fmt.Errorf("mount source %q escapes home directory %q", m.Source, home)
		}
	}
	return nil
}
