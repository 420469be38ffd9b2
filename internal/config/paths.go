package config

import (
	"os"
	"path/filepath"
)

// StateDir returns the root of coop's per-user state directory ($COOP_STATE_DIR
// if set, else ~/.coop). It does not create it; EnsureStateDirs does. Layout
// (see spec §6):
//
//	<state>/sock
//	<state>/daemon.pid
//	<state>/daemon.lock
//	<state>/daemon.log
//	<state>/machine_id
//	<state>/rootfs/base/
//	<state>/oci-cache/
//	<state>/volumes/<name>/
//	<state>/sessions/<name>/{upper,work,merged,persist}
func StateDir() (string, error) {
	if v := os.Getenv("COOP_STATE_DIR"); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".coop"), nil
}

func SocketPath(state string) string     { return filepath.Join(state, "sock") }
func PidFile(state string) string        { return filepath.Join(state, "daemon.pid") }
func LockFile(state string) string       { return filepath.Join(state, "daemon.lock") }
func LogFile(state string) string        { return filepath.Join(state, "daemon.log") }
func MachineIDFile(state string) string  { return filepath.Join(state, "machine_id") }
func BaseRootfsDir(state string) string  { return filepath.Join(state, "rootfs", "base") }
func OCICacheDir(state string) string    { return filepath.Join(state, "oci-cache") }
func VolumesDir(state string) string     { return filepath.Join(state, "volumes") }
func VolumeDir(state, name string) string {
	return filepath.Join(VolumesDir(state), name)
}
func SessionsDir(state string) string { return filepath.Join(state, "sessions") }

// SessionDir returns the per-session working directory containing the
// overlay's upper/work/merged mounts and the persist/ bind-mount target.
func SessionDir(state, name string) string {
	return filepath.Join(SessionsDir(state), name)
}

func SessionUpperDir(state, name string) string  { return filepath.Join(SessionDir(state, name), "upper") }
func SessionWorkDir(state, name string) string   { return filepath.Join(SessionDir(state, name), "work") }
func SessionMergedDir(state, name string) string { return filepath.Join(SessionDir(state, name), "merged") }
func SessionPersistDir(state, name string) string {
	return filepath.Join(SessionDir(state, name), "persist")
}

// EnsureStateDirs creates the fixed top-level state directories. Per-session
// directories are created by the sandbox builder at session-create time.
func EnsureStateDirs(state string) error {
	for _, dir := range []string{
		state,
		BaseRootfsDir(state),
		OCICacheDir(state),
		VolumesDir(state),
		SessionsDir(state),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}
