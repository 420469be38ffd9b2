// Package sandbox builds and re-enters the isolated rootfs a Coop session
// runs inside: new user/mount/UTS/network namespaces, an overlayfs rootfs,
// bind mounts, and pivot_root for construction; setns/fchdir/chroot for
// re-entry. Both paths hand the resulting process a PTY via creack/pty.
package sandbox

import (
	"fmt"
	"os"

	"github.com/ehrlich-b/coop/internal/config"
)

// Stage identifies where in the build/entry pipeline a failure occurred, so
// logs and typed errors can point at the exact step instead of a generic
// wrapped error.
type Stage string

const (
	StageUnshare Stage = "unshare"
	StageUidMap  Stage = "uid_map"
	StageOverlay Stage = "overlay"
	StageBind    Stage = "bind"
	StagePivot   Stage = "pivot"
	StagePtyAlloc Stage = "pty_alloc"
	StageExec    Stage = "exec"
	StageSetns   Stage = "setns"
	StageChroot  Stage = "chroot"
	StageFdRecv  Stage = "fd_recv"
)

// BuildError is returned by Build when sandbox construction fails at a
// specific stage. When the helper process has started, Build kills it before
// returning (its mounts live in its own mount namespace); session directories
// already created under the state dir are left in place.
type BuildError struct {
	Stage Stage
	Err   error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("sandbox build failed at %s: %v", e.Stage, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

// EnterError is returned by Enter when re-entering a live sandbox fails.
type EnterError struct {
	Stage Stage
	Err   error
}

func (e *EnterError) Error() string {
	return fmt.Sprintf("sandbox enter failed at %s: %v", e.Stage, e.Err)
}

func (e *EnterError) Unwrap() error { return e.Err }

// Handles pins the namespaces and root directory of a live sandbox so the
// Namespace Entrant can rejoin it long after the init process that created
// it may have exited. Net is nil when the session uses host networking.
type Handles struct {
	User  *os.File
	Mount *os.File
	UTS   *os.File
	Net   *os.File
	Root  *os.File
}

// Close releases every pinned descriptor. Called on session destruction.
func (h *Handles) Close() {
	for _, f := range []*os.File{h.User, h.Mount, h.UTS, h.Net, h.Root} {
		if f != nil {
			f.Close()
		}
	}
}

// Paths collects the overlay directories a session's rootfs is assembled
// from, rooted at <state>/sessions/<name>.
type Paths struct {
	Base      string // shared base rootfs, read-only lowerdir
	Name      string
	Upper     string
	Work      string
	Merged    string
	Persist   string
	Workspace string // host path bind-mounted at merged/workspace
}

// PathsFor derives a session's overlay directory layout from the daemon
// state directory and session name.
func PathsFor(state, base, name, workspace string) Paths {
	return Paths{
		Base:      base,
		Name:      name,
		Upper:     config.SessionUpperDir(state, name),
		Work:      config.SessionWorkDir(state, name),
		Merged:    config.SessionMergedDir(state, name),
		Persist:   config.SessionPersistDir(state, name),
		Workspace: workspace,
	}
}
