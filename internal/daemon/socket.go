//go:build linux

package daemon

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// bindSocket binds the daemon's Unix socket per §6's safety rules: refuse a
// symlink at the target path, verify ownership of any stale socket before
// unlinking it, and force mode 0600 via umask so only the owning user can
// connect.
func bindSocket(path string) (*net.UnixListener, error) {
	if fi, err := os.Lstat(path); err == nil {
		if fi.Mode()&os.ModeSymlink != 0 {
			return nil, fmt.Errorf("refusing to bind over symlink at %s", path)
		}
		if st, ok := fi.Sys().(*unix.Stat_t); ok && int(st.Uid) != os.Getuid() {
			return nil, fmt.Errorf("refusing to remove socket at %s owned by another user", path)
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
	}

	oldUmask := unix.Umask(0o177)
	defer unix.Umask(oldUmask)

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	return ln.(*net.UnixListener), nil
}

// checkPeerUID verifies the connecting process shares the daemon's uid, via
// the kernel's SO_PEERCRED credential rather than anything the client could
// forge on the wire.
func checkPeerUID(conn *net.UnixConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var cred *unix.Ucred
	var credErr error
	err = raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return err
	}
	if credErr != nil {
		return credErr
	}
	if int(cred.Uid) != os.Getuid() {
		return fmt.Errorf("peer uid %d does not match daemon uid %d", cred.Uid, os.Getuid())
	}
	return nil
}
